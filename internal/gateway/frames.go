package gateway

import "github.com/spanlabs/extract-gateway/internal/extraction"

// Client frame protocol: a streaming peer sends JSON text frames that are
// either conversation messages or an end-of-turn delimiter.
type ClientFrame struct {
	Type    string `json:"type,omitempty"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	EOT     bool   `json:"eot,omitempty"`
}

// Server frame types
const (
	FrameInfo            = "info"
	FrameStatus          = "status"
	FrameWarn            = "warn"
	FrameError           = "error"
	FrameResult          = "result"
	FrameAggregateResult = "aggregate_result"
	FrameEOTAck          = "eot_ack"
)

// ServerFrame is a JSON text frame sent back to the streaming peer
type ServerFrame struct {
	Type        string                  `json:"type"`
	Message     string                  `json:"message,omitempty"`
	Text        string                  `json:"text,omitempty"`
	Extractions []extraction.Extraction `json:"extractions,omitempty"`
}

// IsEOT reports whether the frame is an end-of-turn delimiter
func (f *ClientFrame) IsEOT() bool {
	return f.EOT || f.Type == "eot"
}
