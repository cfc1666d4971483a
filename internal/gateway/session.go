package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spanlabs/extract-gateway/internal/config"
	"github.com/spanlabs/extract-gateway/internal/engine"
	"github.com/spanlabs/extract-gateway/internal/extraction"
	"github.com/spanlabs/extract-gateway/internal/observability"
	"github.com/spanlabs/extract-gateway/internal/stream"
)

// Session holds the state of a single streaming connection. In aggregate
// mode messages accumulate into one per-session extractor and only
// incremental new extractions are relayed; otherwise each message is
// extracted independently.
type Session struct {
	conn *websocket.Conn

	id        string
	aggregate bool

	engine    engine.Engine
	extractor *stream.Extractor // nil unless aggregate

	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewSession creates a session for one streaming connection. conn may be
// nil in tests that drive HandleFrame directly.
func NewSession(conn *websocket.Conn, cfg *config.Config, eng engine.Engine, aggregate bool) *Session {
	sessionID := fmt.Sprintf("sess-%s", uuid.New().String())

	logger := observability.WithCorrelationID(observability.NewCorrelationID()).
		With().
		Str("session_id", sessionID).
		Bool("aggregate", aggregate).
		Logger()

	metrics := observability.NewSessionMetrics(sessionID)

	s := &Session{
		conn:      conn,
		id:        sessionID,
		aggregate: aggregate,
		engine:    eng,
		logger:    logger,
		metrics:   metrics,
	}
	if aggregate {
		s.extractor = stream.New(eng, stream.ConfigFromApp(cfg), metrics)
	}
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// HandleFrame processes one raw client frame and returns the server
// frames to relay back, in order
func (s *Session) HandleFrame(ctx context.Context, raw []byte) []ServerFrame {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return []ServerFrame{{Type: FrameError, Message: "invalid json"}}
	}

	// End-of-turn delimiter: flush what is pending, reset the aggregate
	// session, keep the socket open
	if frame.IsEOT() {
		return s.handleEOT(ctx)
	}

	role := strings.TrimSpace(frame.Role)
	if role == "" {
		role = "user"
	}
	content := strings.TrimSpace(frame.Content)
	if content == "" {
		return []ServerFrame{{Type: FrameWarn, Message: "empty content"}}
	}

	msg := extraction.Message{Role: role, Content: content}
	out := []ServerFrame{{Type: FrameStatus, Message: "processing"}}

	if s.aggregate {
		exts, err := s.extractor.Push(ctx, msg)
		if err != nil {
			s.logger.Error().Err(err).Msg("Aggregate extraction failed")
			s.metrics.RecordError("aggregate_extract_error", "gateway")
			return append(out, ServerFrame{Type: FrameError, Message: err.Error()})
		}
		return append(out, ServerFrame{
			Type:        FrameAggregateResult,
			Text:        s.extractor.Transcript(),
			Extractions: exts,
		})
	}

	// Single-shot mode: each message is an independent document
	s.metrics.RecordPassStart()
	exts, err := s.engine.Extract(ctx, content)
	if err != nil {
		s.metrics.RecordPassEnd("single", false)
		s.metrics.RecordError("single_extract_error", "gateway")
		s.logger.Error().Err(err).Msg("Single-shot extraction failed")
		return append(out, ServerFrame{Type: FrameError, Message: err.Error()})
	}
	s.metrics.RecordPassEnd("single", true)
	return append(out, ServerFrame{
		Type:        FrameResult,
		Text:        content,
		Extractions: exts,
	})
}

// handleEOT flushes pending transcript in aggregate mode, then resets
// the session state for the next conversation
func (s *Session) handleEOT(ctx context.Context) []ServerFrame {
	var out []ServerFrame

	if s.aggregate {
		exts, err := s.extractor.Flush(ctx)
		switch {
		case errors.Is(err, stream.ErrPassInFlight):
			out = append(out, ServerFrame{Type: FrameWarn, Message: "extraction pass in flight, discarding pending text"})
		case err != nil:
			s.logger.Error().Err(err).Msg("Flush on end-of-turn failed")
			s.metrics.RecordError("flush_error", "gateway")
			out = append(out, ServerFrame{Type: FrameError, Message: err.Error()})
		case len(exts) > 0:
			out = append(out, ServerFrame{
				Type:        FrameAggregateResult,
				Text:        s.extractor.Transcript(),
				Extractions: exts,
			})
		}
		s.extractor.Reset()
	}

	return append(out, ServerFrame{Type: FrameEOTAck})
}
