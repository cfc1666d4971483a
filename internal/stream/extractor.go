package stream

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spanlabs/extract-gateway/internal/config"
	"github.com/spanlabs/extract-gateway/internal/engine"
	"github.com/spanlabs/extract-gateway/internal/extraction"
	"github.com/spanlabs/extract-gateway/internal/observability"
)

// ErrPassInFlight is returned when a push or flush would start an
// extraction pass while another pass on the same extractor is still
// outstanding. The chunk itself is never lost: it is appended to the
// transcript before the pass is attempted.
var ErrPassInFlight = errors.New("extraction pass already in flight")

// Config holds tuning for an Extractor
type Config struct {
	// MaxPendingChars triggers a pass once this many characters have
	// accumulated since the last successful pass
	MaxPendingChars int

	// MaxPendingChunks triggers a pass once this many chunks have
	// accumulated since the last successful pass
	MaxPendingChunks int

	// Separator joins transcript chunks into one document
	Separator string

	// Key derives the identity signature used for dedup
	Key extraction.KeyFunc
}

// DefaultConfig returns a default extractor configuration
func DefaultConfig() *Config {
	return &Config{
		MaxPendingChars:  400,
		MaxPendingChunks: 8,
		Separator:        "\n",
		Key:              extraction.Key,
	}
}

// ConfigFromApp derives an extractor configuration from the service config
func ConfigFromApp(appCfg *config.Config) *Config {
	cfg := DefaultConfig()
	cfg.MaxPendingChars = appCfg.StreamMaxPendingChars
	cfg.MaxPendingChunks = appCfg.StreamMaxPendingChunks
	if appCfg.StreamDedupAttributes {
		cfg.Key = extraction.KeyWithAttributes
	}
	return cfg
}

// Delta is one batch of newly discovered extractions emitted by Run
type Delta struct {
	Extractions []extraction.Extraction
	Err         error
}

// Extractor accumulates a growing transcript and surfaces only the
// extractions not seen on any earlier pass. Passes run over the full
// transcript because the engine has no incremental mode; they are
// batched behind the pending thresholds because each pass is an
// expensive engine call.
//
// An Extractor belongs to one logical session. Its transcript and
// registry grow together for the life of the session; Reset discards
// both at once.
type Extractor struct {
	engine  engine.Engine
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu            sync.Mutex
	inFlight      bool
	transcript    []string
	pendingChars  int
	pendingChunks int
	seen          map[string]struct{}
}

// New creates an Extractor around an injected engine. metrics may be nil.
func New(eng engine.Engine, cfg *Config, metrics *observability.Metrics) *Extractor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	resolved := *cfg
	if resolved.Separator == "" {
		resolved.Separator = "\n"
	}
	if resolved.Key == nil {
		resolved.Key = extraction.Key
	}

	return &Extractor{
		engine:  eng,
		cfg:     resolved,
		logger:  observability.GetLogger().With().Str("component", "stream").Logger(),
		metrics: metrics,
		seen:    make(map[string]struct{}),
	}
}

// Push appends one message to the transcript and, when the pending
// thresholds are crossed, runs an extraction pass over the full
// transcript. It returns only the extractions not surfaced before.
// When no pass is warranted it returns an empty result.
//
// The engine call is the only blocking point; drive Push from its own
// goroutine (or use Run) for asynchronous ingestion.
func (x *Extractor) Push(ctx context.Context, msg extraction.Message) ([]extraction.Extraction, error) {
	chunk := extraction.FlattenMessages([]extraction.Message{msg})
	if chunk == "" {
		return nil, nil
	}

	x.mu.Lock()
	x.transcript = append(x.transcript, chunk)
	x.pendingChars += len(chunk)
	x.pendingChunks++
	observability.RecordPendingChars(len(chunk))

	if x.pendingChars < x.cfg.MaxPendingChars && x.pendingChunks < x.cfg.MaxPendingChunks {
		x.mu.Unlock()
		return nil, nil
	}
	return x.runPass(ctx)
}

// Flush forces an extraction pass over the current transcript regardless
// of the pending thresholds. With nothing pending since the last pass it
// is a no-op returning an empty result, so a second Flush in a row never
// re-invokes the engine.
func (x *Extractor) Flush(ctx context.Context) ([]extraction.Extraction, error) {
	x.mu.Lock()
	if x.pendingChunks == 0 || len(x.transcript) == 0 {
		x.mu.Unlock()
		return nil, nil
	}
	return x.runPass(ctx)
}

// runPass runs one engine pass and commits the diff. Called with x.mu
// held; releases it before the engine call and reacquires it to commit.
func (x *Extractor) runPass(ctx context.Context) ([]extraction.Extraction, error) {
	if x.inFlight {
		x.mu.Unlock()
		return nil, ErrPassInFlight
	}
	x.inFlight = true
	text := strings.Join(x.transcript, x.cfg.Separator)
	passChars := x.pendingChars
	passChunks := x.pendingChunks
	x.mu.Unlock()

	if x.metrics != nil {
		x.metrics.RecordPassStart()
	}

	results, err := x.engine.Extract(ctx, text)

	x.mu.Lock()
	defer x.mu.Unlock()
	x.inFlight = false

	if err != nil {
		// Failed pass: pending counters and registry stay untouched so
		// the next push or flush retries over the same text
		if x.metrics != nil {
			x.metrics.RecordPassEnd("aggregate", false)
			x.metrics.RecordError("engine_pass_error", "stream")
		}
		x.logger.Warn().Err(err).Int("transcript_chunks", len(x.transcript)).Msg("Extraction pass failed")
		return nil, err
	}

	var delta []extraction.Extraction
	suppressed := 0
	for _, e := range results {
		key := x.cfg.Key(e)
		if _, ok := x.seen[key]; ok {
			suppressed++
			continue
		}
		x.seen[key] = struct{}{}
		delta = append(delta, e)
	}

	// Counters reflect only what this pass consumed; chunks appended
	// while the pass was in flight remain pending
	x.pendingChars -= passChars
	x.pendingChunks -= passChunks
	observability.RecordPendingChars(-passChars)

	if x.metrics != nil {
		x.metrics.RecordPassEnd("aggregate", true)
		x.metrics.RecordDelta(len(delta), suppressed)
	}
	x.logger.Debug().
		Int("new", len(delta)).
		Int("suppressed", suppressed).
		Int("transcript_chars", len(text)).
		Msg("Extraction pass completed")

	return delta, nil
}

// Run consumes messages from in and emits incremental deltas until in
// closes or ctx is cancelled. A final flush runs when in closes. Empty
// deltas are skipped; errors are emitted and processing continues, since
// failed passes keep their pending text for a later retry.
func (x *Extractor) Run(ctx context.Context, in <-chan extraction.Message) <-chan Delta {
	out := make(chan Delta)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					exts, err := x.Flush(ctx)
					if err != nil || len(exts) > 0 {
						emit(ctx, out, Delta{Extractions: exts, Err: err})
					}
					return
				}
				exts, err := x.Push(ctx, msg)
				if err != nil || len(exts) > 0 {
					if !emit(ctx, out, Delta{Extractions: exts, Err: err}) {
						return
					}
				}
			}
		}
	}()

	return out
}

func emit(ctx context.Context, out chan<- Delta, d Delta) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- d:
		return true
	}
}

// Reset discards the transcript, registry and pending counters together,
// returning the extractor to its initial state for session reuse.
func (x *Extractor) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()

	observability.RecordPendingChars(-x.pendingChars)
	x.transcript = nil
	x.pendingChars = 0
	x.pendingChunks = 0
	x.seen = make(map[string]struct{})
}

// Transcript returns the accumulated transcript as one document
func (x *Extractor) Transcript() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return strings.Join(x.transcript, x.cfg.Separator)
}

// TranscriptLen returns the number of chunks in the transcript
func (x *Extractor) TranscriptLen() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.transcript)
}

// SeenCount returns the number of distinct extractions surfaced so far
func (x *Extractor) SeenCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.seen)
}
