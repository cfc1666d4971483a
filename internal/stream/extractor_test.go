package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spanlabs/extract-gateway/internal/engine"
	"github.com/spanlabs/extract-gateway/internal/extraction"
)

// fakeEngine runs a configurable function over the full document and
// records every call
type fakeEngine struct {
	mu    sync.Mutex
	calls []string
	fn    func(text string) ([]extraction.Extraction, error)
}

func (f *fakeEngine) Extract(ctx context.Context, text string) ([]extraction.Extraction, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	return f.fn(text)
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// substringEngine extracts one result per configured token found in the
// document, simulating incremental discoveries as the transcript grows
func substringEngine(class string, tokens ...string) *fakeEngine {
	return &fakeEngine{fn: func(text string) ([]extraction.Extraction, error) {
		var exts []extraction.Extraction
		for _, token := range tokens {
			if strings.Contains(text, token) {
				exts = append(exts, extraction.Extraction{Class: class, Text: token})
			}
		}
		return exts, nil
	}}
}

func user(content string) extraction.Message {
	return extraction.Message{Role: "user", Content: content}
}

func texts(exts []extraction.Extraction) []string {
	out := make([]string, len(exts))
	for i, e := range exts {
		out[i] = e.Text
	}
	return out
}

func TestPush_ThresholdBatching(t *testing.T) {
	eng := substringEngine("letter", "a")
	cfg := &Config{MaxPendingChars: 30, MaxPendingChunks: 100}
	x := New(eng, cfg, nil)

	ctx := context.Background()

	// Each chunk flattens to "user: aa" (8 chars); three stay below 30
	for i := 0; i < 3; i++ {
		exts, err := x.Push(ctx, user("aa"))
		if err != nil {
			t.Fatalf("Push() failed: %v", err)
		}
		if len(exts) != 0 {
			t.Fatalf("Expected no extractions below threshold, got %d", len(exts))
		}
	}
	if eng.callCount() != 0 {
		t.Fatalf("Expected no engine calls below threshold, got %d", eng.callCount())
	}

	// Fourth chunk crosses the threshold and triggers exactly one pass
	exts, err := x.Push(ctx, user("aa"))
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	if eng.callCount() != 1 {
		t.Fatalf("Expected exactly 1 engine call after crossing threshold, got %d", eng.callCount())
	}
	if len(exts) != 1 || exts[0].Text != "a" {
		t.Errorf("Expected [a], got %v", texts(exts))
	}
}

func TestPush_ChunkCountTrigger(t *testing.T) {
	eng := substringEngine("letter", "a")
	cfg := &Config{MaxPendingChars: 10000, MaxPendingChunks: 3}
	x := New(eng, cfg, nil)

	ctx := context.Background()
	x.Push(ctx, user("a"))
	x.Push(ctx, user("a"))
	if eng.callCount() != 0 {
		t.Fatalf("Expected no engine calls before chunk threshold, got %d", eng.callCount())
	}

	x.Push(ctx, user("a"))
	if eng.callCount() != 1 {
		t.Errorf("Expected 1 engine call at chunk threshold, got %d", eng.callCount())
	}
}

func TestPush_DedupAcrossPasses(t *testing.T) {
	// Engine always reports the dosage whenever the substring is present
	eng := substringEngine("dosage", "400 mg ibuprofen")
	cfg := &Config{MaxPendingChars: 1, MaxPendingChunks: 100}
	x := New(eng, cfg, nil)

	ctx := context.Background()

	exts, err := x.Push(ctx, user("Patient took 400 mg ibuprofen."))
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	if len(exts) != 1 || exts[0].Class != "dosage" || exts[0].Text != "400 mg ibuprofen" {
		t.Fatalf("Expected [dosage/400 mg ibuprofen], got %v", exts)
	}

	// Second push re-invokes the engine over the full transcript; the
	// dosage is already registered and must not be surfaced again
	exts, err = x.Push(ctx, user("Anything else?"))
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	if eng.callCount() != 2 {
		t.Fatalf("Expected engine re-invoked on second push, got %d calls", eng.callCount())
	}
	if len(exts) != 0 {
		t.Errorf("Expected empty delta for already-seen extraction, got %v", texts(exts))
	}
}

func TestPush_IncrementalDiscovery(t *testing.T) {
	eng := substringEngine("letter", "A", "D", "G")
	cfg := &Config{MaxPendingChars: 12, MaxPendingChunks: 100}
	x := New(eng, cfg, nil)

	ctx := context.Background()

	// "user: ABC" is 9 chars, below the 12-char threshold
	exts, err := x.Push(ctx, user("ABC"))
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	if len(exts) != 0 {
		t.Fatalf("Expected no pass yet, got %v", texts(exts))
	}

	// Second chunk crosses the threshold; both A and D are new
	exts, err = x.Push(ctx, user("DEF"))
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	if got := texts(exts); len(got) != 2 || got[0] != "A" || got[1] != "D" {
		t.Fatalf("Expected [A D], got %v", got)
	}

	// Third chunk stays below threshold; flush surfaces only G
	x.Push(ctx, user("GHI"))
	exts, err = x.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if got := texts(exts); len(got) != 1 || got[0] != "G" {
		t.Errorf("Expected [G], got %v", got)
	}
}

func TestFlush_IdempotentEmptyDelta(t *testing.T) {
	eng := substringEngine("letter", "A", "B")
	cfg := &Config{MaxPendingChars: 10000, MaxPendingChunks: 100}
	x := New(eng, cfg, nil)

	ctx := context.Background()
	x.Push(ctx, user("AB"))

	exts, err := x.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if len(exts) != 2 {
		t.Fatalf("Expected 2 extractions from first flush, got %d", len(exts))
	}
	if x.SeenCount() != 2 {
		t.Errorf("Expected registry to hold 2 keys, got %d", x.SeenCount())
	}

	// Nothing pending: second flush must not re-invoke the engine
	calls := eng.callCount()
	exts, err = x.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if len(exts) != 0 {
		t.Errorf("Expected empty delta from second flush, got %v", texts(exts))
	}
	if eng.callCount() != calls {
		t.Errorf("Expected no engine call on empty flush, got %d extra", eng.callCount()-calls)
	}
}

func TestFlush_EmptyTranscript(t *testing.T) {
	eng := substringEngine("letter", "A")
	x := New(eng, DefaultConfig(), nil)

	exts, err := x.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if len(exts) != 0 {
		t.Errorf("Expected empty result for empty transcript, got %v", texts(exts))
	}
	if eng.callCount() != 0 {
		t.Errorf("Expected no engine call for empty transcript, got %d", eng.callCount())
	}
}

func TestPush_EmptyContent(t *testing.T) {
	eng := substringEngine("letter", "A")
	cfg := &Config{MaxPendingChars: 1, MaxPendingChunks: 1}
	x := New(eng, cfg, nil)

	exts, err := x.Push(context.Background(), user("   "))
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	if len(exts) != 0 || eng.callCount() != 0 || x.TranscriptLen() != 0 {
		t.Error("Expected empty content to be a no-op")
	}
}

func TestFailurePreservesPending(t *testing.T) {
	failures := 1
	var mu sync.Mutex
	eng := &fakeEngine{}
	eng.fn = func(text string) ([]extraction.Extraction, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, engine.NewError(engine.KindTransport, "extract", errors.New("connection refused"))
		}
		if strings.Contains(text, "400 mg ibuprofen") {
			return []extraction.Extraction{{Class: "dosage", Text: "400 mg ibuprofen"}}, nil
		}
		return nil, nil
	}

	cfg := &Config{MaxPendingChars: 1, MaxPendingChunks: 100}
	x := New(eng, cfg, nil)

	ctx := context.Background()

	// First pass fails; the error surfaces and nothing is committed
	_, err := x.Push(ctx, user("Patient took 400 mg ibuprofen."))
	if err == nil {
		t.Fatal("Expected error from failing engine")
	}
	var engineErr *engine.Error
	if !errors.As(err, &engineErr) {
		t.Fatalf("Expected *engine.Error, got %T", err)
	}
	if x.SeenCount() != 0 {
		t.Errorf("Expected registry unchanged after failed pass, got %d keys", x.SeenCount())
	}

	// Pending counters were preserved, so the flush retries the pass
	// over the same text and returns the full new-extraction set
	exts, err := x.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() after failure failed: %v", err)
	}
	if len(exts) != 1 || exts[0].Text != "400 mg ibuprofen" {
		t.Errorf("Expected retried flush to surface the extraction, got %v", texts(exts))
	}
}

func TestMonotonicTranscript(t *testing.T) {
	eng := substringEngine("letter", "A")
	cfg := &Config{MaxPendingChars: 10000, MaxPendingChunks: 1000}
	x := New(eng, cfg, nil)

	ctx := context.Background()
	prev := ""
	for _, content := range []string{"one", "two", "three", "four"} {
		x.Push(ctx, user(content))
		cur := x.Transcript()
		if !strings.HasPrefix(cur, prev) {
			t.Fatalf("Transcript %q is not an extension of %q", cur, prev)
		}
		if len(cur) <= len(prev) {
			t.Fatalf("Transcript did not grow: %q -> %q", prev, cur)
		}
		prev = cur
	}
}

func TestNoDuplicateSurfacing(t *testing.T) {
	eng := substringEngine("letter", "A", "B", "C")
	cfg := &Config{MaxPendingChars: 1, MaxPendingChunks: 100}
	x := New(eng, cfg, nil)

	ctx := context.Background()
	surfaced := make(map[string]int)
	for _, content := range []string{"A", "AB", "ABC", "ABC again", "done"} {
		exts, err := x.Push(ctx, user(content))
		if err != nil {
			t.Fatalf("Push() failed: %v", err)
		}
		for _, e := range exts {
			surfaced[extraction.Key(e)]++
		}
	}
	if exts, err := x.Flush(ctx); err == nil {
		for _, e := range exts {
			surfaced[extraction.Key(e)]++
		}
	}

	for key, count := range surfaced {
		if count > 1 {
			t.Errorf("Extraction %q surfaced %d times, want at most once", key, count)
		}
	}
	if len(surfaced) != 3 {
		t.Errorf("Expected 3 distinct extractions surfaced, got %d", len(surfaced))
	}
}

func TestAttributeDrift_SuppressedByDefault(t *testing.T) {
	// The engine enriches the attributes on later passes; with the
	// default key the enriched copy is still the same extraction
	pass := 0
	var mu sync.Mutex
	eng := &fakeEngine{}
	eng.fn = func(text string) ([]extraction.Extraction, error) {
		mu.Lock()
		pass++
		n := pass
		mu.Unlock()
		attrs := map[string]string{}
		if n > 1 {
			attrs["frequency"] = "daily"
		}
		return []extraction.Extraction{{Class: "medication", Text: "ibuprofen", Attributes: attrs}}, nil
	}

	cfg := &Config{MaxPendingChars: 1, MaxPendingChunks: 100}
	x := New(eng, cfg, nil)

	ctx := context.Background()
	exts, _ := x.Push(ctx, user("took ibuprofen"))
	if len(exts) != 1 {
		t.Fatalf("Expected 1 extraction on first pass, got %d", len(exts))
	}

	exts, _ = x.Push(ctx, user("every day"))
	if len(exts) != 0 {
		t.Errorf("Expected attribute drift suppressed with default key, got %v", texts(exts))
	}
}

func TestAttributeDrift_SurfacedWithWidenedKey(t *testing.T) {
	pass := 0
	var mu sync.Mutex
	eng := &fakeEngine{}
	eng.fn = func(text string) ([]extraction.Extraction, error) {
		mu.Lock()
		pass++
		n := pass
		mu.Unlock()
		attrs := map[string]string{}
		if n > 1 {
			attrs["frequency"] = "daily"
		}
		return []extraction.Extraction{{Class: "medication", Text: "ibuprofen", Attributes: attrs}}, nil
	}

	cfg := &Config{MaxPendingChars: 1, MaxPendingChunks: 100, Key: extraction.KeyWithAttributes}
	x := New(eng, cfg, nil)

	ctx := context.Background()
	x.Push(ctx, user("took ibuprofen"))
	exts, _ := x.Push(ctx, user("every day"))
	if len(exts) != 1 {
		t.Errorf("Expected enriched extraction surfaced with widened key, got %v", texts(exts))
	}
}

func TestConcurrentPassRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	eng := &fakeEngine{}
	eng.fn = func(text string) ([]extraction.Extraction, error) {
		close(started)
		<-release
		return []extraction.Extraction{{Class: "letter", Text: "A"}}, nil
	}

	cfg := &Config{MaxPendingChars: 1, MaxPendingChunks: 100}
	x := New(eng, cfg, nil)

	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		exts, err := x.Push(ctx, user("A"))
		if err != nil {
			t.Errorf("First Push() failed: %v", err)
		}
		if len(exts) != 1 {
			t.Errorf("Expected first pass to surface 1 extraction, got %d", len(exts))
		}
	}()

	<-started

	// A second pass while one is outstanding is rejected, but the text
	// is still appended to the transcript
	_, err := x.Push(ctx, user("B"))
	if !errors.Is(err, ErrPassInFlight) {
		t.Errorf("Expected ErrPassInFlight, got %v", err)
	}
	if x.TranscriptLen() != 2 {
		t.Errorf("Expected rejected push to still append its chunk, got %d chunks", x.TranscriptLen())
	}

	close(release)
	<-done
}

func TestRun_EmitsDeltasAndFlushesOnClose(t *testing.T) {
	eng := substringEngine("letter", "A", "D", "G")
	cfg := &Config{MaxPendingChars: 12, MaxPendingChunks: 100}
	x := New(eng, cfg, nil)

	in := make(chan extraction.Message)
	out := x.Run(context.Background(), in)

	go func() {
		in <- user("ABC")
		in <- user("DEF")
		in <- user("GHI")
		close(in)
	}()

	var deltas [][]string
	for d := range out {
		if d.Err != nil {
			t.Errorf("Unexpected delta error: %v", d.Err)
			continue
		}
		deltas = append(deltas, texts(d.Extractions))
	}

	if len(deltas) != 2 {
		t.Fatalf("Expected 2 deltas, got %d: %v", len(deltas), deltas)
	}
	if len(deltas[0]) != 2 || deltas[0][0] != "A" || deltas[0][1] != "D" {
		t.Errorf("Expected first delta [A D], got %v", deltas[0])
	}
	if len(deltas[1]) != 1 || deltas[1][0] != "G" {
		t.Errorf("Expected final flush delta [G], got %v", deltas[1])
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	eng := substringEngine("letter", "A")
	x := New(eng, DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan extraction.Message)
	out := x.Run(ctx, in)

	cancel()

	select {
	case _, open := <-out:
		if open {
			t.Error("Expected output channel to close after cancellation")
		}
	case <-time.After(time.Second):
		t.Error("Timed out waiting for output channel to close")
	}
}

func TestReset(t *testing.T) {
	eng := substringEngine("letter", "A")
	cfg := &Config{MaxPendingChars: 1, MaxPendingChunks: 100}
	x := New(eng, cfg, nil)

	ctx := context.Background()
	x.Push(ctx, user("A"))
	if x.SeenCount() != 1 || x.TranscriptLen() != 1 {
		t.Fatal("Expected state before reset")
	}

	x.Reset()

	if x.SeenCount() != 0 || x.TranscriptLen() != 0 {
		t.Error("Expected transcript and registry cleared together")
	}

	// After reset the same extraction is new again
	exts, err := x.Push(ctx, user("A"))
	if err != nil {
		t.Fatalf("Push() after reset failed: %v", err)
	}
	if len(exts) != 1 {
		t.Errorf("Expected extraction re-surfaced after reset, got %d", len(exts))
	}
}
