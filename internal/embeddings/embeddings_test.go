package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeProvider struct {
	failures int
	calls    int
	kind     ErrorKind
}

func (f *fakeProvider) Name() string             { return "fake" }
func (f *fakeProvider) Dimension() int           { return 3 }
func (f *fakeProvider) TruncationPolicy() string { return "none" }

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &EmbeddingError{Kind: f.kind, Err: errors.New("boom")}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func TestWithRetryRecoversFromRateLimit(t *testing.T) {
	fake := &fakeProvider{failures: 2, kind: KindRateLimited}
	p := WithRetry(fake, time.Millisecond)

	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("vector length = %d, want 3", len(vec))
	}
	if fake.calls != 3 {
		t.Errorf("calls = %d, want 3 (two retries)", fake.calls)
	}
}

func TestWithRetryExhaustsAfterThreeAttempts(t *testing.T) {
	fake := &fakeProvider{failures: 10, kind: KindRateLimited}
	p := WithRetry(fake, time.Millisecond)

	_, err := p.Embed(context.Background(), "hello")
	if !IsRateLimited(err) {
		t.Fatalf("expected RateLimited after exhaustion, got %v", err)
	}
	if fake.calls != 3 {
		t.Errorf("calls = %d, want 3", fake.calls)
	}
}

func TestWithRetryDoesNotRetryBadInput(t *testing.T) {
	fake := &fakeProvider{failures: 10, kind: KindBadInput}
	p := WithRetry(fake, time.Millisecond)

	_, err := p.Embed(context.Background(), "hello")
	var ee *EmbeddingError
	if !errors.As(err, &ee) || ee.Kind != KindBadInput {
		t.Fatalf("expected BadInput, got %v", err)
	}
	if fake.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", fake.calls)
	}
}

func TestBatchMatchesSingles(t *testing.T) {
	// The fake backend advertises batch==single equivalence; verify the
	// wrapper preserves it.
	fake := &fakeProvider{}
	p := WithRetry(fake, time.Millisecond)
	ctx := context.Background()

	texts := []string{"a", "b", "c"}
	batch, err := p.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(batch) != len(texts) {
		t.Fatalf("batch length = %d, want %d", len(batch), len(texts))
	}
	for i, text := range texts {
		single, err := p.Embed(ctx, text)
		if err != nil {
			t.Fatalf("Embed(%q): %v", text, err)
		}
		if len(single) != len(batch[i]) {
			t.Fatalf("dimension mismatch for %q", text)
		}
		for j := range single {
			if single[j] != batch[i][j] {
				t.Errorf("batch[%d][%d] = %v, single = %v", i, j, batch[i][j], single[j])
			}
		}
	}
}
