package embedding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
)

type countingLoader struct {
	gate   chan struct{}
	loads  atomic.Int32
	mu     sync.Mutex
	models map[string]*fakeModel
	fail   error
}

func newCountingLoader() *countingLoader {
	return &countingLoader{models: make(map[string]*fakeModel)}
}

func (l *countingLoader) Load(ctx context.Context, name string) (Model, error) {
	l.loads.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.fail != nil {
		return nil, l.fail
	}
	m := &fakeModel{out: []float32{1}}
	l.mu.Lock()
	l.models[name] = m
	l.mu.Unlock()
	return m, nil
}

func (l *countingLoader) model(name string) *fakeModel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.models[name]
}

func TestModelCacheReusesLoadedModel(t *testing.T) {
	loader := newCountingLoader()
	cache := NewModelCache(loader, nil)

	for i := 0; i < 3; i++ {
		m, err := cache.Get(context.Background(), "a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if _, err := m.Embed(context.Background(), []float32{0}, 16000); err != nil {
			t.Fatalf("embed: %v", err)
		}
		m.Close()
	}
	if n := loader.loads.Load(); n != 1 {
		t.Fatalf("expected 1 load, got %d", n)
	}
	if name, ok := cache.Loaded(); !ok || name != "a" {
		t.Fatalf("unexpected cached model %q", name)
	}
	if loader.model("a").closed != 0 {
		t.Fatal("cached model should stay open")
	}
}

func TestModelCacheSingleFlight(t *testing.T) {
	loader := newCountingLoader()
	loader.gate = make(chan struct{})
	cache := NewModelCache(loader, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := cache.Get(context.Background(), "a")
			if err != nil {
				errs <- err
				return
			}
			m.Close()
		}()
	}
	close(loader.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("get: %v", err)
	}
	if n := loader.loads.Load(); n != 1 {
		t.Fatalf("expected concurrent gets to share one load, got %d", n)
	}
}

func TestModelCacheEvictsPreviousModel(t *testing.T) {
	loader := newCountingLoader()
	cache := NewModelCache(loader, nil)
	ctx := context.Background()

	a, err := cache.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	b, err := cache.Get(ctx, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if loader.model("a").closed != 0 {
		t.Fatal("model a closed while still in use")
	}
	a.Close()
	a.Close()
	if loader.model("a").closed != 1 {
		t.Fatalf("expected evicted model closed once, got %d", loader.model("a").closed)
	}
	if name, _ := cache.Loaded(); name != "b" {
		t.Fatalf("expected b cached, got %q", name)
	}

	b.Close()
	if err := cache.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if loader.model("b").closed != 1 {
		t.Fatal("expected cache close to close the current model")
	}
	if _, ok := cache.Loaded(); ok {
		t.Fatal("expected empty cache after close")
	}
}

func TestModelCacheLoadFailure(t *testing.T) {
	loader := newCountingLoader()
	loader.fail = errors.New("weights not found")
	cache := NewModelCache(loader, nil)

	_, err := cache.Get(context.Background(), "missing")
	if !errors.Is(err, voiceerr.ErrModelUnavailable) {
		t.Fatalf("expected model unavailable, got %v", err)
	}
	if err.Error() != "embedding.cache: failed to load embedding model: missing: weights not found" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if _, ok := cache.Loaded(); ok {
		t.Fatal("failed load should not populate the cache")
	}
}
