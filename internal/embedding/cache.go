package embedding

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voiceprint/internal/voiceerr"
	"golang.org/x/sync/singleflight"
)

// ModelCache keeps the most recently loaded model. Loads for the same name
// are collapsed into one; loading a different name evicts the previous
// model, which is closed once no caller holds it.
type ModelCache struct {
	loader Loader
	logger *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	current *cacheEntry
}

type cacheEntry struct {
	name    string
	model   Model
	refs    int
	evicted bool
}

// NewModelCache wraps loader. A nil logger discards cache events.
func NewModelCache(loader Loader, logger *slog.Logger) *ModelCache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ModelCache{loader: loader, logger: logger}
}

// Get returns the named model, loading it if the slot holds something else.
func (c *ModelCache) Get(ctx context.Context, name string) (Model, error) {
	for {
		if m := c.acquire(name, nil); m != nil {
			return m, nil
		}
		v, err, _ := c.group.Do(name, func() (any, error) {
			return c.load(context.WithoutCancel(ctx), name)
		})
		if err != nil {
			return nil, err
		}
		if m := c.acquire(name, v.(*cacheEntry)); m != nil {
			return m, nil
		}
		// Evicted and closed between load and acquire; try again.
		if err := ctx.Err(); err != nil {
			return nil, voiceerr.Wrap(voiceerr.ErrModelUnavailable, "embedding.cache", "model load interrupted", err)
		}
	}
}

// Loaded reports the name of the cached model, if any.
func (c *ModelCache) Loaded() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", false
	}
	return c.current.name, true
}

// Close evicts the cached model.
func (c *ModelCache) Close() error {
	c.mu.Lock()
	old := c.current
	c.current = nil
	closeOld := c.evictLocked(old)
	c.mu.Unlock()
	if closeOld {
		return old.model.Close()
	}
	return nil
}

func (c *ModelCache) acquire(name string, want *cacheEntry) Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := want
	if e == nil {
		e = c.current
		if e == nil || e.name != name {
			return nil
		}
	}
	if e.evicted && e.refs == 0 {
		return nil
	}
	e.refs++
	return &lease{cache: c, entry: e}
}

func (c *ModelCache) load(ctx context.Context, name string) (*cacheEntry, error) {
	c.mu.Lock()
	if e := c.current; e != nil && e.name == name {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	c.logger.Info("loading embedding model", slog.String("model", name))
	model, err := c.loader.Load(ctx, name)
	if err != nil {
		return nil, voiceerr.Wrap(voiceerr.ErrModelUnavailable, "embedding.cache", "failed to load embedding model: "+name, err)
	}
	entry := &cacheEntry{name: name, model: model}

	c.mu.Lock()
	old := c.current
	c.current = entry
	closeOld := c.evictLocked(old)
	c.mu.Unlock()
	if closeOld {
		c.closeModel(old)
	}
	return entry, nil
}

// evictLocked marks e evicted and reports whether it can be closed now.
func (c *ModelCache) evictLocked(e *cacheEntry) bool {
	if e == nil {
		return false
	}
	e.evicted = true
	return e.refs == 0
}

func (c *ModelCache) release(e *cacheEntry) {
	c.mu.Lock()
	e.refs--
	closeNow := e.evicted && e.refs == 0
	c.mu.Unlock()
	if closeNow {
		c.closeModel(e)
	}
}

func (c *ModelCache) closeModel(e *cacheEntry) {
	if err := e.model.Close(); err != nil {
		c.logger.Warn("failed to close embedding model", slog.String("model", e.name), slog.String("error", err.Error()))
		return
	}
	c.logger.Info("embedding model evicted", slog.String("model", e.name))
}

type lease struct {
	cache *ModelCache
	entry *cacheEntry
	once  sync.Once
}

func (l *lease) Embed(ctx context.Context, samples []float32, rate int) ([]float32, error) {
	return l.entry.model.Embed(ctx, samples, rate)
}

func (l *lease) Close() error {
	l.once.Do(func() { l.cache.release(l.entry) })
	return nil
}
