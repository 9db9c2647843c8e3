package manager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"voxelsync.dev/internal/persistence/worlddb"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
	"voxelsync.dev/internal/world/terrain/store"
)

// Generator produces the chunk for a chunk-grid coordinate.
type Generator interface {
	Generate(coord voxel.Vec3i) (*chunk.Chunk, error)
}

type loadResult struct {
	coord voxel.Vec3i
	err   error
}

// Loader resolves chunks off the world loop: database first, then the
// generator, saving generated chunks before they become resident. Concurrent
// loads of one coordinate share a single job.
type Loader struct {
	store  *store.Store
	db     worlddb.Database
	gen    Generator
	logger *log.Logger
	volume int

	ctx   context.Context
	group singleflight.Group
	sem   chan struct{}
	wg    sync.WaitGroup

	inflight  atomic.Int64
	generated atomic.Uint64
	loaded    atomic.Uint64

	mu    sync.Mutex
	done  []loadResult
	ready chan struct{}
}

func newLoader(ctx context.Context, st *store.Store, db worlddb.Database, gen Generator, logger *log.Logger, workers int) *Loader {
	if workers <= 0 {
		workers = 4
	}
	return &Loader{
		store:  st,
		db:     db,
		gen:    gen,
		logger: logger,
		volume: st.Layout().Volume(),
		ctx:    ctx,
		sem:    make(chan struct{}, workers),
		ready:  make(chan struct{}, 1),
	}
}

// Load starts resolving coord in the background. Completion is reported
// through Ready and Drain; every call produces exactly one result.
func (l *Loader) Load(coord voxel.Vec3i) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		_, err, _ := l.group.Do(coord.String(), func() (any, error) {
			l.inflight.Add(1)
			defer l.inflight.Add(-1)
			select {
			case l.sem <- struct{}{}:
			case <-l.ctx.Done():
				return nil, l.ctx.Err()
			}
			defer func() { <-l.sem }()
			return nil, l.resolve(coord)
		})
		l.complete(loadResult{coord: coord, err: err})
	}()
}

func (l *Loader) resolve(coord voxel.Vec3i) error {
	if l.store.Has(coord) {
		return nil
	}
	rec, ok, err := l.db.LoadChunk(l.ctx, coord)
	if err != nil {
		return fmt.Errorf("load %s: %w", coord, err)
	}
	if ok {
		c, err := chunk.FromRecord(rec, l.volume)
		if err != nil {
			return err
		}
		l.store.Insert(c)
		l.loaded.Add(1)
		return nil
	}

	c, err := l.gen.Generate(coord)
	if err != nil {
		return err
	}
	if err := l.db.SaveChunk(l.ctx, c.Record()); err != nil {
		return fmt.Errorf("save generated %s: %w", coord, err)
	}
	l.store.Insert(c)
	l.generated.Add(1)
	return nil
}

func (l *Loader) complete(r loadResult) {
	l.mu.Lock()
	l.done = append(l.done, r)
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *Loader) drain() []loadResult {
	l.mu.Lock()
	out := l.done
	l.done = nil
	l.mu.Unlock()
	return out
}

func (l *Loader) wait() { l.wg.Wait() }
