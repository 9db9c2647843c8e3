package manager

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"voxelsync.dev/internal/persistence/worlddb"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/terrain/store"
)

// Persister writes mutated chunks back to the database off the world loop.
// Enqueued coordinates are coalesced; a chunk is marked clean only with the
// version that was actually saved.
type Persister struct {
	store  *store.Store
	db     worlddb.Database
	logger *log.Logger

	mu     sync.Mutex
	queue  map[voxel.Vec3i]struct{}
	signal chan struct{}

	saved    atomic.Uint64
	failures atomic.Uint64
}

func newPersister(st *store.Store, db worlddb.Database, logger *log.Logger) *Persister {
	return &Persister{
		store:  st,
		db:     db,
		logger: logger,
		queue:  make(map[voxel.Vec3i]struct{}),
		signal: make(chan struct{}, 1),
	}
}

func (p *Persister) Enqueue(coord voxel.Vec3i) {
	p.mu.Lock()
	p.queue[coord] = struct{}{}
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run flushes whenever work is enqueued, and once more on shutdown.
func (p *Persister) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return p.Flush(context.Background())
		case <-p.signal:
			if err := p.Flush(ctx); err != nil && ctx.Err() == nil {
				p.logger.Printf("persist: %v", err)
			}
		}
	}
}

// Flush saves every queued chunk. Failed coordinates stay queued and the
// errors are joined.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := make([]voxel.Vec3i, 0, len(p.queue))
	for c := range p.queue {
		batch = append(batch, c)
	}
	p.queue = make(map[voxel.Vec3i]struct{})
	p.mu.Unlock()

	var errs []error
	for _, coord := range batch {
		rec, version, ok := p.store.Snapshot(coord)
		if !ok {
			continue
		}
		if err := p.db.SaveChunk(ctx, rec); err != nil {
			p.failures.Add(1)
			errs = append(errs, err)
			p.mu.Lock()
			p.queue[coord] = struct{}{}
			p.mu.Unlock()
			continue
		}
		p.store.MarkClean(coord, version)
		p.saved.Add(1)
	}
	return errors.Join(errs...)
}
