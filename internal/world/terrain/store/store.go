package store

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

// ErrNotLoaded is returned by SetBlock when the owning chunk is not resident.
var ErrNotLoaded = errors.New("chunk not loaded")

// Change records one accepted SetBlock.
type Change struct {
	Pos   voxel.Vec3i
	Chunk voxel.Vec3i
	Index voxel.BlockIndex
	Block chunk.BlockID
	State chunk.State
	Prev  chunk.BlockID
}

type entry struct {
	mu sync.RWMutex
	c  *chunk.Chunk

	// version counts mutations; saved is the highest version persisted.
	version uint64
	saved   uint64
	removed bool

	// changes buffers accepted writes until DrainChanges; pending lets the
	// drain skip untouched chunks without locking them.
	changes []Change
	pending atomic.Bool
}

// Store is the authoritative map of loaded chunks. The map itself is guarded
// by one RWMutex held only for lookups; block reads and writes lock the
// owning entry, so unrelated chunks never contend.
type Store struct {
	layout voxel.Layout
	air    chunk.BlockID

	mu      sync.RWMutex
	entries map[voxel.Vec3i]*entry
}

func New(layout voxel.Layout, air chunk.BlockID) *Store {
	return &Store{
		layout:  layout,
		air:     air,
		entries: make(map[voxel.Vec3i]*entry),
	}
}

func (s *Store) Layout() voxel.Layout { return s.layout }

func (s *Store) lookup(coord voxel.Vec3i) *entry {
	s.mu.RLock()
	e := s.entries[coord]
	s.mu.RUnlock()
	return e
}

// Get returns a copy of the resident chunk.
func (s *Store) Get(coord voxel.Vec3i) (*chunk.Chunk, bool) {
	e := s.lookup(coord)
	if e == nil {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.c.Clone(), true
}

func (s *Store) Has(coord voxel.Vec3i) bool {
	return s.lookup(coord) != nil
}

// Insert makes c resident unless a chunk already occupies its coordinate.
// Inserted chunks start clean. The store takes ownership of c.
func (s *Store) Insert(c *chunk.Chunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[c.Coord]; ok {
		return false
	}
	s.entries[c.Coord] = &entry{c: c}
	return true
}

// GetBlock returns air for positions in unloaded chunks.
func (s *Store) GetBlock(p voxel.Vec3i) (chunk.BlockID, chunk.State) {
	coord, idx := s.layout.Split(p)
	e := s.lookup(coord)
	if e == nil {
		return s.air, 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.c.Get(idx), e.c.State(idx)
}

// SetBlock writes a block and its state word, returning the previous block.
func (s *Store) SetBlock(p voxel.Vec3i, id chunk.BlockID, state chunk.State) (chunk.BlockID, error) {
	coord, idx := s.layout.Split(p)
	e := s.lookup(coord)
	if e == nil {
		return s.air, ErrNotLoaded
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return s.air, ErrNotLoaded
	}
	prevState := e.c.State(idx)
	prev := e.c.Set(idx, id, state)
	if prev != id || prevState != state {
		e.version++
	}

	e.changes = append(e.changes, Change{Pos: p, Chunk: coord, Index: idx, Block: id, State: state, Prev: prev})
	e.pending.Store(true)
	return prev, nil
}

// DrainChanges returns and clears the pending change records, grouped by
// chunk in coordinate order. Records for a single chunk appear in the order
// their writes were applied.
func (s *Store) DrainChanges() []Change {
	s.mu.RLock()
	var touched []*entry
	for _, e := range s.entries {
		if e.pending.Load() {
			touched = append(touched, e)
		}
	}
	s.mu.RUnlock()
	sort.Slice(touched, func(i, j int) bool { return touched[i].c.Coord.Less(touched[j].c.Coord) })

	var out []Change
	for _, e := range touched {
		e.mu.Lock()
		out = append(out, e.changes...)
		e.changes = e.changes[:0]
		e.pending.Store(false)
		e.mu.Unlock()
	}
	return out
}

// Snapshot returns the persisted form of a resident chunk and the version it
// reflects.
func (s *Store) Snapshot(coord voxel.Vec3i) (chunk.Record, uint64, bool) {
	e := s.lookup(coord)
	if e == nil {
		return chunk.Record{}, 0, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.c.Record(), e.version, true
}

// MarkClean records that version has been persisted.
func (s *Store) MarkClean(coord voxel.Vec3i, version uint64) {
	e := s.lookup(coord)
	if e == nil {
		return
	}
	e.mu.Lock()
	if version > e.saved {
		e.saved = version
	}
	e.mu.Unlock()
}

func (s *Store) IsDirty(coord voxel.Vec3i) bool {
	e := s.lookup(coord)
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version > e.saved
}

// Dirty lists resident chunks with unpersisted mutations, sorted.
func (s *Store) Dirty() []voxel.Vec3i {
	s.mu.RLock()
	var out []voxel.Vec3i
	for coord, e := range s.entries {
		e.mu.RLock()
		if e.version > e.saved {
			out = append(out, coord)
		}
		e.mu.RUnlock()
	}
	s.mu.RUnlock()
	sortCoords(out)
	return out
}

// Remove drops a clean chunk. Dirty chunks are kept and false is returned.
func (s *Store) Remove(coord voxel.Vec3i) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[coord]
	if !ok {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.version > e.saved {
		return false
	}
	e.removed = true
	delete(s.entries, coord)
	return true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Coords lists resident chunk coordinates, sorted.
func (s *Store) Coords() []voxel.Vec3i {
	s.mu.RLock()
	out := make([]voxel.Vec3i, 0, len(s.entries))
	for c := range s.entries {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sortCoords(out)
	return out
}

func sortCoords(cs []voxel.Vec3i) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Less(cs[j]) })
}
