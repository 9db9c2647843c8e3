package worlddb

import (
	"context"
	"errors"
	"sync"

	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

var errClosed = errors.New("worlddb: closed")

// Memory is an in-process Database. Records are deep-copied on the way in and
// out. FailSaves and FailLoads inject storage errors.
type Memory struct {
	mu     sync.Mutex
	chunks map[voxel.Vec3i]chunk.Record
	props  *Properties
	loads  uint64
	saves  uint64
	closed bool

	FailSaves error
	FailLoads error
}

func NewMemory() *Memory {
	return &Memory{chunks: make(map[voxel.Vec3i]chunk.Record)}
}

func copyRecord(r chunk.Record) chunk.Record {
	out := chunk.Record{Coord: r.Coord, Blocks: make([]chunk.BlockID, len(r.Blocks))}
	copy(out.Blocks, r.Blocks)
	if len(r.States) > 0 {
		out.States = append([]chunk.StateEntry(nil), r.States...)
	}
	return out
}

func (m *Memory) LoadChunk(ctx context.Context, coord voxel.Vec3i) (chunk.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return chunk.Record{}, false, errClosed
	}
	if m.FailLoads != nil {
		return chunk.Record{}, false, m.FailLoads
	}
	m.loads++
	r, ok := m.chunks[coord]
	if !ok {
		return chunk.Record{}, false, nil
	}
	return copyRecord(r), true, nil
}

func (m *Memory) SaveChunk(ctx context.Context, rec chunk.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	if m.FailSaves != nil {
		return m.FailSaves
	}
	m.saves++
	m.chunks[rec.Coord] = copyRecord(rec)
	return nil
}

func (m *Memory) LoadWorldProperties(ctx context.Context) (Properties, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.props == nil {
		return Properties{}, false, nil
	}
	return *m.props, true, nil
}

func (m *Memory) SaveWorldProperties(ctx context.Context, p Properties) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.props = &p
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Loads: m.loads, Saves: m.saves, Chunks: len(m.chunks)}
}

// SetFailSaves swaps the injected save error under the lock.
func (m *Memory) SetFailSaves(err error) {
	m.mu.Lock()
	m.FailSaves = err
	m.mu.Unlock()
}
