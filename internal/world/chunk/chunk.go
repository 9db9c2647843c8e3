package chunk

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"voxelsync.dev/internal/voxel"
)

// BlockID indexes the server block registry. 0 is air.
type BlockID uint16

const Air BlockID = 0

// Chunk is a cubic block grid. Blocks always holds edge³ entries; States only
// holds blocks whose state differs from the default (zero) word.
type Chunk struct {
	Coord  voxel.Vec3i
	Blocks []BlockID
	States map[voxel.BlockIndex]State
}

func New(coord voxel.Vec3i, volume int, fill BlockID) *Chunk {
	blocks := make([]BlockID, volume)
	if fill != Air {
		for i := range blocks {
			blocks[i] = fill
		}
	}
	return &Chunk{
		Coord:  coord,
		Blocks: blocks,
		States: map[voxel.BlockIndex]State{},
	}
}

func (c *Chunk) Get(i voxel.BlockIndex) BlockID { return c.Blocks[i] }

func (c *Chunk) State(i voxel.BlockIndex) State { return c.States[i] }

// Set writes a block and its state, returning the previous block.
// A zero state removes the sparse entry.
func (c *Chunk) Set(i voxel.BlockIndex, b BlockID, s State) BlockID {
	prev := c.Blocks[i]
	c.Blocks[i] = b
	if s == 0 {
		delete(c.States, i)
	} else {
		c.States[i] = s
	}
	return prev
}

func (c *Chunk) Clone() *Chunk {
	blocks := make([]BlockID, len(c.Blocks))
	copy(blocks, c.Blocks)
	states := make(map[voxel.BlockIndex]State, len(c.States))
	for k, v := range c.States {
		states[k] = v
	}
	return &Chunk{Coord: c.Coord, Blocks: blocks, States: states}
}

// Uniform reports whether every block is the same id with no state.
func (c *Chunk) Uniform() (BlockID, bool) {
	if len(c.States) != 0 || len(c.Blocks) == 0 {
		return 0, false
	}
	first := c.Blocks[0]
	for _, b := range c.Blocks[1:] {
		if b != first {
			return 0, false
		}
	}
	return first, true
}

// Digest hashes blocks and states in index order.
func (c *Chunk) Digest() [32]byte {
	h := sha256.New()
	var tmp [4]byte
	for _, v := range c.Blocks {
		binary.LittleEndian.PutUint16(tmp[:2], uint16(v))
		h.Write(tmp[:2])
	}
	for _, i := range c.sortedStateIndices() {
		binary.LittleEndian.PutUint32(tmp[:], uint32(i))
		h.Write(tmp[:])
		binary.LittleEndian.PutUint16(tmp[:2], uint16(c.States[i]))
		h.Write(tmp[:2])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (c *Chunk) sortedStateIndices() []voxel.BlockIndex {
	idx := make([]voxel.BlockIndex, 0, len(c.States))
	for i := range c.States {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	return idx
}

// StateEntry is one sparse state in a persisted record.
type StateEntry struct {
	Index voxel.BlockIndex `json:"i"`
	State State            `json:"s"`
}

// Record is the persisted form of a chunk.
type Record struct {
	Coord  voxel.Vec3i  `json:"coord"`
	Blocks []BlockID    `json:"blocks"`
	States []StateEntry `json:"states,omitempty"`
}

func (c *Chunk) Record() Record {
	blocks := make([]BlockID, len(c.Blocks))
	copy(blocks, c.Blocks)
	var states []StateEntry
	for _, i := range c.sortedStateIndices() {
		states = append(states, StateEntry{Index: i, State: c.States[i]})
	}
	return Record{Coord: c.Coord, Blocks: blocks, States: states}
}

// FromRecord rebuilds a chunk, rejecting records whose shape does not match volume.
func FromRecord(r Record, volume int) (*Chunk, error) {
	if len(r.Blocks) != volume {
		return nil, fmt.Errorf("chunk %v: blocks length mismatch: got %d want %d", r.Coord, len(r.Blocks), volume)
	}
	c := New(r.Coord, volume, Air)
	copy(c.Blocks, r.Blocks)
	for _, e := range r.States {
		if int(e.Index) >= volume {
			return nil, fmt.Errorf("chunk %v: state index %d out of range", r.Coord, e.Index)
		}
		if e.State != 0 {
			c.States[e.Index] = e.State
		}
	}
	return c, nil
}
