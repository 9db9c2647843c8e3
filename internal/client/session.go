// Package client holds the client side of the sync protocol. A Session keeps
// a local copy of subscribed chunks and models current from server messages.
package client

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"voxelsync.dev/internal/client/origin"
	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

var (
	ErrAssetMismatch = errors.New("asset bundle hash mismatch")
	ErrMissingAsset  = errors.New("missing asset")
	ErrNotReconciled = errors.New("server config not reconciled")
	ErrDisconnected  = errors.New("disconnected by server")
)

// Assets describes what the local client can render. A nil Hash accepts any
// bundle; nil name lists accept any name.
type Assets struct {
	Hash   []byte
	Blocks []string
	Models []string
	Items  []string
}

// DisconnectError carries the server's reason.
type DisconnectError struct {
	Reason  string
	Message string
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("disconnected: %s: %s", e.Reason, e.Message)
}

func (e *DisconnectError) Unwrap() error { return ErrDisconnected }

type Model struct {
	protocol.NewModel
}

// Session applies server messages to local state. The reader goroutine
// applies messages while the owner queries and forgets chunks.
type Session struct {
	layout voxel.Layout
	assets Assets

	mu sync.Mutex

	reconciled bool
	closed     error
	blocks     []string
	models     map[string]uint32
	items      map[string]uint32

	chunks   map[voxel.Vec3i]*chunk.Chunk
	entities map[uint32]*Model
	rebaser  *origin.Rebaser
	updates  int
	dropped  int
}

func NewSession(layout voxel.Layout, assets Assets) *Session {
	return &Session{
		layout:   layout,
		assets:   assets,
		chunks:   make(map[voxel.Vec3i]*chunk.Chunk),
		entities: make(map[uint32]*Model),
		rebaser:  origin.NewRebaser(layout.Edge()),
	}
}

// Rendered returns the origin-relative translation of model id.
func (s *Session) Rendered(id uint32) (mgl32.Vec3, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebaser.Rendered(id)
}

func (s *Session) Origin() mgl64.Vec3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebaser.Origin()
}

// Reconcile checks the server manifest against the local assets. On error
// the caller must disconnect with DisconnectReason(err).
func (s *Session) Reconcile(sc protocol.ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcile(sc)
}

func (s *Session) reconcile(sc protocol.ServerConfig) error {
	if s.assets.Hash != nil && !bytes.Equal(s.assets.Hash, sc.AssetsHash) {
		return fmt.Errorf("%w: server %x, local %x", ErrAssetMismatch, sc.AssetsHash, s.assets.Hash)
	}
	if err := requireNames("block", sc.Blocks, s.assets.Blocks); err != nil {
		return err
	}
	if err := requireNames("model", keys(sc.Models), s.assets.Models); err != nil {
		return err
	}
	if err := requireNames("item", keys(sc.Items), s.assets.Items); err != nil {
		return err
	}
	s.blocks = append([]string(nil), sc.Blocks...)
	s.models = sc.Models
	s.items = sc.Items
	s.reconciled = true
	return nil
}

func requireNames(kind string, server, local []string) error {
	if local == nil {
		return nil
	}
	have := make(map[string]bool, len(local))
	for _, n := range local {
		have[n] = true
	}
	for _, n := range server {
		if !have[n] {
			return fmt.Errorf("%w: %s %q", ErrMissingAsset, kind, n)
		}
	}
	return nil
}

func keys(m map[string]uint32) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DisconnectReason maps a reconciliation error to the reason sent to the
// server.
func DisconnectReason(err error) string {
	switch {
	case errors.Is(err, ErrAssetMismatch):
		return protocol.ReasonAssetMismatch
	case errors.Is(err, ErrMissingAsset):
		return protocol.ReasonMissingAsset
	default:
		return protocol.ReasonMalformed
	}
}

// Handle applies one server message. After a Disconnect every call returns
// the same DisconnectError.
func (s *Session) Handle(m protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed != nil {
		return s.closed
	}
	if d, ok := m.(protocol.Disconnect); ok {
		s.closed = &DisconnectError{Reason: d.Reason, Message: d.Message}
		return s.closed
	}
	if sc, ok := m.(protocol.ServerConfig); ok {
		return s.reconcile(sc)
	}
	if !s.reconciled {
		return fmt.Errorf("%s before ServerConfig: %w", m.Type(), ErrNotReconciled)
	}

	switch m := m.(type) {
	case protocol.ChunkResponse:
		for _, rec := range m.Chunks {
			c, err := chunk.FromRecord(rec, s.layout.Volume())
			if err != nil {
				return err
			}
			s.chunks[rec.Coord] = c
		}
	case protocol.BlockUpdates:
		c, ok := s.chunks[m.Chunk]
		if !ok {
			// Unsubscribed locally before the update arrived.
			s.dropped++
			return nil
		}
		for _, u := range m.Blocks {
			if int(u.Index) >= len(c.Blocks) {
				return fmt.Errorf("block index %d out of range", u.Index)
			}
			c.Set(u.Index, u.Block, u.State)
		}
		s.updates += len(m.Blocks)
	case protocol.NewModel:
		s.entities[m.ID] = &Model{NewModel: m}
		s.rebaser.Track(m.ID, m.Position)
	case protocol.ModelUpdateTransform:
		e, ok := s.entities[m.ID]
		if !ok {
			return fmt.Errorf("transform for unknown model %d", m.ID)
		}
		e.Position, e.Rotation, e.Scale = m.Position, m.Rotation, m.Scale
		s.rebaser.Track(m.ID, m.Position)
	case protocol.ModelUpdateAsset:
		e, ok := s.entities[m.ID]
		if !ok {
			return fmt.Errorf("asset update for unknown model %d", m.ID)
		}
		e.Asset, e.IdleAnimation, e.MovingAnimation = m.Asset, m.IdleAnimation, m.MovingAnimation
	case protocol.DeleteModel:
		delete(s.entities, m.ID)
		s.rebaser.Untrack(m.ID)
	default:
		return fmt.Errorf("unexpected %s from server", m.Type())
	}
	return nil
}

// Forget drops local chunk data, typically alongside UnsubscribeFromChunks.
func (s *Session) Forget(coords []voxel.Vec3i) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range coords {
		delete(s.chunks, c)
	}
}

// Block returns the locally known block at p.
func (s *Session) Block(p voxel.Vec3i) (chunk.BlockID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coord, idx := s.layout.Split(p)
	c, ok := s.chunks[coord]
	if !ok {
		return 0, false
	}
	return c.Get(idx), true
}

func (s *Session) BlockName(id chunk.BlockID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id) < len(s.blocks) {
		return s.blocks[id]
	}
	return fmt.Sprintf("unknown_%d", id)
}

// BlockID resolves a name from the reconciled manifest.
func (s *Session) BlockID(name string) (chunk.BlockID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.blocks {
		if n == name {
			return chunk.BlockID(i), true
		}
	}
	return 0, false
}

func (s *Session) ModelAsset(name string) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.models[name]
	return id, ok
}

func (s *Session) HasChunk(coord voxel.Vec3i) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chunks[coord]
	return ok
}

func (s *Session) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *Session) Model(id uint32) (Model, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return Model{}, false
	}
	return *e, true
}

func (s *Session) Models() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// Dropped counts BlockUpdates for chunks no longer held locally.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Updates counts block updates applied so far.
func (s *Session) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// MoveTo rebases the render origin around the player position.
func (s *Session) MoveTo(player mgl64.Vec3) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, moved := s.rebaser.Update(player)
	return moved
}
