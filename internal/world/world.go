package world

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/manager"
	"voxelsync.dev/internal/world/models"
	"voxelsync.dev/internal/world/terrain/store"
)

type OverflowPolicy int

const (
	// OverflowDisconnect kicks a connection whose outbox is full.
	OverflowDisconnect OverflowPolicy = iota
	// OverflowDropOldest discards the oldest queued message to make room.
	OverflowDropOldest
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "disconnect":
		return OverflowDisconnect, nil
	case "drop_oldest":
		return OverflowDropOldest, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

type Config struct {
	TickRateHz int
	// MaxBatch caps the inbound messages processed per tick; the rest wait.
	MaxBatch       int
	OverflowPolicy OverflowPolicy
	Spawn          voxel.Vec3i

	// PlayerAsset, when set, gives every identified connection a model at
	// the spawn point for the lifetime of the connection.
	PlayerAsset protocol.OptionalID
	// BlockCount bounds valid block ids in edit requests.
	BlockCount int
	// MaxRequestChunks and MaxSubscriptions bound one ChunkRequest and the
	// chunks one connection holds; zero means unlimited.
	MaxRequestChunks int
	MaxSubscriptions int
}

type Deps struct {
	Store        *store.Store
	Manager      *manager.Manager
	Models       *models.Registry
	ServerConfig protocol.ServerConfig
	Audit        AuditLogger
	Logger       *log.Logger
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// AuditEntry records one accepted block edit.
type AuditEntry struct {
	Tick  uint64 `json:"tick"`
	Conn  string `json:"conn"`
	Pos   [3]int `json:"pos"`
	From  uint16 `json:"from"`
	To    uint16 `json:"to"`
	State uint16 `json:"state,omitempty"`
}

// JoinRequest registers an identified connection. Out is the connection's
// bounded outbox; Kick receives at most one Disconnect when the world drops
// the connection.
type JoinRequest struct {
	ID   manager.ConnID
	Name string
	Out  chan []byte
	Kick chan protocol.Disconnect
	Resp chan JoinResponse
}

type JoinResponse struct {
	ServerConfig protocol.ServerConfig
	Spawn        voxel.Vec3i
	ModelID      protocol.OptionalID
}

// Envelope is one decoded inbound message.
type Envelope struct {
	Conn manager.ConnID
	Msg  protocol.Message
}

// World is the authoritative tick loop. All state is owned by the loop
// goroutine; other goroutines talk to it through channels.
type World struct {
	cfg    Config
	store  *store.Store
	mgr    *manager.Manager
	models *models.Registry
	server protocol.ServerConfig
	audit  AuditLogger
	log    *log.Logger

	tick atomic.Uint64

	clients map[manager.ConnID]*client

	inbox chan Envelope
	join  chan JoinRequest
	leave chan manager.ConnID
	cmds  chan func()
	stop  chan struct{}

	stats Stats
}

func New(cfg Config, d Deps) (*World, error) {
	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("tick rate must be positive")
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1024
	}
	if d.Store == nil || d.Manager == nil || d.Models == nil {
		return nil, fmt.Errorf("world: store, manager and models are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &World{
		cfg:     cfg,
		store:   d.Store,
		mgr:     d.Manager,
		models:  d.Models,
		server:  d.ServerConfig,
		audit:   d.Audit,
		log:     logger,
		clients: make(map[manager.ConnID]*client),
		inbox:   make(chan Envelope, 4096),
		join:    make(chan JoinRequest, 64),
		leave:   make(chan manager.ConnID, 64),
		cmds:    make(chan func(), 64),
		stop:    make(chan struct{}),
	}, nil
}

func (w *World) Inbox() chan<- Envelope       { return w.inbox }
func (w *World) Join() chan<- JoinRequest     { return w.join }
func (w *World) Leave() chan<- manager.ConnID { return w.leave }
func (w *World) CurrentTick() uint64          { return w.tick.Load() }
func (w *World) Stop()                        { close(w.stop) }
func (w *World) Spawn() voxel.Vec3i           { return w.cfg.Spawn }

func (w *World) TickInterval() time.Duration {
	return time.Second / time.Duration(w.cfg.TickRateHz)
}

func (w *World) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.TickInterval())
	defer ticker.Stop()

	var pendingMsgs []Envelope
	var pendingJoins []JoinRequest
	var pendingLeaves []manager.ConnID

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		case <-w.stop:
			w.shutdown()
			return nil
		case req := <-w.join:
			pendingJoins = append(pendingJoins, req)
		case id := <-w.leave:
			pendingLeaves = append(pendingLeaves, id)
		case env := <-w.inbox:
			pendingMsgs = append(pendingMsgs, env)
		case fn := <-w.cmds:
			fn()
		case <-w.mgr.Ready():
			w.deliver(w.mgr.Pump())
		case <-ticker.C:
			n := min(len(pendingMsgs), w.cfg.MaxBatch)
			w.step(pendingJoins, pendingLeaves, pendingMsgs[:n])
			rest := copy(pendingMsgs, pendingMsgs[n:])
			pendingMsgs = pendingMsgs[:rest]
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
		}
	}
}

// exec runs fn on the loop goroutine and waits for it.
func (w *World) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case w.cmds <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SpawnModel registers a server-owned model and returns its id.
func (w *World) SpawnModel(ctx context.Context, m models.Model) (uint32, error) {
	var id uint32
	err := w.exec(ctx, func() { id = w.models.Spawn(m) })
	return id, err
}

func (w *World) UpsertModel(ctx context.Context, m models.Model) error {
	return w.exec(ctx, func() { w.models.Upsert(m) })
}

func (w *World) RemoveModel(ctx context.Context, id uint32) error {
	return w.exec(ctx, func() { w.models.Remove(id) })
}

// shutdown tells every client the server is going away.
func (w *World) shutdown() {
	for id, c := range w.clients {
		c.kick(protocol.Disconnect{Reason: protocol.ReasonShutdown, Message: "server shutting down"})
		w.mgr.Disconnect(id)
	}
}

// Stats is read from other goroutines; fields are updated at the end of
// every tick.
type Stats struct {
	Connections   atomic.Int64
	LoadedChunks  atomic.Int64
	DirtyChunks   atomic.Int64
	InFlightLoads atomic.Int64
	PendingSaves  atomic.Int64
	Generated     atomic.Uint64
	Saved         atomic.Uint64
	Kicked        atomic.Uint64
	Dropped       atomic.Uint64
	BlockEdits    atomic.Uint64
}

func (w *World) Stats() *Stats { return &w.stats }
