package manager

import (
	"context"
	"io"
	"log"
	"sort"

	"voxelsync.dev/internal/persistence/worlddb"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
	"voxelsync.dev/internal/world/terrain/store"
)

// ConnID identifies a connection.
type ConnID string

type Deps struct {
	Store     *store.Store
	DB        worlddb.Database
	Generator Generator
	Logger    *log.Logger

	// Workers bounds concurrent load/generate jobs.
	Workers int
	// IdleTicks is how long a chunk without subscribers stays resident.
	IdleTicks uint64
}

// Response answers one chunk request. Chunks follow request order; Failed
// lists coordinates that could not be resolved and were dropped from the
// connection's subscription.
type Response struct {
	Conn   ConnID
	Chunks []chunk.Record
	Failed []voxel.Vec3i
}

type request struct {
	conn   ConnID
	coords []voxel.Vec3i
	failed map[voxel.Vec3i]bool
}

// Manager tracks subscriptions and drives loading and eviction. Apart from
// Ready, its methods must be called from the world loop goroutine only.
type Manager struct {
	store     *store.Store
	layout    voxel.Layout
	logger    *log.Logger
	idleTicks uint64

	loader    *Loader
	persister *Persister
	cancel    context.CancelFunc

	subs        map[ConnID]map[voxel.Vec3i]struct{}
	subscribers map[voxel.Vec3i]map[ConnID]struct{}
	// orphaned holds resident chunks without subscribers and the tick they
	// became eligible for eviction.
	orphaned map[voxel.Vec3i]uint64

	pending []*request
	waiting map[voxel.Vec3i]bool
	failed  map[voxel.Vec3i]bool
	now     uint64
}

func New(d Deps) *Manager {
	logger := d.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:       d.Store,
		layout:      d.Store.Layout(),
		logger:      logger,
		idleTicks:   d.IdleTicks,
		loader:      newLoader(ctx, d.Store, d.DB, d.Generator, logger, d.Workers),
		persister:   newPersister(d.Store, d.DB, logger),
		cancel:      cancel,
		subs:        make(map[ConnID]map[voxel.Vec3i]struct{}),
		subscribers: make(map[voxel.Vec3i]map[ConnID]struct{}),
		orphaned:    make(map[voxel.Vec3i]uint64),
		waiting:     make(map[voxel.Vec3i]bool),
		failed:      make(map[voxel.Vec3i]bool),
	}
}

func (m *Manager) Persister() *Persister { return m.persister }

// Ready is signalled when background loads have completed and Pump has work.
func (m *Manager) Ready() <-chan struct{} { return m.loader.ready }

// Request subscribes conn to coords and returns the response immediately when
// every coordinate is already resident. Otherwise the missing chunks are
// loaded in the background and the response is produced by a later Pump.
func (m *Manager) Request(conn ConnID, coords []voxel.Vec3i) *Response {
	req := &request{conn: conn, failed: make(map[voxel.Vec3i]bool)}
	seen := make(map[voxel.Vec3i]bool, len(coords))
	for _, c := range coords {
		if seen[c] {
			continue
		}
		seen[c] = true
		req.coords = append(req.coords, c)
		if !m.layout.IsChunkCoord(c) {
			req.failed[c] = true
			continue
		}
		m.subscribe(conn, c)
	}

	complete := true
	for _, c := range req.coords {
		if req.failed[c] || m.store.Has(c) {
			continue
		}
		complete = false
		if !m.waiting[c] {
			m.waiting[c] = true
			delete(m.failed, c)
			m.loader.Load(c)
		}
	}
	if complete {
		resp := m.assemble(req)
		return &resp
	}
	m.pending = append(m.pending, req)
	return nil
}

// Pump applies finished loads and returns the requests they completed, in
// the order the requests were made.
func (m *Manager) Pump() []Response {
	for _, r := range m.loader.drain() {
		wasWaiting := m.waiting[r.coord]
		delete(m.waiting, r.coord)
		if r.err != nil {
			m.logger.Printf("chunk %s: %v", r.coord, r.err)
			if wasWaiting {
				m.failed[r.coord] = true
			}
			continue
		}
		if len(m.subscribers[r.coord]) == 0 && m.store.Has(r.coord) {
			if _, ok := m.orphaned[r.coord]; !ok {
				m.orphaned[r.coord] = m.now
			}
		}
	}

	var out []Response
	keep := m.pending[:0]
	for _, req := range m.pending {
		if !m.resolved(req) {
			keep = append(keep, req)
			continue
		}
		out = append(out, m.assemble(req))
	}
	for i := len(keep); i < len(m.pending); i++ {
		m.pending[i] = nil
	}
	m.pending = keep

	// Failures are per attempt: a later request retries.
	for c := range m.failed {
		if !m.anyPendingOn(c) {
			delete(m.failed, c)
		}
	}
	return out
}

func (m *Manager) resolved(req *request) bool {
	for _, c := range req.coords {
		if req.failed[c] || !m.IsSubscribed(req.conn, c) {
			continue
		}
		if m.failed[c] {
			req.failed[c] = true
			continue
		}
		if m.waiting[c] {
			return false
		}
		if !m.store.Has(c) {
			// Evicted or never loaded; load again.
			m.waiting[c] = true
			m.loader.Load(c)
			return false
		}
	}
	return true
}

func (m *Manager) anyPendingOn(c voxel.Vec3i) bool {
	for _, req := range m.pending {
		for _, rc := range req.coords {
			if rc == c && !req.failed[c] {
				return true
			}
		}
	}
	return false
}

// assemble skips coordinates conn unsubscribed from while they loaded.
func (m *Manager) assemble(req *request) Response {
	resp := Response{Conn: req.conn}
	for _, c := range req.coords {
		if !req.failed[c] && !m.IsSubscribed(req.conn, c) {
			continue
		}
		if !req.failed[c] {
			if ch, ok := m.store.Get(c); ok {
				resp.Chunks = append(resp.Chunks, ch.Record())
				continue
			}
		}
		resp.Failed = append(resp.Failed, c)
		m.unsubscribe(req.conn, c)
	}
	return resp
}

func (m *Manager) subscribe(conn ConnID, c voxel.Vec3i) {
	set := m.subs[conn]
	if set == nil {
		set = make(map[voxel.Vec3i]struct{})
		m.subs[conn] = set
	}
	set[c] = struct{}{}
	subs := m.subscribers[c]
	if subs == nil {
		subs = make(map[ConnID]struct{})
		m.subscribers[c] = subs
	}
	subs[conn] = struct{}{}
	delete(m.orphaned, c)
}

func (m *Manager) unsubscribe(conn ConnID, c voxel.Vec3i) {
	if set := m.subs[conn]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(m.subs, conn)
		}
	}
	subs := m.subscribers[c]
	if subs == nil {
		return
	}
	delete(subs, conn)
	if len(subs) == 0 {
		delete(m.subscribers, c)
		if m.store.Has(c) {
			m.orphaned[c] = m.now
		}
	}
}

// Preload loads coords without subscribing anyone. The chunks become
// eviction candidates once resident.
func (m *Manager) Preload(coords []voxel.Vec3i) {
	for _, c := range coords {
		if m.layout.IsChunkCoord(c) && !m.store.Has(c) {
			m.loader.Load(c)
		}
	}
}

// Unsubscribe is idempotent.
func (m *Manager) Unsubscribe(conn ConnID, coords []voxel.Vec3i) {
	for _, c := range coords {
		m.unsubscribe(conn, c)
	}
}

// Disconnect drops every subscription and pending request of conn.
func (m *Manager) Disconnect(conn ConnID) {
	for c := range m.subs[conn] {
		m.unsubscribe(conn, c)
	}
	keep := m.pending[:0]
	for _, req := range m.pending {
		if req.conn != conn {
			keep = append(keep, req)
		}
	}
	for i := len(keep); i < len(m.pending); i++ {
		m.pending[i] = nil
	}
	m.pending = keep
}

// Subscribers returns the connections subscribed to c, sorted.
func (m *Manager) Subscribers(c voxel.Vec3i) []ConnID {
	out := make([]ConnID, 0, len(m.subscribers[c]))
	for id := range m.subscribers[c] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) IsSubscribed(conn ConnID, c voxel.Vec3i) bool {
	_, ok := m.subs[conn][c]
	return ok
}

func (m *Manager) SubscriptionCount(conn ConnID) int { return len(m.subs[conn]) }

// Subscriptions returns the chunks conn holds, sorted.
func (m *Manager) Subscriptions(conn ConnID) []voxel.Vec3i {
	out := make([]voxel.Vec3i, 0, len(m.subs[conn]))
	for c := range m.subs[conn] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// EvictionEligible reports whether c is resident with no subscribers.
func (m *Manager) EvictionEligible(c voxel.Vec3i) bool {
	_, ok := m.orphaned[c]
	return ok
}

// MarkDirty queues c for persistence.
func (m *Manager) MarkDirty(c voxel.Vec3i) { m.persister.Enqueue(c) }

// EvictIdle removes chunks that have had no subscribers for IdleTicks and
// have no unsaved mutations. Dirty candidates are queued for saving instead.
// It returns the number of chunks evicted.
func (m *Manager) EvictIdle(now uint64) int {
	m.now = now
	n := 0
	for c, since := range m.orphaned {
		if now-since < m.idleTicks {
			continue
		}
		if m.waiting[c] {
			continue
		}
		if m.store.IsDirty(c) {
			m.persister.Enqueue(c)
			continue
		}
		if m.store.Remove(c) {
			delete(m.orphaned, c)
			n++
		}
	}
	return n
}

type Stats struct {
	Subscriptions int
	Pending       int
	InFlight      int64
	Orphaned      int
	Generated     uint64
	Loaded        uint64
	Saved         uint64
	SaveFailures  uint64
}

func (m *Manager) Stats() Stats {
	n := 0
	for _, set := range m.subs {
		n += len(set)
	}
	return Stats{
		Subscriptions: n,
		Pending:       len(m.pending),
		InFlight:      m.loader.inflight.Load(),
		Orphaned:      len(m.orphaned),
		Generated:     m.loader.generated.Load(),
		Loaded:        m.loader.loaded.Load(),
		Saved:         m.persister.saved.Load(),
		SaveFailures:  m.persister.failures.Load(),
	}
}

// Close cancels outstanding loads and waits for them to finish.
func (m *Manager) Close() {
	m.cancel()
	m.loader.wait()
}
