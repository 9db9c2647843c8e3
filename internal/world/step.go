package world

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
	"voxelsync.dev/internal/world/manager"
	"voxelsync.dev/internal/world/models"
	"voxelsync.dev/internal/world/terrain/store"
)

func (w *World) step(joins []JoinRequest, leaves []manager.ConnID, msgs []Envelope) {
	tick := w.tick.Load()

	for _, req := range joins {
		w.handleJoin(req)
	}
	for _, id := range leaves {
		w.forget(id)
	}
	for _, env := range msgs {
		c, ok := w.clients[env.Conn]
		if !ok {
			continue
		}
		w.handle(tick, c, env.Msg)
	}

	w.deliver(w.mgr.Pump())
	w.broadcastChanges()
	w.syncModels()
	w.mgr.EvictIdle(tick)

	w.tick.Add(1)
	w.updateStats()
}

func (w *World) handleJoin(req JoinRequest) {
	if old, ok := w.clients[req.ID]; ok {
		w.drop(old, protocol.ReasonBadIdentify, "duplicate connection id")
	}
	c := &client{
		id:        req.ID,
		name:      req.Name,
		out:       req.Out,
		kickc:     req.Kick,
		delivered: make(map[voxel.Vec3i]bool),
		view:      models.NewView(),
	}
	if w.cfg.PlayerAsset.Set {
		sp := w.cfg.Spawn
		id := w.models.Spawn(models.Model{
			Position: mgl64.Vec3{float64(sp.X) + 0.5, float64(sp.Y), float64(sp.Z) + 0.5},
			Rotation: mgl32.QuatIdent(),
			Scale:    mgl32.Vec3{1, 1, 1},
			Asset:    w.cfg.PlayerAsset.Value,
		})
		c.modelID = protocol.Some(id)
	}
	w.clients[req.ID] = c
	w.log.Printf("world: %s joined as %q", req.ID, req.Name)

	if req.Resp != nil {
		req.Resp <- JoinResponse{ServerConfig: w.server, Spawn: w.cfg.Spawn, ModelID: c.modelID}
	}
}

func (w *World) handle(tick uint64, c *client, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.ChunkRequest:
		if reason, ok := w.admitRequest(c, m.Chunks); !ok {
			w.drop(c, protocol.ReasonTooManyChunks, reason)
			return
		}
		if resp := w.mgr.Request(c.id, m.Chunks); resp != nil {
			w.deliver([]manager.Response{*resp})
		}
	case protocol.UnsubscribeFromChunks:
		w.mgr.Unsubscribe(c.id, m.Chunks)
		for _, coord := range m.Chunks {
			delete(c.delivered, coord)
		}
	case protocol.BlockEditRequest:
		w.handleEdit(tick, c, m)
	case protocol.PlayerPosition:
		w.handleMove(c, m)
	case protocol.Disconnect:
		w.forget(c.id)
	default:
		w.drop(c, protocol.ReasonUnexpected, "unexpected "+msg.Type().String())
	}
}

// admitRequest enforces the per-request and per-connection chunk limits.
func (w *World) admitRequest(c *client, coords []voxel.Vec3i) (string, bool) {
	if limit := w.cfg.MaxRequestChunks; limit > 0 && len(coords) > limit {
		return fmt.Sprintf("%d chunks in one request, limit %d", len(coords), limit), false
	}
	limit := w.cfg.MaxSubscriptions
	if limit <= 0 {
		return "", true
	}
	held := w.mgr.SubscriptionCount(c.id)
	fresh := make(map[voxel.Vec3i]bool, len(coords))
	for _, coord := range coords {
		if !w.mgr.IsSubscribed(c.id, coord) {
			fresh[coord] = true
		}
	}
	if held+len(fresh) > limit {
		return fmt.Sprintf("%d subscribed chunks, limit %d", held+len(fresh), limit), false
	}
	return "", true
}

func (w *World) handleEdit(tick uint64, c *client, m protocol.BlockEditRequest) {
	coord := w.store.Layout().ChunkOf(m.Pos)
	if !w.mgr.IsSubscribed(c.id, coord) {
		w.drop(c, protocol.ReasonNotSubscribed, "edit outside subscribed chunks")
		return
	}
	if w.cfg.BlockCount > 0 && int(m.Block) >= w.cfg.BlockCount {
		w.drop(c, protocol.ReasonMalformed, "unknown block id")
		return
	}
	prev, err := w.store.SetBlock(m.Pos, m.Block, m.State)
	if errors.Is(err, store.ErrNotLoaded) {
		// Still loading; the client has no data for it yet either.
		return
	}
	if err != nil {
		w.log.Printf("world: edit %s by %s: %v", m.Pos, c.id, err)
		return
	}
	w.stats.BlockEdits.Add(1)
	if w.audit != nil {
		err := w.audit.WriteAudit(AuditEntry{
			Tick:  tick,
			Conn:  string(c.id),
			Pos:   [3]int{m.Pos.X, m.Pos.Y, m.Pos.Z},
			From:  uint16(prev),
			To:    uint16(m.Block),
			State: uint16(m.State),
		})
		if err != nil {
			w.log.Printf("world: audit: %v", err)
		}
	}
}

// handleMove moves the connection's player model. Connections without one
// may still report positions; there is nothing to update.
func (w *World) handleMove(c *client, m protocol.PlayerPosition) {
	if !finite(m.Position[0], m.Position[1], m.Position[2], float64(m.Rotation.W),
		float64(m.Rotation.V[0]), float64(m.Rotation.V[1]), float64(m.Rotation.V[2])) {
		w.drop(c, protocol.ReasonMalformed, "non-finite player position")
		return
	}
	if !c.modelID.Set {
		return
	}
	cur, ok := w.models.Get(c.modelID.Value)
	if !ok {
		return
	}
	rot := m.Rotation
	if rot.Len() == 0 {
		rot = cur.Rotation
	} else {
		rot = rot.Normalize()
	}
	if err := w.models.Move(cur.ID, m.Position, rot, cur.Scale); err != nil {
		w.log.Printf("world: move %s: %v", c.id, err)
	}
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (w *World) deliver(resps []manager.Response) {
	for _, r := range resps {
		c, ok := w.clients[r.Conn]
		if !ok {
			continue
		}
		for _, coord := range r.Failed {
			delete(c.delivered, coord)
		}
		if !w.sendMsg(c, protocol.ChunkResponse{Chunks: r.Chunks}) {
			continue
		}
		for _, rec := range r.Chunks {
			c.delivered[rec.Coord] = true
		}
	}
}

// broadcastChanges sends the final value of every block changed since the
// last tick to the subscribers of its chunk, one BlockUpdates per chunk.
func (w *World) broadcastChanges() {
	changes := w.store.DrainChanges()
	if len(changes) == 0 {
		return
	}
	perChunk := make(map[voxel.Vec3i]map[voxel.BlockIndex]protocol.BlockUpdate)
	for _, ch := range changes {
		set := perChunk[ch.Chunk]
		if set == nil {
			set = make(map[voxel.BlockIndex]protocol.BlockUpdate)
			perChunk[ch.Chunk] = set
		}
		set[ch.Index] = protocol.BlockUpdate{Index: ch.Index, Block: ch.Block, State: ch.State}
	}

	coords := make([]voxel.Vec3i, 0, len(perChunk))
	for coord := range perChunk {
		coords = append(coords, coord)
	}
	sort.Slice(coords, func(i, j int) bool { return coords[i].Less(coords[j]) })

	for _, coord := range coords {
		w.mgr.MarkDirty(coord)
		set := perChunk[coord]
		ups := make([]protocol.BlockUpdate, 0, len(set))
		for _, u := range set {
			ups = append(ups, u)
		}
		sort.Slice(ups, func(i, j int) bool { return ups[i].Index < ups[j].Index })

		subs := w.mgr.Subscribers(coord)
		if len(subs) == 0 {
			continue
		}
		raw, err := protocol.Encode(protocol.BlockUpdates{Chunk: coord, Blocks: ups})
		if err != nil {
			w.log.Printf("world: encode updates for %s: %v", coord, err)
			continue
		}
		for _, id := range subs {
			if c, ok := w.clients[id]; ok {
				w.send(c, raw)
			}
		}
	}
}

func (w *World) syncModels() {
	ids := make([]manager.ConnID, 0, len(w.clients))
	for id := range w.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		c, ok := w.clients[id]
		if !ok {
			continue
		}
		msgs := w.models.Sync(c.view, func(coord voxel.Vec3i) bool { return c.delivered[coord] })
		for _, m := range msgs {
			if !w.sendMsg(c, m) {
				break
			}
		}
	}
}

func (w *World) updateStats() {
	ms := w.mgr.Stats()
	w.stats.Connections.Store(int64(len(w.clients)))
	w.stats.LoadedChunks.Store(int64(w.store.Len()))
	w.stats.DirtyChunks.Store(int64(len(w.store.Dirty())))
	w.stats.InFlightLoads.Store(ms.InFlight)
	w.stats.PendingSaves.Store(int64(w.mgr.Persister().Pending()))
	w.stats.Generated.Store(ms.Generated)
	w.stats.Saved.Store(ms.Saved)
}

// BlockAt reads the authoritative block at p; unloaded positions read as air.
func (w *World) BlockAt(p voxel.Vec3i) (chunk.BlockID, chunk.State) {
	return w.store.GetBlock(p)
}
