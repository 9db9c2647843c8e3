package world

import (
	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/manager"
	"voxelsync.dev/internal/world/models"
)

type client struct {
	id    manager.ConnID
	name  string
	out   chan []byte
	kickc chan protocol.Disconnect

	// delivered holds chunks whose data has been sent; models are only
	// shown inside them.
	delivered map[voxel.Vec3i]bool
	view      *models.View
	modelID   protocol.OptionalID
	kicked    bool
}

func (c *client) kick(d protocol.Disconnect) {
	if c.kicked {
		return
	}
	c.kicked = true
	select {
	case c.kickc <- d:
	default:
	}
}

// sendLatest makes room by discarding the oldest queued message.
func sendLatest(ch chan []byte, msg []byte) bool {
	for i := 0; i < 2; i++ {
		select {
		case ch <- msg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// send queues raw for c, applying the overflow policy when the outbox is
// full. It reports whether the message was queued.
func (w *World) send(c *client, raw []byte) bool {
	if c.kicked {
		return false
	}
	select {
	case c.out <- raw:
		return true
	default:
	}
	switch w.cfg.OverflowPolicy {
	case OverflowDropOldest:
		w.stats.Dropped.Add(1)
		return sendLatest(c.out, raw)
	default:
		w.log.Printf("world: %s outbox full, disconnecting", c.id)
		w.drop(c, protocol.ReasonSlowConsumer, "outbox full")
		return false
	}
}

func (w *World) sendMsg(c *client, m protocol.Message) bool {
	raw, err := protocol.Encode(m)
	if err != nil {
		w.log.Printf("world: encode %s: %v", m.Type(), err)
		return false
	}
	return w.send(c, raw)
}

// drop kicks c with reason and forgets it.
func (w *World) drop(c *client, reason, msg string) {
	c.kick(protocol.Disconnect{Reason: reason, Message: msg})
	w.stats.Kicked.Add(1)
	w.forget(c.id)
}

func (w *World) forget(id manager.ConnID) {
	c, ok := w.clients[id]
	if !ok {
		return
	}
	delete(w.clients, id)
	w.mgr.Disconnect(id)
	if c.modelID.Set {
		w.models.Remove(c.modelID.Value)
	}
}
