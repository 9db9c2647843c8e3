package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"voxelsync.dev/internal/protocol"
)

const writeWait = 5 * time.Second

// Conn is a websocket connection driving a Session.
type Conn struct {
	ws      *websocket.Conn
	Session *Session
}

// Dial connects, identifies and reconciles the server manifest. A failed
// reconciliation is reported to the server before the error is returned.
func Dial(ctx context.Context, url, name string, s *Session) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Conn{ws: ws, Session: s}
	if err := c.Send(protocol.ClientIdentification{ProtocolVersion: protocol.Version, Name: name}); err != nil {
		ws.Close()
		return nil, err
	}
	m, err := c.read(10 * time.Second)
	if err != nil {
		ws.Close()
		return nil, err
	}
	sc, ok := m.(protocol.ServerConfig)
	if !ok {
		ws.Close()
		if d, isBye := m.(protocol.Disconnect); isBye {
			return nil, &DisconnectError{Reason: d.Reason, Message: d.Message}
		}
		return nil, fmt.Errorf("expected ServerConfig, got %s", m.Type())
	}
	if err := s.Reconcile(sc); err != nil {
		_ = c.Disconnect(DisconnectReason(err), err.Error())
		return nil, err
	}
	return c, nil
}

func (c *Conn) Send(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *Conn) read(timeout time.Duration) (protocol.Message, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeVolume(raw, c.Session.layout.Volume())
}

// Next reads one message and applies it to the session.
func (c *Conn) Next(timeout time.Duration) (protocol.Message, error) {
	m, err := c.read(timeout)
	if err != nil {
		return nil, err
	}
	if err := c.Session.Handle(m); err != nil {
		var de *DisconnectError
		if !errors.As(err, &de) {
			_ = c.Disconnect(protocol.ReasonMalformed, err.Error())
		}
		return m, err
	}
	return m, nil
}

// Disconnect tells the server why the client is leaving and closes.
func (c *Conn) Disconnect(reason, msg string) error {
	err := c.Send(protocol.Disconnect{Reason: reason, Message: msg})
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(time.Second))
	c.ws.Close()
	return err
}

func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}
