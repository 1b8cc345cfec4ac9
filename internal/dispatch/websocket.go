package dispatch

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSConnection adapts a websocket client to the Connection contract.
// Sends are serialized with a mutex because gorilla/websocket permits only
// one concurrent writer.
type WSConnection struct {
	id     string
	userID string
	groups []string

	mu sync.Mutex
	ws *websocket.Conn
}

// NewWSConnection wraps an accepted websocket for the given user identity.
func NewWSConnection(ws *websocket.Conn, userID string, groups []string) *WSConnection {
	return &WSConnection{
		id:     uuid.NewString(),
		userID: userID,
		groups: append([]string(nil), groups...),
		ws:     ws,
	}
}

func (c *WSConnection) ID() string     { return c.id }
func (c *WSConnection) UserID() string { return c.userID }

func (c *WSConnection) Groups() []string {
	return append([]string(nil), c.groups...)
}

func (c *WSConnection) Send(msg map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Close shuts down the underlying websocket.
func (c *WSConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Close()
}

// Upgrader accepts browser websocket subscriptions. Origin checking is the
// caller's concern; the HTTP layer authenticates before upgrading.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Accept upgrades an HTTP request, registers the resulting connection with
// the dispatcher, and returns it. The caller owns the read loop and must
// Unregister and Close the connection when the client goes away.
func Accept(d *Dispatcher, w http.ResponseWriter, r *http.Request, userID string, groups []string) (*WSConnection, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	conn := NewWSConnection(ws, userID, groups)
	d.Register(conn)
	return conn, nil
}
