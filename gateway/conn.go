package gateway

import (
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/ztrue/tracerr"
)

// envelope is the tagged wire format, both directions.
type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// wsConn adapts a fiber websocket connection to the router. Writes are
// serialized: the websocket library forbids concurrent writers, and the
// router emits from several goroutines.
type wsConn struct {
	handle    string
	conn      *websocket.Conn
	writeLock sync.Mutex
}

func (c *wsConn) Handle() string {
	return c.handle
}

func (c *wsConn) Emit(event string, payload interface{}) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	err := c.conn.WriteJSON(envelope{Event: event, Data: payload})
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}
