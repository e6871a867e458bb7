package cloudstore

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"nhooyr.io/websocket/wsjson"
	nhwebsocket "nhooyr.io/websocket"

	"github.com/nexusdata/nexusstore/internal/entity"
)

// RowOp is the kind of change a realtime event reports (spec.md §4.9:
// "subscribes to INSERT/UPDATE/DELETE events").
type RowOp string

const (
	RowInserted RowOp = "insert"
	RowUpdated  RowOp = "update"
	RowDeleted  RowOp = "delete"
)

// RowChangeEvent is one realtime notification, table-scoped.
type RowChangeEvent struct {
	Table  string     `json:"table"`
	Op     RowOp      `json:"op"`
	ID     string     `json:"id"`
	Fields entity.Map `json:"fields,omitempty"`
}

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = 30 * time.Second
)

var hubUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RealtimeHub is the server side of the realtime channel: every accepted
// connection is registered, and Broadcast fans a RowChangeEvent out to all
// of them. Adapted from the teacher's examples/beads-web-ui websocket
// connection-pool pattern (ping/pong keepalive, buffered per-connection
// send channel, slow-client disconnect) generalized from a single daemon's
// mutation feed to an arbitrary table's row-change feed.
type RealtimeHub struct {
	mu      sync.Mutex
	clients map[*hubConn]struct{}
}

// NewRealtimeHub constructs an empty hub.
func NewRealtimeHub() *RealtimeHub {
	return &RealtimeHub{clients: make(map[*hubConn]struct{})}
}

type hubConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// ServeHTTP upgrades the request and registers the resulting connection.
func (h *RealtimeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := hubUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	hc := &hubConn{conn: conn, send: make(chan []byte, 256), done: make(chan struct{})}

	h.mu.Lock()
	h.clients[hc] = struct{}{}
	h.mu.Unlock()

	go h.writePump(hc)
	go h.readPump(hc)
}

func (h *RealtimeHub) readPump(hc *hubConn) {
	defer h.remove(hc)
	hc.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	hc.conn.SetPongHandler(func(string) error {
		hc.conn.SetReadDeadline(time.Now().Add(hubPongWait))
		return nil
	})
	for {
		if _, _, err := hc.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *RealtimeHub) writePump(hc *hubConn) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		hc.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-hc.send:
			hc.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				hc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := hc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			hc.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := hc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-hc.done:
			return
		}
	}
}

func (h *RealtimeHub) remove(hc *hubConn) {
	h.mu.Lock()
	delete(h.clients, hc)
	h.mu.Unlock()
	close(hc.done)
}

// Broadcast pushes ev to every connected client. A client whose send buffer
// is full is disconnected rather than allowed to stall the others.
func (h *RealtimeHub) Broadcast(ev RowChangeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, hc := range conns {
		select {
		case hc.send <- data:
		default:
			hc.once.Do(func() { close(hc.send) })
		}
	}
}

// Close disconnects every client.
func (h *RealtimeHub) Close() {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.clients = make(map[*hubConn]struct{})
	h.mu.Unlock()
	for _, hc := range conns {
		hc.once.Do(func() { close(hc.send) })
	}
}

// realtimeClient is the client side of the realtime channel: it dials url,
// decodes RowChangeEvents, and invokes onEvent for each one. Reconnects
// with backoff on dropped connections so a transient network blip does not
// require the owning Store to be re-initialized.
type realtimeClient struct {
	url     string
	token   string
	onEvent func(ctx context.Context, ev RowChangeEvent)

	cancel context.CancelFunc
	done   chan struct{}
}

func newRealtimeClient(url, token string, onEvent func(context.Context, RowChangeEvent)) *realtimeClient {
	return &realtimeClient{url: url, token: token, onEvent: onEvent, done: make(chan struct{})}
}

func (c *realtimeClient) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

func (c *realtimeClient) stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *realtimeClient) run(ctx context.Context) {
	defer close(c.done)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.dialOnce(ctx); err != nil {
			log.Printf("cloudstore: realtime channel dial failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *realtimeClient) dialOnce(ctx context.Context) error {
	opts := &nhwebsocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, _, err := nhwebsocket.Dial(ctx, c.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(nhwebsocket.StatusNormalClosure, "")

	for {
		var ev RowChangeEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		c.onEvent(ctx, ev)
	}
}
