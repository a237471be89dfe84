package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"emgscope/internal/log"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("websocket transport closed")

const (
	writeWait    = 2 * time.Second
	pingInterval = 30 * time.Second
	clientQueue  = 64
)

// wsClient is one connected renderer with its own writer goroutine, so a
// slow client never holds up the others.
type wsClient struct {
	id    string
	conn  *websocket.Conn
	queue chan []byte
	once  sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.queue)
		_ = c.conn.Close()
	})
}

// WebSocketTransport broadcasts every message passed to Send as JSON to
// all clients connected on /ws. Messages for a client whose queue is full
// are dropped: renderers only need the latest state.
type WebSocketTransport struct {
	logger   *zap.Logger
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient
	closed  bool

	wg sync.WaitGroup
}

// NewWebSocketTransport listens on addr and starts serving. Port 0 picks a
// free port; Addr reports it.
func NewWebSocketTransport(addr string) (*WebSocketTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen on %s: %w", addr, err)
	}
	wst := &WebSocketTransport{
		logger:   log.With(zap.String("component", "websocket"), zap.Stringer("addr", ln.Addr())),
		listener: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Renderers run on the local machine from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wst.handleUpgrade)
	wst.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	wst.wg.Add(1)
	go func() {
		defer wst.wg.Done()
		if err := wst.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wst.logger.Error("websocket server stopped", zap.Error(err))
		}
	}()
	wst.logger.Info("websocket server listening")
	return wst, nil
}

// Addr returns the listening address.
func (wst *WebSocketTransport) Addr() net.Addr { return wst.listener.Addr() }

// ClientCount returns the number of connected clients.
func (wst *WebSocketTransport) ClientCount() int {
	wst.mu.Lock()
	defer wst.mu.Unlock()
	return len(wst.clients)
}

func (wst *WebSocketTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wst.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{id: uuid.NewString(), conn: conn, queue: make(chan []byte, clientQueue)}

	wst.mu.Lock()
	if wst.closed {
		wst.mu.Unlock()
		_ = conn.Close()
		return
	}
	wst.clients[c.id] = c
	total := len(wst.clients)
	wst.wg.Add(2)
	wst.mu.Unlock()
	wst.logger.Info("renderer connected", zap.String("client", c.id), zap.Int("clients", total))

	go wst.writer(c)
	go wst.reader(c)
}

// reader discards inbound messages; a read error means the client left.
func (wst *WebSocketTransport) reader(c *wsClient) {
	defer wst.wg.Done()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			wst.drop(c)
			return
		}
	}
}

func (wst *WebSocketTransport) writer(c *wsClient) {
	defer wst.wg.Done()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-c.queue:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				wst.logger.Warn("write to renderer failed", zap.String("client", c.id), zap.Error(err))
				wst.drop(c)
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				wst.drop(c)
				return
			}
		}
	}
}

func (wst *WebSocketTransport) drop(c *wsClient) {
	wst.mu.Lock()
	_, ok := wst.clients[c.id]
	delete(wst.clients, c.id)
	total := len(wst.clients)
	wst.mu.Unlock()
	c.close()
	if ok {
		wst.logger.Info("renderer disconnected", zap.String("client", c.id), zap.Int("clients", total))
	}
}

// Send marshals data once and queues it for every client.
func (wst *WebSocketTransport) Send(data any) error {
	msg, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode websocket message: %w", err)
	}
	wst.mu.Lock()
	defer wst.mu.Unlock()
	if wst.closed {
		return ErrTransportClosed
	}
	for _, c := range wst.clients {
		select {
		case c.queue <- msg:
		default:
			wst.logger.Debug("renderer queue full, message dropped", zap.String("client", c.id))
		}
	}
	return nil
}

// Close stops the server, disconnects every client and waits for their
// goroutines. Later calls are no-ops.
func (wst *WebSocketTransport) Close() error {
	wst.mu.Lock()
	if wst.closed {
		wst.mu.Unlock()
		return nil
	}
	wst.closed = true
	clients := wst.clients
	wst.clients = make(map[string]*wsClient)
	wst.mu.Unlock()

	err := wst.server.Close()
	for _, c := range clients {
		c.close()
	}
	wst.wg.Wait()
	wst.logger.Info("websocket server closed")
	return err
}

var _ Transport = (*WebSocketTransport)(nil)
