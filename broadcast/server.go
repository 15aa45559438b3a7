// Package broadcast serves the latest snapshot to local WebSocket clients.
// The server never pushes on its own: every inbound message is answered with
// one text frame holding the current snapshot, except the reserved cover
// message, which is handed to the cover handler.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"widgetsensors/stats"
)

const (
	DefaultPort              = 30001
	DefaultBindAddress       = "127.0.0.1"
	defaultReadLimit         = 64 * 1024
	defaultWriteTimeout      = 5 * time.Second
	defaultScratchBytes      = 2048
	closeGracePeriod         = time.Second
	defaultReadHeaderTimeout = 10 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SnapshotSource copies the current snapshot into dst.
type SnapshotSource interface {
	Snapshot(dst []byte) []byte
}

// ServerOptions configures the broadcast server.
type ServerOptions struct {
	BindAddress    string
	Port           int
	MaxConnections int // 0 means unlimited
	ReadLimit      int64
	WriteTimeout   time.Duration
	Source         SnapshotSource
	OnCover        func(src string)
	Stats          *stats.Tracker
}

// Server accepts WebSocket clients and answers their triggers.
type Server struct {
	opts     ServerOptions
	upgrader websocket.Upgrader

	listener net.Listener
	http     *http.Server
	shutdown chan struct{}
	stopOnce sync.Once
	serveWG  sync.WaitGroup
	clientWG sync.WaitGroup

	clientsMutex sync.RWMutex
	clients      map[*Client]struct{}
}

// Client is one connected WebSocket peer.
type Client struct {
	conn    *websocket.Conn
	address string
	scratch []byte
}

// NewServer builds a server; Start binds it.
func NewServer(opts ServerOptions) *Server {
	opts = normalizeServerOptions(opts)
	s := &Server{
		opts:     opts,
		shutdown: make(chan struct{}),
		clients:  make(map[*Client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: defaultScratchBytes,
		// Widgets are loaded from file:// pages and streaming tools, so any
		// origin is accepted; the listener is loopback by default.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

func normalizeServerOptions(opts ServerOptions) ServerOptions {
	config := opts
	if config.BindAddress == "" {
		config.BindAddress = DefaultBindAddress
	}
	if config.Port < 0 {
		config.Port = DefaultPort
	}
	if config.ReadLimit <= 0 {
		config.ReadLimit = defaultReadLimit
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.MaxConnections < 0 {
		config.MaxConnections = 0
	}
	return config
}

// Purpose: Bind the listener and start serving on a background goroutine.
// Key aspects: Bind errors are returned to the caller so startup can fail
// fast; the serve loop is joined by Stop.
// Upstream: main startup.
// Downstream: listenWithReuse, http.Server.Serve.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.opts.BindAddress, strconv.Itoa(s.opts.Port))
	listener, err := listenWithReuse(addr)
	if err != nil {
		return fmt.Errorf("failed to start websocket server: %w", err)
	}
	s.listener = listener
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ErrorLog:          log.Default(),
	}
	log.Printf("Websocket server listening on %s", listener.Addr())

	s.serveWG.Add(1)
	go func() {
		defer s.serveWG.Done()
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Websocket server stopped: %v", err)
		}
	}()
	return nil
}

// listenWithReuse applies the platform socket options before binding.
func listenWithReuse(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = configureListener(fd)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if s.opts.MaxConnections > 0 && s.GetClientCount() >= s.opts.MaxConnections {
		http.Error(w, "server full", http.StatusServiceUnavailable)
		log.Printf("Rejected connection from %s: max connections reached (%d)", r.RemoteAddr, s.opts.MaxConnections)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		log.Printf("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	client := &Client{
		conn:    conn,
		address: r.RemoteAddr,
		scratch: make([]byte, 0, defaultScratchBytes),
	}
	if !s.registerClient(client) {
		_ = conn.Close()
		return
	}
	// The HTTP handler goroutine becomes the client goroutine; clientWG lets
	// Stop wait for it even though http.Server no longer tracks hijacked
	// connections.
	s.handleClient(client)
}

func (s *Server) registerClient(client *Client) bool {
	s.clientsMutex.Lock()
	defer s.clientsMutex.Unlock()
	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.clients[client] = struct{}{}
	s.clientWG.Add(1)
	if s.opts.Stats != nil {
		s.opts.Stats.ClientConnected()
	}
	return true
}

func (s *Server) unregisterClient(client *Client) {
	s.clientsMutex.Lock()
	_, ok := s.clients[client]
	delete(s.clients, client)
	s.clientsMutex.Unlock()
	if ok && s.opts.Stats != nil {
		s.opts.Stats.ClientDisconnected()
	}
}

// handleClient reads messages until the peer leaves or a send fails.
func (s *Server) handleClient(client *Client) {
	defer s.clientWG.Done()
	defer client.conn.Close()
	defer s.unregisterClient(client)

	log.Printf("New connection from %s", client.address)
	client.conn.SetReadLimit(s.opts.ReadLimit)
	for {
		_, msg, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !s.stopping() {
				log.Printf("Client %s read error: %v", client.address, err)
			}
			log.Printf("Client %s disconnected", client.address)
			return
		}
		if src, ok := parseCover(msg); ok {
			if s.opts.Stats != nil {
				s.opts.Stats.IncrementMessage("cover")
			}
			if s.opts.OnCover != nil {
				s.opts.OnCover(src)
			}
			continue
		}
		if s.opts.Stats != nil {
			s.opts.Stats.IncrementMessage("trigger")
		}
		if err := s.sendSnapshot(client); err != nil {
			if s.opts.Stats != nil {
				s.opts.Stats.IncrementSendFailures()
			}
			log.Printf("Client %s send failed: %v", client.address, err)
			return
		}
	}
}

// sendSnapshot copies the snapshot into the client's scratch buffer and
// writes it as one text frame. Nothing is sent before the first publish.
func (s *Server) sendSnapshot(client *Client) error {
	if s.opts.Source == nil {
		return nil
	}
	client.scratch = s.opts.Source.Snapshot(client.scratch)
	if len(client.scratch) == 0 {
		return nil
	}
	if err := client.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := client.conn.WriteMessage(websocket.TextMessage, client.scratch); err != nil {
		return err
	}
	if s.opts.Stats != nil {
		s.opts.Stats.IncrementSends()
	}
	return nil
}

// Purpose: Recognise the reserved cover message.
// Key aspects: Parses step by step and falls back to "plain trigger" at the
// first field that does not match; malformed JSON is a trigger too.
// Upstream: handleClient.
// Downstream: jsoniter Any API.
func parseCover(msg []byte) (string, bool) {
	if !json.Valid(msg) {
		return "", false
	}
	root := json.Get(msg)
	if root.ValueType() != jsoniter.ObjectValue {
		return "", false
	}
	action := root.Get("action")
	if action.ValueType() != jsoniter.StringValue || action.ToString() != "cover" {
		return "", false
	}
	src := root.Get("data", "src")
	if src.ValueType() != jsoniter.StringValue {
		return "", false
	}
	return src.ToString(), true
}

func (s *Server) stopping() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// GetClientCount returns the number of connected clients.
func (s *Server) GetClientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

// Purpose: Stop accepting, disconnect every client and join all goroutines.
// Key aspects: Idempotent. Clients get a going-away close frame before their
// connection is closed.
// Upstream: lifecycle teardown.
// Downstream: http.Server.Close, websocket close frames.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Println("Stopping websocket server...")
		s.clientsMutex.Lock()
		close(s.shutdown)
		clients := make([]*Client, 0, len(s.clients))
		for client := range s.clients {
			clients = append(clients, client)
		}
		s.clientsMutex.Unlock()

		if s.http != nil {
			_ = s.http.Close()
		}
		deadline := time.Now().Add(closeGracePeriod)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		for _, client := range clients {
			_ = client.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = client.conn.Close()
		}
		s.serveWG.Wait()
		s.clientWG.Wait()
	})
}
