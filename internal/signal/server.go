package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 50 * time.Second
)

// ServerOptions configures a rendezvous signal server.
type ServerOptions struct {
	Addr string // listen address, e.g. "127.0.0.1:8787"

	// Secret, when non-empty, requires clients to authenticate before any
	// other operation. The server keeps only a bcrypt hash of it.
	Secret string

	// DBPath, when non-empty, persists the tree to SQLite across restarts.
	DBPath string

	// StaleCallWindow prunes persisted call records older than this on
	// startup. Zero disables the sweep.
	StaleCallWindow time.Duration
}

// Server hosts the shared rendezvous tree for call signaling and fans out
// per-path change notifications to websocket clients.
type Server struct {
	addr       string
	secretHash []byte
	store      *MemoryStore
	db         *treeDB

	srv      *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*serverClient]struct{}
	url     string
}

// NewServer creates a signal server. When persistence is configured the
// previous tree is restored and stale call records are swept before the
// server accepts connections.
func NewServer(opts ServerOptions) (*Server, error) {
	s := &Server{
		addr:    opts.Addr,
		store:   NewMemoryStore(),
		clients: map[*serverClient]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	if opts.Secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("signal: hash secret: %w", err)
		}
		s.secretHash = hash
	}

	if opts.DBPath != "" {
		db, err := openTreeDB(opts.DBPath)
		if err != nil {
			return nil, fmt.Errorf("signal: open db: %w", err)
		}
		s.db = db
		if err := db.restore(s.store); err != nil {
			db.close()
			return nil, fmt.Errorf("signal: restore: %w", err)
		}
		if opts.StaleCallWindow > 0 {
			db.sweepStaleCalls(s.store, time.Now().Add(-opts.StaleCallWindow).UnixMilli())
		}
	}

	return s, nil
}

// Store exposes the server's authoritative tree. Useful for co-located
// deployments and tests.
func (s *Server) Store() *MemoryStore { return s.store }

// Start begins listening. The server shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("signal: listen %s: %w", s.addr, err)
	}
	s.url = "ws://" + ln.Addr().String() + "/ws"
	s.srv = &http.Server{Handler: mux}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("server: serve: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	log.Infof("server: listening on %s", s.url)
	return nil
}

// URL returns the websocket endpoint clients should dial.
func (s *Server) URL() string { return s.url }

func (s *Server) shutdown() {
	s.mu.Lock()
	clients := make([]*serverClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = map[*serverClient]struct{}{}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(shutCtx)

	s.store.Close()
	if s.db != nil {
		_ = s.db.close()
	}
}

// serverClient is one websocket connection and its live subscriptions.
type serverClient struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	subs     map[int64]func() // subscribe request id -> store cancel
	isAuthed bool
	closed   bool
}

func (c *serverClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = map[int64]func(){}
	c.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	close(c.send)
	_ = c.conn.Close()
}

// enqueue hands a frame to the write pump; frames to a closed client are dropped.
func (c *serverClient) enqueue(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		log.Warnf("server: client send buffer full, dropping frame")
	}
}

func (c *serverClient) reply(resp wireResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("server: upgrade: %v", err)
		return
	}

	c := &serverClient{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
		subs: map[int64]func(){},
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

func (c *serverClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(c *serverClient) {
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req wireRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply(wireResponse{Error: "malformed request"})
			continue
		}
		s.handleRequest(c, req)
	}
}

func (s *Server) handleRequest(c *serverClient, req wireRequest) {
	if s.secretHash != nil && !c.authed() && req.Op != opAuth {
		c.reply(wireResponse{ID: req.ID, Error: "unauthenticated"})
		return
	}

	ctx := context.Background()
	switch req.Op {
	case opAuth:
		if s.secretHash == nil ||
			bcrypt.CompareHashAndPassword(s.secretHash, []byte(req.Secret)) == nil {
			c.setAuthed()
			c.reply(wireResponse{ID: req.ID, OK: true})
			return
		}
		c.reply(wireResponse{ID: req.ID, Error: "bad secret"})

	case opWrite:
		if err := s.store.WriteRaw(ctx, req.Path, req.Value); err != nil {
			c.reply(wireResponse{ID: req.ID, Error: err.Error()})
			return
		}
		if s.db != nil {
			s.db.write(req.Path, req.Value)
		}
		c.reply(wireResponse{ID: req.ID, OK: true})

	case opRead:
		value, found, err := s.store.ReadOnce(ctx, req.Path)
		if err != nil {
			c.reply(wireResponse{ID: req.ID, Error: err.Error()})
			return
		}
		c.reply(wireResponse{ID: req.ID, OK: true, Found: found, Value: value})

	case opDelete:
		if err := s.store.DeleteSubtree(ctx, req.Path); err != nil {
			c.reply(wireResponse{ID: req.ID, Error: err.Error()})
			return
		}
		if s.db != nil {
			s.db.deleteSubtree(req.Path)
		}
		c.reply(wireResponse{ID: req.ID, OK: true})

	case opSubscribe:
		subID := req.ID
		cancel, err := s.store.Subscribe(req.Path, func(snap json.RawMessage) {
			b, err := json.Marshal(wireResponse{Event: true, Sub: subID, Value: snap})
			if err != nil {
				return
			}
			c.enqueue(b)
		})
		if err != nil {
			c.reply(wireResponse{ID: req.ID, Error: err.Error()})
			return
		}
		c.addSub(subID, cancel)
		c.reply(wireResponse{ID: req.ID, OK: true, Sub: subID})

	case opUnsubscribe:
		c.dropSub(req.Sub)
		c.reply(wireResponse{ID: req.ID, OK: true})

	default:
		c.reply(wireResponse{ID: req.ID, Error: "unknown op: " + req.Op})
	}
}

func (c *serverClient) authed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAuthed
}

func (c *serverClient) setAuthed() {
	c.mu.Lock()
	c.isAuthed = true
	c.mu.Unlock()
}

func (c *serverClient) addSub(id int64, cancel func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	if old, ok := c.subs[id]; ok {
		old()
	}
	c.subs[id] = cancel
	c.mu.Unlock()
}

func (c *serverClient) dropSub(id int64) {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	if ok {
		cancel()
	}
}
