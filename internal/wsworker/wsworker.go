// Package wsworker implements the per-thread web server: it accepts TCP
// connections, upgrades eligible ones to WebSocket, serves the small set of
// HTTP control endpoints, and delivers broadcast buffers to subscribed
// connections. Everything it knows about stations comes from the
// orchestrator over a mailbox; it never touches station state directly.
package wsworker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/arung-agamani/denpa-radio/internal/bufstore"
	"github.com/arung-agamani/denpa-radio/internal/mailbox"
)

// PingInterval is how often a worker pings every connection it owns
// (spec's WS_PING_INTERVAL).
const PingInterval = 30 * time.Second

// sendQueueCap bounds a connection's outbound write queue. A connection that
// falls this far behind is dropped rather than let its queue grow without
// bound (the backpressure policy this module decided, see DESIGN.md).
const sendQueueCap = 64

// EventKind tags a message a Worker sends to the orchestrator.
type EventKind int

const (
	EvSubscribe EventKind = iota
	EvListenerLeft
	EvListRequest
	EvQueueRequest
	EvQueueListRequest
	EvSkipRequest
	EvRelease
)

// Event is a Worker's outbound tagged union.
type Event struct {
	Kind     EventKind
	WorkerID int

	ConnID   string // EvSubscribe, EvListenerLeft
	Station  string // EvSubscribe, EvListRequest, EvQueueRequest, EvSkipRequest
	Endpoint string // EvSubscribe: "audio_broadcast" | "metadata_only"

	Track string // EvQueueRequest
	IP    string // EvSkipRequest

	HandleID  int64 // EvRelease
	ChannelID int   // EvRelease

	ReplyTo *mailbox.Mailbox[Reply] // nil for EvListenerLeft, EvRelease
}

// ReplyKind tags the orchestrator's reply to a Worker-originated Event.
type ReplyKind int

const (
	RepSubscribe ReplyKind = iota
	RepList
	RepQueue
	RepQueueList
	RepSkip
)

// Reply carries the orchestrator's answer back to the requesting goroutine.
type Reply struct {
	Kind ReplyKind

	ChannelID int      // RepSubscribe: -1 means reject, close the socket
	Primers   [][]byte // RepSubscribe: up to two primer buffers, oldest first, independent of the buffer store's refcount

	List string // RepList

	Accepted string // RepQueue

	Voted      bool // RepSkip
	VoterCount int  // RepSkip: distinct IPs that have voted against the current track
}

// FanoutMsg is the orchestrator's broadcast fan-out message: "this buffer is
// ready for every subscriber of this channel".
type FanoutMsg struct {
	ChannelID int
	Handle    bufstore.Handle
}

// Worker owns a set of live connections and their channel subscriptions.
// Every map below is touched only by Run's goroutine and the connection
// goroutines running ServeWS/Disconnect, always under
// mu — the one piece of worker state multiple goroutines legitimately share,
// mirroring the spec's carve-out for Buffer Store as the sole
// cross-goroutine object.
type Worker struct {
	id int

	Out *mailbox.Mailbox[Event]
	In  *mailbox.Mailbox[FanoutMsg]

	store *bufstore.Store

	mu          sync.Mutex
	conns       map[string]*connection
	subscribers map[int]map[string]struct{} // channelID -> connIDs
	maxClients  int                         // 0 means unlimited
}

type connection struct {
	id      string
	nc      net.Conn
	sendCh  chan []byte
	closeCh chan struct{}
	once    sync.Once
}

// New creates a Worker backed by store for resolving buffer handles into
// bytes at write time.
func New(id int, store *bufstore.Store) *Worker {
	return &Worker{
		id:          id,
		Out:         mailbox.New[Event](256),
		In:          mailbox.New[FanoutMsg](256),
		store:       store,
		conns:       make(map[string]*connection),
		subscribers: make(map[int]map[string]struct{}),
	}
}

// Run processes fan-out messages from the orchestrator and runs the ping
// ticker until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.closeAll()
			return
		case <-ticker.C:
			w.pingAll()
		case msg, ok := <-w.In.C():
			if ok {
				w.deliver(msg)
			}
		}
	}
}

// deliver implements *Broadcast delivery*: enqueue the buffer on every
// subscriber of the channel's send queue, then report the release back to
// the orchestrator exactly once per buffer per worker, regardless of
// subscriber count.
func (w *Worker) deliver(msg FanoutMsg) {
	data, ok := w.store.Get(msg.Handle.ID)
	if !ok {
		slog.Warn("wsworker: fan-out handle missing from store", "worker", w.id, "handle", msg.Handle.ID)
	} else {
		w.mu.Lock()
		conns := w.subscribers[msg.ChannelID]
		targets := make([]*connection, 0, len(conns))
		for id := range conns {
			if c, ok := w.conns[id]; ok {
				targets = append(targets, c)
			}
		}
		w.mu.Unlock()

		for _, c := range targets {
			select {
			case c.sendCh <- data:
			default:
				slog.Warn("wsworker: send queue full, dropping connection", "worker", w.id, "conn", c.id)
				w.Disconnect(c.id)
			}
		}
	}

	w.Out.Send(Event{
		Kind:      EvRelease,
		WorkerID:  w.id,
		HandleID:  msg.Handle.ID,
		ChannelID: msg.ChannelID,
	})
}

func (w *Worker) pingAll() {
	w.mu.Lock()
	targets := make([]net.Conn, 0, len(w.conns))
	for _, c := range w.conns {
		targets = append(targets, c.nc)
	}
	w.mu.Unlock()

	for _, nc := range targets {
		if err := ws.WriteFrame(nc, ws.NewPingFrame(nil)); err != nil {
			slog.Debug("wsworker: ping write failed", "worker", w.id, "error", err)
		}
	}
}

func (w *Worker) closeAll() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.conns))
	for id := range w.conns {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Disconnect(id)
	}
}

// SetMaxClients sets this worker's soft cap on concurrently accepted
// WebSocket connections (config's MAX_CLIENTS, divided across workers by the
// caller). Zero means unlimited. Not a hard protocol limit: connections
// already established are never torn down to make room, matching spec.md's
// "reject the upgrade, don't evict an existing listener" framing.
func (w *Worker) SetMaxClients(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxClients = n
}

// SubscriberCount returns how many connections this worker currently has
// subscribed to channelID. Used by the orchestrator to compute the active
// listener count a skip-vote threshold is measured against (spec.md §9's
// skip-threshold policy, see DESIGN.md).
func (w *Worker) SubscriberCount(channelID int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subscribers[channelID])
}

// Disconnect tears a connection down, removing it from every channel it was
// subscribed to and notifying the orchestrator once per removal.
func (w *Worker) Disconnect(connID string) {
	w.mu.Lock()
	c, ok := w.conns[connID]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.conns, connID)
	for channelID, set := range w.subscribers {
		if _, subscribed := set[connID]; subscribed {
			delete(set, connID)
			w.Out.Send(Event{Kind: EvListenerLeft, WorkerID: w.id, ConnID: connID, Station: fmt.Sprintf("channel:%d", channelID)})
		}
	}
	w.mu.Unlock()

	c.once.Do(func() {
		close(c.closeCh)
		c.nc.Close()
	})
}

// ServeWS upgrades an HTTP request to a WebSocket connection on path
// /ws/<station>/<endpoint>, registers it with the orchestrator, and blocks
// serving that connection until it disconnects.
func (w *Worker) ServeWS(wr http.ResponseWriter, r *http.Request, station, endpoint string) {
	w.mu.Lock()
	atCap := w.maxClients > 0 && len(w.conns) >= w.maxClients
	w.mu.Unlock()
	if atCap {
		slog.Warn("wsworker: rejecting connection, at max_clients", "worker", w.id, "max", w.maxClients)
		http.Error(wr, "too many connections", http.StatusServiceUnavailable)
		return
	}

	nc, _, _, err := ws.UpgradeHTTP(r, wr)
	if err != nil {
		slog.Warn("wsworker: upgrade failed", "worker", w.id, "error", err)
		return
	}

	connID := uuid.New().String()
	c := &connection{
		id:      connID,
		nc:      nc,
		sendCh:  make(chan []byte, sendQueueCap),
		closeCh: make(chan struct{}),
	}

	reply := mailbox.New[Reply](1)
	w.Out.Send(Event{
		Kind:     EvSubscribe,
		WorkerID: w.id,
		ConnID:   connID,
		Station:  station,
		Endpoint: endpoint,
		ReplyTo:  reply,
	})

	r2, ok := reply.Recv()
	if !ok || r2.ChannelID < 0 {
		nc.Close()
		return
	}

	w.mu.Lock()
	w.conns[connID] = c
	if w.subscribers[r2.ChannelID] == nil {
		w.subscribers[r2.ChannelID] = make(map[string]struct{})
	}
	w.subscribers[r2.ChannelID][connID] = struct{}{}
	w.mu.Unlock()

	for _, primer := range r2.Primers {
		select {
		case c.sendCh <- primer:
		default:
		}
	}

	go w.writeLoop(c)
	w.readLoop(c)
}

// writeLoop is the single writer goroutine per connection: it pops the send
// queue and writes, never starting a second write before the first
// completes (spec's per-connection FIFO write ordering).
func (w *Worker) writeLoop(c *connection) {
	for {
		select {
		case data, ok := <-c.sendCh:
			if !ok {
				return
			}
			if err := wsutil.WriteServerText(c.nc, data); err != nil {
				w.Disconnect(c.id)
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// readLoop consumes control frames (ping/pong/close) from the client and
// detects disconnection. Listeners never send data frames in this protocol,
// so anything else is ignored rather than buffered.
func (w *Worker) readLoop(c *connection) {
	defer w.Disconnect(c.id)
	for {
		header, err := ws.ReadHeader(c.nc)
		if err != nil {
			return
		}
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.nc, payload); err != nil {
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			_ = ws.WriteFrame(c.nc, ws.NewCloseFrame(payload))
			return
		case ws.OpPing:
			_ = ws.WriteFrame(c.nc, ws.NewPongFrame(payload))
		case ws.OpPong:
			// liveness only, nothing to do
		}
	}
}

// ---------------------------------------------------------------------------
// HTTP routes
// ---------------------------------------------------------------------------

// Server wires N workers (round-robin per connection) behind one
// net/http.Server, the same one-process-wide-multiplexer compromise the
// teacher's gin/net/http setup makes.
type Server struct {
	workers    []*Worker
	stations   []string
	webDir     string
	startTime  time.Time
	httpServer *http.Server
	next       int
	mu         sync.Mutex

	tlsFullChain string // set iff TLS termination is enabled
	tlsPrivKey   string
}

// NewServer builds the HTTP+WebSocket front end for addr, round-robining
// upgraded connections across workers.
func NewServer(addr string, workers []*Worker, stations []string, webDir string) *Server {
	s := &Server{
		workers:   workers,
		stations:  stations,
		webDir:    webDir,
		startTime: processStartTime,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /broadcast_metadata", s.broadcastMetadata)
	mux.HandleFunc("GET /station_list", s.stationList)
	mux.HandleFunc("GET /audio_list/{station}", s.audioList)
	mux.HandleFunc("GET /audio_queue/{station}", s.audioQueue)
	mux.HandleFunc("GET /audio_req/{station}/{track}", s.audioReq)
	mux.HandleFunc("GET /skip_track/{station}", s.skipTrack)
	mux.HandleFunc("GET /ws/{station}/{endpoint}", s.wsUpgrade)
	mux.HandleFunc("/", s.spaHandler)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      securityHeaders(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// EnableTLS switches Start into terminating TLS itself via
// crypto/tls/net/http's ListenAndServeTLS, given a certificate chain and
// private key path (spec.md §6's FULLCHAIN/PKEY config keys). TLS handshake
// and record framing stay entirely inside the standard library's
// byte-stream session provider — this module never touches a raw TLS
// record.
func (s *Server) EnableTLS(fullChain, privKey string) {
	s.tlsFullChain = fullChain
	s.tlsPrivKey = privKey
}

// processStartTime is recorded once at package init so /broadcast_metadata
// can report START_TIME_S without calling time.Now() from request handlers
// on every request.
var processStartTime = time.Now()

// Start runs the HTTP server until ctx is cancelled, serving plaintext or
// TLS depending on whether EnableTLS was called.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.tlsFullChain != "" {
			slog.Info("wsworker: https server starting", "addr", s.httpServer.Addr)
			err = s.httpServer.ListenAndServeTLS(s.tlsFullChain, s.tlsPrivKey)
		} else {
			slog.Info("wsworker: http server starting", "addr", s.httpServer.Addr)
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) nextWorker() *Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.workers[s.next%len(s.workers)]
	s.next++
	return w
}

func (s *Server) wsUpgrade(wr http.ResponseWriter, r *http.Request) {
	station := r.PathValue("station")
	endpoint := r.PathValue("endpoint")
	s.nextWorker().ServeWS(wr, r, station, endpoint)
}

func (s *Server) broadcastMetadata(wr http.ResponseWriter, r *http.Request) {
	wr.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(wr, "BROADCAST_INTERVAL_MS: 3000\nSTART_TIME_S: %d\n", s.startTime.Unix())
}

func (s *Server) stationList(wr http.ResponseWriter, r *http.Request) {
	wr.Header().Set("Content-Type", "application/json")
	json.NewEncoder(wr).Encode(map[string][]string{"stations": s.stations})
}

func (s *Server) audioList(wr http.ResponseWriter, r *http.Request) {
	station := r.PathValue("station")
	reply := mailbox.New[Reply](1)
	s.nextWorker().Out.Send(Event{Kind: EvListRequest, Station: station, ReplyTo: reply})
	resp, _ := reply.Recv()
	fmt.Fprint(wr, resp.List)
}

func (s *Server) audioQueue(wr http.ResponseWriter, r *http.Request) {
	station := r.PathValue("station")
	reply := mailbox.New[Reply](1)
	s.nextWorker().Out.Send(Event{Kind: EvQueueListRequest, Station: station, ReplyTo: reply})
	resp, _ := reply.Recv()
	fmt.Fprint(wr, resp.List)
}

func (s *Server) audioReq(wr http.ResponseWriter, r *http.Request) {
	station := r.PathValue("station")
	track := r.PathValue("track")
	reply := mailbox.New[Reply](1)
	s.nextWorker().Out.Send(Event{Kind: EvQueueRequest, Station: station, Track: track, ReplyTo: reply})
	resp, _ := reply.Recv()
	fmt.Fprint(wr, resp.Accepted)
}

func (s *Server) skipTrack(wr http.ResponseWriter, r *http.Request) {
	station := r.PathValue("station")
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	reply := mailbox.New[Reply](1)
	s.nextWorker().Out.Send(Event{Kind: EvSkipRequest, Station: station, IP: ip, ReplyTo: reply})
	resp, _ := reply.Recv()
	if resp.Voted {
		fmt.Fprint(wr, "true")
	} else {
		fmt.Fprint(wr, "false")
	}
}

// securityHeaders mirrors the teacher's standard-headers middleware.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// spaHandler serves static files under webDir, falling back to index.html
// for unknown paths so a client-side router can take over. Path-traversal
// hardening kept verbatim from the teacher's implementation.
func (s *Server) spaHandler(w http.ResponseWriter, r *http.Request) {
	absWebDir, err := filepath.Abs(s.webDir)
	if err != nil {
		http.Error(w, "server configuration error", http.StatusInternalServerError)
		return
	}

	reqPath := r.URL.Path
	if reqPath == "/" {
		reqPath = "/index.html"
	}

	cleanPath := filepath.Clean(reqPath)
	filePath := filepath.Join(absWebDir, cleanPath)

	absFilePath, err := filepath.Abs(filePath)
	if err != nil || !strings.HasPrefix(absFilePath, absWebDir+string(filepath.Separator)) && absFilePath != absWebDir {
		absFilePath = filepath.Join(absWebDir, "index.html")
	}

	if info, err := os.Stat(absFilePath); err == nil && !info.IsDir() {
		http.ServeFile(w, r, absFilePath)
		return
	}

	indexPath := filepath.Join(absWebDir, "index.html")
	if _, err := os.Stat(indexPath); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, indexPath)
}
