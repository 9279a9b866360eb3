package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"ptzhead/internal/dispatch"
	"ptzhead/internal/engine"
	"ptzhead/internal/preview"
	"ptzhead/internal/protocol"
	"ptzhead/internal/ptz"
	"ptzhead/internal/status"
	"ptzhead/internal/storage"
)

// Engine is the control plane the endpoints submit to.
type Engine interface {
	Submit(ctx context.Context, req dispatch.Request) error
	State(ctx context.Context) (engine.State, error)
}

// Snapshotter reads the status store.
type Snapshotter interface {
	Snapshot() status.Snapshot
}

// History lists persisted lock control transitions, newest first.
type History interface {
	History(ctx context.Context, limit int) ([]storage.Transition, error)
}

// LockLine is a lock line that can be driven in software.
type LockLine interface {
	Set(locked bool)
}

// Config for the server
type Config struct {
	ListenAddr      string
	RTSPURL         string
	ControlProtocol string // device backend name reported in status
	Preview         preview.Config

	Engine  Engine
	Status  Snapshotter
	History History         // optional
	Metrics http.Handler    // optional, served on /metrics
	Source  *preview.Source // optional, enables the WebRTC preview
	Static  fs.FS           // optional, served on /
	Lock    LockLine        // optional, driven by POST /api/lock
	Logger  *slog.Logger
}

// endpoint is the caller convention a connection speaks.
type endpoint int

const (
	endpointUI endpoint = iota
	endpointBridge
	endpointRemote
)

func (e endpoint) String() string {
	switch e {
	case endpointBridge:
		return "bridge"
	case endpointRemote:
		return "remote"
	}
	return "ui"
}

// Server is the main ptzhead server
type Server struct {
	cfg       Config
	clients   map[*Client]bool
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader
	http      *http.Server
	logger    *slog.Logger

	// Remote reply destinations by session id.
	destinations map[uuid.UUID]*Client
}

// Client represents a connected WebSocket client
type Client struct {
	conn     *websocket.Conn
	server   *Server
	endpoint endpoint
	session  uuid.UUID
	webrtc   *preview.Session
	send     chan []byte
	stopRTP  func()
	logger   *slog.Logger
	mu       sync.Mutex
	closed   bool
}

// New creates a new server instance
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Status == nil {
		return nil, fmt.Errorf("server: engine and status are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:          cfg,
		clients:      make(map[*Client]bool),
		destinations: make(map[uuid.UUID]*Client),
		logger:       logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local use
			},
		},
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS(endpointUI))
	mux.HandleFunc("/ws/bridge", s.serveWS(endpointBridge))
	mux.HandleFunc("/ws/remote", s.serveWS(endpointRemote))
	mux.HandleFunc("/api/status", s.handleStatus)
	if s.cfg.Lock != nil {
		mux.HandleFunc("/api/lock", s.handleLock)
	}
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics)
	}
	if s.cfg.Static != nil {
		mux.Handle("/", http.FileServer(http.FS(s.cfg.Static)))
	}
	return mux
}

// Start serves until Stop. It returns http.ErrServerClosed after a clean
// stop.
func (s *Server) Start() error {
	s.logger.Info("server starting", "addr", s.cfg.ListenAddr)
	return s.http.ListenAndServe()
}

// Stop closes every client and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.clientsMu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clientsMu.Unlock()
	return s.http.Shutdown(ctx)
}

type statusResponse struct {
	Status  status.Snapshot      `json:"status"`
	Engine  *engine.State        `json:"engine,omitempty"`
	History []storage.Transition `json:"history,omitempty"`
	Clients int                  `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := statusResponse{Status: s.cfg.Status.Snapshot()}
	if st, err := s.cfg.Engine.State(ctx); err == nil {
		resp.Engine = &st
	} else {
		s.logger.Warn("engine state unavailable", "err", err)
	}
	if s.cfg.History != nil {
		hist, err := s.cfg.History.History(ctx, 20)
		if err != nil {
			s.logger.Warn("lock history unavailable", "err", err)
		}
		resp.History = hist
	}
	s.clientsMu.RLock()
	resp.Clients = len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("status encode failed", "err", err)
	}
}

type lockRequest struct {
	Locked *bool `json:"locked"`
}

// handleLock sets the simulated lock line. The sensor poller reports the
// edge to the engine on its next sample.
func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Locked == nil {
		http.Error(w, `body must be {"locked": true|false}`, http.StatusBadRequest)
		return
	}
	s.cfg.Lock.Set(*req.Locked)
	s.logger.Info("lock line set", "locked", *req.Locked)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serveWS(ep endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade error", "err", err)
			return
		}

		client := &Client{
			conn:     conn,
			server:   s,
			endpoint: ep,
			send:     make(chan []byte, 256),
		}
		if ep == endpointRemote {
			client.session = uuid.New()
		}
		client.logger = s.logger.With("endpoint", ep.String(), "remote", r.RemoteAddr)

		s.clientsMu.Lock()
		s.clients[client] = true
		if ep == endpointRemote {
			s.destinations[client.session] = client
		}
		s.clientsMu.Unlock()

		go client.writePump()
		go client.readPump()

		client.sendStatus()

		if ep == endpointUI && s.cfg.Source != nil {
			if err := client.initWebRTC(); err != nil {
				client.logger.Warn("failed to initialize WebRTC", "err", err)
			}
		}
	}
}

// deliverRemote routes a reply to the remote session that sent the request.
// Replies for sessions that are gone are dropped.
func (s *Server) deliverRemote(session uuid.UUID, r dispatch.Reply) {
	s.clientsMu.RLock()
	client := s.destinations[session]
	s.clientsMu.RUnlock()
	if client == nil {
		s.logger.Debug("reply for closed session dropped", "session", session, "id", r.ID)
		return
	}
	client.sendMessage(protocol.TypeReply, r)
}

func (s *Server) remove(c *Client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	if c.endpoint == endpointRemote {
		delete(s.destinations, c.session)
	}
	s.clientsMu.Unlock()
}

func (c *Client) initWebRTC() error {
	session, err := preview.NewSession(c.server.cfg.Preview, func(candidate webrtc.ICECandidateInit) {
		payload := protocol.ICECandidatePayload{Candidate: candidate.Candidate}
		if candidate.SDPMid != nil {
			payload.SDPMid = *candidate.SDPMid
		}
		if candidate.SDPMLineIndex != nil {
			payload.SDPMLineIndex = *candidate.SDPMLineIndex
		}
		c.sendMessage(protocol.TypeICECandidate, payload)
	}, c.logger)
	if err != nil {
		return err
	}
	if err := session.AddH264Track(); err != nil {
		session.Close()
		return err
	}
	offer, err := session.CreateOffer()
	if err != nil {
		session.Close()
		return err
	}

	packets, cancel := c.server.cfg.Source.Hub().Subscribe(500)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		session.Close()
		return nil
	}
	c.webrtc = session
	c.stopRTP = cancel
	c.mu.Unlock()

	c.sendMessage(protocol.TypeOffer, protocol.SDPPayload{SDP: offer})

	go func() {
		if err := session.Forward(packets); err != nil {
			c.logger.Debug("preview forwarding stopped", "err", err)
		}
	}()
	return nil
}

func (c *Client) sendStatus() {
	snap := c.server.cfg.Status.Snapshot()
	st := protocol.StatusPayload{
		CameraConnected:   c.server.cfg.Source != nil && c.server.cfg.Source.Connected(),
		RTSPURL:           c.server.cfg.RTSPURL,
		ControlProtocol:   c.server.cfg.ControlProtocol,
		VideoProtocol:     "rtsp",
		Power:             snap.Power,
		LockControlStatus: snap.Lock,
	}
	if c.endpoint == endpointRemote {
		st.Session = c.session.String()
	}
	c.sendMessage(protocol.TypeStatus, st)
}

// sendMessage queues a message without blocking. It is safe to call after
// the client closed.
func (c *Client) sendMessage(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		c.logger.Error("failed to create message", "err", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping message", "type", msgType)
	}
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

func (c *Client) readPump() {
	defer func() {
		c.server.remove(c)
		c.Close()
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket error", "err", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(protocol.ErrInvalidMessage, "Failed to parse message")
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		var payload protocol.PingPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		c.sendMessage(protocol.TypePong, protocol.PongPayload{
			ClientTimestamp: payload.Timestamp,
			ServerTimestamp: time.Now().UnixMilli(),
		})

	case protocol.TypeAnswer:
		var payload protocol.SDPPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		if sess := c.rtc(); sess != nil {
			if err := sess.SetAnswer(payload.SDP); err != nil {
				c.logger.Warn("failed to set answer", "err", err)
			}
		}

	case protocol.TypeICECandidate:
		var payload protocol.ICECandidatePayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		if sess := c.rtc(); sess != nil {
			if err := sess.AddICECandidate(payload.Candidate, payload.SDPMid, payload.SDPMLineIndex); err != nil {
				c.logger.Warn("failed to add ICE candidate", "err", err)
			}
		}

	case protocol.TypeCommand:
		var payload protocol.CommandPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(protocol.ErrInvalidMessage, "Failed to parse command")
			return
		}
		c.handleCommand(payload)

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

func (c *Client) handleCommand(cmd protocol.CommandPayload) {
	p, err := cmd.Decode()
	if err != nil {
		c.refuse(cmd, protocol.ErrInvalidCommand, err)
		return
	}

	req := dispatch.Request{Payload: p}
	switch c.endpoint {
	case endpointUI:
		req.Origin = dispatch.UIOneWay{}
	case endpointBridge:
		req.Origin = dispatch.ProtocolBridge{
			CorrelationID: cmd.ID,
			AckSupported:  cmd.Ack,
			ReplyTo:       dispatch.SinkFunc(c.deliver),
		}
	case endpointRemote:
		session, srv := c.session, c.server
		req.Origin = dispatch.RemoteTwoWay{
			SeqID: cmd.ID,
			ReplyTo: dispatch.SinkFunc(func(r dispatch.Reply) {
				srv.deliverRemote(session, r)
			}),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.server.cfg.Engine.Submit(ctx, req); err != nil {
		if errors.Is(err, engine.ErrStopped) {
			err = errors.New("control plane stopped")
		}
		c.refuse(cmd, protocol.ErrUnavailable, err)
	}
}

// refuse answers a command that never reached the dispatcher. UI clients get
// an error frame; bridge and remote callers get a reply carrying their id so
// nothing waits on it forever.
func (c *Client) refuse(cmd protocol.CommandPayload, code string, err error) {
	r := dispatch.Reply{Kind: dispatch.ReplyCompletion, ID: cmd.ID, Command: cmd.Command, Code: ptz.CodeExec, Message: err.Error()}
	switch c.endpoint {
	case endpointBridge:
		if cmd.Ack {
			r.Kind = dispatch.ReplyNack
		}
		c.deliver(r)
	case endpointRemote:
		c.server.deliverRemote(c.session, r)
	default:
		c.sendError(code, err.Error())
	}
}

func (c *Client) rtc() *preview.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webrtc
}

func (c *Client) deliver(r dispatch.Reply) {
	c.sendMessage(protocol.TypeReply, r)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.stopRTP != nil {
		c.stopRTP()
	}
	if c.webrtc != nil {
		c.webrtc.Close()
		c.webrtc = nil
	}
	close(c.send)
}
