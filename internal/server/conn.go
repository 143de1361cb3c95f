package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/inconshreveable/log15"
	logext "github.com/inconshreveable/log15/ext"

	"github.com/voicemesh/voicemesh/internal/model"
	"github.com/voicemesh/voicemesh/internal/wire"
)

const (
	// inputQueueDepth bounds each session's inbound queue. A full queue
	// makes the read loop wait on that session instead of dropping frames.
	inputQueueDepth = 64

	// shutdownGrace bounds how long a closing connection waits for its
	// session tasks.
	shutdownGrace = 5 * time.Second
)

// Conn multiplexes the sessions of one client (or peer) transport. The read
// loop demultiplexes inbound frames to per-session handlers; handlers write
// back through writeFrame, which serializes access to the transport.
type Conn struct {
	ws       *websocket.Conn
	internal bool

	cfg    Config
	health Health
	mdl    model.Model
	pool   *UpstreamPool

	writeMu sync.Mutex
	closed  atomic.Bool

	mu       sync.Mutex
	sessions map[string]sessionHandler
	tasks    sync.WaitGroup

	log.Logger
}

func newConn(ws *websocket.Conn, internal bool, cfg Config, health Health, mdl model.Model, pool *UpstreamPool, logger log.Logger) *Conn {
	return &Conn{
		ws:       ws,
		internal: internal,
		cfg:      cfg,
		health:   health,
		mdl:      mdl,
		pool:     pool,
		sessions: make(map[string]sessionHandler),
		Logger:   logger.New("obj", "conn", "id", logext.RandId(6), "internal", internal),
	}
}

// writeFrame sends one frame to the client. Safe for concurrent use by all
// session handlers; robust to an already-closed transport.
func (c *Conn) writeFrame(raw []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.ws.WriteMessage(websocket.BinaryMessage, raw)
	if err != nil {
		c.Debug("write to client failed", "err", err)
	}
	return err
}

func (c *Conn) sendSessionError(session, message string) {
	msg := wire.ReceiveMessage{Session: session, Payload: wire.Error{Message: message}}
	_ = c.writeFrame(msg.Marshal())
}

// run is the connection's read loop. It returns after the transport closes
// and every session task has been reaped.
func (c *Conn) run(ctx context.Context) {
	c.Info("connection open")
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Info("connection closed", "err", err)
			break
		}
		if mt != websocket.BinaryMessage {
			c.Warn("ignoring non-binary message", "type", mt)
			continue
		}
		msg, err := wire.ParseSendMessage(data)
		if err != nil {
			// Malformed framing is unrecoverable: drop the connection.
			c.Error("malformed frame, closing connection", "err", err)
			break
		}

		if _, ok := msg.Payload.(wire.StartSession); ok {
			c.handleStartSession(ctx, msg, data)
			continue
		}
		c.mu.Lock()
		h := c.sessions[msg.Session]
		c.mu.Unlock()
		if h == nil {
			c.Warn("frame for unknown session", "session", msg.Session)
			c.sendSessionError(msg.Session, msgSessionNotFound)
			continue
		}
		h.handleFrame(msg, data)
	}
	c.shutdown()
}

// handleStartSession runs the admission procedure: local when capacity
// allows, otherwise forwarded to the best-ranked peer, otherwise rejected.
// Only the originating session observes the outcome.
func (c *Conn) handleStartSession(ctx context.Context, msg *wire.SendMessage, raw []byte) {
	start := msg.Payload.(wire.StartSession)

	c.mu.Lock()
	_, exists := c.sessions[msg.Session]
	c.mu.Unlock()
	if exists {
		// Emitting Error here would read as a terminal for the live
		// session, so the duplicate is dropped instead.
		c.Warn("duplicate StartSession", "session", msg.Session)
		return
	}

	// The slot is acquired before any model work begins and released by the
	// handler task exactly once.
	if c.health.TryAddSession() {
		c.Info("starting local session", "session", msg.Session, "voice", start.Voice)
		s := newLocalSession(msg.Session, start.Voice, c, c.mdl, c.health, c.cfg, c.Logger)
		c.startSession(msg.Session, s)
		return
	}

	if c.internal {
		// This session was already forwarded once; forwarding again could
		// ping-pong across the fleet.
		c.Warn("no capacity on internal connection", "session", msg.Session)
		c.sendSessionError(msg.Session, msgNoCapacity)
		return
	}

	peers := c.health.AvailablePeers(ctx)
	if len(peers) == 0 {
		c.Warn("no forwarding candidates", "session", msg.Session)
		c.sendSessionError(msg.Session, msgNoCapacity)
		return
	}

	for _, peer := range peers {
		lease, err := c.pool.Lease(msg.Session, peer.URL)
		if err != nil {
			c.Warn("leasing upstream", "peer", peer.URL, "err", err)
			continue
		}
		if err := lease.Send(raw); err != nil {
			c.Warn("forwarding StartSession", "peer", peer.URL, "err", err)
			lease.Release()
			continue
		}
		c.Info("forwarding session", "session", msg.Session, "peer", peer.URL)
		s := newRemoteSession(msg.Session, c, lease, c.Logger)
		c.startSession(msg.Session, s)
		return
	}

	c.Warn("every forwarding candidate failed", "session", msg.Session)
	c.sendSessionError(msg.Session, msgNoCapacity)
}

func (c *Conn) startSession(id string, h sessionHandler) {
	c.mu.Lock()
	c.sessions[id] = h
	c.mu.Unlock()
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		h.run()
		c.mu.Lock()
		delete(c.sessions, id)
		c.mu.Unlock()
	}()
}

// shutdown closes every session and waits, bounded, for their tasks.
func (c *Conn) shutdown() {
	c.closed.Store(true)

	c.mu.Lock()
	handlers := make([]sessionHandler, 0, len(c.sessions))
	for _, h := range c.sessions {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h.close()
	}

	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		c.Warn("session tasks did not finish within grace period")
	}
	c.ws.Close()
}
