package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/inconshreveable/log15"
	"golang.org/x/sync/singleflight"

	"github.com/voicemesh/voicemesh/internal/wire"
)

// internalPath is the peer-hop endpoint on every worker. Connections
// arriving there are flagged internal, which disables re-forwarding.
const internalPath = "/internal/ws"

// upstreamFrame is one peer frame delivered to a lease: the raw bytes to
// pipe back verbatim plus the parsed payload for terminal detection.
type upstreamFrame struct {
	raw     []byte
	payload wire.ReceivePayload
}

// Lease routes one forwarded session through a shared upstream connection.
// It holds only the pool and the peer URL, never the connection itself, so
// a dangling lease cannot extend the connection's lifetime.
type Lease struct {
	sessionID string
	url       string
	pool      *UpstreamPool

	recv chan upstreamFrame
	// gone aborts pending deliveries once the lease is released.
	gone     chan struct{}
	goneOnce sync.Once
}

// Recv yields peer frames for this session, in peer emission order. The
// channel is closed when the upstream transport dies or the pool shuts
// down; a released lease simply stops receiving.
func (l *Lease) Recv() <-chan upstreamFrame {
	return l.recv
}

// Send forwards one already-encoded SendMessage frame to the peer.
func (l *Lease) Send(raw []byte) error {
	c := l.pool.live(l.url)
	if c == nil {
		return ErrUpstreamGone{Context: UpstreamGoneContext{URL: l.url}}
	}
	return c.write(raw)
}

// Release detaches the lease from the shared connection. Idempotent; safe
// to call after the connection already died.
func (l *Lease) Release() {
	l.goneOnce.Do(func() { close(l.gone) })
	if c := l.pool.live(l.url); c != nil {
		c.removeLease(l.sessionID)
	}
}

// UpstreamPool owns the outbound connections to peer workers: at most one
// live connection per peer URL, shared by every forwarded session headed
// there.
type UpstreamPool struct {
	password string
	dialer   *websocket.Dialer
	// dials collapses concurrent lease requests for one URL into a single
	// dial.
	dials singleflight.Group

	mu     sync.Mutex
	closed bool
	conns  map[string]*upstreamConn

	log.Logger
}

// NewUpstreamPool creates an empty pool. password, when non-empty, is sent
// as a bearer token on every dial.
func NewUpstreamPool(password string, logger log.Logger) *UpstreamPool {
	return &UpstreamPool{
		password: password,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		conns:    make(map[string]*upstreamConn),
		Logger:   logger.New("obj", "upstream"),
	}
}

// Lease attaches sessionID to the shared connection for peerURL, dialing it
// if needed. peerURL is the peer's advertised base URL.
func (p *UpstreamPool) Lease(sessionID, peerURL string) (*Lease, error) {
	c, err := p.getOrDial(peerURL)
	if err != nil {
		return nil, err
	}
	lease := &Lease{
		sessionID: sessionID,
		url:       peerURL,
		pool:      p,
		recv:      make(chan upstreamFrame, 64),
		gone:      make(chan struct{}),
	}
	if err := c.addLease(lease); err != nil {
		return nil, err
	}
	return lease, nil
}

// Close tears down every upstream connection. Leases see their receive
// channels close as the read loops exit.
func (p *UpstreamPool) Close() {
	p.mu.Lock()
	p.closed = true
	conns := make([]*upstreamConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

func (p *UpstreamPool) live(url string) *upstreamConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conns[url]
	if c == nil {
		return nil
	}
	c.mu.Lock()
	dead := c.dead
	c.mu.Unlock()
	if dead {
		return nil
	}
	return c
}

func (p *UpstreamPool) getOrDial(url string) (*upstreamConn, error) {
	if c := p.live(url); c != nil {
		return c, nil
	}
	v, err, _ := p.dials.Do(url, func() (any, error) {
		if c := p.live(url); c != nil {
			return c, nil
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, ErrUpstreamDial{Context: UpstreamDialContext{URL: url}}
		}
		header := http.Header{}
		if p.password != "" {
			header.Set("Authorization", "Bearer "+p.password)
		}
		ws, resp, err := p.dialer.Dial(url+internalPath, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, ErrUpstreamDial{Inner: err, Context: UpstreamDialContext{URL: url}}
		}
		c := &upstreamConn{
			url:    url,
			ws:     ws,
			leases: make(map[string]*Lease),
			Logger: p.Logger.New("peer", url),
		}
		p.mu.Lock()
		p.conns[url] = c
		p.mu.Unlock()
		go c.readLoop(p)
		p.Info("upstream connection established", "url", url)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*upstreamConn), nil
}

func (p *UpstreamPool) drop(c *upstreamConn) {
	p.mu.Lock()
	if p.conns[c.url] == c {
		delete(p.conns, c.url)
	}
	p.mu.Unlock()
}

// upstreamConn is the single shared transport to one peer URL.
type upstreamConn struct {
	url string
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	dead   bool
	leases map[string]*Lease

	log.Logger
}

func (c *upstreamConn) write(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, raw)
}

func (c *upstreamConn) addLease(l *Lease) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return ErrUpstreamGone{Context: UpstreamGoneContext{URL: c.url}}
	}
	if _, exists := c.leases[l.sessionID]; exists {
		return ErrSessionLeased{Context: SessionLeasedContext{SessionID: l.sessionID}}
	}
	c.leases[l.sessionID] = l
	return nil
}

func (c *upstreamConn) removeLease(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.leases, sessionID)
}

// readLoop demultiplexes peer frames to leases by session id. It is the
// only sender on lease channels, so it alone closes them when the
// transport dies.
func (c *upstreamConn) readLoop(p *UpstreamPool) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Info("upstream connection closed", "err", err)
			break
		}
		msg, err := wire.ParseReceiveMessage(data)
		if err != nil {
			c.Error("malformed frame from peer, dropping connection", "err", err)
			break
		}
		c.mu.Lock()
		l := c.leases[msg.Session]
		c.mu.Unlock()
		if l == nil {
			c.Warn("frame for unknown session, dropping", "session", msg.Session)
			continue
		}
		select {
		case l.recv <- upstreamFrame{raw: data, payload: msg.Payload}:
		case <-l.gone:
		}
	}

	p.drop(c)
	c.mu.Lock()
	c.dead = true
	leases := c.leases
	c.leases = nil
	c.mu.Unlock()
	for _, l := range leases {
		close(l.recv)
	}
	c.ws.Close()
}
