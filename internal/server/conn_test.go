package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicemesh/voicemesh/internal/model"
	"github.com/voicemesh/voicemesh/internal/wire"
)

func testConfig() Config {
	return Config{
		MaxSessions:          1,
		SessionInputTimeout:  30 * time.Second,
		SessionOutputTimeout: 30 * time.Second,
	}
}

// newWorker spins up a worker on an httptest listener.
func newWorker(t *testing.T, cfg Config, health Health) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, health, model.NewMockModel(), discardLogger())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Pool().Close()
		hs.Close()
	})
	return s, hs
}

func wsBaseURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// testClient is a worker client that demultiplexes received frames into
// per-session inboxes.
type testClient struct {
	t  *testing.T
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	inboxes map[string]chan *wire.ReceiveMessage
}

func dialWorker(t *testing.T, srv *httptest.Server, path, password string) *testClient {
	t.Helper()
	header := http.Header{}
	if password != "" {
		header.Set("Authorization", "Bearer "+password)
	}
	ws, resp, err := websocket.DefaultDialer.Dial(wsBaseURL(srv)+path, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err)
	c := &testClient{t: t, ws: ws, inboxes: make(map[string]chan *wire.ReceiveMessage)}
	t.Cleanup(func() { ws.Close() })
	go c.readLoop()
	return c
}

func (c *testClient) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.ParseReceiveMessage(data)
		if err != nil {
			return
		}
		c.inbox(msg.Session) <- msg
	}
}

func (c *testClient) inbox(session string) chan *wire.ReceiveMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.inboxes[session]
	if !ok {
		ch = make(chan *wire.ReceiveMessage, 256)
		c.inboxes[session] = ch
	}
	return ch
}

func (c *testClient) send(msg wire.SendMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(c.t, c.ws.WriteMessage(websocket.BinaryMessage, msg.Marshal()))
}

func (c *testClient) start(session, voice string) {
	c.send(wire.SendMessage{Session: session, Payload: wire.StartSession{Voice: voice}})
}

func (c *testClient) push(session, text string) {
	c.send(wire.SendMessage{Session: session, Payload: wire.PushText{Text: text}})
}

func (c *testClient) eos(session string) {
	c.send(wire.SendMessage{Session: session, Payload: wire.Eos{}})
}

func (c *testClient) next(session string) *wire.ReceiveMessage {
	c.t.Helper()
	select {
	case msg := <-c.inbox(session):
		return msg
	case <-time.After(5 * time.Second):
		c.t.Fatalf("no frame for session %q", session)
		return nil
	}
}

// collect reads frames for session until a terminal arrives, returning the
// audio frames and the terminal payload.
func (c *testClient) collect(session string) ([]wire.AudioData, wire.ReceivePayload) {
	c.t.Helper()
	var audio []wire.AudioData
	for {
		msg := c.next(session)
		switch p := msg.Payload.(type) {
		case wire.AudioData:
			audio = append(audio, p)
		case wire.Finished, wire.Error:
			return audio, p
		default:
			c.t.Fatalf("unexpected payload %T", p)
		}
	}
}

// fakeHealth forces the admission path: no local capacity, a fixed peer
// list.
type fakeHealth struct {
	Health
	peers []wire.WorkerReport
}

func newFakeHealth(peers ...wire.WorkerReport) *fakeHealth {
	return &fakeHealth{
		Health: NewStandaloneHealth(Config{MaxSessions: 0}),
		peers:  peers,
	}
}

func (h *fakeHealth) AvailablePeers(context.Context) []wire.WorkerReport {
	return h.peers
}

func TestSingleSessionHappyPath(t *testing.T) {
	_, srv := newWorker(t, testConfig(), NewStandaloneHealth(testConfig()))
	client := dialWorker(t, srv, "/ws", "")

	client.start("s1", "tara")
	client.push("s1", "Hello, this is a test")
	client.eos("s1")

	audio, terminal := client.collect("s1")
	require.NotEmpty(t, audio)
	for _, a := range audio {
		assert.Equal(t, uint32(24000), a.SampleRate)
		assert.Equal(t, uint32(1), a.ChannelCount)
		assert.Equal(t, wire.AudioTypePCM16LE, a.AudioType)
		assert.NotEmpty(t, a.Audio)
	}
	assert.Equal(t, wire.Finished{}, terminal)
}

func TestUnknownSessionGetsErrorWithoutTearingDownConnection(t *testing.T) {
	_, srv := newWorker(t, testConfig(), NewStandaloneHealth(testConfig()))
	client := dialWorker(t, srv, "/ws", "")

	client.push("nope", "text for nobody")
	msg := client.next("nope")
	require.IsType(t, wire.Error{}, msg.Payload)
	assert.Equal(t, "Session not found", msg.Payload.(wire.Error).Message)

	// The connection is still healthy.
	client.start("s1", "tara")
	client.push("s1", "Still alive.")
	client.eos("s1")
	_, terminal := client.collect("s1")
	assert.Equal(t, wire.Finished{}, terminal)
}

func TestDuplicateStartSessionIsIgnored(t *testing.T) {
	_, srv := newWorker(t, testConfig(), NewStandaloneHealth(testConfig()))
	client := dialWorker(t, srv, "/ws", "")

	client.start("s1", "tara")
	client.start("s1", "leo")
	client.push("s1", "One voice only.")
	client.eos("s1")

	_, terminal := client.collect("s1")
	assert.Equal(t, wire.Finished{}, terminal)

	// No stray frames after the terminal.
	select {
	case msg := <-client.inbox("s1"):
		t.Fatalf("frame after terminal: %#v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestInputInactivityTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SessionInputTimeout = 500 * time.Millisecond
	health := NewStandaloneHealth(cfg)
	_, srv := newWorker(t, cfg, health)
	client := dialWorker(t, srv, "/ws", "")

	client.start("s1", "tara")
	client.push("s1", "and then silence")

	msg := client.next("s1")
	require.IsType(t, wire.Error{}, msg.Payload)
	assert.Equal(t, "Inactivity timeout", msg.Payload.(wire.Error).Message)

	// The session slot is released and the connection remains usable.
	require.Eventually(t, health.CanAcceptSession, 2*time.Second, 10*time.Millisecond)
	client.start("s2", "tara")
	client.push("s2", "A new session works.")
	client.eos("s2")
	_, terminal := client.collect("s2")
	assert.Equal(t, wire.Finished{}, terminal)
}

func TestOutputInactivityTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SessionOutputTimeout = 500 * time.Millisecond
	_, srv := newWorker(t, cfg, NewStandaloneHealth(cfg))
	client := dialWorker(t, srv, "/ws", "")

	client.start("s1", "tara")
	// No complete sentence: the model produces nothing and the output timer
	// fires.
	client.push("s1", "half a sentence")

	msg := client.next("s1")
	require.IsType(t, wire.Error{}, msg.Payload)
	assert.Equal(t, "Output timeout", msg.Payload.(wire.Error).Message)
}

func TestNoCapacityWithoutPeers(t *testing.T) {
	cfg := testConfig()
	health := NewStandaloneHealth(cfg)
	_, srv := newWorker(t, cfg, health)
	client := dialWorker(t, srv, "/ws", "")

	// s1 holds the only slot by never signaling Eos.
	client.start("s1", "tara")
	client.push("s1", "Keeping the slot busy.")
	require.Eventually(t, func() bool { return !health.CanAcceptSession() },
		2*time.Second, 10*time.Millisecond)

	client.start("s2", "tara")
	msg := client.next("s2")
	require.IsType(t, wire.Error{}, msg.Payload)
	assert.Equal(t, "No capacity", msg.Payload.(wire.Error).Message)

	// s1 is unaffected by s2's rejection.
	client.eos("s1")
	_, terminal := client.collect("s1")
	assert.Equal(t, wire.Finished{}, terminal)
}

func TestSessionSlotReleasedOnConnectionClose(t *testing.T) {
	cfg := testConfig()
	health := NewStandaloneHealth(cfg)
	_, srv := newWorker(t, cfg, health)
	client := dialWorker(t, srv, "/ws", "")

	client.start("s1", "tara")
	require.Eventually(t, func() bool { return !health.CanAcceptSession() },
		2*time.Second, 10*time.Millisecond)

	client.ws.Close()
	require.Eventually(t, health.CanAcceptSession, 5*time.Second, 10*time.Millisecond)
}

func TestOrderPreservationAcrossManyFrames(t *testing.T) {
	cfg := testConfig()
	_, srv := newWorker(t, cfg, NewStandaloneHealth(cfg))
	client := dialWorker(t, srv, "/ws", "")

	client.start("s1", "tara")
	// Sentences of strictly growing length; the mock's frame size is
	// proportional, so order is observable on the client.
	sentences := []string{"One.", "Two two.", "Three three three.", "Four four four four."}
	client.push("s1", strings.Join(sentences, " "))
	client.eos("s1")

	audio, terminal := client.collect("s1")
	assert.Equal(t, wire.Finished{}, terminal)
	require.Len(t, audio, len(sentences))
	for i := 1; i < len(audio); i++ {
		assert.Greater(t, len(audio[i].Audio), len(audio[i-1].Audio),
			"audio frames out of order")
	}
}
