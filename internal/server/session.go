package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/inconshreveable/log15"

	"github.com/voicemesh/voicemesh/internal/model"
	"github.com/voicemesh/voicemesh/internal/wire"
)

// timerResolution bounds how late an inactivity timeout can fire.
const timerResolution = 250 * time.Millisecond

// sessionState tracks the observable lifecycle of a session.
type sessionState int32

const (
	stateOpening sessionState = iota
	stateStreaming
	stateEndOfInput
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateOpening:
		return "opening"
	case stateStreaming:
		return "streaming"
	case stateEndOfInput:
		return "end_of_input"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// sessionHandler is what the connection multiplexer holds per session id.
// handleFrame is called from the read loop and must only enqueue; run is
// the handler's task, executed in its own goroutine; close is idempotent
// and may be called from any goroutine.
type sessionHandler interface {
	handleFrame(msg *wire.SendMessage, raw []byte)
	run()
	close()
}

// frameWriter is the slice of the connection a handler may touch.
type frameWriter interface {
	writeFrame(raw []byte) error
}

// terminalGate serializes a session's outbound frames against its terminal:
// after the terminal frame is sent, nothing else leaves, in program order.
type terminalGate struct {
	mu   sync.Mutex
	done bool
}

// send writes a non-terminal frame unless the terminal was already sent.
func (g *terminalGate) send(w frameWriter, raw []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	_ = w.writeFrame(raw)
	return true
}

// sendTerminal writes the terminal frame exactly once.
func (g *terminalGate) sendTerminal(w frameWriter, raw []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return false
	}
	g.done = true
	_ = w.writeFrame(raw)
	return true
}

func (g *terminalGate) terminated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// localSession serves one session on the in-process model.
type localSession struct {
	id     string
	voice  string
	writer frameWriter
	mdl    model.Model
	health Health

	inputTimeout  time.Duration
	outputTimeout time.Duration

	state atomic.Int32
	gate  terminalGate

	// input carries PushText and Eos frames from the multiplexer; bounded
	// so a slow model applies backpressure to the read loop.
	input     chan *wire.SendMessage
	done      chan struct{}
	closeOnce sync.Once

	eos        atomic.Bool
	lastInput  atomic.Int64
	lastOutput atomic.Int64

	log.Logger
}

func newLocalSession(id, voice string, w frameWriter, mdl model.Model, health Health, cfg Config, logger log.Logger) *localSession {
	s := &localSession{
		id:            id,
		voice:         voice,
		writer:        w,
		mdl:           mdl,
		health:        health,
		inputTimeout:  cfg.SessionInputTimeout,
		outputTimeout: cfg.SessionOutputTimeout,
		input:         make(chan *wire.SendMessage, inputQueueDepth),
		done:          make(chan struct{}),
		Logger:        logger.New("session", id, "kind", "local"),
	}
	now := time.Now().UnixNano()
	s.lastInput.Store(now)
	s.lastOutput.Store(now)
	return s
}

func (s *localSession) handleFrame(msg *wire.SendMessage, raw []byte) {
	select {
	case s.input <- msg:
	case <-s.done:
	}
}

func (s *localSession) setState(st sessionState) {
	s.state.Store(int32(st))
	s.Debug("session state", "state", st)
}

func (s *localSession) close() {
	s.closeOnce.Do(func() {
		s.setState(stateClosed)
		close(s.done)
	})
}

// run opens the model session and pumps it until the producer finishes or
// the session dies. The local session slot was acquired by admission; it is
// released here exactly once, whatever path terminates the run.
func (s *localSession) run() {
	defer s.health.RemoveSession()
	defer s.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle, err := s.mdl.CreateSession(ctx, s.id, s.voice)
	if err != nil {
		s.Error("opening model session", "err", err)
		s.sendError(msgInternalError)
		return
	}
	defer handle.Close()
	s.setState(stateStreaming)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		s.feedModel(handle)
	}()
	go func() {
		defer pumps.Done()
		s.watchInactivity(ctx)
	}()

	for frame := range handle.Frames() {
		s.lastOutput.Store(time.Now().UnixNano())
		msg := wire.ReceiveMessage{
			Session: s.id,
			Payload: wire.AudioData{
				Audio:        frame,
				SampleRate:   model.SampleRate,
				ChannelCount: model.ChannelCount,
				AudioType:    wire.AudioTypePCM16LE,
			},
		}
		if !s.gate.send(s.writer, msg.Marshal()) {
			break
		}
	}

	finished := wire.ReceiveMessage{Session: s.id, Payload: wire.Finished{}}
	if s.gate.sendTerminal(s.writer, finished.Marshal()) {
		s.Debug("session finished")
	}
	s.close()
	pumps.Wait()
}

// feedModel consumes the input queue in arrival order.
func (s *localSession) feedModel(handle model.SessionHandle) {
	for {
		select {
		case <-s.done:
			handle.Close()
			return
		case msg := <-s.input:
			switch p := msg.Payload.(type) {
			case wire.PushText:
				if s.eos.Load() {
					s.Warn("discarding text after end of input")
					continue
				}
				s.lastInput.Store(time.Now().UnixNano())
				handle.PushText(p.Text)
			case wire.Eos:
				if s.eos.Swap(true) {
					continue
				}
				s.setState(stateEndOfInput)
				handle.EOS()
			default:
				s.Warn("unexpected frame for open session", "payload", p)
			}
		}
	}
}

// watchInactivity enforces the two session timers at timerResolution. The
// input timer is disarmed by Eos, the output timer by termination.
func (s *localSession) watchInactivity(ctx context.Context) {
	ticker := time.NewTicker(timerResolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
		now := time.Now()
		if !s.eos.Load() && now.Sub(time.Unix(0, s.lastInput.Load())) > s.inputTimeout {
			s.Warn("input inactivity timeout")
			s.sendError(msgInputInactivity)
			s.close()
			return
		}
		if now.Sub(time.Unix(0, s.lastOutput.Load())) > s.outputTimeout {
			s.Warn("output inactivity timeout")
			s.sendError(msgOutputTimeout)
			s.close()
			return
		}
	}
}

func (s *localSession) sendError(message string) {
	msg := wire.ReceiveMessage{Session: s.id, Payload: wire.Error{Message: message}}
	s.gate.sendTerminal(s.writer, msg.Marshal())
}
