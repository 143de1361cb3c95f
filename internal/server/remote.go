package server

import (
	"sync"

	log "github.com/inconshreveable/log15"

	"github.com/voicemesh/voicemesh/internal/wire"
)

// remoteSession pipes one session through a lease on the upstream pool. The
// peer runs the model and the timers; this side only forwards frames both
// ways and translates transport loss into a terminal error.
type remoteSession struct {
	id     string
	writer frameWriter
	lease  *Lease

	gate terminalGate

	// input carries raw SendMessage frames to forward upstream.
	input     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	log.Logger
}

func newRemoteSession(id string, w frameWriter, lease *Lease, logger log.Logger) *remoteSession {
	return &remoteSession{
		id:     id,
		writer: w,
		lease:  lease,
		input:  make(chan []byte, inputQueueDepth),
		done:   make(chan struct{}),
		Logger: logger.New("session", id, "kind", "remote"),
	}
}

func (s *remoteSession) handleFrame(msg *wire.SendMessage, raw []byte) {
	select {
	case s.input <- raw:
	case <-s.done:
	}
}

func (s *remoteSession) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *remoteSession) run() {
	defer s.lease.Release()
	defer s.close()

	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		s.forwardInput()
	}()

	transportLost := false
recv:
	for {
		select {
		case <-s.done:
			// The owning connection is shutting the session down.
			break recv
		case frame, ok := <-s.lease.Recv():
			if !ok {
				transportLost = true
				break recv
			}
			switch frame.payload.(type) {
			case wire.Finished, wire.Error:
				s.gate.sendTerminal(s.writer, frame.raw)
				break recv
			default:
				if !s.gate.send(s.writer, frame.raw) {
					break recv
				}
			}
		}
	}

	if transportLost && !s.gate.terminated() {
		s.Warn("upstream transport lost mid-session")
		msg := wire.ReceiveMessage{Session: s.id, Payload: wire.Error{Message: msgUpstreamFailure}}
		s.gate.sendTerminal(s.writer, msg.Marshal())
	}
	s.close()
	pumps.Wait()
}

func (s *remoteSession) forwardInput() {
	for {
		select {
		case <-s.done:
			return
		case raw := <-s.input:
			if err := s.lease.Send(raw); err != nil {
				s.Warn("forwarding frame upstream", "err", err)
			}
		}
	}
}
