package model

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/voicemesh/voicemesh/internal/textseg"
)

// samplesPerRune keeps mock audio length proportional to the input text.
const samplesPerRune = 120

// NewMockModel returns an engine that synthesizes deterministic PCM16LE
// frames, one frame per completed sentence. It exists for tests and for
// running a worker without model weights.
func NewMockModel() Model {
	return &mockModel{}
}

type mockModel struct{}

func (m *mockModel) CreateSession(ctx context.Context, sessionID, voice string) (SessionHandle, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &mockSession{
		voice:  voice,
		input:  make(chan string, 64),
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.run(ctx)
	return s, nil
}

type mockSession struct {
	voice  string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	eos    bool
	input  chan string
	frames chan []byte
}

func (s *mockSession) PushText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eos {
		return
	}
	select {
	case s.input <- text:
	case <-s.done:
	}
}

func (s *mockSession) EOS() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eos {
		return
	}
	s.eos = true
	close(s.input)
}

func (s *mockSession) Frames() <-chan []byte {
	return s.frames
}

func (s *mockSession) Close() error {
	s.cancel()
	return nil
}

func (s *mockSession) run(ctx context.Context) {
	defer close(s.frames)
	defer close(s.done)
	splitter := textseg.NewSplitter()
	emit := func(sentences []string) bool {
		for _, sentence := range sentences {
			select {
			case s.frames <- synthesize(sentence):
			case <-ctx.Done():
				return false
			}
		}
		return true
	}
	for {
		select {
		case text, ok := <-s.input:
			if !ok {
				emit(splitter.EOS())
				return
			}
			if !emit(splitter.Push(text)) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// synthesize renders one sentence as a low-amplitude sawtooth wave so the
// output is deterministic and recognizably non-silent.
func synthesize(sentence string) []byte {
	samples := samplesPerRune * len([]rune(sentence))
	buf := make([]byte, 2*samples)
	for i := 0; i < samples; i++ {
		v := int16((i%64 - 32) * 128)
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}
