package model

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectFrames(t *testing.T, h SessionHandle) [][]byte {
	t.Helper()
	var frames [][]byte
	timeout := time.After(5 * time.Second)
	for {
		select {
		case frame, ok := <-h.Frames():
			if !ok {
				return frames
			}
			frames = append(frames, frame)
		case <-timeout:
			t.Fatal("timed out waiting for frames")
		}
	}
}

func TestMockModelSynthesizesPerSentence(t *testing.T) {
	m := NewMockModel()
	h, err := m.CreateSession(context.Background(), "s1", "tara")
	require.NoError(t, err)

	h.PushText("Hello there. And a")
	h.PushText(" second sentence")
	h.EOS()

	frames := collectFrames(t, h)
	require.Len(t, frames, 2)
	assert.Equal(t, 2*samplesPerRune*len([]rune("Hello there.")), len(frames[0]))
	assert.NotEmpty(t, frames[1])
}

func TestMockModelPushAfterEOSIsIgnored(t *testing.T) {
	m := NewMockModel()
	h, err := m.CreateSession(context.Background(), "s1", "tara")
	require.NoError(t, err)

	h.PushText("Only sentence.")
	h.EOS()
	h.PushText("trailing text the stream should forgive")
	h.EOS()

	frames := collectFrames(t, h)
	assert.Len(t, frames, 1)
}

func TestMockModelCloseStopsProduction(t *testing.T) {
	m := NewMockModel()
	h, err := m.CreateSession(context.Background(), "s1", "tara")
	require.NoError(t, err)

	require.NoError(t, h.Close())
	// Frames must terminate without EOS ever being signaled.
	collectFrames(t, h)

	// Pushing into a closed session must not block or panic.
	h.PushText("late")
}
