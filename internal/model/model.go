// Package model defines the boundary to the TTS inference engine. The
// serving path only ever sees these interfaces; the engine's internals
// (tokenization, prompt windows, silence trimming) live behind them.
package model

import "context"

const (
	// SampleRate is the output rate every engine is expected to produce.
	SampleRate = 24000
	// ChannelCount of the produced audio.
	ChannelCount = 1
)

// Model creates synthesis sessions.
type Model interface {
	// CreateSession opens a synthesis stream for one logical session. The
	// returned handle is owned by a single session handler.
	CreateSession(ctx context.Context, sessionID, voice string) (SessionHandle, error)
}

// SessionHandle is one synthesis stream. PushText and EOS feed input; Frames
// yields PCM16LE chunks and is closed by the engine after the final chunk
// once EOS has been consumed, or when the session is closed early.
type SessionHandle interface {
	PushText(text string)
	EOS()
	Frames() <-chan []byte
	Close() error
}
