// Package wire implements the binary framing shared by the public client
// endpoint and the internal forwarding hop. Messages are protobuf-encoded
// with the field numbers frozen in tts.proto; encoding is done directly with
// protowire so the schema stays hand-auditable and free of codegen.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// AudioType identifies the sample encoding of an AudioData frame.
type AudioType uint32

const (
	AudioTypePCM16LE AudioType = 0
)

// SendPayload is the payload union of a client-to-worker frame. Exactly one
// concrete type is set per message.
type SendPayload interface {
	sendPayload()
}

// StartSession opens a new session on the worker.
type StartSession struct {
	Voice string
}

// PushText appends a text fragment to an open session.
type PushText struct {
	Text string
}

// Eos marks the end of input for a session.
type Eos struct{}

func (StartSession) sendPayload() {}
func (PushText) sendPayload()     {}
func (Eos) sendPayload()          {}

// SendMessage is one client-to-worker frame. Session is the routing key for
// the whole pipeline and is never rewritten on the forwarding hop.
type SendMessage struct {
	Session string
	Payload SendPayload
}

// ReceivePayload is the payload union of a worker-to-client frame.
type ReceivePayload interface {
	receivePayload()
}

// AudioData carries one chunk of synthesized audio.
type AudioData struct {
	Audio        []byte
	SampleRate   uint32
	ChannelCount uint32
	AudioType    AudioType
}

// Finished is the normal terminal frame for a session.
type Finished struct{}

// Error is the fatal terminal frame for a session, emitted at most once.
type Error struct {
	Message string
}

func (AudioData) receivePayload() {}
func (Finished) receivePayload()  {}
func (Error) receivePayload()     {}

// ReceiveMessage is one worker-to-client frame.
type ReceiveMessage struct {
	Session string
	Payload ReceivePayload
}

// ErrMissingPayload is returned when a decoded frame has no payload variant.
var ErrMissingPayload = errors.New("wire: frame has no payload")

// Field numbers from tts.proto.
const (
	fieldSession = 1

	fieldStartSession = 2
	fieldPushText     = 3
	fieldEos          = 4

	fieldAudioData = 2
	fieldFinished  = 3
	fieldError     = 4

	fieldVoice = 1
	fieldText  = 1

	fieldAudio        = 1
	fieldSampleRate   = 2
	fieldChannelCount = 3
	fieldAudioType    = 4

	fieldErrorMessage = 1
)

// Marshal encodes the message into protobuf wire format.
func (m *SendMessage) Marshal() []byte {
	b := appendSession(nil, m.Session)
	switch p := m.Payload.(type) {
	case StartSession:
		var sub []byte
		if p.Voice != "" {
			sub = protowire.AppendTag(sub, fieldVoice, protowire.BytesType)
			sub = protowire.AppendString(sub, p.Voice)
		}
		b = appendSubMessage(b, fieldStartSession, sub)
	case PushText:
		var sub []byte
		if p.Text != "" {
			sub = protowire.AppendTag(sub, fieldText, protowire.BytesType)
			sub = protowire.AppendString(sub, p.Text)
		}
		b = appendSubMessage(b, fieldPushText, sub)
	case Eos:
		b = appendSubMessage(b, fieldEos, nil)
	case nil:
		// leave payload unset; the receiver rejects it
	default:
		panic(fmt.Sprintf("wire: unknown send payload %T", p))
	}
	return b
}

// Marshal encodes the message into protobuf wire format.
func (m *ReceiveMessage) Marshal() []byte {
	b := appendSession(nil, m.Session)
	switch p := m.Payload.(type) {
	case AudioData:
		var sub []byte
		if len(p.Audio) > 0 {
			sub = protowire.AppendTag(sub, fieldAudio, protowire.BytesType)
			sub = protowire.AppendBytes(sub, p.Audio)
		}
		if p.SampleRate != 0 {
			sub = protowire.AppendTag(sub, fieldSampleRate, protowire.VarintType)
			sub = protowire.AppendVarint(sub, uint64(p.SampleRate))
		}
		if p.ChannelCount != 0 {
			sub = protowire.AppendTag(sub, fieldChannelCount, protowire.VarintType)
			sub = protowire.AppendVarint(sub, uint64(p.ChannelCount))
		}
		if p.AudioType != 0 {
			sub = protowire.AppendTag(sub, fieldAudioType, protowire.VarintType)
			sub = protowire.AppendVarint(sub, uint64(p.AudioType))
		}
		b = appendSubMessage(b, fieldAudioData, sub)
	case Finished:
		b = appendSubMessage(b, fieldFinished, nil)
	case Error:
		var sub []byte
		if p.Message != "" {
			sub = protowire.AppendTag(sub, fieldErrorMessage, protowire.BytesType)
			sub = protowire.AppendString(sub, p.Message)
		}
		b = appendSubMessage(b, fieldError, sub)
	case nil:
	default:
		panic(fmt.Sprintf("wire: unknown receive payload %T", p))
	}
	return b
}

func appendSession(b []byte, session string) []byte {
	if session == "" {
		return b
	}
	b = protowire.AppendTag(b, fieldSession, protowire.BytesType)
	return protowire.AppendString(b, session)
}

func appendSubMessage(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

// ParseSendMessage decodes one client-to-worker frame. Unknown fields are
// skipped; a frame without a payload variant fails with ErrMissingPayload.
func ParseSendMessage(b []byte) (*SendMessage, error) {
	m := &SendMessage{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch num {
		case fieldSession:
			m.Session = string(val)
		case fieldStartSession:
			var p StartSession
			if err := walkFields(val, func(n protowire.Number, _ protowire.Type, v []byte) error {
				if n == fieldVoice {
					p.Voice = string(v)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Payload = p
		case fieldPushText:
			var p PushText
			if err := walkFields(val, func(n protowire.Number, _ protowire.Type, v []byte) error {
				if n == fieldText {
					p.Text = string(v)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Payload = p
		case fieldEos:
			m.Payload = Eos{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Payload == nil {
		return nil, ErrMissingPayload
	}
	return m, nil
}

// ParseReceiveMessage decodes one worker-to-client frame.
func ParseReceiveMessage(b []byte) (*ReceiveMessage, error) {
	m := &ReceiveMessage{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, val []byte) error {
		switch num {
		case fieldSession:
			m.Session = string(val)
		case fieldAudioData:
			var p AudioData
			if err := walkAudioData(val, &p); err != nil {
				return err
			}
			m.Payload = p
		case fieldFinished:
			m.Payload = Finished{}
		case fieldError:
			var p Error
			if err := walkFields(val, func(n protowire.Number, _ protowire.Type, v []byte) error {
				if n == fieldErrorMessage {
					p.Message = string(v)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Payload = p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Payload == nil {
		return nil, ErrMissingPayload
	}
	return m, nil
}

func walkAudioData(b []byte, p *AudioData) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldAudio && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			p.Audio = append([]byte(nil), v...)
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			switch num {
			case fieldSampleRate:
				p.SampleRate = uint32(v)
			case fieldChannelCount:
				p.ChannelCount = uint32(v)
			case fieldAudioType:
				p.AudioType = AudioType(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// walkFields iterates the top-level fields of a message, handing
// length-delimited values to fn and skipping everything else.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, val []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		val, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		if err := fn(num, typ, val); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
