// Package codec encodes relay messages for the websocket transport.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dkeye/VoiceMesh/internal/core"
)

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// ByName returns the codec registered under name; empty means JSON.
func ByName(name string) (core.Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameMsgpack:
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

type JSON struct{}

func (JSON) Name() string { return NameJSON }
func (JSON) Binary() bool { return false }

func (JSON) Encode(msg core.Message) (core.Frame, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("codec: encode json: %w", err)
	}
	return b, nil
}

func (JSON) Decode(f core.Frame, msg *core.Message) error {
	if err := json.Unmarshal(f, msg); err != nil {
		return fmt.Errorf("codec: decode json: %w", err)
	}
	return nil
}

// Msgpack trades readability for smaller SDP frames; frames are binary.
type Msgpack struct{}

func (Msgpack) Name() string { return NameMsgpack }
func (Msgpack) Binary() bool { return true }

func (Msgpack) Encode(msg core.Message) (core.Frame, error) {
	b, err := msgpack.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("codec: encode msgpack: %w", err)
	}
	return b, nil
}

func (Msgpack) Decode(f core.Frame, msg *core.Message) error {
	if err := msgpack.Unmarshal(f, msg); err != nil {
		return fmt.Errorf("codec: decode msgpack: %w", err)
	}
	return nil
}
