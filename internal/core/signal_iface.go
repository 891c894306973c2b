package core

import "context"

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalChannel is the client side of the relay: addressed messages out,
// per-sender ordered messages in.
type SignalChannel interface {
	Send(ctx context.Context, msg Message) error
	// Subscribe delivers received messages until ctx is done or the transport closes;
	// the returned channel is closed afterwards.
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// Codec turns messages into frames and back.
type Codec interface {
	Name() string
	Encode(Message) (Frame, error)
	Decode(Frame, *Message) error
	// Binary reports whether frames must travel as binary websocket messages.
	Binary() bool
}
