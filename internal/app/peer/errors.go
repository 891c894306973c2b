package peer

import (
	"errors"
	"fmt"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

var (
	ErrSessionClosed          = errors.New("session closed")
	ErrUnexpectedAnswer       = errors.New("answer without pending offer")
	ErrUnknownDescriptionKind = errors.New("unknown description kind")
	ErrEmptySignal            = errors.New("signal body carries neither description nor candidate")
	ErrNegotiationTimeout     = errors.New("negotiation timed out")
	ErrNotStarted             = errors.New("session not started")
	ErrNotOfferer             = errors.New("renegotiation requested from the answering side")
)

// NegotiationError is a description or candidate the connection layer refused.
// The session stays open; the error never leaves it.
type NegotiationError struct {
	Peer domain.PeerID
	Op   string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiate with %s: %s: %v", e.Peer, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}
