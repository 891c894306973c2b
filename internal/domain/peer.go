// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxPeerIDLen = 36

var (
	ErrPeerIDTooLong = errors.New("peer id too long")
	ErrPeerIDEmpty   = errors.New("peer id empty")
)

// PeerID identifies a participant inside a room.
type PeerID string

// NewPeerID is a tiny helper to avoid ad-hoc uuid calls in adapters.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

func ParsePeerID(raw string) (PeerID, error) {
	if len(raw) == 0 {
		return "", ErrPeerIDEmpty
	}
	if len(raw) > MaxPeerIDLen {
		return "", ErrPeerIDTooLong
	}
	return PeerID(raw), nil
}

// Role is fixed when a session is created and decides who sends the first offer.
type Role int

const (
	RoleAnswerer Role = iota
	RoleOfferer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	}
	return "unknown"
}

type NegotiationState int32

const (
	StateNew NegotiationState = iota
	StateOfferSent
	StateOfferReceived
	StateStable
	StateClosed
)

func (s NegotiationState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Pending reports whether a negotiation round is in flight.
func (s NegotiationState) Pending() bool {
	return s == StateOfferSent || s == StateOfferReceived
}
