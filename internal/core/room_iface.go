package core

import (
	"errors"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

var ErrNotMember = errors.New("not a room member")

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the core-facing API of a relay room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	Members() []domain.PeerID
	Has(id domain.PeerID) bool

	AddMember(ms MemberSession)
	RemoveMember(id domain.PeerID) bool
	Broadcast(from domain.PeerID, data Frame) PublishResult
	SendTo(to domain.PeerID, data Frame) error
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}

type RoomManager interface {
	GetOrCreate(id domain.RoomID) RoomService
	GetRoom(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
}
