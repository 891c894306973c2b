package app

import "github.com/dkeye/VoiceMesh/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose outbound queue is full.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
}

// SimplePolicy kicks slow members; a peer that misses signaling cannot
// negotiate anyway.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction {
	return KickMember
}

// LenientPolicy drops the frame and keeps the member.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction {
	return DropFrame
}

// PolicyByName maps the backpressure setting ("kick" or "drop") to a Policy.
func PolicyByName(name string) Policy {
	if name == "drop" {
		return LenientPolicy{}
	}
	return SimplePolicy{}
}
