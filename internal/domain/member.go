package domain

// Member represents a peer's participation meta for a relay room.
// No transport or lifecycle logic here.
type Member struct {
	ID   PeerID
	Room RoomID
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(id PeerID) *Member {
	return &Member{ID: id}
}
