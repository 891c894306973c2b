package domain

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// TrackKinds lists kinds in the order senders are attached.
var TrackKinds = []TrackKind{TrackAudio, TrackVideo}

func (k TrackKind) Valid() bool {
	return k == TrackAudio || k == TrackVideo
}

type DescriptionKind string

const (
	DescriptionOffer  DescriptionKind = "offer"
	DescriptionAnswer DescriptionKind = "answer"
	// DescriptionRollback discards a pending local offer. Never sent to a peer.
	DescriptionRollback DescriptionKind = "rollback"
)

// Description is an opaque SDP blob tagged with its role in the exchange.
type Description struct {
	SDP  string
	Kind DescriptionKind
}

// Candidate is an opaque ICE candidate line plus the optional media binding.
type Candidate struct {
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}
