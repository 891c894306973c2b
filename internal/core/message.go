package core

import "github.com/dkeye/VoiceMesh/internal/domain"

type Op string

const (
	OpJoin   Op = "join"
	OpLeave  Op = "leave"
	OpRoster Op = "roster"
	OpJoined Op = "joined"
	OpLeft   Op = "left"
	OpSignal Op = "signal"
	OpPing   Op = "ping"
	OpPong   Op = "pong"
	OpError  Op = "error"
)

// Message is the relay envelope. Which fields are set depends on Op.
type Message struct {
	Op      Op              `json:"op" msgpack:"op"`
	Room    domain.RoomID   `json:"room,omitempty" msgpack:"room,omitempty"`
	Members []domain.PeerID `json:"members,omitempty" msgpack:"members,omitempty"`
	Member  domain.PeerID   `json:"member,omitempty" msgpack:"member,omitempty"`
	To      domain.PeerID   `json:"to,omitempty" msgpack:"to,omitempty"`
	From    domain.PeerID   `json:"from,omitempty" msgpack:"from,omitempty"`
	Body    *SignalBody     `json:"body,omitempty" msgpack:"body,omitempty"`
	Error   string          `json:"error,omitempty" msgpack:"error,omitempty"`
}

// SignalBody carries a description ({sdp, kind}), a candidate ({candidate, ...})
// or a request for a fresh offer ({renegotiate: true}) sent by the answering side.
type SignalBody struct {
	SDP  string                 `json:"sdp,omitempty" msgpack:"sdp,omitempty"`
	Kind domain.DescriptionKind `json:"kind,omitempty" msgpack:"kind,omitempty"`

	Candidate        string  `json:"candidate,omitempty" msgpack:"candidate,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty" msgpack:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" msgpack:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" msgpack:"usernameFragment,omitempty"`

	Renegotiate bool `json:"renegotiate,omitempty" msgpack:"renegotiate,omitempty"`
}

func DescriptionBody(d domain.Description) *SignalBody {
	return &SignalBody{SDP: d.SDP, Kind: d.Kind}
}

func CandidateBody(c domain.Candidate) *SignalBody {
	return &SignalBody{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// RenegotiateBody asks the offering side for a new offer.
func RenegotiateBody() *SignalBody {
	return &SignalBody{Renegotiate: true}
}

func (b *SignalBody) IsDescription() bool { return b != nil && b.Kind != "" }
func (b *SignalBody) IsCandidate() bool   { return b != nil && b.Kind == "" && b.Candidate != "" }
func (b *SignalBody) IsRenegotiate() bool {
	return b != nil && b.Renegotiate && b.Kind == "" && b.Candidate == ""
}

func (b *SignalBody) Description() domain.Description {
	return domain.Description{SDP: b.SDP, Kind: b.Kind}
}

func (b *SignalBody) ICECandidate() domain.Candidate {
	return domain.Candidate{
		Candidate:        b.Candidate,
		SDPMid:           b.SDPMid,
		SDPMLineIndex:    b.SDPMLineIndex,
		UsernameFragment: b.UsernameFragment,
	}
}
