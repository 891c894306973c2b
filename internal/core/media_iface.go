package core

import "github.com/dkeye/VoiceMesh/internal/domain"

// Track is a handle to a local media track. Adapters decide what backs it.
type Track interface {
	ID() string
	Kind() domain.TrackKind
}

// RemoteTrack is a track received from a peer. Stop releases it for good.
type RemoteTrack interface {
	ID() string
	Kind() domain.TrackKind
	Stop() error
}

// Sender is the outbound slot for one track kind on a connection.
type Sender interface {
	Track() Track
	// ReplaceTrack swaps the outgoing track in place, no renegotiation. nil stops sending.
	ReplaceTrack(Track) error
}

// MediaConnection is the transport-layer peer connection a session drives.
// Every method may block on I/O.
type MediaConnection interface {
	CreateOffer() (domain.Description, error)
	CreateAnswer() (domain.Description, error)
	SetLocalDescription(domain.Description) error
	SetRemoteDescription(domain.Description) error
	AddICECandidate(domain.Candidate) error
	AddTrack(Track) (Sender, error)

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(domain.Candidate))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	// OnFailed sets a callback for terminal connection failure.
	OnFailed(func(error))
	// Close should stop all underlying media resources.
	Close() error
}

// ConnectionFactory builds one MediaConnection per remote peer.
type ConnectionFactory func(remote domain.PeerID) (MediaConnection, error)

// TrackChange is a forward-looking local track event. Track is nil when the kind went away.
type TrackChange struct {
	Kind  domain.TrackKind
	Track Track
}

// LocalMediaSource is owned by the host; the mesh only reads it.
type LocalMediaSource interface {
	CurrentTracks() map[domain.TrackKind]Track
	Changes() <-chan TrackChange
}
