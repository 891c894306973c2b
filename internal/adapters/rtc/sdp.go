package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

var ErrMalformedDescription = errors.New("rtc: malformed session description")

// ValidateDescription parses d before it reaches the PeerConnection so a
// broken payload is reported as such instead of as a state error.
func ValidateDescription(d domain.Description) error {
	_, err := parse(d)
	return err
}

// MediaKinds counts the media sections of d per track kind.
func MediaKinds(d domain.Description) (map[domain.TrackKind]int, error) {
	parsed, err := parse(d)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.TrackKind]int)
	for _, m := range parsed.MediaDescriptions {
		kind := domain.TrackKind(m.MediaName.Media)
		if kind.Valid() {
			out[kind]++
		}
	}
	return out, nil
}

func parse(d domain.Description) (*sdp.SessionDescription, error) {
	if d.Kind != domain.DescriptionOffer && d.Kind != domain.DescriptionAnswer {
		return nil, fmt.Errorf("%w: kind %q", ErrMalformedDescription, d.Kind)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}
	return &parsed, nil
}
