package rtc

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pion/rtp"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

const (
	opusFrame       = 20 * time.Millisecond
	opusPayloadType = 111
	// samples per 20ms frame at 48kHz
	opusFrameSamples = 960
)

// opusSilence is a single Opus DTX silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// PlaySilence writes Opus silence to an audio track every 20ms until ctx is
// done. It keeps a headless peer's outbound audio flowing.
func PlaySilence(ctx context.Context, t *LocalTrack) error {
	if t.Kind() != domain.TrackAudio {
		return ErrUnsupportedTrack
	}
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: uint16(rand.Uint32()),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
		},
		Payload: opusSilence,
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.WriteRTP(pkt); err != nil {
				return err
			}
			pkt.SequenceNumber++
			pkt.Timestamp += opusFrameSamples
		}
	}
}
