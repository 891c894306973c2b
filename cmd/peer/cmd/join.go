package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/VoiceMesh/internal/adapters/codec"
	"github.com/dkeye/VoiceMesh/internal/adapters/rtc"
	wssignal "github.com/dkeye/VoiceMesh/internal/adapters/signal"
	"github.com/dkeye/VoiceMesh/internal/app/media"
	"github.com/dkeye/VoiceMesh/internal/app/mesh"
	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

// flag name by config key
var joinBindings = map[string]string{
	"signal.url":          "signal",
	"peer.id":             "id",
	"peer.room":           "room",
	"peer.audio":          "audio",
	"peer.video":          "video",
	"codec":               "codec",
	"log_level":           "log-level",
	"negotiation.timeout": "timeout",
	"ice.force_relay":     "relay",
	"ice.stun_servers":    "stun",
	"ice.turn_servers":    "turn",
	"ice.username":        "turn-user",
	"ice.credential":      "turn-pass",
}

var joinCmd = &cobra.Command{
	Use:   "join [room]",
	Short: "Join a room and stay until interrupted",
	Long: `Join a room and keep a WebRTC connection to every member until interrupted.

Examples:
  voicemesh-peer join standup
  voicemesh-peer join --signal ws://relay:8080/api/ws/signal --video retro`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithFlags(cmd.Flags(), joinBindings)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			cfg.Peer.Room = args[0]
		}
		zerolog.SetGlobalLevel(cfg.Level())
		return runJoin(cmd.Context(), cfg)
	},
}

func init() {
	f := joinCmd.Flags()
	f.String("signal", "", "relay websocket URL")
	f.String("id", "", "peer id (random when empty)")
	f.String("room", "", "room to join")
	f.Bool("audio", true, "publish an audio track")
	f.Bool("video", false, "publish an idle video track")
	f.String("codec", "", "wire codec: json or msgpack")
	f.String("log-level", "", "log level")
	f.Duration("timeout", 0, "negotiation timeout, 0 disables")
	f.Bool("relay", false, "force TURN relay")
	f.StringSlice("stun", nil, "STUN server URLs")
	f.StringSlice("turn", nil, "TURN server URLs")
	f.String("turn-user", "", "TURN username")
	f.String("turn-pass", "", "TURN password")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(ctx context.Context, cfg *config.Config) error {
	self := domain.NewPeerID()
	if cfg.Peer.ID != "" {
		id, err := domain.ParsePeerID(cfg.Peer.ID)
		if err != nil {
			return err
		}
		self = id
	}
	room, err := domain.ParseRoomID(cfg.Peer.Room)
	if err != nil {
		return err
	}
	wire, err := codec.ByName(cfg.Codec)
	if err != nil {
		return err
	}

	client, err := wssignal.Dial(ctx, cfg.Signal.URL, self, wire, wssignal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	tracks, err := localTracks(self, cfg.Peer)
	if err != nil {
		return err
	}
	source := media.NewSource(tracks...)

	received := &remoteTracks{}
	coord := mesh.New(mesh.Options{
		Self:               self,
		Channel:            client,
		Connections:        rtc.NewFactory(rtc.Configuration(cfg.ICE)),
		NegotiationTimeout: cfg.Negotiation.Timeout,
		OnRemoteTrack:      received.add,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	coord.WatchMedia(ctx, source)
	for _, t := range tracks {
		if lt, ok := t.(*rtc.LocalTrack); ok && lt.Kind() == domain.TrackAudio {
			go func() {
				if err := rtc.PlaySilence(ctx, lt); err != nil {
					log.Warn().Err(err).Str("module", "cmd.peer").Msg("audio generator stopped")
				}
			}()
		}
	}

	if err := coord.JoinRoom(ctx, room); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	log.Info().Str("module", "cmd.peer").Str("peer", string(self)).Str("room", string(room)).Msg("in room")

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 3*time.Second)
			coord.Close(leaveCtx)
			leaveCancel()
			received.report()
			return nil
		case <-client.Done():
			coord.Close(context.Background())
			received.report()
			return wssignal.ErrClosed
		case <-ticker.C:
			for _, s := range coord.Sessions() {
				log.Info().Str("module", "cmd.peer").Str("peer", string(s.ID())).
					Str("role", s.Role().String()).Str("state", s.State().String()).
					Int("remote_tracks", len(s.RemoteTracks())).Msg("session")
			}
		}
	}
}

func localTracks(self domain.PeerID, cfg config.PeerConfig) ([]core.Track, error) {
	var out []core.Track
	if cfg.Audio {
		mic, err := rtc.NewLocalTrack(domain.TrackAudio, "audio-"+string(self), string(self))
		if err != nil {
			return nil, err
		}
		out = append(out, mic)
	}
	if cfg.Video {
		cam, err := rtc.NewLocalTrack(domain.TrackVideo, "video-"+string(self), string(self))
		if err != nil {
			return nil, err
		}
		out = append(out, cam)
	}
	return out, nil
}

type remoteTracks struct {
	mu     sync.Mutex
	tracks map[domain.PeerID][]*rtc.RemoteTrack
}

func (r *remoteTracks) add(from domain.PeerID, t core.RemoteTrack) {
	log.Info().Str("module", "cmd.peer").Str("from", string(from)).Str("kind", string(t.Kind())).Str("track", t.ID()).Msg("receiving")
	rt, ok := t.(*rtc.RemoteTrack)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tracks == nil {
		r.tracks = make(map[domain.PeerID][]*rtc.RemoteTrack)
	}
	r.tracks[from] = append(r.tracks[from], rt)
}

func (r *remoteTracks) report() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for from, tracks := range r.tracks {
		for _, t := range tracks {
			st := t.Stats()
			log.Info().Str("module", "cmd.peer").Str("from", string(from)).Str("kind", string(t.Kind())).
				Uint64("packets", st.Packets).Uint64("bytes", st.Bytes).Uint64("lost", st.Lost).Msg("track stats")
		}
	}
}
