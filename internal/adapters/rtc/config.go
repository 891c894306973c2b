package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/VoiceMesh/internal/config"
)

// Configuration builds the PeerConnection ICE setup from the ice config block.
func Configuration(cfg config.ICEConfig) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	if len(cfg.TURNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           cfg.TURNServers,
			Username:       cfg.Username,
			Credential:     cfg.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	out := webrtc.Configuration{ICEServers: servers}
	if cfg.ForceRelay {
		out.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return out
}
