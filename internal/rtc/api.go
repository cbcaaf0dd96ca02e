// Package rtc wraps one pion PeerConnection per call: descriptor exchange,
// candidate queueing, role classification of inbound tracks and the local
// senders for microphone, soundpad, camera and screen share.
package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Config carries the connectivity settings of new connections.
type Config struct {
	ICEServers []string `json:"ice_servers"`

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// fail the call. Zero values fall back to the defaults below.
	ICEDisconnectedTimeout time.Duration `json:"ice_disconnected_timeout"`
	ICEFailedTimeout       time.Duration `json:"ice_failed_timeout"`
	ICEKeepalive           time.Duration `json:"ice_keepalive"`
}

func DefaultConfig() Config {
	return Config{
		ICEServers:             []string{"stun:stun.l.google.com:19302"},
		ICEDisconnectedTimeout: 30 * time.Second,
		ICEFailedTimeout:       120 * time.Second,
		ICEKeepalive:           2 * time.Second,
	}
}

// MediaSetup registers codecs on a fresh MediaEngine. Capture backends that
// encode their own tracks provide one so the negotiated codecs match.
type MediaSetup func(*webrtc.MediaEngine) error

// NewAPI builds the pion API used for one call: media engine, default
// interceptors (NACK, RTCP reports, TWCC) and ICE timeouts.
func NewAPI(cfg Config, setup MediaSetup) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if setup != nil {
		if err := setup(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	def := DefaultConfig()
	disc, failed, keep := cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, cfg.ICEKeepalive
	if disc <= 0 {
		disc = def.ICEDisconnectedTimeout
	}
	if failed <= 0 {
		failed = def.ICEFailedTimeout
	}
	if keep <= 0 {
		keep = def.ICEKeepalive
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disc, failed, keep)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func (c Config) iceServers() []webrtc.ICEServer {
	if len(c.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.ICEServers}}
}
