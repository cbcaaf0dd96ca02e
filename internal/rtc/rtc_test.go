package rtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateQueueFIFOAfterOpen(t *testing.T) {
	var q candidateQueue
	var applied []string
	apply := func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	}

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, q.add(webrtc.ICECandidateInit{Candidate: c}, apply))
	}
	assert.Empty(t, applied, "nothing applied before the remote description")
	assert.Equal(t, 3, q.len())

	require.NoError(t, q.open(apply))
	assert.Equal(t, []string{"c1", "c2", "c3"}, applied)
	assert.Zero(t, q.len())

	require.NoError(t, q.add(webrtc.ICECandidateInit{Candidate: "c4"}, apply))
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, applied)
}

func TestCandidateQueueKeepsFlushingOnError(t *testing.T) {
	var q candidateQueue
	var applied []string
	apply := func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		if c.Candidate == "bad" {
			return errors.New("bad candidate")
		}
		return nil
	}
	_ = q.add(webrtc.ICECandidateInit{Candidate: "bad"}, apply)
	_ = q.add(webrtc.ICECandidateInit{Candidate: "good"}, apply)
	assert.Error(t, q.open(apply))
	assert.Equal(t, []string{"bad", "good"}, applied)
}

func TestClassifierAudioOrdinal(t *testing.T) {
	c := newClassifier()
	assert.Equal(t, proto.RolePrimaryAudio, c.classify("a1", "s1", webrtc.RTPCodecTypeAudio))
	assert.Equal(t, proto.RoleSecondaryAudio, c.classify("a2", "s1", webrtc.RTPCodecTypeAudio))
	assert.Equal(t, proto.RolePrimaryAudio, c.classify("a3", "s1", webrtc.RTPCodecTypeAudio))
	// irreversible
	assert.Equal(t, proto.RoleSecondaryAudio, c.classify("a2", "s1", webrtc.RTPCodecTypeAudio))
}

func TestClassifierVideoHeuristics(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *classifier)
		id    string
		sid   string
		want  proto.Role
	}{
		{
			name:  "expect flag wins",
			setup: func(c *classifier) { c.expectScreen = true },
			id:    "v1", sid: "s1",
			want: proto.RoleSecondaryVideo,
		},
		{
			name: "label hint",
			id:   "screen-abc", sid: "other",
			want: proto.RoleSecondaryVideo,
		},
		{
			name: "primary stream match",
			setup: func(c *classifier) {
				c.classify("a1", "s1", webrtc.RTPCodecTypeAudio)
				c.primaryHasVideo = true
			},
			id: "v1", sid: "s1",
			want: proto.RolePrimaryVideo,
		},
		{
			name: "fallback adopts camera",
			id:   "v1", sid: "unrelated",
			want: proto.RolePrimaryVideo,
		},
		{
			name: "second unrelated video is a screen",
			setup: func(c *classifier) {
				c.classify("v0", "x", webrtc.RTPCodecTypeVideo)
			},
			id: "v1", sid: "y",
			want: proto.RoleSecondaryVideo,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClassifier()
			if tt.setup != nil {
				tt.setup(c)
			}
			assert.Equal(t, tt.want, c.classify(tt.id, tt.sid, webrtc.RTPCodecTypeVideo))
		})
	}
}

func TestClassifierExplicitTagsFirst(t *testing.T) {
	c := newClassifier()
	c.tag(proto.TrackTag{TrackID: "cam", Role: proto.RolePrimaryVideo})
	c.tag(proto.TrackTag{TrackID: "pad", Role: proto.RoleSecondaryAudio})
	c.expectScreen = true

	// the tag overrides the expect-screen flag, which stays armed
	assert.Equal(t, proto.RolePrimaryVideo, c.classify("cam", "s", webrtc.RTPCodecTypeVideo))
	assert.True(t, c.expectScreen)
	assert.Equal(t, proto.RoleSecondaryVideo, c.classify("next", "s", webrtc.RTPCodecTypeVideo))
	assert.False(t, c.expectScreen)

	assert.Equal(t, proto.RoleSecondaryAudio, c.classify("pad", "s", webrtc.RTPCodecTypeAudio))
	// untagged audio after a tagged one continues the ordinal
	assert.Equal(t, proto.RoleSecondaryAudio, c.classify("a-late", "s", webrtc.RTPCodecTypeAudio))
}

func TestClassifierCameraRestart(t *testing.T) {
	c := newClassifier()
	assert.Equal(t, proto.RolePrimaryVideo, c.classify("cam1", "x", webrtc.RTPCodecTypeVideo))
	c.videoStopped(proto.RolePrimaryVideo)
	assert.Equal(t, proto.RolePrimaryVideo, c.classify("cam2", "y", webrtc.RTPCodecTypeVideo))
}

func TestRTTFromReport(t *testing.T) {
	report := webrtc.StatsReport{
		"p1": webrtc.ICECandidatePairStats{Nominated: false, State: webrtc.StatsICECandidatePairStateSucceeded, CurrentRoundTripTime: 0.5},
		"p2": webrtc.ICECandidatePairStats{Nominated: true, State: webrtc.StatsICECandidatePairStateInProgress, CurrentRoundTripTime: 0.4},
		"p3": webrtc.ICECandidatePairStats{Nominated: true, State: webrtc.StatsICECandidatePairStateSucceeded, CurrentRoundTripTime: 0.042},
	}
	rtt, ok := rttFromReport(report)
	require.True(t, ok)
	assert.Equal(t, 42*time.Millisecond, rtt)

	_, ok = rttFromReport(webrtc.StatsReport{})
	assert.False(t, ok)
}

func newTestConn(t *testing.T, h Handlers) *Conn {
	t.Helper()
	api, err := NewAPI(Config{}, nil)
	require.NoError(t, err)
	c, err := New(api, Config{}, h, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sampleTrack(t *testing.T, mime, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "capture")
	require.NoError(t, err)
	return tr
}

func TestSendersAreIsolated(t *testing.T) {
	c := newTestConn(t, Handlers{})

	_, err := c.AddLocal(proto.RolePrimaryAudio, sampleTrack(t, webrtc.MimeTypeOpus, "mic"))
	require.NoError(t, err)
	camTag, err := c.AddLocal(proto.RolePrimaryVideo, sampleTrack(t, webrtc.MimeTypeVP8, "cam"))
	require.NoError(t, err)
	screenTag, err := c.AddLocal(proto.RoleSecondaryVideo, sampleTrack(t, webrtc.MimeTypeVP8, "display"))
	require.NoError(t, err)

	assert.Equal(t, c.LocalStreamID(), camTag.StreamID)
	assert.Equal(t, c.LocalStreamID(), screenTag.StreamID)
	assert.Contains(t, screenTag.TrackID, "screen")

	_, err = c.AddLocal(proto.RolePrimaryVideo, sampleTrack(t, webrtc.MimeTypeVP8, "cam2"))
	assert.ErrorIs(t, err, ErrSenderExists)

	require.NoError(t, c.RemoveLocal(proto.RolePrimaryVideo))
	assert.False(t, c.HasLocal(proto.RolePrimaryVideo))
	assert.True(t, c.HasLocal(proto.RoleSecondaryVideo))
	assert.True(t, c.HasLocal(proto.RolePrimaryAudio))

	c.mu.Lock()
	screenSender := c.senders[proto.RoleSecondaryVideo]
	c.mu.Unlock()
	require.NotNil(t, screenSender.Track())
	assert.Equal(t, screenTag.TrackID, screenSender.Track().ID())

	assert.ErrorIs(t, c.RemoveLocal(proto.RolePrimaryVideo), ErrNoSender)

	tags := c.LocalTags()
	require.Len(t, tags, 2)
	assert.Equal(t, proto.RolePrimaryAudio, tags[0].Role)
	assert.Equal(t, proto.RoleSecondaryVideo, tags[1].Role)
}

func TestReplaceKeepsTrackID(t *testing.T) {
	c := newTestConn(t, Handlers{})
	tag, err := c.AddLocal(proto.RolePrimaryAudio, sampleTrack(t, webrtc.MimeTypeOpus, "mic-a"))
	require.NoError(t, err)

	require.NoError(t, c.ReplaceLocal(proto.RolePrimaryAudio, sampleTrack(t, webrtc.MimeTypeOpus, "mic-b")))
	c.mu.Lock()
	sender := c.senders[proto.RolePrimaryAudio]
	c.mu.Unlock()
	assert.Equal(t, tag.TrackID, sender.Track().ID())

	assert.ErrorIs(t, c.ReplaceLocal(proto.RolePrimaryVideo, sampleTrack(t, webrtc.MimeTypeVP8, "v")), ErrNoSender)
}

func TestOfferAnswerExchangeCarriesTags(t *testing.T) {
	ctx := context.Background()
	a := newTestConn(t, Handlers{})
	b := newTestConn(t, Handlers{})

	_, err := a.AddLocal(proto.RolePrimaryAudio, sampleTrack(t, webrtc.MimeTypeOpus, "mic"))
	require.NoError(t, err)
	_, err = b.AddLocal(proto.RolePrimaryAudio, sampleTrack(t, webrtc.MimeTypeOpus, "mic"))
	require.NoError(t, err)

	// a candidate that arrives before the offer is held back
	mid := "0"
	require.NoError(t, b.AddCandidate(proto.Candidate{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host", SDPMid: &mid}))
	b.mu.Lock()
	assert.Equal(t, 1, b.candidates.len())
	b.mu.Unlock()

	offer, err := a.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	require.Len(t, offer.Tracks, 1)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, a.SignalingState())

	answer, err := b.AcceptOffer(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.Equal(t, webrtc.SignalingStateStable, b.SignalingState())
	b.mu.Lock()
	assert.Zero(t, b.candidates.len())
	assert.Equal(t, proto.RolePrimaryAudio, b.classifier.tags[offer.Tracks[0].TrackID])
	b.mu.Unlock()

	require.NoError(t, a.AcceptAnswer(ctx, answer))
	assert.Equal(t, webrtc.SignalingStateStable, a.SignalingState())
}

func TestAcceptOfferRejectsGarbage(t *testing.T) {
	c := newTestConn(t, Handlers{})
	_, err := c.AcceptOffer(context.Background(), proto.SessionDescription{Type: "offer", SDP: "not sdp"})
	assert.Error(t, err)
}

func TestClosedConnRefusesWork(t *testing.T) {
	c := newTestConn(t, Handlers{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.CreateOffer(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.AddCandidate(proto.Candidate{}), ErrClosed)
	_, ok := c.RoundTripTime()
	assert.False(t, ok)
}

func TestFingerprint(t *testing.T) {
	sdp := "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:111 opus/48000/2\r\n"
	assert.Equal(t, Fingerprint(sdp), Fingerprint(sdp))
	assert.Len(t, Fingerprint(sdp), 64)

	other := "v=0\r\no=- 1 3 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:111 opus/48000/2\r\n"
	assert.NotEqual(t, Fingerprint(sdp), Fingerprint(other))

	_, err := ParseSDP(sdp)
	assert.NoError(t, err)
	_, err = ParseSDP("")
	assert.Error(t, err)
}
