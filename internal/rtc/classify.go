package rtc

import (
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/proto"
)

// classifier assigns a role to every inbound track. A role, once assigned
// to a track id, never changes.
type classifier struct {
	tags     map[string]proto.Role // announced by the remote, by track id
	assigned map[string]proto.Role

	audioCount      int
	primaryStreamID string
	primaryHasVideo bool
	expectScreen    bool
}

func newClassifier() *classifier {
	return &classifier{
		tags:     make(map[string]proto.Role),
		assigned: make(map[string]proto.Role),
	}
}

func (c *classifier) tag(t proto.TrackTag) {
	if t.TrackID != "" && t.Role != "" {
		c.tags[t.TrackID] = t.Role
	}
}

// videoStopped forgets the remote camera so a later untagged video track can
// be adopted as camera again.
func (c *classifier) videoStopped(role proto.Role) {
	if role == proto.RolePrimaryVideo {
		c.primaryHasVideo = false
	}
}

func (c *classifier) classify(trackID, streamID string, kind webrtc.RTPCodecType) proto.Role {
	if role, ok := c.assigned[trackID]; ok {
		return role
	}
	role, ok := c.tags[trackID]
	if !ok {
		if kind == webrtc.RTPCodecTypeAudio {
			role = c.classifyAudio()
		} else {
			role = c.classifyVideo(trackID, streamID)
		}
	}

	switch role {
	case proto.RolePrimaryAudio:
		if c.primaryStreamID == "" {
			c.primaryStreamID = streamID
		}
	case proto.RolePrimaryVideo:
		c.primaryHasVideo = true
	case proto.RoleSecondaryVideo:
		c.expectScreen = false
	}
	if kind == webrtc.RTPCodecTypeAudio && ok {
		c.audioCount++
	}
	c.assigned[trackID] = role
	return role
}

func (c *classifier) classifyAudio() proto.Role {
	c.audioCount++
	if c.audioCount == 2 {
		return proto.RoleSecondaryAudio
	}
	return proto.RolePrimaryAudio
}

// classifyVideo runs the untagged heuristics in priority order.
func (c *classifier) classifyVideo(trackID, streamID string) proto.Role {
	switch {
	case c.expectScreen:
		return proto.RoleSecondaryVideo
	case strings.Contains(strings.ToLower(trackID), "screen"):
		return proto.RoleSecondaryVideo
	case c.primaryStreamID != "" && streamID == c.primaryStreamID:
		return proto.RolePrimaryVideo
	case !c.primaryHasVideo:
		return proto.RolePrimaryVideo
	}
	return proto.RoleSecondaryVideo
}
