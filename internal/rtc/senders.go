package rtc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/petervdpas/peercall/internal/proto"
)

var (
	ErrSenderExists = errors.New("rtc: role already has a sender")
	ErrNoSender     = errors.New("rtc: role has no sender")
)

// groupedTrack presents a local track under the connection's stream id so the
// remote side sees all of our tracks as one stream. Screen share ids carry a
// "screen" label for receivers that do not read role tags.
type groupedTrack struct {
	webrtc.TrackLocal
	id       string
	streamID string
}

func (g *groupedTrack) ID() string       { return g.id }
func (g *groupedTrack) StreamID() string { return g.streamID }

func (c *Conn) group(role proto.Role, track webrtc.TrackLocal, id string) *groupedTrack {
	if id == "" {
		id = track.ID()
		if role == proto.RoleSecondaryVideo && !strings.Contains(strings.ToLower(id), "screen") {
			id = "screen-" + id
		}
	}
	return &groupedTrack{TrackLocal: track, id: id, streamID: c.localStreamID}
}

// AddLocal starts sending track in role. Each role owns exactly one sender,
// so removing one role never touches another.
func (c *Conn) AddLocal(role proto.Role, track webrtc.TrackLocal) (proto.TrackTag, error) {
	if c.closed.Load() {
		return proto.TrackTag{}, ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.senders[role]; ok {
		return proto.TrackTag{}, fmt.Errorf("%w: %s", ErrSenderExists, role)
	}
	g := c.group(role, track, "")
	sender, err := c.pc.AddTrack(g)
	if err != nil {
		return proto.TrackTag{}, fmt.Errorf("rtc: add %s track: %w", role, err)
	}
	go drainRTCP(sender)

	tag := proto.TrackTag{TrackID: g.ID(), StreamID: g.StreamID(), Role: role}
	c.senders[role] = sender
	c.tags[role] = tag
	c.log.Debugf("local %s track %s added", role, tag.TrackID)
	return tag, nil
}

// RemoveLocal stops sending role. It removes only that role's sender.
func (c *Conn) RemoveLocal(role proto.Role) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sender, ok := c.senders[role]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSender, role)
	}
	if err := c.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("rtc: remove %s track: %w", role, err)
	}
	delete(c.senders, role)
	delete(c.tags, role)
	c.log.Debugf("local %s track removed", role)
	return nil
}

// ReplaceLocal swaps the source of role without renegotiation. The remote
// keeps seeing the same track id.
func (c *Conn) ReplaceLocal(role proto.Role, track webrtc.TrackLocal) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sender, ok := c.senders[role]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSender, role)
	}
	if err := sender.ReplaceTrack(c.group(role, track, c.tags[role].TrackID)); err != nil {
		return fmt.Errorf("rtc: replace %s track: %w", role, err)
	}
	return nil
}

// HasLocal reports whether role currently has a sender.
func (c *Conn) HasLocal(role proto.Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.senders[role]
	return ok
}

// LocalTags lists the role tags of every local track.
func (c *Conn) LocalTags() []proto.TrackTag {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.TrackTag, 0, len(c.tags))
	for _, role := range []proto.Role{proto.RolePrimaryAudio, proto.RoleSecondaryAudio, proto.RolePrimaryVideo, proto.RoleSecondaryVideo} {
		if t, ok := c.tags[role]; ok {
			out = append(out, t)
		}
	}
	return out
}

// drainRTCP reads incoming RTCP for a sender so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
