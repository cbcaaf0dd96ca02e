package rtc

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
	"golang.org/x/crypto/blake2b"
)

// ParseSDP parses and sanity-checks a remote descriptor.
func ParseSDP(raw string) (*sdp.SessionDescription, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("rtc: empty session description")
	}
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("rtc: parse session description: %w", err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("rtc: session description has no media sections")
	}
	return parsed, nil
}

// Fingerprint identifies a descriptor independent of line-ending and
// attribute spacing differences: the SDP is parsed, re-marshalled and hashed
// with BLAKE2b-256. Unparseable input is hashed as is.
func Fingerprint(raw string) string {
	canonical := []byte(raw)
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err == nil {
		if b, err := parsed.Marshal(); err == nil {
			canonical = b
		}
	}
	sum := blake2b.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
