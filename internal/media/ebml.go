package media

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Just enough EBML to write a live WebM stream: an init segment with an
// unknown-size Segment, then one known-size Cluster per flush.

var (
	elEBML          = []byte{0x1A, 0x45, 0xDF, 0xA3}
	elEBMLVersion   = []byte{0x42, 0x86}
	elEBMLReadVer   = []byte{0x42, 0xF7}
	elEBMLMaxIDLen  = []byte{0x42, 0xF2}
	elEBMLMaxSzLen  = []byte{0x42, 0xF3}
	elDocType       = []byte{0x42, 0x82}
	elDocTypeVer    = []byte{0x42, 0x87}
	elDocTypeReadVr = []byte{0x42, 0x85}
	elSegment       = []byte{0x18, 0x53, 0x80, 0x67}
	elInfo          = []byte{0x15, 0x49, 0xA9, 0x66}
	elTimecodeScale = []byte{0x2A, 0xD7, 0xB1}
	elMuxingApp     = []byte{0x4D, 0x80}
	elWritingApp    = []byte{0x57, 0x41}
	elTracks        = []byte{0x16, 0x54, 0xAE, 0x6B}
	elTrackEntry    = []byte{0xAE}
	elTrackNumber   = []byte{0xD7}
	elTrackUID      = []byte{0x73, 0xC5}
	elTrackType     = []byte{0x83}
	elCodecID       = []byte{0x86}
	elCodecPrivate  = []byte{0x63, 0xA2}
	elVideo         = []byte{0xE0}
	elPixelWidth    = []byte{0xB0}
	elPixelHeight   = []byte{0xBA}
	elAudio         = []byte{0xE1}
	elSamplingFreq  = []byte{0xB5}
	elChannels      = []byte{0x9F}
	elCluster       = []byte{0x1F, 0x43, 0xB6, 0x75}
	elTimecode      = []byte{0xE7}
	elSimpleBlock   = []byte{0xA3}
)

// unknownSize marks the streaming Segment whose length is never known.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

const (
	trackVideo = 1
	trackAudio = 2
)

// opusHead is the OpusHead codec private block for mono 48kHz.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,       // version
	0x01,       // channels
	0x38, 0x01, // pre-skip 312
	0x80, 0xBB, 0x00, 0x00, // 48000
	0x00, 0x00, // output gain
	0x00, // mapping family
}

// vint encodes an element size. Sizes above 2^28-2 are not needed here.
func vint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func uintBytes(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for tmp[i] == 0 {
		i++
	}
	return tmp[i:]
}

// element appends id, size and payload of one element to dst.
func element(dst, id []byte, parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	dst = append(dst, id...)
	dst = append(dst, vint(uint64(n))...)
	for _, p := range parts {
		dst = append(dst, p...)
	}
	return dst
}

func initSegment(width, height uint16, withAudio bool) []byte {
	var buf bytes.Buffer

	buf.Write(element(nil, elEBML,
		element(nil, elEBMLVersion, uintBytes(1)),
		element(nil, elEBMLReadVer, uintBytes(1)),
		element(nil, elEBMLMaxIDLen, uintBytes(4)),
		element(nil, elEBMLMaxSzLen, uintBytes(8)),
		element(nil, elDocType, []byte("webm")),
		element(nil, elDocTypeVer, uintBytes(2)),
		element(nil, elDocTypeReadVr, uintBytes(2)),
	))

	buf.Write(elSegment)
	buf.Write(unknownSize)

	buf.Write(element(nil, elInfo,
		element(nil, elTimecodeScale, uintBytes(1_000_000)), // 1ms ticks
		element(nil, elMuxingApp, []byte("peercall")),
		element(nil, elWritingApp, []byte("peercall")),
	))

	tracks := element(nil, elTrackEntry,
		element(nil, elTrackNumber, uintBytes(trackVideo)),
		element(nil, elTrackUID, uintBytes(trackVideo)),
		element(nil, elTrackType, uintBytes(1)),
		element(nil, elCodecID, []byte("V_VP8")),
		element(nil, elVideo,
			element(nil, elPixelWidth, uintBytes(uint64(width))),
			element(nil, elPixelHeight, uintBytes(uint64(height))),
		),
	)
	if withAudio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000))
		tracks = element(tracks, elTrackEntry,
			element(nil, elTrackNumber, uintBytes(trackAudio)),
			element(nil, elTrackUID, uintBytes(trackAudio)),
			element(nil, elTrackType, uintBytes(2)),
			element(nil, elCodecID, []byte("A_OPUS")),
			element(nil, elCodecPrivate, opusHead),
			element(nil, elAudio,
				element(nil, elSamplingFreq, freq),
				element(nil, elChannels, uintBytes(1)),
			),
		)
	}
	buf.Write(element(nil, elTracks, tracks))
	return buf.Bytes()
}

func simpleBlock(track int, relMs int16, keyframe bool, data []byte) []byte {
	hdr := append(vint(uint64(track)), 0, 0, 0)
	n := len(hdr)
	binary.BigEndian.PutUint16(hdr[n-3:], uint16(relMs))
	if keyframe {
		hdr[n-1] = 0x80
	}
	return element(nil, elSimpleBlock, hdr, data)
}

func cluster(startMs int64, blocks []byte) []byte {
	return element(nil, elCluster, element(nil, elTimecode, uintBytes(uint64(startMs))), blocks)
}

// vp8Dimensions reads width and height from a VP8 keyframe header.
func vp8Dimensions(frame []byte) (uint16, uint16, bool) {
	if len(frame) < 10 || frame[3] != 0x9D || frame[4] != 0x01 || frame[5] != 0x2A {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF, binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF, true
}

// vp8Keyframe reports whether frame starts a VP8 keyframe.
func vp8Keyframe(frame []byte) bool { return len(frame) > 0 && frame[0]&0x01 == 0 }
