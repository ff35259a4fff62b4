package oggframe

import "time"

// tocDurations maps an Opus TOC config number (0-31, i.e. (toc>>3)&31) to
// frame duration. Configs 0-11 are SILK, 12-15 Hybrid, 16-31 CELT — only the
// frame-size bits matter here since duration, not bandwidth or mode, is all
// this package needs (spec.md §3's duration table).
var tocDurations = [32]time.Duration{
	// SILK-only NB/MB/WB: configs 0-11, frame sizes 10,20,40,60ms repeating per bandwidth.
	0: 10 * time.Millisecond, 1: 20 * time.Millisecond, 2: 40 * time.Millisecond, 3: 60 * time.Millisecond,
	4: 10 * time.Millisecond, 5: 20 * time.Millisecond, 6: 40 * time.Millisecond, 7: 60 * time.Millisecond,
	8: 10 * time.Millisecond, 9: 20 * time.Millisecond, 10: 40 * time.Millisecond, 11: 60 * time.Millisecond,
	// Hybrid SWB/FB: configs 12-15, frame sizes 10,20ms repeating.
	12: 10 * time.Millisecond, 13: 20 * time.Millisecond, 14: 10 * time.Millisecond, 15: 20 * time.Millisecond,
	// CELT NB/WB/SWB/FB: configs 16-31, frame sizes 2.5,5,10,20ms repeating.
	16: 2500 * time.Microsecond, 17: 5 * time.Millisecond, 18: 10 * time.Millisecond, 19: 20 * time.Millisecond,
	20: 2500 * time.Microsecond, 21: 5 * time.Millisecond, 22: 10 * time.Millisecond, 23: 20 * time.Millisecond,
	24: 2500 * time.Microsecond, 25: 5 * time.Millisecond, 26: 10 * time.Millisecond, 27: 20 * time.Millisecond,
	28: 2500 * time.Microsecond, 29: 5 * time.Millisecond, 30: 10 * time.Millisecond, 31: 20 * time.Millisecond,
}

// defaultTOCDuration is used for configs this table doesn't recognize — in
// practice unreachable since the table is exhaustive over 5 bits, but kept as
// the documented fallback the spec calls for ("unknown Opus configs default
// to 20 ms", §4.1).
const defaultTOCDuration = 20 * time.Millisecond

// TOCConfig extracts the 5-bit configuration number from an Opus TOC byte.
func TOCConfig(toc byte) int {
	return int((toc >> 3) & 31)
}

// TOCDuration returns the frame duration encoded by an Opus packet's first
// (TOC) byte.
func TOCDuration(toc byte) time.Duration {
	cfg := TOCConfig(toc)
	if cfg < 0 || cfg >= len(tocDurations) {
		return defaultTOCDuration
	}
	d := tocDurations[cfg]
	if d == 0 {
		return defaultTOCDuration
	}
	return d
}

// FrameCount returns how many frames (each of the TOC config's duration) a packet's TOC byte
// declares via its "code" bits (the low 2 bits), per the Opus packetization
// scheme: code 0 is one frame, code 1 or 2 are two frames, code 3 reads a
// frame count byte. Multi-frame packets are rare in practice for this
// broadcaster's pre-encoded files, but the duration math must still account
// for them rather than silently assuming one frame per packet.
func FrameCount(packet []byte) int {
	if len(packet) == 0 {
		return 0
	}
	code := packet[0] & 0x03
	switch code {
	case 0:
		return 1
	case 1, 2:
		return 2
	default: // code 3
		if len(packet) < 2 {
			return 1
		}
		return int(packet[1] & 0x3F)
	}
}

// PacketDuration returns the total playback duration of a single Opus
// packet, accounting for multi-frame packets (code 3 "arbitrary frame
// count").
func PacketDuration(packet []byte) time.Duration {
	if len(packet) == 0 {
		return 0
	}
	frames := FrameCount(packet)
	if frames <= 0 {
		frames = 1
	}
	return TOCDuration(packet[0]) * time.Duration(frames)
}
