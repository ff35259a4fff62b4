package oggframe

import (
	"errors"
	"time"
)

// BroadcastInterval is the target chunk duration (spec.md's
// BROADCAST_INTERVAL_MS) a Station paces its broadcast tick against.
const BroadcastInterval = 3000 * time.Millisecond

// Packet is one Opus packet extracted from a track's Ogg pages, with its
// duration already resolved from its TOC byte so downstream chunk packing
// never has to re-parse payload bytes.
type Packet struct {
	Data     []byte
	Duration time.Duration
}

// Chunk is an ordered run of packets whose durations sum to roughly
// BroadcastInterval — the unit the orchestrator fans out to workers.
type Chunk struct {
	Packets       []Packet
	DurationMS    int64
	StartOffsetMS int64
}

// ParseTrack walks every Ogg page in data, drops the first two pages
// (Opus identification and comment headers, never audio), and returns the
// remaining pages' packets in stream order with duration resolved per
// packet. A packet whose resolved duration is zero, or a page whose CRC
// doesn't match, is dropped rather than aborting the whole track — a single
// corrupt page or malformed packet shouldn't take an otherwise-playable file
// off the air. Only a truncated or desynced stream (ParsePage's
// ErrTruncated/ErrBadMagic, neither of which lets parsing locate the next
// page) is fatal to the whole track.
func ParseTrack(data []byte) ([]Packet, error) {
	var packets []Packet
	var residualData []byte
	var residualDuration time.Duration
	hasResidual := false

	offset := 0
	pageIndex := 0
	for offset < len(data) {
		page, n, err := ParsePage(data[offset:])
		if err != nil {
			if errors.Is(err, ErrCRCMismatch) && n > 0 {
				// A corrupt page is dropped, not fatal — its length is still
				// known so parsing can resume at the next page. Any packet
				// straddling into or out of it can't be reassembled
				// correctly either, so discard a pending residual too.
				offset += n
				pageIndex++
				hasResidual = false
				residualData = nil
				continue
			}
			return nil, err
		}
		offset += n
		pageIndex++
		if pageIndex <= 2 {
			// identification header, then comment header
			continue
		}

		lengths, residual, partial := PacketLengths(page.Segments)

		pos := 0
		for i, l := range lengths {
			raw := page.Payload[pos : pos+l]
			pos += l

			if hasResidual && i == 0 {
				full := append(append([]byte(nil), residualData...), raw...)
				d := PacketDuration(full)
				if d > 0 {
					packets = append(packets, Packet{Data: full, Duration: d})
				}
				hasResidual = false
				residualData = nil
				continue
			}

			// lengths holds only completed packets — PacketLengths already
			// carved the trailing straddle (if any) out into partial — so
			// every entry here, including the last, is whole and stands on
			// its own.
			d := PacketDuration(raw)
			if d > 0 {
				packets = append(packets, Packet{Data: raw, Duration: d})
			}
		}

		if residual && partial > 0 {
			// Trailing segment run straddles into the next page; stash it to
			// be completed by that page's leading segments.
			straddle := page.Payload[pos : pos+partial]
			if hasResidual {
				residualData = append(residualData, straddle...)
			} else {
				residualData = append([]byte(nil), straddle...)
				hasResidual = true
			}
			residualDuration = PacketDuration(residualData)
		}
	}

	if hasResidual && residualDuration > 0 {
		packets = append(packets, Packet{Data: residualData, Duration: residualDuration})
	}

	return packets, nil
}

// PackChunks bin-packs packets into chunks that fill to roughly
// BroadcastInterval each, greedily closing a chunk once its accumulated
// duration reaches the target. The final chunk of a track is folded into its
// predecessor instead of emitted alone if it falls short — spec.md's "no
// runt chunk" rule — unless it is the only chunk the track produced.
func PackChunks(packets []Packet, startOffsetMS int64) []Chunk {
	var chunks []Chunk
	var cur Chunk
	var curDuration time.Duration

	offset := startOffsetMS
	for _, pkt := range packets {
		cur.Packets = append(cur.Packets, pkt)
		curDuration += pkt.Duration
		if curDuration >= BroadcastInterval {
			cur.DurationMS = curDuration.Milliseconds()
			cur.StartOffsetMS = offset
			chunks = append(chunks, cur)
			offset += cur.DurationMS
			cur = Chunk{}
			curDuration = 0
		}
	}

	if len(cur.Packets) > 0 {
		cur.DurationMS = curDuration.Milliseconds()
		cur.StartOffsetMS = offset
		if len(chunks) > 0 {
			prev := &chunks[len(chunks)-1]
			prev.Packets = append(prev.Packets, cur.Packets...)
			prev.DurationMS += cur.DurationMS
		} else {
			chunks = append(chunks, cur)
		}
	}

	return chunks
}
