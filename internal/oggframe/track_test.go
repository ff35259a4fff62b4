package oggframe

import (
	"encoding/binary"
	"testing"
	"time"
)

// buildPageWithSegments is buildPage with an explicit lacing table, for
// constructing a page whose segment runs don't match segmentTableFor's
// single-packet assumption (e.g. a completed packet followed by a
// straddling run).
func buildPageWithSegments(headerType byte, serial, sequence uint32, granule uint64, segs []byte, payload []byte) []byte {
	buf := make([]byte, pageHeaderSize+len(segs)+len(payload))
	copy(buf[0:4], oggMagic)
	buf[4] = 0
	buf[5] = headerType
	binary.LittleEndian.PutUint64(buf[6:14], granule)
	binary.LittleEndian.PutUint32(buf[14:18], serial)
	binary.LittleEndian.PutUint32(buf[18:22], sequence)
	buf[26] = byte(len(segs))
	copy(buf[27:27+len(segs)], segs)
	copy(buf[27+len(segs):], payload)

	c := crc(buf)
	binary.LittleEndian.PutUint32(buf[22:26], c)
	return buf
}

func TestParseTrackDropsHeaderPages(t *testing.T) {
	idHeader := buildPage(FlagBOS, 1, 0, 0, []byte("OpusHeadfakeidheader"))
	commentHeader := buildPage(0, 1, 1, 0, []byte("OpusTagsfakecomment"))
	// one CELT 20ms packet (config 31, code 0 -> toc 0xF8)
	audioPage := buildPage(FlagEOS, 1, 2, 960, []byte{0xF8, 1, 2, 3})

	data := append(append(append([]byte(nil), idHeader...), commentHeader...), audioPage...)

	packets, err := ParseTrack(data)
	if err != nil {
		t.Fatalf("ParseTrack: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if packets[0].Duration != 20*time.Millisecond {
		t.Errorf("duration = %v, want 20ms", packets[0].Duration)
	}
}

func TestParseTrackHandlesCompletedPacketAndStraddleOnSamePage(t *testing.T) {
	idHeader := buildPage(FlagBOS, 1, 0, 0, []byte("OpusHeadfakeidheader"))
	commentHeader := buildPage(0, 1, 1, 0, []byte("OpusTagsfakecomment"))

	// segs [10, 255, 255]: a completed 10-byte packet, then a 510-byte run
	// that straddles into the next page (PacketLengths' own contract, see
	// page_test.go's TestPacketLengthsResidual).
	first := make([]byte, 10+510)
	first[0] = 0xF8 // TOC of the completed packet
	first[10] = 0xF8
	segs := []byte{10, 255, 255}
	page1 := buildPageWithSegments(0, 1, 2, 0, segs, first)

	rest := []byte{1, 2, 3} // completes the straddling packet
	page2 := buildPage(FlagEOS, 1, 3, 960, rest)

	data := append(append(append(append([]byte(nil), idHeader...), commentHeader...), page1...), page2...)

	packets, err := ParseTrack(data)
	if err != nil {
		t.Fatalf("ParseTrack: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2 (the completed packet plus the reassembled straddle)", len(packets))
	}
	if len(packets[0].Data) != 10 {
		t.Errorf("first packet len = %d, want 10 (must not be merged into the straddle)", len(packets[0].Data))
	}
	if len(packets[1].Data) != 510+3 {
		t.Errorf("second packet len = %d, want %d (straddle reassembled across the page boundary)", len(packets[1].Data), 510+3)
	}
}

func TestParseTrackDropsCorruptPageWithoutAbortingTrack(t *testing.T) {
	idHeader := buildPage(FlagBOS, 1, 0, 0, []byte("OpusHeadfakeidheader"))
	commentHeader := buildPage(0, 1, 1, 0, []byte("OpusTagsfakecomment"))
	good1 := buildPage(0, 1, 2, 960, []byte{0xF8, 1, 2, 3})
	corrupt := buildPage(0, 1, 3, 1920, []byte{0xF8, 1, 2, 3})
	corrupt[len(corrupt)-1] ^= 0xFF // flip a payload byte so its CRC no longer matches
	good2 := buildPage(FlagEOS, 1, 4, 2880, []byte{0xF8, 1, 2, 3})

	data := append(append(append(append(append([]byte(nil), idHeader...), commentHeader...), good1...), corrupt...), good2...)

	packets, err := ParseTrack(data)
	if err != nil {
		t.Fatalf("ParseTrack: %v, want the corrupt page dropped rather than aborting the track", err)
	}
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2 (the corrupt page's packet dropped, both good ones kept)", len(packets))
	}
}

func TestPackChunksFillsToTarget(t *testing.T) {
	// 160 packets of 20ms = 3200ms, one chunk over target.
	var packets []Packet
	for i := 0; i < 160; i++ {
		packets = append(packets, Packet{Data: []byte{0xF8}, Duration: 20 * time.Millisecond})
	}

	chunks := PackChunks(packets, 0)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].DurationMS < int64(BroadcastInterval/time.Millisecond) {
		t.Errorf("chunk duration %dms under target", chunks[0].DurationMS)
	}
}

func TestPackChunksMergesShortTail(t *testing.T) {
	// First BroadcastInterval worth of packets, then a short tail that alone
	// wouldn't reach the target; it should be folded into the first chunk.
	var packets []Packet
	for i := 0; i < 150; i++ { // 150*20ms = 3000ms, exactly one full chunk
		packets = append(packets, Packet{Data: []byte{0xF8}, Duration: 20 * time.Millisecond})
	}
	for i := 0; i < 5; i++ { // 100ms tail
		packets = append(packets, Packet{Data: []byte{0xF8}, Duration: 20 * time.Millisecond})
	}

	chunks := PackChunks(packets, 0)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want short tail merged into 1", len(chunks))
	}
	want := int64(150+5) * 20
	if chunks[0].DurationMS != want {
		t.Errorf("merged chunk duration = %d, want %d", chunks[0].DurationMS, want)
	}
}

func TestPackChunksEmptyYieldsNoChunks(t *testing.T) {
	chunks := PackChunks(nil, 0)
	if len(chunks) != 0 {
		t.Fatalf("got %d chunks, want 0", len(chunks))
	}
}

func TestPackChunksStartOffsetsAdvance(t *testing.T) {
	var packets []Packet
	for i := 0; i < 300; i++ { // two full 3000ms chunks, no tail
		packets = append(packets, Packet{Data: []byte{0xF8}, Duration: 20 * time.Millisecond})
	}
	chunks := PackChunks(packets, 1000)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].StartOffsetMS != 1000 {
		t.Errorf("first chunk offset = %d, want 1000", chunks[0].StartOffsetMS)
	}
	if chunks[1].StartOffsetMS != 1000+chunks[0].DurationMS {
		t.Errorf("second chunk offset = %d, want %d", chunks[1].StartOffsetMS, 1000+chunks[0].DurationMS)
	}
}
