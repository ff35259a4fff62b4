package station

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arung-agamani/denpa-radio/internal/fswatch"
	"github.com/arung-agamani/denpa-radio/internal/mailbox"
	"github.com/arung-agamani/denpa-radio/internal/oggframe"
)

// --- minimal Ogg page fixture builder, duplicated from oggframe's own test
// helper since the CRC table there is unexported and these are two
// independently-testable packages. ---

var crcTable [256]uint32

func init() {
	const poly = uint32(0x04C11DB7)
	for i := range crcTable {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = (c << 1) ^ poly
			} else {
				c <<= 1
			}
		}
		crcTable[i] = c
	}
}

func crc(data []byte) uint32 {
	var c uint32
	for _, b := range data {
		c = (c << 8) ^ crcTable[byte(c>>24)^b]
	}
	return c
}

func buildPage(headerType byte, serial, sequence uint32, granule uint64, payload []byte) []byte {
	var segs []byte
	length := len(payload)
	for length >= 255 {
		segs = append(segs, 255)
		length -= 255
	}
	segs = append(segs, byte(length))

	buf := make([]byte, 27+len(segs)+len(payload))
	copy(buf[0:4], "OggS")
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

func oneChunkTrack() []byte {
	idHeader := buildPage(0x02, 1, 0, 0, []byte("OpusHeadfake"))
	commentHeader := buildPage(0, 1, 1, 0, []byte("OpusTagsfake"))

	var audio []byte
	for i := 0; i < 160; i++ { // 160 * 20ms = 3200ms, one full chunk
		audio = append(audio, buildPage(0, 1, uint32(2+i), uint64(i), []byte{0xF8, 1, 2, 3})...)
	}

	return append(append(idHeader, commentHeader...), audio...)
}

func newTestStation(t *testing.T, trackNames ...string) (*Station, string) {
	t.Helper()
	dir := t.TempDir()
	for _, name := range trackNames {
		if err := os.WriteFile(filepath.Join(dir, name+".opus"), []byte("placeholder"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	s, err := New(0, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, dir
}

func TestNewScansDirectory(t *testing.T) {
	s, _ := newTestStation(t, "alpha", "beta")
	defer s.watcher.Close()

	if len(s.trackList) != 2 {
		t.Fatalf("trackList = %v, want 2 entries", s.trackList)
	}
	if _, ok := s.trackSet["alpha"]; !ok {
		t.Error("expected alpha in trackSet")
	}
}

func TestNameNormalization(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "My Station")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	s, err := New(1, sub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.watcher.Close()

	if s.Name() != "my_station" {
		t.Errorf("Name() = %q, want my_station", s.Name())
	}
}

func TestOnQueueAdmitsOnceThenRejects(t *testing.T) {
	s, _ := newTestStation(t, "track1")
	defer s.watcher.Close()

	reply := mailbox.New[Reply](1)
	s.onQueue(Request{Kind: ReqQueue, QueueTrack: "track1", ReplyTo: reply})
	r, _ := reply.Recv()
	if r.Accepted != "track1" {
		t.Fatalf("first queue accepted = %q, want track1", r.Accepted)
	}

	s.onQueue(Request{Kind: ReqQueue, QueueTrack: "track1", ReplyTo: reply})
	r, _ = reply.Recv()
	if r.Accepted != QueueFailureSentinel {
		t.Fatalf("second queue accepted = %q, want failure sentinel", r.Accepted)
	}
}

func TestOnQueueRejectsUnknownTrack(t *testing.T) {
	s, _ := newTestStation(t, "track1")
	defer s.watcher.Close()

	reply := mailbox.New[Reply](1)
	s.onQueue(Request{Kind: ReqQueue, QueueTrack: "nosuchtrack", ReplyTo: reply})
	r, _ := reply.Recv()
	if r.Accepted != QueueFailureSentinel {
		t.Fatalf("accepted = %q, want failure sentinel", r.Accepted)
	}
}

func TestOnQueueListReportsOnlyQueuedTracks(t *testing.T) {
	s, _ := newTestStation(t, "track1", "track2")
	defer s.watcher.Close()

	reply := mailbox.New[Reply](1)
	s.onQueueList(Request{Kind: ReqQueueList, ReplyTo: reply})
	r, _ := reply.Recv()
	if r.List != "" {
		t.Fatalf("queue list before any request = %q, want empty", r.List)
	}

	s.onQueue(Request{Kind: ReqQueue, QueueTrack: "track1", ReplyTo: reply})
	reply.Recv()

	s.onQueueList(Request{Kind: ReqQueueList, ReplyTo: reply})
	r, _ = reply.Recv()
	if r.List != "track1" {
		t.Fatalf("queue list = %q, want track1", r.List)
	}
}

func TestOnSkipIdempotentPerIP(t *testing.T) {
	s, _ := newTestStation(t, "track1")
	defer s.watcher.Close()

	reply := mailbox.New[Reply](1)
	s.onSkip(Request{Kind: ReqSkip, SkipIP: "1.2.3.4", ReplyTo: reply})
	r, _ := reply.Recv()
	if !r.Voted {
		t.Fatal("first vote should be accepted")
	}

	s.onSkip(Request{Kind: ReqSkip, SkipIP: "1.2.3.4", ReplyTo: reply})
	r, _ = reply.Recv()
	if r.Voted {
		t.Fatal("second vote from same IP should be rejected")
	}
}

func TestOnForceSkipAbortsQueuedChunksAndRequestsReplacement(t *testing.T) {
	s, _ := newTestStation(t, "track1", "track2")
	defer s.watcher.Close()

	s.processingTrack = "track1"
	s.onFileReady(Request{Kind: ReqFileReady, Track: "track1", Data: oneChunkTrack()})
	// Drain the priming events (one broadcast, one file request for the next track).
	s.Out.Recv()
	s.Out.Recv()
	s.processingTrack = "" // pretend that follow-up file request already resolved to idle

	s.chunksFIFO = append(s.chunksFIFO, oggframe.Chunk{DurationMS: 3000}) // a chunk still queued for the current track
	s.skipVoters["1.2.3.4"] = struct{}{}
	s.onForceSkip()

	if len(s.chunksFIFO) != 0 {
		t.Fatalf("chunksFIFO = %v, want empty after forced skip", s.chunksFIFO)
	}
	if len(s.skipVoters) != 0 {
		t.Fatalf("skipVoters = %v, want cleared after forced skip", s.skipVoters)
	}
	if s.finishTime != s.playbackTime {
		t.Fatalf("finishTime = %v, want rolled back to playbackTime %v", s.finishTime, s.playbackTime)
	}
	if s.processingTrack == "" {
		t.Fatal("expected a replacement track to be requested immediately")
	}

	ev, ok := s.Out.Recv()
	if !ok || ev.Kind != EvFileRequest {
		t.Fatalf("event = %+v, ok=%v; want EvFileRequest", ev, ok)
	}
}

func TestOnFileReadyPacksChunksAndPrimes(t *testing.T) {
	s, _ := newTestStation(t, "track1")
	defer s.watcher.Close()

	s.processingTrack = "track1"
	s.onFileReady(Request{Kind: ReqFileReady, Track: "track1", Data: oneChunkTrack()})

	if s.currentTitle != "track1" {
		t.Errorf("currentTitle = %q, want track1", s.currentTitle)
	}

	// The single packed chunk should have been emitted immediately by the
	// priming ticks rather than waiting for the next timer fire.
	ev, ok := s.Out.Recv()
	if !ok || ev.Kind != EvBroadcast {
		t.Fatalf("first event = %+v, ok=%v; want EvBroadcast", ev, ok)
	}
	if ev.Metadata.Title != "track1" {
		t.Errorf("broadcast title = %q, want track1", ev.Metadata.Title)
	}

	// The second priming tick found the FIFO empty again and requested the
	// next track ahead of time.
	ev2, ok := s.Out.Recv()
	if !ok || ev2.Kind != EvFileRequest {
		t.Fatalf("second event = %+v, ok=%v; want EvFileRequest", ev2, ok)
	}
}

func TestOnFileReadyErrorClearsProcessing(t *testing.T) {
	s, _ := newTestStation(t, "track1")
	defer s.watcher.Close()

	s.processingTrack = "track1"
	s.onFileReady(Request{Kind: ReqFileReady, Track: "track1", Err: os.ErrNotExist})

	if s.processingTrack != "" {
		t.Errorf("processingTrack = %q, want empty after read error", s.processingTrack)
	}
}

func TestHandleFSEventAddAndRemove(t *testing.T) {
	s, _ := newTestStation(t)
	defer s.watcher.Close()

	s.handleFSEvent(fswatch.Event{Kind: fswatch.Added, Name: "newtrack"})

	if _, ok := s.trackSet["newtrack"]; !ok {
		t.Fatal("expected newtrack to be added")
	}

	s.handleFSEvent(fswatch.Event{Kind: fswatch.Removed, Name: "newtrack"})

	if _, ok := s.trackSet["newtrack"]; ok {
		t.Fatal("expected newtrack to be removed")
	}
}

func TestTrackSelectionAvoidsRecent(t *testing.T) {
	names := make([]string, 12)
	for i := range names {
		names[i] = string(rune('a' + i))
	}
	s, _ := newTestStation(t, names...)
	defer s.watcher.Close()

	seen := map[int]int{}
	for i := 0; i < 50; i++ {
		recent := map[int]struct{}{}
		for _, idx := range s.recentIndices {
			recent[idx] = struct{}{}
		}
		track, ok := s.selectNextTrack()
		if !ok {
			t.Fatal("expected a track")
		}
		for idx, name := range s.trackList {
			if name == track {
				seen[idx]++
				if _, dup := recent[idx]; dup {
					t.Fatalf("selection %d picked index %d, which was among the recent indices", i, idx)
				}
			}
		}
	}
	if len(s.recentIndices) > recentCap {
		t.Fatalf("recentIndices length = %d, want <= %d", len(s.recentIndices), recentCap)
	}
}

func TestTrackSelectionAtExactlyRecentCapNeverSpins(t *testing.T) {
	names := make([]string, recentCap)
	for i := range names {
		names[i] = string(rune('a' + i))
	}
	s, _ := newTestStation(t, names...)
	defer s.watcher.Close()

	for i := 0; i < 50; i++ {
		if _, ok := s.selectNextTrack(); !ok {
			t.Fatal("expected a track")
		}
	}
	if len(s.recentIndices) >= len(s.trackList) {
		t.Fatalf("recentIndices length = %d, must stay below track count %d", len(s.recentIndices), len(s.trackList))
	}
}

func TestPlaybackTimeNeverRewinds(t *testing.T) {
	s, _ := newTestStation(t, "track1")
	defer s.watcher.Close()

	before := s.playbackTime
	s.chunksFIFO = append(s.chunksFIFO, oggframe.Chunk{
		DurationMS: 3000,
		Packets:    []oggframe.Packet{{Data: []byte{0xF8}, Duration: 20 * time.Millisecond}},
	})
	s.tick()
	if s.playbackTime < before {
		t.Fatal("playbackTime rewound")
	}
	if s.playbackTime != before+3000*time.Millisecond {
		t.Fatalf("playbackTime = %v, want %v", s.playbackTime, before+3000*time.Millisecond)
	}
}
