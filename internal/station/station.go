// Package station runs one broadcast station: a goroutine that owns a
// directory of Opus tracks, picks what plays next, and paces emission of
// fixed-duration chunks to the orchestrator. It never talks to a worker or
// another station directly — everything crosses a mailbox.
package station

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arung-agamani/denpa-radio/internal/fswatch"
	"github.com/arung-agamani/denpa-radio/internal/mailbox"
	"github.com/arung-agamani/denpa-radio/internal/oggframe"
	"github.com/dhowden/tag"
)

// recentCap bounds how many recently-played indices a station avoids
// repeating, once its track list is large enough for the exclusion to make
// sense.
const recentCap = 10

// QueueFailureSentinel is returned by a queue request the station rejects
// (unknown track, or already queued).
const QueueFailureSentinel = "//FAILURE"

// RequestKind tags a message the orchestrator sends into a station.
type RequestKind int

const (
	ReqFileReady RequestKind = iota
	ReqList
	ReqQueue
	ReqQueueList
	ReqSkip
	ReqForceSkip
)

// Request is the single inbound message shape a Station's loop selects on —
// a tagged union on Kind rather than one Go channel type per request, the
// idiomatic rendering of dispatching on a completion payload's tag.
type Request struct {
	Kind RequestKind

	Track string // ReqFileReady: track name that was read
	Data  []byte // ReqFileReady: file bytes, nil on error
	Err   error  // ReqFileReady: read failure, if any

	QueueTrack string // ReqQueue
	SkipIP     string // ReqSkip

	ReplyTo *mailbox.Mailbox[Reply] // nil for ReqFileReady
}

// ReplyKind tags a Station's reply to a Request.
type ReplyKind int

const (
	RepList ReplyKind = iota
	RepQueue
	RepQueueList
	RepSkip
)

// Reply is a Station's response to a List/Queue/Skip request.
type Reply struct {
	Kind ReplyKind

	List      string   // RepList: "/"-joined track list
	TrackList []string // RepList

	Accepted string // RepQueue: accepted title, or QueueFailureSentinel

	Voted      bool // RepSkip: true iff this (ip, track) pair hadn't voted yet
	VoterCount int  // RepSkip: distinct IPs that have voted against the current track
}

// EventKind tags a message a Station sends out to the orchestrator.
type EventKind int

const (
	EvFileRequest EventKind = iota
	EvBroadcast
	EvFatal
)

// Event is a Station's outbound tagged union.
type Event struct {
	Kind      EventKind
	StationID int

	Track string // EvFileRequest

	Audio    AudioArtifact    // EvBroadcast
	Metadata MetadataArtifact // EvBroadcast

	Reason string // EvFatal
}

// AudioArtifact is the audio-channel payload shape a chunk emits (spec's
// "audio artifact").
type AudioArtifact struct {
	Duration    int64       `json:"duration"`
	StartOffset int64       `json:"start_offset"`
	Pages       []AudioPage `json:"pages"`
}

// AudioPage is one packed Opus packet inside an audio artifact. The field is
// named Buff, not Packets/Data, to match the wire shape listeners receive.
type AudioPage struct {
	Duration int64  `json:"duration"`
	Buff     []byte `json:"buff"`
}

// MetadataArtifact is the metadata-only channel payload shape.
type MetadataArtifact struct {
	Duration    int64  `json:"duration"`
	StartOffset int64  `json:"start_offset"`
	TotalLength int64  `json:"total_length"`
	Title       string `json:"title"`
}

// Station owns one audio directory and runs on its own goroutine — the
// idiomatic analogue of "its own thread running a completion-driven I/O
// loop". Every field below is touched only by the goroutine Run starts;
// callers reach a Station exclusively through In/Out, never by touching
// these fields, so no mutex guards them.
type Station struct {
	id   int
	name string
	dir  string

	In  *mailbox.Mailbox[Request]
	Out *mailbox.Mailbox[Event]

	trackSet      map[string]struct{}
	trackList     []string
	queue         []string
	queuedSet     map[string]struct{}
	recentIndices []int
	chunksFIFO    []oggframe.Chunk

	processingTrack string
	finishTime      time.Duration
	playbackTime    time.Duration
	skipVoters      map[string]struct{}

	currentTitle       string
	currentTotalLength int64

	watcher *fswatch.Watcher
}

// New scans dir for *.opus files and starts watching it for changes. The
// station's name is derived from dir's base name, lowercased with spaces
// replaced by underscores.
func New(id int, dir string) (*Station, error) {
	name := normalizeName(filepath.Base(dir))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("station %s: %w", name, err)
	}

	s := &Station{
		id:         id,
		name:       name,
		dir:        dir,
		trackSet:   make(map[string]struct{}),
		queuedSet:  make(map[string]struct{}),
		skipVoters: make(map[string]struct{}),
		In:         mailbox.New[Request](32),
		Out:        mailbox.New[Event](32),
	}

	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".opus") {
			continue
		}
		track := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if _, dup := s.trackSet[track]; dup {
			continue
		}
		s.trackSet[track] = struct{}{}
		s.trackList = append(s.trackList, track)
	}

	w, err := fswatch.New(dir)
	if err != nil {
		return nil, fmt.Errorf("station %s: watch: %w", name, err)
	}
	s.watcher = w

	return s, nil
}

func normalizeName(base string) string {
	return strings.ReplaceAll(strings.ToLower(base), " ", "_")
}

// extractTitle tries to read a display title out of the track's embedded
// tag metadata, falling back to the bare track name when the file carries
// no readable tags (dhowden/tag's Ogg reader looks for a "vorbis" comment
// header; an Opus comment header starts "OpusTags" instead, so this
// commonly falls through to the track-name fallback — the same
// fail-open shape the teacher's extractMetadata uses for any file it
// can't parse).
func extractTitle(data []byte, fallback string) string {
	m, err := tag.ReadFrom(bytes.NewReader(data))
	if err != nil || m.Title() == "" {
		return fallback
	}
	return m.Title()
}

// ID returns the station's registry id, used to compute broadcast channel
// ids (audio = 2*ID, metadata = 2*ID+1).
func (s *Station) ID() int { return s.id }

// Name returns the station's normalized, presentation-ready name.
func (s *Station) Name() string { return s.name }

// Dir returns the directory this station scans and watches for tracks.
func (s *Station) Dir() string { return s.dir }

// Run blocks, running the station's broadcast tick / request / directory
// watch loop until ctx is cancelled.
func (s *Station) Run(ctx context.Context) {
	slog.Info("station started", "station", s.name, "tracks", len(s.trackList))
	defer slog.Info("station stopped", "station", s.name)
	defer s.watcher.Close()

	fsEvents := s.watcher.Events()

	ticker := time.NewTicker(oggframe.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.tick() {
				return
			}
		case ev, ok := <-fsEvents:
			if ok {
				s.handleFSEvent(ev)
			}
		case req, ok := <-s.In.C():
			if ok {
				s.handleRequest(req)
			}
		}
	}
}

// tick runs one broadcast-tick evaluation: emit a queued chunk if one is
// ready, otherwise request the next track's file if playback is about to
// run dry. It returns true if the station hit a fatal condition (empty
// directory) and its Run loop should exit.
func (s *Station) tick() (fatal bool) {
	if len(s.chunksFIFO) > 0 {
		s.emitFront()
		return false
	}

	if s.processingTrack != "" {
		return false
	}

	if s.playbackTime < s.finishTime-oggframe.BroadcastInterval {
		return false
	}

	track, ok := s.selectNextTrack()
	if !ok {
		s.Out.Send(Event{Kind: EvFatal, StationID: s.id, Reason: "directory is empty"})
		return true
	}

	s.processingTrack = track
	s.Out.Send(Event{Kind: EvFileRequest, StationID: s.id, Track: track})
	return false
}

// emitFront pops the next ready chunk and hands it to the orchestrator as
// both a full audio artifact and a metadata-only artifact, advancing the
// station's paced playback clock by exactly the chunk's duration.
func (s *Station) emitFront() {
	chunk := s.chunksFIFO[0]
	s.chunksFIFO = s.chunksFIFO[1:]

	dur := time.Duration(chunk.DurationMS) * time.Millisecond
	s.playbackTime += dur

	pages := make([]AudioPage, len(chunk.Packets))
	for i, pkt := range chunk.Packets {
		pages[i] = AudioPage{Duration: pkt.Duration.Milliseconds(), Buff: pkt.Data}
	}

	s.Out.Send(Event{
		Kind:      EvBroadcast,
		StationID: s.id,
		Audio: AudioArtifact{
			Duration:    chunk.DurationMS,
			StartOffset: chunk.StartOffsetMS,
			Pages:       pages,
		},
		Metadata: MetadataArtifact{
			Duration:    chunk.DurationMS,
			StartOffset: chunk.StartOffsetMS,
			TotalLength: s.currentTotalLength,
			Title:       s.currentTitle,
		},
	})
}

// handleRequest dispatches a message the orchestrator sent into this
// station.
func (s *Station) handleRequest(req Request) {
	switch req.Kind {
	case ReqFileReady:
		s.onFileReady(req)
	case ReqList:
		s.onList(req)
	case ReqQueue:
		s.onQueue(req)
	case ReqQueueList:
		s.onQueueList(req)
	case ReqSkip:
		s.onSkip(req)
	case ReqForceSkip:
		s.onForceSkip()
	}
}

// onFileReady implements the *File-ready* operation: parse the track's Ogg
// pages, drop the header pages, pack the remainder into broadcast-sized
// chunks (folding a short tail into its predecessor), and push them onto
// the FIFO. If the FIFO was empty before this push, prime the pipeline by
// evaluating two ticks immediately instead of waiting on the next timer
// fire.
func (s *Station) onFileReady(req Request) {
	track := s.processingTrack
	s.processingTrack = ""

	if req.Err != nil {
		slog.Error("station: track read failed", "station", s.name, "track", track, "error", req.Err)
		return
	}

	packets, err := oggframe.ParseTrack(req.Data)
	if err != nil {
		slog.Warn("station: malformed track, skipping", "station", s.name, "track", track, "error", err)
		return
	}

	var total time.Duration
	for _, p := range packets {
		total += p.Duration
	}

	wasEmpty := len(s.chunksFIFO) == 0

	chunks := oggframe.PackChunks(packets, s.finishTime.Milliseconds())
	s.chunksFIFO = append(s.chunksFIFO, chunks...)
	s.finishTime += total
	s.currentTitle = extractTitle(req.Data, track)
	s.currentTotalLength = total.Milliseconds()
	s.skipVoters = make(map[string]struct{})

	slog.Info("station: track loaded", "station", s.name, "track", track,
		"chunks", len(chunks), "duration_ms", total.Milliseconds())

	if wasEmpty {
		s.tick()
		s.tick()
	}
}

func (s *Station) onList(req Request) {
	if req.ReplyTo == nil {
		return
	}
	req.ReplyTo.Send(Reply{
		Kind:      RepList,
		List:      strings.Join(s.trackList, "/"),
		TrackList: append([]string(nil), s.trackList...),
	})
}

func (s *Station) onQueue(req Request) {
	if req.ReplyTo == nil {
		return
	}
	track := req.QueueTrack
	if _, exists := s.trackSet[track]; !exists {
		req.ReplyTo.Send(Reply{Kind: RepQueue, Accepted: QueueFailureSentinel})
		return
	}
	if _, queued := s.queuedSet[track]; queued {
		req.ReplyTo.Send(Reply{Kind: RepQueue, Accepted: QueueFailureSentinel})
		return
	}

	s.queue = append(s.queue, track)
	s.queuedSet[track] = struct{}{}
	req.ReplyTo.Send(Reply{Kind: RepQueue, Accepted: track})
}

// onQueueList answers the *current queued titles* query (spec.md's
// `/audio_queue/<station>` endpoint) — distinct from onList's full
// track_list, this reports only what's waiting in the user-requested queue.
func (s *Station) onQueueList(req Request) {
	if req.ReplyTo == nil {
		return
	}
	req.ReplyTo.Send(Reply{Kind: RepQueueList, List: strings.Join(s.queue, "/")})
}

func (s *Station) onSkip(req Request) {
	if req.ReplyTo == nil {
		return
	}
	if _, voted := s.skipVoters[req.SkipIP]; voted {
		req.ReplyTo.Send(Reply{Kind: RepSkip, Voted: false, VoterCount: len(s.skipVoters)})
		return
	}
	s.skipVoters[req.SkipIP] = struct{}{}
	req.ReplyTo.Send(Reply{Kind: RepSkip, Voted: true, VoterCount: len(s.skipVoters)})
}

// onForceSkip implements this expansion's skip-threshold policy (see
// DESIGN.md's Open Question resolution): abort whatever is queued for the
// current track and pick a replacement immediately instead of waiting for
// chunksFIFO to run dry. finishTime is rolled back to playbackTime so the
// next tick's "is playback about to run dry" check passes right away.
func (s *Station) onForceSkip() {
	s.chunksFIFO = nil
	s.finishTime = s.playbackTime
	s.skipVoters = make(map[string]struct{})

	if s.processingTrack != "" {
		return
	}
	track, ok := s.selectNextTrack()
	if !ok {
		s.Out.Send(Event{Kind: EvFatal, StationID: s.id, Reason: "directory is empty"})
		return
	}
	s.processingTrack = track
	s.Out.Send(Event{Kind: EvFileRequest, StationID: s.id, Track: track})
}

// selectNextTrack implements *Track selection*: drain the user queue first
// (skipping entries whose track has since disappeared from the directory),
// else choose uniformly at random, excluding recently-played indices once
// the track list is large enough for that exclusion to be meaningful.
func (s *Station) selectNextTrack() (string, bool) {
	for len(s.queue) > 0 {
		track := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queuedSet, track)
		if _, ok := s.trackSet[track]; ok {
			return track, true
		}
	}

	if len(s.trackList) == 0 {
		return "", false
	}

	if len(s.trackList) < recentCap {
		return s.trackList[rand.IntN(len(s.trackList))], true
	}

	excluded := make(map[int]struct{}, len(s.recentIndices))
	for _, i := range s.recentIndices {
		excluded[i] = struct{}{}
	}

	idx := rand.IntN(len(s.trackList))
	for len(excluded) < len(s.trackList) {
		if _, excl := excluded[idx]; !excl {
			break
		}
		idx = rand.IntN(len(s.trackList))
	}

	s.recentIndices = append(s.recentIndices, idx)
	// recentIndices must never grow to cover the whole track list — at
	// trackList length exactly recentCap that would exclude every index and
	// spin the loop above forever — so the retained window is capped one
	// short of the track count as well as at recentCap.
	maxRecent := recentCap
	if room := len(s.trackList) - 1; maxRecent > room {
		maxRecent = room
	}
	for len(s.recentIndices) > maxRecent {
		s.recentIndices = s.recentIndices[1:]
	}

	return s.trackList[idx], true
}

// handleFSEvent implements *Directory change*: a track shows up or
// disappears from the watched directory outside of the initial scan.
func (s *Station) handleFSEvent(ev fswatch.Event) {
	switch ev.Kind {
	case fswatch.Added:
		if _, exists := s.trackSet[ev.Name]; exists {
			return
		}
		s.trackSet[ev.Name] = struct{}{}
		s.trackList = append(s.trackList, ev.Name)
		slog.Info("station: track discovered", "station", s.name, "track", ev.Name)

	case fswatch.Removed:
		if _, exists := s.trackSet[ev.Name]; !exists {
			return
		}
		delete(s.trackSet, ev.Name)
		for i, t := range s.trackList {
			if t == ev.Name {
				s.trackList = append(s.trackList[:i], s.trackList[i+1:]...)
				break
			}
		}
		slog.Info("station: track removed", "station", s.name, "track", ev.Name)
	}
}
