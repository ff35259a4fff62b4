// Package orchestrator runs the single completion loop that multiplexes
// every Station Engine's file requests, fans out finished chunks to every
// Worker through a refcounted buffer store, and routes control RPCs
// (track list, queue, skip, new-listener subscription) between the two.
//
// Stations and workers are addressed only by the slice index they were
// registered with — never by pointer shared across goroutines — matching
// the flat-registry, message-only-addressing rendering of the source's
// cyclic Orchestrator/Station references.
package orchestrator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"

	"github.com/arung-agamani/denpa-radio/internal/bufstore"
	"github.com/arung-agamani/denpa-radio/internal/mailbox"
	"github.com/arung-agamani/denpa-radio/internal/station"
	"github.com/arung-agamani/denpa-radio/internal/wsworker"
	"golang.org/x/crypto/blake2b"
)

// channelCache holds independent copies of the two most recently broadcast
// buffers for a channel, replayed to newly-subscribed listeners so their
// stream starts without a dead interval. These are plain byte copies rather
// than bufstore handles: a handle's refcount is owned by the fan-out to
// workers and is typically fully released (and the underlying bytes freed)
// within milliseconds of publish, long before a later listener subscribes —
// caching the handle instead of the bytes would hand out a freed slot.
type channelCache struct {
	last       []byte
	secondLast []byte
}

// Orchestrator owns the station and worker registries and the buffer store
// they share.
type Orchestrator struct {
	store *bufstore.Store

	stations      []*station.Station
	stationByName map[string]*station.Station
	workers       []*wsworker.Worker

	cache map[int]*channelCache
}

// New builds an Orchestrator over an already-constructed set of stations and
// workers. Both slices are fixed for the orchestrator's lifetime: stations
// come from the initial MUSIC_DIR scan, workers from SERVER_THREADS.
func New(store *bufstore.Store, stations []*station.Station, workers []*wsworker.Worker) *Orchestrator {
	byName := make(map[string]*station.Station, len(stations))
	for _, s := range stations {
		byName[s.Name()] = s
	}
	return &Orchestrator{
		store:         store,
		stations:      stations,
		stationByName: byName,
		workers:       workers,
		cache:         make(map[int]*channelCache),
	}
}

// Run is the orchestrator's single main loop: a select over ctx.Done() plus
// every station's and every worker's outbound mailbox. Go's select
// statement only handles a fixed, compile-time set of cases, so a dynamic
// count of stations/workers is multiplexed with reflect.Select instead —
// the standard library's documented escape hatch for exactly this.
func (o *Orchestrator) Run(ctx context.Context) {
	slog.Info("orchestrator started", "stations", len(o.stations), "workers", len(o.workers))
	defer slog.Info("orchestrator stopped")

	cases := make([]reflect.SelectCase, 0, 1+len(o.stations)+len(o.workers))
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	for _, s := range o.stations {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(s.Out.C())})
	}
	for _, w := range o.workers {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(w.Out.C())})
	}

	for {
		chosen, recv, recvOK := reflect.Select(cases)
		if chosen == 0 {
			return
		}
		if !recvOK {
			// A station or worker mailbox was closed; this registry slot is
			// permanently idle, so stop selecting on it (reflect.Select
			// ignores a case whose Chan is the zero Value).
			cases[chosen].Chan = reflect.Value{}
			continue
		}

		idx := chosen - 1
		if idx < len(o.stations) {
			o.handleStationEvent(o.stations[idx], recv.Interface().(station.Event))
			continue
		}
		o.handleWorkerEvent(o.workers[idx-len(o.stations)], recv.Interface().(wsworker.Event))
	}
}

func (o *Orchestrator) handleStationEvent(s *station.Station, ev station.Event) {
	switch ev.Kind {
	case station.EvFileRequest:
		go o.serveFileRequest(s, ev.Track)
	case station.EvBroadcast:
		o.broadcast(s, ev)
	case station.EvFatal:
		slog.Error("station reported fatal condition, removing from routing", "station", s.Name(), "reason", ev.Reason)
		delete(o.stationByName, s.Name())
	}
}

// serveFileRequest implements *File request*: open the file and read it to
// completion. os.ReadFile already loops short reads to EOF internally, so
// the spec's partial-completion read loop collapses into one stdlib call
// here. It runs in its own goroutine so a slow disk read never stalls the
// orchestrator's main select loop.
func (o *Orchestrator) serveFileRequest(s *station.Station, track string) {
	path := filepath.Join(s.Dir(), track+".opus")
	data, err := os.ReadFile(path)
	s.In.Send(station.Request{Kind: station.ReqFileReady, Track: track, Data: data, Err: err})
}

// broadcast implements *Broadcast event*: wrap both artifacts into frames,
// insert each into the buffer store with refcount equal to the worker
// count, cache it for priming, and fan one (handle, channel) message out to
// every worker.
func (o *Orchestrator) broadcast(s *station.Station, ev station.Event) {
	audioChannel := 2 * s.ID()
	metaChannel := 2*s.ID() + 1

	audioBytes, err := json.Marshal(ev.Audio)
	if err != nil {
		slog.Error("failed to marshal audio artifact", "station", s.Name(), "error", err)
		return
	}
	metaBytes, err := json.Marshal(ev.Metadata)
	if err != nil {
		slog.Error("failed to marshal metadata artifact", "station", s.Name(), "error", err)
		return
	}

	o.publish(audioChannel, audioBytes)
	o.publish(metaChannel, metaBytes)
}

func (o *Orchestrator) publish(channelID int, data []byte) {
	handle := o.store.Insert(data, int32(len(o.workers)))

	sum := blake2b.Sum256(data)
	slog.Debug("buffer inserted", "channel", channelID, "handle", handle.ID,
		"len", handle.Len, "digest", hex.EncodeToString(sum[:8]))

	c := o.cache[channelID]
	if c == nil {
		c = &channelCache{}
		o.cache[channelID] = c
	}
	c.secondLast = c.last
	c.last = append([]byte(nil), data...)

	for i, w := range o.workers {
		if !w.In.TrySend(wsworker.FanoutMsg{ChannelID: channelID, Handle: handle}) {
			// A full worker mailbox drops this chunk for that worker. The
			// worker will never report a release for it, so its share of the
			// refcount is released here.
			slog.Warn("worker mailbox full, dropping chunk", "worker", i, "channel", channelID, "handle", handle.ID)
			o.store.Release(handle.ID)
		}
	}
}

func (o *Orchestrator) handleWorkerEvent(w *wsworker.Worker, ev wsworker.Event) {
	switch ev.Kind {
	case wsworker.EvSubscribe:
		o.subscribe(ev)
	case wsworker.EvListRequest:
		o.forwardList(ev)
	case wsworker.EvQueueRequest:
		o.forwardQueue(ev)
	case wsworker.EvQueueListRequest:
		o.forwardQueueList(ev)
	case wsworker.EvSkipRequest:
		o.forwardSkip(ev)
	case wsworker.EvRelease:
		o.release(ev)
	case wsworker.EvListenerLeft:
		// advisory only; no centralized subscriber registry to update here,
		// the worker already dropped its own subscription set entry.
	}
}

// subscribe implements *New-listener registration*: resolve station name
// and endpoint to a channel id, and reply with the cached primer buffers
// (skipping the second-last slot if a station has only emitted one chunk so
// far, the "primer count edge case" this module resolves, see DESIGN.md).
func (o *Orchestrator) subscribe(ev wsworker.Event) {
	if ev.ReplyTo == nil {
		return
	}

	s, ok := o.stationByName[ev.Station]
	if !ok {
		ev.ReplyTo.Send(wsworker.Reply{Kind: wsworker.RepSubscribe, ChannelID: -1})
		return
	}

	var channelID int
	switch ev.Endpoint {
	case "audio_broadcast":
		channelID = 2 * s.ID()
	case "metadata_only":
		channelID = 2*s.ID() + 1
	default:
		ev.ReplyTo.Send(wsworker.Reply{Kind: wsworker.RepSubscribe, ChannelID: -1})
		return
	}

	var primers [][]byte
	if c := o.cache[channelID]; c != nil {
		if c.secondLast != nil {
			primers = append(primers, c.secondLast)
		}
		if c.last != nil {
			primers = append(primers, c.last)
		}
	}

	ev.ReplyTo.Send(wsworker.Reply{Kind: wsworker.RepSubscribe, ChannelID: channelID, Primers: primers})
}

func (o *Orchestrator) forwardList(ev wsworker.Event) {
	s, ok := o.stationByName[ev.Station]
	if !ok {
		if ev.ReplyTo != nil {
			ev.ReplyTo.Send(wsworker.Reply{Kind: wsworker.RepList})
		}
		return
	}
	go func() {
		reply := mailbox.New[station.Reply](1)
		s.In.Send(station.Request{Kind: station.ReqList, ReplyTo: reply})
		r, _ := reply.Recv()
		if ev.ReplyTo != nil {
			ev.ReplyTo.Send(wsworker.Reply{Kind: wsworker.RepList, List: r.List})
		}
	}()
}

func (o *Orchestrator) forwardQueue(ev wsworker.Event) {
	s, ok := o.stationByName[ev.Station]
	if !ok {
		if ev.ReplyTo != nil {
			ev.ReplyTo.Send(wsworker.Reply{Kind: wsworker.RepQueue, Accepted: station.QueueFailureSentinel})
		}
		return
	}
	go func() {
		reply := mailbox.New[station.Reply](1)
		s.In.Send(station.Request{Kind: station.ReqQueue, QueueTrack: ev.Track, ReplyTo: reply})
		r, _ := reply.Recv()
		if ev.ReplyTo != nil {
			ev.ReplyTo.Send(wsworker.Reply{Kind: wsworker.RepQueue, Accepted: r.Accepted})
		}
	}()
}

func (o *Orchestrator) forwardQueueList(ev wsworker.Event) {
	s, ok := o.stationByName[ev.Station]
	if !ok {
		if ev.ReplyTo != nil {
			ev.ReplyTo.Send(wsworker.Reply{Kind: wsworker.RepQueueList})
		}
		return
	}
	go func() {
		reply := mailbox.New[station.Reply](1)
		s.In.Send(station.Request{Kind: station.ReqQueueList, ReplyTo: reply})
		r, _ := reply.Recv()
		if ev.ReplyTo != nil {
			ev.ReplyTo.Send(wsworker.Reply{Kind: wsworker.RepQueueList, List: r.List})
		}
	}()
}

// skipVoterFloor is the minimum vote count that can ever trigger a forced
// skip, regardless of how few listeners are tuned in — a single lonely
// listener voting alone can't skip everyone's track (spec.md §9 Open
// Question, resolved in DESIGN.md).
const skipVoterFloor = 3

func (o *Orchestrator) forwardSkip(ev wsworker.Event) {
	s, ok := o.stationByName[ev.Station]
	if !ok {
		if ev.ReplyTo != nil {
			ev.ReplyTo.Send(wsworker.Reply{Kind: wsworker.RepSkip, Voted: false})
		}
		return
	}
	go func() {
		reply := mailbox.New[station.Reply](1)
		s.In.Send(station.Request{Kind: station.ReqSkip, SkipIP: ev.IP, ReplyTo: reply})
		r, _ := reply.Recv()
		if ev.ReplyTo != nil {
			ev.ReplyTo.Send(wsworker.Reply{Kind: wsworker.RepSkip, Voted: r.Voted, VoterCount: r.VoterCount})
		}

		if r.Voted && r.VoterCount >= o.skipThreshold(s) {
			s.In.Send(station.Request{Kind: station.ReqForceSkip})
		}
	}()
}

// skipThreshold computes the vote count that forces a skip: a quarter of
// the station's current audio-channel listener count across every worker,
// floored at skipVoterFloor.
func (o *Orchestrator) skipThreshold(s *station.Station) int {
	listeners := 0
	audioChannel := 2 * s.ID()
	for _, w := range o.workers {
		listeners += w.SubscriberCount(audioChannel)
	}
	threshold := listeners / 4
	if threshold < skipVoterFloor {
		threshold = skipVoterFloor
	}
	return threshold
}

// release implements *Release notification*: decrement the buffer's
// refcount, freeing it once every worker has reported delivery.
func (o *Orchestrator) release(ev wsworker.Event) {
	if o.store.Release(ev.HandleID) {
		slog.Debug("buffer freed", "handle", ev.HandleID)
	}
}
