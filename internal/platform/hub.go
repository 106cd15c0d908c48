package platform

import (
	"context"
	"sync"
	"time"

	"trafficevo/internal/evo"
	"trafficevo/internal/model"
)

const (
	MessageGeneration = "generation"
	MessageFinished   = "finished"

	subscriberBuffer = 256

	DefaultStreamRetention = 32
)

// StreamMessage is one entry of a run's live stream.
type StreamMessage struct {
	Type        string                       `json:"type"`
	RunID       string                       `json:"run_id"`
	Generation  int                          `json:"generation,omitempty"`
	Diagnostics *model.GenerationDiagnostics `json:"diagnostics,omitempty"`
	Flagged     []model.FlaggedIndividual    `json:"flagged,omitempty"`
	Run         *model.RunRecord             `json:"run,omitempty"`
	Timestamp   string                       `json:"timestamp"`
}

type runStream struct {
	history     []StreamMessage
	subscribers map[int]chan StreamMessage
	done        bool
}

// Hub fans run progress out to live subscribers and keeps every message so
// late subscribers can replay the run. Slow subscribers miss messages
// rather than stall the run. Only the most recent finished streams are
// kept; older ones are evicted in the order they finished.
type Hub struct {
	mu       sync.Mutex
	streams  map[string]*runStream
	finished []string
	retain   int
	nextID   int
}

// NewHub keeps up to retain finished streams, or DefaultStreamRetention
// when retain is not positive.
func NewHub(retain int) *Hub {
	if retain <= 0 {
		retain = DefaultStreamRetention
	}
	return &Hub{streams: make(map[string]*runStream), retain: retain}
}

// Open starts the stream of runID. Messages for runs that were never
// opened are dropped.
func (h *Hub) Open(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[runID]; !ok {
		h.streams[runID] = &runStream{subscribers: make(map[int]chan StreamMessage)}
	}
}

// Subscribe returns the messages published so far for runID and a channel
// of the ones to come. The channel is closed once the run finishes or
// cancel is called. ok is false when the hub holds no stream for runID.
func (h *Hub) Subscribe(runID string) (replay []StreamMessage, updates <-chan StreamMessage, cancel func(), ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, found := h.streams[runID]
	if !found {
		return nil, nil, nil, false
	}
	replay = append([]StreamMessage(nil), s.history...)
	ch := make(chan StreamMessage, subscriberBuffer)
	if s.done {
		close(ch)
		return replay, ch, func() {}, true
	}
	h.nextID++
	id := h.nextID
	s.subscribers[id] = ch
	return replay, ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}, true
}

func (h *Hub) Publish(msg StreamMessage) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[msg.RunID]
	if !ok || s.done {
		return
	}
	s.history = append(s.history, msg)
	for _, sub := range s.subscribers {
		select {
		case sub <- msg:
		default:
		}
	}
	if msg.Type == MessageFinished {
		s.done = true
		for id, sub := range s.subscribers {
			delete(s.subscribers, id)
			close(sub)
		}
		h.finished = append(h.finished, msg.RunID)
		for len(h.finished) > h.retain {
			delete(h.streams, h.finished[0])
			h.finished = h.finished[1:]
		}
	}
}

func (h *Hub) Finish(run model.RunRecord) {
	h.Publish(StreamMessage{Type: MessageFinished, RunID: run.ID, Generation: run.Generation, Run: &run})
}

// Observer publishes each generation of runID.
func (h *Hub) Observer(runID string) evo.Observer {
	return evo.ObserverFunc(func(_ context.Context, report evo.GenerationReport) error {
		diag := toModelDiagnostics(report.Diagnostics)
		h.Publish(StreamMessage{
			Type:        MessageGeneration,
			RunID:       runID,
			Generation:  report.Generation,
			Diagnostics: &diag,
			Flagged:     toModelFlagged(runID, report),
		})
		return nil
	})
}
