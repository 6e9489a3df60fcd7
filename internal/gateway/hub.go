package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/nexus/internal/bus"
	"github.com/nextlevelbuilder/nexus/internal/models"
	"github.com/nextlevelbuilder/nexus/pkg/protocol"
)

// queueSize bounds every stream queue. A consumer that falls this far
// behind starts losing events rather than stalling the bus handler.
const queueSize = 64

// maxOwnerQueues caps concurrent persistent streams across all owners.
const maxOwnerQueues = 256

// Hub routes bus events into per-connection queues: one queue per live
// run (POST /chat streams) and any number of per-owner queues (/stream
// and /ws connections). Registration is atomic against handler lookup,
// so a queue registered before its run is published can never miss the
// run's first event.
type Hub struct {
	bus *bus.Bus
	log *slog.Logger

	mu     sync.Mutex
	runs   map[string]chan protocol.UIEvent
	owners map[string]map[chan protocol.UIEvent]bool
}

func NewHub(b *bus.Bus, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		bus:    b,
		log:    log.With("service", "gateway_hub"),
		runs:   make(map[string]chan protocol.UIEvent),
		owners: make(map[string]map[chan protocol.UIEvent]bool),
	}
}

// Register subscribes the hub to its two event topics.
func (h *Hub) Register() {
	h.bus.Subscribe(bus.TopicUIEvents, h.onUIEvent)
	h.bus.Subscribe(bus.TopicCommandResult, h.onCommandResult)
}

// RegisterRun opens the event queue for one run. Call before publishing
// the run so no event can slip past the lookup.
func (h *Hub) RegisterRun(runID string) chan protocol.UIEvent {
	q := make(chan protocol.UIEvent, queueSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.runs[runID]; ok {
		close(old)
	}
	h.runs[runID] = q
	return q
}

// UnregisterRun closes and forgets a run queue. Safe to call after the
// hub already closed it on run_finished.
func (h *Hub) UnregisterRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeRunLocked(runID)
}

func (h *Hub) closeRunLocked(runID string) {
	if q, ok := h.runs[runID]; ok {
		delete(h.runs, runID)
		close(q)
	}
}

// RegisterOwner opens a persistent queue for one owner connection.
// Returns nil when the hub is at its subscriber cap.
func (h *Hub) RegisterOwner(key string) chan protocol.UIEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for _, set := range h.owners {
		total += len(set)
	}
	if total >= maxOwnerQueues {
		h.log.Warn("owner queue cap reached", "owner", key, "cap", maxOwnerQueues)
		return nil
	}

	q := make(chan protocol.UIEvent, queueSize)
	set, ok := h.owners[key]
	if !ok {
		set = make(map[chan protocol.UIEvent]bool)
		h.owners[key] = set
	}
	set[q] = true
	return q
}

// UnregisterOwner closes one owner queue.
func (h *Hub) UnregisterOwner(key string, q chan protocol.UIEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.owners[key]
	if !ok || !set[q] {
		return
	}
	delete(set, q)
	if len(set) == 0 {
		delete(h.owners, key)
	}
	close(q)
}

// onUIEvent routes one ui.events message into its run queue. The queue
// closes right after run_finished so SSE consumers see a clean end of
// stream.
func (h *Hub) onUIEvent(ctx context.Context, msg *models.Message) {
	ev, ok := eventFrom(msg)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.runs[msg.RunID]
	if !ok {
		return
	}
	select {
	case q <- ev:
	default:
		h.log.Warn("run queue full, dropping event", "run_id", msg.RunID, "event", ev.Event)
	}
	if ev.Event == protocol.EventRunFinished {
		h.closeRunLocked(msg.RunID)
	}
}

// onCommandResult fans a command.result out to every persistent queue
// the owner holds open.
func (h *Hub) onCommandResult(ctx context.Context, msg *models.Message) {
	data, ok := msg.Content.AsData()
	if !ok {
		return
	}
	ev := protocol.UIEvent{
		Event:   protocol.EventCommandResult,
		RunID:   msg.RunID,
		Payload: data,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for q := range h.owners[msg.OwnerKey] {
		select {
		case q <- ev:
		default:
			h.log.Warn("owner queue full, dropping event", "owner", msg.OwnerKey)
		}
	}
}

// eventFrom decodes a ui.events bus message into a stream frame. The
// message's own run id is authoritative.
func eventFrom(msg *models.Message) (protocol.UIEvent, bool) {
	data, ok := msg.Content.AsData()
	if !ok {
		return protocol.UIEvent{}, false
	}
	name, _ := data["event"].(string)
	if name == "" {
		return protocol.UIEvent{}, false
	}
	ev := protocol.UIEvent{Event: name, RunID: msg.RunID}
	if payload, ok := data["payload"].(map[string]any); ok {
		ev.Payload = payload
	}
	return ev, true
}
