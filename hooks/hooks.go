package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/flowbase/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Write path events.
	EventPreApplyBatch  EventType = "PreApplyBatch"
	EventPostApplyBatch EventType = "PostApplyBatch"

	// Read path events.
	EventPreGet   EventType = "PreGet"
	EventPostGet  EventType = "PostGet"
	EventPreScan  EventType = "PreScan"
	EventPostScan EventType = "PostScan"

	// Store lifecycle events.
	EventPreFlushMemstore  EventType = "PreFlushMemstore"
	EventPostFlushMemstore EventType = "PostFlushMemstore"
	EventPreCompaction     EventType = "PreCompaction"
	EventPostCompaction    EventType = "PostCompaction"

	// Segment file events.
	EventPostSegmentCreate EventType = "PostSegmentCreate"
	EventPreSegmentDelete  EventType = "PreSegmentDelete"

	// Block cache events.
	EventOnCacheHit      EventType = "OnCacheHit"
	EventOnCacheMiss     EventType = "OnCacheMiss"
	EventOnCacheEviction EventType = "OnCacheEviction"

	// Engine lifecycle events.
	EventPreStartEngine  EventType = "PreStartEngine"
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// Pre-events run synchronously so a listener error can cancel the
	// operation; Post-events honor each listener's IsAsync preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener is the interface for components that subscribe to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event fires.
	// Returning an error from a Pre-event cancels the operation; errors
	// from Post-events are logged without affecting it.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority orders listeners for the same event. Lower runs first.
	Priority() int

	// IsAsync indicates whether Post-events should be delivered on a
	// separate goroutine.
	IsAsync() bool
}

// PreApplyBatchPayload carries the batch about to be applied. The pointer
// lets listeners inspect or veto it before any transform runs.
type PreApplyBatchPayload struct {
	Batch *core.WriteBatch
}

// NewPreApplyBatchEvent creates an event for before a batch is applied.
func NewPreApplyBatchEvent(payload PreApplyBatchPayload) HookEvent {
	return &BaseEvent{eventType: EventPreApplyBatch, payload: payload}
}

// PostApplyBatchPayload describes a completed apply, successful or not.
type PostApplyBatchPayload struct {
	Batch *core.WriteBatch
	Cells int
	Error error
}

// NewPostApplyBatchEvent creates an event for after a batch is applied.
func NewPostApplyBatchEvent(payload PostApplyBatchPayload) HookEvent {
	return &BaseEvent{eventType: EventPostApplyBatch, payload: payload}
}

// PreGetPayload carries the lookup request. The pointer lets listeners
// adjust parameters such as the version cap.
type PreGetPayload struct {
	Request *core.GetRequest
}

// NewPreGetEvent creates an event for before a point lookup runs.
func NewPreGetEvent(payload PreGetPayload) HookEvent {
	return &BaseEvent{eventType: EventPreGet, payload: payload}
}

// PostGetPayload describes a completed point lookup.
type PostGetPayload struct {
	Request  core.GetRequest
	Cells    int
	Duration time.Duration
	Error    error
}

// NewPostGetEvent creates an event for after a point lookup.
func NewPostGetEvent(payload PostGetPayload) HookEvent {
	return &BaseEvent{eventType: EventPostGet, payload: payload}
}

// PreScanPayload carries scan options before the scanner is built.
type PreScanPayload struct {
	Options *core.ScanOptions
}

// NewPreScanEvent creates an event for before a scan opens.
func NewPreScanEvent(payload PreScanPayload) HookEvent {
	return &BaseEvent{eventType: EventPreScan, payload: payload}
}

// PostScanPayload describes a finished scan.
type PostScanPayload struct {
	Options  core.ScanOptions
	Duration time.Duration
	Error    error
}

// NewPostScanEvent creates an event for after a scan closes.
func NewPostScanEvent(payload PostScanPayload) HookEvent {
	return &BaseEvent{eventType: EventPostScan, payload: payload}
}

// PreFlushMemstorePayload describes the memstore about to be flushed.
type PreFlushMemstorePayload struct {
	Cells     int
	SizeBytes int64
}

// NewPreFlushMemstoreEvent creates an event for before a memstore flush.
func NewPreFlushMemstoreEvent(payload PreFlushMemstorePayload) HookEvent {
	return &BaseEvent{eventType: EventPreFlushMemstore, payload: payload}
}

// SegmentInfo holds immutable facts about a segment file for hook payloads.
type SegmentInfo struct {
	ID    uint64
	Path  string
	Size  int64
	Cells int64
}

// PostFlushMemstorePayload describes the segment produced by a flush.
type PostFlushMemstorePayload struct {
	Segment  SegmentInfo
	Duration time.Duration
}

// NewPostFlushMemstoreEvent creates an event for after a memstore flush.
func NewPostFlushMemstoreEvent(payload PostFlushMemstorePayload) HookEvent {
	return &BaseEvent{eventType: EventPostFlushMemstore, payload: payload}
}

// PreCompactionPayload describes a compaction about to start. Kind is
// "minor" or "major".
type PreCompactionPayload struct {
	Kind   string
	Inputs []SegmentInfo
}

// NewPreCompactionEvent creates an event for before a compaction starts.
func NewPreCompactionEvent(payload PreCompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCompaction, payload: payload}
}

// PostCompactionPayload describes a finished compaction.
type PostCompactionPayload struct {
	Kind     string
	Inputs   []SegmentInfo
	Outputs  []SegmentInfo
	Duration time.Duration
	CellsIn  int64
	CellsOut int64
	BytesIn  int64
	BytesOut int64
	Error    error
}

// NewPostCompactionEvent creates an event for after a compaction finishes.
func NewPostCompactionEvent(payload PostCompactionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCompaction, payload: payload}
}

// NewPostSegmentCreateEvent creates an event for after a new segment file
// has been written and opened.
func NewPostSegmentCreateEvent(payload SegmentInfo) HookEvent {
	return &BaseEvent{eventType: EventPostSegmentCreate, payload: payload}
}

// NewPreSegmentDeleteEvent creates an event for before a segment file is
// removed from disk.
func NewPreSegmentDeleteEvent(payload SegmentInfo) HookEvent {
	return &BaseEvent{eventType: EventPreSegmentDelete, payload: payload}
}

// CachePayload carries the key for block cache events.
type CachePayload struct {
	Key string
}

// NewOnCacheHitEvent creates an event for a block cache hit.
func NewOnCacheHitEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheHit, payload: payload}
}

// NewOnCacheMissEvent creates an event for a block cache miss.
func NewOnCacheMissEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheMiss, payload: payload}
}

// NewOnCacheEvictionEvent creates an event for a block cache eviction.
func NewOnCacheEvictionEvent(payload CachePayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheEviction, payload: payload}
}

// EngineLifecyclePayload is used for engine start/close events.
type EngineLifecyclePayload struct{}

// NewPreStartEngineEvent creates an event for before the engine starts.
func NewPreStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreStartEngine, payload: EngineLifecyclePayload{}}
}

// NewPostStartEngineEvent creates an event for after the engine has started.
func NewPostStartEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostStartEngine, payload: EngineLifecyclePayload{}}
}

// NewPreCloseEngineEvent creates an event for before the engine closes.
func NewPreCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: EngineLifecyclePayload{}}
}

// NewPostCloseEngineEvent creates an event for after the engine has closed.
func NewPostCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostCloseEngine, payload: EngineLifecyclePayload{}}
}

// listenerWithPriority pairs a listener with its priority for ordered
// storage.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is the standard HookManager implementation.
type DefaultHookManager struct {
	// listeners holds per-event slices kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a DefaultHookManager. A nil logger is replaced
// with a discard logger.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for an event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]

	// Insert at the first index whose priority is >= the new item's.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})

	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for an event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-events must be synchronous so a listener error can cancel
		// the operation. Post-events follow the listener's preference.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("listener requested async delivery for a Pre-event, which is always synchronous",
					"event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("error from synchronous post-hook listener",
					"event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("error from asynchronous post-hook listener",
						"event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
