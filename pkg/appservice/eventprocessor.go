// Copyright 2025-2026 Aiku AI

package appservice

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// ExecMode controls how the event processor runs registered handlers.
type ExecMode int

const (
	// AsyncHandlers runs every handler in its own goroutine.
	AsyncHandlers ExecMode = iota
	// AsyncLoop runs the whole dispatch loop in one background goroutine,
	// handlers sequentially. This is the default and keeps per-room event
	// ordering.
	AsyncLoop
	// Sync runs handlers inline in the caller of Dispatch.
	Sync
)

// EventHandler is a callback for one dispatched event.
type EventHandler func(ctx context.Context, evt *event.Event)

// EventProcessor routes events from an AppService's transaction channel to
// handlers registered per event type.
type EventProcessor struct {
	ExecMode ExecMode

	as       *AppService
	log      zerolog.Logger
	handlers map[event.Type][]EventHandler
	mu       sync.RWMutex

	started  bool
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewEventProcessor creates a processor consuming the given AppService's
// Events channel.
func NewEventProcessor(as *AppService) *EventProcessor {
	return &EventProcessor{
		ExecMode: AsyncLoop,
		as:       as,
		log:      as.Log.With().Str("component", "event_processor").Logger(),
		handlers: make(map[event.Type][]EventHandler),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// On registers a handler for the given event type. Multiple handlers per
// type run in registration order.
func (ep *EventProcessor) On(evtType event.Type, handler EventHandler) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.handlers[evtType] = append(ep.handlers[evtType], handler)
}

// Dispatch runs the handlers registered for the event's type. Panics in
// handlers are recovered and logged so one bad handler cannot stop the
// receiver.
func (ep *EventProcessor) Dispatch(ctx context.Context, evt *event.Event) {
	ep.mu.RLock()
	handlers := ep.handlers[evt.Type]
	ep.mu.RUnlock()
	for _, handler := range handlers {
		if ep.ExecMode == AsyncHandlers {
			go ep.callHandler(ctx, handler, evt)
		} else {
			ep.callHandler(ctx, handler, evt)
		}
	}
}

func (ep *EventProcessor) callHandler(ctx context.Context, handler EventHandler, evt *event.Event) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			ep.log.Error().
				Str("event_type", evt.Type.Type).
				Stringer("event_id", evt.ID).
				Any("panic", panicErr).
				Bytes("stack", debug.Stack()).
				Msg("Panic in event handler")
		}
	}()
	handler(ctx, evt)
}

// Start consumes the event channel until Stop is called or the channel is
// closed. With ExecMode Sync it blocks, otherwise it returns immediately.
func (ep *EventProcessor) Start(ctx context.Context) {
	ep.started = true
	if ep.ExecMode == Sync {
		ep.loop(ctx)
		return
	}
	go ep.loop(ctx)
}

func (ep *EventProcessor) loop(ctx context.Context) {
	defer close(ep.doneChan)
	for {
		select {
		case evt, ok := <-ep.as.Events:
			if !ok {
				return
			}
			ep.Dispatch(ctx, evt)
		case <-ep.stopChan:
			ep.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain dispatches events already buffered in the channel so an orderly
// shutdown does not drop acknowledged transactions.
func (ep *EventProcessor) drain(ctx context.Context) {
	for {
		select {
		case evt, ok := <-ep.as.Events:
			if !ok {
				return
			}
			ep.Dispatch(ctx, evt)
		default:
			return
		}
	}
}

// Stop ends the dispatch loop after draining buffered events and waits for
// it to exit. Safe to call more than once.
func (ep *EventProcessor) Stop() {
	ep.stopOnce.Do(func() {
		close(ep.stopChan)
	})
	if ep.started {
		<-ep.doneChan
	}
}
