// Package transport implements the three end-user-facing transport
// handlers (H1 browser widget, H2 telephony media stream, H3 messenger
// WebRTC) that satisfy [call.Handler]. Each handler terminates one
// protocol-specific connection and normalizes it to the plain PCM16
// audio-event contract the Call Runner binds to a provider executor.
package transport

import (
	"sync"
	"sync/atomic"

	"github.com/MrWong99/callcore/internal/call"
)

// base holds the fields and emit helper every handler variant shares:
// identity, liveness, and the outbound event channel. It has no exported
// methods of its own beyond what [call.Handler] requires so each variant
// embeds it and implements the transport-specific behaviour on top.
//
// Grounded on the teacher's internal/discord voice-connection base struct
// (shared id/active/events fields with an emit helper, one concrete
// implementation per platform) — here split across three transport
// variants instead of one Discord gateway.
type base struct {
	sessionID string
	callID    string

	active atomic.Bool
	events chan call.HandlerEvent

	endOnce sync.Once
}

func newBase(sessionID, callID string) base {
	return base{
		sessionID: sessionID,
		callID:    callID,
		events:    make(chan call.HandlerEvent, 32),
	}
}

func (b *base) SessionID() string               { return b.sessionID }
func (b *base) CallID() string                   { return b.callID }
func (b *base) IsActive() bool                   { return b.active.Load() }
func (b *base) Events() <-chan call.HandlerEvent { return b.events }

// emit publishes evt, dropping silently if the channel is already closed.
func (b *base) emit(evt call.HandlerEvent) {
	defer func() { recover() }()
	b.events <- evt
}

// closeEvents closes the events channel exactly once, safe to call from
// multiple goroutines racing to tear the handler down.
func (b *base) closeEvents() {
	b.endOnce.Do(func() { close(b.events) })
}
