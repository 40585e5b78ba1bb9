// Package mock provides an in-memory s2s.Provider/s2s.Executor pair for
// tests that exercise the call runner and transport handlers without a live
// provider connection.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/callcore/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Executor = (*Executor)(nil)

// Provider is a test double that hands out Executors, recording every
// Config it was asked to Connect with.
type Provider struct {
	mu        sync.Mutex
	Connects  []s2s.Config
	ConnectErr error
	// Executors returned in FIFO order by successive Connect calls; if empty,
	// a fresh zero-value Executor is returned instead.
	Executors []*Executor
}

func (p *Provider) Connect(_ context.Context, cfg s2s.Config) (s2s.Executor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Connects = append(p.Connects, cfg)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if len(p.Executors) > 0 {
		ex := p.Executors[0]
		p.Executors = p.Executors[1:]
		return ex, nil
	}
	return NewExecutor(), nil
}

// Executor is a scriptable s2s.Executor: tests push events via Emit and
// inspect SentAudio/Interrupts/Closed afterward.
type Executor struct {
	events chan s2s.Event

	mu           sync.Mutex
	connected    bool
	speaking     bool
	closed       bool
	SentAudio    [][]byte
	Interrupts   int
	SendAudioErr error

	// ToolResults records every (callID, name, result) passed to
	// SubmitToolResult, in order.
	ToolResults []ToolResult
}

// ToolResult captures a single SubmitToolResult call for test assertions.
type ToolResult struct {
	CallID string
	Name   string
	Result string
}

// NewExecutor creates a ready, connected mock executor.
func NewExecutor() *Executor {
	return &Executor{events: make(chan s2s.Event, 64), connected: true}
}

// Emit pushes an event onto the channel Events returns, as the provider
// would. It blocks if the buffer is full, mirroring real backpressure.
func (e *Executor) Emit(evt s2s.Event) { e.events <- evt }

func (e *Executor) SendAudio(chunk []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SendAudioErr != nil {
		return e.SendAudioErr
	}
	e.SentAudio = append(e.SentAudio, chunk)
	return nil
}

func (e *Executor) Events() <-chan s2s.Event { return e.events }

func (e *Executor) Interrupt() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Interrupts++
	e.speaking = false
	return nil
}

func (e *Executor) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Executor) IsSpeaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// SetSpeaking lets a test simulate the provider entering/leaving a response turn.
func (e *Executor) SetSpeaking(speaking bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speaking = speaking
}

func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.connected = false
	close(e.events)
	return nil
}

// SubmitToolResult records the call for later inspection via ToolResults.
func (e *Executor) SubmitToolResult(callID, name, result string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ToolResults = append(e.ToolResults, ToolResult{CallID: callID, Name: name, Result: result})
	return nil
}

// Closed reports whether Close has been called.
func (e *Executor) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
