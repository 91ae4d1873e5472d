// Package statemachine tracks the stages of one transcription request and
// rejects transitions the pipeline never makes.
package statemachine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tiroq/whisperrec/internal/diaglog"
)

// State is one stage of a transcription request.
type State string

const (
	StateIdle                   State = "idle"
	StateDiarizing              State = "diarizing"
	StateNoSpeakers             State = "no_speakers"
	StateSpeakersFound          State = "speakers_found"
	StateWholeFileTranscribing  State = "whole_file_transcribing"
	StatePerSegmentTranscribing State = "per_segment_transcribing"
	StateFormatting             State = "formatting"
	StateDone                   State = "done"
	StateFailed                 State = "failed"
)

// ErrInvalidTransition is returned for a move the request lifecycle does not
// allow.
var ErrInvalidTransition = errors.New("statemachine: invalid transition")

var transitions = map[State][]State{
	StateIdle:                   {StateDiarizing, StateWholeFileTranscribing},
	StateDiarizing:              {StateNoSpeakers, StateSpeakersFound, StateFailed},
	StateNoSpeakers:             {StateWholeFileTranscribing},
	StateSpeakersFound:          {StatePerSegmentTranscribing, StateWholeFileTranscribing},
	StatePerSegmentTranscribing: {StateFormatting, StateWholeFileTranscribing},
	StateWholeFileTranscribing:  {StateFormatting, StateFailed},
	StateFormatting:             {StateDone, StateFailed},
	StateFailed:                 {StateWholeFileTranscribing},
}

// CanTransition reports whether from -> to is part of the lifecycle,
// ignoring history.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition records one state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Machine tracks the state of a single request. It is safe for concurrent
// use; listeners run synchronously on the goroutine that made the change.
type Machine struct {
	mu        sync.Mutex
	state     State
	history   []Transition
	listeners []func(Transition)
	diag      *diaglog.Logger
	requestID string
}

// New returns a machine in StateIdle.
func New(requestID string) *Machine {
	return &Machine{
		state:     StateIdle,
		requestID: requestID,
		diag:      diaglog.NewNoOp(),
	}
}

// SetLogger attaches a diagnostic logger that records every transition.
func (m *Machine) SetLogger(l *diaglog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l == nil {
		l = diaglog.NewNoOp()
	}
	m.diag = l
}

// OnTransition registers fn to be called after every successful transition.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To moves the machine to next. Failed may be left only toward a whole-file
// retry, and only when the failure came from diarization.
func (m *Machine) To(next State, reason string) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	if from == StateFailed && m.failedFrom() != StateDiarizing {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is terminal after %s", ErrInvalidTransition, from, m.failedFrom())
	}

	tr := Transition{From: from, To: next, At: time.Now(), Reason: reason}
	m.state = next
	m.history = append(m.history, tr)
	listeners := append([]func(Transition){}, m.listeners...)
	diag := m.diag
	m.mu.Unlock()

	diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentStateMachine,
		Event:     diaglog.EventStateTransition,
		SessionID: m.requestID,
		Reason:    reason,
		Payload:   map[string]interface{}{"from": string(from), "to": string(next)},
	})
	for _, fn := range listeners {
		fn(tr)
	}
	return nil
}

// failedFrom returns the state that led into the latest Failed. Callers hold mu.
func (m *Machine) failedFrom() State {
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].To == StateFailed {
			return m.history[i].From
		}
	}
	return ""
}

// History returns a copy of every transition made so far.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Path returns the visited states, starting with Idle.
func (m *Machine) Path() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []State{StateIdle}
	for _, t := range m.history {
		out = append(out, t.To)
	}
	return out
}

// Terminal reports whether no further transitions are possible.
func (m *Machine) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateDone:
		return true
	case StateFailed:
		return m.failedFrom() != StateDiarizing
	}
	return false
}

// Elapsed returns the time since the first transition, or 0 before any.
func (m *Machine) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return 0
	}
	return time.Since(m.history[0].At)
}
