// Package statemachine tracks the externally observable lifecycle of the updates client.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lxc/updates-client/api"
)

// ErrInvalidTransition is returned when an event doesn't make sense from the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// transition describes which state an event is valid from and where it leads.
type transition struct {
	from []api.UpdatesStateValue

	// to is empty when the event leaves the state unchanged.
	to api.UpdatesStateValue
}

var anyState = []api.UpdatesStateValue{
	api.UpdatesStateIdle,
	api.UpdatesStateChecking,
	api.UpdatesStateDownloading,
	api.UpdatesStateRestarting,
}

var idle = []api.UpdatesStateValue{api.UpdatesStateIdle}

var transitions = map[api.StateEventType]transition{
	api.StateEventStartStartup: {from: idle, to: api.UpdatesStateIdle},
	api.StateEventEndStartup:   {from: anyState},

	api.StateEventCheck:                     {from: idle, to: api.UpdatesStateChecking},
	api.StateEventCheckCompleteUnavailable:  {from: []api.UpdatesStateValue{api.UpdatesStateChecking}, to: api.UpdatesStateIdle},
	api.StateEventCheckCompleteWithUpdate:   {from: []api.UpdatesStateValue{api.UpdatesStateChecking}, to: api.UpdatesStateIdle},
	api.StateEventCheckCompleteWithRollback: {from: []api.UpdatesStateValue{api.UpdatesStateChecking}, to: api.UpdatesStateIdle},
	api.StateEventCheckError:                {from: []api.UpdatesStateValue{api.UpdatesStateChecking}, to: api.UpdatesStateIdle},

	api.StateEventDownload:                     {from: idle, to: api.UpdatesStateDownloading},
	api.StateEventDownloadComplete:             {from: []api.UpdatesStateValue{api.UpdatesStateDownloading}, to: api.UpdatesStateIdle},
	api.StateEventDownloadCompleteWithUpdate:   {from: []api.UpdatesStateValue{api.UpdatesStateDownloading}, to: api.UpdatesStateIdle},
	api.StateEventDownloadCompleteWithRollback: {from: []api.UpdatesStateValue{api.UpdatesStateDownloading}, to: api.UpdatesStateIdle},
	api.StateEventDownloadError:                {from: []api.UpdatesStateValue{api.UpdatesStateDownloading}, to: api.UpdatesStateIdle},

	api.StateEventRestart: {from: idle, to: api.UpdatesStateRestarting},
}

// Machine is the updates state machine.
type Machine struct {
	mu sync.Mutex

	state       api.UpdatesStateValue
	context     api.UpdatesStateContext
	broadcaster *Broadcaster

	now func() time.Time
}

// New returns a machine in the idle state.
func New() *Machine {
	m := &Machine{
		state: api.UpdatesStateIdle,
		now:   time.Now,
	}

	m.broadcaster = NewBroadcaster(m.snapshot(api.StateEventReset))

	return m
}

// Broadcaster returns the broadcaster used to emit state changes.
func (m *Machine) Broadcaster() *Broadcaster {
	return m.broadcaster
}

// State returns the current state value.
func (m *Machine) State() api.UpdatesStateValue {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Context returns a copy of the current state context.
func (m *Machine) Context() api.UpdatesStateContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.context
}

// ProcessEvent validates the event against the current state, applies it and broadcasts the result.
// Events that are invalid from the current state leave the machine untouched and aren't broadcast.
func (m *Machine) ProcessEvent(ctx context.Context, event api.StateEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := transitions[event.Type]
	if !ok {
		return fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event.Type)
	}

	valid := false

	for _, from := range t.from {
		if from == m.state {
			valid = true

			break
		}
	}

	if !valid {
		slog.WarnContext(ctx, "Ignoring state event", "event", event.Type, "state", m.state)

		return fmt.Errorf("%w: %q from %q", ErrInvalidTransition, event.Type, m.state)
	}

	if t.to != "" {
		m.state = t.to
	}

	m.context = reduce(m.context, event, m.now())
	m.context.SequenceNumber++

	m.broadcaster.Publish(m.snapshot(event.Type))

	return nil
}

// Reset forces the machine back to idle, clears the context and bumps the restart count.
func (m *Machine) Reset(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = api.UpdatesStateIdle
	m.context = api.UpdatesStateContext{
		RestartCount:   m.context.RestartCount + 1,
		SequenceNumber: m.context.SequenceNumber + 1,
	}

	m.broadcaster.Publish(m.snapshot(api.StateEventReset))
}

func (m *Machine) snapshot(eventType api.StateEventType) api.StateChangeEvent {
	return api.StateChangeEvent{
		Type:    eventType,
		State:   m.state,
		Context: m.context,
	}
}

// reduce computes the context after an event.
func reduce(c api.UpdatesStateContext, event api.StateEvent, now time.Time) api.UpdatesStateContext {
	switch event.Type {
	case api.StateEventStartStartup:
		c.IsStartupProcedureRunning = true
	case api.StateEventEndStartup:
		c.IsStartupProcedureRunning = false
	case api.StateEventCheck:
		c.IsChecking = true
	case api.StateEventCheckCompleteUnavailable:
		c.IsChecking = false
		c.CheckError = nil
		c.LatestManifest = nil
		c.Rollback = nil
		c.IsUpdateAvailable = false
		c.LastCheckForUpdateTime = &now
	case api.StateEventCheckCompleteWithUpdate:
		c.IsChecking = false
		c.CheckError = nil
		c.LatestManifest = event.Manifest
		c.Rollback = nil
		c.IsUpdateAvailable = true
		c.LastCheckForUpdateTime = &now
	case api.StateEventCheckCompleteWithRollback:
		c.IsChecking = false
		c.CheckError = nil
		c.LatestManifest = nil
		c.Rollback = &api.RollbackInfo{CommitTime: event.CommitTime}
		c.IsUpdateAvailable = true
		c.LastCheckForUpdateTime = &now
	case api.StateEventCheckError:
		c.IsChecking = false
		c.CheckError = &api.ErrorInfo{Message: event.Message}
		c.LastCheckForUpdateTime = &now
	case api.StateEventDownload:
		c.IsDownloading = true
	case api.StateEventDownloadComplete:
		c.IsDownloading = false
		c.DownloadError = nil
	case api.StateEventDownloadCompleteWithUpdate:
		c.IsDownloading = false
		c.DownloadError = nil
		c.LatestManifest = event.Manifest
		c.DownloadedManifest = event.Manifest
		c.IsUpdateAvailable = true
		c.IsUpdatePending = true
	case api.StateEventDownloadCompleteWithRollback:
		c.IsDownloading = false
		c.DownloadError = nil
		c.Rollback = &api.RollbackInfo{CommitTime: event.CommitTime}
		c.IsUpdatePending = true
	case api.StateEventDownloadError:
		c.IsDownloading = false
		c.DownloadError = &api.ErrorInfo{Message: event.Message}
	case api.StateEventRestart:
		c.IsRestarting = true
	default:
	}

	return c
}
