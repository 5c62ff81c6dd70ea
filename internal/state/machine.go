// Package state provides loop status management with validated transitions.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

// TransitionError is returned when an invalid status transition is attempted.
type TransitionError struct {
	LoopID string
	From   models.LoopStatus
	To     models.LoopStatus
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for loop %s: %s -> %s: %s",
		e.LoopID, e.From, e.To, e.Reason)
}

// TransitionEvent represents a status transition that occurred.
type TransitionEvent struct {
	LoopID    string
	From      models.LoopStatus
	To        models.LoopStatus
	Reason    string
	Iteration int
	Timestamp time.Time
}

// TransitionCallback is called when a status transition occurs.
type TransitionCallback func(event TransitionEvent)

// validTransitions defines which status transitions are allowed.
// Terminal statuses have no outgoing edges.
var validTransitions = map[models.LoopStatus]map[models.LoopStatus]bool{
	models.LoopStatusRunning: {
		models.LoopStatusPaused:   true, // operator pause or shutdown
		models.LoopStatusRebasing: true, // main branch moved
		models.LoopStatusComplete: true, // validation passed
		models.LoopStatusFailed:   true, // max iterations, unrecoverable error, retries exhausted
		models.LoopStatusStopped:  true, // stop message
	},
	models.LoopStatusPaused: {
		models.LoopStatusRunning: true, // resumed
		models.LoopStatusStopped: true,
		models.LoopStatusFailed:  true,
	},
	models.LoopStatusRebasing: {
		models.LoopStatusRunning: true, // rebase applied cleanly
		models.LoopStatusBlocked: true, // conflict
		models.LoopStatusStopped: true,
		models.LoopStatusFailed:  true,
	},
	models.LoopStatusBlocked: {
		models.LoopStatusRunning: true, // unblocked by an operator
		models.LoopStatusStopped: true,
		models.LoopStatusFailed:  true,
	},
}

// IsValidTransition checks if a status transition is allowed.
func IsValidTransition(from, to models.LoopStatus) bool {
	if from == to {
		return from.IsValid() // no-op
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidTargetStatuses returns the statuses reachable from the given status, sorted.
func ValidTargetStatuses(from models.LoopStatus) []models.LoopStatus {
	targets, ok := validTransitions[from]
	if !ok {
		return nil
	}
	result := make([]models.LoopStatus, 0, len(targets))
	for status := range targets {
		result = append(result, status)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Machine tracks loop statuses and rejects transitions the table does not allow.
type Machine struct {
	mu        sync.RWMutex
	statuses  map[string]models.LoopStatus
	callbacks []TransitionCallback
}

// NewMachine creates a new status machine.
func NewMachine() *Machine {
	return &Machine{
		statuses: make(map[string]models.LoopStatus),
	}
}

// OnTransition registers a callback to be called on status transitions.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Status returns the current status for a loop.
func (m *Machine) Status(loopID string) (models.LoopStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[loopID]
	return status, ok
}

// Track registers a loop with its current status. Loops restored from storage
// may start in any non-terminal status.
func (m *Machine) Track(loopID string, status models.LoopStatus) error {
	if !status.IsValid() {
		return &TransitionError{LoopID: loopID, To: status, Reason: "unknown status"}
	}
	if status.IsTerminal() {
		return &TransitionError{LoopID: loopID, To: status, Reason: "cannot track a terminal loop"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, exists := m.statuses[loopID]; exists {
		return &TransitionError{
			LoopID: loopID,
			From:   current,
			To:     status,
			Reason: "loop already tracked; use Transition instead",
		}
	}
	m.statuses[loopID] = status
	return nil
}

// Transition moves a loop to a new status and notifies callbacks.
func (m *Machine) Transition(loopID string, to models.LoopStatus, iteration int, reason string) error {
	m.mu.Lock()
	from, exists := m.statuses[loopID]
	if !exists {
		m.mu.Unlock()
		return &TransitionError{LoopID: loopID, To: to, Reason: "loop not tracked"}
	}
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !IsValidTransition(from, to) {
		m.mu.Unlock()
		return &TransitionError{LoopID: loopID, From: from, To: to, Reason: "transition not allowed"}
	}
	m.statuses[loopID] = to
	callbacks := append([]TransitionCallback(nil), m.callbacks...)
	m.mu.Unlock()

	event := TransitionEvent{
		LoopID:    loopID,
		From:      from,
		To:        to,
		Reason:    reason,
		Iteration: iteration,
		Timestamp: time.Now().UTC(),
	}
	for _, cb := range callbacks {
		cb(event)
	}
	return nil
}

// Remove stops tracking a loop.
func (m *Machine) Remove(loopID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, loopID)
}

// All returns a copy of every tracked status.
func (m *Machine) All() map[string]models.LoopStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]models.LoopStatus, len(m.statuses))
	for k, v := range m.statuses {
		result[k] = v
	}
	return result
}

// StatusInfo provides display information about a status.
type StatusInfo struct {
	Status      models.LoopStatus
	DisplayName string
	Description string
	IsActive    bool // iterations may run
	IsTerminal  bool
}

// GetStatusInfo returns display information about a status.
func GetStatusInfo(status models.LoopStatus) StatusInfo {
	switch status {
	case models.LoopStatusRunning:
		return StatusInfo{status, "Running", "Loop is iterating", true, false}
	case models.LoopStatusPaused:
		return StatusInfo{status, "Paused", "Loop is waiting to be resumed", false, false}
	case models.LoopStatusRebasing:
		return StatusInfo{status, "Rebasing", "Loop is rebasing onto the updated main branch", false, false}
	case models.LoopStatusBlocked:
		return StatusInfo{status, "Blocked", "Rebase conflict needs intervention", false, false}
	case models.LoopStatusComplete:
		return StatusInfo{status, "Complete", "Validation command passed", false, true}
	case models.LoopStatusFailed:
		return StatusInfo{status, "Failed", "Loop gave up", false, true}
	case models.LoopStatusStopped:
		return StatusInfo{status, "Stopped", "Loop was stopped", false, true}
	default:
		return StatusInfo{status, string(status), "Unknown status", false, false}
	}
}
