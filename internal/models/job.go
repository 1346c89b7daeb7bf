package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidStatus is returned for status values outside the lifecycle enum.
var ErrInvalidStatus = errors.New("invalid job status")

// Status enumerates job lifecycle states. The integer values are the ones
// persisted in the jobs table.
type Status int

const (
	StatusQueued                Status = 1
	StatusActive                Status = 2
	StatusProcessed             Status = 3
	StatusProcessedWithFailures Status = 4
	StatusExecutorError         Status = 5
)

var statusNames = map[Status]string{
	StatusQueued:                "QUEUED",
	StatusActive:                "ACTIVE",
	StatusProcessed:             "PROCESSED",
	StatusProcessedWithFailures: "PROCESSED_WITH_FAILURES",
	StatusExecutorError:         "EXECUTOR_ERROR",
}

// TerminalStatuses lists the states no automatic transition leaves.
func TerminalStatuses() []Status {
	return []Status{StatusProcessed, StatusProcessedWithFailures, StatusExecutorError}
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Valid reports whether s is one of the five lifecycle states.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether s is PROCESSED, PROCESSED_WITH_FAILURES or EXECUTOR_ERROR.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusProcessedWithFailures || s == StatusExecutorError
}

// ParseStatus accepts the status name in any case; "processed_failures" is
// accepted as an alias for PROCESSED_WITH_FAILURES.
func ParseStatus(v string) (Status, error) {
	name := strings.ToUpper(strings.TrimSpace(v))
	if name == "PROCESSED_FAILURES" {
		return StatusProcessedWithFailures, nil
	}
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, v)
}

func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, int(s))
	}
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, string(b))
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// NewJob collects the fields a producer supplies when queueing work.
type NewJob struct {
	Username          string
	ActionReference   string
	TargetSelector    string
	Parameters        Parameters
	Secret            string
	InventorySnapshot InventorySnapshot
	Verbosity         int
}

// Validate checks the structured payloads before they reach the store.
func (n NewJob) Validate() error {
	if strings.TrimSpace(n.ActionReference) == "" {
		return errors.New("action reference is required")
	}
	if err := n.Parameters.Validate(); err != nil {
		return err
	}
	return n.InventorySnapshot.Validate()
}

// Job represents a task persisted in the job store.
type Job struct {
	ID                string            `json:"id"`
	Status            Status            `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	ModifiedAt        time.Time         `json:"modified_at"`
	Username          string            `json:"username"`
	ActionReference   string            `json:"action_reference"`
	TargetSelector    string            `json:"target_selector"`
	Parameters        Parameters        `json:"parameters"`
	Secret            string            `json:"-"`
	InventorySnapshot InventorySnapshot `json:"inventory_snapshot"`
	Verbosity         int               `json:"verbosity"`
}

// HostSummary is the per-host recap reported by the executor.
type HostSummary struct {
	Ok          int `json:"ok"`
	Changed     int `json:"changed"`
	Unreachable int `json:"unreachable"`
	Skipped     int `json:"skipped"`
	Failures    int `json:"failures"`
}

// Outcome is the structured result of one executor run.
type Outcome struct {
	Hosts      map[string]HostSummary `json:"stats"`
	Transcript string                 `json:"transcript"`
	Runtime    time.Duration          `json:"-"`
}

// FailureCount sums failed tasks across all hosts.
func (o Outcome) FailureCount() int {
	n := 0
	for _, h := range o.Hosts {
		n += h.Failures
	}
	return n
}

// UnreachableCount sums unreachable counts across all hosts.
func (o Outcome) UnreachableCount() int {
	n := 0
	for _, h := range o.Hosts {
		n += h.Unreachable
	}
	return n
}

// HasFailures reports whether any target host failed or was unreachable.
func (o Outcome) HasFailures() bool {
	return o.FailureCount()+o.UnreachableCount() > 0
}
