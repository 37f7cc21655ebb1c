// Package reservation implements the Reservation Manager (C3): a
// priority-ordered table of multi-device time-sliced write locks, with
// case-insensitive priority validation, preemption, grace-period
// truncation, and garbage collection of finished tasks.
package reservation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldcore/driveragent/internal/model"
	"github.com/fieldcore/driveragent/internal/ports"
)

// TimeSlice is a half-open interval [Start, End). Two slices that only
// touch at a boundary (a.End == b.Start) do not overlap — this is the
// convention spec.md's C3 uses throughout, so a task ending at 09:00 and
// one starting at 09:00 on the same device are both schedulable.
type TimeSlice struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether s and other share any instant, under the
// half-open/touching-not-overlapping convention.
func (s TimeSlice) Overlaps(other TimeSlice) bool {
	return s.Start.Before(other.End) && other.Start.Before(s.End)
}

// Contains reports whether t falls within [Start, End).
func (s TimeSlice) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// Duration returns End - Start.
func (s TimeSlice) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Priority is one of LOW, LOW_PREEMPT, HIGH (spec.md §3). Matching against
// a caller-supplied string is case-insensitive (spec.md §4.3 step 5).
type Priority string

const (
	Low        Priority = "LOW"
	LowPreempt Priority = "LOW_PREEMPT"
	High       Priority = "HIGH"
)

// ParsePriority case-insensitively matches s against the three valid
// priority names.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToUpper(s) {
	case string(Low):
		return Low, true
	case string(LowPreempt):
		return LowPreempt, true
	case string(High):
		return High, true
	default:
		return "", false
	}
}

// TaskState is the lifecycle state of a Task (spec.md §3: PRE_RUN, RUNNING,
// PREEMPTED, FINISHED — there is no CANCELED state; cancellation removes
// the task from the table outright instead of transitioning it).
type TaskState int

const (
	PreRun TaskState = iota
	Running
	Preempted
	Finished
)

func (s TaskState) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Preempted:
		return "PREEMPTED"
	case Finished:
		return "FINISHED"
	default:
		return "PRE_RUN"
	}
}

// Request is one (device_topic, start, end) triple from new_task's
// requests sequence (spec.md §4.3).
type Request struct {
	Device string
	Slice  TimeSlice
}

// Task is a reservation held by one sending agent: a set of non-overlapping
// TimeSlices per device, all sharing one priority and one lifecycle state
// (spec.md §3).
type Task struct {
	ID       string
	Sender   string
	Priority Priority

	mu     sync.RWMutex
	state  TaskState
	slices map[string][]TimeSlice // device -> non-overlapping slices
}

func newTask(id, sender string, priority Priority, requests []Request, now time.Time) *Task {
	slices := make(map[string][]TimeSlice)
	for _, r := range requests {
		slices[r.Device] = append(slices[r.Device], r.Slice)
	}
	return &Task{
		ID:       id,
		Sender:   sender,
		Priority: priority,
		state:    computeState(slices, now),
		slices:   slices,
	}
}

func (t *Task) State() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Slices returns a copy of the task's device->TimeSlice map.
func (t *Task) Slices() map[string][]TimeSlice {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]TimeSlice, len(t.slices))
	for d, ss := range t.slices {
		cp := make([]TimeSlice, len(ss))
		copy(cp, ss)
		out[d] = cp
	}
	return out
}

func (t *Task) slicesFor(device string) []TimeSlice {
	return t.slices[device]
}

// overlapsDevice reports whether the task holds a slice on device
// overlapping slice.
func (t *Task) overlapsDevice(device string, slice TimeSlice) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.slices[device] {
		if s.Overlaps(slice) {
			return true
		}
	}
	return false
}

// preempt cuts every one of the task's slices on device that has not yet
// ended so that it ends no later than now+grace, drops any such slice that
// would then be empty (one starting at or after now+grace), and marks the
// task PREEMPTED (spec.md §4.3: "Preemption truncates B's current time
// slice to [now, now + grace_period] and transitions B to PREEMPTED").
func (t *Task) preempt(device string, now time.Time, grace time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	graceEnd := now.Add(grace)
	var kept []TimeSlice
	for _, s := range t.slices[device] {
		if s.End.After(now) {
			if graceEnd.Before(s.End) {
				s.End = graceEnd
			}
			if s.Start.Before(s.End) {
				kept = append(kept, s)
			}
			continue
		}
		kept = append(kept, s)
	}
	t.slices[device] = kept
	t.state = Preempted
}

// computeState derives PRE_RUN/RUNNING/FINISHED from a slice map and the
// current time: RUNNING if any slice contains now, else PRE_RUN if any
// slice starts in the future, else FINISHED.
func computeState(slices map[string][]TimeSlice, now time.Time) TaskState {
	future := false
	for _, ss := range slices {
		for _, s := range ss {
			if s.Contains(now) {
				return Running
			}
			if s.Start.After(now) {
				future = true
			}
		}
	}
	if future {
		return PreRun
	}
	return Finished
}

// Table holds every live Task, indexed by id for direct lookup and by
// device for overlap/lock checks.
type Table struct {
	mu       sync.RWMutex
	byID     map[string]*Task
	byDevice map[string][]*Task

	graceAfterPreempt          time.Duration
	overrides                  ports.OverrideManager
	requireReservationForWrite bool
	now                        func() time.Time
}

// Config bundles Table construction parameters.
type Config struct {
	// GraceAfterPreempt is the window, per spec.md §4.3, during which a
	// preempted task's prior holder retains write access after losing its
	// slot — "preemption grace time" (reservation_preempt_grace_time,
	// spec.md §6.1).
	GraceAfterPreempt time.Duration
	Overrides         ports.OverrideManager
	// RequireReservationForWrite mirrors the reservation_required_for_write
	// config flag (spec.md §4.3): when set, RaiseOnLocks rejects a write to
	// a device with no reservation at all, not only one held by someone else.
	RequireReservationForWrite bool
	Now                        func() time.Time
}

// New constructs an empty Table.
func New(cfg Config) *Table {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Table{
		byID:                       make(map[string]*Task),
		byDevice:                   make(map[string][]*Task),
		graceAfterPreempt:          cfg.GraceAfterPreempt,
		overrides:                  cfg.Overrides,
		requireReservationForWrite: cfg.RequireReservationForWrite,
		now:                        now,
	}
}

// Result mirrors the RPC-level Result{success, data, info_string} shape
// spec.md §6.2 assigns to request_new_schedule/request_cancel_schedule:
// validation failures are reported through Success/InfoString, not a
// returned Go error.
type Result struct {
	Success    bool
	Task       *Task
	Preempted  []*Task
	InfoString string
}

func fail(code string) Result { return Result{InfoString: code} }

// NewTask validates and, if accepted, inserts a reservation spanning one or
// more devices. sender, taskID, and priority are pointers so a caller can
// distinguish an absent (nil / JSON null) field from an explicitly empty
// one, matching the two distinct failure codes spec.md §4.3 assigns to
// each case. Validation runs in the exact order of spec.md §4.3's
// new_task steps 1-8.
func (tbl *Table) NewTask(sender, taskID, priority *string, requests []Request) Result {
	if sender != nil && *sender == "" {
		return fail(model.ReservationMalformedRequest)
	}
	if sender == nil {
		return fail(model.ReservationMissingAgentID)
	}
	if taskID == nil {
		return fail(model.ReservationMissingTaskID)
	}
	if *taskID == "" {
		return fail(model.ReservationMalformedRequest)
	}
	if len(requests) == 0 {
		return fail(model.ReservationMalformedRequestEmpty)
	}
	if priority == nil {
		return fail(model.ReservationMissingPriority)
	}
	prio, ok := ParsePriority(*priority)
	if !ok {
		return fail(model.ReservationInvalidPriority)
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	if _, exists := tbl.byID[*taskID]; exists {
		return fail(model.ReservationTaskIDAlreadyExists)
	}

	for i := range requests {
		for j := i + 1; j < len(requests); j++ {
			if requests[i].Device == requests[j].Device && requests[i].Slice.Overlaps(requests[j].Slice) {
				return fail(model.ReservationConflictsWithSelf)
			}
		}
	}

	now := tbl.now()
	var toPreempt []*Task
	seen := make(map[*Task]bool)
	for _, req := range requests {
		for _, existing := range tbl.byDevice[req.Device] {
			if existing.State() == Finished {
				continue
			}
			if !existing.overlapsDevice(req.Device, req.Slice) {
				continue
			}
			if !canPreempt(prio, existing) {
				return fail(model.ReservationConflictsWithExisting)
			}
			if !seen[existing] {
				seen[existing] = true
				toPreempt = append(toPreempt, existing)
			}
		}
	}

	for _, victim := range toPreempt {
		for _, req := range requests {
			if victim.overlapsDevice(req.Device, req.Slice) {
				victim.preempt(req.Device, now, tbl.graceAfterPreempt)
			}
		}
	}

	task := newTask(*taskID, *sender, prio, requests, now)
	tbl.byID[task.ID] = task
	for device := range task.slices {
		tbl.byDevice[device] = append(tbl.byDevice[device], task)
	}

	result := Result{Success: true, Task: task}
	if len(toPreempt) > 0 {
		result.Preempted = toPreempt
		result.InfoString = model.ReservationTasksWerePreempted
	}
	return result
}

// canPreempt implements spec.md §4.3's preemption rule: A (incoming, with
// priority newPriority) can preempt B (existing) iff priority(A) == HIGH
// and priority(B) ∈ {LOW, LOW_PREEMPT} and (B.state ∈ {PRE_RUN, FINISHED}
// or (B.state == RUNNING and priority(B) == LOW_PREEMPT)). A RUNNING LOW
// task is never preemptable.
func canPreempt(newPriority Priority, existing *Task) bool {
	if newPriority != High {
		return false
	}
	if existing.Priority != Low && existing.Priority != LowPreempt {
		return false
	}
	switch existing.State() {
	case PreRun, Finished:
		return true
	case Running:
		return existing.Priority == LowPreempt
	default:
		return false
	}
}

// CancelTask removes a task the caller (sender) owns. Unlike preemption,
// cancellation has no PREEMPTED-style terminal state of its own: spec.md
// §3's Task state enum has no CANCELED member, so a canceled task is
// deleted from the table outright rather than transitioned.
func (tbl *Table) CancelTask(sender, taskID string) Result {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	task, ok := tbl.byID[taskID]
	if !ok {
		return fail(model.ReservationTaskIDDoesNotExist)
	}
	if task.Sender != sender {
		return fail(model.ReservationAgentTaskMismatch)
	}

	delete(tbl.byID, taskID)
	for device := range task.slices {
		tbl.byDevice[device] = removeTask(tbl.byDevice[device], task)
	}
	return Result{Success: true, Task: task}
}

func removeTask(tasks []*Task, target *Task) []*Task {
	var out []*Task
	for _, t := range tasks {
		if t != target {
			out = append(out, t)
		}
	}
	return out
}

// Update advances every task's state against now (PRE_RUN -> RUNNING ->
// FINISHED; PREEMPTED -> FINISHED once its truncated slices have elapsed),
// then garbage-collects finished tasks.
func (tbl *Table) Update(now time.Time) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()

	for id, task := range tbl.byID {
		task.mu.Lock()
		next := computeState(task.slices, now)
		if task.state == Preempted {
			if next == Finished {
				task.state = Finished
			}
		} else {
			task.state = next
		}
		finished := task.state == Finished
		task.mu.Unlock()
		if finished {
			delete(tbl.byID, id)
		}
	}

	for device, tasks := range tbl.byDevice {
		var keep []*Task
		for _, t := range tasks {
			if _, ok := tbl.byID[t.ID]; ok {
				keep = append(keep, t)
			}
		}
		if len(keep) == 0 {
			delete(tbl.byDevice, device)
		} else {
			tbl.byDevice[device] = keep
		}
	}
}

// RaiseOnLocks fails with a ReservationLockError when device has no active
// reservation held by requester — either because someone else holds it, or
// because nobody does and requireReservationForWrite is set — and
// separately fails with an OverrideError when the Override Manager reports
// device overridden (spec.md §4.3). Override takes precedence.
func (tbl *Table) RaiseOnLocks(ctx context.Context, device, requester string, now time.Time) error {
	if tbl.overrides != nil && tbl.overrides.IsOverridden(device) {
		return model.OverrideError(device)
	}

	tbl.mu.RLock()
	ds, held := tbl.deviceStateLocked(device, now)
	tbl.mu.RUnlock()

	if held {
		if ds.AgentID != requester {
			return model.ReservationLockError(device, fmt.Sprintf("%s holds the active reservation on %s", ds.AgentID, device))
		}
		return nil
	}
	if tbl.requireReservationForWrite {
		return model.ReservationLockError(device, fmt.Sprintf("%s holds no active reservation on %s", requester, device))
	}
	return nil
}

// DeviceState is one device's current reservation snapshot
// (get_reservation_state, spec.md §4.3/§6.2).
type DeviceState struct {
	AgentID       string
	TaskID        string
	TimeRemaining time.Duration
}

func (tbl *Table) deviceStateLocked(device string, now time.Time) (DeviceState, bool) {
	for _, task := range tbl.byDevice[device] {
		if task.State() == Finished {
			continue
		}
		for _, s := range task.slicesFor(device) {
			if s.Contains(now) {
				return DeviceState{AgentID: task.Sender, TaskID: task.ID, TimeRemaining: s.End.Sub(now)}, true
			}
		}
	}
	return DeviceState{}, false
}

// DeviceState returns device's current reservation snapshot, if any.
func (tbl *Table) DeviceState(device string, now time.Time) (DeviceState, bool) {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	return tbl.deviceStateLocked(device, now)
}

// GetReservationState returns every device with a currently active
// reservation, keyed by device identifier (spec.md §4.3's
// get_reservation_state(now) -> device -> (agent_id, task_id,
// time_remaining)).
func (tbl *Table) GetReservationState(now time.Time) map[string]DeviceState {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	out := make(map[string]DeviceState, len(tbl.byDevice))
	for device := range tbl.byDevice {
		if ds, ok := tbl.deviceStateLocked(device, now); ok {
			out[device] = ds
		}
	}
	return out
}

// sortedDevices returns the keys of byDevice in sorted order, used only by
// callers that want deterministic iteration (diagnostics, tests).
func (tbl *Table) sortedDevices() []string {
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	out := make([]string, 0, len(tbl.byDevice))
	for d := range tbl.byDevice {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
