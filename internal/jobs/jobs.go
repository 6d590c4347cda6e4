// Package jobs owns the job and step tables: submission validation, job-id
// minting, priority assignment, cancellation, modification, step creation,
// and the purge sweep. Callers must hold the internal/locks Jobs lock (plus
// Nodes/Partitions as the operation requires) before calling into Table.
package jobs

import (
	"fmt"
	"time"

	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/model"
)

// PrioPlugin assigns a job's scheduling priority; the default implements
// "max priority minus age". Sites may register an alternative at startup.
type PrioPlugin interface {
	Priority(j *model.Job, now time.Time) uint32
}

// AgePrio is the default PrioPlugin: priority decays linearly from maxPrio
// as the job ages past submission, floored at zero.
type AgePrio struct {
	MaxPriority   uint32
	AgeFactorSecs uint32 // priority points subtracted per second of age
}

func (p AgePrio) Priority(j *model.Job, now time.Time) uint32 {
	ageSecs := uint32(now.Sub(j.SubmitTime).Seconds())
	decay := ageSecs * p.AgeFactorSecs
	if decay >= p.MaxPriority {
		return 0
	}
	return p.MaxPriority - decay
}

// Table holds the live job/step state.
type Table struct {
	jobs  map[uint32]*model.Job
	steps map[uint32]map[uint32]*model.Step

	nextCandidate uint32
	lowerBound    uint32

	prio PrioPlugin
}

// NewTable constructs an empty job table; lowerBound is the configured
// minimum job id, below which set_job_id never assigns (matching the
// convention of reserving low ids for system use).
func NewTable(lowerBound uint32, prio PrioPlugin) *Table {
	if prio == nil {
		prio = AgePrio{MaxPriority: 1 << 20, AgeFactorSecs: 1}
	}
	return &Table{
		jobs:          map[uint32]*model.Job{},
		steps:         map[uint32]map[uint32]*model.Step{},
		nextCandidate: lowerBound,
		lowerBound:    lowerBound,
		prio:          prio,
	}
}

// SetJobID mints the next unique job id: the first candidate at or above
// lowerBound not already in use, wrapping back to lowerBound on reaching
// math.MaxUint32 (the "no value" sentinel, never minted) and scanning
// forward again until a free id is found or every id is exhausted.
func (t *Table) SetJobID() (uint32, error) {
	start := t.nextCandidate
	if start == ^uint32(0) {
		start = t.lowerBound
	}
	id := start
	for {
		if _, used := t.jobs[id]; !used {
			t.nextCandidate = id + 1
			if t.nextCandidate == ^uint32(0) { // MaxUint32 is never minted
				t.nextCandidate = t.lowerBound
			}
			return id, nil
		}
		id++
		if id == ^uint32(0) {
			id = t.lowerBound
		}
		if id == start {
			return 0, fmt.Errorf("jobs: job id space exhausted")
		}
	}
}

// Submit materializes a Job in PENDING state with a freshly minted id and
// priority, per job_allocate step 2.
func (t *Table) Submit(j *model.Job, now time.Time) (uint32, error) {
	id, err := t.SetJobID()
	if err != nil {
		return 0, err
	}
	j.ID = id
	j.State = model.JobPending
	j.SubmitTime = now
	j.EligibleTime = now
	j.Priority = t.prio.Priority(j, now)
	j.NextStepID = 0
	t.jobs[id] = j
	t.steps[id] = map[uint32]*model.Step{}
	return id, nil
}

// RestoreJob inserts a job at its exact stored id and advances the id
// minting cursor past it. Used only by Raft snapshot restore.
func (t *Table) RestoreJob(j *model.Job) {
	t.jobs[j.ID] = j
	if t.steps[j.ID] == nil {
		t.steps[j.ID] = map[uint32]*model.Step{}
	}
	if j.ID >= t.nextCandidate {
		t.nextCandidate = j.ID + 1
	}
}

// RestoreStep inserts a step at its exact stored (job id, step id). Used
// only by Raft snapshot restore.
func (t *Table) RestoreStep(s *model.Step) {
	if t.steps[s.JobID] == nil {
		t.steps[s.JobID] = map[uint32]*model.Step{}
	}
	t.steps[s.JobID][s.StepID] = s
}

func (t *Table) Get(id uint32) (*model.Job, bool) {
	j, ok := t.jobs[id]
	return j, ok
}

func (t *Table) All() []*model.Job {
	out := make([]*model.Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j)
	}
	return out
}

// Pending returns every PENDING job, for the scheduler tick to sort by
// priority descending, submit time ascending as a tiebreak.
func (t *Table) Pending() []*model.Job {
	var out []*model.Job
	for _, j := range t.jobs {
		if j.State == model.JobPending {
			out = append(out, j)
		}
	}
	return out
}

// MarkRunning transitions a job from PENDING to RUNNING with the given
// allocation.
func (t *Table) MarkRunning(id uint32, allocBitmapHex, allocString string, reps []model.CPURun, now time.Time) error {
	j, ok := t.jobs[id]
	if !ok {
		return ctlerrors.New(ctlerrors.CodeJobNotPending)
	}
	if j.State != model.JobPending {
		return ctlerrors.New(ctlerrors.CodeJobNotPending)
	}
	j.State = model.JobRunning
	j.AllocNodeBitmapHex = allocBitmapHex
	j.AllocNodeString = allocString
	j.CPUCountReps = reps
	j.StartTime = now
	return nil
}

// Cancel cancels a job or one of its steps. Cancelling a step removes its
// step record and leaves the job running; cancelling the job (stepID == nil)
// transitions it to CANCELLED, or COMPLETING if steps are still active.
// Idempotent: a second cancel on an already-terminal job returns
// ALREADY_DONE without mutating state or appending a txn row.
func (t *Table) Cancel(jobID uint32, stepID *uint32) error {
	j, ok := t.jobs[jobID]
	if !ok {
		return ctlerrors.New(ctlerrors.CodeJobNotRunning)
	}
	if stepID != nil {
		steps := t.steps[jobID]
		if _, ok := steps[*stepID]; !ok {
			return ctlerrors.New(ctlerrors.CodeJobNotRunning)
		}
		delete(steps, *stepID)
		return nil
	}

	if j.State.IsTerminal() {
		return ctlerrors.New(ctlerrors.CodeAlreadyDone)
	}
	if j.State == model.JobCompleting {
		return ctlerrors.New(ctlerrors.CodeAlreadyDone)
	}
	if len(t.steps[jobID]) > 0 {
		j.State = model.JobCompleting
		return nil
	}
	j.State = model.JobCancelled
	return nil
}

// CompleteCompleting finishes a job sitting in COMPLETING once all its
// steps have signaled completion, moving it to the given terminal state.
func (t *Table) CompleteCompleting(jobID uint32, final model.JobState, now time.Time) error {
	j, ok := t.jobs[jobID]
	if !ok {
		return ctlerrors.New(ctlerrors.CodeJobNotFinished)
	}
	if j.State != model.JobCompleting {
		return ctlerrors.New(ctlerrors.CodeJobNotFinished)
	}
	j.State = final
	j.EndTime = now
	return nil
}

// ModifyUpdate mirrors the partition-update sentinel convention: only
// fields explicitly Set are touched.
type ModifyUpdate struct {
	TimeLimitMinutes *uint32 // may only increase (Modify rejects a decrease); partition policy is checked by the caller
	Priority         *uint32 // non-persistent across restarts; see PrioResetFail
}

// Modify applies a diff-style update. Returns CodeNoUpdate if the update is
// empty.
func (t *Table) Modify(jobID uint32, u ModifyUpdate) error {
	j, ok := t.jobs[jobID]
	if !ok {
		return ctlerrors.New(ctlerrors.CodeJobNotPending)
	}
	if u.TimeLimitMinutes == nil && u.Priority == nil {
		return ctlerrors.New(ctlerrors.CodeNoUpdate)
	}
	if u.TimeLimitMinutes != nil {
		if int(*u.TimeLimitMinutes) < j.TimeLimitMinutes {
			return ctlerrors.New(ctlerrors.CodeInvalidTimeLimit)
		}
		j.TimeLimitMinutes = int(*u.TimeLimitMinutes)
	}
	if u.Priority != nil {
		j.Priority = *u.Priority
	}
	return nil
}

// StepCreate allocates a step-id and records the step's node subset and
// interconnect context handle. The topology allocator call that produces
// ctxHandle happens in the caller (internal/topology); a failure there maps
// to CodeInterconnectFailure and must not call StepCreate at all.
func (t *Table) StepCreate(jobID uint32, nodeBitmapHex, ctxHandle string, now time.Time) (uint32, error) {
	j, ok := t.jobs[jobID]
	if !ok {
		return 0, ctlerrors.New(ctlerrors.CodeJobNotRunning)
	}
	if j.State != model.JobRunning {
		return 0, ctlerrors.New(ctlerrors.CodeJobNotRunning)
	}
	stepID := j.NextStepID
	j.NextStepID++
	j.Steps = append(j.Steps, stepID)
	t.steps[jobID][stepID] = &model.Step{
		JobID:           jobID,
		StepID:          stepID,
		NodeBitmapHex:   nodeBitmapHex,
		InterconnectCtx: ctxHandle,
		StartTime:       now,
	}
	return stepID, nil
}

func (t *Table) Step(jobID, stepID uint32) (*model.Step, bool) {
	steps, ok := t.steps[jobID]
	if !ok {
		return nil, false
	}
	s, ok := steps[stepID]
	return s, ok
}

// Purge removes every job that finished more than minAge ago, freeing
// detail records (steps) while the caller is expected to have already
// rolled the job's summary into accounting.
func (t *Table) Purge(now time.Time, minAge time.Duration) []uint32 {
	var purged []uint32
	for id, j := range t.jobs {
		if !j.State.IsTerminal() {
			continue
		}
		if j.EndTime.IsZero() || now.Sub(j.EndTime) < minAge {
			continue
		}
		delete(t.jobs, id)
		delete(t.steps, id)
		purged = append(purged, id)
	}
	return purged
}
