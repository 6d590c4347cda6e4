// Package ctld wires the four state tables (internal/jobs, internal/nodes,
// internal/partitions, internal/assoc) behind a hashicorp/raft FSM, and
// owns cluster membership (bootstrap/join/add-voter/remove-server).
package ctld

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/cuemby/warrenctld/internal/accounting"
	"github.com/cuemby/warrenctld/internal/assoc"
	"github.com/cuemby/warrenctld/internal/jobs"
	"github.com/cuemby/warrenctld/internal/log"
	"github.com/cuemby/warrenctld/internal/model"
	"github.com/cuemby/warrenctld/internal/nodes"
	"github.com/cuemby/warrenctld/internal/partitions"
	"github.com/cuemby/warrenctld/internal/store"
)

// Command is one Raft log entry: an operation name plus its JSON payload.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Operation names applied by FSM.Apply.
const (
	OpRegisterNode   = "register_node"
	OpAllocateNode   = "allocate_node"
	OpAllocateJob    = "allocate_job"
	OpReleaseNode    = "release_node"
	OpAdminDrainNode = "admin_drain_node"
	OpAdminDownNode  = "admin_down_node"
	OpMarkNoRespond  = "mark_no_respond"
	OpAddPartition   = "add_partition"
	OpUpdatePartition = "update_partition"
	OpSubmitJob      = "submit_job"
	OpMarkJobRunning = "mark_job_running"
	OpCancelJob      = "cancel_job"
	OpModifyJob      = "modify_job"
	OpStepCreate     = "step_create"
	OpInsertAssoc    = "insert_association"
	OpAddQOS         = "add_qos"
)

// State bundles the four in-memory tables the FSM mutates. Construction
// (name index sizing, config load) happens before the FSM exists; the FSM
// only ever calls mutating methods on an already-initialized State.
type State struct {
	Nodes      *nodes.Table
	Partitions *partitions.Table
	Jobs       *jobs.Table
	Assoc      *assoc.Tree
}

// FSM implements raft.FSM over State. When db is non-nil, every successful
// mutation is additionally mirrored into it, so the bbolt tables read by
// operator tooling stay current without waiting for the next snapshot.
type FSM struct {
	mu    sync.Mutex
	state *State
	db    *store.Store
	acct  *accounting.Writer
}

func NewFSM(state *State) *FSM {
	return &FSM{state: state}
}

// WithStore attaches a durable mirror and, since the accounting writer's
// two-step mutate+txn-append contract needs the same store, the
// accounting writer that appends ADD_JOB/MODIFY_JOB txn rows as jobs are
// submitted and modified. db may be nil to disable both (e.g. in tests).
func (f *FSM) WithStore(db *store.Store) *FSM {
	f.db = db
	if db != nil {
		f.acct = accounting.NewWriter(db)
	}
	return f
}

func (f *FSM) mirrorNode(n *model.Node) {
	if f.db == nil || n == nil {
		return
	}
	if err := f.db.PutNode(n); err != nil {
		log.WithComponent("ctld").Warn().Err(err).Str("node", n.Name).Msg("mirror node to store failed")
	}
}

func (f *FSM) mirrorJob(id uint32) {
	if f.db == nil {
		return
	}
	j, ok := f.state.Jobs.Get(id)
	if !ok {
		return
	}
	if err := f.db.PutJob(j); err != nil {
		log.WithComponent("ctld").Warn().Err(err).Uint32("job_id", id).Msg("mirror job to store failed")
	}
}

func (f *FSM) mirrorPartition(name string) {
	if f.db == nil {
		return
	}
	p, ok := f.state.Partitions.Get(name)
	if !ok {
		return
	}
	if err := f.db.PutPartition(p); err != nil {
		log.WithComponent("ctld").Warn().Err(err).Str("partition", name).Msg("mirror partition to store failed")
	}
}

type registerNodePayload struct {
	Name            string `json:"name"`
	ReportedCPUs    int    `json:"reported_cpus"`
	ReportedMem     int    `json:"reported_mem"`
	ReportedTmpDisk int    `json:"reported_tmp_disk"`
	FastSchedule    int    `json:"fast_schedule"`
	Now             int64  `json:"now"`
}

type nodeNamePayload struct {
	Name string `json:"name"`
}

type markNoRespondPayload struct {
	Name string `json:"name"`
	Set  bool   `json:"set"`
}

type adminDownPayload struct {
	Name      string `json:"name"`
	Reason    string `json:"reason"`
	ReasonUID int    `json:"reason_uid"`
}

type submitJobPayload struct {
	Job   *model.Job `json:"job"`
	Actor string     `json:"actor"`
	Now   int64      `json:"now"`
}

// allocateJobPayload carries an already-planned selector.Result: the node
// names chosen and the job's resulting allocation fields. Node allocation
// and the job's PENDING->RUNNING transition are applied together so a
// partial failure (a node raced onto another allocation between planning
// and commit) never leaves the job RUNNING without its nodes, or vice
// versa.
type allocateJobPayload struct {
	JobID          uint32          `json:"job_id"`
	NodeNames      []string        `json:"node_names"`
	AllocBitmapHex string          `json:"alloc_bitmap_hex"`
	AllocString    string          `json:"alloc_string"`
	Reps           []model.CPURun `json:"reps"`
	Now            int64           `json:"now"`
}

type markRunningPayload struct {
	ID             uint32          `json:"id"`
	AllocBitmapHex string          `json:"alloc_bitmap_hex"`
	AllocString    string          `json:"alloc_string"`
	Reps           []model.CPURun `json:"reps"`
	Now            int64           `json:"now"`
}

type cancelJobPayload struct {
	JobID  uint32  `json:"job_id"`
	StepID *uint32 `json:"step_id"`
}

type modifyJobPayload struct {
	JobID uint32            `json:"job_id"`
	U     jobs.ModifyUpdate `json:"update"`
}

type stepCreatePayload struct {
	JobID         uint32 `json:"job_id"`
	NodeBitmapHex string `json:"node_bitmap_hex"`
	CtxHandle     string `json:"ctx_handle"`
	Now           int64  `json:"now"`
}

type insertAssocPayload struct {
	ParentID  uint64 `json:"parent_id"`
	Account   string `json:"account"`
	User      string `json:"user"`
	Partition string `json:"partition"`
}

// Apply applies one committed Raft log entry, returning either an error or
// the operation's result (e.g. a minted job id), matching the Command
// dispatch convention used elsewhere in this codebase.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("ctld: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpRegisterNode:
		var p registerNodePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		err := f.state.Nodes.Register(p.Name, p.ReportedCPUs, p.ReportedMem, p.ReportedTmpDisk, p.FastSchedule, time.Unix(p.Now, 0))
		if err == nil {
			if n, ok := f.state.Nodes.Get(p.Name); ok {
				f.mirrorNode(n)
			}
		}
		return err

	case OpAllocateNode:
		var p nodeNamePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		err := f.state.Nodes.Allocate(p.Name)
		if err == nil {
			if n, ok := f.state.Nodes.Get(p.Name); ok {
				f.mirrorNode(n)
			}
		}
		return err

	case OpAllocateJob:
		var p allocateJobPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		allocated := make([]string, 0, len(p.NodeNames))
		for _, name := range p.NodeNames {
			if err := f.state.Nodes.Allocate(name); err != nil {
				for _, done := range allocated {
					_ = f.state.Nodes.Release(done)
				}
				return err
			}
			allocated = append(allocated, name)
		}
		if err := f.state.Jobs.MarkRunning(p.JobID, p.AllocBitmapHex, p.AllocString, p.Reps, time.Unix(p.Now, 0)); err != nil {
			for _, done := range allocated {
				_ = f.state.Nodes.Release(done)
			}
			return err
		}
		for _, name := range allocated {
			if n, ok := f.state.Nodes.Get(name); ok {
				f.mirrorNode(n)
			}
		}
		f.mirrorJob(p.JobID)
		return nil

	case OpReleaseNode:
		var p nodeNamePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		err := f.state.Nodes.Release(p.Name)
		if err == nil {
			if n, ok := f.state.Nodes.Get(p.Name); ok {
				f.mirrorNode(n)
			}
		}
		return err

	case OpAdminDrainNode:
		var p nodeNamePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		err := f.state.Nodes.AdminDrain(p.Name)
		if err == nil {
			if n, ok := f.state.Nodes.Get(p.Name); ok {
				f.mirrorNode(n)
			}
		}
		return err

	case OpMarkNoRespond:
		var p markNoRespondPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		err := f.state.Nodes.MarkNoRespond(p.Name, p.Set)
		if err == nil {
			if n, ok := f.state.Nodes.Get(p.Name); ok {
				f.mirrorNode(n)
			}
		}
		return err

	case OpAdminDownNode:
		var p adminDownPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		err := f.state.Nodes.AdminDown(p.Name, p.Reason, p.ReasonUID)
		if err == nil {
			if n, ok := f.state.Nodes.Get(p.Name); ok {
				f.mirrorNode(n)
			}
		}
		return err

	case OpAddPartition:
		var part model.Partition
		if err := json.Unmarshal(cmd.Data, &part); err != nil {
			return err
		}
		err := f.state.Partitions.Add(&part)
		if err == nil {
			f.mirrorPartition(part.Name)
		}
		return err

	case OpUpdatePartition:
		var p struct {
			Name string            `json:"name"`
			U    partitions.Update `json:"update"`
		}
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		_, _, err := f.state.Partitions.Apply(p.Name, p.U)
		if err == nil {
			f.mirrorPartition(p.Name)
		}
		return err

	case OpSubmitJob:
		var p submitJobPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		id, err := f.state.Jobs.Submit(p.Job, time.Unix(p.Now, 0))
		if err != nil {
			return err
		}
		f.mirrorJob(id)
		if f.acct != nil {
			if j, ok := f.state.Jobs.Get(id); ok {
				if err := f.acct.AddJob(j, p.Actor, time.Unix(p.Now, 0)); err != nil {
					log.WithComponent("ctld").Warn().Err(err).Uint32("job_id", id).Msg("accounting add_job failed")
				}
			}
		}
		return id

	case OpMarkJobRunning:
		var p markRunningPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		err := f.state.Jobs.MarkRunning(p.ID, p.AllocBitmapHex, p.AllocString, p.Reps, time.Unix(p.Now, 0))
		if err == nil {
			f.mirrorJob(p.ID)
		}
		return err

	case OpCancelJob:
		var p cancelJobPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		err := f.state.Jobs.Cancel(p.JobID, p.StepID)
		if err == nil {
			f.mirrorJob(p.JobID)
		}
		return err

	case OpModifyJob:
		var p modifyJobPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		err := f.state.Jobs.Modify(p.JobID, p.U)
		if err == nil {
			f.mirrorJob(p.JobID)
		}
		return err

	case OpStepCreate:
		var p stepCreatePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		stepID, err := f.state.Jobs.StepCreate(p.JobID, p.NodeBitmapHex, p.CtxHandle, time.Unix(p.Now, 0))
		if err != nil {
			return err
		}
		return stepID

	case OpInsertAssoc:
		var p insertAssocPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		a, err := f.state.Assoc.Insert(p.ParentID, p.Account, p.User, p.Partition)
		if err != nil {
			return err
		}
		return a

	case OpAddQOS:
		var q model.QOS
		if err := json.Unmarshal(cmd.Data, &q); err != nil {
			return err
		}
		return f.state.Assoc.AddQOS(&q)

	default:
		return fmt.Errorf("ctld: unknown op %q", cmd.Op)
	}
}

// Snapshot captures the full contents of every table.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := &Snapshot{
		Nodes:        f.state.Nodes.All(),
		Partitions:   f.state.Partitions.All(),
		Jobs:         f.state.Jobs.All(),
		Associations: f.state.Assoc.AllAssociations(),
		QOS:          f.state.Assoc.AllQOS(),
	}
	return snap, nil
}

// Restore replaces every table's contents with what's in rc.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("ctld: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	logger := log.WithComponent("ctld")
	for _, n := range snap.Nodes {
		if err := f.state.Nodes.RestoreNode(n); err != nil {
			return fmt.Errorf("ctld: restore node %s: %w", n.Name, err)
		}
	}
	for _, p := range snap.Partitions {
		if err := f.state.Partitions.Add(p); err != nil {
			logger.Warn().Err(err).Str("partition", p.Name).Msg("restore: partition already present, skipping")
		}
	}
	for _, j := range snap.Jobs {
		f.state.Jobs.RestoreJob(j)
	}
	for _, a := range snap.Associations {
		f.state.Assoc.RestoreAssociation(a)
	}
	for _, q := range snap.QOS {
		f.state.Assoc.RestoreQOS(q)
	}
	logger.Info().
		Int("nodes", len(snap.Nodes)).
		Int("partitions", len(snap.Partitions)).
		Int("jobs", len(snap.Jobs)).
		Msg("restored snapshot")
	return nil
}

// Snapshot is the point-in-time dump persisted by raft.SnapshotSink.
type Snapshot struct {
	Nodes        []*model.Node
	Partitions   []*model.Partition
	Jobs         []*model.Job
	Associations []*model.Association
	QOS          []*model.QOS
}

func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *Snapshot) Release() {}
