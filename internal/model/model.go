// Package model defines the controller's six shared tables — jobs, nodes,
// partitions, configs, associations, and usage — plus the credential and
// QOS types that reference them. Mutation is gated entirely by
// internal/locks; these types carry no locking of their own.
package model

import "time"

// NodeState is the node's base lifecycle state. NoRespond is tracked
// separately as an orthogonal flag bit, not a NodeState value.
type NodeState int

const (
	NodeUnknown NodeState = iota
	NodeIdle
	NodeBusy
	NodeDown
	NodeDraining
	NodeDrained
)

func (s NodeState) String() string {
	switch s {
	case NodeUnknown:
		return "UNKNOWN"
	case NodeIdle:
		return "IDLE"
	case NodeBusy:
		return "BUSY"
	case NodeDown:
		return "DOWN"
	case NodeDraining:
		return "DRAINING"
	case NodeDrained:
		return "DRAINED"
	default:
		return "UNKNOWN"
	}
}

// Node is a logical compute element. Every Node belongs to exactly one
// Config and at most one Partition at a time.
type Node struct {
	Index    int // dense index assigned at config load
	Name     string
	State    NodeState
	NoRespond bool

	LastResponse time.Time
	// BootTime and SlurmdStartTime are supplemental registration
	// timestamps. nodes.Register does not set them and the health probe
	// does not read them.
	BootTime        time.Time
	SlurmdStartTime time.Time

	CPUs       int
	RealMemory int
	TmpDisk    int

	ConfigIndex    int
	PartitionIndex int // -1 if unassigned

	Reason    string
	ReasonUID int
}

// Config is a shared node specification. Multiple Nodes reference one
// Config; Weight orders Configs for scheduling, lower weight scheduled
// first.
type Config struct {
	Index      int
	CPUs       int
	RealMemory int
	TmpDisk    int
	Weight     int
	Feature    []string
	// NodeBitmapHex is a log-friendly snapshot of the node set sharing
	// this Config. Registration does not refresh it, and internal/nodes
	// keeps no per-Config bitmap.
	NodeBitmapHex string
}

// SharedPolicy controls whether a partition's nodes may be shared across
// jobs.
type SharedPolicy int

const (
	SharedNo SharedPolicy = iota
	SharedYes
	SharedForce
	SharedExclusive
)

// PreemptMode names what happens to a partition's jobs when they are
// preempted: nothing (off), requeue, cancel, or suspend. Additive over the
// distilled spec, carried from the partition_mgr.c PreemptMode field.
type PreemptMode int

const (
	PreemptModeOff PreemptMode = iota
	PreemptModeRequeue
	PreemptModeCancel
	PreemptModeSuspend
)

// Partition is a named scheduling domain.
type Partition struct {
	Index    int
	Name     string
	MaxTime  int // minutes; -1 = unlimited
	MaxNodes int // -1 = unlimited
	MaxCPUs  int // -1 = unlimited
	RootOnly bool
	Shared   SharedPolicy
	StateUp  bool
	// Preempt governs preemption participation, additive to the spec's
	// distilled Partition fields.
	Preempt PreemptMode

	AllowGroups []string

	Nodes        string // raw hostlist string, ground truth for rendering
	NodeBitmapGen uint64 // bumped whenever node_bitmap is rebuilt

	Default bool
}

// JobState is the job's lifecycle state.
type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobSuspended
	JobCompleting
	JobCompleted
	JobCancelled
	JobFailed
	JobTimeout
	JobNodeFail
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobRunning:
		return "RUNNING"
	case JobSuspended:
		return "SUSPENDED"
	case JobCompleting:
		return "COMPLETING"
	case JobCompleted:
		return "COMPLETED"
	case JobCancelled:
		return "CANCELLED"
	case JobFailed:
		return "FAILED"
	case JobTimeout:
		return "TIMEOUT"
	case JobNodeFail:
		return "NODE_FAIL"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are legal from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobCancelled, JobFailed, JobTimeout, JobNodeFail:
		return true
	default:
		return false
	}
}

// CPURun is one run-length-encoded entry of the per-node CPU count vector:
// `count` CPUs repeated `reps` times.
type CPURun struct {
	Count int
	Reps  int
}

// Constraints captures a job's requested placement constraints.
type Constraints struct {
	MinNodes        int
	MaxNodes        int
	MinProcs        int
	MinProcsPerNode int
	MinMemoryPerNode int
	MinTmpDiskPerNode int
	RequiredNodes   string // hostlist pattern, may be empty
	Feature         string // boolean feature expression
	Contiguous      bool
	Shared          bool
	Exclusive       bool
	ReservationName string
}

// Job is a submitted work unit.
type Job struct {
	ID      uint32
	UserID  int
	GroupID int

	PartitionIndex int
	State          JobState

	Constraints Constraints

	AllocNodeBitmapHex string // rendered for logs; internal/jobs keeps only this hex form
	AllocNodeString    string
	CPUCountReps       []CPURun

	TimeLimitMinutes int
	SubmitTime       time.Time
	StartTime        time.Time
	EndTime          time.Time
	EligibleTime     time.Time

	Priority   uint32
	NextStepID uint32
	Steps      []uint32 // step ids, detail lives in internal/jobs

	ArrayTaskID  *uint32
	HetCompIndex *uint32
	Dependency   string

	Reason string
}

// StepID reserved values.
const (
	StepBatch       uint32 = 0xfffffffe
	StepInteractive uint32 = 0xfffffffd
)

// Step is a sub-allocation inside a Job.
type Step struct {
	JobID           uint32
	StepID          uint32
	NodeBitmapHex   string
	InterconnectCtx string // opaque context handle, if any
	StartTime       time.Time
	EndTime         time.Time
}

// Association is a nested-set tree node over (cluster, account, user,
// partition). lft < rgt is enforced by internal/assoc on every mutation.
type Association struct {
	ID      uint64
	Cluster string
	Account string
	User    string
	Partition string

	ParentID uint64
	Lft      uint64
	Rgt      uint64

	Limits Limits

	QOSBitmask uint64
	DeltaQOS   string

	Deleted bool
	ModTime time.Time
}

// Limits bundles the resource caps shared by Association and QOS.
type Limits struct {
	MaxJobsPerUser      int
	MaxSubmitPerUser    int
	MaxCPUsPerJob       int
	MaxNodesPerJob      int
	MaxWallPerJob       time.Duration
	MaxCPUMinutesPerJob int64
	GroupCPUs           int
	GroupNodes          int
}

// QOS is a quality-of-service class.
type QOS struct {
	ID     uint64
	Name   string
	Limits Limits

	PreemptBitset uint64 // QOS ids (as bit positions) this class may preempt
	UsageFactor   float64

	Deleted bool
	ModTime time.Time
}

// UsageScope names the entity a rollup record is keyed by.
type UsageScope int

const (
	ScopeCluster UsageScope = iota
	ScopeAssociation
	ScopeReservation
	ScopeWCKey
)

// UsagePeriod names the rollup granularity.
type UsagePeriod int

const (
	PeriodHour UsagePeriod = iota
	PeriodDay
	PeriodMonth
)

// UsageRecord is one derived, additive rollup row.
type UsageRecord struct {
	Scope       UsageScope
	Period      UsagePeriod
	ScopeKey    string // association id / reservation name / wckey name; empty for cluster
	PeriodStart time.Time

	TotalTime    int64 // CPU-seconds
	Allocated    int64
	Down         int64
	PlannedDown  int64
	Idle         int64
	Over         int64
	Reserved     int64
}

// CredentialContext names the flavor of a Credential.
type CredentialContext string

const (
	CredLaunch CredentialContext = "launch"
	CredSbcast CredentialContext = "sbcast"
	CredNet    CredentialContext = "net"
)

// Credential is a token authorizing a specific launch/sbcast/net action.
type Credential struct {
	Context    CredentialContext
	UID        int
	GID        int
	IssuedAt   time.Time
	Expiration time.Time

	// Payload is flavor-specific: identity descriptor for launch, sbcast
	// parameters for sbcast, node alias table for net.
	Payload map[string]string

	TokenID   string // unique id for replay tracking
	Signature []byte
}
