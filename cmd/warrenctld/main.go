// Command warrenctld is the cluster control daemon: it loads the node/
// partition/config file, stands up the Raft-backed controller, and serves
// RPCs and a Prometheus scrape endpoint until signaled to exit.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/warrenctld/internal/agents"
	"github.com/cuemby/warrenctld/internal/bitmap"
	"github.com/cuemby/warrenctld/internal/config"
	"github.com/cuemby/warrenctld/internal/cred"
	"github.com/cuemby/warrenctld/internal/ctld"
	"github.com/cuemby/warrenctld/internal/ctlerrors"
	"github.com/cuemby/warrenctld/internal/jobs"
	"github.com/cuemby/warrenctld/internal/locks"
	"github.com/cuemby/warrenctld/internal/log"
	"github.com/cuemby/warrenctld/internal/metrics"
	"github.com/cuemby/warrenctld/internal/model"
	"github.com/cuemby/warrenctld/internal/rollup"
	"github.com/cuemby/warrenctld/internal/rpc"
	"github.com/cuemby/warrenctld/internal/store"
)

// Message types dispatched over the control RPC socket.
const (
	MsgNodeRegister rpc.MessageType = iota + 1
	MsgJobSubmit
	MsgJobCancel
	MsgStepCreate
)

type markNoRespondPayload struct {
	Name string `json:"name"`
	Set  bool   `json:"set"`
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "warrenctld: %v\n", err)
		os.Exit(1)
	}
}

var (
	flagConfigFile  string
	flagStderrLevel int
	flagLogLevel    int
	flagSyslogLevel int
)

var rootCmd = &cobra.Command{
	Use:   "warrenctld",
	Short: "cluster workload manager control daemon",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfigFile, "config-file", "f", "", "path to the daemon configuration file (defaults to $SLURM_CONF)")
	rootCmd.Flags().IntVarP(&flagStderrLevel, "stderr-level", "e", 3, "stderr logging verbosity, 0-7")
	rootCmd.Flags().IntVarP(&flagLogLevel, "log-level", "l", 3, "logfile verbosity, 0-7")
	rootCmd.Flags().IntVarP(&flagSyslogLevel, "syslog-level", "s", 0, "syslog verbosity, 0-7 (0 disables syslog)")
}

func run(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.LevelFromVerbosity(flagStderrLevel)})
	logger := log.WithComponent("main")

	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	nodeID := cfg.Main.ControlMachine
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	clusterName := cfg.Main.ControlMachine

	if cfg.Main.StateSaveLocation != "" {
		if err := os.MkdirAll(cfg.Main.StateSaveLocation, 0o755); err != nil {
			return fmt.Errorf("create state save location: %w", err)
		}
	}

	db, err := store.Open(cfg.Main.StateSaveLocation)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	state, err := ctld.BuildState(cfg, clusterName, 1)
	if err != nil {
		return fmt.Errorf("build state: %w", err)
	}

	bindAddr := fmt.Sprintf("0.0.0.0:%d", cfg.Main.SlurmctldPort)
	ctl := ctld.NewController(ctld.Config{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  cfg.Main.StateSaveLocation,
	}, state, db)
	if err := ctl.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap raft: %w", err)
	}
	defer ctl.Shutdown()

	backend, err := cred.NewBackend(cfg.Main.CredType, cred.DeriveKey(clusterName), false)
	if err != nil {
		return fmt.Errorf("build credential backend: %w", err)
	}
	credMgr := cred.NewManager(backend)

	dispatcher := buildDispatcher(ctl, credMgr)

	metricsSrv := &http.Server{Addr: ":8080", Handler: metricsHandler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	heartbeatTimeout := time.Duration(cfg.Main.SlurmdTimeout) * time.Second
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 5 * time.Minute
	}
	group := buildAgents(ctl, credMgr, db, heartbeatTimeout, cfg.Main.StateSaveLocation)
	group.StartAll()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info().Str("node_id", nodeID).Str("bind_addr", bindAddr).Msg("warrenctld started")

	listenAndServeRPC(ctx, cfg.Main.SlurmctldPort+1, dispatcher)

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	group.StopAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// buildDispatcher registers the handlers for the RPCs this daemon answers.
// Each handler validates at the appropriate layer and then proposes a
// Command through the Controller, so every state mutation — success or
// failure — goes through Raft consensus exactly once.
func buildDispatcher(ctl *ctld.Controller, credMgr *cred.Manager) *rpc.Dispatcher {
	d := rpc.NewDispatcher()

	d.Register(rpc.Entry{
		MsgType:      MsgNodeRegister,
		Locks:        locks.Nodes | locks.Configs,
		RequiredAuth: rpc.AuthNone,
		Handler: func(ctx context.Context, body []byte) ([]byte, error) {
			var req struct {
				Name            string `json:"name"`
				ReportedCPUs    int    `json:"reported_cpus"`
				ReportedMem     int    `json:"reported_mem"`
				ReportedTmpDisk int    `json:"reported_tmp_disk"`
				FastSchedule    int    `json:"fast_schedule"`
			}
			if err := rpc.DecodePayload(body, &req); err != nil {
				return nil, err
			}
			data, _ := json.Marshal(map[string]interface{}{
				"name": req.Name, "reported_cpus": req.ReportedCPUs, "reported_mem": req.ReportedMem,
				"reported_tmp_disk": req.ReportedTmpDisk, "fast_schedule": req.FastSchedule, "now": time.Now().Unix(),
			})
			_, err := ctl.Apply(ctld.Command{Op: ctld.OpRegisterNode, Data: data}, 5*time.Second)
			if err != nil {
				return nil, err
			}
			return rpc.EncodePayload(map[string]string{"status": "ok"})
		},
	})

	d.Register(rpc.Entry{
		MsgType:      MsgJobSubmit,
		Locks:        locks.Jobs | locks.Partitions,
		RequiredAuth: rpc.AuthUser,
		Handler: func(ctx context.Context, body []byte) ([]byte, error) {
			var req struct {
				PartitionName    string             `json:"partition_name"`
				UserID           int                `json:"user_id"`
				GroupID          int                `json:"group_id"`
				UserGroups       []string           `json:"user_groups"`
				Constraints      model.Constraints  `json:"constraints"`
				TimeLimitMinutes int                `json:"time_limit_minutes"`
			}
			if err := rpc.DecodePayload(body, &req); err != nil {
				return nil, err
			}
			partition, ok := ctl.State().Partitions.Get(req.PartitionName)
			if err := jobs.ValidateSubmission(partition, ok, jobs.SubmitRequest{
				UserGroups:       req.UserGroups,
				Constraints:      req.Constraints,
				TimeLimitMinutes: req.TimeLimitMinutes,
			}); err != nil {
				return nil, err
			}

			job := &model.Job{
				UserID:           req.UserID,
				GroupID:          req.GroupID,
				PartitionIndex:   partition.Index,
				Constraints:      req.Constraints,
				TimeLimitMinutes: req.TimeLimitMinutes,
			}
			data, _ := json.Marshal(struct {
				Job   *model.Job `json:"job"`
				Actor string     `json:"actor"`
				Now   int64      `json:"now"`
			}{job, fmt.Sprint(req.UserID), time.Now().Unix()})
			result, err := ctl.Apply(ctld.Command{Op: ctld.OpSubmitJob, Data: data}, 5*time.Second)
			if err != nil {
				return nil, err
			}
			id, ok := result.(uint32)
			if !ok {
				return nil, fmt.Errorf("submit job: unexpected apply result type %T", result)
			}

			// Immediate path: try to place the job right away rather than
			// waiting for the next scheduler tick. A selection failure here
			// is not an error — the job simply sits PENDING until the tick
			// (or a future release) gives it another chance.
			if pending, ok := ctl.State().Jobs.Get(id); ok {
				tryAllocate(ctl, pending)
			}
			return rpc.EncodePayload(map[string]interface{}{"job_id": id})
		},
	})

	d.Register(rpc.Entry{
		MsgType:      MsgJobCancel,
		Locks:        locks.Jobs,
		RequiredAuth: rpc.AuthUser,
		Handler: func(ctx context.Context, body []byte) ([]byte, error) {
			var req struct {
				JobID  uint32  `json:"job_id"`
				StepID *uint32 `json:"step_id"`
			}
			if err := rpc.DecodePayload(body, &req); err != nil {
				return nil, err
			}
			data, _ := json.Marshal(req)
			_, err := ctl.Apply(ctld.Command{Op: ctld.OpCancelJob, Data: data}, 5*time.Second)
			if err != nil {
				return nil, err
			}
			return rpc.EncodePayload(map[string]string{"status": "ok"})
		},
	})

	d.Register(rpc.Entry{
		MsgType:      MsgStepCreate,
		Locks:        locks.Jobs,
		RequiredAuth: rpc.AuthUser,
		Handler: func(ctx context.Context, body []byte) ([]byte, error) {
			var req struct {
				JobID         uint32 `json:"job_id"`
				NodeBitmapHex string `json:"node_bitmap_hex"`
				CtxHandle     string `json:"ctx_handle"`
			}
			if err := rpc.DecodePayload(body, &req); err != nil {
				return nil, err
			}
			job, ok := ctl.State().Jobs.Get(req.JobID)
			if !ok {
				return nil, ctlerrors.New(ctlerrors.CodeJobNotRunning)
			}

			now := time.Now()
			data, _ := json.Marshal(struct {
				JobID         uint32 `json:"job_id"`
				NodeBitmapHex string `json:"node_bitmap_hex"`
				CtxHandle     string `json:"ctx_handle"`
				Now           int64  `json:"now"`
			}{req.JobID, req.NodeBitmapHex, req.CtxHandle, now.Unix()})
			result, err := ctl.Apply(ctld.Command{Op: ctld.OpStepCreate, Data: data}, 5*time.Second)
			if err != nil {
				return nil, err
			}
			stepID, ok := result.(uint32)
			if !ok {
				return nil, fmt.Errorf("step create: unexpected apply result type %T", result)
			}

			// Launch credential issuance is the entire point of stepping a
			// job: without it the launched task image has nothing to prove
			// its identity with to the node side of the protocol.
			ttl := time.Duration(job.TimeLimitMinutes) * time.Minute
			if ttl <= 0 {
				ttl = time.Hour
			}
			launchCred, err := credMgr.Issue(model.CredLaunch, job.UserID, job.GroupID, map[string]string{
				"job_id":  fmt.Sprint(req.JobID),
				"step_id": fmt.Sprint(stepID),
			}, ttl, now)
			if err != nil {
				return nil, fmt.Errorf("issue launch credential: %w", err)
			}

			return rpc.EncodePayload(map[string]interface{}{
				"step_id":    stepID,
				"token_id":   launchCred.TokenID,
				"signature":  launchCred.Signature,
				"expiration": launchCred.Expiration.Unix(),
			})
		},
	})

	return d
}

// tryAllocate runs the selector against the job's partition and, if a
// placement is found, proposes the combined node-allocate/job-run command.
// A selection failure (fragmentation, no idle nodes, too few up nodes) is
// logged at debug and otherwise ignored — the job stays PENDING for the
// next attempt, immediate or ticked.
func tryAllocate(ctl *ctld.Controller, job *model.Job) {
	if job.State != model.JobPending {
		return
	}
	names, res, err := ctld.PlanAllocation(ctl.State(), job)
	if err != nil {
		log.WithComponent("scheduler").Debug().Err(err).Uint32("job_id", job.ID).Msg("allocation not ready")
		return
	}
	data, err := json.Marshal(struct {
		JobID          uint32          `json:"job_id"`
		NodeNames      []string        `json:"node_names"`
		AllocBitmapHex string          `json:"alloc_bitmap_hex"`
		AllocString    string          `json:"alloc_string"`
		Reps           []model.CPURun `json:"reps"`
		Now            int64           `json:"now"`
	}{
		JobID:          job.ID,
		NodeNames:      names,
		AllocBitmapHex: res.AllocBitmap.HexString(),
		AllocString:    bitmap.Format(res.AllocBitmap, ctl.State().Nodes.NameIndex()),
		Reps:           res.CPUCountReps,
		Now:            time.Now().Unix(),
	})
	if err != nil {
		log.WithComponent("scheduler").Warn().Err(err).Uint32("job_id", job.ID).Msg("marshal allocate_job command")
		return
	}
	if _, err := ctl.Apply(ctld.Command{Op: ctld.OpAllocateJob, Data: data}, 5*time.Second); err != nil {
		log.WithComponent("scheduler").Debug().Err(err).Uint32("job_id", job.ID).Msg("allocate_job rejected")
	}
}

// buildAgents wires the five background tickers described for this daemon:
// scheduler sweep, node health probe, usage rollup driver (which also
// performs the periodic on-disk state dump), terminal-job purge, and
// credential replay-cache sweep.
func buildAgents(ctl *ctld.Controller, credMgr *cred.Manager, db *store.Store, heartbeatTimeout time.Duration, stateSaveLocation string) *agents.Group {
	schedulerTick := agents.NewSchedulerTick(2*time.Second, func(now time.Time) error {
		if !ctl.IsLeader() {
			return nil
		}
		pending := ctl.State().Jobs.Pending()
		sort.Slice(pending, func(i, j int) bool {
			if pending[i].Priority != pending[j].Priority {
				return pending[i].Priority > pending[j].Priority
			}
			return pending[i].SubmitTime.Before(pending[j].SubmitTime)
		})
		for _, job := range pending {
			tryAllocate(ctl, job)
		}
		return nil
	})

	healthProbe := agents.NewNodeHealthProbe(10*time.Second, func(now time.Time) error {
		if !ctl.IsLeader() {
			return nil
		}
		for _, n := range ctl.State().Nodes.All() {
			stale := !n.LastResponse.IsZero() && now.Sub(n.LastResponse) > heartbeatTimeout
			if stale == n.NoRespond {
				continue
			}
			data, err := json.Marshal(markNoRespondPayload{Name: n.Name, Set: stale})
			if err != nil {
				return err
			}
			if _, err := ctl.Apply(ctld.Command{Op: ctld.OpMarkNoRespond, Data: data}, 5*time.Second); err != nil {
				return err
			}
		}
		return nil
	})

	rollupDriver := agents.NewRollupDriver(time.Hour, func(now time.Time) error {
		if stateSaveLocation != "" {
			if err := dumpState(ctl, stateSaveLocation, uint32(now.Unix())); err != nil {
				return fmt.Errorf("dump state: %w", err)
			}
		}
		if err := runRollup(ctl, db, now); err != nil {
			return fmt.Errorf("rollup: %w", err)
		}
		return nil
	})

	jobPurge := agents.NewJobPurge(time.Minute, func(now time.Time) error {
		ctl.State().Jobs.Purge(now, 24*time.Hour)
		return nil
	})

	credSweeper := agents.NewCredentialSweeper(time.Minute, func(now time.Time) error {
		credMgr.SweepExpired(now)
		return nil
	})

	return agents.NewGroup(schedulerTick, healthProbe, rollupDriver, jobPurge, credSweeper)
}

// dumpState writes the node, job, and partition tables to the
// StateSaveLocation using the three-generation rolling convention
// (.new / current / .old), so an operator or a restarting daemon has a
// recent on-disk snapshot independent of the Raft log replay.
func dumpState(ctl *ctld.Controller, stateSaveLocation string, timestamp uint32) error {
	st := ctl.State()

	nodeRecords := make([][]byte, 0, len(st.Nodes.All()))
	for _, n := range st.Nodes.All() {
		rec, err := json.Marshal(n)
		if err != nil {
			return err
		}
		nodeRecords = append(nodeRecords, rec)
	}
	if err := store.WriteStateFile(stateSaveLocation, "node_state", timestamp, nodeRecords); err != nil {
		return err
	}

	jobRecords := make([][]byte, 0, len(st.Jobs.All()))
	for _, j := range st.Jobs.All() {
		rec, err := json.Marshal(j)
		if err != nil {
			return err
		}
		jobRecords = append(jobRecords, rec)
	}
	if err := store.WriteStateFile(stateSaveLocation, "job_state", timestamp, jobRecords); err != nil {
		return err
	}

	partRecords := make([][]byte, 0, len(st.Partitions.All()))
	for _, p := range st.Partitions.All() {
		rec, err := json.Marshal(p)
		if err != nil {
			return err
		}
		partRecords = append(partRecords, rec)
	}
	return store.WriteStateFile(stateSaveLocation, "part_state", timestamp, partRecords)
}

// runRollup drives the hourly usage-rollup pass for the most recently
// completed [hour-1, hour) window, persisting the cluster row and every
// association's allocated delta, then folds the day's hourly rows into a
// daily row (and the month's daily rows into a monthly row) whenever now
// lands on that window's closing boundary. There
// is no historical node-event log in this daemon, so node and down-node
// events are synthesized from the live Nodes table rather than replayed from
// a journal; this undercounts intra-hour flapping the way a point-in-time
// sample always does.
func runRollup(ctl *ctld.Controller, db *store.Store, now time.Time) error {
	end := now.Truncate(time.Hour)
	window := rollup.Window{Start: end.Add(-time.Hour), End: end}

	st := ctl.State()
	events := make([]rollup.NodeEvent, 0, len(st.Nodes.All())+1)
	liveCPUs := 0
	for _, n := range st.Nodes.All() {
		if n.State == model.NodeDown {
			events = append(events, rollup.NodeEvent{
				NodeName: n.Name,
				Start:    window.Start,
				End:      window.End,
				CPUs:     n.CPUs,
			})
			continue
		}
		liveCPUs += n.CPUs
	}
	events = append(events, rollup.NodeEvent{Start: window.Start, End: window.End, CPUs: liveCPUs})

	var jobInputs []rollup.JobWindowInput
	for _, j := range st.Jobs.All() {
		if j.StartTime.IsZero() {
			continue
		}
		jobEnd := j.EndTime
		if jobEnd.IsZero() {
			jobEnd = now
		}
		if !jobEnd.After(window.Start) || !j.StartTime.Before(window.End) {
			continue
		}
		allocCPUs := 0
		for _, r := range j.CPUCountReps {
			allocCPUs += r.Count * r.Reps
		}
		jobInputs = append(jobInputs, rollup.JobWindowInput{
			JobID:         j.ID,
			Eligible:      j.EligibleTime,
			Start:         j.StartTime,
			End:           jobEnd,
			AllocCPUs:     allocCPUs,
			AssociationID: fmt.Sprint(j.UserID),
		})
	}

	out := rollup.Hourly(rollup.HourlyInput{Window: window, Events: events, Jobs: jobInputs})
	if err := db.PutUsage(&out.Cluster); err != nil {
		return fmt.Errorf("store cluster usage: %w", err)
	}
	for assocID, allocated := range out.Associations {
		rec := model.UsageRecord{
			Scope:       model.ScopeAssociation,
			Period:      model.PeriodHour,
			ScopeKey:    assocID,
			PeriodStart: window.Start,
			Allocated:   allocated,
		}
		if err := db.PutUsage(&rec); err != nil {
			return fmt.Errorf("store association usage for %s: %w", assocID, err)
		}
	}

	if window.End.Hour() == 0 {
		if err := foldRollup(db, rollup.DayWindow(window.Start), model.PeriodDay, model.PeriodHour); err != nil {
			return fmt.Errorf("day rollup: %w", err)
		}
		_, m, _ := window.Start.Date()
		if window.Start.AddDate(0, 0, 1).Month() != m {
			if err := foldRollup(db, rollup.MonthWindow(window.Start), model.PeriodMonth, model.PeriodDay); err != nil {
				return fmt.Errorf("month rollup: %w", err)
			}
		}
	}
	return nil
}

// foldRollup sums every stored row at sourcePeriod granularity (cluster plus
// every association seen) whose PeriodStart falls in window, writing one
// targetPeriod row per scope/key back to the store — the in-process
// replacement for the teacher lineage's daily/monthly stored-procedure
// calls.
func foldRollup(db *store.Store, window rollup.Window, targetPeriod, sourcePeriod model.UsagePeriod) error {
	rows, err := db.ListUsage()
	if err != nil {
		return err
	}
	byKey := map[string][]model.UsageRecord{}
	for _, r := range rows {
		if r.Period != sourcePeriod {
			continue
		}
		byKey[r.ScopeKey] = append(byKey[r.ScopeKey], *r)
	}
	for key, group := range byKey {
		scope := model.ScopeAssociation
		if key == "" {
			scope = model.ScopeCluster
		}
		summed := rollup.SumHourly(window, targetPeriod, scope, key, group)
		if err := db.PutUsage(&summed); err != nil {
			return fmt.Errorf("store %v usage for %q: %w", targetPeriod, key, err)
		}
	}
	return nil
}

// listenAndServeRPC accepts framed-length RPC requests: a big-endian uint32
// message type, a uint32 auth level, and a length-prefixed msgpack body,
// writing back a uint32 response code and a length-prefixed msgpack body.
// The header integers are big-endian and encoded here directly, not with
// internal/wire's little-endian primitives.
func listenAndServeRPC(ctx context.Context, port int, d *rpc.Dispatcher) {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		log.WithComponent("rpc").Error().Err(err).Msg("failed to listen for RPC connections")
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(ctx, conn, d)
		}
	}()
}

func serveConn(ctx context.Context, conn net.Conn, d *rpc.Dispatcher) {
	defer conn.Close()
	var header struct {
		MsgType uint32
		Auth    uint32
		Len     uint32
	}
	if err := readHeader(conn, &header); err != nil {
		return
	}
	body := make([]byte, header.Len)
	if _, err := io.ReadFull(conn, body); err != nil && header.Len > 0 {
		return
	}
	respBody, rc, _ := d.Dispatch(ctx, rpc.MessageType(header.MsgType), rpc.AuthLevel(header.Auth), body)
	writeResponse(conn, rc, respBody)
}

func readHeader(conn net.Conn, h *struct {
	MsgType uint32
	Auth    uint32
	Len     uint32
}) error {
	buf := make([]byte, 12)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	h.MsgType = beUint32(buf[0:4])
	h.Auth = beUint32(buf[4:8])
	h.Len = beUint32(buf[8:12])
	return nil
}

func writeResponse(conn net.Conn, rc ctlerrors.Code, body []byte) {
	out := make([]byte, 8+len(body))
	putBeUint32(out[0:4], uint32(rc))
	putBeUint32(out[4:8], uint32(len(body)))
	copy(out[8:], body)
	_, _ = conn.Write(out)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBeUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
