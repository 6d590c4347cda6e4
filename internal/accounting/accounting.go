// Package accounting implements the accounting writer: two-step
// mutate+append transactions against the abstract relational store
// (internal/store), soft-delete with mod_time bump and QOS-delta regex
// rewrite, QOS bulk upsert (validated up front, then written row by row),
// and cluster registration.
package accounting

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cuemby/warrenctld/internal/model"
	"github.com/cuemby/warrenctld/internal/store"
)

// Writer wraps a store.Store with the two-step mutate+txn-append
// convention: every add/modify/remove appends one row to the txn table
// after the target table mutation succeeds.
type Writer struct {
	st      *store.Store
	nextTxn uint64
}

func NewWriter(st *store.Store) *Writer {
	return &Writer{st: st}
}

func (w *Writer) appendTxn(action, objectName, actor, info string, now time.Time) error {
	id := atomic.AddUint64(&w.nextTxn, 1)
	return w.st.AppendTxn(&store.TxnRow{
		ID:         id,
		Timestamp:  now.Unix(),
		Action:     action,
		ObjectName: objectName,
		Actor:      actor,
		Info:       info,
	})
}

// AddJob persists a Job and appends an ADD_JOB txn row.
func (w *Writer) AddJob(j *model.Job, actor string, now time.Time) error {
	if err := w.st.PutJob(j); err != nil {
		return fmt.Errorf("accounting: put job: %w", err)
	}
	return w.appendTxn("ADD_JOB", fmt.Sprint(j.ID), actor, "", now)
}

// ModifyJob persists an already-mutated Job and appends a MODIFY_JOB row.
func (w *Writer) ModifyJob(j *model.Job, actor, info string, now time.Time) error {
	if err := w.st.PutJob(j); err != nil {
		return fmt.Errorf("accounting: put job: %w", err)
	}
	return w.appendTxn("MODIFY_JOB", fmt.Sprint(j.ID), actor, info, now)
}

// RegisterCluster upserts (cluster name, control host, control port, rpc
// version) and appends a txn row with the reporting user as actor.
func (w *Writer) RegisterCluster(name, controlHost string, controlPort int, rpcVersion uint32, actor string, now time.Time) error {
	if err := w.st.PutCluster(&store.ClusterRow{
		Name:        name,
		ControlHost: controlHost,
		ControlPort: controlPort,
		RPCVersion:  rpcVersion,
	}); err != nil {
		return fmt.Errorf("accounting: register cluster: %w", err)
	}
	return w.appendTxn("REGISTER_CTLD", name, actor, "", now)
}

// BulkUpsertQOS folds N QOS rows into one logical operation with a single
// txn row. Every row's name is checked before any write, so a validation
// failure commits nothing. Each row is then written in its own store
// transaction; a store error part-way leaves the rows already written in
// place and appends no txn row.
func (w *Writer) BulkUpsertQOS(rows []*model.QOS, actor string, now time.Time) error {
	for i, q := range rows {
		if q.Name == "" {
			return fmt.Errorf("accounting: bulk upsert qos: row %d missing name, rolled back", i)
		}
	}
	for _, q := range rows {
		if err := w.st.PutQOS(q); err != nil {
			return fmt.Errorf("accounting: bulk upsert qos: %w", err)
		}
	}
	return w.appendTxn("BULK_ADD_QOS", fmt.Sprintf("%d rows", len(rows)), actor, "", now)
}

// qosDeltaPattern matches one signed QOS reference inside a delta-QOS
// string, e.g. "+3" or "-7", letting SoftDeleteQOS rewrite references to a
// removed QOS out of every association's delta column.
var qosDeltaPattern = regexp.MustCompile(`[+-]\d+`)

// SoftDeleteQOS marks a QOS deleted without physically removing the row,
// bumps mod_time, and rewrites every association's delta-QOS string to drop
// references to the removed QOS id so existing allocations retain a valid,
// reduced QOS set.
func (w *Writer) SoftDeleteQOS(qosID uint64, associations []*model.Association, actor string, now time.Time) error {
	q, ok, err := w.st.GetQOS(qosID)
	if err != nil {
		return fmt.Errorf("accounting: get qos: %w", err)
	}
	if !ok {
		return fmt.Errorf("accounting: qos %d not found", qosID)
	}
	q.Deleted = true
	q.ModTime = now
	if err := w.st.PutQOS(q); err != nil {
		return fmt.Errorf("accounting: put qos: %w", err)
	}

	for _, a := range associations {
		a.DeltaQOS = stripQOSRef(a.DeltaQOS, qosID)
		a.ModTime = now
		if err := w.st.PutAssociation(a); err != nil {
			return fmt.Errorf("accounting: put association: %w", err)
		}
	}
	return w.appendTxn("REMOVE_QOS", fmt.Sprint(qosID), actor, "", now)
}

func stripQOSRef(delta string, qosID uint64) string {
	target := fmt.Sprint(qosID)
	parts := qosDeltaPattern.FindAllString(delta, -1)
	var kept []string
	for _, p := range parts {
		if strings.TrimLeft(p, "+-") != target {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ",")
}
