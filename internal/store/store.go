// Package store persists the controller's tables. Two mechanisms back
// it: a bbolt database (one bucket per table, JSON-marshaled rows) that the
// Raft FSM mirrors its mutations into (the Raft log itself is kept by
// raft-boltdb), and the traditional three-file rolling state-save layout
// (*.old / * / *.new) written with internal/wire pack primitives, used for
// the periodic state dump and read back by ReadStateFile.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/warrenctld/internal/model"
)

var (
	bucketJobs         = []byte("jobs")
	bucketSteps        = []byte("steps")
	bucketNodes        = []byte("nodes")
	bucketConfigs      = []byte("configs")
	bucketPartitions   = []byte("partitions")
	bucketAssociations = []byte("associations")
	bucketQOS          = []byte("qos")
	bucketUsage        = []byte("usage")
	bucketTxn          = []byte("txn")
	bucketCluster      = []byte("cluster")

	allBuckets = [][]byte{
		bucketJobs, bucketSteps, bucketNodes, bucketConfigs, bucketPartitions,
		bucketAssociations, bucketQOS, bucketUsage, bucketTxn, bucketCluster,
	}
)

// Store is the bbolt-backed persistence layer underneath the Raft FSM.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the bbolt database at dataDir/warrenctld.db
// and ensures every table bucket exists.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "warrenctld.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func put(db *bolt.DB, bucket []byte, key string, v interface{}) error {
	return db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func get(db *bolt.DB, bucket []byte, key string, v interface{}) (bool, error) {
	found := false
	err := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	return found, err
}

func del(db *bolt.DB, bucket []byte, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func forEach(db *bolt.DB, bucket []byte, fn func(k []byte, v []byte) error) error {
	return db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(fn)
	})
}

// --- Jobs ---

func (s *Store) PutJob(j *model.Job) error {
	return put(s.db, bucketJobs, fmt.Sprint(j.ID), j)
}

func (s *Store) GetJob(id uint32) (*model.Job, bool, error) {
	var j model.Job
	ok, err := get(s.db, bucketJobs, fmt.Sprint(id), &j)
	return &j, ok, err
}

func (s *Store) DeleteJob(id uint32) error {
	return del(s.db, bucketJobs, fmt.Sprint(id))
}

func (s *Store) ListJobs() ([]*model.Job, error) {
	var out []*model.Job
	err := forEach(s.db, bucketJobs, func(_, v []byte) error {
		var j model.Job
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}
		out = append(out, &j)
		return nil
	})
	return out, err
}

// --- Steps ---

func stepKey(jobID, stepID uint32) string { return fmt.Sprintf("%d/%d", jobID, stepID) }

func (s *Store) PutStep(st *model.Step) error {
	return put(s.db, bucketSteps, stepKey(st.JobID, st.StepID), st)
}

func (s *Store) GetStep(jobID, stepID uint32) (*model.Step, bool, error) {
	var st model.Step
	ok, err := get(s.db, bucketSteps, stepKey(jobID, stepID), &st)
	return &st, ok, err
}

func (s *Store) DeleteStep(jobID, stepID uint32) error {
	return del(s.db, bucketSteps, stepKey(jobID, stepID))
}

func (s *Store) ListStepsForJob(jobID uint32) ([]*model.Step, error) {
	var out []*model.Step
	prefix := fmt.Sprintf("%d/", jobID)
	err := forEach(s.db, bucketSteps, func(k, v []byte) error {
		if len(k) < len(prefix) || string(k[:len(prefix)]) != prefix {
			return nil
		}
		var st model.Step
		if err := json.Unmarshal(v, &st); err != nil {
			return err
		}
		out = append(out, &st)
		return nil
	})
	return out, err
}

// --- Nodes ---

func (s *Store) PutNode(n *model.Node) error {
	return put(s.db, bucketNodes, n.Name, n)
}

func (s *Store) GetNode(name string) (*model.Node, bool, error) {
	var n model.Node
	ok, err := get(s.db, bucketNodes, name, &n)
	return &n, ok, err
}

func (s *Store) ListNodes() ([]*model.Node, error) {
	var out []*model.Node
	err := forEach(s.db, bucketNodes, func(_, v []byte) error {
		var n model.Node
		if err := json.Unmarshal(v, &n); err != nil {
			return err
		}
		out = append(out, &n)
		return nil
	})
	return out, err
}

// --- Configs ---

func (s *Store) PutConfig(idx int, c *model.Config) error {
	return put(s.db, bucketConfigs, fmt.Sprint(idx), c)
}

func (s *Store) ListConfigs() ([]*model.Config, error) {
	var out []*model.Config
	err := forEach(s.db, bucketConfigs, func(_, v []byte) error {
		var c model.Config
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	return out, err
}

// --- Partitions ---

func (s *Store) PutPartition(p *model.Partition) error {
	return put(s.db, bucketPartitions, p.Name, p)
}

func (s *Store) GetPartition(name string) (*model.Partition, bool, error) {
	var p model.Partition
	ok, err := get(s.db, bucketPartitions, name, &p)
	return &p, ok, err
}

func (s *Store) DeletePartition(name string) error {
	return del(s.db, bucketPartitions, name)
}

func (s *Store) ListPartitions() ([]*model.Partition, error) {
	var out []*model.Partition
	err := forEach(s.db, bucketPartitions, func(_, v []byte) error {
		var p model.Partition
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}

// --- Associations ---

func (s *Store) PutAssociation(a *model.Association) error {
	return put(s.db, bucketAssociations, fmt.Sprint(a.ID), a)
}

func (s *Store) GetAssociation(id uint64) (*model.Association, bool, error) {
	var a model.Association
	ok, err := get(s.db, bucketAssociations, fmt.Sprint(id), &a)
	return &a, ok, err
}

func (s *Store) ListAssociations() ([]*model.Association, error) {
	var out []*model.Association
	err := forEach(s.db, bucketAssociations, func(_, v []byte) error {
		var a model.Association
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		out = append(out, &a)
		return nil
	})
	return out, err
}

// --- QOS ---

func (s *Store) PutQOS(q *model.QOS) error {
	return put(s.db, bucketQOS, fmt.Sprint(q.ID), q)
}

func (s *Store) GetQOS(id uint64) (*model.QOS, bool, error) {
	var q model.QOS
	ok, err := get(s.db, bucketQOS, fmt.Sprint(id), &q)
	return &q, ok, err
}

func (s *Store) ListQOS() ([]*model.QOS, error) {
	var out []*model.QOS
	err := forEach(s.db, bucketQOS, func(_, v []byte) error {
		var q model.QOS
		if err := json.Unmarshal(v, &q); err != nil {
			return err
		}
		out = append(out, &q)
		return nil
	})
	return out, err
}

// --- Usage ---

func usageKey(u *model.UsageRecord) string {
	return fmt.Sprintf("%d/%d/%s/%d", u.Scope, u.Period, u.ScopeKey, u.PeriodStart.Unix())
}

func (s *Store) PutUsage(u *model.UsageRecord) error {
	return put(s.db, bucketUsage, usageKey(u), u)
}

func (s *Store) ListUsage() ([]*model.UsageRecord, error) {
	var out []*model.UsageRecord
	err := forEach(s.db, bucketUsage, func(_, v []byte) error {
		var u model.UsageRecord
		if err := json.Unmarshal(v, &u); err != nil {
			return err
		}
		out = append(out, &u)
		return nil
	})
	return out, err
}

// --- Txn log ---

// TxnRow is one accounting transaction-log entry.
type TxnRow struct {
	ID         uint64
	Timestamp  int64
	Action     string
	ObjectName string
	Actor      string
	Info       string
}

func (s *Store) AppendTxn(row *TxnRow) error {
	return put(s.db, bucketTxn, fmt.Sprintf("%020d", row.ID), row)
}

func (s *Store) ListTxn() ([]*TxnRow, error) {
	var out []*TxnRow
	err := forEach(s.db, bucketTxn, func(_, v []byte) error {
		var r TxnRow
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

// --- Cluster registration ---

// ClusterRow is the upserted row for register_ctld.
type ClusterRow struct {
	Name         string
	ControlHost  string
	ControlPort  int
	RPCVersion   uint32
}

func (s *Store) PutCluster(c *ClusterRow) error {
	return put(s.db, bucketCluster, c.Name, c)
}

func (s *Store) GetCluster(name string) (*ClusterRow, bool, error) {
	var c ClusterRow
	ok, err := get(s.db, bucketCluster, name, &c)
	return &c, ok, err
}
