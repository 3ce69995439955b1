// Package journal is an advisory, bboltdb-backed append log of completed
// update and rollback attempts, kept purely for operator introspection
// beyond the single current /summary snapshot. It is never consulted by
// the update state machine for correctness: generations.log and current
// remain the sole source of truth.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Kind distinguishes the two operations the journal records.
type Kind string

const (
	KindUpdate   Kind = "update"
	KindRollback Kind = "rollback"
)

// Outcome is the terminal result of a recorded attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Event is a single journal record.
type Event struct {
	ID          uint64    `json:"id"`
	Kind        Kind      `json:"kind"`
	TopLevelID  string    `json:"top_level_id,omitempty"`
	FromVersion uint64    `json:"from_version"`
	ToVersion   uint64    `json:"to_version"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Outcome     Outcome   `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
}

// Journal is a handle on the bboltdb-backed event log.
type Journal struct {
	db *bolt.DB
}

// Open creates (or reuses) journal.db under stateBase and ensures its
// bucket exists.
func Open(stateBase string) (*Journal, error) {
	db, err := bolt.Open(filepath.Join(stateBase, "journal.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records a completed attempt, assigning it the bucket's next
// sequence number as its ID.
func (j *Journal) Append(ev Event) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev.ID = seq
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(keyFor(seq), data)
	})
}

// Sink adapts a Journal to the agent package's Events interface, so the
// update state machine can record outcomes without importing bbolt
// directly.
type Sink struct {
	journal *Journal
}

// NewSink wraps j for use as an agent.Events implementation.
func NewSink(j *Journal) Sink {
	return Sink{journal: j}
}

func (s Sink) RecordUpdate(topLevelID string, fromVersion, toVersion uint64, started, finished time.Time, succeeded bool, detail string) error {
	return s.record(KindUpdate, topLevelID, fromVersion, toVersion, started, finished, succeeded, detail)
}

func (s Sink) RecordRollback(topLevelID string, fromVersion, toVersion uint64, started, finished time.Time, succeeded bool, detail string) error {
	return s.record(KindRollback, topLevelID, fromVersion, toVersion, started, finished, succeeded, detail)
}

func (s Sink) record(kind Kind, topLevelID string, fromVersion, toVersion uint64, started, finished time.Time, succeeded bool, detail string) error {
	outcome := OutcomeSucceeded
	if !succeeded {
		outcome = OutcomeFailed
	}
	return s.journal.Append(Event{
		Kind:        kind,
		TopLevelID:  topLevelID,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		StartedAt:   started,
		FinishedAt:  finished,
		Outcome:     outcome,
		Detail:      detail,
	})
}

// Recent returns up to limit events, most recent first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	var events []Event
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

func keyFor(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
