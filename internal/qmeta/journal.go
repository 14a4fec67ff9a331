package qmeta

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/qservgo/qserv/internal/ids"
)

// Journal durably appends QMessages under a boltdb bucket keyed by
// queryId and an increasing sequence number, so a restarted czar can
// replay a query's message ring instead of losing it. Adapted from the
// worker-side DTNQueue durable queue pattern.
type Journal struct {
	db *bolt.DB
}

var bucketQMessages = []byte("qmeta_messages")

// OpenJournal opens (or creates) the boltdb file at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("qmeta: open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketQMessages)
		return e
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("qmeta: create bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

func messageKey(queryId ids.QueryId, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(queryId))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// Append writes msg under the next sequence number for queryId.
func (j *Journal) Append(queryId ids.QueryId, msg QMessage) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQMessages)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return b.Put(messageKey(queryId, seq), data)
	})
}

// Replay returns every journaled QMessage for queryId, in append order.
func (j *Journal) Replay(queryId ids.QueryId) ([]QMessage, error) {
	var out []QMessage
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(queryId))

	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketQMessages).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var msg QMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// WriteProgress journals a query's incomplete/total job counts as a
// PROGRESS QMessage, satisfying qdisp.QMetaWriter so Executive's periodic
// progress sampling survives a czar restart.
func (j *Journal) WriteProgress(queryId ids.QueryId, incomplete, total int) error {
	return j.Append(queryId, QMessage{
		Source:    "Executive",
		State:     "PROGRESS",
		StateDesc: fmt.Sprintf("%d/%d jobs incomplete", incomplete, total),
		Severity:  "INFO",
		Timestamp: time.Now().Unix(),
	})
}

func (j *Journal) Close() error { return j.db.Close() }
