package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/shifu-stream/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB stores lesson history records and lesson transcript snapshots in a BoltDB file. Every lesson
// gets its own bucket of records keyed by an insertion sequence, so iteration follows chronological
// order.
type BoltDB struct {
	db *bolt.DB
}

const snapshotsBucket = "snapshots"

// NewBoltDB opens or creates the database at path. The file is created with 0600 permissions if it
// doesn't exist. Opening fails after a second when another process holds the file.
func NewBoltDB(path string) (BoltDB, error) {
	return openBoltDB(path, &bolt.Options{Timeout: time.Second})
}

func openBoltDB(path string, opts *bolt.Options) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, opts)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(snapshotsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func lessonBucketName(courseID, lessonID string) []byte {
	return []byte(fmt.Sprintf("lesson-%s/%s", courseID, lessonID))
}

func lessonKey(courseID, lessonID string) []byte {
	return []byte(courseID + "/" + lessonID)
}

func recordKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

// Records returns the records of a lesson in the order they were added.
func (b BoltDB) Records(_ context.Context, courseID, lessonID string) ([]models.HistoryRecord, error) {
	var records []models.HistoryRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(lessonBucketName(courseID, lessonID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var rec models.HistoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AddRecord appends rec to the lesson history. A record without an id gets one derived from the
// insertion sequence. It returns the id of the stored record.
func (b BoltDB) AddRecord(_ context.Context, courseID, lessonID string, rec models.HistoryRecord) (string, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(lessonBucketName(courseID, lessonID))
		if err != nil {
			return fmt.Errorf("failed to create lesson bucket: %w", err)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		if rec.ID == "" {
			rec.ID = fmt.Sprintf("%d", seq)
		}

		v, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		return b.Put(recordKey(seq), v)
	})

	return rec.ID, err
}

// UpdateRecord replaces the stored record that has the same id as rec. If the record doesn't exist, the
// operation is silently ignored.
func (b BoltDB) UpdateRecord(_ context.Context, courseID, lessonID string, rec models.HistoryRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(lessonBucketName(courseID, lessonID))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var stored models.HistoryRecord
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if stored.ID != rec.ID {
				continue
			}

			nv, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal record: %w", err)
			}
			return b.Put(k, nv)
		}
		return nil
	})
}

// TruncateFrom deletes the first record produced for generatedBlockBid and every record after it. It
// reports whether such a record existed.
func (b BoltDB) TruncateFrom(_ context.Context, courseID, lessonID, generatedBlockBid string) (bool, error) {
	found := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(lessonBucketName(courseID, lessonID))
		if b == nil {
			return nil
		}

		var doomed [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !found {
				var rec models.HistoryRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("failed to unmarshal record: %w", err)
				}
				found = rec.GeneratedBlockBid == generatedBlockBid
			}
			if found {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("failed to delete record: %w", err)
			}
		}
		return nil
	})

	return found, err
}

// SaveSnapshot stores the transcript of a lesson, replacing any earlier snapshot.
func (b BoltDB) SaveSnapshot(_ context.Context, courseID, lessonID string, blocks []models.ContentBlock) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotsBucket))
		if b == nil {
			return nil
		}

		v, err := json.Marshal(blocks)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}

		return b.Put(lessonKey(courseID, lessonID), v)
	})
}

// Snapshot returns the stored transcript of a lesson, or nil when none was saved.
func (b BoltDB) Snapshot(_ context.Context, courseID, lessonID string) ([]models.ContentBlock, error) {
	var blocks []models.ContentBlock
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(snapshotsBucket))
		if b == nil {
			return nil
		}

		v := b.Get(lessonKey(courseID, lessonID))
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &blocks); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}
