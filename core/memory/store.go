// Package memory persists the records the agent writes with `record` and
// edits with `record_modify`.
package memory

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"slices"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var ErrNotFound = errors.New("memory record not found")

var bucketRecords = []byte("records")

type Record struct {
	ID        uint64
	Text      string
	Weight    int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is a bbolt backed record store. Every write is its own transaction.
type Store struct {
	bolt *bbolt.DB
	now  func() time.Time
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: create buckets: %w", err)
	}

	return &Store{bolt: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.bolt == nil {
		return nil
	}
	return s.bolt.Close()
}

// Add stores a new record and returns it with its assigned id.
func (s *Store) Add(text string, weight int) (Record, error) {
	now := s.now()
	record := Record{Text: text, Weight: weight, CreatedAt: now, UpdatedAt: now}

	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		record.ID = id
		return putRecord(bucket, record)
	})
	if err != nil {
		return Record{}, fmt.Errorf("memory: add record: %w", err)
	}
	return record, nil
}

// Modify updates an existing record. An empty text or a zero weight keeps
// the stored value.
func (s *Store) Modify(id uint64, text string, weight int) (Record, error) {
	var record Record
	err := s.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		current, err := getRecord(bucket, id)
		if err != nil {
			return err
		}
		if text != "" {
			current.Text = text
		}
		if weight != 0 {
			current.Weight = weight
		}
		current.UpdatedAt = s.now()
		record = current
		return putRecord(bucket, current)
	})
	if err != nil {
		return Record{}, fmt.Errorf("memory: modify record %d: %w", id, err)
	}
	return record, nil
}

func (s *Store) Get(id uint64) (Record, error) {
	var record Record
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		var err error
		record, err = getRecord(tx.Bucket(bucketRecords), id)
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("memory: get record %d: %w", id, err)
	}
	return record, nil
}

func (s *Store) Delete(id uint64) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		if bucket.Get(idToKey(id)) == nil {
			return fmt.Errorf("memory: delete record %d: %w", id, ErrNotFound)
		}
		return bucket.Delete(idToKey(id))
	})
}

// List returns every record, heaviest first and oldest first among equals.
func (s *Store) List() ([]Record, error) {
	var records []Record
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, data []byte) error {
			record, err := decodeRecord(data)
			if err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("memory: list records: %w", err)
	}

	slices.SortStableFunc(records, func(a, b Record) int {
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return records, nil
}

func getRecord(bucket *bbolt.Bucket, id uint64) (Record, error) {
	data := bucket.Get(idToKey(id))
	if data == nil {
		return Record{}, ErrNotFound
	}
	return decodeRecord(data)
}

func putRecord(bucket *bbolt.Bucket, record Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", record.ID, err)
	}
	return bucket.Put(idToKey(record.ID), data)
}

func idToKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func encodeRecord(record Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(record); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (Record, error) {
	var record Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&record); err != nil {
		return Record{}, err
	}
	return record, nil
}
