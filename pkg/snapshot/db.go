package snapshot

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// DBFile is the name of the snapshot database under <work>/fifo.
const DBFile = "fleet.db"

// DB is the shared snapshot database. One database holds the list
// snapshots of every site, one bucket per list, named after the flat
// files viewers historically knew them by (host_list.<alias>,
// old_job_list.<alias>, ...).
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the snapshot database in fifoDir.
func Open(fifoDir string) (*DB, error) {
	dbPath := filepath.Join(fifoDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// save marshals v into the bucket's single "rows" key, creating the
// bucket if needed.
func (d *DB) save(bucket string, v interface{}) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte("rows"), data)
	})
}

// load unmarshals the bucket's "rows" key into v. A missing bucket or
// key leaves v untouched.
func (d *DB) load(bucket string, v interface{}) error {
	return d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		data := b.Get([]byte("rows"))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, v)
	})
}

// drop removes a bucket if it exists.
func (d *DB) drop(bucket string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucket)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(bucket))
	})
}
