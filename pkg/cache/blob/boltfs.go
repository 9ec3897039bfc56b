package blob

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	bolt "go.etcd.io/bbolt"
)

// BoltFS keeps all blobs in a single bbolt file, one bucket per namespace.
// It trades one-file-per-entry inspectability for compact storage when cache
// directories grow into the tens of thousands of entries.
type BoltFS struct {
	db *bolt.DB
}

func NewBoltFS(path string) (*BoltFS, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, oops.With("file_path", path).Wrapf(err, "mkdir error")
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, oops.With("file_path", path).Wrapf(err, "failed to open db")
	}
	return &BoltFS{db: db}, nil
}

func (fs *BoltFS) Write(namespace, key string, data []byte) error {
	err := fs.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), data)
	})
	if err != nil {
		return oops.With("namespace", namespace).With("key", key).Wrapf(err, "db put error")
	}
	return nil
}

func (fs *BoltFS) Read(namespace, key string) ([]byte, error) {
	var data []byte
	err := fs.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(namespace))
		if bkt == nil {
			return nil
		}
		if v := bkt.Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, oops.With("namespace", namespace).With("key", key).Wrapf(err, "db get error")
	}
	if data == nil {
		return nil, &NotFoundError{Namespace: namespace, Key: key}
	}
	return data, nil
}

func (fs *BoltFS) Remove(namespace, key string) error {
	err := fs.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(namespace))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
	if err != nil {
		return oops.With("namespace", namespace).With("key", key).Wrapf(err, "db delete error")
	}
	return nil
}

func (fs *BoltFS) RemoveAll(namespace string) error {
	err := fs.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(namespace)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(namespace))
	})
	if err != nil {
		return oops.With("namespace", namespace).Wrapf(err, "db delete bucket error")
	}
	return nil
}

func (fs *BoltFS) List(namespace string) ([]string, error) {
	var keys []string
	err := fs.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(namespace))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, oops.With("namespace", namespace).Wrapf(err, "db iterate error")
	}
	return keys, nil
}

func (fs *BoltFS) Close() error {
	return fs.db.Close()
}
