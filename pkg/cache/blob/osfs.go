package blob

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
)

// OSFS stores one file per blob under root/<namespace>/<key>.json.
type OSFS struct {
	root string
}

func NewOSFS(root string) (*OSFS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, oops.With("dir_path", root).Wrapf(err, "mkdir error")
	}
	return &OSFS{root: root}, nil
}

func (fs *OSFS) path(namespace, key string) string {
	return filepath.Join(fs.root, namespace, key+".json")
}

func (fs *OSFS) Write(namespace, key string, data []byte) error {
	eb := oops.With("namespace", namespace).With("key", key)

	dir := filepath.Join(fs.root, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eb.Wrapf(err, "mkdir error")
	}
	if err := os.WriteFile(fs.path(namespace, key), data, 0o644); err != nil {
		return eb.Wrapf(err, "file write error")
	}
	return nil
}

func (fs *OSFS) Read(namespace, key string) ([]byte, error) {
	data, err := os.ReadFile(fs.path(namespace, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{Namespace: namespace, Key: key}
	}
	if err != nil {
		return nil, oops.With("namespace", namespace).With("key", key).Wrapf(err, "file read error")
	}
	return data, nil
}

func (fs *OSFS) Remove(namespace, key string) error {
	if err := os.Remove(fs.path(namespace, key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return oops.With("namespace", namespace).With("key", key).Wrapf(err, "file remove error")
	}
	return nil
}

func (fs *OSFS) RemoveAll(namespace string) error {
	if err := os.RemoveAll(filepath.Join(fs.root, namespace)); err != nil {
		return oops.With("namespace", namespace).Wrapf(err, "dir remove error")
	}
	return nil
}

func (fs *OSFS) List(namespace string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.root, namespace))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.With("namespace", namespace).Wrapf(err, "dir read error")
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		keys = append(keys, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return keys, nil
}

func (fs *OSFS) Close() error {
	return nil
}
