// Package blob abstracts the durable store the persistent cache writes to.
// Blobs are grouped by namespace (one per vulnerability source) so a whole
// source's entries can be cleared in one call.
package blob

// NotFoundError is returned by Read when no blob exists for the key.
type NotFoundError struct {
	Namespace string
	Key       string
}

func (e *NotFoundError) Error() string {
	return "blob not found: " + e.Namespace + "/" + e.Key
}

type FS interface {
	Write(namespace, key string, data []byte) error
	Read(namespace, key string) ([]byte, error)
	Remove(namespace, key string) error
	RemoveAll(namespace string) error
	List(namespace string) ([]string, error)
	Close() error
}
