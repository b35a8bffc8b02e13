// Package trophy persists the permanent names awarded to bet winners.
package trophy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"pricewager/crypto"
)

var (
	bucketNames  = []byte("names")
	bucketOwners = []byte("owners")

	// ErrNotFound is returned when a name has not been assigned.
	ErrNotFound = errors.New("trophy: name not found")
	// ErrNameTaken is returned when assigning a name that already has an owner.
	ErrNameTaken = errors.New("trophy: name already assigned")
	// ErrInvalidName is returned for empty labels or namespaces.
	ErrInvalidName = errors.New("trophy: invalid name")
)

// Record is a single assigned name.
type Record struct {
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	AssignedAt time.Time `json:"assignedAt"`
}

// Registry is a bbolt-backed name registry. Names are "label.namespace" and are
// assigned exactly once.
type Registry struct {
	db    *bolt.DB
	nowFn func() time.Time

	mu    sync.Mutex
	hooks []func(Record)
}

// Open creates or opens the registry database at path.
func Open(path string, options *bolt.Options) (*Registry, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNames, bucketOwners} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Registry{db: db, nowFn: time.Now}, nil
}

// Close releases the database handle.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// OnAssign registers a callback invoked after every successful assignment.
func (r *Registry) OnAssign(fn func(Record)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// FullName joins label and namespace.
func (r *Registry) FullName(namespace, label string) string {
	return fullName(namespace, label)
}

func fullName(namespace, label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	namespace = strings.ToLower(strings.TrimSpace(namespace))
	if namespace == "" {
		return label
	}
	return label + "." + namespace
}

// Available reports whether the name is unassigned. Lookup failures report the
// name as unavailable.
func (r *Registry) Available(namespace, label string) bool {
	_, err := r.Lookup(fullName(namespace, label))
	return errors.Is(err, ErrNotFound)
}

// Assign records owner as the holder of label.namespace.
func (r *Registry) Assign(namespace, label string, owner [20]byte) error {
	if strings.TrimSpace(label) == "" || strings.TrimSpace(namespace) == "" {
		return ErrInvalidName
	}
	if owner == ([20]byte{}) {
		return fmt.Errorf("%w: owner required", ErrInvalidName)
	}
	name := fullName(namespace, label)
	rec := Record{
		Name:       name,
		Owner:      crypto.FormatAddress(owner),
		AssignedAt: r.nowFn().UTC(),
	}
	err := r.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		if names.Get([]byte(name)) != nil {
			return fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := names.Put([]byte(name), encoded); err != nil {
			return err
		}
		return tx.Bucket(bucketOwners).Put(ownerKey(owner, name), nil)
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	hooks := append([]func(Record){}, r.hooks...)
	r.mu.Unlock()
	for _, hook := range hooks {
		hook(rec)
	}
	return nil
}

// Lookup returns the record for a full name.
func (r *Registry) Lookup(name string) (Record, error) {
	var rec Record
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketNames).Get([]byte(strings.ToLower(strings.TrimSpace(name))))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// NamesOf lists the names held by owner in lexical order.
func (r *Registry) NamesOf(owner [20]byte) ([]string, error) {
	prefix := ownerKey(owner, "")
	var names []string
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOwners).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			names = append(names, string(k[len(prefix):]))
		}
		return nil
	})
	return names, err
}

func ownerKey(owner [20]byte, name string) []byte {
	key := make([]byte, 0, len(owner)+1+len(name))
	key = append(key, owner[:]...)
	key = append(key, '/')
	return append(key, name...)
}
