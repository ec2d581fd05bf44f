// Package storage persists controller state in a bbolt database: the
// commissioned node registry and controller-wide values such as the fabric id.
package storage

import (
	"encoding/binary"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketNodes      = []byte("nodes")
	bucketController = []byte("controller")

	keyFabricID = []byte("fabric_id")
)

// ErrNodeNotFound is returned for node ids with no record.
var ErrNodeNotFound = errors.New("node not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NodeRecord is one commissioned node.
type NodeRecord struct {
	NodeID         uint64                    `json:"nodeId"`
	Label          string                    `json:"label,omitempty"`
	VendorID       uint16                    `json:"vendorId"`
	ProductID      uint16                    `json:"productId"`
	CommissionedAt time.Time                 `json:"commissionedAt"`
	Attributes     map[string]map[string]any `json:"attributes,omitempty"`
}

// Store is safe for concurrent use.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger
}

type Option func(*options)

type options struct {
	timeout time.Duration
	logger  *zap.Logger
}

// WithLockTimeout bounds how long Open waits for another process to release
// the database file.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Open opens or creates the database at path, creating parent directories
// as needed.
func Open(path string, opts ...Option) (*Store, error) {
	o := &options{timeout: time.Second, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create storage directory for %s", path)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: o.timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open storage %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketNodes, bucketController} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	o.logger.Info("Opened storage", zap.String("path", path))
	return &Store{db: db, logger: o.logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file name.
func (s *Store) Path() string {
	return s.db.Path()
}

// FabricID returns the controller's fabric id, generating and saving one on
// first use.
func (s *Store) FabricID() (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketController)
		if v := b.Get(keyFabricID); len(v) == 8 {
			id = binary.BigEndian.Uint64(v)
			return nil
		}
		id = rand.Uint64N(1<<63-1) + 1
		return b.Put(keyFabricID, itob(id))
	})
	if err != nil {
		return 0, errors.Wrap(err, "fabric id")
	}
	return id, nil
}

// NextNodeID allocates a fresh node id.
func (s *Store) NextNodeID() (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = tx.Bucket(bucketNodes).NextSequence()
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "allocate node id")
	}
	return id, nil
}

// PutNode inserts or replaces a node record.
func (s *Store) PutNode(n NodeRecord) error {
	data, err := json.Marshal(n)
	if err != nil {
		return errors.Wrapf(err, "encode node %d", n.NodeID)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Put(itob(n.NodeID), data)
	})
}

func (s *Store) GetNode(id uint64) (NodeRecord, error) {
	var n NodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get(itob(id))
		if data == nil {
			return errors.Wrapf(ErrNodeNotFound, "node %d", id)
		}
		return json.Unmarshal(data, &n)
	})
	return n, err
}

// Nodes returns every node in ascending id order.
func (s *Store) Nodes() ([]NodeRecord, error) {
	var nodes []NodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n NodeRecord
			if err := json.Unmarshal(v, &n); err != nil {
				return errors.Wrapf(err, "decode node %d", binary.BigEndian.Uint64(k))
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	return nodes, err
}

func (s *Store) DeleteNode(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get(itob(id)) == nil {
			return errors.Wrapf(ErrNodeNotFound, "node %d", id)
		}
		return b.Delete(itob(id))
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
