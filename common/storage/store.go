package storage

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/scusemua/vm-scheduler/common/scheduling"
	"go.uber.org/zap"
)

const (
	Memory Backend = "memory"
	Redis  Backend = "redis"
	S3     Backend = "s3"

	// DefaultKeyPrefix is the prefix of every key written by a Store, unless configured otherwise.
	DefaultKeyPrefix = "vm-scheduler"
)

var (
	ErrUnknownBackend = errors.New("unknown storage backend")
	ErrNotConnected   = errors.New("store is not connected")
)

// Backend names a storage medium.
type Backend string

func (b Backend) String() string {
	return string(b)
}

// StoreOptions configure the Store used by the scheduler.
type StoreOptions struct {
	Backend   string `name:"store"            json:"store"            yaml:"store"            description:"Storage backend for host entries and bids: 'memory', 'redis', or 's3'."`
	KeyPrefix string `name:"store-key-prefix" json:"store-key-prefix" yaml:"store-key-prefix" description:"Prefix of every key or object written to the store."`

	RedisAddress  string `name:"redis-address"  json:"redis-address"  yaml:"redis-address"  description:"Address (host:port) of the Redis server."`
	RedisPassword string `name:"redis-password" json:"redis-password" yaml:"redis-password" description:"Password of the Redis server."`
	RedisDatabase int    `name:"redis-database" json:"redis-database" yaml:"redis-database" description:"Redis database number."`

	S3Bucket string `name:"s3-bucket" json:"s3-bucket" yaml:"s3-bucket" description:"AWS S3 bucket to store records in. AWS credentials and region are read from the environment."`
}

// ValidateStoreOptions replaces empty values with their defaults.
func (o *StoreOptions) ValidateStoreOptions() {
	if o.Backend == "" {
		o.Backend = Memory.String()
	}

	if o.KeyPrefix == "" {
		o.KeyPrefix = DefaultKeyPrefix
	}

	if o.RedisAddress == "" {
		o.RedisAddress = "localhost:6379"
	}
}

// New creates the Store selected by opts. The Store is connected before it is returned.
func New(opts *StoreOptions) (scheduling.Store, error) {
	switch Backend(strings.ToLower(opts.Backend)) {
	case Memory:
		return NewMemoryStore(), nil
	case Redis:
		store := NewRedisStore(opts.RedisAddress, opts.RedisPassword, opts.RedisDatabase, opts.KeyPrefix)
		if err := store.Connect(); err != nil {
			return nil, err
		}
		return store, nil
	case S3:
		store := NewS3Store(opts.S3Bucket, opts.KeyPrefix)
		if err := store.Connect(); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: \"%s\"", ErrUnknownBackend, opts.Backend)
	}
}

type baseStore struct {
	logger *zap.Logger

	backend   Backend
	keyPrefix string
}

func newBaseStore(backend Backend, keyPrefix string) *baseStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}

	store := &baseStore{
		backend:   backend,
		keyPrefix: keyPrefix,
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "[ERROR] Failed to create Zap Development logger because: %v\n", err)
		logger = zap.NewNop()
	}

	store.logger = logger.With(zap.String("backend", backend.String()))

	return store
}

// Backend returns the storage medium of the Store.
func (s *baseStore) Backend() Backend {
	return s.backend
}
