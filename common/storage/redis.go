package storage

import (
	"context"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"go.uber.org/zap"
)

// RedisStore keeps host entries and bids in Redis hashes.
//
// Host entries live in one hash keyed by "pool/host". Active bids and inactive bids live in two separate hashes keyed
// by bid ID, so that LoadActiveBids never has to scan the history.
type RedisStore struct {
	*baseStore

	address       string
	password      string
	databaseIndex int

	redisClient *redis.Client
}

func NewRedisStore(address string, password string, databaseIndex int, keyPrefix string) *RedisStore {
	return &RedisStore{
		baseStore:     newBaseStore(Redis, keyPrefix),
		address:       address,
		password:      password,
		databaseIndex: databaseIndex,
	}
}

// Connect creates the Redis client and verifies that the server is reachable.
func (s *RedisStore) Connect() error {
	s.logger.Debug("Connecting to Redis.",
		zap.String("address", s.address),
		zap.Int("database", s.databaseIndex))

	s.redisClient = redis.NewClient(&redis.Options{
		Addr:     s.address,
		Password: s.password,
		DB:       s.databaseIndex,
	})

	if err := s.redisClient.Ping(context.Background()).Err(); err != nil {
		s.logger.Error("Failed to ping Redis.", zap.String("address", s.address), zap.Error(err))
		_ = s.redisClient.Close()
		s.redisClient = nil
		return err
	}

	s.logger.Debug("Successfully connected to Redis.", zap.String("address", s.address))

	return nil
}

func (s *RedisStore) Close() error {
	if s.redisClient == nil {
		return nil
	}

	return s.redisClient.Close()
}

func (s *RedisStore) SaveHostEntry(ctx context.Context, entry *entity.HostEntry) error {
	if s.redisClient == nil {
		return ErrNotConnected
	}

	data, err := encodeHostEntry(entry)
	if err != nil {
		return err
	}

	field := hostKey(entry.PoolID, entry.HostID)
	if err = s.redisClient.HSet(ctx, s.hostsKey(), field, data).Err(); err != nil {
		s.logger.Error("Failed to write host entry to Redis.",
			zap.String("redis_key", s.hostsKey()),
			zap.String("field", field),
			zap.Error(err))
		return err
	}

	return nil
}

func (s *RedisStore) DeleteHostEntry(ctx context.Context, poolId string, hostId string) error {
	if s.redisClient == nil {
		return ErrNotConnected
	}

	return s.redisClient.HDel(ctx, s.hostsKey(), hostKey(poolId, hostId)).Err()
}

// SaveBid writes the bid to the active hash or, if the bid is no longer active, moves it to the history hash.
func (s *RedisStore) SaveBid(ctx context.Context, bid *entity.Bid) error {
	if s.redisClient == nil {
		return ErrNotConnected
	}

	data, err := encodeBid(bid)
	if err != nil {
		return err
	}

	_, err = s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if bid.Status.Active() {
			pipe.HSet(ctx, s.activeBidsKey(), bid.ID, data)
			return nil
		}

		pipe.HDel(ctx, s.activeBidsKey(), bid.ID)
		pipe.HSet(ctx, s.bidHistoryKey(), bid.ID, data)
		return nil
	})

	if err != nil {
		s.logger.Error("Failed to write bid to Redis.",
			zap.String("bid_id", bid.ID),
			zap.String("status", bid.Status.String()),
			zap.Error(err))
		return err
	}

	return nil
}

func (s *RedisStore) LoadAllHostEntries(ctx context.Context) ([]*entity.HostEntry, error) {
	if s.redisClient == nil {
		return nil, ErrNotConnected
	}

	fields, err := s.redisClient.HGetAll(ctx, s.hostsKey()).Result()
	if err != nil {
		s.logger.Error("Failed to read host entries from Redis.", zap.String("redis_key", s.hostsKey()), zap.Error(err))
		return nil, err
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	entries := make([]*entity.HostEntry, 0, len(keys))
	for _, key := range keys {
		entry, decodeErr := decodeHostEntry([]byte(fields[key]))
		if decodeErr != nil {
			s.logger.Error("Failed to decode host entry read from Redis.", zap.String("field", key), zap.Error(decodeErr))
			return nil, fmt.Errorf("host entry \"%s\": %w", key, decodeErr)
		}

		entries = append(entries, entry)
	}

	s.logger.Debug("Read host entries from Redis.", zap.Int("num_entries", len(entries)))

	return entries, nil
}

func (s *RedisStore) LoadActiveBids(ctx context.Context) ([]*entity.Bid, error) {
	if s.redisClient == nil {
		return nil, ErrNotConnected
	}

	fields, err := s.redisClient.HGetAll(ctx, s.activeBidsKey()).Result()
	if err != nil {
		s.logger.Error("Failed to read active bids from Redis.", zap.String("redis_key", s.activeBidsKey()), zap.Error(err))
		return nil, err
	}

	bids := make([]*entity.Bid, 0, len(fields))
	for bidId, data := range fields {
		bid, decodeErr := decodeBid([]byte(data))
		if decodeErr != nil {
			s.logger.Error("Failed to decode bid read from Redis.", zap.String("bid_id", bidId), zap.Error(decodeErr))
			return nil, fmt.Errorf("bid \"%s\": %w", bidId, decodeErr)
		}

		bids = append(bids, bid)
	}

	slices.SortFunc(bids, entity.AdmissionOrder)

	s.logger.Debug("Read active bids from Redis.", zap.Int("num_bids", len(bids)))

	return bids, nil
}
