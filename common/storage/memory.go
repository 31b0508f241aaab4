package storage

import (
	"context"
	"slices"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"go.uber.org/zap"
)

// MemoryStore keeps encoded records in memory. It does not survive a restart of the process and is intended for
// development and tests.
type MemoryStore struct {
	*baseStore

	hosts      cmap.ConcurrentMap[string, []byte]
	activeBids cmap.ConcurrentMap[string, []byte]
	bidHistory cmap.ConcurrentMap[string, []byte]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		baseStore:  newBaseStore(Memory, DefaultKeyPrefix),
		hosts:      cmap.New[[]byte](),
		activeBids: cmap.New[[]byte](),
		bidHistory: cmap.New[[]byte](),
	}
}

func (s *MemoryStore) SaveHostEntry(_ context.Context, entry *entity.HostEntry) error {
	data, err := encodeHostEntry(entry)
	if err != nil {
		return err
	}

	s.hosts.Set(hostKey(entry.PoolID, entry.HostID), data)
	return nil
}

func (s *MemoryStore) DeleteHostEntry(_ context.Context, poolId string, hostId string) error {
	s.hosts.Remove(hostKey(poolId, hostId))
	return nil
}

func (s *MemoryStore) SaveBid(_ context.Context, bid *entity.Bid) error {
	data, err := encodeBid(bid)
	if err != nil {
		return err
	}

	if bid.Status.Active() {
		s.activeBids.Set(bid.ID, data)
		return nil
	}

	s.activeBids.Remove(bid.ID)
	s.bidHistory.Set(bid.ID, data)
	return nil
}

// LoadAllHostEntries returns the persisted host entries ordered by key.
func (s *MemoryStore) LoadAllHostEntries(_ context.Context) ([]*entity.HostEntry, error) {
	keys := s.hosts.Keys()
	slices.Sort(keys)

	entries := make([]*entity.HostEntry, 0, len(keys))
	for _, key := range keys {
		data, loaded := s.hosts.Get(key)
		if !loaded {
			continue
		}

		entry, err := decodeHostEntry(data)
		if err != nil {
			s.logger.Error("Failed to decode host entry.", zap.String("key", key), zap.Error(err))
			return nil, err
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *MemoryStore) LoadActiveBids(_ context.Context) ([]*entity.Bid, error) {
	bids := make([]*entity.Bid, 0, s.activeBids.Count())
	for item := range s.activeBids.IterBuffered() {
		bid, err := decodeBid(item.Val)
		if err != nil {
			s.logger.Error("Failed to decode bid.", zap.String("bid_id", item.Key), zap.Error(err))
			return nil, err
		}

		bids = append(bids, bid)
	}

	slices.SortFunc(bids, entity.AdmissionOrder)
	return bids, nil
}

// BidHistory returns the persisted copy of a bid that is no longer active.
func (s *MemoryStore) BidHistory(bidId string) (*entity.Bid, bool) {
	data, loaded := s.bidHistory.Get(bidId)
	if !loaded {
		return nil, false
	}

	bid, err := decodeBid(data)
	if err != nil {
		return nil, false
	}

	return bid, true
}

func (s *MemoryStore) Close() error {
	return nil
}
