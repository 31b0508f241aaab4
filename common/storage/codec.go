package storage

import (
	"fmt"
	"path"

	"github.com/goccy/go-json"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
)

// hostKey returns the key of a host entry relative to the hosts namespace.
func hostKey(poolId string, hostId string) string {
	return fmt.Sprintf("%s/%s", poolId, hostId)
}

func (s *baseStore) hostsKey() string {
	return path.Join(s.keyPrefix, "hosts")
}

func (s *baseStore) activeBidsKey() string {
	return path.Join(s.keyPrefix, "bids", "active")
}

func (s *baseStore) bidHistoryKey() string {
	return path.Join(s.keyPrefix, "bids", "history")
}

func encodeHostEntry(entry *entity.HostEntry) ([]byte, error) {
	return json.Marshal(entry)
}

func decodeHostEntry(data []byte) (*entity.HostEntry, error) {
	var entry entity.HostEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}

	return &entry, nil
}

func encodeBid(bid *entity.Bid) ([]byte, error) {
	return json.Marshal(bid)
}

func decodeBid(data []byte) (*entity.Bid, error) {
	var bid entity.Bid
	if err := json.Unmarshal(data, &bid); err != nil {
		return nil, err
	}

	return &bid, nil
}
