package scheduling

import (
	"context"

	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
)

// Store durably records host entries and bids so that the scheduler can be rebuilt after a restart.
//
// The scheduler writes to the Store after each committed decision. On startup, the scheduler's in-memory state is
// rebuilt solely from LoadAllHostEntries and LoadActiveBids.
type Store interface {
	SaveHostEntry(ctx context.Context, entry *entity.HostEntry) error

	DeleteHostEntry(ctx context.Context, poolId string, hostId string) error

	// SaveBid records the Bid. Bids that are no longer active must not be returned by LoadActiveBids.
	SaveBid(ctx context.Context, bid *entity.Bid) error

	LoadAllHostEntries(ctx context.Context) ([]*entity.HostEntry, error)

	LoadActiveBids(ctx context.Context) ([]*entity.Bid, error)

	Close() error
}
