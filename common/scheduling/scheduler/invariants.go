package scheduler

import (
	"fmt"

	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/scusemua/vm-scheduler/common/types"
	"github.com/scusemua/vm-scheduler/common/utils"
)

// CheckInvariants verifies that the ledger and the market agree with one another:
//
//   - every host entry satisfies 0 <= preemptible <= used <= total
//   - the preemptible memory of each host equals the memory of the admitted spot instances placed on it
//   - the reserved memory of each host equals the memory committed to reserved VMs on it
//   - the used memory of all hosts equals the memory of all reserved VMs plus that of all admitted spot instances
//   - every admitted bid holds all of its instances and bids at or above the clearing price
//   - the admitted bids fit within the current spot capacity
//
// CheckInvariants is intended to be called at quiescent points. Any violation is returned as an error wrapping
// types.ErrInvariantViolation.
func (f *Facade) CheckInvariants() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.unsafeCheckLedger(); err != nil {
		return err
	}

	price := f.market.Price()
	admittedInstances := 0
	for _, bid := range f.market.Bids() {
		if bid.Status != entity.BidAdmitted {
			continue
		}

		if bid.MaxBid.LessThan(price) {
			return f.violation("admitted %s bids below the clearing price %s", bid.String(), price.String())
		}

		admittedInstances += bid.NeededInstances
	}

	if capacity := f.pool.AvailableForSpot(f.instanceMemoryMB); admittedInstances > capacity {
		return f.violation("%d spot instances admitted, but the spot capacity is %d", admittedInstances, capacity)
	}

	return nil
}

// unsafeCheckLedger verifies the per-host and global memory invariants. It must be called with the mutex held.
func (f *Facade) unsafeCheckLedger() error {
	spotMemoryMB := make(map[string]int64)
	for _, bid := range f.market.Bids() {
		if bid.Status != entity.BidAdmitted {
			if len(bid.Instances) != 0 {
				return f.violation("%s is not admitted but holds %d instance(s)", bid.String(), len(bid.Instances))
			}
			continue
		}

		if len(bid.Instances) != bid.NeededInstances {
			return f.violation("%s holds %d of its %d instances", bid.String(), len(bid.Instances), bid.NeededInstances)
		}

		for _, placement := range bid.Instances {
			spotMemoryMB[placement.HostID] += f.instanceMemoryMB
		}
	}

	var usedMemoryMB, committedMemoryMB int64
	for _, entry := range f.pool.Snapshot() {
		if !entry.Consistent() {
			return f.violation("inconsistent entry %s", entry.String())
		}

		if entry.PreemptibleMemoryMB != spotMemoryMB[entry.HostID] {
			return f.violation("host %s holds %d MB of preemptible memory, but its spot instances use %d MB",
				entry.HostID, entry.PreemptibleMemoryMB, spotMemoryMB[entry.HostID])
		}

		if entry.ReservedMemoryMB() != f.reservedMemoryMB[entry.HostID] {
			return f.violation("host %s holds %d MB of reserved memory, but its reserved VMs use %d MB",
				entry.HostID, entry.ReservedMemoryMB(), f.reservedMemoryMB[entry.HostID])
		}

		usedMemoryMB += entry.UsedMemoryMB
		committedMemoryMB += f.reservedMemoryMB[entry.HostID] + spotMemoryMB[entry.HostID]
		delete(spotMemoryMB, entry.HostID)
	}

	if len(spotMemoryMB) > 0 {
		return f.violation("spot instances are placed on %d unknown host(s)", len(spotMemoryMB))
	}

	if usedMemoryMB != committedMemoryMB {
		return f.violation("hosts use %d MB in total, but %d MB are committed to VMs", usedMemoryMB, committedMemoryMB)
	}

	return nil
}

func (f *Facade) violation(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	f.log.Error(utils.RedStyle.Render("Invariant violated: %s"), msg)
	return fmt.Errorf("%w: %s", types.ErrInvariantViolation, msg)
}
