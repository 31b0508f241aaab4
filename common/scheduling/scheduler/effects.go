package scheduler

import (
	"context"
	"fmt"

	"github.com/scusemua/vm-scheduler/common/scheduling"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/scusemua/vm-scheduler/common/types"
	"github.com/scusemua/vm-scheduler/common/utils"
)

// spotLaunch holds the instances of one newly admitted bid that must be started.
type spotLaunch struct {
	bidId string
	specs []*scheduling.InstanceSpec
}

// effects collects the external actions implied by a decision. It is filled in while the Facade's lock is held and
// carried out by apply once the lock has been released.
type effects struct {
	hosts        map[string]struct{}
	deletedHosts []string

	// bids maps bid ID to the most recent copy of the bid seen while deciding. persist writes the market's current
	// copy instead, unless the bid has left the market by then.
	bids map[string]*entity.Bid

	stops    []entity.InstancePlacement
	launches []*spotLaunch

	newlyAdmitted []*entity.Bid
	preempted     []*entity.Bid
}

func newEffects() *effects {
	return &effects{
		hosts: make(map[string]struct{}),
		bids:  make(map[string]*entity.Bid),
	}
}

func (e *effects) touchHost(hostId string) {
	e.hosts[hostId] = struct{}{}
}

func (e *effects) touchBid(bid *entity.Bid) {
	e.bids[bid.ID] = bid
}

// stopInstances records that the instances of the given bid must be stopped. Their memory has already been released.
func (e *effects) stopInstances(bid *entity.Bid) {
	for _, placement := range bid.Instances {
		e.stops = append(e.stops, placement)
		e.touchHost(placement.HostID)
	}
}

// apply carries out the effects of a committed decision: preempted instances are stopped, newly admitted instances
// are started, and every touched record is persisted.
//
// apply returns the launch failures keyed by bid ID. The bids concerned have already been rolled back to PENDING.
func (f *Facade) apply(ctx context.Context, eff *effects) map[string]error {
	f.stopAll(ctx, eff)
	failures := f.launchAll(ctx, eff)
	f.persist(ctx, eff)

	return failures
}

// stopAll stops the instances listed in eff. Failures are logged, as the memory of those instances has already been
// returned to the pool and the bids are no longer entitled to run them.
func (f *Facade) stopAll(ctx context.Context, eff *effects) {
	for _, placement := range eff.stops {
		if err := f.launcher.StopInstance(ctx, placement.InstanceID); err != nil {
			f.log.Error(utils.RedStyle.Render("Failed to stop spot instance %s on host %s: %v"),
				placement.InstanceID, placement.HostID, err)
		}
	}
}

// launchAll starts the instances of every newly admitted bid in eff.
//
// If any instance of a bid fails to start, the instances of that bid that were already started are stopped, the
// bid's memory is released, and the bid is reverted to PENDING.
func (f *Facade) launchAll(ctx context.Context, eff *effects) map[string]error {
	failures := make(map[string]error)

	for _, launch := range eff.launches {
		started := make([]*scheduling.InstanceSpec, 0, len(launch.specs))

		var launchErr error
		for _, spec := range launch.specs {
			if err := f.launcher.StartInstance(ctx, spec.HostID, spec); err != nil {
				launchErr = err
				break
			}

			started = append(started, spec)
		}

		if launchErr == nil {
			continue
		}

		f.log.Warn(utils.OrangeStyle.Render("Failed to start instances of bid %s (%d/%d started): %v"),
			launch.bidId, len(started), len(launch.specs), launchErr)

		for _, spec := range started {
			if err := f.launcher.StopInstance(ctx, spec.InstanceID); err != nil {
				f.log.Error(utils.RedStyle.Render("Failed to stop instance %s of bid %s during rollback: %v"),
					spec.InstanceID, launch.bidId, err)
			}
		}

		f.rollbackSpotLaunch(launch, eff)

		failures[launch.bidId] = fmt.Errorf("%w: could not start instances of bid %s: %v",
			types.ErrExternalActionFailed, launch.bidId, launchErr)
	}

	return failures
}

// rollbackSpotLaunch releases the memory of a bid whose instances could not be started and reverts it to PENDING.
//
// If the bid was cancelled or preempted in the meantime, its memory has already been released and nothing is done.
func (f *Facade) rollbackSpotLaunch(launch *spotLaunch, eff *effects) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bid, loaded := f.market.Get(launch.bidId)
	if !loaded || bid.Status != entity.BidAdmitted || !sameInstances(bid.Instances, launch.specs) {
		f.log.Debug("Bid %s changed before its launch could be rolled back. Nothing to roll back.", launch.bidId)
		return
	}

	if err := f.unsafeReleaseSpotInstances(bid); err != nil {
		f.log.Error(utils.RedStyle.Render("Failed to release memory of bid %s during rollback: %v"), bid.ID, err)
	}

	for _, placement := range bid.Instances {
		eff.touchHost(placement.HostID)
	}

	reverted, err := f.market.Revert(bid.ID)
	if err != nil {
		f.log.Error(utils.RedStyle.Render("Failed to revert bid %s: %v"), bid.ID, err)
		return
	}

	eff.touchBid(reverted)
}

func sameInstances(placements []entity.InstancePlacement, specs []*scheduling.InstanceSpec) bool {
	if len(placements) != len(specs) {
		return false
	}

	for i, placement := range placements {
		if placement.InstanceID != specs[i].InstanceID {
			return false
		}
	}

	return true
}

// persist writes every record touched by eff, plus any record whose previous write failed, to the Store.
//
// Persistence failures are logged and retried on the next call. The in-memory state remains authoritative.
func (f *Facade) persist(ctx context.Context, eff *effects) {
	f.persistMu.Lock()
	defer f.persistMu.Unlock()

	for hostId := range f.unsavedHosts {
		eff.touchHost(hostId)
	}

	for bidId, bid := range f.unsavedBids {
		if _, touched := eff.bids[bidId]; !touched {
			eff.touchBid(bid)
		}
	}

	for _, hostId := range eff.deletedHosts {
		delete(eff.hosts, hostId)
		delete(f.unsavedHosts, hostId)

		if err := f.store.DeleteHostEntry(ctx, f.pool.PoolID(), hostId); err != nil {
			f.log.Error(utils.RedStyle.Render("Failed to delete host %s from the store: %v"), hostId, err)
		}
	}

	for hostId := range eff.hosts {
		entry, loaded := f.pool.Host(hostId)
		if !loaded {
			delete(f.unsavedHosts, hostId)
			continue
		}

		f.metricsProvider.ObserveHost(entry)

		if err := f.store.SaveHostEntry(ctx, entry); err != nil {
			f.log.Error(utils.RedStyle.Render("Failed to persist host %s: %v"), hostId, err)
			f.unsavedHosts[hostId] = struct{}{}
			continue
		}

		delete(f.unsavedHosts, hostId)
	}

	for bidId, snapshot := range eff.bids {
		bid, loaded := f.market.Get(bidId)
		if !loaded {
			bid = snapshot
		}

		if err := f.store.SaveBid(ctx, bid); err != nil {
			f.log.Error(utils.RedStyle.Render("Failed to persist bid %s: %v"), bidId, err)
			f.unsavedBids[bidId] = bid
			continue
		}

		delete(f.unsavedBids, bidId)
	}
}
