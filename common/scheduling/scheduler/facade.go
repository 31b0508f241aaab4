package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/scusemua/vm-scheduler/common/scheduling"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/scusemua/vm-scheduler/common/scheduling/market"
	"github.com/scusemua/vm-scheduler/common/scheduling/resource"
	"github.com/scusemua/vm-scheduler/common/types"
	"github.com/scusemua/vm-scheduler/common/utils"
)

// Facade is the single serialization point of a resource pool and its spot market.
//
// Every mutating operation decides while holding one mutex that protects the Pool and the Market together. The
// Launcher and the Store are called only after the decision has been committed and the mutex released. If a VM
// fails to start, the decision is rolled back and the failure is returned to the caller.
type Facade struct {
	mu sync.Mutex

	log logger.Logger

	pool   *resource.Pool
	market *market.Market

	launcher        scheduling.Launcher
	store           scheduling.Store
	metricsProvider scheduling.MetricsProvider

	opts *scheduling.SchedulerOptions

	// instanceMemoryMB is the memory of one spot instance.
	instanceMemoryMB int64

	// reservedMemoryMB maps host ID to the memory committed to reserved VMs on that host.
	reservedMemoryMB map[string]int64

	// persistMu serializes writes to the Store and protects the records whose last write failed.
	persistMu    sync.Mutex
	unsavedHosts map[string]struct{}
	unsavedBids  map[string]*entity.Bid
}

// PoolID returns the identifier of the pool managed by the Facade.
func (f *Facade) PoolID() string {
	return f.pool.PoolID()
}

// InstanceMemoryMB returns the memory of one spot instance.
func (f *Facade) InstanceMemoryMB() int64 {
	return f.instanceMemoryMB
}

// SubmitReservedRequest places a reserved VM on the active host with the most free memory, allocates the memory,
// and starts the VM.
//
// If no host has enough free memory and reclamation is enabled, spot instances are preempted from the host with the
// most reclaimable memory, lowest bidder first, until the VM fits. If no host can serve the request, the returned
// Placement's Outcome is OutcomeNoCapacity and the error is nil.
func (f *Facade) SubmitReservedRequest(ctx context.Context, req *ReservedRequest) (*Placement, error) {
	if req.MemoryMB <= 0 {
		return nil, fmt.Errorf("%w: memory must be positive, got %d MB", types.ErrInvalidRequest, req.MemoryMB)
	}

	request := *req
	if request.VMID == "" {
		request.VMID = uuid.NewString()
	}

	f.mu.Lock()
	placement, eff, err := f.unsafePlaceReserved(&request)
	f.mu.Unlock()

	if err != nil {
		// Preemptions committed before the failure still have to be carried out.
		f.apply(ctx, eff)
		f.metricsProvider.RecordPlacement(scheduling.PlacementFailed)
		return nil, err
	}

	if placement.Outcome == OutcomeNoCapacity {
		f.log.Debug("No capacity for %s.", request.String())
		f.metricsProvider.RecordPlacement(scheduling.PlacementNoCapacity)
		return placement, nil
	}

	// The preempted spot instances must be stopped before the VM that displaces them is started.
	f.stopAll(ctx, eff)
	eff.stops = nil

	spec := &scheduling.InstanceSpec{
		InstanceID: request.VMID,
		HostID:     placement.HostID,
		MemoryMB:   request.MemoryMB,
		Image:      request.Image,
		NetworkTag: request.NetworkTag,
	}

	if startErr := f.launcher.StartInstance(ctx, placement.HostID, spec); startErr != nil {
		f.log.Warn(utils.OrangeStyle.Render("Failed to start reserved VM %s on host %s: %v"),
			request.VMID, placement.HostID, startErr)

		f.rollbackReserved(ctx, placement, eff)
		f.metricsProvider.RecordPlacement(scheduling.PlacementFailed)

		return nil, fmt.Errorf("%w: could not start VM %s on host %s: %v",
			types.ErrExternalActionFailed, request.VMID, placement.HostID, startErr)
	}

	f.apply(ctx, eff)

	if len(placement.Preempted) > 0 {
		f.metricsProvider.RecordPlacement(scheduling.PlacementReclaimed)
	} else {
		f.metricsProvider.RecordPlacement(scheduling.PlacementPlaced)
	}

	return placement, nil
}

func (f *Facade) unsafePlaceReserved(req *ReservedRequest) (*Placement, *effects, error) {
	placementRequest := resource.PlacementRequest{MemoryMB: req.MemoryMB, NetworkTag: req.NetworkTag}
	eff := newEffects()

	var preempted []*entity.Bid
	host, ok := f.pool.SelectHost(placementRequest)
	if !ok && f.opts.ReclaimPreemptibleMemory {
		host, ok = f.pool.SelectReclaimableHost(placementRequest)
		if ok {
			var err error
			if preempted, err = f.unsafeReclaim(host.HostID, req.MemoryMB, eff); err != nil {
				return nil, eff, err
			}
		}
	}

	if !ok {
		return &Placement{Outcome: OutcomeNoCapacity, VMID: req.VMID, MemoryMB: req.MemoryMB}, eff, nil
	}

	if _, err := f.pool.Allocate(host.HostID, req.MemoryMB); err != nil {
		f.log.Error(utils.RedStyle.Render("Failed to allocate %d MB on selected host %s: %v"),
			req.MemoryMB, host.HostID, err)
		return nil, eff, err
	}

	f.reservedMemoryMB[host.HostID] += req.MemoryMB
	eff.touchHost(host.HostID)

	if err := f.unsafeRecompute(eff); err != nil {
		f.log.Error(utils.RedStyle.Render("Failed to recompute market after placing %s on host %s: %v"),
			req.String(), host.HostID, err)
		f.unsafeUndoReserved(host.HostID, req.MemoryMB, eff)
		return nil, eff, err
	}

	entry, _ := f.pool.Host(host.HostID)

	f.log.Debug("Placed %s on host %s (%d MB free).", req.String(), host.HostID, entry.FreeMemoryMB())

	return &Placement{
		Outcome:   OutcomePlaced,
		VMID:      req.VMID,
		HostID:    host.HostID,
		MemoryMB:  req.MemoryMB,
		Host:      entry,
		Preempted: preempted,
	}, eff, nil
}

// unsafeReclaim preempts the admitted bids with instances on the specified host, lowest bidder first, until the host
// has memoryMB of free memory.
func (f *Facade) unsafeReclaim(hostId string, memoryMB int64, eff *effects) ([]*entity.Bid, error) {
	candidates := make([]*entity.Bid, 0)
	for _, bid := range f.market.Bids() {
		if bid.Status != entity.BidAdmitted {
			continue
		}

		if slices.ContainsFunc(bid.Instances, func(placement entity.InstancePlacement) bool {
			return placement.HostID == hostId
		}) {
			candidates = append(candidates, bid)
		}
	}

	slices.SortFunc(candidates, entity.PreemptionOrder)

	preempted := make([]*entity.Bid, 0, len(candidates))
	for _, candidate := range candidates {
		if entry, _ := f.pool.Host(hostId); entry.FreeMemoryMB() >= memoryMB {
			break
		}

		for _, bid := range f.market.Preempt(candidate.ID) {
			if err := f.unsafeReleaseSpotInstances(bid); err != nil {
				return preempted, err
			}

			eff.stopInstances(bid)
			eff.touchBid(bid)
			eff.preempted = append(eff.preempted, bid)
			preempted = append(preempted, bid)
		}
	}

	if entry, _ := f.pool.Host(hostId); entry.FreeMemoryMB() < memoryMB {
		f.log.Error(utils.RedStyle.Render("Host %s has only %d MB free after preempting %d bid(s); %d MB needed."),
			hostId, entry.FreeMemoryMB(), len(preempted), memoryMB)
		return preempted, fmt.Errorf("%w: host %s cannot free %d MB by preempting spot instances",
			types.ErrInvariantViolation, hostId, memoryMB)
	}

	f.log.Debug(utils.OrangeStyle.Render("Preempted %d bid(s) to reclaim %d MB on host %s."),
		len(preempted), memoryMB, hostId)
	f.metricsProvider.RecordPreemptions(len(preempted))

	return preempted, nil
}

// rollbackReserved releases the memory of a reserved VM that could not be started and recomputes the market.
func (f *Facade) rollbackReserved(ctx context.Context, placement *Placement, eff *effects) {
	f.mu.Lock()
	f.unsafeUndoReserved(placement.HostID, placement.MemoryMB, eff)
	f.mu.Unlock()

	f.apply(ctx, eff)
}

// unsafeUndoReserved returns the memory of a reserved VM to the host and recomputes the market, so that spot bids
// may use the memory again.
func (f *Facade) unsafeUndoReserved(hostId string, memoryMB int64, eff *effects) {
	if _, err := f.pool.Release(hostId, memoryMB); err != nil {
		f.log.Error(utils.RedStyle.Render("Failed to release %d MB of reserved memory on host %s: %v"),
			memoryMB, hostId, err)
	} else {
		f.reservedMemoryMB[hostId] -= memoryMB
	}

	eff.touchHost(hostId)

	if err := f.unsafeRecompute(eff); err != nil {
		f.log.Error(utils.RedStyle.Render("Failed to recompute market after releasing %d MB on host %s: %v"),
			memoryMB, hostId, err)
	}
}

// SubmitSpotBid validates the bid, adds it to the market, and recomputes the market.
//
// The returned MarketOutcome holds the bid's resulting status (ADMITTED or PENDING) and the clearing price. If the
// bid was admitted but its instances could not be started, the bid is reverted to PENDING and an error wrapping
// types.ErrExternalActionFailed is returned.
func (f *Facade) SubmitSpotBid(ctx context.Context, req *SpotBidRequest) (*MarketOutcome, error) {
	bid := entity.NewBid(req.MaxBid, req.NeededInstances, req.Image)

	f.mu.Lock()
	submitted, err := f.market.Submit(bid, f.pool.MaxSpotCapacity(f.instanceMemoryMB))
	if err != nil {
		f.mu.Unlock()
		f.log.Debug("Rejected spot bid for %d instance(s) at %s: %v", req.NeededInstances, req.MaxBid.String(), err)
		return nil, err
	}

	eff := newEffects()
	eff.touchBid(submitted)
	recomputeErr := f.unsafeRecompute(eff)
	f.mu.Unlock()

	failures := f.apply(ctx, eff)

	if recomputeErr != nil {
		return nil, recomputeErr
	}

	if launchErr, failed := failures[submitted.ID]; failed {
		return nil, launchErr
	}

	return f.marketOutcome(submitted, eff), nil
}

// CancelSpotBid removes the bid from the market, stops its instances, and recomputes the market.
func (f *Facade) CancelSpotBid(ctx context.Context, bidId string) (*MarketOutcome, error) {
	f.mu.Lock()
	cancelled, err := f.market.Cancel(bidId)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}

	eff := newEffects()
	eff.touchBid(cancelled)

	if err = f.unsafeReleaseSpotInstances(cancelled); err == nil {
		eff.stopInstances(cancelled)
		err = f.unsafeRecompute(eff)
	}
	f.mu.Unlock()

	f.apply(ctx, eff)

	if err != nil {
		return nil, err
	}

	f.log.Debug("Cancelled bid %s.", bidId)

	return f.marketOutcome(cancelled, eff), nil
}

// ReleaseResource records that a VM on the specified host has terminated and recomputes the market.
//
// If boundBidId is empty, memoryMB of reserved memory is returned to the host. Otherwise, one instance of the bound
// spot bid on that host has terminated and memoryMB must equal the memory of one spot instance.
//
// Releasing more memory than the host holds is a double release and is reported as types.ErrInvariantViolation.
func (f *Facade) ReleaseResource(ctx context.Context, hostId string, memoryMB int64, boundBidId string) (*MarketOutcome, error) {
	if memoryMB <= 0 {
		return nil, fmt.Errorf("%w: memory must be positive, got %d MB", types.ErrInvalidRequest, memoryMB)
	}

	if boundBidId != "" && memoryMB != f.instanceMemoryMB {
		return nil, fmt.Errorf("%w: spot instances hold %d MB, not %d MB",
			types.ErrInvalidRequest, f.instanceMemoryMB, memoryMB)
	}

	eff := newEffects()

	f.mu.Lock()
	bid, err := f.unsafeRelease(hostId, memoryMB, boundBidId, eff)
	if err == nil {
		err = f.unsafeRecompute(eff)
	}
	f.mu.Unlock()

	f.apply(ctx, eff)

	if err != nil {
		return nil, err
	}

	return f.marketOutcome(bid, eff), nil
}

func (f *Facade) unsafeRelease(hostId string, memoryMB int64, boundBidId string, eff *effects) (*entity.Bid, error) {
	if boundBidId == "" {
		if _, err := f.pool.Release(hostId, memoryMB); err != nil {
			return nil, err
		}

		f.reservedMemoryMB[hostId] -= memoryMB
		eff.touchHost(hostId)

		return nil, nil
	}

	bid, _, err := f.market.ReleaseInstance(boundBidId, hostId)
	if err != nil {
		return nil, err
	}

	eff.touchBid(bid)

	if _, err = f.pool.ReleasePreemptible(hostId, memoryMB); err != nil {
		return nil, err
	}

	eff.touchHost(hostId)

	return bid, nil
}

// RegisterHost adds a host to the pool and recomputes the market, as the spot capacity may have grown.
//
// Memory already in use on the host is treated as reserved. The host must not hold preemptible memory.
func (f *Facade) RegisterHost(ctx context.Context, entry *entity.HostEntry) (*entity.HostEntry, error) {
	if entry.PreemptibleMemoryMB != 0 {
		return nil, fmt.Errorf("%w: a newly registered host cannot hold spot instances", types.ErrInvalidRequest)
	}

	eff := newEffects()

	f.mu.Lock()
	registered, err := f.pool.RegisterHost(entry)
	if err == nil {
		f.reservedMemoryMB[registered.HostID] = registered.UsedMemoryMB
		eff.touchHost(registered.HostID)
		err = f.unsafeRecompute(eff)
	}
	f.mu.Unlock()

	f.apply(ctx, eff)

	if err != nil {
		return nil, err
	}

	f.log.Info("Registered host %s with %d MB of memory.", registered.HostID, registered.TotalMemoryMB)

	return registered, nil
}

// DrainHost excludes the host from further placements and recomputes the market. VMs already running on the host
// are unaffected, although spot bids may be preempted because the spot capacity shrinks.
func (f *Facade) DrainHost(ctx context.Context, hostId string) (*entity.HostEntry, error) {
	return f.setHostActive(ctx, hostId, false)
}

// ActivateHost makes a drained host eligible for placement again and recomputes the market.
func (f *Facade) ActivateHost(ctx context.Context, hostId string) (*entity.HostEntry, error) {
	return f.setHostActive(ctx, hostId, true)
}

func (f *Facade) setHostActive(ctx context.Context, hostId string, active bool) (*entity.HostEntry, error) {
	eff := newEffects()

	f.mu.Lock()
	var (
		entry *entity.HostEntry
		err   error
	)
	if active {
		entry, err = f.pool.ActivateHost(hostId)
	} else {
		entry, err = f.pool.DeactivateHost(hostId)
	}

	if err == nil {
		eff.touchHost(hostId)
		err = f.unsafeRecompute(eff)
		entry, _ = f.pool.Host(hostId)
	}
	f.mu.Unlock()

	f.apply(ctx, eff)

	if err != nil {
		return nil, err
	}

	f.log.Info("Set host %s active=%v.", hostId, active)

	return entry, nil
}

// DeregisterHost removes an empty host from the pool.
func (f *Facade) DeregisterHost(ctx context.Context, hostId string) (*entity.HostEntry, error) {
	eff := newEffects()

	f.mu.Lock()
	removed, err := f.pool.DeregisterHost(hostId)
	if err == nil {
		delete(f.reservedMemoryMB, hostId)
		eff.deletedHosts = append(eff.deletedHosts, hostId)
		err = f.unsafeRecompute(eff)
	}
	f.mu.Unlock()

	f.apply(ctx, eff)

	if err != nil {
		return nil, err
	}

	f.log.Info("Deregistered host %s.", hostId)

	return removed, nil
}

// Restore rebuilds the pool and the market from the Store, verifies the restored ledger, and reconciles the market
// once against the restored capacity.
func (f *Facade) Restore(ctx context.Context) error {
	entries, err := f.store.LoadAllHostEntries(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to load host entries: %v", types.ErrExternalActionFailed, err)
	}

	bids, err := f.store.LoadActiveBids(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to load active bids: %v", types.ErrExternalActionFailed, err)
	}

	eff := newEffects()

	f.mu.Lock()
	if err = f.pool.Restore(entries); err != nil {
		f.mu.Unlock()
		return err
	}

	f.market.Restore(bids)

	f.reservedMemoryMB = make(map[string]int64, len(entries))
	for _, entry := range f.pool.Snapshot() {
		f.reservedMemoryMB[entry.HostID] = entry.ReservedMemoryMB()
	}

	if err = f.unsafeCheckLedger(); err != nil {
		f.mu.Unlock()
		f.log.Error(utils.RedStyle.Render("Restored state is inconsistent: %v"), err)
		return err
	}

	err = f.unsafeRecompute(eff)
	numHosts, numBids := f.pool.Len(), f.market.Len()
	f.mu.Unlock()

	f.apply(ctx, eff)

	if err != nil {
		return err
	}

	f.log.Info(utils.GreenStyle.Render("Restored %d host(s) and %d active bid(s). Clearing price: %s."),
		numHosts, numBids, f.market.Price().String())

	return nil
}

// Snapshot returns a consistent copy of the scheduler's state.
func (f *Facade) Snapshot() *Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	reserved := make(map[string]int64, len(f.reservedMemoryMB))
	for hostId, memoryMB := range f.reservedMemoryMB {
		reserved[hostId] = memoryMB
	}

	return &Snapshot{
		PoolID:           f.pool.PoolID(),
		Hosts:            f.pool.Snapshot(),
		Bids:             f.market.Bids(),
		Price:            f.market.Price(),
		Capacity:         f.market.Capacity(),
		Totals:           f.pool.Totals(),
		ReservedMemoryMB: reserved,
	}
}

// unsafeRecompute recomputes the market against the pool's current spot capacity, releases the memory of preempted
// bids, and places the instances of newly admitted bids. It must be called with the mutex held.
func (f *Facade) unsafeRecompute(eff *effects) error {
	capacity := f.pool.AvailableForSpot(f.instanceMemoryMB)

	decision, err := f.market.Recompute(capacity)
	if err != nil {
		return err
	}

	// Preempted memory must be released before newly admitted instances are placed.
	for _, bid := range decision.Preempted {
		if err = f.unsafeReleaseSpotInstances(bid); err != nil {
			return err
		}

		eff.stopInstances(bid)
		eff.touchBid(bid)
		eff.preempted = append(eff.preempted, bid)

		f.log.Debug(utils.OrangeStyle.Render("Preempted bid %s (%s) at clearing price %s."),
			bid.ID, bid.MaxBid.String(), decision.Price.String())
	}

	var placementErr error
	numAdmitted, numPending := len(decision.Admitted), decision.NumPending
	for _, bid := range decision.NewlyAdmitted {
		launch, err := f.unsafePlaceSpotBid(bid)
		if err != nil {
			f.log.Error(utils.RedStyle.Render("Could not place the instances of newly admitted bid %s: %v"), bid.ID, err)

			reverted, revertErr := f.market.Revert(bid.ID)
			if revertErr == nil {
				eff.touchBid(reverted)
			}

			numAdmitted, numPending = numAdmitted-1, numPending+1
			if placementErr == nil {
				placementErr = err
			}
			continue
		}

		admitted, _ := f.market.Get(bid.ID)
		eff.touchBid(admitted)
		eff.launches = append(eff.launches, launch)
		eff.newlyAdmitted = append(eff.newlyAdmitted, admitted)

		for _, spec := range launch.specs {
			eff.touchHost(spec.HostID)
		}

		f.log.Debug(utils.GreenStyle.Render("Admitted bid %s (%s) for %d instance(s) at clearing price %s."),
			bid.ID, bid.MaxBid.String(), bid.NeededInstances, decision.Price.String())
	}

	f.metricsProvider.ObserveMarket(decision.Price, decision.Capacity, numAdmitted, numPending)
	f.metricsProvider.RecordAdmissions(len(decision.NewlyAdmitted))
	f.metricsProvider.RecordPreemptions(len(decision.Preempted))

	return placementErr
}

// unsafePlaceSpotBid places and allocates every instance of a newly admitted bid and records the placements in the
// market. If any instance cannot be placed, the instances placed so far are released.
func (f *Facade) unsafePlaceSpotBid(bid *entity.Bid) (*spotLaunch, error) {
	request := resource.PlacementRequest{MemoryMB: f.instanceMemoryMB, NetworkTag: entity.WildcardNetwork}
	placements := make([]entity.InstancePlacement, 0, bid.NeededInstances)

	rollback := func() {
		for _, placement := range placements {
			if _, err := f.pool.ReleasePreemptible(placement.HostID, f.instanceMemoryMB); err != nil {
				f.log.Error(utils.RedStyle.Render("Failed to release instance %s of bid %s: %v"),
					placement.InstanceID, bid.ID, err)
			}
		}
	}

	for i := 0; i < bid.NeededInstances; i++ {
		host, ok := f.pool.SelectHost(request)
		if !ok {
			rollback()
			return nil, fmt.Errorf("%w: no host for instance %d of %d of admitted bid %s",
				types.ErrInvariantViolation, i+1, bid.NeededInstances, bid.ID)
		}

		if _, err := f.pool.AllocatePreemptible(host.HostID, f.instanceMemoryMB); err != nil {
			rollback()
			return nil, err
		}

		placements = append(placements, entity.InstancePlacement{InstanceID: uuid.NewString(), HostID: host.HostID})
	}

	if err := f.market.SetInstances(bid.ID, placements); err != nil {
		rollback()
		return nil, err
	}

	launch := &spotLaunch{bidId: bid.ID, specs: make([]*scheduling.InstanceSpec, 0, len(placements))}
	for _, placement := range placements {
		launch.specs = append(launch.specs, &scheduling.InstanceSpec{
			InstanceID: placement.InstanceID,
			HostID:     placement.HostID,
			MemoryMB:   f.instanceMemoryMB,
			Image:      bid.Image,
			NetworkTag: entity.WildcardNetwork,
			BidID:      bid.ID,
		})
	}

	return launch, nil
}

// unsafeReleaseSpotInstances returns the memory of every instance of the bid to the pool.
func (f *Facade) unsafeReleaseSpotInstances(bid *entity.Bid) error {
	for _, placement := range bid.Instances {
		if _, err := f.pool.ReleasePreemptible(placement.HostID, f.instanceMemoryMB); err != nil {
			return err
		}
	}

	return nil
}

func (f *Facade) marketOutcome(bid *entity.Bid, eff *effects) *MarketOutcome {
	outcome := &MarketOutcome{
		Price:         f.market.Price(),
		Capacity:      f.market.Capacity(),
		NewlyAdmitted: eff.newlyAdmitted,
		Preempted:     eff.preempted,
	}

	if bid == nil {
		return outcome
	}

	if current, loaded := f.market.Get(bid.ID); loaded {
		outcome.Bid = current
	} else {
		outcome.Bid = bid
	}

	return outcome
}
