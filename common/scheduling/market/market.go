package market

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/scusemua/vm-scheduler/common/types"
	"github.com/scusemua/vm-scheduler/common/utils"
	"github.com/shopspring/decimal"
)

// Decision is the result of one recomputation of the market.
//
// The bids in a Decision are copies. Preempted bids still carry the instance placements they held, so that the
// caller can stop those instances and release their memory.
type Decision struct {
	Price    decimal.Decimal
	Capacity int

	// Admitted holds every admitted bid in admission order.
	Admitted []*entity.Bid

	// NewlyAdmitted holds the bids admitted by this recomputation, in admission order.
	NewlyAdmitted []*entity.Bid

	// Preempted holds the bids preempted by this recomputation, lowest bidder first.
	Preempted []*entity.Bid

	NumPending int
}

// AdmittedInstances returns the number of instances held by the admitted bids.
func (d *Decision) AdmittedInstances() int {
	total := 0
	for _, bid := range d.Admitted {
		total += bid.NeededInstances
	}
	return total
}

func (d *Decision) String() string {
	return fmt.Sprintf("Decision[Price=%s,Capacity=%d,Admitted=%d,NewlyAdmitted=%d,Preempted=%d,Pending=%d]",
		d.Price.String(), d.Capacity, len(d.Admitted), len(d.NewlyAdmitted), len(d.Preempted), d.NumPending)
}

// Market holds the active spot bids and computes the uniform clearing price and the admitted set.
type Market struct {
	mu sync.Mutex

	log logger.Logger

	minimumPrice decimal.Decimal

	// bids contains every active bid (PENDING, ADMITTED, or PREEMPTED), keyed by ID.
	bids map[string]*entity.Bid

	// sequence is the Sequence of the most recently submitted bid.
	sequence uint64

	price    decimal.Decimal
	capacity int
}

// NewMarket creates a new Market with the given price floor and returns a pointer to it.
func NewMarket(minimumPrice decimal.Decimal) *Market {
	market := &Market{
		minimumPrice: minimumPrice,
		price:        minimumPrice,
		bids:         make(map[string]*entity.Bid),
	}

	config.InitLogger(&market.log, market)

	return market
}

// MinimumPrice returns the floor of the clearing price.
func (m *Market) MinimumPrice() decimal.Decimal {
	return m.minimumPrice
}

// Price returns the clearing price computed by the most recent recomputation.
func (m *Market) Price() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.price
}

// Capacity returns the capacity budget used by the most recent recomputation.
func (m *Market) Capacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.capacity
}

// Len returns the number of active bids.
func (m *Market) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.bids)
}

// Submit validates the bid and adds it to the market as PENDING. Submit does not recompute the market.
//
// Bids with a non-positive instance count or a negative price are rejected with types.ErrInvalidBid. Bids needing
// more than maxCapacity instances are rejected with types.ErrInfeasibleBid. Rejected bids never enter the market.
func (m *Market) Submit(bid *entity.Bid, maxCapacity int) (*entity.Bid, error) {
	if bid.NeededInstances <= 0 {
		return nil, fmt.Errorf("%w: needed instances must be positive, got %d", types.ErrInvalidBid, bid.NeededInstances)
	}

	if bid.MaxBid.IsNegative() {
		return nil, fmt.Errorf("%w: price must not be negative, got %s", types.ErrInvalidBid, bid.MaxBid.String())
	}

	if bid.NeededInstances > maxCapacity {
		m.log.Warn("Rejecting bid for %d instances; the pool can hold at most %d spot instances.",
			bid.NeededInstances, maxCapacity)
		return nil, fmt.Errorf("%w: %d instances requested, at most %d available",
			types.ErrInfeasibleBid, bid.NeededInstances, maxCapacity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := bid.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	if _, loaded := m.bids[stored.ID]; loaded {
		return nil, fmt.Errorf("%w: duplicate bid ID %s", types.ErrInvalidBid, stored.ID)
	}

	if stored.SubmittedAt.IsZero() {
		stored.SubmittedAt = time.Now()
	}

	m.sequence += 1
	stored.Sequence = m.sequence
	stored.Status = entity.BidPending
	stored.Instances = nil

	m.bids[stored.ID] = stored
	m.log.Debug("Submitted %s.", stored.String())

	return stored.Clone(), nil
}

// Cancel removes the bid from the market. The returned copy is CANCELLED and still carries its placements.
func (m *Market) Cancel(bidId string) (*entity.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bid, loaded := m.bids[bidId]
	if !loaded {
		return nil, fmt.Errorf("%w: %s", types.ErrBidNotFound, bidId)
	}

	delete(m.bids, bidId)

	bid.Status = entity.BidCancelled
	m.log.Debug("Cancelled %s.", bid.String())

	return bid.Clone(), nil
}

// Get returns a copy of the specified active bid.
func (m *Market) Get(bidId string) (*entity.Bid, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bid, loaded := m.bids[bidId]
	if !loaded {
		return nil, false
	}

	return bid.Clone(), true
}

// Bids returns copies of the active bids in admission order.
func (m *Market) Bids() []*entity.Bid {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := m.unsafeOrdered()
	clones := make([]*entity.Bid, 0, len(ordered))
	for _, bid := range ordered {
		clones = append(clones, bid.Clone())
	}

	return clones
}

// SetInstances records the placements of an admitted bid's instances.
func (m *Market) SetInstances(bidId string, instances []entity.InstancePlacement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bid, loaded := m.bids[bidId]
	if !loaded {
		return fmt.Errorf("%w: %s", types.ErrBidNotFound, bidId)
	}

	bid.Instances = slices.Clone(instances)
	return nil
}

// ReleaseInstance records that one running instance of an admitted bid on the specified host has terminated.
//
// The bid shrinks by one instance. Once its last instance terminates, the bid leaves the market and the returned
// copy is CANCELLED.
func (m *Market) ReleaseInstance(bidId string, hostId string) (*entity.Bid, entity.InstancePlacement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bid, loaded := m.bids[bidId]
	if !loaded {
		return nil, entity.InstancePlacement{}, fmt.Errorf("%w: %s", types.ErrBidNotFound, bidId)
	}

	if bid.Status != entity.BidAdmitted {
		return nil, entity.InstancePlacement{}, fmt.Errorf("%w: %s is %s", types.ErrBidNotActive, bidId, bid.Status)
	}

	idx := slices.IndexFunc(bid.Instances, func(placement entity.InstancePlacement) bool {
		return placement.HostID == hostId
	})
	if idx < 0 {
		return nil, entity.InstancePlacement{}, fmt.Errorf("%w: bid %s has no instance on host %s",
			types.ErrInvariantViolation, bidId, hostId)
	}

	placement := bid.Instances[idx]
	bid.Instances = slices.Delete(bid.Instances, idx, idx+1)
	bid.NeededInstances -= 1

	if bid.NeededInstances == 0 {
		delete(m.bids, bidId)
		bid.Status = entity.BidCancelled
		m.log.Debug("Last instance of bid %s terminated. Removed bid from market.", bidId)
	}

	return bid.Clone(), placement, nil
}

// Preempt forcibly preempts the specified admitted bids, for example to reclaim memory for a reserved VM.
// The returned copies still carry the placements the bids held, and are ordered lowest bidder first.
func (m *Market) Preempt(bidIds ...string) []*entity.Bid {
	m.mu.Lock()
	defer m.mu.Unlock()

	preempted := make([]*entity.Bid, 0, len(bidIds))
	for _, bidId := range bidIds {
		bid, loaded := m.bids[bidId]
		if !loaded || bid.Status != entity.BidAdmitted {
			continue
		}

		preempted = append(preempted, m.unsafePreempt(bid))
	}

	slices.SortFunc(preempted, entity.PreemptionOrder)
	return preempted
}

// Revert returns an admitted bid to PENDING after its instances could not be started.
func (m *Market) Revert(bidId string) (*entity.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bid, loaded := m.bids[bidId]
	if !loaded {
		return nil, fmt.Errorf("%w: %s", types.ErrBidNotFound, bidId)
	}

	bid.Status = entity.BidPending
	bid.Instances = nil

	m.log.Warn("Reverted %s to pending.", bid.String())

	return bid.Clone(), nil
}

// Restore replaces the active bids with the given bids, e.g. during a warm restart.
// Bids whose status is not active are ignored. Restore does not recompute the market.
func (m *Market) Restore(bids []*entity.Bid) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bids = make(map[string]*entity.Bid, len(bids))
	m.sequence = 0

	for _, bid := range bids {
		if !bid.Status.Active() {
			continue
		}

		m.bids[bid.ID] = bid.Clone()
		if bid.Sequence > m.sequence {
			m.sequence = bid.Sequence
		}
	}

	m.log.Debug("Restored %d active bids (last sequence: %d).", len(m.bids), m.sequence)
}

// ValidatePrice returns true if p is a valid clearing price for the active bids and the given capacity.
func (m *Market) ValidatePrice(p decimal.Decimal, capacity int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return validatePrice(m.unsafeOrdered(), p, m.minimumPrice, capacity).valid
}

// ComputePrice returns the clearing price of the active bids for the given capacity without changing any bid.
func (m *Market) ComputePrice(capacity int) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, _, ok := clearingPrice(m.unsafeOrdered(), m.minimumPrice, capacity)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no valid clearing price for capacity %d", types.ErrInvariantViolation, capacity)
	}

	return price, nil
}

// Recompute computes the clearing price for the given capacity and applies the resulting admissions and
// preemptions. Running Recompute twice with unchanged bids and capacity yields the same price and admitted set,
// and the second run admits and preempts nothing.
func (m *Market) Recompute(capacity int) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := m.unsafeOrdered()

	price, result, ok := clearingPrice(ordered, m.minimumPrice, capacity)
	if !ok {
		m.log.Error(utils.RedStyle.Render("No valid clearing price exists for %d bids and capacity %d."),
			len(ordered), capacity)
		return nil, fmt.Errorf("%w: no valid clearing price for capacity %d", types.ErrInvariantViolation, capacity)
	}

	admitted := make(map[string]struct{}, len(result.admitted))
	for _, bid := range result.admitted {
		admitted[bid.ID] = struct{}{}
	}

	decision := &Decision{
		Price:    price,
		Capacity: capacity,
	}

	for _, bid := range ordered {
		_, isAdmitted := admitted[bid.ID]

		switch {
		case isAdmitted && bid.Status != entity.BidAdmitted:
			bid.Status = entity.BidAdmitted
			decision.NewlyAdmitted = append(decision.NewlyAdmitted, bid.Clone())
		case !isAdmitted && bid.Status == entity.BidAdmitted:
			decision.Preempted = append(decision.Preempted, m.unsafePreempt(bid))
		}

		if isAdmitted {
			decision.Admitted = append(decision.Admitted, bid.Clone())
		} else {
			decision.NumPending += 1
		}
	}

	// ordered is in admission order, so the preempted bids must be reversed to put the lowest bidder first.
	slices.Reverse(decision.Preempted)

	if !m.price.Equal(price) || m.capacity != capacity {
		m.log.Debug("Clearing price changed from %s to %s (capacity: %d -> %d).",
			m.price.String(), price.String(), m.capacity, capacity)
	}

	m.price = price
	m.capacity = capacity

	if len(decision.NewlyAdmitted) > 0 || len(decision.Preempted) > 0 {
		m.log.Debug("Recomputed market: %s", decision.String())
	}

	return decision, nil
}

// unsafePreempt marks the bid as preempted, clears its placements, and returns a copy holding the old placements.
func (m *Market) unsafePreempt(bid *entity.Bid) *entity.Bid {
	clone := bid.Clone()
	clone.Status = entity.BidPreempted

	bid.Status = entity.BidPreempted
	bid.Instances = nil

	m.log.Debug("Preempted %s.", clone.String())

	return clone
}

// unsafeOrdered returns the active bids in admission order. It must be called with the mutex held.
func (m *Market) unsafeOrdered() []*entity.Bid {
	ordered := make([]*entity.Bid, 0, len(m.bids))
	for _, bid := range m.bids {
		ordered = append(ordered, bid)
	}

	slices.SortFunc(ordered, entity.AdmissionOrder)
	return ordered
}
