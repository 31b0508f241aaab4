package resource

import (
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/scusemua/vm-scheduler/common/types"
	"github.com/scusemua/vm-scheduler/common/utils"
)

// PlacementRequest describes the VM for which a host is being sought.
type PlacementRequest struct {
	MemoryMB   int64
	NetworkTag string
}

// Totals are the aggregate memory figures of the active and inactive hosts of a Pool.
type Totals struct {
	TotalMemoryMB       int64 `json:"total_memory_mb"`
	UsedMemoryMB        int64 `json:"used_memory_mb"`
	PreemptibleMemoryMB int64 `json:"preemptible_memory_mb"`
	NumHosts            int   `json:"num_hosts"`
	NumActiveHosts      int   `json:"num_active_hosts"`
}

// ComputeFreeFraction returns floor(100 * (total - used) / total) for the given entry.
//
// ComputeFreeFraction returns types.ErrInvariantViolation if the entry's used memory exceeds its total memory or if
// its total memory is not positive.
func ComputeFreeFraction(entry *entity.HostEntry) (int, error) {
	if entry.TotalMemoryMB <= 0 {
		return 0, fmt.Errorf("%w: host %s has non-positive total memory %d MB",
			types.ErrInvariantViolation, entry.HostID, entry.TotalMemoryMB)
	}

	if entry.UsedMemoryMB > entry.TotalMemoryMB {
		return 0, fmt.Errorf("%w: host %s uses %d MB of %d MB",
			types.ErrInvariantViolation, entry.HostID, entry.UsedMemoryMB, entry.TotalMemoryMB)
	}

	if entry.UsedMemoryMB < 0 {
		return 0, fmt.Errorf("%w: host %s has negative used memory %d MB",
			types.ErrInvariantViolation, entry.HostID, entry.UsedMemoryMB)
	}

	return int((100 * (entry.TotalMemoryMB - entry.UsedMemoryMB)) / entry.TotalMemoryMB), nil
}

// Pool is the capacity ledger of every host in one resource pool.
//
// Pool never hands out references to its entries. Queries return copies and mutations go through Pool's methods,
// each of which is atomic with respect to the others.
type Pool struct {
	mu sync.Mutex

	log logger.Logger

	poolId string

	// entries maps host ID to the host's ledger record, in registration order.
	entries *orderedmap.OrderedMap[string, *entity.HostEntry]
}

// NewPool creates a new, empty Pool and returns a pointer to it.
func NewPool(poolId string) *Pool {
	pool := &Pool{
		poolId:  poolId,
		entries: orderedmap.NewOrderedMap[string, *entity.HostEntry](),
	}

	config.InitLogger(&pool.log, pool)

	return pool
}

// PoolID returns the identifier of the Pool.
func (p *Pool) PoolID() string {
	return p.poolId
}

// Len returns the number of registered hosts, active or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.entries.Len()
}

// RegisterHost adds a host to the Pool.
func (p *Pool) RegisterHost(entry *entity.HostEntry) (*entity.HostEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, loaded := p.entries.Get(entry.HostID); loaded {
		return nil, fmt.Errorf("%w: %s", types.ErrHostExists, entry.HostID)
	}

	if entry.TotalMemoryMB <= 0 || !entry.Consistent() {
		return nil, fmt.Errorf("%w: cannot register inconsistent entry %s", types.ErrInvariantViolation, entry.String())
	}

	stored := *entry
	stored.PoolID = p.poolId
	if stored.NetworkTag == "" {
		stored.NetworkTag = entity.WildcardNetwork
	}

	p.entries.Set(stored.HostID, &stored)
	p.log.Debug("Registered host %s: %s", stored.HostID, stored.String())

	clone := stored
	return &clone, nil
}

// DeregisterHost removes an empty host from the Pool.
func (p *Pool) DeregisterHost(hostId string) (*entity.HostEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.unsafeGet(hostId)
	if err != nil {
		return nil, err
	}

	if entry.UsedMemoryMB != 0 {
		return nil, fmt.Errorf("%w: %s uses %d MB", types.ErrHostNotEmpty, hostId, entry.UsedMemoryMB)
	}

	p.entries.Delete(hostId)
	p.log.Debug("Deregistered host %s.", hostId)

	clone := *entry
	return &clone, nil
}

// DeactivateHost excludes a host from placement without removing its ledger.
func (p *Pool) DeactivateHost(hostId string) (*entity.HostEntry, error) {
	return p.setActive(hostId, false)
}

// ActivateHost makes a deactivated host eligible for placement again.
func (p *Pool) ActivateHost(hostId string) (*entity.HostEntry, error) {
	return p.setActive(hostId, true)
}

func (p *Pool) setActive(hostId string, active bool) (*entity.HostEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.unsafeGet(hostId)
	if err != nil {
		return nil, err
	}

	entry.Active = active

	clone := *entry
	return &clone, nil
}

// Host returns a copy of the entry of the specified host.
func (p *Pool) Host(hostId string) (*entity.HostEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, loaded := p.entries.Get(hostId)
	if !loaded {
		return nil, false
	}

	clone := *entry
	return &clone, true
}

// Snapshot returns copies of all entries in registration order.
func (p *Pool) Snapshot() []*entity.HostEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := make([]*entity.HostEntry, 0, p.entries.Len())
	for el := p.entries.Front(); el != nil; el = el.Next() {
		clone := *el.Value
		snapshot = append(snapshot, &clone)
	}

	return snapshot
}

// Restore replaces the contents of the Pool with the given entries.
//
// Entries belonging to other pools are ignored. If any entry is inconsistent, the Pool is left unchanged and an
// error wrapping types.ErrInvariantViolation is returned.
func (p *Pool) Restore(entries []*entity.HostEntry) error {
	restored := orderedmap.NewOrderedMap[string, *entity.HostEntry]()

	for _, entry := range entries {
		if entry.PoolID != "" && entry.PoolID != p.poolId {
			p.log.Warn("Ignoring entry of host %s from foreign pool \"%s\".", entry.HostID, entry.PoolID)
			continue
		}

		if entry.TotalMemoryMB <= 0 || !entry.Consistent() {
			return fmt.Errorf("%w: cannot restore inconsistent entry %s", types.ErrInvariantViolation, entry.String())
		}

		stored := *entry
		stored.PoolID = p.poolId
		restored.Set(stored.HostID, &stored)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries = restored
	p.log.Debug("Restored %d host entries.", restored.Len())

	return nil
}

// PercentEmpty returns the percentage of free memory of the specified host.
func (p *Pool) PercentEmpty(hostId string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.unsafeGet(hostId)
	if err != nil {
		return 0, err
	}

	return ComputeFreeFraction(entry)
}

// SelectHost returns a copy of the active host with the most free memory that matches the request's network and
// has at least the requested amount of free memory. Ties are broken by the lowest host ID.
//
// If no host qualifies, SelectHost returns false. This signals that the pool is exhausted and is not an error.
func (p *Pool) SelectHost(req PlacementRequest) (*entity.HostEntry, bool) {
	return p.selectBy(req, (*entity.HostEntry).FreeMemoryMB)
}

// SelectReclaimableHost is like SelectHost, except that memory held by spot instances counts as free.
// The caller is expected to preempt spot instances on the returned host before allocating.
func (p *Pool) SelectReclaimableHost(req PlacementRequest) (*entity.HostEntry, bool) {
	return p.selectBy(req, (*entity.HostEntry).ReclaimableMemoryMB)
}

func (p *Pool) selectBy(req PlacementRequest, available func(*entity.HostEntry) int64) (*entity.HostEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *entity.HostEntry
	for el := p.entries.Front(); el != nil; el = el.Next() {
		entry := el.Value
		if !entry.Active || !entry.AcceptsNetwork(req.NetworkTag) {
			continue
		}

		free := available(entry)
		if free < req.MemoryMB {
			continue
		}

		if best == nil {
			best = entry
			continue
		}

		bestFree := available(best)
		if free > bestFree || (free == bestFree && entry.HostID < best.HostID) {
			best = entry
		}
	}

	if best == nil {
		p.log.Debug("No host can serve %d MB on network \"%s\".", req.MemoryMB, req.NetworkTag)
		return nil, false
	}

	clone := *best
	return &clone, true
}

// Allocate charges memory of a reserved VM to the specified host.
func (p *Pool) Allocate(hostId string, memoryMB int64) (*entity.HostEntry, error) {
	return p.allocate(hostId, memoryMB, false)
}

// AllocatePreemptible charges memory of a spot instance to the specified host.
func (p *Pool) AllocatePreemptible(hostId string, memoryMB int64) (*entity.HostEntry, error) {
	return p.allocate(hostId, memoryMB, true)
}

func (p *Pool) allocate(hostId string, memoryMB int64, preemptible bool) (*entity.HostEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.unsafeGet(hostId)
	if err != nil {
		return nil, err
	}

	if !entry.Active {
		return nil, fmt.Errorf("%w: %s", types.ErrHostInactive, hostId)
	}

	if memoryMB <= 0 {
		return nil, fmt.Errorf("%w: cannot allocate %d MB", types.ErrInvariantViolation, memoryMB)
	}

	if entry.UsedMemoryMB+memoryMB > entry.TotalMemoryMB {
		p.log.Debug("Rejecting allocation of %d MB on host %s: %d of %d MB in use.",
			memoryMB, hostId, entry.UsedMemoryMB, entry.TotalMemoryMB)
		return nil, fmt.Errorf("%w: host %s has %d MB free, %d MB requested",
			types.ErrCapacityExceeded, hostId, entry.FreeMemoryMB(), memoryMB)
	}

	entry.UsedMemoryMB += memoryMB
	if preemptible {
		entry.PreemptibleMemoryMB += memoryMB
	}

	clone := *entry
	return &clone, nil
}

// Release returns memory of a reserved VM to the specified host.
//
// Releasing more reserved memory than the host holds indicates a double release. In that case, the ledger is left
// unchanged and an error wrapping types.ErrInvariantViolation is returned.
func (p *Pool) Release(hostId string, memoryMB int64) (*entity.HostEntry, error) {
	return p.release(hostId, memoryMB, false)
}

// ReleasePreemptible returns memory of a spot instance to the specified host.
func (p *Pool) ReleasePreemptible(hostId string, memoryMB int64) (*entity.HostEntry, error) {
	return p.release(hostId, memoryMB, true)
}

func (p *Pool) release(hostId string, memoryMB int64, preemptible bool) (*entity.HostEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, err := p.unsafeGet(hostId)
	if err != nil {
		return nil, err
	}

	if memoryMB <= 0 {
		return nil, fmt.Errorf("%w: cannot release %d MB", types.ErrInvariantViolation, memoryMB)
	}

	held := entry.ReservedMemoryMB()
	if preemptible {
		held = entry.PreemptibleMemoryMB
	}

	if memoryMB > held {
		p.log.Error(utils.RedStyle.Render("Release of %d MB on host %s exceeds the %d MB it holds (preemptible=%v)."),
			memoryMB, hostId, held, preemptible)
		return nil, fmt.Errorf("%w: releasing %d MB on host %s, which holds %d MB",
			types.ErrInvariantViolation, memoryMB, hostId, held)
	}

	entry.UsedMemoryMB -= memoryMB
	if preemptible {
		entry.PreemptibleMemoryMB -= memoryMB
	}

	clone := *entry
	return &clone, nil
}

// AvailableForSpot returns the number of spot instances of unitMB each that the active hosts could hold if no memory
// were held by spot instances. The result is recomputed on every call.
func (p *Pool) AvailableForSpot(unitMB int64) int {
	return p.spotSlots(unitMB, (*entity.HostEntry).ReclaimableMemoryMB)
}

// MaxSpotCapacity returns the number of spot instances the active hosts could hold if they were empty.
func (p *Pool) MaxSpotCapacity(unitMB int64) int {
	return p.spotSlots(unitMB, func(e *entity.HostEntry) int64 { return e.TotalMemoryMB })
}

func (p *Pool) spotSlots(unitMB int64, available func(*entity.HostEntry) int64) int {
	if unitMB <= 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	slots := 0
	for el := p.entries.Front(); el != nil; el = el.Next() {
		if !el.Value.Active {
			continue
		}

		slots += int(available(el.Value) / unitMB)
	}

	return slots
}

// Totals returns the aggregate memory figures of the Pool.
func (p *Pool) Totals() Totals {
	p.mu.Lock()
	defer p.mu.Unlock()

	var totals Totals
	for el := p.entries.Front(); el != nil; el = el.Next() {
		entry := el.Value
		totals.NumHosts += 1
		totals.TotalMemoryMB += entry.TotalMemoryMB
		totals.UsedMemoryMB += entry.UsedMemoryMB
		totals.PreemptibleMemoryMB += entry.PreemptibleMemoryMB

		if entry.Active {
			totals.NumActiveHosts += 1
		}
	}

	return totals
}

func (p *Pool) unsafeGet(hostId string) (*entity.HostEntry, error) {
	entry, loaded := p.entries.Get(hostId)
	if !loaded {
		return nil, fmt.Errorf("%w: %s", types.ErrHostNotFound, hostId)
	}

	return entry, nil
}
