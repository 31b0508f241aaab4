package scheduler

import (
	"fmt"

	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/scusemua/vm-scheduler/common/scheduling/resource"
	"github.com/shopspring/decimal"
)

const (
	OutcomePlaced     Outcome = "PLACED"
	OutcomeNoCapacity Outcome = "NO_CAPACITY"
)

// Outcome is the result of a reserved placement request.
//
// OutcomeNoCapacity is a normal result rather than an error. The caller may retry later or reject the request.
type Outcome string

func (o Outcome) String() string {
	return string(o)
}

// ReservedRequest asks for an immediate, non-preemptible VM.
type ReservedRequest struct {
	// VMID identifies the VM towards the Launcher. A random ID is assigned if VMID is empty.
	VMID       string `json:"vm_id"`
	MemoryMB   int64  `json:"memory_mb"`
	NetworkTag string `json:"network_tag"`
	Image      string `json:"image"`
}

func (r *ReservedRequest) String() string {
	return fmt.Sprintf("ReservedRequest[VM=%s,Memory=%dMB,Network=%s,Image=%s]",
		r.VMID, r.MemoryMB, r.NetworkTag, r.Image)
}

// Placement is the result of a ReservedRequest.
type Placement struct {
	Outcome  Outcome `json:"outcome"`
	VMID     string  `json:"vm_id"`
	HostID   string  `json:"host_id,omitempty"`
	MemoryMB int64   `json:"memory_mb"`

	// Host is the ledger entry of the chosen host after the allocation was committed.
	Host *entity.HostEntry `json:"host,omitempty"`

	// Preempted holds the spot bids that were preempted to make room for the VM.
	Preempted []*entity.Bid `json:"preempted,omitempty"`
}

// SpotBidRequest asks for NeededInstances preemptible instances at a price of at most MaxBid each.
type SpotBidRequest struct {
	MaxBid          decimal.Decimal `json:"max_bid"`
	NeededInstances int             `json:"needed_instances"`
	Image           string          `json:"image"`
}

// MarketOutcome reports the state of a bid and of the market after a spot operation.
type MarketOutcome struct {
	Bid      *entity.Bid     `json:"bid"`
	Price    decimal.Decimal `json:"price"`
	Capacity int             `json:"capacity"`

	NewlyAdmitted []*entity.Bid `json:"newly_admitted,omitempty"`
	Preempted     []*entity.Bid `json:"preempted,omitempty"`
}

// Snapshot is a consistent, read-only view of the scheduler's state.
type Snapshot struct {
	PoolID   string              `json:"pool_id"`
	Hosts    []*entity.HostEntry `json:"hosts"`
	Bids     []*entity.Bid       `json:"bids"`
	Price    decimal.Decimal     `json:"price"`
	Capacity int                 `json:"capacity"`
	Totals   resource.Totals     `json:"totals"`

	// ReservedMemoryMB maps host ID to the memory committed to reserved VMs on that host.
	ReservedMemoryMB map[string]int64 `json:"reserved_memory_mb"`
}
