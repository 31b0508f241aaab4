package entity

import (
	"fmt"
)

const (
	// WildcardNetwork is the association tag of a host that accepts VMs from any network, and the tag of a
	// request that can be placed on any host.
	WildcardNetwork = "*"
)

// HostEntry is the capacity ledger record of a single physical host.
//
// HostEntry values are owned by the resource pool. Every HostEntry handed out by the pool is a copy, so mutating
// it has no effect on the ledger.
type HostEntry struct {
	PoolID string `json:"pool_id"`
	HostID string `json:"host_id"`

	// TotalMemoryMB is the allocatable memory of the host.
	TotalMemoryMB int64 `json:"total_memory_mb"`

	// UsedMemoryMB is the memory currently allocated to VMs of either class.
	UsedMemoryMB int64 `json:"used_memory_mb"`

	// PreemptibleMemoryMB is the portion of UsedMemoryMB held on behalf of the spot market.
	// It can be reclaimed by preempting spot instances.
	PreemptibleMemoryMB int64 `json:"preemptible_memory_mb"`

	// NetworkTag is the network association the host serves, or WildcardNetwork.
	NetworkTag string `json:"network_tag"`

	Active bool `json:"active"`
}

// NewHostEntry returns an empty, active HostEntry.
func NewHostEntry(poolId string, hostId string, totalMemoryMB int64, networkTag string) *HostEntry {
	if networkTag == "" {
		networkTag = WildcardNetwork
	}

	return &HostEntry{
		PoolID:        poolId,
		HostID:        hostId,
		TotalMemoryMB: totalMemoryMB,
		NetworkTag:    networkTag,
		Active:        true,
	}
}

// Key returns the identifier under which the entry is stored.
func (e *HostEntry) Key() string {
	return fmt.Sprintf("%s/%s", e.PoolID, e.HostID)
}

// FreeMemoryMB returns the memory not allocated to any VM.
func (e *HostEntry) FreeMemoryMB() int64 {
	return e.TotalMemoryMB - e.UsedMemoryMB
}

// ReservedMemoryMB returns the memory allocated to reserved (non-preemptible) VMs.
func (e *HostEntry) ReservedMemoryMB() int64 {
	return e.UsedMemoryMB - e.PreemptibleMemoryMB
}

// ReclaimableMemoryMB returns the memory that would be free if every spot instance on the host were preempted.
func (e *HostEntry) ReclaimableMemoryMB() int64 {
	return e.TotalMemoryMB - e.ReservedMemoryMB()
}

// AcceptsNetwork returns true if a VM requesting the given network association may be placed on the host.
func (e *HostEntry) AcceptsNetwork(tag string) bool {
	if tag == "" || tag == WildcardNetwork || e.NetworkTag == WildcardNetwork {
		return true
	}

	return e.NetworkTag == tag
}

// Consistent returns true if the entry satisfies 0 <= preemptible <= used <= total.
func (e *HostEntry) Consistent() bool {
	return e.PreemptibleMemoryMB >= 0 && e.PreemptibleMemoryMB <= e.UsedMemoryMB &&
		e.UsedMemoryMB >= 0 && e.UsedMemoryMB <= e.TotalMemoryMB
}

func (e *HostEntry) String() string {
	return fmt.Sprintf("HostEntry[Pool=%s,Host=%s,Total=%dMB,Used=%dMB,Preemptible=%dMB,Network=%s,Active=%v]",
		e.PoolID, e.HostID, e.TotalMemoryMB, e.UsedMemoryMB, e.PreemptibleMemoryMB, e.NetworkTag, e.Active)
}
