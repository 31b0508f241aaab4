package scheduling

import (
	"context"
	"fmt"
)

// InstanceSpec describes a VM that the Launcher is asked to start.
type InstanceSpec struct {
	InstanceID string `json:"instance_id"`
	HostID     string `json:"host_id"`
	MemoryMB   int64  `json:"memory_mb"`
	Image      string `json:"image"`
	NetworkTag string `json:"network_tag"`

	// BidID is set for spot instances and empty for reserved VMs.
	BidID string `json:"bid_id,omitempty"`
}

// Preemptible returns true if the instance belongs to a spot bid.
func (s *InstanceSpec) Preemptible() bool {
	return s.BidID != ""
}

func (s *InstanceSpec) String() string {
	return fmt.Sprintf("InstanceSpec[ID=%s,Host=%s,Memory=%dMB,Image=%s,Bid=%s]",
		s.InstanceID, s.HostID, s.MemoryMB, s.Image, s.BidID)
}

// Launcher is the hypervisor-facing adapter that actually starts and stops VMs.
//
// Launcher methods are only ever invoked after a placement or admission decision has been committed, and never
// while the scheduler's lock is held.
type Launcher interface {
	// StartInstance starts the VM described by spec on the specified host.
	StartInstance(ctx context.Context, hostId string, spec *InstanceSpec) error

	// StopInstance stops the VM with the specified ID.
	StopInstance(ctx context.Context, instanceId string) error
}
