package scheduling

import (
	"log"
)

const (
	// DefaultMinimumPrice is the default floor of the spot clearing price.
	DefaultMinimumPrice = 0.01

	// DefaultInstanceMemoryMB is the default amount of memory that makes up one spot instance-equivalent.
	DefaultInstanceMemoryMB = 1024

	// DefaultPoolID is used for hosts whose definition does not name a pool.
	DefaultPoolID = "default"
)

// SchedulerOptions configure the resource pool and the spot market.
type SchedulerOptions struct {
	PoolID           string  `name:"pool-id"            json:"pool-id"            yaml:"pool-id"            description:"Identifier of the resource pool managed by this scheduler."`
	HostsFile        string  `name:"hosts-file"         json:"hosts-file"         yaml:"hosts-file"         description:"Path to a YAML or JSON file listing the hosts that are members of the pool at startup."`
	MinimumPrice     float64 `name:"minimum-price"      json:"minimum-price"      yaml:"minimum-price"      description:"Floor for the spot clearing price. Must be greater than zero."`
	InstanceMemoryMB int     `name:"instance-memory-mb" json:"instance-memory-mb" yaml:"instance-memory-mb" description:"Memory, in MB, of one spot instance-equivalent. Converts host memory into spot capacity."`

	// ReclaimPreemptibleMemory allows reserved requests to preempt spot instances when no host has enough free memory.
	ReclaimPreemptibleMemory bool `name:"reclaim-preemptible-memory" json:"reclaim-preemptible-memory" yaml:"reclaim-preemptible-memory" description:"If true, reserved requests may preempt spot instances when no host has enough free memory."`
}

// ValidateSchedulerOptions replaces illegal values with their defaults.
func (o *SchedulerOptions) ValidateSchedulerOptions() {
	if o.PoolID == "" {
		o.PoolID = DefaultPoolID
	}

	if o.MinimumPrice <= 0 {
		log.Printf("[WARNING] Invalid minimum price specified: %f. Defaulting to %f.\n",
			o.MinimumPrice, DefaultMinimumPrice)
		o.MinimumPrice = DefaultMinimumPrice
	}

	if o.InstanceMemoryMB <= 0 {
		log.Printf("[WARNING] Invalid instance memory specified: %d. Defaulting to %d MB.\n",
			o.InstanceMemoryMB, DefaultInstanceMemoryMB)
		o.InstanceMemoryMB = DefaultInstanceMemoryMB
	}
}
