package configuration

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/scusemua/vm-scheduler/common/types"
	"sigs.k8s.io/yaml"
)

// HostDefinition describes one member of the pool in a hosts file.
type HostDefinition struct {
	HostID     string `json:"host_id"`
	MemoryMB   int64  `json:"memory_mb"`
	NetworkTag string `json:"network,omitempty"`

	// Disabled hosts are registered but excluded from placement until they are activated.
	Disabled bool `json:"disabled,omitempty"`
}

// HostsFile is the startup membership list of a resource pool. It may be written in YAML or JSON.
//
//	pool_id: rack-1
//	hosts:
//	  - host_id: node-1
//	    memory_mb: 16384
//	  - host_id: node-2
//	    memory_mb: 32768
//	    network: private
type HostsFile struct {
	PoolID string           `json:"pool_id,omitempty"`
	Hosts  []HostDefinition `json:"hosts"`
}

// LoadHostsFile reads and validates the hosts file at the given path.
func LoadHostsFile(path string) (*HostsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read hosts file \"%s\"", path)
	}

	return ParseHostsFile(data)
}

// ParseHostsFile parses and validates the contents of a hosts file.
func ParseHostsFile(data []byte) (*HostsFile, error) {
	var hostsFile HostsFile
	if err := yaml.Unmarshal(data, &hostsFile); err != nil {
		return nil, errors.Wrap(err, "failed to parse hosts file")
	}

	seen := make(map[string]struct{}, len(hostsFile.Hosts))
	for i, host := range hostsFile.Hosts {
		if host.HostID == "" {
			return nil, fmt.Errorf("%w: host #%d has no host_id", types.ErrInvalidConfig, i)
		}

		if host.MemoryMB <= 0 {
			return nil, fmt.Errorf("%w: host %s has non-positive memory_mb %d", types.ErrInvalidConfig, host.HostID, host.MemoryMB)
		}

		if _, duplicate := seen[host.HostID]; duplicate {
			return nil, fmt.Errorf("%w: host %s is listed more than once", types.ErrInvalidConfig, host.HostID)
		}
		seen[host.HostID] = struct{}{}
	}

	return &hostsFile, nil
}

// Entries converts the definitions into empty HostEntry values belonging to the given pool.
func (f *HostsFile) Entries(poolId string) []*entity.HostEntry {
	entries := make([]*entity.HostEntry, 0, len(f.Hosts))
	for _, host := range f.Hosts {
		entry := entity.NewHostEntry(poolId, host.HostID, host.MemoryMB, host.NetworkTag)
		entry.Active = !host.Disabled
		entries = append(entries, entry)
	}

	return entries
}
