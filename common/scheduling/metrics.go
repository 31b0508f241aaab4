package scheduling

import (
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/shopspring/decimal"
)

const (
	PlacementPlaced     PlacementOutcome = "placed"
	PlacementReclaimed  PlacementOutcome = "reclaimed"
	PlacementNoCapacity PlacementOutcome = "no_capacity"
	PlacementFailed     PlacementOutcome = "failed"
)

// PlacementOutcome labels the result of a reserved placement for metrics purposes.
type PlacementOutcome string

func (o PlacementOutcome) String() string {
	return string(o)
}

// MetricsProvider receives the observations that the scheduler publishes after each committed decision.
type MetricsProvider interface {
	// ObserveMarket records the state of the spot market following a recomputation.
	ObserveMarket(price decimal.Decimal, capacity int, numAdmitted int, numPending int)

	RecordAdmissions(n int)
	RecordPreemptions(n int)
	RecordPlacement(outcome PlacementOutcome)

	// ObserveHost records the memory figures of a single host.
	ObserveHost(entry *entity.HostEntry)
}

// NoopMetricsProvider discards every observation.
type NoopMetricsProvider struct{}

func (NoopMetricsProvider) ObserveMarket(decimal.Decimal, int, int, int) {}
func (NoopMetricsProvider) RecordAdmissions(int)                         {}
func (NoopMetricsProvider) RecordPreemptions(int)                        {}
func (NoopMetricsProvider) RecordPlacement(PlacementOutcome)             {}
func (NoopMetricsProvider) ObserveHost(*entity.HostEntry)                {}
