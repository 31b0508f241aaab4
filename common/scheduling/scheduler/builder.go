package scheduler

import (
	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/scusemua/vm-scheduler/common/scheduling"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/scusemua/vm-scheduler/common/scheduling/market"
	"github.com/scusemua/vm-scheduler/common/scheduling/resource"
	"github.com/shopspring/decimal"
)

// Builder constructs a Facade together with the Pool and Market it orchestrates.
type Builder struct {
	launcher        scheduling.Launcher
	store           scheduling.Store
	metricsProvider scheduling.MetricsProvider
	options         *scheduling.SchedulerOptions
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) WithLauncher(launcher scheduling.Launcher) *Builder {
	b.launcher = launcher
	return b
}

func (b *Builder) WithStore(store scheduling.Store) *Builder {
	b.store = store
	return b
}

func (b *Builder) WithMetricsProvider(metricsProvider scheduling.MetricsProvider) *Builder {
	b.metricsProvider = metricsProvider
	return b
}

func (b *Builder) WithOptions(options *scheduling.SchedulerOptions) *Builder {
	b.options = options
	return b
}

// Build creates the Facade. The Launcher, Store, and options are required.
func (b *Builder) Build() *Facade {
	if b.options == nil {
		panic("Cannot construct Facade using Builder with nil options.")
	}

	if b.launcher == nil {
		panic("Cannot construct Facade using Builder with nil Launcher.")
	}

	if b.store == nil {
		panic("Cannot construct Facade using Builder with nil Store.")
	}

	b.options.ValidateSchedulerOptions()

	metricsProvider := b.metricsProvider
	if metricsProvider == nil {
		metricsProvider = scheduling.NoopMetricsProvider{}
	}

	facade := &Facade{
		pool:             resource.NewPool(b.options.PoolID),
		market:           market.NewMarket(decimal.NewFromFloat(b.options.MinimumPrice)),
		launcher:         b.launcher,
		store:            b.store,
		metricsProvider:  metricsProvider,
		opts:             b.options,
		instanceMemoryMB: int64(b.options.InstanceMemoryMB),
		reservedMemoryMB: make(map[string]int64),
		unsavedHosts:     make(map[string]struct{}),
		unsavedBids:      make(map[string]*entity.Bid),
	}
	config.InitLogger(&facade.log, facade)

	if facade.log.GetLevel() == logger.LOG_LEVEL_ALL {
		facade.log.Debug("Scheduling Configuration:")
		facade.log.Debug("PoolID: %s", b.options.PoolID)
		facade.log.Debug("MinimumPrice: %s", facade.market.MinimumPrice().String())
		facade.log.Debug("InstanceMemoryMB: %d", facade.instanceMemoryMB)
		facade.log.Debug("ReclaimPreemptibleMemory: %v", b.options.ReclaimPreemptibleMemory)
	}

	return facade
}
