package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/scusemua/vm-scheduler/common/mock_scheduling"
	"github.com/scusemua/vm-scheduler/common/scheduling"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/scusemua/vm-scheduler/common/scheduling/scheduler"
	"github.com/scusemua/vm-scheduler/common/storage"
	"github.com/scusemua/vm-scheduler/common/types"
	"github.com/shopspring/decimal"
	"go.uber.org/mock/gomock"
)

const (
	poolId           = "test-pool"
	hostMemoryMB     = 4096
	instanceMemoryMB = 1024
)

// callLog records the order in which the Launcher was called.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string{}, l.calls...)
}

func (l *callLog) count(prefix string) int {
	n := 0
	for _, call := range l.get() {
		if strings.HasPrefix(call, prefix) {
			n += 1
		}
	}
	return n
}

func newFacade(launcher scheduling.Launcher, store scheduling.Store, reclaim bool) *scheduler.Facade {
	return scheduler.NewBuilder().
		WithLauncher(launcher).
		WithStore(store).
		WithOptions(&scheduling.SchedulerOptions{
			PoolID:                   poolId,
			MinimumPrice:             0.01,
			InstanceMemoryMB:         instanceMemoryMB,
			ReclaimPreemptibleMemory: reclaim,
		}).
		Build()
}

func registerHosts(facade *scheduler.Facade, hostIds ...string) {
	for _, hostId := range hostIds {
		_, err := facade.RegisterHost(context.Background(), entity.NewHostEntry(poolId, hostId, hostMemoryMB, ""))
		Expect(err).To(BeNil())
	}
}

func spotBid(price float64, needed int) *scheduler.SpotBidRequest {
	return &scheduler.SpotBidRequest{MaxBid: decimal.NewFromFloat(price), NeededInstances: needed}
}

var _ = Describe("Facade", func() {
	var (
		mockCtrl     *gomock.Controller
		mockLauncher *mock_scheduling.MockLauncher
		mockStore    *mock_scheduling.MockStore
		facade       *scheduler.Facade
		calls        *callLog
		ctx          context.Context
	)

	// expectStarts allows any number of successful StartInstance calls and records them.
	expectStarts := func() {
		mockLauncher.EXPECT().StartInstance(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, hostId string, spec *scheduling.InstanceSpec) error {
				calls.record("start:%s:%s", hostId, spec.InstanceID)
				return nil
			}).AnyTimes()
	}

	// expectStops allows any number of successful StopInstance calls and records them.
	expectStops := func() {
		mockLauncher.EXPECT().StopInstance(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, instanceId string) error {
				calls.record("stop:%s", instanceId)
				return nil
			}).AnyTimes()
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		mockLauncher = mock_scheduling.NewMockLauncher(mockCtrl)
		mockStore = mock_scheduling.NewMockStore(mockCtrl)
		calls = &callLog{}
		ctx = context.Background()

		mockStore.EXPECT().SaveHostEntry(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
		mockStore.EXPECT().SaveBid(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
		mockStore.EXPECT().DeleteHostEntry(gomock.Any(), poolId, gomock.Any()).Return(nil).AnyTimes()

		facade = newFacade(mockLauncher, mockStore, true)
		registerHosts(facade, "host1", "host2")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	Context("Reserved requests", func() {
		It("Will place a reserved VM on the host with the most free memory", func() {
			mockLauncher.EXPECT().StartInstance(gomock.Any(), "host1", gomock.Any()).DoAndReturn(
				func(_ context.Context, _ string, spec *scheduling.InstanceSpec) error {
					Expect(spec.InstanceID).To(Equal("vm1"))
					Expect(spec.MemoryMB).To(Equal(int64(2048)))
					Expect(spec.Preemptible()).To(BeFalse())
					return nil
				})

			placement, err := facade.SubmitReservedRequest(ctx, &scheduler.ReservedRequest{VMID: "vm1", MemoryMB: 2048})
			Expect(err).To(BeNil())
			Expect(placement.Outcome).To(Equal(scheduler.OutcomePlaced))
			Expect(placement.HostID).To(Equal("host1"))
			Expect(placement.Host.UsedMemoryMB).To(Equal(int64(2048)))
			Expect(placement.Preempted).To(BeEmpty())

			mockLauncher.EXPECT().StartInstance(gomock.Any(), "host2", gomock.Any()).Return(nil)

			placement, err = facade.SubmitReservedRequest(ctx, &scheduler.ReservedRequest{MemoryMB: 1024})
			Expect(err).To(BeNil())
			Expect(placement.HostID).To(Equal("host2"))
			Expect(placement.VMID).ToNot(BeEmpty())

			snapshot := facade.Snapshot()
			Expect(snapshot.ReservedMemoryMB).To(Equal(map[string]int64{"host1": 2048, "host2": 1024}))
			Expect(snapshot.Capacity).To(Equal(5))
			Expect(snapshot.Totals.UsedMemoryMB).To(Equal(int64(3072)))

			Expect(facade.CheckInvariants()).To(Succeed())
		})

		It("Will report that no host has capacity without starting anything", func() {
			placement, err := facade.SubmitReservedRequest(ctx, &scheduler.ReservedRequest{MemoryMB: 8192})
			Expect(err).To(BeNil())
			Expect(placement.Outcome).To(Equal(scheduler.OutcomeNoCapacity))
			Expect(placement.HostID).To(BeEmpty())

			Expect(facade.Snapshot().Totals.UsedMemoryMB).To(Equal(int64(0)))
		})

		It("Will reject a request for non-positive memory", func() {
			_, err := facade.SubmitReservedRequest(ctx, &scheduler.ReservedRequest{MemoryMB: 0})
			Expect(err).To(MatchError(types.ErrInvalidRequest))
		})

		It("Will roll back the allocation if the VM cannot be started", func() {
			mockLauncher.EXPECT().StartInstance(gomock.Any(), "host1", gomock.Any()).Return(errors.New("hypervisor unavailable"))

			placement, err := facade.SubmitReservedRequest(ctx, &scheduler.ReservedRequest{VMID: "vm1", MemoryMB: 2048})
			Expect(err).To(MatchError(types.ErrExternalActionFailed))
			Expect(placement).To(BeNil())

			snapshot := facade.Snapshot()
			Expect(snapshot.Totals.UsedMemoryMB).To(Equal(int64(0)))
			Expect(snapshot.ReservedMemoryMB["host1"]).To(Equal(int64(0)))
			Expect(snapshot.Capacity).To(Equal(8))

			Expect(facade.CheckInvariants()).To(Succeed())
		})

		It("Will preempt spot instances to make room when reclamation is enabled", func() {
			expectStarts()
			expectStops()

			outcome, err := facade.SubmitSpotBid(ctx, spotBid(1, 8))
			Expect(err).To(BeNil())
			Expect(outcome.Bid.Status).To(Equal(entity.BidAdmitted))
			Expect(calls.count("start:")).To(Equal(8))

			placement, err := facade.SubmitReservedRequest(ctx, &scheduler.ReservedRequest{VMID: "vm1", MemoryMB: 2048})
			Expect(err).To(BeNil())
			Expect(placement.Outcome).To(Equal(scheduler.OutcomePlaced))
			Expect(placement.HostID).To(Equal("host1"))
			Expect(placement.Preempted).To(HaveLen(1))
			Expect(placement.Preempted[0].ID).To(Equal(outcome.Bid.ID))

			// Every instance of the preempted bid is stopped before the reserved VM is started.
			history := calls.get()
			Expect(calls.count("stop:")).To(Equal(8))
			Expect(history[len(history)-1]).To(HavePrefix("start:host1:vm1"))

			bid := facade.Snapshot().Bids[0]
			Expect(bid.Status).To(Equal(entity.BidPreempted))
			Expect(bid.Instances).To(BeEmpty())

			Expect(facade.CheckInvariants()).To(Succeed())
		})

		It("Will not preempt spot instances when reclamation is disabled", func() {
			facade = newFacade(mockLauncher, mockStore, false)
			registerHosts(facade, "host1", "host2")
			expectStarts()

			_, err := facade.SubmitSpotBid(ctx, spotBid(1, 8))
			Expect(err).To(BeNil())

			placement, err := facade.SubmitReservedRequest(ctx, &scheduler.ReservedRequest{MemoryMB: 2048})
			Expect(err).To(BeNil())
			Expect(placement.Outcome).To(Equal(scheduler.OutcomeNoCapacity))
			Expect(calls.count("stop:")).To(Equal(0))
		})
	})

	Context("Spot bids", func() {
		It("Will admit a bid and start its instances", func() {
			mockLauncher.EXPECT().StartInstance(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, hostId string, spec *scheduling.InstanceSpec) error {
					Expect(spec.HostID).To(Equal(hostId))
					Expect(spec.Preemptible()).To(BeTrue())
					Expect(spec.MemoryMB).To(Equal(int64(instanceMemoryMB)))
					return nil
				}).Times(3)

			outcome, err := facade.SubmitSpotBid(ctx, spotBid(1, 3))
			Expect(err).To(BeNil())
			Expect(outcome.Bid.Status).To(Equal(entity.BidAdmitted))
			Expect(outcome.Bid.Instances).To(HaveLen(3))
			Expect(outcome.Price.Equal(decimal.NewFromFloat(0.01))).To(BeTrue())
			Expect(outcome.Capacity).To(Equal(8))
			Expect(outcome.NewlyAdmitted).To(HaveLen(1))

			Expect(facade.Snapshot().Totals.PreemptibleMemoryMB).To(Equal(int64(3 * instanceMemoryMB)))
			Expect(facade.CheckInvariants()).To(Succeed())
		})

		It("Will reject invalid and infeasible bids", func() {
			_, err := facade.SubmitSpotBid(ctx, spotBid(1, 0))
			Expect(err).To(MatchError(types.ErrInvalidBid))

			_, err = facade.SubmitSpotBid(ctx, spotBid(1, 9))
			Expect(err).To(MatchError(types.ErrInfeasibleBid))

			Expect(facade.Snapshot().Bids).To(BeEmpty())
		})

		It("Will leave a bid pending when it does not fit", func() {
			expectStarts()

			_, err := facade.SubmitSpotBid(ctx, spotBid(5, 6))
			Expect(err).To(BeNil())

			outcome, err := facade.SubmitSpotBid(ctx, spotBid(5, 6))
			Expect(err).To(BeNil())
			Expect(outcome.Bid.Status).To(Equal(entity.BidPending))
			Expect(outcome.Price.Equal(decimal.NewFromInt(5))).To(BeTrue())
			Expect(calls.count("start:")).To(Equal(6))
		})

		It("Will stop the instances of outbid bids before starting the new ones", func() {
			expectStarts()
			expectStops()

			low, err := facade.SubmitSpotBid(ctx, spotBid(1, 4))
			Expect(err).To(BeNil())
			Expect(low.Bid.Status).To(Equal(entity.BidAdmitted))

			high, err := facade.SubmitSpotBid(ctx, spotBid(5, 6))
			Expect(err).To(BeNil())
			Expect(high.Bid.Status).To(Equal(entity.BidAdmitted))
			Expect(high.Price.Equal(decimal.NewFromInt(1))).To(BeTrue())
			Expect(high.Preempted).To(HaveLen(1))
			Expect(high.Preempted[0].ID).To(Equal(low.Bid.ID))

			history := calls.get()
			Expect(history).To(HaveLen(4 + 4 + 6))
			for _, call := range history[4:8] {
				Expect(call).To(HavePrefix("stop:"))
			}
			for _, call := range history[8:] {
				Expect(call).To(HavePrefix("start:"))
			}

			Expect(facade.CheckInvariants()).To(Succeed())
		})

		It("Will revert a bid whose instances cannot be started", func() {
			started := 0
			mockLauncher.EXPECT().StartInstance(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, _ string, spec *scheduling.InstanceSpec) error {
					started += 1
					if started == 2 {
						return errors.New("image not found")
					}
					return nil
				}).Times(2)
			mockLauncher.EXPECT().StopInstance(gomock.Any(), gomock.Any()).Return(nil).Times(1)

			_, err := facade.SubmitSpotBid(ctx, spotBid(1, 3))
			Expect(err).To(MatchError(types.ErrExternalActionFailed))

			snapshot := facade.Snapshot()
			Expect(snapshot.Bids).To(HaveLen(1))
			Expect(snapshot.Bids[0].Status).To(Equal(entity.BidPending))
			Expect(snapshot.Totals.PreemptibleMemoryMB).To(Equal(int64(0)))

			Expect(facade.CheckInvariants()).To(Succeed())
		})

		It("Will cancel a bid and stop its instances", func() {
			expectStarts()
			expectStops()

			outcome, err := facade.SubmitSpotBid(ctx, spotBid(1, 2))
			Expect(err).To(BeNil())

			cancelled, err := facade.CancelSpotBid(ctx, outcome.Bid.ID)
			Expect(err).To(BeNil())
			Expect(cancelled.Bid.Status).To(Equal(entity.BidCancelled))
			Expect(calls.count("stop:")).To(Equal(2))

			snapshot := facade.Snapshot()
			Expect(snapshot.Bids).To(BeEmpty())
			Expect(snapshot.Totals.UsedMemoryMB).To(Equal(int64(0)))

			_, err = facade.CancelSpotBid(ctx, outcome.Bid.ID)
			Expect(err).To(MatchError(types.ErrBidNotFound))
		})

		It("Will admit a pending bid once a cancellation frees capacity", func() {
			expectStarts()
			expectStops()

			first, err := facade.SubmitSpotBid(ctx, spotBid(5, 6))
			Expect(err).To(BeNil())

			second, err := facade.SubmitSpotBid(ctx, spotBid(4, 6))
			Expect(err).To(BeNil())
			Expect(second.Bid.Status).To(Equal(entity.BidPending))

			outcome, err := facade.CancelSpotBid(ctx, first.Bid.ID)
			Expect(err).To(BeNil())
			Expect(outcome.NewlyAdmitted).To(HaveLen(1))
			Expect(outcome.NewlyAdmitted[0].ID).To(Equal(second.Bid.ID))

			Expect(facade.CheckInvariants()).To(Succeed())
		})
	})

	Context("Releasing resources", func() {
		It("Will return reserved memory to its host", func() {
			expectStarts()

			placement, err := facade.SubmitReservedRequest(ctx, &scheduler.ReservedRequest{MemoryMB: 2048})
			Expect(err).To(BeNil())

			_, err = facade.ReleaseResource(ctx, placement.HostID, 2048, "")
			Expect(err).To(BeNil())
			Expect(facade.Snapshot().Totals.UsedMemoryMB).To(Equal(int64(0)))

			_, err = facade.ReleaseResource(ctx, placement.HostID, 2048, "")
			Expect(err).To(MatchError(types.ErrInvariantViolation))

			Expect(facade.CheckInvariants()).To(Succeed())
		})

		It("Will shrink a spot bid when one of its instances terminates", func() {
			expectStarts()

			outcome, err := facade.SubmitSpotBid(ctx, spotBid(1, 2))
			Expect(err).To(BeNil())

			hostId := outcome.Bid.Instances[0].HostID

			_, err = facade.ReleaseResource(ctx, hostId, 2048, outcome.Bid.ID)
			Expect(err).To(MatchError(types.ErrInvalidRequest))

			released, err := facade.ReleaseResource(ctx, hostId, instanceMemoryMB, outcome.Bid.ID)
			Expect(err).To(BeNil())
			Expect(released.Bid.NeededInstances).To(Equal(1))
			Expect(released.Bid.Status).To(Equal(entity.BidAdmitted))
			Expect(facade.CheckInvariants()).To(Succeed())

			released, err = facade.ReleaseResource(ctx, released.Bid.Instances[0].HostID, instanceMemoryMB, outcome.Bid.ID)
			Expect(err).To(BeNil())
			Expect(released.Bid.Status).To(Equal(entity.BidCancelled))

			snapshot := facade.Snapshot()
			Expect(snapshot.Bids).To(BeEmpty())
			Expect(snapshot.Totals.UsedMemoryMB).To(Equal(int64(0)))
		})
	})

	Context("Host membership", func() {
		It("Will preempt spot bids when a host is drained and re-admit them when it returns", func() {
			expectStarts()
			expectStops()

			outcome, err := facade.SubmitSpotBid(ctx, spotBid(1, 8))
			Expect(err).To(BeNil())
			Expect(outcome.Bid.Status).To(Equal(entity.BidAdmitted))

			entry, err := facade.DrainHost(ctx, "host2")
			Expect(err).To(BeNil())
			Expect(entry.Active).To(BeFalse())
			Expect(calls.count("stop:")).To(Equal(8))

			snapshot := facade.Snapshot()
			Expect(snapshot.Capacity).To(Equal(4))
			Expect(snapshot.Bids[0].Status).To(Equal(entity.BidPreempted))
			Expect(facade.CheckInvariants()).To(Succeed())

			entry, err = facade.ActivateHost(ctx, "host2")
			Expect(err).To(BeNil())
			Expect(entry.Active).To(BeTrue())
			Expect(calls.count("start:")).To(Equal(16))
			Expect(facade.Snapshot().Bids[0].Status).To(Equal(entity.BidAdmitted))

			Expect(facade.CheckInvariants()).To(Succeed())
		})

		It("Will grow the spot capacity when a host registers", func() {
			expectStarts()

			_, err := facade.SubmitSpotBid(ctx, spotBid(5, 6))
			Expect(err).To(BeNil())

			pending, err := facade.SubmitSpotBid(ctx, spotBid(4, 6))
			Expect(err).To(BeNil())
			Expect(pending.Bid.Status).To(Equal(entity.BidPending))

			registerHosts(facade, "host3")

			snapshot := facade.Snapshot()
			Expect(snapshot.Capacity).To(Equal(12))
			for _, bid := range snapshot.Bids {
				Expect(bid.Status).To(Equal(entity.BidAdmitted))
			}

			Expect(facade.CheckInvariants()).To(Succeed())
		})

		It("Will reject hosts that already hold spot instances", func() {
			entry := entity.NewHostEntry(poolId, "host3", hostMemoryMB, "")
			entry.UsedMemoryMB = 1024
			entry.PreemptibleMemoryMB = 1024

			_, err := facade.RegisterHost(ctx, entry)
			Expect(err).To(MatchError(types.ErrInvalidRequest))
		})

		It("Will only deregister empty hosts", func() {
			expectStarts()

			placement, err := facade.SubmitReservedRequest(ctx, &scheduler.ReservedRequest{MemoryMB: 1024})
			Expect(err).To(BeNil())

			_, err = facade.DeregisterHost(ctx, placement.HostID)
			Expect(err).To(MatchError(types.ErrHostNotEmpty))

			removed, err := facade.DeregisterHost(ctx, "host2")
			Expect(err).To(BeNil())
			Expect(removed.HostID).To(Equal("host2"))
			Expect(facade.Snapshot().Hosts).To(HaveLen(1))

			Expect(facade.CheckInvariants()).To(Succeed())
		})
	})

	Context("Persistence", func() {
		It("Will retry records whose last write failed", func() {
			failingStore := mock_scheduling.NewMockStore(mockCtrl)

			var saved []string
			failingStore.EXPECT().SaveHostEntry(gomock.Any(), gomock.Any()).Return(errors.New("store unavailable")).Times(1)
			failingStore.EXPECT().SaveHostEntry(gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, entry *entity.HostEntry) error {
					saved = append(saved, entry.HostID)
					return nil
				}).AnyTimes()

			facade = newFacade(mockLauncher, failingStore, true)

			// The failed write is not surfaced to the caller.
			registerHosts(facade, "host1")
			Expect(saved).To(BeEmpty())

			registerHosts(facade, "host2")
			Expect(saved).To(ConsistOf("host1", "host2"))
		})

		It("Will restore its state from the store", func() {
			expectStarts()

			memoryStore := storage.NewMemoryStore()
			facade = newFacade(mockLauncher, memoryStore, true)
			registerHosts(facade, "host1", "host2")

			_, err := facade.SubmitReservedRequest(ctx, &scheduler.ReservedRequest{MemoryMB: 2048})
			Expect(err).To(BeNil())

			admitted, err := facade.SubmitSpotBid(ctx, spotBid(3, 4))
			Expect(err).To(BeNil())
			Expect(admitted.Bid.Status).To(Equal(entity.BidAdmitted))

			pending, err := facade.SubmitSpotBid(ctx, spotBid(2, 4))
			Expect(err).To(BeNil())
			Expect(pending.Bid.Status).To(Equal(entity.BidPending))

			before := facade.Snapshot()

			// The restored facade must not start or stop anything.
			restoredLauncher := mock_scheduling.NewMockLauncher(mockCtrl)
			restored := newFacade(restoredLauncher, memoryStore, true)
			Expect(restored.Restore(ctx)).To(Succeed())

			after := restored.Snapshot()
			Expect(after.Hosts).To(Equal(before.Hosts))
			Expect(after.ReservedMemoryMB).To(Equal(before.ReservedMemoryMB))
			Expect(after.Price.Equal(before.Price)).To(BeTrue())
			Expect(after.Capacity).To(Equal(before.Capacity))
			Expect(after.Bids).To(HaveLen(2))
			for i, bid := range after.Bids {
				Expect(bid.ID).To(Equal(before.Bids[i].ID))
				Expect(bid.Status).To(Equal(before.Bids[i].Status))
				Expect(bid.Instances).To(Equal(before.Bids[i].Instances))
			}

			Expect(restored.CheckInvariants()).To(Succeed())
		})

		It("Will refuse to restore an inconsistent ledger", func() {
			entry := entity.NewHostEntry(poolId, "host1", hostMemoryMB, "")
			entry.UsedMemoryMB = 2048
			entry.PreemptibleMemoryMB = 1024

			restoreStore := mock_scheduling.NewMockStore(mockCtrl)
			restoreStore.EXPECT().LoadAllHostEntries(gomock.Any()).Return([]*entity.HostEntry{entry}, nil)
			restoreStore.EXPECT().LoadActiveBids(gomock.Any()).Return([]*entity.Bid{}, nil)

			facade = newFacade(mockLauncher, restoreStore, true)
			Expect(facade.Restore(ctx)).To(MatchError(types.ErrInvariantViolation))
		})

		It("Will report a store that cannot be read", func() {
			restoreStore := mock_scheduling.NewMockStore(mockCtrl)
			restoreStore.EXPECT().LoadAllHostEntries(gomock.Any()).Return(nil, errors.New("connection refused"))

			facade = newFacade(mockLauncher, restoreStore, true)
			Expect(facade.Restore(ctx)).To(MatchError(types.ErrExternalActionFailed))
		})
	})
})
