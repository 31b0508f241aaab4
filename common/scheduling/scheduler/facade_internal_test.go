package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/scusemua/vm-scheduler/common/mock_scheduling"
	"github.com/scusemua/vm-scheduler/common/scheduling"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/scusemua/vm-scheduler/common/types"
	"github.com/shopspring/decimal"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Facade internals", func() {
	var (
		mockCtrl     *gomock.Controller
		mockLauncher *mock_scheduling.MockLauncher
		mockStore    *mock_scheduling.MockStore
		facade       *Facade
		ctx          context.Context

		mu    sync.Mutex
		calls []string
	)

	count := func(prefix string) int {
		mu.Lock()
		defer mu.Unlock()

		n := 0
		for _, call := range calls {
			if strings.HasPrefix(call, prefix) {
				n += 1
			}
		}
		return n
	}

	BeforeEach(func() {
		ctx = context.Background()
		calls = nil

		mockCtrl = gomock.NewController(GinkgoT())
		mockLauncher = mock_scheduling.NewMockLauncher(mockCtrl)
		mockStore = mock_scheduling.NewMockStore(mockCtrl)

		mockLauncher.EXPECT().StartInstance(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, hostId string, spec *scheduling.InstanceSpec) error {
				mu.Lock()
				defer mu.Unlock()
				calls = append(calls, "start:"+spec.BidID+":"+spec.InstanceID)
				return nil
			}).AnyTimes()
		mockLauncher.EXPECT().StopInstance(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, instanceId string) error {
				mu.Lock()
				defer mu.Unlock()
				calls = append(calls, "stop:"+instanceId)
				return nil
			}).AnyTimes()

		mockStore.EXPECT().SaveHostEntry(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
		mockStore.EXPECT().SaveBid(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

		facade = NewBuilder().
			WithLauncher(mockLauncher).
			WithStore(mockStore).
			WithOptions(&scheduling.SchedulerOptions{
				PoolID:                   "internal-pool",
				MinimumPrice:             0.01,
				InstanceMemoryMB:         1024,
				ReclaimPreemptibleMemory: true,
			}).
			Build()

		for _, hostId := range []string{"host1", "host2"} {
			_, err := facade.RegisterHost(ctx, entity.NewHostEntry("internal-pool", hostId, 4096, ""))
			Expect(err).To(BeNil())
		}
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	Context("When a reserved request fails after spot instances were preempted for it", func() {
		It("Will stop the preempted instances and give the reserved memory back to the market", func() {
			preemptedBid, err := facade.SubmitSpotBid(ctx, &SpotBidRequest{MaxBid: decimal.NewFromInt(5), NeededInstances: 6})
			Expect(err).To(BeNil())
			Expect(preemptedBid.Bid.Status).To(Equal(entity.BidAdmitted))

			pendingBid, err := facade.SubmitSpotBid(ctx, &SpotBidRequest{MaxBid: decimal.NewFromInt(1), NeededInstances: 4})
			Expect(err).To(BeNil())
			Expect(pendingBid.Bid.Status).To(Equal(entity.BidPending))
			Expect(count("start:")).To(Equal(6))

			// Spot memory that no bid accounts for, so that host2 cannot hold every instance the market expects.
			_, err = facade.pool.AllocatePreemptible("host2", 1024)
			Expect(err).To(BeNil())

			placement, err := facade.SubmitReservedRequest(ctx, &ReservedRequest{MemoryMB: 4096})
			Expect(placement).To(BeNil())
			Expect(errors.Is(err, types.ErrInvariantViolation)).To(BeTrue())

			Expect(count("stop:")).To(Equal(6))

			preempted, loaded := facade.market.Get(preemptedBid.Bid.ID)
			Expect(loaded).To(BeTrue())
			Expect(preempted.Status).To(Equal(entity.BidPreempted))

			Expect(facade.reservedMemoryMB["host1"]).To(Equal(int64(0)))
			host1, loaded := facade.pool.Host("host1")
			Expect(loaded).To(BeTrue())
			Expect(host1.ReservedMemoryMB()).To(Equal(int64(0)))

			// The released memory lets the pending bid run after all.
			admitted, loaded := facade.market.Get(pendingBid.Bid.ID)
			Expect(loaded).To(BeTrue())
			Expect(admitted.Status).To(Equal(entity.BidAdmitted))
			Expect(count("start:" + pendingBid.Bid.ID + ":")).To(Equal(4))

			_, err = facade.pool.ReleasePreemptible("host2", 1024)
			Expect(err).To(BeNil())
			Expect(facade.CheckInvariants()).To(BeNil())
		})
	})
})
