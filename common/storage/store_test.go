package storage_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/scusemua/vm-scheduler/common/scheduling"
	"github.com/scusemua/vm-scheduler/common/scheduling/entity"
	"github.com/scusemua/vm-scheduler/common/storage"
	"github.com/shopspring/decimal"
)

// fakeS3 is an in-memory bucket that serves the subset of the S3 API used by S3Store.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func (f *fakeS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	output := &s3.ListObjectsV2Output{}
	for _, key := range f.keys() {
		if strings.HasPrefix(key, aws.ToString(params.Prefix)) {
			output.Contents = append(output.Contents, s3types.Object{Key: aws.String(key)})
		}
	}
	return output, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, loaded := f.objects[aws.ToString(params.Key)]
	if !loaded {
		return nil, errors.New("NoSuchKey")
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func hostEntry(hostId string, used int64, preemptible int64) *entity.HostEntry {
	entry := entity.NewHostEntry("pool", hostId, 4096, "")
	entry.UsedMemoryMB = used
	entry.PreemptibleMemoryMB = preemptible
	return entry
}

func bid(id string, price int64, sequence uint64, status entity.BidStatus) *entity.Bid {
	b := entity.NewBid(decimal.NewFromInt(price), 2, "ubuntu")
	b.ID = id
	b.Sequence = sequence
	b.Status = status
	if status == entity.BidAdmitted {
		b.Instances = []entity.InstancePlacement{{InstanceID: id + "-1", HostID: "host1"}, {InstanceID: id + "-2", HostID: "host2"}}
	}
	return b
}

// storeBehavior describes the behavior shared by every Store implementation.
func storeBehavior(newStore func() scheduling.Store) {
	var (
		store scheduling.Store
		ctx   context.Context
	)

	BeforeEach(func() {
		store = newStore()
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
	})

	It("Will save, overwrite, load, and delete host entries", func() {
		Expect(store.SaveHostEntry(ctx, hostEntry("host2", 0, 0))).To(Succeed())
		Expect(store.SaveHostEntry(ctx, hostEntry("host1", 1024, 0))).To(Succeed())
		Expect(store.SaveHostEntry(ctx, hostEntry("host1", 2048, 1024))).To(Succeed())

		entries, err := store.LoadAllHostEntries(ctx)
		Expect(err).To(BeNil())
		Expect(entries).To(Equal([]*entity.HostEntry{hostEntry("host1", 2048, 1024), hostEntry("host2", 0, 0)}))

		Expect(store.DeleteHostEntry(ctx, "pool", "host1")).To(Succeed())

		entries, err = store.LoadAllHostEntries(ctx)
		Expect(err).To(BeNil())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].HostID).To(Equal("host2"))
	})

	It("Will load only the active bids, in admission order", func() {
		Expect(store.SaveBid(ctx, bid("low", 1, 1, entity.BidPending))).To(Succeed())
		Expect(store.SaveBid(ctx, bid("high", 5, 2, entity.BidAdmitted))).To(Succeed())
		Expect(store.SaveBid(ctx, bid("preempted", 3, 3, entity.BidPreempted))).To(Succeed())
		Expect(store.SaveBid(ctx, bid("gone", 9, 4, entity.BidPending))).To(Succeed())
		Expect(store.SaveBid(ctx, bid("gone", 9, 4, entity.BidCancelled))).To(Succeed())

		bids, err := store.LoadActiveBids(ctx)
		Expect(err).To(BeNil())
		Expect(bids).To(HaveLen(3))
		Expect(bids[0].ID).To(Equal("high"))
		Expect(bids[1].ID).To(Equal("preempted"))
		Expect(bids[2].ID).To(Equal("low"))

		Expect(bids[0].MaxBid.Equal(decimal.NewFromInt(5))).To(BeTrue())
		Expect(bids[0].Status).To(Equal(entity.BidAdmitted))
		Expect(bids[0].Instances).To(HaveLen(2))
		Expect(bids[0].Image).To(Equal("ubuntu"))
	})
}

var _ = Describe("Store", func() {
	Context("MemoryStore", func() {
		storeBehavior(func() scheduling.Store {
			return storage.NewMemoryStore()
		})

		It("Will keep the final copy of inactive bids", func() {
			store := storage.NewMemoryStore()
			Expect(store.SaveBid(context.Background(), bid("a", 1, 1, entity.BidCancelled))).To(Succeed())

			history, loaded := store.BidHistory("a")
			Expect(loaded).To(BeTrue())
			Expect(history.Status).To(Equal(entity.BidCancelled))

			_, loaded = store.BidHistory("b")
			Expect(loaded).To(BeFalse())
		})
	})

	Context("S3Store", func() {
		var bucket *fakeS3

		storeBehavior(func() scheduling.Store {
			bucket = newFakeS3()
			return storage.NewS3StoreWithClient(bucket, "bucket", "prefix")
		})

		It("Will lay out one object per record", func() {
			store := storage.NewS3StoreWithClient(bucket, "bucket", "prefix")
			ctx := context.Background()

			Expect(store.SaveHostEntry(ctx, hostEntry("host1", 0, 0))).To(Succeed())
			Expect(store.SaveBid(ctx, bid("a", 1, 1, entity.BidPending))).To(Succeed())
			Expect(store.SaveBid(ctx, bid("b", 1, 2, entity.BidPending))).To(Succeed())
			Expect(store.SaveBid(ctx, bid("b", 1, 2, entity.BidCancelled))).To(Succeed())

			Expect(bucket.keys()).To(Equal([]string{
				"prefix/bids/active/a.json",
				"prefix/bids/history/b.json",
				"prefix/hosts/pool/host1.json",
			}))
		})

		It("Will fail when it is not connected", func() {
			store := storage.NewS3Store("bucket", "prefix")

			err := store.SaveHostEntry(context.Background(), hostEntry("host1", 0, 0))
			Expect(err).To(MatchError(storage.ErrNotConnected))
		})
	})

	Context("Creating a store", func() {
		It("Will create the configured backend", func() {
			opts := &storage.StoreOptions{}
			opts.ValidateStoreOptions()
			Expect(opts.Backend).To(Equal(storage.Memory.String()))
			Expect(opts.KeyPrefix).To(Equal(storage.DefaultKeyPrefix))

			store, err := storage.New(opts)
			Expect(err).To(BeNil())
			Expect(store).To(BeAssignableToTypeOf(&storage.MemoryStore{}))
			Expect(store.(*storage.MemoryStore).Backend()).To(Equal(storage.Memory))
		})

		It("Will reject unknown backends", func() {
			_, err := storage.New(&storage.StoreOptions{Backend: "floppy"})
			Expect(err).To(MatchError(storage.ErrUnknownBackend))
		})
	})
})
