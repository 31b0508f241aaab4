package entity

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	BidPending   BidStatus = "PENDING"
	BidAdmitted  BidStatus = "ADMITTED"
	BidPreempted BidStatus = "PREEMPTED"
	BidCancelled BidStatus = "CANCELLED"
	BidFailed    BidStatus = "FAILED"
)

// BidStatus is the lifecycle state of a spot Bid.
type BidStatus string

func (s BidStatus) String() string {
	return string(s)
}

// Active returns true for statuses that keep a Bid in the market.
// Preempted bids stay in the market and are re-admitted once capacity returns.
func (s BidStatus) Active() bool {
	return s == BidPending || s == BidAdmitted || s == BidPreempted
}

// InstancePlacement records where one instance of an admitted Bid is running.
type InstancePlacement struct {
	InstanceID string `json:"instance_id"`
	HostID     string `json:"host_id"`
}

// Bid is an outstanding spot-instance request.
type Bid struct {
	ID string `json:"id"`

	// MaxBid is the highest per-instance price the requester will pay.
	MaxBid decimal.Decimal `json:"max_bid"`

	// NeededInstances is the number of instances requested. A Bid is admitted for all of them or none.
	NeededInstances int `json:"needed_instances"`

	// Image is handed to the launch adapter when the Bid's instances are started.
	Image string `json:"image,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`

	// Sequence is assigned by the market on submission and breaks ties between equal prices.
	Sequence uint64 `json:"sequence"`

	Status BidStatus `json:"status"`

	// Instances holds one placement per running instance while the Bid is admitted.
	Instances []InstancePlacement `json:"instances,omitempty"`
}

// NewBid creates a PENDING Bid. The identifier and sequence are assigned by the market.
func NewBid(maxBid decimal.Decimal, neededInstances int, image string) *Bid {
	return &Bid{
		MaxBid:          maxBid,
		NeededInstances: neededInstances,
		Image:           image,
		Status:          BidPending,
	}
}

// Clone returns a deep copy of the Bid.
func (b *Bid) Clone() *Bid {
	clone := *b
	if b.Instances != nil {
		clone.Instances = make([]InstancePlacement, len(b.Instances))
		copy(clone.Instances, b.Instances)
	}
	return &clone
}

func (b *Bid) String() string {
	return fmt.Sprintf("Bid[ID=%s,MaxBid=%s,Needed=%d,Seq=%d,Status=%s]",
		b.ID, b.MaxBid.String(), b.NeededInstances, b.Sequence, b.Status)
}

// CompareBids defines the total order of bids: ascending by MaxBid, and for equal prices the earlier bid (lower
// Sequence) ranks higher. It returns a negative number if a ranks below b, a positive number if a ranks above b,
// and zero only if both bids carry the same price and sequence.
//
// Admission walks bids from the highest rank down; preemption walks them from the lowest rank up.
func CompareBids(a, b *Bid) int {
	if c := a.MaxBid.Cmp(b.MaxBid); c != 0 {
		return c
	}

	switch {
	case a.Sequence < b.Sequence:
		return 1
	case a.Sequence > b.Sequence:
		return -1
	default:
		return 0
	}
}

// AdmissionOrder orders bids by descending rank.
func AdmissionOrder(a, b *Bid) int {
	return CompareBids(b, a)
}

// PreemptionOrder orders bids by ascending rank.
func PreemptionOrder(a, b *Bid) int {
	return CompareBids(a, b)
}
