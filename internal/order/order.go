// Package order is the order lifecycle engine: a fixed state machine
// over marketplace orders that takes custody of funds at creation and
// settles them on terminal transitions.
//
// Flow:
//  1. Buyer creates an order against a gig tier → funds locked in escrow
//  2. Seller accepts and starts work
//  3. Seller delivers → buyer completes (release) or requests revisions
//  4. Cancellation at any pre-delivery point refunds the buyer
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gigmesh/gigmesh/internal/gigs"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrSelfOrder         = errors.New("buyer and seller must differ")
	ErrUnauthorized      = errors.New("not authorized for this order operation")
	ErrInsufficientFunds = errors.New("insufficient buyer balance")
	ErrValidation        = errors.New("invalid order request")
	ErrNoCredential      = errors.New("buyer has no usable credential")
)

// InvalidTransitionError reports a transition not present in the table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s → %s", e.From, e.To)
}

// Status represents the state of an order.
type Status string

const (
	StatusPending           Status = "pending"            // Created, awaiting seller response
	StatusAccepted          Status = "accepted"           // Seller accepted
	StatusRejected          Status = "rejected"           // Seller declined; terminal
	StatusInProgress        Status = "in_progress"        // Seller working
	StatusDelivered         Status = "delivered"          // Work delivered, awaiting buyer
	StatusCompleted         Status = "completed"          // Buyer satisfied; funds released
	StatusCancelled         Status = "cancelled"          // Called off; funds refunded
	StatusRevisionRequested Status = "revision_requested" // Buyer wants changes
	StatusDisputed          Status = "disputed"           // Buyer contests the delivery
	StatusResolved          Status = "resolved"           // Dispute closed without settlement
)

// transitions is the fixed table of permitted status successors.
var transitions = map[Status][]Status{
	StatusPending:           {StatusAccepted, StatusRejected, StatusCancelled},
	StatusAccepted:          {StatusInProgress, StatusCancelled},
	StatusInProgress:        {StatusDelivered, StatusCancelled},
	StatusDelivered:         {StatusCompleted, StatusRevisionRequested, StatusDisputed},
	StatusRevisionRequested: {StatusInProgress},
	StatusDisputed:          {StatusResolved, StatusCompleted, StatusCancelled},
}

// ValidStatus reports whether s names a known order status.
func ValidStatus(s Status) bool {
	if _, ok := transitions[s]; ok {
		return true
	}
	switch s {
	case StatusRejected, StatusCompleted, StatusCancelled, StatusResolved:
		return true
	}
	return false
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is one purchase of a gig tier.
type Order struct {
	ID         string    `json:"id"`
	GigID      string    `json:"gig_id"`
	BuyerAddr  string    `json:"buyer_addr"`
	SellerAddr string    `json:"seller_addr"`
	Tier       gigs.Tier `json:"tier"`
	Price      string    `json:"price"` // Decimal stable-currency amount
	Status     Status    `json:"status"`

	Brief           string `json:"brief,omitempty"`
	Input           string `json:"input,omitempty"`
	DeliveryPayload string `json:"delivery_payload,omitempty"`
	ContentHash     string `json:"content_hash,omitempty"`

	RevisionsUsed int `json:"revisions_used"`
	RevisionsMax  int `json:"revisions_max"`

	// Escrow references. LockRef is set iff funds were captured; at
	// most one of ReleaseRef/RefundRef is ever set, never both.
	LockRef    string `json:"lock_ref,omitempty"`
	ReleaseRef string `json:"release_ref,omitempty"`
	RefundRef  string `json:"refund_ref,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusRejected, StatusCompleted, StatusCancelled, StatusResolved:
		return true
	}
	return false
}

// Settled reports whether a settlement reference has been recorded.
func (o *Order) Settled() bool {
	return o.ReleaseRef != "" || o.RefundRef != ""
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, order *Order) error
	ListByAgent(ctx context.Context, agentAddr string, limit int) ([]*Order, error)
}
