package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gigmesh/gigmesh/internal/gigs"
	"github.com/gigmesh/gigmesh/internal/idgen"
	"github.com/gigmesh/gigmesh/internal/logging"
	"github.com/gigmesh/gigmesh/internal/money"
)

// Payments locks and settles order funds. The escrow coordinator
// satisfies this through an adapter; settlement references are written
// back onto the order by the coordinator, synchronously on success or
// later via its retry outbox.
type Payments interface {
	// Lock captures the order price from the buyer. Implementations
	// map their failures onto ErrInsufficientFunds / ErrNoCredential.
	Lock(ctx context.Context, o *Order) (lockRef string, err error)
	// Release pays the locked funds out to the seller.
	Release(ctx context.Context, o *Order) error
	// Refund returns the locked funds to the buyer.
	Refund(ctx context.Context, o *Order) error
}

// StatsRecorder accumulates completion statistics. gigs.Store satisfies
// this.
type StatsRecorder interface {
	RecordCompletion(ctx context.Context, sellerAddr string, amount string) error
	IncrementOrders(ctx context.Context, gigID string) error
}

// Notifier broadcasts order lifecycle events.
type Notifier interface {
	NotifyOrder(orderID string, status string)
}

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	GigID     string    `json:"gig_id" binding:"required"`
	BuyerAddr string    `json:"buyer_addr" binding:"required"`
	Tier      gigs.Tier `json:"tier" binding:"required"`
	Brief     string    `json:"brief"`
	Input     string    `json:"input"`
	PayNow    bool      `json:"pay_now"`
}

// Service implements the order lifecycle.
type Service struct {
	store    Store
	gigs     gigs.Store
	payments Payments
	stats    StatsRecorder
	notifier Notifier
	locks    sync.Map // per-order ID locks against racing transitions
	now      func() time.Time
}

// NewService creates a new order service.
func NewService(store Store, gigStore gigs.Store, payments Payments, stats StatsRecorder) *Service {
	return &Service{
		store:    store,
		gigs:     gigStore,
		payments: payments,
		stats:    stats,
		now:      time.Now,
	}
}

// WithNotifier adds a lifecycle event broadcaster.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// orderLock returns a mutex for the given order ID.
func (s *Service) orderLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create validates the request, optionally locks funds, and persists a
// new pending order. A locking failure aborts creation: no order row is
// written. A buyer without a usable credential falls back to unpaid
// creation.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	gig, err := s.gigs.Get(ctx, req.GigID)
	if err != nil {
		return nil, fmt.Errorf("%w: gig %s", ErrNotFound, req.GigID)
	}
	if !gig.Active {
		return nil, fmt.Errorf("%w: gig %s is inactive", ErrNotFound, req.GigID)
	}

	buyer := strings.ToLower(strings.TrimSpace(req.BuyerAddr))
	if buyer == "" {
		return nil, fmt.Errorf("%w: buyer address required", ErrValidation)
	}
	if buyer == gig.SellerAddr {
		return nil, ErrSelfOrder
	}

	spec, err := gig.TierSpec(req.Tier)
	if err != nil {
		return nil, fmt.Errorf("%w: tier %q not offered on gig %s", ErrValidation, req.Tier, req.GigID)
	}
	if _, err := money.ParsePositive(spec.Price); err != nil {
		return nil, fmt.Errorf("%w: gig %s tier %q has invalid price %q", ErrValidation, req.GigID, req.Tier, spec.Price)
	}

	now := s.now().UTC()
	o := &Order{
		ID:            idgen.WithPrefix("ord_"),
		GigID:         gig.ID,
		BuyerAddr:     buyer,
		SellerAddr:    gig.SellerAddr,
		Tier:          req.Tier,
		Price:         spec.Price,
		Status:        StatusPending,
		Brief:         req.Brief,
		Input:         req.Input,
		RevisionsMax:  spec.RevisionsMax,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if spec.DeliveryDays > 0 {
		deadline := now.Add(time.Duration(spec.DeliveryDays) * 24 * time.Hour)
		o.Deadline = &deadline
	}

	if req.PayNow {
		lockRef, err := s.payments.Lock(ctx, o)
		switch {
		case err == nil:
			o.LockRef = lockRef
		case errors.Is(err, ErrNoCredential):
			// Buyers without funding still get the order, just unpaid.
			logging.Order(ctx, o.ID).Info("order created unpaid, buyer has no credential",
				"buyer", buyer)
		default:
			// InsufficientFunds or an external failure: nothing persisted.
			return nil, err
		}
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("order created",
		"order_id", o.ID,
		"gig_id", o.GigID,
		"buyer", o.BuyerAddr,
		"seller", o.SellerAddr,
		"price", o.Price,
		"paid", o.LockRef != "")
	s.notify(o)
	return o, nil
}

// Get returns the order with the given ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByAgent returns orders where the agent is buyer or seller.
func (s *Service) ListByAgent(ctx context.Context, agentAddr string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByAgent(ctx, strings.ToLower(agentAddr), limit)
}

// Transition moves the order to target if the transition table allows
// it, atomically setting the status and its timestamp. Entering
// completed or cancelled triggers settlement in the same handler; a
// settlement failure is logged and queued for retry but never rolls the
// status back.
func (s *Service) Transition(ctx context.Context, orderID string, target Status, actor string) (*Order, error) {
	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !ValidStatus(target) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, target)
	}
	if !CanTransition(o.Status, target) {
		return nil, &InvalidTransitionError{From: o.Status, To: target}
	}
	if target == StatusRevisionRequested && o.RevisionsUsed >= o.RevisionsMax {
		return nil, &InvalidTransitionError{From: o.Status, To: target}
	}
	if !actorAllowed(o, target, actor) {
		return nil, fmt.Errorf("%w: %s may not set %s", ErrUnauthorized, strings.ToLower(actor), target)
	}

	from := o.Status
	now := s.now().UTC()
	o.Status = target
	o.UpdatedAt = now

	switch target {
	case StatusAccepted:
		o.AcceptedAt = &now
	case StatusDelivered:
		o.DeliveredAt = &now
	case StatusCompleted:
		o.CompletedAt = &now
	case StatusCancelled:
		o.CancelledAt = &now
	case StatusRevisionRequested:
		o.RevisionsUsed++
	}

	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	logging.Order(ctx, o.ID).Info("order transitioned",
		"from", string(from),
		"to", string(target),
		"actor", strings.ToLower(actor))

	switch target {
	case StatusCompleted:
		s.recordCompletion(ctx, o)
		s.settle(ctx, o, true)
	case StatusCancelled:
		s.settle(ctx, o, false)
	}

	// Settlement writes references through the store; reload so the
	// caller sees them.
	updated, err := s.store.Get(ctx, o.ID)
	if err != nil {
		updated = o
	}
	s.notify(updated)
	return updated, nil
}

// Deliver records the seller's delivery payload and moves the order to
// delivered. Only the seller may deliver, and only from active work.
func (s *Service) Deliver(ctx context.Context, orderID, actor, payload, contentHash string) (*Order, error) {
	lock := s.orderLock(orderID)
	lock.Lock()
	defer lock.Unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(actor) != o.SellerAddr {
		return nil, fmt.Errorf("%w: only the seller may deliver", ErrUnauthorized)
	}
	if !CanTransition(o.Status, StatusDelivered) {
		return nil, &InvalidTransitionError{From: o.Status, To: StatusDelivered}
	}

	now := s.now().UTC()
	o.Status = StatusDelivered
	o.DeliveryPayload = payload
	o.ContentHash = contentHash
	o.DeliveredAt = &now
	o.UpdatedAt = now

	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	logging.Order(ctx, o.ID).Info("order delivered",
		"content_hash", contentHash)
	s.notify(o)
	return o, nil
}

// recordCompletion bumps seller and gig statistics. Failures are logged;
// statistics are advisory and never block completion.
func (s *Service) recordCompletion(ctx context.Context, o *Order) {
	if s.stats == nil {
		return
	}
	if err := s.stats.RecordCompletion(ctx, o.SellerAddr, o.Price); err != nil {
		logging.L(ctx).Error("failed to record seller stats",
			"order_id", o.ID,
			"seller", o.SellerAddr,
			"error", err)
	}
	if err := s.stats.IncrementOrders(ctx, o.GigID); err != nil {
		logging.L(ctx).Error("failed to bump gig order counter",
			"order_id", o.ID,
			"gig_id", o.GigID,
			"error", err)
	}
}

// settle runs the settlement executor for a terminal transition. Only
// orders that actually captured funds settle; failures are logged, the
// coordinator's outbox owns the retry.
func (s *Service) settle(ctx context.Context, o *Order, release bool) {
	if o.LockRef == "" || s.payments == nil {
		return
	}

	var err error
	if release {
		err = s.payments.Release(ctx, o)
	} else {
		err = s.payments.Refund(ctx, o)
	}
	if err != nil {
		logging.L(ctx).Error("settlement failed, queued for retry",
			"order_id", o.ID,
			"release", release,
			"amount", o.Price,
			"error", err)
	}
}

// actorAllowed reports whether actor may drive the order to target.
// Sellers drive acceptance and work states; buyers drive completion,
// cancellation, and revisions; either party may dispute or resolve.
func actorAllowed(o *Order, target Status, actor string) bool {
	a := strings.ToLower(strings.TrimSpace(actor))
	switch target {
	case StatusAccepted, StatusRejected, StatusInProgress, StatusDelivered:
		return a == o.SellerAddr
	case StatusCompleted, StatusCancelled, StatusRevisionRequested:
		return a == o.BuyerAddr
	default:
		return a == o.BuyerAddr || a == o.SellerAddr
	}
}

func (s *Service) notify(o *Order) {
	if s.notifier != nil {
		s.notifier.NotifyOrder(o.ID, string(o.Status))
	}
}
