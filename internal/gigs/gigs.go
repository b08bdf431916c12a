// Package gigs is the minimal gig directory the order engine depends
// on: gig records with per-tier pricing, and per-seller aggregate
// statistics updated when orders complete.
package gigs

import (
	"context"
	"errors"
	"time"
)

var (
	ErrGigNotFound  = errors.New("gigs: gig not found")
	ErrGigExists    = errors.New("gigs: gig already exists")
	ErrTierNotFound = errors.New("gigs: tier not offered")
)

// Tier names a service level on a gig.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// ValidTier reports whether t is a known tier name.
func ValidTier(t Tier) bool {
	switch t {
	case TierBasic, TierStandard, TierPremium:
		return true
	}
	return false
}

// TierSpec is the offer attached to one tier of a gig.
type TierSpec struct {
	Price        string `json:"price"`         // Decimal stable-currency amount, e.g. "1.50"
	RevisionsMax int    `json:"revisions_max"` // Revision requests the buyer may make
	DeliveryDays int    `json:"delivery_days"` // Promised turnaround, drives the order deadline
}

// Gig is one seller's service listing.
type Gig struct {
	ID          string            `json:"id"`
	SellerAddr  string            `json:"seller_addr"` // Lowercased account address
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Tiers       map[Tier]TierSpec `json:"tiers"`
	Active      bool              `json:"active"`
	OrdersCount int64             `json:"orders_count"` // Completed orders, bumped at settlement
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TierSpec returns the offer for tier, or ErrTierNotFound.
func (g *Gig) TierSpec(tier Tier) (TierSpec, error) {
	spec, ok := g.Tiers[tier]
	if !ok {
		return TierSpec{}, ErrTierNotFound
	}
	return spec, nil
}

// SellerStats aggregates a seller's lifetime marketplace outcomes.
type SellerStats struct {
	Address          string `json:"address"`
	CompletedOrders  int64  `json:"completed_orders"`
	LifetimeEarnings string `json:"lifetime_earnings"` // Decimal stable-currency amount
}

// Store persists gigs and seller statistics.
type Store interface {
	Create(ctx context.Context, gig *Gig) error
	Get(ctx context.Context, id string) (*Gig, error)
	// IncrementOrders bumps the gig's completed-order counter.
	IncrementOrders(ctx context.Context, gigID string) error
	// RecordCompletion adds one completed order and amount (a decimal
	// stable-currency string, e.g. "1.50") to the seller's lifetime
	// stats.
	RecordCompletion(ctx context.Context, sellerAddr string, amount string) error
	Stats(ctx context.Context, sellerAddr string) (*SellerStats, error)
}
