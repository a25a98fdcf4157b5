// Package pricing turns a guest roster and per-tier prices into a quote.
// Everything here is pure and safe to re-run on every roster mutation.
package pricing

import (
	"math"

	"github.com/diagnosis/tripdesk/internal/domain"
)

const (
	// AdultMinAge: strictly older than 18 pays the adult tier.
	AdultMinAge = 19
	// ChildMinAge: 5 through 18 inclusive pays the child tier; younger is free.
	ChildMinAge = 5
)

type Tier string

const (
	TierAdult Tier = "adult"
	TierChild Tier = "child"
	TierFree  Tier = "free"
)

// TierFor classifies one guest. A missing or non-numeric age counts as 0 and
// therefore lands in the free tier.
func TierFor(age domain.Age) Tier {
	years, _ := age.Years()
	switch {
	case years >= AdultMinAge:
		return TierAdult
	case years >= ChildMinAge:
		return TierChild
	default:
		return TierFree
	}
}

type Breakdown struct {
	Adults     int     `json:"adults"`
	Children   int     `json:"children"`
	Free       int     `json:"free"`
	BaseAmount float64 `json:"baseAmount"`
}

func Compute(guests []domain.Guest, tiers domain.TierPrices) Breakdown {
	adult := nonNegative(tiers.Adult)
	child := nonNegative(tiers.Child)

	var b Breakdown
	for _, g := range guests {
		switch TierFor(g.Age) {
		case TierAdult:
			b.Adults++
			b.BaseAmount += adult
		case TierChild:
			b.Children++
			b.BaseAmount += child
		default:
			b.Free++
		}
	}
	return b
}

func ComputeBaseAmount(guests []domain.Guest, tiers domain.TierPrices) float64 {
	return Compute(guests, tiers).BaseAmount
}

// Quote stacks both discounts against the same base. Their sum may exceed the
// base; the final amount is clamped at zero.
func Quote(base, promo, coupon float64, currency string) domain.PriceQuote {
	base = nonNegative(base)
	promo = nonNegative(promo)
	coupon = nonNegative(coupon)
	return domain.PriceQuote{
		BaseAmount:     base,
		PromoDiscount:  promo,
		CouponDiscount: coupon,
		FinalAmount:    math.Max(0, base-promo-coupon),
		Currency:       currency,
	}
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
