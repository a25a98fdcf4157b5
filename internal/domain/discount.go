package domain

type DiscountKind string

const (
	Promo  DiscountKind = "promo"
	Coupon DiscountKind = "coupon"
)

func ParseDiscountKind(s string) (DiscountKind, bool) {
	switch DiscountKind(s) {
	case Promo, Coupon:
		return DiscountKind(s), true
	default:
		return "", false
	}
}

// DiscountCode is the live state of one code kind within a booking attempt.
type DiscountCode struct {
	Code           string       `json:"code"`
	Kind           DiscountKind `json:"kind"`
	DiscountAmount float64      `json:"discountAmount"`
	RemoteID       string       `json:"remoteId,omitempty"`
	Applied        bool         `json:"applied"`
}

type PriceQuote struct {
	BaseAmount     float64 `json:"baseAmount"`
	PromoDiscount  float64 `json:"promoDiscount"`
	CouponDiscount float64 `json:"couponDiscount"`
	FinalAmount    float64 `json:"finalAmount"`
	Currency       string  `json:"currency,omitempty"`
}
