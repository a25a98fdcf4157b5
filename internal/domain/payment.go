package domain

// PaymentOrder is created server-side and consumed once by the gateway handshake.
type PaymentOrder struct {
	OrderID    string  `json:"orderId"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	GatewayKey string  `json:"gatewayKey"`
}

// PaymentReceipt carries the gateway's opaque identifiers back for verification.
type PaymentReceipt struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

// Prefill is handed to the gateway so the payer does not retype contact info.
type Prefill struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
	// PaymentMethod is an opaque tokenised method reference, never raw card data.
	PaymentMethod string `json:"paymentMethod,omitempty"`
}
