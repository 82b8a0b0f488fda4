package stripegw

import "time"

// Session is a gateway checkout session reduced to the fields the billing
// domain consumes. Plain data so tests can construct them directly.
type Session struct {
	ID                string
	URL               string
	Mode              string
	PaymentStatus     string
	ClientReferenceID string
	CustomerRef       string
	SubscriptionRef   string
	AmountTotal       int64
	Currency          string
	Metadata          map[string]string
	Created           time.Time
}

// Subscription is a gateway subscription reduced the same way.
type Subscription struct {
	Ref               string
	CustomerRef       string
	PriceRef          string
	Status            string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	Metadata          map[string]string
	Created           time.Time
}

// Invoice carries the fields needed to credit a renewal.
type Invoice struct {
	Ref             string
	SubscriptionRef string
	CustomerRef     string
	BillingReason   string
	AmountPaid      int64
}

// Event is a verified gateway webhook event. Exactly one of the payload
// pointers is set, matching Kind.
type Event struct {
	ID           string
	Kind         string
	Session      *Session
	Subscription *Subscription
	Invoice      *Invoice
}

// CheckoutMode values accepted by NewCheckoutSession.
const (
	ModePayment      = "payment"
	ModeSubscription = "subscription"
)

// CheckoutParams describes a checkout session to create.
type CheckoutParams struct {
	Mode              string
	PriceRef          string
	Quantity          int64
	ClientReferenceID string
	CustomerRef       string
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
}
