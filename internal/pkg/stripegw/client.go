package stripegw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/checkout/session"
	"github.com/stripe/stripe-go/v78/subscription"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Config holds gateway credentials
type Config struct {
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// Client wraps the Stripe SDK behind domain-shaped types
type Client struct {
	webhookSecret string
}

// New configures the SDK and returns a client
func New(cfg Config) *Client {
	stripe.Key = cfg.APIKey
	if cfg.Timeout > 0 {
		stripe.SetHTTPClient(&http.Client{Timeout: cfg.Timeout})
	}
	return &Client{webhookSecret: cfg.WebhookSecret}
}

// ConstructEvent verifies the webhook signature and translates the event
// payload. SDK types stay inside this package.
func (c *Client) ConstructEvent(payload []byte, sigHeader string) (*Event, error) {
	ev, err := webhook.ConstructEvent(payload, sigHeader, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("verify webhook signature: %w", err)
	}

	out := &Event{ID: ev.ID, Kind: string(ev.Type)}
	switch {
	case strings.HasPrefix(out.Kind, "checkout.session."):
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("parse checkout session: %w", err)
		}
		out.Session = translateSession(&s)
	case out.Kind == "invoice.paid" || out.Kind == "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("parse invoice: %w", err)
		}
		out.Invoice = translateInvoice(&inv)
	case strings.HasPrefix(out.Kind, "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("parse subscription: %w", err)
		}
		out.Subscription = translateSubscription(&sub)
	}
	return out, nil
}

// NewCheckoutSession creates a hosted checkout session.
func (c *Client) NewCheckoutSession(ctx context.Context, p CheckoutParams) (*Session, error) {
	qty := p.Quantity
	if qty == 0 {
		qty = 1
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(p.Mode),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.ClientReferenceID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceRef),
				Quantity: stripe.Int64(qty),
			},
		},
	}
	params.Context = ctx
	if p.CustomerRef != "" {
		params.Customer = stripe.String(p.CustomerRef)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.Mode == ModeSubscription {
		// Mirror the metadata onto the subscription so lifecycle events
		// can resolve the user without the session.
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: p.Metadata,
		}
	}

	s, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return translateSession(s), nil
}

// GetSession fetches a checkout session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := session.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	return translateSession(s), nil
}

// GetSubscription fetches a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return translateSubscription(sub), nil
}

// CancelAtPeriodEnd flags the subscription to lapse at period end.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, id string) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	if _, err := subscription.Update(id, params); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

// ChangePrice moves the subscription's single line item to a new price.
// Stripe bills the proration; the resulting webhook carries the new price.
func (c *Client) ChangePrice(ctx context.Context, id, priceRef string) error {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	sub, err := subscription.Get(id, getParams)
	if err != nil {
		return fmt.Errorf("get subscription for price change: %w", err)
	}
	if len(sub.Items.Data) == 0 {
		return fmt.Errorf("subscription %s has no items", id)
	}

	params := &stripe.SubscriptionParams{
		ProrationBehavior: stripe.String("create_prorations"),
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(sub.Items.Data[0].ID),
				Price: stripe.String(priceRef),
			},
		},
	}
	params.Context = ctx
	if _, err := subscription.Update(id, params); err != nil {
		return fmt.Errorf("change subscription price: %w", err)
	}
	return nil
}

// ListCompletedSessions returns completed checkout sessions created since
// the given time. Used by reconciliation.
func (c *Client) ListCompletedSessions(ctx context.Context, since time.Time) ([]*Session, error) {
	params := &stripe.CheckoutSessionListParams{
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: since.Unix(),
		},
	}
	params.Context = ctx

	var out []*Session
	iter := session.List(params)
	for iter.Next() {
		s := iter.CheckoutSession()
		if s.Status != stripe.CheckoutSessionStatusComplete {
			continue
		}
		out = append(out, translateSession(s))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list checkout sessions: %w", err)
	}
	return out, nil
}

// ListSubscriptions returns subscriptions created since the given time.
func (c *Client) ListSubscriptions(ctx context.Context, since time.Time) ([]*Subscription, error) {
	params := &stripe.SubscriptionListParams{
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: since.Unix(),
		},
	}
	params.Context = ctx

	var out []*Subscription
	iter := subscription.List(params)
	for iter.Next() {
		out = append(out, translateSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

func translateSession(s *stripe.CheckoutSession) *Session {
	out := &Session{
		ID:                s.ID,
		URL:               s.URL,
		Mode:              string(s.Mode),
		PaymentStatus:     string(s.PaymentStatus),
		ClientReferenceID: s.ClientReferenceID,
		AmountTotal:       s.AmountTotal,
		Currency:          string(s.Currency),
		Metadata:          s.Metadata,
		Created:           time.Unix(s.Created, 0),
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionRef = s.Subscription.ID
	}
	return out
}

func translateSubscription(s *stripe.Subscription) *Subscription {
	out := &Subscription{
		Ref:               s.ID,
		Status:            string(s.Status),
		PeriodStart:       time.Unix(s.CurrentPeriodStart, 0),
		PeriodEnd:         time.Unix(s.CurrentPeriodEnd, 0),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
		Created:           time.Unix(s.Created, 0),
	}
	if s.Customer != nil {
		out.CustomerRef = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		out.PriceRef = s.Items.Data[0].Price.ID
	}
	return out
}

func translateInvoice(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		Ref:           inv.ID,
		BillingReason: string(inv.BillingReason),
		AmountPaid:    inv.AmountPaid,
	}
	if inv.Subscription != nil {
		out.SubscriptionRef = inv.Subscription.ID
	}
	if inv.Customer != nil {
		out.CustomerRef = inv.Customer.ID
	}
	return out
}
