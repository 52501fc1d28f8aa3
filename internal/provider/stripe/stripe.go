package stripe

import (
	"context"
	"fmt"
	"strconv"

	stripego "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/billing/meterevent"
	"github.com/stripe/stripe-go/v81/customer"

	"github.com/vnmchuo/usage-ledger/internal/provider"
)

const customerType = "user"

type Provider struct {
	customers customer.Client
	events    meterevent.Client
	eventName string
}

func New(apiKey, eventName string) *Provider {
	return NewWithBackend(stripego.GetBackend(stripego.APIBackend), apiKey, eventName)
}

// NewWithBackend is used by tests to point the client at a fake API server.
func NewWithBackend(b stripego.Backend, apiKey, eventName string) *Provider {
	return &Provider{
		customers: customer.Client{B: b, Key: apiKey},
		events:    meterevent.Client{B: b, Key: apiKey},
		eventName: eventName,
	}
}

func (p *Provider) Name() string {
	return "stripe"
}

func (p *Provider) CreateCustomer(ctx context.Context, c provider.Customer) (string, error) {
	if c.Email == "" {
		return "", fmt.Errorf("stripe: customer email is required")
	}

	params := &stripego.CustomerParams{
		Email: stripego.String(c.Email),
	}
	if c.Name != "" {
		params.Name = stripego.String(c.Name)
	}
	params.AddMetadata("userId", c.UserID)
	params.AddMetadata("customerType", customerType)
	params.SetIdempotencyKey("customer_" + c.UserID)
	params.Context = ctx

	cus, err := p.customers.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create stripe customer: %w", err)
	}
	return cus.ID, nil
}

// ReportUsage sends a billing meter event. Stripe deduplicates events by identifier.
func (p *Provider) ReportUsage(ctx context.Context, ev provider.MeterEvent) error {
	if ev.CustomerRef == "" {
		return fmt.Errorf("stripe: customer ref is required")
	}

	params := &stripego.BillingMeterEventParams{
		EventName:  stripego.String(p.eventName),
		Identifier: stripego.String(ev.IdempotencyKey),
		Payload: map[string]string{
			"stripe_customer_id": ev.CustomerRef,
			"value":              strconv.FormatInt(ev.Units, 10),
		},
	}
	if !ev.Timestamp.IsZero() {
		params.Timestamp = stripego.Int64(ev.Timestamp.Unix())
	}
	params.SetIdempotencyKey(ev.IdempotencyKey)
	params.Context = ctx

	if _, err := p.events.New(params); err != nil {
		return fmt.Errorf("failed to send meter event: %w", err)
	}
	return nil
}
