package provider

import (
	"context"
	"time"
)

// Customer is the identity handed to the billing provider when a user first needs one.
type Customer struct {
	UserID string
	Email  string
	Name   string
}

// MeterEvent is one billable usage submission. The provider bills a repeated
// IdempotencyKey at most once and rejects events older than its acceptance window.
type MeterEvent struct {
	CustomerRef    string
	IdempotencyKey string
	Units          int64
	Timestamp      time.Time
}

type Provider interface {
	// CreateCustomer registers the user with the billing provider and returns its reference.
	CreateCustomer(ctx context.Context, c Customer) (string, error)
	ReportUsage(ctx context.Context, ev MeterEvent) error
	Name() string
}
