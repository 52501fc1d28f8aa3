package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type ReportState string

const (
	ReportPending  ReportState = "pending"
	ReportReported ReportState = "reported"
)

// Subscription statuses that count as an active paid plan.
var ActiveSubscriptionStatuses = []string{"active", "trialing"}

// CreditGrant is an immutable prepaid allotment. Grants are never updated or deleted;
// expiry only affects balance calculation.
type CreditGrant struct {
	ID          string
	UserID      string
	Amount      decimal.Decimal
	Type        string
	Description string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// UsageRecord is the authoritative charge for one billable event. Only ReportState
// ever changes after creation.
type UsageRecord struct {
	ID           string
	UserID       string
	TaskType     string
	CreditUsed   decimal.Decimal
	Cost         decimal.Decimal
	CallRecordID *string
	ReportState  ReportState
	CreatedAt    time.Time
}

// CallRecord holds the token-level detail of one AI call.
type CallRecord struct {
	ID             string
	UserID         string
	Provider       string
	ModelID        string
	TaskType       string
	InputTokens    int64
	OutputTokens   int64
	TotalTokens    int64
	UsageJSON      *string
	CostJSON       *string
	UsingOwnKey    bool
	ConversationID *string
	CreatedAt      time.Time
}

type SpendingLimit struct {
	UserID     string
	MonthlyCap decimal.Decimal
	UpdatedAt  time.Time
}

type User struct {
	ID           string
	Email        string
	Name         string
	CustomerRef  *string
	MessageCount int64
}

type Subscription struct {
	ID          string
	UserID      string
	Status      string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// PendingQuery selects unreported, billable usage records created in [After, Before).
// A zero After means no lower bound.
type PendingQuery struct {
	After  time.Time
	Before time.Time
	Limit  int
}

// Repository is the set of reads and writes the accounting engine performs. Every
// implementation must also work when bound to an open transaction.
type Repository interface {
	// Users and subscriptions
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	SetCustomerRef(ctx context.Context, userID, customerRef string) error
	IncrementMessageCount(ctx context.Context, userID string) error
	GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error)

	// Credit grants
	CreateGrant(ctx context.Context, g *CreditGrant) error
	ListGrants(ctx context.Context, userID string) ([]CreditGrant, error)
	HasGrantOfType(ctx context.Context, userID, grantType string) (bool, error)
	NearestExpiry(ctx context.Context, userID string, now time.Time) (*time.Time, error)

	// Usage records
	CreateCallRecord(ctx context.Context, c *CallRecord) error
	CreateUsageRecord(ctx context.Context, r *UsageRecord) error
	GetUsageRecord(ctx context.Context, recordID string) (*UsageRecord, error)
	ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error)
	TotalCreditUsed(ctx context.Context, userID string) (decimal.Decimal, error)
	BilledSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
	ListPending(ctx context.Context, q PendingQuery) ([]*UsageRecord, error)
	// MarkReported moves pending records to reported and returns the ids it actually moved.
	MarkReported(ctx context.Context, recordIDs ...string) ([]string, error)

	// Spending limits
	GetSpendingLimit(ctx context.Context, userID string) (*SpendingLimit, error)
	UpsertSpendingLimit(ctx context.Context, userID string, monthlyCap decimal.Decimal) (*SpendingLimit, error)
	DeleteSpendingLimit(ctx context.Context, userID string) error
}

type TxFunc func(ctx context.Context, repo Repository) error

type Store interface {
	Repository
	// RunSerializable executes fn inside a SERIALIZABLE transaction. Write conflicts are
	// reported as errors matching ErrWriteConflict.
	RunSerializable(ctx context.Context, fn TxFunc) error
}

func IsActiveStatus(status string) bool {
	for _, s := range ActiveSubscriptionStatuses {
		if s == status {
			return true
		}
	}
	return false
}
