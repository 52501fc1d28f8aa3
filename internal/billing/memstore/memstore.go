// Package memstore is an in-memory billing.Store. Transactions are fully serialized
// behind one mutex and applied to a copy of the state, so a failed transaction leaves
// nothing behind.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/usage-ledger/internal/billing"
)

type state struct {
	users         map[string]*billing.User
	subscriptions map[string]*billing.Subscription
	grants        []billing.CreditGrant
	calls         map[string]*billing.CallRecord
	usage         map[string]*billing.UsageRecord
	limits        map[string]*billing.SpendingLimit
}

func (s *state) clone() *state {
	c := &state{
		users:         make(map[string]*billing.User, len(s.users)),
		subscriptions: make(map[string]*billing.Subscription, len(s.subscriptions)),
		grants:        append([]billing.CreditGrant(nil), s.grants...),
		calls:         make(map[string]*billing.CallRecord, len(s.calls)),
		usage:         make(map[string]*billing.UsageRecord, len(s.usage)),
		limits:        make(map[string]*billing.SpendingLimit, len(s.limits)),
	}
	for k, v := range s.users {
		u := *v
		c.users[k] = &u
	}
	for k, v := range s.subscriptions {
		sub := *v
		c.subscriptions[k] = &sub
	}
	for k, v := range s.calls {
		cr := *v
		c.calls[k] = &cr
	}
	for k, v := range s.usage {
		r := *v
		c.usage[k] = &r
	}
	for k, v := range s.limits {
		l := *v
		c.limits[k] = &l
	}
	return c
}

var (
	_ billing.Store = (*Store)(nil)
	_ billing.Store = (*view)(nil)
)

type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time

	// conflicts makes the next N commits fail with billing.ErrWriteConflict.
	conflicts int
	commits   int
	attempts  int
}

func New() *Store {
	return &Store{
		state: &state{
			users:         make(map[string]*billing.User),
			subscriptions: make(map[string]*billing.Subscription),
			calls:         make(map[string]*billing.CallRecord),
			usage:         make(map[string]*billing.UsageRecord),
			limits:        make(map[string]*billing.SpendingLimit),
		},
		now: time.Now,
	}
}

// SetClock controls the timestamps assigned to newly created rows.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNextCommits makes the next n transactions fail at commit with a write conflict.
func (s *Store) FailNextCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

// TxStats returns how many transactions were attempted and committed.
func (s *Store) TxStats() (attempts, commits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, s.commits
}

// PutSubscription inserts or replaces a subscription row.
func (s *Store) PutSubscription(sub billing.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.subscriptions[sub.ID] = &sub
}

// PutUsageRecord inserts a usage record verbatim, keeping its CreatedAt.
func (s *Store) PutUsageRecord(r billing.UsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.usage[r.ID] = &r
}

// PutGrant inserts a grant verbatim, keeping its CreatedAt.
func (s *Store) PutGrant(g billing.CreditGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.grants = append(s.state.grants, g)
}

func (s *Store) RunSerializable(ctx context.Context, fn billing.TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	work := s.state.clone()
	if err := fn(ctx, &view{st: work, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.conflicts > 0 {
		s.conflicts--
		return billing.ErrWriteConflict
	}
	s.state = work
	s.commits++
	return nil
}

func (s *Store) do(fn func(v *view) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&view{st: s.state, now: s.now})
}

func (s *Store) CreateUser(ctx context.Context, u *billing.User) error {
	return s.do(func(v *view) error { return v.CreateUser(ctx, u) })
}

func (s *Store) GetUser(ctx context.Context, userID string) (u *billing.User, err error) {
	err = s.do(func(v *view) error { u, err = v.GetUser(ctx, userID); return err })
	return u, err
}

func (s *Store) SetCustomerRef(ctx context.Context, userID, ref string) error {
	return s.do(func(v *view) error { return v.SetCustomerRef(ctx, userID, ref) })
}

func (s *Store) IncrementMessageCount(ctx context.Context, userID string) error {
	return s.do(func(v *view) error { return v.IncrementMessageCount(ctx, userID) })
}

func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (sub *billing.Subscription, err error) {
	err = s.do(func(v *view) error { sub, err = v.GetActiveSubscription(ctx, userID); return err })
	return sub, err
}

func (s *Store) CreateGrant(ctx context.Context, g *billing.CreditGrant) error {
	return s.do(func(v *view) error { return v.CreateGrant(ctx, g) })
}

func (s *Store) ListGrants(ctx context.Context, userID string) (out []billing.CreditGrant, err error) {
	err = s.do(func(v *view) error { out, err = v.ListGrants(ctx, userID); return err })
	return out, err
}

func (s *Store) HasGrantOfType(ctx context.Context, userID, grantType string) (ok bool, err error) {
	err = s.do(func(v *view) error { ok, err = v.HasGrantOfType(ctx, userID, grantType); return err })
	return ok, err
}

func (s *Store) NearestExpiry(ctx context.Context, userID string, now time.Time) (t *time.Time, err error) {
	err = s.do(func(v *view) error { t, err = v.NearestExpiry(ctx, userID, now); return err })
	return t, err
}

func (s *Store) CreateCallRecord(ctx context.Context, c *billing.CallRecord) error {
	return s.do(func(v *view) error { return v.CreateCallRecord(ctx, c) })
}

func (s *Store) CreateUsageRecord(ctx context.Context, r *billing.UsageRecord) error {
	return s.do(func(v *view) error { return v.CreateUsageRecord(ctx, r) })
}

func (s *Store) GetUsageRecord(ctx context.Context, id string) (r *billing.UsageRecord, err error) {
	err = s.do(func(v *view) error { r, err = v.GetUsageRecord(ctx, id); return err })
	return r, err
}

func (s *Store) ListUsage(ctx context.Context, userID string, from, to time.Time) (out []*billing.UsageRecord, err error) {
	err = s.do(func(v *view) error { out, err = v.ListUsage(ctx, userID, from, to); return err })
	return out, err
}

func (s *Store) TotalCreditUsed(ctx context.Context, userID string) (d decimal.Decimal, err error) {
	err = s.do(func(v *view) error { d, err = v.TotalCreditUsed(ctx, userID); return err })
	return d, err
}

func (s *Store) BilledSince(ctx context.Context, userID string, since time.Time) (d decimal.Decimal, err error) {
	err = s.do(func(v *view) error { d, err = v.BilledSince(ctx, userID, since); return err })
	return d, err
}

func (s *Store) ListPending(ctx context.Context, q billing.PendingQuery) (out []*billing.UsageRecord, err error) {
	err = s.do(func(v *view) error { out, err = v.ListPending(ctx, q); return err })
	return out, err
}

func (s *Store) MarkReported(ctx context.Context, ids ...string) (out []string, err error) {
	err = s.do(func(v *view) error { out, err = v.MarkReported(ctx, ids...); return err })
	return out, err
}

func (s *Store) GetSpendingLimit(ctx context.Context, userID string) (l *billing.SpendingLimit, err error) {
	err = s.do(func(v *view) error { l, err = v.GetSpendingLimit(ctx, userID); return err })
	return l, err
}

func (s *Store) UpsertSpendingLimit(ctx context.Context, userID string, cap decimal.Decimal) (l *billing.SpendingLimit, err error) {
	err = s.do(func(v *view) error { l, err = v.UpsertSpendingLimit(ctx, userID, cap); return err })
	return l, err
}

func (s *Store) DeleteSpendingLimit(ctx context.Context, userID string) error {
	return s.do(func(v *view) error { return v.DeleteSpendingLimit(ctx, userID) })
}

// view implements billing.Repository over a state without locking. It is handed to
// transaction callbacks.
type view struct {
	st  *state
	now func() time.Time
}

func (v *view) RunSerializable(ctx context.Context, fn billing.TxFunc) error {
	return fn(ctx, v)
}

func (v *view) CreateUser(_ context.Context, u *billing.User) error {
	if _, ok := v.st.users[u.ID]; ok {
		return nil
	}
	cp := *u
	v.st.users[u.ID] = &cp
	return nil
}

func (v *view) GetUser(_ context.Context, userID string) (*billing.User, error) {
	u, ok := v.st.users[userID]
	if !ok {
		return nil, billing.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (v *view) SetCustomerRef(_ context.Context, userID, ref string) error {
	u, ok := v.st.users[userID]
	if !ok {
		return billing.ErrNotFound
	}
	u.CustomerRef = &ref
	return nil
}

func (v *view) IncrementMessageCount(_ context.Context, userID string) error {
	if u, ok := v.st.users[userID]; ok {
		u.MessageCount++
	}
	return nil
}

func (v *view) GetActiveSubscription(_ context.Context, userID string) (*billing.Subscription, error) {
	for _, sub := range v.st.subscriptions {
		if sub.UserID == userID && billing.IsActiveStatus(sub.Status) {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, billing.ErrNotFound
}

func (v *view) CreateGrant(_ context.Context, g *billing.CreditGrant) error {
	g.CreatedAt = v.now()
	v.st.grants = append(v.st.grants, *g)
	return nil
}

func (v *view) ListGrants(_ context.Context, userID string) ([]billing.CreditGrant, error) {
	var out []billing.CreditGrant
	for _, g := range v.st.grants {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v *view) HasGrantOfType(_ context.Context, userID, grantType string) (bool, error) {
	for _, g := range v.st.grants {
		if g.UserID == userID && g.Type == grantType {
			return true, nil
		}
	}
	return false, nil
}

func (v *view) NearestExpiry(_ context.Context, userID string, now time.Time) (*time.Time, error) {
	var nearest *time.Time
	for _, g := range v.st.grants {
		if g.UserID != userID || g.ExpiresAt == nil || !g.ExpiresAt.After(now) {
			continue
		}
		if nearest == nil || g.ExpiresAt.Before(*nearest) {
			t := *g.ExpiresAt
			nearest = &t
		}
	}
	return nearest, nil
}

func (v *view) CreateCallRecord(_ context.Context, c *billing.CallRecord) error {
	c.CreatedAt = v.now()
	cp := *c
	v.st.calls[c.ID] = &cp
	return nil
}

func (v *view) CreateUsageRecord(_ context.Context, r *billing.UsageRecord) error {
	r.CreatedAt = v.now()
	cp := *r
	v.st.usage[r.ID] = &cp
	return nil
}

func (v *view) GetUsageRecord(_ context.Context, id string) (*billing.UsageRecord, error) {
	r, ok := v.st.usage[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (v *view) sortedUsage(keep func(r *billing.UsageRecord) bool) []*billing.UsageRecord {
	var out []*billing.UsageRecord
	for _, r := range v.st.usage {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (v *view) ListUsage(_ context.Context, userID string, from, to time.Time) ([]*billing.UsageRecord, error) {
	out := v.sortedUsage(func(r *billing.UsageRecord) bool {
		return r.UserID == userID && !r.CreatedAt.Before(from) && !r.CreatedAt.After(to)
	})
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (v *view) TotalCreditUsed(_ context.Context, userID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range v.st.usage {
		if r.UserID == userID {
			total = total.Add(r.CreditUsed)
		}
	}
	return total, nil
}

func (v *view) BilledSince(_ context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range v.st.usage {
		if r.UserID == userID && !r.CreatedAt.Before(since) {
			total = total.Add(r.Cost)
		}
	}
	return total, nil
}

func (v *view) ListPending(_ context.Context, q billing.PendingQuery) ([]*billing.UsageRecord, error) {
	out := v.sortedUsage(func(r *billing.UsageRecord) bool {
		return r.ReportState == billing.ReportPending && r.Cost.IsPositive() &&
			r.CreatedAt.Before(q.Before) && !r.CreatedAt.Before(q.After)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (v *view) MarkReported(_ context.Context, ids ...string) ([]string, error) {
	var moved []string
	for _, id := range ids {
		if r, ok := v.st.usage[id]; ok && r.ReportState == billing.ReportPending {
			r.ReportState = billing.ReportReported
			moved = append(moved, id)
		}
	}
	return moved, nil
}

func (v *view) GetSpendingLimit(_ context.Context, userID string) (*billing.SpendingLimit, error) {
	l, ok := v.st.limits[userID]
	if !ok {
		return nil, billing.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (v *view) UpsertSpendingLimit(_ context.Context, userID string, cap decimal.Decimal) (*billing.SpendingLimit, error) {
	l := &billing.SpendingLimit{UserID: userID, MonthlyCap: cap, UpdatedAt: v.now()}
	v.st.limits[userID] = l
	cp := *l
	return &cp, nil
}

func (v *view) DeleteSpendingLimit(_ context.Context, userID string) error {
	delete(v.st.limits, userID)
	return nil
}
