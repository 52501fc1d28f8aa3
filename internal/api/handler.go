package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/internal/auth"
	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/ledger"
	"github.com/vnmchuo/usage-ledger/internal/limits"
	"github.com/vnmchuo/usage-ledger/internal/pricing"
	"github.com/vnmchuo/usage-ledger/internal/usage"
	"github.com/vnmchuo/usage-ledger/pkg/ratelimit"
)

const defaultUsageWindow = 30 * 24 * time.Hour

type Handler struct {
	store    billing.Store
	ledger   *ledger.Ledger
	guard    *limits.Guard
	recorder *usage.Recorder
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	logger   *zap.Logger
}

func NewHandler(store billing.Store, l *ledger.Ledger, guard *limits.Guard, recorder *usage.Recorder, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		ledger:   l,
		guard:    guard,
		recorder: recorder,
		limiter:  limiter,
		tracer:   tracer,
		logger:   logger,
	}
}

// Register mounts the authenticated billing and usage routes. The caller is
// expected to have installed the auth middleware on r.
func (h *Handler) Register(r chi.Router) {
	r.Use(h.rateLimit)

	r.Get("/v1/billing/balance", h.HandleBalance)
	r.Post("/v1/billing/welcome", h.HandleWelcome)
	r.Get("/v1/billing/spending-limit", h.HandleGetSpendingLimit)
	r.Patch("/v1/billing/spending-limit", h.HandleUpdateSpendingLimit)

	r.Post("/v1/usage/check", h.HandleCheckUsage)
	r.Post("/v1/usage", h.HandleRecordUsage)
	r.Get("/v1/usage", h.HandleListUsage)
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := auth.GetUserID(r.Context())
		if userID == "" || h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := h.limiter.Allow(r.Context(), userID, auth.GetRateLimit(r.Context()))
		if err != nil {
			h.logger.Warn("rate limiter unavailable",
				zap.String("user_id", userID),
				zap.String("api_key_id", auth.GetAPIKeyID(r.Context())),
				zap.Error(err),
			)
		}
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "api.balance")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	balance, err := h.ledger.Balance(ctx, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	nearest, err := h.ledger.NearestExpiry(ctx, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	welcomed, err := h.ledger.HasWelcomeCredit(ctx, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{
		Available:     balance.Available.InexactFloat64(),
		TotalGranted:  balance.TotalGranted.InexactFloat64(),
		TotalUsed:     balance.TotalUsed.InexactFloat64(),
		NearestExpiry: nearest,
		Welcomed:      welcomed,
	})
}

func (h *Handler) HandleWelcome(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "api.welcome")
	defer span.End()

	granted, err := h.ledger.GrantWelcomeCredit(ctx, userID)
	if err != nil {
		h.logger.Error("failed to grant welcome credit", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to grant credits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "granted": granted})
}

func (h *Handler) HandleGetSpendingLimit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "api.spending_limit")
	defer span.End()

	info, err := h.guard.SpendingLimitInfo(ctx, userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := spendingLimitResponse{
		Mode:           string(info.Mode),
		MonthlyCapUSD:  floatPtr(info.MonthlyCap),
		PeriodUsageUSD: info.PeriodUsage.InexactFloat64(),
		PeriodStart:    info.PeriodStart,
	}
	if info.Mode == limits.ModeSubscription {
		resp.RemainingUSD = floatPtr(info.Remaining)
	} else {
		available := info.Available.InexactFloat64()
		granted := info.TotalGranted.InexactFloat64()
		resp.Available, resp.TotalGranted = &available, &granted
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleUpdateSpendingLimit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	raw, present := body["monthlyCapUsd"]
	if !present {
		writeError(w, http.StatusBadRequest, "monthlyCapUsd must be a finite number or null")
		return
	}

	var monthlyCap *float64
	if string(raw) != "null" {
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			writeError(w, http.StatusBadRequest, "monthlyCapUsd must be a finite number or null")
			return
		}
		monthlyCap = &v
	}

	ctx, span := h.tracer.Start(r.Context(), "api.update_spending_limit")
	defer span.End()

	updated, err := h.guard.UpdateSpendingLimit(ctx, userID, monthlyCap)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*float64{"monthlyCapUsd": floatPtr(updated)})
}

func (h *Handler) HandleCheckUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req checkUsageRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ctx, span := h.tracer.Start(r.Context(), "api.check_usage")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.Bool("external_key", req.IsExternalKey))

	decision, err := h.guard.CheckUsageLimit(ctx, userID, req.IsExternalKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) HandleRecordUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req recordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskType == "" {
		writeError(w, http.StatusBadRequest, "taskType is required")
		return
	}

	ctx := r.Context()
	var (
		rec *billing.UsageRecord
		err error
	)
	if req.ModelID != "" {
		var u pricing.Usage
		if req.Usage != nil {
			u = *req.Usage
		}
		rec, err = h.recorder.RecordTokenUsage(ctx, usage.TokenUsage{
			UserID:         userID,
			Provider:       req.Provider,
			ModelID:        req.ModelID,
			TaskType:       req.TaskType,
			Usage:          u,
			IsExternalKey:  req.IsExternalKey,
			ConversationID: req.ConversationID,
		})
	} else {
		fixed := usage.FixedCost{UserID: userID, TaskType: req.TaskType}
		if req.CostUSD != nil {
			c := decimal.NewFromFloat(*req.CostUSD)
			fixed.Cost = &c
		}
		rec, err = h.recorder.RecordFixedCost(ctx, fixed)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRecordResponse(rec))
}

func (h *Handler) HandleListUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	now := time.Now()
	from, to := now.Add(-defaultUsageWindow), now
	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = t
	}

	ctx, span := h.tracer.Start(r.Context(), "api.list_usage")
	defer span.End()

	records, err := h.store.ListUsage(ctx, userID, from, to)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := listUsageResponse{From: from, To: to, Records: make([]recordResponse, 0, len(records))}
	creditUsed, cost := decimal.Zero, decimal.Zero
	for _, rec := range records {
		creditUsed = creditUsed.Add(rec.CreditUsed)
		cost = cost.Add(rec.Cost)
		resp.Records = append(resp.Records, toRecordResponse(rec))
	}
	resp.TotalRecords = len(records)
	resp.TotalCreditUsedUSD = creditUsed.InexactFloat64()
	resp.TotalCostUSD = cost.InexactFloat64()

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr billing.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, billing.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("user_id", auth.GetUserID(r.Context())),
			zap.String("api_key_id", auth.GetAPIKeyID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
