package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/pricing"
)

// Amounts leave the service as JSON numbers; they are display values only.

type balanceResponse struct {
	Available     float64    `json:"available"`
	TotalGranted  float64    `json:"totalGranted"`
	TotalUsed     float64    `json:"totalUsed"`
	NearestExpiry *time.Time `json:"nearestExpiry"`
	Welcomed      bool       `json:"welcomed"`
}

type spendingLimitResponse struct {
	Mode           string    `json:"mode"`
	MonthlyCapUSD  *float64  `json:"monthlyCapUsd"`
	PeriodUsageUSD float64   `json:"periodUsageUsd"`
	PeriodStart    time.Time `json:"periodStart"`
	RemainingUSD   *float64  `json:"remainingUsd,omitempty"`
	Available      *float64  `json:"available,omitempty"`
	TotalGranted   *float64  `json:"totalGranted,omitempty"`
}

type checkUsageRequest struct {
	IsExternalKey bool `json:"isExternalKey"`
}

type recordUsageRequest struct {
	TaskType       string         `json:"taskType"`
	Provider       string         `json:"provider"`
	ModelID        string         `json:"modelId"`
	Usage          *pricing.Usage `json:"usage"`
	IsExternalKey  bool           `json:"isExternalKey"`
	ConversationID string         `json:"conversationId"`
	CostUSD        *float64       `json:"costUsd"`
}

type recordResponse struct {
	ID            string    `json:"id"`
	TaskType      string    `json:"taskType"`
	CreditUsedUSD float64   `json:"creditUsedUsd"`
	CostUSD       float64   `json:"costUsd"`
	ReportState   string    `json:"reportState"`
	CreatedAt     time.Time `json:"createdAt"`
}

type listUsageResponse struct {
	From               time.Time        `json:"from"`
	To                 time.Time        `json:"to"`
	TotalRecords       int              `json:"totalRecords"`
	TotalCreditUsedUSD float64          `json:"totalCreditUsedUsd"`
	TotalCostUSD       float64          `json:"totalCostUsd"`
	Records            []recordResponse `json:"records"`
}

func toRecordResponse(r *billing.UsageRecord) recordResponse {
	return recordResponse{
		ID:            r.ID,
		TaskType:      r.TaskType,
		CreditUsedUSD: r.CreditUsed.InexactFloat64(),
		CostUSD:       r.Cost.InexactFloat64(),
		ReportState:   string(r.ReportState),
		CreatedAt:     r.CreatedAt,
	}
}

func floatPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}
