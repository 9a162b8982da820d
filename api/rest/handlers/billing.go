package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finetune-core/core/ledger"
	"finetune-core/core/models"
	"finetune-core/core/repository"
)

// BillingHandler handles credit ledger requests
type BillingHandler struct {
	ledger *ledger.Ledger
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(l *ledger.Ledger) *BillingHandler {
	return &BillingHandler{ledger: l}
}

// TransactionResponse is the public representation of a ledger entry
type TransactionResponse struct {
	ID              string                 `json:"id"`
	TransactionID   string                 `json:"transaction_id"`
	UserID          string                 `json:"user_id"`
	Credits         string                 `json:"credits"`
	TransactionType models.TransactionType `json:"transaction_type"`
	JobID           *string                `json:"fine_tuning_job_id,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

func toTransactionResponse(tx models.CreditTransaction) TransactionResponse {
	return TransactionResponse{
		ID:              tx.ID,
		TransactionID:   tx.TransactionID,
		UserID:          tx.OwnerID,
		Credits:         formatCredits(tx.Credits),
		TransactionType: tx.TransactionType,
		JobID:           tx.JobID,
		CreatedAt:       tx.CreatedAt,
	}
}

// CreditsRequest is the body of the internal credit endpoints
type CreditsRequest struct {
	UserID          string          `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionID   string          `json:"transaction_id"`
	TransactionType string          `json:"transaction_type"`
	JobID           *string         `json:"fine_tuning_job_id"`
}

// CreditsResponse is returned by the internal credit endpoints
type CreditsResponse struct {
	Transaction    TransactionResponse `json:"transaction"`
	AlreadyApplied bool                `json:"already_applied"`
}

type postFunc func(
	r *http.Request, req CreditsRequest, txType models.TransactionType,
) (*ledger.Receipt, error)

// DeductCredits handles POST /v1/billing/credits-deduct
func (h *BillingHandler) DeductCredits(w http.ResponseWriter, r *http.Request) {
	h.post(w, r, models.TxFineTuningJob, func(r *http.Request, req CreditsRequest, t models.TransactionType) (*ledger.Receipt, error) {
		return h.ledger.Debit(r.Context(), req.UserID, req.Amount, req.TransactionID, t, req.JobID)
	})
}

// AddCredits handles POST /v1/billing/credits-add
func (h *BillingHandler) AddCredits(w http.ResponseWriter, r *http.Request) {
	h.post(w, r, models.TxManualAdjustment, func(r *http.Request, req CreditsRequest, t models.TransactionType) (*ledger.Receipt, error) {
		return h.ledger.Credit(r.Context(), req.UserID, req.Amount, req.TransactionID, t, req.JobID)
	})
}

func (h *BillingHandler) post(w http.ResponseWriter, r *http.Request, defaultType models.TransactionType, fn postFunc) {
	var req CreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		badRequest(w, r, "user_id is required")
		return
	}
	if !req.Amount.IsPositive() {
		badRequest(w, r, "amount must be positive")
		return
	}
	txType := defaultType
	if req.TransactionType != "" {
		txType = models.TransactionType(strings.ToUpper(req.TransactionType))
	}

	receipt, err := fn(r, req, txType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CreditsResponse{
		Transaction:    toTransactionResponse(receipt.Transaction),
		AlreadyApplied: receipt.AlreadyApplied,
	})
}

// CreditHistory handles GET /v1/billing/credit-history
func (h *BillingHandler) CreditHistory(w http.ResponseWriter, r *http.Request) {
	tr, err := parseDateRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	txs, total, err := h.ledger.History(r.Context(), ownerFrom(r), repository.TransactionFilter{TimeRange: tr, Page: page})
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]TransactionResponse, len(txs))
	for i, tx := range txs {
		items[i] = toTransactionResponse(tx)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       items,
		"pagination": newPagination(page, total),
	})
}

// Balance handles GET /v1/billing/balance
func (h *BillingHandler) Balance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.ledger.GetBalance(r.Context(), ownerFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": formatCredits(balance)})
}

// Audit handles GET /v1/billing/audit
func (h *BillingHandler) Audit(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if owner == "" {
		badRequest(w, r, "user_id is required")
		return
	}
	report, err := h.ledger.Audit(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
