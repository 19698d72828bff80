package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/punchamoorthee/feeledger/internal/domain"
	"github.com/punchamoorthee/feeledger/internal/service"
)

const maxBodyBytes = 1 << 20

type createAccountRequest struct {
	ID string `json:"id"`
}

type setTierRequest struct {
	Tier      domain.Tier `json:"tier"`
	ExpiresAt *time.Time  `json:"expires_at"`
}

type addFundsRequest struct {
	Amount int64 `json:"amount"`
}

type recoverRequest struct {
	TransactionIDs []string `json:"transaction_ids"`
}

type resolveRequest struct {
	TransactionIDs []string              `json:"transaction_ids"`
	Action         domain.RecoveryAction `json:"action"`
}

type transferResponse struct {
	Transaction domain.TransactionEntry `json:"transaction"`
	Replayed    bool                    `json:"replayed,omitempty"`
}

type failedTransferResponse struct {
	Error       string                  `json:"error"`
	Transaction domain.TransactionEntry `json:"transaction"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	acc, err := h.ledger.CreateAccount(r.Context(), req.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.ledger.GetAccount(r.Context(), acc.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/accounts/"+acc.ID)
	respondWithJSON(w, http.StatusCreated, view)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.ledger.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) SetTierHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req setTierRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.ledger.SetTier(r.Context(), id, req.Tier, req.ExpiresAt); err != nil {
		h.writeError(w, r, err)
		return
	}

	view, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

// AddFundsHandler credits an external payment. The Idempotency-Key header
// carries the external payment reference.
func (h *Handler) AddFundsHandler(w http.ResponseWriter, r *http.Request) {
	paymentRef := r.Header.Get("Idempotency-Key")
	if paymentRef == "" {
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req addFundsRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	receipt, err := h.ledger.AddFunds(r.Context(), mux.Vars(r)["id"], req.Amount, paymentRef)
	h.respondReceipt(w, r, receipt, err)
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Stream read error")
		return
	}
	req, err := domain.ParseTransferRequest(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		h.submitAsync(w, r, idempotencyKey, req)
		return
	}

	receipt, err := h.ledger.Submit(r.Context(), idempotencyKey, req)
	h.respondReceipt(w, r, receipt, err)
}

func (h *Handler) submitAsync(w http.ResponseWriter, r *http.Request, key string, req domain.TransferRequest) {
	job, err := h.ledger.SubmitAsync(r.Context(), key, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	select {
	case <-job.Done():
		// Replays are already settled.
		receipt, err := job.Wait(r.Context())
		h.respondReceipt(w, r, receipt, err)
	default:
		w.Header().Set("Location", "/api/v1/transfers/"+job.EntryID)
		respondWithJSON(w, http.StatusAccepted, map[string]string{
			"transaction_id": job.EntryID,
			"status":         string(domain.StatusPending),
		})
	}
}

// respondReceipt writes the outcome of a ledger movement:
// 201 for a new movement, 200 for a settled replay, 409 for a replay still
// in flight, 422 carrying the failed entry when funds were short, and 202
// whenever the entry is still pending.
func (h *Handler) respondReceipt(w http.ResponseWriter, r *http.Request, receipt service.Receipt, err error) {
	e := receipt.Entry
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds) && e.Status == domain.StatusFailed:
		respondWithJSON(w, http.StatusUnprocessableEntity, failedTransferResponse{Error: "Insufficient funds", Transaction: e})
		return
	case err != nil && e.ID != "" && e.Status == domain.StatusPending:
		h.log.Warn("movement left pending",
			zap.String("transaction_id", e.ID),
			zap.Error(err),
		)
		w.Header().Set("Location", "/api/v1/transfers/"+e.ID)
		respondWithJSON(w, http.StatusAccepted, transferResponse{Transaction: e})
		return
	case err != nil:
		h.writeError(w, r, err)
		return
	}

	location := fmt.Sprintf("/api/v1/transfers/%s", e.ID)
	switch {
	case receipt.Replayed && e.Status == domain.StatusPending:
		w.Header().Set("Location", location)
		respondWithError(w, http.StatusConflict, "Request in progress")
	case e.Status == domain.StatusPending:
		w.Header().Set("Location", location)
		respondWithJSON(w, http.StatusAccepted, transferResponse{Transaction: e})
	case receipt.Replayed:
		respondWithJSON(w, http.StatusOK, transferResponse{Transaction: e, Replayed: true})
	default:
		w.Header().Set("Location", location)
		respondWithJSON(w, http.StatusCreated, transferResponse{Transaction: e})
	}
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	entry, err := h.ledger.GetEntry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entry)
}

func (h *Handler) ListRecoverableHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.ledger.GetAccount(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	orphans, err := h.recovery.ScanForOrphans(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if orphans == nil {
		orphans = []domain.TransactionEntry{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"transactions": orphans})
}

func (h *Handler) RecoverTransfersHandler(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	summary, err := h.recovery.RecoverTransfers(r.Context(), mux.Vars(r)["id"], req.TransactionIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) ResolveRecoveryHandler(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	records, err := h.recovery.Resolve(r.Context(), req.TransactionIDs, req.Action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *Handler) GrantHandler(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	var req service.GrantRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	receipt, err := h.ledger.Grant(r.Context(), key, req)
	h.respondReceipt(w, r, receipt, err)
}

// RevenueHandler summarizes fees over ?from=&to= (RFC 3339, both optional).
func (h *Handler) RevenueHandler(w http.ResponseWriter, r *http.Request) {
	var win service.Window
	for param, dst := range map[string]*time.Time{"from": &win.From, "to": &win.To} {
		v := r.URL.Query().Get(param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("%s must be an RFC 3339 timestamp", param))
			return
		}
		*dst = t
	}

	summary, err := h.revenue.Summarize(r.Context(), win)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidRequest)
	}
	return nil
}
