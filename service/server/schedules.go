package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/paylock/service/config"
	"github.com/brojonat/paylock/service/escrow"
)

// intentResponse is the wire form of a scheduled intent.
type intentResponse struct {
	ID            string                    `json:"id"`
	Sender        string                    `json:"sender"`
	TokenType     string                    `json:"token_type"`
	FundingDigest string                    `json:"funding_digest"`
	TotalAmount   int64                     `json:"total_amount"`
	ScheduledAt   time.Time                 `json:"scheduled_at"`
	CreatedAt     time.Time                 `json:"created_at"`
	Recipients    []intentRecipientResponse `json:"recipients"`
}

type intentRecipientResponse struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

func intentToResponse(intent *escrow.ScheduledIntent) intentResponse {
	resp := intentResponse{
		ID:            intent.ID,
		Sender:        intent.Sender,
		TokenType:     intent.TokenType,
		FundingDigest: intent.FundingDigest,
		TotalAmount:   intent.TotalAmount,
		ScheduledAt:   intent.ScheduledAt,
		CreatedAt:     intent.CreatedAt,
		Recipients:    make([]intentRecipientResponse, len(intent.Recipients)),
	}
	for i, r := range intent.Recipients {
		resp.Recipients[i] = intentRecipientResponse{Address: r.Address, Amount: r.Amount}
	}
	return resp
}

// handleCreateSchedule returns a handler that creates a scheduled intent,
// holding the total amount in escrow.
// POST /api/v1/schedules
func handleCreateSchedule(activator *escrow.Activator, cfg *config.Config, logger *slog.Logger) http.Handler {
	type recipient struct {
		Address string `json:"address"`
		Amount  int64  `json:"amount"`
	}
	type request struct {
		Sender      string      `json:"sender"`
		TokenType   string      `json:"token_type"`
		ScheduledAt time.Time   `json:"scheduled_at"`
		Recipients  []recipient `json:"recipients"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if !decodeBody(w, r, logger, &req) {
			return
		}
		if err := validateAddress(req.Sender); err != nil {
			writeError(w, fmt.Sprintf("invalid sender: %v", err), http.StatusBadRequest)
			return
		}
		if err := validateTokenType(req.TokenType); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Recipients) == 0 {
			writeError(w, "at least one recipient is required", http.StatusBadRequest)
			return
		}
		if len(req.Recipients) > cfg.MaxBulkRecipients {
			writeError(w, fmt.Sprintf("too many recipients: maximum is %d", cfg.MaxBulkRecipients), http.StatusBadRequest)
			return
		}
		if req.ScheduledAt.IsZero() {
			writeError(w, "scheduled_at is required", http.StatusBadRequest)
			return
		}

		params := escrow.ScheduleParams{
			Sender:      req.Sender,
			TokenType:   req.TokenType,
			ScheduledAt: req.ScheduledAt,
			Recipients:  make([]escrow.IntentRecipient, len(req.Recipients)),
		}
		for i, rcpt := range req.Recipients {
			if err := validateAddress(rcpt.Address); err != nil {
				writeError(w, fmt.Sprintf("invalid recipient address: %v", err), http.StatusBadRequest)
				return
			}
			params.Recipients[i] = escrow.IntentRecipient{Address: rcpt.Address, Amount: rcpt.Amount}
		}

		intent, err := activator.Schedule(r.Context(), params)
		if err != nil {
			if escrow.IsUpstreamTransferError(err) {
				writeEscrowError(w, logger, "create schedule", err)
				return
			}
			// Remaining Schedule failures are input validation.
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, intentToResponse(intent), http.StatusCreated)
	})
}

// handleActivateSchedule returns a handler that converts a pending intent
// into a live payment record. The server clock is authoritative: activation
// before the scheduled instant fails regardless of what the client displays.
// POST /api/v1/schedules/{id}/activate
func handleActivateSchedule(activator *escrow.Activator, cfg *config.Config, logger *slog.Logger) http.Handler {
	type request struct {
		Sender string `json:"sender"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var req request
		if !decodeBody(w, r, logger, &req) {
			return
		}
		if err := validateAddress(req.Sender); err != nil {
			writeError(w, fmt.Sprintf("invalid sender: %v", err), http.StatusBadRequest)
			return
		}

		result, err := activator.Activate(r.Context(), id, req.Sender)
		if err != nil {
			writeEscrowError(w, logger, "activate schedule", err)
			return
		}

		if result.Transaction != nil {
			resp := paymentToResponse(result.Transaction)
			resp.PlainCode = result.Transaction.PlainCode
			attachClaimLink(&resp, cfg, result.Transaction.Digest, logger)
			writeJSON(w, resp, http.StatusOK)
			return
		}
		resp := bulkToResponse(result.Bulk)
		for i, slot := range result.Bulk.Recipients {
			resp.Recipients[i].PlainCode = slot.PlainCode
			attachBulkClaimLink(&resp.Recipients[i], cfg, result.Bulk.Digest, logger)
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleCancelSchedule returns a handler that cancels a pending intent and
// refunds the held amount to the sender.
// DELETE /api/v1/schedules/{id}?sender={address}
func handleCancelSchedule(activator *escrow.Activator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		sender := r.URL.Query().Get("sender")
		if err := validateAddress(sender); err != nil {
			writeError(w, fmt.Sprintf("invalid sender: %v", err), http.StatusBadRequest)
			return
		}

		refund, err := activator.Cancel(r.Context(), id, sender)
		if err != nil {
			writeEscrowError(w, logger, "cancel schedule", err)
			return
		}
		writeJSON(w, map[string]string{"refund_digest": refund}, http.StatusOK)
	})
}

// handleListSchedules returns a handler that lists pending intents for a
// sender.
// GET /api/v1/schedules?sender={address}
func handleListSchedules(activator *escrow.Activator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sender := r.URL.Query().Get("sender")
		if err := validateAddress(sender); err != nil {
			writeError(w, fmt.Sprintf("invalid sender: %v", err), http.StatusBadRequest)
			return
		}

		intents, err := activator.ListIntents(r.Context(), sender)
		if err != nil {
			writeEscrowError(w, logger, "list schedules", err)
			return
		}

		resp := make([]intentResponse, len(intents))
		for i, intent := range intents {
			resp[i] = intentToResponse(intent)
		}
		writeJSON(w, map[string]interface{}{"schedules": resp}, http.StatusOK)
	})
}

// handleGetSchedule returns a handler that retrieves one pending intent.
// GET /api/v1/schedules/{id}
func handleGetSchedule(activator *escrow.Activator, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		intent, err := activator.GetIntent(r.Context(), id)
		if err != nil {
			writeEscrowError(w, logger, "get schedule", err)
			return
		}
		writeJSON(w, intentToResponse(intent), http.StatusOK)
	})
}
