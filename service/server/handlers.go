package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"
	"unicode"

	"github.com/brojonat/paylock/service/config"
	"github.com/brojonat/paylock/service/escrow"
	"github.com/brojonat/paylock/service/solana"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for bulk payment requests
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// slotResponse is the wire form of one claimable slot. Code material is never
// included.
type slotResponse struct {
	Digest        string  `json:"digest"`
	Sender        string  `json:"sender"`
	Address       string  `json:"address"`
	Amount        int64   `json:"amount"`
	TokenType     string  `json:"token_type"`
	Status        string  `json:"status"`
	UpdatedDigest *string `json:"updated_digest,omitempty"`
}

// paymentResponse is the wire form of a single-recipient payment record.
// PlainCode and the claim link are present only on the creation response.
type paymentResponse struct {
	Digest        string    `json:"digest"`
	Sender        string    `json:"sender"`
	Receiver      string    `json:"receiver"`
	Amount        int64     `json:"amount"`
	TokenType     string    `json:"token_type"`
	Status        string    `json:"status"`
	PlainCode     string    `json:"plain_code,omitempty"`
	ClaimURL      string    `json:"claim_url,omitempty"`
	QRCodeData    string    `json:"qr_code_data,omitempty"`
	UpdatedDigest *string   `json:"updated_digest,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Warnings      []string  `json:"warnings,omitempty"`
}

// bulkRecipientResponse is one recipient slot within a bulk payment response.
type bulkRecipientResponse struct {
	Address       string  `json:"address"`
	Amount        int64   `json:"amount"`
	Status        string  `json:"status"`
	PlainCode     string  `json:"plain_code,omitempty"`
	ClaimURL      string  `json:"claim_url,omitempty"`
	QRCodeData    string  `json:"qr_code_data,omitempty"`
	UpdatedDigest *string `json:"updated_digest,omitempty"`
}

// bulkPaymentResponse is the wire form of a bulk payment record.
type bulkPaymentResponse struct {
	Digest      string                  `json:"digest"`
	Sender      string                  `json:"sender"`
	TotalAmount int64                   `json:"total_amount"`
	TokenType   string                  `json:"token_type"`
	CreatedAt   time.Time               `json:"created_at"`
	Recipients  []bulkRecipientResponse `json:"recipients"`
	Warnings    []string                `json:"warnings,omitempty"`
}

func slotToResponse(slot *escrow.SlotView) slotResponse {
	return slotResponse{
		Digest:        slot.Digest,
		Sender:        slot.Sender,
		Address:       slot.Address,
		Amount:        slot.Amount,
		TokenType:     slot.TokenType,
		Status:        string(slot.Status),
		UpdatedDigest: slot.UpdatedDigest,
	}
}

func paymentToResponse(rec *escrow.TransactionRecord) paymentResponse {
	return paymentResponse{
		Digest:        rec.Digest,
		Sender:        rec.Sender,
		Receiver:      rec.Receiver,
		Amount:        rec.Amount,
		TokenType:     rec.TokenType,
		Status:        string(rec.Status),
		UpdatedDigest: rec.UpdatedDigest,
		CreatedAt:     rec.CreatedAt,
	}
}

func bulkToResponse(rec *escrow.BulkTransactionRecord) bulkPaymentResponse {
	resp := bulkPaymentResponse{
		Digest:      rec.Digest,
		Sender:      rec.Sender,
		TotalAmount: rec.TotalAmount,
		TokenType:   rec.TokenType,
		CreatedAt:   rec.CreatedAt,
		Recipients:  make([]bulkRecipientResponse, len(rec.Recipients)),
	}
	for i, slot := range rec.Recipients {
		resp.Recipients[i] = bulkRecipientResponse{
			Address:       slot.Address,
			Amount:        slot.Amount,
			Status:        string(slot.Status),
			UpdatedDigest: slot.UpdatedDigest,
		}
	}
	return resp
}

// handleCreatePayment returns a handler that creates a single-recipient
// payment.
// POST /api/v1/payments
func handleCreatePayment(engine *escrow.Engine, cfg *config.Config, logger *slog.Logger) http.Handler {
	type request struct {
		Sender    string `json:"sender"`
		Receiver  string `json:"receiver"`
		Amount    int64  `json:"amount"`
		TokenType string `json:"token_type"`
		Direct    bool   `json:"direct"`
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
		if err := validateAddress(req.Receiver); err != nil {
			writeError(w, fmt.Sprintf("invalid receiver: %v", err), http.StatusBadRequest)
			return
		}
		if err := validateTokenType(req.TokenType); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Amount <= 0 {
			writeError(w, "amount must be positive", http.StatusBadRequest)
			return
		}

		rec, err := engine.CreatePayment(r.Context(), escrow.CreatePaymentParams{
			Sender:    req.Sender,
			Receiver:  req.Receiver,
			Amount:    req.Amount,
			TokenType: req.TokenType,
			Direct:    req.Direct,
		})
		if err != nil {
			writeEscrowError(w, logger, "create payment", err)
			return
		}

		resp := paymentToResponse(rec)
		if rec.PlainCode != "" {
			resp.PlainCode = rec.PlainCode
			attachClaimLink(&resp, cfg, rec.Digest, logger)
		}
		writeJSON(w, resp, http.StatusCreated)
	})
}

// handleCreateBulkPayment returns a handler that creates a multi-recipient
// payment funded by one transfer.
// POST /api/v1/payments/bulk
func handleCreateBulkPayment(engine *escrow.Engine, cfg *config.Config, logger *slog.Logger) http.Handler {
	type recipient struct {
		Address string `json:"address"`
		Amount  int64  `json:"amount"`
	}
	type request struct {
		Sender      string      `json:"sender"`
		Recipients  []recipient `json:"recipients"`
		TokenType   string      `json:"token_type"`
		TotalAmount int64       `json:"total_amount"`
		Direct      bool        `json:"direct"`
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
		params := escrow.CreateBulkPaymentParams{
			Sender:      req.Sender,
			TokenType:   req.TokenType,
			TotalAmount: req.TotalAmount,
			Direct:      req.Direct,
			Recipients:  make([]escrow.BulkRecipient, len(req.Recipients)),
		}
		for i, rcpt := range req.Recipients {
			if err := validateAddress(rcpt.Address); err != nil {
				writeError(w, fmt.Sprintf("invalid recipient address: %v", err), http.StatusBadRequest)
				return
			}
			params.Recipients[i] = escrow.BulkRecipient{Address: rcpt.Address, Amount: rcpt.Amount}
		}

		rec, err := engine.CreateBulkPayment(r.Context(), params)
		if err != nil {
			writeEscrowError(w, logger, "create bulk payment", err)
			return
		}

		resp := bulkToResponse(rec)
		for i, slot := range rec.Recipients {
			if slot.PlainCode == "" {
				continue
			}
			resp.Recipients[i].PlainCode = slot.PlainCode
			attachBulkClaimLink(&resp.Recipients[i], cfg, rec.Digest, logger)
		}
		writeJSON(w, resp, http.StatusCreated)
	})
}

// handleListPayments returns a handler that lists all records where the
// address is the sender or any recipient.
// GET /api/v1/payments?address={address}
func handleListPayments(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.URL.Query().Get("address")
		if err := validateAddress(address); err != nil {
			writeError(w, fmt.Sprintf("invalid address: %v", err), http.StatusBadRequest)
			return
		}

		singles, bulks, err := engine.ListPayments(r.Context(), address)
		if err != nil {
			writeEscrowError(w, logger, "list payments", err)
			return
		}

		payments := make([]paymentResponse, len(singles))
		for i, rec := range singles {
			payments[i] = paymentToResponse(rec)
		}
		bulkPayments := make([]bulkPaymentResponse, len(bulks))
		for i, rec := range bulks {
			bulkPayments[i] = bulkToResponse(rec)
		}

		writeJSON(w, map[string]interface{}{
			"payments":      payments,
			"bulk_payments": bulkPayments,
		}, http.StatusOK)
	})
}

// handleGetPayment returns a handler that retrieves one record by digest.
// GET /api/v1/payments/{digest}
func handleGetPayment(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		digest := r.PathValue("digest")
		if digest == "" {
			writeError(w, "digest is required", http.StatusBadRequest)
			return
		}

		single, bulk, err := engine.GetPayment(r.Context(), digest)
		if err != nil {
			writeEscrowError(w, logger, "get payment", err)
			return
		}
		if single != nil {
			writeJSON(w, paymentToResponse(single), http.StatusOK)
			return
		}
		writeJSON(w, bulkToResponse(bulk), http.StatusOK)
	})
}

// handleVerifyPayment returns a handler that checks a claim code without
// changing any state. A mismatch is a 200 with matched=false.
// POST /api/v1/payments/{digest}/verify
func handleVerifyPayment(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	type request struct {
		Address string `json:"address"`
		Code    string `json:"code"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		digest := r.PathValue("digest")
		var req request
		if !decodeBody(w, r, logger, &req) {
			return
		}
		if err := validateAddress(req.Address); err != nil {
			writeError(w, fmt.Sprintf("invalid address: %v", err), http.StatusBadRequest)
			return
		}

		matched, err := engine.Verify(r.Context(), digest, req.Address, req.Code)
		if err != nil {
			writeEscrowError(w, logger, "verify payment", err)
			return
		}
		writeJSON(w, map[string]bool{"matched": matched}, http.StatusOK)
	})
}

// handleClaimPayment returns a handler that claims a slot with its code,
// settling the held funds to the claimant.
// POST /api/v1/payments/{digest}/claim
func handleClaimPayment(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	type request struct {
		Address string `json:"address"`
		Code    string `json:"code"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		digest := r.PathValue("digest")
		var req request
		if !decodeBody(w, r, logger, &req) {
			return
		}
		if err := validateAddress(req.Address); err != nil {
			writeError(w, fmt.Sprintf("invalid address: %v", err), http.StatusBadRequest)
			return
		}

		slot, err := engine.Claim(r.Context(), digest, req.Address, req.Code)
		if err != nil {
			writeEscrowError(w, logger, "claim payment", err)
			return
		}
		writeJSON(w, slotToResponse(slot), http.StatusOK)
	})
}

// handleRejectPayment returns a handler that rejects a slot. No funds move.
// POST /api/v1/payments/{digest}/reject
func handleRejectPayment(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	type request struct {
		Address string `json:"address"`
		Code    string `json:"code"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		digest := r.PathValue("digest")
		var req request
		if !decodeBody(w, r, logger, &req) {
			return
		}
		if err := validateAddress(req.Address); err != nil {
			writeError(w, fmt.Sprintf("invalid address: %v", err), http.StatusBadRequest)
			return
		}

		slot, err := engine.Reject(r.Context(), digest, req.Address, req.Code)
		if err != nil {
			writeEscrowError(w, logger, "reject payment", err)
			return
		}
		writeJSON(w, slotToResponse(slot), http.StatusOK)
	})
}

// handleRefundPayment returns a handler that refunds a slot back to the
// sender. Only the record's sender may call it.
// POST /api/v1/payments/{digest}/refund
func handleRefundPayment(engine *escrow.Engine, logger *slog.Logger) http.Handler {
	type request struct {
		Sender    string `json:"sender"`
		Recipient string `json:"recipient"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		digest := r.PathValue("digest")
		var req request
		if !decodeBody(w, r, logger, &req) {
			return
		}
		if err := validateAddress(req.Sender); err != nil {
			writeError(w, fmt.Sprintf("invalid sender: %v", err), http.StatusBadRequest)
			return
		}
		if err := validateAddress(req.Recipient); err != nil {
			writeError(w, fmt.Sprintf("invalid recipient: %v", err), http.StatusBadRequest)
			return
		}

		slot, err := engine.Refund(r.Context(), digest, req.Sender, req.Recipient)
		if err != nil {
			writeEscrowError(w, logger, "refund payment", err)
			return
		}
		writeJSON(w, slotToResponse(slot), http.StatusOK)
	})
}

// handleGetBalance returns a handler that reports on-chain balances for an
// address.
// GET /api/v1/balance/{address}
func handleGetBalance(chain escrow.ChainClient, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, fmt.Sprintf("invalid address: %v", err), http.StatusBadRequest)
			return
		}

		balance, err := chain.BalanceOf(r.Context(), address)
		if err != nil {
			logger.Error("failed to fetch balance", "address", address, "error", err)
			writeError(w, "failed to fetch balance", http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]int64{
			"sol":  balance.Primary,
			"usdc": balance.Secondary,
		}, http.StatusOK)
	})
}

// decodeBody decodes a size-capped JSON request body, writing a 400 on
// failure. Returns false when the response has already been written.
func decodeBody(w http.ResponseWriter, r *http.Request, logger *slog.Logger, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		logger.Debug("invalid request body", "error", err)
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeEscrowError maps domain errors to HTTP status codes and writes the
// response.
func writeEscrowError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, escrow.ErrForbidden):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, escrow.ErrCodeMismatch):
		writeError(w, "verification code mismatch", http.StatusForbidden)
	case errors.Is(err, escrow.ErrAlreadyTransitioned):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, escrow.ErrInvalidTransition):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, escrow.ErrNotBeforeSchedule):
		writeError(w, err.Error(), http.StatusConflict)
	case escrow.IsUpstreamTransferError(err):
		logger.Error("upstream transfer failed", "op", op, "error", err)
		writeError(w, "ledger transfer failed", http.StatusBadGateway)
	default:
		logger.Error("internal error", "op", op, "error", err)
		writeError(w, "internal server error", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return fmt.Errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return fmt.Errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid address: must be base58")
	}

	return nil
}

// validateTokenType checks the token type against the supported whitelist.
func validateTokenType(tokenType string) error {
	if tokenType != solana.TokenSOL && tokenType != solana.TokenUSDC {
		return fmt.Errorf("invalid token_type: must be %q or %q", solana.TokenSOL, solana.TokenUSDC)
	}
	return nil
}
