package server

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/skip2/go-qrcode"

	"github.com/brojonat/paylock/service/config"
)

// buildClaimURL creates the link a recipient opens to claim a payment. The
// claim code is never part of the URL; the recipient enters it on the claim
// page.
func buildClaimURL(baseURL, digest string) string {
	return fmt.Sprintf("%s/claim/%s", baseURL, url.PathEscape(digest))
}

// generateQRCode creates a QR code image from a claim URL and returns it as
// base64-encoded PNG.
func generateQRCode(data string) (string, error) {
	png, err := qrcode.Encode(data, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("failed to generate QR code: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

// attachClaimLink fills in the claim URL and QR code on a creation response.
// QR generation is optional; a failure is reported as a response warning.
func attachClaimLink(resp *paymentResponse, cfg *config.Config, digest string, logger *slog.Logger) {
	resp.ClaimURL = buildClaimURL(cfg.ClaimBaseURL, digest)
	qr, err := generateQRCode(resp.ClaimURL)
	if err != nil {
		logger.Warn("failed to generate claim QR code", "digest", digest, "error", err)
		resp.Warnings = append(resp.Warnings, "claim QR code unavailable")
		return
	}
	resp.QRCodeData = qr
}

// attachBulkClaimLink does the same for one bulk recipient slot.
func attachBulkClaimLink(resp *bulkRecipientResponse, cfg *config.Config, digest string, logger *slog.Logger) {
	resp.ClaimURL = buildClaimURL(cfg.ClaimBaseURL, digest)
	qr, err := generateQRCode(resp.ClaimURL)
	if err != nil {
		logger.Warn("failed to generate claim QR code", "digest", digest, "error", err)
		return
	}
	resp.QRCodeData = qr
}
