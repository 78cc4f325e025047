package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/GFFB0314/Bafoka-teamZ/internal/app"
)

const signatureHeader = "X-Bafoka-Signature"

// Payload paths tried in order; the first non-empty value wins.
var (
	webhookExternalIDPaths = []string{"data.tx_id", "data.transaction_id", "data.id", "tx_id", "transaction_id"}
	webhookStatusPaths     = []string{"data.status", "status"}
)

type webhookResponse struct {
	OK     bool   `json:"ok"`
	Action string `json:"action"`
	Status string `json:"status,omitempty"`
}

// SettlementWebhookHandler receives transfer status notifications from the
// settlement network. Delivery is at least once and unordered; every call is
// handed to the reconciliation handler keyed by external id.
func (h *Handlers) SettlementWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read body")
		return
	}

	if !h.validSignature(r.Header.Get(signatureHeader), body) {
		log.Printf("level=warn component=webhook msg=\"invalid signature\" remote=%s", r.RemoteAddr)
		h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	if !gjson.ValidBytes(body) {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	externalID := firstString(body, webhookExternalIDPaths)
	status := firstString(body, webhookStatusPaths)
	if externalID == "" || status == "" {
		h.writeError(w, http.StatusBadRequest, "Payload must carry a transaction id and a status")
		return
	}

	result, err := h.service.ApplyExternalUpdate(r.Context(), app.ExternalUpdate{
		ExternalID: externalID,
		Status:     status,
		Metadata:   json.RawMessage(body),
		Source:     app.SourceWebhook,
	})
	switch {
	case errors.Is(err, app.ErrTransactionNotFound):
		// Possibly a transfer owned by another deployment; acknowledged so the
		// sender stops retrying.
		log.Printf("level=info component=webhook msg=\"unknown external id; dropping\" external_id=%s status=%q", externalID, status)
		h.writeJSON(w, http.StatusAccepted, webhookResponse{OK: false, Action: "ignored"})
		return
	case errors.Is(err, app.ErrRevertFailed):
		resp := webhookResponse{OK: false, Action: "revert_failed"}
		if result != nil {
			resp.Status = string(result.Status)
		}
		h.writeJSON(w, http.StatusOK, resp)
		return
	case err != nil:
		log.Printf("level=error component=webhook msg=\"applying update failed\" external_id=%s err=%v", externalID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to apply update")
		return
	}

	h.writeJSON(w, http.StatusOK, webhookResponse{OK: true, Action: string(result.Action), Status: string(result.Status)})
}

// validSignature checks an HMAC-SHA256 of the raw body, hex or base64
// encoded, optionally prefixed with "sha256=". Without a configured secret
// every payload is accepted.
func (h *Handlers) validSignature(header string, body []byte) bool {
	if h.webhookSecret == "" {
		log.Printf("level=warn component=webhook msg=\"WEBHOOK_SECRET is not set; skipping signature validation\"")
		return true
	}

	provided := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if provided == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if decoded, err := hex.DecodeString(provided); err == nil && subtle.ConstantTimeCompare(decoded, expected) == 1 {
		return true
	}
	if decoded, err := base64.StdEncoding.DecodeString(provided); err == nil && subtle.ConstantTimeCompare(decoded, expected) == 1 {
		return true
	}
	return false
}

func firstString(body []byte, paths []string) string {
	for _, path := range paths {
		if value := strings.TrimSpace(gjson.GetBytes(body, path).String()); value != "" {
			return value
		}
	}
	return ""
}
