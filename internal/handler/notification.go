package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"

	"github.com/xenking/marketplace-core/internal/checkout"
	"github.com/xenking/marketplace-core/pkg/httpmiddleware"
)

// HeaderSignature optionally carries the webhook signature. Without it the
// signature_key field of the payload is verified.
const HeaderSignature = "X-Signature"

type notificationAck struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome"`
	Payment string `json:"paymentId,omitempty"`
}

// notification acknowledges every verified delivery with 200, including
// duplicates and stale ones, so that the gateway stops retrying. Storage
// failures return 500 and are retried.
func (h *Handler) notification(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.HandleNotification(r.Context(), raw, r.Header.Get(HeaderSignature))
	if err != nil && !errors.Is(err, checkout.ErrStaleNotification) {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationAck{
		Status:  "ok",
		Outcome: string(res.Outcome),
		Payment: res.PaymentID,
	})
}
