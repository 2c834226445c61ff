// Package handler exposes the checkout core over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/marketplace-core/internal/checkout"
	"github.com/xenking/marketplace-core/internal/domain/auth"
	"github.com/xenking/marketplace-core/internal/domain/order"
	"github.com/xenking/marketplace-core/internal/domain/payment"
	"github.com/xenking/marketplace-core/internal/gateway"
	"github.com/xenking/marketplace-core/pkg/httpmiddleware"
)

// NotificationPath receives gateway webhooks.
const NotificationPath = "/payments/notification"

var errMissingStatus = errors.New("status is required")

// Checkout is the part of checkout.Service the API calls.
type Checkout interface {
	CreateOrder(ctx context.Context, in checkout.CreateOrderInput) (*order.Order, error)
	InitiatePayment(ctx context.Context, orderID string) (*payment.Payment, error)
	Order(ctx context.Context, id string) (*order.Order, error)
	CustomerOrder(ctx context.Context, customerID, id string) (*order.Order, error)
	OrdersByCustomer(ctx context.Context, customerID string) ([]order.Order, error)
	Cancel(ctx context.Context, orderID, actor, note string) (*order.Order, error)
	Transition(ctx context.Context, in checkout.TransitionInput) (*order.Order, error)
	VerifyPrescription(ctx context.Context, orderID, verifier string) (*order.Order, error)
	Transactions(ctx context.Context, orderID string) ([]payment.Transaction, error)
	Payments(ctx context.Context, orderID string) ([]payment.Payment, error)
	HandleNotification(ctx context.Context, raw []byte, signature string) (*checkout.Result, error)
}

var _ Checkout = (*checkout.Service)(nil)

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// MaxBodyBytes bounds request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64
}

// Handler serves the order and payment API.
type Handler struct {
	svc     Checkout
	sec     *SecurityHandler
	maxBody int64
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig, svc Checkout, sec *SecurityHandler) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{
		svc:     svc,
		sec:     sec,
		maxBody: cfg.MaxBodyBytes,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	var (
		customer    = h.sec.Require(auth.ScopeOrders)
		staff       = h.sec.Require(auth.ScopeFulfillment)
		pharmacist  = h.sec.Require(auth.ScopePharmacist)
		anyOrderKey = h.sec.Require(auth.ScopeOrders, auth.ScopeFulfillment)
	)

	mux.Handle("POST /orders", customer(http.HandlerFunc(h.createOrder)))
	mux.Handle("GET /orders/my-orders", customer(http.HandlerFunc(h.myOrders)))
	mux.Handle("GET /orders/{id}", anyOrderKey(http.HandlerFunc(h.getOrder)))
	mux.Handle("PATCH /orders/{id}/cancel", anyOrderKey(http.HandlerFunc(h.cancelOrder)))
	mux.Handle("POST /orders/{id}/payments", customer(http.HandlerFunc(h.initiatePayment)))
	mux.Handle("GET /orders/{id}/payments", anyOrderKey(http.HandlerFunc(h.listPayments)))
	mux.Handle("GET /orders/{id}/transactions", anyOrderKey(http.HandlerFunc(h.listTransactions)))
	mux.Handle("POST /orders/{id}/status", staff(http.HandlerFunc(h.transition)))
	mux.Handle("POST /orders/{id}/prescription", pharmacist(http.HandlerFunc(h.verifyPrescription)))

	// Authenticated by the gateway signature, not by API key.
	mux.HandleFunc("POST "+NotificationPath, h.notification)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(dst); err != nil {
		httpmiddleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// fail maps a service error onto a {code, message} response. Internal errors
// are logged and hidden from the client.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := errorStatus(err)
	if code >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	httpmiddleware.WriteError(w, code, msg)
}

func errorStatus(err error) (int, string) {
	var (
		quantity *order.InvalidQuantityError
		unknown  *order.ProductNotFoundError
	)
	switch {
	case errors.Is(err, order.ErrEmptyItems), errors.Is(err, errMissingStatus):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &quantity),
		errors.As(err, &unknown),
		errors.Is(err, order.ErrInvalidAddress),
		errors.Is(err, order.ErrInsufficientStock):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, order.ErrIllegalTransition),
		errors.Is(err, order.ErrPrescriptionRequired),
		errors.Is(err, order.ErrPaymentRequired),
		errors.Is(err, order.ErrPrescriptionNotRequired),
		errors.Is(err, order.ErrPrescriptionVerified),
		errors.Is(err, checkout.ErrPaymentNotAllowed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, checkout.ErrSignatureInvalid):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, checkout.ErrUnknownPayment):
		return http.StatusNotFound, "unknown payment"
	case errors.Is(err, checkout.ErrMalformedNotification):
		return http.StatusBadRequest, "malformed notification"
	case errors.Is(err, checkout.ErrGatewayDisabled):
		return http.StatusServiceUnavailable, "online payments are not available"
	case errors.Is(err, gateway.ErrRejected):
		return http.StatusBadGateway, "payment gateway rejected the request"
	case errors.Is(err, gateway.ErrTimeout):
		return http.StatusGatewayTimeout, "payment gateway timeout"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
