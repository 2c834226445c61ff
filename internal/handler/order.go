package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/marketplace-core/internal/checkout"
	"github.com/xenking/marketplace-core/internal/domain/auth"
	"github.com/xenking/marketplace-core/internal/domain/order"
)

type orderItemBody struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type createOrderBody struct {
	Items           []orderItemBody `json:"items"`
	ShippingAddress addressBody     `json:"shippingAddress"`
	PaymentMethod   string          `json:"paymentMethod"`
}

type transitionBody struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

// principal is set by SecurityHandler.Require on every authenticated route.
func principal(r *http.Request) *auth.APIKeyInfo {
	info, _ := auth.PrincipalFrom(r.Context())
	return info
}

// actor names the caller in order history.
func actor(info *auth.APIKeyInfo) string {
	if info.CustomerID != "" {
		return info.CustomerID
	}
	return info.Name
}

// visibleOrder returns the order when the caller may see it. Staff keys see
// every order; customer keys only their own.
func (h *Handler) visibleOrder(ctx context.Context, info *auth.APIKeyInfo, id string) (*order.Order, error) {
	if info.HasScope(auth.ScopeFulfillment) {
		return h.svc.Order(ctx, id)
	}
	return h.svc.CustomerOrder(ctx, info.CustomerID, id)
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := principal(r)

	var body createOrderBody
	if !h.decode(w, r, &body) {
		return
	}
	in := checkout.CreateOrderInput{
		CustomerID:      info.CustomerID,
		Items:           make([]checkout.ItemInput, len(body.Items)),
		ShippingAddress: body.ShippingAddress.domain(),
		PaymentMethod:   body.PaymentMethod,
	}
	for i, it := range body.Items {
		in.Items[i] = checkout.ItemInput{ProductID: it.ProductID, Quantity: it.Quantity}
	}

	o, err := h.svc.CreateOrder(ctx, in)
	if err != nil {
		fail(w, r, err)
		return
	}

	// The order stands even when payment initiation fails; the client retries
	// through POST /orders/{id}/payments.
	p, payErr := h.svc.InitiatePayment(ctx, o.ID)
	if fresh, err := h.svc.Order(ctx, o.ID); err == nil {
		o = fresh
	}
	resp := orderOf(o)
	if p != nil {
		resp.Payment = paymentOf(p)
	}
	if payErr != nil {
		zctx.From(ctx).Warn("Payment initiation failed",
			zap.String("order_id", o.ID),
			zap.Error(payErr),
		)
		_, resp.PaymentError = errorStatus(payErr)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) myOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.OrdersByCustomer(r.Context(), principal(r).CustomerID)
	if err != nil {
		fail(w, r, err)
		return
	}
	resp := make([]orderView, len(orders))
	for i := range orders {
		resp[i] = orderOf(&orders[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.visibleOrder(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderOf(o))
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info := principal(r)

	var body cancelBody
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	o, err := h.visibleOrder(ctx, info, r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	note := body.Reason
	if note == "" {
		note = "cancelled by " + actor(info)
	}
	o, err = h.svc.Cancel(ctx, o.ID, actor(info), note)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderOf(o))
}

func (h *Handler) initiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	o, err := h.visibleOrder(ctx, principal(r), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	p, err := h.svc.InitiatePayment(ctx, o.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentOf(p))
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	o, err := h.visibleOrder(ctx, principal(r), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	payments, err := h.svc.Payments(ctx, o.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	resp := make([]*paymentView, len(payments))
	for i := range payments {
		resp[i] = paymentOf(&payments[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	o, err := h.visibleOrder(ctx, principal(r), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	txs, err := h.svc.Transactions(ctx, o.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	resp := make([]transactionView, len(txs))
	for i, t := range txs {
		resp[i] = transactionOf(t)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.Status == "" {
		fail(w, r, errMissingStatus)
		return
	}
	o, err := h.svc.Transition(r.Context(), checkout.TransitionInput{
		OrderID: r.PathValue("id"),
		To:      order.Status(body.Status),
		Actor:   actor(principal(r)),
		Note:    body.Note,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderOf(o))
}

func (h *Handler) verifyPrescription(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.VerifyPrescription(r.Context(), r.PathValue("id"), principal(r).Name)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderOf(o))
}
