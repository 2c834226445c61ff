package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/marketplace-core/internal/domain/order"
	"github.com/xenking/marketplace-core/internal/domain/payment"
)

type addressBody struct {
	RecipientName string `json:"recipientName"`
	Phone         string `json:"phone"`
	Street        string `json:"street"`
	City          string `json:"city"`
	Province      string `json:"province"`
	PostalCode    string `json:"postalCode"`
	Notes         string `json:"notes,omitempty"`
}

func (a addressBody) domain() order.Address {
	return order.Address{
		RecipientName: a.RecipientName,
		Phone:         a.Phone,
		Street:        a.Street,
		City:          a.City,
		Province:      a.Province,
		PostalCode:    a.PostalCode,
		Notes:         a.Notes,
	}
}

func addressOf(a order.Address) addressBody {
	return addressBody{
		RecipientName: a.RecipientName,
		Phone:         a.Phone,
		Street:        a.Street,
		City:          a.City,
		Province:      a.Province,
		PostalCode:    a.PostalCode,
		Notes:         a.Notes,
	}
}

type itemView struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type prescriptionView struct {
	Required   bool       `json:"required"`
	Verified   bool       `json:"verified"`
	VerifiedBy string     `json:"verifiedBy,omitempty"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
}

type historyView struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
	Actor  string    `json:"actor,omitempty"`
	Note   string    `json:"note,omitempty"`
}

type orderView struct {
	ID              string           `json:"id"`
	Number          string           `json:"number"`
	CustomerID      string           `json:"customerId"`
	Status          string           `json:"status"`
	PaymentStatus   string           `json:"paymentStatus"`
	PaymentMethod   string           `json:"paymentMethod"`
	Currency        string           `json:"currency"`
	Items           []itemView       `json:"items"`
	Subtotal        decimal.Decimal  `json:"subtotal"`
	ShippingCost    decimal.Decimal  `json:"shippingCost"`
	Tax             decimal.Decimal  `json:"tax"`
	Total           decimal.Decimal  `json:"total"`
	ShippingAddress addressBody      `json:"shippingAddress"`
	Prescription    prescriptionView `json:"prescription"`
	History         []historyView    `json:"history"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`

	// Set only by order creation.
	Payment      *paymentView `json:"payment,omitempty"`
	PaymentError string       `json:"paymentError,omitempty"`
}

func orderOf(o *order.Order) orderView {
	v := orderView{
		ID:              o.ID,
		Number:          o.Number,
		CustomerID:      o.CustomerID,
		Status:          string(o.Status),
		PaymentStatus:   string(o.PaymentStatus),
		PaymentMethod:   o.PaymentMethod,
		Currency:        o.Currency,
		Items:           make([]itemView, len(o.Items)),
		Subtotal:        o.Subtotal,
		ShippingCost:    o.ShippingCost,
		Tax:             o.Tax,
		Total:           o.Total,
		ShippingAddress: addressOf(o.ShippingAddress),
		Prescription: prescriptionView{
			Required:   o.Prescription.Required,
			Verified:   o.Prescription.Verified,
			VerifiedBy: o.Prescription.VerifiedBy,
			VerifiedAt: o.Prescription.VerifiedAt,
		},
		History:   make([]historyView, len(o.History)),
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	for i, it := range o.Items {
		v.Items[i] = itemView{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Subtotal:  it.Subtotal,
		}
	}
	for i, h := range o.History {
		v.History[i] = historyView{
			Status: string(h.Status),
			At:     h.At,
			Actor:  h.Actor,
			Note:   h.Note,
		}
	}
	return v
}

type paymentView struct {
	ID             string          `json:"id"`
	Attempt        int             `json:"attempt"`
	Gateway        string          `json:"gateway"`
	Method         string          `json:"method"`
	Status         string          `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	GatewayOrderID string          `json:"gatewayOrderId,omitempty"`
	Token          string          `json:"token,omitempty"`
	RedirectURL    string          `json:"redirectUrl,omitempty"`
	PaidAt         *time.Time      `json:"paidAt,omitempty"`
	ExpiredAt      *time.Time      `json:"expiredAt,omitempty"`
	CancelledAt    *time.Time      `json:"cancelledAt,omitempty"`
	RefundedAt     *time.Time      `json:"refundedAt,omitempty"`
	FailedAt       *time.Time      `json:"failedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func paymentOf(p *payment.Payment) *paymentView {
	return &paymentView{
		ID:             p.ID,
		Attempt:        p.Attempt,
		Gateway:        string(p.Gateway),
		Method:         p.Method,
		Status:         string(p.Status),
		Amount:         p.Amount,
		Currency:       p.Currency,
		GatewayOrderID: p.GatewayOrderID,
		Token:          p.Token,
		RedirectURL:    p.RedirectURL,
		PaidAt:         p.PaidAt,
		ExpiredAt:      p.ExpiredAt,
		CancelledAt:    p.CancelledAt,
		RefundedAt:     p.RefundedAt,
		FailedAt:       p.FailedAt,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

type transactionView struct {
	ID          string          `json:"id"`
	PaymentID   string          `json:"paymentId"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	Description string          `json:"description,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func transactionOf(t payment.Transaction) transactionView {
	return transactionView{
		ID:          t.ID,
		PaymentID:   t.PaymentID,
		Type:        string(t.Type),
		Amount:      t.Amount,
		Currency:    t.Currency,
		Status:      string(t.Status),
		Description: t.Description,
		Reference:   t.Reference,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}
