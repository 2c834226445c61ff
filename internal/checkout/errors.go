package checkout

import (
	"github.com/go-faster/errors"

	"github.com/xenking/marketplace-core/internal/gateway"
)

// Webhook and scheduler errors. None of them leave partial writes behind.
var (
	ErrSignatureInvalid  = errors.New("notification signature invalid")
	ErrUnknownPayment    = errors.New("unknown payment")
	ErrStaleNotification = errors.New("stale notification")
	ErrNotExpired        = errors.New("payment has not expired")
	ErrPaymentNotAllowed = errors.New("order does not accept a new payment")
	ErrGatewayDisabled   = errors.New("online payments are not configured")

	ErrMalformedNotification = gateway.ErrMalformed
)
