package order

import (
	"time"

	"github.com/go-faster/errors"
)

// graph lists the statuses reachable from each status.
var graph = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusRefunded},
	StatusDelivered:  {StatusRefunded},
}

// CanTransition reports whether the edge from -> to exists, ignoring guards.
func CanTransition(from, to Status) bool {
	for _, s := range graph[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Statuses returns every order status.
func Statuses() []Status {
	return []Status{
		StatusPending, StatusConfirmed, StatusProcessing, StatusShipped,
		StatusDelivered, StatusCancelled, StatusRefunded,
	}
}

// CheckTransition validates the edge and its guards without mutating o.
func (o *Order) CheckTransition(to Status) error {
	if !CanTransition(o.Status, to) {
		return &IllegalTransitionError{From: o.Status, To: to}
	}
	switch to {
	case StatusConfirmed:
		if o.PaymentStatus != PaymentPaid && !o.IsCOD() && !o.IsManual() {
			return &IllegalTransitionError{From: o.Status, To: to, Reason: ErrPaymentRequired.Error()}
		}
	case StatusProcessing:
		if o.Prescription.Required && !o.Prescription.Verified {
			return &IllegalTransitionError{From: o.Status, To: to, Reason: ErrPrescriptionRequired.Error()}
		}
	case StatusCancelled:
		// A settled payment must be refunded before the order can be dropped.
		if o.PaymentStatus == PaymentPaid {
			return &IllegalTransitionError{From: o.Status, To: to, Reason: "order is paid"}
		}
	case StatusRefunded:
		if o.PaymentStatus != PaymentRefunded {
			return &IllegalTransitionError{From: o.Status, To: to, Reason: "payment not refunded"}
		}
	}
	return nil
}

// Transition moves o to the target status and appends one history entry.
// On error o is left untouched.
func (o *Order) Transition(to Status, actor, note string, at time.Time) error {
	if err := o.CheckTransition(to); err != nil {
		return err
	}
	o.Status = to
	o.appendHistory(to, actor, note, at)
	return nil
}

func (o *Order) appendHistory(s Status, actor, note string, at time.Time) {
	if n := len(o.History); n > 0 && at.Before(o.History[n-1].At) {
		at = o.History[n-1].At
	}
	o.History = append(o.History, StatusChange{Status: s, At: at, Actor: actor, Note: note})
	o.UpdatedAt = at
}

// VerifyPrescription records the verifier once. Orders without a
// prescription requirement cannot be verified.
func (o *Order) VerifyPrescription(verifier string, at time.Time) error {
	if !o.Prescription.Required {
		return ErrPrescriptionNotRequired
	}
	if o.Prescription.Verified {
		return ErrPrescriptionVerified
	}
	if o.Status.Terminal() {
		return &IllegalTransitionError{From: o.Status, To: o.Status, Reason: "order is closed"}
	}
	o.Prescription.Verified = true
	o.Prescription.VerifiedBy = verifier
	o.Prescription.VerifiedAt = &at
	o.UpdatedAt = at
	return nil
}

// Validate checks the invariants every persisted order must satisfy.
func (o *Order) Validate() error {
	if len(o.Items) == 0 {
		return ErrEmptyItems
	}
	if !o.Total.Equal(o.Subtotal.Add(o.ShippingCost).Add(o.Tax)) {
		return errors.Wrap(ErrInvariant, "total != subtotal + shipping + tax")
	}
	n := len(o.History)
	if n == 0 {
		return errors.Wrap(ErrInvariant, "empty status history")
	}
	if o.History[n-1].Status != o.Status {
		return errors.Wrapf(ErrInvariant, "history ends in %s, status is %s", o.History[n-1].Status, o.Status)
	}
	for i := 1; i < n; i++ {
		if o.History[i].At.Before(o.History[i-1].At) {
			return errors.Wrap(ErrInvariant, "status history goes back in time")
		}
	}
	return nil
}
