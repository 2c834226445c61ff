package gateway

// Kind enumerates the transaction statuses the reconciliation table
// recognizes. Anything else decodes to KindUnrecognized.
type Kind uint8

const (
	KindUnrecognized Kind = iota
	KindAuthorize
	KindCapture
	KindSettlement
	KindPending
	KindDeny
	KindCancel
	KindExpire
	KindFailure
	KindRefund
	KindPartialRefund
)

var kindNames = map[string]Kind{
	"authorize":      KindAuthorize,
	"capture":        KindCapture,
	"settlement":     KindSettlement,
	"pending":        KindPending,
	"deny":           KindDeny,
	"cancel":         KindCancel,
	"expire":         KindExpire,
	"failure":        KindFailure,
	"refund":         KindRefund,
	"partial_refund": KindPartialRefund,
}

func (k Kind) String() string {
	for name, v := range kindNames {
		if v == k {
			return name
		}
	}
	return "unrecognized"
}

// Fraud is the gateway's fraud verdict attached to card captures.
type Fraud uint8

const (
	FraudNone Fraud = iota
	FraudAccept
	FraudChallenge
	FraudDeny
)

// Status is a tagged union over the gateway status vocabulary. Raw keeps
// the original string so unrecognized values can be logged.
type Status struct {
	Kind  Kind
	Fraud Fraud
	Raw   string
}

// ParseStatus decodes the gateway's transaction_status and fraud_status.
func ParseStatus(transactionStatus, fraudStatus string) Status {
	s := Status{Kind: kindNames[transactionStatus], Raw: transactionStatus}
	switch fraudStatus {
	case "accept":
		s.Fraud = FraudAccept
	case "challenge":
		s.Fraud = FraudChallenge
	case "deny":
		s.Fraud = FraudDeny
	}
	return s
}

func (s Status) String() string {
	if s.Kind == KindUnrecognized {
		return "unrecognized(" + s.Raw + ")"
	}
	return s.Kind.String()
}
