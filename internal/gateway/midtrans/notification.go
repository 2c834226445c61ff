package midtrans

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/marketplace-core/internal/gateway"
)

// ParseNotification decodes a webhook body. The body must be a JSON object
// carrying at least order_id and transaction_status.
func (c *Client) ParseNotification(raw []byte) (*gateway.Notification, error) {
	n, err := decodeNotification(raw)
	if err != nil {
		return nil, errors.Wrap(gateway.ErrMalformed, err.Error())
	}
	if n.OrderID == "" || n.Status.Raw == "" {
		return nil, errors.Wrap(gateway.ErrMalformed, "missing order_id or transaction_status")
	}
	return n, nil
}

// decodeNotification reads the fields shared by notifications and status
// responses. Numbers are kept verbatim because the signature covers the
// exact gross_amount text.
func decodeNotification(raw []byte) (*gateway.Notification, error) {
	n := &gateway.Notification{Raw: append([]byte(nil), raw...)}
	var txStatus, fraud string
	d := jx.DecodeBytes(raw)
	if d.Next() != jx.Object {
		return nil, errors.New("expected object")
	}
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var (
			v   string
			err error
		)
		switch string(key) {
		case "order_id":
			v, err = scalar(d)
			n.OrderID = v
		case "transaction_id":
			v, err = scalar(d)
			n.TransactionID = v
		case "status_code":
			v, err = scalar(d)
			n.StatusCode = v
		case "gross_amount":
			v, err = scalar(d)
			n.GrossAmount = v
		case "payment_type":
			v, err = scalar(d)
			n.PaymentType = v
		case "signature_key":
			v, err = scalar(d)
			n.Signature = v
		case "transaction_status":
			txStatus, err = scalar(d)
		case "fraud_status":
			fraud, err = scalar(d)
		default:
			return d.Skip()
		}
		return err
	}); err != nil {
		return nil, err
	}
	n.Status = gateway.ParseStatus(txStatus, fraud)
	return n, nil
}

// scalar reads a string or number as text. Null decodes to empty.
func scalar(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		num, err := d.Num()
		if err != nil {
			return "", err
		}
		return num.String(), nil
	case jx.Null:
		return "", d.Null()
	default:
		return "", errors.New("expected scalar")
	}
}

// Signature computes the hex SHA-512 of order_id, status_code, gross_amount
// and the server key.
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

// VerifySignature compares signature, or the payload's signature_key when
// signature is empty, against the expected value in constant time.
func (c *Client) VerifySignature(n *gateway.Notification, signature string) bool {
	if signature == "" {
		signature = n.Signature
	}
	if signature == "" {
		return false
	}
	expected := Signature(n.OrderID, n.StatusCode, n.GrossAmount, c.serverKey)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
