package main

import (
	"context"
	"io"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"

	"github.com/xenking/marketplace-core/internal/domain/payment"
)

// ledgerSource is implemented by both ledger stores.
type ledgerSource interface {
	EachTransaction(ctx context.Context, since time.Time, fn func(payment.Transaction) error) error
}

// export writes every ledger entry created at or after since to w as
// gzip-compressed JSON lines and returns the number of entries written.
func export(ctx context.Context, src ledgerSource, since time.Time, w io.Writer) (int, error) {
	gz := pgzip.NewWriter(w)

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	var n int
	err := src.EachTransaction(ctx, since, func(t payment.Transaction) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.Reset()
		encodeTransaction(e, t)
		e.RawStr("\n")
		if _, err := gz.Write(e.Bytes()); err != nil {
			return errors.Wrapf(err, "write transaction %s", t.ID)
		}
		n++
		return nil
	})
	if err != nil {
		_ = gz.Close()
		return n, errors.Wrap(err, "stream transactions")
	}
	if err := gz.Close(); err != nil {
		return n, errors.Wrap(err, "flush gzip")
	}
	return n, nil
}

func encodeTransaction(e *jx.Encoder, t payment.Transaction) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(t.ID)
	e.FieldStart("orderId")
	e.Str(t.OrderID)
	if t.PaymentID != "" {
		e.FieldStart("paymentId")
		e.Str(t.PaymentID)
	}
	e.FieldStart("customerId")
	e.Str(t.CustomerID)
	e.FieldStart("type")
	e.Str(string(t.Type))
	e.FieldStart("amount")
	e.Str(t.Amount.String())
	e.FieldStart("currency")
	e.Str(t.Currency)
	e.FieldStart("status")
	e.Str(string(t.Status))
	if t.Description != "" {
		e.FieldStart("description")
		e.Str(t.Description)
	}
	if t.Reference != "" {
		e.FieldStart("reference")
		e.Str(t.Reference)
	}
	if len(t.Metadata) > 0 {
		e.FieldStart("metadata")
		e.Raw(t.Metadata)
	}
	e.FieldStart("createdAt")
	e.Str(t.CreatedAt.UTC().Format(time.RFC3339Nano))
	e.FieldStart("updatedAt")
	e.Str(t.UpdatedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
}
