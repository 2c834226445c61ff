// Package midtrans implements gateway.Client for the Midtrans Snap and Core
// APIs.
package midtrans

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/xenking/marketplace-core/internal/gateway"
)

const (
	SandboxSnapURL = "https://app.sandbox.midtrans.com"
	SandboxAPIURL  = "https://api.sandbox.midtrans.com"
)

// Options configures the client.
type Options struct {
	ServerKey string
	SnapURL   string
	APIURL    string
	Retry     gateway.RetryPolicy
	// Transport overrides the base round tripper. Used in tests.
	Transport http.RoundTripper
}

// Client talks to Midtrans over HTTP.
type Client struct {
	serverKey string
	snapURL   string
	apiURL    string
	retry     gateway.RetryPolicy
	http      *http.Client
}

var _ gateway.Client = (*Client)(nil)

// New creates a client. Outgoing requests are traced through otelhttp.
func New(opts Options) (*Client, error) {
	if opts.ServerKey == "" {
		return nil, errors.New("server key is required")
	}
	if opts.SnapURL == "" {
		opts.SnapURL = SandboxSnapURL
	}
	if opts.APIURL == "" {
		opts.APIURL = SandboxAPIURL
	}
	if opts.Retry == (gateway.RetryPolicy{}) {
		opts.Retry = gateway.DefaultRetryPolicy()
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		serverKey: opts.ServerKey,
		snapURL:   strings.TrimRight(opts.SnapURL, "/"),
		apiURL:    strings.TrimRight(opts.APIURL, "/"),
		retry:     opts.Retry,
		http: &http.Client{
			Transport: otelhttp.NewTransport(base),
		},
	}, nil
}

type transactionDetails struct {
	OrderID     string `json:"order_id"`
	GrossAmount int64  `json:"gross_amount"`
}

type customerDetails struct {
	FirstName string `json:"first_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type itemDetail struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
}

type snapRequest struct {
	TransactionDetails transactionDetails `json:"transaction_details"`
	CustomerDetails    customerDetails    `json:"customer_details"`
	ItemDetails        []itemDetail       `json:"item_details,omitempty"`
	EnabledPayments    []string           `json:"enabled_payments,omitempty"`
}

type snapResponse struct {
	Token         string   `json:"token"`
	RedirectURL   string   `json:"redirect_url"`
	ErrorMessages []string `json:"error_messages"`
}

// CreateTransaction opens a Snap transaction. Item lines are omitted when
// their sum does not match the gross amount, since Midtrans rejects such
// requests.
func (c *Client) CreateTransaction(ctx context.Context, req gateway.TransactionRequest) (*gateway.TransactionResponse, error) {
	body := snapRequest{
		TransactionDetails: transactionDetails{
			OrderID:     req.OrderID,
			GrossAmount: req.Amount.Round(0).IntPart(),
		},
		CustomerDetails: customerDetails{
			FirstName: req.Customer.Name,
			Phone:     req.Customer.Phone,
		},
	}
	var sum int64
	for _, it := range req.Items {
		price := it.Price.Round(0).IntPart()
		sum += price * int64(it.Quantity)
		body.ItemDetails = append(body.ItemDetails, itemDetail{
			ID:       it.ID,
			Name:     truncate(it.Name, 50),
			Price:    price,
			Quantity: it.Quantity,
		})
	}
	if sum != body.TransactionDetails.GrossAmount {
		body.ItemDetails = nil
	}
	if req.Method != "" {
		body.EnabledPayments = []string{req.Method}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}

	var resp snapResponse
	raw, err := c.do(ctx, http.MethodPost, c.snapURL+"/snap/v1/transactions", payload, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Token == "" {
		return nil, &gateway.RejectedError{StatusCode: http.StatusOK, Message: "empty token"}
	}
	return &gateway.TransactionResponse{
		Token:       resp.Token,
		RedirectURL: resp.RedirectURL,
		Status:      gateway.ParseStatus("pending", ""),
		Raw:         raw,
	}, nil
}

// QueryStatus polls the status of a transaction by gateway order id or
// transaction id.
func (c *Client) QueryStatus(ctx context.Context, id string) (*gateway.StatusResult, error) {
	raw, err := c.do(ctx, http.MethodGet, c.apiURL+"/v2/"+id+"/status", nil, nil)
	if err != nil {
		return nil, err
	}
	n, err := decodeNotification(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode status")
	}
	// Core API reports missing transactions with HTTP 200.
	if n.StatusCode == "404" {
		return nil, gateway.ErrNotFound
	}
	return &gateway.StatusResult{
		OrderID:       n.OrderID,
		TransactionID: n.TransactionID,
		Status:        n.Status,
		Raw:           raw,
	}, nil
}

// Cancel cancels a pending transaction.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	_, err := c.do(ctx, http.MethodPost, c.apiURL+"/v2/"+orderID+"/cancel", nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, dst any) (json.RawMessage, error) {
	var raw []byte
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return gateway.Permanent(errors.Wrap(err, "create request"))
		}
		req.SetBasicAuth(c.serverKey, "")
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return errors.Wrap(err, "send request")
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return errors.Wrap(err, "read response")
		}

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return errors.Errorf("gateway status %d", resp.StatusCode)
		case resp.StatusCode == http.StatusNotFound:
			return gateway.Permanent(gateway.ErrNotFound)
		case resp.StatusCode >= 400:
			return gateway.Permanent(&gateway.RejectedError{
				StatusCode: resp.StatusCode,
				Message:    errorMessage(data),
			})
		}
		raw = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	if dst != nil {
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, &gateway.RejectedError{StatusCode: http.StatusOK, Message: "invalid response body"}
		}
	}
	return raw, nil
}

func errorMessage(data []byte) string {
	var resp snapResponse
	if err := json.Unmarshal(data, &resp); err == nil && len(resp.ErrorMessages) > 0 {
		return strings.Join(resp.ErrorMessages, "; ")
	}
	d := jx.DecodeBytes(data)
	var msg string
	_ = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) == "status_message" {
			s, err := d.Str()
			msg = s
			return err
		}
		return d.Skip()
	})
	if msg == "" {
		msg = http.StatusText(http.StatusBadRequest)
	}
	return msg
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
