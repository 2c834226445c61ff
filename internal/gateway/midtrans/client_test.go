package midtrans

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/marketplace-core/internal/gateway"
)

const testServerKey = "SB-Mid-server-test"

func fastRetry() gateway.RetryPolicy {
	return gateway.RetryPolicy{
		Attempt:        500 * time.Millisecond,
		Total:          2 * time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Options{
		ServerKey: testServerKey,
		SnapURL:   srv.URL,
		APIURL:    srv.URL,
		Retry:     fastRetry(),
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresServerKey(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestCreateTransaction(t *testing.T) {
	var got snapRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/snap/v1/transactions", r.URL.Path)
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, testServerKey, user)

		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"tok-1","redirect_url":"https://pay.example/tok-1"}`))
	}))

	resp, err := c.CreateTransaction(context.Background(), gateway.TransactionRequest{
		OrderID:  "ORD-20260101-ABCDEFGH-1",
		Amount:   decimal.NewFromInt(76050),
		Currency: "IDR",
		Customer: gateway.Customer{ID: "c1", Name: "Budi"},
		Items: []gateway.Item{
			{ID: "p1", Name: "Paracetamol", Price: decimal.NewFromInt(76050), Quantity: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", resp.Token)
	assert.Equal(t, "https://pay.example/tok-1", resp.RedirectURL)

	assert.Equal(t, "ORD-20260101-ABCDEFGH-1", got.TransactionDetails.OrderID)
	assert.Equal(t, int64(76050), got.TransactionDetails.GrossAmount)
	assert.Len(t, got.ItemDetails, 1)
}

func TestCreateTransaction_DropsMismatchedItems(t *testing.T) {
	var got snapRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"token":"tok","redirect_url":"u"}`))
	}))

	_, err := c.CreateTransaction(context.Background(), gateway.TransactionRequest{
		OrderID: "o-1",
		Amount:  decimal.NewFromInt(76050),
		Items: []gateway.Item{
			{ID: "p1", Price: decimal.NewFromInt(25000), Quantity: 2},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, got.ItemDetails)
}

func TestCreateTransaction_Rejected(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_messages":["transaction_details.order_id has already been taken"]}`))
	}))

	_, err := c.CreateTransaction(context.Background(), gateway.TransactionRequest{OrderID: "o-1", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, gateway.ErrRejected)

	var rejected *gateway.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusBadRequest, rejected.StatusCode)
	assert.Contains(t, rejected.Message, "already been taken")
	assert.Equal(t, int32(1), calls.Load(), "rejections are not retried")
}

func TestCreateTransaction_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"token":"tok","redirect_url":"u"}`))
	}))

	resp, err := c.CreateTransaction(context.Background(), gateway.TransactionRequest{OrderID: "o-1", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.Token)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCreateTransaction_Timeout(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.CreateTransaction(context.Background(), gateway.TransactionRequest{OrderID: "o-1", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, gateway.ErrTimeout)
}

func TestQueryStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/o-1/status", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"status_code":"200",
			"order_id":"o-1",
			"transaction_id":"tx-9",
			"transaction_status":"capture",
			"fraud_status":"challenge",
			"gross_amount":"76050.00"
		}`))
	}))

	res, err := c.QueryStatus(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", res.OrderID)
	assert.Equal(t, "tx-9", res.TransactionID)
	assert.Equal(t, gateway.KindCapture, res.Status.Kind)
	assert.Equal(t, gateway.FraudChallenge, res.Status.Fraud)
}

func TestQueryStatus_NotFound(t *testing.T) {
	t.Run("http 404", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		_, err := c.QueryStatus(context.Background(), "o-1")
		require.ErrorIs(t, err, gateway.ErrNotFound)
	})

	t.Run("status code in body", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"status_code":"404","status_message":"Transaction doesn't exist."}`))
		}))
		_, err := c.QueryStatus(context.Background(), "o-1")
		require.ErrorIs(t, err, gateway.ErrNotFound)
	})
}

func TestCancel(t *testing.T) {
	var path string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"status_code":"200","transaction_status":"cancel"}`))
	}))

	require.NoError(t, c.Cancel(context.Background(), "o-1"))
	assert.Equal(t, "/v2/o-1/cancel", path)
}
