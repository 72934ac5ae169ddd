package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, tokenCalls *int64) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-token",
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var payload struct {
			Intent        string `json:"intent"`
			PurchaseUnits []struct {
				ReferenceID string `json:"reference_id"`
				Amount      struct {
					CurrencyCode string `json:"currency_code"`
					Value        string `json:"value"`
				} `json:"amount"`
			} `json:"purchase_units"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if payload.Intent != "CAPTURE" || len(payload.PurchaseUnits) != 1 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}

		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{
			"id": "5O190127TN364715T",
			"status": "CREATED",
			"links": [
				{"href": "https://example.com/self", "rel": "self"},
				{"href": "https://example.com/approve/5O190127TN364715T", "rel": "approve"}
			]
		}`)
	})

	mux.HandleFunc("/v2/checkout/orders/5O190127TN364715T/capture", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "5O190127TN364715T", "status": "COMPLETED"}`)
	})

	mux.HandleFunc("/v2/checkout/orders/DENIED-ID/capture", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"name": "UNPROCESSABLE_ENTITY"}`)
	})

	return httptest.NewServer(mux)
}

func TestCreateAndCaptureOrder(t *testing.T) {
	var tokenCalls int64
	server := newTestServer(t, &tokenCalls)
	defer server.Close()

	client := NewClient(Config{
		BaseURL:      server.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	})
	require.True(t, client.Configured())

	ctx := context.Background()

	order, err := client.CreateOrder(ctx, "ORD-123", decimal.RequireFromString("1798.00"), "USD")
	require.NoError(t, err)
	assert.Equal(t, "5O190127TN364715T", order.ID)
	assert.Equal(t, "CREATED", order.Status)
	assert.Equal(t, "https://example.com/approve/5O190127TN364715T", order.ApproveURL)
	assert.NotEmpty(t, order.Raw)

	capture, err := client.CaptureOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", capture.Status)

	// The token endpoint is only hit once; the cached token covers both calls.
	assert.Equal(t, int64(1), atomic.LoadInt64(&tokenCalls))
}

func TestCaptureOrderAPIError(t *testing.T) {
	var tokenCalls int64
	server := newTestServer(t, &tokenCalls)
	defer server.Close()

	client := NewClient(Config{
		BaseURL:      server.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	})

	_, err := client.CaptureOrder(context.Background(), "DENIED-ID")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "UNPROCESSABLE_ENTITY")
}

func TestTokenRequestFailure(t *testing.T) {
	var tokenCalls int64
	server := newTestServer(t, &tokenCalls)
	defer server.Close()

	client := NewClient(Config{
		BaseURL:      server.URL,
		ClientID:     "wrong-id",
		ClientSecret: "wrong-secret",
	})

	_, err := client.CreateOrder(context.Background(), "ORD-1", decimal.NewFromInt(10), "USD")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestConfigured(t *testing.T) {
	assert.False(t, NewClient(Config{BaseURL: "https://example.com"}).Configured())
	assert.False(t, NewClient(Config{BaseURL: "https://example.com", ClientID: "id"}).Configured())
	assert.True(t, NewClient(Config{ClientID: "id", ClientSecret: "secret"}).Configured())
}
