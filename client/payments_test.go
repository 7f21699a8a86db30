package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/payments", r.URL.Path)

		var req CreatePaymentParams
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "SenderAddr", req.Sender)
		assert.Equal(t, int64(50), req.Amount)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Payment{
			Digest:    "digest-1",
			Sender:    req.Sender,
			Receiver:  req.Receiver,
			Amount:    req.Amount,
			TokenType: req.TokenType,
			Status:    "active",
			PlainCode: "AB12CD",
			ClaimURL:  "https://pay.example.com/claim/digest-1",
			CreatedAt: time.Now().UTC(),
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	payment, err := c.CreatePayment(context.Background(), CreatePaymentParams{
		Sender: "SenderAddr", Receiver: "ReceiverAddr", Amount: 50, TokenType: "usdc",
	})
	require.NoError(t, err)
	assert.Equal(t, "digest-1", payment.Digest)
	assert.Equal(t, "AB12CD", payment.PlainCode)
}

func TestCreatePayment_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "amount must be positive"})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	_, err := c.CreatePayment(context.Background(), CreatePaymentParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount must be positive")
}

func TestGetPayment_SingleAndBulk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/payments/single-digest":
			json.NewEncoder(w).Encode(Payment{Digest: "single-digest", Status: "active"})
		case "/api/v1/payments/bulk-digest":
			json.NewEncoder(w).Encode(BulkPayment{
				Digest: "bulk-digest",
				Recipients: []BulkRecipient{
					{Address: "R1", Amount: 10, Status: "active"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "payment not found"})
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)

	single, bulk, err := c.GetPayment(context.Background(), "single-digest")
	require.NoError(t, err)
	require.NotNil(t, single)
	assert.Nil(t, bulk)
	assert.Equal(t, "single-digest", single.Digest)

	single, bulk, err = c.GetPayment(context.Background(), "bulk-digest")
	require.NoError(t, err)
	assert.Nil(t, single)
	require.NotNil(t, bulk)
	require.Len(t, bulk.Recipients, 1)

	_, _, err = c.GetPayment(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment not found")
}

func TestVerifyAndClaim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/payments/digest-1/verify":
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(map[string]bool{"matched": req["code"] == "AB12CD"})
		case "/api/v1/payments/digest-1/claim":
			settled := "settle-1"
			json.NewEncoder(w).Encode(Slot{
				Digest: "digest-1", Address: "ReceiverAddr",
				Status: "claimed", UpdatedDigest: &settled,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)

	matched, err := c.Verify(context.Background(), "digest-1", "ReceiverAddr", "WRONG1")
	require.NoError(t, err)
	assert.False(t, matched)

	matched, err = c.Verify(context.Background(), "digest-1", "ReceiverAddr", "AB12CD")
	require.NoError(t, err)
	assert.True(t, matched)

	slot, err := c.Claim(context.Background(), "digest-1", "ReceiverAddr", "AB12CD")
	require.NoError(t, err)
	assert.Equal(t, "claimed", slot.Status)
	require.NotNil(t, slot.UpdatedDigest)
}

func TestScheduleLifecycle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == "POST" && r.URL.Path == "/api/v1/schedules":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(Schedule{ID: "intent-1", TotalAmount: 50})
		case r.Method == "POST" && r.URL.Path == "/api/v1/schedules/intent-1/activate":
			json.NewEncoder(w).Encode(Payment{Digest: "digest-1", Status: "active", PlainCode: "AB12CD"})
		case r.Method == "DELETE" && r.URL.Path == "/api/v1/schedules/intent-1":
			assert.Equal(t, "SenderAddr", r.URL.Query().Get("sender"))
			json.NewEncoder(w).Encode(map[string]string{"refund_digest": "refund-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	ctx := context.Background()

	schedule, err := c.CreateSchedule(ctx, CreateScheduleParams{
		Sender: "SenderAddr", TokenType: "usdc",
		ScheduledAt: time.Now().Add(time.Hour),
		Recipients:  []BulkRecipient{{Address: "ReceiverAddr", Amount: 50}},
	})
	require.NoError(t, err)
	assert.Equal(t, "intent-1", schedule.ID)

	payment, bulk, err := c.ActivateSchedule(ctx, "intent-1", "SenderAddr")
	require.NoError(t, err)
	assert.Nil(t, bulk)
	require.NotNil(t, payment)
	assert.Equal(t, "AB12CD", payment.PlainCode)

	refund, err := c.CancelSchedule(ctx, "intent-1", "SenderAddr")
	require.NoError(t, err)
	assert.Equal(t, "refund-1", refund)
}

func TestGetBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/balance/SomeAddr", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Balance{SOL: 1000, USDC: 250})
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	balance, err := c.GetBalance(context.Background(), "SomeAddr")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.SOL)
	assert.Equal(t, int64(250), balance.USDC)
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil, nil)
	assert.NoError(t, c.Health(context.Background()))
}
