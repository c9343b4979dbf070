package clob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clob-agent/pkg/crypto"
	"clob-agent/pkg/errs"
	"clob-agent/pkg/exchanges/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	creds, err := crypto.NewCredentials(testKey, 137)
	require.NoError(t, err)
	creds.SetAPICreds(crypto.APICreds{Key: "api-key", Secret: "c2VjcmV0LWtleQ==", Passphrase: "pp"})
	return crypto.NewSigner(creds, "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E", nil)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, newSigner(t), nil)
}

func TestSubmitOrderSendsL2HeadersAndParsesAck(t *testing.T) {
	signer := newSigner(t)
	var got common.SignedOrder
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/order", r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get(crypto.HeaderAPIKey))
		assert.NotEmpty(t, r.Header.Get(crypto.HeaderSignature))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"success":true,"errorMsg":"","orderID":"0xabc","status":"live"}`))
	})

	order, err := NewOrderBuilder(signer).Build(common.OrderRequest{
		TokenID: "123", Side: common.SideBuy, Type: common.GTC, Price: 0.51, Size: 400,
		ClientID: "6f1c2c3e-8f7a-4d6b-9b0a-0c1d2e3f4a5b",
	})
	require.NoError(t, err)
	assert.Regexp(t, "^0x[0-9a-f]{64}$", order.Hash)

	res, err := c.SubmitOrder(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.ExchangeOrderID)
	assert.Equal(t, "live", res.Status)
	assert.Equal(t, "204000000", got.Order.MakerAmount)
	assert.Equal(t, "400000000", got.Order.TakerAmount)
	assert.Equal(t, "api-key", got.Owner)
	assert.Equal(t, common.GTC, got.OrderType)
}

func TestSubmitOrderRejections(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   error
		code   string
	}{
		{"business reject", http.StatusOK, `{"success":false,"errorMsg":"not enough balance / allowance"}`, errs.ErrExchangeRejection, "ORDER_REJECTED"},
		{"bad request", http.StatusBadRequest, `{"error":"invalid tick size"}`, errs.ErrExchangeRejection, "HTTP_400"},
		{"duplicate reply", http.StatusOK, `{"success":false,"errorMsg":"Duplicated. Order already exists"}`, errs.ErrExchangeRejection, common.CodeDuplicateOrder},
		{"duplicate status", http.StatusBadRequest, `{"error":"duplicate order"}`, errs.ErrExchangeRejection, common.CodeDuplicateOrder},
		{"throttled", http.StatusTooManyRequests, `slow down`, errs.ErrTransport, "HTTP_429"},
		{"server error", http.StatusBadGateway, `upstream`, errs.ErrTransport, "HTTP_502"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			_, err := c.SubmitOrder(context.Background(), common.SignedOrder{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.kind), err.Error())
			assert.Equal(t, tc.code, errs.CodeOf(err))
		})
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, newSigner(t), nil)
	_, err := c.SubmitOrder(context.Background(), common.SignedOrder{})
	assert.True(t, errs.Retryable(err))
}

func TestOpenOrdersFollowsCursor(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("next_cursor") == "" {
			w.Write([]byte(`{"data":[{"id":"a","asset_id":"t1","side":"BUY","price":"0.5","original_size":"10","size_matched":"2","order_type":"GTC","created_at":1700000000,"expiration":"0"}],"next_cursor":"MQ=="}`))
			return
		}
		w.Write([]byte(`{"data":[{"id":"b","asset_id":"t2","side":"SELL","price":"0.4","original_size":"5","size_matched":"0","order_type":"GTD","expiration":"1800000000"}],"next_cursor":"LTE="}`))
	})

	orders, err := c.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2.0, orders[0].SizeMatched)
	assert.Equal(t, int64(1700000000), orders[0].CreatedAt.Unix())
	assert.Equal(t, common.GTD, orders[1].Type)
	assert.Equal(t, int64(1800000000), orders[1].Expiration.Unix())
}

func TestBookIsSortedBestFirst(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("token_id"))
		assert.Empty(t, r.Header.Get(crypto.HeaderSignature))
		w.Write([]byte(`{"market":"m","asset_id":"tok","timestamp":"1700000000000","tick_size":"0.01","min_order_size":"5",
			"bids":[{"price":"0.48","size":"100"},{"price":"0.49","size":"50"}],
			"asks":[{"price":"0.53","size":"10"},{"price":"0.51","size":"20"}]}`))
	})

	book, err := c.Book(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 0.49, book.Bids[0].Price)
	assert.Equal(t, 0.51, book.Asks[0].Price)
	assert.Equal(t, 0.01, book.TickSize)
	assert.Equal(t, 5.0, book.MinOrderSize)
	assert.Equal(t, int64(1700000000000), book.Timestamp.UnixMilli())
}

func TestCancelAndBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/order":
			assert.Equal(t, http.MethodDelete, r.Method)
			w.Write([]byte(`{"canceled":["0xabc"],"not_canceled":{}}`))
		case "/balance-allowance":
			assert.Equal(t, "COLLATERAL", r.URL.Query().Get("asset_type"))
			w.Write([]byte(`{"balance":"1500250000"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	res, err := c.CancelOrder(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, []string{"0xabc"}, res.Canceled)

	bal, err := c.CollateralBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1500.25, bal, 1e-9)

	_, err = c.Order(context.Background(), "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCreateOrDeriveFallsBackToCreate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get(crypto.HeaderNonce))
		if r.URL.Path == "/auth/derive-api-key" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"no api key"}`))
			return
		}
		w.Write([]byte(`{"apiKey":"k2","secret":"s2","passphrase":"p2"}`))
	})
	creds, err := c.CreateOrDeriveAPIKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "k2", creds.Key)
}

func TestAmountsAndSalt(t *testing.T) {
	maker, taker, err := Amounts(common.SideSell, 0.45, 10.129)
	require.NoError(t, err)
	assert.Equal(t, "10120000", maker)
	assert.Equal(t, "4554000", taker)

	_, _, err = Amounts(common.SideBuy, 0, 1)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	id := "6f1c2c3e-8f7a-4d6b-9b0a-0c1d2e3f4a5b"
	assert.Equal(t, SaltFor(id), SaltFor(id))
	assert.NotEqual(t, SaltFor(id), SaltFor("7f1c2c3e-8f7a-4d6b-9b0a-0c1d2e3f4a5b"))
	assert.Less(t, SaltFor(id), int64(1)<<53)
}
