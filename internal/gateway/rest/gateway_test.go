package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := New(server.URL, time.Second, 0, zap.NewNop())
	return NewGateway(client, Identity{
		Chain:     "ethereum",
		Connector: "uniswap",
		Wallet:    "0xwallet",
		Pool:      "0xpool",
		Base:      "WETH",
		Quote:     "USDC",
	})
}

func TestGatewayPrice(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/price", r.URL.Path)
		assert.Equal(t, "0xpool", r.URL.Query().Get("pool_address"))
		_, _ = w.Write([]byte(`{"data":{"price":"2500.5","timestamp":1700000000000}}`))
	})
	quote, err := gw.Price(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2500.5, quote.Price)
	assert.Equal(t, time.UnixMilli(1700000000000), quote.At)
}

func TestGatewayPriceMissing(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	_, err := gw.Price(context.Background())
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestGatewayBalancesObjectAndArray(t *testing.T) {
	bodies := []string{
		`{"balances":{"weth":"1.25","USDC":"300.000001"}}`,
		`{"balances":[{"symbol":"WETH","amount":"1.25"},{"symbol":"usdc","amount":300.000001}]}`,
	}
	for _, body := range bodies {
		body := body
		gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "WETH,USDC", r.URL.Query().Get("tokens"))
			_, _ = w.Write([]byte(body))
		})
		bal, err := gw.Balances(context.Background())
		require.NoError(t, err)
		assert.True(t, bal.Base.Equal(decimal.RequireFromString("1.25")), "base %s", bal.Base)
		assert.True(t, bal.Quote.Equal(decimal.RequireFromString("300.000001")), "quote %s", bal.Quote)
	}
}

func TestGatewayPositionNotFound(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	_, err := gw.Position(context.Background(), "pos-1")
	require.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestGatewayPositionAliases(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions/pos-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"positionAddress":"pos-1","status":"in_range","lowerPrice":"90","upperPrice":110,
			"baseTokenAmount":"1.5","quoteTokenAmount":"150","baseFeeAmount":"0.01","quoteFeeAmount":"1","currentPrice":"100"}`))
	})
	pos, err := gw.Position(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, "IN_RANGE", pos.State)
	assert.Equal(t, 90.0, pos.Lower)
	assert.Equal(t, 110.0, pos.Upper)
	assert.Equal(t, 1.5, pos.Amount0)
	assert.Equal(t, 150.0, pos.Amount1)
	assert.Equal(t, 0.01, pos.Fee0)
	assert.Equal(t, 100.0, pos.Price)
}

func TestGatewaySubmitSwap(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/swaps", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "swap-1", payload["client_id"])
		assert.Equal(t, "SELL", payload["side"])
		assert.Equal(t, "0.5", payload["amount"])
		assert.Equal(t, 1.0, payload["slippage_pct"])
		_, _ = w.Write([]byte(`{"action_id":"gw-7"}`))
	})
	id, err := gw.Submit(context.Background(), Request{
		ClientID:    "swap-1",
		Kind:        RequestSwap,
		Side:        "SELL",
		Amount:      decimal.RequireFromString("0.5"),
		MaxSlippage: 0.01,
	})
	require.NoError(t, err)
	assert.Equal(t, "gw-7", id)
}

func TestGatewaySubmitClosePath(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions/pos-9/close", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"gw-8"}`))
	})
	id, err := gw.Submit(context.Background(), Request{ClientID: "close-1", Kind: RequestClose, PositionID: "pos-9"})
	require.NoError(t, err)
	assert.Equal(t, "gw-8", id)

	_, err = gw.Submit(context.Background(), Request{ClientID: "close-2", Kind: RequestClose})
	require.Error(t, err)
}

func TestGatewaySubmitHTTPError(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`upstream down`))
	})
	_, err := gw.Submit(context.Background(), Request{ClientID: "open-1", Kind: RequestOpen})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 502")
}

func TestGatewayPollStatus(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/actions/gw-7", r.URL.Path)
		_, _ = w.Write([]byte(`{"result":{"id":"gw-7","type":"SWAP","status":"confirmed","delta0":"-0.5","delta1":"49.8","updated_at":1700000000}}`))
	})
	status, err := gw.PollStatus(context.Background(), "gw-7")
	require.NoError(t, err)
	assert.Equal(t, ActionCompleted, status.State)
	assert.Equal(t, "swap", status.Kind)
	assert.True(t, status.Delta0.Equal(decimal.RequireFromString("-0.5")))
	assert.Equal(t, time.Unix(1700000000, 0), status.UpdatedAt)
	assert.True(t, status.Done())
}

func TestNormalizeActionState(t *testing.T) {
	assert.Equal(t, ActionFailed, normalizeActionState("rejected"))
	assert.Equal(t, ActionPending, normalizeActionState("submitted"))
	assert.Equal(t, ActionCompleted, normalizeActionState(" SUCCESS "))
}
