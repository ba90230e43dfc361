package rpc

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dutchmarket/native/ledger"
	"dutchmarket/native/market"
	"dutchmarket/native/swap"
	"dutchmarket/storage"
)

type rpcFixture struct {
	ts      *httptest.Server
	custody *ledger.Ledger
	seller  [20]byte
	buyer   [20]byte
	vault   [20]byte
	dai     [20]byte
}

func fixtureAddr(fill byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = fill
	}
	return a
}

func hexAddr(a [20]byte) string { return gethcommon.Address(a).Hex() }

// newRPCFixture stands up the whole stack behind an httptest server: in-memory
// state, a manual oracle, the custody ledger, both engines, and the basket
// router with a funded venue.
func newRPCFixture(t *testing.T) *rpcFixture {
	t.Helper()
	f := &rpcFixture{
		seller: fixtureAddr(0x01),
		buyer:  fixtureAddr(0x02),
		vault:  fixtureAddr(0xFE),
		dai:    fixtureAddr(0xDA),
	}

	manager, err := market.NewManager(storage.NewMemDB())
	require.NoError(t, err)
	registry := market.NewRegistry()
	registry.SetState(manager)

	oracle := swap.NewManualOracle()
	now := time.Now()
	oracle.Set("ETH", "USD", big.NewRat(1_000_000_000_000, 1), now)
	oracle.Set("DAI", "USD", new(big.Rat).SetInt64(10_000_000_000_000_000), now)

	currencies, err := market.NewCurrencyRegistry([]market.Currency{
		{Method: market.NativePaymentMethod, Symbol: "ETH", Decimals: 18},
		{Method: 1, Symbol: "DAI", Token: f.dai, Decimals: 18},
	})
	require.NoError(t, err)
	pricing, err := market.NewPricing(currencies, oracle, 24*time.Hour, "USD")
	require.NoError(t, err)

	f.custody = ledger.New()
	require.NoError(t, f.custody.MintNative(f.buyer, mustBig(t, "100000000000000000")))
	require.NoError(t, f.custody.MintToken(f.dai, f.buyer, mustBig(t, "100000000000000000000")))
	require.NoError(t, f.custody.Approve(f.dai, f.buyer, f.vault, mustBig(t, "100000000000000000000")))
	f.custody.MintAsset(fixtureAddr(0xC1), 7, f.seller, 10)
	f.custody.SetApprovalForAll(fixtureAddr(0xC1), f.seller, f.vault, true)

	venueAddr := fixtureAddr(0xEE)
	require.NoError(t, f.custody.MintToken(f.dai, venueAddr, mustBig(t, "100000000000000000000")))
	f.custody.DiscardSnapshots()

	settlement := market.NewSettlement(registry, pricing, f.custody, f.vault)
	venue := swap.NewLedgerVenue(f.custody, oracle, venueAddr, "USD", "ETH")
	venue.ListToken(f.dai, "DAI")
	router := swap.NewRouter(f.custody, venue, 1000)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(registry, settlement, pricing, router, oracle, log)
	f.ts = httptest.NewServer(server.Handler(RateLimitConfig{}))
	t.Cleanup(f.ts.Close)
	return f
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok)
	return v
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func (f *rpcFixture) call(t *testing.T, method string, params interface{}) (*http.Response, rpcEnvelope) {
	t.Helper()
	body := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = []interface{}{params}
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var envelope rpcEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, "2.0", envelope.JSONRPC)
	return resp, envelope
}

func (f *rpcFixture) createSale(t *testing.T, quantity uint64) uint64 {
	t.Helper()
	resp, envelope := f.call(t, "market_createSell", map[string]interface{}{
		"seller":        hexAddr(f.seller),
		"assetContract": hexAddr(fixtureAddr(0xC1)),
		"assetId":       7,
		"initialPrice":  "4500",
		"floorPrice":    "4000",
		"quantity":      quantity,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)
	var result struct {
		SaleID uint64 `json:"saleId"`
	}
	require.NoError(t, json.Unmarshal(envelope.Result, &result))
	return result.SaleID
}

func TestCreateAndGetSale(t *testing.T) {
	f := newRPCFixture(t)
	id := f.createSale(t, 500)

	resp, envelope := f.call(t, "market_getSale", map[string]interface{}{"id": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)
	var sale struct {
		ID           uint64 `json:"id"`
		Seller       string `json:"seller"`
		InitialPrice string `json:"initialPrice"`
		FloorPrice   string `json:"floorPrice"`
		Remaining    uint64 `json:"amountRemaining"`
		Status       string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(envelope.Result, &sale))
	require.Equal(t, id, sale.ID)
	require.Equal(t, hexAddr(f.seller), sale.Seller)
	require.Equal(t, "4500", sale.InitialPrice)
	require.Equal(t, "4000", sale.FloorPrice)
	require.Equal(t, uint64(500), sale.Remaining)
	require.Equal(t, "open", sale.Status)
}

func TestGetSaleNotFound(t *testing.T) {
	f := newRPCFixture(t)
	resp, envelope := f.call(t, "market_getSale", map[string]interface{}{"id": 404})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeMarketNotFound, envelope.Error.Code)
}

func TestListSales(t *testing.T) {
	f := newRPCFixture(t)
	f.createSale(t, 1)
	f.createSale(t, 2)

	resp, envelope := f.call(t, "market_listSales", map[string]interface{}{"offset": 0, "limit": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)
	var sales []json.RawMessage
	require.NoError(t, json.Unmarshal(envelope.Result, &sales))
	require.Len(t, sales, 2)
}

func TestCurrentPrice(t *testing.T) {
	f := newRPCFixture(t)
	id := f.createSale(t, 1)

	resp, envelope := f.call(t, "market_currentPrice", map[string]interface{}{"id": id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)
	var result struct {
		Amount string `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(envelope.Result, &result))
	require.Equal(t, "4500", result.Amount)

	resp, envelope = f.call(t, "market_currentPrice", map[string]interface{}{"id": id, "method": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)
	require.NoError(t, json.Unmarshal(envelope.Result, &result))
	require.Equal(t, "4500000000000000", result.Amount)
}

func TestCurrentPriceUnsupportedMethod(t *testing.T) {
	f := newRPCFixture(t)
	id := f.createSale(t, 1)

	resp, envelope := f.call(t, "market_currentPrice", map[string]interface{}{"id": id, "method": 9})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeMarketUnsupported, envelope.Error.Code)
}

func TestBuyTokenNative(t *testing.T) {
	f := newRPCFixture(t)
	id := f.createSale(t, 2)

	resp, envelope := f.call(t, "market_buyToken", map[string]interface{}{
		"id":     id,
		"method": 0,
		"amount": "5000000000000000",
		"buyer":  hexAddr(f.buyer),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)
	var result struct {
		Receipt  string `json:"receipt"`
		Paid     string `json:"paid"`
		Refunded string `json:"refunded"`
		Closed   bool   `json:"closed"`
	}
	require.NoError(t, json.Unmarshal(envelope.Result, &result))
	require.NotEmpty(t, result.Receipt)
	require.Equal(t, "4500000000000000", result.Paid)
	require.Equal(t, "500000000000000", result.Refunded)
	require.False(t, result.Closed)
	require.Equal(t, "4500000000000000", f.custody.NativeBalance(f.seller).String())
}

func TestBuyTokenInsufficientFunds(t *testing.T) {
	f := newRPCFixture(t)
	id := f.createSale(t, 1)

	resp, envelope := f.call(t, "market_buyToken", map[string]interface{}{
		"id":     id,
		"method": 0,
		"amount": "1",
		"buyer":  hexAddr(f.buyer),
	})
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeMarketInsufficient, envelope.Error.Code)
}

func TestBuyTokenSoldOut(t *testing.T) {
	f := newRPCFixture(t)
	id := f.createSale(t, 1)
	params := map[string]interface{}{
		"id":     id,
		"method": 0,
		"amount": "5000000000000000",
		"buyer":  hexAddr(f.buyer),
	}

	resp, envelope := f.call(t, "market_buyToken", params)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)

	resp, envelope = f.call(t, "market_buyToken", params)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NotNil(t, envelope.Error)
	require.Equal(t, codeMarketAlreadySold, envelope.Error.Code)
}

func TestCancelSale(t *testing.T) {
	f := newRPCFixture(t)
	id := f.createSale(t, 1)

	resp, envelope := f.call(t, "market_cancelSale", map[string]interface{}{
		"id":     id,
		"caller": hexAddr(fixtureAddr(0x77)),
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, codeMarketUnauthorized, envelope.Error.Code)

	resp, envelope = f.call(t, "market_cancelSale", map[string]interface{}{
		"id":     id,
		"caller": hexAddr(f.seller),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)

	resp, envelope = f.call(t, "market_buyToken", map[string]interface{}{
		"id":     id,
		"method": 0,
		"amount": "5000000000000000",
		"buyer":  hexAddr(f.buyer),
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, codeMarketAlreadySold, envelope.Error.Code)
}

func TestSwapBasket(t *testing.T) {
	f := newRPCFixture(t)

	resp, envelope := f.call(t, "swap_basket", map[string]interface{}{
		"caller":      hexAddr(f.buyer),
		"tokens":      []string{hexAddr(f.dai)},
		"percentages": []uint64{1000},
		"totalAmount": "10000000000000000",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)
	var result struct {
		Legs []struct {
			Token       string `json:"token"`
			NativeSpent string `json:"nativeSpent"`
			TokenOut    string `json:"tokenOut"`
		} `json:"legs"`
	}
	require.NoError(t, json.Unmarshal(envelope.Result, &result))
	require.Len(t, result.Legs, 1)
	require.Equal(t, hexAddr(f.dai), result.Legs[0].Token)
	require.Equal(t, "10000000000000000", result.Legs[0].NativeSpent)
	// 1e16 native / 1e12 = 1e4 reference units, * 1e16 = 1e20 DAI units.
	require.Equal(t, "100000000000000000000", result.Legs[0].TokenOut)
}

func TestSwapBasketPercentageSum(t *testing.T) {
	f := newRPCFixture(t)

	resp, envelope := f.call(t, "swap_basket", map[string]interface{}{
		"caller":      hexAddr(f.buyer),
		"tokens":      []string{hexAddr(f.dai)},
		"percentages": []uint64{750},
		"totalAmount": "1000",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, codeSwapPercentage, envelope.Error.Code)
}

func TestSwapRate(t *testing.T) {
	f := newRPCFixture(t)

	resp, envelope := f.call(t, "swap_rate", map[string]interface{}{
		"base":  "ETH",
		"quote": "USD",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, envelope.Error)

	var result struct {
		Base      string `json:"base"`
		Quote     string `json:"quote"`
		Rate      string `json:"rate"`
		Timestamp int64  `json:"timestamp"`
		Source    string `json:"source"`
	}
	require.NoError(t, json.Unmarshal(envelope.Result, &result))
	require.Equal(t, "ETH", result.Base)
	require.Equal(t, "USD", result.Quote)
	require.Equal(t, "1000000000000.000000000000000000", result.Rate)
	require.Equal(t, "manual", result.Source)
	require.NotZero(t, result.Timestamp)
}

func TestSwapRateUnknownPair(t *testing.T) {
	f := newRPCFixture(t)

	resp, envelope := f.call(t, "swap_rate", map[string]interface{}{
		"base":  "LINK",
		"quote": "USD",
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, codeSwapOracle, envelope.Error.Code)
}

func TestSwapRateMissingSymbols(t *testing.T) {
	f := newRPCFixture(t)

	resp, envelope := f.call(t, "swap_rate", map[string]interface{}{"base": "ETH"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, codeSwapInvalidParams, envelope.Error.Code)
}

func TestMethodNotFound(t *testing.T) {
	f := newRPCFixture(t)
	resp, envelope := f.call(t, "market_unknown", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, codeMethodNotFound, envelope.Error.Code)
}

func TestParseError(t *testing.T) {
	f := newRPCFixture(t)
	resp, err := http.Post(f.ts.URL, "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var envelope rpcEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, codeParseError, envelope.Error.Code)
}

func TestInvalidAddressParam(t *testing.T) {
	f := newRPCFixture(t)
	resp, envelope := f.call(t, "market_createSell", map[string]interface{}{
		"seller":        "not-an-address",
		"assetContract": hexAddr(fixtureAddr(0xC1)),
		"assetId":       7,
		"initialPrice":  "4500",
		"floorPrice":    "4000",
		"quantity":      1,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, codeMarketInvalidParams, envelope.Error.Code)
}

func TestHealthz(t *testing.T) {
	f := newRPCFixture(t)
	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestIDEchoed(t *testing.T) {
	f := newRPCFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "fixed-id")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "fixed-id", resp.Header.Get("X-Request-Id"))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	handler := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	handler.ServeHTTP(first, req)
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	// A different client gets its own bucket.
	other := httptest.NewRecorder()
	otherReq := httptest.NewRequest(http.MethodGet, "/", nil)
	otherReq.RemoteAddr = "10.0.0.2:5555"
	handler.ServeHTTP(other, otherReq)
	require.Equal(t, http.StatusOK, other.Code)
}
