package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	nativecommon "dutchmarket/native/common"
	"dutchmarket/native/market"
	"dutchmarket/native/swap"
	"dutchmarket/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000

	codeMarketInvalidParams = -32031
	codeMarketNotFound      = -32032
	codeMarketUnsupported   = -32033
	codeMarketOracle        = -32034
	codeMarketInsufficient  = -32035
	codeMarketAlreadySold   = -32036
	codeMarketTransfer      = -32037
	codeMarketUnauthorized  = -32038
	codeModulePaused        = -32039

	codeSwapInvalidParams = -32041
	codeSwapPercentage    = -32042
	codeSwapFailed        = -32043
	codeSwapOracle        = -32044
)

// Server exposes the marketplace and swap engines over JSON-RPC.
type Server struct {
	registry   *market.Registry
	settlement *market.Settlement
	pricing    *market.Pricing
	router     *swap.Router
	oracle     swap.PriceOracle
	log        *slog.Logger
	metrics    *observability.ModuleMetrics
}

// NewServer wires the engines into an RPC surface.
func NewServer(registry *market.Registry, settlement *market.Settlement, pricing *market.Pricing, router *swap.Router, oracle swap.PriceOracle, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		registry:   registry,
		settlement: settlement,
		pricing:    pricing,
		router:     router,
		oracle:     oracle,
		log:        log,
		metrics:    observability.Metrics(),
	}
}

// Handler builds the HTTP handler: request-id tagging, per-client rate
// limiting, health and metrics endpoints, and the JSON-RPC entry point.
func (s *Server) Handler(limits RateLimitConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(NewRateLimiter(limits, s.log).Middleware())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", s.handle)
	return r
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type handlerFunc func(w http.ResponseWriter, req *RPCRequest)

// handle is the main request handler routing methods to module handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() { _ = reader.Close() }()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = "request body too large"
		}
		writeError(w, status, nil, codeInvalidRequest, message, nil)
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", nil)
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", nil)
		return
	}

	var handler handlerFunc
	var module string
	switch req.Method {
	case "market_createSell":
		module, handler = "market", s.handleCreateSell
	case "market_getSale":
		module, handler = "market", s.handleGetSale
	case "market_listSales":
		module, handler = "market", s.handleListSales
	case "market_currentPrice":
		module, handler = "market", s.handleCurrentPrice
	case "market_buyToken":
		module, handler = "market", s.handleBuyToken
	case "market_cancelSale":
		module, handler = "market", s.handleCancelSale
	case "swap_basket":
		module, handler = "swap", s.handleSwapBasket
	case "swap_rate":
		module, handler = "swap", s.handleSwapRate
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	started := time.Now()
	handler(recorder, &req)
	outcome := "ok"
	if recorder.status >= http.StatusBadRequest {
		outcome = "error"
	}
	s.metrics.Observe(module, req.Method, outcome, http.StatusText(recorder.status), time.Since(started))
	s.log.Info("rpc request",
		"method", req.Method,
		"status", recorder.status,
		"elapsed", time.Since(started).String(),
		"requestId", RequestIDFromContext(r.Context()),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// errorStatus maps an engine error to its HTTP status and JSON-RPC code.
func errorStatus(err error) (int, int) {
	switch {
	case errors.Is(err, market.ErrNotFound):
		return http.StatusNotFound, codeMarketNotFound
	case errors.Is(err, market.ErrInvalidPriceRange),
		errors.Is(err, market.ErrInvalidQuantity):
		return http.StatusBadRequest, codeMarketInvalidParams
	case errors.Is(err, market.ErrUnsupportedCurrency):
		return http.StatusBadRequest, codeMarketUnsupported
	case errors.Is(err, market.ErrOracleUnavailable):
		return http.StatusServiceUnavailable, codeMarketOracle
	case errors.Is(err, market.ErrInsufficientFunds):
		return http.StatusPaymentRequired, codeMarketInsufficient
	case errors.Is(err, market.ErrAlreadySold):
		return http.StatusConflict, codeMarketAlreadySold
	case errors.Is(err, market.ErrTransferFailed):
		return http.StatusConflict, codeMarketTransfer
	case errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden, codeMarketUnauthorized
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, codeModulePaused
	case errors.Is(err, swap.ErrLengthMismatch),
		errors.Is(err, swap.ErrInvalidAmount),
		errors.Is(err, swap.ErrEmptyBasket):
		return http.StatusBadRequest, codeSwapInvalidParams
	case errors.Is(err, swap.ErrPercentageSumInvalid):
		return http.StatusBadRequest, codeSwapPercentage
	case errors.Is(err, swap.ErrNoFreshQuote):
		return http.StatusServiceUnavailable, codeSwapOracle
	default:
		return http.StatusInternalServerError, codeServerError
	}
}
