package rpc

import (
	"net/http"
	"strings"

	gethcommon "github.com/ethereum/go-ethereum/common"
)

type swapBasketParams struct {
	Caller      string   `json:"caller"`
	Tokens      []string `json:"tokens"`
	Percentages []uint64 `json:"percentages"`
	TotalAmount string   `json:"totalAmount"`
}

type swapLegResult struct {
	Token       string `json:"token"`
	Percentage  uint64 `json:"percentage"`
	NativeSpent string `json:"nativeSpent"`
	TokenOut    string `json:"tokenOut"`
}

type swapBasketResult struct {
	Legs []swapLegResult `json:"legs"`
}

func (s *Server) handleSwapBasket(w http.ResponseWriter, req *RPCRequest) {
	var params swapBasketParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSwapInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSwapInvalidParams, "invalid_params", err.Error())
		return
	}
	tokens := make([][20]byte, 0, len(params.Tokens))
	for _, raw := range params.Tokens {
		token, err := parseAddress("tokens", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeSwapInvalidParams, "invalid_params", err.Error())
			return
		}
		tokens = append(tokens, token)
	}
	total, err := parseAmount("totalAmount", params.TotalAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSwapInvalidParams, "invalid_params", err.Error())
		return
	}
	legs, err := s.router.SwapNativeForBasket(caller, tokens, params.Percentages, total)
	if err != nil {
		status, code := errorStatus(err)
		if code == codeServerError {
			code = codeSwapFailed
		}
		writeError(w, status, req.ID, code, "swap_basket_failed", err.Error())
		return
	}
	result := swapBasketResult{Legs: make([]swapLegResult, 0, len(legs))}
	for _, leg := range legs {
		result.Legs = append(result.Legs, swapLegResult{
			Token:       gethcommon.Address(leg.Token).Hex(),
			Percentage:  leg.Percentage,
			NativeSpent: leg.NativeSpent.String(),
			TokenOut:    leg.TokenOut.String(),
		})
	}
	writeResult(w, req.ID, result)
}

type swapRateParams struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

type swapRateResult struct {
	Base      string `json:"base"`
	Quote     string `json:"quote"`
	Rate      string `json:"rate"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

func (s *Server) handleSwapRate(w http.ResponseWriter, req *RPCRequest) {
	var params swapRateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeSwapInvalidParams, "invalid_params", err.Error())
		return
	}
	base := strings.TrimSpace(params.Base)
	quote := strings.TrimSpace(params.Quote)
	if base == "" || quote == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeSwapInvalidParams, "invalid_params", "base and quote symbols are required")
		return
	}
	if s.oracle == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeSwapOracle, "oracle_unavailable", "no oracle configured")
		return
	}
	priced, err := s.oracle.GetRate(base, quote)
	if err != nil {
		status, code := errorStatus(err)
		if code == codeServerError {
			code = codeSwapOracle
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, req.ID, code, "oracle_unavailable", err.Error())
		return
	}
	writeResult(w, req.ID, swapRateResult{
		Base:      base,
		Quote:     quote,
		Rate:      priced.RateString(18),
		Timestamp: priced.Timestamp.Unix(),
		Source:    priced.Source,
	})
}
