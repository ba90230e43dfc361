package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"

	"dutchmarket/native/market"
)

type createSellParams struct {
	Seller        string `json:"seller"`
	AssetContract string `json:"assetContract"`
	AssetID       uint64 `json:"assetId"`
	InitialPrice  string `json:"initialPrice"`
	FloorPrice    string `json:"floorPrice"`
	Quantity      uint64 `json:"quantity"`
}

type saleIDParams struct {
	ID uint64 `json:"id"`
}

type listSalesParams struct {
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
}

type currentPriceParams struct {
	ID     uint64  `json:"id"`
	Method *uint32 `json:"method,omitempty"`
}

type buyTokenParams struct {
	ID     uint64 `json:"id"`
	Method uint32 `json:"method"`
	Amount string `json:"amount"`
	Buyer  string `json:"buyer"`
}

type cancelSaleParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type createSellResult struct {
	SaleID uint64 `json:"saleId"`
}

type saleJSON struct {
	ID            uint64 `json:"id"`
	AssetContract string `json:"assetContract"`
	AssetID       uint64 `json:"assetId"`
	Seller        string `json:"seller"`
	InitialPrice  string `json:"initialPrice"`
	FloorPrice    string `json:"floorPrice"`
	CreatedAt     int64  `json:"createdAt"`
	Quantity      uint64 `json:"quantity"`
	Remaining     uint64 `json:"amountRemaining"`
	Status        string `json:"status"`
	ClosedAt      int64  `json:"closedAt,omitempty"`
}

type currentPriceResult struct {
	SaleID uint64 `json:"saleId"`
	Method uint32 `json:"method"`
	Amount string `json:"amount"`
}

type buyTokenResult struct {
	Receipt  string `json:"receipt"`
	Paid     string `json:"paid"`
	Refunded string `json:"refunded,omitempty"`
	Closed   bool   `json:"closed"`
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddress(field, value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimSpace(value)
	if !gethcommon.IsHexAddress(trimmed) {
		return addr, fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", field)
	}
	return gethcommon.HexToAddress(trimmed), nil
}

func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be a base-10 integer", field)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%s must be non-negative", field)
	}
	return amount, nil
}

func saleToJSON(sale *market.Sale) saleJSON {
	return saleJSON{
		ID:            sale.ID,
		AssetContract: gethcommon.Address(sale.AssetContract).Hex(),
		AssetID:       sale.AssetID,
		Seller:        gethcommon.Address(sale.Seller).Hex(),
		InitialPrice:  sale.InitialPrice.String(),
		FloorPrice:    sale.FloorPrice.String(),
		CreatedAt:     sale.CreatedAt,
		Quantity:      sale.Quantity,
		Remaining:     sale.Remaining,
		Status:        sale.Status.String(),
		ClosedAt:      sale.ClosedAt,
	}
}

func (s *Server) handleCreateSell(w http.ResponseWriter, req *RPCRequest) {
	var params createSellParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseAddress("seller", params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	assetContract, err := parseAddress("assetContract", params.AssetContract)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	initialPrice, err := parseAmount("initialPrice", params.InitialPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	floorPrice, err := parseAmount("floorPrice", params.FloorPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	sale, err := s.registry.CreateSale(seller, assetContract, params.AssetID, initialPrice, floorPrice, params.Quantity)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, req.ID, code, "create_sell_failed", err.Error())
		return
	}
	writeResult(w, req.ID, createSellResult{SaleID: sale.ID})
}

func (s *Server) handleGetSale(w http.ResponseWriter, req *RPCRequest) {
	var params saleIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	sale, err := s.registry.GetSale(params.ID)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, req.ID, code, "get_sale_failed", err.Error())
		return
	}
	writeResult(w, req.ID, saleToJSON(sale))
}

func (s *Server) handleListSales(w http.ResponseWriter, req *RPCRequest) {
	params := listSalesParams{Limit: 50}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	sales, err := s.registry.Sales(params.Offset, params.Limit)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, req.ID, code, "list_sales_failed", err.Error())
		return
	}
	out := make([]saleJSON, 0, len(sales))
	for _, sale := range sales {
		out = append(out, saleToJSON(sale))
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleCurrentPrice(w http.ResponseWriter, req *RPCRequest) {
	var params currentPriceParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	sale, err := s.registry.GetSale(params.ID)
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, req.ID, code, "current_price_failed", err.Error())
		return
	}
	now := time.Now()
	if params.Method == nil {
		price := s.pricing.CurrentPrice(sale, now)
		writeResult(w, req.ID, currentPriceResult{SaleID: sale.ID, Amount: price.String()})
		return
	}
	payable, _, err := s.pricing.Quote(sale, now, market.PaymentMethod(*params.Method))
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, req.ID, code, "current_price_failed", err.Error())
		return
	}
	writeResult(w, req.ID, currentPriceResult{SaleID: sale.ID, Method: *params.Method, Amount: payable.String()})
}

func (s *Server) handleBuyToken(w http.ResponseWriter, req *RPCRequest) {
	var params buyTokenParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseAddress("buyer", params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	cap, err := parseAmount("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	receipt, err := s.settlement.Buy(params.ID, market.PaymentAuthorization{
		Buyer:  buyer,
		Method: market.PaymentMethod(params.Method),
		Cap:    cap,
	})
	if err != nil {
		status, code := errorStatus(err)
		writeError(w, status, req.ID, code, "buy_token_failed", err.Error())
		return
	}
	result := buyTokenResult{
		Receipt: fmt.Sprintf("%x", receipt.ID),
		Paid:    receipt.Paid.String(),
		Closed:  receipt.Closed,
	}
	if receipt.Refunded != nil && receipt.Refunded.Sign() > 0 {
		result.Refunded = receipt.Refunded.String()
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCancelSale(w http.ResponseWriter, req *RPCRequest) {
	var params cancelSaleParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.registry.Cancel(params.ID, caller); err != nil {
		status, code := errorStatus(err)
		writeError(w, status, req.ID, code, "cancel_sale_failed", err.Error())
		return
	}
	writeResult(w, req.ID, map[string]bool{"cancelled": true})
}
