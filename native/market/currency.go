package market

import (
	"fmt"
	"sort"
	"strings"
)

// PaymentMethod indexes a registered settlement currency. Method zero is
// always the native currency.
type PaymentMethod uint32

// NativePaymentMethod denotes settlement in the native currency.
const NativePaymentMethod PaymentMethod = 0

// Currency maps a payment method to the handle the settlement engine and the
// ledger operate on. Symbol is the oracle feed symbol; Token is the contract
// handle for non-native currencies.
type Currency struct {
	Method   PaymentMethod
	Symbol   string
	Token    [20]byte
	Decimals uint8
}

// IsNative reports whether the currency settles in native funds.
func (c Currency) IsNative() bool { return c.Method == NativePaymentMethod }

// CurrencyRegistry is the read-only payment-method table. Entries are
// configured out-of-band and never mutated by the engines.
type CurrencyRegistry struct {
	byMethod map[PaymentMethod]Currency
	order    []PaymentMethod
}

// NewCurrencyRegistry builds the registry from the configured entries. Method
// zero must be present and must not carry a token contract.
func NewCurrencyRegistry(entries []Currency) (*CurrencyRegistry, error) {
	byMethod := make(map[PaymentMethod]Currency, len(entries))
	symbols := make(map[string]bool, len(entries))
	for _, cur := range entries {
		symbol := strings.ToUpper(strings.TrimSpace(cur.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("market: currency method %d missing symbol", cur.Method)
		}
		if _, dup := byMethod[cur.Method]; dup {
			return nil, fmt.Errorf("market: duplicate payment method %d", cur.Method)
		}
		if symbols[symbol] {
			return nil, fmt.Errorf("market: duplicate currency symbol %s", symbol)
		}
		if cur.Method == NativePaymentMethod && cur.Token != ([20]byte{}) {
			return nil, fmt.Errorf("market: native currency must not declare a token contract")
		}
		if cur.Method != NativePaymentMethod && cur.Token == ([20]byte{}) {
			return nil, fmt.Errorf("market: currency %s missing token contract", symbol)
		}
		cur.Symbol = symbol
		byMethod[cur.Method] = cur
		symbols[symbol] = true
	}
	if _, ok := byMethod[NativePaymentMethod]; !ok {
		return nil, fmt.Errorf("market: payment method 0 (native) must be registered")
	}
	order := make([]PaymentMethod, 0, len(byMethod))
	for method := range byMethod {
		order = append(order, method)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return &CurrencyRegistry{byMethod: byMethod, order: order}, nil
}

// Lookup resolves a payment method.
func (r *CurrencyRegistry) Lookup(method PaymentMethod) (Currency, bool) {
	if r == nil {
		return Currency{}, false
	}
	cur, ok := r.byMethod[method]
	return cur, ok
}

// Native returns the native currency entry.
func (r *CurrencyRegistry) Native() Currency {
	cur, _ := r.Lookup(NativePaymentMethod)
	return cur
}

// Methods returns the registered payment methods in ascending order.
func (r *CurrencyRegistry) Methods() []PaymentMethod {
	if r == nil {
		return nil
	}
	return append([]PaymentMethod{}, r.order...)
}
