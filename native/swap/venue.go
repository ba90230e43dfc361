package swap

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

var (
	ErrUnknownToken = errors.New("swap: token not listed on venue")
	ErrNoLiquidity  = errors.New("swap: venue has insufficient token inventory")
)

// VenueLedger is the slice of custody behaviour the ledger venue needs in
// order to settle a swap leg: pulling native from the payer and paying tokens
// out of its own inventory.
type VenueLedger interface {
	TransferNative(from, to [20]byte, amount *big.Int) error
	TransferTokenFrom(token, spender, owner, to [20]byte, amount *big.Int) error
	TokenBalance(token, holder [20]byte) *big.Int
}

// LedgerVenue is a Venue backed by token inventory held on the in-process
// ledger, priced off the oracle. One whole swap leg executes per call: native
// moves from the payer into the venue account and tokens move from the venue
// inventory to the recipient.
type LedgerVenue struct {
	mu        sync.RWMutex
	ledger    VenueLedger
	oracle    PriceOracle
	address   [20]byte
	reference string
	native    string
	symbols   map[[20]byte]string
}

// NewLedgerVenue constructs a venue settling against the supplied ledger.
// reference is the unit sale prices are denominated in and native the symbol
// of the native currency on the oracle feed.
func NewLedgerVenue(l VenueLedger, oracle PriceOracle, address [20]byte, reference, native string) *LedgerVenue {
	return &LedgerVenue{
		ledger:    l,
		oracle:    oracle,
		address:   address,
		reference: normaliseSymbol(reference),
		native:    normaliseSymbol(native),
		symbols:   make(map[[20]byte]string),
	}
}

// ListToken registers the oracle symbol for a token contract.
func (v *LedgerVenue) ListToken(token [20]byte, symbol string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	v.symbols[token] = normaliseSymbol(symbol)
	v.mu.Unlock()
}

// Address returns the venue's inventory account.
func (v *LedgerVenue) Address() [20]byte { return v.address }

// SwapNativeForToken implements Venue. The token amount produced is
// nativeAmount converted through the oracle: native -> reference units ->
// token base units, rounded down in the caller's disfavour.
func (v *LedgerVenue) SwapNativeForToken(payer [20]byte, token [20]byte, nativeAmount *big.Int, recipient [20]byte) (*big.Int, error) {
	if v == nil || v.ledger == nil {
		return nil, fmt.Errorf("swap: venue ledger not configured")
	}
	v.mu.RLock()
	symbol, listed := v.symbols[token]
	v.mu.RUnlock()
	if !listed || strings.TrimSpace(symbol) == "" {
		return nil, ErrUnknownToken
	}
	nativeRate, err := v.oracle.GetRate(v.native, v.reference)
	if err != nil {
		return nil, fmt.Errorf("swap: native rate: %w", err)
	}
	tokenRate, err := v.oracle.GetRate(symbol, v.reference)
	if err != nil {
		return nil, fmt.Errorf("swap: %s rate: %w", symbol, err)
	}
	if nativeRate.Rate == nil || nativeRate.Rate.Sign() <= 0 || tokenRate.Rate == nil || tokenRate.Rate.Sign() <= 0 {
		return nil, ErrNoFreshQuote
	}

	// tokenOut = nativeAmount * tokenRate / nativeRate, floored.
	out := new(big.Rat).SetInt(nativeAmount)
	out.Mul(out, tokenRate.Rate)
	out.Quo(out, nativeRate.Rate)
	tokenOut := new(big.Int).Quo(out.Num(), out.Denom())

	if v.ledger.TokenBalance(token, v.address).Cmp(tokenOut) < 0 {
		return nil, ErrNoLiquidity
	}
	if err := v.ledger.TransferNative(payer, v.address, nativeAmount); err != nil {
		return nil, err
	}
	if err := v.ledger.TransferTokenFrom(token, v.address, v.address, recipient, tokenOut); err != nil {
		return nil, err
	}
	return tokenOut, nil
}
