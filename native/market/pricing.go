package market

import (
	"fmt"
	"math/big"
	"time"

	"dutchmarket/native/swap"
)

// Pricing converts a sale's decaying reference-unit price into any registered
// settlement currency at query time. The decay is a pure function of elapsed
// time, so any reader at any moment derives the same value from the same
// inputs.
type Pricing struct {
	currencies *CurrencyRegistry
	oracle     swap.PriceOracle
	window     time.Duration
	reference  string
}

// NewPricing constructs a pricing engine. window is the decay window over
// which the price falls linearly from the initial price to the floor;
// reference is the oracle symbol sale prices are denominated against.
func NewPricing(currencies *CurrencyRegistry, oracle swap.PriceOracle, window time.Duration, reference string) (*Pricing, error) {
	if currencies == nil {
		return nil, fmt.Errorf("market: currency registry required")
	}
	if window <= 0 {
		return nil, fmt.Errorf("market: decay window must be positive")
	}
	return &Pricing{
		currencies: currencies,
		oracle:     oracle,
		window:     window,
		reference:  reference,
	}, nil
}

// Window returns the configured decay window.
func (p *Pricing) Window() time.Duration { return p.window }

// CurrentPrice returns the sale's price in reference units at the supplied
// instant: InitialPrice at creation, decaying linearly to FloorPrice when the
// window elapses, clamped at both bounds. A clock before CreatedAt clamps to
// the initial price.
func (p *Pricing) CurrentPrice(sale *Sale, now time.Time) *big.Int {
	if sale == nil {
		return big.NewInt(0)
	}
	initial := sale.InitialPrice
	floor := sale.FloorPrice
	if initial == nil {
		initial = big.NewInt(0)
	}
	if floor == nil {
		floor = big.NewInt(0)
	}
	elapsed := now.Unix() - sale.CreatedAt
	if elapsed <= 0 {
		return new(big.Int).Set(initial)
	}
	windowSecs := int64(p.window / time.Second)
	if windowSecs <= 0 || elapsed >= windowSecs {
		return new(big.Int).Set(floor)
	}
	// initial - (initial-floor)*elapsed/window, floored. Monotone
	// non-increasing and bounded by construction.
	span := new(big.Int).Sub(initial, floor)
	decay := new(big.Int).Mul(span, big.NewInt(elapsed))
	decay.Div(decay, big.NewInt(windowSecs))
	return new(big.Int).Sub(initial, decay)
}

// Quote resolves the amount payable in the requested settlement currency for
// one unit of the sale at the supplied instant. The reference price is
// multiplied by the oracle rate for the currency and rounded up, so the seller
// is never underpaid by rounding. Oracle failures propagate as
// ErrOracleUnavailable and are never silently defaulted.
func (p *Pricing) Quote(sale *Sale, now time.Time, method PaymentMethod) (*big.Int, Currency, error) {
	if p == nil {
		return nil, Currency{}, errNilPricing
	}
	cur, ok := p.currencies.Lookup(method)
	if !ok {
		return nil, Currency{}, ErrUnsupportedCurrency
	}
	price := p.CurrentPrice(sale, now)
	if p.oracle == nil {
		return nil, Currency{}, fmt.Errorf("%w: no oracle configured", ErrOracleUnavailable)
	}
	quote, err := p.oracle.GetRate(cur.Symbol, p.reference)
	if err != nil {
		return nil, Currency{}, fmt.Errorf("%w: %s/%s: %v", ErrOracleUnavailable, cur.Symbol, p.reference, err)
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return nil, Currency{}, fmt.Errorf("%w: %s/%s: non-positive rate", ErrOracleUnavailable, cur.Symbol, p.reference)
	}
	payable := ceilRatMul(price, quote.Rate)
	return payable, cur, nil
}

// ceilRatMul computes ceil(price * rate) over big integers.
func ceilRatMul(price *big.Int, rate *big.Rat) *big.Int {
	num := new(big.Int).Mul(price, rate.Num())
	quo, rem := new(big.Int).QuoRem(num, rate.Denom(), new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}
