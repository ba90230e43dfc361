package swap

import (
	"errors"
	"fmt"
	"math/big"

	"dutchmarket/core/events"
	nativecommon "dutchmarket/native/common"
)

var (
	ErrLengthMismatch       = errors.New("swap: currencies and percentages length mismatch")
	ErrPercentageSumInvalid = errors.New("swap: percentages do not sum to the configured scale")
	ErrInvalidAmount        = errors.New("swap: total amount must be positive")
	ErrEmptyBasket          = errors.New("swap: basket must contain at least one leg")
	ErrNilCustody           = errors.New("swap: custody ledger not configured")
	ErrNilVenue             = errors.New("swap: venue not configured")
)

// Venue is the DEX-like collaborator executing a single native-for-token swap.
// Implementations pull nativeAmount from the payer and credit the produced
// token amount to the recipient.
type Venue interface {
	SwapNativeForToken(payer [20]byte, token [20]byte, nativeAmount *big.Int, recipient [20]byte) (*big.Int, error)
}

// Custody is the slice of ledger behaviour the router needs: the transaction
// gate for global ordering plus the snapshot journal used to roll back a
// partially executed basket.
type Custody interface {
	Lock()
	Unlock()
	Snapshot() int
	RevertToSnapshot(int) error
	DiscardSnapshots()
}

// Leg reports the outcome of a single basket leg.
type Leg struct {
	Token       [20]byte
	Percentage  uint64
	NativeSpent *big.Int
	TokenOut    *big.Int
}

// Router splits a pool of native currency across a basket of tokens by
// percentage weight, executing one venue swap per leg. The whole basket
// commits or none of it does.
type Router struct {
	custody Custody
	venue   Venue
	scale   uint64
	emitter events.Emitter
	pauses  nativecommon.PauseView
}

// NewRouter constructs a basket router. scale is the fixed-point
// representation of 100% (1000 means percentages carry one decimal place).
func NewRouter(custody Custody, venue Venue, scale uint64) *Router {
	if scale == 0 {
		scale = 1000
	}
	return &Router{
		custody: custody,
		venue:   venue,
		scale:   scale,
		emitter: events.NoopEmitter{},
	}
}

// SetEmitter configures the event emitter used by the router.
func (r *Router) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetPauses wires the administrative pause switchboard.
func (r *Router) SetPauses(p nativecommon.PauseView) {
	if r == nil {
		return
	}
	r.pauses = p
}

// Scale returns the configured 100% representation.
func (r *Router) Scale() uint64 { return r.scale }

// SwapNativeForBasket converts totalAmount of the caller's native currency
// into the supplied basket. Each share is total*percentage/scale rounded down,
// with the rounding remainder assigned to the final leg so the legs sum
// exactly to totalAmount. If any leg fails the ledger is reverted and the
// error propagates.
func (r *Router) SwapNativeForBasket(caller [20]byte, tokens [][20]byte, percentages []uint64, totalAmount *big.Int) ([]Leg, error) {
	if r == nil || r.custody == nil {
		return nil, ErrNilCustody
	}
	if r.venue == nil {
		return nil, ErrNilVenue
	}
	if err := nativecommon.Guard(r.pauses, nativecommon.ModuleSwap); err != nil {
		return nil, err
	}
	if len(tokens) != len(percentages) {
		return nil, ErrLengthMismatch
	}
	if len(tokens) == 0 {
		return nil, ErrEmptyBasket
	}
	if totalAmount == nil || totalAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	var sum uint64
	for _, pct := range percentages {
		sum += pct
	}
	if sum != r.scale {
		return nil, ErrPercentageSumInvalid
	}

	r.custody.Lock()
	defer r.custody.Unlock()

	snapshot := r.custody.Snapshot()
	legs := make([]Leg, 0, len(tokens))
	scale := new(big.Int).SetUint64(r.scale)
	spent := big.NewInt(0)
	for i, token := range tokens {
		share := new(big.Int).Mul(totalAmount, new(big.Int).SetUint64(percentages[i]))
		share.Div(share, scale)
		if i == len(tokens)-1 {
			share = new(big.Int).Sub(totalAmount, spent)
		}
		out := big.NewInt(0)
		if share.Sign() > 0 {
			swapped, err := r.venue.SwapNativeForToken(caller, token, share, caller)
			if err != nil {
				if revertErr := r.custody.RevertToSnapshot(snapshot); revertErr != nil {
					return nil, fmt.Errorf("swap: revert after failed leg %d: %v (leg error: %w)", i, revertErr, err)
				}
				return nil, fmt.Errorf("swap: leg %d: %w", i, err)
			}
			if swapped != nil {
				out = swapped
			}
		}
		spent.Add(spent, share)
		legs = append(legs, Leg{Token: token, Percentage: percentages[i], NativeSpent: share, TokenOut: out})
	}
	r.custody.DiscardSnapshots()
	r.emitter.Emit(basketExecuted{Caller: caller, Total: new(big.Int).Set(totalAmount), Legs: len(legs)})
	return legs, nil
}
