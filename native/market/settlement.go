package market

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"dutchmarket/core/events"
	"dutchmarket/core/types"
	nativecommon "dutchmarket/native/common"
	"dutchmarket/native/ledger"
)

// CustodyLedger is the slice of ledger behaviour settlement requires. Lock and
// the snapshot journal give a purchase all-or-nothing semantics: either the
// currency and the asset both move, or neither has a lasting effect.
type CustodyLedger interface {
	Lock()
	Unlock()
	Snapshot() int
	RevertToSnapshot(int) error
	DiscardSnapshots()
	TransferNative(from, to [20]byte, amount *big.Int) error
	Allowance(token, owner, spender [20]byte) *big.Int
	TransferTokenFrom(token, spender, owner, to [20]byte, amount *big.Int) error
	TransferAssetFrom(contract [20]byte, id uint64, operator, from, to [20]byte, quantity uint64) error
}

// PaymentAuthorization is the explicit spend capability a buyer hands to the
// settlement engine. Cap is the maximum the buyer authorises for this call:
// the attached value for native payments (any excess above the quote is
// refunded), or the spend ceiling for token payments (exactly the quote is
// pulled, never the cap). A cap below the quote fails the purchase outright.
type PaymentAuthorization struct {
	Buyer  [20]byte
	Method PaymentMethod
	Cap    *big.Int
}

// Receipt summarises a settled purchase.
type Receipt struct {
	ID       [32]byte
	SaleID   uint64
	Buyer    [20]byte
	Seller   [20]byte
	Method   PaymentMethod
	Paid     *big.Int
	Refunded *big.Int
	Quantity uint64
	Closed   bool
}

// Settlement validates purchase attempts, moves currency and the asset
// atomically, and finalises sales exactly once. A purchase holds both the
// registry lock and the ledger transaction gate for its whole duration, so no
// other attempt against the same sale can interleave and observe an
// inconsistent intermediate state.
type Settlement struct {
	registry *Registry
	pricing  *Pricing
	custody  CustodyLedger
	vault    [20]byte
	emitter  events.Emitter
	nowFn    func() int64
	pauses   nativecommon.PauseView
}

// NewSettlement constructs a settlement engine bound to the supplied
// registry. vault is the market's own ledger identity: the operator sellers
// approve for asset custody, the spender buyers approve for token pulls, and
// the staging account native payments pass through.
func NewSettlement(registry *Registry, pricing *Pricing, custody CustodyLedger, vault [20]byte) *Settlement {
	return &Settlement{
		registry: registry,
		pricing:  pricing,
		custody:  custody,
		vault:    vault,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter used by the engine.
func (s *Settlement) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		s.emitter = events.NoopEmitter{}
		return
	}
	s.emitter = emitter
}

// SetPauses wires the administrative pause switchboard.
func (s *Settlement) SetPauses(p nativecommon.PauseView) {
	if s == nil {
		return
	}
	s.pauses = p
}

// SetNowFunc overrides the time source, primarily used in tests.
func (s *Settlement) SetNowFunc(now func() int64) {
	if now == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	s.nowFn = now
}

// Vault returns the market's ledger identity.
func (s *Settlement) Vault() [20]byte { return s.vault }

func (s *Settlement) emit(evt *types.Event) {
	if s == nil || s.emitter == nil || evt == nil {
		return
	}
	s.emitter.Emit(marketEvent{evt: evt})
}

// Buy settles a single-unit purchase against a sale. The sequence is
// validate, quote, check funds, move currency (refunding native excess),
// move the asset, then finalise; a failure at any step reverts every ledger
// effect and leaves the sale exactly as it was.
func (s *Settlement) Buy(saleID uint64, auth PaymentAuthorization) (*Receipt, error) {
	if s == nil || s.registry == nil || s.registry.state == nil {
		return nil, errNilState
	}
	if s.custody == nil {
		return nil, errNilLedger
	}
	if s.pricing == nil {
		return nil, errNilPricing
	}
	if err := nativecommon.Guard(s.pauses, nativecommon.ModuleMarket); err != nil {
		return nil, err
	}

	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	s.custody.Lock()
	defer s.custody.Unlock()

	state := s.registry.state
	sale, ok, err := state.SaleGet(saleID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if sale.Status != SaleOpen || sale.Remaining == 0 {
		return nil, ErrAlreadySold
	}

	now := s.nowFn()
	payable, cur, err := s.pricing.Quote(sale, time.Unix(now, 0), auth.Method)
	if err != nil {
		return nil, err
	}
	if auth.Cap == nil || auth.Cap.Cmp(payable) < 0 {
		return nil, ErrInsufficientFunds
	}
	if !cur.IsNative() {
		if s.custody.Allowance(cur.Token, auth.Buyer, s.vault).Cmp(payable) < 0 {
			return nil, ErrInsufficientFunds
		}
	}

	snapshot := s.custody.Snapshot()
	revert := func(cause error) error {
		if revertErr := s.custody.RevertToSnapshot(snapshot); revertErr != nil {
			return fmt.Errorf("market: revert settlement: %v (cause: %w)", revertErr, cause)
		}
		return cause
	}

	refunded := big.NewInt(0)
	if cur.IsNative() {
		// The cap models the attached value: it is staged in the vault,
		// the quote forwarded to the seller, and the excess refunded to
		// the buyer in the same atomic step.
		if err := s.custody.TransferNative(auth.Buyer, s.vault, auth.Cap); err != nil {
			return nil, revert(mapLedgerErr(err))
		}
		if err := s.custody.TransferNative(s.vault, sale.Seller, payable); err != nil {
			return nil, revert(fmt.Errorf("%w: pay seller: %v", ErrTransferFailed, err))
		}
		refunded = new(big.Int).Sub(auth.Cap, payable)
		if refunded.Sign() > 0 {
			if err := s.custody.TransferNative(s.vault, auth.Buyer, refunded); err != nil {
				return nil, revert(fmt.Errorf("%w: refund excess: %v", ErrTransferFailed, err))
			}
		}
	} else {
		if err := s.custody.TransferTokenFrom(cur.Token, s.vault, auth.Buyer, sale.Seller, payable); err != nil {
			return nil, revert(mapLedgerErr(err))
		}
	}

	if err := s.custody.TransferAssetFrom(sale.AssetContract, sale.AssetID, s.vault, sale.Seller, auth.Buyer, 1); err != nil {
		return nil, revert(fmt.Errorf("%w: deliver asset: %v", ErrTransferFailed, err))
	}

	settled := sale.Clone()
	settled.Remaining--
	closed := settled.Remaining == 0
	if closed {
		settled.Status = SaleClosed
		settled.ClosedAt = now
	}
	if err := state.SalePut(settled); err != nil {
		return nil, revert(err)
	}
	s.custody.DiscardSnapshots()

	receipt := &Receipt{
		ID:       receiptID(saleID, auth.Buyer, now, payable),
		SaleID:   saleID,
		Buyer:    auth.Buyer,
		Seller:   sale.Seller,
		Method:   auth.Method,
		Paid:     payable,
		Refunded: refunded,
		Quantity: 1,
		Closed:   closed,
	}
	s.emit(newSaleSoldEvent(settled, auth.Buyer, auth.Method, payable, receipt.ID))
	if closed {
		s.emit(newSaleClosedEvent(settled))
	}
	return receipt, nil
}

// mapLedgerErr folds custody failures into the settlement taxonomy: shortfalls
// of balance or allowance are the buyer's problem, anything else is a transfer
// fault.
func mapLedgerErr(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAllowance):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
}

// receiptID derives a deterministic identifier for the settled purchase.
func receiptID(saleID uint64, buyer [20]byte, now int64, paid *big.Int) [32]byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], saleID)
	binary.BigEndian.PutUint64(buf[8:], uint64(now))
	digest := ethcrypto.Keccak256(buf[:], buyer[:], paid.Bytes())
	var id [32]byte
	copy(id[:], digest)
	return id
}
