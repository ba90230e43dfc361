package market

import (
	"math/big"
	"sync"
	"time"

	"dutchmarket/core/events"
	"dutchmarket/core/types"
	nativecommon "dutchmarket/native/common"
)

// registryState is the slice of state manager behaviour the sale registry
// needs. Sale records are exclusively owned by the registry; no other
// component mutates one directly.
type registryState interface {
	SalePut(*Sale) error
	SaleGet(id uint64) (*Sale, bool, error)
	SaleCount() (uint64, error)
	SaleSetCount(uint64) error
}

// Registry owns the collection of active and closed sales. Identifiers are
// sequential starting at zero and closed sales remain queryable forever.
type Registry struct {
	mu      sync.Mutex
	state   registryState
	emitter events.Emitter
	nowFn   func() int64
	pauses  nativecommon.PauseView
}

// NewRegistry constructs an empty registry; SetState must be called before
// use.
func NewRegistry() *Registry {
	return &Registry{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetEmitter configures the event emitter used by the registry.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetPauses wires the administrative pause switchboard.
func (r *Registry) SetPauses(p nativecommon.PauseView) {
	if r == nil {
		return
	}
	r.pauses = p
}

// SetNowFunc overrides the time source, primarily used in tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Registry) emit(evt *types.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(marketEvent{evt: evt})
}

// marketEvent adapts a types.Event payload to the events.Event interface.
type marketEvent struct {
	evt *types.Event
}

func (m marketEvent) EventType() string {
	if m.evt == nil {
		return ""
	}
	return m.evt.Type
}

func (m marketEvent) Event() *types.Event { return m.evt }

// CreateSale records a seller's intent to sell quantity units of an asset,
// decaying from initialPrice to floorPrice in reference units. Custody of the
// asset stays with the seller; the ledger collaborator checks approval at
// settlement time. Returns the stored sale with its assigned identifier.
func (r *Registry) CreateSale(seller [20]byte, assetContract [20]byte, assetID uint64, initialPrice, floorPrice *big.Int, quantity uint64) (*Sale, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(r.pauses, nativecommon.ModuleMarket); err != nil {
		return nil, err
	}
	sale := &Sale{
		AssetContract: assetContract,
		AssetID:       assetID,
		Seller:        seller,
		InitialPrice:  initialPrice,
		FloorPrice:    floorPrice,
		CreatedAt:     r.nowFn(),
		Quantity:      quantity,
		Remaining:     quantity,
		Status:        SaleOpen,
	}
	sanitized, err := SanitizeSale(sale)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	count, err := r.state.SaleCount()
	if err != nil {
		return nil, err
	}
	sanitized.ID = count
	if err := r.state.SalePut(sanitized); err != nil {
		return nil, err
	}
	if err := r.state.SaleSetCount(count + 1); err != nil {
		return nil, err
	}
	r.emit(newSaleCreatedEvent(sanitized))
	return sanitized.Clone(), nil
}

// GetSale returns a copy of the sale record.
func (r *Registry) GetSale(id uint64) (*Sale, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	sale, ok, err := r.state.SaleGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return sale.Clone(), nil
}

// Sales returns up to limit sale copies starting at offset, in id order.
func (r *Registry) Sales(offset, limit uint64) ([]*Sale, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	count, err := r.state.SaleCount()
	if err != nil {
		return nil, err
	}
	if offset >= count {
		return []*Sale{}, nil
	}
	end := count
	if limit > 0 && count-offset > limit {
		end = offset + limit
	}
	out := make([]*Sale, 0, end-offset)
	for id := offset; id < end; id++ {
		sale, ok, err := r.state.SaleGet(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, sale.Clone())
	}
	return out, nil
}

// CloseSale transitions a sale to Closed. The transition is idempotent; a
// sale that is already closed is left untouched.
func (r *Registry) CloseSale(id uint64) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sale, ok, err := r.state.SaleGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if sale.Status == SaleClosed {
		return nil
	}
	closed := sale.Clone()
	closed.Status = SaleClosed
	closed.ClosedAt = r.nowFn()
	if err := r.state.SalePut(closed); err != nil {
		return err
	}
	r.emit(newSaleClosedEvent(closed))
	return nil
}

// Cancel is the authorised cancellation hook: only the seller may withdraw a
// sale, and only while it is still open.
func (r *Registry) Cancel(id uint64, caller [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(r.pauses, nativecommon.ModuleMarket); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sale, ok, err := r.state.SaleGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if sale.Seller != caller {
		return ErrUnauthorized
	}
	if sale.Status == SaleClosed {
		return ErrAlreadySold
	}
	cancelled := sale.Clone()
	cancelled.Status = SaleClosed
	cancelled.ClosedAt = r.nowFn()
	if err := r.state.SalePut(cancelled); err != nil {
		return err
	}
	r.emit(newSaleCancelledEvent(cancelled, caller))
	return nil
}
