package market

import (
	"fmt"
	"math/big"
)

// SaleStatus represents the lifecycle states of a sale. Closed is terminal.
type SaleStatus uint8

const (
	SaleOpen SaleStatus = iota
	SaleClosed
)

// Valid reports whether the status value is within the supported range.
func (s SaleStatus) Valid() bool {
	switch s {
	case SaleOpen, SaleClosed:
		return true
	default:
		return false
	}
}

func (s SaleStatus) String() string {
	switch s {
	case SaleOpen:
		return "open"
	case SaleClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Sale is the unit of commerce. Prices are denominated in reference units
// (hundredths of the quote currency); the current price is always derived from
// (InitialPrice, FloorPrice, CreatedAt, now) and never persisted. Closed sales
// are kept forever for history.
//
// Field order is append-only across schema versions: new fields go at the end,
// existing fields are never reordered or removed.
type Sale struct {
	ID            uint64
	AssetContract [20]byte
	AssetID       uint64
	Seller        [20]byte
	InitialPrice  *big.Int
	FloorPrice    *big.Int
	CreatedAt     int64
	Quantity      uint64
	Remaining     uint64
	Status        SaleStatus
	ClosedAt      int64
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (s *Sale) Clone() *Sale {
	if s == nil {
		return nil
	}
	clone := *s
	if s.InitialPrice != nil {
		clone.InitialPrice = new(big.Int).Set(s.InitialPrice)
	} else {
		clone.InitialPrice = big.NewInt(0)
	}
	if s.FloorPrice != nil {
		clone.FloorPrice = new(big.Int).Set(s.FloorPrice)
	} else {
		clone.FloorPrice = big.NewInt(0)
	}
	return &clone
}

// SanitizeSale validates the supplied sale definition and returns a cloned
// instance with non-nil price fields. The original value is not mutated.
func SanitizeSale(s *Sale) (*Sale, error) {
	if s == nil {
		return nil, fmt.Errorf("market: nil sale")
	}
	clone := s.Clone()
	if clone.InitialPrice.Sign() < 0 || clone.FloorPrice.Sign() < 0 {
		return nil, ErrInvalidPriceRange
	}
	if clone.FloorPrice.Cmp(clone.InitialPrice) > 0 {
		return nil, ErrInvalidPriceRange
	}
	if clone.Quantity == 0 {
		return nil, ErrInvalidQuantity
	}
	if clone.Remaining > clone.Quantity {
		return nil, fmt.Errorf("market: remaining %d exceeds quantity %d", clone.Remaining, clone.Quantity)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("market: invalid sale status: %d", clone.Status)
	}
	return clone, nil
}
