package market

import "errors"

// Error taxonomy surfaced by the registry, pricing and settlement engines.
// Every one of these aborts the whole operation with no partial state change;
// ErrOracleUnavailable and ErrTransferFailed are safe for the caller to retry.
var (
	ErrInvalidPriceRange   = errors.New("market: floor price exceeds initial price")
	ErrInvalidQuantity     = errors.New("market: quantity must be positive")
	ErrNotFound            = errors.New("market: sale not found")
	ErrUnsupportedCurrency = errors.New("market: payment method not registered")
	ErrOracleUnavailable   = errors.New("market: price oracle unavailable")
	ErrInsufficientFunds   = errors.New("market: insufficient funds")
	ErrAlreadySold         = errors.New("market: sale already settled")
	ErrTransferFailed      = errors.New("market: transfer failed")
	ErrUnauthorized        = errors.New("market: caller not authorised")

	errNilState   = errors.New("market: state not configured")
	errNilLedger  = errors.New("market: custody ledger not configured")
	errNilPricing = errors.New("market: pricing engine not configured")
)
