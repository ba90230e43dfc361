package swap

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dutchmarket/native/ledger"
)

func newVenueFixture(t *testing.T) (*LedgerVenue, *ledger.Ledger, [20]byte, [20]byte) {
	t.Helper()
	custody := ledger.New()
	oracle := NewManualOracle()
	venueAddr := swapAddr(0xEE)
	token := swapAddr(0xA0)
	payer := swapAddr(0x01)

	now := time.Unix(1_700_000_000, 0)
	// 100 native base units per reference unit, 4 token base units per
	// reference unit: one native unit buys 0.04 token units.
	oracle.Set("ETH", "USD", big.NewRat(100, 1), now)
	oracle.Set("DAI", "USD", big.NewRat(4, 1), now)

	require.NoError(t, custody.MintNative(payer, big.NewInt(10_000)))
	require.NoError(t, custody.MintToken(token, venueAddr, big.NewInt(1_000)))
	custody.DiscardSnapshots()

	venue := NewLedgerVenue(custody, oracle, venueAddr, "USD", "ETH")
	venue.ListToken(token, "DAI")
	return venue, custody, token, payer
}

func TestVenueSwapConversion(t *testing.T) {
	venue, custody, token, payer := newVenueFixture(t)

	out, err := venue.SwapNativeForToken(payer, token, big.NewInt(5_000), payer)
	require.NoError(t, err)
	// 5000 native / 100 = 50 reference units, * 4 = 200 token units.
	require.Equal(t, int64(200), out.Int64())
	require.Equal(t, int64(5_000), custody.NativeBalance(payer).Int64())
	require.Equal(t, int64(5_000), custody.NativeBalance(venue.Address()).Int64())
	require.Equal(t, int64(200), custody.TokenBalance(token, payer).Int64())
	require.Equal(t, int64(800), custody.TokenBalance(token, venue.Address()).Int64())
}

func TestVenueSwapRoundsDown(t *testing.T) {
	venue, _, token, payer := newVenueFixture(t)

	// 30 native / 100 * 4 = 1.2 token units, floored in the caller's
	// disfavour.
	out, err := venue.SwapNativeForToken(payer, token, big.NewInt(30), payer)
	require.NoError(t, err)
	require.Equal(t, int64(1), out.Int64())
}

func TestVenueUnknownToken(t *testing.T) {
	venue, _, _, payer := newVenueFixture(t)

	_, err := venue.SwapNativeForToken(payer, swapAddr(0x77), big.NewInt(100), payer)
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestVenueInsufficientInventory(t *testing.T) {
	venue, custody, token, payer := newVenueFixture(t)

	// 10000 native would require 400 token units; drain inventory below that.
	require.NoError(t, custody.TransferTokenFrom(token, venue.Address(), venue.Address(), swapAddr(0x88), big.NewInt(900)))
	_, err := venue.SwapNativeForToken(payer, token, big.NewInt(10_000), payer)
	require.ErrorIs(t, err, ErrNoLiquidity)
	require.Equal(t, int64(10_000), custody.NativeBalance(payer).Int64())
}

func TestVenueMissingRate(t *testing.T) {
	venue, custody, _, payer := newVenueFixture(t)
	unlisted := swapAddr(0xBB)
	require.NoError(t, custody.MintToken(unlisted, venue.Address(), big.NewInt(1_000)))
	venue.ListToken(unlisted, "LINK")

	_, err := venue.SwapNativeForToken(payer, unlisted, big.NewInt(100), payer)
	require.Error(t, err)
}
