package swap

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualOracleSetDecimal(t *testing.T) {
	oracle := NewManualOracle()
	ts := time.Unix(1_700_000_000, 0)
	require.NoError(t, oracle.SetDecimal("eth", "usd", "0.25", ts))

	quote, err := oracle.GetRate("ETH", "USD")
	require.NoError(t, err)
	require.Equal(t, big.NewRat(1, 4), quote.Rate)
	require.Equal(t, "manual", quote.Source)

	require.Error(t, oracle.SetDecimal("eth", "usd", "", ts))
	require.Error(t, oracle.SetDecimal("eth", "usd", "not-a-number", ts))
	require.Error(t, oracle.SetDecimal("eth", "usd", "-1", ts))

	_, err = oracle.GetRate("DAI", "USD")
	require.Error(t, err)
}

func TestAggregatorPriorityOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	primary := NewManualOracle()
	secondary := NewManualOracle()
	primary.Set("ETH", "USD", big.NewRat(2, 1), now)
	secondary.Set("ETH", "USD", big.NewRat(3, 1), now)

	agg := NewOracleAggregator([]string{"primary", "secondary"}, time.Hour)
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("primary", primary)
	agg.Register("secondary", secondary)

	quote, err := agg.GetRate("ETH", "USD")
	require.NoError(t, err)
	require.Equal(t, big.NewRat(2, 1), quote.Rate)
}

func TestAggregatorSkipsStaleQuotes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	primary := NewManualOracle()
	secondary := NewManualOracle()
	primary.Set("ETH", "USD", big.NewRat(2, 1), now.Add(-2*time.Hour))
	secondary.Set("ETH", "USD", big.NewRat(3, 1), now.Add(-time.Minute))

	agg := NewOracleAggregator([]string{"primary", "secondary"}, time.Hour)
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("primary", primary)
	agg.Register("secondary", secondary)

	quote, err := agg.GetRate("ETH", "USD")
	require.NoError(t, err)
	require.Equal(t, big.NewRat(3, 1), quote.Rate)
}

func TestAggregatorNoFreshQuote(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	stale := NewManualOracle()
	stale.Set("ETH", "USD", big.NewRat(2, 1), now.Add(-2*time.Hour))

	agg := NewOracleAggregator([]string{"stale"}, time.Hour)
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("stale", stale)

	_, err := agg.GetRate("ETH", "USD")
	require.ErrorIs(t, err, ErrNoFreshQuote)
}

func TestAggregatorZeroMaxAgeDisablesFiltering(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	old := NewManualOracle()
	old.Set("ETH", "USD", big.NewRat(2, 1), now.Add(-240*time.Hour))

	agg := NewOracleAggregator([]string{"old"}, 0)
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("old", old)

	quote, err := agg.GetRate("ETH", "USD")
	require.NoError(t, err)
	require.Equal(t, big.NewRat(2, 1), quote.Rate)
}

func TestAggregatorRequiresSymbols(t *testing.T) {
	agg := NewOracleAggregator(nil, 0)
	_, err := agg.GetRate("", "USD")
	require.Error(t, err)
	_, err = agg.GetRate("ETH", " ")
	require.Error(t, err)
}
