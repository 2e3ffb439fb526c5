package instrument

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "strategy_engine/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const referenceYAML = `
- exchange: binance
  global_symbol: BTC_USDT
  exchange_symbol: BTCUSDT
  symbol_type: SPOT
  tick_size: "0.01"
  order_size_incremental: "0.00001"
  min_order_size: "0.00001"
  min_order_size_in_value: "10"
  price_ccy: BTC
  price_quote_ccy: USDT
  size_ccy: BTC

- exchange: okx
  global_symbol: BTC_USD_SWAP
  exchange_symbol: BTC-USD-SWAP
  symbol_type: PERPETUAL_SWAP
  tick_size: "0.1"
  order_size_incremental: "1"
  size_multiplier: "100"
  price_ccy: BTC
  price_quote_ccy: USD
  size_ccy: USD
  base_as_margin: true
  two_way: true

- exchange: okx
  global_symbol: BTC_USDT_SWAP
  exchange_symbol: BTC-USDT-SWAP
  symbol_type: PERPETUAL_SWAP
  tick_size: "0.1"
  order_size_incremental: "0.001"
  price_ccy: BTC
  price_quote_ccy: USDT
  size_ccy: BTC
  quote_as_margin: true
`

func loadRef(t *testing.T, content string) (*Reference, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "symbols.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return LoadFile(path)
}

func TestLoadFileAndLookups(t *testing.T) {
	ref, err := loadRef(t, referenceYAML)
	require.NoError(t, err)

	spot, err := ref.Get("binance", "BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", spot.Symbol)
	assert.False(t, spot.IsDerivative())
	assert.False(t, spot.SizeIsValue())
	assert.True(t, spot.TickSize.Equal(decimalFromString(t, "0.01")))

	bySym, err := ref.GetBySymbol("okx", "BTC-USD-SWAP")
	require.NoError(t, err)
	assert.Equal(t, "BTC_USD_SWAP", bySym.GlobalSymbol)
}

func TestInverseClassification(t *testing.T) {
	ref, err := loadRef(t, referenceYAML)
	require.NoError(t, err)

	inverse, err := ref.Get("okx", "BTC_USD_SWAP")
	require.NoError(t, err)
	assert.True(t, inverse.IsDerivative())
	assert.True(t, inverse.IsInverse(), "sized in the quote currency")
	assert.True(t, inverse.SizeIsValue())
	assert.Equal(t, "BTC", inverse.PnlCcy, "base-margined contract settles PnL in base")

	linear, err := ref.Get("okx", "BTC_USDT_SWAP")
	require.NoError(t, err)
	assert.False(t, linear.IsInverse())
	assert.Equal(t, "USDT", linear.PnlCcy)
}

func TestLookupErrors(t *testing.T) {
	ref, err := loadRef(t, referenceYAML)
	require.NoError(t, err)

	_, err = ref.Get("kraken", "BTC_USDT")
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedExchange)

	_, err = ref.Get("binance", "DOGE_USDT")
	assert.ErrorIs(t, err, apperrors.ErrInstrumentNotFound)
}

func TestSymbolsInQuote(t *testing.T) {
	ref, err := loadRef(t, referenceYAML)
	require.NoError(t, err)

	syms := ref.SymbolsInQuote("okx", "USDT")
	assert.Equal(t, []string{"BTC_USDT_SWAP"}, syms)
}

func TestMalformedRowIsFatal(t *testing.T) {
	_, err := loadRef(t, `
- exchange: binance
  global_symbol: BTC_USDT
  exchange_symbol: BTCUSDT
  symbol_type: SPOT
  tick_size: "not-a-number"
  order_size_incremental: "0.001"
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick_size")

	_, err = loadRef(t, `
- exchange: binance
  global_symbol: BTC_USDT
  exchange_symbol: BTCUSDT
  symbol_type: WEIRD
  tick_size: "0.01"
  order_size_incremental: "0.001"
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol_type")
}

func decimalFromString(t *testing.T, s string) (d decimal.Decimal) {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
