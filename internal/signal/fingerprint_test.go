package signal

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFingerprinter() *Fingerprinter {
	return NewFingerprinter(FingerprintOptions{
		TickSizes: map[string]decimal.Decimal{
			"XAUUSD": decimal.RequireFromString("0.01"),
			"JPY":    decimal.RequireFromString("0.001"),
		},
		DefaultTick: decimal.RequireFromString("0.00001"),
		Aliases:     map[string]string{"GOLD": "XAUUSD", "silver": "XAGUSD"},
	})
}

func price(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func prices(ss ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ss))
	for i, s := range ss {
		out[i] = decimal.RequireFromString(s)
	}
	return out
}

func goldBuy() ParsedFields {
	return ParsedFields{
		Pair:        "GOLD",
		Action:      "BUY",
		Intent:      IntentOpenTrade,
		Entry:       price("1985"),
		StopLoss:    price("1975"),
		TakeProfits: prices("1995", "2005"),
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	f := newTestFingerprinter()
	a := f.Fingerprint("chan-a", goldBuy())
	b := f.Fingerprint("chan-a", goldBuy())
	assert.Equal(t, a, b)
	assert.Len(t, a, 64, "hex-encoded SHA-256")
}

func TestFingerprint_CasingSpacingAndTPOrderCollide(t *testing.T) {
	f := newTestFingerprinter()
	base := f.Fingerprint("chan-a", goldBuy())

	variant := goldBuy()
	variant.Pair = "  xau / usd "
	variant.Action = " buy "
	variant.TakeProfits = prices("2005.00", "1995")
	assert.Equal(t, base, f.Fingerprint("chan-a", variant))
}

func TestFingerprint_FullWidthOCRCharactersFold(t *testing.T) {
	f := newTestFingerprinter()
	variant := goldBuy()
	variant.Pair = "ＸＡＵＵＳＤ"
	assert.Equal(t, f.Fingerprint("chan-a", goldBuy()), f.Fingerprint("chan-a", variant))
}

func TestFingerprint_RoundsToTickPrecision(t *testing.T) {
	f := newTestFingerprinter()
	variant := goldBuy()
	variant.Entry = price("1985.001")
	assert.Equal(t, f.Fingerprint("chan-a", goldBuy()), f.Fingerprint("chan-a", variant))

	moved := goldBuy()
	moved.Entry = price("1985.02")
	assert.NotEqual(t, f.Fingerprint("chan-a", goldBuy()), f.Fingerprint("chan-a", moved))
}

func TestFingerprint_LongShortSynonyms(t *testing.T) {
	f := newTestFingerprinter()
	variant := goldBuy()
	variant.Action = "Long"
	assert.Equal(t, f.Fingerprint("chan-a", goldBuy()), f.Fingerprint("chan-a", variant))
}

func TestFingerprint_ChannelIsPartOfIdentity(t *testing.T) {
	f := newTestFingerprinter()
	assert.NotEqual(t, f.Fingerprint("chan-a", goldBuy()), f.Fingerprint("chan-b", goldBuy()))
}

func TestFingerprint_MissingStopLossUsesSentinel(t *testing.T) {
	f := newTestFingerprinter()
	noSL := goldBuy()
	noSL.StopLoss = decimal.NullDecimal{}

	zeroSL := goldBuy()
	zeroSL.StopLoss = price("0")

	assert.NotEqual(t, f.Fingerprint("chan-a", noSL), f.Fingerprint("chan-a", zeroSL))
	assert.NotEqual(t, f.Fingerprint("chan-a", noSL), f.Fingerprint("chan-a", goldBuy()))
}

func TestFingerprint_DuplicateTakeProfitsCollapse(t *testing.T) {
	f := newTestFingerprinter()
	variant := goldBuy()
	variant.TakeProfits = prices("1995", "2005", "1995.00")
	assert.Equal(t, f.Fingerprint("chan-a", goldBuy()), f.Fingerprint("chan-a", variant))
}

func TestNormalizePair(t *testing.T) {
	f := newTestFingerprinter()
	tests := []struct {
		in   string
		want string
	}{
		{"eur/usd", "EURUSD"},
		{" EUR-USD ", "EURUSD"},
		{"gold", "XAUUSD"},
		{"Silver", "XAGUSD"},
		{"usd_jpy", "USDJPY"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, f.NormalizePair(tt.in))
		})
	}
}

func TestTickSize(t *testing.T) {
	f := newTestFingerprinter()
	assert.True(t, f.TickSize("XAUUSD").Equal(decimal.RequireFromString("0.01")))
	assert.True(t, f.TickSize("GBPJPY").Equal(decimal.RequireFromString("0.001")))
	assert.True(t, f.TickSize("EURUSD").Equal(decimal.RequireFromString("0.00001")))
}

func TestRawFingerprint_FoldsWhitespaceAndCase(t *testing.T) {
	f := newTestFingerprinter()
	a := f.RawFingerprint("chan-a", "gold   to the MOON")
	b := f.RawFingerprint("chan-a", "GOLD to the moon\n")
	require.Equal(t, a, b)
	assert.NotEqual(t, a, f.Fingerprint("chan-a", ParsedFields{}), "raw and parsed domains never collide")
}
