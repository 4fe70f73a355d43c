package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for fingerprint digests.
// Version suffix enables future normalization changes without colliding
// with fingerprints already stored.
const (
	DomainParsed = "signalcore/fingerprint/v1"
	DomainRaw    = "signalcore/fingerprint-raw/v1"
)

// absent stands in for a missing optional price. It can never be produced by
// a decimal rendering, so a signal without a stop loss cannot collide with
// one that has an empty-looking value.
const absent = "<absent>"

// fieldSep separates normalized fields inside the hashed payload.
const fieldSep = "\x1f"

// jpyTickKey is the tick-size key applied to any pair quoted in JPY that has
// no exact entry.
const jpyTickKey = "JPY"

var actionSynonyms = map[string]string{
	"long":  "buy",
	"short": "sell",
}

// FingerprintOptions configures price precision and pair aliasing.
type FingerprintOptions struct {
	// TickSizes maps a normalized pair to its price increment. The key "JPY"
	// applies to any JPY-quoted pair without its own entry.
	TickSizes map[string]decimal.Decimal

	// DefaultTick is used for pairs with no tick size.
	DefaultTick decimal.Decimal

	// Aliases maps a normalized pair spelling to its canonical symbol
	// (GOLD → XAUUSD).
	Aliases map[string]string
}

// Fingerprinter normalizes parsed fields into a stable identity.
//
// Thread-safety: a Fingerprinter is immutable after construction and safe
// for concurrent use.
type Fingerprinter struct {
	ticks       map[string]decimal.Decimal
	defaultTick decimal.Decimal
	aliases     map[string]string
}

// NewFingerprinter builds a Fingerprinter. Alias keys and tick keys are
// normalized with the same rules as incoming pairs.
func NewFingerprinter(opts FingerprintOptions) *Fingerprinter {
	f := &Fingerprinter{
		ticks:       make(map[string]decimal.Decimal, len(opts.TickSizes)),
		defaultTick: opts.DefaultTick,
		aliases:     make(map[string]string, len(opts.Aliases)),
	}
	if !f.defaultTick.IsPositive() {
		f.defaultTick = decimal.New(1, -5)
	}
	for alias, canonical := range opts.Aliases {
		f.aliases[f.foldPair(alias)] = f.foldPair(canonical)
	}
	for pair, tick := range opts.TickSizes {
		if tick.IsPositive() {
			f.ticks[f.NormalizePair(pair)] = tick
		}
	}
	return f
}

// Fingerprint returns the hex digest identifying p as published by channelID.
func (f *Fingerprinter) Fingerprint(channelID string, p ParsedFields) string {
	pair := f.NormalizePair(p.Pair)
	tick := f.TickSize(pair)

	tps := make([]decimal.Decimal, 0, len(p.TakeProfits))
	seen := make(map[string]bool, len(p.TakeProfits))
	for _, tp := range p.TakeProfits {
		rounded := roundToTick(tp, tick)
		key := rounded.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		tps = append(tps, rounded)
	}
	sort.Slice(tps, func(i, j int) bool { return tps[i].LessThan(tps[j]) })

	tpStrings := make([]string, len(tps))
	for i, tp := range tps {
		tpStrings[i] = tp.String()
	}
	takeProfits := absent
	if len(tpStrings) > 0 {
		takeProfits = strings.Join(tpStrings, ",")
	}

	payload := strings.Join([]string{
		strings.TrimSpace(channelID),
		pair,
		f.NormalizeAction(p.Action),
		lower(strings.TrimSpace(string(p.Intent))),
		f.price(p.Entry, tick),
		f.price(p.StopLoss, tick),
		takeProfits,
	}, fieldSep)

	return hashWithDomain(DomainParsed, []byte(payload))
}

// RawFingerprint identifies text that could not be parsed. Whitespace runs
// and letter case are folded so trivially reformatted repeats still collide.
func (f *Fingerprinter) RawFingerprint(channelID, rawText string) string {
	folded := strings.Join(strings.Fields(lower(norm.NFKC.String(rawText))), " ")
	return hashWithDomain(DomainRaw, []byte(strings.TrimSpace(channelID)+fieldSep+folded))
}

// NormalizePair folds width and case, strips separators and resolves aliases.
func (f *Fingerprinter) NormalizePair(pair string) string {
	folded := f.foldPair(pair)
	if canonical, ok := f.aliases[folded]; ok {
		return canonical
	}
	return folded
}

// NormalizeAction lowercases the action and maps long/short to buy/sell.
func (f *Fingerprinter) NormalizeAction(action string) string {
	a := lower(strings.TrimSpace(norm.NFKC.String(action)))
	if canonical, ok := actionSynonyms[a]; ok {
		return canonical
	}
	return a
}

// TickSize returns the price increment for a normalized pair.
func (f *Fingerprinter) TickSize(pair string) decimal.Decimal {
	if tick, ok := f.ticks[pair]; ok {
		return tick
	}
	if strings.HasSuffix(pair, jpyTickKey) {
		if tick, ok := f.ticks[jpyTickKey]; ok {
			return tick
		}
	}
	return f.defaultTick
}

func (f *Fingerprinter) foldPair(pair string) string {
	s := upper(norm.NFKC.String(pair))
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '/' || r == '-' || r == '_' {
			return -1
		}
		return r
	}, s)
}

func (f *Fingerprinter) price(p decimal.NullDecimal, tick decimal.Decimal) string {
	if !p.Valid {
		return absent
	}
	return roundToTick(p.Decimal, tick).String()
}

func roundToTick(p, tick decimal.Decimal) decimal.Decimal {
	return p.DivRound(tick, 0).Mul(tick)
}

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Casers carry state and must not be shared between goroutines.
func upper(s string) string { return cases.Upper(language.Und).String(s) }

func lower(s string) string { return cases.Lower(language.Und).String(s) }
