// Package instruments resolves human symbols to the broker's internal
// numeric instrument ids and back, tolerating the formatting variance
// between crypto pair notations and equity tickers.
package instruments

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/apperr"
	"tradegate/internal/broker"
	"tradegate/internal/cache"
)

const (
	symbolTTL    = 30 * time.Minute
	directoryTTL = 60 * time.Second

	// batchConcurrency bounds parallel symbol lookups so a batch neither
	// serializes nor floods the rate limiter.
	batchConcurrency = 5
)

// quoteSuffixes are tried longest-first when generating candidates for
// suffix-notation pairs like BTCUSD.
var quoteSuffixes = []string{"USDT", "USDC", "USD", "EUR", "GBP"}

// SearchClient is the slice of the protocol client the directory needs.
type SearchClient interface {
	SearchSecurities(ctx context.Context, symbol string) ([]broker.Security, error)
	ListSecurities(ctx context.Context) ([]broker.Security, error)
}

// Directory caches bidirectional symbol/instrument-id mappings.
type Directory struct {
	client SearchClient
	logger zerolog.Logger

	symbols   *cache.Map[broker.Security]
	directory *cache.Value[map[int64]broker.Security]
}

// Options tune the directory cache TTLs. Zero values take the defaults.
type Options struct {
	SymbolTTL    time.Duration
	DirectoryTTL time.Duration
}

// New constructs a Directory over the given search client.
func New(client SearchClient, opts Options, logger zerolog.Logger) *Directory {
	if opts.SymbolTTL <= 0 {
		opts.SymbolTTL = symbolTTL
	}
	if opts.DirectoryTTL <= 0 {
		opts.DirectoryTTL = directoryTTL
	}
	d := &Directory{
		client: client,
		logger: logger.With().Str("component", "instrument_directory").Logger(),
	}
	d.symbols = cache.NewMap(opts.SymbolTTL, d.resolveUncached)
	d.directory = cache.NewValue(opts.DirectoryTTL, d.fetchDirectory)
	return d
}

// Normalize canonicalizes a symbol for cache keying.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Candidates generates the symbol spellings to try against the broker's
// exact-match search, in priority order:
//  1. the symbol itself
//  2. for separator pairs (BTC/USD): the stripped form, then the prefix
//  3. for suffix pairs (BTCUSD): the suffix-stripped form, then the
//     separator-inserted form
func Candidates(symbol string) []string {
	norm := Normalize(symbol)
	out := []string{norm}
	seen := map[string]bool{norm: true}
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if i := strings.IndexAny(norm, "/-_"); i > 0 {
		stripped := strings.Map(func(r rune) rune {
			if r == '/' || r == '-' || r == '_' {
				return -1
			}
			return r
		}, norm)
		add(stripped)
		add(norm[:i])
		return out
	}

	for _, suffix := range quoteSuffixes {
		if base, ok := strings.CutSuffix(norm, suffix); ok && base != "" {
			add(base)
			add(base + "/" + suffix)
			break
		}
	}
	return out
}

// Resolve maps a symbol to its instrument record. Not-found is terminal for
// this symbol; callers must not retry without a different spelling.
func (d *Directory) Resolve(ctx context.Context, symbol string) (broker.Security, error) {
	norm := Normalize(symbol)
	if norm == "" {
		return broker.Security{}, apperr.New(apperr.KindInvalidInput, "empty symbol")
	}
	return d.symbols.Get(ctx, norm)
}

// ResolveID is a convenience wrapper returning only the instrument id.
func (d *Directory) ResolveID(ctx context.Context, symbol string) (int64, error) {
	sec, err := d.Resolve(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return sec.InstrumentID, nil
}

func (d *Directory) resolveUncached(ctx context.Context, norm string) (broker.Security, error) {
	for _, candidate := range Candidates(norm) {
		secs, err := d.client.SearchSecurities(ctx, candidate)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				continue
			}
			return broker.Security{}, err
		}
		if len(secs) == 0 {
			continue
		}

		sec := secs[0]
		d.logger.Debug().
			Str("symbol", norm).
			Str("candidate", candidate).
			Int64("instrument_id", sec.InstrumentID).
			Msg("symbol resolved")

		// Cache the broker's display casing too so follow-up lookups by
		// either spelling are cache hits.
		if display := Normalize(sec.Symbol); display != "" && display != norm {
			d.symbols.Put(display, sec)
		}
		return sec, nil
	}
	return broker.Security{}, apperr.Newf(apperr.KindNotFound, "symbol %q not found", norm)
}

// ResolveMany resolves symbols concurrently with bounded parallelism, then
// triggers one directory refresh instead of one per symbol. Symbols that
// fail to resolve are absent from the result; the first non-not-found error
// is reported alongside the partial result.
func (d *Directory) ResolveMany(ctx context.Context, symbols []string) (map[string]broker.Security, error) {
	sem := make(chan struct{}, batchConcurrency)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		resolved = make(map[string]broker.Security, len(symbols))
		firstErr error
	)

	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			sec, err := d.Resolve(ctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if apperr.KindOf(err) != apperr.KindNotFound && firstErr == nil {
					firstErr = err
				}
				return
			}
			resolved[Normalize(symbol)] = sec
		}(symbol)
	}
	wg.Wait()

	// One metadata refresh for the whole batch.
	if _, err := d.directory.Get(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("directory refresh after batch resolve failed")
	}

	return resolved, firstErr
}

func (d *Directory) fetchDirectory(ctx context.Context) (map[int64]broker.Security, error) {
	secs, err := d.client.ListSecurities(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]broker.Security, len(secs))
	for _, sec := range secs {
		byID[sec.InstrumentID] = sec
	}
	return byID, nil
}

// Lookup returns the instrument record for an id from the unfiltered
// directory snapshot. The bulk fetch is deliberately unfiltered: a request
// filtered by a specific id set fails entirely when any one id is delisted.
func (d *Directory) Lookup(ctx context.Context, instrumentID int64) (broker.Security, error) {
	byID, err := d.directory.Get(ctx)
	if err != nil {
		return broker.Security{}, err
	}
	sec, ok := byID[instrumentID]
	if !ok {
		return broker.Security{}, apperr.Newf(apperr.KindNotFound, "instrument %d not in directory", instrumentID)
	}
	return sec, nil
}

// Snapshot returns the cached id-to-record map, fetching it if stale.
func (d *Directory) Snapshot(ctx context.Context) (map[int64]broker.Security, error) {
	return d.directory.Get(ctx)
}

// InvalidateDirectory drops the bulk snapshot, forcing the next Lookup to
// refetch.
func (d *Directory) InvalidateDirectory() {
	d.directory.Invalidate()
}
