package config

import "strings"

// Normalize canonicalizes user-provided enum fields in place. Unknown values
// are left as-is so validation can report them with context.
func Normalize(cfg *Config) {
	cfg.Tracking.Style = TrackingStyle(lower(string(cfg.Tracking.Style)))
	cfg.Storage.Backend = StorageBackend(lower(string(cfg.Storage.Backend)))
	cfg.Ledger.Backend = LedgerBackend(lower(string(cfg.Ledger.Backend)))
	cfg.Logging.Level = lower(cfg.Logging.Level)
	cfg.Logging.Format = lower(cfg.Logging.Format)

	if mode := NormalizeRetryBackoff(cfg.Retry.Backoff); mode != "" {
		cfg.Retry.Backoff = string(mode)
	}

	// Band names are upper-case by convention (B2, B3, NDVI, ...).
	for i, k := range cfg.Features.Keylist {
		cfg.Features.Keylist[i] = strings.ToUpper(strings.TrimSpace(k))
	}

	// Prefixes are directory-like.
	cfg.Data.RawPrefix = ensureTrailingSlash(cfg.Data.RawPrefix)
	cfg.Data.TrainPrefix = ensureTrailingSlash(cfg.Data.TrainPrefix)
	cfg.Data.ValPrefix = ensureTrailingSlash(cfg.Data.ValPrefix)
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func ensureTrailingSlash(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
