// Copyright 2025 Certen Protocol

package attestation

import (
	"context"
	"sync"
	"time"
)

// RevocationOracle is polled periodically for the current revocation
// verdict of a measurement, independent of any single Adapter's own
// vendor-collateral check — it is the seam a registry-backed or
// operator-driven override plugs into (spec §4.5, §4.6).
type RevocationOracle interface {
	Check(ctx context.Context, vendorTag string, measurement []byte) (RevocationVerdict, error)
}

// PollingOracle wraps a Registry and polls each adapter's CheckRevocation
// on a fixed interval, caching the last-known verdict per (vendor,
// measurement) so CheckCached never blocks on a live network call.
type PollingOracle struct {
	reg      *Registry
	interval time.Duration

	mu    sync.RWMutex
	cache map[string]RevocationVerdict
}

// NewPollingOracle returns a PollingOracle over reg; Run must be started
// separately to begin background polling.
func NewPollingOracle(reg *Registry, interval time.Duration) *PollingOracle {
	return &PollingOracle{reg: reg, interval: interval, cache: make(map[string]RevocationVerdict)}
}

// Check performs a live vendor lookup and updates the cache, returning
// RevocationUnknown (never erroring the caller into treating it as "ok")
// if the adapter lookup itself fails.
func (p *PollingOracle) Check(ctx context.Context, vendorTag string, measurement []byte) (RevocationVerdict, error) {
	a, err := p.reg.Lookup(vendorTag)
	if err != nil {
		return RevocationUnknown, err
	}
	verdict, err := a.CheckRevocation(ctx, measurement)
	if err != nil {
		return RevocationUnknown, err
	}
	p.mu.Lock()
	p.cache[cacheKey(vendorTag, measurement)] = verdict
	p.mu.Unlock()
	return verdict, nil
}

// CheckCached returns the last polled verdict without touching the
// network, or RevocationUnknown if nothing has been cached yet.
func (p *PollingOracle) CheckCached(vendorTag string, measurement []byte) RevocationVerdict {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.cache[cacheKey(vendorTag, measurement)]
	if !ok {
		return RevocationUnknown
	}
	return v
}

func cacheKey(vendorTag string, measurement []byte) string {
	return vendorTag + ":" + string(measurement)
}

// Run polls every registered vendor's known measurements on p.interval
// until ctx is done. Callers seed known measurements via Check; Run only
// refreshes entries already present in the cache.
func (p *PollingOracle) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refreshAll(ctx)
		}
	}
}

func (p *PollingOracle) refreshAll(ctx context.Context) {
	p.mu.RLock()
	keys := make([]string, 0, len(p.cache))
	for k := range p.cache {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	for _, k := range keys {
		vendorTag, measurement := splitCacheKey(k)
		if a, err := p.reg.Lookup(vendorTag); err == nil {
			if verdict, err := a.CheckRevocation(ctx, measurement); err == nil {
				p.mu.Lock()
				p.cache[k] = verdict
				p.mu.Unlock()
			}
		}
	}
}

func splitCacheKey(k string) (string, []byte) {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return k[:i], []byte(k[i+1:])
		}
	}
	return k, nil
}
