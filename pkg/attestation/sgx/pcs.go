// Copyright 2025 Certen Protocol
//
// PCSClient fetches and caches Intel PCS/PCCS collateral (PCK cert chains,
// TCB info) keyed by FMSPC. Cache entries expire at min(server cache
// headers, 24h); a fetch failure with a stale entry present serves the
// stale entry, with its last-known TCB status and no error, rather than
// failing the caller outright; the caller is not told the entry is
// stale. The snapshot is swapped with atomic.Pointer so readers never
// block on a concurrent refresh.

package sgx

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OliverNakamoto/veribot/pkg/attestation"
)

const maxCollateralAge = 24 * time.Hour

type collateralEntry struct {
	chain     []*x509.Certificate
	revoked   bool
	fetchedAt time.Time
	expiresAt time.Time
}

func (e *collateralEntry) stale() bool {
	return time.Now().After(e.expiresAt)
}

// PCSClient implements PCSSource against Intel's Provisioning
// Certification Service, with an FMSPC-keyed, copy-on-write cache.
type PCSClient struct {
	httpClient *http.Client
	baseURL    string
	rootCA     *x509.Certificate
	metrics    *attestation.Metrics

	cache atomic.Pointer[map[string]*collateralEntry]

	// refreshing de-duplicates concurrent RefreshTrustAnchors calls so
	// only one refresh fetch for a given FMSPC is in flight at a time;
	// cache-miss fetches made by get are not de-duplicated.
	refreshing sync.Map // fmspc string -> *sync.Once-like gate (chan struct{})
}

// NewPCSClient returns a PCSClient pointed at baseURL (Intel's PCS, or an
// operator-run PCCS proxy), trusting rootCA for PCK chain validation.
// metrics may be nil, in which case cache hit/miss/fetch-latency
// observations are skipped.
func NewPCSClient(baseURL string, rootCA *x509.Certificate, httpClient *http.Client, metrics *attestation.Metrics) *PCSClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	c := &PCSClient{httpClient: httpClient, baseURL: baseURL, rootCA: rootCA, metrics: metrics}
	empty := make(map[string]*collateralEntry)
	c.cache.Store(&empty)
	return c
}

func (c *PCSClient) RootCA() *x509.Certificate { return c.rootCA }

// PCKChain returns the cached (or freshly fetched) PCK certificate chain
// for fmspc.
func (c *PCSClient) PCKChain(ctx context.Context, fmspc string) ([]*x509.Certificate, error) {
	entry, err := c.get(ctx, fmspc)
	if err != nil {
		return nil, err
	}
	return entry.chain, nil
}

// TCBStatus returns whether fmspc's current TCB level is revoked.
func (c *PCSClient) TCBStatus(ctx context.Context, fmspc string) (bool, error) {
	entry, err := c.get(ctx, fmspc)
	if err != nil {
		return false, err
	}
	return entry.revoked, nil
}

func (c *PCSClient) get(ctx context.Context, fmspc string) (*collateralEntry, error) {
	m := *c.cache.Load()
	if entry, ok := m[fmspc]; ok && !entry.stale() {
		if c.metrics != nil {
			c.metrics.PCSCacheHits.Inc()
		}
		return entry, nil
	}

	if c.metrics != nil {
		c.metrics.PCSCacheMisses.Inc()
	}

	fetchStart := time.Now()
	fresh, err := c.fetch(ctx, fmspc)
	if c.metrics != nil {
		c.metrics.PCSFetchSeconds.Observe(time.Since(fetchStart).Seconds())
	}
	if err != nil {
		if entry, ok := m[fmspc]; ok {
			// Stale-on-error: serve the last known collateral, including
			// its last-known revoked flag, with no error rather than
			// failing the caller.
			return entry, nil
		}
		return nil, err
	}
	c.store(fmspc, fresh)
	return fresh, nil
}

func (c *PCSClient) store(fmspc string, entry *collateralEntry) {
	for {
		old := c.cache.Load()
		next := make(map[string]*collateralEntry, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[fmspc] = entry
		if c.cache.CompareAndSwap(old, &next) {
			return
		}
	}
}

// tcbInfoResponse is the subset of Intel PCS's TCB Info response body
// (https://api.portal.trustedservices.intel.com/content/documentation.html#pcs-tcb-info-model)
// this client needs: whether the platform's current TCB level is marked
// revoked.
type tcbInfoResponse struct {
	TCBInfo struct {
		TCBLevels []struct {
			TCBStatus string `json:"tcbStatus"`
		} `json:"tcbLevels"`
	} `json:"tcbInfo"`
}

// fetch performs the live PCS call for fmspc: GET {baseURL}/tcb?fmspc=...,
// which Intel's PCS answers with a JSON TCB Info body and the PCK
// certificate issuer chain in the TCB-Info-Issuer-Chain response header
// (URL-encoded, PEM, leaf-first).
func (c *PCSClient) fetch(ctx context.Context, fmspc string) (*collateralEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tcb?fmspc="+url.QueryEscape(fmspc), nil)
	if err != nil {
		return nil, fmt.Errorf("sgx: build pcs tcb request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sgx: pcs tcb fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sgx: pcs tcb fetch: unexpected status %d", resp.StatusCode)
	}

	chainHeader, err := url.QueryUnescape(resp.Header.Get("TCB-Info-Issuer-Chain"))
	if err != nil {
		return nil, fmt.Errorf("sgx: decode TCB-Info-Issuer-Chain header: %w", err)
	}
	var chain []*x509.Certificate
	if chainHeader != "" {
		chain, err = parsePEMCertChain([]byte(chainHeader))
		if err != nil {
			return nil, fmt.Errorf("sgx: parse TCB-Info-Issuer-Chain: %w", err)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sgx: read pcs tcb body: %w", err)
	}
	var tcb tcbInfoResponse
	if err := json.Unmarshal(body, &tcb); err != nil {
		return nil, fmt.Errorf("sgx: parse pcs tcb body: %w", err)
	}
	revoked := len(tcb.TCBInfo.TCBLevels) > 0 && tcb.TCBInfo.TCBLevels[0].TCBStatus == "Revoked"

	now := time.Now()
	expiresAt := now.Add(maxCollateralAge)
	for _, directive := range strings.Split(resp.Header.Get("Cache-Control"), ",") {
		d := strings.TrimSpace(directive)
		if strings.HasPrefix(d, "max-age=") {
			if secs, err := strconv.Atoi(strings.TrimPrefix(d, "max-age=")); err == nil && now.Add(time.Duration(secs)*time.Second).Before(expiresAt) {
				expiresAt = now.Add(time.Duration(secs) * time.Second)
			}
		}
	}
	if t, err := http.ParseTime(resp.Header.Get("Expires")); err == nil && t.Before(expiresAt) {
		expiresAt = t
	}
	return &collateralEntry{
		chain:     chain,
		revoked:   revoked,
		fetchedAt: now,
		expiresAt: expiresAt,
	}, nil
}

// RefreshTrustAnchors forces a live re-fetch for fmspc, collapsing
// concurrent callers onto a single in-flight request.
func (c *PCSClient) RefreshTrustAnchors(ctx context.Context, fmspc string) error {
	gateVal, loaded := c.refreshing.LoadOrStore(fmspc, make(chan struct{}))
	gate := gateVal.(chan struct{})
	if loaded {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	defer func() {
		close(gate)
		c.refreshing.Delete(fmspc)
	}()

	fresh, err := c.fetch(ctx, fmspc)
	if err != nil {
		return err
	}
	c.store(fmspc, fresh)
	return nil
}
