package attestation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	tag     string
	verdict RevocationVerdict
	err     error
}

func (s *stubAdapter) VendorTag() string { return s.tag }
func (s *stubAdapter) VerifyQuote(ctx context.Context, quote []byte, nonce []byte) (QuoteResult, error) {
	return QuoteResult{}, nil
}
func (s *stubAdapter) CheckRevocation(ctx context.Context, measurement []byte) (RevocationVerdict, error) {
	return s.verdict, s.err
}
func (s *stubAdapter) RefreshTrustAnchors(ctx context.Context) error { return nil }
func (s *stubAdapter) RootCACerts() []PEMCert                        { return nil }

func TestRegistryLookupUnknownVendor(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("nonexistent")
	require.ErrorIs(t, err, ErrUnsupportedVendor)
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	a := &stubAdapter{tag: "intel-sgx", verdict: RevocationOK}
	r.Register(a)

	got, err := r.Lookup("intel-sgx")
	require.NoError(t, err)
	require.Same(t, a, got)
}

func TestPollingOracleCachesLastVerdict(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubAdapter{tag: "intel-sgx", verdict: RevocationRevoked})
	oracle := NewPollingOracle(r, 0)

	require.Equal(t, RevocationUnknown, oracle.CheckCached("intel-sgx", []byte("m")))
	v, err := oracle.Check(context.Background(), "intel-sgx", []byte("m"))
	require.NoError(t, err)
	require.Equal(t, RevocationRevoked, v)
	require.Equal(t, RevocationRevoked, oracle.CheckCached("intel-sgx", []byte("m")))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("permanent")
	})
	require.Error(t, err)
	require.Equal(t, maxAttempts, attempts)
}
