package sgx

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OliverNakamoto/veribot/pkg/attestation"
)

func buildQuote(mrEnclave, mrSigner [32]byte, debug bool, reportData []byte) []byte {
	quote := make([]byte, quoteHeaderSize+reportBodySize)
	body := quote[quoteHeaderSize:]

	var attrs uint64
	attrs |= 0x0001 // initted
	if debug {
		attrs |= attrFlagDebug
	}
	binary.LittleEndian.PutUint64(body[attributesOffset:attributesOffset+8], attrs)
	copy(body[mrEnclaveOffset:mrEnclaveOffset+measurementLen], mrEnclave[:])
	copy(body[mrSignerOffset:mrSignerOffset+measurementLen], mrSigner[:])
	copy(body[reportDataOffset:reportDataOffset+reportDataSize], reportData)

	return quote
}

// stubPCS is a PCSSource backed by an in-memory root CA, for tests that
// exercise the real chain/signature verification path without a network.
type stubPCS struct {
	root *x509.Certificate
}

func (s *stubPCS) PCKChain(ctx context.Context, fmspc string) ([]*x509.Certificate, error) {
	return nil, nil
}
func (s *stubPCS) TCBStatus(ctx context.Context, fmspc string) (bool, error) { return false, nil }
func (s *stubPCS) RootCA() *x509.Certificate                                { return s.root }

// genTestChain returns a self-signed root CA and a leaf certificate it
// issued, plus the leaf's private key, so tests can build quotes signed
// by a real PCK-shaped chain.
func genTestChain(t *testing.T) (root *x509.Certificate, leaf *x509.Certificate, leafKey *ecdsa.PrivateKey) {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Intel SGX Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	root, err = x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Intel SGX PCK Certificate"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, root, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)
	leaf, err = x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	return root, leaf, leafKey
}

func encodeCertChain(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

func signQuoteBody(t *testing.T, key *ecdsa.PrivateKey, signed []byte) []byte {
	t.Helper()
	hash := sha256.Sum256(signed)
	r, s, err := ecdsa.Sign(rand.Reader, key, hash[:])
	require.NoError(t, err)
	sig := make([]byte, signatureLen)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig
}

func TestVerifyQuoteRejectsTooShort(t *testing.T) {
	a := New(nil)
	_, err := a.VerifyQuote(nil, []byte{1, 2, 3}, nil)
	require.ErrorIs(t, err, ErrQuoteTooShort)
}

func TestVerifyQuoteRejectsDebugEnclave(t *testing.T) {
	a := New(nil)
	var mre, mrs [32]byte
	quote := buildQuote(mre, mrs, true, []byte("report"))
	_, err := a.VerifyQuote(nil, quote, nil)
	require.ErrorIs(t, err, ErrDebugEnclave)
}

func TestVerifyQuoteExtractsMeasurements(t *testing.T) {
	a := New(nil)
	var mre, mrs [32]byte
	mre[0] = 0xAB
	mrs[0] = 0xCD
	quote := buildQuote(mre, mrs, false, []byte("report-data"))

	res, err := a.VerifyQuote(nil, quote, nil)
	require.NoError(t, err)
	require.False(t, res.Debug)
	require.Equal(t, byte(0xAB), res.EnclaveMeasurement[0])
	require.Equal(t, byte(0xCD), res.SignerMeasurement[0])
	require.Len(t, res.ReportData, reportDataSize)
}

func TestVendorTag(t *testing.T) {
	require.Equal(t, "intel-sgx", New(nil).VendorTag())
}

func TestVerifyQuoteChecksNonceBinding(t *testing.T) {
	a := New(nil)
	var mre, mrs [32]byte
	nonce := []byte("robot-challenge-nonce")
	reportData := attestation.ReportDataBinding(nonce)
	quote := buildQuote(mre, mrs, false, reportData)

	_, err := a.VerifyQuote(nil, quote, nonce)
	require.NoError(t, err)

	_, err = a.VerifyQuote(nil, quote, []byte("wrong-nonce"))
	require.ErrorIs(t, err, attestation.ErrNonceMismatch)
}

func TestVerifyQuoteValidatesRealSignatureAndChain(t *testing.T) {
	root, leaf, leafKey := genTestChain(t)
	a := New(&stubPCS{root: root})

	var mre, mrs [32]byte
	quote := buildQuote(mre, mrs, false, []byte("report-data"))
	sig := signQuoteBody(t, leafKey, quote[:signatureOffset])
	full := append(append(quote, sig...), encodeCertChain(leaf, root)...)

	res, err := a.VerifyQuote(context.Background(), full, nil)
	require.NoError(t, err)
	require.False(t, res.Debug)
}

func TestVerifyQuoteRejectsForgedSignature(t *testing.T) {
	root, leaf, _ := genTestChain(t)
	_, _, otherKey := genTestChain(t) // signer whose key the leaf cert does not attest
	a := New(&stubPCS{root: root})

	var mre, mrs [32]byte
	quote := buildQuote(mre, mrs, false, []byte("report-data"))
	sig := signQuoteBody(t, otherKey, quote[:signatureOffset])
	full := append(append(quote, sig...), encodeCertChain(leaf, root)...)

	_, err := a.VerifyQuote(context.Background(), full, nil)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyQuoteRejectsChainNotRootedAtConfiguredCA(t *testing.T) {
	_, leaf, leafKey := genTestChain(t)
	untrustedRoot, _, _ := genTestChain(t) // a different CA than the one that issued leaf
	a := New(&stubPCS{root: untrustedRoot})

	var mre, mrs [32]byte
	quote := buildQuote(mre, mrs, false, []byte("report-data"))
	sig := signQuoteBody(t, leafKey, quote[:signatureOffset])
	full := append(append(quote, sig...), encodeCertChain(leaf)...)

	_, err := a.VerifyQuote(context.Background(), full, nil)
	require.ErrorIs(t, err, ErrCertChainInvalid)
}

func TestVerifyQuoteRejectsMissingCertificationData(t *testing.T) {
	root, _, _ := genTestChain(t)
	a := New(&stubPCS{root: root})

	var mre, mrs [32]byte
	quote := buildQuote(mre, mrs, false, []byte("report-data"))

	_, err := a.VerifyQuote(context.Background(), quote, nil)
	require.ErrorIs(t, err, ErrQuoteTooShort)
}
