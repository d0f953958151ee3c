package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"orbmesh/internal/apperr"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCA(t *testing.T, days int) *Authority {
	t.Helper()
	ca, err := New(Options{ValidityDays: days, RootKeyBits: 2048})
	require.NoError(t, err)
	return ca
}

func parseCert(t *testing.T, p string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(p))
	require.NotNil(t, block)
	c, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return c
}

func TestIssueCertificate_ValidityAndSANs(t *testing.T) {
	for _, days := range []int{1, 365, 730} {
		ca := newTestCA(t, days)
		b, err := ca.IssueCertificate("OM-2026-ABCDEF", "203.0.113.5", "edge.example.net")
		require.NoError(t, err)

		cert := parseCert(t, b.CertificatePEM)
		assert.Equal(t, time.Duration(days)*24*time.Hour, cert.NotAfter.Sub(cert.NotBefore))
		assert.Equal(t, b.ValidFrom, cert.NotBefore.UTC())
		assert.Equal(t, b.ValidUntil, cert.NotAfter.UTC())

		assert.Equal(t, "OM-2026-ABCDEF", cert.Subject.CommonName)
		assert.Equal(t, ca.cert.Subject.String(), cert.Issuer.String())
		assert.Contains(t, cert.DNSNames, "om-2026-abcdef.orbmesh.local")
		assert.Contains(t, cert.DNSNames, "edge.example.net")
		assert.Contains(t, cert.DNSNames, "localhost")

		var ips []string
		for _, ip := range cert.IPAddresses {
			ips = append(ips, ip.String())
		}
		assert.Contains(t, ips, "203.0.113.5")
		assert.Contains(t, ips, "127.0.0.1")

		assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
		assert.ElementsMatch(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
		assert.Equal(t, x509.SHA256WithRSA, cert.SignatureAlgorithm)
		assert.Equal(t, 2048, cert.PublicKey.(*rsa.PublicKey).N.BitLen())

		// цепочка проверяется CA-сертификатом
		pool := x509.NewCertPool()
		require.True(t, pool.AppendCertsFromPEM([]byte(b.CACertificatePEM)))
		_, err = cert.Verify(x509.VerifyOptions{Roots: pool, DNSName: "localhost"})
		require.NoError(t, err)
	}
}

func TestIssueCertificate_HostnameAsIP(t *testing.T) {
	ca := newTestCA(t, 30)
	b, err := ca.IssueCertificate("OM-2026-XYZ234", "203.0.113.9", "192.0.2.10")
	require.NoError(t, err)
	cert := parseCert(t, b.CertificatePEM)
	found := false
	for _, ip := range cert.IPAddresses {
		if ip.Equal(net.ParseIP("192.0.2.10")) {
			found = true
		}
	}
	assert.True(t, found)
	assert.NotContains(t, cert.DNSNames, "192.0.2.10")
}

func TestIssueCertificate_SerialsUnique(t *testing.T) {
	ca := newTestCA(t, 30)
	a, err := ca.IssueCertificate("OM-2026-AAAAAA", "203.0.113.5", "")
	require.NoError(t, err)
	b, err := ca.IssueCertificate("OM-2026-AAAAAA", "203.0.113.5", "")
	require.NoError(t, err)
	assert.NotEqual(t, a.SerialNumber, b.SerialNumber)
	assert.NotEqual(t, a.PrivateKeyPEM, b.PrivateKeyPEM)
}

func TestIssueCertificate_BadInput(t *testing.T) {
	ca := newTestCA(t, 30)
	_, err := ca.IssueCertificate("OM-2026-AAAAAA", "not-ip", "")
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
	_, err = ca.IssueCertificate("", "203.0.113.5", "")
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
}

func TestUninitialized(t *testing.T) {
	var ca *Authority
	_, err := ca.IssueCertificate("OM-2026-AAAAAA", "203.0.113.5", "")
	assert.True(t, errors.Is(err, apperr.ErrCAUninitialized))
	_, err = ca.CACertificatePEM()
	assert.True(t, errors.Is(err, apperr.ErrCAUninitialized))

	_, err = New(Options{Production: true})
	assert.True(t, errors.Is(err, apperr.ErrCAUninitialized))
}

func TestNew_LoadsConfiguredPair(t *testing.T) {
	src := newTestCA(t, 30)
	dir := t.TempDir()
	certPath, keyPath, err := src.Save(dir)
	require.NoError(t, err)

	// из файлов
	loaded, err := New(Options{CertFile: certPath, KeyFile: keyPath, Production: true})
	require.NoError(t, err)
	assert.Equal(t, src.Fingerprint(), loaded.Fingerprint())
	assert.False(t, loaded.Generated())

	// PKCS#8 из PEM-строки
	der, err := x509.MarshalPKCS8PrivateKey(src.key)
	require.NoError(t, err)
	pk8 := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	caPEM, _ := src.CACertificatePEM()
	loaded, err = New(Options{CertPEM: caPEM, KeyPEM: pk8})
	require.NoError(t, err)
	assert.Equal(t, src.Subject(), loaded.Subject())
}

func TestNew_RejectsMismatchedOrNonCA(t *testing.T) {
	a := newTestCA(t, 30)
	b := newTestCA(t, 30)
	aPEM, _ := a.CACertificatePEM()
	bKey := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(b.key)}))

	_, err := New(Options{CertPEM: aPEM, KeyPEM: bKey})
	assert.ErrorContains(t, err, "does not match")

	// leaf вместо CA
	leaf, err := a.IssueCertificate("OM-2026-AAAAAA", "203.0.113.5", "")
	require.NoError(t, err)
	_, err = New(Options{CertPEM: leaf.CertificatePEM, KeyPEM: leaf.PrivateKeyPEM})
	assert.ErrorContains(t, err, "not a CA")

	// только половина пары
	_, err = New(Options{CertPEM: aPEM})
	assert.Error(t, err)

	// EC-ключ не поддерживается
	ek, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	tpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "ec"},
		NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour), IsCA: true, BasicConstraintsValid: true}
	der, _ := x509.CreateCertificate(rand.Reader, tpl, tpl, &ek.PublicKey, ek)
	ecCert := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	ecDER, _ := x509.MarshalPKCS8PrivateKey(ek)
	ecKey := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: ecDER}))
	_, err = New(Options{CertPEM: ecCert, KeyPEM: ecKey})
	assert.ErrorContains(t, err, "must be RSA")
}

func TestGeneratedRoot(t *testing.T) {
	ca := newTestCA(t, 30)
	assert.True(t, ca.Generated())
	assert.True(t, ca.cert.IsCA)
	assert.Equal(t, 10, ca.cert.NotAfter.Year()-ca.cert.NotBefore.Year())
	assert.Len(t, ca.Fingerprint(), 32*3-1)
}

func TestHTTP_CAPEM(t *testing.T) {
	ca := newTestCA(t, 30)
	r := mux.NewRouter()
	NewHTTP(ca).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ca.pem", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BEGIN CERTIFICATE")
	assert.Equal(t, ca.Fingerprint(), rec.Header().Get("X-Orbmesh-CA-Fingerprint"))

	r = mux.NewRouter()
	NewHTTP(nil).RegisterRoutes(r)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ca.pem", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
