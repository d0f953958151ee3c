// Package pki — корневой CA и выпуск сертификатов устройств.
package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"orbmesh/internal/apperr"
	"orbmesh/internal/logs"
	"orbmesh/internal/metrics"

	"github.com/sirupsen/logrus"
)

const (
	DefaultValidityDays = 365
	rootKeyBits         = 4096
	deviceKeyBits       = 2048
	localDomain         = ".orbmesh.local"
)

type Options struct {
	CertPEM      string
	KeyPEM       string
	CertFile     string
	KeyFile      string
	ValidityDays int
	// Production запрещает генерацию self-signed root: без настроенной пары — ErrCAUninitialized.
	Production bool
	// RootKeyBits — размер ключа генерируемого root (0 → 4096).
	RootKeyBits int
}

// Authority — материал CA неизменяем после New; создаётся один раз и передаётся по ссылке.
type Authority struct {
	cert         *x509.Certificate
	key          *rsa.PrivateKey
	validityDays int
	generated    bool
}

// CertificateBundle — результат IssueCertificate, не хранится.
type CertificateBundle struct {
	CertificatePEM   string    `json:"certificatePem"`
	PrivateKeyPEM    string    `json:"privateKeyPem"`
	CACertificatePEM string    `json:"caCertificatePem"`
	SerialNumber     string    `json:"serialNumber"`
	ValidFrom        time.Time `json:"validFrom"`
	ValidUntil       time.Time `json:"validUntil"`
}

// New загружает настроенную пару (PEM-строки, затем файлы) либо генерирует self-signed root.
func New(o Options) (*Authority, error) {
	a := &Authority{validityDays: o.ValidityDays}
	if a.validityDays <= 0 {
		a.validityDays = DefaultValidityDays
	}
	log := logs.Component("pki")

	certPEM, keyPEM := []byte(o.CertPEM), []byte(o.KeyPEM)
	if len(certPEM) == 0 && o.CertFile != "" {
		b, err := os.ReadFile(o.CertFile)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		certPEM = b
	}
	if len(keyPEM) == 0 && o.KeyFile != "" {
		b, err := os.ReadFile(o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ca key: %w", err)
		}
		keyPEM = b
	}

	switch {
	case len(certPEM) > 0 && len(keyPEM) > 0:
		if err := a.load(certPEM, keyPEM); err != nil {
			return nil, fmt.Errorf("load CA: %w", err)
		}
	case len(certPEM) > 0 || len(keyPEM) > 0:
		return nil, errors.New("load CA: both certificate and key are required")
	case o.Production:
		return nil, apperr.E(apperr.ErrCAUninitialized, "no CA configured in production mode")
	default:
		bits := o.RootKeyBits
		if bits <= 0 {
			bits = rootKeyBits
		}
		if err := a.generate(bits); err != nil {
			return nil, fmt.Errorf("generate CA: %w", err)
		}
		a.generated = true
		log.Warn("no CA configured, generated self-signed root (non-production only)")
	}

	log.WithFields(logrus.Fields{
		"subject":     a.cert.Subject.String(),
		"fingerprint": a.Fingerprint(),
		"not_after":   a.cert.NotAfter.UTC().Format(time.RFC3339),
	}).Info("certificate authority ready")
	return a, nil
}

func (a *Authority) generate(bits int) error {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Second)
	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"OrbMesh"},
			CommonName:   "OrbMesh Root CA",
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}
	a.cert, a.key = cert, key
	return nil
}

func (a *Authority) load(certPEM, keyPEM []byte) error {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return errors.New("invalid certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse cert: %w", err)
	}
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return errors.New("certificate is not a CA")
	}

	key, err := parseRSAKey(keyPEM)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return errors.New("private key does not match certificate")
	}
	a.cert, a.key = cert, key
	return nil
}

// parseRSAKey — PKCS#1 или PKCS#8 (только RSA).
func parseRSAKey(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("invalid private key PEM")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 key: %w", err)
		}
		return k, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("CA key must be RSA")
		}
		return rk, nil
	default:
		return nil, fmt.Errorf("unsupported key PEM type %q", block.Type)
	}
}

func randomSerial() (*big.Int, error) {
	s, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return s, nil
}

func (a *Authority) ready() error {
	if a == nil || a.cert == nil || a.key == nil {
		return apperr.E(apperr.ErrCAUninitialized, "certificate authority not initialized")
	}
	return nil
}

// IssueCertificate выпускает leaf для устройства. Всё или ничего: без CA — ErrCAUninitialized.
func (a *Authority) IssueCertificate(deviceID, publicIP, hostname string) (*CertificateBundle, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, apperr.E(apperr.ErrBadRequest, "device id required")
	}
	pubIP := net.ParseIP(strings.TrimSpace(publicIP))
	if pubIP == nil {
		return nil, apperr.E(apperr.ErrBadRequest, "invalid public ip")
	}

	ips := []net.IP{pubIP}
	dns := []string{strings.ToLower(deviceID) + localDomain}
	if h := strings.TrimSpace(hostname); h != "" {
		if hip := net.ParseIP(h); hip != nil {
			ips = append(ips, hip)
		} else {
			dns = append(dns, strings.ToLower(h))
		}
	}
	dns = append(dns, "localhost")
	ips = append(ips, net.IPv4(127, 0, 0, 1))

	key, err := rsa.GenerateKey(rand.Reader, deviceKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	notBefore := time.Now().UTC().Truncate(time.Second)
	notAfter := notBefore.AddDate(0, 0, a.validityDays)

	tpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: deviceID},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              dns,
		IPAddresses:           ips,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	metrics.CertificatesIssuedTotal.Inc()
	logs.Component("pki").WithFields(logrus.Fields{
		"device_id": deviceID,
		"serial":    serial.Text(16),
		"dns_names": dns,
	}).Info("device certificate issued")

	return &CertificateBundle{
		CertificatePEM:   string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		PrivateKeyPEM:    string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
		CACertificatePEM: string(a.caPEM()),
		SerialNumber:     serial.Text(16),
		ValidFrom:        notBefore,
		ValidUntil:       notAfter,
	}, nil
}

func (a *Authority) caPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.cert.Raw})
}

// CACertificatePEM — для trust pinning на клиенте.
func (a *Authority) CACertificatePEM() (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	return string(a.caPEM()), nil
}

// Fingerprint — SHA-256 от DER, в формате AA:BB:...
func (a *Authority) Fingerprint() string {
	if a == nil || a.cert == nil {
		return ""
	}
	sum := sha256.Sum256(a.cert.Raw)
	h := strings.ToUpper(hex.EncodeToString(sum[:]))
	parts := make([]string, 0, len(sum))
	for i := 0; i < len(h); i += 2 {
		parts = append(parts, h[i:i+2])
	}
	return strings.Join(parts, ":")
}

func (a *Authority) Subject() string {
	if a == nil || a.cert == nil {
		return ""
	}
	return a.cert.Subject.String()
}

// Generated — true, если root сгенерирован при старте (не из конфига).
func (a *Authority) Generated() bool { return a != nil && a.generated }

// Save пишет ca.crt (0644) и ca.key (0600) в dir.
func (a *Authority) Save(dir string) (certPath, keyPath string, err error) {
	if err := a.ready(); err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create dir: %w", err)
	}
	certPath = filepath.Join(dir, "ca.crt")
	keyPath = filepath.Join(dir, "ca.key")
	if err := os.WriteFile(certPath, a.caPEM(), 0o644); err != nil {
		return "", "", fmt.Errorf("write cert: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(a.key)})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("write key: %w", err)
	}
	return certPath, keyPath, nil
}
