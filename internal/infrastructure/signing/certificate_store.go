package signing

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/google/uuid"
)

// TenantCertificate is a loaded, decrypted signing certificate for one tenant
type TenantCertificate struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

// ErrCertificateNotFound is returned when no certificate exists for a tenant.
// Upload and expiry tracking happen outside this service.
var ErrCertificateNotFound = shared.NewDomainError("CERTIFICATE_NOT_FOUND", "No signing certificate is configured for this tenant")

// CertificateStore provides loaded signing certificates keyed by tenant
type CertificateStore interface {
	Load(ctx context.Context, tenantID uuid.UUID) (*TenantCertificate, error)
}

// FileCertificateStore loads PEM certificate/key pairs from a per-tenant
// directory layout: <dir>/<tenant-id>/cert.pem and <dir>/<tenant-id>/key.pem.
// Loaded pairs are cached; certificate rotation requires a restart.
type FileCertificateStore struct {
	dir   string
	mu    sync.RWMutex
	cache map[uuid.UUID]*TenantCertificate
}

// NewFileCertificateStore creates a store rooted at dir
func NewFileCertificateStore(dir string) *FileCertificateStore {
	return &FileCertificateStore{
		dir:   dir,
		cache: make(map[uuid.UUID]*TenantCertificate),
	}
}

// Load returns the tenant's certificate, reading it from disk on first use
func (s *FileCertificateStore) Load(_ context.Context, tenantID uuid.UUID) (*TenantCertificate, error) {
	s.mu.RLock()
	cert, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok {
		return cert, nil
	}

	cert, err := s.loadFromDisk(tenantID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[tenantID] = cert
	s.mu.Unlock()
	return cert, nil
}

func (s *FileCertificateStore) loadFromDisk(tenantID uuid.UUID) (*TenantCertificate, error) {
	tenantDir := filepath.Join(s.dir, tenantID.String())

	certPEM, err := os.ReadFile(filepath.Join(tenantDir, "cert.pem"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCertificateNotFound
		}
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(tenantDir, "key.pem"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCertificateNotFound
		}
		return nil, fmt.Errorf("read private key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("certificate for tenant %s is not valid PEM", tenantID)
	}
	certificate, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("private key for tenant %s is not valid PEM", tenantID)
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &TenantCertificate{Certificate: certificate, PrivateKey: key}, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// Ensure FileCertificateStore implements the interface
var _ CertificateStore = (*FileCertificateStore)(nil)
