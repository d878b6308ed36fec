// Package cert implements the proxy's Certificate Authority: it loads the
// root CA material that is assumed to already exist on disk and issues
// per-hostname leaf certificates on demand, memoized on disk and cached
// in memory.
package cert

import (
	"crypto"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

const (
	rootKeyFile  = "root.ca.key"
	rootCertFile = "root.ca.pem"
	leafKeyFile  = "private.key"

	leafValidity = 365 * 24 * time.Hour
	cacheEntries = 1024
)

// CA loads the root CA key/cert and the shared leaf private key from disk
// and issues leaf certificates for hostnames on request. Generation for a
// previously-unseen hostname is serialized per-hostname by a singleflight
// group; generations for different hostnames are not serialized against
// each other and may run concurrently. The lru cache avoids even a
// filesystem stat for a hostname already resolved in this process.
type CA struct {
	certDir string

	rootKey  crypto.Signer
	rootCert *x509.Certificate
	leafKey  crypto.Signer

	group singleflight.Group

	cacheMu sync.Mutex
	cache   *lru.Cache // hostname -> string (path to the cached leaf cert)
}

// NewCA loads root CA material from certDir and returns a CA ready to issue
// leaf certificates. certDir must already contain root.ca.key, root.ca.pem
// and private.key; their absence is a startup error (root-CA provisioning
// is out of scope for this package, per spec.md §1).
func NewCA(certDir string) (*CA, error) {
	dir, err := getStorePath(certDir)
	if err != nil {
		return nil, fmt.Errorf("cert: resolve store path: %w", err)
	}

	rootKey, err := loadPrivateKey(filepath.Join(dir, rootKeyFile))
	if err != nil {
		return nil, fmt.Errorf("cert: load root key: %w", err)
	}
	rootCert, err := loadCertificate(filepath.Join(dir, rootCertFile))
	if err != nil {
		return nil, fmt.Errorf("cert: load root cert: %w", err)
	}
	leafKey, err := loadPrivateKey(filepath.Join(dir, leafKeyFile))
	if err != nil {
		return nil, fmt.Errorf("cert: load leaf key: %w", err)
	}

	return &CA{
		certDir:  dir,
		rootKey:  rootKey,
		rootCert: rootCert,
		leafKey:  leafKey,
		cache:    lru.New(cacheEntries),
	}, nil
}

// getStorePath returns dir if non-empty, otherwise a default certs
// directory under the user's cache dir, creating it if necessary.
func getStorePath(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(base, "reactorproxy", "certs")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// GetRootCertificate returns the CA's root certificate.
func (ca *CA) GetRootCertificate() *x509.Certificate {
	return ca.rootCert
}

// leafCertPath returns the on-disk path for a hostname's leaf cert.
func (ca *CA) leafCertPath(hostname string) string {
	return filepath.Join(ca.certDir, hostname+".crt")
}

// EnsureLeafCert returns the path to hostname's leaf certificate, issuing
// and caching it first if this is the first time hostname has been seen.
// Concurrent callers for the same previously-unseen hostname block behind
// a single generation (github.com/golang/groupcache/singleflight), so
// exactly one file is written and every caller observes the same path.
func (ca *CA) EnsureLeafCert(hostname string) (string, error) {
	path := ca.leafCertPath(hostname)

	if ca.lruLookup(hostname) {
		return path, nil
	}
	if _, err := os.Stat(path); err == nil {
		ca.lruStore(hostname)
		return path, nil
	}

	_, err := ca.group.Do(hostname, func() (any, error) {
		// Re-check: another caller may have finished generating this
		// hostname's cert between our Stat above and entering the
		// critical section.
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		if err := ca.generateLeafCert(hostname, path); err != nil {
			return nil, err
		}
		return path, nil
	})
	if err != nil {
		slog.With("in", "CA.EnsureLeafCert", "host", hostname).
			Error("leaf cert generation failed", "error", err)
		return "", err
	}

	ca.lruStore(hostname)
	return path, nil
}

func (ca *CA) lruLookup(hostname string) bool {
	ca.cacheMu.Lock()
	defer ca.cacheMu.Unlock()
	_, ok := ca.cache.Get(hostname)
	return ok
}

func (ca *CA) lruStore(hostname string) {
	ca.cacheMu.Lock()
	defer ca.cacheMu.Unlock()
	ca.cache.Add(hostname, struct{}{})
}

// generateLeafCert synthesizes a leaf certificate for hostname, signed by
// the root CA and reusing the shared leaf private key, and writes it to
// path. The leaf key is never regenerated: only the certificate differs
// per hostname, which is why sessions issuing certs concurrently for
// different hostnames don't contend on key generation cost.
func (ca *CA) generateLeafCert(hostname, path string) error {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("cert: serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, ca.leafKey.Public(), ca.rootKey)
	if err != nil {
		return fmt.Errorf("cert: sign leaf: %w", err)
	}

	if err := writePEM(path, "CERTIFICATE", der); err != nil {
		return fmt.Errorf("cert: write leaf: %w", err)
	}
	return nil
}

// GetTLSCertificate returns a tls.Certificate pairing hostname's leaf cert
// with the shared leaf key, issuing the cert first if necessary. This is
// the form internal/sock.Conn needs for a server-side TLS handshake.
func (ca *CA) GetTLSCertificate(hostname string) (*tls.Certificate, error) {
	path, err := ca.EnsureLeafCert(hostname)
	if err != nil {
		return nil, err
	}
	return loadTLSCertificate(path, ca.leafKeyPath())
}

func (ca *CA) leafKeyPath() string {
	return filepath.Join(ca.certDir, leafKeyFile)
}

