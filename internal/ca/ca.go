// Package ca manages the hub's certificate authority: an ECDSA P-256 root
// kept sealed in the store, used to issue leaf certificates to agents at
// enrollment. Leaf keys double as the agents' payload signing keys.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sonde-sh/sonde/internal/store"
)

const (
	storeKeyCert = "root_cert"
	storeKeyKey  = "root_key"

	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// CA issues and verifies agent certificates.
type CA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pool *x509.CertPool

	certPEM []byte
}

// LoadOrCreate loads the root from the store or generates and persists a new
// one.
func LoadOrCreate(st *store.Store) (*CA, error) {
	certPEM, err := st.GetCA(storeKeyCert)
	switch {
	case err == nil:
		keyPEM, err := st.GetCA(storeKeyKey)
		if err != nil {
			return nil, fmt.Errorf("loading CA key: %w", err)
		}
		return load(certPEM, keyPEM)
	case errors.Is(err, store.ErrNotFound):
		ca, certPEM, keyPEM, err := generate()
		if err != nil {
			return nil, err
		}
		if err := st.PutCA(storeKeyCert, certPEM); err != nil {
			return nil, fmt.Errorf("persisting CA cert: %w", err)
		}
		if err := st.PutCA(storeKeyKey, keyPEM); err != nil {
			return nil, fmt.Errorf("persisting CA key: %w", err)
		}
		return ca, nil
	default:
		return nil, fmt.Errorf("loading CA cert: %w", err)
	}
}

func generate() (*CA, []byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "Sonde Hub CA", Organization: []string{"Sonde"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating CA cert: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	ca, err := load(certPEM, keyPEM)
	if err != nil {
		return nil, nil, nil, err
	}
	return ca, certPEM, keyPEM, nil
}

func load(certPEM, keyPEM []byte) (*CA, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("invalid CA cert PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA cert: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("invalid CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &CA{cert: cert, key: key, pool: pool, certPEM: certPEM}, nil
}

// CertPEM returns the root certificate, shared with agents so they can pin
// the hub's issuing authority.
func (c *CA) CertPEM() []byte { return c.certPEM }

// SigningKey returns the root private key, used to sign hub payloads.
// Read-only after startup; never persisted in cleartext.
func (c *CA) SigningKey() *ecdsa.PrivateKey { return c.key }

// PublicKey returns the root public key; agents verify hub payload
// signatures against it (extracted from the pinned CA cert).
func (c *CA) PublicKey() *ecdsa.PublicKey { return &c.key.PublicKey }

// Pool returns a cert pool containing only the root, for verifying client
// certs and hub-pinned dials.
func (c *CA) Pool() *x509.CertPool { return c.pool }

// IssueAgentCert mints a leaf for the named agent and returns the cert and
// key PEMs delivered once over the enrollment socket.
func (c *CA) IssueAgentCert(agentName, agentID string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating agent key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         agentName,
			OrganizationalUnit: []string{agentID},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.cert, &key.PublicKey, c.key)
	if err != nil {
		return nil, nil, fmt.Errorf("issuing agent cert: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// VerifyClientCert checks a presented leaf against the root and returns the
// agent name (CN).
func (c *CA) VerifyClientCert(leaf *x509.Certificate) (string, error) {
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:     c.pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return "", fmt.Errorf("verifying client cert: %w", err)
	}
	return leaf.Subject.CommonName, nil
}

// PublicKeyFromCertPEM extracts the ECDSA public key from a stored leaf,
// used to verify the agent's payload signatures.
func PublicKeyFromCertPEM(certPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("invalid cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing cert: %w", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cert public key is %T, want *ecdsa.PublicKey", cert.PublicKey)
	}
	return pub, nil
}

// Fingerprint returns the hex SHA-256 of a certificate PEM's DER bytes.
func Fingerprint(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("invalid cert PEM")
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), nil
}

// ParsePrivateKeyPEM parses an EC private key PEM, the agent side of the
// issued pair.
func ParsePrivateKeyPEM(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("invalid key PEM")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}
