package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/atomic"

	"glowbridge.app/cloud/internal/logger"
)

// ErrUnavailable means the provider cannot serve signing requests. It is the
// one fatal, process-level condition in the error taxonomy.
var ErrUnavailable = fmt.Errorf("signing key unavailable")

const keyFilePrefix = "signing-"

// Provider owns the ECDSA P-256 signing keypair. No other package touches
// private key material. Keys are versioned by id so rotation does not
// invalidate tokens signed by older keys.
type Provider struct {
	dir string

	mu          sync.RWMutex
	keys        map[string]*ecdsa.PrivateKey
	activeKID   string
	initialized atomic.Bool
}

func NewProvider(dir string) *Provider {
	return &Provider{
		dir:  dir,
		keys: make(map[string]*ecdsa.PrivateKey),
	}
}

// Initialize loads every persisted key from the key directory, generating
// and persisting a fresh keypair exactly once if none exist. The newest key
// becomes the active signing key. Sign fails with ErrUnavailable until this
// completes.
func (p *Provider) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("read key directory: %w", err)
	}

	var kids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, keyFilePrefix) || !strings.HasSuffix(name, ".pem") {
			continue
		}
		key, kid, err := p.loadKeyFile(filepath.Join(p.dir, name))
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		p.keys[kid] = key
		kids = append(kids, kid)
	}

	if len(p.keys) == 0 {
		kid, err := p.generateLocked()
		if err != nil {
			return err
		}
		kids = append(kids, kid)
		logger.Info("Generated new signing keypair", map[string]interface{}{
			"key_id": kid,
		})
	}

	// Newest file wins; key ids embed no ordering, so sort by mtime.
	sort.Slice(kids, func(i, j int) bool {
		return p.modTime(kids[i]) < p.modTime(kids[j])
	})
	p.activeKID = kids[len(kids)-1]
	p.initialized.Store(true)

	logger.Info("Key provider initialized", map[string]interface{}{
		"key_count":  len(p.keys),
		"active_kid": p.activeKID,
	})

	return nil
}

func (p *Provider) modTime(kid string) int64 {
	info, err := os.Stat(p.keyPath(kid))
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}

func (p *Provider) keyPath(kid string) string {
	return filepath.Join(p.dir, keyFilePrefix+kid+".pem")
}

func (p *Provider) loadKeyFile(path string) (*ecdsa.PrivateKey, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, "", fmt.Errorf("no PEM block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, "", fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, "", fmt.Errorf("key is not ECDSA")
	}
	if key.Curve != elliptic.P256() {
		return nil, "", fmt.Errorf("key curve must be P-256")
	}
	kid, err := KeyID(&key.PublicKey)
	if err != nil {
		return nil, "", err
	}
	return key, kid, nil
}

func (p *Provider) generateLocked() (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate keypair: %w", err)
	}
	kid, err := KeyID(&key.PublicKey)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(p.keyPath(kid), pemBytes, 0o600); err != nil {
		return "", fmt.Errorf("persist private key: %w", err)
	}
	p.keys[kid] = key
	return kid, nil
}

// Rotate generates and persists a new keypair and makes it the active
// signing key. Previously issued tokens keep verifying against their
// original key id until natural expiry.
func (p *Provider) Rotate() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized.Load() {
		return "", ErrUnavailable
	}
	kid, err := p.generateLocked()
	if err != nil {
		return "", err
	}
	p.activeKID = kid
	logger.Info("Signing key rotated", map[string]interface{}{
		"active_kid": kid,
		"key_count":  len(p.keys),
	})
	return kid, nil
}

// Sign produces an ASN.1 DER ECDSA signature over the SHA-256 digest of
// payload, returning the signature and the id of the key that made it.
func (p *Provider) Sign(payload []byte) ([]byte, string, error) {
	if !p.initialized.Load() {
		return nil, "", ErrUnavailable
	}
	p.mu.RLock()
	key := p.keys[p.activeKID]
	kid := p.activeKID
	p.mu.RUnlock()
	if key == nil {
		return nil, "", ErrUnavailable
	}

	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		// Never echo key material; the error from crypto/ecdsa is safe.
		return nil, "", fmt.Errorf("sign payload: %w", err)
	}
	return sig, kid, nil
}

// Verify checks signature over payload using the public key identified by
// kid. An empty kid selects the active key.
func (p *Provider) Verify(payload, signature []byte, kid string) bool {
	pub, err := p.PublicKey(kid)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return ecdsa.VerifyASN1(pub, digest[:], signature)
}

// PublicKey returns the public half of the key identified by kid.
func (p *Provider) PublicKey(kid string) (*ecdsa.PublicKey, error) {
	if !p.initialized.Load() {
		return nil, ErrUnavailable
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if kid == "" {
		kid = p.activeKID
	}
	key, ok := p.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return &key.PublicKey, nil
}

// ActiveKeyID returns the id of the key currently used for signing.
func (p *Provider) ActiveKeyID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeKID
}

// PublicKeyPEM exports the public key identified by kid as PEM-encoded
// SubjectPublicKeyInfo, suitable for embedding in license files.
func (p *Provider) PublicKeyPEM(kid string) (string, error) {
	pub, err := p.PublicKey(kid)
	if err != nil {
		return "", err
	}
	return EncodePublicKeyPEM(pub)
}

// KeyID derives the stable identifier for a public key: the first eight
// bytes of the SHA-256 of its DER encoding, hex-encoded.
func KeyID(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8]), nil
}

// EncodePublicKeyPEM serializes a public key as PEM SubjectPublicKeyInfo.
func EncodePublicKeyPEM(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKey accepts a PEM-encoded key or raw base64 DER. Desktop
// clients historically shipped either form, so both stay supported.
func ParsePublicKey(material string) (*ecdsa.PublicKey, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, fmt.Errorf("empty public key")
	}

	var der []byte
	if block, _ := pem.Decode([]byte(material)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(material)
		if err != nil {
			return nil, fmt.Errorf("public key is neither PEM nor base64 DER")
		}
		der = decoded
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA")
	}
	return pub, nil
}
