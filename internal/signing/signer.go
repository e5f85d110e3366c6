package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/fleetforge/fleetforge/internal/domain"
)

// Signer produces detached manifest signatures with an RSA private key.
// When no key is configured the signer runs degraded: manifests carry an
// empty signature and devices skip verification.
type Signer struct {
	key    *rsa.PrivateKey
	pubPEM string
}

// NewFromFiles loads PEM-encoded key material from disk. Missing files are
// not an error; they yield a degraded signer.
func NewFromFiles(keyPath, pubPath string) (*Signer, error) {
	s := &Signer{}
	if keyPath != "" {
		data, err := os.ReadFile(keyPath)
		if os.IsNotExist(err) {
			return s, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		key, err := parsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		s.key = key
	}
	if pubPath != "" {
		data, err := os.ReadFile(pubPath)
		if err == nil {
			s.pubPEM = string(data)
		}
	}
	if s.pubPEM == "" && s.key != nil {
		pub, err := encodePublicKey(&s.key.PublicKey)
		if err != nil {
			return nil, err
		}
		s.pubPEM = pub
	}
	return s, nil
}

// NewWithKey wraps an in-memory private key.
func NewWithKey(key *rsa.PrivateKey) (*Signer, error) {
	pub, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, pubPEM: pub}, nil
}

// Enabled reports whether a private key is loaded.
func (s *Signer) Enabled() bool {
	return s.key != nil
}

// Sign returns the base64 PKCS#1 v1.5 signature over the manifest's
// canonical payload, or the empty string when no key is configured.
func (s *Signer) Sign(m domain.Manifest) (string, error) {
	if s.key == nil {
		return "", nil
	}
	payload, err := CanonicalPayload(m)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign manifest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a manifest's embedded signature against a public key.
func Verify(m domain.Manifest, pub *rsa.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	payload, err := CanonicalPayload(m)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("verify manifest: %w", err)
	}
	return nil
}

// PublicKeyPEM returns the PEM public key devices use for verification, or
// the empty string when signing is disabled.
func (s *Signer) PublicKeyPEM() string {
	return s.pubPEM
}

// CanonicalPayload renders the byte sequence that gets signed: every
// manifest field except the signature, as JSON with lexicographically
// sorted keys and no insignificant whitespace. Signer and verifier must
// produce identical bytes, so the payload goes through a map, which the
// encoder always emits in key order.
func CanonicalPayload(m domain.Manifest) ([]byte, error) {
	fields := map[string]any{
		"build_id":             m.BuildID,
		"version":              m.Version,
		"board_type":           m.BoardType,
		"artifact_file":        m.ArtifactFile,
		"artifact_size":        m.ArtifactSize,
		"artifact_hash_sha256": m.ArtifactHashSHA256,
		"built_at":             m.BuiltAt,
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	return payload, nil
}

// ParsePublicKeyPEM decodes a PEM public key as served by the engine.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaPub, nil
}

func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

func encodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
