// Package jwe implements the JWE Token Service (C3): ECDH-ES(P-256) key
// agreement with A256GCM content encryption, compact serialization, used to
// authenticate Agents over the WebSocket gateway (spec.md §4.3).
package jwe

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Service issues and verifies agent tokens. A single server-held P-256 key
// pair backs both directions: the server encrypts to its own public key and
// decrypts with its private key, since the gateway (not the agent) is the
// sole verifier in this protocol.
type Service struct {
	serverID   string
	privateKey jwk.Key
	publicKey  jwk.Key
	ttl        time.Duration
}

// Config controls key bootstrap, grounded on auth/jwt.go's init()
// strict-vs-dev-mode split: a missing key is fatal unless insecureDev allows
// a freshly generated, unpersisted key with a loud warning.
type Config struct {
	ServerID      string
	PrivateKeyPEM string // SEC 1 "EC PRIVATE KEY" PEM; empty triggers bootstrap
	TTL           time.Duration
	InsecureDev   bool
	Logger        *slog.Logger
}

func New(cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}

	var raw *ecdsa.PrivateKey
	var err error
	if cfg.PrivateKeyPEM != "" {
		raw, err = parseECPrivateKeyPEM(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("jwe: parse server private key: %w", err)
		}
	} else if cfg.InsecureDev {
		cfg.Logger.Warn("HETUFLOW_SERVER_PRIVATE_KEY not set; generating an ephemeral key (dev mode only)")
		raw, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("jwe: generate ephemeral key: %w", err)
		}
	} else {
		return nil, errors.New("jwe: HETUFLOW_SERVER_PRIVATE_KEY is required outside dev mode")
	}

	priv, err := jwk.Import(raw)
	if err != nil {
		return nil, fmt.Errorf("jwe: import private key: %w", err)
	}
	pub, err := jwk.Import(raw.Public())
	if err != nil {
		return nil, fmt.Errorf("jwe: import public key: %w", err)
	}

	return &Service{serverID: cfg.ServerID, privateKey: priv, publicKey: pub, ttl: cfg.TTL}, nil
}

// Issue encrypts claims for agentID into a compact JWE token.
func (s *Service) Issue(agentID string, permissions []string) (string, error) {
	now := time.Now()
	claims := Claims{
		Issuer:      s.serverID,
		Subject:     agentID,
		Audience:    "hetuflow-agent",
		IssuedAt:    now,
		NotBefore:   now,
		Expiry:      now.Add(s.ttl),
		JTI:         uuid.NewString(),
		ServerID:    s.serverID,
		Permissions: permissions,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("jwe: marshal claims: %w", err)
	}

	token, err := jwe.Encrypt(payload, jwe.WithKey(jwa.ECDH_ES(), s.publicKey), jwe.WithContentEncryption(jwa.A256GCM()))
	if err != nil {
		return "", fmt.Errorf("jwe: encrypt: %w", err)
	}
	return string(token), nil
}

// Verify decrypts and validates a token, enforcing expiry/not-before and
// that the token's subject matches expectedAgentID when non-empty.
func (s *Service) Verify(token string, expectedAgentID string) (*Claims, error) {
	payload, err := jwe.Decrypt([]byte(token), jwe.WithKey(jwa.ECDH_ES(), s.privateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenDecryptionFailed, err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenValidationFailed, err)
	}

	now := time.Now()
	if now.After(claims.Expiry) {
		return nil, ErrTokenExpired
	}
	if now.Before(claims.NotBefore) {
		return nil, ErrTokenNotYetValid
	}
	if expectedAgentID != "" && claims.Subject != expectedAgentID {
		return nil, ErrAgentIDMismatch
	}
	return &claims, nil
}

// PublicKeyPEM exports the server's public key, e.g. for an admin debug
// endpoint or operator rotation tooling.
func (s *Service) PublicKeyPEM() (string, error) {
	raw, err := jwk.PublicRawKeyOf(s.publicKey)
	if err != nil {
		return "", err
	}
	pub, ok := raw.(*ecdsa.PublicKey)
	if !ok {
		return "", errors.New("jwe: unexpected public key type")
	}
	return encodeECPublicKeyPEM(pub)
}
