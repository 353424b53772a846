// Package credentials owns the agent's long-lived key material: the
// self-signed CA, the leaf certificate signed by it, and the
// single-use invite token. Everything is generated lazily on first
// boot, persisted in the sensitive blob, and reused afterwards.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/porpulsion/porpulsion-agent/internal/core"
	"github.com/porpulsion/porpulsion-agent/internal/pki"
	"github.com/porpulsion/porpulsion-agent/internal/storage"
)

// Store holds the credentials in memory after Init and keeps the
// sensitive blob in sync on every rotation.
type Store struct {
	blob      storage.Blob
	agentName string
	hosts     []string
	logger    *slog.Logger

	mu      sync.RWMutex
	ca      *pki.CA
	leafPEM []byte
	leafKey []byte
	token   string
}

func NewStore(blob storage.Blob, agentName string, hosts ...string) *Store {
	return &Store{
		blob:      blob,
		agentName: agentName,
		hosts:     hosts,
		logger:    slog.Default().With("component", "credentials"),
	}
}

// Init loads existing credentials from the sensitive blob or generates
// and persists fresh ones. It must be called once before any other
// method. A failure here is fatal for the agent.
func (s *Store) Init(ctx context.Context) error {
	err := s.blob.Update(ctx, func(current []byte) ([]byte, error) {
		var doc storage.SensitiveDoc
		if len(current) > 0 {
			if err := json.Unmarshal(current, &doc); err != nil {
				return nil, fmt.Errorf("decode sensitive blob: %w", err)
			}
		}
		changed, err := fillMissing(&doc, s.agentName, s.hosts)
		if err != nil {
			return nil, err
		}
		if changed {
			s.logger.Info("generated fresh credentials", "agent", s.agentName)
		}
		return json.Marshal(&doc)
	})
	if err != nil {
		return fmt.Errorf("initialize credentials: %w", err)
	}

	// Re-read what actually won the write so concurrent replicas
	// converge on the same material.
	data, err := s.blob.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload credentials: %w", err)
	}
	var doc storage.SensitiveDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode sensitive blob: %w", err)
	}

	ca, err := pki.LoadCA([]byte(doc.CAPEM), []byte(doc.CAKey))
	if err != nil {
		return fmt.Errorf("load persisted CA: %w", err)
	}

	s.mu.Lock()
	s.ca = ca
	s.leafPEM = []byte(doc.LeafPEM)
	s.leafKey = []byte(doc.LeafKey)
	s.token = doc.InviteToken
	s.mu.Unlock()
	return nil
}

// fillMissing generates whatever the doc lacks. A missing CA forces a
// fresh leaf as well, because the old leaf would no longer chain.
func fillMissing(doc *storage.SensitiveDoc, agentName string, hosts []string) (bool, error) {
	changed := false

	if doc.CAPEM == "" || doc.CAKey == "" {
		ca, err := pki.NewCA(agentName)
		if err != nil {
			return false, err
		}
		keyPEM, err := ca.KeyPEM()
		if err != nil {
			return false, err
		}
		doc.CAPEM = string(ca.CertPEM())
		doc.CAKey = string(keyPEM)
		doc.LeafPEM = ""
		doc.LeafKey = ""
		changed = true
	}

	if doc.LeafPEM == "" || doc.LeafKey == "" {
		ca, err := pki.LoadCA([]byte(doc.CAPEM), []byte(doc.CAKey))
		if err != nil {
			return false, err
		}
		certPEM, keyPEM, err := ca.IssueLeaf(agentName, hosts...)
		if err != nil {
			return false, err
		}
		doc.LeafPEM = string(certPEM)
		doc.LeafKey = string(keyPEM)
		changed = true
	}

	if doc.InviteToken == "" {
		token, err := newInviteToken()
		if err != nil {
			return false, err
		}
		doc.InviteToken = token
		changed = true
	}

	return changed, nil
}

// CAPEM returns the PEM-encoded CA certificate.
func (s *Store) CAPEM() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ca.CertPEM()
}

// Fingerprint returns the SHA-256 fingerprint of the CA certificate.
func (s *Store) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ca.Fingerprint()
}

// LeafCertificate returns the leaf as a tls.Certificate for the
// agent's listeners.
func (s *Store) LeafCertificate() (tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, err := tls.X509KeyPair(s.leafPEM, s.leafKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load leaf keypair: %w", err)
	}
	return cert, nil
}

// CurrentInviteToken returns the active invite token.
func (s *Store) CurrentInviteToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// RotateInviteToken replaces the active token and persists the new
// one. The rotation is atomic with respect to Redeem: a concurrent
// redemption of the old token either completes first or fails.
func (s *Store) RotateInviteToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(ctx)
}

// Redeem validates a presented invite token in constant time and, on
// success, rotates so the token is single-use.
func (s *Store) Redeem(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return &core.TrustError{Reason: "invite_token_invalid"}
	}
	if _, err := s.rotateLocked(ctx); err != nil {
		return fmt.Errorf("rotate after redemption: %w", err)
	}
	return nil
}

func (s *Store) rotateLocked(ctx context.Context) (string, error) {
	next, err := newInviteToken()
	if err != nil {
		return "", err
	}
	err = s.blob.Update(ctx, func(current []byte) ([]byte, error) {
		var doc storage.SensitiveDoc
		if len(current) > 0 {
			if err := json.Unmarshal(current, &doc); err != nil {
				return nil, fmt.Errorf("decode sensitive blob: %w", err)
			}
		}
		doc.InviteToken = next
		return json.Marshal(&doc)
	})
	if err != nil {
		return "", fmt.Errorf("persist invite token: %w", err)
	}
	s.token = next
	s.logger.Info("invite token rotated")
	return next, nil
}

// newInviteToken returns 192 bits of URL-safe randomness.
func newInviteToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate invite token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
