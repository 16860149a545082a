package verify

import (
	"context"
	"crypto/ecdsa"
	"time"

	"glowbridge.app/cloud/keys"
	"glowbridge.app/cloud/models"
	"glowbridge.app/cloud/storage"
)

// Service is the server-side verifier. It resolves public keys exclusively
// through the key provider: a token's embedded public key is a convenience
// for offline clients, and trusting it here would let anyone mint tokens
// with their own keypair.
type Service struct {
	Keys    *keys.Provider
	Storage storage.Storage

	// ClockSkew is zero on the server; it has reliable time.
	ClockSkew time.Duration
}

func NewService(kp *keys.Provider, st storage.Storage) *Service {
	return &Service{Keys: kp, Storage: st}
}

// Validate runs the full four-step protocol. deviceID may be empty for
// validations that are not tied to an activation.
func (s *Service) Validate(ctx context.Context, tok *models.SignedToken, deviceID, deviceName string) (Result, error) {
	pub, err := s.resolveKey(tok)
	if err != nil {
		return fail(models.CodeInvalidSignature, "unknown signing key"), nil
	}

	return Token(ctx, tok, pub, Options{
		ClockSkew:  s.ClockSkew,
		Ledger:     s.Storage,
		Registry:   s.Storage,
		DeviceID:   deviceID,
		DeviceName: deviceName,
	})
}

func (s *Service) resolveKey(tok *models.SignedToken) (*ecdsa.PublicKey, error) {
	if tok == nil {
		return nil, keys.ErrUnavailable
	}
	return s.Keys.PublicKey(tok.KeyID)
}
