// Package vapid implements RFC 8292 Voluntary Application Server
// Identification for Web Push: an ES256 JWT signed with the application
// server key, scoped to a single push-service origin.
//
// The JWT is built by hand because Web Push requires the raw 64-byte r||s
// signature form, not the DER encoding general-purpose JWT libraries emit.
package vapid

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

// tokenLifetime is the exp horizon for issued tokens. Push services reject
// tokens valid for longer than 24 hours.
const tokenLifetime = 24 * time.Hour

// Token is one signed VAPID assertion, scoped to exactly one push-service
// origin. Tokens are not cached; a fresh one is produced per send.
type Token struct {
	Token     string
	PublicKey string
	Audience  string
	ExpiresAt time.Time
}

// AuthorizationHeader renders the RFC 8292 Authorization header value.
func (t Token) AuthorizationHeader() string {
	return fmt.Sprintf("vapid t=%s, k=%s", t.Token, t.PublicKey)
}

// Signer holds a validated P-256 application server key pair.
type Signer struct {
	key       *ecdsa.PrivateKey
	publicKey string // base64url, uncompressed point, as sent in the k= parameter
	subject   string
	now       func() time.Time
}

// NewSigner parses the base64url-encoded VAPID key pair and fails fast on
// malformed material. privateKey is the 32-byte P-256 scalar; publicKey is
// the 65-byte uncompressed point. The pair is cross-checked: a public key
// that does not match the scalar is rejected.
func NewSigner(privateKey, publicKey, subject string) (*Signer, error) {
	scalar, err := decodeKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %s", notify.ErrCrypto, err)
	}
	if len(scalar) != 32 {
		return nil, fmt.Errorf("%w: private key must be 32 bytes, got %d", notify.ErrCrypto, len(scalar))
	}

	// Derive the public point from the scalar; this also range-checks the
	// scalar against the curve order.
	ecdhKey, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", notify.ErrCrypto, err)
	}
	derived := ecdhKey.PublicKey().Bytes() // 65-byte uncompressed point

	point, err := decodeKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %s", notify.ErrCrypto, err)
	}
	if len(point) != 65 || point[0] != 0x04 {
		return nil, fmt.Errorf("%w: public key must be a 65-byte uncompressed point", notify.ErrCrypto)
	}
	if !bytes.Equal(point, derived) {
		return nil, fmt.Errorf("%w: public key does not match private key", notify.ErrCrypto)
	}

	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(point[1:33]),
			Y:     new(big.Int).SetBytes(point[33:65]),
		},
		D: new(big.Int).SetBytes(scalar),
	}

	return &Signer{
		key:       key,
		publicKey: base64.RawURLEncoding.EncodeToString(point),
		subject:   subject,
		now:       time.Now,
	}, nil
}

// PublicKey returns the base64url-encoded application server public key.
func (s *Signer) PublicKey() string { return s.publicKey }

type claims struct {
	Aud string `json:"aud"`
	Exp int64  `json:"exp"`
	Sub string `json:"sub"`
}

// header is fixed for ES256; encoded once.
var encodedHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"typ":"JWT","alg":"ES256"}`))

// Sign issues a token for one push-service origin. The audience must be the
// scheme and host of the target push endpoint, not the application's own
// origin: push services verify the aud claim against themselves.
func (s *Signer) Sign(audience string) (Token, error) {
	if audience == "" {
		return Token{}, fmt.Errorf("%w: empty audience", notify.ErrCrypto)
	}

	expires := s.now().Add(tokenLifetime)
	body, err := json.Marshal(claims{
		Aud: audience,
		Exp: expires.Unix(),
		Sub: s.subject,
	})
	if err != nil {
		return Token{}, fmt.Errorf("marshal claims: %w", err)
	}

	signingInput := encodedHeader + "." + base64.RawURLEncoding.EncodeToString(body)
	digest := sha256.Sum256([]byte(signingInput))

	r, sv, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return Token{}, fmt.Errorf("ecdsa sign: %w", err)
	}

	// Raw r||s, each left-padded to 32 bytes. DER is not accepted here.
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	sv.FillBytes(sig[32:])

	return Token{
		Token:     signingInput + "." + base64.RawURLEncoding.EncodeToString(sig),
		PublicKey: s.publicKey,
		Audience:  audience,
		ExpiresAt: expires,
	}, nil
}

// decodeKey accepts both padded and unpadded base64url key encodings; key
// generators in the wild produce both.
func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty")
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
