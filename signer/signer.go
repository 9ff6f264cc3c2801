/*
Identity and signing for the orchestration core.

A Signer produces the signed events that carry both the persisted server
list and per-request storage authorizations. Two variants exist: one
holding a raw key directly, and one delegating to an external signing
capability. Callers never branch on which variant they hold.
*/

package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/sablewood/mediamesh/models"
)

type ErrorCode int

const (
	ErrorEventRequired ErrorCode = iota
	ErrorSecretRequired
	ErrorInvalidPublicKey
	ErrorInvalidPrivateKey
	ErrorInvalidSignature
	ErrorInvalidHash
	ErrorDelegateRejected
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorEventRequired:
		return "event is required"
	case ErrorSecretRequired:
		return "secret is required"
	case ErrorInvalidPublicKey:
		return "invalid public key"
	case ErrorInvalidPrivateKey:
		return "invalid private key"
	case ErrorInvalidSignature:
		return "invalid signature"
	case ErrorInvalidHash:
		return "invalid hash"
	case ErrorDelegateRejected:
		return "delegate rejected signing request"
	default:
		return "unknown error"
	}
}

type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func NewError(code ErrorCode) *Error {
	return &Error{Code: code, Message: code.String()}
}

func NewErrorWithMessage(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Signer fills in PubKey, CreatedAt (when zero), ID and Sig on an event.
// A signing failure is an authorization failure and is never retried.
type Signer interface {
	PublicKey() string
	Sign(ctx context.Context, ev *models.Event) error
}

// --- Key-backed signer ---

// KeySigner signs with a locally held ECDSA P-256 key.
type KeySigner struct {
	key *ecdsa.PrivateKey
}

var _ Signer = &KeySigner{}

func NewKeySigner() (*KeySigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeySigner{key: key}, nil
}

func (s *KeySigner) PublicKey() string {
	compressed := elliptic.MarshalCompressed(elliptic.P256(), s.key.PublicKey.X, s.key.PublicKey.Y)
	return hex.EncodeToString(compressed)
}

func (s *KeySigner) Sign(_ context.Context, ev *models.Event) error {
	if ev == nil {
		return NewError(ErrorEventRequired)
	}
	ev.PubKey = s.PublicKey()
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	ev.ID = ev.ComputeID()

	digest, err := hex.DecodeString(ev.ID)
	if err != nil {
		return NewError(ErrorInvalidHash)
	}
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest)
	if err != nil {
		return err
	}
	ev.Sig = hex.EncodeToString(sig)
	return nil
}

// --- Delegate-backed signer ---

// SignFunc performs the actual signing on behalf of a DelegateSigner. It
// must fill ID and Sig; PubKey and CreatedAt are already set.
type SignFunc func(ctx context.Context, ev *models.Event) error

// DelegateSigner hands events to an external signing capability (a browser
// extension, an agent process) identified by its public key.
type DelegateSigner struct {
	pubKey string
	fn     SignFunc
}

var _ Signer = &DelegateSigner{}

func NewDelegateSigner(pubKey string, fn SignFunc) (*DelegateSigner, error) {
	if pubKey == "" {
		return nil, NewError(ErrorInvalidPublicKey)
	}
	if fn == nil {
		return nil, NewError(ErrorDelegateRejected)
	}
	return &DelegateSigner{pubKey: pubKey, fn: fn}, nil
}

func (s *DelegateSigner) PublicKey() string {
	return s.pubKey
}

func (s *DelegateSigner) Sign(ctx context.Context, ev *models.Event) error {
	if ev == nil {
		return NewError(ErrorEventRequired)
	}
	ev.PubKey = s.pubKey
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	if err := s.fn(ctx, ev); err != nil {
		return NewErrorWithMessage(ErrorDelegateRejected, err.Error())
	}
	return nil
}

// --- Verification ---

// Verify checks the event's ID integrity and its signature against the
// embedded public key.
func Verify(ev *models.Event) (bool, error) {
	if ev == nil {
		return false, NewError(ErrorEventRequired)
	}
	if ev.ID != ev.ComputeID() {
		return false, NewError(ErrorInvalidHash)
	}
	raw, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return false, NewError(ErrorInvalidPublicKey)
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), raw)
	if x == nil || y == nil {
		return false, NewError(ErrorInvalidPublicKey)
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	digest, err := hex.DecodeString(ev.ID)
	if err != nil {
		return false, NewError(ErrorInvalidHash)
	}
	sig, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return false, NewError(ErrorInvalidSignature)
	}
	return ecdsa.VerifyASN1(pub, digest, sig), nil
}
