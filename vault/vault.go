// Package vault implements envelope encryption for the lucarne record store.
//
// Every record (and every OCR text region) carries its own randomly generated
// symmetric row key. Row keys are wrapped with an asymmetric public key so
// that writing never requires user interaction; unwrapping needs the private
// key, which is released only through an Authorizer (the platform
// biometric/PIN gate). Payload encryption itself is fast symmetric AEAD.
//
// Callers must treat Unwrap as the single potentially long-blocking call in
// the system: the first Unwrap of a session can wait on a human. Never invoke
// it while holding a lock other code needs.
package vault

import (
	"context"
	"errors"
)

// RowKeySize is the size in bytes of a symmetric row key.
const RowKeySize = 32

// ErrCrypto is the base class for wrap/unwrap/encrypt/decrypt failures.
var ErrCrypto = errors.New("vault: crypto failure")

// ErrAuthDeclined is returned when the authorizer refused to release the
// private key (user cancelled the prompt, or the session was revoked).
var ErrAuthDeclined = errors.New("vault: authorization declined")

// ErrNoKeyFile is returned when the key file is missing or unreadable.
// Initialization must fail hard on this — the store never operates without
// its keys.
var ErrNoKeyFile = errors.New("vault: key file missing or unreadable")

// Gate is the four-operation envelope crypto contract.
type Gate interface {
	// Wrap encrypts a row key to the store's public key. Never blocks on
	// user interaction.
	Wrap(rowKey []byte) ([]byte, error)

	// Unwrap recovers a row key from its wrapped form. May block
	// indefinitely on a user-facing authentication prompt the first time it
	// is called in a session; fast afterwards while the session is valid.
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)

	// Encrypt seals plaintext under a row key. Pure computation.
	Encrypt(rowKey, plaintext []byte) ([]byte, error)

	// Decrypt opens ciphertext produced by Encrypt. Pure computation.
	Decrypt(rowKey, ciphertext []byte) ([]byte, error)
}

// Authorizer releases the secret that protects the private key. The platform
// implementation shows a biometric/PIN prompt and blocks until the user
// answers; it must honor ctx cancellation.
type Authorizer interface {
	Authorize(ctx context.Context) ([]byte, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context) ([]byte, error)

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context) ([]byte, error) { return f(ctx) }
