package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

// KeyFileName is the name of the key file inside the data root.
const KeyFileName = "lucarne.keys"

// keyFile is the on-disk key material. The public key and MAC key are stored
// in the clear — both are needed by the background producer, which must never
// prompt. The private key is sealed under a key derived from the authorizer
// secret.
type keyFile struct {
	Version       int    `json:"version"`
	PublicKey     string `json:"public_key"`
	MACKey        string `json:"mac_key"`
	PrivateSealed string `json:"private_sealed"`
	Salt          string `json:"salt"`
}

// FileGate is a Gate backed by a key file whose private half is released
// through an Authorizer. It caches the unlocked private key for the lifetime
// of the Session, so only the first Unwrap of a session blocks.
type FileGate struct {
	pub     [32]byte
	macKey  []byte
	sealed  []byte
	salt    []byte
	auth    Authorizer
	session *Session

	mu   sync.Mutex // guards priv; NOT held across auth.Authorize
	priv *[32]byte
}

// NewFileGate loads the key file under dir. The authorizer is consulted
// lazily, on the first Unwrap.
func NewFileGate(dir string, auth Authorizer, session *Session) (*FileGate, error) {
	raw, err := os.ReadFile(filepath.Join(dir, KeyFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoKeyFile, err)
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrNoKeyFile, err)
	}
	g := &FileGate{auth: auth, session: session}
	pub, err := b64(kf.PublicKey)
	if err != nil || len(pub) != 32 {
		return nil, fmt.Errorf("%w: bad public key", ErrNoKeyFile)
	}
	copy(g.pub[:], pub)
	if g.macKey, err = b64(kf.MACKey); err != nil || len(g.macKey) != 32 {
		return nil, fmt.Errorf("%w: bad mac key", ErrNoKeyFile)
	}
	if g.sealed, err = b64(kf.PrivateSealed); err != nil {
		return nil, fmt.Errorf("%w: bad sealed key", ErrNoKeyFile)
	}
	if g.salt, err = b64(kf.Salt); err != nil {
		return nil, fmt.Errorf("%w: bad salt", ErrNoKeyFile)
	}
	return g, nil
}

// InitKeyFile generates a fresh keypair and MAC key and writes the key file
// under dir, sealing the private key under secret. It refuses to overwrite an
// existing key file.
func InitKeyFile(dir string, secret []byte) error {
	path := filepath.Join(dir, KeyFileName)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("vault: key file already exists at %s", path)
	}
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("%w: keygen: %v", ErrCrypto, err)
	}
	macKey := make([]byte, 32)
	salt := make([]byte, 16)
	if _, err := rand.Read(macKey); err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	kek, err := deriveKEK(secret, salt)
	if err != nil {
		return err
	}
	sealed, err := aeadSeal(kek, priv[:])
	if err != nil {
		return err
	}
	kf := keyFile{
		Version:       1,
		PublicKey:     base64.StdEncoding.EncodeToString(pub[:]),
		MACKey:        base64.StdEncoding.EncodeToString(macKey),
		PrivateSealed: base64.StdEncoding.EncodeToString(sealed),
		Salt:          base64.StdEncoding.EncodeToString(salt),
	}
	raw, err := json.MarshalIndent(&kf, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal key file: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault: mkdir %s: %w", dir, err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("vault: write key file: %w", err)
	}
	return nil
}

// Wrap seals a row key to the public key (anonymous sealed box). Never
// prompts.
func (g *FileGate) Wrap(rowKey []byte) ([]byte, error) {
	out, err := box.SealAnonymous(nil, rowKey, &g.pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap: %v", ErrCrypto, err)
	}
	return out, nil
}

// Unwrap opens a wrapped row key. Blocks on the Authorizer when the private
// key is not cached for the current session.
func (g *FileGate) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	priv, err := g.unlock(ctx)
	if err != nil {
		return nil, err
	}
	rowKey, ok := box.OpenAnonymous(nil, wrapped, &g.pub, priv)
	if !ok {
		return nil, fmt.Errorf("%w: unwrap: sealed box open failed", ErrCrypto)
	}
	return rowKey, nil
}

// Encrypt seals plaintext with XChaCha20-Poly1305 under rowKey. The random
// nonce is prepended to the ciphertext.
func (g *FileGate) Encrypt(rowKey, plaintext []byte) ([]byte, error) {
	return aeadSeal(rowKey, plaintext)
}

// Decrypt opens ciphertext produced by Encrypt.
func (g *FileGate) Decrypt(rowKey, ciphertext []byte) ([]byte, error) {
	return aeadOpen(rowKey, ciphertext)
}

// MAC computes the keyed hash used for blind indexing and content
// addressing. purpose domain-separates the derived key so token hashes,
// content hashes and dedup hashes live in distinct HMAC families.
func (g *FileGate) MAC(purpose string, data []byte) []byte {
	kr := hkdf.New(sha256.New, g.macKey, nil, []byte("lucarne/"+purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kr, key); err != nil {
		panic("vault: hkdf failed: " + err.Error())
	}
	h := sha256.New()
	h.Write(key)
	h.Write(data)
	return h.Sum(nil)[:16]
}

// Lock drops the cached private key, forcing the next Unwrap back through
// the Authorizer. Called when the session expires.
func (g *FileGate) Lock() {
	g.mu.Lock()
	g.priv = nil
	g.mu.Unlock()
	if g.session != nil {
		g.session.Invalidate()
	}
}

// unlock returns the cached private key or opens it via the Authorizer.
// The internal mutex is released before Authorize runs: the prompt can take
// minutes and concurrent Wrap/Encrypt calls must not stall behind it.
func (g *FileGate) unlock(ctx context.Context) (*[32]byte, error) {
	g.mu.Lock()
	if g.priv != nil && (g.session == nil || g.session.Valid()) {
		priv := g.priv
		g.mu.Unlock()
		return priv, nil
	}
	g.mu.Unlock()

	if g.auth == nil {
		return nil, ErrAuthDeclined
	}
	secret, err := g.auth.Authorize(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthDeclined, err)
	}
	kek, err := deriveKEK(secret, g.salt)
	if err != nil {
		return nil, err
	}
	raw, err := aeadOpen(kek, g.sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: private key seal: %v", ErrCrypto, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: bad private key length", ErrCrypto)
	}
	var priv [32]byte
	copy(priv[:], raw)

	g.mu.Lock()
	g.priv = &priv
	g.mu.Unlock()
	if g.session != nil {
		g.session.Touch()
	}
	return &priv, nil
}

func deriveKEK(secret, salt []byte) ([]byte, error) {
	kr := hkdf.New(sha256.New, secret, salt, []byte("lucarne/kek"))
	kek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kr, kek); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %v", ErrCrypto, err)
	}
	return kek, nil
}

func aeadSeal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrCrypto, err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func aeadOpen(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrCrypto, err)
	}
	return plaintext, nil
}

// NewRowKey generates a fresh random row key.
func NewRowKey() ([]byte, error) {
	k := make([]byte, RowKeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return k, nil
}

func b64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
