package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/flare-worker/internal/actor"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

// Scrypt cost parameters. A derivation takes hundreds of milliseconds, which
// is why it runs on the hash actor host instead of the calling goroutine.
const (
	ScryptN   = 16384
	ScryptR   = 16
	ScryptP   = 1
	KeyLength = 64
	SaltBytes = 16
)

// PasswordVerifier defines the interface for comparing passwords.
type PasswordVerifier interface {
	// Compare compares a stored credential with its possible plaintext equivalent.
	// Returns nil on success, or an error on failure (e.g., mismatch).
	Compare(ctx context.Context, credential, password string) error
}

// Hasher derives and verifies scrypt credentials of the form
// "<32-hex salt>:<128-hex key>". Each operation runs on its own actor so the
// normalized password only ever lives in that actor's goroutine.
type Hasher struct {
	host   *actor.Host
	rand   io.Reader
	logger *slog.Logger
}

var _ PasswordVerifier = (*Hasher)(nil)

// NewHasher creates a Hasher that runs derivations on host.
func NewHasher(host *actor.Host, logger *slog.Logger) *Hasher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hasher{host: host, rand: rand.Reader, logger: logger.With("component", "password_hasher")}
}

// opRecord is the only thing persisted in actor state: what ran and when.
type opRecord struct {
	Op string    `json:"op"`
	At time.Time `json:"at"`
}

// Hash returns a new credential for password.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	var credential string
	err := h.host.Do(ctx, uuid.NewString(), func(ctx context.Context, st *actor.State) error {
		salt := make([]byte, SaltBytes)
		if _, err := io.ReadFull(h.rand, salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		saltHex := hex.EncodeToString(salt)

		key, err := deriveKey(password, saltHex)
		if err != nil {
			return err
		}
		credential = saltHex + ":" + hex.EncodeToString(key)
		return st.PutJSON(ctx, "op", opRecord{Op: "hash", At: time.Now().UTC()})
	})
	if err != nil {
		h.logger.Error("password hash failed", "error", err)
		return "", err
	}
	return credential, nil
}

// Verify reports whether password matches credential. A credential without
// both parts, or with a key that is not hex, returns ErrInvalidCredentialFormat.
func (h *Hasher) Verify(ctx context.Context, credential, password string) (bool, error) {
	saltHex, keyHex, _ := strings.Cut(credential, ":")
	if saltHex == "" || keyHex == "" {
		return false, ErrInvalidCredentialFormat
	}
	stored, err := hex.DecodeString(keyHex)
	if err != nil {
		return false, fmt.Errorf("%w: key is not hex", ErrInvalidCredentialFormat)
	}

	var match bool
	err = h.host.Do(ctx, uuid.NewString(), func(ctx context.Context, st *actor.State) error {
		derived, err := deriveKey(password, saltHex)
		if err != nil {
			return err
		}
		match, _ = compareBytes(derived, stored)
		wipe(derived)
		return st.PutJSON(ctx, "op", opRecord{Op: "verify", At: time.Now().UTC()})
	})
	if err != nil {
		h.logger.Error("password verify failed", "error", err)
		return false, err
	}
	return match, nil
}

// Compare implements PasswordVerifier. ctx bounds the wait for the actor on
// top of the host's per-call budget.
func (h *Hasher) Compare(ctx context.Context, credential, password string) error {
	ok, err := h.Verify(ctx, credential, password)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPasswordMismatch
	}
	return nil
}

// deriveKey runs scrypt over the NFKC-normalized password. The salt is used
// as its hex text, matching credentials produced by the blog's auth library.
func deriveKey(password, saltHex string) ([]byte, error) {
	normalized := norm.NFKC.Bytes([]byte(password))
	defer wipe(normalized)

	key, err := scrypt.Key(normalized, []byte(saltHex), ScryptN, ScryptR, ScryptP, KeyLength)
	if err != nil {
		return nil, fmt.Errorf("scrypt derivation failed: %w", err)
	}
	return key, nil
}

// compareBytes compares a and b in time that depends only on the longer
// length. It never returns early; inspected is the number of positions read.
func compareBytes(a, b []byte) (equal bool, inspected int) {
	diff := len(a) ^ len(b)
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		diff |= int(x ^ y)
		inspected++
	}
	return diff == 0, inspected
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
