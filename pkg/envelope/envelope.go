// Package envelope implements DEK wrapping/unwrapping under a KEK
// sourced from a kmsprovider.Provider, via the AEAD wrapper from
// hashicorp/go-kms-wrapping.
package envelope

import (
	"context"
	"encoding/base64"
	"fmt"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"

	"github.com/sqlsec/sqlsec/pkg/keymaterial"
	"github.com/sqlsec/sqlsec/pkg/kmsprovider"
)

// Wrap encrypts dek under the provider's current KEK, returning a
// WrappedDEK tagged with the KEK's id so Unwrap can later ask the same
// (or a successor) provider for the right key by id.
func Wrap(ctx context.Context, dek keymaterial.DEK, provider kmsprovider.Provider) (keymaterial.WrappedDEK, error) {
	kekID, kek, err := provider.GetKEK()
	if err != nil {
		return keymaterial.WrappedDEK{}, fmt.Errorf("envelope: resolving KEK: %w", err)
	}
	if len(kek) != keymaterial.DEKLen {
		return keymaterial.WrappedDEK{}, fmt.Errorf("envelope: KEK must be %d bytes, got %d", keymaterial.DEKLen, len(kek))
	}

	w, err := newAEADWrapper(ctx, kek)
	if err != nil {
		return keymaterial.WrappedDEK{}, err
	}
	blob, err := w.Encrypt(ctx, dek.Bytes())
	if err != nil {
		return keymaterial.WrappedDEK{}, fmt.Errorf("envelope: wrapping DEK: %w", err)
	}

	wrapped := keymaterial.WrappedDEK{Ciphertext: blob.Ciphertext, KekID: kekID}
	if len(blob.Iv) == 12 {
		copy(wrapped.Nonce[:], blob.Iv)
	}
	return wrapped, nil
}

// Unwrap decrypts a WrappedDEK using the KEK the provider serves under
// wrapped.KekID — which may not be the provider's *current* KEK, e.g.
// when restoring a backup taken before a rotation.
func Unwrap(ctx context.Context, wrapped keymaterial.WrappedDEK, provider kmsprovider.Provider) (keymaterial.DEK, error) {
	kek, err := provider.GetKEKByID(wrapped.KekID)
	if err != nil {
		return keymaterial.DEK{}, fmt.Errorf("envelope: resolving KEK %s: %w", wrapped.KekID, err)
	}
	if len(kek) != keymaterial.DEKLen {
		return keymaterial.DEK{}, fmt.Errorf("envelope: KEK must be %d bytes, got %d", keymaterial.DEKLen, len(kek))
	}

	w, err := newAEADWrapper(ctx, kek)
	if err != nil {
		return keymaterial.DEK{}, err
	}
	blob := &wrapping.BlobInfo{Ciphertext: wrapped.Ciphertext, Iv: wrapped.Nonce[:]}
	plaintext, err := w.Decrypt(ctx, blob)
	if err != nil {
		return keymaterial.DEK{}, fmt.Errorf("envelope: unwrapping DEK: %w", err)
	}
	defer zero(plaintext)

	dek, err := keymaterial.NewDEK(plaintext)
	if err != nil {
		return keymaterial.DEK{}, fmt.Errorf("envelope: unwrapped DEK has wrong length: %w", err)
	}
	return dek, nil
}

func newAEADWrapper(ctx context.Context, kek []byte) (wrapping.Wrapper, error) {
	w := aead.NewWrapper()
	keyBase64 := base64.StdEncoding.EncodeToString(kek)
	if _, err := w.SetConfig(ctx, wrapping.WithConfigMap(map[string]string{"key": keyBase64})); err != nil {
		return nil, fmt.Errorf("envelope: configuring AEAD wrapper: %w", err)
	}
	return w, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
