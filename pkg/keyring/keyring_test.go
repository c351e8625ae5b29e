package keyring

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sqlsec/sqlsec/pkg/keymaterial"
	"github.com/sqlsec/sqlsec/pkg/kmsprovider"
)

func TestDEKForMintsAndPersists(t *testing.T) {
	ctx := context.Background()
	provider := kmsprovider.NewPassphraseProvider("kek-1", "test passphrase")
	sidecar := &FlatFileSidecar{Path: filepath.Join(t.TempDir(), "db.evfs-keyring")}

	kr, err := New(provider, sidecar, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dek1, err := kr.DEKFor(ctx, keymaterial.DatabaseScope())
	if err != nil {
		t.Fatalf("DEKFor: %v", err)
	}
	dek2, err := kr.DEKFor(ctx, keymaterial.DatabaseScope())
	if err != nil {
		t.Fatalf("DEKFor: %v", err)
	}
	if !dek1.Equal(dek2) {
		t.Fatalf("expected repeated DEKFor calls for the same scope to return the same key")
	}

	kr2, err := New(provider, sidecar, nil)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	dek3, err := kr2.DEKFor(ctx, keymaterial.DatabaseScope())
	if err != nil {
		t.Fatalf("DEKFor (reopen): %v", err)
	}
	if !dek1.Equal(dek3) {
		t.Fatalf("expected DEK to survive a sidecar reload")
	}
}

func TestDifferentScopesGetDifferentDEKs(t *testing.T) {
	ctx := context.Background()
	provider := kmsprovider.NewPassphraseProvider("kek-1", "test passphrase")
	sidecar := &FlatFileSidecar{Path: filepath.Join(t.TempDir(), "db.evfs-keyring")}
	kr, err := New(provider, sidecar, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dbDEK, _ := kr.DEKFor(ctx, keymaterial.DatabaseScope())
	tableDEK, _ := kr.DEKFor(ctx, keymaterial.TableScope("users"))
	if dbDEK.Equal(tableDEK) {
		t.Fatalf("expected different scopes to mint different DEKs")
	}
}

func TestRewrapAllPreservesDEKs(t *testing.T) {
	ctx := context.Background()
	provider := kmsprovider.NewPassphraseProvider("kek-1", "old passphrase")
	sidecar := &FlatFileSidecar{Path: filepath.Join(t.TempDir(), "db.evfs-keyring")}
	kr, err := New(provider, sidecar, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	before, err := kr.DEKFor(ctx, keymaterial.DatabaseScope())
	if err != nil {
		t.Fatalf("DEKFor: %v", err)
	}

	newProvider := kmsprovider.NewPassphraseProvider("kek-2", "new passphrase")
	if err := kr.RewrapAll(ctx, newProvider); err != nil {
		t.Fatalf("RewrapAll: %v", err)
	}

	after, err := kr.DEKFor(ctx, keymaterial.DatabaseScope())
	if err != nil {
		t.Fatalf("DEKFor after rewrap: %v", err)
	}
	if !before.Equal(after) {
		t.Fatalf("rotation must preserve DEK identity, only rewrap it")
	}
}
