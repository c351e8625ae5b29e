package backup

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/sqlsec/sqlsec/pkg/envelope"
	"github.com/sqlsec/sqlsec/pkg/keymaterial"
	"github.com/sqlsec/sqlsec/pkg/kmsprovider"
)

func randomDEKBytes() ([]byte, error) {
	buf := make([]byte, keymaterial.DEKLen)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("backup: generating backup DEK: %w", err)
	}
	return buf, nil
}

func wrapDEK(ctx context.Context, dek keymaterial.DEK, provider kmsprovider.Provider) (keymaterial.WrappedDEK, error) {
	return envelope.Wrap(ctx, dek, provider)
}

func unwrapDEK(ctx context.Context, wrapped keymaterial.WrappedDEK, provider kmsprovider.Provider) (keymaterial.DEK, error) {
	return envelope.Unwrap(ctx, wrapped, provider)
}
