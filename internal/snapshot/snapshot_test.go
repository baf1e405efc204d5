package snapshot

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietpay/quietpay/internal/store"
	"github.com/quietpay/quietpay/pkg/identity"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestExportRestoreRoundtrip(t *testing.T) {
	src := testStore(t)
	dst := testStore(t)
	ctx := context.Background()

	require.NoError(t, src.Write(store.VaultKey(), []byte("vault-record")))
	require.NoError(t, src.Write(store.BusinessKey(identity.Address{1}), []byte("biz-record")))
	require.NoError(t, src.Write(store.EmployeeKey(identity.Address{2}), []byte("emp-record")))

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, src, &buf))

	require.NoError(t, Restore(ctx, dst, &buf))

	vault, err := dst.Read(store.VaultKey())
	require.NoError(t, err)
	assert.Equal(t, []byte("vault-record"), vault)

	emp, err := dst.Read(store.EmployeeKey(identity.Address{2}))
	require.NoError(t, err)
	assert.Equal(t, []byte("emp-record"), emp)
}

func TestExportEmptyStore(t *testing.T) {
	src := testStore(t)
	dst := testStore(t)
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, src, &buf))
	require.NoError(t, Restore(ctx, dst, &buf))

	_, err := dst.Read(store.VaultKey())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestoreRejectsMalformedStreams(t *testing.T) {
	dst := testStore(t)
	ctx := context.Background()

	cases := map[string][]byte{
		"empty":       {},
		"bad magic":   []byte("NOTQPS\x01"),
		"bad version": []byte("QPSNAP\xff"),
	}
	for name, data := range cases {
		err := Restore(ctx, dst, bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrInvalidSnapshot, name)
	}
}

func TestRestoreRejectsTruncatedBody(t *testing.T) {
	src := testStore(t)
	dst := testStore(t)
	ctx := context.Background()

	require.NoError(t, src.Write(store.VaultKey(), []byte("vault-record")))

	var buf bytes.Buffer
	require.NoError(t, Export(ctx, src, &buf))

	truncated := buf.Bytes()[:buf.Len()-3]
	err := Restore(ctx, dst, bytes.NewReader(truncated))
	assert.Error(t, err)
}
