package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironguard/storage"
	"github.com/jmcleod/ironguard/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return NewRepository()
	})
}

func TestMemoryRepository_ReturnsClones(t *testing.T) {
	repo := NewRepository()
	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemeAES256GCM, Nonce: []byte("nonce1234567")}
	require.NoError(t, repo.Put("ns", "type", "id", env))

	got, err := repo.Get("ns", "type", "id")
	require.NoError(t, err)
	got.Nonce[0] = 'X'

	got2, err := repo.Get("ns", "type", "id")
	require.NoError(t, err)
	assert.Equal(t, byte('n'), got2.Nonce[0], "memory repository should return clones of envelopes")

	env.Nonce[1] = 'Y'
	got3, _ := repo.Get("ns", "type", "id")
	assert.Equal(t, byte('o'), got3.Nonce[1], "memory repository should store clones of envelopes")
}
