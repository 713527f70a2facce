// Package storagetest holds the behavioural suite every storage.Repository
// backend must pass.
package storagetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironguard/storage"
)

// Factory returns a fresh, empty repository for one subtest.
type Factory func(t *testing.T) storage.Repository

func envelope(ver int, version uint64) *storage.Envelope {
	return &storage.Envelope{
		Ver:        ver,
		Scheme:     storage.SchemePlainJSON,
		Ciphertext: []byte(`{"k":"v"}`),
		Version:    version,
	}
}

// Run exercises the Repository contract against the backend built by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("PutAndGet", func(t *testing.T) {
		repo := newRepo(t)
		env := &storage.Envelope{
			Ver:        1,
			Scheme:     storage.SchemeAES256GCM,
			Nonce:      []byte("nonce1234567"),
			Ciphertext: []byte("ciphertext"),
			Version:    1,
		}
		require.NoError(t, repo.Put("ns", "type1", "id1", env))

		got, err := repo.Get("ns", "type1", "id1")
		require.NoError(t, err)
		assert.Equal(t, env.Ver, got.Ver)
		assert.Equal(t, env.Scheme, got.Scheme)
		assert.Equal(t, env.Nonce, got.Nonce)
		assert.Equal(t, env.Ciphertext, got.Ciphertext)
		assert.Equal(t, env.Version, got.Version)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get("missing", "type1", "id1")
		assert.True(t, errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound),
			"unexpected error %v", err)

		require.NoError(t, repo.Put("ns", "type1", "id1", envelope(1, 0)))
		_, err = repo.Get("ns", "type1", "other")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListSortedAndScoped", func(t *testing.T) {
		repo := newRepo(t)
		for _, id := range []string{"0003", "0001", "0002"} {
			require.NoError(t, repo.Put("ns", "type1", id, envelope(1, 0)))
		}
		require.NoError(t, repo.Put("ns", "type2", "0000", envelope(1, 0)))
		require.NoError(t, repo.Put("other", "type1", "9999", envelope(1, 0)))

		ids, err := repo.List("ns", "type1")
		require.NoError(t, err)
		assert.Equal(t, []string{"0001", "0002", "0003"}, ids)

		ids, err = repo.List("missing", "type1")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("ns", "type1", "id1", envelope(1, 0)))
		require.NoError(t, repo.Delete("ns", "type1", "id1"))
		_, err := repo.Get("ns", "type1", "id1")
		assert.Error(t, err)

		err = repo.Delete("ns", "type1", "id1")
		assert.Error(t, err, "deleting a missing record should fail")
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := newRepo(t)

		require.NoError(t, repo.PutCAS("ns", "head", "current", 0, envelope(1, 1)), "create-only")
		assert.ErrorIs(t, repo.PutCAS("ns", "head", "current", 0, envelope(1, 1)), storage.ErrCASFailed,
			"create-only must fail when the record exists")
		assert.ErrorIs(t, repo.PutCAS("ns", "head", "absent", 1, envelope(1, 2)), storage.ErrCASFailed,
			"update must fail when the record is missing")
		require.NoError(t, repo.PutCAS("ns", "head", "current", 1, envelope(1, 2)))
		assert.ErrorIs(t, repo.PutCAS("ns", "head", "current", 1, envelope(1, 3)), storage.ErrCASFailed)

		got, err := repo.Get("ns", "head", "current")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("BatchCommitsAcrossNamespaces", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.Batch(func(tx storage.BatchTx) error {
			if err := tx.Put("tickets", "TICKET", "t1", envelope(1, 0)); err != nil {
				return err
			}
			if err := tx.PutCAS("audit", "HEAD", "current", 0, envelope(1, 1)); err != nil {
				return err
			}
			got, err := tx.Get("tickets", "TICKET", "t1")
			if err != nil {
				return err
			}
			if got.Ver != 1 {
				return fmt.Errorf("read-your-writes failed: ver=%d", got.Ver)
			}
			ids, err := tx.List("tickets", "TICKET")
			if err != nil {
				return err
			}
			if len(ids) != 1 {
				return fmt.Errorf("expected 1 ticket in tx, got %d", len(ids))
			}
			return nil
		})
		require.NoError(t, err)

		_, err = repo.Get("tickets", "TICKET", "t1")
		assert.NoError(t, err)
		_, err = repo.Get("audit", "HEAD", "current")
		assert.NoError(t, err)
	})

	t.Run("BatchRollsBack", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("ns", "type", "existing", envelope(1, 0)))

		errBoom := errors.New("simulated error")
		err := repo.Batch(func(tx storage.BatchTx) error {
			if err := tx.Put("ns", "type", "new", envelope(1, 0)); err != nil {
				return err
			}
			if err := tx.Put("ns", "type", "existing", envelope(2, 0)); err != nil {
				return err
			}
			if err := tx.Delete("ns", "type", "existing"); err != nil {
				return err
			}
			if err := tx.Put("fresh-ns", "type", "x", envelope(1, 0)); err != nil {
				return err
			}
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)

		_, err = repo.Get("ns", "type", "new")
		assert.Error(t, err, "record written in a failed batch must not exist")
		got, err := repo.Get("ns", "type", "existing")
		require.NoError(t, err, "record deleted in a failed batch must be restored")
		assert.Equal(t, 1, got.Ver)
		_, err = repo.Get("fresh-ns", "type", "x")
		assert.Error(t, err)
	})

	t.Run("BatchCASConflictRollsBack", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("audit", "HEAD", "current", envelope(1, 5)))

		err := repo.Batch(func(tx storage.BatchTx) error {
			if err := tx.Put("tickets", "TICKET", "t9", envelope(1, 0)); err != nil {
				return err
			}
			return tx.PutCAS("audit", "HEAD", "current", 4, envelope(1, 5))
		})
		require.ErrorIs(t, err, storage.ErrCASFailed)
		_, err = repo.Get("tickets", "TICKET", "t9")
		assert.Error(t, err)
	})

	t.Run("ConcurrentCASIncrements", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("ns", "counter", "c", envelope(1, 1)))

		const workers = 8
		const perWorker = 10
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					for {
						err := repo.Batch(func(tx storage.BatchTx) error {
							cur, err := tx.Get("ns", "counter", "c")
							if err != nil {
								return err
							}
							return tx.PutCAS("ns", "counter", "c", cur.Version, envelope(1, cur.Version+1))
						})
						if err == nil {
							break
						}
						if !errors.Is(err, storage.ErrCASFailed) {
							t.Errorf("unexpected error: %v", err)
							return
						}
					}
				}
			}()
		}
		wg.Wait()

		got, err := repo.Get("ns", "counter", "c")
		require.NoError(t, err)
		assert.Equal(t, uint64(1+workers*perWorker), got.Version)
	})
}
