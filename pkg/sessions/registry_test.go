package sessions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/models"
	"keyrelay/pkg/testutil"
)

func key(local, remote string, device uint32) models.SessionKey {
	return models.SessionKey{LocalUserID: local, RemoteUserID: remote, DeviceID: device}
}

func TestPutGetVersioning(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.OpenStore(t), testutil.Clock())
	k := key("alice", "bob", 1)

	_, err := r.Get(ctx, k)
	assert.True(t, errs.IsNotFound(err))

	v, err := r.Put(ctx, k, []byte("s1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	v, err = r.Put(ctx, k, []byte("s2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	st, err := r.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("s2"), st.Blob)
	assert.Equal(t, uint64(2), st.Version)
	assert.Equal(t, testutil.Epoch.UnixNano(), st.CreatedTS)
}

func TestCompareAndPut(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.OpenStore(t), nil)
	k := key("alice", "bob", 1)

	v, err := r.CompareAndPut(ctx, k, []byte("a"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	_, err = r.CompareAndPut(ctx, k, []byte("b"), 0)
	assert.True(t, errs.IsConflict(err))

	v, err = r.CompareAndPut(ctx, k, []byte("b"), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestRowsAreNotSharedAcrossPeers(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.OpenStore(t), nil)
	_, err := r.Put(ctx, key("alice", "bob", 1), []byte("bob"))
	require.NoError(t, err)
	_, err = r.Put(ctx, key("alice", "carol", 1), []byte("carol"))
	require.NoError(t, err)
	_, err = r.Put(ctx, key("alice", "bob", 2), []byte("bob2"))
	require.NoError(t, err)

	st, err := r.Get(ctx, key("alice", "carol", 1))
	require.NoError(t, err)
	assert.Equal(t, []byte("carol"), st.Blob)

	list, err := r.ListActive(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.OpenStore(t), nil)
	k := key("alice", "bob", 1)
	assert.True(t, errs.IsNotFound(r.Delete(ctx, k)))

	_, err := r.Put(ctx, k, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, k))
	_, err = r.Get(ctx, k)
	assert.True(t, errs.IsNotFound(err))

	v, err := r.Put(ctx, k, []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v, "a new session starts over")
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.OpenStore(t), nil)
	_, err := r.Put(ctx, key("", "bob", 1), []byte("x"))
	assert.True(t, errs.IsValidation(err))
	_, err = r.Put(ctx, key("alice", "bob", 0), []byte("x"))
	assert.True(t, errs.IsValidation(err))
	_, err = r.Put(ctx, key("alice", "bob", 1), nil)
	assert.True(t, errs.IsValidation(err))
}

func TestConcurrentCompareAndPutHasOneWinnerPerVersion(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.OpenStore(t), nil)
	k := key("alice", "bob", 1)
	_, err := r.Put(ctx, k, []byte("seed"))
	require.NoError(t, err)

	const n = 20
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.CompareAndPut(ctx, k, []byte("next"), 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				assert.True(t, errs.IsConflict(err))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	st, err := r.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Version)
}

func TestConcurrentPutsCountEveryWrite(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.OpenStore(t), nil)
	k := key("alice", "bob", 1)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Put(ctx, k, []byte("x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	st, err := r.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), st.Version)
}

func TestDeleteForPeer(t *testing.T) {
	ctx := context.Background()
	r := New(testutil.OpenStore(t), nil)
	for _, k := range []models.SessionKey{
		key("alice", "bob", 1),
		key("bob", "alice", 1),
		key("carol", "alice", 2),
		key("carol", "bob", 1),
	} {
		_, err := r.Put(ctx, k, []byte("x"))
		require.NoError(t, err)
	}

	n, err := r.DeleteForPeer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, err := r.ListActive(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0].RemoteUserID)

	n, err = r.DeleteForPeer(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}
