package identity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/models"
	"keyrelay/pkg/sessions"
	"keyrelay/pkg/testutil"
)

type claimRecord struct {
	afterReset bool
	bundle     *models.Bundle
}

// Reset races bundle claims, session writes in both directions and sender
// key distribution for the same user.
func TestResetUnderConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	old := f.enroll(t, "alice", 1)
	require.NoError(t, f.prekeys.RegisterBatch(ctx, "alice", 1, old.PreKeys(t, 6, 45)))
	f.enroll(t, "bob", 1)

	toAlice := models.SessionKey{LocalUserID: "bob", RemoteUserID: "alice", DeviceID: 1}
	fromAlice := models.SessionKey{LocalUserID: "alice", RemoteUserID: "bob", DeviceID: 1}
	senderKey := models.SenderKeyAddress{GroupID: "g", SenderID: "alice", DeviceID: 1}

	// every key exists up front so reset sees a stable peer set
	_, err := f.sessions.Put(ctx, toAlice, []byte("seed"))
	require.NoError(t, err)
	_, err = f.sessions.Put(ctx, fromAlice, []byte("seed"))
	require.NoError(t, err)
	_, err = f.groups.Distribute(ctx, senderKey, []byte("seed"), false)
	require.NoError(t, err)

	var (
		resetDone atomic.Bool
		stop      = make(chan struct{})
		wg        sync.WaitGroup
		mu        sync.Mutex
		claims    []claimRecord
		failures  []error
	)
	fail := func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}
	expected := func(err error) bool {
		return err == nil || errs.IsNotFound(err) || errs.IsExhaustion(err) || errs.IsConflict(err)
	}
	loop := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				fn()
			}
		}()
	}

	for i := 0; i < 4; i++ {
		loop(func() {
			after := resetDone.Load()
			b, err := f.prekeys.ClaimBundle(ctx, "alice", 1, 1)
			if !expected(err) {
				fail(err)
				return
			}
			if b != nil {
				mu.Lock()
				claims = append(claims, claimRecord{afterReset: after, bundle: b})
				mu.Unlock()
			}
		})
	}
	for _, k := range []models.SessionKey{toAlice, fromAlice} {
		loop(func() {
			if _, err := f.sessions.Put(ctx, k, []byte("state")); !expected(err) {
				fail(err)
			}
		})
	}
	loop(func() {
		if _, err := f.groups.Distribute(ctx, senderKey, []byte("sk"), true); !expected(err) {
			fail(err)
		}
	})

	fresh := testutil.NewDevice(t, "alice", 1)
	done := make(chan struct{})
	var (
		res      *ResetResult
		resetErr error
	)
	go func() {
		defer close(done)
		time.Sleep(5 * time.Millisecond)
		res, resetErr = f.ids.ResetIdentity(ctx, "alice", []models.IdentityRegistration{fresh.Registration()})
		resetDone.Store(true)
		time.Sleep(5 * time.Millisecond)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("reset did not finish while writers were running")
	}
	close(stop)
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("writers did not finish after reset")
	}

	require.NoError(t, resetErr)
	require.Empty(t, failures)
	assert.Equal(t, uint32(1), res.Identities[0].Generation)
	assert.Equal(t, 50, res.Tombstone.PreKeys)

	seen := map[uint32]bool{}
	for _, c := range claims {
		for _, pk := range c.bundle.PreKeys {
			assert.False(t, c.afterReset, "prekey %d claimed after reset", pk.KeyID)
			assert.Equal(t, []byte(old.Public), c.bundle.IdentityKey, "prekeys only come with the retired identity")
			assert.False(t, seen[pk.KeyID], "prekey %d claimed twice", pk.KeyID)
			seen[pk.KeyID] = true
		}
		if c.afterReset {
			assert.NotEqual(t, []byte(old.Public), c.bundle.IdentityKey)
		}
	}

	// nothing of the retired generation is left to claim
	left, err := f.store.ListPreKeys("alice", 1)
	require.NoError(t, err)
	assert.Empty(t, left)
	_, err = f.prekeys.ClaimBundle(ctx, "alice", 1, 1)
	assert.True(t, errs.IsNotFound(err), "no signed prekey until the new identity rotates one in")

	cur, err := f.ids.Get(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte(fresh.Public), cur.IdentityKey)

	// every indexed session and sender key resolves to a record
	peers, err := sessions.PeerSessions(f.store, "alice")
	require.NoError(t, err)
	for _, k := range peers {
		_, err := f.store.GetSession(k)
		assert.NoError(t, err, "session %v", k)
	}
	addrs, err := f.store.SenderKeysOf("alice")
	require.NoError(t, err)
	for _, a := range addrs {
		_, err := f.store.GetSenderKey(a)
		assert.NoError(t, err, "sender key %v", a)
	}

	// a quiescent second reset sees exactly the writes that landed after the first
	again, err := f.ids.ResetIdentity(ctx, "alice", []models.IdentityRegistration{testutil.NewDevice(t, "alice", 1).Registration()})
	require.NoError(t, err)
	assert.Equal(t, len(peers), again.Tombstone.Sessions)
	assert.Equal(t, len(addrs), again.Tombstone.SenderKeys)
	assert.Zero(t, again.Tombstone.PreKeys)
}
