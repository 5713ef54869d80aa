package groupkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrelay/pkg/errs"
	"keyrelay/pkg/models"
	"keyrelay/pkg/testutil"
)

func addr(group, sender string, device uint32) models.SenderKeyAddress {
	return models.SenderKeyAddress{GroupID: group, SenderID: sender, DeviceID: device}
}

func TestDistributeRequiresRotateToReplace(t *testing.T) {
	ctx := context.Background()
	d := New(testutil.OpenStore(t), testutil.Clock())
	a := addr("g1", "alice", 1)

	sk, err := d.Distribute(ctx, a, []byte("k1"), false)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sk.Version)

	_, err = d.Distribute(ctx, a, []byte("k2"), false)
	assert.True(t, errs.IsConflict(err))

	sk, err = d.Distribute(ctx, a, []byte("k2"), true)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), sk.Version)

	got, err := d.Get(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []byte("k2"), got.KeyData)
	assert.Equal(t, testutil.Epoch.UnixNano(), got.CreatedTS)
}

func TestRotateOnFirstDistributionCreates(t *testing.T) {
	d := New(testutil.OpenStore(t), nil)
	sk, err := d.Distribute(context.Background(), addr("g1", "alice", 1), []byte("k"), true)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sk.Version)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	d := New(testutil.OpenStore(t), nil)
	a := addr("g1", "alice", 1)
	assert.True(t, errs.IsNotFound(d.Revoke(ctx, a)))

	_, err := d.Distribute(ctx, a, []byte("k"), false)
	require.NoError(t, err)
	require.NoError(t, d.Revoke(ctx, a))
	_, err = d.Get(ctx, a)
	assert.True(t, errs.IsNotFound(err))
}

func TestListGroupAndRevokeSender(t *testing.T) {
	ctx := context.Background()
	d := New(testutil.OpenStore(t), nil)
	for _, a := range []models.SenderKeyAddress{
		addr("g1", "alice", 1),
		addr("g1", "alice", 2),
		addr("g1", "bob", 1),
		addr("g2", "alice", 1),
		addr("g10", "carol", 1),
	} {
		_, err := d.Distribute(ctx, a, []byte("k"), false)
		require.NoError(t, err)
	}

	g1, err := d.ListGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, g1, 3)

	n, err := d.RevokeSender(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	g1, err = d.ListGroup(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, g1, 1)
	assert.Equal(t, "bob", g1[0].SenderID)

	g2, err := d.ListGroup(ctx, "g2")
	require.NoError(t, err)
	assert.Empty(t, g2)
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	d := New(testutil.OpenStore(t), nil)
	_, err := d.Distribute(ctx, addr("", "alice", 1), []byte("k"), false)
	assert.True(t, errs.IsValidation(err))
	_, err = d.Distribute(ctx, addr("g", "alice", 0), []byte("k"), false)
	assert.True(t, errs.IsValidation(err))
	_, err = d.Distribute(ctx, addr("g", "alice", 1), nil, false)
	assert.True(t, errs.IsValidation(err))
}
