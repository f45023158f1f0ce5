package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Is-a-space/discord-vps-creator/internal/models"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(owner, instance, cred string) models.InstanceRecord {
	return models.InstanceRecord{
		Owner:      owner,
		Instance:   instance,
		Credential: cred,
		Variant:    "ubuntu",
		CreatedAt:  time.Now().UTC(),
	}
}

func TestAppendListOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, rec("alice", "vps-1", "ssh a@x")))
	require.NoError(t, s.Append(ctx, rec("alice", "vps-2", "ssh b@x")))
	require.NoError(t, s.Append(ctx, rec("alice", "vps-3", "ssh c@x")))

	recs, err := s.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "vps-1", recs[0].Instance)
	require.Equal(t, "vps-2", recs[1].Instance)
	require.Equal(t, "vps-3", recs[2].Instance)

	n, err := s.Count(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestAppendDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, rec("alice", "vps-1", "ssh a@x")))
	err := s.Append(ctx, rec("bob", "vps-1", "ssh b@x"))
	require.ErrorIs(t, err, models.ErrDuplicateRecord)

	// bob's registry untouched
	n, err := s.Count(ctx, "bob")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRemoveBySelector(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, rec("alice", "vps-1", "ssh a@x")))
	require.NoError(t, s.Append(ctx, rec("alice", "vps-2", "ssh b@x")))

	// by credential
	removed, err := s.Remove(ctx, "alice", "ssh a@x")
	require.NoError(t, err)
	require.Equal(t, "vps-1", removed.Instance)

	// by instance name
	removed, err = s.Remove(ctx, "alice", "vps-2")
	require.NoError(t, err)
	require.Equal(t, "vps-2", removed.Instance)

	_, err = s.Remove(ctx, "alice", "vps-2")
	require.ErrorIs(t, err, models.ErrNotFound)

	recs, err := s.List(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestRemoveLeavesOtherOwners(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, rec("alice", "vps-1", "ssh a@x")))
	require.NoError(t, s.Append(ctx, rec("bob", "vps-2", "ssh b@x")))

	// alice cannot remove bob's instance
	_, err := s.Remove(ctx, "alice", "vps-2")
	require.ErrorIs(t, err, models.ErrNotFound)

	n, err := s.Count(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDelimiterHeavyOwnerIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// owner display names are raw strings; the old flat-file format broke
	// on these
	owner := "we|ird/user#1234"
	cred := "ssh we|ird@nyc1.tmate.io"
	require.NoError(t, s.Append(ctx, rec(owner, "vps-1", cred)))

	recs, err := s.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, owner, recs[0].Owner)
	require.Equal(t, cred, recs[0].Credential)

	removed, err := s.Remove(ctx, owner, cred)
	require.NoError(t, err)
	require.Equal(t, "vps-1", removed.Instance)
}

func TestOwnerPrefixIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// "al" hex-encodes to a prefix of "alice"'s encoding; the key separator
	// must still keep their records apart
	require.NoError(t, s.Append(ctx, rec("al", "vps-1", "ssh a@x")))
	require.NoError(t, s.Append(ctx, rec("alice", "vps-2", "ssh b@x")))

	n, err := s.Count(ctx, "al")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestUpdateCredential(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, rec("alice", "vps-1", "ssh old@x")))
	require.NoError(t, s.Append(ctx, rec("alice", "vps-2", "ssh other@x")))

	require.NoError(t, s.UpdateCredential(ctx, "vps-1", "ssh new@x"))

	recs, err := s.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// order preserved, credential refreshed
	require.Equal(t, "vps-1", recs[0].Instance)
	require.Equal(t, "ssh new@x", recs[0].Credential)
	require.Equal(t, "ssh other@x", recs[1].Credential)

	err = s.UpdateCredential(ctx, "vps-9", "ssh x@x")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestGetAndRemoveInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, rec("alice", "vps-1", "ssh a@x")))

	got, err := s.Get(ctx, "vps-1")
	require.NoError(t, err)
	require.Equal(t, "alice", got.Owner)

	require.NoError(t, s.RemoveInstance(ctx, "vps-1"))
	_, err = s.Get(ctx, "vps-1")
	require.ErrorIs(t, err, models.ErrNotFound)

	err = s.RemoveInstance(ctx, "vps-1")
	require.ErrorIs(t, err, models.ErrNotFound)
}
