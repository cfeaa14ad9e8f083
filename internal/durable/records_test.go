package durable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/l0p7/guardpost/internal/domain"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot(version int) Snapshot {
	refreshed := time.Date(2026, 5, 4, 10, 0, 0, 123, time.UTC)
	return Snapshot{
		Version:   version,
		Timestamp: refreshed,
		Entries: map[domain.ResourceClass]SnapshotEntry{
			domain.ClassObjects: {
				Items:         []domain.Record{{ID: "o1", Data: map[string]any{"name": "Depot"}}},
				LastRefreshed: refreshed,
			},
		},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	cborCodec, err := NewCBORCodec()
	require.NoError(t, err)

	for _, codec := range []Codec{JSONCodec{}, cborCodec} {
		t.Run(codec.Name(), func(t *testing.T) {
			ctx := context.Background()
			records := NewRecords(NewMemory(), codec, "gp:")
			require.NoError(t, records.SaveSnapshot(ctx, sampleSnapshot(3)))

			snap, ok, err := records.LoadSnapshot(ctx, 3)
			require.NoError(t, err)
			require.True(t, ok)
			entry := snap.Entries[domain.ClassObjects]
			require.Len(t, entry.Items, 1)
			require.Equal(t, "o1", entry.Items[0].ID)
			require.Equal(t, "Depot", entry.Items[0].Data["name"])
			require.True(t, entry.LastRefreshed.Equal(sampleSnapshot(3).Entries[domain.ClassObjects].LastRefreshed))
		})
	}
}

func TestSnapshotVersionMismatchDiscardsRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	records := NewRecords(store, nil, "gp:")
	require.NoError(t, records.SaveSnapshot(ctx, sampleSnapshot(1)))

	_, ok, err := records.LoadSnapshot(ctx, 2)
	require.False(t, ok)
	require.ErrorIs(t, err, ErrVersionMismatch)

	_, present, err := store.Get(ctx, "gp:cache:snapshot")
	require.NoError(t, err)
	require.False(t, present, "mismatched snapshot must be removed")

	_, ok, err = records.LoadSnapshot(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCorruptRecordIsDiscarded(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	records := NewRecords(store, nil, "")
	require.NoError(t, store.Put(ctx, "cache:snapshot", []byte("{not json")))

	_, ok, err := records.LoadSnapshot(ctx, 1)
	require.False(t, ok)
	require.True(t, errors.Is(err, ErrCorrupt))

	_, present, _ := store.Get(ctx, "cache:snapshot")
	require.False(t, present)
}

func TestUserMirrorExpiry(t *testing.T) {
	ctx := context.Background()
	records := NewRecords(NewMemory(), nil, "")
	now := time.Now()
	require.NoError(t, records.SaveUser(ctx, "u1", now.Add(-2*time.Hour)))

	mirror, ok, err := records.LoadUser(ctx, 3*time.Hour, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", mirror.UserID)

	_, ok, err = records.LoadUser(ctx, time.Hour, now)
	require.ErrorIs(t, err, ErrExpired)
	require.False(t, ok)

	_, ok, err = records.LoadUser(ctx, 3*time.Hour, now)
	require.NoError(t, err)
	require.False(t, ok, "expired mirror must be deleted")
}

func TestPushDescriptorOwnership(t *testing.T) {
	ctx := context.Background()
	records := NewRecords(NewMemory(), nil, "")
	desc := PushDescriptor{Endpoint: "https://push.example/ep/1", P256dh: "k", Auth: "a", CreatedAt: time.Unix(10, 0).UTC()}
	require.NoError(t, records.SavePush(ctx, "u1", desc))

	got, ok, err := records.LoadPush(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, desc, got)

	_, ok, err = records.LoadPush(ctx, "u2")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, records.DeletePush(ctx))
	_, ok, err = records.LoadPush(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewCodec(t *testing.T) {
	codec, err := NewCodec("")
	require.NoError(t, err)
	require.Equal(t, "json", codec.Name())
	codec, err = NewCodec("CBOR")
	require.NoError(t, err)
	require.Equal(t, "cbor", codec.Name())
	_, err = NewCodec("xml")
	require.Error(t, err)
}
