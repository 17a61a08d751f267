package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mathew-Carl/Apparition/internal/domain"
	logx "github.com/Mathew-Carl/Apparition/pkg/logx"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	st, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func fakeAccount() domain.Account {
	return domain.Account{
		RemoteID:       gofakeit.UUID(),
		Name:           gofakeit.Name(),
		Credential:     `{"rtk": "` + gofakeit.LetterN(16) + `"}`,
		Content:        gofakeit.Sentence(3),
		Latitude:       gofakeit.Latitude(),
		Longitude:      gofakeit.Longitude(),
		Enabled:        true,
		NotifyEndpoint: "mailto:" + gofakeit.Email(),
	}
}

func TestOpenSeedsDefaultTrigger(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	triggers, err := st.ListScheduleTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, "daily check-in", triggers[0].Name)
	assert.Equal(t, 19, triggers[0].Hour)
	assert.Equal(t, 0, triggers[0].Minute)
	assert.True(t, triggers[0].Enabled)

	v, dirty, err := st.SchemaVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.EqualValues(t, 2, v)

	// migrating again is a no-op and does not reseed
	require.NoError(t, st.Migrate())
	triggers, err = st.ListScheduleTriggers(ctx)
	require.NoError(t, err)
	assert.Len(t, triggers, 1)
}

func TestUpsertAccountByRemoteID(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	a := fakeAccount()
	id, err := st.UpsertAccount(ctx, a)
	require.NoError(t, err)
	require.NotZero(t, id)

	// same remote id: only credential and name change
	again := a
	again.Name = "renamed"
	again.Credential = `{"wps_sid": "new"}`
	again.Content = "ignored on conflict"
	id2, err := st.UpsertAccount(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	got, err := st.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, `{"wps_sid": "new"}`, got.Credential)
	assert.Equal(t, a.Content, got.Content)
	assert.InDelta(t, a.Latitude, got.Latitude, 1e-9)
	assert.False(t, got.HasOverride())

	byRemote, err := st.GetAccountByRemoteID(ctx, a.RemoteID)
	require.NoError(t, err)
	assert.Equal(t, id, byRemote.ID)
}

func TestUpsertAccountByID(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.UpsertAccount(ctx, fakeAccount())
	require.NoError(t, err)

	a, err := st.GetAccount(ctx, id)
	require.NoError(t, err)
	h, m := 7, 30
	a.CheckinHour, a.CheckinMinute = &h, &m
	a.Content = "updated"
	_, err = st.UpsertAccount(ctx, a)
	require.NoError(t, err)

	got, err := st.GetAccount(ctx, id)
	require.NoError(t, err)
	require.True(t, got.HasOverride())
	assert.Equal(t, 7, *got.CheckinHour)
	assert.Equal(t, 30, *got.CheckinMinute)
	assert.Equal(t, "updated", got.Content)

	missing := got
	missing.ID = 9999
	_, err = st.UpsertAccount(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	bad := got
	badHour := 25
	bad.CheckinHour = &badHour
	_, err = st.UpsertAccount(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEnabledAccountsAndDelete(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := st.UpsertAccount(ctx, fakeAccount())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, st.SetAccountEnabled(ctx, ids[1], false))

	enabled, err := st.ListEnabledAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, ids[0], enabled[0].ID)
	assert.Equal(t, ids[2], enabled[1].ID)

	_, err = st.AppendCheckinRecord(ctx, ids[0], domain.CheckinSuccess, "ok")
	require.NoError(t, err)
	require.NoError(t, st.DeleteAccount(ctx, ids[0]))

	_, err = st.GetAccount(ctx, ids[0])
	assert.ErrorIs(t, err, domain.ErrNotFound)
	recs, err := st.ListCheckinRecords(ctx, ids[0], 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	assert.ErrorIs(t, st.DeleteAccount(ctx, ids[0]), domain.ErrNotFound)
	assert.ErrorIs(t, st.SetAccountEnabled(ctx, 4242, true), domain.ErrNotFound)
}

func TestCheckinRecordsNewestFirst(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	a, err := st.UpsertAccount(ctx, fakeAccount())
	require.NoError(t, err)
	b, err := st.UpsertAccount(ctx, fakeAccount())
	require.NoError(t, err)

	_, err = st.AppendCheckinRecord(ctx, a, domain.CheckinFailed, "first")
	require.NoError(t, err)
	_, err = st.AppendCheckinRecord(ctx, b, domain.CheckinSuccess, "other")
	require.NoError(t, err)
	_, err = st.AppendCheckinRecord(ctx, a, domain.CheckinSuccess, "second")
	require.NoError(t, err)

	recs, err := st.ListCheckinRecords(ctx, a, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "second", recs[0].Message)
	assert.Equal(t, domain.CheckinSuccess, recs[0].Status)
	assert.Equal(t, "first", recs[1].Message)

	all, err := st.ListCheckinRecords(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "second", all[0].Message)
	assert.Equal(t, "other", all[1].Message)

	_, err = st.AppendCheckinRecord(ctx, a, "maybe", "x")
	assert.ErrorIs(t, err, domain.ErrValidation)

	at := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)
	require.NoError(t, st.TouchLastCheckin(ctx, a, at))
	got, err := st.GetAccount(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, got.LastCheckinAt)
	assert.True(t, got.LastCheckinAt.Equal(at))
}

func TestScheduleTriggers(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	_, err := st.UpsertScheduleTrigger(ctx, domain.ScheduleTrigger{Name: "bad", Hour: 24})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = st.UpsertScheduleTrigger(ctx, domain.ScheduleTrigger{Name: "bad", Hour: 1, Minute: -1})
	require.ErrorIs(t, err, domain.ErrValidation)

	id, err := st.UpsertScheduleTrigger(ctx, domain.ScheduleTrigger{Name: "morning", Hour: 8, Minute: 15, Enabled: true})
	require.NoError(t, err)

	all, err := st.ListScheduleTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "morning", all[0].Name, "ordered by time of day")

	enabled, err := st.ToggleScheduleTrigger(ctx, id)
	require.NoError(t, err)
	assert.False(t, enabled)

	active, err := st.ListEnabledScheduleTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 19, active[0].Hour)

	enabled, err = st.ToggleScheduleTrigger(ctx, id)
	require.NoError(t, err)
	assert.True(t, enabled)

	_, err = st.UpsertScheduleTrigger(ctx, domain.ScheduleTrigger{ID: id, Name: "later", Hour: 9, Minute: 0, Enabled: true})
	require.NoError(t, err)
	got, err := st.GetScheduleTrigger(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "later", got.Name)
	assert.Equal(t, 9, got.Hour)
	assert.True(t, got.Enabled)
	_, err = st.UpsertScheduleTrigger(ctx, domain.ScheduleTrigger{ID: 999, Name: "ghost", Hour: 9})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, st.DeleteScheduleTrigger(ctx, id))
	assert.ErrorIs(t, st.DeleteScheduleTrigger(ctx, id), domain.ErrNotFound)
	_, err = st.ToggleScheduleTrigger(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = st.GetScheduleTrigger(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
