package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RehabSessionHub/internal/module"
	"RehabSessionHub/internal/session"
	"RehabSessionHub/internal/testutil"
)

func TestHistoryDetail(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	c := testutil.NewCoordinator(t, store)
	h := session.NewHistory(store, store, module.DefaultRegistry())

	view := createLateral(t, c)

	detail, err := h.Detail(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, view.ID, detail.Session.ID)
	assert.Equal(t, view.Params, detail.Params)
	assert.Nil(t, detail.Metrics)

	_, err = c.ReportMetrics(ctx, view.ID, testutil.Raw(testutil.LateralMetricsJSON))
	require.NoError(t, err)

	detail, err = h.Detail(ctx, view.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.Metrics)
	assert.Equal(t, 42, detail.Metrics.TotalScore())

	_, err = h.Detail(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestHistoryList(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	c := testutil.NewCoordinator(t, store)
	h := session.NewHistory(store, store, module.DefaultRegistry())

	first := createLateral(t, c)
	_, err := c.End(ctx, first.ID)
	require.NoError(t, err)
	second, err := c.Create(ctx, testutil.ClinicianID, module.GrabAndReachOut, testutil.Patient(), testutil.Raw(testutil.GrabParamsJSON))
	require.NoError(t, err)

	all, err := h.List(ctx, session.Filter{OwnerID: testutil.ClinicianID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	grab, err := h.List(ctx, session.Filter{Module: module.GrabAndReachOut})
	require.NoError(t, err)
	require.Len(t, grab, 1)
	assert.Equal(t, second.ID, grab[0].ID)

	ended, err := h.List(ctx, session.Filter{Statuses: []session.Status{session.StatusEnded}})
	require.NoError(t, err)
	require.Len(t, ended, 1)
	assert.Equal(t, first.ID, ended[0].ID)

	_, err = h.List(ctx, session.Filter{Module: "NOPE"})
	assert.ErrorIs(t, err, module.ErrUnknownModule)

	none, err := h.List(ctx, session.Filter{OwnerID: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHistoryListStoreFailure(t *testing.T) {
	store := testutil.NewFaultyStore()
	store.FailOn("ListSessions", context.DeadlineExceeded)
	h := session.NewHistory(store, store, module.DefaultRegistry())

	_, err := h.List(context.Background(), session.Filter{})
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
}

func TestFilterHelpers(t *testing.T) {
	from, to, err := session.DayRange("2024-02-29", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, 29, to.Day())
	assert.True(t, to.After(from))

	_, _, err = session.DayRange("29/02/2024", time.UTC)
	assert.Error(t, err)

	assert.Equal(t, session.DefaultListLimit, session.Filter{}.EffectiveLimit())
	assert.Equal(t, session.MaxListLimit, session.Filter{Limit: 10_000}.EffectiveLimit())
	assert.Equal(t, 7, session.Filter{Limit: 7}.EffectiveLimit())
}
