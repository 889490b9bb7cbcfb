package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RehabSessionHub/internal/module"
	"RehabSessionHub/internal/session"
)

func newSession(owner string, mod module.ID, patient string, at time.Time) *session.Session {
	return &session.Session{
		Date:    at,
		Status:  session.StatusRunning,
		OwnerID: owner,
		Module:  mod,
		Patient: session.PatientInfo{Name: patient, Ailment: "stroke"},
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.CreateSession(ctx, newSession("u1", module.LateralMovement, "Asha", time.Now()))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.SaveSessionStatus(ctx, id, session.StatusPaused))
	got, err := s.FindSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, got.Status)
	assert.Equal(t, id, got.ID)

	got.Status = session.StatusEnded
	again, err := s.FindSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, again.Status, "returned records are copies")

	require.NoError(t, s.DeleteSession(ctx, id))
	_, err = s.FindSession(ctx, id)
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, s.SaveSessionStatus(ctx, id, session.StatusEnded), session.ErrNotFound)
}

func TestModuleRecords(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.CreateSession(ctx, newSession("u1", module.LateralMovement, "Asha", time.Now()))
	require.NoError(t, err)

	rec := session.ModuleRecord{Kind: session.KindMetrics, Module: module.LateralMovement, SessionID: id, Data: []byte(`{"score":3}`)}
	require.NoError(t, s.CreateModuleRecord(ctx, rec))
	assert.ErrorIs(t, s.CreateModuleRecord(ctx, rec), session.ErrRecordExists)

	got, err := s.FindModuleRecord(ctx, session.KindMetrics, module.LateralMovement, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":3}`, string(got.Data))

	_, err = s.FindModuleRecord(ctx, session.KindParams, module.LateralMovement, id)
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = s.FindModuleRecord(ctx, session.KindMetrics, module.GrabAndReachOut, id)
	assert.ErrorIs(t, err, session.ErrNotFound)

	err = s.CreateModuleRecord(ctx, session.ModuleRecord{Kind: session.KindParams, Module: module.LateralMovement, SessionID: "missing"})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestFindUser(t *testing.T) {
	s := New(session.User{ID: "u1", Name: "Dr. Rao"})

	u, err := s.FindUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Dr. Rao", u.Name)

	_, err = s.FindUser(context.Background(), "u2")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestListSessionsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	_, err := s.CreateSession(ctx, newSession("u1", module.LateralMovement, "Asha Verma", base))
	require.NoError(t, err)
	newest, err := s.CreateSession(ctx, newSession("u1", module.GrabAndReachOut, "Ravi", base.Add(2*time.Hour)))
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, newSession("u2", module.LateralMovement, "asha k", base.Add(24*time.Hour)))
	require.NoError(t, err)

	all, err := s.ListSessions(ctx, session.Filter{OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newest, all[0].ID)

	byPatient, err := s.ListSessions(ctx, session.Filter{PatientName: "ASHA"})
	require.NoError(t, err)
	assert.Len(t, byPatient, 2)

	from, to, err := session.DayRange("2024-03-10", time.UTC)
	require.NoError(t, err)
	byDay, err := s.ListSessions(ctx, session.Filter{From: from, To: to, Module: module.LateralMovement})
	require.NoError(t, err)
	require.Len(t, byDay, 1)
	assert.Equal(t, "Asha Verma", byDay[0].Patient.Name)

	limited, err := s.ListSessions(ctx, session.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().CreateSession(ctx, newSession("u1", module.LateralMovement, "Asha", time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
}
