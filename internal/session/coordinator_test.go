package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RehabSessionHub/internal/module"
	"RehabSessionHub/internal/session"
	"RehabSessionHub/internal/testutil"
)

func createLateral(t *testing.T, c *session.Coordinator) *session.View {
	t.Helper()
	view, err := c.Create(context.Background(), testutil.ClinicianID, module.LateralMovement, testutil.Patient(), testutil.Raw(testutil.LateralParamsJSON))
	require.NoError(t, err)
	return view
}

func storedStatus(t *testing.T, store session.Store, id string) session.Status {
	t.Helper()
	sess, err := store.FindSession(context.Background(), id)
	require.NoError(t, err)
	return sess.Status
}

func TestConcurrentCreateExactlyOneWins(t *testing.T) {
	store := testutil.NewMemoryStore()
	c := testutil.NewCoordinator(t, store)

	const racers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []*session.View
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			view, err := c.Create(context.Background(), testutil.ClinicianID, module.LateralMovement, testutil.Patient(), testutil.Raw(testutil.LateralParamsJSON))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, view)
				return
			}
			if errors.Is(err, session.ErrSessionAlreadyActive) {
				conflicts++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, racers-1, conflicts)

	current, ok := c.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, winners[0].ID, current.ID)

	all, err := store.ListSessions(context.Background(), session.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "losers must not write to the store")
}

func TestCreateThenCurrentSession(t *testing.T) {
	store := testutil.NewMemoryStore()
	c := testutil.NewCoordinator(t, store)

	_, ok := c.CurrentSession()
	assert.False(t, ok)

	view := createLateral(t, c)
	assert.Equal(t, session.StatusRunning, view.Status)
	assert.Equal(t, module.LateralMovement, view.Module)
	assert.Equal(t, testutil.ClinicianID, view.OwnerID)

	current, ok := c.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, view.ID, current.ID)
	assert.Equal(t, session.StatusRunning, current.Status)
	assert.Equal(t, session.StatusRunning, storedStatus(t, store, view.ID))
}

func TestCreatePreconditionOrder(t *testing.T) {
	ctx := context.Background()
	lateral := testutil.Raw(testutil.LateralParamsJSON)

	tests := []struct {
		name    string
		owner   string
		mod     module.ID
		patient session.PatientInfo
		params  string
		want    error
	}{
		{"unknown owner", "nobody", "NOPE", session.PatientInfo{}, "{}", session.ErrUserNotFound},
		{"empty owner", "", module.LateralMovement, testutil.Patient(), testutil.LateralParamsJSON, session.ErrUserNotFound},
		{"missing patient name", testutil.ClinicianID, "NOPE", session.PatientInfo{Ailment: "x"}, "{}", session.ErrInvalidPatientDetails},
		{"missing ailment", testutil.ClinicianID, module.LateralMovement, session.PatientInfo{Name: "x"}, testutil.LateralParamsJSON, session.ErrInvalidPatientDetails},
		{"malformed email", testutil.ClinicianID, module.LateralMovement, session.PatientInfo{Name: "x", Ailment: "y", Email: "not-an-email"}, testutil.LateralParamsJSON, session.ErrInvalidPatientDetails},
		{"unknown module", testutil.ClinicianID, "NOPE", testutil.Patient(), testutil.LateralParamsJSON, module.ErrUnknownModule},
		{"params of another module", testutil.ClinicianID, module.LateralMovement, testutil.Patient(), testutil.GrabParamsJSON, module.ErrInvalidModuleData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewMemoryStore()
			c := testutil.NewCoordinator(t, store)

			_, err := c.Create(ctx, tt.owner, tt.mod, tt.patient, testutil.Raw(tt.params))
			assert.ErrorIs(t, err, tt.want)

			_, ok := c.CurrentSession()
			assert.False(t, ok)
			all, err := store.ListSessions(ctx, session.Filter{})
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}

	t.Run("occupied slot wins over every other check", func(t *testing.T) {
		c := testutil.NewCoordinator(t, testutil.NewMemoryStore())
		createLateral(t, c)

		_, err := c.Create(ctx, "nobody", "NOPE", session.PatientInfo{}, lateral)
		assert.ErrorIs(t, err, session.ErrSessionAlreadyActive)
	})
}

func TestCreateNormalizesPatient(t *testing.T) {
	c := testutil.NewCoordinator(t, testutil.NewMemoryStore())

	view, err := c.Create(context.Background(), " "+testutil.ClinicianID+" ", module.LateralMovement,
		session.PatientInfo{Name: "  Asha ", Ailment: " stroke ", Email: "Asha Verma <asha@example.com>"},
		testutil.Raw(testutil.LateralParamsJSON))
	require.NoError(t, err)

	assert.Equal(t, testutil.ClinicianID, view.OwnerID)
	assert.Equal(t, "Asha", view.Patient.Name)
	assert.Equal(t, "stroke", view.Patient.Ailment)
	assert.Equal(t, "asha@example.com", view.Patient.Email)
}

func TestEndWithWrongIDChangesNothing(t *testing.T) {
	store := testutil.NewMemoryStore()
	c := testutil.NewCoordinator(t, store)
	view := createLateral(t, c)

	_, err := c.End(context.Background(), "some-other-id")
	assert.ErrorIs(t, err, session.ErrSessionIDMismatch)

	current, ok := c.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, view.ID, current.ID)
	assert.Equal(t, session.StatusRunning, current.Status)
	assert.Equal(t, session.StatusRunning, storedStatus(t, store, view.ID))
}

func TestEndReleasesExclusivity(t *testing.T) {
	store := testutil.NewMemoryStore()
	c := testutil.NewCoordinator(t, store)
	first := createLateral(t, c)

	ended, err := c.End(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, ended.Status)
	assert.Equal(t, session.StatusEnded, storedStatus(t, store, first.ID))

	_, ok := c.CurrentSession()
	assert.False(t, ok)

	_, err = c.End(context.Background(), first.ID)
	assert.ErrorIs(t, err, session.ErrNoActiveSession)

	second := createLateral(t, c)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestReportMetricsRejectsOtherModuleShape(t *testing.T) {
	store := testutil.NewMemoryStore()
	c := testutil.NewCoordinator(t, store)
	view := createLateral(t, c)

	_, err := c.ReportMetrics(context.Background(), view.ID, testutil.Raw(testutil.GrabMetricsJSON))
	assert.ErrorIs(t, err, module.ErrInvalidModuleData)

	_, err = store.FindModuleRecord(context.Background(), session.KindMetrics, module.LateralMovement, view.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestReportMetrics(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	c := testutil.NewCoordinator(t, store)
	view := createLateral(t, c)

	_, err := c.ReportMetrics(ctx, "missing", testutil.Raw(testutil.LateralMetricsJSON))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = c.End(ctx, view.ID)
	require.NoError(t, err)

	rec, err := c.ReportMetrics(ctx, view.ID, testutil.Raw(testutil.LateralMetricsJSON))
	require.NoError(t, err, "metrics are accepted after the session ended")
	assert.Equal(t, 42, rec.Metrics.TotalScore())
	assert.Equal(t, module.LateralMovement, rec.Module)

	_, err = c.ReportMetrics(ctx, view.ID, testutil.Raw(testutil.LateralMetricsJSON))
	assert.ErrorIs(t, err, session.ErrMetricsAlreadyReported)
}

func TestParamsRoundTrip(t *testing.T) {
	store := testutil.NewMemoryStore()
	c := testutil.NewCoordinator(t, store)
	view := createLateral(t, c)

	rec, err := store.FindModuleRecord(context.Background(), session.KindParams, module.LateralMovement, view.ID)
	require.NoError(t, err)

	stored, err := module.DefaultRegistry().ParseParams(module.LateralMovement, rec.Data)
	require.NoError(t, err)
	assert.Equal(t, view.Params, stored)

	current, ok := c.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, stored, current.Params)

	lateral, ok := stored.(*module.LateralMovementParams)
	require.True(t, ok)
	assert.Equal(t, "BOTH", lateral.TargetSide)
}

func TestLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	c := testutil.NewCoordinator(t, store)

	view := createLateral(t, c)

	paused, err := c.Pause(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, paused.Status)
	assert.Equal(t, session.StatusPaused, storedStatus(t, store, view.ID))

	_, err = c.Pause(ctx, view.ID)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)

	resumed, err := c.Resume(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, resumed.Status)

	_, err = c.Resume(ctx, view.ID)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)

	_, err = c.End(ctx, view.ID)
	require.NoError(t, err)

	_, err = c.Pause(ctx, view.ID)
	assert.ErrorIs(t, err, session.ErrNoActiveSession)

	next, err := c.Create(ctx, testutil.ClinicianID, module.GrabAndReachOut, testutil.Patient(), testutil.Raw(testutil.GrabParamsJSON))
	require.NoError(t, err)
	assert.Equal(t, module.GrabAndReachOut, next.Module)
	assert.Equal(t, session.StatusEnded, storedStatus(t, store, view.ID))
}

func TestEndFromPaused(t *testing.T) {
	ctx := context.Background()
	c := testutil.NewCoordinator(t, testutil.NewMemoryStore())
	view := createLateral(t, c)

	_, err := c.Pause(ctx, view.ID)
	require.NoError(t, err)
	ended, err := c.End(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, ended.Status)
}

func TestCreateRollsBackWhenParamsWriteFails(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFaultyStore()
	store.FailOn("CreateModuleRecord:params", errors.New("disk full"))
	c := testutil.NewCoordinator(t, store)

	_, err := c.Create(ctx, testutil.ClinicianID, module.LateralMovement, testutil.Patient(), testutil.Raw(testutil.LateralParamsJSON))
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)

	_, ok := c.CurrentSession()
	assert.False(t, ok)
	assert.Equal(t, 1, store.Calls("DeleteSession"))

	all, err := store.ListSessions(ctx, session.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateMarksSessionEndedWhenRollbackFails(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFaultyStore()
	store.FailOn("CreateModuleRecord:params", errors.New("disk full"))
	store.FailOn("DeleteSession", errors.New("connection reset"))
	c := testutil.NewCoordinator(t, store)

	_, err := c.Create(ctx, testutil.ClinicianID, module.LateralMovement, testutil.Patient(), testutil.Raw(testutil.LateralParamsJSON))
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)

	_, ok := c.CurrentSession()
	assert.False(t, ok)
	assert.Equal(t, 1, store.Calls("DeleteSession"))

	all, err := store.ListSessions(ctx, session.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, session.StatusEnded, all[0].Status)

	running, err := store.ListSessions(ctx, session.Filter{Statuses: []session.Status{session.StatusRunning}})
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestStoreFailureLeavesSlotUnchanged(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFaultyStore()
	c := testutil.NewCoordinator(t, store)
	view := createLateral(t, c)

	store.FailOn("SaveSessionStatus", errors.New("connection reset"))

	_, err := c.Pause(ctx, view.ID)
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
	assert.Equal(t, session.CodeStoreUnavailable, session.CodeOf(err))

	_, err = c.End(ctx, view.ID)
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)

	current, ok := c.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, session.StatusRunning, current.Status)

	store.FailOn("SaveSessionStatus", nil)
	_, err = c.Pause(ctx, view.ID)
	assert.NoError(t, err)
}

func TestStoreTimeoutDoesNotBlockReaders(t *testing.T) {
	store := testutil.NewFaultyStore()
	c := testutil.NewCoordinator(t, store, session.WithStoreTimeout(200*time.Millisecond))
	view := createLateral(t, c)

	store.DelayOn("SaveSessionStatus", 5*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := c.Pause(context.Background(), view.ID)
		done <- err
	}()

	require.Eventually(t, func() bool { return store.Calls("SaveSessionStatus") == 1 }, time.Second, 5*time.Millisecond)
	current, ok := c.CurrentSession()
	require.True(t, ok, "reads proceed while a writer waits on the store")
	assert.Equal(t, session.StatusRunning, current.Status)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, session.ErrStoreUnavailable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("store timeout was not applied")
	}

	current, ok = c.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, session.StatusRunning, current.Status)
}

func TestCallerCancellationDoesNotAbortStoreWrite(t *testing.T) {
	store := testutil.NewMemoryStore()
	c := testutil.NewCoordinator(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	view, err := c.Create(ctx, testutil.ClinicianID, module.LateralMovement, testutil.Patient(), testutil.Raw(testutil.LateralParamsJSON))
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, storedStatus(t, store, view.ID))
}

func TestMissingDurableRecordIsConsistencyFault(t *testing.T) {
	store := testutil.NewFaultyStore()
	c := testutil.NewCoordinator(t, store)
	view := createLateral(t, c)

	require.NoError(t, store.Store.DeleteSession(context.Background(), view.ID))

	_, err := c.Pause(context.Background(), view.ID)
	assert.ErrorIs(t, err, session.ErrConsistencyFault)
	assert.Equal(t, session.CodeInternal, session.CodeOf(err))
	assert.Equal(t, "internal error", session.PublicMessage(err))

	current, ok := c.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, session.StatusRunning, current.Status)
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	ctx := context.Background()
	c := testutil.NewCoordinator(t, testutil.NewMemoryStore())

	events, cancel := c.Subscribe(8)
	defer cancel()

	view := createLateral(t, c)
	_, err := c.Pause(ctx, view.ID)
	require.NoError(t, err)
	_, err = c.Resume(ctx, view.ID)
	require.NoError(t, err)
	_, err = c.End(ctx, view.ID)
	require.NoError(t, err)

	want := []session.EventType{session.EventCreated, session.EventPaused, session.EventResumed, session.EventEnded}
	for _, typ := range want {
		select {
		case ev := <-events:
			assert.Equal(t, typ, ev.Type)
			assert.Equal(t, view.ID, ev.Session.ID)
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", typ)
		}
	}

	cancel()
	_, open := <-events
	assert.False(t, open)
}

func seedOpenSession(t *testing.T, store session.Store, status session.Status, at time.Time, withParams bool) string {
	t.Helper()
	ctx := context.Background()
	id, err := store.CreateSession(ctx, &session.Session{
		Date:    at,
		Status:  status,
		OwnerID: testutil.ClinicianID,
		Module:  module.LateralMovement,
		Patient: testutil.Patient(),
	})
	require.NoError(t, err)
	if withParams {
		require.NoError(t, store.CreateModuleRecord(ctx, session.ModuleRecord{
			Kind:      session.KindParams,
			Module:    module.LateralMovement,
			SessionID: id,
			Data:      []byte(testutil.LateralParamsJSON),
			CreatedAt: at,
		}))
	}
	return id
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemoryStore()
	base := time.Now().Add(-time.Hour).UTC()

	older := seedOpenSession(t, store, session.StatusRunning, base, true)
	newest := seedOpenSession(t, store, session.StatusPaused, base.Add(30*time.Minute), true)
	orphan := seedOpenSession(t, store, session.StatusRunning, base.Add(45*time.Minute), false)
	done := seedOpenSession(t, store, session.StatusEnded, base.Add(50*time.Minute), true)

	c := testutil.NewCoordinator(t, store)
	restored, err := c.Restore(ctx, store)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, newest, restored.ID)
	assert.Equal(t, session.StatusPaused, restored.Status)

	current, ok := c.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, newest, current.ID)

	assert.Equal(t, session.StatusEnded, storedStatus(t, store, older))
	assert.Equal(t, session.StatusEnded, storedStatus(t, store, orphan))
	assert.Equal(t, session.StatusEnded, storedStatus(t, store, done))
	assert.Equal(t, session.StatusPaused, storedStatus(t, store, newest))

	_, err = c.Resume(ctx, newest)
	assert.NoError(t, err)
}

func TestRestorePromotesNotStarted(t *testing.T) {
	store := testutil.NewMemoryStore()
	id := seedOpenSession(t, store, session.StatusNotStarted, time.Now().UTC(), true)

	c := testutil.NewCoordinator(t, store)
	restored, err := c.Restore(context.Background(), store)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, session.StatusRunning, restored.Status)
	assert.Equal(t, session.StatusRunning, storedStatus(t, store, id))
}

func TestRestoreWithEmptyStore(t *testing.T) {
	store := testutil.NewMemoryStore()
	c := testutil.NewCoordinator(t, store)

	restored, err := c.Restore(context.Background(), store)
	require.NoError(t, err)
	assert.Nil(t, restored)

	_, ok := c.CurrentSession()
	assert.False(t, ok)
}
