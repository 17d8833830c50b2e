package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-import/reconcile"
)

func TestListScenarios(t *testing.T) {
	ts := newTestServer(t)

	var list []ScenarioDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/scenarios/", "", nil, &list))

	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"basic-over-allotment", "conflicting-history"}, ids)
}

func TestLoadScenario_SeedsStore(t *testing.T) {
	// GIVEN: An empty database
	ts := newTestServer(t)
	ctx := context.Background()

	// WHEN: Loading the conflicting-history scenario
	resp := ts.loadScenario(t, "conflicting-history")

	// THEN: Members, allotments and existing rows are in place
	assert.Equal(t, "loaded", resp.Status)
	assert.Equal(t, demoCalendar, resp.Import.CalendarID)
	assert.Len(t, resp.Import.Items, 5)

	members, err := ts.store.ListMembers(ctx)
	require.NoError(t, err)
	assert.Len(t, members, len(demoMembers))

	april14 := reconcile.NewDate(2025, 4, 14)
	allot, err := ts.store.GetAllotment(ctx, demoCalendar, april14)
	require.NoError(t, err)
	assert.Equal(t, 2, allot.MaxAllotment)

	rows, err := ts.store.ListRequestsByDate(ctx, demoCalendar, april14)
	require.NoError(t, err)
	assert.Len(t, rows, 4)

	var current ScenarioDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/scenarios/current", "", nil, &current))
	assert.Equal(t, "conflicting-history", current.ID)
}

func TestLoadScenario_ReplacesPreviousData(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ts.loadScenario(t, "conflicting-history")
	ts.loadScenario(t, "basic-over-allotment")

	rows, err := ts.store.ListRequestsByDate(ctx, demoCalendar, reconcile.NewDate(2025, 4, 14))
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Yearly default only, no per-date row.
	allot, err := ts.store.GetAllotment(ctx, demoCalendar, reconcile.NewDate(2025, 3, 10))
	require.NoError(t, err)
	assert.Equal(t, 3, allot.MaxAllotment)
	assert.Equal(t, 0, allot.Version)
}

func TestLoadScenario_Unknown(t *testing.T) {
	ts := newTestServer(t)

	var errResp ErrorResponse
	status := ts.do(t, http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "nope"}, &errResp)

	assert.Equal(t, http.StatusBadRequest, status)
}

func TestResetDatabase(t *testing.T) {
	ts := newTestServer(t)
	ts.loadScenario(t, "basic-over-allotment")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/scenarios/reset", "", nil, nil))

	members, err := ts.store.ListMembers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, members)

	var current *ScenarioDTO
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/scenarios/current", "", nil, &current))
	assert.Nil(t, current)
}
