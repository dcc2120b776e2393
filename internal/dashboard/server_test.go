package dashboard_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/gza/internal/dashboard"
	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/internal/events"
	"github.com/cloud-shuttle/gza/pkg/telemetry"
	"github.com/cloud-shuttle/gza/pkg/types"
)

type fixture struct {
	store *db.Store
	bus   *events.Bus
	srv   *httptest.Server
}

func newFixture(t *testing.T, opts ...dashboard.Option) *fixture {
	t.Helper()
	store, err := db.Open(t.TempDir() + "/gza.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	reg := prometheus.NewRegistry()
	telemetry.NewMetrics(reg).TasksClaimed.Inc()
	opts = append([]dashboard.Option{dashboard.WithGatherer(reg), dashboard.WithVersion("1.2.3")}, opts...)

	srv := httptest.NewServer(dashboard.New(store, bus, opts...).Handler())
	t.Cleanup(srv.Close)
	return &fixture{store: store, bus: bus, srv: srv}
}

func (f *fixture) add(t *testing.T, nt db.NewTask) *types.Task {
	t.Helper()
	task, err := f.store.Add(context.Background(), nt)
	require.NoError(t, err)
	return task
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, float64(db.LatestSchemaVersion), body["schema_version"])
}

func TestTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, db.NewTask{Prompt: "Add a feature flag for the parser", Group: types.Ptr("parser")})
	f.add(t, db.NewTask{Prompt: "Explore the lexer internals", Type: types.TaskTypeExplore})
	done := f.add(t, db.NewTask{Prompt: "Document the parser flag", Group: types.Ptr("parser")})
	_, err := f.store.MarkInProgress(ctx, done.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.MarkCompleted(ctx, done.ID, db.Outcome{}))

	type list struct {
		Tasks []types.Task `json:"tasks"`
		Count int          `json:"count"`
	}

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"Document the parser flag", "Explore the lexer internals", "Add a feature flag for the parser"}},
		{"pending", "?status=pending", []string{"Add a feature flag for the parser", "Explore the lexer internals"}},
		{"completed", "?status=completed", []string{"Document the parser flag"}},
		{"by type", "?type=explore", []string{"Explore the lexer internals"}},
		{"by group and status", "?group=parser&status=pending", []string{"Add a feature flag for the parser"}},
		{"search", "?q=lexer", []string{"Explore the lexer internals"}},
		{"limit", "?status=pending&limit=1", []string{"Add a feature flag for the parser"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got list
			require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/tasks"+tt.query, &got))
			prompts := make([]string, 0, len(got.Tasks))
			for _, task := range got.Tasks {
				prompts = append(prompts, task.Prompt)
			}
			assert.Equal(t, tt.want, prompts)
			assert.Equal(t, len(tt.want), got.Count)
		})
	}

	for _, bad := range []string{"?status=bogus", "?type=bogus", "?limit=-1"} {
		assert.Equal(t, http.StatusBadRequest, getJSON(t, f.srv.URL+"/api/tasks"+bad, nil), bad)
	}
}

func TestTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dep := f.add(t, db.NewTask{Prompt: "Prepare the parser module"})
	task := f.add(t, db.NewTask{Prompt: "Use the parser module", DependsOn: &dep.ID})
	require.NoError(t, f.store.SetTaskID(ctx, task.ID, "20260301-use-the-parser-module"))

	var byID struct {
		ID        int64  `json:"id"`
		Blocked   bool   `json:"blocked"`
		BlockedBy *int64 `json:"blocked_by"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/tasks/2", &byID))
	assert.Equal(t, task.ID, byID.ID)
	assert.True(t, byID.Blocked)
	assert.Equal(t, dep.ID, *byID.BlockedBy)

	var bySlug types.Task
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/tasks/20260301-use-the-parser-module", &bySlug))
	assert.Equal(t, task.ID, bySlug.ID)

	var errBody struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.srv.URL+"/api/tasks/99", &errBody))
	assert.Equal(t, http.StatusNotFound, errBody.Error.Code)
}

func TestStatsAndGroups(t *testing.T) {
	f := newFixture(t)
	f.add(t, db.NewTask{Prompt: "Add a feature flag for the parser", Group: types.Ptr("parser")})
	f.add(t, db.NewTask{Prompt: "Add a feature flag for the lexer", Group: types.Ptr("lexer")})

	var st db.Stats
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/stats", &st))
	assert.Equal(t, 2, st.Pending)

	var groups struct {
		Groups map[string]map[string]int `json:"groups"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/groups", &groups))
	assert.Equal(t, map[string]map[string]int{"parser": {"pending": 1}, "lexer": {"pending": 1}}, groups.Groups)

	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/groups/parser", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.srv.URL+"/api/groups/missing", nil))
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sb strings.Builder
	_, err = bufio.NewReader(resp.Body).WriteTo(&sb)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "gza_tasks_claimed_total 1")
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/events?type=task.completed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	// Subscribed once the preamble is flushed; the filter drops the first
	task := &types.Task{ID: 4, Type: types.TaskTypeTask, TaskID: types.Ptr("20260301-x")}
	require.NoError(t, f.bus.Publish(ctx, events.ForTask(events.TaskStarted, task, nil)))
	require.NoError(t, f.bus.Publish(ctx, events.ForTask(events.TaskCompleted, task, nil)))

	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	assert.True(t, strings.HasPrefix(lines[0], "id: "))
	assert.Equal(t, "event: task.completed", lines[1])
	var e events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &e))
	assert.Equal(t, int64(4), e.Task)
	assert.Equal(t, "20260301-x", e.TaskID)
}

func TestEvents_BadFilter(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.srv.URL+"/api/events?task=abc", nil))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, dashboard.WithRateLimit(0.001, 1))
	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/stats", nil))
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, f.srv.URL+"/api/stats", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/health", nil), "health is not limited")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/tasks", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
