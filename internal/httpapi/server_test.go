package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medic/internal/controller"
	"medic/internal/metrics"
	"medic/pkg/model"
	"medic/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeHealth struct{ h controller.Health }

func (f fakeHealth) Health() controller.Health { return f.h }

type fakeQuerier struct {
	table string
	f     store.Filter
	rows  []store.Row
	err   error
}

func (q *fakeQuerier) Query(_ context.Context, vertex string, f store.Filter) ([]store.Row, error) {
	q.table, q.f = vertex, f
	return q.rows, q.err
}

type fakeLister struct{ recs []store.ActionRecord }

func (l fakeLister) ListActions(_ context.Context, limit int) ([]store.ActionRecord, error) {
	if limit < len(l.recs) {
		return l.recs[:limit], nil
	}
	return l.recs, nil
}

func newRouter(t *testing.T, state controller.State, q *fakeQuerier, actions ActionLister) (*gin.Engine, *metrics.Registry) {
	m := metrics.New()
	return NewRouter(Deps{
		Gatherer: m.Gatherer(),
		Health:   fakeHealth{h: controller.Health{State: state.String(), Role: "data"}},
		Store:    q,
		Actions:  actions,
		Logger:   zaptest.NewLogger(t),
	}), m
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _ := newRouter(t, controller.Started, &fakeQuerier{}, nil)
	w := get(r, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)

	var body controller.Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "STARTED", body.State)
	assert.Equal(t, "data", body.Role)

	r, _ = newRouter(t, controller.Restarting, &fakeQuerier{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/healthz").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r, m := newRouter(t, controller.Started, &fakeQuerier{}, nil)
	m.ActionsPublished.WithLabelValues("ModifyCacheMaxSize").Inc()

	w := get(r, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "actions_published_total")
	assert.Contains(t, w.Body.String(), `action="ModifyCacheMaxSize"`)
}

func TestFlowUnitsQuery(t *testing.T) {
	q := &fakeQuerier{rows: []store.Row{{
		Key: "cpu_rca/1", Vertex: "cpu_rca", Timestamp: time.Unix(1700000000, 0).UTC(),
		Data: json.RawMessage(`{"context":"unhealthy"}`),
	}}}
	r, _ := newRouter(t, controller.Started, q, nil)

	w := get(r, "/api/v1/flowunits/cpu_rca?since=1700000000&until=2023-11-15T00:00:00Z&limit=5000")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "cpu_rca", q.table)
	assert.Equal(t, time.Unix(1700000000, 0), q.f.Since)
	assert.Equal(t, time.Date(2023, 11, 15, 0, 0, 0, 0, time.UTC), q.f.Until)
	assert.Equal(t, maxLimit, q.f.Limit)

	var body struct {
		Count int         `json:"count"`
		Rows  []store.Row `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.JSONEq(t, `{"context":"unhealthy"}`, string(body.Rows[0].Data))
}

func TestActionsQuery_Defaults(t *testing.T) {
	q := &fakeQuerier{}
	r, _ := newRouter(t, controller.Started, q, nil)

	w := get(r, "/api/v1/actions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, store.ActionsTable, q.table)
	assert.Equal(t, defaultLimit, q.f.Limit)
	assert.True(t, q.f.Since.IsZero())
	assert.Contains(t, w.Body.String(), `"rows":[]`)
}

func TestQuery_BadRequests(t *testing.T) {
	r, _ := newRouter(t, controller.Started, &fakeQuerier{}, nil)

	testCases := []struct {
		name string
		path string
	}{
		{"bad since", "/api/v1/actions?since=yesterday"},
		{"bad limit", "/api/v1/actions?limit=-1"},
		{"until before since", "/api/v1/actions?since=200&until=100"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, get(r, tc.path).Code)
		})
	}
}

func TestQuery_StoreError(t *testing.T) {
	r, _ := newRouter(t, controller.Started, &fakeQuerier{err: errors.New("badger closed")}, nil)
	w := get(r, "/api/v1/flowunits/heap_rca")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "badger closed")
}

func TestClusterActions(t *testing.T) {
	r, _ := newRouter(t, controller.Started, &fakeQuerier{}, nil)
	assert.Equal(t, http.StatusNotFound, get(r, "/api/v1/cluster/actions").Code)

	lister := fakeLister{recs: []store.ActionRecord{
		{ID: "1", Name: "ModifyQueueCapacity", Nodes: []model.NodeKey{{NodeID: "a", HostAddress: "10.0.0.1"}}},
		{ID: "2", Name: "ModifyCacheMaxSize"},
	}}
	r, _ = newRouter(t, controller.Started, &fakeQuerier{}, lister)
	w := get(r, "/api/v1/cluster/actions?limit=1")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count   int                  `json:"count"`
		Actions []store.ActionRecord `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "ModifyQueueCapacity", body.Actions[0].Name)
}
