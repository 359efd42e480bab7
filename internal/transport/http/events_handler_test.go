package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/phtran-dev/saola-eventq/internal/config"
	"github.com/phtran-dev/saola-eventq/internal/pkg/clock"
	"github.com/phtran-dev/saola-eventq/internal/policy"
	"github.com/phtran-dev/saola-eventq/internal/queue"
	"github.com/phtran-dev/saola-eventq/internal/storage"
	"github.com/phtran-dev/saola-eventq/internal/storage/sqlite"
)

func newTestServer(t *testing.T) (*httptest.Server, *queue.Service) {
	t.Helper()

	clk := clock.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	backend, err := sqlite.OpenInMemory(clk, policy.Default(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	registry, err := config.ParseRegistry([]byte(`[
	  {"Id": "peer-main", "Enable": true, "Type": "Transfer", "Url": "http://peer", "Delay": 30}
	]`), zap.NewNop())
	require.NoError(t, err)

	service := queue.New(queue.Params{
		Backend:  backend,
		Registry: registry,
		Clock:    clk,
		Logger:   zap.NewNop(),
	})

	server := httptest.NewServer(NewHandler(service, zap.NewNop()).Routes())
	t.Cleanup(server.Close)
	return server, service
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubmitAndGetEvent(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/events",
		`{"resource_id": "study-1", "resource_type": "Study", "app_id": "peer-main"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var submitted struct {
		ID       int64 `json:"id"`
		Executed bool  `json:"executed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	assert.False(t, submitted.Executed)
	require.NotZero(t, submitted.ID)

	getResp, err := http.Get(server.URL + "/api/events/" + jsonID(submitted.ID))
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var event Event
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&event))
	assert.Equal(t, "Transfer", event.AppType)
	assert.Equal(t, storage.StatusPending, event.Status)
	assert.Equal(t, 30, event.Delay)
}

func TestSubmitValidation(t *testing.T) {
	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/events", `{"resource_id": "study-1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, server.URL+"/api/events",
		`{"resource_id": "study-1", "resource_type": "Study", "app_id": "ghost"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, server.URL+"/api/events", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListEvents(t *testing.T) {
	server, service := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := service.Submit(ctx, queue.SubmitRequest{
			ResourceID: "study", ResourceType: "Study", AppID: "peer-main",
		})
		require.NoError(t, err)
	}

	resp, err := http.Get(server.URL + "/api/events?limit=2&sort=id")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed ListEventsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Len(t, listed.Events, 2)
}

func TestGetMissingEvent(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/events/9999")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(server.URL + "/api/events/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteAndResetEndpoints(t *testing.T) {
	server, service := newTestServer(t)
	ctx := context.Background()

	id, err := service.Submit(ctx, queue.SubmitRequest{
		ResourceID: "study", ResourceType: "Study", AppID: "peer-main",
	})
	require.NoError(t, err)

	resp := postJSON(t, server.URL+"/api/events/reset", `{"ids": []}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	event, err := service.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Reset", event.FailedReason)

	resp = postJSON(t, server.URL+"/api/events/delete", `{"ids": [`+jsonID(id)+`]}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = service.Get(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCachedJobsEmptyWithoutCache(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/jobs/cached")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var jobs []CachedJob
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	assert.Empty(t, jobs)
}

func jsonID(id int64) string {
	return strconv.FormatInt(id, 10)
}
