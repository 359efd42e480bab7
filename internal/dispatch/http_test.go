package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/phtran-dev/saola-eventq/internal/config"
	"github.com/phtran-dev/saola-eventq/internal/storage"
)

func TestNotifyPayload(t *testing.T) {
	app := &config.App{
		ID:   "ris",
		Type: config.TypeRis,
		FieldMapping: config.FieldMap{
			"accessionNumber":          "AccessionNumber",
			"patientId":                "PatientID",
			"missing":                  "NotInTags",
			"series":                   "series",
			"series_seriesInstanceUID": "series_SeriesInstanceUID",
			"series_modality":          "series_Modality",
		},
		FieldValues: config.FieldValues{"source": "pacs-1"},
	}

	tags := map[string]interface{}{
		"AccessionNumber": "ACC123",
		"PatientID":       "P42",
		"series": []interface{}{
			map[string]interface{}{
				"series_SeriesInstanceUID": "1.2.3",
				"series_Modality":          "CT",
			},
			map[string]interface{}{
				"series_SeriesInstanceUID": "1.2.4",
			},
		},
	}

	body := NotifyPayload(app, tags)
	assert.Equal(t, "ACC123", body["accessionNumber"])
	assert.Equal(t, "P42", body["patientId"])
	assert.Equal(t, "pacs-1", body["source"])
	assert.NotContains(t, body, "missing")
	assert.NotContains(t, body, "series_seriesInstanceUID")

	series, ok := body["series"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, series, 2)
	assert.Equal(t, "1.2.3", series[0]["seriesInstanceUID"])
	assert.Equal(t, "CT", series[0]["modality"])
	assert.NotContains(t, series[1], "modality")
}

func TestJobPayloadShapes(t *testing.T) {
	event := storage.Event{ResourceID: "study-1", ResourceType: "Study"}

	transfer := JobPayload(&config.App{Type: config.TypeTransfer, FieldValues: config.FieldValues{"Peer": "LongTermPeer"}}, event)
	assert.Equal(t, "LongTermPeer", transfer["Peer"])
	assert.Equal(t,
		[]map[string]interface{}{{"Level": "Study", "ID": "study-1"}},
		transfer["Resources"])

	exporter := JobPayload(&config.App{Type: config.TypeExporter}, event)
	assert.Equal(t, "Study", exporter["Level"])
	assert.Equal(t, "study-1", exporter["ID"])

	storeSCU := JobPayload(&config.App{Type: config.TypeStoreSCU}, event)
	assert.Equal(t, []string{"study-1"}, storeSCU["Resources"])
}

func TestHTTPExecutorSend(t *testing.T) {
	var got map[string]interface{}
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	app := &config.App{
		ID:             "ris",
		Type:           config.TypeRis,
		URL:            server.URL,
		Method:         "POST",
		Authentication: "Basic dXNlcjpwYXNz",
		TimeoutSeconds: 5,
		FieldMapping:   config.FieldMap{"patientId": "PatientID"},
		FieldValues:    config.FieldValues{},
	}

	err := NewHTTPExecutor(zap.NewNop()).Send(context.Background(), app, map[string]interface{}{"PatientID": "P42"})
	require.NoError(t, err)
	assert.Equal(t, "P42", got["patientId"])
	assert.Equal(t, "Basic dXNlcjpwYXNz", auth)
}

func TestHTTPExecutorSendFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	app := &config.App{ID: "ris", URL: server.URL, Method: "POST", TimeoutSeconds: 5}
	err := NewHTTPExecutor(zap.NewNop()).Send(context.Background(), app, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPExecutorSubmitJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"ID": "remote-job-7"})
	}))
	defer server.Close()

	app := &config.App{ID: "peer", Type: config.TypeTransfer, URL: server.URL, Method: "POST", TimeoutSeconds: 5}
	jobID, err := NewHTTPExecutor(zap.NewNop()).SubmitJob(context.Background(), app, storage.Event{ResourceID: "study-1", ResourceType: "Study"})
	require.NoError(t, err)
	assert.Equal(t, "remote-job-7", jobID)
}

func TestHTTPExecutorSubmitJobNoID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"Status": "accepted"})
	}))
	defer server.Close()

	app := &config.App{ID: "peer", Type: config.TypeTransfer, URL: server.URL, Method: "POST", TimeoutSeconds: 5}
	_, err := NewHTTPExecutor(zap.NewNop()).SubmitJob(context.Background(), app, storage.Event{})
	require.Error(t, err)
}

func TestHTTPJobStatusClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/remote-job-7", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"Type":     "DicomModalityStore",
			"State":    "Running",
			"Progress": 40,
		})
	}))
	defer server.Close()

	status, err := NewHTTPJobStatusClient(server.URL).JobStatus(context.Background(), "remote-job-7")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, status.State)
	assert.Equal(t, "DicomModalityStore", status.Type)
	assert.False(t, status.State.Terminal())
	assert.True(t, JobSuccess.Terminal())
}

func TestHTTPResourceDescriberNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	tags, err := NewHTTPResourceDescriber(server.URL).Describe(context.Background(), "study-1", "Study")
	require.NoError(t, err)
	assert.Nil(t, tags)
}
