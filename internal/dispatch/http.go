package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/phtran-dev/saola-eventq/internal/config"
	"github.com/phtran-dev/saola-eventq/internal/storage"
)

const seriesPrefix = "series_"

// NotifyPayload templates the synchronous notify body: each field-mapping
// entry pulls one metadata field, the "series" entry expands to an array with
// its own series_-prefixed sub-mapping, and field values are merged last so
// literals win.
func NotifyPayload(app *config.App, tags map[string]interface{}) map[string]interface{} {
	body := make(map[string]interface{})

	for key, field := range app.FieldMapping {
		if key == "series" {
			seriesList, ok := tags[field].([]interface{})
			if !ok {
				continue
			}
			out := make([]map[string]interface{}, 0, len(seriesList))
			for _, raw := range seriesList {
				series, ok := raw.(map[string]interface{})
				if !ok {
					continue
				}
				entry := make(map[string]interface{})
				for subKey, subField := range app.FieldMapping {
					if !strings.HasPrefix(subKey, seriesPrefix) {
						continue
					}
					if value, ok := series[subField]; ok {
						entry[strings.TrimPrefix(subKey, seriesPrefix)] = value
					}
				}
				out = append(out, entry)
			}
			body[key] = out
			continue
		}

		if strings.HasPrefix(key, seriesPrefix) {
			continue
		}
		if value, ok := tags[field]; ok {
			body[key] = value
		}
	}

	for key, value := range app.FieldValues {
		body[key] = value
	}
	return body
}

// JobPayload templates the async submission body for the app's type.
func JobPayload(app *config.App, event storage.Event) map[string]interface{} {
	body := make(map[string]interface{}, len(app.FieldValues)+2)
	for key, value := range app.FieldValues {
		body[key] = value
	}

	switch app.Type {
	case config.TypeTransfer:
		body["Resources"] = []map[string]interface{}{
			{"Level": event.ResourceType, "ID": event.ResourceID},
		}
	case config.TypeExporter:
		body["Level"] = event.ResourceType
		body["ID"] = event.ResourceID
	case config.TypeStoreSCU:
		body["Resources"] = []string{event.ResourceID}
	}
	return body
}

// HTTPExecutor dispatches over plain HTTP with per-app method, auth header
// and timeout.
type HTTPExecutor struct {
	client *http.Client
	log    *zap.Logger
}

// NewHTTPExecutor builds an executor; per-call deadlines come from each app's
// timeout, so the shared client has none.
func NewHTTPExecutor(log *zap.Logger) *HTTPExecutor {
	return &HTTPExecutor{client: &http.Client{}, log: log}
}

var _ Executor = (*HTTPExecutor)(nil)

// Send posts the templated notify payload; any non-2xx status is a dispatch
// failure.
func (e *HTTPExecutor) Send(ctx context.Context, app *config.App, tags map[string]interface{}) error {
	_, err := e.do(ctx, app, NotifyPayload(app, tags))
	return err
}

// SubmitJob posts the job payload and extracts the remote job id from the
// response.
func (e *HTTPExecutor) SubmitJob(ctx context.Context, app *config.App, event storage.Event) (string, error) {
	respBody, err := e.do(ctx, app, JobPayload(app, event))
	if err != nil {
		return "", err
	}

	var response struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return "", fmt.Errorf("parse job response from %s: %w", app.URL, err)
	}
	if response.ID == "" {
		return "", fmt.Errorf("job response from %s has no ID", app.URL)
	}
	return response.ID, nil
}

func (e *HTTPExecutor) do(ctx context.Context, app *config.App, body map[string]interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", app.ID, err)
	}

	timeout := time.Duration(app.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, app.Method, app.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", app.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if app.Authentication != "" {
		req.Header.Set("Authorization", app.Authentication)
	}

	e.log.Debug("dispatching",
		zap.String("app_id", app.ID),
		zap.String("url", app.URL),
		zap.ByteString("body", payload))

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", app.URL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", app.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned %d: %s", app.URL, resp.StatusCode, respBody)
	}
	return respBody, nil
}

// HTTPJobStatusClient reads remote job state from the job engine's REST
// surface (GET {base}/jobs/{id}).
type HTTPJobStatusClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPJobStatusClient(baseURL string) *HTTPJobStatusClient {
	return &HTTPJobStatusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

var _ JobStatusClient = (*HTTPJobStatusClient)(nil)

func (c *HTTPJobStatusClient) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("build job status request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("job %s status endpoint returned %d", jobID, resp.StatusCode)
	}

	var details map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("parse job %s status: %w", jobID, err)
	}

	state, ok := details["State"].(string)
	if !ok {
		return nil, fmt.Errorf("job %s status has no State", jobID)
	}
	jobType, _ := details["Type"].(string)

	return &JobStatus{
		ID:      jobID,
		Type:    jobType,
		State:   JobState(state),
		Details: details,
	}, nil
}

// HTTPResourceDescriber fetches resource metadata from the imaging server's
// REST surface (GET {base}/resources/{type}/{id}).
type HTTPResourceDescriber struct {
	baseURL string
	client  *http.Client
}

func NewHTTPResourceDescriber(baseURL string) *HTTPResourceDescriber {
	return &HTTPResourceDescriber{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

var _ ResourceDescriber = (*HTTPResourceDescriber)(nil)

func (d *HTTPResourceDescriber) Describe(ctx context.Context, resourceID, resourceType string) (map[string]interface{}, error) {
	url := fmt.Sprintf("%s/resources/%s/%s", d.baseURL, strings.ToLower(resourceType), resourceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build describe request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("describe %s/%s: %w", resourceType, resourceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("describe %s/%s returned %d", resourceType, resourceID, resp.StatusCode)
	}

	var tags map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("parse describe response: %w", err)
	}
	return tags, nil
}
