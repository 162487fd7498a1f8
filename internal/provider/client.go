// Package provider implements clients for the external asynchronous
// speech-synthesis service's batch task API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zhuiye8/narration-service/internal/core"
)

// API endpoints and paths.
const (
	apiBatchCreate = "/v1/tts/batch"
	apiTaskStatus  = "/v1/tts/status"
	apiHealth      = "/health"
)

// HTTP headers.
const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"
	bearerPrefix        = "Bearer "
)

// Output format requested for every task.
const audioFormatMP3 = "mp3"

// Error messages.
const (
	errNoTexts                 = "no texts to submit"
	errNoTaskIDs               = "no task ids to query"
	errFmtServiceErrorWithCode = "provider error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "provider returned non-OK status: %s, body: %s"
)

// ErrNoTexts indicates an empty submission batch.
var ErrNoTexts = errors.New(errNoTexts)

// ErrNoTaskIDs indicates an empty status query.
var ErrNoTaskIDs = errors.New(errNoTaskIDs)

// HTTPClient talks to the provider's batch task API. It satisfies
// core.Provider for a fully configured provider.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// batchCreateRequest is the JSON payload for the batch task-creation call.
type batchCreateRequest struct {
	Texts  []taskText       `json:"texts"`
	Voice  core.VoiceConfig `json:"voice"`
	Format string           `json:"format"`
}

type taskText struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// batchCreateResponse carries per-text task ids. A text the provider
// rejected has Error set instead of TaskID.
type batchCreateResponse struct {
	Tasks []createdTask `json:"tasks"`
}

type createdTask struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	Error  string `json:"error,omitempty"`
}

// statusRequest is the JSON payload for the task status call.
type statusRequest struct {
	TaskIDs []string `json:"task_ids"`
}

// statusResponse carries the per-task states.
type statusResponse struct {
	Tasks []taskStatus `json:"tasks"`
}

type taskStatus struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// errorResponse is the provider's structured error body.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates a configured client for the provider API. The
// timeout applies to every request the client makes.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Enabled reports that this client reaches a real provider.
func (c *HTTPClient) Enabled() bool {
	return true
}

// CreateTasks submits a batch of texts and returns one TaskSubmission per
// request. A per-text rejection is recorded on that submission's Err and
// does not fail the call; a transport or protocol failure fails the whole
// call.
func (c *HTTPClient) CreateTasks(
	ctx context.Context,
	reqs []core.TaskRequest,
	voice core.VoiceConfig,
) ([]core.TaskSubmission, error) {
	if len(reqs) == 0 {
		return nil, ErrNoTexts
	}

	payload := batchCreateRequest{
		Texts:  make([]taskText, 0, len(reqs)),
		Voice:  voice,
		Format: audioFormatMP3,
	}
	for _, req := range reqs {
		payload.Texts = append(payload.Texts, taskText{ID: req.ItemID, Text: req.Text})
	}

	var decoded batchCreateResponse

	err := c.postJSON(ctx, apiBatchCreate, payload, &decoded)
	if err != nil {
		return nil, fmt.Errorf("batch task creation failed: %w", err)
	}

	byID := make(map[string]createdTask, len(decoded.Tasks))
	for _, task := range decoded.Tasks {
		byID[task.ID] = task
	}

	submissions := make([]core.TaskSubmission, 0, len(reqs))

	for _, req := range reqs {
		submission := core.TaskSubmission{ItemID: req.ItemID, TaskID: "", Err: nil}

		task, found := byID[req.ItemID]
		switch {
		case !found:
			submission.Err = fmt.Errorf("provider returned no task for item %s", req.ItemID)
		case task.Error != "":
			submission.Err = fmt.Errorf("provider rejected item %s: %s", req.ItemID, task.Error)
		default:
			submission.TaskID = task.TaskID
		}

		submissions = append(submissions, submission)
	}

	return submissions, nil
}

// TaskStatuses queries the provider for the state of the given task ids.
func (c *HTTPClient) TaskStatuses(ctx context.Context, taskIDs []string) ([]core.TaskState, error) {
	if len(taskIDs) == 0 {
		return nil, ErrNoTaskIDs
	}

	var decoded statusResponse

	err := c.postJSON(ctx, apiTaskStatus, statusRequest{TaskIDs: taskIDs}, &decoded)
	if err != nil {
		return nil, fmt.Errorf("task status query failed: %w", err)
	}

	states := make([]core.TaskState, 0, len(decoded.Tasks))
	for _, task := range decoded.Tasks {
		states = append(states, core.TaskState{
			TaskID:    task.TaskID,
			Status:    parseTaskStatus(task.Status),
			ResultURL: task.ResultURL,
			Err:       task.Error,
		})
	}

	return states, nil
}

// HealthCheck verifies that the provider is reachable and reports healthy.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	url := c.baseURL + apiHealth

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	req.Header.Set(headerAuthorization, bearerPrefix+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for provider at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// postJSON sends one JSON request and decodes the JSON response into target.
func (c *HTTPClient) postJSON(ctx context.Context, path string, payload, target any) error {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + path

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		url,
		bytes.NewBuffer(requestBody),
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAuthorization, bearerPrefix+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to provider at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	err = json.NewDecoder(resp.Body).Decode(target)
	if err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}

	return nil
}

// parseErrorResponse attempts to decode a structured JSON error from the
// provider. If structured parsing fails, it falls back to the raw body so
// diagnostic information is preserved.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	var errorResp errorResponse

	err := json.NewDecoder(resp.Body).Decode(&errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode,
			resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	body, _ := io.ReadAll(resp.Body)

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, string(body))
}

// parseTaskStatus maps a provider status string onto the domain task
// status. Unknown strings count as still running so the poller keeps
// watching them until its attempt ceiling.
func parseTaskStatus(raw string) core.TaskStatus {
	switch raw {
	case string(core.TaskPending):
		return core.TaskPending
	case string(core.TaskSuccess):
		return core.TaskSuccess
	case string(core.TaskFailure):
		return core.TaskFailure
	default:
		return core.TaskRunning
	}
}
