// Package client implements the stateless HTTP transport toward the TRELLIS
// inference server: job submission, status polling, artifact download, and
// cancellation. It carries no retry logic; retries are a policy of the poll
// scheduler and the command façade.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fishwowater/trellis-go/internal/httputil"
	"github.com/fishwowater/trellis-go/types"
)

// Config configures the transport client.
type Config struct {
	// BaseURL of the TRELLIS inference server.
	BaseURL string
	// Timeout is the hard per-call timeout.
	Timeout time.Duration
	// RequestsPerSecond caps the request rate toward the server.
	// Zero disables the limiter.
	RequestsPerSecond float64
}

// Client is a stateless, reentrant HTTP wrapper around the TRELLIS API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a transport client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:5000"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		cfg:     cfg,
		http:    httputil.SecureHTTPClient(cfg.Timeout),
		limiter: limiter,
		logger:  logger.With(zap.String("component", "client")),
	}
}

// SubmitInput carries the input references of one submission. Image and Mesh
// hold raw payload bytes resolved by the host; Prompt is used by the text
// conditioned kinds.
type SubmitInput struct {
	ImageName string
	Image     []byte
	Mesh      []byte
	Prompt    string
}

type submitResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Message   string `json:"message,omitempty"`
}

// Submit sends a generation request and returns the server-assigned job id.
func (c *Client) Submit(ctx context.Context, kind types.JobKind, input SubmitInput, params types.GenerationParams) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	endpoint := c.endpoint(string(kind))

	var req *http.Request
	var err error
	if len(input.Image) > 0 || len(input.Mesh) > 0 {
		req, err = c.newMultipartRequest(ctx, endpoint, input, params)
	} else {
		req, err = c.newJSONRequest(ctx, endpoint, input, params)
	}
	if err != nil {
		return "", types.NewError(types.ErrInvalidRequest, "failed to build submit request").WithCause(err)
	}
	req.Header.Set("X-Idempotency-Key", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyTransport("submit", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", c.errorFromStatus("submit", resp)
	}

	var sResp submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sResp); err != nil {
		return "", types.NewError(types.ErrServer, "failed to decode submit response").WithCause(err)
	}
	if sResp.RequestID == "" {
		return "", types.NewError(types.ErrServer, "submit response carries no request id")
	}

	c.logger.Debug("job submitted",
		zap.String("kind", string(kind)),
		zap.String("request_id", sResp.RequestID),
	)

	return sResp.RequestID, nil
}

func (c *Client) newMultipartRequest(ctx context.Context, endpoint string, input SubmitInput, params types.GenerationParams) (*http.Request, error) {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	if len(input.Image) > 0 {
		filename := input.ImageName
		if filename == "" {
			filename = "image"
		}
		if filepath.Ext(filename) == "" {
			filename += ".png"
		}
		part, err := writer.CreateFormFile("image", filename)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(input.Image); err != nil {
			return nil, err
		}
	}
	if len(input.Mesh) > 0 {
		part, err := writer.CreateFormFile("mesh", "mesh.glb")
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(input.Mesh); err != nil {
			return nil, err
		}
	}

	fields := map[string]string{
		"sparse_structure_sample_steps": strconv.Itoa(params.SparseStructureSampleSteps),
		"sparse_structure_cfg_strength": formatFloat(params.SparseStructureCFGStrength),
		"slat_sample_steps":             strconv.Itoa(params.SLATSampleSteps),
		"slat_cfg_strength":             formatFloat(params.SLATCFGStrength),
		"simplify_ratio":                formatFloat(params.SimplifyRatio),
		"texture_size":                  strconv.Itoa(params.TextureSize),
		"texture_bake_mode":             params.TextureBakeMode,
	}
	if input.ImageName != "" {
		fields["image_name"] = input.ImageName
	}
	if input.Prompt != "" {
		fields["prompt"] = input.Prompt
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}

type jsonSubmitRequest struct {
	Prompt string `json:"prompt"`
	types.GenerationParams
}

func (c *Client) newJSONRequest(ctx context.Context, endpoint string, input SubmitInput, params types.GenerationParams) (*http.Request, error) {
	payload, err := json.Marshal(jsonSubmitRequest{Prompt: input.Prompt, GenerationParams: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// JobStatus is the defensively parsed poll response. Known is false when the
// server reports a status this client does not understand; callers treat that
// as a no-op rather than a failure.
type JobStatus struct {
	State       types.JobState
	Known       bool
	Progress    string
	ArtifactURL string
	Err         *types.Error
}

type pollResponse struct {
	Status      string   `json:"status"`
	Progress    string   `json:"progress,omitempty"`
	OutputFiles []string `json:"output_files,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Poll fetches the current server-side status of a job.
func (c *Client) Poll(ctx context.Context, jobID string) (*JobStatus, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	endpoint := c.endpoint("requests/" + url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to build poll request").WithCause(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport("poll", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.errorFromStatus("poll", resp)
	}

	var pResp pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return nil, types.NewError(types.ErrServer, "failed to decode poll response").WithCause(err)
	}

	return mapPollResponse(pResp), nil
}

func mapPollResponse(resp pollResponse) *JobStatus {
	status := &JobStatus{Known: true, Progress: resp.Progress}

	switch strings.ToLower(resp.Status) {
	case "queued", "pending":
		status.State = types.StatePending
	case "processing", "running", "in_progress":
		status.State = types.StateRunning
	case "complete", "completed", "succeeded", "success":
		artifact := pickArtifact(resp.OutputFiles)
		if artifact == "" {
			// A completion without output files can never be imported;
			// surfacing it as a failure keeps the record retryable.
			status.State = types.StateFailed
			status.Err = types.NewError(types.ErrServer, "server reported completion without output files")
			break
		}
		status.State = types.StateSucceeded
		status.ArtifactURL = artifact
	case "failed", "error":
		status.State = types.StateFailed
		msg := resp.Error
		if msg == "" {
			msg = "server reported failure without detail"
		}
		status.Err = types.NewError(types.ErrServer, msg)
	case "cancelled", "canceled":
		status.State = types.StateCancelled
	default:
		// Externally versioned schema: an unknown status is not an error,
		// the record simply is not advanced this tick.
		status.Known = false
	}

	return status
}

// pickArtifact prefers the textured .glb bundle among the output files.
func pickArtifact(files []string) string {
	for _, f := range files {
		if strings.HasSuffix(f, ".glb") {
			return f
		}
	}
	if len(files) > 0 {
		return files[0]
	}
	return ""
}

// Cancel asks the server to abort a job.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	endpoint := c.endpoint("requests/" + url.PathEscape(jobID) + "/cancel")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return types.NewError(types.ErrInvalidRequest, "failed to build cancel request").WithCause(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport("cancel", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.errorFromStatus("cancel", resp)
	}
	return nil
}

// FetchArtifact downloads an artifact payload. Relative URLs are resolved
// against the configured base URL. The caller owns the returned reader.
func (c *Client) FetchArtifact(ctx context.Context, artifactURL string) (io.ReadCloser, int64, error) {
	if err := c.wait(ctx); err != nil {
		return nil, 0, err
	}

	resolved, err := c.resolveURL(artifactURL)
	if err != nil {
		return nil, 0, types.NewError(types.ErrInvalidRequest, "invalid artifact url").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved, nil)
	if err != nil {
		return nil, 0, types.NewError(types.ErrInvalidRequest, "failed to build artifact request").WithCause(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, classifyTransport("fetch_artifact", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, 0, c.errorFromStatus("fetch_artifact", resp)
	}

	return resp.Body, resp.ContentLength, nil
}

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s/%s", strings.TrimRight(c.cfg.BaseURL, "/"), path)
}

func (c *Client) resolveURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return raw, nil
	}
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return types.NewError(types.ErrConnection, "rate limiter wait aborted").WithCause(err).WithRetryable(true)
	}
	return nil
}

func (c *Client) errorFromStatus(op string, resp *http.Response) *types.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(body))
	msg := fmt.Sprintf("%s rejected: status=%d", op, resp.StatusCode)
	if detail != "" {
		msg = fmt.Sprintf("%s body=%s", msg, detail)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.NewError(types.ErrNotFound, msg).WithHTTPStatus(resp.StatusCode)
	case resp.StatusCode >= 500:
		return types.NewError(types.ErrServer, msg).WithHTTPStatus(resp.StatusCode).WithRetryable(true)
	default:
		return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(resp.StatusCode)
	}
}

// classifyTransport folds network-level failures into the typed taxonomy.
// Timeouts and connection errors are retryable; the poll scheduler counts
// them against the transient-failure ceiling.
func classifyTransport(op string, err error) *types.Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.NewError(types.ErrTimeout, op+" timed out").WithCause(err).WithRetryable(true)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, op+" timed out").WithCause(err).WithRetryable(true)
	}
	return types.NewError(types.ErrConnection, op+" failed").WithCause(err).WithRetryable(true)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
