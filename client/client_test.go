package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fishwowater/trellis-go/types"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, zap.NewNop())
	return c, srv
}

func TestSubmit_ImageTo3D_Multipart(t *testing.T) {
	var gotPath string
	var gotFields map[string]string
	var gotImage []byte
	var gotIdempotencyKey string

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIdempotencyKey = r.Header.Get("X-Idempotency-Key")

		require.NoError(t, r.ParseMultipartForm(32<<20))
		gotFields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			gotFields[k] = v[0]
		}
		file, _, err := r.FormFile("image")
		require.NoError(t, err)
		gotImage, _ = io.ReadAll(file)

		json.NewEncoder(w).Encode(map[string]string{"status": "queued", "request_id": "req-123"})
	}))

	params := types.DefaultGenerationParams()
	id, err := c.Submit(context.Background(), types.KindImageTo3D, SubmitInput{
		ImageName: "chair",
		Image:     []byte("fake-png"),
	}, params)

	require.NoError(t, err)
	assert.Equal(t, "req-123", id)
	assert.Equal(t, "/image_to_3d", gotPath)
	assert.NotEmpty(t, gotIdempotencyKey)
	assert.Equal(t, []byte("fake-png"), gotImage)
	assert.Equal(t, "12", gotFields["sparse_structure_sample_steps"])
	assert.Equal(t, "7.5", gotFields["sparse_structure_cfg_strength"])
	assert.Equal(t, "0.95", gotFields["simplify_ratio"])
	assert.Equal(t, "1024", gotFields["texture_size"])
	assert.Equal(t, "fast", gotFields["texture_bake_mode"])
	assert.Equal(t, "chair", gotFields["image_name"])
}

func TestSubmit_DetailVariation_CarriesMesh(t *testing.T) {
	var gotMesh []byte

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(32<<20))
		file, _, err := r.FormFile("mesh")
		require.NoError(t, err)
		gotMesh, _ = io.ReadAll(file)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued", "request_id": "req-dv"})
	}))

	id, err := c.Submit(context.Background(), types.KindImageDetailVariation, SubmitInput{
		ImageName: "chair",
		Image:     []byte("img"),
		Mesh:      []byte("glTF-binary"),
	}, types.DefaultGenerationParams())

	require.NoError(t, err)
	assert.Equal(t, "req-dv", id)
	assert.Equal(t, []byte("glTF-binary"), gotMesh)
}

func TestSubmit_TextTo3D_JSON(t *testing.T) {
	var gotContentType string
	var gotBody map[string]any

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued", "request_id": "req-txt"})
	}))

	id, err := c.Submit(context.Background(), types.KindTextTo3D, SubmitInput{
		Prompt: "a wooden chair",
	}, types.DefaultGenerationParams())

	require.NoError(t, err)
	assert.Equal(t, "req-txt", id)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "a wooden chair", gotBody["prompt"])
	assert.Equal(t, float64(1024), gotBody["texture_size"])
}

func TestSubmit_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  types.ErrorCode
		retryable bool
	}{
		{"bad request", http.StatusBadRequest, types.ErrInvalidRequest, false},
		{"not found", http.StatusNotFound, types.ErrNotFound, false},
		{"server error", http.StatusInternalServerError, types.ErrServer, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))

			_, err := c.Submit(context.Background(), types.KindTextTo3D, SubmitInput{Prompt: "x"}, types.DefaultGenerationParams())
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, types.GetErrorCode(err))
			assert.Equal(t, tt.retryable, types.IsRetryable(err))
		})
	}
}

func TestSubmit_MissingRequestID(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}))

	_, err := c.Submit(context.Background(), types.KindTextTo3D, SubmitInput{Prompt: "x"}, types.DefaultGenerationParams())
	require.Error(t, err)
	assert.Equal(t, types.ErrServer, types.GetErrorCode(err))
}

func TestSubmit_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, zap.NewNop())
	_, err := c.Submit(context.Background(), types.KindTextTo3D, SubmitInput{Prompt: "x"}, types.DefaultGenerationParams())
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err), "timeouts must be transient")
}

func TestPoll_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantState types.JobState
		wantKnown bool
	}{
		{"queued", `{"status":"queued"}`, types.StatePending, true},
		{"processing", `{"status":"processing","progress":"35%"}`, types.StateRunning, true},
		{"complete", `{"status":"complete","output_files":["/results/req-1/mesh.glb"]}`, types.StateSucceeded, true},
		{"failed", `{"status":"failed","error":"CUDA out of memory"}`, types.StateFailed, true},
		{"cancelled", `{"status":"cancelled"}`, types.StateCancelled, true},
		{"unknown status", `{"status":"rebalancing"}`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/requests/job-1", r.URL.Path)
				io.WriteString(w, tt.body)
			}))

			status, err := c.Poll(context.Background(), "job-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantKnown, status.Known)
			if tt.wantKnown {
				assert.Equal(t, tt.wantState, status.State)
			}
		})
	}
}

func TestPoll_SucceededCarriesArtifact(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"complete","output_files":["/results/r/preview.png","/results/r/model.glb"]}`)
	}))

	status, err := c.Poll(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateSucceeded, status.State)
	assert.Equal(t, "/results/r/model.glb", status.ArtifactURL, "prefers the .glb bundle")
}

func TestPoll_CompleteWithoutArtifactIsFailure(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty output files", `{"status":"complete","output_files":[]}`},
		{"missing output files", `{"status":"complete"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			}))

			status, err := c.Poll(context.Background(), "job-1")
			require.NoError(t, err)
			assert.True(t, status.Known)
			assert.Equal(t, types.StateFailed, status.State, "completion without an artifact must not become succeeded")
			assert.Empty(t, status.ArtifactURL)
			require.NotNil(t, status.Err)
			assert.Equal(t, types.ErrServer, status.Err.Code)
		})
	}
}

func TestPoll_FailedCarriesServerDetail(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"failed","error":"CUDA out of memory"}`)
	}))

	status, err := c.Poll(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, status.Err)
	assert.Equal(t, types.ErrServer, status.Err.Code)
	assert.Contains(t, status.Err.Message, "CUDA out of memory")
}

func TestPoll_NotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := c.Poll(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestCancel(t *testing.T) {
	var gotPath, gotMethod string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
	}))

	require.NoError(t, c.Cancel(context.Background(), "job-9"))
	assert.Equal(t, "/requests/job-9/cancel", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestFetchArtifact_ResolvesRelativeURL(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/results/req-1/model.glb", r.URL.Path)
		io.WriteString(w, "glTF-payload")
	}))

	body, _, err := c.FetchArtifact(context.Background(), "/results/req-1/model.glb")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "glTF-payload", string(data))
}

func TestFetchArtifact_NotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, _, err := c.FetchArtifact(context.Background(), "/results/x/model.glb")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}
