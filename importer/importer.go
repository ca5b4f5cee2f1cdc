// Package importer downloads the artifact of a succeeded job, validates the
// payload, and hands it to the host's scene-import collaborator. Downloads
// are cached on disk keyed by URL, so importing the same record twice never
// re-fetches the payload.
package importer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fishwowater/trellis-go/internal/metrics"
	"github.com/fishwowater/trellis-go/types"
)

// Fetcher is the slice of the transport client the importer needs.
type Fetcher interface {
	FetchArtifact(ctx context.Context, artifactURL string) (io.ReadCloser, int64, error)
}

// Sink places a validated artifact file into the host scene and returns an
// opaque host object handle.
type Sink interface {
	Place(ctx context.Context, artifactPath, format string) (string, error)
}

// Config configures the importer.
type Config struct {
	// CacheDir stores downloaded artifact payloads.
	CacheDir string
}

// Importer downloads and imports artifacts. Safe for concurrent use;
// concurrent imports of the same artifact share one download.
type Importer struct {
	cfg       Config
	fetcher   Fetcher
	sink      Sink
	collector *metrics.Collector
	logger    *zap.Logger
	group     singleflight.Group
}

// New creates an importer. The collector may be nil.
func New(cfg Config, fetcher Fetcher, sink Sink, collector *metrics.Collector, logger *zap.Logger) (*Importer, error) {
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "trellis_cache")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, types.NewError(types.ErrImportFailed, "failed to create cache dir").WithCause(err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{
		cfg:       cfg,
		fetcher:   fetcher,
		sink:      sink,
		collector: collector,
		logger:    logger.With(zap.String("component", "importer")),
	}, nil
}

// Import downloads the record's artifact (or reuses the cached payload) and
// places it into the host scene. Only succeeded records can be imported; a
// failed import leaves the record untouched so the user can retry.
func (i *Importer) Import(ctx context.Context, record *types.JobRecord) (string, error) {
	if record == nil {
		return "", types.NewError(types.ErrInvalidRequest, "record is nil")
	}
	if record.State != types.StateSucceeded {
		return "", types.NewError(types.ErrInvalidRequest,
			"only succeeded jobs can be imported, job "+record.ID+" is "+string(record.State))
	}
	if record.ArtifactURL == "" {
		return "", types.NewError(types.ErrInvalidRequest, "succeeded record carries no artifact url")
	}

	path, err := i.download(ctx, record.ArtifactURL)
	if err != nil {
		i.recordImport("download_failed")
		return "", err
	}

	format := artifactFormat(record.ArtifactURL)
	handle, err := i.sink.Place(ctx, path, format)
	if err != nil {
		i.recordImport("import_failed")
		return "", types.NewError(types.ErrImportFailed, "host import failed").WithCause(err)
	}

	i.recordImport("ok")
	i.logger.Info("artifact imported",
		zap.String("job_id", record.ID),
		zap.String("path", path),
		zap.String("handle", handle),
	)
	return handle, nil
}

// CachePath returns where the artifact payload of url lives in the cache.
// The key combines the last two URL path segments, which the server keeps
// unique per request.
func (i *Importer) CachePath(artifactURL string) string {
	segments := strings.Split(strings.TrimRight(artifactURL, "/"), "/")
	name := segments[len(segments)-1]
	if len(segments) >= 2 && segments[len(segments)-2] != "" {
		name = segments[len(segments)-2] + "_" + name
	}
	return filepath.Join(i.cfg.CacheDir, name)
}

// download returns the cache path of the artifact, fetching it if needed.
// Concurrent downloads of the same URL are collapsed into one fetch.
func (i *Importer) download(ctx context.Context, artifactURL string) (string, error) {
	path, err, _ := i.group.Do(artifactURL, func() (any, error) {
		cachePath := i.CachePath(artifactURL)
		if _, statErr := os.Stat(cachePath); statErr == nil {
			i.logger.Debug("artifact cache hit", zap.String("path", cachePath))
			return cachePath, nil
		}

		body, _, err := i.fetcher.FetchArtifact(ctx, artifactURL)
		if err != nil {
			return "", types.NewError(types.ErrDownloadFailed, "artifact download failed").WithCause(err)
		}
		defer body.Close()

		data, err := io.ReadAll(body)
		if err != nil {
			return "", types.NewError(types.ErrDownloadFailed, "artifact read failed").WithCause(err)
		}

		if err := validatePayload(data, artifactFormat(artifactURL)); err != nil {
			return "", err
		}

		// Write-then-rename so a crashed download never poisons the cache.
		tmpPath := cachePath + "." + uuid.NewString() + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0644); err != nil {
			return "", types.NewError(types.ErrDownloadFailed, "failed to write cache file").WithCause(err)
		}
		if err := os.Rename(tmpPath, cachePath); err != nil {
			os.Remove(tmpPath)
			return "", types.NewError(types.ErrDownloadFailed, "failed to finalize cache file").WithCause(err)
		}

		if i.collector != nil {
			i.collector.RecordArtifactDownload(int64(len(data)))
		}
		i.logger.Debug("artifact downloaded",
			zap.String("url", artifactURL),
			zap.Int("bytes", len(data)),
		)
		return cachePath, nil
	})
	if err != nil {
		return "", err
	}
	return path.(string), nil
}

// validatePayload checks payload integrity before the file enters the cache.
func validatePayload(data []byte, format string) error {
	if len(data) == 0 {
		return types.NewError(types.ErrDownloadFailed, "artifact payload is empty")
	}
	// Binary glTF containers open with the "glTF" magic.
	if format == "glb" {
		if len(data) < 4 || string(data[:4]) != "glTF" {
			return types.NewError(types.ErrDownloadFailed, "artifact payload is not a valid glb file")
		}
	}
	return nil
}

func artifactFormat(artifactURL string) string {
	ext := strings.TrimPrefix(filepath.Ext(artifactURL), ".")
	if ext == "" {
		return "glb"
	}
	return ext
}

func (i *Importer) recordImport(status string) {
	if i.collector != nil {
		i.collector.RecordArtifactImport(status)
	}
}
