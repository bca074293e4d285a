package blob

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/geoforge/rasterflow/internal/platform/logger"
)

// DefaultInlineLimit is the largest result payload stored inline in the
// result_data column. Anything bigger goes to object storage.
const DefaultInlineLimit = 1 << 20

// ResultStore decides whether a task result is persisted inline or
// externalized to object storage and referenced by path.
type ResultStore interface {
	Externalize(ctx context.Context, key string, payload map[string]any) (map[string]any, error)
}

// Uploader writes one object. Satisfied by the GCS bucket client and by
// in-memory fakes in tests.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte) error
}

type store struct {
	log   *logger.Logger
	up    Uploader
	limit int
}

func NewStore(baseLog *logger.Logger, up Uploader, limit int) ResultStore {
	if limit <= 0 {
		limit = DefaultInlineLimit
	}
	return &store{
		log:   baseLog.With("service", "ResultStore"),
		up:    up,
		limit: limit,
	}
}

// Externalize returns the payload to persist. Payloads at or under the
// inline limit pass through untouched; larger ones are uploaded to
// results/<key>.json and replaced by a blob reference.
func (s *store) Externalize(ctx context.Context, key string, payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode result payload: %w", err)
	}
	if len(raw) <= s.limit {
		return payload, nil
	}
	path := fmt.Sprintf("results/%s.json", key)
	if err := s.up.Upload(ctx, path, raw); err != nil {
		return nil, fmt.Errorf("externalize result %s: %w", key, err)
	}
	s.log.Info("result externalized", "key", key, "path", path, "bytes", len(raw))
	return map[string]any{"blob_ref": path, "bytes": len(raw)}, nil
}

type passthrough struct{}

// NewPassthrough returns a ResultStore that always stores inline. Used when
// no bucket is configured.
func NewPassthrough() ResultStore { return passthrough{} }

func (passthrough) Externalize(_ context.Context, _ string, payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	return payload, nil
}
