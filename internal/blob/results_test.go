package blob

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/geoforge/rasterflow/internal/platform/logger"
)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeUploader) Upload(_ context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[path] = append([]byte(nil), data...)
	return nil
}

func TestExternalizeSmallPayloadStaysInline(t *testing.T) {
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	up := &fakeUploader{}
	s := NewStore(log, up, 1024)

	in := map[string]any{"rows": float64(3)}
	out, err := s.Externalize(context.Background(), "t1", in)
	if err != nil {
		t.Fatalf("Externalize: %v", err)
	}
	if out["rows"] != float64(3) {
		t.Fatalf("inline payload mutated: %v", out)
	}
	if len(up.objects) != 0 {
		t.Fatalf("small payload must not be uploaded, got %d objects", len(up.objects))
	}
}

func TestExternalizeLargePayloadUploads(t *testing.T) {
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	up := &fakeUploader{}
	s := NewStore(log, up, 64)

	in := map[string]any{"blob": strings.Repeat("x", 256)}
	out, err := s.Externalize(context.Background(), "job1-s1-0", in)
	if err != nil {
		t.Fatalf("Externalize: %v", err)
	}
	ref, ok := out["blob_ref"].(string)
	if !ok || ref != "results/job1-s1-0.json" {
		t.Fatalf("expected blob_ref, got %v", out)
	}
	if _, stored := up.objects[ref]; !stored {
		t.Fatalf("object %s not uploaded", ref)
	}
}

func TestPassthroughNeverNil(t *testing.T) {
	s := NewPassthrough()
	out, err := s.Externalize(context.Background(), "k", nil)
	if err != nil {
		t.Fatalf("Externalize: %v", err)
	}
	if out == nil {
		t.Fatal("nil payload must come back as empty map")
	}
}
