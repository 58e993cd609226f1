package preview

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image/color"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
)

func pngCandidate(t *testing.T, width, height int) *diagnosis.ImageCandidate {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(width, height, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return &diagnosis.ImageCandidate{Filename: "fundus.png", MIMEType: "image/png", Bytes: buf.Bytes(), Source: diagnosis.SourceDrop}
}

func TestRenderDownscalesImages(t *testing.T) {
	p := Render(pngCandidate(t, 1024, 768), 256)
	if p.ContentType != "image/jpeg" {
		t.Fatalf("expected jpeg thumbnail, got %s", p.ContentType)
	}
	img, err := imaging.Decode(bytes.NewReader(p.Data))
	if err != nil {
		t.Fatalf("thumbnail does not decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 256 || b.Dy() != 192 {
		t.Fatalf("unexpected thumbnail size %dx%d", b.Dx(), b.Dy())
	}
}

func TestRenderKeepsNonImageBytes(t *testing.T) {
	candidate := &diagnosis.ImageCandidate{Filename: "scan.dcm", MIMEType: "application/dicom", Bytes: []byte("not an image")}
	p := Render(candidate, 0)
	if p.ContentType != "application/dicom" || string(p.Data) != "not an image" {
		t.Fatalf("unexpected passthrough preview %+v", p)
	}
}

// oversizedPNG returns a tiny PNG whose header declares width x height.
func oversizedPNG(t *testing.T, width, height uint32) []byte {
	t.Helper()
	data := append([]byte(nil), pngCandidate(t, 1, 1).Bytes...)
	// signature(8) length(4) "IHDR"(4) width(4) height(4) ... crc at 29
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestRenderSkipsDecodeAboveBudget(t *testing.T) {
	data := oversizedPNG(t, 20000, 20000)
	candidate := &diagnosis.ImageCandidate{Filename: "bomb.png", MIMEType: "image/png", Bytes: data}

	if withinDecodeBudget(data) {
		t.Fatal("a 400 MP header must exceed the decode budget")
	}
	p := Render(candidate, 64)
	if p.ContentType != "image/png" || !bytes.Equal(p.Data, data) {
		t.Fatalf("expected passthrough preview, got %s with %d bytes", p.ContentType, len(p.Data))
	}
}

func TestDecodeBudgetAcceptsOrdinaryImages(t *testing.T) {
	if !withinDecodeBudget(pngCandidate(t, 40, 30).Bytes) {
		t.Fatal("small images must be decoded")
	}
	if !withinDecodeBudget(oversizedPNG(t, 6000, 6000)) {
		t.Fatal("36 MP is within the budget")
	}
	if withinDecodeBudget([]byte("plain text")) {
		t.Fatal("unknown formats must not be decoded")
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(64)

	handle, err := store.Acquire(ctx, "s-1", store.Render(pngCandidate(t, 10, 10)))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if store.Live("s-1") != 1 {
		t.Fatalf("expected one live handle, got %d", store.Live("s-1"))
	}
	if _, err := store.Open(ctx, handle); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := store.Release(ctx, handle); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
	if _, err := store.Open(ctx, handle); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after release, got %v", err)
	}
	if err := store.Release(ctx, handle); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double release, got %v", err)
	}
}

type stubCache struct {
	values  map[string]string
	setErrs []error
	sets    int
}

func newStubCache() *stubCache {
	return &stubCache{values: make(map[string]string)}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.sets++
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	value, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

func (s *stubCache) Del(ctx context.Context, key string) (int64, error) {
	if _, ok := s.values[key]; !ok {
		return 0, nil
	}
	delete(s.values, key)
	return 1, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := newStubCache()
	store := NewRedisStore(cache, time.Hour, 32, zap.NewNop())

	candidate := &diagnosis.ImageCandidate{Filename: "raw.bin", MIMEType: "application/octet-stream", Bytes: []byte{1, 2, 3}}
	handle, err := store.Acquire(ctx, "s-1", store.Render(candidate))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	p, err := store.Open(ctx, handle)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(p.Data, []byte{1, 2, 3}) {
		t.Fatalf("unexpected payload %v", p.Data)
	}

	if err := store.Release(ctx, handle); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := store.Open(ctx, handle); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Release(ctx, handle); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double release, got %v", err)
	}
}

func TestRedisStoreRetriesTransientSet(t *testing.T) {
	cache := newStubCache()
	cache.setErrs = []error{timeoutError{}}
	store := NewRedisStore(cache, time.Hour, 32, zap.NewNop())
	store.policy.InitialBackoff = time.Millisecond

	if _, err := store.Acquire(context.Background(), "s-1", store.Render(pngCandidate(t, 4, 4))); err != nil {
		t.Fatalf("expected acquire to succeed after retry, got %v", err)
	}
	if cache.sets != 2 {
		t.Fatalf("expected 2 set attempts, got %d", cache.sets)
	}
}

func TestRedisStoreMissIsNotAnError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	store := NewRedisStore(newStubCache(), time.Hour, 32, zap.New(core))

	if _, err := store.Open(context.Background(), Handle("expired")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := logs.FilterLevelExact(zapcore.ErrorLevel).Len(); n != 0 {
		t.Fatalf("a cache miss must not log errors, got %d", n)
	}
}
