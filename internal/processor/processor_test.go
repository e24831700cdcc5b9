package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adverant/nexus/labelscan-worker/internal/errors"
	"github.com/adverant/nexus/labelscan-worker/internal/nutrition"
	"github.com/adverant/nexus/labelscan-worker/internal/storage"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00}

type recordingEngine struct {
	fakeEngine
	lastInput *RecognitionInput
}

func (r *recordingEngine) Recognize(ctx context.Context, in *RecognitionInput) (*RecognitionResult, error) {
	r.lastInput = in
	return r.fakeEngine.Recognize(ctx, in)
}

type fakeStore struct {
	updates []*storage.JobUpdate
}

func (f *fakeStore) UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

func newTestProcessor(t *testing.T, engines Engines, store JobStatusStore) *LabelProcessor {
	t.Helper()
	p, err := NewLabelProcessor(&ProcessorConfig{
		Engines:      engines,
		MaxImageSize: 1024,
		JobStore:     store,
	})
	if err != nil {
		t.Fatalf("NewLabelProcessor: %v", err)
	}
	p.downloadBackoff = time.Millisecond
	return p
}

func TestNewLabelProcessorRequiresEngine(t *testing.T) {
	if _, err := NewLabelProcessor(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewLabelProcessor(&ProcessorConfig{}); err == nil {
		t.Error("expected error without engines")
	}
}

func TestProcessLabelPipeline(t *testing.T) {
	local := &recordingEngine{fakeEngine: fakeEngine{
		provider:   ProviderLocalTesseract,
		confidence: 92,
		text:       "Энергетическая ценность 1046 кДж\nБелки 500 мг\nЖиры 3 г\nУглеводы 15000 г",
	}}
	p := newTestProcessor(t, Engines{Local: local}, nil)

	res, err := p.ProcessLabel(context.Background(), &ScanRequest{
		JobID:     "job-1",
		Image:     pngHeader,
		Tier:      "fast",
		Normalize: true,
	})
	if err != nil {
		t.Fatalf("ProcessLabel: %v", err)
	}

	if res.Tier != TierFast || res.Recognition.Provider != ProviderLocalTesseract {
		t.Errorf("tier/provider = %s/%s", res.Tier, res.Recognition.Provider)
	}
	if local.lastInput.MimeType != "image/png" {
		t.Errorf("mime type = %q, want sniffed image/png", local.lastInput.MimeType)
	}

	d := res.Recognition.ExtractedData
	if d.Calories == nil || *d.Calories != 250 {
		t.Errorf("calories = %v, want 250 after normalization", d.Calories)
	}
	if d.Protein == nil || *d.Protein != 0.5 {
		t.Errorf("protein = %v, want 0.5", d.Protein)
	}
	if len(res.Conversions) != 2 {
		t.Errorf("conversions = %+v", res.Conversions)
	}

	// carbs stay unclamped and are reported
	if res.Validation.Valid || len(res.Validation.Errors) != 1 {
		t.Errorf("validation = %+v", res.Validation)
	}
	if d.Carbs == nil || *d.Carbs != 15000 {
		t.Errorf("carbs = %v, want 15000", d.Carbs)
	}
}

func TestProcessLabelWithoutNormalizeKeepsUnits(t *testing.T) {
	local := succeeding(ProviderLocalTesseract, 90)
	local.text = "Энергетическая ценность 1046 кДж"
	p := newTestProcessor(t, Engines{Local: local}, nil)

	res, err := p.ProcessLabel(context.Background(), &ScanRequest{Image: pngHeader, Tier: "fast"})
	if err != nil {
		t.Fatalf("ProcessLabel: %v", err)
	}
	d := res.Recognition.ExtractedData
	if d.Calories == nil || *d.Calories != 1046 || d.Units[nutrition.FieldCalories] != nutrition.UnitKilojoule {
		t.Errorf("normalization must be opt-in: %+v", d)
	}
	if res.Conversions != nil {
		t.Errorf("unexpected conversions: %+v", res.Conversions)
	}
}

func TestProcessLabelDefaultsToBalanced(t *testing.T) {
	local := succeeding(ProviderLocalTesseract, 95)
	fast := succeeding(ProviderVisionFast, 85)
	p := newTestProcessor(t, Engines{Local: local, Fast: fast}, nil)

	res, err := p.ProcessLabel(context.Background(), &ScanRequest{Image: pngHeader})
	if err != nil {
		t.Fatalf("ProcessLabel: %v", err)
	}
	if res.Tier != TierBalanced || res.Recognition.Provider != ProviderVisionFast {
		t.Errorf("tier/provider = %s/%s", res.Tier, res.Recognition.Provider)
	}
}

func TestProcessLabelHonoursZeroThresholds(t *testing.T) {
	tests := []struct {
		name       string
		thresholds *Thresholds
		provider   ProviderID
		fastCalls  int
	}{
		{name: "unset uses defaults", thresholds: nil, provider: ProviderVisionFast, fastCalls: 1},
		{name: "explicit zero accepts local", thresholds: &Thresholds{}, provider: ProviderLocalTesseract, fastCalls: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fast := succeeding(ProviderVisionFast, 90)
			p, err := NewLabelProcessor(&ProcessorConfig{
				Engines:    Engines{Local: succeeding(ProviderLocalTesseract, 30), Fast: fast},
				Thresholds: tt.thresholds,
			})
			if err != nil {
				t.Fatalf("NewLabelProcessor: %v", err)
			}

			res, err := p.ProcessLabel(context.Background(), &ScanRequest{Image: pngHeader, Tier: "fast"})
			if err != nil {
				t.Fatalf("ProcessLabel: %v", err)
			}
			if res.Recognition.Provider != tt.provider {
				t.Errorf("provider = %s, want %s", res.Recognition.Provider, tt.provider)
			}
			if fast.Calls() != tt.fastCalls {
				t.Errorf("fast calls = %d, want %d", fast.Calls(), tt.fastCalls)
			}
		})
	}
}

func TestProcessLabelInvalidRequests(t *testing.T) {
	p := newTestProcessor(t, Engines{Local: succeeding(ProviderLocalTesseract, 90)}, nil)

	tests := []struct {
		name string
		req  *ScanRequest
	}{
		{name: "nil", req: nil},
		{name: "unknown tier", req: &ScanRequest{Image: pngHeader, Tier: "premium"}},
		{name: "no image", req: &ScanRequest{}},
		{name: "too large", req: &ScanRequest{Image: make([]byte, 2048)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ProcessLabel(context.Background(), tt.req)
			if !errors.HasCode(err, errors.ErrorInvalidRequest) {
				t.Fatalf("error = %v, want INVALID_REQUEST", err)
			}
		})
	}
}

func TestProcessLabelDownloadsWithRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(pngHeader)
	}))
	defer srv.Close()

	local := &recordingEngine{fakeEngine: fakeEngine{provider: ProviderLocalTesseract, confidence: 90}}
	p := newTestProcessor(t, Engines{Local: local}, nil)

	if _, err := p.ProcessLabel(context.Background(), &ScanRequest{ImageURL: srv.URL, Tier: "fast"}); err != nil {
		t.Fatalf("ProcessLabel: %v", err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("server hits = %d, want 3", hits)
	}
	if string(local.lastInput.Image) != string(pngHeader) {
		t.Error("downloaded bytes not passed to the engine")
	}
}

func TestDownloadDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestProcessor(t, Engines{Local: succeeding(ProviderLocalTesseract, 90)}, nil)

	if _, err := p.ProcessLabel(context.Background(), &ScanRequest{ImageURL: srv.URL}); err == nil {
		t.Fatal("expected download error")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("server hits = %d, want 1", hits)
	}
}

func TestDownloadRejectsOversizedImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	p := newTestProcessor(t, Engines{Local: succeeding(ProviderLocalTesseract, 90)}, nil)

	_, err := p.ProcessLabel(context.Background(), &ScanRequest{ImageURL: srv.URL})
	if !errors.HasCode(err, errors.ErrorInvalidRequest) {
		t.Fatalf("error = %v, want INVALID_REQUEST", err)
	}
}

func TestUpdateJobStatusMapsMetadata(t *testing.T) {
	store := &fakeStore{}
	p := newTestProcessor(t, Engines{Local: succeeding(ProviderLocalTesseract, 90)}, store)

	res, err := p.ProcessLabel(context.Background(), &ScanRequest{JobID: "job-7", Image: pngHeader, Tier: "fast"})
	if err != nil {
		t.Fatalf("ProcessLabel: %v", err)
	}
	if err := p.UpdateJobStatus(context.Background(), "job-7", storage.StatusCompleted, CompletedMetadata(res)); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	failure := errors.NewAllEnginesFailedError(nil).ToMap()
	if err := p.UpdateJobStatus(context.Background(), "job-8", storage.StatusFailed, failure); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	if len(store.updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(store.updates))
	}
	done := store.updates[0]
	if done.Provider != string(ProviderLocalTesseract) || done.Confidence != 90 || done.Tier != "fast" {
		t.Errorf("completed update = %+v", done)
	}
	failed := store.updates[1]
	if failed.ErrorCode != "ALL_ENGINES_FAILED" || failed.ErrorMessage == "" {
		t.Errorf("failed update = %+v", failed)
	}
}

func TestUpdateJobStatusWithoutStoreIsNoop(t *testing.T) {
	p := newTestProcessor(t, Engines{Local: succeeding(ProviderLocalTesseract, 90)}, nil)
	if err := p.UpdateJobStatus(context.Background(), "j", storage.StatusProcessing, nil); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
}

func TestDetectMimeTypeFromMagicBytes(t *testing.T) {
	tests := []struct {
		data []byte
		want string
	}{
		{data: pngHeader, want: "image/png"},
		{data: []byte{0xFF, 0xD8, 0xFF, 0xE0}, want: "image/jpeg"},
		{data: []byte("GIF89a.."), want: "image/gif"},
		{data: []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), want: "image/webp"},
		{data: []byte{0x49, 0x49, 0x2A, 0x00}, want: "image/tiff"},
		{data: []byte("BM\x00\x00"), want: "image/bmp"},
		{data: []byte("%PDF-1.7"), want: ""},
		{data: []byte{1, 2}, want: ""},
	}

	for _, tt := range tests {
		if got := detectMimeTypeFromMagicBytes(tt.data); got != tt.want {
			t.Errorf("detect(%q) = %q, want %q", tt.data, got, tt.want)
		}
	}
}

func TestParseTier(t *testing.T) {
	if tier, err := ParseTier("", TierBalanced); err != nil || tier != TierBalanced {
		t.Errorf("empty tier = %s, %v", tier, err)
	}
	if tier, err := ParseTier(" Advanced ", TierBalanced); err != nil || tier != TierAdvanced {
		t.Errorf("advanced tier = %s, %v", tier, err)
	}
	if _, err := ParseTier("turbo", TierBalanced); !errors.HasCode(err, errors.ErrorInvalidRequest) {
		t.Errorf("unknown tier error = %v", err)
	}
}
