package processor

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"

	"github.com/adverant/nexus/labelscan-worker/internal/errors"
)

type fakeEngine struct {
	provider   ProviderID
	confidence int
	text       string
	err        error
	calls      int32
}

func (f *fakeEngine) Provider() ProviderID { return f.provider }

func (f *fakeEngine) Recognize(ctx context.Context, in *RecognitionInput) (*RecognitionResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	text := f.text
	if text == "" {
		text = "Белки 10 г"
	}
	return &RecognitionResult{
		Text:       text,
		RawText:    text,
		Confidence: f.confidence,
		Provider:   f.provider,
		ModelName:  string(f.provider) + "-model",
	}, nil
}

func (f *fakeEngine) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

func succeeding(p ProviderID, confidence int) *fakeEngine {
	return &fakeEngine{provider: p, confidence: confidence}
}

func failing(p ProviderID) *fakeEngine {
	return &fakeEngine{provider: p, err: errors.NewUnreachableError(string(p), "m", stderrors.New("connection refused"))}
}

type fakeSet struct {
	local, fast, structured, advanced *fakeEngine
}

func (s fakeSet) engines() Engines {
	return Engines{Local: s.local, Fast: s.fast, Structured: s.structured, Advanced: s.advanced}
}

func (s fakeSet) remoteCalls() int {
	return s.fast.Calls() + s.structured.Calls() + s.advanced.Calls()
}

func runCascade(t *testing.T, set fakeSet, tier Tier) (*RecognitionResult, error) {
	t.Helper()
	c := NewCascade(set.engines(), DefaultThresholds())
	return c.Recognize(context.Background(), tier, &RecognitionInput{JobID: "job-1", Image: []byte{1, 2, 3}})
}

func TestFastTierConfidentLocalMakesNoRemoteCall(t *testing.T) {
	set := fakeSet{
		local:      succeeding(ProviderLocalTesseract, 80),
		fast:       succeeding(ProviderVisionFast, 95),
		structured: succeeding(ProviderVisionStructured, 95),
		advanced:   succeeding(ProviderVisionAdvanced, 95),
	}

	res, err := runCascade(t, set, TierFast)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Provider != ProviderLocalTesseract || res.Confidence != 80 {
		t.Errorf("got %s/%d, want local/80", res.Provider, res.Confidence)
	}
	if n := set.remoteCalls(); n != 0 {
		t.Errorf("remote calls = %d, want 0", n)
	}
	if res.Fallback {
		t.Error("accepted result must not be flagged as fallback")
	}
}

func TestFastTierLowLocalEscalatesToRemoteFast(t *testing.T) {
	set := fakeSet{
		local:      succeeding(ProviderLocalTesseract, 79),
		fast:       succeeding(ProviderVisionFast, 85),
		structured: succeeding(ProviderVisionStructured, 95),
		advanced:   succeeding(ProviderVisionAdvanced, 95),
	}

	res, err := runCascade(t, set, TierFast)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Provider != ProviderVisionFast {
		t.Errorf("provider = %s, want vision-fast", res.Provider)
	}
	if set.structured.Calls() != 0 || set.advanced.Calls() != 0 {
		t.Error("no engine after an accepted one may run")
	}
}

func TestLocalFailureStillTriesRemoteFast(t *testing.T) {
	for _, tier := range []Tier{TierFast, TierBalanced} {
		set := fakeSet{
			local:      failing(ProviderLocalTesseract),
			fast:       succeeding(ProviderVisionFast, 85),
			structured: succeeding(ProviderVisionStructured, 85),
			advanced:   succeeding(ProviderVisionAdvanced, 85),
		}

		res, err := runCascade(t, set, tier)
		if err != nil {
			t.Fatalf("%s: Recognize: %v", tier, err)
		}
		if set.fast.Calls() != 1 {
			t.Errorf("%s: remote-fast calls = %d, want 1", tier, set.fast.Calls())
		}
		if res.Provider != ProviderVisionFast {
			t.Errorf("%s: provider = %s", tier, res.Provider)
		}
	}
}

func TestBalancedEscalatesToStructured(t *testing.T) {
	set := fakeSet{
		local:      succeeding(ProviderLocalTesseract, 90),
		fast:       succeeding(ProviderVisionFast, 70),
		structured: succeeding(ProviderVisionStructured, 85),
		advanced:   succeeding(ProviderVisionAdvanced, 85),
	}

	res, err := runCascade(t, set, TierBalanced)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Provider != ProviderVisionStructured || res.Confidence != 85 {
		t.Errorf("got %s/%d, want structured/85", res.Provider, res.Confidence)
	}
	if set.advanced.Calls() != 0 {
		t.Error("advanced tier must not run after an accepted structured result")
	}
}

func TestBalancedNeverAcceptsLocalDirectly(t *testing.T) {
	set := fakeSet{
		local:      succeeding(ProviderLocalTesseract, 99),
		fast:       succeeding(ProviderVisionFast, 80),
		structured: succeeding(ProviderVisionStructured, 80),
		advanced:   succeeding(ProviderVisionAdvanced, 80),
	}

	res, err := runCascade(t, set, TierBalanced)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Provider != ProviderVisionFast {
		t.Errorf("provider = %s, want vision-fast", res.Provider)
	}
}

func TestLowLocalConfidenceForcesAdvanced(t *testing.T) {
	set := fakeSet{
		local:      succeeding(ProviderLocalTesseract, 50),
		fast:       succeeding(ProviderVisionFast, 60),
		structured: succeeding(ProviderVisionStructured, 60),
		advanced:   succeeding(ProviderVisionAdvanced, 40),
	}

	res, err := runCascade(t, set, TierBalanced)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	// terminal tier is accepted even below every threshold
	if res.Provider != ProviderVisionAdvanced || res.Confidence != 40 {
		t.Errorf("got %s/%d, want advanced/40", res.Provider, res.Confidence)
	}
	if res.Fallback {
		t.Error("terminal advanced result is accepted, not a fallback")
	}
}

func TestAdvancedTierWithFailingLocalReportsAdvancedProvider(t *testing.T) {
	set := fakeSet{
		local:      failing(ProviderLocalTesseract),
		fast:       succeeding(ProviderVisionFast, 95),
		structured: succeeding(ProviderVisionStructured, 95),
		advanced:   succeeding(ProviderVisionAdvanced, 85),
	}

	res, err := runCascade(t, set, TierAdvanced)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Provider != ProviderVisionAdvanced {
		t.Errorf("provider = %s, want vision-advanced", res.Provider)
	}
	if res.ModelName != "vision-advanced-model" {
		t.Errorf("model = %q", res.ModelName)
	}
	if set.fast.Calls() != 0 || set.structured.Calls() != 0 {
		t.Error("advanced tier skips the fast and structured tiers")
	}
}

func TestAllEnginesFailing(t *testing.T) {
	set := fakeSet{
		local:      failing(ProviderLocalTesseract),
		fast:       failing(ProviderVisionFast),
		structured: failing(ProviderVisionStructured),
		advanced:   failing(ProviderVisionAdvanced),
	}

	res, err := runCascade(t, set, TierBalanced)
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}
	if !errors.HasCode(err, errors.ErrorAllEnginesFailed) {
		t.Fatalf("error = %v, want ALL_ENGINES_FAILED", err)
	}
	if !errors.HasReason(err, errors.ReasonNoEngineSucceeded) {
		t.Errorf("reason mismatch: %v", err)
	}
	for _, e := range []*fakeEngine{set.local, set.fast, set.structured, set.advanced} {
		if e.Calls() != 1 {
			t.Errorf("%s calls = %d, want 1", e.provider, e.Calls())
		}
	}
}

func TestRemoteFailuresFallBackToLocal(t *testing.T) {
	set := fakeSet{
		local:      succeeding(ProviderLocalTesseract, 60),
		fast:       failing(ProviderVisionFast),
		structured: failing(ProviderVisionStructured),
		advanced:   failing(ProviderVisionAdvanced),
	}

	res, err := runCascade(t, set, TierFast)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Provider != ProviderLocalTesseract || res.Confidence != 60 {
		t.Errorf("got %s/%d, want local/60", res.Provider, res.Confidence)
	}
	if !res.Fallback {
		t.Error("expected fallback flag")
	}
	if set.advanced.Calls() != 1 {
		t.Error("local below 70 must try the advanced tier before falling back")
	}
}

func TestFallbackPrefersLaterEngineOnTie(t *testing.T) {
	set := fakeSet{
		local:      succeeding(ProviderLocalTesseract, 70),
		fast:       succeeding(ProviderVisionFast, 70),
		structured: succeeding(ProviderVisionStructured, 95),
		advanced:   succeeding(ProviderVisionAdvanced, 95),
	}

	res, err := runCascade(t, set, TierFast)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Provider != ProviderVisionFast {
		t.Errorf("provider = %s, want vision-fast", res.Provider)
	}
	if set.advanced.Calls() != 0 {
		t.Error("local at exactly 70 must not force the advanced tier")
	}
}

func TestConfidenceIsClamped(t *testing.T) {
	tests := []struct {
		raw  int
		want int
	}{
		{raw: 150, want: 100},
		{raw: -5, want: 0},
	}

	for _, tt := range tests {
		set := fakeSet{
			local:      failing(ProviderLocalTesseract),
			fast:       failing(ProviderVisionFast),
			structured: failing(ProviderVisionStructured),
			advanced:   succeeding(ProviderVisionAdvanced, tt.raw),
		}
		res, err := runCascade(t, set, TierAdvanced)
		if err != nil {
			t.Fatalf("Recognize: %v", err)
		}
		if res.Confidence != tt.want {
			t.Errorf("raw %d: confidence = %d, want %d", tt.raw, res.Confidence, tt.want)
		}
	}
}

func TestConfidenceAlwaysInRange(t *testing.T) {
	confidences := []int{-20, 0, 50, 69, 70, 74, 75, 79, 80, 100, 250}
	for _, tier := range []Tier{TierFast, TierBalanced, TierAdvanced} {
		for _, lc := range confidences {
			for _, rc := range confidences {
				set := fakeSet{
					local:      succeeding(ProviderLocalTesseract, lc),
					fast:       succeeding(ProviderVisionFast, rc),
					structured: succeeding(ProviderVisionStructured, rc),
					advanced:   succeeding(ProviderVisionAdvanced, rc),
				}
				res, err := runCascade(t, set, tier)
				if err != nil {
					t.Fatalf("%s %d/%d: %v", tier, lc, rc, err)
				}
				if res.Confidence < 0 || res.Confidence > 100 {
					t.Fatalf("%s %d/%d: confidence %d out of range", tier, lc, rc, res.Confidence)
				}
				for _, a := range res.Attempts {
					if a.Provider == res.Provider && a.Accepted && a.Confidence != res.Confidence {
						t.Fatalf("accepted attempt confidence %d differs from result %d", a.Confidence, res.Confidence)
					}
				}
			}
		}
	}
}

func TestAttemptTrail(t *testing.T) {
	set := fakeSet{
		local:      failing(ProviderLocalTesseract),
		fast:       succeeding(ProviderVisionFast, 60),
		structured: succeeding(ProviderVisionStructured, 80),
		advanced:   succeeding(ProviderVisionAdvanced, 80),
	}

	res, err := runCascade(t, set, TierBalanced)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}

	want := []struct {
		provider ProviderID
		accepted bool
		failed   bool
	}{
		{ProviderLocalTesseract, false, true},
		{ProviderVisionFast, false, false},
		{ProviderVisionStructured, true, false},
	}
	if len(res.Attempts) != len(want) {
		t.Fatalf("attempts = %+v", res.Attempts)
	}
	for i, w := range want {
		a := res.Attempts[i]
		if a.Provider != w.provider || a.Accepted != w.accepted || (a.Error != "") != w.failed {
			t.Errorf("attempt %d = %+v, want %+v", i, a, w)
		}
	}
}

func TestCustomThresholds(t *testing.T) {
	set := fakeSet{
		local:      succeeding(ProviderLocalTesseract, 65),
		fast:       succeeding(ProviderVisionFast, 95),
		structured: succeeding(ProviderVisionStructured, 95),
		advanced:   succeeding(ProviderVisionAdvanced, 95),
	}
	c := NewCascade(set.engines(), Thresholds{LocalAccept: 60, RemoteAccept: 75, LocalEscalate: 50})

	res, err := c.Recognize(context.Background(), TierFast, &RecognitionInput{Image: []byte{1}})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Provider != ProviderLocalTesseract {
		t.Errorf("provider = %s, want local", res.Provider)
	}
}

func TestResultCarriesExtractedData(t *testing.T) {
	set := fakeSet{
		local:      &fakeEngine{provider: ProviderLocalTesseract, confidence: 90, text: "Калории: 150 ккал, Белки: 10 г, Жиры: 5 г, Углеводы: 20 г"},
		fast:       succeeding(ProviderVisionFast, 90),
		structured: succeeding(ProviderVisionStructured, 90),
		advanced:   succeeding(ProviderVisionAdvanced, 90),
	}

	res, err := runCascade(t, set, TierFast)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	d := res.ExtractedData
	if d.Calories == nil || *d.Calories != 150 || d.Protein == nil || *d.Protein != 10 ||
		d.Fats == nil || *d.Fats != 5 || d.Carbs == nil || *d.Carbs != 20 {
		t.Errorf("unexpected extracted data: %+v", d)
	}
}

func TestMissingEnginesAreSkipped(t *testing.T) {
	fast := succeeding(ProviderVisionFast, 90)
	c := NewCascade(Engines{Fast: fast}, DefaultThresholds())

	res, err := c.Recognize(context.Background(), TierFast, &RecognitionInput{Image: []byte{1}})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Provider != ProviderVisionFast {
		t.Errorf("provider = %s", res.Provider)
	}
}

func TestCancelledContextStopsEscalation(t *testing.T) {
	set := fakeSet{
		local:      succeeding(ProviderLocalTesseract, 90),
		fast:       succeeding(ProviderVisionFast, 90),
		structured: succeeding(ProviderVisionStructured, 90),
		advanced:   succeeding(ProviderVisionAdvanced, 90),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCascade(set.engines(), DefaultThresholds()).Recognize(ctx, TierBalanced, &RecognitionInput{Image: []byte{1}})

	if !errors.HasCode(err, errors.ErrorAllEnginesFailed) {
		t.Fatalf("error = %v, want ALL_ENGINES_FAILED", err)
	}
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled: %v", err)
	}
	if set.local.Calls()+set.remoteCalls() != 0 {
		t.Error("no engine may run on a cancelled context")
	}
}
