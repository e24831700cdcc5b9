/**
 * Recognition Cascade - tier selection and escalation
 *
 * Engines run strictly one after another, cheapest first. The policy lives in
 * an ordered table of escalation steps evaluated by a single loop:
 *
 *   local       always runs; accepted for tier fast at >= LocalAccept
 *   fast        tiers fast, balanced; accepted at >= RemoteAccept
 *   structured  tier balanced; accepted at >= RemoteAccept
 *   advanced    tier advanced, or local below LocalEscalate; accepted at any confidence
 *
 * With nothing accepted, the best result obtained so far is returned
 * (ties go to the later engine). With no result at all the cascade fails
 * with ALL_ENGINES_FAILED.
 */

package processor

import (
	"context"
	"time"

	"github.com/adverant/nexus/labelscan-worker/internal/errors"
	"github.com/adverant/nexus/labelscan-worker/internal/logging"
	"github.com/adverant/nexus/labelscan-worker/internal/nutrition"
)

// Thresholds are the escalation confidence cut-offs (0-100)
type Thresholds struct {
	LocalAccept   int // local result is final for tier fast at or above this
	RemoteAccept  int // fast/structured result is final at or above this
	LocalEscalate int // local below this forces the advanced tier
}

// DefaultThresholds returns 80/75/70
func DefaultThresholds() Thresholds {
	return Thresholds{LocalAccept: 80, RemoteAccept: 75, LocalEscalate: 70}
}

// Engines groups the four adapters; a nil engine is skipped
type Engines struct {
	Local      Engine
	Fast       Engine
	Structured Engine
	Advanced   Engine
}

type tierSet map[Tier]bool

// escalationStep is one row of the escalation table
type escalationStep struct {
	engine         Engine
	local          bool
	runFor         tierSet
	acceptFor      tierSet
	minConfidence  int
	whenLocalBelow int // also run when the local confidence is below this (0 disables)
}

func (s escalationStep) applies(tier Tier, localConfidence int) bool {
	if s.runFor[tier] {
		return true
	}
	return s.whenLocalBelow > 0 && localConfidence < s.whenLocalBelow
}

func (s escalationStep) accepts(tier Tier, confidence int) bool {
	return s.acceptFor[tier] && confidence >= s.minConfidence
}

var allTiers = tierSet{TierFast: true, TierBalanced: true, TierAdvanced: true}

// Cascade runs the escalation policy over a set of engines
type Cascade struct {
	steps  []escalationStep
	logger *logging.Logger
}

// NewCascade builds the escalation table from engines and thresholds
func NewCascade(engines Engines, th Thresholds) *Cascade {
	steps := []escalationStep{
		{
			engine:        engines.Local,
			local:         true,
			runFor:        allTiers,
			acceptFor:     tierSet{TierFast: true},
			minConfidence: th.LocalAccept,
		},
		{
			engine:        engines.Fast,
			runFor:        tierSet{TierFast: true, TierBalanced: true},
			acceptFor:     allTiers,
			minConfidence: th.RemoteAccept,
		},
		{
			engine:        engines.Structured,
			runFor:        tierSet{TierBalanced: true},
			acceptFor:     allTiers,
			minConfidence: th.RemoteAccept,
		},
		{
			engine:         engines.Advanced,
			runFor:         tierSet{TierAdvanced: true},
			acceptFor:      allTiers,
			minConfidence:  0,
			whenLocalBelow: th.LocalEscalate,
		},
	}

	return &Cascade{
		steps:  steps,
		logger: logging.NewLogger("Cascade"),
	}
}

// Recognize escalates through the engines for tier and returns the chosen result
// with its extracted nutrition data and the full attempt trail.
func (c *Cascade) Recognize(ctx context.Context, tier Tier, in *RecognitionInput) (*RecognitionResult, error) {
	startTime := time.Now()

	var (
		attempts    []Attempt
		failures    []error
		candidates  []*RecognitionResult
		candidateAt []int // index into attempts
	)
	// a local engine that failed or is missing counts as confidence 0
	localConfidence := 0

	for _, step := range c.steps {
		if ctx.Err() != nil {
			c.logger.Warn("Escalation stopped: context done", "jobId", in.JobID, "tier", tier, "error", ctx.Err())
			failures = append(failures, ctx.Err())
			break
		}
		if step.engine == nil {
			continue
		}

		provider := step.engine.Provider()
		if !step.applies(tier, localConfidence) {
			c.logger.Debug("Skipping engine", "jobId", in.JobID, "provider", provider, "tier", tier,
				"localConfidence", localConfidence)
			continue
		}

		c.logger.Info("Attempting engine", "jobId", in.JobID, "provider", provider, "tier", tier)
		attemptStart := time.Now()
		result, err := step.engine.Recognize(ctx, in)
		attempt := Attempt{Provider: provider, DurationMs: time.Since(attemptStart).Milliseconds()}

		if err != nil {
			attempt.Error = err.Error()
			if re, ok := errors.AsRecognitionError(err); ok {
				attempt.Model = re.Model
			}
			attempts = append(attempts, attempt)
			failures = append(failures, err)
			c.logger.Warn("Engine failed, escalating", "jobId", in.JobID, "provider", provider, "tier", tier, "error", err)
			continue
		}

		result.Confidence = clampConfidence(result.Confidence)
		attempt.Model = result.ModelName
		attempt.Confidence = result.Confidence
		attempts = append(attempts, attempt)
		candidates = append(candidates, result)
		candidateAt = append(candidateAt, len(attempts)-1)

		if step.local {
			localConfidence = result.Confidence
		}

		if step.accepts(tier, result.Confidence) {
			c.logger.Info("Engine result accepted", "jobId", in.JobID, "provider", provider, "tier", tier,
				"confidence", result.Confidence, "threshold", step.minConfidence)
			attempts[len(attempts)-1].Accepted = true
			return c.finish(result, attempts, false, startTime), nil
		}

		c.logger.Info("Engine result below threshold, escalating", "jobId", in.JobID, "provider", provider,
			"tier", tier, "confidence", result.Confidence, "threshold", step.minConfidence)
	}

	if len(candidates) == 0 {
		c.logger.Error("All engines failed", "jobId", in.JobID, "tier", tier, "attempts", len(attempts))
		return nil, errors.NewAllEnginesFailedError(failures).WithJobID(in.JobID)
	}

	best := 0
	for i, r := range candidates {
		if r.Confidence >= candidates[best].Confidence {
			best = i
		}
	}
	attempts[candidateAt[best]].Accepted = true

	chosen := candidates[best]
	c.logger.Warn("No engine met its threshold, returning best result", "jobId", in.JobID,
		"provider", chosen.Provider, "tier", tier, "confidence", chosen.Confidence)

	return c.finish(chosen, attempts, true, startTime), nil
}

func (c *Cascade) finish(result *RecognitionResult, attempts []Attempt, fallback bool, startTime time.Time) *RecognitionResult {
	result.ExtractedData = nutrition.Extract(result.Text)
	result.Attempts = attempts
	result.Fallback = fallback
	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	return result
}
