/**
 * Extraction pipeline orchestrator
 *
 * Drives one document through the stage machine:
 *
 *   QUEUED -> PREPROCESS -> QUALITY_CHECK -> EXTRACT -> VALIDATE ->
 *   NORMALIZE -> PANEL_CHECK -> SUMMARY -> COMPLETED
 *
 * QUALITY_CHECK may end the document as REJECTED before any external call
 * is spent on it. Exhausted retries or a wall-clock timeout end it as
 * FAILED. Validation and normalization problems never abort: they
 * downgrade confidence and flag the outcome for human review.
 */

package pipeline

import (
	"context"
	"encoding/json"
	"image"
	"log"
	"time"

	"github.com/vitalscan/labextract-worker/internal/cache"
	apperrors "github.com/vitalscan/labextract-worker/internal/errors"
	"github.com/vitalscan/labextract-worker/internal/extract"
	"github.com/vitalscan/labextract-worker/internal/imaging"
	"github.com/vitalscan/labextract-worker/internal/logging"
	"github.com/vitalscan/labextract-worker/internal/normalize"
	"github.com/vitalscan/labextract-worker/internal/preprocess"
	"github.com/vitalscan/labextract-worker/internal/quality"
	"github.com/vitalscan/labextract-worker/internal/ratelimit"
	"github.com/vitalscan/labextract-worker/internal/storage"
)

// Stage names of the document state machine.
type Stage string

const (
	StageQueued       Stage = "QUEUED"
	StagePreprocess   Stage = "PREPROCESS"
	StageQualityCheck Stage = "QUALITY_CHECK"
	StageExtract      Stage = "EXTRACT"
	StageValidate     Stage = "VALIDATE"
	StageNormalize    Stage = "NORMALIZE"
	StagePanelCheck   Stage = "PANEL_CHECK"
	StageSummary      Stage = "SUMMARY"
	StageCompleted    Stage = "COMPLETED"
	StageRejected     Stage = "REJECTED"
	StageFailed       Stage = "FAILED"
)

// Outcome statuses.
const (
	StatusCompleted   = "completed"
	StatusRejected    = "rejected"
	StatusNeedsReview = "needs_review"
	StatusFailed      = "failed"
)

// Document is one unit of work from the queue.
type Document struct {
	ID    string
	JobID string
	Image []byte
}

// Outcome is the terminal result for a document.
type Outcome struct {
	DocumentID      string
	JobID           string
	Status          string
	FinalStage      Stage
	ExtractAttempts int // capability calls spent; 0 on a cache hit
	QualityReport   *quality.Report
	Confidence      float64
	NeedsReview     bool
	ReviewReasons   []string
	Panel           string
	Tests           []normalize.NormalizedTest
	PanelCheck      *PanelCheckResult
	Summary         *Summary
	NearDuplicates  []cache.SimilarMatch
	Timings         map[string]int64 // stage -> milliseconds
	Error           string
}

// Extractor is the vision capability surface the orchestrator needs.
type Extractor interface {
	Extract(ctx context.Context, documentID string, imagePNG []byte) (*extract.Extraction, error)
}

// Prober is the local OCR evidence source. May return (nil, nil) when
// disabled.
type Prober interface {
	Probe(ctx context.Context, imageData []byte) (*extract.ProbeResult, error)
}

// JobStore persists job state and outcomes. Nil-safe: a nil store turns
// persistence into a no-op, which the tests use.
type JobStore interface {
	UpdateJobStatus(ctx context.Context, jobID, documentID, status, stage, errMsg string, attempts int) error
	SaveOutcome(ctx context.Context, rec *storage.OutcomeRecord) error
	SaveFingerprint(ctx context.Context, documentID string, phash uint64) error
	RecentFingerprints(ctx context.Context, limit int) (map[string]uint64, error)
}

// ProgressTracker publishes per-stage progress for observers.
type ProgressTracker interface {
	Update(ctx context.Context, documentID, stage string)
}

// Config controls orchestration behaviour.
type Config struct {
	MaxRetries            int           // extra extract attempts after the first
	RetryBackoff          time.Duration // base delay between transient-failure retries
	Timeout               time.Duration // wall clock per document
	SimilarityMaxDistance int           // Hamming bound for near-duplicate warnings
	FingerprintScan       int           // how many recent fingerprints to compare against
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:            3,
		RetryBackoff:          time.Second,
		Timeout:               5 * time.Minute,
		SimilarityMaxDistance: 8,
		FingerprintScan:       500,
	}
}

// Orchestrator wires the pipeline components together.
type Orchestrator struct {
	cfg        Config
	gate       *quality.Gate
	pre        *preprocess.Preprocessor
	limiter    *ratelimit.Limiter
	cache      *cache.Manager
	normalizer *normalize.Normalizer
	extractor  Extractor
	probe      Prober
	store      JobStore
	tracker    ProgressTracker
	logger     *logging.Logger
}

// Dependencies collects the orchestrator's collaborators.
type Dependencies struct {
	Gate         *quality.Gate
	Preprocessor *preprocess.Preprocessor
	Limiter      *ratelimit.Limiter
	Cache        *cache.Manager
	Normalizer   *normalize.Normalizer
	Extractor    Extractor
	Probe        Prober
	Store        JobStore
	Tracker      ProgressTracker
}

func NewOrchestrator(cfg Config, deps Dependencies) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		gate:       deps.Gate,
		pre:        deps.Preprocessor,
		limiter:    deps.Limiter,
		cache:      deps.Cache,
		normalizer: deps.Normalizer,
		extractor:  deps.Extractor,
		probe:      deps.Probe,
		store:      deps.Store,
		tracker:    deps.Tracker,
		logger:     logging.NewLogger("pipeline"),
	}
}

// Process runs one document to a terminal state. The returned Outcome is
// always non-nil; the error is non-nil only for failed documents.
func (o *Orchestrator) Process(ctx context.Context, doc *Document) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	started := time.Now()
	out := &Outcome{
		DocumentID: doc.ID,
		JobID:      doc.JobID,
		Timings:    make(map[string]int64),
	}
	dlog := o.logger.WithDocument(doc.ID)

	// Step 1/7: preprocess (content-cached; a resumed document skips the
	// work entirely).
	o.enterStage(ctx, doc, out, StagePreprocess)
	log.Printf("[Job %s] Step 1/7: Preprocessing image (%d bytes)", doc.JobID, len(doc.Image))
	t := time.Now()
	prePNG, err := o.cache.Do(ctx, cache.Key("preprocess", doc.Image), func(ctx context.Context) ([]byte, error) {
		img, err := imaging.Decode(doc.Image)
		if err != nil {
			return nil, apperrors.NewDecodeFailedError(doc.ID, err)
		}
		res := o.pre.Process(img)
		return imaging.EncodePNG(res.Image)
	})
	out.Timings["preprocess"] = time.Since(t).Milliseconds()
	if err != nil {
		return o.fail(ctx, doc, out, started, err)
	}

	// Step 2/7: quality gate on the preprocessed image.
	o.enterStage(ctx, doc, out, StageQualityCheck)
	t = time.Now()
	preImg, err := imaging.Decode(prePNG)
	if err != nil {
		return o.fail(ctx, doc, out, started, apperrors.NewDecodeFailedError(doc.ID, err))
	}
	report := o.gate.Evaluate(preImg)
	out.QualityReport = report
	out.Timings["quality_check"] = time.Since(t).Milliseconds()
	log.Printf("[Job %s] Step 2/7: Quality score %.2f (accepted=%v)", doc.JobID, report.Score, report.Accepted)

	if !report.Accepted {
		return o.reject(ctx, doc, out, report)
	}

	// Near-duplicate advisory: a resubmitted photo of the same report is
	// worth a warning but not a rejection, since follow-up tests
	// legitimately look similar.
	o.fingerprint(ctx, doc, out, preImg, dlog)

	// Step 3/7: extract (content-cached and deduplicated; identical
	// concurrent submissions produce one capability call).
	o.enterStage(ctx, doc, out, StageExtract)
	t = time.Now()
	extractJSON, err := o.cache.Do(ctx, cache.Key("extract", prePNG), func(ctx context.Context) ([]byte, error) {
		return o.callCapability(ctx, doc, prePNG, &out.ExtractAttempts)
	})
	out.Timings["extract"] = time.Since(t).Milliseconds()
	if err != nil {
		return o.fail(ctx, doc, out, started, err)
	}

	var extraction extract.Extraction
	if err := json.Unmarshal(extractJSON, &extraction); err != nil {
		return o.fail(ctx, doc, out, started, apperrors.NewTransientCapabilityError(doc.ID, err))
	}
	log.Printf("[Job %s] Step 3/7: Extracted %d test rows", doc.JobID, len(extraction.Tests))

	// Step 4/7: structural validation + hallucination guard.
	o.enterStage(ctx, doc, out, StageValidate)
	t = time.Now()
	probeRes := o.runProbe(ctx, prePNG, dlog)
	vres := validateExtraction(&extraction, probeRes)
	out.Timings["validate"] = time.Since(t).Milliseconds()
	out.ReviewReasons = append(out.ReviewReasons, vres.Problems...)
	if vres.UnevidencedRows > 0 || len(extraction.Tests) == 0 {
		out.NeedsReview = true
		dlog.Warn("extraction flagged for review",
			"code", apperrors.ErrorValidationFlagged, "unevidenced_rows", vres.UnevidencedRows)
	}
	log.Printf("[Job %s] Step 4/7: Validation found %d problems", doc.JobID, len(vres.Problems))

	// Step 5/7: normalize names, values, ranges, flags.
	o.enterStage(ctx, doc, out, StageNormalize)
	t = time.Now()
	docRes := o.normalizer.NormalizeDocument(ctx, extraction.ReportText, extraction.Tests)
	out.Timings["normalize"] = time.Since(t).Milliseconds()
	out.Tests = docRes.Tests
	out.Panel = docRes.Panel
	if len(docRes.Tests) > 0 && docRes.UnmatchedRows*2 > len(docRes.Tests) {
		out.NeedsReview = true
		out.ReviewReasons = append(out.ReviewReasons, "more than half of test names could not be normalized")
		dlog.Warn("normalization ambiguous",
			"code", apperrors.ErrorNormalizationAmbiguous, "unmatched", docRes.UnmatchedRows, "total", len(docRes.Tests))
	}
	log.Printf("[Job %s] Step 5/7: Normalized %d rows (%d unmatched, %d assisted)",
		doc.JobID, len(docRes.Tests), docRes.UnmatchedRows, docRes.AssistCalls)

	// Step 6/7: panel completeness + plausibility.
	o.enterStage(ctx, doc, out, StagePanelCheck)
	t = time.Now()
	plausReasons, plausPenalty := validatePlausibility(out.Tests)
	panelRes := checkPanels(out.Tests)
	out.Timings["panel_check"] = time.Since(t).Milliseconds()
	out.PanelCheck = panelRes
	out.ReviewReasons = append(out.ReviewReasons, plausReasons...)
	out.ReviewReasons = append(out.ReviewReasons, panelRes.ReviewReasons...)
	if len(plausReasons) > 0 || panelRes.NeedsReview {
		out.NeedsReview = true
	}

	// Step 7/7: summary and confidence.
	o.enterStage(ctx, doc, out, StageSummary)
	out.Summary = buildSummary(extraction.ReportType, out.Panel, out.Tests)
	out.Confidence = o.confidence(report, &extraction, docRes, vres.ConfidencePenalty+plausPenalty)

	out.FinalStage = StageCompleted
	out.Status = StatusCompleted
	if out.NeedsReview {
		out.Status = StatusNeedsReview
	}
	out.Timings["total"] = time.Since(started).Milliseconds()
	log.Printf("[Job %s] Step 7/7: Done in %dms: status=%s confidence=%.2f review_reasons=%d",
		doc.JobID, out.Timings["total"], out.Status, out.Confidence, len(out.ReviewReasons))

	o.persist(ctx, doc, out, "")
	return out, nil
}

// callCapability is the paced, retried vision call. Overload responses
// shrink the shared rate budget and retry; transient failures back off and
// retry up to MaxRetries; anything else fails the document immediately.
func (o *Orchestrator) callCapability(ctx context.Context, doc *Document, prePNG []byte, spent *int) ([]byte, error) {
	var lastErr error
	attempts := o.cfg.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := o.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		*spent = attempt

		extraction, err := o.extractor.Extract(ctx, doc.ID, prePNG)
		if err == nil {
			o.limiter.RecordSuccess()
			return json.Marshal(extraction)
		}
		lastErr = err

		switch {
		case apperrors.IsOverload(err):
			// The reduced budget plus Acquire's blocking is the backoff.
			o.limiter.RecordFailure(true)
			log.Printf("[Job %s] Capability overloaded on attempt %d/%d, rate budget reduced", doc.JobID, attempt, attempts)
		case apperrors.IsTransient(err):
			o.limiter.RecordFailure(false)
			delay := time.Duration(attempt) * o.cfg.RetryBackoff
			log.Printf("[Job %s] Transient capability error on attempt %d/%d, retrying in %v: %v",
				doc.JobID, attempt, attempts, delay, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		default:
			o.limiter.RecordFailure(false)
			return nil, err
		}
	}
	return nil, apperrors.NewRetriesExhaustedError(doc.ID, attempts, lastErr)
}

// runProbe runs the OCR evidence probe, treating any failure as
// "check unavailable" rather than a document problem.
func (o *Orchestrator) runProbe(ctx context.Context, prePNG []byte, dlog *logging.Logger) *extract.ProbeResult {
	if o.probe == nil {
		return nil
	}
	res, err := o.probe.Probe(ctx, prePNG)
	if err != nil {
		dlog.Warn("OCR probe failed, skipping evidence check", "error", err)
		return nil
	}
	return res
}

// fingerprint computes the perceptual hash, warns about near-duplicates
// and records the hash for future comparisons. Entirely advisory.
func (o *Orchestrator) fingerprint(ctx context.Context, doc *Document, out *Outcome, img image.Image, dlog *logging.Logger) {
	if o.store == nil {
		return
	}

	hash := cache.PerceptualHash(img)

	candidates, err := o.store.RecentFingerprints(ctx, o.cfg.FingerprintScan)
	if err != nil {
		dlog.Warn("fingerprint lookup failed", "error", err)
	} else {
		delete(candidates, doc.ID)
		matches := o.cache.FindSimilar(hash, candidates, o.cfg.SimilarityMaxDistance)
		if len(matches) > 0 {
			out.NearDuplicates = matches
			dlog.Warn("possible duplicate submission",
				"closest", matches[0].ID, "distance", matches[0].Distance)
		}
	}

	if err := o.store.SaveFingerprint(ctx, doc.ID, hash); err != nil {
		dlog.Warn("fingerprint save failed", "error", err)
	}
}

// confidence blends row-level normalization confidence, the model's own
// estimate and the image quality score, then applies downgrades.
func (o *Orchestrator) confidence(report *quality.Report, ext *extract.Extraction, docRes *normalize.DocumentResult, penalty float64) float64 {
	rowConf := 0.0
	if len(docRes.Tests) > 0 {
		for _, t := range docRes.Tests {
			rowConf += t.Confidence
		}
		rowConf /= float64(len(docRes.Tests))
	}

	modelConf := ext.ModelConfidence
	if modelConf <= 0 || modelConf > 1 {
		modelConf = 0.5
	}

	c := 0.5*rowConf + 0.3*modelConf + 0.2*report.Score - penalty
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

// reject finalizes a quality-gate rejection. Terminal: no retry, no
// external call, resubmission requires a better photo.
func (o *Orchestrator) reject(ctx context.Context, doc *Document, out *Outcome, report *quality.Report) (*Outcome, error) {
	out.FinalStage = StageRejected
	out.Status = StatusRejected
	out.ReviewReasons = append(out.ReviewReasons, report.Issues...)
	qerr := apperrors.NewQualityRejectedError(doc.ID, report.Issues)
	log.Printf("[Job %s] Rejected at quality gate: score=%.2f issues=%v", doc.JobID, report.Score, report.Issues)
	o.persist(ctx, doc, out, qerr.Error())
	return out, nil
}

// fail finalizes a failed document.
func (o *Orchestrator) fail(ctx context.Context, doc *Document, out *Outcome, started time.Time, err error) (*Outcome, error) {
	if ctx.Err() == context.DeadlineExceeded {
		err = apperrors.NewTimeoutError(doc.ID, time.Since(started), err)
	}
	failedAt := out.FinalStage
	out.FinalStage = StageFailed
	out.Status = StatusFailed
	out.Error = err.Error()
	out.Timings["total"] = time.Since(started).Milliseconds()
	log.Printf("[Job %s] Failed at stage %s: %v", doc.JobID, failedAt, err)
	o.persist(ctx, doc, out, err.Error())
	return out, err
}

// enterStage records a stage transition with the store and tracker.
func (o *Orchestrator) enterStage(ctx context.Context, doc *Document, out *Outcome, stage Stage) {
	out.FinalStage = stage
	if o.tracker != nil {
		o.tracker.Update(ctx, doc.ID, string(stage))
	}
	if o.store != nil {
		if err := o.store.UpdateJobStatus(ctx, doc.JobID, doc.ID, "processing", string(stage), "", out.ExtractAttempts); err != nil {
			o.logger.Warn("job status update failed", "job_id", doc.JobID, "error", err)
		}
	}
}

// persist writes the terminal job state and outcome. Persistence uses a
// fresh context so a timed-out document still records its failure.
func (o *Orchestrator) persist(ctx context.Context, doc *Document, out *Outcome, errMsg string) {
	if o.tracker != nil {
		o.tracker.Update(ctx, doc.ID, string(out.FinalStage))
	}
	if o.store == nil {
		return
	}

	pctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if err := o.store.UpdateJobStatus(pctx, doc.JobID, doc.ID, out.Status, string(out.FinalStage), errMsg, out.ExtractAttempts); err != nil {
		o.logger.Error("final job status update failed", "job_id", doc.JobID, "error", err)
	}

	rec := &storage.OutcomeRecord{
		DocumentID:    out.DocumentID,
		JobID:         out.JobID,
		Status:        out.Status,
		Confidence:    out.Confidence,
		NeedsReview:   out.NeedsReview,
		ReviewReasons: out.ReviewReasons,
		Panel:         out.Panel,
		Summary:       out.Summary,
		Tests:         out.Tests,
		Timings:       out.Timings,
	}
	if out.QualityReport != nil {
		rec.QualityScore = out.QualityReport.Score
	}
	if err := o.store.SaveOutcome(pctx, rec); err != nil {
		o.logger.Error("outcome save failed", "document_id", out.DocumentID, "error", err)
	}
}
