package scan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"cardscan/internal/models"
)

// Stage names the step a run is in, or the step it failed at.
type Stage string

const (
	StageReceive   Stage = "receive"
	StageInference Stage = "inference"
	StageParse     Stage = "parse"
)

// State is the lifecycle position of one run.
type State string

const (
	StateIdle     State = "idle"
	StateReceived State = "received"
	StateInferred State = "inferred"
	StateParsed   State = "parsed"
	StateFailed   State = "failed"
)

var transitions = map[State][]State{
	StateIdle:     {StateReceived, StateFailed},
	StateReceived: {StateInferred, StateFailed},
	StateInferred: {StateParsed, StateFailed},
}

const (
	DefaultInferenceTimeout = 60 * time.Second
	DefaultRetryBackoff     = 500 * time.Millisecond
	recordTimeout           = 5 * time.Second
)

// Result is the single terminal outcome of a run. Failure is nil on success.
type Result struct {
	RequestID string
	Record    models.CardRecord
	Failure   *Failure
	State     State
	Attempts  int
	Duration  time.Duration
}

func (r Result) OK() bool { return r.Failure == nil }

// Recorder receives one ScanEvent per run.
type Recorder interface {
	Record(ctx context.Context, ev *models.ScanEvent) error
}

type PipelineConfig struct {
	InferenceTimeout time.Duration
	MaxAttempts      int
	RetryBackoff     time.Duration
}

// Pipeline runs receive, inference and parse for one request at a time per
// call. It keeps no state between runs and is safe for concurrent use.
type Pipeline struct {
	receiver *Receiver
	analyzer Analyzer
	recorder Recorder
	logger   *zap.Logger
	cfg      PipelineConfig
}

func NewPipeline(receiver *Receiver, analyzer Analyzer, recorder Recorder, logger *zap.Logger, cfg PipelineConfig) *Pipeline {
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = DefaultInferenceTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		receiver: receiver,
		analyzer: analyzer,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
	}
}

type run struct {
	requestID string
	state     State
	stage     Stage
	started   time.Time
	image     *StagedImage
	attempts  int
}

func (r *run) advance(to State) {
	for _, next := range transitions[r.state] {
		if next == to {
			r.state = to
			return
		}
	}
	panic(fmt.Sprintf("scan: illegal transition %s -> %s", r.state, to))
}

// Run extracts a CardRecord from the image posted in req.
func (p *Pipeline) Run(ctx context.Context, req *http.Request, requestID string) Result {
	r := &run{requestID: requestID, state: StateIdle, started: time.Now()}
	defer func() {
		if err := r.image.Release(); err != nil {
			p.logger.Warn("release staged image", zap.String("request_id", requestID), zap.Error(err))
		}
	}()

	if err := ctx.Err(); err != nil {
		return p.finish(ctx, r, models.CardRecord{}, p.fail(r, newFailure(KindTransportError, "request abandoned before processing", err)))
	}

	r.stage = StageReceive
	img, failure := p.receiver.Receive(req)
	if failure != nil {
		return p.finish(ctx, r, models.CardRecord{}, p.fail(r, failure))
	}
	r.image = img
	r.advance(StateReceived)

	r.stage = StageInference
	answer, err := p.infer(ctx, r, NewExtractionRequest(img))
	if err != nil {
		return p.finish(ctx, r, models.CardRecord{}, p.fail(r, inferenceFailure(err)))
	}
	r.advance(StateInferred)

	r.stage = StageParse
	record, err := ParseAnswer(answer)
	if err != nil {
		f, ok := AsFailure(err)
		if !ok {
			f = malformed(answer, "parse answer", err)
		}
		return p.finish(ctx, r, models.CardRecord{}, p.fail(r, f))
	}
	r.advance(StateParsed)
	return p.finish(ctx, r, record, nil)
}

func (p *Pipeline) infer(ctx context.Context, r *run, req ExtractionRequest) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		r.attempts = attempt
		answer, err := p.analyzeOnce(ctx, req)
		if err == nil {
			return answer, nil
		}
		lastErr = err

		var perr *ProviderError
		if !errors.As(err, &perr) || !perr.Retryable() || attempt == p.cfg.MaxAttempts {
			break
		}
		p.logger.Warn("inference attempt failed, retrying",
			zap.String("request_id", r.requestID),
			zap.Int("attempt", attempt),
			zap.String("reason", string(perr.Reason)),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return "", NewProviderError(p.analyzer.Name(), 0, ctx.Err())
		case <-time.After(p.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}
	return "", lastErr
}

func (p *Pipeline) analyzeOnce(ctx context.Context, req ExtractionRequest) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.InferenceTimeout)
	defer cancel()
	answer, err := p.analyzer.Analyze(attemptCtx, req)
	if err == nil {
		return answer, nil
	}
	var perr *ProviderError
	if !errors.As(err, &perr) {
		perr = NewProviderError(p.analyzer.Name(), 0, err)
	}
	// The provider may report a generic error after our deadline fired.
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		perr.Reason = ReasonTimeout
	}
	return "", perr
}

func inferenceFailure(err error) *Failure {
	f := newFailure(KindInferenceError, "provider call failed", err)
	var perr *ProviderError
	if errors.As(err, &perr) {
		f.Reason = string(perr.Reason)
	}
	return f
}

func (p *Pipeline) fail(r *run, f *Failure) *Failure {
	if f.Stage == "" {
		f.Stage = r.stage
		if f.Stage == "" {
			f.Stage = StageReceive
		}
	}
	r.advance(StateFailed)
	return f
}

func (p *Pipeline) finish(ctx context.Context, r *run, record models.CardRecord, f *Failure) Result {
	res := Result{
		RequestID: r.requestID,
		Record:    record,
		Failure:   f,
		State:     r.state,
		Attempts:  r.attempts,
		Duration:  time.Since(r.started),
	}
	p.log(res)
	p.record(ctx, r, res)
	return res
}

func (p *Pipeline) log(res Result) {
	fields := []zap.Field{
		zap.String("request_id", res.RequestID),
		zap.String("provider", p.analyzer.Name()),
		zap.String("state", string(res.State)),
		zap.Int("attempts", res.Attempts),
		zap.Duration("duration", res.Duration),
	}
	if res.OK() {
		p.logger.Info("card extracted", fields...)
		return
	}
	f := res.Failure
	fields = append(fields,
		zap.String("kind", string(f.Kind)),
		zap.String("stage", string(f.Stage)),
		zap.String("reason", f.Reason),
		zap.String("detail", f.Detail),
		zap.Error(f.Err),
	)
	if f.Kind == KindMalformedAnswer {
		fields = append(fields, zap.String("raw_answer", f.RawAnswer))
	}
	switch f.Kind {
	case KindNoFileProvided, KindInvalidImage, KindPayloadTooLarge:
		p.logger.Info("card extraction rejected", fields...)
	default:
		p.logger.Error("card extraction failed", fields...)
	}
}

func (p *Pipeline) record(ctx context.Context, r *run, res Result) {
	if p.recorder == nil {
		return
	}
	ev := &models.ScanEvent{
		RequestID:  res.RequestID,
		Outcome:    models.OutcomeSuccess,
		Stage:      string(StageParse),
		Provider:   p.analyzer.Name(),
		Model:      p.analyzer.Model(),
		Attempts:   res.Attempts,
		DurationMS: res.Duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if r.image != nil {
		ev.MIMEType = r.image.MIMEType
		ev.ImageBytes = r.image.Size
	}
	if f := res.Failure; f != nil {
		ev.Outcome = models.OutcomeFailure
		ev.Stage = string(f.Stage)
		ev.ErrorKind = string(f.Kind)
		ev.Reason = f.Reason
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := p.recorder.Record(recCtx, ev); err != nil {
		p.logger.Warn("record scan event", zap.String("request_id", res.RequestID), zap.Error(err))
	}
}
