// Package batch runs generation for many features concurrently and exposes a
// pollable per-feature status model with retry and case deletion.
//
// Every feature slot holds an immutable *testcase.FeatureResult behind an
// atomic pointer. Changes publish a new value; readers never see a partial
// update.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/casegen/capability"
	"github.com/c360studio/casegen/dedup"
	"github.com/c360studio/casegen/embedding"
	"github.com/c360studio/casegen/generator"
	"github.com/c360studio/casegen/llm"
	"github.com/c360studio/casegen/model"
	"github.com/c360studio/casegen/testcase"
	"github.com/google/uuid"
)

// ErrInvalidState is returned when an operation does not apply to the
// current state: unknown batch, feature or case, or a status that does not
// allow the operation.
var ErrInvalidState = errors.New("invalid state")

// Sink receives the cases of an accepted feature.
type Sink interface {
	SaveCases(ctx context.Context, target, batchID, featureName string, cases []testcase.TestCase) error
}

// CapabilityFactory builds the capability bound to a resolved endpoint.
type CapabilityFactory func(ep model.Endpoint) capability.Capability

// Config tunes the orchestrator.
type Config struct {
	// AutoRetries is how many times a worker reruns a feature that failed
	// with llm.ErrProviderUnavailable before marking it failed.
	AutoRetries int
	// Generator is passed to every batch's generator.
	Generator generator.Config
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		AutoRetries: 1,
		Generator:   generator.DefaultConfig(),
	}
}

// Orchestrator owns all batches.
type Orchestrator struct {
	registry      *model.Registry
	newCapability CapabilityFactory
	embedder      embedding.Embedder
	sink          Sink
	metrics       *Metrics
	cfg           Config
	logger        *slog.Logger
	now           func() time.Time

	// ctx bounds every worker; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	batches map[string]*batchRun

	indexMu   sync.Mutex
	caseIndex map[string]caseRef
}

type caseRef struct {
	batchID   string
	featureID string
}

type batchRun struct {
	id        string
	createdAt time.Time
	provider  testcase.ProviderInfo
	generator *generator.Generator
	slots     []*slot

	notifyMu sync.Mutex
	notify   chan struct{}
}

type slot struct {
	id     string
	config testcase.FeatureConfig
	result atomic.Pointer[testcase.FeatureResult]
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEmbedder enables semantic deduplication for every batch.
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *Orchestrator) {
		o.embedder = e
	}
}

// WithSink sets the collaborator used by AcceptFeature.
func WithSink(s Sink) Option {
	return func(o *Orchestrator) {
		o.sink = s
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithConfig sets the orchestrator settings.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		if cfg.AutoRetries >= 0 {
			o.cfg.AutoRetries = cfg.AutoRetries
		}
		o.cfg.Generator = cfg.Generator
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator creates an orchestrator that resolves model selectors with
// registry and builds capabilities with newCapability.
func NewOrchestrator(registry *model.Registry, newCapability CapabilityFactory, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		registry:      registry,
		newCapability: newCapability,
		cfg:           DefaultConfig(),
		logger:        slog.Default(),
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
		batches:       make(map[string]*batchRun),
		caseIndex:     make(map[string]caseRef),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}

// Close cancels every running worker and waits for them to exit.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// StartBatch validates the features, resolves the model selector once and
// starts one worker per feature. It returns as soon as the workers are running.
func (o *Orchestrator) StartBatch(ctx context.Context, features []testcase.FeatureConfig, selector string) (string, error) {
	if err := o.ctx.Err(); err != nil {
		return "", fmt.Errorf("orchestrator closed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(features) == 0 {
		return "", fmt.Errorf("at least one feature is required")
	}
	for i, f := range features {
		if err := f.Validate(); err != nil {
			return "", fmt.Errorf("feature %d: %w", i, err)
		}
	}

	ep, err := o.registry.Resolve(selector)
	if err != nil {
		return "", fmt.Errorf("resolve model %q: %w", selector, err)
	}

	gen := generator.New(o.newCapability(ep), ep,
		generator.WithConfig(o.cfg.Generator),
		generator.WithEmbedder(o.embedder),
		generator.WithLogger(o.logger))

	b := &batchRun{
		id:        uuid.NewString(),
		createdAt: o.now().UTC(),
		provider: testcase.ProviderInfo{
			Endpoint: ep.Name,
			Kind:     string(ep.Provider),
			Model:    ep.Model,
		},
		generator: gen,
		slots:     make([]*slot, len(features)),
		notify:    make(chan struct{}),
	}
	for i, f := range features {
		s := &slot{id: uuid.NewString(), config: f}
		s.result.Store(&testcase.FeatureResult{
			FeatureID:   s.id,
			FeatureName: f.Name,
			Status:      testcase.FeatureStatusPending,
		})
		b.slots[i] = s
	}

	o.mu.Lock()
	o.batches[b.id] = b
	o.mu.Unlock()

	o.logger.Info("Batch started",
		"batch_id", b.id,
		"features", len(features),
		"endpoint", ep.Name,
		"provider", ep.Provider,
		"model", ep.Model)

	for _, s := range b.slots {
		cur := s.result.Load()
		next := cur.Clone()
		next.Status = testcase.FeatureStatusGenerating
		next.Attempts = 1
		next.StartedAt = o.now().UTC()
		if err := publish(s, cur, next); err == nil {
			o.launch(b, s)
		}
	}
	b.broadcast()

	return b.id, nil
}

// GetStatus returns a consistent snapshot of the batch.
func (o *Orchestrator) GetStatus(batchID string) (testcase.BatchState, error) {
	b, err := o.batch(batchID)
	if err != nil {
		return testcase.BatchState{}, err
	}
	return b.snapshot(), nil
}

// RetryFeature moves a failed feature back to generating and starts a fresh
// worker. Any other status returns ErrInvalidState without changes.
func (o *Orchestrator) RetryFeature(batchID, featureID string) error {
	if err := o.ctx.Err(); err != nil {
		return fmt.Errorf("orchestrator closed: %w", err)
	}
	b, err := o.batch(batchID)
	if err != nil {
		return err
	}
	s := b.slot(featureID)
	if s == nil {
		return fmt.Errorf("%w: unknown feature %s in batch %s", ErrInvalidState, featureID, batchID)
	}

	cur := s.result.Load()
	next := cur.Clone()
	next.Status = testcase.FeatureStatusGenerating
	next.Error = ""
	next.Cases = nil
	next.Attempts++
	next.StartedAt = o.now().UTC()
	next.CompletedAt = time.Time{}
	if err := publish(s, cur, next); err != nil {
		return err
	}

	o.metrics.retries.WithLabelValues("user").Inc()
	o.logger.Info("Feature retry requested",
		"batch_id", batchID,
		"feature_id", featureID,
		"feature", cur.FeatureName,
		"attempt", next.Attempts)

	o.launch(b, s)
	b.broadcast()
	return nil
}

// DeleteResult removes one test case from its completed feature.
func (o *Orchestrator) DeleteResult(caseID string) error {
	o.indexMu.Lock()
	ref, ok := o.caseIndex[caseID]
	o.indexMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown test case %s", ErrInvalidState, caseID)
	}

	b, err := o.batch(ref.batchID)
	if err != nil {
		return err
	}
	s := b.slot(ref.featureID)
	if s == nil {
		return fmt.Errorf("%w: unknown feature %s", ErrInvalidState, ref.featureID)
	}

	for {
		cur := s.result.Load()
		if cur.Status != testcase.FeatureStatusCompleted {
			return fmt.Errorf("%w: feature %s is %s", ErrInvalidState, ref.featureID, cur.Status)
		}
		idx := -1
		for i, tc := range cur.Cases {
			if tc.ID == caseID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: unknown test case %s", ErrInvalidState, caseID)
		}

		next := cur.Clone()
		next.Cases = append(next.Cases[:idx:idx], next.Cases[idx+1:]...)
		next.Stats.CasesKept = len(next.Cases)
		if s.result.CompareAndSwap(cur, &next) {
			break
		}
	}

	o.indexMu.Lock()
	delete(o.caseIndex, caseID)
	o.indexMu.Unlock()

	b.broadcast()
	return nil
}

// MergedCases returns the cases of every completed feature in request order.
// With dedupe set, cases whose titles duplicate an earlier case of any
// feature are dropped.
func (o *Orchestrator) MergedCases(batchID string, dedupe bool) ([]testcase.TestCase, error) {
	b, err := o.batch(batchID)
	if err != nil {
		return nil, err
	}

	var all []testcase.TestCase
	for _, f := range b.snapshot().Features {
		if f.Status == testcase.FeatureStatusCompleted {
			all = append(all, f.Cases...)
		}
	}
	if !dedupe || len(all) < 2 {
		return all, nil
	}

	kept, _ := dedup.Cases(all, o.titleThreshold())
	keep := make(map[string]bool, len(kept))
	for _, tc := range kept {
		keep[tc.ID] = true
	}
	out := make([]testcase.TestCase, 0, len(kept))
	for _, tc := range all {
		if keep[tc.ID] {
			out = append(out, tc)
		}
	}
	return out, nil
}

// AcceptFeature hands the cases of a completed feature to the sink under
// target. It returns the number of cases saved.
func (o *Orchestrator) AcceptFeature(ctx context.Context, batchID, featureID, target string) (int, error) {
	if o.sink == nil {
		return 0, fmt.Errorf("no sink configured")
	}
	b, err := o.batch(batchID)
	if err != nil {
		return 0, err
	}
	res, ok := b.snapshot().Feature(featureID)
	if !ok {
		return 0, fmt.Errorf("%w: unknown feature %s in batch %s", ErrInvalidState, featureID, batchID)
	}
	if res.Status != testcase.FeatureStatusCompleted {
		return 0, fmt.Errorf("%w: feature %s is %s", ErrInvalidState, featureID, res.Status)
	}

	if err := o.sink.SaveCases(ctx, target, batchID, res.FeatureName, res.Cases); err != nil {
		return 0, fmt.Errorf("save feature %s: %w", res.FeatureName, err)
	}
	o.logger.Info("Feature accepted",
		"batch_id", batchID,
		"feature", res.FeatureName,
		"target", target,
		"cases", len(res.Cases))
	return len(res.Cases), nil
}

// Wait blocks until every feature of the batch is completed or failed.
func (o *Orchestrator) Wait(ctx context.Context, batchID string) (testcase.BatchState, error) {
	b, err := o.batch(batchID)
	if err != nil {
		return testcase.BatchState{}, err
	}
	for {
		ch := b.changed()
		state := b.snapshot()
		if Settled(state) {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ch:
		}
	}
}

func (o *Orchestrator) titleThreshold() float64 {
	if o.cfg.Generator.TitleThreshold > 0 {
		return o.cfg.Generator.TitleThreshold
	}
	return dedup.DefaultTitleThreshold
}

func (o *Orchestrator) batch(batchID string) (*batchRun, error) {
	o.mu.RLock()
	b, ok := o.batches[batchID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown batch %s", ErrInvalidState, batchID)
	}
	return b, nil
}

func (o *Orchestrator) launch(b *batchRun, s *slot) {
	o.wg.Add(1)
	o.metrics.featuresInFlight.Inc()
	go o.run(b, s)
}

// run is the worker for one slot. It is the only writer while the slot is generating.
func (o *Orchestrator) run(b *batchRun, s *slot) {
	defer o.wg.Done()
	defer o.metrics.featuresInFlight.Dec()
	defer b.broadcast()

	ctx := llm.WithCallContext(o.ctx, llm.CallContext{BatchID: b.id, FeatureID: s.id})
	logger := o.logger.With("batch_id", b.id, "feature_id", s.id, "feature", s.config.Name)
	start := time.Now()

	var res *generator.Result
	var err error
	for auto := 0; ; auto++ {
		o.metrics.featuresStarted.Inc()
		res, err = b.generator.Generate(ctx, s.config)
		if err == nil || !errors.Is(err, llm.ErrProviderUnavailable) || auto >= o.cfg.AutoRetries || ctx.Err() != nil {
			break
		}

		cur := s.result.Load()
		next := cur.Clone()
		next.Attempts++
		s.result.Store(&next)
		o.metrics.retries.WithLabelValues("auto").Inc()
		logger.Warn("Provider unavailable, retrying feature",
			"attempt", next.Attempts,
			"error", err)
	}
	o.metrics.duration.Observe(time.Since(start).Seconds())

	cur := s.result.Load()
	next := cur.Clone()
	next.CompletedAt = o.now().UTC()

	if err != nil {
		next.Status = testcase.FeatureStatusFailed
		next.Error = err.Error()
		next.Cases = nil
		if perr := publish(s, cur, next); perr != nil {
			logger.Error("Feature result dropped", "error", perr)
			return
		}
		o.metrics.featuresFinished.WithLabelValues(string(testcase.FeatureStatusFailed)).Inc()
		logger.Error("Feature generation failed",
			"attempts", next.Attempts,
			"error", err)
		return
	}

	next.Status = testcase.FeatureStatusCompleted
	next.Error = ""
	next.Cases = res.Cases
	if next.Cases == nil {
		next.Cases = []testcase.TestCase{}
	}
	next.Stats = res.Stats
	next.DedupDegraded = res.Degraded
	next.DedupNote = res.Note

	if perr := publish(s, cur, next); perr != nil {
		logger.Error("Feature result dropped", "error", perr)
		return
	}
	o.indexMu.Lock()
	for _, tc := range next.Cases {
		o.caseIndex[tc.ID] = caseRef{batchID: b.id, featureID: s.id}
	}
	o.indexMu.Unlock()

	o.metrics.featuresFinished.WithLabelValues(string(testcase.FeatureStatusCompleted)).Inc()
	o.metrics.casesGenerated.Add(float64(len(next.Cases)))
	o.metrics.duplicates.WithLabelValues("title").Add(float64(res.Stats.TitleDuplicates))
	o.metrics.duplicates.WithLabelValues("embedding").Add(float64(res.Stats.EmbeddingDuplicates))
	if res.Degraded {
		o.metrics.degraded.Inc()
	}
}

// publish replaces cur with next when the lifecycle allows the status change
// and no other writer got there first.
func publish(s *slot, cur *testcase.FeatureResult, next testcase.FeatureResult) error {
	if !cur.Status.CanTransitionTo(next.Status) {
		return fmt.Errorf("%w: feature %s cannot move from %s to %s", ErrInvalidState, cur.FeatureID, cur.Status, next.Status)
	}
	if !s.result.CompareAndSwap(cur, &next) {
		return fmt.Errorf("%w: feature %s changed concurrently", ErrInvalidState, cur.FeatureID)
	}
	return nil
}

// Settled reports whether no feature of the batch has a worker running.
func Settled(state testcase.BatchState) bool {
	for _, f := range state.Features {
		if !f.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (b *batchRun) slot(featureID string) *slot {
	for _, s := range b.slots {
		if s.id == featureID {
			return s
		}
	}
	return nil
}

func (b *batchRun) snapshot() testcase.BatchState {
	features := make([]testcase.FeatureResult, len(b.slots))
	for i, s := range b.slots {
		features[i] = s.result.Load().Clone()
	}
	return testcase.BatchState{
		BatchID:   b.id,
		Status:    testcase.DeriveBatchStatus(features),
		Provider:  b.provider,
		CreatedAt: b.createdAt,
		Features:  features,
	}
}

// changed returns a channel closed at the next broadcast.
func (b *batchRun) changed() <-chan struct{} {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	return b.notify
}

func (b *batchRun) broadcast() {
	b.notifyMu.Lock()
	close(b.notify)
	b.notify = make(chan struct{})
	b.notifyMu.Unlock()
}
