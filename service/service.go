// Package service is the public facing orchestrator of the detection
// pipeline.  It accepts single image, batch and video stream requests and
// drives them through preprocessing, the batch scheduler and postprocessing.
package service

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cortexvision/detserve"
	"github.com/cortexvision/detserve/postprocess"
	"github.com/cortexvision/detserve/preprocess"
	"github.com/cortexvision/detserve/schedule"
	"github.com/cortexvision/detserve/track"
)

// Options configure optional service collaborators
type Options struct {
	// Logger defaults to a no-op logger
	Logger *zap.Logger
	// Registerer receives the pipeline's prometheus collectors, nil leaves
	// them unregistered
	Registerer prometheus.Registerer
	// Clock drives scheduler timing, defaults to the wall clock
	Clock clock.Clock
	// Labels resolve class IDs to names.  When empty the service loads
	// them from the configured labels file.
	Labels []string
}

// Service turns raw images into detection sets.  It owns the batch
// scheduler, which in turn owns the model adapter.
type Service struct {
	sched   *schedule.Scheduler
	proc    *postprocess.Processor
	spec    detserve.InputSpec
	labels  []string
	logger  *zap.Logger
	metrics *Metrics
}

// New builds a Service from configuration, taking ownership of the adapter
func New(cfg detserve.Config, adapter detserve.ModelAdapter, opts Options) (*Service, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	labels := opts.Labels

	if len(labels) == 0 && cfg.Model.Labels != "" {
		var err error
		labels, err = detserve.LoadLabels(cfg.Model.Labels)

		if err != nil {
			return nil, errors.Wrap(err, "loading labels")
		}
	}

	classFilter, err := resolveClassFilter(cfg.Pipeline.Classes, labels)

	if err != nil {
		return nil, err
	}

	proc := postprocess.New(postprocess.Params{
		ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
		IoUThreshold:        cfg.Pipeline.IoUThreshold,
		ClassFilter:         classFilter,
		ClassAgnostic:       cfg.Pipeline.Suppression == detserve.SuppressionClassAgnostic,
		MaxDetections:       cfg.Pipeline.MaxDetections,
		Labels:              labels,
	})

	metrics := NewMetrics(opts.Registerer)

	sched := schedule.New(adapter, schedule.Options{
		MaxBatchSize:   cfg.Pipeline.MaxBatchSize,
		MaxBatchDelay:  cfg.Pipeline.MaxBatchDelay,
		MaxQueueDepth:  cfg.Pipeline.MaxQueueDepth,
		RequestTimeout: cfg.Pipeline.RequestTimeout,
		Clock:          opts.Clock,
		Logger:         opts.Logger.Named("scheduler"),
		Metrics:        schedule.NewMetrics(opts.Registerer),
	})

	return &Service{
		sched:   sched,
		proc:    proc,
		spec:    adapter.InputSpec(),
		labels:  labels,
		logger:  opts.Logger,
		metrics: metrics,
	}, nil
}

// resolveClassFilter maps allow-listed class names to class IDs
func resolveClassFilter(names, labels []string) ([]int, error) {

	if len(names) == 0 {
		return nil, nil
	}

	index := make(map[string]int, len(labels))

	for i, l := range labels {
		index[l] = i
	}

	ids := make([]int, 0, len(names))

	for _, n := range names {
		id, ok := index[n]

		if !ok {
			return nil, errors.Errorf("class %q not in model labels", n)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

// Labels returns the class labels the service resolves detections against
func (s *Service) Labels() []string {
	return s.labels
}

// Detect runs the pipeline for a single image, blocking until the
// underlying batch completes
func (s *Service) Detect(ctx context.Context, img *preprocess.Image) (detserve.DetectionSet, error) {

	start := time.Now()
	ds, err := s.detect(ctx, img)
	s.observe("detect", start, err)

	return ds, err
}

func (s *Service) detect(ctx context.Context, img *preprocess.Image) (detserve.DetectionSet, error) {

	tensor, tf, err := preprocess.Prepare(img, s.spec)

	if err != nil {
		return detserve.DetectionSet{}, err
	}

	_, resultCh, err := s.sched.Submit(ctx, []*detserve.Tensor{tensor})

	if err != nil {
		return detserve.DetectionSet{}, err
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return detserve.DetectionSet{}, res.Err
		}

		return s.proc.Finalize(res.Predictions[0], tf, img.Source()), nil

	case <-ctx.Done():
		// the request is owned by the scheduler now; its queue slot is
		// reclaimed on the next expiry sweep
		return detserve.DetectionSet{}, ctx.Err()
	}
}

// DetectBatch submits all images and returns one detection set per image in
// input order, regardless of how the scheduler splits them across batches
func (s *Service) DetectBatch(ctx context.Context, imgs []*preprocess.Image) ([]detserve.DetectionSet, error) {

	start := time.Now()
	sets, err := s.detectBatch(ctx, imgs)
	s.observe("detect_batch", start, err)

	return sets, err
}

func (s *Service) detectBatch(ctx context.Context, imgs []*preprocess.Image) ([]detserve.DetectionSet, error) {

	type submitted struct {
		ch     <-chan schedule.Result
		tf     preprocess.Transform
		source string
	}

	items := make([]submitted, len(imgs))

	for i, img := range imgs {
		tensor, tf, err := preprocess.Prepare(img, s.spec)

		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}

		_, ch, err := s.sched.Submit(ctx, []*detserve.Tensor{tensor})

		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}

		items[i] = submitted{ch: ch, tf: tf, source: img.Source()}
	}

	sets := make([]detserve.DetectionSet, len(imgs))

	for i, item := range items {
		select {
		case res := <-item.ch:
			if res.Err != nil {
				return nil, errors.Wrapf(res.Err, "image %d", i)
			}

			sets[i] = s.proc.Finalize(res.Predictions[0], item.tf, item.source)

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return sets, nil
}

// DetectStream returns a lazy stream of detection sets over the frames of
// src, one per frame.  The stream is not restartable, consuming it advances
// the underlying source.  A non nil tracker annotates detections with stable
// track IDs across frames.
func (s *Service) DetectStream(src FrameSource, tracker *track.Tracker) *Stream {
	return &Stream{
		svc:     s,
		src:     src,
		tracker: tracker,
	}
}

// Close shuts down the scheduler and the model adapter
func (s *Service) Close() error {
	return s.sched.Close()
}

// observe records request metrics and failure stages
func (s *Service) observe(op string, start time.Time, err error) {

	if s.metrics == nil {
		return
	}

	outcome := "ok"

	if err != nil {
		outcome = "error"
		s.metrics.StageErrors.WithLabelValues(string(failureStage(err))).Inc()
	}

	s.metrics.Requests.WithLabelValues(op, outcome).Inc()
	s.metrics.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// failureStage maps an error to the pipeline stage the request reached
func failureStage(err error) detserve.Stage {

	var invalidErr *detserve.InvalidImageError
	var overloadedErr *detserve.OverloadedError
	var timeoutErr *detserve.TimeoutError
	var modelErr *detserve.ModelError

	switch {
	case errors.As(err, &invalidErr):
		return detserve.StageReceived
	case errors.As(err, &overloadedErr):
		return detserve.StagePreprocessed
	case errors.As(err, &timeoutErr):
		return detserve.StageQueued
	case errors.As(err, &modelErr):
		return detserve.StageInferred
	default:
		return detserve.StageQueued
	}
}
