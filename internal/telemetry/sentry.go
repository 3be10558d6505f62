// Package telemetry provides Sentry-based tracing and OpenTelemetry metrics for the pipeline.
package telemetry

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/cloo-solutions/forensix/internal/domain"
)

const (
	serverName   = "forensixd"
	flushTimeout = 5 * time.Second
	redacted     = "[redacted]"
)

// untracedRoutes are polled by load balancers and scrapers and never sampled.
var untracedRoutes = []string{"/health", "/metrics"}

// Config holds the configuration for Sentry initialization.
type Config struct {
	DSN         string
	Environment string
	Release     string
	// SampleRate applies to root transactions. Zero picks a rate from Environment.
	SampleRate float64
	Debug      bool
}

// DefaultSampleRate traces everything in development and a tenth of requests elsewhere.
func DefaultSampleRate(environment string) float64 {
	if environment == "" || environment == "development" {
		return 1.0
	}
	return 0.1
}

// Init starts the Sentry client and returns a flush function for shutdown. Events are
// scrubbed of request bodies, credentials, and presigned URL signatures before they leave
// the process, since both can carry evidence or grant access to it. An empty DSN disables
// tracing and every span helper becomes a no-op.
func Init(cfg Config) (flush func(), err error) {
	noop := func() {}
	if cfg.DSN == "" {
		return noop, nil
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate(cfg.Environment)
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		ServerName:       serverName,
		Debug:            cfg.Debug,
		EnableTracing:    true,
		TracesSampleRate: cfg.SampleRate,
		TracesSampler: func(sc sentry.SamplingContext) float64 {
			return sampleRate(sc, cfg.SampleRate)
		},
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return scrubEvent(event)
		},
		BeforeSendTransaction: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return scrubEvent(event)
		},
	})
	if err != nil {
		return noop, err
	}

	log.Printf("Sentry tracing enabled (environment %s, sample rate %.2f)", cfg.Environment, cfg.SampleRate)
	return func() { sentry.Flush(flushTimeout) }, nil
}

// sampleRate keeps whole traces together: children inherit the root decision.
func sampleRate(sc sentry.SamplingContext, rate float64) float64 {
	if sc.Span == nil {
		return rate
	}
	if isUntraced(sc.Span.Name) {
		return 0
	}
	if sc.Parent != nil {
		if sc.Parent.Sampled.Bool() {
			return 1
		}
		return 0
	}
	return rate
}

// isUntraced reports whether a transaction name such as "GET /health" targets a polled route.
func isUntraced(name string) bool {
	_, path, found := strings.Cut(name, " ")
	if !found {
		path = name
	}
	for _, route := range untracedRoutes {
		if path == route {
			return true
		}
	}
	return false
}

// scrubEvent strips what must not leave the process: request bodies (uploaded evidence),
// credentials, and the signature half of presigned report URLs.
func scrubEvent(event *sentry.Event) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}
	req := event.Request
	req.Data = ""
	req.Cookies = ""
	for name := range req.Headers {
		switch strings.ToLower(name) {
		case "authorization", "cookie", "x-api-key":
			req.Headers[name] = redacted
		}
	}
	req.QueryString = scrubQuery(req.QueryString)
	if u, err := url.Parse(req.URL); err == nil && u.RawQuery != "" {
		u.RawQuery = scrubQuery(u.RawQuery)
		req.URL = u.String()
	}
	return event
}

func scrubQuery(raw string) string {
	if raw == "" {
		return raw
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return redacted
	}
	for key := range values {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "x-amz-") || lower == "token" || lower == "signature" {
			values.Set(key, redacted)
		}
	}
	return values.Encode()
}

// SpanAttributes tag a span with the evidence it concerns.
type SpanAttributes struct {
	CaseID     string
	ArtifactID string
	Stage      string
	Operation  string
}

func (a SpanAttributes) apply(span *sentry.Span) {
	tags := map[string]string{
		"case_id":     a.CaseID,
		"artifact_id": a.ArtifactID,
		"stage":       a.Stage,
	}
	for key, value := range tags {
		if value != "" {
			span.SetTag(key, value)
		}
	}
	if a.Operation != "" {
		span.Description = a.Operation
	}
}

// Span is a started Sentry span. The zero value and nil are safe to use.
type Span struct {
	inner *sentry.Span
}

// StartSpan opens a span named op. It becomes a child when ctx already carries one, and a
// new transaction otherwise.
func StartSpan(ctx context.Context, op string, attrs SpanAttributes) (context.Context, *Span) {
	opts := []sentry.SpanOption{}
	if sentry.SpanFromContext(ctx) == nil {
		opts = append(opts, sentry.WithTransactionName(op))
	}
	span := sentry.StartSpan(ctx, op, opts...)
	attrs.apply(span)
	return span.Context(), &Span{inner: span}
}

// End finishes the span.
func (s *Span) End() {
	if s != nil && s.inner != nil {
		s.inner.Finish()
	}
}

// SetError marks the span failed and reports err. Cancellations only change the status:
// a client hanging up or a shutdown drain is not an incident.
func (s *Span) SetError(err error) {
	if s == nil || s.inner == nil || err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		s.inner.Status = sentry.SpanStatusCanceled
		return
	}
	s.inner.Status = sentry.SpanStatusInternalError
	CaptureError(s.inner.Context(), err)
}

// SetStageStatus maps an analyzer outcome onto the span. Degraded stages stay OK but are
// tagged so they can be filtered.
func (s *Span) SetStageStatus(status domain.StageStatus, timedOut bool) {
	if s == nil || s.inner == nil {
		return
	}
	s.inner.SetTag("stage_status", string(status))
	s.inner.Status = stageSpanStatus(status, timedOut)
}

func stageSpanStatus(status domain.StageStatus, timedOut bool) sentry.SpanStatus {
	switch {
	case timedOut:
		return sentry.SpanStatusDeadlineExceeded
	case status == domain.StageStatusFailed:
		return sentry.SpanStatusInternalError
	default:
		return sentry.SpanStatusOK
	}
}

// CaptureError reports err on the hub bound to ctx, or the global hub.
func CaptureError(ctx context.Context, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}
