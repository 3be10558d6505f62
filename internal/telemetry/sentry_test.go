package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/forensix/internal/domain"
)

func TestInit_NoDSNIsNoop(t *testing.T) {
	flush, err := Init(Config{})
	require.NoError(t, err)
	require.NotNil(t, flush)
	flush()
}

func TestDefaultSampleRate(t *testing.T) {
	assert.Equal(t, 1.0, DefaultSampleRate(""))
	assert.Equal(t, 1.0, DefaultSampleRate("development"))
	assert.Equal(t, 0.1, DefaultSampleRate("production"))
}

func TestIsUntraced(t *testing.T) {
	assert.True(t, isUntraced("GET /health"))
	assert.True(t, isUntraced("/metrics"))
	assert.False(t, isUntraced("POST /forensics/artifacts"))
	assert.False(t, isUntraced("GET /healthz"))
}

func TestScrubEvent_RemovesEvidenceAndCredentials(t *testing.T) {
	event := &sentry.Event{Request: &sentry.Request{
		URL:         "https://reports.example/art-1.json?X-Amz-Signature=abc&X-Amz-Expires=900&part=1",
		Data:        "raw evidence bytes",
		Cookies:     "session=s",
		QueryString: "token=secret&case_id=case-7",
		Headers: map[string]string{
			"Authorization": "Bearer tok-a",
			"Content-Type":  "multipart/form-data",
		},
	}}

	got := scrubEvent(event)
	req := got.Request
	assert.Empty(t, req.Data)
	assert.Empty(t, req.Cookies)
	assert.Equal(t, redacted, req.Headers["Authorization"])
	assert.Equal(t, "multipart/form-data", req.Headers["Content-Type"])
	assert.Contains(t, req.QueryString, "case_id=case-7")
	assert.NotContains(t, req.QueryString, "secret")
	assert.NotContains(t, req.URL, "abc")
	assert.NotContains(t, req.URL, "900")
	assert.Contains(t, req.URL, "part=1")
}

func TestScrubEvent_WithoutRequest(t *testing.T) {
	assert.Nil(t, scrubEvent(nil))
	event := &sentry.Event{Message: "ledger append failed"}
	assert.Same(t, event, scrubEvent(event))
}

func TestStageSpanStatus(t *testing.T) {
	assert.Equal(t, sentry.SpanStatusDeadlineExceeded, stageSpanStatus(domain.StageStatusFailed, true))
	assert.Equal(t, sentry.SpanStatusInternalError, stageSpanStatus(domain.StageStatusFailed, false))
	assert.Equal(t, sentry.SpanStatusOK, stageSpanStatus(domain.StageStatusDegraded, false))
	assert.Equal(t, sentry.SpanStatusOK, stageSpanStatus(domain.StageStatusOK, false))
}

func TestSpan_NilSafe(t *testing.T) {
	var span *Span
	span.End()
	span.SetError(errors.New("boom"))
	span.SetStageStatus(domain.StageStatusFailed, false)
}

func TestStartSpan_TagsAndCancellation(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "forensics.pipeline", SpanAttributes{
		CaseID:     "case-7",
		ArtifactID: "art-1",
		Operation:  "analyze",
	})
	defer span.End()

	require.NotNil(t, sentry.SpanFromContext(ctx))
	assert.Equal(t, "case-7", span.inner.Tags["case_id"])
	assert.Equal(t, "art-1", span.inner.Tags["artifact_id"])
	assert.NotContains(t, span.inner.Tags, "stage")
	assert.Equal(t, "analyze", span.inner.Description)

	_, child := StartSpan(ctx, "forensics.stage.exif", SpanAttributes{Stage: "exif"})
	child.SetError(context.Canceled)
	assert.Equal(t, sentry.SpanStatusCanceled, child.inner.Status)
	child.End()
}
