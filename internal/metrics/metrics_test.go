package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector()

	c.QueueMessage("EMAIL", OutcomeAcked)
	c.QueueMessage("EMAIL", OutcomeAcked)
	c.QueueMessage("unknown", OutcomeDropped)
	c.ActorStarted("hash")
	c.ActorStarted("hash")
	c.ActorStopped("hash", true)
	c.RateLimitDecision(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.queueMessages.WithLabelValues("EMAIL", OutcomeAcked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.queueMessages.WithLabelValues("unknown", OutcomeDropped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actorInstances.WithLabelValues("hash")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actorCleanups.WithLabelValues("hash")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rateLimitDecisions.WithLabelValues("denied")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.QueueMessage("EMAIL", OutcomeAcked)
		c.CacheLookup("hit")
		c.ActorStarted("hash")
		c.ActorStopped("hash", false)
		c.RateLimitDecision(true)
		c.WorkflowStep("post-process", "load-post", "completed")
		c.WorkflowFinished("post-process", "completed")
		c.EmailDelivery("SUCCESS")
	})
	assert.Nil(t, c.Registry())
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector()
	c.WorkflowFinished("comment-moderation", "completed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `flare_workflow_instances_total{status="completed",workflow="comment-moderation"} 1`)
}
