package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoseal/core/infrastructure/testutil"
)

// newMockJobServer stands in for a remote evolution-engine job endpoint: it
// accepts a job submission, immediately reports it completed, and returns
// the submitted body echoed back under "result.echo", exercising the
// adapter's full submit/poll/result cycle and jsonpath result extraction.
func newMockJobServer(t *testing.T, failSubmit, failJob bool) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()

	var lastBody map[string]any
	r.POST("/v1/evolution/jobs/:operation", func(c *gin.Context) {
		if failSubmit {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "boom"})
			return
		}
		_ = c.ShouldBindJSON(&lastBody)
		c.JSON(http.StatusOK, gin.H{"job_id": "job-1"})
	})
	r.GET("/v1/evolution/jobs/:id/status", func(c *gin.Context) {
		if failJob {
			c.JSON(http.StatusOK, gin.H{"status": "failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "completed"})
	})
	r.GET("/v1/evolution/jobs/:id/result", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"result": gin.H{"echo": lastBody}})
	})
	return testutil.NewHTTPTestServer(t, r)
}

func TestRemoteExecutorRunsJobProtocolAndExtractsResult(t *testing.T) {
	srv := newMockJobServer(t, false, false)
	defer srv.Close()

	cfg := DefaultRemoteConfig(srv.URL+"/v1/evolution", "$.echo")
	cfg.Retry.MaxAttempts = 1
	cfg.PollInterval = time.Millisecond
	exec := NewRemoteExecutor(cfg)

	out, err := exec.Execute(context.Background(), "advance_generation", map[string]any{"score": 0.9})
	require.NoError(t, err)
	assert.Equal(t, 0.9, out["score"])
}

func TestRemoteExecutorSendsBearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var gotAuth string
	r.POST("/v1/evolution/jobs/:operation", func(c *gin.Context) {
		gotAuth = c.GetHeader("Authorization")
		c.JSON(http.StatusOK, gin.H{"job_id": "job-1"})
	})
	r.GET("/v1/evolution/jobs/:id/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "completed"})
	})
	r.GET("/v1/evolution/jobs/:id/result", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"result": gin.H{"ok": true}})
	})
	srv := testutil.NewHTTPTestServer(t, r)
	defer srv.Close()

	cfg := DefaultRemoteConfig(srv.URL+"/v1/evolution", "")
	cfg.Retry.MaxAttempts = 1
	cfg.PollInterval = time.Millisecond
	cfg.BearerToken = "s3cr3t"
	exec := NewRemoteExecutor(cfg)

	_, err := exec.Execute(context.Background(), "mutate", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cr3t", gotAuth)
}

func TestRemoteExecutorOpensCircuitOnRepeatedSubmitFailure(t *testing.T) {
	srv := newMockJobServer(t, true, false)
	defer srv.Close()

	cfg := DefaultRemoteConfig(srv.URL+"/v1/evolution", "")
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Breaker.MaxFailures = 2
	re := NewRemoteExecutor(cfg).(*remoteExecutor)

	for i := 0; i < 2; i++ {
		_, err := re.Execute(context.Background(), "mutate", map[string]any{})
		assert.Error(t, err)
	}

	assert.Equal(t, "open", re.breaker.State().String())
}

func TestRemoteExecutorSurfacesJobFailure(t *testing.T) {
	srv := newMockJobServer(t, false, true)
	defer srv.Close()

	cfg := DefaultRemoteConfig(srv.URL+"/v1/evolution", "")
	cfg.Retry.MaxAttempts = 1
	cfg.PollInterval = time.Millisecond
	exec := NewRemoteExecutor(cfg)

	_, err := exec.Execute(context.Background(), "mutate", map[string]any{})
	assert.Error(t, err)
}
