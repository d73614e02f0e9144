package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"

	goerrors "github.com/evoseal/core/infrastructure/errors"
	"github.com/evoseal/core/infrastructure/httputil"
	"github.com/evoseal/core/infrastructure/ratelimit"
	"github.com/evoseal/core/infrastructure/resilience"
	"github.com/evoseal/core/infrastructure/runtime"
)

// maxRemoteResultBytes bounds a single job-status/result response body,
// guarding against a misbehaving remote engine streaming an unbounded
// response.
const maxRemoteResultBytes = 4 << 20

// DefaultPollInterval is how often a remote-mode adapter polls job status,
// per spec.md §4.7 ("Poll interval configurable (default 2 s)").
const DefaultPollInterval = 2 * time.Second

// jobStatus mirrors the remote engine's {"status": "..."} response.
type jobStatus string

const (
	jobQueued    jobStatus = "queued"
	jobRunning   jobStatus = "running"
	jobCompleted jobStatus = "completed"
	jobFailed    jobStatus = "failed"
)

// RemoteConfig configures a remote-mode adapter's HTTP job protocol per
// spec.md §4.7/§6: POST a new job for an operation under Prefix, poll its
// status, then fetch its result. ResultPath, when set, is a JSONPath
// expression evaluated against the decoded {"result": ...} payload to pull
// out the field(s) Execute returns.
type RemoteConfig struct {
	// Prefix is the base URL the job protocol is mounted under, e.g.
	// "http://engine.local:8080/v1/evolution". Job requests are built as
	// "<Prefix>/jobs/<operation>", "<Prefix>/jobs/<id>/status", and
	// "<Prefix>/jobs/<id>/result".
	Prefix         string
	ResultPath     string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	// JobTimeout bounds the total submit-poll-result round trip; zero means
	// the caller's context is the only bound.
	JobTimeout time.Duration
	Retry      resilience.RetryConfig
	Breaker    resilience.Config
	// RateLimitPerSecond bounds outbound requests; zero disables limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int
	Client             *http.Client
	// BearerToken, when non-empty, is sent as "Authorization: Bearer
	// <token>" on every job request, per spec's remote adapter protocol.
	BearerToken string
}

// DefaultRemoteConfig returns spec-reasonable defaults: a 2s poll interval,
// up to 3 attempts with exponential backoff on transient (idempotent GET) errors,
// a 5-failure circuit breaker, and a 10s per-request timeout, matching the
// teacher's service-to-service HTTP client defaults.
func DefaultRemoteConfig(prefix, resultPath string) RemoteConfig {
	return RemoteConfig{
		Prefix:             strings.TrimSuffix(prefix, "/"),
		ResultPath:         resultPath,
		RequestTimeout:     10 * time.Second,
		PollInterval:       DefaultPollInterval,
		JobTimeout:         120 * time.Second,
		Retry:              resilience.DefaultRetryConfig(),
		Breaker:            resilience.DefaultConfig(),
		RateLimitPerSecond: 10,
		RateLimitBurst:     5,
	}
}

// remoteExecutor implements Executor by running spec.md's three-call job
// protocol against a remote evolution-engine or program-optimizer HTTP
// endpoint, protected by a circuit breaker, retried with backoff on
// transient (idempotent) failures, and rate limited.
type remoteExecutor struct {
	cfg     RemoteConfig
	client  *http.Client
	breaker *resilience.CircuitBreaker
	limiter *ratelimit.RateLimiter
}

// NewRemoteExecutor builds the Executor a remote-mode BaseAdapter runs.
func NewRemoteExecutor(cfg RemoteConfig) Executor {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	var limiter *ratelimit.RateLimiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.New(ratelimit.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitPerSecond,
			Burst:             cfg.RateLimitBurst,
		})
	}
	return &remoteExecutor{
		cfg:     cfg,
		client:  cfg.Client,
		breaker: resilience.New(cfg.Breaker),
		limiter: limiter,
	}
}

// Execute submits operation/input as a new job, polls until it leaves
// {queued, running}, then fetches and extracts its result.
func (r *remoteExecutor) Execute(ctx context.Context, operation string, input map[string]any) (map[string]any, error) {
	if runtime.StrictIdentityMode() && r.cfg.BearerToken == "" {
		return nil, goerrors.PolicyViolation("strict_identity_mode", "remote adapter requires a bearer token when strict identity mode is active")
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, goerrors.Timeout("remote adapter rate limit wait")
		}
	}

	if r.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.JobTimeout)
		defer cancel()
	}

	var jobID string
	err := r.breaker.Execute(ctx, func() error {
		id, reqErr := r.submit(ctx, operation, input)
		if reqErr != nil {
			return reqErr
		}
		jobID = id
		return nil
	})
	if err != nil {
		return nil, goerrors.ExternalAPIError(r.cfg.Prefix, err)
	}

	if err := r.awaitCompletion(ctx, jobID); err != nil {
		return nil, err
	}

	return r.fetchResult(ctx, jobID)
}

// submit performs POST <prefix>/jobs/<operation> -> {"job_id": "..."}. Job
// creation is not retried: without a client-generated idempotency key a
// retried submit could create a second job, violating spec.md §5's "write
// operations retry only when the protocol guarantees idempotency."
func (r *remoteExecutor) submit(ctx context.Context, operation string, input map[string]any) (string, error) {
	url := fmt.Sprintf("%s/jobs/%s", r.cfg.Prefix, operation)
	body, err := r.do(ctx, http.MethodPost, url, input)
	if err != nil {
		return "", err
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		return "", goerrors.InvalidFormat("remote adapter job response", "missing job_id")
	}
	return jobID, nil
}

// awaitCompletion polls GET <prefix>/jobs/{id}/status at PollInterval,
// retrying transient errors since status polls are idempotent GETs, until
// the job reports completed or failed.
func (r *remoteExecutor) awaitCompletion(ctx context.Context, jobID string) error {
	url := fmt.Sprintf("%s/jobs/%s/status", r.cfg.Prefix, jobID)
	for {
		var body map[string]any
		err := resilience.Retry(ctx, r.cfg.Retry, func() error {
			b, reqErr := r.do(ctx, http.MethodGet, url, nil)
			if reqErr != nil {
				return reqErr
			}
			body = b
			return nil
		})
		if err != nil {
			return goerrors.ExternalAPIError(r.cfg.Prefix, err)
		}

		switch jobStatus(fmt.Sprint(body["status"])) {
		case jobCompleted:
			return nil
		case jobFailed:
			return goerrors.ExternalAPIError(r.cfg.Prefix, fmt.Errorf("job %s failed", jobID))
		case jobQueued, jobRunning:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.PollInterval):
			}
		default:
			return goerrors.InvalidFormat("remote adapter job status", fmt.Sprint(body["status"]))
		}
	}
}

// fetchResult performs GET <prefix>/jobs/{id}/result and extracts the
// configured ResultPath, if any, from the decoded {"result": ...} body.
func (r *remoteExecutor) fetchResult(ctx context.Context, jobID string) (map[string]any, error) {
	url := fmt.Sprintf("%s/jobs/%s/result", r.cfg.Prefix, jobID)
	var body map[string]any
	err := resilience.Retry(ctx, r.cfg.Retry, func() error {
		b, reqErr := r.do(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return reqErr
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, goerrors.ExternalAPIError(r.cfg.Prefix, err)
	}

	if errPayload, ok := body["error"]; ok {
		return nil, goerrors.ExternalAPIError(r.cfg.Prefix, fmt.Errorf("job %s reported error: %v", jobID, errPayload))
	}

	result, ok := body["result"]
	if !ok {
		return body, nil
	}
	if r.cfg.ResultPath == "" {
		if m, ok := result.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{"result": result}, nil
	}

	resultMap, ok := result.(map[string]any)
	if !ok {
		resultMap = map[string]any{"value": result}
	}
	value, err := jsonpath.Get(r.cfg.ResultPath, resultMap)
	if err != nil {
		return nil, goerrors.InvalidFormat("remote adapter result_path", r.cfg.ResultPath)
	}
	if m, ok := value.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": value}, nil
}

// do issues a single HTTP request and decodes its JSON body, attaching the
// bearer token when configured. 5xx and 4xx responses surface as errors;
// callers decide whether the call is retryable.
func (r *remoteExecutor) do(ctx context.Context, method, url string, payload map[string]any) (map[string]any, error) {
	var reader *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, goerrors.Internal("marshal remote adapter request", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return nil, goerrors.Internal("build remote adapter request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.BearerToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote adapter request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := httputil.ReadAllStrict(resp.Body, maxRemoteResultBytes)
	if err != nil {
		return nil, fmt.Errorf("remote adapter read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("remote adapter endpoint returned %d: %s", resp.StatusCode, string(data))
	}
	if resp.StatusCode >= 400 {
		return nil, goerrors.ExternalAPIError(r.cfg.Prefix, fmt.Errorf("status %d: %s", resp.StatusCode, string(data)))
	}

	var out map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, goerrors.Internal("decode remote adapter response", err)
		}
	}
	return out, nil
}
