// Package rollback implements the policy-governed Rollback Manager (spec
// C5): authorized restoration of working state to a checkpointed version,
// with cascading fallback to ancestor versions and an emergency path for
// operator-triggered recovery. Every attempt, successful or not, is
// appended to an audit trail.
package rollback

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	goerrors "github.com/evoseal/core/infrastructure/errors"
	"github.com/evoseal/core/internal/checkpoint"
	"github.com/evoseal/core/internal/eventbus"
	"github.com/evoseal/core/pkg/metrics"
)

// Policy governs whether and how rollbacks may run.
type Policy struct {
	AutoEnabled           bool
	Threshold             float64
	MaxAttempts           int
	EnableCascading       bool
	EnableFailureRecovery bool
	RequireManualAuth     bool
	RequireEmergencyAuth  bool
	JWTSecret             []byte
	KnownGoodSearchDepth  int
	// EmergencyPassphraseHash is a bcrypt hash of the passphrase an
	// emergency auth token's "passphrase" claim must match, kept at rest
	// instead of the plaintext secret. Empty disables the extra check,
	// leaving emergency rollback gated by the JWT signature alone.
	EmergencyPassphraseHash []byte
}

// HashEmergencyPassphrase bcrypt-hashes a plaintext emergency passphrase
// for storage in Policy.EmergencyPassphraseHash.
func HashEmergencyPassphrase(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
}

// DefaultPolicy matches the spec's suggested defaults.
func DefaultPolicy() Policy {
	return Policy{
		AutoEnabled:          true,
		Threshold:            0.1,
		MaxAttempts:          3,
		EnableCascading:      true,
		EnableFailureRecovery: true,
		RequireEmergencyAuth: true,
		KnownGoodSearchDepth: 50,
	}
}

// TestResult is the minimal outcome of a test case relevant to rollback
// decisions.
type TestResult struct {
	Name   string
	Passed bool
}

func anyFailed(results []TestResult) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

// Record is the append-only audit entry for one rollback attempt.
type Record struct {
	Timestamp          time.Time
	FromVersionID       string
	ToVersionID         string
	Reason              string
	Actor                string
	Succeeded            bool
	VerificationResult  string
	Events              []string
	Chain                []string
}

// ParentLookup resolves a version's ordered parent ids (parent_ids[0] is
// used for cascading).
type ParentLookup func(versionID string) []string

// LastTestResults resolves the most recently recorded test outcomes for a
// version, used by _find_known_good_versions.
type LastTestResults func(versionID string) ([]TestResult, bool)

// Manager is the Rollback Manager. Construct with NewManager.
type Manager struct {
	store   *checkpoint.Store
	bus     *eventbus.Bus
	parents ParentLookup
	lastTests LastTestResults
	audit   *AuditLog

	mu      sync.Mutex
	policy  Policy
	history []Record
}

// NewManager constructs a Manager. parents and lastTests may be nil: with
// no parents, cascading rollback stops after the first attempt (no ancestor
// chain); with no lastTests, the known-good search judges checkpoints by
// integrity alone.
func NewManager(store *checkpoint.Store, bus *eventbus.Bus, parents ParentLookup, lastTests LastTestResults, audit *AuditLog) *Manager {
	return &Manager{
		store:     store,
		bus:       bus,
		parents:   parents,
		lastTests: lastTests,
		audit:     audit,
		policy:    DefaultPolicy(),
	}
}

// SetPolicy replaces the active rollback policy.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// Policy returns a copy of the active policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

func (m *Manager) append(rec Record) {
	m.mu.Lock()
	m.history = append(m.history, rec)
	m.mu.Unlock()
	if m.audit != nil {
		_ = m.audit.Append(rec)
	}
	outcome := "failed"
	if rec.Succeeded {
		outcome = "succeeded"
	}
	metrics.RecordRollback(rec.Reason, outcome)
}

// History returns a snapshot of every rollback attempt recorded so far.
func (m *Manager) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.history...)
}

// verifyAuth checks a JWT auth token against the configured secret. An
// empty requirement always passes; a non-empty requirement with an empty
// token always fails. verifyAuth never applies the elevated check; for
// emergency rollback, verifyAuthToken with elevated true additionally
// requires the token's "passphrase" claim to match
// Policy.EmergencyPassphraseHash.
func (m *Manager) verifyAuth(required bool, token string) error {
	return m.verifyAuthToken(required, false, token)
}

func (m *Manager) verifyAuthToken(required, elevated bool, token string) error {
	if !required {
		return nil
	}
	if token == "" {
		return goerrors.PolicyViolation("auth_required", "rollback requires an auth token")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.policy.JWTSecret, nil
	})
	if err != nil {
		return goerrors.PolicyViolation("invalid_auth", err.Error())
	}
	if elevated && len(m.policy.EmergencyPassphraseHash) > 0 {
		passphrase, _ := claims["passphrase"].(string)
		if bcrypt.CompareHashAndPassword(m.policy.EmergencyPassphraseHash, []byte(passphrase)) != nil {
			return goerrors.PolicyViolation("invalid_auth", "emergency passphrase claim does not match")
		}
	}
	return nil
}

// RollbackTo restores working state at workingDir to versionID, verifying
// the checkpoint and post-rollback state, and recording the outcome
// regardless of success.
func (m *Manager) RollbackTo(ctx context.Context, workingDir, versionID, reason, actor, authToken string) (Record, error) {
	policy := m.Policy()

	rec := Record{Timestamp: time.Now(), ToVersionID: versionID, Reason: reason, Actor: actor}

	if err := m.verifyAuth(policy.RequireManualAuth, authToken); err != nil {
		rec.Succeeded = false
		rec.VerificationResult = err.Error()
		m.append(rec)
		return rec, err
	}

	m.publish(ctx, eventbus.TypeRollbackInitiated, versionID, reason)
	rec.Events = append(rec.Events, string(eventbus.TypeRollbackInitiated))

	payload, err := m.store.Restore(ctx, versionID, workingDir)
	if err != nil {
		rec.Succeeded = false
		rec.VerificationResult = err.Error()
		m.publish(ctx, eventbus.TypeRollbackFailed, versionID, err.Error())
		rec.Events = append(rec.Events, string(eventbus.TypeRollbackFailed))
		m.append(rec)
		return rec, err
	}

	if len(payload) == 0 {
		err := goerrors.Internal("rollback verification", fmt.Errorf("restored payload is empty"))
		rec.Succeeded = false
		rec.VerificationResult = "empty working directory after restore"
		m.publish(ctx, eventbus.TypeRollbackVerificationFailed, versionID, rec.VerificationResult)
		m.append(rec)
		return rec, err
	}

	if err := verifyWorkingDir(workingDir); err != nil {
		rec.Succeeded = false
		rec.VerificationResult = err.Error()
		m.publish(ctx, eventbus.TypeRollbackVerificationFailed, versionID, rec.VerificationResult)
		m.append(rec)
		return rec, err
	}

	rec.Succeeded = true
	rec.VerificationResult = "verified"
	m.publish(ctx, eventbus.TypeRollbackVerificationPassed, versionID, "")
	m.publish(ctx, eventbus.TypeRollbackCompleted, versionID, reason)
	rec.Events = append(rec.Events, string(eventbus.TypeRollbackVerificationPassed), string(eventbus.TypeRollbackCompleted))

	m.append(rec)
	return rec, nil
}

// verifyWorkingDir implements the on-disk half of spec.md §4.5 step 4's
// post-rollback verification: the working directory must exist and contain
// at least one entry after restore.
func verifyWorkingDir(workingDir string) error {
	info, err := os.Stat(workingDir)
	if err != nil {
		return goerrors.Internal("rollback verification", fmt.Errorf("working dir %q does not exist after restore: %w", workingDir, err))
	}
	if !info.IsDir() {
		return goerrors.Internal("rollback verification", fmt.Errorf("working dir %q is not a directory", workingDir))
	}
	entries, err := os.ReadDir(workingDir)
	if err != nil {
		return goerrors.Internal("rollback verification", fmt.Errorf("cannot list working dir %q: %w", workingDir, err))
	}
	if len(entries) == 0 {
		return goerrors.Internal("rollback verification", fmt.Errorf("working dir %q is empty after restore", workingDir))
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, typ eventbus.Type, versionID, detail string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, eventbus.NewEvent(typ, "rollback_manager", map[string]any{
		"version_id": versionID,
		"detail":     detail,
	}))
}

// AutoRollbackOnFailure triggers a rollback to currentVersionID when policy
// allows it and either a test failed or the regression is critical. It is a
// deterministic function of its inputs (testable property: rollback
// determinism).
func (m *Manager) AutoRollbackOnFailure(ctx context.Context, workingDir, currentVersionID, candidateVersionID string, testResults []TestResult, regressionCritical bool) (Record, bool, error) {
	policy := m.Policy()
	if !policy.AutoEnabled {
		return Record{}, false, nil
	}
	if !anyFailed(testResults) && !regressionCritical {
		return Record{}, false, nil
	}

	reason := "test_failure"
	if regressionCritical {
		reason = "critical_regression"
	}

	rec, err := m.RollbackTo(ctx, workingDir, currentVersionID, reason, "auto_rollback", "")
	return rec, true, err
}

// CascadingRollback attempts startVersionID, then its ancestors (via
// parent_ids[0]) up to maxAttempts, stopping at the first success.
func (m *Manager) CascadingRollback(ctx context.Context, workingDir, startVersionID string, maxAttempts int) (Record, error) {
	if maxAttempts <= 0 {
		maxAttempts = m.Policy().MaxAttempts
	}

	m.publish(ctx, eventbus.TypeCascadingRollbackStarted, startVersionID, "")

	chain := []string{}
	current := startVersionID
	var lastErr error
	var lastRec Record

	for attempt := 0; attempt < maxAttempts && current != ""; attempt++ {
		chain = append(chain, current)
		rec, err := m.RollbackTo(ctx, workingDir, current, "cascading_rollback", "cascading_rollback", "")
		lastRec, lastErr = rec, err
		if err == nil {
			lastRec.Chain = chain
			m.publishChain(ctx, eventbus.TypeCascadingRollbackCompleted, chain)
			return lastRec, nil
		}

		if m.parents == nil {
			break
		}
		parents := m.parents(current)
		if len(parents) == 0 {
			break
		}
		current = parents[0]
	}

	lastRec.Chain = chain
	return lastRec, fmt.Errorf("cascading rollback exhausted %d attempts: %w", len(chain), lastErr)
}

func (m *Manager) publishChain(ctx context.Context, typ eventbus.Type, chain []string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, eventbus.NewEvent(typ, "rollback_manager", map[string]any{
		"chain": chain,
	}))
}

// EmergencyRollback requires an elevated auth token and selects the most
// recent known-good version, never cascading further if that restore
// fails.
func (m *Manager) EmergencyRollback(ctx context.Context, workingDir, authToken, reason string) (Record, error) {
	policy := m.Policy()
	if err := m.verifyAuthToken(policy.RequireEmergencyAuth, true, authToken); err != nil {
		return Record{}, err
	}

	candidates, err := m.findKnownGoodVersions(policy.KnownGoodSearchDepth)
	if err != nil {
		return Record{}, err
	}
	if len(candidates) == 0 {
		return Record{}, goerrors.NotFound("known_good_version", "")
	}

	return m.RollbackTo(ctx, workingDir, candidates[0], "emergency:"+reason, "emergency_rollback", authToken)
}

// findKnownGoodVersions searches checkpoints newest-to-oldest, bounded by
// searchDepth, returning version ids whose checkpoint verifies (not marked
// corrupt) and whose last recorded test results contain no failures. The
// search stops after searchDepth consecutive disqualified checkpoints, the
// resolution chosen for the spec's open question on how far back to look:
// bounding by a streak (rather than total scanned) means a long run of
// good checkpoints after a bad patch is never truncated early.
func (m *Manager) findKnownGoodVersions(searchDepth int) ([]string, error) {
	if searchDepth <= 0 {
		searchDepth = 50
	}

	all, err := m.store.List(checkpoint.ListFilter{})
	if err != nil {
		return nil, err
	}

	var good []string
	streak := 0
	for _, md := range all {
		if md.Corrupt {
			streak++
			if streak >= searchDepth {
				break
			}
			continue
		}
		if m.lastTests != nil {
			results, ok := m.lastTests(md.VersionID)
			if ok && anyFailed(results) {
				streak++
				if streak >= searchDepth {
					break
				}
				continue
			}
		}
		streak = 0
		good = append(good, md.VersionID)
	}
	return good, nil
}
