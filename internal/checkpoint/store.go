// Package checkpoint implements the content-addressed, integrity-verified
// checkpoint store (spec C3): every checkpoint is a snapshot of a version's
// payload plus metadata, written atomically to disk and verified on every
// restore. Grounded on the teacher's atomic-write-then-rename convention
// used throughout infrastructure/config and infrastructure/secrets.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	goerrors "github.com/evoseal/core/infrastructure/errors"
	"github.com/evoseal/core/internal/eventbus"
	"github.com/evoseal/core/pkg/metrics"
)

// Kind enumerates the reasons a checkpoint was created.
type Kind string

const (
	KindManual       Kind = "manual"
	KindAutomatic    Kind = "automatic"
	KindMilestone    Kind = "milestone"
	KindPreRecovery  Kind = "pre_recovery"
	KindPostRecovery Kind = "post_recovery"
	KindEmergency    Kind = "emergency"
)

// Metadata describes a checkpoint without its payload bytes.
type Metadata struct {
	VersionID       string         `json:"version_id"`
	CreatedAtISO    string         `json:"created_at_iso"`
	Kind            Kind           `json:"kind"`
	ContentHashHex  string         `json:"content_hash_hex"`
	Metadata        map[string]any `json:"metadata"`
	Corrupt         bool           `json:"corrupt,omitempty"`
}

// CreatedAt parses CreatedAtISO back into a time.Time.
func (m Metadata) CreatedAt() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, m.CreatedAtISO)
	return t
}

// ListFilter narrows List results.
type ListFilter struct {
	Kind      Kind
	VersionID string
}

// Store manages on-disk checkpoints under a base directory, one
// subdirectory per version id:
//
//	<dir>/<version_id>/metadata.json
//	<dir>/<version_id>/payload/...
//
// Single-writer per version_id is the caller's responsibility (the
// workflow orchestrator serializes checkpoint creation per iteration);
// multiple concurrent readers are always safe.
type Store struct {
	dir            string
	protectedPaths []string
	bus            *eventbus.Bus

	mu sync.RWMutex
}

// NewStore creates a Store rooted at dir. protectedPaths are additional
// directories (beyond the process working directory and common system
// paths) that restore must never target.
func NewStore(dir string, bus *eventbus.Bus, protectedPaths ...string) (*Store, error) {
	if dir == "" {
		return nil, goerrors.InvalidInput("dir", "checkpoint directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, goerrors.Internal("resolve checkpoint dir", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, goerrors.Internal("create checkpoint dir", err)
	}

	protected := append([]string{}, defaultProtectedPaths()...)
	for _, p := range protectedPaths {
		if p == "" {
			continue
		}
		if a, err := filepath.Abs(p); err == nil {
			protected = append(protected, a)
		}
	}

	return &Store{dir: abs, protectedPaths: protected, bus: bus}, nil
}

func defaultProtectedPaths() []string {
	paths := []string{"/usr", "/etc", "/bin", "/sbin", "/var", "/root"}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, home)
	}
	if wd, err := os.Getwd(); err == nil && wd != "" {
		paths = append(paths, wd)
	}
	return paths
}

func (s *Store) versionDir(versionID string) string {
	return filepath.Join(s.dir, sanitizeID(versionID))
}

// sanitizeID strips path separators from caller-supplied ids so a version
// id can never be used to escape the checkpoint directory; checkpoint ids
// returned to callers are always opaque relative to this store.
func sanitizeID(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "\\", "_")
	id = strings.ReplaceAll(id, "..", "_")
	return id
}

// Create snapshots payload for versionID, computing its canonical content
// hash and writing metadata.json atomically (temp file, fsync, rename).
func (s *Store) Create(ctx context.Context, versionID string, payload Payload, kind Kind, meta map[string]any) (string, error) {
	if versionID == "" {
		return "", goerrors.InvalidInput("version_id", "required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vdir := s.versionDir(versionID)
	payloadDir := filepath.Join(vdir, "payload")
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return "", goerrors.Internal("create payload dir", err)
	}

	for path, data := range payload {
		if strings.Contains(path, "..") || filepath.IsAbs(path) {
			return "", goerrors.InvalidInput("payload path", fmt.Sprintf("disallowed path %q", path))
		}
		full := filepath.Join(payloadDir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", goerrors.Internal("create payload subdir", err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return "", goerrors.Internal("write payload file", err)
		}
	}

	hash := ContentHash(payload)
	md := Metadata{
		VersionID:      versionID,
		CreatedAtISO:   time.Now().UTC().Format(time.RFC3339Nano),
		Kind:           kind,
		ContentHashHex: hash,
		Metadata:       meta,
	}
	if err := writeMetadataAtomic(filepath.Join(vdir, "metadata.json"), md); err != nil {
		return "", err
	}

	if s.bus != nil {
		s.bus.Publish(ctx, eventbus.NewEvent(eventbus.TypeCheckpointCreated, "checkpoint", map[string]any{
			"version_id": versionID,
			"kind":       string(kind),
			"hash":       hash,
		}))
	}

	metrics.RecordCheckpointOp("create", string(kind), payload.totalBytes())

	return versionID, nil
}

func writeMetadataAtomic(path string, md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return goerrors.Internal("marshal checkpoint metadata", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return goerrors.Internal("open checkpoint metadata temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return goerrors.Internal("write checkpoint metadata", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return goerrors.Internal("fsync checkpoint metadata", err)
	}
	if err := f.Close(); err != nil {
		return goerrors.Internal("close checkpoint metadata", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return goerrors.Internal("rename checkpoint metadata", err)
	}
	return nil
}

func (s *Store) readMetadata(versionID string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.versionDir(versionID), "metadata.json"))
	if err != nil {
		return Metadata{}, goerrors.NotFound("checkpoint", versionID)
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, goerrors.Internal("parse checkpoint metadata", err)
	}
	return md, nil
}

// Restore verifies and copies the checkpointed payload for versionID into
// targetDir, returning the in-memory payload. If targetDir resolves to (or
// is an ancestor of) the process working directory or a protected path, the
// restore is silently redirected to <checkpoint_dir>/.rollback_target and a
// checkpoint.restore.fallback event is emitted exactly once. If the stored
// hash fails to verify, the checkpoint is marked corrupt, a
// checkpoint.corrupt event is published, and an IntegrityViolation error
// is returned.
func (s *Store) Restore(ctx context.Context, versionID, targetDir string) (Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	md, err := s.readMetadata(versionID)
	if err != nil {
		return nil, err
	}

	payloadDir := filepath.Join(s.versionDir(versionID), "payload")
	payload, err := readPayload(payloadDir)
	if err != nil {
		return nil, goerrors.Internal("read checkpoint payload", err)
	}

	actualHash := ContentHash(payload)
	if actualHash != md.ContentHashHex {
		s.markCorrupt(versionID, md)
		if s.bus != nil {
			s.bus.Publish(ctx, eventbus.NewEvent(eventbus.TypeCheckpointCorrupt, "checkpoint", map[string]any{
				"version_id":    versionID,
				"expected_hash": md.ContentHashHex,
				"actual_hash":   actualHash,
			}))
		}
		metrics.RecordCheckpointOp("restore", "corrupt", 0)
		return nil, goerrors.IntegrityViolation("checkpoint:"+versionID, fmt.Errorf("content hash mismatch"))
	}

	safeTarget, fellBack, err := s.resolveSafeTarget(targetDir)
	if err != nil {
		return nil, err
	}

	if err := writePayload(safeTarget, payload); err != nil {
		return nil, goerrors.Internal("write restored payload", err)
	}

	if fellBack && s.bus != nil {
		s.bus.Publish(ctx, eventbus.NewEvent(eventbus.TypeCheckpointRestoreFallback, "checkpoint", map[string]any{
			"version_id":      versionID,
			"requested_target": targetDir,
			"actual_target":    safeTarget,
		}))
	}

	if s.bus != nil {
		s.bus.Publish(ctx, eventbus.NewEvent(eventbus.TypeCheckpointRestored, "checkpoint", map[string]any{
			"version_id": versionID,
			"target_dir": safeTarget,
		}))
	}

	metrics.RecordCheckpointOp("restore", "ok", payload.totalBytes())

	return payload, nil
}

// resolveSafeTarget enforces checkpoint store safety invariant 1: restore
// may never write to or above the process working directory or a
// configured protected path. Never writes outside the returned directory.
func (s *Store) resolveSafeTarget(targetDir string) (string, bool, error) {
	abs, err := filepath.Abs(targetDir)
	if err != nil {
		return "", false, goerrors.InvalidInput("target_dir", "cannot resolve path")
	}

	for _, protected := range s.protectedPaths {
		if isSameOrAncestor(abs, protected) {
			fallback := filepath.Join(s.dir, ".rollback_target")
			if err := os.MkdirAll(fallback, 0o755); err != nil {
				return "", false, goerrors.Internal("create fallback target dir", err)
			}
			return fallback, true, nil
		}
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", false, goerrors.Internal("create target dir", err)
	}
	return abs, false, nil
}

// isSameOrAncestor reports whether target equals protected, or target is an
// ancestor directory of protected (i.e. protected lives at or below a
// disallowed root, so restoring to target would reach into it).
func isSameOrAncestor(target, protected string) bool {
	target = filepath.Clean(target)
	protected = filepath.Clean(protected)
	if target == protected {
		return true
	}
	rel, err := filepath.Rel(target, protected)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

func (s *Store) markCorrupt(versionID string, md Metadata) {
	md.Corrupt = true
	_ = writeMetadataAtomic(filepath.Join(s.versionDir(versionID), "metadata.json"), md)
}

func readPayload(payloadDir string) (Payload, error) {
	out := make(Payload)
	err := filepath.Walk(payloadDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(payloadDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func writePayload(dir string, payload Payload) error {
	for path, data := range payload {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// List returns checkpoint metadata matching filter, newest first.
func (s *Store) List(filter ListFilter) ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, goerrors.Internal("list checkpoint dir", err)
	}

	var out []Metadata
	for _, e := range entries {
		if !e.IsDir() || e.Name() == ".rollback_target" {
			continue
		}
		md, err := s.readMetadata(e.Name())
		if err != nil {
			continue
		}
		if filter.Kind != "" && md.Kind != filter.Kind {
			continue
		}
		if filter.VersionID != "" && md.VersionID != filter.VersionID {
			continue
		}
		out = append(out, md)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().After(out[j].CreatedAt())
	})
	return out, nil
}

// Delete removes a checkpoint's metadata and payload.
func (s *Store) Delete(versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.versionDir(versionID)); err != nil {
		return goerrors.Internal("delete checkpoint", err)
	}
	return nil
}

// Cleanup enforces retention: keeps the keepCount most recent checkpoints
// plus every checkpoint whose kind is in retainKinds, deleting the rest.
func (s *Store) Cleanup(keepCount int, retainKinds ...Kind) error {
	all, err := s.List(ListFilter{})
	if err != nil {
		return err
	}

	retain := make(map[Kind]bool, len(retainKinds))
	for _, k := range retainKinds {
		retain[k] = true
	}

	kept := 0
	for _, md := range all {
		if retain[md.Kind] {
			continue
		}
		kept++
		if kept <= keepCount {
			continue
		}
		if err := s.Delete(md.VersionID); err != nil {
			return err
		}
	}
	return nil
}

// NewCheckpointID generates an opaque checkpoint identifier for callers
// that need one distinct from a version id (e.g. audit logs).
func NewCheckpointID() string {
	return uuid.NewString()
}
