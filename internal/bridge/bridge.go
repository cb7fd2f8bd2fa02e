// Package bridge is the trust layer between agents and anything with side
// effects. Every privileged operation runs inside WrapOperation so the audit
// trail shows the attempt even when the operation dies mid-flight, and the
// human-approval gate decides which requests suspend for sign-off.
package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/basket/skillbus/internal/audit"
	"github.com/basket/skillbus/internal/persistence"
	"github.com/basket/skillbus/internal/registry"
	"github.com/google/uuid"
)

// PurgeSkill is the well-known skill gating permanent archive deletion.
// Only an agent granted it at MaxLevel may purge.
const PurgeSkill = "trust.purge"

var (
	ErrPurgeDenied    = errors.New("purge requires a maximum-privilege grant")
	ErrUnknownArchive = errors.New("unknown archive")
	ErrAlreadyPurged  = errors.New("archive already purged")
)

// Decision is the outcome of the human-approval gate.
type Decision struct {
	Blocked          bool
	RequiresApproval bool
	Severity         audit.Severity
	Reason           string
}

// Bridge wraps privileged operations with auditing, severity classification,
// and the approval gate.
type Bridge struct {
	store      *persistence.Store
	registry   *registry.Registry
	trail      *audit.Trail
	logger     *slog.Logger
	archiveDir string

	rubricMu sync.RWMutex
	rubric   *Rubric
}

func New(store *persistence.Store, reg *registry.Registry, trail *audit.Trail, rubric *Rubric, archiveDir string, logger *slog.Logger) *Bridge {
	if rubric == nil {
		rubric = DefaultRubric()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		store:      store,
		registry:   reg,
		trail:      trail,
		rubric:     rubric,
		logger:     logger.With("component", "bridge"),
		archiveDir: archiveDir,
	}
}

// SetRubric swaps the severity rubric. Used for hot reload when the
// rubric file changes on disk.
func (b *Bridge) SetRubric(r *Rubric) {
	if r == nil {
		r = DefaultRubric()
	}
	b.rubricMu.Lock()
	b.rubric = r
	b.rubricMu.Unlock()
	b.logger.Info("severity rubric replaced")
}

func (b *Bridge) currentRubric() *Rubric {
	b.rubricMu.RLock()
	defer b.rubricMu.RUnlock()
	return b.rubric
}

// ClassifySeverity ranks a finding via the rubric.
func (b *Bridge) ClassifySeverity(f Finding) audit.Severity {
	return b.currentRubric().Severity(f)
}

// RequireHumanApproval applies the hard gate: CRITICAL and BLOCKER findings
// always suspend for sign-off, WARNING and below never do. No caller can
// override a blocked decision.
func (b *Bridge) RequireHumanApproval(f Finding) Decision {
	sev := b.currentRubric().Severity(f)
	if sev.AtLeast(audit.SeverityCritical) {
		return Decision{
			Blocked:          true,
			RequiresApproval: true,
			Severity:         sev,
			Reason:           fmt.Sprintf("%s finding: %s", f.Category, f.Detail),
		}
	}
	return Decision{Severity: sev}
}

// GateRequest decides whether a delegation request must suspend for human
// sign-off before dispatch. Two paths block: a screened payload finding at
// CRITICAL or above, and a skill whose required level has reached its
// approval threshold.
func (b *Bridge) GateRequest(ctx context.Context, req *persistence.Request, skill *persistence.SkillRecord) Decision {
	if finding, matched := b.currentRubric().Screen(req.Payload); matched {
		if decision := b.RequireHumanApproval(finding); decision.Blocked {
			b.auditEntry(ctx, req.FromAgent, "request.gate", decision.Severity,
				fmt.Sprintf("skill=%s finding=%s", req.Skill, finding.Category), "blocked", req.ID)
			return decision
		}
	}
	if skill.RequiredLevel >= skill.ApprovalThreshold {
		decision := Decision{
			Blocked:          true,
			RequiresApproval: true,
			Severity:         audit.SeverityCritical,
			Reason:           fmt.Sprintf("skill %s at level %d requires human sign-off", skill.Name, skill.RequiredLevel),
		}
		b.auditEntry(ctx, req.FromAgent, "request.gate", decision.Severity,
			fmt.Sprintf("skill=%s required_level=%d threshold=%d", skill.Name, skill.RequiredLevel, skill.ApprovalThreshold),
			"blocked", req.ID)
		return decision
	}
	return Decision{Severity: audit.SeverityInfo}
}

// Operation is a privileged unit of work run under WrapOperation.
type Operation func(ctx context.Context) (result string, err error)

// WrapOperation writes an attempt entry before running op and an outcome
// entry after. Errors pass through unchanged. A panic is audited as BLOCKER
// and re-raised; the attempt entry guarantees the trail shows what died.
func (b *Bridge) WrapOperation(ctx context.Context, actor, action string, op Operation) (result string, err error) {
	b.auditEntry(ctx, actor, action, audit.SeverityInfo, "", "attempt", "")

	defer func() {
		if rec := recover(); rec != nil {
			b.auditEntry(ctx, actor, action, audit.SeverityBlocker,
				fmt.Sprintf("panic: %v", rec), "panic", "")
			panic(rec)
		}
	}()

	result, err = op(ctx)
	if err != nil {
		b.auditEntry(ctx, actor, action, audit.SeverityWarning, err.Error(), "error", "")
		return "", err
	}
	b.auditEntry(ctx, actor, action, audit.SeverityInfo, "", "success", "")
	return result, nil
}

// Checkpoint records an immutable marker with a digest of the current
// request-state distribution, usable later as a rollback reference.
func (b *Bridge) Checkpoint(ctx context.Context, label string) (*persistence.CheckpointRecord, error) {
	counts, err := b.store.CountRequestsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %q: %w", label, err)
	}
	rec := &persistence.CheckpointRecord{
		CheckpointID: uuid.NewString(),
		Label:        label,
		StateDigest:  digestCounts(counts),
	}
	if err := b.store.SaveCheckpoint(ctx, rec); err != nil {
		return nil, fmt.Errorf("checkpoint %q: %w", label, err)
	}
	b.auditEntry(ctx, "", "checkpoint.create", audit.SeverityInfo,
		fmt.Sprintf("label=%s digest=%s", label, rec.StateDigest), "success", "")
	return rec, nil
}

// SafeDelete never erases: the file moves into the archive directory and a
// manifest row records where it came from and why.
func (b *Bridge) SafeDelete(ctx context.Context, actor, path, reason string) (*persistence.ArchiveRecord, error) {
	if b.archiveDir == "" {
		return nil, fmt.Errorf("safe delete: no archive directory configured")
	}
	if err := os.MkdirAll(b.archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("safe delete: create archive dir: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("safe delete %s: %w", path, err)
	}

	archiveID := uuid.NewString()
	archivePath := filepath.Join(b.archiveDir,
		fmt.Sprintf("%s.%s.%s", filepath.Base(path), time.Now().UTC().Format("20060102T150405Z"), archiveID[:8]))
	if err := os.Rename(path, archivePath); err != nil {
		return nil, fmt.Errorf("safe delete %s: move to archive: %w", path, err)
	}

	rec := &persistence.ArchiveRecord{
		ArchiveID:    archiveID,
		OriginalPath: path,
		ArchivePath:  archivePath,
		Reason:       reason,
		Actor:        actor,
	}
	if err := b.store.RecordArchive(ctx, rec); err != nil {
		// Move the file back so a failed manifest write doesn't strand it.
		_ = os.Rename(archivePath, path)
		return nil, fmt.Errorf("safe delete %s: record manifest: %w", path, err)
	}
	b.auditEntry(ctx, actor, "archive.create", audit.SeverityCritical,
		fmt.Sprintf("path=%s archive=%s reason=%s", path, archivePath, reason), "success", "")
	b.logger.InfoContext(ctx, "file archived", "path", path, "archive_id", archiveID)
	return rec, nil
}

// Purge permanently removes an archived file. The actor must hold the purge
// skill at maximum privilege; the manifest row survives as provenance.
func (b *Bridge) Purge(ctx context.Context, actor, archiveID string) error {
	level, held, err := b.registry.GrantLevel(ctx, actor, PurgeSkill)
	if err != nil {
		return fmt.Errorf("purge %s: %w", archiveID, err)
	}
	if !held || level < registry.MaxLevel {
		b.auditEntry(ctx, actor, "archive.purge", audit.SeverityBlocker,
			fmt.Sprintf("archive=%s level=%d", archiveID, level), "denied", "")
		return fmt.Errorf("purge %s by %s: %w", archiveID, actor, ErrPurgeDenied)
	}

	rec, err := b.store.GetArchive(ctx, archiveID)
	if err != nil {
		return fmt.Errorf("purge %s: %w", archiveID, err)
	}
	if rec == nil {
		return fmt.Errorf("purge %s: %w", archiveID, ErrUnknownArchive)
	}
	if rec.PurgedAt != nil {
		return fmt.Errorf("purge %s: %w", archiveID, ErrAlreadyPurged)
	}

	if err := os.Remove(rec.ArchivePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("purge %s: remove archive file: %w", archiveID, err)
	}
	if err := b.store.MarkArchivePurged(ctx, archiveID); err != nil {
		return fmt.Errorf("purge %s: %w", archiveID, err)
	}
	b.auditEntry(ctx, actor, "archive.purge", audit.SeverityBlocker,
		fmt.Sprintf("archive=%s original=%s", archiveID, rec.OriginalPath), "success", "")
	b.logger.WarnContext(ctx, "archive purged", "archive_id", archiveID, "actor", actor)
	return nil
}

func digestCounts(counts map[persistence.RequestStatus]int64) string {
	keys := make([]string, 0, len(counts))
	for status := range counts {
		keys = append(keys, string(status))
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, key := range keys {
		fmt.Fprintf(h, "%s=%d;", key, counts[persistence.RequestStatus(key)])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (b *Bridge) auditEntry(ctx context.Context, actor, action string, sev audit.Severity, details, outcome, requestID string) {
	if b.trail == nil {
		return
	}
	if _, err := b.trail.Append(ctx, audit.Entry{
		Actor:     actor,
		Action:    action,
		Severity:  sev,
		Details:   details,
		Outcome:   outcome,
		RequestID: requestID,
	}); err != nil {
		b.logger.WarnContext(ctx, "audit append failed", "action", action, "error", err)
	}
}
