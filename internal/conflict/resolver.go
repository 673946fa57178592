// Package conflict merges a remote entity with a local one that still has unpushed intents.
package conflict

import (
	"sort"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
)

// Type classifies a conflict.
type Type string

const (
	TypeNone           Type = "none"
	TypeFieldMerge     Type = "field_merge"
	TypeLastWriteWins  Type = "last_write_wins"
	TypeDeleteWins     Type = "delete_wins"
	TypeCreateDelete   Type = "create_delete"
	TypeIncrementMerge Type = "increment_merge"
)

// Resolution describes which side the merged entity follows.
type Resolution string

const (
	ResolutionAuto       Resolution = "auto"
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionRemoteWins Resolution = "remote_wins"
	ResolutionMerge      Resolution = "merge"
	ResolutionCancel     Resolution = "cancel"
)

// Result is the outcome of Resolve.
type Result struct {
	EntityType   string
	EntityID     string
	Type         Type
	Resolution   Resolution
	Merged       records.Entity
	HasConflicts bool
	// Fields lists the fields both sides touched with differing values, sorted.
	Fields []string
	// Superseded lists the fields whose pending intents lost to the remote while intents
	// on other fields stay queued.
	Superseded []string
}

// DiscardsPending reports whether every local intent for the entity is obsolete after the
// merged entity is stored.
func (r Result) DiscardsPending() bool {
	return (r.Resolution == ResolutionRemoteWins && len(r.Superseded) == 0) ||
		r.Resolution == ResolutionCancel ||
		(r.Type == TypeNone && r.Merged.Deleted())
}

type pendingSummary struct {
	create  bool
	delete  bool
	touched map[string]bool
	// base holds the value a touched field had before the first pending change.
	base map[string]any
	// deltas holds the net signed delta per field for fields touched only by increments.
	deltas      map[string]float64
	nonCounters map[string]bool
}

func summarize(pending []outbox.Entry) pendingSummary {
	summary := pendingSummary{
		touched:     map[string]bool{},
		base:        map[string]any{},
		deltas:      map[string]float64{},
		nonCounters: map[string]bool{},
	}
	for _, entry := range pending {
		if base, err := entry.Base(); err == nil {
			for field, value := range base {
				if _, seen := summary.base[field]; !seen {
					summary.base[field] = value
				}
			}
		}
		switch entry.Operation {
		case outbox.OperationCreate:
			summary.create = true
		case outbox.OperationDelete:
			summary.delete = true
		case outbox.OperationUpdate:
			payload, err := entry.Payload()
			if err != nil {
				continue
			}
			for field := range payload {
				if records.IsMetadataField(field) {
					continue
				}
				summary.touched[field] = true
				summary.nonCounters[field] = true
			}
		case outbox.OperationIncrement, outbox.OperationDecrement:
			summary.touched[entry.Field] = true
			summary.deltas[entry.Field] += entry.SignedDelta()
		case outbox.OperationToggle, outbox.OperationSet:
			summary.touched[entry.Field] = true
			summary.nonCounters[entry.Field] = true
		}
	}
	return summary
}

// Resolve decides how a remote entity combines with the local one given the entity's
// pending outbox entries. It has no side effects and returns the same result for the same
// inputs.
func Resolve(entityType, entityID string, local, remote records.Entity, pending []outbox.Entry) Result {
	result := Result{EntityType: entityType, EntityID: entityID}
	summary := summarize(pending)

	switch {
	case remote.Deleted() && summary.delete:
		return result.with(TypeNone, ResolutionAuto, remote.Clone(), nil)
	case remote.Deleted() && summary.create:
		return result.with(TypeCreateDelete, ResolutionCancel, remote.Clone(), nil)
	case remote.Deleted():
		return result.with(TypeDeleteWins, ResolutionRemoteWins, remote.Clone(), nil)
	case summary.delete:
		merged := remote.Merge(local)
		merged[records.FieldDeleted] = true
		stampLatest(merged, local, remote)
		return result.with(TypeDeleteWins, ResolutionLocalWins, merged, nil)
	case summary.create:
		merged := remote.Merge(local)
		stampLatest(merged, local, remote)
		return result.with(TypeNone, ResolutionAuto, merged, nil)
	}

	if local == nil {
		return result.with(TypeNone, ResolutionAuto, remote.Clone(), nil)
	}

	remoteTouched := remoteChanges(local, remote, summary)
	if len(remoteTouched) == 0 {
		return result.with(TypeNone, ResolutionAuto, local.Clone(), nil)
	}

	overlap := make([]string, 0)
	overlapping := map[string]bool{}
	for _, field := range remoteTouched {
		if summary.touched[field] {
			overlap = append(overlap, field)
			overlapping[field] = true
		}
	}

	if len(overlap) == 0 {
		merged := overlayFields(remote, local, summary.touched)
		stampLatest(merged, local, remote)
		return result.with(TypeFieldMerge, ResolutionMerge, merged, nil)
	}

	if countersOnly(overlap, summary) {
		merged := overlayFields(remote, local, summary.touched)
		for _, field := range overlap {
			base, ok := records.Numeric(remote[field])
			if !ok {
				continue
			}
			merged[field] = base + summary.deltas[field]
		}
		stampLatest(merged, local, remote)
		return result.with(TypeIncrementMerge, ResolutionMerge, merged, overlap)
	}

	if remote.UpdatedAt().After(local.UpdatedAt()) {
		localOnly := map[string]bool{}
		for field := range summary.touched {
			if !overlapping[field] {
				localOnly[field] = true
			}
		}
		merged := overlayFields(remote, local, localOnly)
		resolved := result.with(TypeLastWriteWins, ResolutionRemoteWins, merged, overlap)
		if len(localOnly) > 0 {
			resolved.Superseded = overlap
		}
		return resolved
	}
	merged := overlayFields(remote, local, summary.touched)
	stampLatest(merged, local, remote)
	return result.with(TypeLastWriteWins, ResolutionLocalWins, merged, overlap)
}

func (r Result) with(conflictType Type, resolution Resolution, merged records.Entity, fields []string) Result {
	r.Type = conflictType
	r.Resolution = resolution
	r.Merged = merged
	r.HasConflicts = conflictType != TypeNone
	r.Fields = fields
	return r
}

// remoteChanges lists the user fields the remote changed, sorted. A field differing from
// local counts only when it also differs from the value local held before its pending
// change, when that value is known.
func remoteChanges(local, remote records.Entity, summary pendingSummary) []string {
	fields := map[string]bool{}
	for field := range remote {
		fields[field] = true
	}
	for field := range local {
		fields[field] = true
	}
	differing := make([]string, 0)
	for field := range fields {
		if records.IsMetadataField(field) || field == records.FieldDeleted {
			continue
		}
		if records.ValuesEqual(local[field], remote[field]) {
			continue
		}
		if base, known := summary.base[field]; known && summary.touched[field] && records.ValuesEqual(base, remote[field]) {
			continue
		}
		differing = append(differing, field)
	}
	sort.Strings(differing)
	return differing
}

func overlayFields(base, source records.Entity, fields map[string]bool) records.Entity {
	merged := base.Clone()
	if merged == nil {
		merged = records.Entity{}
	}
	for field := range fields {
		if value, ok := source[field]; ok {
			merged[field] = value
		}
	}
	return merged
}

func countersOnly(fields []string, summary pendingSummary) bool {
	for _, field := range fields {
		if _, counted := summary.deltas[field]; !counted || summary.nonCounters[field] {
			return false
		}
	}
	return true
}

func stampLatest(merged, local, remote records.Entity) {
	latest := remote.UpdatedAt()
	if local.UpdatedAt().After(latest) {
		latest = local.UpdatedAt()
	}
	if !latest.IsZero() {
		merged[records.FieldUpdatedAt] = records.FormatTimestamp(latest)
	}
}
