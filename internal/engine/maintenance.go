package engine

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const opMaintenance = "engine.maintenance"

// MaintenanceReport summarizes one cleanup pass.
type MaintenanceReport struct {
	LocalTombstones  int64
	RemoteTombstones int64
	RemotePurged     bool
	Conflicts        int64
}

// CleanupTombstones hard-deletes tombstones older than the retention period. Locally it
// keeps tombstones whose delete is still queued. Remotely it purges at most once per purge
// interval and only while online.
func (e *Engine) CleanupTombstones(ctx context.Context) (MaintenanceReport, error) {
	report := MaintenanceReport{}
	now := e.clock()
	cutoff := now.Add(-e.tombstoneRetention)

	pending, err := e.queue.PendingKeys(ctx)
	if err != nil {
		return report, err
	}
	purged, err := e.store.PurgeTombstones(ctx, cutoff, func(table, entityID string) bool {
		_, queued := pending[outbox.EntityKey{Table: table, EntityID: entityID}]
		return queued
	})
	if err != nil {
		e.logError(opMaintenance, "local_purge_failed", err)
		return report, err
	}
	report.LocalTombstones = purged

	userID := e.UserID()
	if userID == "" || !e.IsOnline() {
		return report, nil
	}
	last, err := e.store.LastRemotePurge(ctx, userID)
	if err != nil {
		return report, err
	}
	if !last.IsZero() && now.Sub(last) < e.remotePurgeInterval {
		return report, nil
	}
	filters := []remote.Filter{
		remote.Eq(records.FieldUserID, userID),
		remote.Eq(records.FieldDeleted, true),
		remote.Lte(records.FieldUpdatedAt, records.FormatTimestamp(cutoff)),
	}
	phaseCtx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	defer cancel()
	for _, table := range e.tables {
		result, err := e.remote.Delete(phaseCtx, table, filters)
		if err != nil {
			e.logError(opMaintenance, "remote_purge_failed", err, zap.String("table", table))
			return report, classify(err)
		}
		report.RemoteTombstones += result.RowsAffected
	}
	if err := e.store.MarkRemotePurge(ctx, userID, now); err != nil {
		return report, err
	}
	report.RemotePurged = true
	return report, nil
}

// RunMaintenance purges old tombstones and trims conflict history.
func (e *Engine) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	report, err := e.CleanupTombstones(ctx)
	if err != nil {
		return report, err
	}
	if e.history != nil {
		removed, err := e.history.Cleanup(ctx, e.conflictRetention)
		if err != nil {
			e.logError(opMaintenance, "history_cleanup_failed", err)
			return report, err
		}
		report.Conflicts = removed
	}
	e.logger.Info("maintenance completed",
		zap.Int64("local_tombstones", report.LocalTombstones),
		zap.Int64("remote_tombstones", report.RemoteTombstones),
		zap.Int64("conflicts", report.Conflicts))
	return report, nil
}

// ScheduleMaintenance registers RunMaintenance on a cron schedule such as "@every 1h".
// The caller starts and stops the returned cron.
func (e *Engine) ScheduleMaintenance(schedule string) (*cron.Cron, error) {
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultMaintenanceSchedule
	}
	scheduler := cron.New()
	_, err := scheduler.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(e.baseCtx, time.Minute)
		defer cancel()
		if _, err := e.RunMaintenance(ctx); err != nil {
			e.logger.Warn("scheduled maintenance failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return scheduler, nil
}
