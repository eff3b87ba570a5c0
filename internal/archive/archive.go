// Package archive periodically snapshots the in-memory pipeline table
// and run rollups into the SQLite archive.
package archive

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lecternhq/lectern/internal/models"
	"github.com/lecternhq/lectern/internal/pipeline"
	"github.com/lecternhq/lectern/internal/runlog"
)

// Archiver upserts segment and run snapshots on a cron schedule.
type Archiver struct {
	db      *gorm.DB
	tracker *pipeline.Tracker
	log     *runlog.Log
	logger  zerolog.Logger
	cron    *cron.Cron
	now     func() time.Time
}

// New creates an Archiver writing to db.
func New(db *gorm.DB, tracker *pipeline.Tracker, log *runlog.Log, logger zerolog.Logger) *Archiver {
	return &Archiver{
		db:      db,
		tracker: tracker,
		log:     log,
		logger:  logger,
		now:     time.Now,
	}
}

// Start schedules periodic snapshots. The schedule accepts standard
// cron expressions and descriptors such as "@every 60s".
func (a *Archiver) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := a.Snapshot(); err != nil {
			a.logger.Warn().Err(err).Msg("archive snapshot failed")
		}
	})
	if err != nil {
		return fmt.Errorf("archive: schedule %q: %w", schedule, err)
	}
	c.Start()
	a.cron = c
	return nil
}

// Stop halts the scheduler and waits for a running snapshot to finish.
func (a *Archiver) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}

// Snapshot upserts the current segment table and run rollups.
func (a *Archiver) Snapshot() error {
	archivedAt := a.now()

	for _, seg := range a.tracker.All() {
		rec := models.SegmentRecord{
			SegmentID:  seg.SegmentID,
			FlowRunID:  seg.FlowRunID,
			Text:       seg.Text,
			AudioRef:   seg.AudioRef,
			Status:     string(seg.Status),
			SourceRole: seg.SourceRole,
			SourcePage: seg.SourcePage,
			Injected:   seg.Injected,
			SentStatus: string(seg.SentStatus),
			CreatedTs:  seg.CreatedTs,
			UpdatedTs:  seg.UpdatedTs,
			ArchivedAt: archivedAt,
		}
		result := a.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "segment_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"flow_run_id", "text", "audio_ref", "status", "source_role",
				"source_page", "injected", "sent_status", "updated_ts", "archived_at",
			}),
		}).Create(&rec)
		if result.Error != nil {
			return fmt.Errorf("archive: segment %s: %w", seg.SegmentID, result.Error)
		}
	}

	for _, run := range a.log.Runs() {
		rec := models.RunRecord{
			RunID:        run.RunID,
			Status:       run.Status,
			EventCount:   run.EventCount,
			ErrorCount:   run.ErrorCount,
			WarningCount: run.WarningCount,
			LastProblem:  run.LastProblem,
			LogPath:      run.Path,
			CreatedTs:    run.CreatedTs,
			UpdatedTs:    run.UpdatedTs,
			ArchivedAt:   archivedAt,
		}
		result := a.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "run_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "event_count", "error_count", "warning_count",
				"last_problem", "log_path", "updated_ts", "archived_at",
			}),
		}).Create(&rec)
		if result.Error != nil {
			return fmt.Errorf("archive: run %s: %w", run.RunID, result.Error)
		}
	}
	return nil
}
