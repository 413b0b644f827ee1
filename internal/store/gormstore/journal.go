package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"klinekeeper/internal/market"
	storemodel "klinekeeper/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type backfillRunModel = storemodel.BackfillRunModel
type ingestEventModel = storemodel.IngestEventModel

// RunJournal 记录回补任务与采集事件，实现 market.Journal。
type RunJournal struct {
	db *gorm.DB
}

func NewRunJournal(db *gorm.DB) (*RunJournal, error) {
	if db == nil {
		return nil, fmt.Errorf("run journal: gorm db 不能为空")
	}
	if err := db.AutoMigrate(&backfillRunModel{}, &ingestEventModel{}); err != nil {
		return nil, fmt.Errorf("run journal migrate: %w", err)
	}
	return &RunJournal{db: db}, nil
}

func (j *RunJournal) RunStarted(ctx context.Context, run market.BackfillRun) error {
	row := runToModel(run)
	return j.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (j *RunJournal) RunFinished(ctx context.Context, run market.BackfillRun) error {
	row := runToModel(run)
	return j.db.WithContext(ctx).
		Model(&backfillRunModel{}).
		Where("id = ?", run.ID).
		Updates(map[string]any{
			"status":         row.Status,
			"forward_pages":  row.ForwardPages,
			"backward_pages": row.BackwardPages,
			"candles":        row.Candles,
			"low_ts":         row.LowTs,
			"high_ts":        row.HighTs,
			"error":          row.Error,
			"detail":         row.Detail,
			"finished_at":    row.EndedAtUnix,
		}).Error
}

func (j *RunJournal) RecordEvent(ctx context.Context, ev market.IngestEvent) error {
	details, err := marshalJSON(ev.Detail)
	if err != nil {
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	row := ingestEventModel{
		Kind:      ev.Kind,
		Message:   ev.Message,
		Details:   details,
		Timestamp: at.UnixMilli(),
	}
	if ev.Instrument != nil {
		row.Symbol = ev.Instrument.Symbol
		row.Period = ev.Instrument.Interval.String()
	}
	return j.db.WithContext(ctx).Create(&row).Error
}

// ListRuns returns the newest runs first.
func (j *RunJournal) ListRuns(ctx context.Context, limit int) ([]market.BackfillRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []backfillRunModel
	if err := j.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]market.BackfillRun, 0, len(rows))
	for _, row := range rows {
		out = append(out, modelToRun(row))
	}
	return out, nil
}

func (j *RunJournal) ListEvents(ctx context.Context, limit int) ([]market.IngestEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ingestEventModel
	if err := j.db.WithContext(ctx).Order("timestamp DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]market.IngestEvent, 0, len(rows))
	for _, row := range rows {
		ev := market.IngestEvent{
			Kind:    row.Kind,
			Message: row.Message,
			At:      time.UnixMilli(row.Timestamp),
		}
		if row.Symbol != "" {
			ev.Instrument = &market.Instrument{Symbol: row.Symbol, Interval: market.Interval(row.Period)}
		}
		if len(row.Details) > 0 {
			_ = json.Unmarshal(row.Details, &ev.Detail)
		}
		out = append(out, ev)
	}
	return out, nil
}

func runToModel(run market.BackfillRun) backfillRunModel {
	detail, _ := marshalJSON(map[string]any{
		"stop_time": run.StopTime,
		"kind":      run.Kind,
	})
	row := backfillRunModel{
		ID:            run.ID,
		Symbol:        run.Instrument.Symbol,
		Period:        run.Instrument.Interval.String(),
		Kind:          string(run.Kind),
		Status:        string(run.Status),
		StopTs:        run.StopTime,
		ForwardPages:  run.ForwardPages,
		BackwardPages: run.BackwardPages,
		Candles:       run.Candles,
		LowTs:         run.Low,
		HighTs:        run.High,
		Error:         run.Error,
		Detail:        detail,
		StartedAtUnix: run.StartedAt.UnixMilli(),
	}
	if !run.FinishedAt.IsZero() {
		row.EndedAtUnix = run.FinishedAt.UnixMilli()
	}
	return row
}

func modelToRun(row backfillRunModel) market.BackfillRun {
	run := market.BackfillRun{
		ID:            row.ID,
		Instrument:    market.Instrument{Symbol: row.Symbol, Interval: market.Interval(row.Period)},
		Kind:          market.RunKind(row.Kind),
		Status:        market.RunStatus(row.Status),
		StopTime:      row.StopTs,
		ForwardPages:  row.ForwardPages,
		BackwardPages: row.BackwardPages,
		Candles:       row.Candles,
		Low:           row.LowTs,
		High:          row.HighTs,
		Error:         row.Error,
		StartedAt:     time.UnixMilli(row.StartedAtUnix),
	}
	if row.EndedAtUnix > 0 {
		run.FinishedAt = time.UnixMilli(row.EndedAtUnix)
	}
	return run
}

func marshalJSON(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
