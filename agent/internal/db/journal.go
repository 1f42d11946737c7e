package db

import (
	"encoding/json"
	"fmt"
	"time"

	"fx-executor/agent/internal/wire"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const statusExecuting = "EXECUTING"

// Journal persists command outcomes so dedup survives restarts.
type Journal struct {
	db *gorm.DB
}

func NewJournal(gdb *gorm.DB) *Journal {
	return &Journal{db: gdb}
}

// RecordExecuting marks id as dispatched before the terminal is contacted.
func (j *Journal) RecordExecuting(id, kind, via string, attempts int, at time.Time) error {
	row := ProcessedCommand{
		CommandID:   id,
		Kind:        kind,
		Via:         via,
		Status:      statusExecuting,
		Attempts:    attempts,
		ExecutingAt: &at,
	}
	err := j.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "command_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":       row.Status,
			"attempts":     row.Attempts,
			"executing_at": row.ExecutingAt,
			"updated_at":   time.Now(),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("journal executing %s: %w", id, err)
	}
	return nil
}

// RecordTerminal stores the final result of id.
func (j *Journal) RecordTerminal(res wire.Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", res.CommandID, err)
	}
	completed := res.CompletedAt
	row := ProcessedCommand{
		CommandID:      res.CommandID,
		Kind:           res.Command,
		Via:            res.ReceivedVia,
		Status:         res.Status,
		Attempts:       res.Attempts,
		Error:          truncate(res.Error, 2048),
		UnknownOutcome: res.UnknownOutcome,
		ResultJSON:     string(raw),
		CompletedAt:    &completed,
	}
	err = j.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "command_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"status":          row.Status,
			"attempts":        row.Attempts,
			"error":           row.Error,
			"unknown_outcome": row.UnknownOutcome,
			"result_json":     row.ResultJSON,
			"completed_at":    row.CompletedAt,
			"updated_at":      time.Now(),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("journal result %s: %w", res.CommandID, err)
	}
	return nil
}

func (j *Journal) RecordAcked(id string, at time.Time) error {
	err := j.db.Model(&ProcessedCommand{}).
		Where("command_id = ? AND acked_at IS NULL", id).
		Update("acked_at", at).Error
	if err != nil {
		return fmt.Errorf("journal ack %s: %w", id, err)
	}
	return nil
}

// Recent returns up to limit rows, newest first.
func (j *Journal) Recent(limit int) ([]ProcessedCommand, error) {
	var rows []ProcessedCommand
	if err := j.db.Order("updated_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal load: %w", err)
	}
	return rows, nil
}

// Prune deletes acknowledged rows beyond the newest keep.
func (j *Journal) Prune(keep int) (int64, error) {
	newest := j.db.Model(&ProcessedCommand{}).Select("id").Order("updated_at DESC").Limit(keep)
	res := j.db.Where("acked_at IS NOT NULL AND id NOT IN (?)", newest).Delete(&ProcessedCommand{})
	if res.Error != nil {
		return 0, fmt.Errorf("journal prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Result decodes the stored wire result of a terminal row.
func (p ProcessedCommand) Result() (wire.Result, bool) {
	if p.ResultJSON == "" {
		return wire.Result{}, false
	}
	var res wire.Result
	if err := json.Unmarshal([]byte(p.ResultJSON), &res); err != nil {
		return wire.Result{}, false
	}
	return res, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
