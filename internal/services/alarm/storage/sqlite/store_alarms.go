package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/alarmdeck/alarmdeck/internal/services/alarm/domain"
	"github.com/alarmdeck/alarmdeck/internal/services/alarm/storage"
)

const alarmColumns = "id, page_id, ticker, option, condition, strategy_id, strategy_name, created_by, active, created_at, last_triggered"

// CreateAlarm inserts an alarm on an existing page.
func (s *Store) CreateAlarm(ctx context.Context, alarm domain.Alarm) (domain.Alarm, error) {
	if strings.TrimSpace(alarm.Ticker) == "" ||
		strings.TrimSpace(alarm.Option) == "" ||
		strings.TrimSpace(alarm.Condition) == "" {
		return domain.Alarm{}, fmt.Errorf("ticker, option and condition are required")
	}

	alarmID, err := newID()
	if err != nil {
		return domain.Alarm{}, err
	}
	alarm.ID = alarmID
	alarm.CreatedAt = s.now().UTC()
	alarm.LastTriggered = nil

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, "SELECT 1 FROM pages WHERE id = ?", alarm.PageID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO alarms (id, page_id, ticker, option, condition, strategy_id, strategy_name, created_by, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			alarm.ID, alarm.PageID, alarm.Ticker, alarm.Option, alarm.Condition,
			nullString(alarm.StrategyID), nullString(alarm.StrategyName),
			alarm.CreatedBy, boolToInt(alarm.Active), toMillis(alarm.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert alarm: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Alarm{}, err
	}
	return alarm, nil
}

// GetAlarm returns the alarm by id.
func (s *Store) GetAlarm(ctx context.Context, alarmID string) (domain.Alarm, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+alarmColumns+" FROM alarms WHERE id = ?",
		alarmID,
	)
	alarm, err := scanAlarm(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Alarm{}, storage.ErrNotFound
		}
		return domain.Alarm{}, fmt.Errorf("get alarm: %w", err)
	}
	return alarm, nil
}

// UpdateAlarm applies a partial patch and returns the updated alarm.
func (s *Store) UpdateAlarm(ctx context.Context, alarmID string, patch domain.AlarmPatch) (domain.Alarm, error) {
	var updated domain.Alarm
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if !patch.IsEmpty() {
			var sets []string
			var args []any
			if patch.Ticker != nil {
				sets = append(sets, "ticker = ?")
				args = append(args, *patch.Ticker)
			}
			if patch.Option != nil {
				sets = append(sets, "option = ?")
				args = append(args, *patch.Option)
			}
			if patch.Condition != nil {
				sets = append(sets, "condition = ?")
				args = append(args, *patch.Condition)
			}
			if patch.Active != nil {
				sets = append(sets, "active = ?")
				args = append(args, boolToInt(*patch.Active))
			}
			args = append(args, alarmID)

			result, err := tx.ExecContext(ctx,
				"UPDATE alarms SET "+strings.Join(sets, ", ")+" WHERE id = ?",
				args...,
			)
			if err != nil {
				return fmt.Errorf("update alarm: %w", err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if affected == 0 {
				return storage.ErrNotFound
			}
		}

		row := tx.QueryRowContext(ctx,
			"SELECT "+alarmColumns+" FROM alarms WHERE id = ?",
			alarmID,
		)
		alarm, err := scanAlarm(row.Scan)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("reload alarm: %w", err)
		}
		updated = alarm
		return nil
	})
	if err != nil {
		return domain.Alarm{}, err
	}
	return updated, nil
}

// DeleteAlarm removes the alarm and returns its page id for fan-out.
func (s *Store) DeleteAlarm(ctx context.Context, alarmID string) (string, error) {
	var pageID string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, "SELECT page_id FROM alarms WHERE id = ?", alarmID).Scan(&pageID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("lookup alarm page: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM alarms WHERE id = ?", alarmID); err != nil {
			return fmt.Errorf("delete alarm: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return pageID, nil
}

// TriggerAlarm stamps last_triggered and appends an event atomically.
func (s *Store) TriggerAlarm(ctx context.Context, alarmID string, byUserID string, price *float64) (domain.Alarm, domain.AlarmEvent, error) {
	eventID, err := newID()
	if err != nil {
		return domain.Alarm{}, domain.AlarmEvent{}, err
	}
	triggeredAt := s.now().UTC()

	var alarm domain.Alarm
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"UPDATE alarms SET last_triggered = ? WHERE id = ?",
			toMillis(triggeredAt), alarmID,
		)
		if err != nil {
			return fmt.Errorf("stamp last_triggered: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return storage.ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alarm_events (id, alarm_id, triggered_by, price, triggered_at)
			VALUES (?, ?, ?, ?, ?)`,
			eventID, alarmID, byUserID, nullFloat(price), toMillis(triggeredAt),
		); err != nil {
			return fmt.Errorf("insert alarm event: %w", err)
		}

		row := tx.QueryRowContext(ctx,
			"SELECT "+alarmColumns+" FROM alarms WHERE id = ?",
			alarmID,
		)
		loaded, err := scanAlarm(row.Scan)
		if err != nil {
			return fmt.Errorf("reload alarm: %w", err)
		}
		alarm = loaded
		return nil
	})
	if err != nil {
		return domain.Alarm{}, domain.AlarmEvent{}, err
	}

	event := domain.AlarmEvent{
		ID:          eventID,
		AlarmID:     alarmID,
		TriggeredBy: byUserID,
		Price:       price,
		TriggeredAt: triggeredAt,
	}
	return alarm, event, nil
}

// ListAlarmsInPages returns every alarm on the given pages.
func (s *Store) ListAlarmsInPages(ctx context.Context, pageIDs []string) ([]domain.Alarm, error) {
	if len(pageIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(pageIDs))
	args := make([]any, len(pageIDs))
	for i, pageID := range pageIDs {
		placeholders[i] = "?"
		args[i] = pageID
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT "+alarmColumns+" FROM alarms WHERE page_id IN ("+strings.Join(placeholders, ", ")+") ORDER BY created_at, id",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}
	defer rows.Close()

	var alarms []domain.Alarm
	for rows.Next() {
		alarm, err := scanAlarm(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan alarm: %w", err)
		}
		alarms = append(alarms, alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alarms: %w", err)
	}
	return alarms, nil
}

// ListAlarmEvents returns trigger history, newest first.
func (s *Store) ListAlarmEvents(ctx context.Context, alarmID string, limit int) ([]domain.AlarmEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, alarm_id, triggered_by, price, triggered_at
		FROM alarm_events
		WHERE alarm_id = ?
		ORDER BY triggered_at DESC, id DESC
		LIMIT ?`,
		alarmID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list alarm events: %w", err)
	}
	defer rows.Close()

	var events []domain.AlarmEvent
	for rows.Next() {
		var event domain.AlarmEvent
		var price sql.NullFloat64
		var triggeredAt int64
		if err := rows.Scan(&event.ID, &event.AlarmID, &event.TriggeredBy, &price, &triggeredAt); err != nil {
			return nil, fmt.Errorf("scan alarm event: %w", err)
		}
		if price.Valid {
			value := price.Float64
			event.Price = &value
		}
		event.TriggeredAt = fromMillis(triggeredAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alarm events: %w", err)
	}
	return events, nil
}

func scanAlarm(scan func(dest ...any) error) (domain.Alarm, error) {
	var alarm domain.Alarm
	var strategyID, strategyName sql.NullString
	var active int
	var createdAt int64
	var lastTriggered sql.NullInt64

	err := scan(&alarm.ID, &alarm.PageID, &alarm.Ticker, &alarm.Option, &alarm.Condition,
		&strategyID, &strategyName, &alarm.CreatedBy, &active, &createdAt, &lastTriggered)
	if err != nil {
		return domain.Alarm{}, err
	}

	alarm.StrategyID = strategyID.String
	alarm.StrategyName = strategyName.String
	alarm.Active = active == 1
	alarm.CreatedAt = fromMillis(createdAt)
	alarm.LastTriggered = fromNullMillis(lastTriggered)
	return alarm, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}
