package sqlite

import (
	"context"
	"strings"
	"time"

	"perpagent/internal/store"
	"perpagent/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type eventRepo struct {
	db *gorm.DB
}

func newEventRepo(db *gorm.DB) *eventRepo {
	return &eventRepo{db: db}
}

func (r *eventRepo) Insert(ctx context.Context, rec store.EventRecord) error {
	at := rec.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	row := model.LifecycleEventModel{
		Symbol:        strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		Kind:          rec.Kind,
		FromState:     rec.From,
		ToState:       rec.To,
		Reason:        rec.Reason,
		Title:         rec.Title,
		CreatedAtUnix: at.UnixMilli(),
	}
	if len(rec.Payload) > 0 {
		row.Payload = datatypes.JSON(rec.Payload)
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *eventRepo) List(ctx context.Context, symbol string, limit int) ([]store.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(limit)
	if s := strings.ToUpper(strings.TrimSpace(symbol)); s != "" {
		q = q.Where("symbol = ?", s)
	}
	var rows []model.LifecycleEventModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.EventRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, store.EventRecord{
			ID:        m.ID,
			Symbol:    m.Symbol,
			Kind:      m.Kind,
			From:      m.FromState,
			To:        m.ToState,
			Reason:    m.Reason,
			Title:     m.Title,
			Payload:   []byte(m.Payload),
			CreatedAt: time.UnixMilli(m.CreatedAtUnix).UTC(),
		})
	}
	return out, nil
}
