// Package globalindex maintains the cross-region projection of event
// metadata used for company-wide search.
package globalindex

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/internal/regionstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var Module = fx.Module("globalindex",
	fx.Provide(New),
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Index struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(p Params) *Index {
	return &Index{db: p.DB, log: p.Log.Named("globalindex")}
}

// Record writes the index entry for a committed event. Recording the same
// event twice is a no-op.
func (i *Index) Record(ctx context.Context, e *eventdomain.AuditEvent) error {
	entry := eventdomain.NewIndexEntry(e)
	return i.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&entry).Error
}

// Query returns the page of entries matching f, newest first, and the total
// match count.
func (i *Index) Query(ctx context.Context, q eventdomain.ListQuery) ([]eventdomain.IndexEntry, int64, error) {
	base := regionstore.ApplyFilter(i.db.WithContext(ctx).Model(&eventdomain.IndexEntry{}), q.Filter)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := q.Page.Normalize()
	var rows []eventdomain.IndexEntry
	err := base.Session(&gorm.Session{}).
		Order("created_at DESC").
		Order("event_id DESC").
		Limit(page.Limit).
		Offset(page.Offset()).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// Lookup finds a single entry, scoped to the company.
func (i *Index) Lookup(ctx context.Context, companyID, eventID snowflake.ID) (*eventdomain.IndexEntry, error) {
	var rows []eventdomain.IndexEntry
	err := i.db.WithContext(ctx).
		Where("event_id = ? AND company_id = ?", eventID, companyID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// RecentVolume counts events committed since the given time.
func (i *Index) RecentVolume(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := i.db.WithContext(ctx).Model(&eventdomain.IndexEntry{}).
		Where("created_at >= ?", since).
		Count(&n).Error
	return n, err
}
