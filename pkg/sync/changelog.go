package sync

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/DrTomLLC/StoryStream/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// Changelog is the append-only ordered record of local mutations. Writes are
// durable before the mutation they describe counts as committed for sync.
type Changelog struct {
	db *bun.DB
}

func NewChangelog(db *bun.DB) *Changelog {
	return &Changelog{db: db}
}

// Append inserts one record. The autoincrement id provides the strict
// monotonic total order.
func (cl *Changelog) Append(ctx context.Context, record *models.ChangeRecord) error {
	if record.TimestampMs == 0 {
		record.TimestampMs = models.NowMillis()
	}
	_, err := cl.db.NewInsert().Model(record).Exec(ctx)
	return errors.WithStack(err)
}

// Unsynced returns every record not yet acknowledged by the peer, in id
// order.
func (cl *Changelog) Unsynced(ctx context.Context) ([]*models.ChangeRecord, error) {
	var records []*models.ChangeRecord
	err := cl.db.NewSelect().
		Model(&records).
		Where("synced = 0").
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return records, nil
}

// MarkSynced flags records up to and including cursor as acknowledged.
func (cl *Changelog) MarkSynced(ctx context.Context, cursor int64) error {
	_, err := cl.db.NewUpdate().
		Model((*models.ChangeRecord)(nil)).
		Set("synced = 1").
		Where("id <= ?", cursor).
		Where("synced = 0").
		Exec(ctx)
	return errors.WithStack(err)
}

// ForEntity returns the change history of one entity, for conflict queries.
func (cl *Changelog) ForEntity(ctx context.Context, kind, entityID string) ([]*models.ChangeRecord, error) {
	var records []*models.ChangeRecord
	err := cl.db.NewSelect().
		Model(&records).
		Where("entity_kind = ?", kind).
		Where("entity_id = ?", entityID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return records, nil
}

// GC drops acknowledged records at or below the cursor.
func (cl *Changelog) GC(ctx context.Context, beforeCursor int64) (int64, error) {
	res, err := cl.db.NewDelete().
		Model((*models.ChangeRecord)(nil)).
		Where("synced = 1").
		Where("id <= ?", beforeCursor).
		Exec(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Cursor is the highest record id appended so far.
func (cl *Changelog) Cursor(ctx context.Context) (int64, error) {
	var cursor sql.NullInt64
	err := cl.db.NewSelect().
		Model((*models.ChangeRecord)(nil)).
		ColumnExpr("MAX(id)").
		Scan(ctx, &cursor)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, errors.WithStack(err)
	}
	return cursor.Int64, nil
}

// stateGet reads one key from the sync_state table.
func stateGet(ctx context.Context, db bun.IDB, key string) (int64, error) {
	var value string
	err := db.NewSelect().
		Table("sync_state").
		Column("value").
		Where("key = ?", key).
		Scan(ctx, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.WithStack(err)
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return parsed, nil
}

func stateSet(ctx context.Context, db bun.IDB, key string, value int64) error {
	_, err := db.NewRaw(
		"INSERT INTO sync_state (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value",
		key, strconv.FormatInt(value, 10),
	).Exec(ctx)
	return errors.WithStack(err)
}
