package persist

import (
	"context"
	"fmt"
)

// SnapshotRow is one persisted component snapshot: the full-mask encoding of
// a component instance, keyed by owning entity and component type.
type SnapshotRow struct {
	Entity    uint32
	TypeID    uint32
	Component string
	Data      []byte
}

type SnapshotRepo struct {
	db *DB
}

func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

// UpsertBatch writes a batch of snapshots in a single transaction. All or
// nothing: on failure the caller keeps its dirty accumulators and retries on
// the next persistence pass.
func (r *SnapshotRepo) UpsertBatch(ctx context.Context, rows []SnapshotRow) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("snapshot begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		if _, err := tx.Exec(ctx,
			`INSERT INTO component_snapshots (entity_id, type_id, component, data, updated_at)
			 VALUES ($1, $2, $3, $4, NOW())
			 ON CONFLICT (entity_id, type_id)
			 DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
			int64(row.Entity), int64(row.TypeID), row.Component, row.Data,
		); err != nil {
			return fmt.Errorf("snapshot upsert entity=%d type=%#08x: %w", row.Entity, row.TypeID, err)
		}
	}
	return tx.Commit(ctx)
}

// LoadAll reads every stored snapshot, e.g. to repopulate the world at boot.
func (r *SnapshotRepo) LoadAll(ctx context.Context) ([]SnapshotRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT entity_id, type_id, component, data FROM component_snapshots ORDER BY entity_id, type_id`)
	if err != nil {
		return nil, fmt.Errorf("snapshot query: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var (
			entity, typeID int64
			row            SnapshotRow
		)
		if err := rows.Scan(&entity, &typeID, &row.Component, &row.Data); err != nil {
			return nil, fmt.Errorf("snapshot scan: %w", err)
		}
		row.Entity = uint32(entity)
		row.TypeID = uint32(typeID)
		out = append(out, row)
	}
	return out, rows.Err()
}

// DeleteEntity removes all snapshots of a destroyed entity.
func (r *SnapshotRepo) DeleteEntity(ctx context.Context, entity uint32) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM component_snapshots WHERE entity_id = $1`, int64(entity))
	return err
}
