package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/h8rt3rmin8r/faceforge/internal/model"
)

const assetColumns = `asset_id, content_hash, kind, filename, mime_type, size_bytes,
  storage_provider, storage_bucket, storage_key, created_at, metadata_extracted`

// CreateAsset inserts a record unless one with the same content hash exists.
// It returns the record that is stored and whether this call created it.
func (s *SQLite) CreateAsset(ctx context.Context, a model.Asset) (model.Asset, bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO assets (`+assetColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
         ON CONFLICT(content_hash) DO NOTHING`,
		a.ID, a.ContentHash, a.Kind, a.Filename, a.MimeType, a.SizeBytes,
		a.Location.Provider, a.Location.Bucket, a.Location.Key, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return model.Asset{}, false, fmt.Errorf("insert asset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Asset{}, false, err
	}
	if n == 0 {
		existing, err := s.FindAssetByHash(ctx, a.ContentHash)
		return existing, false, err
	}
	a.CreatedAt = time.UnixMilli(a.CreatedAt.UnixMilli()).UTC()
	return a, true, nil
}

func (s *SQLite) GetAsset(ctx context.Context, id string) (model.Asset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE asset_id = ?`, id)
	return scanAsset(row)
}

func (s *SQLite) FindAssetByHash(ctx context.Context, hash string) (model.Asset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE content_hash = ?`, hash)
	return scanAsset(row)
}

func (s *SQLite) ListAssets(ctx context.Context, limit, offset int) ([]model.Asset, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets ORDER BY created_at DESC, asset_id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) CountAssets(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assets`).Scan(&n)
	return n, err
}

func scanAsset(sc scanner) (model.Asset, error) {
	var (
		a         model.Asset
		createdMs int64
		extracted int
	)
	err := sc.Scan(&a.ID, &a.ContentHash, &a.Kind, &a.Filename, &a.MimeType, &a.SizeBytes,
		&a.Location.Provider, &a.Location.Bucket, &a.Location.Key, &createdMs, &extracted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Asset{}, model.ErrNotFound
		}
		return model.Asset{}, err
	}
	a.CreatedAt = time.UnixMilli(createdMs).UTC()
	a.MetadataExtracted = extracted != 0
	return a, nil
}

func (s *SQLite) AddAssetLink(ctx context.Context, link model.AssetLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO asset_links (link_id, asset_id, filename, kind, origin, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		link.ID, link.AssetID, link.Filename, link.Kind, link.Origin, link.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert asset link: %w", err)
	}
	return nil
}

func (s *SQLite) ListAssetLinks(ctx context.Context, assetID string) ([]model.AssetLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT link_id, asset_id, filename, kind, origin, created_at
       FROM asset_links WHERE asset_id = ? ORDER BY created_at, link_id`, assetID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AssetLink
	for rows.Next() {
		var (
			l         model.AssetLink
			createdMs int64
		)
		if err := rows.Scan(&l.ID, &l.AssetID, &l.Filename, &l.Kind, &l.Origin, &createdMs); err != nil {
			return nil, err
		}
		l.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// AppendMetadata adds an entry. Entries are never updated in place; an
// ExifTool entry also marks the asset as extracted.
func (s *SQLite) AppendMetadata(ctx context.Context, e model.MetadataEntry) (model.MetadataEntry, error) {
	if !json.Valid(e.Data) {
		return model.MetadataEntry{}, fmt.Errorf("%w: metadata data is not valid JSON", model.ErrInvalidInput)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.MetadataEntry{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO asset_metadata (asset_id, source, type, name, name_hashes, data, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.AssetID, e.Source, e.Type, nullableString(e.Name), nullableString(e.NameHashes), string(e.Data), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return model.MetadataEntry{}, fmt.Errorf("insert metadata: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return model.MetadataEntry{}, err
	}
	if e.Source == model.MetadataSourceExifTool {
		if _, err := tx.ExecContext(ctx, `UPDATE assets SET metadata_extracted = 1 WHERE asset_id = ?`, e.AssetID); err != nil {
			return model.MetadataEntry{}, err
		}
	}
	return e, tx.Commit()
}

func (s *SQLite) ListMetadata(ctx context.Context, assetID string) ([]model.MetadataEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset_id, source, type, name, name_hashes, data, created_at
       FROM asset_metadata WHERE asset_id = ? ORDER BY id`, assetID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MetadataEntry
	for rows.Next() {
		var (
			e          model.MetadataEntry
			name       sql.NullString
			nameHashes sql.NullString
			data       string
			createdMs  int64
		)
		if err := rows.Scan(&e.ID, &e.AssetID, &e.Source, &e.Type, &name, &nameHashes, &data, &createdMs); err != nil {
			return nil, err
		}
		if name.Valid {
			e.Name = &name.String
		}
		if nameHashes.Valid {
			e.NameHashes = &nameHashes.String
		}
		e.Data = json.RawMessage(data)
		e.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
