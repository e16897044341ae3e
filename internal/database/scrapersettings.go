package database

import (
	"context"
	"database/sql"

	"github.com/l429609201/danmu-api-server/models"
)

// SyncScrapers reconciles the scrapers table with the set of compiled-in
// providers: missing rows are appended at the end of the display order,
// rows for providers that no longer exist are removed. An empty provider
// set is a no-op so a partial registry start cannot wipe user settings.
func (db *DB) SyncScrapers(ctx context.Context, providers []string) error {
	if len(providers) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var maxOrder int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(display_order), 0) FROM scrapers`).Scan(&maxOrder); err != nil {
			return err
		}
		known := make(map[string]bool, len(providers))
		for _, name := range providers {
			known[name] = true
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO scrapers (provider_name, display_order) VALUES (?, ?)`,
				name, maxOrder+1)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				maxOrder++
			}
		}

		rows, err := tx.QueryContext(ctx, `SELECT provider_name FROM scrapers`)
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			if !known[name] {
				stale = append(stale, name)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, name := range stale {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM scrapers WHERE provider_name = ?`, name); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScraperSettings lists all scraper rows ordered for display.
func (db *DB) ScraperSettings(ctx context.Context) ([]models.ScraperSetting, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT provider_name, is_enabled, display_order, use_proxy
		FROM scrapers ORDER BY display_order, provider_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScraperSetting
	for rows.Next() {
		var s models.ScraperSetting
		if err := rows.Scan(&s.ProviderName, &s.IsEnabled, &s.DisplayOrder, &s.UseProxy); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateScraperSettings overwrites the scraper rows in one transaction,
// typically after the user reorders or toggles providers.
func (db *DB) UpdateScraperSettings(ctx context.Context, settings []models.ScraperSetting) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range settings {
			if _, err := tx.ExecContext(ctx,
				`UPDATE scrapers SET is_enabled = ?, display_order = ?, use_proxy = ? WHERE provider_name = ?`,
				s.IsEnabled, s.DisplayOrder, s.UseProxy, s.ProviderName); err != nil {
				return err
			}
		}
		return nil
	})
}

// SyncMetadataSources reconciles the metadata_sources table the same way
// SyncScrapers does, with one extra rule: tmdb always has aux search on
// because the search pipeline depends on its aliases.
func (db *DB) SyncMetadataSources(ctx context.Context, providers []string) error {
	if len(providers) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var maxOrder int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(display_order), 0) FROM metadata_sources`).Scan(&maxOrder); err != nil {
			return err
		}
		known := make(map[string]bool, len(providers))
		for _, name := range providers {
			known[name] = true
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO metadata_sources (provider_name, display_order) VALUES (?, ?)`,
				name, maxOrder+1)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				maxOrder++
			}
		}
		rows, err := tx.QueryContext(ctx, `SELECT provider_name FROM metadata_sources`)
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return err
			}
			if !known[name] {
				stale = append(stale, name)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, name := range stale {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM metadata_sources WHERE provider_name = ?`, name); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE metadata_sources SET is_aux_search_enabled = 1 WHERE provider_name = 'tmdb'`)
		return err
	})
}

// MetadataSourceSettings lists all metadata source rows ordered for
// display.
func (db *DB) MetadataSourceSettings(ctx context.Context) ([]models.MetadataSourceSetting, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT provider_name, is_enabled, is_aux_search_enabled, display_order, use_proxy
		FROM metadata_sources ORDER BY display_order, provider_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MetadataSourceSetting
	for rows.Next() {
		var s models.MetadataSourceSetting
		if err := rows.Scan(&s.ProviderName, &s.IsEnabled, &s.IsAuxSearchEnabled,
			&s.DisplayOrder, &s.UseProxy); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateMetadataSourceSettings overwrites the metadata source rows,
// re-forcing aux search on for tmdb.
func (db *DB) UpdateMetadataSourceSettings(ctx context.Context, settings []models.MetadataSourceSetting) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range settings {
			aux := s.IsAuxSearchEnabled
			if s.ProviderName == "tmdb" {
				aux = true
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE metadata_sources SET is_enabled = ?, is_aux_search_enabled = ?, display_order = ?, use_proxy = ?
				WHERE provider_name = ?`,
				s.IsEnabled, aux, s.DisplayOrder, s.UseProxy, s.ProviderName); err != nil {
				return err
			}
		}
		return nil
	})
}
