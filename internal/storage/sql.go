package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"race-sync/internal/config"
	"race-sync/internal/models"

	"github.com/jmoiron/sqlx"
)

type SQLProvider struct {
	db     *sqlx.DB
	driver string

	config *config.Storage

	logger *slog.Logger
}

func NewSQLProvider(cfg *config.Storage, driverName string, dataSource string) (*SQLProvider, error) {
	db, err := sqlx.Open(driverName, dataSource)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger := slog.With("component", "storage", "driver", driverName)

	return &SQLProvider{
		db:     db,
		driver: driverName,
		config: cfg,
		logger: logger,
	}, nil
}

func (p *SQLProvider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func (p *SQLProvider) runMigrations(ctx context.Context, driver string) error {
	return NewMigrationRunner(p.db, driver).Migrate(ctx, -1)
}

func (p *SQLProvider) GetSchemaVersion(ctx context.Context) (int, error) {
	return NewMigrationRunner(p.db, p.driver).CurrentVersion(ctx)
}

// withTx runs fn inside a transaction. If fn returns an error the tx rolls
// back, else it commits.
func (p *SQLProvider) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// resetIfExpired drops the content of an expired race so a new write starts
// from an empty document. Heartbeats keep their own expiry.
func resetIfExpired(ctx context.Context, tx *sqlx.Tx, raceID string, now time.Time) error {
	var expiresAt int64
	err := tx.GetContext(ctx, &expiresAt, `SELECT expires_at FROM races WHERE race_id = ?`, raceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	} else if err != nil {
		return err
	}
	if expiresAt > toMillis(now) {
		return nil
	}

	for _, table := range []string{"entries", "faults", "race_aggregates", "races"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE race_id = ?", raceID); err != nil {
			return fmt.Errorf("reset expired race: %w", err)
		}
	}
	return nil
}

// touchRace creates the race row or refreshes its expiry. lastUpdated only
// moves when updated is true.
func touchRace(ctx context.Context, tx *sqlx.Tx, raceID string, opts WriteOptions, updated bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO races (race_id, last_updated, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (race_id) DO UPDATE SET
			last_updated = CASE WHEN ? THEN excluded.last_updated ELSE races.last_updated END,
			expires_at = excluded.expires_at
	`, raceID, toMillis(opts.Now), toMillis(opts.ExpiresAt), updated)
	if err != nil {
		return fmt.Errorf("touch race: %w", err)
	}
	return nil
}

func decodeEntry(row payloadRow) (models.Entry, error) {
	var entry models.Entry
	if err := json.Unmarshal([]byte(row.Payload), &entry); err != nil {
		return models.Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	syncedAt := fromMillis(row.SyncedAt)
	entry.SyncedAt = &syncedAt
	return entry, nil
}

func decodeFault(row payloadRow) (models.FaultEntry, error) {
	var fault models.FaultEntry
	if err := json.Unmarshal([]byte(row.Payload), &fault); err != nil {
		return models.FaultEntry{}, fmt.Errorf("decode fault: %w", err)
	}
	syncedAt := fromMillis(row.SyncedAt)
	fault.SyncedAt = &syncedAt
	return fault, nil
}

const raceSummaryQuery = `
	SELECT r.race_id, r.last_updated, r.expires_at,
		(SELECT COUNT(*) FROM entries e WHERE e.race_id = r.race_id) AS entry_count,
		(SELECT COUNT(*) FROM faults f WHERE f.race_id = r.race_id) AS fault_count
	FROM races r
`

func (p *SQLProvider) GetRace(ctx context.Context, raceID string, now time.Time) (*Race, error) {
	var row raceRow
	err := p.db.GetContext(ctx, &row, raceSummaryQuery+` WHERE r.race_id = ? AND r.expires_at > ?`, raceID, toMillis(now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get race: %w", err)
	}
	race := row.race()
	return &race, nil
}

func (p *SQLProvider) ListRaces(ctx context.Context, now time.Time) ([]Race, error) {
	var rows []raceRow
	err := p.db.SelectContext(ctx, &rows, raceSummaryQuery+` WHERE r.expires_at > ? ORDER BY r.last_updated DESC`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list races: %w", err)
	}
	races := make([]Race, 0, len(rows))
	for _, row := range rows {
		races = append(races, row.race())
	}
	return races, nil
}

func (p *SQLProvider) DeleteRace(ctx context.Context, raceID string) error {
	return p.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"entries", "faults", "race_aggregates", "race_devices", "races"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE race_id = ?", raceID); err != nil {
				return fmt.Errorf("delete race: %w", err)
			}
		}
		return nil
	})
}

func (p *SQLProvider) ListEntries(ctx context.Context, raceID string, now time.Time) ([]models.Entry, error) {
	var rows []payloadRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT e.payload, e.synced_at
		FROM entries e
		JOIN races r ON r.race_id = e.race_id
		WHERE e.race_id = ? AND r.expires_at > ?
		ORDER BY e.seq
	`, raceID, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	entries := make([]models.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := decodeEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (p *SQLProvider) AppendEntry(ctx context.Context, raceID string, entry models.Entry, opts WriteOptions) (AppendResult, error) {
	var res AppendResult

	stored := entry
	stored.SyncedAt = nil
	payload, err := json.Marshal(stored)
	if err != nil {
		return res, fmt.Errorf("encode entry: %w", err)
	}

	err = p.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := resetIfExpired(ctx, tx, raceID, opts.Now); err != nil {
			return err
		}

		var count, stored int
		if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM entries WHERE race_id = ?`, raceID); err != nil {
			return fmt.Errorf("count entries: %w", err)
		}
		if err := tx.GetContext(ctx, &stored, `
			SELECT COUNT(*) FROM entries WHERE race_id = ? AND entry_id = ? AND device_id = ?
		`, raceID, entry.ID, entry.DeviceID); err != nil {
			return fmt.Errorf("find entry: %w", err)
		}
		if stored == 0 && opts.Limit > 0 && count >= opts.Limit {
			return ErrCapacity
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO entries (race_id, entry_id, device_id, bib, point, run, synced_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (race_id, entry_id, device_id) DO NOTHING
		`, raceID, entry.ID, entry.DeviceID, entry.Bib, string(entry.Point), entry.Run, toMillis(opts.Now), string(payload))
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		res.Inserted = affected == 1
		if res.Inserted {
			count++
		}

		if err := touchRace(ctx, tx, raceID, opts, res.Inserted); err != nil {
			return err
		}

		var row payloadRow
		if err := tx.GetContext(ctx, &row, `
			SELECT payload, synced_at FROM entries
			WHERE race_id = ? AND entry_id = ? AND device_id = ?
		`, raceID, entry.ID, entry.DeviceID); err != nil {
			return fmt.Errorf("read back entry: %w", err)
		}
		if res.Entry, err = decodeEntry(row); err != nil {
			return err
		}

		var lastUpdated int64
		if err := tx.GetContext(ctx, &lastUpdated, `SELECT last_updated FROM races WHERE race_id = ?`, raceID); err != nil {
			return fmt.Errorf("read race: %w", err)
		}
		res.LastUpdated = fromMillis(lastUpdated)
		res.EntryCount = count
		return nil
	})
	return res, err
}

func (p *SQLProvider) DeleteEntry(ctx context.Context, raceID string, entryID int64, deviceID string, now time.Time) (bool, error) {
	var deleted bool
	err := p.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM entries WHERE race_id = ? AND entry_id = ? AND device_id = ?
		`, raceID, entryID, deviceID)
		if err != nil {
			return fmt.Errorf("delete entry: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		deleted = affected > 0
		if deleted {
			_, err = tx.ExecContext(ctx, `UPDATE races SET last_updated = ? WHERE race_id = ?`, toMillis(now), raceID)
		}
		return err
	})
	return deleted, err
}

func (p *SQLProvider) RaiseHighestBib(ctx context.Context, raceID string, bib int, opts WriteOptions) (int, error) {
	var highest int
	err := p.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO race_aggregates (race_id, highest_bib, expires_at)
			VALUES (?, ?, ?)
			ON CONFLICT (race_id) DO UPDATE SET
				highest_bib = CASE
					WHEN race_aggregates.expires_at <= ? THEN excluded.highest_bib
					ELSE MAX(race_aggregates.highest_bib, excluded.highest_bib)
				END,
				expires_at = excluded.expires_at
		`, raceID, bib, toMillis(opts.ExpiresAt), toMillis(opts.Now))
		if err != nil {
			return fmt.Errorf("raise highest bib: %w", err)
		}
		return tx.GetContext(ctx, &highest, `SELECT highest_bib FROM race_aggregates WHERE race_id = ?`, raceID)
	})
	return highest, err
}

func (p *SQLProvider) GetHighestBib(ctx context.Context, raceID string, now time.Time) (int, error) {
	var highest int
	err := p.db.GetContext(ctx, &highest, `
		SELECT highest_bib FROM race_aggregates WHERE race_id = ? AND expires_at > ?
	`, raceID, toMillis(now))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("get highest bib: %w", err)
	}
	return highest, nil
}

func (p *SQLProvider) TouchDevice(ctx context.Context, hb DeviceHeartbeat, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO race_devices (race_id, device_id, device_name, last_seen, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (race_id, device_id) DO UPDATE SET
			device_name = CASE WHEN excluded.device_name <> '' THEN excluded.device_name ELSE race_devices.device_name END,
			last_seen = MAX(race_devices.last_seen, excluded.last_seen),
			expires_at = excluded.expires_at
	`, hb.RaceID, hb.DeviceID, hb.DeviceName, toMillis(hb.LastSeen), toMillis(expiresAt))
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

func (p *SQLProvider) ListDevices(ctx context.Context, raceID string, now time.Time) ([]DeviceHeartbeat, error) {
	var rows []deviceRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT race_id, device_id, device_name, last_seen
		FROM race_devices
		WHERE race_id = ? AND expires_at > ?
		ORDER BY device_id
	`, raceID, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	devices := make([]DeviceHeartbeat, 0, len(rows))
	for _, row := range rows {
		devices = append(devices, DeviceHeartbeat{
			RaceID:     row.RaceID,
			DeviceID:   row.DeviceID,
			DeviceName: row.DeviceName,
			LastSeen:   fromMillis(row.LastSeen),
		})
	}
	return devices, nil
}

func (p *SQLProvider) RemoveStaleDevices(ctx context.Context, raceID string, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM race_devices WHERE race_id = ? AND last_seen < ?
	`, raceID, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("remove stale devices: %w", err)
	}
	return result.RowsAffected()
}

func (p *SQLProvider) ListFaults(ctx context.Context, raceID string, now time.Time) ([]models.FaultEntry, error) {
	var rows []payloadRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT f.payload, f.synced_at
		FROM faults f
		JOIN races r ON r.race_id = f.race_id
		WHERE f.race_id = ? AND r.expires_at > ?
		ORDER BY f.seq
	`, raceID, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list faults: %w", err)
	}

	faults := make([]models.FaultEntry, 0, len(rows))
	for _, row := range rows {
		fault, err := decodeFault(row)
		if err != nil {
			return nil, err
		}
		faults = append(faults, fault)
	}
	return faults, nil
}

func (p *SQLProvider) UpsertFault(ctx context.Context, raceID string, fault models.FaultEntry, opts WriteOptions) (bool, error) {
	stored := fault
	stored.SyncedAt = nil
	payload, err := json.Marshal(stored)
	if err != nil {
		return false, fmt.Errorf("encode fault: %w", err)
	}

	var applied bool
	err = p.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := resetIfExpired(ctx, tx, raceID, opts.Now); err != nil {
			return err
		}

		var current int
		err := tx.GetContext(ctx, &current, `
			SELECT current_version FROM faults WHERE race_id = ? AND fault_id = ? AND device_id = ?
		`, raceID, fault.ID, fault.DeviceID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			var count int
			if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM faults WHERE race_id = ?`, raceID); err != nil {
				return fmt.Errorf("count faults: %w", err)
			}
			if opts.Limit > 0 && count >= opts.Limit {
				return ErrCapacity
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO faults (race_id, fault_id, device_id, current_version, synced_at, payload)
				VALUES (?, ?, ?, ?, ?, ?)
			`, raceID, fault.ID, fault.DeviceID, fault.CurrentVersion, toMillis(opts.Now), string(payload)); err != nil {
				return fmt.Errorf("insert fault: %w", err)
			}
			applied = true
		case err != nil:
			return fmt.Errorf("read fault version: %w", err)
		case fault.CurrentVersion > current:
			if _, err := tx.ExecContext(ctx, `
				UPDATE faults SET current_version = ?, payload = ?
				WHERE race_id = ? AND fault_id = ? AND device_id = ?
			`, fault.CurrentVersion, string(payload), raceID, fault.ID, fault.DeviceID); err != nil {
				return fmt.Errorf("update fault: %w", err)
			}
			applied = true
		}

		return touchRace(ctx, tx, raceID, opts, applied)
	})
	return applied, err
}

func (p *SQLProvider) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := p.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (p *SQLProvider) SetSetting(ctx context.Context, key string, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (p *SQLProvider) DeleteSetting(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting: %w", err)
	}
	return nil
}

func (p *SQLProvider) CreateNonce(ctx context.Context, nonce string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO nonces (nonce, expires_at) VALUES (?, ?)`, nonce, toMillis(expiresAt))
	if err != nil {
		return fmt.Errorf("create nonce: %w", err)
	}
	return nil
}

func (p *SQLProvider) ExistsNonce(ctx context.Context, nonce string) (bool, error) {
	var count int
	err := p.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM nonces WHERE nonce = ? AND expires_at > ?
	`, nonce, toMillis(time.Now()))
	if err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	return count > 0, nil
}

func (p *SQLProvider) ConsumeNonce(ctx context.Context, nonce string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM nonces WHERE nonce = ? AND expires_at > ?
	`, nonce, toMillis(time.Now()))
	if err != nil {
		return false, fmt.Errorf("consume nonce: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *SQLProvider) ExpireNonces(ctx context.Context, now time.Time) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("expire nonces: %w", err)
	}
	return nil
}

func (p *SQLProvider) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	statements := []string{
		`DELETE FROM entries WHERE race_id IN (SELECT race_id FROM races WHERE expires_at <= ?)`,
		`DELETE FROM faults WHERE race_id IN (SELECT race_id FROM races WHERE expires_at <= ?)`,
		`DELETE FROM races WHERE expires_at <= ?`,
		`DELETE FROM race_aggregates WHERE expires_at <= ?`,
		`DELETE FROM race_devices WHERE expires_at <= ?`,
		`DELETE FROM nonces WHERE expires_at <= ?`,
	}

	var total int64
	err := p.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range statements {
			result, err := tx.ExecContext(ctx, stmt, toMillis(now))
			if err != nil {
				return fmt.Errorf("purge expired: %w", err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return err
			}
			total += affected
		}
		return nil
	})
	if err == nil && total > 0 {
		p.logger.Info("Purged expired records", "rows", total)
	}
	return total, err
}
