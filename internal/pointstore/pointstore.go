// Package pointstore persists decoded points to SQLite for offline analysis
// and replay tooling. The decoder core never touches this package; the cmd
// entrypoints wire it in when a database path is configured.
package pointstore

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/velodyne-rawdata/internal/velodyne"
)

type PointStore struct {
	*sql.DB
}

// schema.sql defines tables for decode sessions and their points.
//
//go:embed schema.sql
var schemaSQL string

func NewPointStore(path string) (*PointStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize point store schema: %w", err)
	}

	log.Println("initialized point store schema")

	return &PointStore{db}, nil
}

// BeginSession records a new decode session and returns its id.
func (ps *PointStore) BeginSession(deviceModel, calibration string) (string, error) {
	id := uuid.NewString()
	_, err := ps.Exec(
		`INSERT INTO decode_sessions (session_id, device_model, calibration, started_unix_nanos) VALUES (?, ?, ?, ?)`,
		id, deviceModel, calibration, time.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create decode session: %w", err)
	}
	return id, nil
}

// InsertBatch stores one decode call's worth of points in a single
// transaction.
func (ps *PointStore) InsertBatch(sessionID string, points []velodyne.Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := ps.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO points (session_id, x, y, z, intensity, time_sec, time_nsec, ring) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.Exec(sessionID, p.X, p.Y, p.Z, p.Intensity, p.TimeSec, p.TimeNsec, p.Ring); err != nil {
			return fmt.Errorf("failed to insert point: %w", err)
		}
	}
	return tx.Commit()
}

// CountPoints reports how many points a session holds.
func (ps *PointStore) CountPoints(sessionID string) (int64, error) {
	var n int64
	err := ps.QueryRow(`SELECT COUNT(*) FROM points WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
