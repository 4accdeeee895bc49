// Package db is the sqlite persistence layer: vehicle snapshots,
// detections, missions, and the per-mission transfer log.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"skyfleet/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAlreadyApproved means the detection has a mission linked and
	// cannot be approved again.
	ErrAlreadyApproved = errors.New("detection already approved")
	// ErrOutOfOrder means a mission status update would move the
	// record backwards. Transitions are forward-only.
	ErrOutOfOrder = errors.New("mission status out of order")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertVehicle writes the slow-changing vehicle fields. Called from
// the ingest loop on identity and battery changes, not per frame.
func (s *Store) UpsertVehicle(ctx context.Context, v model.Vehicle) error {
	var lat, lon, alt any
	if v.Position != nil {
		lat, lon, alt = v.Position.Lat, v.Position.Lon, v.Position.Alt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO vehicles(slot, name, system_id, component_id, link_state, lat, lon, alt, battery, last_seen_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(slot) DO UPDATE SET
	name=excluded.name,
	system_id=excluded.system_id,
	component_id=excluded.component_id,
	link_state=excluded.link_state,
	lat=excluded.lat,
	lon=excluded.lon,
	alt=excluded.alt,
	battery=excluded.battery,
	last_seen_at=excluded.last_seen_at,
	updated_at=excluded.updated_at
`, v.Slot, v.Name, v.SystemID, v.ComponentID, string(v.Link), lat, lon, alt, v.Battery, nullableTS(v.LastSeenAt), ts(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert vehicle: %w", err)
	}
	return nil
}

// ListVehicles returns the persisted snapshot for every known slot.
func (s *Store) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT slot, name, system_id, component_id, link_state, lat, lon, alt, battery, last_seen_at
FROM vehicles ORDER BY slot ASC`)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	defer rows.Close()

	var out []model.Vehicle
	for rows.Next() {
		var v model.Vehicle
		var link string
		var lat, lon, alt sql.NullFloat64
		var lastSeen sql.NullString
		if err := rows.Scan(&v.Slot, &v.Name, &v.SystemID, &v.ComponentID, &link, &lat, &lon, &alt, &v.Battery, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		v.Link = model.LinkState(link)
		if lat.Valid && lon.Valid {
			v.Position = &model.Position{Lat: lat.Float64, Lon: lon.Float64, Alt: alt.Float64}
		}
		if t, ok := parseNullableTS(lastSeen); ok {
			v.LastSeenAt = &t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) InsertDetection(ctx context.Context, d model.Detection) (int64, error) {
	if d.ReportedAt.IsZero() {
		d.ReportedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO detections(slot, lat, lon, confidence, reported_at, approved)
VALUES (?, ?, ?, ?, ?, 0)
`, d.Slot, nullableFloat(d.Lat), nullableFloat(d.Lon), d.Confidence, ts(d.ReportedAt))
	if err != nil {
		return 0, fmt.Errorf("insert detection: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("detection id: %w", err)
	}
	return id, nil
}

func (s *Store) GetDetection(ctx context.Context, id int64) (model.Detection, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT detection_id, slot, lat, lon, confidence, reported_at, approved, mission_id
FROM detections WHERE detection_id = ?`, id)
	d, err := scanDetection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Detection{}, fmt.Errorf("detection %d: %w", id, ErrNotFound)
	}
	return d, err
}

// ListDetections returns detections newest first.
func (s *Store) ListDetections(ctx context.Context) ([]model.Detection, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT detection_id, slot, lat, lon, confidence, reported_at, approved, mission_id
FROM detections ORDER BY reported_at DESC, detection_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}
	defer rows.Close()

	var out []model.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDetectionApproved links a detection to its generated mission.
// A detection can be approved exactly once.
func (s *Store) MarkDetectionApproved(ctx context.Context, id, missionID int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE detections SET approved = 1, mission_id = ?
WHERE detection_id = ? AND approved = 0`, missionID, id)
	if err != nil {
		return fmt.Errorf("approve detection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approve detection: %w", err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM detections WHERE detection_id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("detection %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("approve detection: %w", err)
	}
	return fmt.Errorf("detection %d: %w", id, ErrAlreadyApproved)
}

func (s *Store) InsertMission(ctx context.Context, m model.Mission) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = model.MissionGenerated
	}
	itemsJSON, err := json.Marshal(m.Items)
	if err != nil {
		return 0, fmt.Errorf("marshal mission items: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO missions(slot, items_json, status, created_at)
VALUES (?, ?, ?, ?)
`, m.Slot, string(itemsJSON), string(m.Status), ts(m.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert mission: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("mission id: %w", err)
	}
	return id, nil
}

func (s *Store) GetMission(ctx context.Context, id int64) (model.Mission, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT mission_id, slot, items_json, status, created_at, started_at, finished_at
FROM missions WHERE mission_id = ?`, id)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Mission{}, fmt.Errorf("mission %d: %w", id, ErrNotFound)
	}
	return m, err
}

// ListMissions returns missions newest first. An empty slot matches
// every slot.
func (s *Store) ListMissions(ctx context.Context, slot string) ([]model.Mission, error) {
	query := `
SELECT mission_id, slot, items_json, status, created_at, started_at, finished_at
FROM missions`
	args := make([]any, 0, 1)
	if slot != "" {
		query += ` WHERE slot = ?`
		args = append(args, slot)
	}
	query += ` ORDER BY created_at DESC, mission_id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	var out []model.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMissionStatus advances a mission's status. Transitions are
// forward-only: a terminal mission never changes, and rank may only
// increase. started_at is stamped on entering uploading, finished_at
// on reaching a terminal status.
func (s *Store) SetMissionStatus(ctx context.Context, id int64, status model.MissionStatus) error {
	if _, ok := model.MissionStatusRank[status]; !ok {
		return fmt.Errorf("unknown mission status %q", status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM missions WHERE mission_id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mission %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read mission status: %w", err)
	}
	cur := model.MissionStatus(current)
	if cur.Terminal() || model.MissionStatusRank[status] <= model.MissionStatusRank[cur] {
		return fmt.Errorf("mission %d: %s -> %s: %w", id, cur, status, ErrOutOfOrder)
	}

	now := ts(time.Now())
	var started, finished any
	if status == model.MissionUploading {
		started = now
	}
	if status.Terminal() {
		finished = now
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE missions SET status = ?,
	started_at = COALESCE(started_at, ?),
	finished_at = COALESCE(finished_at, ?)
WHERE mission_id = ?`, string(status), started, finished, id); err != nil {
		return fmt.Errorf("update mission status: %w", err)
	}
	return tx.Commit()
}

func (s *Store) AppendMissionLog(ctx context.Context, missionID int64, message string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO mission_logs(mission_id, logged_at, message)
VALUES (?, ?, ?)`, missionID, ts(time.Now()), message)
	if err != nil {
		return fmt.Errorf("append mission log: %w", err)
	}
	return nil
}

func (s *Store) ListMissionLogs(ctx context.Context, missionID int64) ([]model.MissionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT log_id, mission_id, logged_at, message
FROM mission_logs WHERE mission_id = ? ORDER BY log_id ASC`, missionID)
	if err != nil {
		return nil, fmt.Errorf("list mission logs: %w", err)
	}
	defer rows.Close()

	var out []model.MissionLog
	for rows.Next() {
		var l model.MissionLog
		var logged string
		if err := rows.Scan(&l.ID, &l.MissionID, &logged, &l.Message); err != nil {
			return nil, fmt.Errorf("scan mission log: %w", err)
		}
		if t, err := parseTS(logged); err == nil {
			l.LoggedAt = t
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetection(row rowScanner) (model.Detection, error) {
	var d model.Detection
	var lat, lon sql.NullFloat64
	var reported string
	var approved int
	var missionID sql.NullInt64
	if err := row.Scan(&d.ID, &d.Slot, &lat, &lon, &d.Confidence, &reported, &approved, &missionID); err != nil {
		return model.Detection{}, err
	}
	if lat.Valid {
		d.Lat = &lat.Float64
	}
	if lon.Valid {
		d.Lon = &lon.Float64
	}
	if t, err := parseTS(reported); err == nil {
		d.ReportedAt = t
	}
	d.Approved = approved == 1
	if missionID.Valid {
		d.MissionID = &missionID.Int64
	}
	return d, nil
}

func scanMission(row rowScanner) (model.Mission, error) {
	var m model.Mission
	var itemsJSON, status, created string
	var started, finished sql.NullString
	if err := row.Scan(&m.ID, &m.Slot, &itemsJSON, &status, &created, &started, &finished); err != nil {
		return model.Mission{}, err
	}
	if err := json.Unmarshal([]byte(itemsJSON), &m.Items); err != nil {
		return model.Mission{}, fmt.Errorf("unmarshal mission %d items: %w", m.ID, err)
	}
	m.Status = model.MissionStatus(status)
	if t, err := parseTS(created); err == nil {
		m.CreatedAt = t
	}
	if t, ok := parseNullableTS(started); ok {
		m.StartedAt = &t
	}
	if t, ok := parseNullableTS(finished); ok {
		m.FinishedAt = &t
	}
	return m, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTS(s sql.NullString) (time.Time, bool) {
	if !s.Valid {
		return time.Time{}, false
	}
	t, err := parseTS(s.String)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
