package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database without migrating it.
func OpenReadOnly(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the underlying handle for ad-hoc read queries.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Irrigated fields with soil and crop constants
	CREATE TABLE IF NOT EXISTS fields (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		field_type TEXT NOT NULL DEFAULT 'outdoor',
		total_area REAL NOT NULL DEFAULT 0,
		latitude REAL NOT NULL DEFAULT 0,
		longitude REAL NOT NULL DEFAULT 0,
		elevation REAL NOT NULL DEFAULT 0,
		field_capacity REAL NOT NULL DEFAULT 0,
		wilting_point REAL NOT NULL DEFAULT 0,
		evaporation_coeff REAL NOT NULL DEFAULT 0.5,
		max_evaporation_depth REAL NOT NULL DEFAULT 0.1,
		root_zone_depth REAL NOT NULL DEFAULT 0.3,
		allowable_depletion REAL NOT NULL DEFAULT 0.5,
		basal_kc REAL NOT NULL DEFAULT 0.15,
		wetted_area REAL NOT NULL DEFAULT 0,
		default_flow_rate REAL NOT NULL DEFAULT 0,
		auto_irrigate INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Registered devices
	CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY,
		field_id INTEGER,
		ip TEXT NOT NULL,
		port INTEGER NOT NULL,
		kind TEXT NOT NULL,
		model TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'waiting',
		poll_interval INTEGER NOT NULL DEFAULT 60,
		calibration TEXT,
		soil_polynomial TEXT,
		offset_m REAL NOT NULL DEFAULT 0,
		depth_m REAL NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (field_id) REFERENCES fields(id)
	);
	CREATE INDEX IF NOT EXISTS idx_devices_field ON devices(field_id);

	-- Sensor readings
	CREATE TABLE IF NOT EXISTS sensor_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL,
		field_id INTEGER,
		data_group TEXT NOT NULL,
		data_type TEXT NOT NULL,
		value REAL NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (device_id) REFERENCES devices(id)
	);
	CREATE INDEX IF NOT EXISTS idx_readings_device ON sensor_readings(device_id);
	CREATE INDEX IF NOT EXISTS idx_readings_field_group ON sensor_readings(field_id, data_group, timestamp);

	-- Irrigation requests (kept after terminal states)
	CREATE TABLE IF NOT EXISTS irrigation_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		field_id INTEGER NOT NULL,
		flow_rate REAL NOT NULL,
		total_water_amount REAL NOT NULL,
		duration_minutes INTEGER NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME NOT NULL,
		status TEXT NOT NULL,
		failure_message TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (field_id) REFERENCES fields(id)
	);
	CREATE INDEX IF NOT EXISTS idx_irrigation_status ON irrigation_requests(status);
	CREATE INDEX IF NOT EXISTS idx_irrigation_field ON irrigation_requests(field_id, start_time);

	-- Water-balance evaluations
	CREATE TABLE IF NOT EXISTS field_water_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		field_id INTEGER NOT NULL,
		depletion REAL NOT NULL,
		tew REAL NOT NULL,
		rew REAL NOT NULL,
		taw REAL NOT NULL,
		raw REAL NOT NULL,
		kr REAL NOT NULL,
		ke REAL NOT NULL,
		wetted_fraction REAL NOT NULL,
		eto REAL NOT NULL,
		evaporation REAL NOT NULL,
		rainfall REAL NOT NULL,
		irrigation REAL NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (field_id) REFERENCES fields(id)
	);
	CREATE INDEX IF NOT EXISTS idx_water_states_field ON field_water_states(field_id, timestamp);

	-- Calibration sample sets (insert only)
	CREATE TABLE IF NOT EXISTS calibration_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		set_id TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		raw REAL NOT NULL,
		physical REAL NOT NULL,
		captured_at DATETIME NOT NULL,
		FOREIGN KEY (device_id) REFERENCES devices(id)
	);
	CREATE INDEX IF NOT EXISTS idx_calibration_set ON calibration_samples(set_id);

	CREATE TRIGGER IF NOT EXISTS calibration_samples_immutable
	BEFORE UPDATE ON calibration_samples
	BEGIN
		SELECT RAISE(ABORT, 'calibration samples are immutable');
	END;
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Field Operations ---

// UpsertField inserts or replaces a field definition
func (db *DB) UpsertField(ctx context.Context, f *Field) error {
	query := `
		INSERT INTO fields (id, name, field_type, total_area, latitude, longitude, elevation,
			field_capacity, wilting_point, evaporation_coeff, max_evaporation_depth, root_zone_depth,
			allowable_depletion, basal_kc, wetted_area, default_flow_rate, auto_irrigate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			field_type = excluded.field_type,
			total_area = excluded.total_area,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			elevation = excluded.elevation,
			field_capacity = excluded.field_capacity,
			wilting_point = excluded.wilting_point,
			evaporation_coeff = excluded.evaporation_coeff,
			max_evaporation_depth = excluded.max_evaporation_depth,
			root_zone_depth = excluded.root_zone_depth,
			allowable_depletion = excluded.allowable_depletion,
			basal_kc = excluded.basal_kc,
			wetted_area = excluded.wetted_area,
			default_flow_rate = excluded.default_flow_rate,
			auto_irrigate = excluded.auto_irrigate,
			updated_at = excluded.updated_at
	`
	fieldType := f.Type
	if fieldType == "" {
		fieldType = FieldOutdoor
	}
	_, err := db.conn.ExecContext(ctx, query, f.ID, f.Name, fieldType, f.TotalArea, f.Latitude,
		f.Longitude, f.Elevation, f.FieldCapacity, f.WiltingPoint, f.EvaporationCoeff,
		f.MaxEvaporationDepth, f.RootZoneDepth, f.AllowableDepletion, f.BasalKc, f.WettedArea,
		f.DefaultFlowRate, f.AutoIrrigate, time.Now().UTC())
	return err
}

const fieldColumns = `id, name, field_type, total_area, latitude, longitude, elevation,
	field_capacity, wilting_point, evaporation_coeff, max_evaporation_depth, root_zone_depth,
	allowable_depletion, basal_kc, wetted_area, default_flow_rate, auto_irrigate, created_at, updated_at`

func scanField(row interface{ Scan(...any) error }) (*Field, error) {
	f := &Field{}
	err := row.Scan(&f.ID, &f.Name, &f.Type, &f.TotalArea, &f.Latitude, &f.Longitude, &f.Elevation,
		&f.FieldCapacity, &f.WiltingPoint, &f.EvaporationCoeff, &f.MaxEvaporationDepth,
		&f.RootZoneDepth, &f.AllowableDepletion, &f.BasalKc, &f.WettedArea, &f.DefaultFlowRate,
		&f.AutoIrrigate, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

// GetField retrieves a field by id
func (db *DB) GetField(ctx context.Context, id int) (*Field, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+fieldColumns+` FROM fields WHERE id = ?`, id)
	f, err := scanField(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("field %d: %w", id, ErrNotFound)
	}
	return f, err
}

// ListFields retrieves all fields
func (db *DB) ListFields(ctx context.Context) ([]*Field, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+fieldColumns+` FROM fields ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fields []*Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

// --- Device Operations ---

// UpsertDevice inserts a device or replaces its mutable attributes
func (db *DB) UpsertDevice(ctx context.Context, d *Device) error {
	calibration, polynomial, err := encodeCalibration(d)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO devices (id, field_id, ip, port, kind, model, status, poll_interval,
			calibration, soil_polynomial, offset_m, depth_m, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			field_id = excluded.field_id,
			ip = excluded.ip,
			port = excluded.port,
			kind = excluded.kind,
			model = excluded.model,
			status = excluded.status,
			poll_interval = excluded.poll_interval,
			calibration = COALESCE(excluded.calibration, calibration),
			soil_polynomial = COALESCE(excluded.soil_polynomial, soil_polynomial),
			offset_m = excluded.offset_m,
			depth_m = excluded.depth_m,
			updated_at = excluded.updated_at
	`
	status := d.Status
	if status == "" {
		status = StatusWaiting
	}
	_, err = db.conn.ExecContext(ctx, query, d.ID, nullInt(d.FieldID), d.IP, d.Port, d.Kind, d.Model,
		status, int(d.PollInterval.OrDefault()), calibration, polynomial, d.OffsetM, d.DepthM,
		time.Now().UTC())
	return err
}

const deviceColumns = `id, field_id, ip, port, kind, model, status, poll_interval, calibration,
	soil_polynomial, offset_m, depth_m, created_at, updated_at`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	d := &Device{}
	var fieldID sql.NullInt64
	var calibration, polynomial sql.NullString
	var interval int
	if err := row.Scan(&d.ID, &fieldID, &d.IP, &d.Port, &d.Kind, &d.Model, &d.Status, &interval,
		&calibration, &polynomial, &d.OffsetM, &d.DepthM, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.FieldID = int(fieldID.Int64)
	d.PollInterval = FetchInterval(interval)
	if calibration.Valid && calibration.String != "" {
		if err := json.Unmarshal([]byte(calibration.String), &d.Calibration); err != nil {
			return nil, fmt.Errorf("device %d calibration: %w", d.ID, err)
		}
	}
	if polynomial.Valid && polynomial.String != "" {
		if err := json.Unmarshal([]byte(polynomial.String), &d.SoilPolynomial); err != nil {
			return nil, fmt.Errorf("device %d polynomial: %w", d.ID, err)
		}
	}
	return d, nil
}

// GetDevice retrieves a device by id
func (db *DB) GetDevice(ctx context.Context, id int) (*Device, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return d, err
}

// DeviceExists reports whether a device id is registered
func (db *DB) DeviceExists(ctx context.Context, id int) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, "SELECT 1 FROM devices WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ListDevices retrieves all devices, optionally restricted to one kind
func (db *DB) ListDevices(ctx context.Context, kind DeviceKind) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`
	var args []any
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	return db.queryDevices(ctx, query+` ORDER BY id`, args...)
}

// ListFieldDevices retrieves the devices bound to a field, optionally of one kind
func (db *DB) ListFieldDevices(ctx context.Context, fieldID int, kind DeviceKind) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE field_id = ?`
	args := []any{fieldID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	return db.queryDevices(ctx, query+` ORDER BY id`, args...)
}

func (db *DB) queryDevices(ctx context.Context, query string, args ...any) ([]*Device, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateDeviceStatus sets a device's status
func (db *DB) UpdateDeviceStatus(ctx context.Context, id int, status DeviceStatus) error {
	return db.updateDevice(ctx, id, "status = ?", status)
}

// UpdateDeviceAddress sets a device's IP and command port
func (db *DB) UpdateDeviceAddress(ctx context.Context, id int, ip string, port int) error {
	return db.updateDevice(ctx, id, "ip = ?, port = ?", ip, port)
}

// UpdatePollInterval sets a sensor's poll interval
func (db *DB) UpdatePollInterval(ctx context.Context, id int, interval FetchInterval) error {
	return db.updateDevice(ctx, id, "poll_interval = ?", int(interval))
}

// UpdateValveCalibration replaces an actuator's flow-rate calibration
func (db *DB) UpdateValveCalibration(ctx context.Context, id int, c ValveCalibration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode calibration: %w", err)
	}
	return db.updateDevice(ctx, id, "calibration = ?", string(data))
}

// UpdateSoilPolynomial replaces a sensor's moisture polynomial
func (db *DB) UpdateSoilPolynomial(ctx context.Context, id int, p Polynomial) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode polynomial: %w", err)
	}
	return db.updateDevice(ctx, id, "soil_polynomial = ?", string(data))
}

func (db *DB) updateDevice(ctx context.Context, id int, set string, args ...any) error {
	args = append(args, time.Now().UTC(), id)
	res, err := db.conn.ExecContext(ctx, "UPDATE devices SET "+set+", updated_at = ? WHERE id = ?", args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return nil
}

func encodeCalibration(d *Device) (calibration, polynomial sql.NullString, err error) {
	if d.Calibration != nil {
		data, err := json.Marshal(d.Calibration)
		if err != nil {
			return calibration, polynomial, fmt.Errorf("failed to encode calibration: %w", err)
		}
		calibration = sql.NullString{String: string(data), Valid: true}
	}
	if d.SoilPolynomial != nil {
		data, err := json.Marshal(d.SoilPolynomial)
		if err != nil {
			return calibration, polynomial, fmt.Errorf("failed to encode polynomial: %w", err)
		}
		polynomial = sql.NullString{String: string(data), Valid: true}
	}
	return calibration, polynomial, nil
}

// --- Sensor Reading Operations ---

// InsertReadings stores a batch of readings in one transaction
func (db *DB) InsertReadings(ctx context.Context, readings []SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sensor_readings
		(device_id, field_id, data_group, data_type, value, timestamp) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range readings {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, r.DeviceID, nullInt(r.FieldID), r.Group, r.DataType, r.Value, ts.UTC()); err != nil {
			return fmt.Errorf("failed to insert reading %s: %w", r.DataType, err)
		}
	}
	return tx.Commit()
}

// FieldReadingsSince retrieves a field's readings of one group newer than since
func (db *DB) FieldReadingsSince(ctx context.Context, fieldID int, group string, since time.Time) ([]SensorReading, error) {
	return db.queryReadings(ctx, `SELECT id, device_id, field_id, data_group, data_type, value, timestamp
		FROM sensor_readings WHERE field_id = ? AND data_group = ? AND timestamp >= ?
		ORDER BY timestamp`, fieldID, group, since.UTC())
}

// DeviceReadings retrieves the latest readings of a device
func (db *DB) DeviceReadings(ctx context.Context, deviceID int, limit int) ([]SensorReading, error) {
	return db.queryReadings(ctx, `SELECT id, device_id, field_id, data_group, data_type, value, timestamp
		FROM sensor_readings WHERE device_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, deviceID, limit)
}

// CountDeviceReadings returns how many readings a device has produced
func (db *DB) CountDeviceReadings(ctx context.Context, deviceID int) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sensor_readings WHERE device_id = ?", deviceID).Scan(&n)
	return n, err
}

func (db *DB) queryReadings(ctx context.Context, query string, args ...any) ([]SensorReading, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []SensorReading
	for rows.Next() {
		var r SensorReading
		var fieldID sql.NullInt64
		if err := rows.Scan(&r.ID, &r.DeviceID, &fieldID, &r.Group, &r.DataType, &r.Value, &r.Timestamp); err != nil {
			return nil, err
		}
		r.FieldID = int(fieldID.Int64)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// --- Irrigation Operations ---

// InsertIrrigationRequest stores a new request and sets its id
func (db *DB) InsertIrrigationRequest(ctx context.Context, r *IrrigationRequest) error {
	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx, `INSERT INTO irrigation_requests
		(field_id, flow_rate, total_water_amount, duration_minutes, start_time, end_time, status,
		failure_message, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.FieldID, r.FlowRate, r.TotalWaterAmount, r.DurationMinutes, r.StartTime.UTC(),
		r.EndTime.UTC(), r.Status, nullString(r.FailureMessage), now, now)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

// UpdateIrrigationRequest rewrites the schedule and status of a request
func (db *DB) UpdateIrrigationRequest(ctx context.Context, r *IrrigationRequest) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := db.conn.ExecContext(ctx, `UPDATE irrigation_requests SET flow_rate = ?,
		total_water_amount = ?, duration_minutes = ?, start_time = ?, end_time = ?, status = ?,
		failure_message = ?, updated_at = ? WHERE id = ?`,
		r.FlowRate, r.TotalWaterAmount, r.DurationMinutes, r.StartTime.UTC(), r.EndTime.UTC(),
		r.Status, nullString(r.FailureMessage), r.UpdatedAt, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("irrigation request %d: %w", r.ID, ErrNotFound)
	}
	return nil
}

const irrigationColumns = `id, field_id, flow_rate, total_water_amount, duration_minutes,
	start_time, end_time, status, failure_message, created_at, updated_at`

func scanIrrigation(row interface{ Scan(...any) error }) (*IrrigationRequest, error) {
	r := &IrrigationRequest{}
	var msg sql.NullString
	if err := row.Scan(&r.ID, &r.FieldID, &r.FlowRate, &r.TotalWaterAmount, &r.DurationMinutes,
		&r.StartTime, &r.EndTime, &r.Status, &msg, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.FailureMessage = msg.String
	return r, nil
}

// GetIrrigationRequest retrieves a request by id
func (db *DB) GetIrrigationRequest(ctx context.Context, id int64) (*IrrigationRequest, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+irrigationColumns+` FROM irrigation_requests WHERE id = ?`, id)
	r, err := scanIrrigation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("irrigation request %d: %w", id, ErrNotFound)
	}
	return r, err
}

// ListIrrigationRequests retrieves requests in any of the given statuses; a
// fieldID of 0 matches every field
func (db *DB) ListIrrigationRequests(ctx context.Context, fieldID int, statuses ...IrrigationStatus) ([]*IrrigationRequest, error) {
	var where []string
	var args []any
	if fieldID != 0 {
		where = append(where, "field_id = ?")
		args = append(args, fieldID)
	}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + irrigationColumns + ` FROM irrigation_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := db.conn.QueryContext(ctx, query+" ORDER BY start_time, id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*IrrigationRequest
	for rows.Next() {
		r, err := scanIrrigation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompletedIrrigationSince sums the water (L) of requests completed after since
func (db *DB) CompletedIrrigationSince(ctx context.Context, fieldID int, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := db.conn.QueryRowContext(ctx, `SELECT SUM(total_water_amount) FROM irrigation_requests
		WHERE field_id = ? AND status = ? AND updated_at >= ?`,
		fieldID, IrrigationCompleted, since.UTC()).Scan(&total)
	return total.Float64, err
}

// --- Water Balance Operations ---

// InsertWaterState stores a water-balance evaluation
func (db *DB) InsertWaterState(ctx context.Context, s *FieldWaterState) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	res, err := db.conn.ExecContext(ctx, `INSERT INTO field_water_states
		(field_id, depletion, tew, rew, taw, raw, kr, ke, wetted_fraction, eto, evaporation,
		rainfall, irrigation, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.FieldID, s.Depletion, s.TEW, s.REW, s.TAW, s.RAW, s.Kr, s.Ke, s.WettedFraction, s.ETo,
		s.Evaporation, s.Rainfall, s.Irrigation, s.Timestamp.UTC())
	if err != nil {
		return err
	}
	s.ID, err = res.LastInsertId()
	return err
}

// LatestWaterState retrieves the most recent evaluation of a field
func (db *DB) LatestWaterState(ctx context.Context, fieldID int) (*FieldWaterState, error) {
	s := &FieldWaterState{}
	err := db.conn.QueryRowContext(ctx, `SELECT id, field_id, depletion, tew, rew, taw, raw, kr, ke,
		wetted_fraction, eto, evaporation, rainfall, irrigation, timestamp FROM field_water_states
		WHERE field_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, fieldID).Scan(
		&s.ID, &s.FieldID, &s.Depletion, &s.TEW, &s.REW, &s.TAW, &s.RAW, &s.Kr, &s.Ke,
		&s.WettedFraction, &s.ETo, &s.Evaporation, &s.Rainfall, &s.Irrigation, &s.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("water state for field %d: %w", fieldID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// --- Calibration Sample Operations ---

// InsertCalibrationSet stores a captured sample set and returns its id
func (db *DB) InsertCalibrationSet(ctx context.Context, deviceID int, kind string, samples []CalibrationSample) (string, error) {
	if len(samples) == 0 {
		return "", errors.New("calibration set is empty")
	}
	setID := uuid.New().String()
	captured := time.Now().UTC()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	for _, s := range samples {
		if _, err := tx.ExecContext(ctx, `INSERT INTO calibration_samples
			(set_id, device_id, kind, raw, physical, captured_at) VALUES (?, ?, ?, ?, ?, ?)`,
			setID, deviceID, kind, s.Raw, s.Physical, captured); err != nil {
			return "", fmt.Errorf("failed to insert calibration sample: %w", err)
		}
	}
	return setID, tx.Commit()
}

// GetCalibrationSet retrieves the samples of a set
func (db *DB) GetCalibrationSet(ctx context.Context, setID string) ([]CalibrationSample, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, set_id, device_id, kind, raw, physical, captured_at
		FROM calibration_samples WHERE set_id = ? ORDER BY id`, setID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []CalibrationSample
	for rows.Next() {
		var s CalibrationSample
		if err := rows.Scan(&s.ID, &s.SetID, &s.DeviceID, &s.Kind, &s.Raw, &s.Physical, &s.CapturedAt); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("calibration set %s: %w", setID, ErrNotFound)
	}
	return samples, nil
}

// --- Statistics ---

// Stats returns row counts per table
func (db *DB) Stats(ctx context.Context) (map[string]int, error) {
	tables := []string{"fields", "devices", "sensor_readings", "irrigation_requests",
		"field_water_states", "calibration_samples"}
	stats := make(map[string]int, len(tables))
	for _, t := range tables {
		var n int
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t, err)
		}
		stats[t] = n
	}
	return stats, nil
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
