package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/artpar/sitedeploy/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
// SQLite allows one writer, so the pool is capped at a single connection;
// this also keeps an in-memory database shared across goroutines.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Deploy Version Operations
// =============================================================================

// deployVersionRow represents a deploy_versions row in the database.
type deployVersionRow struct {
	ID            int64  `db:"id"`
	AppID         int64  `db:"app_id"`
	Version       int    `db:"version"`
	ImageTag      string `db:"image_tag"`
	ContainerID   string `db:"container_id"`
	ContainerPort int    `db:"container_port"`
	Status        string `db:"status"`
	DeployURL     string `db:"deploy_url"`
	UserID        int64  `db:"user_id"`
	CreatedAt     string `db:"created_at"`
	UpdatedAt     string `db:"updated_at"`
}

func (s *SQLiteStore) CreateDeployVersion(ctx context.Context, v *domain.DeployVersion) error {
	return createDeployVersion(ctx, s.db, v)
}

func (s *SQLiteStore) GetDeployVersion(ctx context.Context, id int64) (*domain.DeployVersion, error) {
	return getDeployVersion(ctx, s.db, id)
}

func (s *SQLiteStore) GetDeployVersionByNumber(ctx context.Context, appID int64, version int) (*domain.DeployVersion, error) {
	return getDeployVersionByNumber(ctx, s.db, appID, version)
}

func (s *SQLiteStore) GetMaxVersion(ctx context.Context, appID int64) (int, error) {
	return getMaxVersion(ctx, s.db, appID)
}

func (s *SQLiteStore) ListDeployVersions(ctx context.Context, appID int64, opts ListOptions) ([]domain.DeployVersion, error) {
	return listDeployVersions(ctx, s.db, appID, opts)
}

func (s *SQLiteStore) ListRunningVersions(ctx context.Context, appID int64) ([]domain.DeployVersion, error) {
	return listRunningVersions(ctx, s.db, appID)
}

func (s *SQLiteStore) UpdateDeployStatus(ctx context.Context, id int64, status domain.DeployStatus, updatedAt time.Time) error {
	return updateDeployStatus(ctx, s.db, id, status, updatedAt)
}

// =============================================================================
// Capture Operations
// =============================================================================

// captureRow represents an app_captures row in the database.
type captureRow struct {
	AppID      int64  `db:"app_id"`
	CoverURL   string `db:"cover_url"`
	CapturedAt string `db:"captured_at"`
}

func (s *SQLiteStore) IsCaptured(ctx context.Context, appID int64) (bool, error) {
	return isCaptured(ctx, s.db, appID)
}

func (s *SQLiteStore) GetCapture(ctx context.Context, appID int64) (*domain.AppCapture, error) {
	return getCapture(ctx, s.db, appID)
}

func (s *SQLiteStore) MarkCaptured(ctx context.Context, capture *domain.AppCapture) error {
	return markCaptured(ctx, s.db, capture)
}

// =============================================================================
// Deploy Key Operations
// =============================================================================

func (s *SQLiteStore) GetDeployKey(ctx context.Context, appID int64) (string, error) {
	return getDeployKey(ctx, s.db, appID)
}

func (s *SQLiteStore) ClaimDeployKey(ctx context.Context, appID int64, key string) (string, error) {
	return claimDeployKey(ctx, s.db, appID, key)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateDeployVersion(ctx context.Context, v *domain.DeployVersion) error {
	return createDeployVersion(ctx, s.tx, v)
}

func (s *txSQLiteStore) GetDeployVersion(ctx context.Context, id int64) (*domain.DeployVersion, error) {
	return getDeployVersion(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetDeployVersionByNumber(ctx context.Context, appID int64, version int) (*domain.DeployVersion, error) {
	return getDeployVersionByNumber(ctx, s.tx, appID, version)
}

func (s *txSQLiteStore) GetMaxVersion(ctx context.Context, appID int64) (int, error) {
	return getMaxVersion(ctx, s.tx, appID)
}

func (s *txSQLiteStore) ListDeployVersions(ctx context.Context, appID int64, opts ListOptions) ([]domain.DeployVersion, error) {
	return listDeployVersions(ctx, s.tx, appID, opts)
}

func (s *txSQLiteStore) ListRunningVersions(ctx context.Context, appID int64) ([]domain.DeployVersion, error) {
	return listRunningVersions(ctx, s.tx, appID)
}

func (s *txSQLiteStore) UpdateDeployStatus(ctx context.Context, id int64, status domain.DeployStatus, updatedAt time.Time) error {
	return updateDeployStatus(ctx, s.tx, id, status, updatedAt)
}

func (s *txSQLiteStore) IsCaptured(ctx context.Context, appID int64) (bool, error) {
	return isCaptured(ctx, s.tx, appID)
}

func (s *txSQLiteStore) GetCapture(ctx context.Context, appID int64) (*domain.AppCapture, error) {
	return getCapture(ctx, s.tx, appID)
}

func (s *txSQLiteStore) MarkCaptured(ctx context.Context, capture *domain.AppCapture) error {
	return markCaptured(ctx, s.tx, capture)
}

func (s *txSQLiteStore) GetDeployKey(ctx context.Context, appID int64) (string, error) {
	return getDeployKey(ctx, s.tx, appID)
}

func (s *txSQLiteStore) ClaimDeployKey(ctx context.Context, appID int64, key string) (string, error) {
	return claimDeployKey(ctx, s.tx, appID, key)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for transaction store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func createDeployVersion(ctx context.Context, exec executor, v *domain.DeployVersion) error {
	if _, err := domain.ParseDeployStatus(string(v.Status)); err != nil {
		return NewStoreError("CreateDeployVersion", "deploy_version", "", err.Error(), ErrInvalidData)
	}

	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.CreatedAt
	}

	query := `
		INSERT INTO deploy_versions (
			app_id, version, image_tag, container_id, container_port,
			status, deploy_url, user_id, created_at, updated_at
		) VALUES (
			:app_id, :version, :image_tag, :container_id, :container_port,
			:status, :deploy_url, :user_id, :created_at, :updated_at
		)`

	row := map[string]any{
		"app_id":         v.AppID,
		"version":        v.Version,
		"image_tag":      v.ImageTag,
		"container_id":   v.ContainerID,
		"container_port": v.ContainerPort,
		"status":         string(v.Status),
		"deploy_url":     v.DeployURL,
		"user_id":        v.UserID,
		"created_at":     v.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":     v.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}

	id := fmt.Sprintf("app=%d,v=%d", v.AppID, v.Version)
	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("CreateDeployVersion", "deploy_version", id, "version already taken", ErrDuplicateVersion)
		}
		return NewStoreError("CreateDeployVersion", "deploy_version", id, err.Error(), err)
	}

	newID, err := result.LastInsertId()
	if err != nil {
		return NewStoreError("CreateDeployVersion", "deploy_version", id, err.Error(), err)
	}
	v.ID = newID
	return nil
}

func getDeployVersion(ctx context.Context, exec executor, id int64) (*domain.DeployVersion, error) {
	query := `SELECT * FROM deploy_versions WHERE id = ?`

	var row deployVersionRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployVersion", "deploy_version", strconv.FormatInt(id, 10), "deploy version not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployVersion", "deploy_version", strconv.FormatInt(id, 10), err.Error(), err)
	}

	return rowToDeployVersion(&row)
}

func getDeployVersionByNumber(ctx context.Context, exec executor, appID int64, version int) (*domain.DeployVersion, error) {
	query := `SELECT * FROM deploy_versions WHERE app_id = ? AND version = ?`
	id := fmt.Sprintf("app=%d,v=%d", appID, version)

	var row deployVersionRow
	err := exec.GetContext(ctx, &row, query, appID, version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployVersionByNumber", "deploy_version", id, "deploy version not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployVersionByNumber", "deploy_version", id, err.Error(), err)
	}

	return rowToDeployVersion(&row)
}

func getMaxVersion(ctx context.Context, exec executor, appID int64) (int, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM deploy_versions WHERE app_id = ?`

	var maxVersion int
	if err := exec.GetContext(ctx, &maxVersion, query, appID); err != nil {
		return 0, NewStoreError("GetMaxVersion", "deploy_version", strconv.FormatInt(appID, 10), err.Error(), err)
	}
	return maxVersion, nil
}

func listDeployVersions(ctx context.Context, exec executor, appID int64, opts ListOptions) ([]domain.DeployVersion, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM deploy_versions WHERE app_id = ? ORDER BY version DESC LIMIT ? OFFSET ?`

	var rows []deployVersionRow
	if err := exec.SelectContext(ctx, &rows, query, appID, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListDeployVersions", "deploy_version", strconv.FormatInt(appID, 10), err.Error(), err)
	}

	return rowsToDeployVersions(rows)
}

func listRunningVersions(ctx context.Context, exec executor, appID int64) ([]domain.DeployVersion, error) {
	query := `SELECT * FROM deploy_versions WHERE app_id = ? AND status = ? ORDER BY version DESC`

	var rows []deployVersionRow
	if err := exec.SelectContext(ctx, &rows, query, appID, string(domain.DeployStatusRunning)); err != nil {
		return nil, NewStoreError("ListRunningVersions", "deploy_version", strconv.FormatInt(appID, 10), err.Error(), err)
	}

	return rowsToDeployVersions(rows)
}

func updateDeployStatus(ctx context.Context, exec executor, id int64, status domain.DeployStatus, updatedAt time.Time) error {
	if _, err := domain.ParseDeployStatus(string(status)); err != nil {
		return NewStoreError("UpdateDeployStatus", "deploy_version", strconv.FormatInt(id, 10), err.Error(), ErrInvalidData)
	}

	query := `UPDATE deploy_versions SET status = ?, updated_at = ? WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, string(status), updatedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return NewStoreError("UpdateDeployStatus", "deploy_version", strconv.FormatInt(id, 10), err.Error(), err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("UpdateDeployStatus", "deploy_version", strconv.FormatInt(id, 10), err.Error(), err)
	}
	if rows == 0 {
		return NewStoreError("UpdateDeployStatus", "deploy_version", strconv.FormatInt(id, 10), "deploy version not found", ErrNotFound)
	}

	return nil
}

func isCaptured(ctx context.Context, exec executor, appID int64) (bool, error) {
	query := `SELECT COUNT(1) FROM app_captures WHERE app_id = ?`

	var n int
	if err := exec.GetContext(ctx, &n, query, appID); err != nil {
		return false, NewStoreError("IsCaptured", "capture", strconv.FormatInt(appID, 10), err.Error(), err)
	}
	return n > 0, nil
}

func getCapture(ctx context.Context, exec executor, appID int64) (*domain.AppCapture, error) {
	query := `SELECT * FROM app_captures WHERE app_id = ?`

	var row captureRow
	err := exec.GetContext(ctx, &row, query, appID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetCapture", "capture", strconv.FormatInt(appID, 10), "capture not found", ErrNotFound)
		}
		return nil, NewStoreError("GetCapture", "capture", strconv.FormatInt(appID, 10), err.Error(), err)
	}

	capturedAt, err := time.Parse(time.RFC3339Nano, row.CapturedAt)
	if err != nil {
		return nil, NewStoreError("GetCapture", "capture", strconv.FormatInt(appID, 10), "failed to parse captured_at", ErrInvalidData)
	}

	return &domain.AppCapture{
		AppID:      row.AppID,
		CoverURL:   row.CoverURL,
		CapturedAt: capturedAt,
	}, nil
}

// markCaptured upserts the capture row; a later capture replaces the cover.
func markCaptured(ctx context.Context, exec executor, capture *domain.AppCapture) error {
	if capture.CapturedAt.IsZero() {
		capture.CapturedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO app_captures (app_id, cover_url, captured_at)
		VALUES (:app_id, :cover_url, :captured_at)
		ON CONFLICT(app_id) DO UPDATE SET
			cover_url = excluded.cover_url,
			captured_at = excluded.captured_at`

	row := map[string]any{
		"app_id":      capture.AppID,
		"cover_url":   capture.CoverURL,
		"captured_at": capture.CapturedAt.UTC().Format(time.RFC3339Nano),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("MarkCaptured", "capture", strconv.FormatInt(capture.AppID, 10), err.Error(), err)
	}
	return nil
}

func getDeployKey(ctx context.Context, exec executor, appID int64) (string, error) {
	query := `SELECT deploy_key FROM deploy_keys WHERE app_id = ?`

	var key string
	if err := exec.GetContext(ctx, &key, query, appID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", NewStoreError("GetDeployKey", "deploy_key", strconv.FormatInt(appID, 10), "deploy key not found", ErrNotFound)
		}
		return "", NewStoreError("GetDeployKey", "deploy_key", strconv.FormatInt(appID, 10), err.Error(), err)
	}
	return key, nil
}

// claimDeployKey stores key for appID unless the application already has one,
// and returns the key the application ends up with.
func claimDeployKey(ctx context.Context, exec executor, appID int64, key string) (string, error) {
	query := `
		INSERT INTO deploy_keys (app_id, deploy_key, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(app_id) DO NOTHING`

	id := strconv.FormatInt(appID, 10)
	if _, err := exec.ExecContext(ctx, query, appID, key, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		if isUniqueViolation(err) {
			return "", NewStoreError("ClaimDeployKey", "deploy_key", id, "key owned by another application", ErrDuplicateDeployKey)
		}
		return "", NewStoreError("ClaimDeployKey", "deploy_key", id, err.Error(), err)
	}
	return getDeployKey(ctx, exec, appID)
}

// =============================================================================
// Row Conversion
// =============================================================================

// rowToDeployVersion converts a database row to a domain.DeployVersion.
func rowToDeployVersion(row *deployVersionRow) (*domain.DeployVersion, error) {
	status, err := domain.ParseDeployStatus(row.Status)
	if err != nil {
		return nil, NewStoreError("rowToDeployVersion", "deploy_version", strconv.FormatInt(row.ID, 10), "failed to parse status", ErrInvalidData)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339Nano, row.UpdatedAt)

	return &domain.DeployVersion{
		ID:            row.ID,
		AppID:         row.AppID,
		Version:       row.Version,
		ImageTag:      row.ImageTag,
		ContainerID:   row.ContainerID,
		ContainerPort: row.ContainerPort,
		Status:        status,
		DeployURL:     row.DeployURL,
		UserID:        row.UserID,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}, nil
}

func rowsToDeployVersions(rows []deployVersionRow) ([]domain.DeployVersion, error) {
	versions := make([]domain.DeployVersion, 0, len(rows))
	for i := range rows {
		v, err := rowToDeployVersion(&rows[i])
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, nil
}
