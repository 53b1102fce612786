package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"helpdesk/assets/internal/capability"
	"helpdesk/assets/internal/db"
	"helpdesk/assets/internal/logger"
	"helpdesk/assets/internal/metrics"
	"helpdesk/assets/internal/model"
)

// undefined_function
const sqlStateUndefinedFunction = "42883"

var RequiredTables = []string{"credentials", "hardware_inventory", "intune_devices", "device_change_history"}

type Store struct {
	db      *db.Store
	rpcName string
	rpc     *capability.Cache
	log     zerolog.Logger
}

func NewStore(store *db.Store, rpcName string) *Store {
	s := &Store{
		db:      store,
		rpcName: rpcName,
		log:     logger.WithComponent("repository"),
	}
	s.rpc = capability.NewCache(rpcName, s.functionExists)
	return s
}

// CredentialsRPC exposes the existence cache for the credentials function.
func (s *Store) CredentialsRPC() *capability.Cache {
	return s.rpc
}

const credentialColumns = `id::text, username, password, service_type, email, notes, created_at, updated_at`

func (s *Store) ListCredentials(ctx context.Context) ([]model.CredentialRecord, error) {
	rows, err := s.db.Pool.Query(ctx, `
    SELECT `+credentialColumns+`
    FROM credentials
    ORDER BY created_at, id
  `)
	if err != nil {
		return nil, err
	}
	return scanCredentials(rows)
}

// FetchUserCredentials loads the credentials of one user, through the
// get_user_credentials SQL function when the database provides it and with a
// direct table query otherwise.
func (s *Store) FetchUserCredentials(ctx context.Context, email string) ([]model.CredentialRecord, error) {
	available, err := s.rpc.Check(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("function", s.rpcName).Msg("credentials rpc probe failed, using direct query")
	}
	if available {
		records, err := s.fetchViaRPC(ctx, email)
		if err == nil {
			metrics.CredentialFetches.WithLabelValues("rpc").Inc()
			return records, nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != sqlStateUndefinedFunction {
			return nil, err
		}
		s.log.Warn().Str("function", s.rpcName).Msg("credentials rpc disappeared, falling back to direct query")
		s.rpc.MarkUnavailable()
	}

	metrics.CredentialFetches.WithLabelValues("direct").Inc()
	rows, err := s.db.Pool.Query(ctx, `
    SELECT `+credentialColumns+`
    FROM credentials
    WHERE lower(trim(email)) = lower(trim($1))
    ORDER BY created_at, id
  `, email)
	if err != nil {
		return nil, err
	}
	return scanCredentials(rows)
}

func (s *Store) fetchViaRPC(ctx context.Context, email string) ([]model.CredentialRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s($1)`, credentialColumns, pgx.Identifier{s.rpcName}.Sanitize())
	rows, err := s.db.Pool.Query(ctx, query, email)
	if err != nil {
		return nil, err
	}
	return scanCredentials(rows)
}

func (s *Store) functionExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_proc WHERE proname = $1)`, s.rpcName).Scan(&exists)
	return exists, err
}

func (s *Store) CreateCredential(ctx context.Context, record model.CredentialRecord) (model.CredentialRecord, error) {
	var created model.CredentialRecord
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = insertCredential(ctx, tx, record)
		return err
	})
	return created, err
}

// CreateCredentials inserts every record or none of them.
func (s *Store) CreateCredentials(ctx context.Context, records []model.CredentialRecord) ([]model.CredentialRecord, error) {
	created := make([]model.CredentialRecord, 0, len(records))
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, record := range records {
			rec, err := insertCredential(ctx, tx, record)
			if err != nil {
				return err
			}
			created = append(created, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func insertCredential(ctx context.Context, tx pgx.Tx, record model.CredentialRecord) (model.CredentialRecord, error) {
	now := time.Now().UTC()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	_, err := tx.Exec(ctx, `
    INSERT INTO credentials (id, username, password, service_type, email, notes, created_at, updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
  `, record.ID, record.Username, record.Password, string(record.ServiceType), record.Email, record.Notes, record.CreatedAt, record.UpdatedAt)
	return record, err
}

func (s *Store) DeleteCredential(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const deviceSignalQuery = `
  SELECT COALESCE(h.email, i.email) AS email, h.asset_tag, h.serial_number, h.device_type, (i.email IS NOT NULL) AS has_intune
  FROM (
    SELECT lower(trim(assigned_email)) AS email, asset_tag, serial_number, device_type
    FROM hardware_inventory
    WHERE assigned_email IS NOT NULL AND trim(assigned_email) <> ''
  ) h
  FULL OUTER JOIN (
    SELECT DISTINCT lower(trim(user_principal_name)) AS email
    FROM intune_devices
    WHERE user_principal_name IS NOT NULL AND trim(user_principal_name) <> ''
  ) i ON h.email = i.email
`

func (s *Store) ListDeviceSignals(ctx context.Context) ([]model.DeviceSignal, error) {
	rows, err := s.db.Pool.Query(ctx, deviceSignalQuery+` ORDER BY 1, 2`)
	if err != nil {
		return nil, err
	}
	return scanSignals(rows)
}

func (s *Store) DeviceSignalsForEmail(ctx context.Context, email string) ([]model.DeviceSignal, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT * FROM (`+deviceSignalQuery+`) signals WHERE email = lower(trim($1)) ORDER BY 1, 2`, email)
	if err != nil {
		return nil, err
	}
	return scanSignals(rows)
}

func scanSignals(rows pgx.Rows) ([]model.DeviceSignal, error) {
	defer rows.Close()
	signals := make([]model.DeviceSignal, 0)
	for rows.Next() {
		var signal model.DeviceSignal
		if err := rows.Scan(&signal.Email, &signal.AssetTag, &signal.SerialNumber, &signal.DeviceTypeOverride, &signal.HasIntuneDevice); err != nil {
			return nil, err
		}
		signals = append(signals, signal)
	}
	return signals, rows.Err()
}

// LatestDeviceTypes returns the most recently recorded type per email.
func (s *Store) LatestDeviceTypes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.Pool.Query(ctx, `
    SELECT DISTINCT ON (email) email, new_type
    FROM device_change_history
    ORDER BY email, changed_at DESC
  `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	latest := make(map[string]string)
	for rows.Next() {
		var email, deviceType string
		if err := rows.Scan(&email, &deviceType); err != nil {
			return nil, err
		}
		latest[email] = deviceType
	}
	return latest, rows.Err()
}

func (s *Store) RecordDeviceChange(ctx context.Context, change model.DeviceChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now().UTC()
	}
	_, err := s.db.Pool.Exec(ctx, `
    INSERT INTO device_change_history (id, email, previous_type, new_type, reason, changed_at)
    VALUES ($1, $2, $3, $4, $5, $6)
  `, change.ID, change.Email, change.PreviousType, change.NewType, change.Reason, change.ChangedAt)
	return err
}

// ListDeviceChanges returns history newest first. An empty email lists every user.
func (s *Store) ListDeviceChanges(ctx context.Context, email string, limit int32) ([]model.DeviceChange, error) {
	rows, err := s.db.Pool.Query(ctx, `
    SELECT id::text, email, previous_type, new_type, reason, changed_at
    FROM device_change_history
    WHERE $1 = '' OR email = lower(trim($1))
    ORDER BY changed_at DESC
    LIMIT $2
  `, email, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	changes := make([]model.DeviceChange, 0)
	for rows.Next() {
		var change model.DeviceChange
		if err := rows.Scan(&change.ID, &change.Email, &change.PreviousType, &change.NewType, &change.Reason, &change.ChangedAt); err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// VerifySchema reports which required tables and optional functions exist.
func (s *Store) VerifySchema(ctx context.Context) (model.SchemaReport, error) {
	report := model.SchemaReport{
		Tables:    make(map[string]bool, len(RequiredTables)),
		Functions: make(map[string]bool, 1),
		CheckedAt: time.Now().UTC(),
	}
	for _, table := range RequiredTables {
		var exists bool
		if err := s.db.Pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists); err != nil {
			return model.SchemaReport{}, err
		}
		report.Tables[table] = exists
	}
	exists, err := s.functionExists(ctx)
	if err != nil {
		return model.SchemaReport{}, err
	}
	report.Functions[s.rpcName] = exists
	return report, nil
}

func scanCredentials(rows pgx.Rows) ([]model.CredentialRecord, error) {
	defer rows.Close()
	records := make([]model.CredentialRecord, 0)
	for rows.Next() {
		var record model.CredentialRecord
		var serviceType string
		if err := rows.Scan(
			&record.ID,
			&record.Username,
			&record.Password,
			&serviceType,
			&record.Email,
			&record.Notes,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, err
		}
		record.ServiceType = model.ServiceType(serviceType)
		records = append(records, record)
	}
	return records, rows.Err()
}
