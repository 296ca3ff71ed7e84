package store

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// upsertParallelism bounds concurrent per-record upserts on large batches.
const upsertParallelism = 8

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS zkbio_employees (
			code TEXT PRIMARY KEY,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			department TEXT NOT NULL DEFAULT '',
			position TEXT NOT NULL DEFAULT '',
			areas TEXT[] NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_synced_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS zkbio_transactions (
			source_id BIGINT NOT NULL,
			emp_code TEXT NOT NULL,
			punch_time TIMESTAMPTZ NOT NULL,
			direction TEXT NOT NULL DEFAULT 'Unknown',
			location TEXT NOT NULL DEFAULT 'Unknown',
			device_id TEXT NOT NULL DEFAULT '',
			verify_method TEXT NOT NULL DEFAULT '',
			temperature DOUBLE PRECISION,
			uploaded_at TIMESTAMPTZ,
			orphaned BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (source_id, emp_code, punch_time)
		)`,
		`CREATE INDEX IF NOT EXISTS zkbio_transactions_emp_punch_idx
			ON zkbio_transactions (emp_code, punch_time DESC)`,
		`CREATE INDEX IF NOT EXISTS zkbio_transactions_punch_idx
			ON zkbio_transactions (punch_time DESC)`,
	}

	for _, statement := range statements {
		if _, err := p.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertEmployees writes directory records independently with bounded
// parallelism. Bad records count as failures without aborting the batch.
// Employees are never deleted here, only refreshed or deactivated.
func (p *Postgres) UpsertEmployees(ctx context.Context, records []EmployeeRecord) (BatchResult, error) {
	return upsertEmployeeBatch(ctx, p.pool, records)
}

func upsertEmployeeBatch(ctx context.Context, db pgxExecer, records []EmployeeRecord) (BatchResult, error) {
	var succeeded, failed atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(upsertParallelism)

	for _, record := range records {
		record := record
		group.Go(func() error {
			if record.Code == "" {
				failed.Add(1)
				return nil
			}

			_, err := db.Exec(
				groupCtx,
				`INSERT INTO zkbio_employees (code, first_name, last_name, department, position, areas, is_active, last_synced_at)
				 VALUES ($1, $2, $3, $4, $5, $6, TRUE, now())
				 ON CONFLICT (code) DO UPDATE
				 SET first_name = EXCLUDED.first_name,
				     last_name = EXCLUDED.last_name,
				     department = EXCLUDED.department,
				     position = EXCLUDED.position,
				     areas = EXCLUDED.areas,
				     is_active = TRUE,
				     last_synced_at = now()`,
				record.Code,
				record.FirstName,
				record.LastName,
				record.Department,
				record.Position,
				record.Areas,
			)
			if err != nil {
				log.Printf("employee upsert failed code=%s err=%v", record.Code, err)
				failed.Add(1)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return BatchResult{}, err
	}
	return BatchResult{Succeeded: int(succeeded.Load()), Failed: int(failed.Load())}, nil
}

// DeactivateMissingEmployees marks directory rows absent from the latest
// sync as inactive. Records are kept, never deleted.
func (p *Postgres) DeactivateMissingEmployees(ctx context.Context, presentCodes []string) (int, error) {
	tag, err := p.pool.Exec(
		ctx,
		`UPDATE zkbio_employees SET is_active = FALSE
		 WHERE is_active AND NOT (code = ANY($1))`,
		presentCodes,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// UpsertTransactions ingests punches idempotently on the composite key.
// Punches referencing unknown employees are retained with orphaned=true
// and logged, never dropped.
func (p *Postgres) UpsertTransactions(ctx context.Context, records []AttendanceTransaction) (BatchResult, error) {
	known, err := p.knownEmployeeCodes(ctx, records)
	if err != nil {
		return BatchResult{}, err
	}
	return upsertTransactionBatch(ctx, p.pool, records, known)
}

func upsertTransactionBatch(ctx context.Context, db pgxExecer, records []AttendanceTransaction, known map[string]bool) (BatchResult, error) {
	var succeeded, failed atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(upsertParallelism)

	for _, record := range records {
		record := record
		group.Go(func() error {
			if record.EmployeeCode == "" || record.PunchTime.IsZero() {
				failed.Add(1)
				return nil
			}

			orphaned := !known[record.EmployeeCode]
			if orphaned {
				log.Printf("data integrity warning: punch references unknown employee code=%s sourceId=%d", record.EmployeeCode, record.SourceID)
			}

			_, err := db.Exec(
				groupCtx,
				`INSERT INTO zkbio_transactions
				   (source_id, emp_code, punch_time, direction, location, device_id, verify_method, temperature, uploaded_at, orphaned)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				 ON CONFLICT (source_id, emp_code, punch_time) DO NOTHING`,
				record.SourceID,
				record.EmployeeCode,
				record.PunchTime,
				record.Direction,
				record.Location,
				record.DeviceID,
				record.VerifyMethod,
				record.Temperature,
				record.UploadedAt,
				orphaned,
			)
			if err != nil {
				log.Printf("transaction upsert failed code=%s sourceId=%d err=%v", record.EmployeeCode, record.SourceID, err)
				failed.Add(1)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return BatchResult{}, err
	}
	return BatchResult{Succeeded: int(succeeded.Load()), Failed: int(failed.Load())}, nil
}

func (p *Postgres) knownEmployeeCodes(ctx context.Context, records []AttendanceTransaction) (map[string]bool, error) {
	codes := make([]string, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, record := range records {
		if record.EmployeeCode == "" || seen[record.EmployeeCode] {
			continue
		}
		seen[record.EmployeeCode] = true
		codes = append(codes, record.EmployeeCode)
	}
	if len(codes) == 0 {
		return map[string]bool{}, nil
	}

	rows, err := p.pool.Query(ctx, `SELECT code FROM zkbio_employees WHERE code = ANY($1)`, codes)
	if err != nil {
		return nil, fmt.Errorf("lookup employee codes: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool, len(codes))
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		known[code] = true
	}
	return known, rows.Err()
}

func (p *Postgres) GetTransactionsByRange(ctx context.Context, start, end time.Time) ([]AttendanceTransaction, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT source_id, emp_code, punch_time, direction, location, device_id, verify_method, temperature, uploaded_at, orphaned
		 FROM zkbio_transactions
		 WHERE punch_time >= $1 AND punch_time < $2
		 ORDER BY punch_time DESC`,
		start,
		end,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (p *Postgres) GetTransactionsForEmployee(ctx context.Context, code string, start, end time.Time) ([]AttendanceTransaction, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT source_id, emp_code, punch_time, direction, location, device_id, verify_method, temperature, uploaded_at, orphaned
		 FROM zkbio_transactions
		 WHERE emp_code = $1 AND punch_time >= $2 AND punch_time < $3
		 ORDER BY punch_time DESC`,
		code,
		start,
		end,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// GetDailyAttendance groups an employee's punches in [start, end) into
// daily check-in/check-out pairs, newest date first.
func (p *Postgres) GetDailyAttendance(ctx context.Context, code string, start, end time.Time) ([]DailyAttendance, error) {
	transactions, err := p.GetTransactionsForEmployee(ctx, code, start, end)
	if err != nil {
		return nil, err
	}
	return GroupDaily(transactions), nil
}

func (p *Postgres) ListEmployees(ctx context.Context, onlyActive bool) ([]EmployeeRecord, error) {
	query := `SELECT code, first_name, last_name, department, position, areas, is_active, last_synced_at
	          FROM zkbio_employees`
	if onlyActive {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY code`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	employees := make([]EmployeeRecord, 0)
	for rows.Next() {
		var employee EmployeeRecord
		if err := rows.Scan(
			&employee.Code,
			&employee.FirstName,
			&employee.LastName,
			&employee.Department,
			&employee.Position,
			&employee.Areas,
			&employee.IsActive,
			&employee.LastSyncedAt,
		); err != nil {
			return nil, err
		}
		employees = append(employees, employee)
	}
	return employees, rows.Err()
}

// EmployeeCodesWithPunchOn returns the set of employees with at least one
// punch on the given calendar date.
func (p *Postgres) EmployeeCodesWithPunchOn(ctx context.Context, date time.Time) (map[string]bool, error) {
	start, end := DayBounds(date)

	rows, err := p.pool.Query(
		ctx,
		`SELECT DISTINCT emp_code FROM zkbio_transactions
		 WHERE punch_time >= $1 AND punch_time < $2`,
		start,
		end,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		present[code] = true
	}
	return present, rows.Err()
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

type pgxExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func scanTransactions(rows pgxRows) ([]AttendanceTransaction, error) {
	transactions := make([]AttendanceTransaction, 0)
	for rows.Next() {
		var tx AttendanceTransaction
		if err := rows.Scan(
			&tx.SourceID,
			&tx.EmployeeCode,
			&tx.PunchTime,
			&tx.Direction,
			&tx.Location,
			&tx.DeviceID,
			&tx.VerifyMethod,
			&tx.Temperature,
			&tx.UploadedAt,
			&tx.Orphaned,
		); err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}
