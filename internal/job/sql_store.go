package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	xerrors "THA-AgentHub/internal/errors"
)

// Dialect 标识 SQLStore 所连接的数据库类型。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// SQLConfig 描述数据库连接池参数。
type SQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// SQLStore 使用 MySQL 或 SQLite 记录任务状态，所有写操作都以状态为条件更新。
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore 包装一个已经打开的连接。
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenMySQL 连接 MySQL，强制开启 clientFoundRows 以保证 CAS 行数准确。
func OpenMySQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	parsed, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 MySQL DSN 失败")
	}
	parsed.ClientFoundRows = true

	db, err := sql.Open("mysql", parsed.FormatDSN())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return open(ctx, db, DialectMySQL, cfg.AutoMigrate)
}

// OpenSQLite 打开 SQLite 数据库，启用 WAL 并限制为单连接写入。
func OpenSQLite(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	db, err := sql.Open("sqlite", sqliteDSN(cfg.DSN))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return open(ctx, db, DialectSQLite, cfg.AutoMigrate)
}

func open(ctx context.Context, db *sql.DB, dialect Dialect, migrate bool) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}
	store := NewSQLStore(db, dialect)
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
		}
	}
	return store, nil
}

func sqliteDSN(path string) string {
	pragmas := "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != ":memory:" {
		pragmas = "_pragma=journal_mode(WAL)&" + pragmas
	}
	if strings.Contains(path, "?") {
		return path + "&" + pragmas
	}
	return path + "?" + pragmas
}

const jobColumns = `id, agent_id, input_data, input_hash, price_amount, price_unit, purchaser_identifier, seller_vkey,
        status, payment_status, blockchain_identifier, transaction_id, dispatch_attempts, result, error_message, error_code,
        created_at, updated_at, pay_by_time, unlock_time, external_dispute_unlock_time, submit_result_time`

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, job *Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	input, err := json.Marshal(job.Input)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务输入失败")
	}

	const stmt = `INSERT INTO jobs (` + jobColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		job.ID,
		job.AgentID,
		string(input),
		job.InputHash,
		job.Price.Amount,
		job.Price.Unit,
		job.PurchaserIdentifier,
		job.SellerVKey,
		string(job.Status),
		string(job.PaymentStatus),
		job.BlockchainIdentifier,
		job.TransactionID,
		job.DispatchAttempts,
		nullableJSON(job.Result),
		nullableString(job.Error),
		job.ErrorCode,
		millis(job.CreatedAt),
		millis(job.UpdatedAt),
		millis(job.PayByTime),
		millis(job.UnlockTime),
		millis(job.ExternalDisputeUnlockTime),
		nullableMillis(job.SubmitResultTime),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrJobExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return job, nil
}

// Apply 以 WHERE status = ? 的条件更新实现 CAS。
func (s *SQLStore) Apply(ctx context.Context, id string, t Transition) (*Job, error) {
	if t.name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "transition 必须通过构造函数创建")
	}
	now := t.timestamp()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(t.to), millis(now)}
	if t.payment != "" {
		sets = append(sets, "payment_status = ?")
		args = append(args, string(t.payment))
	}
	if t.transactionID != "" {
		sets = append(sets, "transaction_id = ?")
		args = append(args, t.transactionID)
	}
	if t.attempt {
		sets = append(sets, "dispatch_attempts = dispatch_attempts + 1")
	}
	if t.result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(t.result))
	}
	if t.submitted {
		sets = append(sets, "submit_result_time = ?")
		args = append(args, millis(now))
	}
	if t.errCode != "" {
		sets = append(sets, "error_code = ?", "error_message = ?")
		args = append(args, t.errCode, t.errMessage)
	}
	args = append(args, id, string(t.from))

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return current, conflict(id, current.Status, t)
	}
	return current, nil
}

// List 返回符合条件的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := `SELECT ` + jobColumns + ` FROM jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByCreatedAsc {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS awaiting_payment,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS cancelled,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS expired,
        MIN(created_at) AS oldest,
        MAX(created_at) AS newest
        FROM jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(StatusAwaitingPayment), string(StatusRunning), string(StatusCompleted),
		string(StatusFailed), string(StatusCancelled), string(StatusExpired),
	}
	args = append(args, filterArgs...)

	var stats Stats
	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.AwaitingPayment,
		&stats.Running,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.Expired,
		&oldest,
		&newest,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total > 0 {
		stats.OldestCreatedAt = fromNullMillis(oldest)
		stats.NewestCreatedAt = fromNullMillis(newest)
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var input, status, paymentStatus string
	var result, errMessage sql.NullString
	var createdAt, updatedAt, payBy, unlock, disputeUnlock int64
	var submitted sql.NullInt64
	if err := row.Scan(
		&job.ID,
		&job.AgentID,
		&input,
		&job.InputHash,
		&job.Price.Amount,
		&job.Price.Unit,
		&job.PurchaserIdentifier,
		&job.SellerVKey,
		&status,
		&paymentStatus,
		&job.BlockchainIdentifier,
		&job.TransactionID,
		&job.DispatchAttempts,
		&result,
		&errMessage,
		&job.ErrorCode,
		&createdAt,
		&updatedAt,
		&payBy,
		&unlock,
		&disputeUnlock,
		&submitted,
	); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input) != "" {
		if err := json.Unmarshal([]byte(input), &job.Input); err != nil {
			return nil, fmt.Errorf("解析任务输入失败: %w", err)
		}
	}
	job.Status = Status(status)
	job.PaymentStatus = PaymentStatus(paymentStatus)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.Error = errMessage.String
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	job.PayByTime = time.UnixMilli(payBy).UTC()
	job.UnlockTime = time.UnixMilli(unlock).UTC()
	job.ExternalDisputeUnlockTime = time.UnixMilli(disputeUnlock).UTC()
	job.SubmitResultTime = fromNullMillis(submitted)
	return &job, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.Purchaser != "" {
		conditions = append(conditions, "purchaser_identifier = ?")
		args = append(args, opts.Purchaser)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if !opts.CreatedGTE.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, millis(opts.CreatedGTE))
	}
	if !opts.CreatedLTE.IsZero() {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, millis(opts.CreatedLTE))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr *sqlite.Error
	if stdErrors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func millis(ts time.Time) int64 {
	return ts.UnixMilli()
}

func nullableMillis(ts *time.Time) sql.NullInt64 {
	if ts == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.UnixMilli(v.Int64).UTC()
	return &ts
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

var _ Store = (*SQLStore)(nil)
