package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Import SQL drivers
	_ "github.com/go-sql-driver/mysql" // MySQL
	_ "github.com/lib/pq"              // PostgreSQL

	"github.com/systmms/dsync/pkg/scope"
)

// Dialect names the SQL flavour a SQL backend speaks.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

var dialectAliases = map[string]Dialect{
	"postgres":   DialectPostgres,
	"postgresql": DialectPostgres,
	"mysql":      DialectMySQL,
	"mariadb":    DialectMySQL,
}

// ParseDialect resolves a driver name or alias.
func ParseDialect(name string) (Dialect, error) {
	d, ok := dialectAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unsupported database type: %s", name)
	}
	return d, nil
}

// SQL stores variables in the dsync_variables table.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQL wraps an open database. Callers own db.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect, now: time.Now}
}

// NewSQLFactory opens the "dsn" database with the "driver" driver and
// ensures the table exists.
func NewSQLFactory(ctx context.Context, cfg Config) (Client, error) {
	dialect, err := ParseDialect(cfg.String("driver"))
	if err != nil {
		return nil, err
	}
	dsn := cfg.String("dsn")
	if dsn == "" {
		return nil, fmt.Errorf("sql backend requires a dsn")
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctxWithTimeout); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := NewSQL(db, dialect)
	if err := s.EnsureSchema(ctxWithTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQL) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EnsureSchema creates the variables table when missing.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS dsync_variables (
	project VARCHAR(255) NOT NULL,
	environment VARCHAR(255) NOT NULL,
	scope VARCHAR(255) NOT NULL,
	var_key VARCHAR(255) NOT NULL,
	value TEXT NOT NULL,
	sensitive BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at %[1]s NOT NULL,
	last_rotated %[1]s NULL,
	PRIMARY KEY (project, environment, scope, var_key)
)`
	column := "TIMESTAMPTZ"
	if s.dialect == DialectMySQL {
		column = "DATETIME(6)"
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(ddl, column)); err != nil {
		return fmt.Errorf("failed to create dsync_variables table: %w", err)
	}
	return nil
}

const selectColumns = "var_key, value, scope, sensitive, updated_at, last_rotated"

func (s *SQL) scan(row interface{ Scan(...interface{}) error }, project, env string) (Variable, error) {
	var (
		v           Variable
		rawScope    string
		lastRotated sql.NullTime
	)
	if err := row.Scan(&v.Key, &v.Value, &rawScope, &v.Sensitive, &v.UpdatedAt, &lastRotated); err != nil {
		return Variable{}, err
	}
	sc, ok := scope.Parse(rawScope)
	if !ok {
		return Variable{}, fmt.Errorf("%s has invalid scope %q in database", v.Key, rawScope)
	}
	v.Scope = sc
	v.Project = project
	v.Environment = env
	v.UpdatedAt = v.UpdatedAt.UTC()
	if lastRotated.Valid {
		t := lastRotated.Time.UTC()
		v.LastRotated = &t
	}
	return v, nil
}

// Get implements Client.
func (s *SQL) Get(ctx context.Context, key, project, env string, sc scope.Scope) (*Variable, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+selectColumns+" FROM dsync_variables WHERE project = ? AND environment = ? AND scope = ? AND var_key = ?"),
		project, env, scope.Serialize(sc), key)

	v, err := s.scan(row, project, env)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query variable: %w", err)
	}
	return &v, nil
}

func (s *SQL) upsert() string {
	insert := "INSERT INTO dsync_variables (project, environment, scope, var_key, value, sensitive, updated_at, last_rotated) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	if s.dialect == DialectMySQL {
		return insert + " ON DUPLICATE KEY UPDATE value = VALUES(value), sensitive = VALUES(sensitive), updated_at = VALUES(updated_at), last_rotated = VALUES(last_rotated)"
	}
	return s.rebind(insert + " ON CONFLICT (project, environment, scope, var_key) DO UPDATE SET value = EXCLUDED.value, sensitive = EXCLUDED.sensitive, updated_at = EXCLUDED.updated_at, last_rotated = EXCLUDED.last_rotated")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQL) write(ctx context.Context, ex execer, in SetInput) (*Variable, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	v := stamp(in, s.now())
	var lastRotated sql.NullTime
	if v.LastRotated != nil {
		lastRotated = sql.NullTime{Time: *v.LastRotated, Valid: true}
	}
	if _, err := ex.ExecContext(ctx, s.upsert(),
		v.Project, v.Environment, scope.Serialize(v.Scope), v.Key, v.Value, v.Sensitive, v.UpdatedAt, lastRotated); err != nil {
		return nil, fmt.Errorf("failed to write variable %s: %w", in.Key, err)
	}
	return &v, nil
}

// Set implements Client.
func (s *SQL) Set(ctx context.Context, in SetInput) (*Variable, error) {
	return s.write(ctx, s.db, in)
}

// SetMany implements Client. All writes share one transaction.
func (s *SQL) SetMany(ctx context.Context, in []SetInput) ([]Variable, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]Variable, 0, len(in))
	for _, input := range in {
		v, err := s.write(ctx, tx, input)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return out, nil
}

// Delete implements Client.
func (s *SQL) Delete(ctx context.Context, key, project, env string, sc scope.Scope) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind("DELETE FROM dsync_variables WHERE project = ? AND environment = ? AND scope = ? AND var_key = ?"),
		project, env, scope.Serialize(sc), key)
	if err != nil {
		return false, fmt.Errorf("failed to delete variable: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete variable: %w", err)
	}
	return n > 0, nil
}

// List implements Client. Project and environment are required.
func (s *SQL) List(ctx context.Context, f Filter) ([]Variable, error) {
	if f.Project == "" || f.Environment == "" {
		return nil, fmt.Errorf("sql backend requires project and environment to list")
	}

	query := "SELECT " + selectColumns + " FROM dsync_variables WHERE project = ? AND environment = ?"
	args := []interface{}{f.Project, f.Environment}
	if f.Scope != nil {
		query += " AND scope = ?"
		args = append(args, scope.Serialize(f.Scope))
	}
	query += " ORDER BY var_key, scope"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Variable{}
	for rows.Next() {
		v, err := s.scan(rows, f.Project, f.Environment)
		if err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	sortVariables(out)
	return out, nil
}

// Export implements Client.
func (s *SQL) Export(ctx context.Context, project, env string, sc scope.Scope) (map[string]string, error) {
	return export(ctx, s, project, env, sc)
}
