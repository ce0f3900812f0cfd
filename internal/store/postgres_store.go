package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	db          *sql.DB
	autoMigrate bool
}

const (
	defaultDBMaxOpenConns    = 25
	defaultDBMaxIdleConns    = 10
	defaultDBConnMaxLifetime = 30 * time.Minute
	defaultDBConnMaxIdleTime = 5 * time.Minute
	defaultDBPingTimeout     = 5 * time.Second

	// concurrent creators of different versions can race for the same iteration number
	maxGroupCreateAttempts = 3
)

func NewPostgresStore(dsn string, autoMigrate bool) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, domain.InvalidArgument("DATABASE_URL is required when STORE_DRIVER=postgres")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, domain.Internal("failed to open postgres connection", err)
	}
	db.SetMaxOpenConns(defaultDBMaxOpenConns)
	db.SetMaxIdleConns(defaultDBMaxIdleConns)
	db.SetConnMaxLifetime(defaultDBConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultDBConnMaxIdleTime)

	return &PostgresStore{db: db, autoMigrate: autoMigrate}, nil
}

func (s *PostgresStore) Load() error {
	pingCtx, cancel := context.WithTimeout(context.Background(), defaultDBPingTimeout)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return domain.Internal("failed to connect to postgres", err)
	}
	if s.autoMigrate {
		if err := s.ensureSchema(); err != nil {
			return err
		}
	}
	return s.verifySchemaReady()
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) verifySchemaReady() error {
	requiredTables := []string{
		"task_groups",
		"agent_runs",
	}

	for _, tableName := range requiredTables {
		var exists bool
		if err := s.db.QueryRow(`SELECT to_regclass($1) IS NOT NULL`, "public."+tableName).Scan(&exists); err != nil {
			return domain.Internal("failed to verify database schema", err)
		}
		if !exists {
			return domain.FailedPrecondition(fmt.Sprintf("required table %q is missing; set DB_AUTO_MIGRATE=true or run migrations before starting agentdispatch", tableName))
		}
	}
	return nil
}

func (s *PostgresStore) FetchCachedRun(ctx context.Context, key domain.CacheKey) (domain.AgentRun, bool, error) {
	query, args := cachedRunQuery(key)
	var payload []byte
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentRun{}, false, nil
		}
		return domain.AgentRun{}, false, domain.Internal("failed to fetch cached run", err)
	}
	run, err := decodeRun(payload)
	if err != nil {
		return domain.AgentRun{}, false, err
	}
	return run, true, nil
}

func cachedRunQuery(key domain.CacheKey) (string, []any) {
	query := `
		SELECT r.payload
		FROM agent_runs r
		JOIN task_groups g ON g.id = r.group_id
	`
	args := []any{key.TaskID, key.SchemaID, key.InputHash}
	conditions := []string{"r.task_id = $1", "r.task_schema_id = $2", "r.task_input_hash = $3"}

	if key.GroupHash != "" {
		args = append(args, key.GroupHash)
		conditions = append(conditions, fmt.Sprintf("g.properties_hash = $%d", len(args)))
	}
	if key.SuccessOnly {
		args = append(args, string(domain.RunStatusSuccess))
		conditions = append(conditions, fmt.Sprintf("r.status = $%d", len(args)))
	}
	query += " WHERE " + strings.Join(conditions, " AND ")
	query += " ORDER BY r.created_at DESC, r.id DESC LIMIT 1"
	return query, args
}

func (s *PostgresStore) GetOrCreateTaskGroup(ctx context.Context, taskID string, schemaID int, props domain.TaskGroupProperties) (domain.TaskGroup, bool, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.TaskGroup{}, false, domain.InvalidArgument("task_id is required")
	}
	props = props.Sanitized()
	hash := props.Hash()

	properties, err := json.Marshal(props)
	if err != nil {
		return domain.TaskGroup{}, false, domain.Internal("failed to encode task group properties", err)
	}
	tags, err := json.Marshal(groupTags(props))
	if err != nil {
		return domain.TaskGroup{}, false, domain.Internal("failed to encode task group tags", err)
	}

	for range maxGroupCreateAttempts {
		if group, ok, err := s.findTaskGroup(ctx, taskID, schemaID, hash); err != nil {
			return domain.TaskGroup{}, false, err
		} else if ok {
			return group, false, nil
		}

		result, err := s.db.ExecContext(ctx, `
			INSERT INTO task_groups (id, task_id, task_schema_id, iteration, properties_hash, properties, tags, created_at)
			SELECT $1, $2, $3, COALESCE(MAX(iteration), 0) + 1, $4, $5, $6, NOW()
			FROM task_groups
			WHERE task_id = $2 AND task_schema_id = $3
			ON CONFLICT DO NOTHING
		`, uuid.NewString(), taskID, schemaID, hash, string(properties), string(tags))
		if err != nil {
			return domain.TaskGroup{}, false, domain.Internal("failed to insert task group", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return domain.TaskGroup{}, false, domain.Internal("failed to read task group insert result", err)
		}
		if affected == 0 {
			continue
		}
		group, ok, err := s.findTaskGroup(ctx, taskID, schemaID, hash)
		if err != nil {
			return domain.TaskGroup{}, false, err
		}
		if ok {
			return group, true, nil
		}
	}
	return domain.TaskGroup{}, false, domain.Conflict("task group iteration could not be assigned, retry the request")
}

func (s *PostgresStore) findTaskGroup(ctx context.Context, taskID string, schemaID int, hash string) (domain.TaskGroup, bool, error) {
	var group domain.TaskGroup
	var properties []byte
	var tags []byte
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, task_schema_id, iteration, properties, tags, created_at
		FROM task_groups
		WHERE task_id = $1 AND task_schema_id = $2 AND properties_hash = $3
	`, taskID, schemaID, hash).Scan(
		&group.ID,
		&group.TaskID,
		&group.TaskSchemaID,
		&group.Iteration,
		&properties,
		&tags,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TaskGroup{}, false, nil
		}
		return domain.TaskGroup{}, false, domain.Internal("failed to read task group", err)
	}
	if err := json.Unmarshal(properties, &group.Properties); err != nil {
		return domain.TaskGroup{}, false, domain.Internal("failed to decode task group properties", err)
	}
	if err := json.Unmarshal(tags, &group.Tags); err != nil {
		return domain.TaskGroup{}, false, domain.Internal("failed to decode task group tags", err)
	}
	group.CreatedAt = formatTime(createdAt)
	return group, true, nil
}

func (s *PostgresStore) InsertRun(ctx context.Context, run domain.AgentRun) error {
	createdAt, err := parseTimestamp(run.CreatedAt)
	if err != nil {
		return domain.Internal("run created_at is invalid", err)
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return domain.Internal("failed to encode run", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (
			id, task_id, task_schema_id, group_id, task_input_hash, task_output_hash,
			status, cost_usd, duration_seconds, payload, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11
		)
	`, run.ID, run.TaskID, run.TaskSchemaID, run.GroupID, run.TaskInputHash, run.TaskOutputHash,
		string(run.Status), run.CostUSD, run.DurationSeconds, string(payload), createdAt)
	if err != nil {
		return domain.Internal("failed to insert run", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (domain.AgentRun, error) {
	id = strings.TrimSpace(id)
	var payload []byte
	if err := s.db.QueryRowContext(ctx, `SELECT payload FROM agent_runs WHERE id = $1`, id).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentRun{}, domain.NotFound("run " + id + " was not found")
		}
		return domain.AgentRun{}, domain.Internal("failed to read run", err)
	}
	return decodeRun(payload)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.AgentRun, error) {
	query, args := listRunsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Internal("failed to list runs", err)
	}
	defer rows.Close()

	items := []domain.AgentRun{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, domain.Internal("failed to decode run row", err)
		}
		item, err := decodeRun(payload)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal("failed to iterate run rows", err)
	}
	return items, nil
}

func listRunsQuery(filter domain.RunFilter) (string, []any) {
	query := `
		SELECT payload
		FROM agent_runs
	`
	args := []any{}
	conditions := []string{}

	if strings.TrimSpace(filter.TaskID) != "" {
		args = append(args, filter.TaskID)
		conditions = append(conditions, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if filter.TaskSchemaID > 0 {
		args = append(args, filter.TaskSchemaID)
		conditions = append(conditions, fmt.Sprintf("task_schema_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.GroupID) != "" {
		args = append(args, filter.GroupID)
		conditions = append(conditions, fmt.Sprintf("group_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Status) != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC "
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(" LIMIT $%d ", len(args))
	return query, args
}

func decodeRun(payload []byte) (domain.AgentRun, error) {
	var run domain.AgentRun
	if err := json.Unmarshal(payload, &run); err != nil {
		return domain.AgentRun{}, domain.Internal("failed to decode run payload", err)
	}
	return run, nil
}

func (s *PostgresStore) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_groups (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_schema_id INTEGER NOT NULL,
			iteration INTEGER NOT NULL,
			properties_hash TEXT NOT NULL,
			properties JSONB NOT NULL,
			tags JSONB NOT NULL DEFAULT '[]'::JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (task_id, task_schema_id, properties_hash),
			UNIQUE (task_id, task_schema_id, iteration)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			task_schema_id INTEGER NOT NULL,
			group_id TEXT NOT NULL REFERENCES task_groups(id) ON DELETE CASCADE,
			task_input_hash TEXT NOT NULL,
			task_output_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_cache ON agent_runs (task_id, task_schema_id, task_input_hash, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_created_at ON agent_runs (created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_group_created_at ON agent_runs (group_id, created_at DESC)`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return domain.Internal("failed to ensure postgres schema", err)
		}
	}
	return nil
}

func parseTimestamp(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}
