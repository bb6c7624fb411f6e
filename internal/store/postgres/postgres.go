// Package postgres is the Postgres-backed Storer, built on goqu for query
// construction and pgx as the driver, grounded on the teacher's
// internal/store/postgres package.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/aiservice/internal/config"
	"github.com/rakunlabs/aiservice/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 5
	MaxOpenConns    = 10

	DefaultTablePrefix = "aiservice_"
)

type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableTenants  exp.IdentifierExpression
	tablePlugins  exp.IdentifierExpression
	tableTasks    exp.IdentifierExpression
	tableContexts exp.IdentifierExpression

	encKey []byte
}

func New(ctx context.Context, cfg *config.StorePostgres, encKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:            db,
		goqu:          dbGoqu,
		tableTenants:  goqu.T(tablePrefix + "tenants"),
		tablePlugins:  goqu.T(tablePrefix + "plugins"),
		tableTasks:    goqu.T(tablePrefix + "extraction_tasks"),
		tableContexts: goqu.T(tablePrefix + "company_context"),
		encKey:        encKey,
	}, nil
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// ─── Tenants ───

func (p *Postgres) CreateTenant(ctx context.Context, t domain.Tenant) (*domain.Tenant, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	query, _, err := p.goqu.Insert(p.tableTenants).Rows(goqu.Record{
		"company_id": t.CompanyID,
		"industry":   string(t.Industry),
		"created_at": t.CreatedAt,
	}).OnConflict(goqu.DoUpdate("company_id", goqu.Record{"industry": string(t.Industry)})).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create tenant query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create tenant %q: %w", t.CompanyID, err)
	}

	return &t, nil
}

func (p *Postgres) GetTenant(ctx context.Context, companyID string) (*domain.Tenant, error) {
	query, _, err := p.goqu.From(p.tableTenants).
		Select("company_id", "industry", "created_at").
		Where(goqu.I("company_id").Eq(companyID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get tenant query: %w", err)
	}

	var t domain.Tenant
	var industry string
	err = p.db.QueryRowContext(ctx, query).Scan(&t.CompanyID, &industry, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %q: %w", companyID, err)
	}
	t.Industry = domain.Industry(industry)

	return &t, nil
}

func (p *Postgres) DeleteTenant(ctx context.Context, companyID string) error {
	query, _, err := p.goqu.Delete(p.tableTenants).
		Where(goqu.I("company_id").Eq(companyID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete tenant query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete tenant %q: %w", companyID, err)
	}

	return nil
}

// ─── Plugins ───

func (p *Postgres) UpsertPlugin(ctx context.Context, pl domain.Plugin) error {
	if pl.FetchedAt.IsZero() {
		pl.FetchedAt = time.Now().UTC()
	}

	domains, err := json.Marshal(pl.AllowedDomains)
	if err != nil {
		return fmt.Errorf("marshal allowed_domains: %w", err)
	}

	record := goqu.Record{
		"plugin_id":       pl.PluginID,
		"company_id":      pl.CompanyID,
		"allowed_domains": domains,
		"fetched_at":      pl.FetchedAt,
	}

	query, _, err := p.goqu.Insert(p.tablePlugins).Rows(record).
		OnConflict(goqu.DoUpdate("plugin_id", goqu.Record{
			"company_id":      pl.CompanyID,
			"allowed_domains": domains,
			"fetched_at":      pl.FetchedAt,
		})).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert plugin query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("upsert plugin %q: %w", pl.PluginID, err)
	}

	return nil
}

func (p *Postgres) GetPlugin(ctx context.Context, pluginID string) (*domain.Plugin, error) {
	query, _, err := p.goqu.From(p.tablePlugins).
		Select("plugin_id", "company_id", "allowed_domains", "fetched_at").
		Where(goqu.I("plugin_id").Eq(pluginID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get plugin query: %w", err)
	}

	var pl domain.Plugin
	var domainsJSON []byte
	err = p.db.QueryRowContext(ctx, query).Scan(&pl.PluginID, &pl.CompanyID, &domainsJSON, &pl.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plugin %q: %w", pluginID, err)
	}

	if len(domainsJSON) > 0 {
		if err := json.Unmarshal(domainsJSON, &pl.AllowedDomains); err != nil {
			return nil, fmt.Errorf("unmarshal allowed_domains for %q: %w", pluginID, err)
		}
	}

	return &pl, nil
}

// ─── Extraction tasks ───

func (p *Postgres) EnqueueTask(ctx context.Context, t domain.ExtractionTask) (*domain.ExtractionTask, bool, error) {
	existing, err := p.findActiveTask(ctx, t.CompanyID, t.FileID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if t.TaskID == "" {
		t.TaskID = ulid.Make().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = domain.StatusPending
	}

	metaJSON, err := json.Marshal(t.FileMetadata)
	if err != nil {
		return nil, false, fmt.Errorf("marshal file_metadata: %w", err)
	}

	query, _, err := p.goqu.Insert(p.tableTasks).Rows(goqu.Record{
		"task_id":        t.TaskID,
		"company_id":     t.CompanyID,
		"file_id":        t.FileID,
		"file_url":       t.FileURL,
		"industry":       string(t.Industry),
		"data_type":      string(t.DataType),
		"file_metadata":  metaJSON,
		"callback_url":   t.CallbackURL,
		"status":         string(t.Status),
		"created_at":     t.CreatedAt,
		"updated_at":     t.UpdatedAt,
		"chunks_created": t.ChunksCreated,
	}).ToSQL()
	if err != nil {
		return nil, false, fmt.Errorf("build enqueue task query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, false, fmt.Errorf("enqueue task %q: %w", t.TaskID, err)
	}

	return &t, true, nil
}

func (p *Postgres) findActiveTask(ctx context.Context, companyID, fileID string) (*domain.ExtractionTask, error) {
	query, _, err := p.goqu.From(p.tableTasks).
		Select("task_id", "company_id", "file_id", "file_url", "industry", "data_type",
			"file_metadata", "callback_url", "status", "created_at", "updated_at",
			"chunks_created", "error").
		Where(
			goqu.I("company_id").Eq(companyID),
			goqu.I("file_id").Eq(fileID),
			goqu.I("status").NotIn(string(domain.StatusCompleted), string(domain.StatusFailed)),
		).
		Order(goqu.I("created_at").Asc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build find active task query: %w", err)
	}

	row := p.db.QueryRowContext(ctx, query)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active task: %w", err)
	}

	return t, nil
}

func (p *Postgres) ClaimNextTask(ctx context.Context) (*domain.ExtractionTask, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := p.goqu.From(p.tableTasks).
		Select("task_id").
		Where(goqu.I("status").Eq(string(domain.StatusPending))).
		Order(goqu.I("created_at").Asc()).
		Limit(1).
		ForUpdate(exp.SkipLocked).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build claim select query: %w", err)
	}

	var taskID string
	err = tx.QueryRowContext(ctx, selectQuery).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next task: %w", err)
	}

	now := time.Now().UTC()
	updateQuery, _, err := p.goqu.Update(p.tableTasks).Set(goqu.Record{
		"status":     string(domain.StatusProcessing),
		"updated_at": now,
	}).Where(goqu.I("task_id").Eq(taskID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build claim update query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
		return nil, fmt.Errorf("claim task %q: %w", taskID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim transaction: %w", err)
	}

	return p.GetTask(ctx, taskID)
}

func (p *Postgres) UpdateTaskStatus(ctx context.Context, taskID string, status domain.ExtractionStatus, chunksCreated int, taskErr string) error {
	record := goqu.Record{
		"status":         string(status),
		"chunks_created": chunksCreated,
		"updated_at":     time.Now().UTC(),
	}
	if taskErr != "" {
		record["error"] = taskErr
	}

	query, _, err := p.goqu.Update(p.tableTasks).Set(record).
		Where(goqu.I("task_id").Eq(taskID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update task status query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update task %q status: %w", taskID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %q not found", taskID)
	}

	return nil
}

func (p *Postgres) GetTask(ctx context.Context, taskID string) (*domain.ExtractionTask, error) {
	query, _, err := p.goqu.From(p.tableTasks).
		Select("task_id", "company_id", "file_id", "file_url", "industry", "data_type",
			"file_metadata", "callback_url", "status", "created_at", "updated_at",
			"chunks_created", "error").
		Where(goqu.I("task_id").Eq(taskID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get task query: %w", err)
	}

	row := p.db.QueryRowContext(ctx, query)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", taskID, err)
	}

	return t, nil
}

func (p *Postgres) GCTerminalTasks(ctx context.Context) (int, error) {
	const retention = 24 * time.Hour
	cutoff := time.Now().UTC().Add(-retention)

	query, _, err := p.goqu.Delete(p.tableTasks).
		Where(
			goqu.I("status").In(string(domain.StatusCompleted), string(domain.StatusFailed)),
			goqu.I("updated_at").Lt(cutoff),
		).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build gc query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("gc terminal tasks: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return int(affected), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*domain.ExtractionTask, error) {
	var t domain.ExtractionTask
	var industry, dataType, status string
	var metaJSON []byte
	var taskErr sql.NullString

	if err := row.Scan(&t.TaskID, &t.CompanyID, &t.FileID, &t.FileURL, &industry, &dataType,
		&metaJSON, &t.CallbackURL, &status, &t.CreatedAt, &t.UpdatedAt,
		&t.ChunksCreated, &taskErr); err != nil {
		return nil, err
	}

	t.Industry = domain.Industry(industry)
	t.DataType = domain.DataType(dataType)
	t.Status = domain.ExtractionStatus(status)
	if taskErr.Valid {
		t.Error = types.NewNull(taskErr.String)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &t.FileMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal file_metadata: %w", err)
		}
	}

	return &t, nil
}

// ─── Company context ───

func (p *Postgres) SetContext(ctx context.Context, companyID, recordType string, records []map[string]any) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set context transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	delQuery, _, err := p.goqu.Delete(p.tableContexts).
		Where(goqu.I("company_id").Eq(companyID), goqu.I("record_type").Eq(recordType)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build clear context query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delQuery); err != nil {
		return fmt.Errorf("clear context %q/%q: %w", companyID, recordType, err)
	}

	now := time.Now().UTC()
	for _, rec := range records {
		if err := insertContextRow(ctx, tx, p.goqu, p.tableContexts, companyID, recordType, rec, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *Postgres) GetContext(ctx context.Context, companyID, recordType string) ([]map[string]any, error) {
	query, _, err := p.goqu.From(p.tableContexts).
		Select("data").
		Where(goqu.I("company_id").Eq(companyID), goqu.I("record_type").Eq(recordType)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get context query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get context %q/%q: %w", companyID, recordType, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal context row: %w", err)
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

func (p *Postgres) AddContextItem(ctx context.Context, companyID, recordType string, record map[string]any) error {
	return insertContextRow(ctx, p.db, p.goqu, p.tableContexts, companyID, recordType, record, time.Now().UTC())
}

func (p *Postgres) DeleteContext(ctx context.Context, companyID, recordType string) error {
	query, _, err := p.goqu.Delete(p.tableContexts).
		Where(goqu.I("company_id").Eq(companyID), goqu.I("record_type").Eq(recordType)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete context query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete context %q/%q: %w", companyID, recordType, err)
	}

	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertContextRow(ctx context.Context, ex execer, gq *goqu.Database, table exp.IdentifierExpression, companyID, recordType string, record map[string]any, now time.Time) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal context record: %w", err)
	}

	query, _, err := gq.Insert(table).Rows(goqu.Record{
		"id":          ulid.Make().String(),
		"company_id":  companyID,
		"record_type": recordType,
		"data":        data,
		"created_at":  now,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert context query: %w", err)
	}

	if _, err := ex.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert context row: %w", err)
	}

	return nil
}
