package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"RehabSessionHub/internal/module"
	"RehabSessionHub/internal/session"
)

//go:embed schema.sql
var baseSchema string

// PostgreSQL 错误码
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeInvalidText         = "22P02"
)

// Store 基于 pgx 连接池的持久化存储，实现 session.Store 与 session.Query
//
// 每个模块的参数、指标各占一张表，表名来自模块定义；data 列保存 JSONB，
// 结构由模块注册表在应用层保证。
type Store struct {
	pool     *pgxpool.Pool
	registry *module.Registry
}

// New 创建存储
func New(pool *pgxpool.Pool, registry *module.Registry) *Store {
	return &Store{pool: pool, registry: registry}
}

// Pool 返回底层连接池
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate 建表（幂等），模块子表按注册表生成
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, baseSchema); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}
	for _, def := range s.registry.Modules() {
		for _, table := range []string{def.ParamsTable, def.MetricsTable} {
			if _, err := tx.Exec(ctx, moduleTableDDL(table)); err != nil {
				return fmt.Errorf("create table %s: %w", table, err)
			}
		}
	}
	return tx.Commit(ctx)
}

// moduleTableDDL 每个会话至多一条子记录，会话删除（创建回滚）时级联删除
func moduleTableDDL(table string) string {
	ident := pgx.Identifier{table}.Sanitize()
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    session_id UUID PRIMARY KEY REFERENCES sessions (id) ON DELETE CASCADE,
    data       JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, ident)
}

// UpsertUser 写入用户（种子数据与测试使用）
func (s *Store) UpsertUser(ctx context.Context, u session.User) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO users (id, name, email, mobile_no)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email, mobile_no = EXCLUDED.mobile_no`,
		u.ID, u.Name, u.Email, optionalText(u.MobileNo))
	return err
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
INSERT INTO sessions (date, status, owner_id, module, patient_name, patient_ailment, patient_email)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id::text`,
		sess.Date, string(sess.Status), sess.OwnerID, string(sess.Module),
		sess.Patient.Name, sess.Patient.Ailment, optionalText(sess.Patient.Email),
	).Scan(&id)
	if err != nil {
		return "", translate(err, "session")
	}
	return id, nil
}

const sessionColumns = `id::text, date, status, owner_id, module, patient_name, patient_ailment, patient_email`

func (s *Store) FindSession(ctx context.Context, id string) (*session.Session, error) {
	if err := checkID(id, "session"); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, translate(err, "session "+id)
	}
	return sess, nil
}

func (s *Store) SaveSessionStatus(ctx context.Context, id string, status session.Status) error {
	if err := checkID(id, "session"); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return translate(err, "session "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := checkID(id, "session"); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return translate(err, "session "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateModuleRecord(ctx context.Context, rec session.ModuleRecord) error {
	if err := checkID(rec.SessionID, "session"); err != nil {
		return err
	}
	table, err := s.table(rec.Kind, rec.Module)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+table+` (session_id, data, created_at) VALUES ($1, $2, $3)`,
		rec.SessionID, rec.Data, rec.CreatedAt)
	if err != nil {
		return translate(err, fmt.Sprintf("%s record for %s", rec.Kind, rec.SessionID))
	}
	return nil
}

func (s *Store) FindModuleRecord(ctx context.Context, kind session.RecordKind, mod module.ID, sessionID string) (*session.ModuleRecord, error) {
	if err := checkID(sessionID, "session"); err != nil {
		return nil, err
	}
	table, err := s.table(kind, mod)
	if err != nil {
		return nil, err
	}
	rec := &session.ModuleRecord{Kind: kind, Module: mod}
	err = s.pool.QueryRow(ctx,
		`SELECT session_id::text, data, created_at FROM `+table+` WHERE session_id = $1`, sessionID,
	).Scan(&rec.SessionID, &rec.Data, &rec.CreatedAt)
	if err != nil {
		return nil, translate(err, fmt.Sprintf("%s record for %s", kind, sessionID))
	}
	return rec, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (*session.User, error) {
	var (
		u      session.User
		mobile pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `SELECT id, name, email, mobile_no FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &mobile)
	if err != nil {
		return nil, translate(err, "user "+id)
	}
	u.MobileNo = mobile.String
	return &u, nil
}

// ListSessions 按日期倒序查询会话
func (s *Store) ListSessions(ctx context.Context, filter session.Filter) ([]*session.Session, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.Module != "" {
		add("module = $%d", string(filter.Module))
	}
	if filter.PatientName != "" {
		add(`patient_name ILIKE $%d ESCAPE '\'`, "%"+escapeLike(filter.PatientName)+"%")
	}
	if !filter.From.IsZero() {
		add("date >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("date <= $%d", filter.To)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}

	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.EffectiveLimit())
	q += fmt.Sprintf(` ORDER BY date DESC, id LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (s *Store) table(kind session.RecordKind, mod module.ID) (string, error) {
	def, err := s.registry.Lookup(mod)
	if err != nil {
		return "", err
	}
	switch kind {
	case session.KindParams:
		return pgx.Identifier{def.ParamsTable}.Sanitize(), nil
	case session.KindMetrics:
		return pgx.Identifier{def.MetricsTable}.Sanitize(), nil
	default:
		return "", fmt.Errorf("unknown record kind %q", kind)
	}
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var (
		sess          session.Session
		status, modID string
		email         pgtype.Text
	)
	if err := row.Scan(&sess.ID, &sess.Date, &status, &sess.OwnerID, &modID,
		&sess.Patient.Name, &sess.Patient.Ailment, &email); err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	sess.Module = module.ID(modID)
	sess.Patient.Email = email.String
	sess.Date = sess.Date.UTC()
	return &sess, nil
}

// translate 将驱动错误映射为存储契约错误
func translate(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, session.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w", what, session.ErrRecordExists)
		case codeForeignKeyViolation, codeInvalidText:
			return fmt.Errorf("%s: %w", what, session.ErrNotFound)
		}
	}
	return err
}

// checkID 会话标识为 UUID，格式不合法的标识视为不存在
func checkID(id, what string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%s %q: %w", what, id, session.ErrNotFound)
	}
	return nil
}

func optionalText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
