package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm-automations/services/condition"
)

// PostgresStore reads entity rows as JSON objects from their tables.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

// Get retrieves a record by id. Returns nil, nil if not found.
func (s *PostgresStore) Get(ctx context.Context, kind Kind, id string) (condition.Record, error) {
	query := fmt.Sprintf(`SELECT row_to_json(t)::text FROM %s t WHERE t.id::text = $1`, pgx.Identifier{kind.Table()}.Sanitize())

	var raw string
	err := s.db.QueryRow(ctx, query, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	return decodeRecord(raw)
}

// Find returns up to limit rows matching every predicate.
func (s *PostgresStore) Find(ctx context.Context, kind Kind, preds []Predicate, limit int) ([]condition.Record, error) {
	if limit <= 0 || limit > MaxFindLimit {
		limit = MaxFindLimit
	}
	where, args := buildWhere(preds)
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT row_to_json(t)::text FROM %s t%s LIMIT $%d`,
		pgx.Identifier{kind.Table()}.Sanitize(), where, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", kind, err)
	}
	raws, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", kind, err)
	}

	records := make([]condition.Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRecord(raw string) (condition.Record, error) {
	var rec condition.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return rec, nil
}

// buildWhere renders predicates as a parameterised WHERE clause (with a leading
// space) over the table alias t. Placeholders start at $1.
func buildWhere(preds []Predicate) (string, []any) {
	if len(preds) == 0 {
		return "", nil
	}

	var args []any
	param := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	clauses := make([]string, 0, len(preds))
	for _, p := range preds {
		col := "t." + pgx.Identifier{p.Field}.Sanitize()
		var clause string
		switch p.Operator {
		case condition.OpEq:
			if p.Value.IsNull() {
				clause = col + " IS NULL"
			} else {
				clause = col + " = " + param(sqlArg(p.Value))
			}
		case condition.OpNeq:
			if p.Value.IsNull() {
				clause = col + " IS NOT NULL"
			} else {
				clause = col + " <> " + param(sqlArg(p.Value))
			}
		case condition.OpGt:
			clause = col + " > " + param(sqlArg(p.Value))
		case condition.OpLt:
			clause = col + " < " + param(sqlArg(p.Value))
		case condition.OpGte:
			clause = col + " >= " + param(sqlArg(p.Value))
		case condition.OpLte:
			clause = col + " <= " + param(sqlArg(p.Value))
		case condition.OpBetween:
			clause = col + " BETWEEN " + param(sqlArg(p.Value)) + " AND " + param(sqlArg(p.ValueEnd))
		case condition.OpContains:
			clause = col + "::text ILIKE " + param("%"+escapeLike(p.Value.Text())+"%")
		case condition.OpStartsWith:
			clause = col + "::text ILIKE " + param(escapeLike(p.Value.Text())+"%")
		case condition.OpEndsWith:
			clause = col + "::text ILIKE " + param("%"+escapeLike(p.Value.Text()))
		case condition.OpIsEmpty:
			clause = "(" + col + " IS NULL OR " + col + "::text = '')"
		case condition.OpIsNotEmpty:
			clause = "(" + col + " IS NOT NULL AND " + col + "::text <> '')"
		case condition.OpIn:
			clause = col + "::text = ANY(" + param(textList(p.Value)) + "::text[])"
		case condition.OpNotIn:
			clause = "NOT (" + col + "::text = ANY(" + param(textList(p.Value)) + "::text[]))"
		default:
			// Compile rejects unknown operators; match nothing if one slips through.
			clause = "FALSE"
		}
		clauses = append(clauses, clause)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func sqlArg(v condition.Value) any {
	switch v.Kind() {
	case condition.KindString:
		s, _ := v.AsString()
		return s
	case condition.KindNumber:
		n, _ := v.AsNumber()
		return n
	case condition.KindBool:
		b, _ := v.AsBool()
		return b
	case condition.KindNull:
		return nil
	default:
		return v.Text()
	}
}

func textList(v condition.Value) []string {
	items, _ := v.AsList()
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Text()
	}
	return out
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// InitSchema creates minimal entity tables for local development. Deployments
// that already own these tables are unaffected.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, kind := range Kinds {
		_, err := pool.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id         UUID PRIMARY KEY,
				org_id     UUID,
				status     TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, pgx.Identifier{kind.Table()}.Sanitize()))
		if err != nil {
			return fmt.Errorf("init %s table: %w", kind.Table(), err)
		}
	}
	return nil
}
