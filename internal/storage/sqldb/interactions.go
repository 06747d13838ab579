package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tjfontaine/intentguard/internal/core/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

const interactionColumns = `id, user_id, domain, title, intent_type, intent_data, risk_factors,
	intervention_message, was_intervened, feedback, compute_cost, money_saved, platform_fee,
	hour_of_day, analyzed_at, mistake_types, domain_record_ids, unavailable_sources, categories`

// interactionRow is the stored shape of an interaction. List columns are
// JSON text; the migrated ones may be NULL on old rows.
type interactionRow struct {
	ID                  string         `db:"id"`
	UserID              string         `db:"user_id"`
	Domain              string         `db:"domain"`
	Title               string         `db:"title"`
	IntentType          string         `db:"intent_type"`
	IntentData          string         `db:"intent_data"`
	RiskFactors         string         `db:"risk_factors"`
	InterventionMessage string         `db:"intervention_message"`
	WasIntervened       bool           `db:"was_intervened"`
	Feedback            string         `db:"feedback"`
	ComputeCost         float64        `db:"compute_cost"`
	MoneySaved          float64        `db:"money_saved"`
	PlatformFee         float64        `db:"platform_fee"`
	HourOfDay           int            `db:"hour_of_day"`
	AnalyzedAt          time.Time      `db:"analyzed_at"`
	MistakeTypes        sql.NullString `db:"mistake_types"`
	DomainRecordIDs     sql.NullString `db:"domain_record_ids"`
	UnavailableSources  sql.NullString `db:"unavailable_sources"`
	Categories          sql.NullString `db:"categories"`
}

func (r *interactionRow) record() (*domain.InteractionRecord, error) {
	rec := &domain.InteractionRecord{
		ID:                  r.ID,
		UserID:              r.UserID,
		Domain:              r.Domain,
		Title:               r.Title,
		IntentType:          r.IntentType,
		IntentData:          json.RawMessage(r.IntentData),
		InterventionMessage: r.InterventionMessage,
		WasIntervened:       r.WasIntervened,
		Feedback:            domain.Feedback(r.Feedback),
		ComputeCost:         r.ComputeCost,
		MoneySaved:          r.MoneySaved,
		PlatformFee:         r.PlatformFee,
		HourOfDay:           r.HourOfDay,
		AnalyzedAt:          r.AnalyzedAt,
	}
	if err := json.Unmarshal([]byte(r.RiskFactors), &rec.RiskFactors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal risk factors: %w", err)
	}
	if rec.RiskFactors == nil {
		rec.RiskFactors = []string{}
	}
	for _, col := range []struct {
		src sql.NullString
		dst any
	}{
		{r.MistakeTypes, &rec.MistakeTypes},
		{r.DomainRecordIDs, &rec.DomainRecordIDs},
		{r.UnavailableSources, &rec.UnavailableSources},
		{r.Categories, &rec.Categories},
	} {
		if !col.src.Valid || col.src.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.src.String), col.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal interaction column: %w", err)
		}
	}
	return rec, nil
}

func marshalList[T any](v []T) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// SaveInteraction writes a new interaction record.
func (s *Store) SaveInteraction(ctx context.Context, rec *domain.InteractionRecord) error {
	if rec.ID == "" {
		return domain.InvalidRequest("interaction id is required")
	}
	if rec.AnalyzedAt.IsZero() {
		rec.AnalyzedAt = s.now()
	}

	risks := rec.RiskFactors
	if risks == nil {
		risks = []string{}
	}
	riskJSON, err := json.Marshal(risks)
	if err != nil {
		return fmt.Errorf("failed to marshal risk factors: %w", err)
	}
	mistakes, err := marshalList(rec.MistakeTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal mistake types: %w", err)
	}
	recordIDs, err := marshalList(rec.DomainRecordIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal domain record ids: %w", err)
	}
	unavailable, err := marshalList(rec.UnavailableSources)
	if err != nil {
		return fmt.Errorf("failed to marshal unavailable sources: %w", err)
	}
	categories, err := marshalList(rec.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}

	intentData := string(rec.IntentData)
	if intentData == "" {
		intentData = "{}"
	}

	query := s.dialect.Rebind(`INSERT INTO interactions (` + interactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.Domain, rec.Title, rec.IntentType, intentData, string(riskJSON),
		rec.InterventionMessage, rec.WasIntervened, string(rec.Feedback), rec.ComputeCost, rec.MoneySaved, rec.PlatformFee,
		rec.HourOfDay, rec.AnalyzedAt.UTC(), mistakes, recordIDs, unavailable, categories)
	if err != nil {
		return fmt.Errorf("failed to save interaction: %w", err)
	}
	return nil
}

// GetInteraction returns one record. An empty userID skips the ownership
// check.
func (s *Store) GetInteraction(ctx context.Context, userID, id string) (*domain.InteractionRecord, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions WHERE id = ?`
	args := []any{id}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	var row interactionRow
	err := s.db.GetContext(ctx, &row, s.dialect.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("interaction", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction: %w", err)
	}
	return row.record()
}

// ListInteractions returns records newest first.
func (s *Store) ListInteractions(ctx context.Context, opts domain.InteractionListOptions) ([]*domain.InteractionRecord, error) {
	var (
		where []string
		args  []any
	)
	if opts.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, opts.Domain)
	}

	query := `SELECT ` + interactionColumns + ` FROM interactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY analyzed_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, clampLimit(opts.Limit), max(opts.Offset, 0))

	var rows []interactionRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}

	out := make([]*domain.InteractionRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

// UpdateFeedback records user feedback on an interaction.
func (s *Store) UpdateFeedback(ctx context.Context, userID, id string, fb domain.Feedback) error {
	if !fb.Valid() {
		return domain.InvalidRequest(fmt.Sprintf("feedback must be %q or %q", domain.FeedbackPositive, domain.FeedbackNegative))
	}
	query := `UPDATE interactions SET feedback = ? WHERE id = ?`
	args := []any{string(fb), id}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	result, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update feedback: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.NotFound("interaction", id)
	}
	return nil
}

// InteractionStats aggregates a user's records per domain.
func (s *Store) InteractionStats(ctx context.Context, userID string) (*domain.InteractionStats, error) {
	query := s.dialect.Rebind(`SELECT domain,
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN was_intervened THEN 1 ELSE 0 END), 0) AS intervened,
			COALESCE(SUM(money_saved), 0) AS money_saved,
			COALESCE(SUM(compute_cost), 0) AS compute_cost,
			COALESCE(SUM(platform_fee), 0) AS platform_fee
		FROM interactions
		WHERE user_id = ?
		GROUP BY domain
		ORDER BY total DESC, domain`)

	var byDomain []domain.DomainStats
	if err := s.db.SelectContext(ctx, &byDomain, query, userID); err != nil {
		return nil, fmt.Errorf("failed to aggregate interactions: %w", err)
	}
	return domain.SummarizeStats(byDomain), nil
}
