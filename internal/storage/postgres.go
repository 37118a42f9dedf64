package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/RomaniumSSS/lead-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(config DatabaseConfig) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	storage := &PostgresStorage{db: db}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %v", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %v", err)
	}

	_, err = s.db.Exec(string(migrationSQL))
	if err != nil {
		return fmt.Errorf("error executing migrations: %v", err)
	}

	return nil
}

const leadColumns = `id, telegram_id, username, first_name, last_name, status,
		task, budget, deadline, last_activity_at, follow_up_count,
		awaiting_meeting_time, created_at, updated_at`

func scanLead(row interface{ Scan(...any) error }) (*models.Lead, error) {
	lead := &models.Lead{}
	err := row.Scan(
		&lead.ID,
		&lead.TelegramID,
		&lead.Username,
		&lead.FirstName,
		&lead.LastName,
		&lead.Status,
		&lead.Task,
		&lead.Budget,
		&lead.Deadline,
		&lead.LastActivityAt,
		&lead.FollowUpCount,
		&lead.AwaitingMeetingTime,
		&lead.CreatedAt,
		&lead.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return lead, nil
}

func (s *PostgresStorage) GetLeadByTelegramID(ctx context.Context, telegramID int64) (*models.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE telegram_id = $1`

	lead, err := scanLead(s.db.QueryRowContext(ctx, query, telegramID))
	if err == sql.ErrNoRows {
		return nil, ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying lead: %v", err)
	}

	return lead, nil
}

func (s *PostgresStorage) CreateLead(ctx context.Context, lead *models.Lead) error {
	query := `
		INSERT INTO leads (telegram_id, username, first_name, last_name, status, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	err := s.db.QueryRowContext(
		ctx,
		query,
		lead.TelegramID,
		lead.Username,
		lead.FirstName,
		lead.LastName,
		lead.Status,
		lead.LastActivityAt,
	).Scan(&lead.ID, &lead.CreatedAt, &lead.UpdatedAt)

	if err != nil {
		return fmt.Errorf("error creating lead: %v", err)
	}

	return nil
}

func (s *PostgresStorage) UpdateLead(ctx context.Context, lead *models.Lead) error {
	query := `
		UPDATE leads
		SET username = $1, first_name = $2, last_name = $3, status = $4,
		    task = $5, budget = $6, deadline = $7,
		    last_activity_at = $8, follow_up_count = $9,
		    awaiting_meeting_time = $10, updated_at = $11
		WHERE id = $12`

	result, err := s.db.ExecContext(
		ctx,
		query,
		lead.Username,
		lead.FirstName,
		lead.LastName,
		lead.Status,
		lead.Task,
		lead.Budget,
		lead.Deadline,
		lead.LastActivityAt,
		lead.FollowUpCount,
		lead.AwaitingMeetingTime,
		time.Now(),
		lead.ID,
	)
	if err != nil {
		return fmt.Errorf("error updating lead: %v", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %v", err)
	}

	if rowsAffected == 0 {
		return ErrLeadNotFound
	}

	return nil
}

func (s *PostgresStorage) ListFollowUpCandidates(ctx context.Context, maxFollowUps int) ([]*models.Lead, error) {
	query := `SELECT ` + leadColumns + `
		FROM leads
		WHERE status NOT IN ($1, $2) AND follow_up_count < $3
		ORDER BY last_activity_at ASC`

	rows, err := s.db.QueryContext(ctx, query, models.StatusConverted, models.StatusLost, maxFollowUps)
	if err != nil {
		return nil, fmt.Errorf("error querying follow-up candidates: %v", err)
	}
	defer rows.Close()

	var leads []*models.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning lead: %v", err)
		}
		leads = append(leads, lead)
	}

	return leads, rows.Err()
}

func (s *PostgresStorage) ListExhaustedLeads(ctx context.Context, maxFollowUps int, inactiveSince time.Time) ([]*models.Lead, error) {
	query := `SELECT ` + leadColumns + `
		FROM leads
		WHERE status NOT IN ($1, $2) AND follow_up_count >= $3 AND last_activity_at < $4
		ORDER BY last_activity_at ASC`

	rows, err := s.db.QueryContext(ctx, query,
		models.StatusConverted, models.StatusLost, maxFollowUps, inactiveSince)
	if err != nil {
		return nil, fmt.Errorf("error querying exhausted leads: %v", err)
	}
	defer rows.Close()

	var leads []*models.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning lead: %v", err)
		}
		leads = append(leads, lead)
	}

	return leads, rows.Err()
}

func (s *PostgresStorage) CountLeadsByStatus(ctx context.Context) (map[models.LeadStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM leads GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("error counting leads: %v", err)
	}
	defer rows.Close()

	counts := make(map[models.LeadStatus]int)
	for rows.Next() {
		var status models.LeadStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("error scanning lead count: %v", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

func (s *PostgresStorage) CountLeadsCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM leads WHERE created_at >= $1`, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting recent leads: %v", err)
	}
	return count, nil
}

func (s *PostgresStorage) AppendMessage(ctx context.Context, msg *models.ConversationMessage) error {
	query := `
		INSERT INTO conversations (lead_id, role, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query, msg.LeadID, msg.Role, msg.Content).
		Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("error appending conversation message: %v", err)
	}

	return nil
}

func (s *PostgresStorage) GetConversation(ctx context.Context, leadID int64, limit int) ([]*models.ConversationMessage, error) {
	// Newest messages win the limit, returned in chronological order.
	query := `
		SELECT id, lead_id, role, content, created_at FROM (
			SELECT id, lead_id, role, content, created_at
			FROM conversations
			WHERE lead_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying conversation: %v", err)
	}
	defer rows.Close()

	var messages []*models.ConversationMessage
	for rows.Next() {
		msg := &models.ConversationMessage{}
		err := rows.Scan(&msg.ID, &msg.LeadID, &msg.Role, &msg.Content, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning conversation message: %v", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (s *PostgresStorage) CreateMeeting(ctx context.Context, meeting *models.Meeting) error {
	query := `
		INSERT INTO meetings (lead_id, scheduled_at)
		VALUES ($1, $2)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query, meeting.LeadID, meeting.ScheduledAt).
		Scan(&meeting.ID, &meeting.CreatedAt)
	if err != nil {
		return fmt.Errorf("error creating meeting: %v", err)
	}

	return nil
}

func (s *PostgresStorage) CountUpcomingMeetings(ctx context.Context, from time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM meetings WHERE scheduled_at >= $1`, from).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting meetings: %v", err)
	}
	return count, nil
}

func (s *PostgresStorage) InsertUsageRecord(ctx context.Context, rec *models.LLMUsageRecord) error {
	query := `
		INSERT INTO llm_usage (lead_id, model, purpose,
			input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
			cost_input_cents, cost_output_cents, cost_cache_write_cents, cost_cache_read_cents,
			total_cost_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(
		ctx,
		query,
		rec.LeadID,
		rec.Model,
		rec.Purpose,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CacheWriteTokens,
		rec.CacheReadTokens,
		rec.CostInputCents,
		rec.CostOutputCents,
		rec.CostCacheWriteCents,
		rec.CostCacheReadCents,
		rec.TotalCostCents,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("error inserting usage record: %v", err)
	}

	return nil
}

const usageColumns = `id, lead_id, model, purpose,
		input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
		cost_input_cents, cost_output_cents, cost_cache_write_cents, cost_cache_read_cents,
		total_cost_cents, created_at`

func (s *PostgresStorage) queryUsage(ctx context.Context, query string, args ...any) ([]*models.LLMUsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying usage records: %v", err)
	}
	defer rows.Close()

	var records []*models.LLMUsageRecord
	for rows.Next() {
		rec := &models.LLMUsageRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.LeadID,
			&rec.Model,
			&rec.Purpose,
			&rec.InputTokens,
			&rec.OutputTokens,
			&rec.CacheWriteTokens,
			&rec.CacheReadTokens,
			&rec.CostInputCents,
			&rec.CostOutputCents,
			&rec.CostCacheWriteCents,
			&rec.CostCacheReadCents,
			&rec.TotalCostCents,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning usage record: %v", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *PostgresStorage) QueryUsageRecords(ctx context.Context, start, end time.Time) ([]*models.LLMUsageRecord, error) {
	query := `SELECT ` + usageColumns + `
		FROM llm_usage
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at ASC`
	return s.queryUsage(ctx, query, start, end)
}

func (s *PostgresStorage) QueryUsageRecordsByLead(ctx context.Context, leadID int64) ([]*models.LLMUsageRecord, error) {
	query := `SELECT ` + usageColumns + `
		FROM llm_usage
		WHERE lead_id = $1
		ORDER BY created_at ASC`
	return s.queryUsage(ctx, query, leadID)
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
