// Package store provides storage backends for LeadPipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/gimmicks/leadpipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

func (s *PostgresStore) SaveConversation(c models.Conversation) error {
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, phone_number, contact_name, last_message, last_inbound, starred, message_count, lead_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (phone_number) DO UPDATE SET
			contact_name = EXCLUDED.contact_name,
			last_message = EXCLUDED.last_message,
			last_inbound = EXCLUDED.last_inbound,
			starred = EXCLUDED.starred,
			message_count = EXCLUDED.message_count,
			lead_id = EXCLUDED.lead_id`,
		c.ID, c.PhoneNumber, nilIfEmpty(c.ContactName), nilIfEmpty(c.LastMessage),
		nilIfZeroTime(c.LastInbound), c.Starred, c.MessageCount, nilIfEmpty(c.LeadID), c.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "phone", c.PhoneNumber)
		return fmt.Errorf("failed to save conversation for %s: %w", c.PhoneNumber, err)
	}
	slog.Debug("PostgresStore SaveConversation succeeded", "phone", c.PhoneNumber)
	return nil
}

func (s *PostgresStore) GetConversation(phoneNumber string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, contact_name, last_message, last_inbound, starred, message_count, lead_id, created_at
		FROM conversations WHERE phone_number = $1`, phoneNumber)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get conversation for %s: %w", phoneNumber, err)
	}
	return &c, nil
}

func (s *PostgresStore) ListConversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(`SELECT id, phone_number, contact_name, last_message, last_inbound, starred, message_count, lead_id, created_at
		FROM conversations ORDER BY COALESCE(last_inbound, created_at) DESC`)
	if err != nil {
		slog.Error("PostgresStore ListConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	slog.Debug("PostgresStore ListConversations succeeded", "count", len(conversations))
	return conversations, nil
}

func (s *PostgresStore) SetConversationStarred(phoneNumber string, starred bool) error {
	_, err := s.db.Exec(`UPDATE conversations SET starred = $1 WHERE phone_number = $2`, starred, phoneNumber)
	if err != nil {
		slog.Error("PostgresStore SetConversationStarred failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to star conversation for %s: %w", phoneNumber, err)
	}
	return nil
}

func (s *PostgresStore) DeleteConversation(phoneNumber string) error {
	if err := s.ClearMessages(phoneNumber); err != nil {
		return err
	}
	if err := s.DeleteFunnelState(phoneNumber); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM conversations WHERE phone_number = $1`, phoneNumber)
	if err != nil {
		slog.Error("PostgresStore DeleteConversation failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to delete conversation for %s: %w", phoneNumber, err)
	}
	return nil
}

func (s *PostgresStore) AddMessage(m models.Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, phone_number, sender, content, status, delivery_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, m.PhoneNumber, m.Sender, m.Content, m.Status,
		nilIfEmpty(m.DeliveryID), m.Timestamp)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "phone", m.PhoneNumber)
		return fmt.Errorf("failed to insert message for %s: %w", m.PhoneNumber, err)
	}
	return nil
}

func (s *PostgresStore) GetMessages(phoneNumber string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, phone_number, sender, content, status, delivery_id, timestamp
		FROM messages WHERE phone_number = $1 ORDER BY timestamp`, phoneNumber)
	if err != nil {
		slog.Error("PostgresStore GetMessages query failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to query messages for %s: %w", phoneNumber, err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) ClearMessages(phoneNumber string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE phone_number = $1`, phoneNumber)
	if err != nil {
		slog.Error("PostgresStore ClearMessages failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to clear messages for %s: %w", phoneNumber, err)
	}
	return nil
}

func (s *PostgresStore) SaveLead(l models.Lead) error {
	_, err := s.db.Exec(`
		INSERT INTO leads (id, phone_number, name, source, stage, classification, assigned_agent, created_at, updated_at, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (phone_number) DO UPDATE SET
			name = EXCLUDED.name,
			source = EXCLUDED.source,
			stage = EXCLUDED.stage,
			classification = EXCLUDED.classification,
			assigned_agent = EXCLUDED.assigned_agent,
			updated_at = EXCLUDED.updated_at,
			last_message_at = EXCLUDED.last_message_at`,
		l.ID, l.PhoneNumber, nilIfEmpty(l.Name), nilIfEmpty(l.Source), l.Stage,
		l.Classification, nilIfEmpty(l.AssignedAgent), l.CreatedAt, l.UpdatedAt,
		nilIfZeroTime(l.LastMessageAt))
	if err != nil {
		slog.Error("PostgresStore SaveLead failed", "error", err, "phone", l.PhoneNumber)
		return fmt.Errorf("failed to save lead for %s: %w", l.PhoneNumber, err)
	}
	return nil
}

func (s *PostgresStore) GetLeadByPhone(phoneNumber string) (*models.Lead, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, name, source, stage, classification, assigned_agent, created_at, updated_at, last_message_at
		FROM leads WHERE phone_number = $1`, phoneNumber)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetLeadByPhone failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get lead for %s: %w", phoneNumber, err)
	}
	return &l, nil
}

func (s *PostgresStore) ListLeads(stage string, classification models.Classification) ([]models.Lead, error) {
	query := `SELECT id, phone_number, name, source, stage, classification, assigned_agent, created_at, updated_at, last_message_at FROM leads`
	var args []interface{}
	switch {
	case stage != "" && classification != "":
		query += " WHERE stage = $1 AND classification = $2"
		args = append(args, stage, classification)
	case stage != "":
		query += " WHERE stage = $1"
		args = append(args, stage)
	case classification != "":
		query += " WHERE classification = $1"
		args = append(args, classification)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore ListLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	var leads []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lead row: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lead rows: %w", err)
	}
	return leads, nil
}

func (s *PostgresStore) SaveRule(r models.AutomationRule) error {
	_, err := s.db.Exec(`
		INSERT INTO automation_rules (id, name, trigger_type, trigger_value, action_type, action_value, is_active, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			trigger_type = EXCLUDED.trigger_type,
			trigger_value = EXCLUDED.trigger_value,
			action_type = EXCLUDED.action_type,
			action_value = EXCLUDED.action_value,
			is_active = EXCLUDED.is_active,
			priority = EXCLUDED.priority`,
		r.ID, r.Name, r.TriggerType, nilIfEmpty(r.TriggerValue), r.ActionType,
		nilIfEmpty(r.ActionValue), r.IsActive, r.Priority, r.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveRule failed", "error", err, "rule", r.Name)
		return fmt.Errorf("failed to save rule %s: %w", r.Name, err)
	}
	return nil
}

func (s *PostgresStore) GetRule(id string) (*models.AutomationRule, error) {
	row := s.db.QueryRow(`SELECT id, name, trigger_type, trigger_value, action_type, action_value, is_active, priority, created_at
		FROM automation_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) ListRules() ([]models.AutomationRule, error) {
	rows, err := s.db.Query(`SELECT id, name, trigger_type, trigger_value, action_type, action_value, is_active, priority, created_at
		FROM automation_rules ORDER BY created_at`)
	if err != nil {
		slog.Error("PostgresStore ListRules query failed", "error", err)
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.AutomationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rule rows: %w", err)
	}
	return rules, nil
}

func (s *PostgresStore) DeleteRule(id string) error {
	_, err := s.db.Exec(`DELETE FROM automation_rules WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore DeleteRule failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SaveProduct(p models.Product) error {
	_, err := s.db.Exec(`
		INSERT INTO products (id, code, name, category, description, price, stock, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			stock = EXCLUDED.stock`,
		p.ID, p.Code, p.Name, nilIfEmpty(p.Category), nilIfEmpty(p.Description),
		p.Price, p.Stock, p.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveProduct failed", "error", err, "code", p.Code)
		return fmt.Errorf("failed to save product %s: %w", p.Code, err)
	}
	return nil
}

func (s *PostgresStore) GetProductByCode(code string) (*models.Product, error) {
	row := s.db.QueryRow(`SELECT id, code, name, category, description, price, stock, created_at
		FROM products WHERE code = $1`, code)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", code, err)
	}
	return &p, nil
}

func (s *PostgresStore) SearchProducts(query string) ([]models.Product, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.Query(`SELECT id, code, name, category, description, price, stock, created_at
		FROM products
		WHERE name ILIKE $1 OR category ILIKE $1 OR description ILIKE $1
		ORDER BY code`, pattern)
	if err != nil {
		slog.Error("PostgresStore SearchProducts query failed", "error", err, "query", query)
		return nil, fmt.Errorf("failed to search products: %w", err)
	}
	defer rows.Close()
	return collectProducts(rows)
}

func (s *PostgresStore) ListProducts() ([]models.Product, error) {
	rows, err := s.db.Query(`SELECT id, code, name, category, description, price, stock, created_at
		FROM products ORDER BY code`)
	if err != nil {
		slog.Error("PostgresStore ListProducts query failed", "error", err)
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()
	return collectProducts(rows)
}

func (s *PostgresStore) SaveQuote(q models.Quote) error {
	itemsJSON, err := marshalQuoteItems(q.Items)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO quotes (id, conversation_id, phone_number, status, client_name, client_company, client_email, client_city, items_json, quantity, delivery_date, customization, total, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			items_json = EXCLUDED.items_json,
			total = EXCLUDED.total,
			notes = EXCLUDED.notes`,
		q.ID, nilIfEmpty(q.ConversationID), q.PhoneNumber, q.Status,
		nilIfEmpty(q.ClientName), nilIfEmpty(q.ClientCompany), nilIfEmpty(q.ClientEmail),
		nilIfEmpty(q.ClientCity), nilIfEmpty(itemsJSON), nilIfEmpty(q.Quantity),
		nilIfEmpty(q.DeliveryDate), nilIfEmpty(q.Customization), q.Total,
		nilIfEmpty(q.Notes), q.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveQuote failed", "error", err, "phone", q.PhoneNumber)
		return fmt.Errorf("failed to save quote for %s: %w", q.PhoneNumber, err)
	}
	return nil
}

func (s *PostgresStore) GetQuote(id string) (*models.Quote, error) {
	row := s.db.QueryRow(`SELECT id, conversation_id, phone_number, status, client_name, client_company, client_email, client_city, items_json, quantity, delivery_date, customization, total, notes, created_at
		FROM quotes WHERE id = $1`, id)
	q, err := scanQuote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quote %s: %w", id, err)
	}
	return &q, nil
}

func (s *PostgresStore) ListQuotes() ([]models.Quote, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, phone_number, status, client_name, client_company, client_email, client_city, items_json, quantity, delivery_date, customization, total, notes, created_at
		FROM quotes ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("PostgresStore ListQuotes query failed", "error", err)
		return nil, fmt.Errorf("failed to query quotes: %w", err)
	}
	defer rows.Close()

	var quotes []models.Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quote row: %w", err)
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate quote rows: %w", err)
	}
	return quotes, nil
}

// GetFunnelState retrieves the funnel state for a phone number.
func (s *PostgresStore) GetFunnelState(phoneNumber string) (*models.FunnelState, error) {
	query := `SELECT phone_number, step, slots_json, data_json, request_type, version, created_at, updated_at
		FROM funnel_states WHERE phone_number = $1`

	var state models.FunnelState
	var slotsJSON, dataJSON, requestType sql.NullString
	err := s.db.QueryRow(query, phoneNumber).Scan(&state.PhoneNumber, &state.Step,
		&slotsJSON, &dataJSON, &requestType, &state.Version, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFunnelState failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get funnel state for %s: %w", phoneNumber, err)
	}
	unmarshalFunnelMaps(&state, slotsJSON.String, dataJSON.String)
	state.RequestType = requestType.String
	return &state, nil
}

// SaveFunnelState stores or updates the funnel state with optimistic
// versioning, mirroring the SQLite implementation.
func (s *PostgresStore) SaveFunnelState(state *models.FunnelState) error {
	slotsJSON, dataJSON, err := marshalFunnelMaps(state)
	if err != nil {
		slog.Error("PostgresStore SaveFunnelState encode failed", "error", err, "phone", state.PhoneNumber)
		return err
	}

	now := timeNow()
	if state.Version == 0 {
		res, err := s.db.Exec(`
			INSERT INTO funnel_states (phone_number, step, slots_json, data_json, request_type, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
			ON CONFLICT (phone_number) DO NOTHING`,
			state.PhoneNumber, state.Step, nilIfEmpty(slotsJSON), nilIfEmpty(dataJSON), nilIfEmpty(state.RequestType), now, now)
		if err != nil {
			slog.Error("PostgresStore SaveFunnelState insert failed", "error", err, "phone", state.PhoneNumber)
			return fmt.Errorf("failed to insert funnel state for %s: %w", state.PhoneNumber, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return models.ErrVersionConflict
		}
		state.Version = 1
		state.CreatedAt = now
		state.UpdatedAt = now
		return nil
	}

	res, err := s.db.Exec(`
		UPDATE funnel_states SET step = $1, slots_json = $2, data_json = $3, request_type = $4, version = version + 1, updated_at = $5
		WHERE phone_number = $6 AND version = $7`,
		state.Step, nilIfEmpty(slotsJSON), nilIfEmpty(dataJSON), nilIfEmpty(state.RequestType), now, state.PhoneNumber, state.Version)
	if err != nil {
		slog.Error("PostgresStore SaveFunnelState update failed", "error", err, "phone", state.PhoneNumber)
		return fmt.Errorf("failed to update funnel state for %s: %w", state.PhoneNumber, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		slog.Warn("PostgresStore SaveFunnelState version conflict", "phone", state.PhoneNumber, "version", state.Version)
		return models.ErrVersionConflict
	}
	state.Version++
	state.UpdatedAt = now
	return nil
}

// DeleteFunnelState removes the funnel state for a phone number.
func (s *PostgresStore) DeleteFunnelState(phoneNumber string) error {
	_, err := s.db.Exec(`DELETE FROM funnel_states WHERE phone_number = $1`, phoneNumber)
	if err != nil {
		slog.Error("PostgresStore DeleteFunnelState failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to delete funnel state for %s: %w", phoneNumber, err)
	}
	return nil
}
