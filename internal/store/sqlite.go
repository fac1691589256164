// Package store provides storage backends for LeadPipe.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/gimmicks/leadpipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

func (s *SQLiteStore) SaveConversation(c models.Conversation) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO conversations (id, phone_number, contact_name, last_message, last_inbound, starred, message_count, lead_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PhoneNumber, nilIfEmpty(c.ContactName), nilIfEmpty(c.LastMessage),
		nilIfZeroTime(c.LastInbound), c.Starred, c.MessageCount, nilIfEmpty(c.LeadID), c.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "phone", c.PhoneNumber)
		return fmt.Errorf("failed to save conversation for %s: %w", c.PhoneNumber, err)
	}
	slog.Debug("SQLiteStore SaveConversation succeeded", "phone", c.PhoneNumber)
	return nil
}

func (s *SQLiteStore) GetConversation(phoneNumber string) (*models.Conversation, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, contact_name, last_message, last_inbound, starred, message_count, lead_id, created_at
		FROM conversations WHERE phone_number = ?`, phoneNumber)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get conversation for %s: %w", phoneNumber, err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListConversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(`SELECT id, phone_number, contact_name, last_message, last_inbound, starred, message_count, lead_id, created_at
		FROM conversations ORDER BY COALESCE(last_inbound, created_at) DESC`)
	if err != nil {
		slog.Error("SQLiteStore ListConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			slog.Error("SQLiteStore ListConversations scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	slog.Debug("SQLiteStore ListConversations succeeded", "count", len(conversations))
	return conversations, nil
}

func (s *SQLiteStore) SetConversationStarred(phoneNumber string, starred bool) error {
	_, err := s.db.Exec(`UPDATE conversations SET starred = ? WHERE phone_number = ?`, starred, phoneNumber)
	if err != nil {
		slog.Error("SQLiteStore SetConversationStarred failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to star conversation for %s: %w", phoneNumber, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteConversation(phoneNumber string) error {
	if err := s.ClearMessages(phoneNumber); err != nil {
		return err
	}
	if err := s.DeleteFunnelState(phoneNumber); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM conversations WHERE phone_number = ?`, phoneNumber)
	if err != nil {
		slog.Error("SQLiteStore DeleteConversation failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to delete conversation for %s: %w", phoneNumber, err)
	}
	slog.Debug("SQLiteStore DeleteConversation succeeded", "phone", phoneNumber)
	return nil
}

func (s *SQLiteStore) AddMessage(m models.Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, phone_number, sender, content, status, delivery_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.PhoneNumber, m.Sender, m.Content, m.Status,
		nilIfEmpty(m.DeliveryID), m.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "phone", m.PhoneNumber)
		return fmt.Errorf("failed to insert message for %s: %w", m.PhoneNumber, err)
	}
	slog.Debug("SQLiteStore AddMessage succeeded", "phone", m.PhoneNumber, "sender", m.Sender)
	return nil
}

func (s *SQLiteStore) GetMessages(phoneNumber string) ([]models.Message, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, phone_number, sender, content, status, delivery_id, timestamp
		FROM messages WHERE phone_number = ? ORDER BY timestamp`, phoneNumber)
	if err != nil {
		slog.Error("SQLiteStore GetMessages query failed", "error", err, "phone", phoneNumber)
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

func (s *SQLiteStore) ClearMessages(phoneNumber string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE phone_number = ?`, phoneNumber)
	if err != nil {
		slog.Error("SQLiteStore ClearMessages failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to clear messages for %s: %w", phoneNumber, err)
	}
	return nil
}

func (s *SQLiteStore) SaveLead(l models.Lead) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO leads (id, phone_number, name, source, stage, classification, assigned_agent, created_at, updated_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.PhoneNumber, nilIfEmpty(l.Name), nilIfEmpty(l.Source), l.Stage,
		l.Classification, nilIfEmpty(l.AssignedAgent), l.CreatedAt, l.UpdatedAt,
		nilIfZeroTime(l.LastMessageAt))
	if err != nil {
		slog.Error("SQLiteStore SaveLead failed", "error", err, "phone", l.PhoneNumber)
		return fmt.Errorf("failed to save lead for %s: %w", l.PhoneNumber, err)
	}
	slog.Debug("SQLiteStore SaveLead succeeded", "phone", l.PhoneNumber, "stage", l.Stage, "classification", l.Classification)
	return nil
}

func (s *SQLiteStore) GetLeadByPhone(phoneNumber string) (*models.Lead, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, name, source, stage, classification, assigned_agent, created_at, updated_at, last_message_at
		FROM leads WHERE phone_number = ?`, phoneNumber)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetLeadByPhone failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get lead for %s: %w", phoneNumber, err)
	}
	return &l, nil
}

func (s *SQLiteStore) ListLeads(stage string, classification models.Classification) ([]models.Lead, error) {
	query := `SELECT id, phone_number, name, source, stage, classification, assigned_agent, created_at, updated_at, last_message_at FROM leads`
	var clauses []string
	var args []interface{}
	if stage != "" {
		clauses = append(clauses, "stage = ?")
		args = append(args, stage)
	}
	if classification != "" {
		clauses = append(clauses, "classification = ?")
		args = append(args, classification)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore ListLeads query failed", "error", err)
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

func (s *SQLiteStore) SaveRule(r models.AutomationRule) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO automation_rules (id, name, trigger_type, trigger_value, action_type, action_value, is_active, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.TriggerType, nilIfEmpty(r.TriggerValue), r.ActionType,
		nilIfEmpty(r.ActionValue), r.IsActive, r.Priority, r.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveRule failed", "error", err, "rule", r.Name)
		return fmt.Errorf("failed to save rule %s: %w", r.Name, err)
	}
	return nil
}

func (s *SQLiteStore) GetRule(id string) (*models.AutomationRule, error) {
	row := s.db.QueryRow(`SELECT id, name, trigger_type, trigger_value, action_type, action_value, is_active, priority, created_at
		FROM automation_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListRules() ([]models.AutomationRule, error) {
	rows, err := s.db.Query(`SELECT id, name, trigger_type, trigger_value, action_type, action_value, is_active, priority, created_at
		FROM automation_rules ORDER BY created_at`)
	if err != nil {
		slog.Error("SQLiteStore ListRules query failed", "error", err)
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

func (s *SQLiteStore) DeleteRule(id string) error {
	_, err := s.db.Exec(`DELETE FROM automation_rules WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteRule failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) SaveProduct(p models.Product) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO products (id, code, name, category, description, price, stock, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Code, p.Name, nilIfEmpty(p.Category), nilIfEmpty(p.Description),
		p.Price, p.Stock, p.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveProduct failed", "error", err, "code", p.Code)
		return fmt.Errorf("failed to save product %s: %w", p.Code, err)
	}
	return nil
}

func (s *SQLiteStore) GetProductByCode(code string) (*models.Product, error) {
	row := s.db.QueryRow(`SELECT id, code, name, category, description, price, stock, created_at
		FROM products WHERE code = ?`, code)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", code, err)
	}
	return &p, nil
}

func (s *SQLiteStore) SearchProducts(query string) ([]models.Product, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.Query(`SELECT id, code, name, category, description, price, stock, created_at
		FROM products
		WHERE name LIKE ? COLLATE NOCASE OR category LIKE ? COLLATE NOCASE OR description LIKE ? COLLATE NOCASE
		ORDER BY code`, pattern, pattern, pattern)
	if err != nil {
		slog.Error("SQLiteStore SearchProducts query failed", "error", err, "query", query)
		return nil, fmt.Errorf("failed to search products: %w", err)
	}
	defer rows.Close()
	return collectProducts(rows)
}

func (s *SQLiteStore) ListProducts() ([]models.Product, error) {
	rows, err := s.db.Query(`SELECT id, code, name, category, description, price, stock, created_at
		FROM products ORDER BY code`)
	if err != nil {
		slog.Error("SQLiteStore ListProducts query failed", "error", err)
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()
	return collectProducts(rows)
}

func collectProducts(rows *sql.Rows) ([]models.Product, error) {
	var products []models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate product rows: %w", err)
	}
	return products, nil
}

func (s *SQLiteStore) SaveQuote(q models.Quote) error {
	itemsJSON, err := marshalQuoteItems(q.Items)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO quotes (id, conversation_id, phone_number, status, client_name, client_company, client_email, client_city, items_json, quantity, delivery_date, customization, total, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, nilIfEmpty(q.ConversationID), q.PhoneNumber, q.Status,
		nilIfEmpty(q.ClientName), nilIfEmpty(q.ClientCompany), nilIfEmpty(q.ClientEmail),
		nilIfEmpty(q.ClientCity), nilIfEmpty(itemsJSON), nilIfEmpty(q.Quantity),
		nilIfEmpty(q.DeliveryDate), nilIfEmpty(q.Customization), q.Total,
		nilIfEmpty(q.Notes), q.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveQuote failed", "error", err, "phone", q.PhoneNumber)
		return fmt.Errorf("failed to save quote for %s: %w", q.PhoneNumber, err)
	}
	slog.Debug("SQLiteStore SaveQuote succeeded", "id", q.ID, "phone", q.PhoneNumber, "total", q.Total)
	return nil
}

func (s *SQLiteStore) GetQuote(id string) (*models.Quote, error) {
	row := s.db.QueryRow(`SELECT id, conversation_id, phone_number, status, client_name, client_company, client_email, client_city, items_json, quantity, delivery_date, customization, total, notes, created_at
		FROM quotes WHERE id = ?`, id)
	q, err := scanQuote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quote %s: %w", id, err)
	}
	return &q, nil
}

func (s *SQLiteStore) ListQuotes() ([]models.Quote, error) {
	rows, err := s.db.Query(`SELECT id, conversation_id, phone_number, status, client_name, client_company, client_email, client_city, items_json, quantity, delivery_date, customization, total, notes, created_at
		FROM quotes ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("SQLiteStore ListQuotes query failed", "error", err)
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
func (s *SQLiteStore) GetFunnelState(phoneNumber string) (*models.FunnelState, error) {
	query := `SELECT phone_number, step, slots_json, data_json, request_type, version, created_at, updated_at
		FROM funnel_states WHERE phone_number = ?`

	var state models.FunnelState
	var slotsJSON, dataJSON, requestType sql.NullString
	err := s.db.QueryRow(query, phoneNumber).Scan(&state.PhoneNumber, &state.Step,
		&slotsJSON, &dataJSON, &requestType, &state.Version, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetFunnelState not found", "phone", phoneNumber)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFunnelState failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get funnel state for %s: %w", phoneNumber, err)
	}
	unmarshalFunnelMaps(&state, slotsJSON.String, dataJSON.String)
	state.RequestType = requestType.String
	slog.Debug("SQLiteStore GetFunnelState found", "phone", phoneNumber, "step", state.Step, "version", state.Version)
	return &state, nil
}

// SaveFunnelState stores or updates the funnel state, enforcing optimistic
// versioning: the row is only written if its version still matches the one
// the caller read.
func (s *SQLiteStore) SaveFunnelState(state *models.FunnelState) error {
	slotsJSON, dataJSON, err := marshalFunnelMaps(state)
	if err != nil {
		slog.Error("SQLiteStore SaveFunnelState encode failed", "error", err, "phone", state.PhoneNumber)
		return err
	}

	if state.Version == 0 {
		now := timeNow()
		res, err := s.db.Exec(`
			INSERT OR IGNORE INTO funnel_states (phone_number, step, slots_json, data_json, request_type, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			state.PhoneNumber, state.Step, nilIfEmpty(slotsJSON), nilIfEmpty(dataJSON), nilIfEmpty(state.RequestType), now, now)
		if err != nil {
			slog.Error("SQLiteStore SaveFunnelState insert failed", "error", err, "phone", state.PhoneNumber)
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

	now := timeNow()
	res, err := s.db.Exec(`
		UPDATE funnel_states SET step = ?, slots_json = ?, data_json = ?, request_type = ?, version = version + 1, updated_at = ?
		WHERE phone_number = ? AND version = ?`,
		state.Step, nilIfEmpty(slotsJSON), nilIfEmpty(dataJSON), nilIfEmpty(state.RequestType), now, state.PhoneNumber, state.Version)
	if err != nil {
		slog.Error("SQLiteStore SaveFunnelState update failed", "error", err, "phone", state.PhoneNumber)
		return fmt.Errorf("failed to update funnel state for %s: %w", state.PhoneNumber, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		slog.Warn("SQLiteStore SaveFunnelState version conflict", "phone", state.PhoneNumber, "version", state.Version)
		return models.ErrVersionConflict
	}
	state.Version++
	state.UpdatedAt = now
	slog.Debug("SQLiteStore SaveFunnelState succeeded", "phone", state.PhoneNumber, "step", state.Step, "version", state.Version)
	return nil
}

// DeleteFunnelState removes the funnel state for a phone number.
func (s *SQLiteStore) DeleteFunnelState(phoneNumber string) error {
	_, err := s.db.Exec(`DELETE FROM funnel_states WHERE phone_number = ?`, phoneNumber)
	if err != nil {
		slog.Error("SQLiteStore DeleteFunnelState failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to delete funnel state for %s: %w", phoneNumber, err)
	}
	slog.Debug("SQLiteStore DeleteFunnelState succeeded", "phone", phoneNumber)
	return nil
}
