package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gimmicks/leadpipe/internal/models"
)

// timeNow is a seam for tests.
var timeNow = time.Now

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroTime returns nil for a nil time pointer, otherwise the time.
func nilIfZeroTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var contactName, lastMessage, leadID sql.NullString
	var lastInbound sql.NullTime
	err := row.Scan(&c.ID, &c.PhoneNumber, &contactName, &lastMessage, &lastInbound,
		&c.Starred, &c.MessageCount, &leadID, &c.CreatedAt)
	if err != nil {
		return c, err
	}
	c.ContactName = contactName.String
	c.LastMessage = lastMessage.String
	c.LeadID = leadID.String
	if lastInbound.Valid {
		c.LastInbound = &lastInbound.Time
	}
	return c, nil
}

func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var deliveryID sql.NullString
	err := row.Scan(&m.ID, &m.ConversationID, &m.PhoneNumber, &m.Sender, &m.Content,
		&m.Status, &deliveryID, &m.Timestamp)
	if err != nil {
		return m, err
	}
	m.DeliveryID = deliveryID.String
	return m, nil
}

func scanLead(row rowScanner) (models.Lead, error) {
	var l models.Lead
	var name, source, agent sql.NullString
	var lastMessageAt sql.NullTime
	err := row.Scan(&l.ID, &l.PhoneNumber, &name, &source, &l.Stage, &l.Classification,
		&agent, &l.CreatedAt, &l.UpdatedAt, &lastMessageAt)
	if err != nil {
		return l, err
	}
	l.Name = name.String
	l.Source = source.String
	l.AssignedAgent = agent.String
	if lastMessageAt.Valid {
		l.LastMessageAt = &lastMessageAt.Time
	}
	return l, nil
}

func scanRule(row rowScanner) (models.AutomationRule, error) {
	var r models.AutomationRule
	var triggerValue, actionValue sql.NullString
	err := row.Scan(&r.ID, &r.Name, &r.TriggerType, &triggerValue, &r.ActionType,
		&actionValue, &r.IsActive, &r.Priority, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	r.TriggerValue = triggerValue.String
	r.ActionValue = actionValue.String
	return r, nil
}

func scanProduct(row rowScanner) (models.Product, error) {
	var p models.Product
	var category, description sql.NullString
	err := row.Scan(&p.ID, &p.Code, &p.Name, &category, &description, &p.Price,
		&p.Stock, &p.CreatedAt)
	if err != nil {
		return p, err
	}
	p.Category = category.String
	p.Description = description.String
	return p, nil
}

func scanQuote(row rowScanner) (models.Quote, error) {
	var q models.Quote
	var conversationID, clientName, clientCompany, clientEmail, clientCity sql.NullString
	var itemsJSON, quantity, deliveryDate, customization, notes sql.NullString
	err := row.Scan(&q.ID, &conversationID, &q.PhoneNumber, &q.Status, &clientName,
		&clientCompany, &clientEmail, &clientCity, &itemsJSON, &quantity,
		&deliveryDate, &customization, &q.Total, &notes, &q.CreatedAt)
	if err != nil {
		return q, err
	}
	q.ConversationID = conversationID.String
	q.ClientName = clientName.String
	q.ClientCompany = clientCompany.String
	q.ClientEmail = clientEmail.String
	q.ClientCity = clientCity.String
	q.Quantity = quantity.String
	q.DeliveryDate = deliveryDate.String
	q.Customization = customization.String
	q.Notes = notes.String
	if itemsJSON.String != "" {
		if err := json.Unmarshal([]byte(itemsJSON.String), &q.Items); err != nil {
			return q, fmt.Errorf("failed to decode quote items: %w", err)
		}
	}
	return q, nil
}

func marshalQuoteItems(items []models.QuoteItem) (string, error) {
	if len(items) == 0 {
		return "", nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode quote items: %w", err)
	}
	return string(b), nil
}

func marshalFunnelMaps(state *models.FunnelState) (slotsJSON, dataJSON string, err error) {
	if len(state.Slots) > 0 {
		b, err := json.Marshal(state.Slots)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode funnel slots: %w", err)
		}
		slotsJSON = string(b)
	}
	if len(state.Data) > 0 {
		b, err := json.Marshal(state.Data)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode funnel data: %w", err)
		}
		dataJSON = string(b)
	}
	return slotsJSON, dataJSON, nil
}

func unmarshalFunnelMaps(state *models.FunnelState, slotsJSON, dataJSON string) {
	state.Slots = make(map[models.Slot]string)
	state.Data = make(map[string]string)
	if slotsJSON != "" {
		// Continue with an empty map rather than failing the read.
		_ = json.Unmarshal([]byte(slotsJSON), &state.Slots)
	}
	if dataJSON != "" {
		_ = json.Unmarshal([]byte(dataJSON), &state.Data)
	}
}
