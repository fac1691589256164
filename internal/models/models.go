// Package models defines the core data structures for LeadPipe: conversations,
// messages, leads, quotes, automation rules, and the funnel state shared by
// the rule matcher, funnel driver, and dispatcher.
package models

import (
	"errors"
	"strings"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	// SenderCustomer marks a message received from the customer.
	SenderCustomer Sender = "customer"
	// SenderBusiness marks a message sent by the business (bot or agent).
	SenderBusiness Sender = "business"
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusReceived indicates an inbound message was stored.
	MessageStatusReceived MessageStatus = "received"
	// MessageStatusSent indicates the message was handed to the transport.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the transport confirmed delivery.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusFailed indicates the transport could not send the message.
	MessageStatusFailed MessageStatus = "failed"
)

// Validation constants for inbound input.
const (
	// MaxMessageBodyLength defines the maximum allowed length for message content.
	MaxMessageBodyLength = 4096
	// MaxKeywordListLength defines the maximum allowed length for a rule keyword list.
	MaxKeywordListLength = 1000
)

// Error variables for better error handling and testability.
var (
	ErrEmptyPhoneNumber   = errors.New("phone number cannot be empty")
	ErrEmptyMessage       = errors.New("message content cannot be empty")
	ErrMessageTooLong     = errors.New("message content exceeds maximum length")
	ErrInvalidTriggerType = errors.New("invalid rule trigger type")
	ErrInvalidActionType  = errors.New("invalid rule action type")
	ErrUnknownSlot        = errors.New("slot is not part of the qualification vocabulary")
	ErrMissingSlots       = errors.New("required qualification slots are missing")
	ErrVersionConflict    = errors.New("funnel state version conflict")
)

// Conversation groups all messages exchanged with one phone number.
type Conversation struct {
	ID           string     `json:"id"`
	PhoneNumber  string     `json:"phone_number"`
	ContactName  string     `json:"contact_name,omitempty"`
	LastMessage  string     `json:"last_message,omitempty"`
	LastInbound  *time.Time `json:"last_inbound,omitempty"`
	Starred      bool       `json:"starred"`
	MessageCount int        `json:"message_count"`
	LeadID       string     `json:"lead_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Message is a single entry in a conversation's append-only log.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	PhoneNumber    string        `json:"phone_number"`
	Sender         Sender        `json:"sender"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	DeliveryID     string        `json:"delivery_id,omitempty"` // transport-assigned identifier
	Timestamp      time.Time     `json:"timestamp"`
}

// Inbound is a message delivered by the transport layer, before dispatch.
type Inbound struct {
	PhoneNumber string    `json:"phone_number"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	DeliveryID  string    `json:"delivery_id"`
}

// Validate checks transport-provided fields before dispatch.
func (in *Inbound) Validate() error {
	if in.PhoneNumber == "" {
		return ErrEmptyPhoneNumber
	}
	if strings.TrimSpace(in.Text) == "" {
		return ErrEmptyMessage
	}
	if len(in.Text) > MaxMessageBodyLength {
		return ErrMessageTooLong
	}
	return nil
}

// Classification is the lead temperature.
type Classification string

const (
	ClassificationFrio     Classification = "frio"
	ClassificationTibio    Classification = "tibio"
	ClassificationCaliente Classification = "caliente"
)

// classificationRank orders temperatures for the monotonic-upgrade policy.
var classificationRank = map[Classification]int{
	ClassificationFrio:     0,
	ClassificationTibio:    1,
	ClassificationCaliente: 2,
}

// Hotter reports whether c ranks strictly above other.
func (c Classification) Hotter(other Classification) bool {
	return classificationRank[c] > classificationRank[other]
}

// IsValidClassification checks if the given classification is supported.
func IsValidClassification(c Classification) bool {
	_, ok := classificationRank[c]
	return ok
}

// Pipeline stages for the lead board.
const (
	StageLead             = "lead"
	StageClientePotencial = "cliente_potencial"
	StageCotizacion       = "cotizacion_generada"
	StagePedido           = "pedido"
	StagePerdido          = "perdido"
)

// IsValidStage checks if the given pipeline stage is supported.
func IsValidStage(stage string) bool {
	switch stage {
	case StageLead, StageClientePotencial, StageCotizacion, StagePedido, StagePerdido:
		return true
	default:
		return false
	}
}

// Lead is the qualification aggregate derived from one conversation.
type Lead struct {
	ID             string         `json:"id"`
	PhoneNumber    string         `json:"phone_number"`
	Name           string         `json:"name,omitempty"`
	Source         string         `json:"source"`
	Stage          string         `json:"stage"`
	Classification Classification `json:"classification"`
	AssignedAgent  string         `json:"assigned_agent,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastMessageAt  *time.Time     `json:"last_message_at,omitempty"`
}

// Upgrade applies the monotonic classification policy: within a qualification
// cycle the lead only moves toward caliente, never back.
func (l *Lead) Upgrade(c Classification) {
	if IsValidClassification(c) && c.Hotter(l.Classification) {
		l.Classification = c
	}
}

// TriggerType enumerates automation rule triggers.
type TriggerType string

const (
	TriggerKeyword      TriggerType = "keyword"
	TriggerNewLead      TriggerType = "new_lead"
	TriggerFunnelChange TriggerType = "funnel_change"
	TriggerNoResponse   TriggerType = "no_response"
)

// ActionType enumerates automation rule actions.
type ActionType string

const (
	ActionSendMessage      ActionType = "send_message"
	ActionChangeStage      ActionType = "change_stage"
	ActionAssignAgent      ActionType = "assign_agent"
	ActionRecommendProduct ActionType = "recommend_product"
)

// IsValidTriggerType checks if the given trigger type is supported.
func IsValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerKeyword, TriggerNewLead, TriggerFunnelChange, TriggerNoResponse:
		return true
	default:
		return false
	}
}

// IsValidActionType checks if the given action type is supported.
func IsValidActionType(a ActionType) bool {
	switch a {
	case ActionSendMessage, ActionChangeStage, ActionAssignAgent, ActionRecommendProduct:
		return true
	default:
		return false
	}
}

// AutomationRule is an admin-authored trigger/action pair. The engine treats
// rules as read-only snapshots during a dispatch turn.
type AutomationRule struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	TriggerType  TriggerType `json:"trigger_type"`
	TriggerValue string      `json:"trigger_value,omitempty"` // comma-separated keywords for keyword triggers
	ActionType   ActionType  `json:"action_type"`
	ActionValue  string      `json:"action_value"`
	IsActive     bool        `json:"is_active"`
	Priority     int         `json:"priority"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Validate performs validation on an AutomationRule.
func (r *AutomationRule) Validate() error {
	if !IsValidTriggerType(r.TriggerType) {
		return ErrInvalidTriggerType
	}
	if !IsValidActionType(r.ActionType) {
		return ErrInvalidActionType
	}
	if len(r.TriggerValue) > MaxKeywordListLength {
		return ErrMessageTooLong
	}
	return nil
}

// Keywords splits a keyword rule's trigger value into its configured terms.
func (r *AutomationRule) Keywords() []string {
	if r.TriggerValue == "" {
		return nil
	}
	parts := strings.Split(r.TriggerValue, ",")
	keywords := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			keywords = append(keywords, trimmed)
		}
	}
	return keywords
}

// Product is a catalog entry owned by the catalog collaborator. The quote
// assembler only reads it.
type Product struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	Price       float64   `json:"price"`
	Stock       int       `json:"stock"`
	CreatedAt   time.Time `json:"created_at"`
}

// QuoteStatus represents the review status of a quote.
type QuoteStatus string

const (
	// QuoteStatusPending indicates the quote awaits human review.
	QuoteStatusPending QuoteStatus = "pending"
	// QuoteStatusSent indicates the quote was sent to the customer.
	QuoteStatusSent QuoteStatus = "sent"
)

// QuoteItem is one line of a quote. Unresolved items carry no catalog match
// and must be completed by a human before the quote is sent.
type QuoteItem struct {
	ProductID   string  `json:"product_id,omitempty"`
	Code        string  `json:"code,omitempty"`
	ProductName string  `json:"product_name"`
	Description string  `json:"description,omitempty"`
	UnitPrice   float64 `json:"unit_price"`
	Quantity    int     `json:"quantity"`
	Unresolved  bool    `json:"unresolved"`
}

// Quote is created exactly once per completed qualification cycle and then
// handed to a human for review.
type Quote struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	PhoneNumber    string      `json:"phone_number"`
	Status         QuoteStatus `json:"status"`
	ClientName     string      `json:"client_name"`
	ClientCompany  string      `json:"client_company"`
	ClientEmail    string      `json:"client_email"`
	ClientCity     string      `json:"client_city,omitempty"`
	Items          []QuoteItem `json:"items"`
	Quantity       string      `json:"quantity"`
	DeliveryDate   string      `json:"delivery_date,omitempty"`
	Customization  string      `json:"customization,omitempty"`
	Total          float64     `json:"total"`
	Notes          string      `json:"notes,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// HandoffSummary is the structured payload routed to a human agent when a
// qualification cycle completes or fails over.
type HandoffSummary struct {
	PhoneNumber    string          `json:"phone_number"`
	LeadID         string          `json:"lead_id"`
	Classification Classification  `json:"classification"`
	Stage          string          `json:"stage"`
	Slots          map[Slot]string `json:"slots"`
	QuoteID        string          `json:"quote_id,omitempty"`
	Reason         string          `json:"reason"`
}
