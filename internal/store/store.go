// Package store provides storage backends for LeadPipe.
//
// It includes SQLite and PostgreSQL stores behind a common Store interface,
// plus an in-memory store for tests.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gimmicks/leadpipe/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a functional option for store configuration.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType determines whether a DSN refers to Postgres or SQLite.
// Postgres DSNs start with postgres:// or contain key=value pairs; anything
// else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// Store defines the persistence operations the engine depends on.
type Store interface {
	// Conversations and message log.
	SaveConversation(c models.Conversation) error
	GetConversation(phoneNumber string) (*models.Conversation, error)
	ListConversations() ([]models.Conversation, error)
	SetConversationStarred(phoneNumber string, starred bool) error
	DeleteConversation(phoneNumber string) error
	AddMessage(m models.Message) error
	GetMessages(phoneNumber string) ([]models.Message, error)
	ClearMessages(phoneNumber string) error

	// Leads.
	SaveLead(l models.Lead) error
	GetLeadByPhone(phoneNumber string) (*models.Lead, error)
	ListLeads(stage string, classification models.Classification) ([]models.Lead, error)

	// Automation rules.
	SaveRule(r models.AutomationRule) error
	GetRule(id string) (*models.AutomationRule, error)
	ListRules() ([]models.AutomationRule, error)
	DeleteRule(id string) error

	// Product catalog (read-mostly; owned by an external collaborator).
	SaveProduct(p models.Product) error
	GetProductByCode(code string) (*models.Product, error)
	SearchProducts(query string) ([]models.Product, error)
	ListProducts() ([]models.Product, error)

	// Quotes.
	SaveQuote(q models.Quote) error
	GetQuote(id string) (*models.Quote, error)
	ListQuotes() ([]models.Quote, error)

	// Funnel state with optimistic versioning. Save fails with
	// models.ErrVersionConflict if the stored version moved past the one the
	// caller read; on success the state's Version is advanced in place.
	GetFunnelState(phoneNumber string) (*models.FunnelState, error)
	SaveFunnelState(state *models.FunnelState) error
	DeleteFunnelState(phoneNumber string) error

	DedupRepo
	Close() error
}

// InMemoryStore is a mutex-guarded map-backed store used in tests.
type InMemoryStore struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	leads         map[string]models.Lead
	rules         map[string]models.AutomationRule
	products      map[string]models.Product
	quotes        map[string]models.Quote
	funnelStates  map[string]models.FunnelState
	dedup         map[string]DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		leads:         make(map[string]models.Lead),
		rules:         make(map[string]models.AutomationRule),
		products:      make(map[string]models.Product),
		quotes:        make(map[string]models.Quote),
		funnelStates:  make(map[string]models.FunnelState),
		dedup:         make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) SaveConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.PhoneNumber] = c
	return nil
}

func (s *InMemoryStore) GetConversation(phoneNumber string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[phoneNumber]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) ListConversations() ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CreatedAt, out[j].CreatedAt
		if out[i].LastInbound != nil {
			ti = *out[i].LastInbound
		}
		if out[j].LastInbound != nil {
			tj = *out[j].LastInbound
		}
		return ti.After(tj)
	})
	return out, nil
}

func (s *InMemoryStore) SetConversationStarred(phoneNumber string, starred bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[phoneNumber]
	if !ok {
		return nil
	}
	c.Starred = starred
	s.conversations[phoneNumber] = c
	return nil
}

func (s *InMemoryStore) DeleteConversation(phoneNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, phoneNumber)
	delete(s.messages, phoneNumber)
	delete(s.funnelStates, phoneNumber)
	return nil
}

func (s *InMemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.PhoneNumber] = append(s.messages[m.PhoneNumber], m)
	return nil
}

func (s *InMemoryStore) GetMessages(phoneNumber string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[phoneNumber]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) ClearMessages(phoneNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, phoneNumber)
	return nil
}

func (s *InMemoryStore) SaveLead(l models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[l.PhoneNumber] = l
	return nil
}

func (s *InMemoryStore) GetLeadByPhone(phoneNumber string) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[phoneNumber]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *InMemoryStore) ListLeads(stage string, classification models.Classification) ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Lead
	for _, l := range s.leads {
		if stage != "" && l.Stage != stage {
			continue
		}
		if classification != "" && l.Classification != classification {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *InMemoryStore) SaveRule(r models.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

func (s *InMemoryStore) GetRule(id string) (*models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *InMemoryStore) ListRules() ([]models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AutomationRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) DeleteRule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	return nil
}

func (s *InMemoryStore) SaveProduct(p models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.Code] = p
	return nil
}

func (s *InMemoryStore) GetProductByCode(code string) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[code]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) SearchProducts(query string) ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	var out []models.Product
	for _, p := range s.products {
		if strings.Contains(strings.ToLower(p.Name), q) ||
			strings.Contains(strings.ToLower(p.Category), q) ||
			strings.Contains(strings.ToLower(p.Description), q) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *InMemoryStore) ListProducts() ([]models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *InMemoryStore) SaveQuote(q models.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.ID] = q
	return nil
}

func (s *InMemoryStore) GetQuote(id string) (*models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[id]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (s *InMemoryStore) ListQuotes() ([]models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) GetFunnelState(phoneNumber string) (*models.FunnelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.funnelStates[phoneNumber]
	if !ok {
		return nil, nil
	}
	out := fs
	out.Slots = copySlotMap(fs.Slots)
	out.Data = copyStringMap(fs.Data)
	return &out, nil
}

func (s *InMemoryStore) SaveFunnelState(state *models.FunnelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.funnelStates[state.PhoneNumber]
	if ok && existing.Version != state.Version {
		return models.ErrVersionConflict
	}
	now := time.Now()
	if !ok {
		state.CreatedAt = now
	}
	state.Version++
	state.UpdatedAt = now
	stored := *state
	stored.Slots = copySlotMap(state.Slots)
	stored.Data = copyStringMap(state.Data)
	s.funnelStates[state.PhoneNumber] = stored
	return nil
}

func (s *InMemoryStore) DeleteFunnelState(phoneNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.funnelStates, phoneNumber)
	return nil
}

func (s *InMemoryStore) IsDuplicate(deliveryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[deliveryID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(deliveryID, phoneNumber string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[deliveryID]; ok {
		// Only a fully processed delivery is a duplicate; an unfinished
		// earlier attempt leaves the redelivery retryable.
		return rec.ProcessedAt == nil, nil
	}
	s.dedup[deliveryID] = DedupRecord{DeliveryID: deliveryID, PhoneNumber: phoneNumber, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(deliveryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[deliveryID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[deliveryID] = rec
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func copySlotMap(m map[models.Slot]string) map[models.Slot]string {
	out := make(map[models.Slot]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
