// Package rules implements the automation rule matcher and action executor.
// Rules run before the funnel on every turn; a firing rule short-circuits it.
package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/gimmicks/leadpipe/internal/models"
	"github.com/gimmicks/leadpipe/internal/quote"
)

// Event describes one rule-evaluation trigger context. Message-driven turns
// set Message (and NewLead on first contact); the idle sweep sets Idle.
type Event struct {
	Message   string
	NewLead   bool
	PrevStage string
	CurrStage string
	Idle      bool
}

// Normalize lowercases and strips diacritics so configured keywords like
// "cotización" match "cotizacion" and vice versa.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return folded
}

// Match returns the single winning rule for an event, or nil when no rule
// fires. Ties are broken by priority (higher first) and then by creation time
// (newest first), so the outcome is deterministic for any rule set.
func Match(rules []models.AutomationRule, ev Event) *models.AutomationRule {
	var candidates []models.AutomationRule
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		if matches(r, ev) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	winner := candidates[0]
	slog.Debug("Rules.Match: rule fired", "rule", winner.Name, "trigger", winner.TriggerType, "priority", winner.Priority)
	return &winner
}

func matches(r models.AutomationRule, ev Event) bool {
	switch r.TriggerType {
	case models.TriggerKeyword:
		if ev.Message == "" {
			return false
		}
		text := Normalize(ev.Message)
		for _, kw := range r.Keywords() {
			if strings.Contains(text, Normalize(kw)) {
				return true
			}
		}
		return false
	case models.TriggerNewLead:
		return ev.NewLead
	case models.TriggerFunnelChange:
		return ev.CurrStage != "" && ev.PrevStage != ev.CurrStage
	case models.TriggerNoResponse:
		return ev.Idle
	default:
		return false
	}
}

// LeadStore is the slice of the store the executor mutates.
type LeadStore interface {
	GetLeadByPhone(phoneNumber string) (*models.Lead, error)
	SaveLead(l models.Lead) error
}

// ProductSearcher resolves recommend_product actions against the catalog.
type ProductSearcher interface {
	SearchProducts(query string) ([]models.Product, error)
}

// Executor applies a fired rule's action. Execute returns the outbound reply
// text; change_stage and assign_agent act on the lead record only and return
// an empty reply.
type Executor struct {
	leads    LeadStore
	products ProductSearcher
}

// NewExecutor creates a rule action executor.
func NewExecutor(leads LeadStore, products ProductSearcher) *Executor {
	return &Executor{leads: leads, products: products}
}

// Execute performs the rule's action for a phone number.
func (x *Executor) Execute(rule *models.AutomationRule, phoneNumber string) (string, error) {
	switch rule.ActionType {
	case models.ActionSendMessage:
		return rule.ActionValue, nil

	case models.ActionChangeStage:
		if !models.IsValidStage(rule.ActionValue) {
			return "", fmt.Errorf("%w: %s", models.ErrInvalidActionType, rule.ActionValue)
		}
		lead, err := x.leads.GetLeadByPhone(phoneNumber)
		if err != nil {
			return "", fmt.Errorf("failed to load lead for stage change: %w", err)
		}
		if lead == nil {
			slog.Warn("Executor.Execute: change_stage with no lead", "phone", phoneNumber, "rule", rule.Name)
			return "", nil
		}
		lead.Stage = rule.ActionValue
		if err := x.leads.SaveLead(*lead); err != nil {
			return "", fmt.Errorf("failed to change lead stage: %w", err)
		}
		slog.Info("Executor.Execute: lead stage changed", "phone", phoneNumber, "stage", rule.ActionValue, "rule", rule.Name)
		return "", nil

	case models.ActionAssignAgent:
		lead, err := x.leads.GetLeadByPhone(phoneNumber)
		if err != nil {
			return "", fmt.Errorf("failed to load lead for agent assignment: %w", err)
		}
		if lead == nil {
			slog.Warn("Executor.Execute: assign_agent with no lead", "phone", phoneNumber, "rule", rule.Name)
			return "", nil
		}
		lead.AssignedAgent = rule.ActionValue
		if err := x.leads.SaveLead(*lead); err != nil {
			return "", fmt.Errorf("failed to assign agent: %w", err)
		}
		slog.Info("Executor.Execute: agent assigned", "phone", phoneNumber, "agent", rule.ActionValue, "rule", rule.Name)
		return "", nil

	case models.ActionRecommendProduct:
		products, err := x.products.SearchProducts(rule.ActionValue)
		if err != nil {
			slog.Warn("Executor.Execute: product search failed", "error", err, "query", rule.ActionValue)
			products = nil
		}
		return quote.FormatCatalogMessage(products, rule.ActionValue), nil

	default:
		return "", fmt.Errorf("%w: %s", models.ErrInvalidActionType, rule.ActionType)
	}
}
