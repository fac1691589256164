package rules

import (
	"strings"
	"testing"
	"time"

	"github.com/gimmicks/leadpipe/internal/models"
	"github.com/gimmicks/leadpipe/internal/store"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Cotización", "cotizacion"},
		{"PREGUNTA", "pregunta"},
		{"más información", "mas informacion"},
		{"hola", "hola"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func keywordRule(id, name, keywords string, priority int, created time.Time) models.AutomationRule {
	return models.AutomationRule{
		ID: id, Name: name,
		TriggerType: models.TriggerKeyword, TriggerValue: keywords,
		ActionType: models.ActionSendMessage, ActionValue: "hola",
		IsActive: true, Priority: priority, CreatedAt: created,
	}
}

func TestMatchKeywordAccentInsensitive(t *testing.T) {
	rules := []models.AutomationRule{
		keywordRule("r1", "quote-words", "cotización, precio", 0, time.Now()),
	}

	if got := Match(rules, Event{Message: "quiero una cotizacion urgente"}); got == nil {
		t.Fatal("accent-stripped message did not match accented keyword")
	}
	if got := Match(rules, Event{Message: "necesito el PRECIO"}); got == nil {
		t.Fatal("case-insensitive match failed")
	}
	if got := Match(rules, Event{Message: "hola buenas"}); got != nil {
		t.Fatalf("unexpected match: %s", got.Name)
	}
}

func TestMatchSkipsInactiveRules(t *testing.T) {
	r := keywordRule("r1", "off", "hola", 10, time.Now())
	r.IsActive = false
	if got := Match([]models.AutomationRule{r}, Event{Message: "hola"}); got != nil {
		t.Fatalf("inactive rule fired: %s", got.Name)
	}
}

func TestMatchPriorityThenRecency(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	rules := []models.AutomationRule{
		keywordRule("r1", "low", "hola", 1, recent),
		keywordRule("r2", "high", "hola", 5, old),
		keywordRule("r3", "high-newer", "hola", 5, recent),
	}

	got := Match(rules, Event{Message: "hola"})
	if got == nil || got.Name != "high-newer" {
		t.Fatalf("winner = %v, want high-newer (priority then recency)", got)
	}
}

func TestMatchNewLeadAndFunnelChange(t *testing.T) {
	newLead := models.AutomationRule{
		ID: "r1", Name: "welcome", TriggerType: models.TriggerNewLead,
		ActionType: models.ActionSendMessage, ActionValue: "bienvenido", IsActive: true,
	}
	stageChange := models.AutomationRule{
		ID: "r2", Name: "stage-watch", TriggerType: models.TriggerFunnelChange,
		ActionType: models.ActionAssignAgent, ActionValue: "ana.maria", IsActive: true,
	}
	rules := []models.AutomationRule{newLead, stageChange}

	if got := Match(rules, Event{Message: "hola", NewLead: true}); got == nil || got.Name != "welcome" {
		t.Errorf("new_lead match = %v", got)
	}
	if got := Match(rules, Event{PrevStage: models.StageLead, CurrStage: models.StageClientePotencial}); got == nil || got.Name != "stage-watch" {
		t.Errorf("funnel_change match = %v", got)
	}
	if got := Match(rules, Event{PrevStage: models.StageLead, CurrStage: models.StageLead}); got != nil {
		t.Errorf("unchanged stage fired: %s", got.Name)
	}
}

func TestMatchNoResponse(t *testing.T) {
	idle := models.AutomationRule{
		ID: "r1", Name: "reactivate", TriggerType: models.TriggerNoResponse,
		ActionType: models.ActionSendMessage, ActionValue: "sigues ahi?", IsActive: true,
	}
	if got := Match([]models.AutomationRule{idle}, Event{Idle: true}); got == nil {
		t.Fatal("no_response rule did not fire on idle event")
	}
	if got := Match([]models.AutomationRule{idle}, Event{Message: "hola"}); got != nil {
		t.Fatal("no_response rule fired on a message event")
	}
}

func TestExecuteSendMessage(t *testing.T) {
	x := NewExecutor(store.NewInMemoryStore(), store.NewInMemoryStore())
	rule := keywordRule("r1", "greet", "hola", 0, time.Now())
	rule.ActionValue = "Hola! Como podemos ayudarte?"

	reply, err := x.Execute(&rule, "+593991234567")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if reply != "Hola! Como podemos ayudarte?" {
		t.Errorf("reply = %q", reply)
	}
}

func TestExecuteChangeStageProducesNoReply(t *testing.T) {
	s := store.NewInMemoryStore()
	s.SaveLead(models.Lead{ID: "l1", PhoneNumber: "+593991234567", Stage: models.StageLead, Classification: models.ClassificationFrio})
	x := NewExecutor(s, s)

	rule := models.AutomationRule{
		ID: "r1", Name: "promote", TriggerType: models.TriggerKeyword,
		ActionType: models.ActionChangeStage, ActionValue: models.StageClientePotencial, IsActive: true,
	}
	reply, err := x.Execute(&rule, "+593991234567")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if reply != "" {
		t.Errorf("change_stage must not produce a customer reply, got %q", reply)
	}
	lead, _ := s.GetLeadByPhone("+593991234567")
	if lead.Stage != models.StageClientePotencial {
		t.Errorf("stage = %s, want cliente_potencial", lead.Stage)
	}
}

func TestExecuteAssignAgent(t *testing.T) {
	s := store.NewInMemoryStore()
	s.SaveLead(models.Lead{ID: "l1", PhoneNumber: "+593991234567", Stage: models.StageLead})
	x := NewExecutor(s, s)

	rule := models.AutomationRule{
		ID: "r1", Name: "route-vip", ActionType: models.ActionAssignAgent, ActionValue: "ana.maria", IsActive: true,
		TriggerType: models.TriggerKeyword,
	}
	reply, err := x.Execute(&rule, "+593991234567")
	if err != nil || reply != "" {
		t.Fatalf("Execute = (%q, %v), want no reply", reply, err)
	}
	lead, _ := s.GetLeadByPhone("+593991234567")
	if lead.AssignedAgent != "ana.maria" {
		t.Errorf("agent = %q", lead.AssignedAgent)
	}
}

func TestExecuteRecommendProduct(t *testing.T) {
	s := store.NewInMemoryStore()
	s.SaveProduct(models.Product{ID: "p1", Code: "GOR01", Name: "Gorra bordada", Price: 7})
	x := NewExecutor(s, s)

	rule := models.AutomationRule{
		ID: "r1", Name: "push-caps", ActionType: models.ActionRecommendProduct, ActionValue: "gorra", IsActive: true,
		TriggerType: models.TriggerKeyword,
	}
	reply, err := x.Execute(&rule, "+593991234567")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(reply, "GOR01") {
		t.Errorf("catalog reply missing product code: %q", reply)
	}
}
