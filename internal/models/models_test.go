package models

import (
	"strings"
	"testing"
)

func TestInboundValidate(t *testing.T) {
	tests := []struct {
		name    string
		inbound Inbound
		wantErr error
	}{
		{
			name:    "valid",
			inbound: Inbound{PhoneNumber: "+593991234567", Text: "hola", DeliveryID: "wamid.1"},
			wantErr: nil,
		},
		{
			name:    "empty phone",
			inbound: Inbound{Text: "hola"},
			wantErr: ErrEmptyPhoneNumber,
		},
		{
			name:    "blank text",
			inbound: Inbound{PhoneNumber: "+593991234567", Text: "   "},
			wantErr: ErrEmptyMessage,
		},
		{
			name:    "oversized text",
			inbound: Inbound{PhoneNumber: "+593991234567", Text: strings.Repeat("a", MaxMessageBodyLength+1)},
			wantErr: ErrMessageTooLong,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.inbound.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLeadUpgradeIsMonotonic(t *testing.T) {
	lead := &Lead{Classification: ClassificationFrio}

	lead.Upgrade(ClassificationCaliente)
	if lead.Classification != ClassificationCaliente {
		t.Fatalf("expected caliente after upgrade, got %s", lead.Classification)
	}

	lead.Upgrade(ClassificationTibio)
	if lead.Classification != ClassificationCaliente {
		t.Errorf("classification regressed to %s; upgrades must be monotonic", lead.Classification)
	}

	lead.Upgrade(Classification("lava"))
	if lead.Classification != ClassificationCaliente {
		t.Errorf("invalid classification changed lead to %s", lead.Classification)
	}
}

func TestAutomationRuleValidate(t *testing.T) {
	rule := AutomationRule{
		Name:        "greeting",
		TriggerType: TriggerKeyword,
		TriggerValue: "hola, precio",
		ActionType:  ActionSendMessage,
		ActionValue: "Hola! Como podemos ayudarte?",
	}
	if err := rule.Validate(); err != nil {
		t.Errorf("expected valid rule, got %v", err)
	}

	rule.TriggerType = "on_full_moon"
	if err := rule.Validate(); err != ErrInvalidTriggerType {
		t.Errorf("expected ErrInvalidTriggerType, got %v", err)
	}

	rule.TriggerType = TriggerKeyword
	rule.ActionType = "explode"
	if err := rule.Validate(); err != ErrInvalidActionType {
		t.Errorf("expected ErrInvalidActionType, got %v", err)
	}
}

func TestAutomationRuleKeywords(t *testing.T) {
	rule := AutomationRule{TriggerValue: " hola , precio,, cotización "}
	got := rule.Keywords()
	want := []string{"hola", "precio", "cotización"}
	if len(got) != len(want) {
		t.Fatalf("Keywords() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keywords()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNextStepSkipsFilledSlots(t *testing.T) {
	slots := map[Slot]string{
		SlotName:    "Maria",
		SlotCompany: "Acme",
	}
	// From identify_need the next unfilled collection step is collect_city
	// because name and company are already known.
	if got := NextStep(StepIdentifyNeed, slots); got != StepCollectCity {
		t.Errorf("NextStep(identify_need) = %s, want %s", got, StepCollectCity)
	}
}

func TestNextStepReachesConfirmWhenAllCollected(t *testing.T) {
	slots := make(map[Slot]string)
	for slot := range SlotVocabulary {
		slots[slot] = "x"
	}
	if got := NextStep(StepGreeting, slots); got != StepConfirmData {
		t.Errorf("NextStep(greeting, all slots) = %s, want %s", got, StepConfirmData)
	}
}

func TestNextStepJumpsToConfirmOnRequiredSlots(t *testing.T) {
	// The five required quote slots are enough; the optional questions
	// (city, date, budget, customization) must be skipped.
	slots := map[Slot]string{
		SlotName:     "Ana",
		SlotCompany:  "Acme",
		SlotEmail:    "ana@acme.com",
		SlotProduct:  "camisetas",
		SlotQuantity: "100",
	}
	if got := NextStep(StepGreeting, slots); got != StepConfirmData {
		t.Errorf("NextStep(greeting, required slots) = %s, want %s", got, StepConfirmData)
	}
	if got := NextStep(StepCollectEmail, slots); got != StepConfirmData {
		t.Errorf("NextStep(collect_email, required slots) = %s, want %s", got, StepConfirmData)
	}
}

func TestNextStepTerminal(t *testing.T) {
	if got := NextStep(StepTransfer, nil); got != StepTransfer {
		t.Errorf("NextStep(transfer) = %s, want transfer", got)
	}
	if got := NextStep(StepQuote, nil); got != StepTransfer {
		t.Errorf("NextStep(quote) = %s, want transfer", got)
	}
}

func TestMergeSlotsOnlyFillsEmpty(t *testing.T) {
	fs := NewFunnelState("+593991234567")
	fs.Slots[SlotName] = "Maria"

	filled := fs.MergeSlots(map[Slot]string{
		SlotName:    "Pedro",  // already set, must not change
		SlotCompany: "Acme",   // new
		Slot("mood"): "happy", // outside vocabulary, dropped
		SlotCity:    "",       // empty value, dropped
	})

	if fs.Slots[SlotName] != "Maria" {
		t.Errorf("existing slot overwritten: %q", fs.Slots[SlotName])
	}
	if fs.Slots[SlotCompany] != "Acme" {
		t.Errorf("new slot not filled: %q", fs.Slots[SlotCompany])
	}
	if _, ok := fs.Slots[Slot("mood")]; ok {
		t.Error("out-of-vocabulary slot was stored")
	}
	if len(filled) != 1 || filled[0] != SlotCompany {
		t.Errorf("filled = %v, want [company]", filled)
	}
}

func TestOverwriteSlotsReplacesExisting(t *testing.T) {
	fs := NewFunnelState("+593991234567")
	fs.Slots[SlotEmail] = "wrong@acme.com"

	fs.OverwriteSlots(map[Slot]string{SlotEmail: "right@acme.com"})
	if fs.Slots[SlotEmail] != "right@acme.com" {
		t.Errorf("correction not applied: %q", fs.Slots[SlotEmail])
	}
}

func TestMissingQuoteSlots(t *testing.T) {
	fs := NewFunnelState("+593991234567")
	fs.Slots[SlotName] = "Maria"
	fs.Slots[SlotEmail] = "maria@acme.com"

	missing := fs.MissingQuoteSlots()
	want := map[Slot]bool{SlotCompany: true, SlotProduct: true, SlotQuantity: true}
	if len(missing) != len(want) {
		t.Fatalf("MissingQuoteSlots() = %v", missing)
	}
	for _, slot := range missing {
		if !want[slot] {
			t.Errorf("unexpected missing slot %s", slot)
		}
	}
}
