package handoff

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gimmicks/leadpipe/internal/models"
)

type fakeSender struct {
	to   string
	body string
	err  error
}

func (f *fakeSender) SendMessage(ctx context.Context, to, body string) error {
	f.to, f.body = to, body
	return f.err
}

func sampleSummary() models.HandoffSummary {
	return models.HandoffSummary{
		PhoneNumber:    "+593991234567",
		LeadID:         "l1",
		Classification: models.ClassificationCaliente,
		Stage:          models.StageCotizacion,
		QuoteID:        "q1",
		Slots: map[models.Slot]string{
			models.SlotName:    "Maria",
			models.SlotCompany: "Acme",
		},
		Reason: "cotizacion generada",
	}
}

func TestAgentNotifier(t *testing.T) {
	sender := &fakeSender{}
	n := NewAgentNotifier(sender, "+593990000000")

	if err := n.Notify(context.Background(), sampleSummary()); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if sender.to != "+593990000000" {
		t.Errorf("sent to %q", sender.to)
	}
	for _, want := range []string{"+593991234567", "caliente", "q1", "name: Maria", "Motivo: cotizacion generada"} {
		if !strings.Contains(sender.body, want) {
			t.Errorf("summary missing %q:\n%s", want, sender.body)
		}
	}
}

func TestAgentNotifierSendFailure(t *testing.T) {
	n := NewAgentNotifier(&fakeSender{err: errors.New("offline")}, "+593990000000")
	if err := n.Notify(context.Background(), sampleSummary()); err == nil {
		t.Fatal("expected error when send fails")
	}
}

func TestLogNotifierNeverFails(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), sampleSummary()); err != nil {
		t.Fatalf("LogNotifier.Notify = %v", err)
	}
}
