// Package handoff routes completed or failed qualification cycles to a human
// agent.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gimmicks/leadpipe/internal/models"
)

// Notifier receives handoff summaries when a conversation leaves the bot.
type Notifier interface {
	Notify(ctx context.Context, summary models.HandoffSummary) error
}

// LogNotifier writes handoff summaries to the structured log. It is the
// default sink when no agent channel is configured.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, summary models.HandoffSummary) error {
	slog.Info("Handoff.Notify: conversation transferred to human",
		"phone", summary.PhoneNumber,
		"lead_id", summary.LeadID,
		"classification", summary.Classification,
		"stage", summary.Stage,
		"quote_id", summary.QuoteID,
		"reason", summary.Reason)
	return nil
}

// MessageSender is the transport slice used to notify an agent over WhatsApp.
type MessageSender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// AgentNotifier sends the handoff summary to a configured agent phone number.
type AgentNotifier struct {
	sender     MessageSender
	agentPhone string
}

// NewAgentNotifier creates a notifier that messages a human agent.
func NewAgentNotifier(sender MessageSender, agentPhone string) *AgentNotifier {
	return &AgentNotifier{sender: sender, agentPhone: agentPhone}
}

// Notify implements Notifier.
func (n *AgentNotifier) Notify(ctx context.Context, summary models.HandoffSummary) error {
	body := FormatSummary(summary)
	if err := n.sender.SendMessage(ctx, n.agentPhone, body); err != nil {
		slog.Error("AgentNotifier.Notify: send failed", "error", err, "agent", n.agentPhone, "phone", summary.PhoneNumber)
		return fmt.Errorf("failed to notify agent: %w", err)
	}
	slog.Debug("AgentNotifier.Notify: agent notified", "agent", n.agentPhone, "phone", summary.PhoneNumber)
	return nil
}

// FormatSummary renders the agent-facing handoff message.
func FormatSummary(summary models.HandoffSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Nuevo caso transferido: %s\n", summary.PhoneNumber)
	fmt.Fprintf(&b, "Clasificacion: %s | Etapa: %s\n", summary.Classification, summary.Stage)
	if summary.QuoteID != "" {
		fmt.Fprintf(&b, "Cotizacion: %s\n", summary.QuoteID)
	}
	for _, slot := range []models.Slot{
		models.SlotName, models.SlotCompany, models.SlotCity, models.SlotEmail,
		models.SlotProduct, models.SlotQuantity, models.SlotDeliveryDate,
		models.SlotBudget, models.SlotCustomization,
	} {
		if v := summary.Slots[slot]; v != "" {
			fmt.Fprintf(&b, "%s: %s\n", slot, v)
		}
	}
	if summary.Reason != "" {
		fmt.Fprintf(&b, "Motivo: %s", summary.Reason)
	}
	return strings.TrimRight(b.String(), "\n")
}
