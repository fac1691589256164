// Package funnel implements the qualification state machine that walks a
// customer from greeting to a generated quote and human handoff.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gimmicks/leadpipe/internal/extractor"
	"github.com/gimmicks/leadpipe/internal/handoff"
	"github.com/gimmicks/leadpipe/internal/models"
	"github.com/gimmicks/leadpipe/internal/quote"
	"github.com/gimmicks/leadpipe/internal/rules"
)

// sampleProductLimit caps the catalog sample given to the extractor prompt.
const sampleProductLimit = 10

// TransferMessage is sent when the conversation moves to a human agent.
const TransferMessage = "Voy a pasar tu caso a Ana Maria, nuestra asesora. Ella te contactara pronto!"

// stepPrompts are the fallback questions when the model produced no reply.
var stepPrompts = map[models.FunnelStep]string{
	models.StepGreeting:        "Hola! Soy Ana de Gimmicks. Que productos promocionales estas buscando?",
	models.StepIdentifyNeed:    "Cuentame, que productos o categoria te interesan?",
	models.StepCollectName:     "Para ayudarte mejor, cual es tu nombre?",
	models.StepCollectCompany:  "De que empresa nos escribes?",
	models.StepCollectCity:     "En que ciudad seria la entrega?",
	models.StepCollectEmail:    "A que correo te enviamos la cotizacion?",
	models.StepCollectProduct:  "Que productos o codigos del catalogo te interesan?",
	models.StepCollectQuantity: "Para cuantas unidades lo necesitas?",
	models.StepCollectDate:     "Para que fecha necesitas el pedido?",
	models.StepCollectBudget:   "Tienes un presupuesto estimado?",
	models.StepCollectCustom:   "Que tipo de personalizacion buscas? Serigrafia, bordado, UV o laser?",
	models.StepCorrectData:     "Claro, dime que dato quieres corregir.",
}

// slotLabels are the Spanish labels used in the confirmation summary.
var slotLabels = []struct {
	slot  models.Slot
	label string
}{
	{models.SlotName, "Nombre"},
	{models.SlotCompany, "Empresa"},
	{models.SlotCity, "Ciudad"},
	{models.SlotEmail, "Correo"},
	{models.SlotProduct, "Producto"},
	{models.SlotQuantity, "Cantidad"},
	{models.SlotDeliveryDate, "Fecha de entrega"},
	{models.SlotBudget, "Presupuesto"},
	{models.SlotCustomization, "Personalizacion"},
}

// Store is the persistence slice the driver needs.
type Store interface {
	GetFunnelState(phoneNumber string) (*models.FunnelState, error)
	SaveFunnelState(state *models.FunnelState) error
	GetMessages(phoneNumber string) ([]models.Message, error)
	SaveConversation(c models.Conversation) error
	SaveLead(l models.Lead) error
	SearchProducts(query string) ([]models.Product, error)
	ListProducts() ([]models.Product, error)
	SaveQuote(q models.Quote) error
}

// SlotExtractor abstracts the AI extractor for testability.
type SlotExtractor interface {
	Extract(ctx context.Context, in extractor.Input) (extractor.Extraction, error)
}

// QuoteAssembler abstracts quote assembly.
type QuoteAssembler interface {
	Assemble(conversationID string, state *models.FunnelState) (*models.Quote, error)
}

// Result is the outcome of one funnel turn.
type Result struct {
	Reply       string
	Transferred bool
	QuoteID     string
}

// Driver advances the qualification funnel one inbound message at a time.
type Driver struct {
	store     Store
	extractor SlotExtractor
	assembler QuoteAssembler
	notifier  handoff.Notifier
}

// NewDriver creates a funnel driver.
func NewDriver(store Store, ex SlotExtractor, assembler QuoteAssembler, notifier handoff.Notifier) *Driver {
	return &Driver{store: store, extractor: ex, assembler: assembler, notifier: notifier}
}

// HandleTurn processes one inbound message for a conversation whose turn lock
// is already held by the caller. It mutates and persists the funnel state and
// the lead, and returns the single reply for this turn.
func (d *Driver) HandleTurn(ctx context.Context, conv *models.Conversation, lead *models.Lead, text string) (Result, error) {
	state, err := d.store.GetFunnelState(conv.PhoneNumber)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load funnel state: %w", err)
	}
	if state == nil {
		state = models.NewFunnelState(conv.PhoneNumber)
	}

	// A customer replying to a lost lead starts a fresh cycle.
	if lead.Stage == models.StagePerdido {
		slog.Info("Driver.HandleTurn: reactivating lost lead", "phone", conv.PhoneNumber)
		lead.Stage = models.StageLead
		resetCycle(state)
	}

	var result Result
	switch state.Step {
	case models.StepConfirmData:
		result, err = d.handleConfirm(ctx, conv, lead, state, text)
	case models.StepCorrectData:
		result, err = d.handleCorrect(ctx, conv, lead, state, text)
	default:
		result, err = d.handleCollect(ctx, conv, lead, state, text)
	}
	if err != nil {
		return Result{}, err
	}

	d.applyStage(state, lead)
	if err := d.persist(conv, lead, state); err != nil {
		return Result{}, err
	}
	return result, nil
}

// handleCollect runs the extractor, merges new slots, and advances the step.
func (d *Driver) handleCollect(ctx context.Context, conv *models.Conversation, lead *models.Lead, state *models.FunnelState, text string) (Result, error) {
	ext, err := d.extract(ctx, conv, state, text)
	if err != nil {
		// Degraded turn: re-ask the current question, state unchanged.
		return Result{Reply: promptFor(state.Step)}, nil
	}

	filled := state.MergeSlots(ext.Slots)
	d.reclassify(lead, state, ext)
	slog.Debug("Driver.handleCollect: slots merged", "phone", conv.PhoneNumber, "filled", len(filled), "step", state.Step)

	if ext.NeedsHuman {
		return d.transfer(ctx, lead, state, "cliente pidio hablar con una persona", TransferMessage)
	}

	if slot, owns := models.StepSlots[state.Step]; !owns || state.Slots[slot] != "" {
		state.Step = models.NextStep(state.Step, state.Slots)
	}

	var reply string
	if state.Step == models.StepConfirmData {
		reply = confirmationSummary(state)
	} else if ext.Reply != "" {
		reply = ext.Reply
	} else {
		reply = promptFor(state.Step)
	}

	reply = d.appendCatalog(state, ext.CatalogSearch, reply)
	return Result{Reply: reply}, nil
}

// handleConfirm interprets the customer's yes/no on the collected data.
func (d *Driver) handleConfirm(ctx context.Context, conv *models.Conversation, lead *models.Lead, state *models.FunnelState, text string) (Result, error) {
	switch {
	case isNegative(text):
		// Disputes usually carry the fix in the same message ("no, mi
		// empresa es Beta"); apply it right away instead of burning a turn.
		state.Step = models.StepCorrectData
		return d.handleCorrect(ctx, conv, lead, state, text)

	case isAffirmative(text):
		q, err := d.assembler.Assemble(conv.ID, state)
		if err != nil {
			if errors.Is(err, models.ErrMissingSlots) {
				// Should not happen on the main line; walk back to the first
				// missing collection step instead of failing the turn.
				state.Step = firstMissingStep(state)
				slog.Warn("Driver.handleConfirm: confirm reached with missing slots", "phone", conv.PhoneNumber, "step", state.Step)
				return Result{Reply: promptFor(state.Step)}, nil
			}
			return Result{}, fmt.Errorf("quote assembly failed: %w", err)
		}
		if err := d.store.SaveQuote(*q); err != nil {
			return Result{}, fmt.Errorf("failed to save quote: %w", err)
		}
		state.Data[models.DataKeyQuoteID] = q.ID
		slog.Info("Driver.handleConfirm: quote created", "phone", conv.PhoneNumber, "quote_id", q.ID, "total", q.Total)

		result, err := d.transfer(ctx, lead, state, "cotizacion generada", quote.ConfirmationMessage(q))
		result.QuoteID = q.ID
		return result, err

	default:
		// Not a clear yes/no: restate the summary.
		return Result{Reply: confirmationSummary(state)}, nil
	}
}

// handleCorrect overwrites slots from the correction message and returns to
// confirmation.
func (d *Driver) handleCorrect(ctx context.Context, conv *models.Conversation, lead *models.Lead, state *models.FunnelState, text string) (Result, error) {
	ext, err := d.extract(ctx, conv, state, text)
	if err != nil {
		return Result{Reply: promptFor(models.StepCorrectData)}, nil
	}

	changed := state.OverwriteSlots(ext.Slots)
	d.reclassify(lead, state, ext)
	if len(changed) == 0 {
		reply := ext.Reply
		if reply == "" {
			reply = promptFor(models.StepCorrectData)
		}
		return Result{Reply: reply}, nil
	}

	state.Step = models.StepConfirmData
	slog.Debug("Driver.handleCorrect: slots corrected", "phone", conv.PhoneNumber, "changed", len(changed))
	return Result{Reply: "Listo, actualice tus datos.\n\n" + confirmationSummary(state)}, nil
}

// extract assembles the extractor input for the current turn.
func (d *Driver) extract(ctx context.Context, conv *models.Conversation, state *models.FunnelState, text string) (extractor.Extraction, error) {
	history, err := d.store.GetMessages(conv.PhoneNumber)
	if err != nil {
		slog.Warn("Driver.extract: history load failed", "error", err, "phone", conv.PhoneNumber)
	}
	samples, err := d.store.ListProducts()
	if err != nil {
		slog.Warn("Driver.extract: product sample load failed", "error", err)
	}
	if len(samples) > sampleProductLimit {
		samples = samples[:sampleProductLimit]
	}

	return d.extractor.Extract(ctx, extractor.Input{
		Message:        text,
		History:        history,
		Slots:          state.Slots,
		CatalogsSent:   catalogsSent(state),
		SampleProducts: samples,
		MissingSlots:   state.MissingQuoteSlots(),
	})
}

// transfer hands the conversation to the human agent: the lead becomes
// caliente at stage pedido, the handoff summary goes out, and the funnel
// state resets to greeting for the next qualification cycle.
func (d *Driver) transfer(ctx context.Context, lead *models.Lead, state *models.FunnelState, reason, reply string) (Result, error) {
	lead.Upgrade(models.ClassificationCaliente)
	lead.Stage = models.StagePedido
	summary := models.HandoffSummary{
		PhoneNumber:    state.PhoneNumber,
		LeadID:         lead.ID,
		Classification: lead.Classification,
		Stage:          lead.Stage,
		Slots:          state.Slots,
		QuoteID:        state.Data[models.DataKeyQuoteID],
		Reason:         reason,
	}
	if err := d.notifier.Notify(ctx, summary); err != nil {
		// The customer reply still goes out; the agent channel is best effort.
		slog.Error("Driver.transfer: handoff notification failed", "error", err, "phone", state.PhoneNumber)
	}
	resetCycle(state)
	return Result{Reply: reply, Transferred: true}, nil
}

// resetCycle returns the state to a fresh greeting, keeping the version so
// the optimistic save still guards against concurrent writers.
func resetCycle(state *models.FunnelState) {
	state.Step = models.StepGreeting
	state.Slots = make(map[models.Slot]string)
	state.Data = make(map[string]string)
	state.RequestType = ""
}

// appendCatalog pushes a catalog block onto the reply when the customer asked
// for a category not yet shown this cycle.
func (d *Driver) appendCatalog(state *models.FunnelState, search, reply string) string {
	if search == "" {
		return reply
	}
	sent := catalogsSent(state)
	for _, c := range sent {
		if c == search {
			return reply
		}
	}
	products, err := d.store.SearchProducts(search)
	if err != nil {
		slog.Warn("Driver.appendCatalog: catalog search failed", "error", err, "query", search)
		return reply
	}
	if len(products) == 0 {
		return reply
	}
	state.Data[models.DataKeyCatalogSent] = strings.Join(append(sent, search), ",")
	return reply + "\n\n" + quote.FormatCatalogMessage(products, search)
}

// reclassify records the request type and applies both the deterministic
// temperature policy and the model's hint through the monotonic upgrade.
func (d *Driver) reclassify(lead *models.Lead, state *models.FunnelState, ext extractor.Extraction) {
	if ext.Intent != "" {
		state.RequestType = ext.Intent
	}
	lead.Upgrade(classify(state))
	lead.Upgrade(ext.Classification)
}

// classify derives the lead temperature from hard signals: a direct quote
// request with three or more slots filled is caliente, any slot beyond the
// name is tibio, anything else frio.
func classify(state *models.FunnelState) models.Classification {
	filled := 0
	beyondName := false
	for slot, v := range state.Slots {
		if v == "" {
			continue
		}
		filled++
		if slot != models.SlotName {
			beyondName = true
		}
	}
	if state.RequestType == models.RequestTypeDirectQuote && filled >= 3 {
		return models.ClassificationCaliente
	}
	if beyondName {
		return models.ClassificationTibio
	}
	return models.ClassificationFrio
}

// applyStage recomputes the pipeline stage from the collected data. Stages an
// admin moved forward by hand (pedido) are never downgraded.
func (d *Driver) applyStage(state *models.FunnelState, lead *models.Lead) {
	if lead.Stage == models.StagePedido {
		return
	}
	lead.Stage = deriveStage(state, lead.Classification)
}

func deriveStage(state *models.FunnelState, classification models.Classification) string {
	if state.Data[models.DataKeyQuoteID] != "" {
		return models.StageCotizacion
	}
	hasInterest := state.Slots[models.SlotProduct] != ""
	hasContact := state.Slots[models.SlotName] != "" || state.Slots[models.SlotEmail] != ""
	if hasInterest && hasContact {
		return models.StageClientePotencial
	}
	if hasInterest || classification == models.ClassificationTibio || classification == models.ClassificationCaliente {
		return models.StageClientePotencial
	}
	return models.StageLead
}

// persist saves the lead, the contact name, and the versioned funnel state.
func (d *Driver) persist(conv *models.Conversation, lead *models.Lead, state *models.FunnelState) error {
	now := time.Now()
	if name := state.Slots[models.SlotName]; name != "" {
		lead.Name = name
		if conv.ContactName == "" {
			conv.ContactName = name
			if err := d.store.SaveConversation(*conv); err != nil {
				slog.Warn("Driver.persist: conversation update failed", "error", err, "phone", conv.PhoneNumber)
			}
		}
	}
	lead.UpdatedAt = now
	lead.LastMessageAt = &now
	if err := d.store.SaveLead(*lead); err != nil {
		return fmt.Errorf("failed to save lead: %w", err)
	}
	if err := d.store.SaveFunnelState(state); err != nil {
		return fmt.Errorf("failed to save funnel state: %w", err)
	}
	return nil
}

func catalogsSent(state *models.FunnelState) []string {
	raw := state.Data[models.DataKeyCatalogSent]
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func promptFor(step models.FunnelStep) string {
	if p, ok := stepPrompts[step]; ok {
		return p
	}
	return stepPrompts[models.StepIdentifyNeed]
}

// confirmationSummary lists the collected data and asks for a yes/no.
func confirmationSummary(state *models.FunnelState) string {
	var b strings.Builder
	b.WriteString("Perfecto! Confirmemos tus datos:\n")
	for _, entry := range slotLabels {
		if v := state.Slots[entry.slot]; v != "" {
			fmt.Fprintf(&b, "%s: %s\n", entry.label, v)
		}
	}
	b.WriteString("\nEsta todo correcto? Escribe SI para generar tu cotizacion o NO para corregir algun dato.")
	return b.String()
}

// firstMissingStep finds the collection step owning the first missing
// required slot.
func firstMissingStep(state *models.FunnelState) models.FunnelStep {
	missing := state.MissingQuoteSlots()
	if len(missing) == 0 {
		return models.StepConfirmData
	}
	for _, step := range models.FunnelOrder {
		if slot, owns := models.StepSlots[step]; owns && slot == missing[0] {
			return step
		}
	}
	return models.StepIdentifyNeed
}

var affirmatives = map[string]bool{
	"si": true, "s": true, "dale": true, "ok": true, "okay": true,
	"listo": true, "correcto": true, "confirmo": true, "claro": true,
	"perfecto": true, "yes": true, "de acuerdo": true,
}

func isAffirmative(text string) bool {
	n := rules.Normalize(strings.TrimSpace(text))
	if affirmatives[n] {
		return true
	}
	for _, phrase := range []string{"si,", "si ", "esta bien", "todo correcto", "es correcto", "confirmo"} {
		if strings.HasPrefix(n, phrase) || strings.Contains(n, phrase) {
			return true
		}
	}
	return false
}

func isNegative(text string) bool {
	n := rules.Normalize(strings.TrimSpace(text))
	if n == "no" {
		return true
	}
	for _, phrase := range []string{"no,", "no ", "corregir", "cambiar", "equivoc", "equivoqu", "esta mal", "error"} {
		if strings.HasPrefix(n, phrase) || strings.Contains(n, phrase) {
			return true
		}
	}
	return false
}
