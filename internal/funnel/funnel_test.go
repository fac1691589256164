package funnel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gimmicks/leadpipe/internal/extractor"
	"github.com/gimmicks/leadpipe/internal/handoff"
	"github.com/gimmicks/leadpipe/internal/models"
	"github.com/gimmicks/leadpipe/internal/quote"
	"github.com/gimmicks/leadpipe/internal/store"
)

const testPhone = "+593991234567"

// scriptedExtractor returns canned extractions in order, then repeats the last.
type scriptedExtractor struct {
	extractions []extractor.Extraction
	err         error
	calls       int
	lastInput   extractor.Input
}

func (s *scriptedExtractor) Extract(ctx context.Context, in extractor.Input) (extractor.Extraction, error) {
	s.lastInput = in
	s.calls++
	if s.err != nil {
		return extractor.Extraction{Classification: models.ClassificationFrio}, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.extractions) {
		idx = len(s.extractions) - 1
	}
	return s.extractions[idx], nil
}

type recordingNotifier struct {
	summaries []models.HandoffSummary
}

func (r *recordingNotifier) Notify(ctx context.Context, s models.HandoffSummary) error {
	r.summaries = append(r.summaries, s)
	return nil
}

func newTestDriver(t *testing.T, ex SlotExtractor) (*Driver, *store.InMemoryStore, *recordingNotifier) {
	t.Helper()
	s := store.NewInMemoryStore()
	notifier := &recordingNotifier{}
	return NewDriver(s, ex, quote.NewAssembler(s), notifier), s, notifier
}

func testConversation() *models.Conversation {
	return &models.Conversation{ID: "c1", PhoneNumber: testPhone}
}

func testLead() *models.Lead {
	return &models.Lead{ID: "l1", PhoneNumber: testPhone, Stage: models.StageLead, Classification: models.ClassificationFrio}
}

func requiredSlots() map[models.Slot]string {
	return map[models.Slot]string{
		models.SlotName:     "Maria",
		models.SlotCompany:  "Acme",
		models.SlotEmail:    "maria@acme.ec",
		models.SlotProduct:  "GOR01",
		models.SlotQuantity: "100",
	}
}

func allSlots() map[models.Slot]string {
	return map[models.Slot]string{
		models.SlotName:          "Maria",
		models.SlotCompany:       "Acme",
		models.SlotCity:          "Quito",
		models.SlotEmail:         "maria@acme.ec",
		models.SlotProduct:       "GOR01",
		models.SlotQuantity:      "100",
		models.SlotDeliveryDate:  "15 de marzo",
		models.SlotBudget:        "500",
		models.SlotCustomization: "bordado",
	}
}

func TestHandleTurnGreetingAdvances(t *testing.T) {
	ex := &scriptedExtractor{extractions: []extractor.Extraction{
		{Reply: "Hola Maria! Que productos buscas?", Classification: models.ClassificationFrio},
	}}
	d, s, _ := newTestDriver(t, ex)

	res, err := d.HandleTurn(context.Background(), testConversation(), testLead(), "hola")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if res.Reply != "Hola Maria! Que productos buscas?" {
		t.Errorf("reply = %q", res.Reply)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state == nil || state.Step != models.StepIdentifyNeed {
		t.Fatalf("state = %+v, want identify_need", state)
	}
}

func TestHandleTurnMultiSlotSkipsToConfirm(t *testing.T) {
	// Only the five required slots arrive; the optional questions (city,
	// date, budget, customization) must not hold the funnel back.
	ex := &scriptedExtractor{extractions: []extractor.Extraction{
		{Slots: requiredSlots(), Classification: models.ClassificationCaliente},
	}}
	d, s, _ := newTestDriver(t, ex)
	lead := testLead()

	res, err := d.HandleTurn(context.Background(), testConversation(), lead, "te mando todo de una vez")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state.Step != models.StepConfirmData {
		t.Fatalf("step = %s, want confirm_data", state.Step)
	}
	for _, want := range []string{"Nombre: Maria", "Empresa: Acme", "Correo: maria@acme.ec", "Escribe SI"} {
		if !strings.Contains(res.Reply, want) {
			t.Errorf("summary missing %q:\n%s", want, res.Reply)
		}
	}
	if lead.Classification != models.ClassificationCaliente {
		t.Errorf("classification = %s", lead.Classification)
	}
}

func TestHandleTurnStaysWhenSlotMissing(t *testing.T) {
	ex := &scriptedExtractor{extractions: []extractor.Extraction{
		{Reply: "", Classification: models.ClassificationFrio},
	}}
	d, s, _ := newTestDriver(t, ex)

	seed := models.NewFunnelState(testPhone)
	seed.Step = models.StepCollectName
	if err := s.SaveFunnelState(seed); err != nil {
		t.Fatal(err)
	}

	res, err := d.HandleTurn(context.Background(), testConversation(), testLead(), "mmm")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state.Step != models.StepCollectName {
		t.Errorf("step = %s, want collect_name (no name extracted)", state.Step)
	}
	if res.Reply != stepPrompts[models.StepCollectName] {
		t.Errorf("reply = %q, want the step prompt", res.Reply)
	}
}

func TestHandleTurnExtractorFailureReprompts(t *testing.T) {
	ex := &scriptedExtractor{err: errors.New("model unavailable")}
	d, s, _ := newTestDriver(t, ex)

	seed := models.NewFunnelState(testPhone)
	seed.Step = models.StepCollectEmail
	if err := s.SaveFunnelState(seed); err != nil {
		t.Fatal(err)
	}

	res, err := d.HandleTurn(context.Background(), testConversation(), testLead(), "mi correo es x@y.com")
	if err != nil {
		t.Fatalf("degraded turn must not fail: %v", err)
	}
	if res.Reply != stepPrompts[models.StepCollectEmail] {
		t.Errorf("reply = %q, want re-prompt", res.Reply)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state.Step != models.StepCollectEmail || len(state.Slots) != 0 {
		t.Errorf("state advanced on a failed extraction: %+v", state)
	}
}

func TestHandleTurnMergeNeverOverwrites(t *testing.T) {
	ex := &scriptedExtractor{extractions: []extractor.Extraction{
		{Slots: map[models.Slot]string{models.SlotName: "Pedro"}, Classification: models.ClassificationFrio},
	}}
	d, s, _ := newTestDriver(t, ex)

	seed := models.NewFunnelState(testPhone)
	seed.Step = models.StepCollectCompany
	seed.Slots[models.SlotName] = "Maria"
	if err := s.SaveFunnelState(seed); err != nil {
		t.Fatal(err)
	}

	if _, err := d.HandleTurn(context.Background(), testConversation(), testLead(), "soy Pedro"); err != nil {
		t.Fatal(err)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state.Slots[models.SlotName] != "Maria" {
		t.Errorf("name overwritten outside correction: %q", state.Slots[models.SlotName])
	}
}

func TestConfirmYesCreatesQuoteAndTransfers(t *testing.T) {
	ex := &scriptedExtractor{extractions: []extractor.Extraction{{}}}
	d, s, notifier := newTestDriver(t, ex)
	s.SaveProduct(models.Product{ID: "p1", Code: "GOR01", Name: "Gorra bordada", Price: 4.5})

	seed := models.NewFunnelState(testPhone)
	seed.Step = models.StepConfirmData
	seed.Slots = allSlots()
	if err := s.SaveFunnelState(seed); err != nil {
		t.Fatal(err)
	}
	lead := testLead()

	res, err := d.HandleTurn(context.Background(), testConversation(), lead, "si, todo correcto")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if !res.Transferred || res.QuoteID == "" {
		t.Fatalf("result = %+v, want transfer with quote", res)
	}
	if !strings.Contains(res.Reply, "Tu solicitud de cotizacion") || !strings.Contains(res.Reply, "maria@acme.ec") {
		t.Errorf("confirmation reply = %q", res.Reply)
	}

	q, _ := s.GetQuote(res.QuoteID)
	if q == nil || q.Status != models.QuoteStatusPending || q.Total != 450 {
		t.Fatalf("quote = %+v", q)
	}
	if lead.Stage != models.StagePedido {
		t.Errorf("stage = %s, want pedido", lead.Stage)
	}
	if lead.Classification != models.ClassificationCaliente {
		t.Errorf("classification = %s, want caliente", lead.Classification)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state.Step != models.StepGreeting || len(state.Slots) != 0 {
		t.Errorf("state not reset for the next cycle: %+v", state)
	}
	if len(notifier.summaries) != 1 || notifier.summaries[0].QuoteID != res.QuoteID {
		t.Errorf("handoff summaries = %+v", notifier.summaries)
	}
}

func TestConfirmNoAppliesCorrectionSameTurn(t *testing.T) {
	// "no, mi empresa es Beta" both disputes and corrects; the fix must land
	// in the same turn instead of waiting for a follow-up message.
	ex := &scriptedExtractor{extractions: []extractor.Extraction{
		{Slots: map[models.Slot]string{models.SlotCompany: "Beta"}},
	}}
	d, s, _ := newTestDriver(t, ex)

	seed := models.NewFunnelState(testPhone)
	seed.Step = models.StepConfirmData
	seed.Slots = allSlots()
	if err := s.SaveFunnelState(seed); err != nil {
		t.Fatal(err)
	}

	res, err := d.HandleTurn(context.Background(), testConversation(), testLead(), "no, mi empresa es Beta")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if ex.calls != 1 {
		t.Fatalf("extractor calls = %d, want 1", ex.calls)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state.Step != models.StepConfirmData {
		t.Errorf("step = %s, want confirm_data", state.Step)
	}
	if state.Slots[models.SlotCompany] != "Beta" {
		t.Errorf("company = %q, correction not applied", state.Slots[models.SlotCompany])
	}
	if !strings.Contains(res.Reply, "actualice") || !strings.Contains(res.Reply, "Empresa: Beta") {
		t.Errorf("reply = %q, want updated summary", res.Reply)
	}
}

func TestConfirmNoEntersCorrection(t *testing.T) {
	ex := &scriptedExtractor{extractions: []extractor.Extraction{{}}}
	d, s, _ := newTestDriver(t, ex)

	seed := models.NewFunnelState(testPhone)
	seed.Step = models.StepConfirmData
	seed.Slots = allSlots()
	if err := s.SaveFunnelState(seed); err != nil {
		t.Fatal(err)
	}

	res, err := d.HandleTurn(context.Background(), testConversation(), testLead(), "no, el correo esta mal")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if res.Reply != stepPrompts[models.StepCorrectData] {
		t.Errorf("reply = %q", res.Reply)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state.Step != models.StepCorrectData {
		t.Errorf("step = %s, want correct_data", state.Step)
	}
}

func TestConfirmAmbiguousRestatesSummary(t *testing.T) {
	ex := &scriptedExtractor{extractions: []extractor.Extraction{{}}}
	d, s, _ := newTestDriver(t, ex)

	seed := models.NewFunnelState(testPhone)
	seed.Step = models.StepConfirmData
	seed.Slots = allSlots()
	if err := s.SaveFunnelState(seed); err != nil {
		t.Fatal(err)
	}

	res, err := d.HandleTurn(context.Background(), testConversation(), testLead(), "y cuanto demora el envio?")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Reply, "Confirmemos tus datos") {
		t.Errorf("ambiguous answer should restate the summary, got %q", res.Reply)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state.Step != models.StepConfirmData {
		t.Errorf("step = %s, want confirm_data", state.Step)
	}
}

func TestCorrectionOverwritesAndReturnsToConfirm(t *testing.T) {
	ex := &scriptedExtractor{extractions: []extractor.Extraction{
		{Slots: map[models.Slot]string{models.SlotEmail: "nuevo@acme.ec"}},
	}}
	d, s, _ := newTestDriver(t, ex)

	seed := models.NewFunnelState(testPhone)
	seed.Step = models.StepCorrectData
	seed.Slots = allSlots()
	if err := s.SaveFunnelState(seed); err != nil {
		t.Fatal(err)
	}

	res, err := d.HandleTurn(context.Background(), testConversation(), testLead(), "mi correo es nuevo@acme.ec")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state.Step != models.StepConfirmData {
		t.Errorf("step = %s, want confirm_data", state.Step)
	}
	if state.Slots[models.SlotEmail] != "nuevo@acme.ec" {
		t.Errorf("email = %q, correction must overwrite", state.Slots[models.SlotEmail])
	}
	if !strings.Contains(res.Reply, "nuevo@acme.ec") {
		t.Errorf("updated summary missing corrected value: %q", res.Reply)
	}
}

func TestNeedsHumanTransfers(t *testing.T) {
	ex := &scriptedExtractor{extractions: []extractor.Extraction{
		{Reply: "Claro, te comunico.", NeedsHuman: true, Classification: models.ClassificationTibio},
	}}
	d, s, notifier := newTestDriver(t, ex)
	lead := testLead()

	res, err := d.HandleTurn(context.Background(), testConversation(), lead, "quiero hablar con una persona")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if !res.Transferred || res.Reply != TransferMessage {
		t.Fatalf("result = %+v", res)
	}
	if lead.Stage != models.StagePedido || lead.Classification != models.ClassificationCaliente {
		t.Errorf("lead = %s/%s, want pedido/caliente", lead.Stage, lead.Classification)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state.Step != models.StepGreeting {
		t.Errorf("step = %s, want greeting (fresh cycle)", state.Step)
	}
	if len(notifier.summaries) != 1 {
		t.Errorf("expected one handoff notification, got %d", len(notifier.summaries))
	}
}

func TestTransferStartsFreshCycle(t *testing.T) {
	ex := &scriptedExtractor{extractions: []extractor.Extraction{
		{Reply: "Te paso con Ana Maria.", NeedsHuman: true},
		{Reply: "Claro! Que productos buscas esta vez?"},
	}}
	d, s, _ := newTestDriver(t, ex)

	conv := testConversation()
	lead := testLead()
	if _, err := d.HandleTurn(context.Background(), conv, lead, "necesito un humano"); err != nil {
		t.Fatalf("transfer turn failed: %v", err)
	}

	// The next message opens a new qualification cycle, it is not swallowed.
	res, err := d.HandleTurn(context.Background(), conv, lead, "hola, quiero otro pedido")
	if err != nil {
		t.Fatalf("follow-up turn failed: %v", err)
	}
	if ex.calls != 2 {
		t.Fatalf("extractor calls = %d, want 2", ex.calls)
	}
	if res.Reply != "Claro! Que productos buscas esta vez?" {
		t.Errorf("reply = %q", res.Reply)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state.Step != models.StepIdentifyNeed {
		t.Errorf("step = %s, want identify_need", state.Step)
	}
}

func TestLostLeadReactivates(t *testing.T) {
	ex := &scriptedExtractor{extractions: []extractor.Extraction{{Reply: "Hola de nuevo!"}}}
	d, s, _ := newTestDriver(t, ex)

	seed := models.NewFunnelState(testPhone)
	seed.Step = models.StepConfirmData
	seed.Slots = allSlots()
	if err := s.SaveFunnelState(seed); err != nil {
		t.Fatal(err)
	}
	lead := testLead()
	lead.Stage = models.StagePerdido

	res, err := d.HandleTurn(context.Background(), testConversation(), lead, "hola, sigo interesado")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if res.Reply == "" {
		t.Fatal("reactivated lead got no reply")
	}
	if lead.Stage == models.StagePerdido {
		t.Errorf("stage still perdido after customer reply")
	}
	state, _ := s.GetFunnelState(testPhone)
	if len(state.Slots) != 0 {
		t.Errorf("reactivation must start a fresh cycle, slots = %v", state.Slots)
	}
}

func TestCatalogPushedOncePerCategory(t *testing.T) {
	ex := &scriptedExtractor{extractions: []extractor.Extraction{
		{Reply: "Tenemos gorras!", CatalogSearch: "gorras"},
		{Reply: "Como te comentaba.", CatalogSearch: "gorras"},
	}}
	d, s, _ := newTestDriver(t, ex)
	s.SaveProduct(models.Product{ID: "p1", Code: "GOR01", Name: "Gorra bordada", Price: 7, Category: "gorras"})

	conv := testConversation()
	lead := testLead()
	res, err := d.HandleTurn(context.Background(), conv, lead, "tienen gorras?")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if !strings.Contains(res.Reply, "GOR01") {
		t.Errorf("first reply missing catalog block: %q", res.Reply)
	}

	res, err = d.HandleTurn(context.Background(), conv, lead, "que mas de gorras?")
	if err != nil {
		t.Fatalf("second HandleTurn failed: %v", err)
	}
	if strings.Contains(res.Reply, "GOR01") {
		t.Errorf("same catalog pushed twice: %q", res.Reply)
	}
}

func TestDirectQuoteRequestClassifiesCaliente(t *testing.T) {
	// A direct quote request with three slots already on the table is
	// caliente no matter what the model's hint says.
	ex := &scriptedExtractor{extractions: []extractor.Extraction{{
		Slots: map[models.Slot]string{
			models.SlotName:     "Maria",
			models.SlotProduct:  "gorras",
			models.SlotQuantity: "200",
		},
		Intent:         models.RequestTypeDirectQuote,
		Classification: models.ClassificationFrio,
	}}}
	d, s, _ := newTestDriver(t, ex)
	lead := testLead()

	if _, err := d.HandleTurn(context.Background(), testConversation(), lead, "cotizame 200 gorras, soy Maria"); err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if lead.Classification != models.ClassificationCaliente {
		t.Errorf("classification = %s, want caliente", lead.Classification)
	}
	state, _ := s.GetFunnelState(testPhone)
	if state.RequestType != models.RequestTypeDirectQuote {
		t.Errorf("request type = %q, want %q", state.RequestType, models.RequestTypeDirectQuote)
	}
}

func TestSlotBeyondNameClassifiesTibio(t *testing.T) {
	ex := &scriptedExtractor{extractions: []extractor.Extraction{{
		Slots:          map[models.Slot]string{models.SlotCompany: "Acme"},
		Classification: models.ClassificationFrio,
	}}}
	d, _, _ := newTestDriver(t, ex)
	lead := testLead()

	if _, err := d.HandleTurn(context.Background(), testConversation(), lead, "escribo de Acme"); err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if lead.Classification != models.ClassificationTibio {
		t.Errorf("classification = %s, want tibio", lead.Classification)
	}
}

func TestStageDerivation(t *testing.T) {
	state := models.NewFunnelState(testPhone)
	if got := deriveStage(state, models.ClassificationFrio); got != models.StageLead {
		t.Errorf("empty state stage = %s", got)
	}
	state.Slots[models.SlotProduct] = "gorras"
	if got := deriveStage(state, models.ClassificationFrio); got != models.StageClientePotencial {
		t.Errorf("interest stage = %s", got)
	}
	state.Data[models.DataKeyQuoteID] = "q1"
	if got := deriveStage(state, models.ClassificationFrio); got != models.StageCotizacion {
		t.Errorf("quoted stage = %s", got)
	}
}

func TestYesNoDetection(t *testing.T) {
	yes := []string{"si", "Sí", "SI, todo correcto", "dale", "confirmo", "esta bien"}
	for _, s := range yes {
		if !isAffirmative(s) {
			t.Errorf("isAffirmative(%q) = false", s)
		}
	}
	no := []string{"no", "No, el correo esta mal", "quiero corregir la cantidad", "me equivoque"}
	for _, s := range no {
		if !isNegative(s) {
			t.Errorf("isNegative(%q) = false", s)
		}
	}
}

var _ handoff.Notifier = (*recordingNotifier)(nil)
