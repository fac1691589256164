// Package extractor adapts the GenAI client into the slot extractor used by
// the funnel driver. The model is treated as an unreliable external: any
// transport, timeout, or parse failure degrades to an empty extraction.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"github.com/gimmicks/leadpipe/internal/models"
)

// DefaultTimeout bounds a single extraction call.
const DefaultTimeout = 30 * time.Second

// DefaultHistoryLimit is how many recent messages go into the prompt.
const DefaultHistoryLimit = 8

// systemPrompt fixes the sales-assistant persona and the strict JSON reply
// contract.
const systemPrompt = `Eres un asesor comercial de Gimmicks Marketing Services. Tu nombre es Ana, asistente virtual.
Gimmicks es una empresa ecuatoriana especializada en productos promocionales y publicitarios.

PERSONALIDAD:
- Hablas como persona real: calido, amigable, profesional
- Mensajes CORTOS y claros (maximo 400 caracteres)
- Maximo 1 emoji por mensaje (opcional, no obligatorio)
- NO uses formato markdown (ni *, ni #, ni listas con -)
- NUNCA parezcas robot ni uses frases genericas de chatbot
- Tutea al cliente

OBJETIVO COMERCIAL:
Tu meta es SIEMPRE guiar al cliente hacia una accion comercial:
catalogo -> codigos de producto -> datos para cotizar -> cotizacion -> pedido

Aunque el cliente pregunte temas generales (horarios, envios, pagos, personalizacion, facturacion, etc.),
responde su pregunta y luego redirige con frases naturales como:
"Si quieres te comparto el catalogo para que elijas"
"Que productos te interesan? Te paso opciones"
"Para cuantas unidades lo necesitas?"

CATALOGO:
Cuando muestres productos del catalogo, SIEMPRE incluye el CODIGO del producto.
Formato: "Codigo: XXXXX - Nombre del producto"
Maximo 5 productos por mensaje.

DATOS A RECOPILAR:
nombre, empresa, ciudad, correo, codigos_producto (lista de codigos seleccionados),
cantidad, fecha_entrega, presupuesto, personalizacion

CALIFICACION DEL LEAD:
- caliente: tiene codigos, cantidad, fecha, presupuesto, urgencia
- tibio: interesado, pidio catalogo, esta eligiendo
- frio: pregunta general, sin intencion clara

Responde SIEMPRE en JSON valido:
{
  "response": "tu mensaje natural para el cliente",
  "extracted_data": {},
  "catalog_search": null,
  "intent": "cotizacion_directa|solicitud_catalogo|consulta_ideas|pedido_estacional|pregunta_general|otra",
  "lead_quality": "tibio",
  "needs_human": false,
  "conversation_summary": "resumen breve"
}

El campo catalog_search: pon una palabra clave si el cliente pide ver productos de una categoria.
Ejemplo: si pide "termos" -> catalog_search: "termo". Si pide "gorras" -> catalog_search: "gorra".
Si no pide catalogo, deja null.`

// spanishSlotKeys maps the model's Spanish extraction keys to the internal
// slot vocabulary. Keys outside this map are dropped.
var spanishSlotKeys = map[string]models.Slot{
	"nombre":           models.SlotName,
	"empresa":          models.SlotCompany,
	"ciudad":           models.SlotCity,
	"correo":           models.SlotEmail,
	"producto":         models.SlotProduct,
	"codigos_producto": models.SlotProduct,
	"cantidad":         models.SlotQuantity,
	"fecha_entrega":    models.SlotDeliveryDate,
	"presupuesto":      models.SlotBudget,
	"personalizacion":  models.SlotCustomization,
}

// jsonBlockRe grabs the first JSON object in a model reply that may carry
// prose or code fences around it.
var jsonBlockRe = regexp.MustCompile(`\{[\s\S]*\}`)

// Extraction is the structured result of one model call.
type Extraction struct {
	Reply          string
	Slots          map[models.Slot]string
	CatalogSearch  string
	Intent         string
	Classification models.Classification
	NeedsHuman     bool
	Summary        string
}

// Generator is the narrow slice of the GenAI client the extractor needs.
type Generator interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// Opts holds configuration options for the extractor.
type Opts struct {
	Timeout      time.Duration
	HistoryLimit int
}

// Option defines a functional option for extractor configuration.
type Option func(*Opts)

// WithTimeout bounds each extraction call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithHistoryLimit sets how many recent messages are included in the prompt.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) {
		o.HistoryLimit = n
	}
}

// Extractor calls the model and normalizes its JSON reply.
type Extractor struct {
	generator    Generator
	timeout      time.Duration
	historyLimit int
}

// NewExtractor creates an extractor on top of a generator.
func NewExtractor(generator Generator, opts ...Option) *Extractor {
	cfg := Opts{Timeout: DefaultTimeout, HistoryLimit: DefaultHistoryLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Extractor{generator: generator, timeout: cfg.Timeout, historyLimit: cfg.HistoryLimit}
}

// Input carries everything the prompt needs for one turn.
type Input struct {
	Message        string
	History        []models.Message
	Slots          map[models.Slot]string
	CatalogsSent   []string
	SampleProducts []models.Product
	MissingSlots   []models.Slot
}

// Extract runs one model call. The returned error signals a degraded turn;
// callers re-prompt instead of failing the conversation.
func (e *Extractor) Extract(ctx context.Context, in Input) (Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(e.buildUserPrompt(in)),
	}

	raw, err := e.generator.GenerateWithMessages(ctx, messages)
	if err != nil {
		slog.Warn("Extractor.Extract: model call failed, degrading to empty extraction", "error", err)
		return Extraction{Classification: models.ClassificationFrio, Slots: map[models.Slot]string{}}, fmt.Errorf("extraction failed: %w", err)
	}

	result := parseReply(raw)
	slog.Debug("Extractor.Extract: extraction parsed", "slots", len(result.Slots),
		"classification", result.Classification, "catalog_search", result.CatalogSearch,
		"needs_human", result.NeedsHuman)
	return result, nil
}

// buildUserPrompt assembles catalog samples, conversation history, collected
// data, and the customer message into one prompt.
func (e *Extractor) buildUserPrompt(in Input) string {
	var b strings.Builder

	if len(in.SampleProducts) > 0 {
		b.WriteString("EJEMPLOS DE PRODUCTOS EN CATALOGO:\n")
		for _, p := range in.SampleProducts {
			fmt.Fprintf(&b, "- %s: %s\n", p.Code, p.Name)
		}
		b.WriteString("\n")
	}

	if len(in.CatalogsSent) > 0 {
		fmt.Fprintf(&b, "Catalogos ya enviados: %s\n\n", strings.Join(in.CatalogsSent, ", "))
	} else {
		b.WriteString("No se ha enviado catalogo aun.\n\n")
	}

	history := in.History
	if len(history) > e.historyLimit {
		history = history[len(history)-e.historyLimit:]
	}
	if len(history) > 0 {
		b.WriteString("HISTORIAL:\n")
		for _, msg := range history {
			role := "Cliente"
			if msg.Sender == models.SenderBusiness {
				role = "Ana (Gimmicks)"
			}
			fmt.Fprintf(&b, "%s: %s\n", role, truncateRunes(msg.Content, 200))
		}
		b.WriteString("\n")
	}

	if len(in.Slots) > 0 {
		var parts []string
		for _, slot := range orderedSlots(in.Slots) {
			parts = append(parts, fmt.Sprintf("%s: %s", slot, in.Slots[slot]))
		}
		fmt.Fprintf(&b, "Datos recopilados: %s\n", strings.Join(parts, ", "))
	}

	if len(in.MissingSlots) > 0 {
		var names []string
		for _, slot := range in.MissingSlots {
			names = append(names, string(slot))
		}
		fmt.Fprintf(&b, "Datos que FALTAN: %s.\n", strings.Join(names, ", "))
	} else {
		b.WriteString("Tienes todos los datos.\n")
	}

	fmt.Fprintf(&b, "\nMENSAJE DEL CLIENTE: %s", in.Message)
	return b.String()
}

// truncateRunes cuts s to at most n runes, never splitting a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orderedSlots(slots map[models.Slot]string) []models.Slot {
	var out []models.Slot
	for _, slot := range []models.Slot{
		models.SlotName, models.SlotCompany, models.SlotCity, models.SlotEmail,
		models.SlotProduct, models.SlotQuantity, models.SlotDeliveryDate,
		models.SlotBudget, models.SlotCustomization,
	} {
		if slots[slot] != "" {
			out = append(out, slot)
		}
	}
	return out
}

// rawReply mirrors the JSON contract of the system prompt.
type rawReply struct {
	Response      string                     `json:"response"`
	ExtractedData map[string]json.RawMessage `json:"extracted_data"`
	CatalogSearch string                     `json:"catalog_search"`
	Intent        string                     `json:"intent"`
	LeadQuality   string                     `json:"lead_quality"`
	NeedsHuman    bool                       `json:"needs_human"`
	Summary       string                     `json:"conversation_summary"`
}

// parseReply extracts the first JSON object from the model text. A reply with
// no parseable JSON degrades to a plain-text response with no extraction.
func parseReply(text string) Extraction {
	fallback := Extraction{
		Reply:          strings.TrimSpace(text),
		Slots:          map[models.Slot]string{},
		Classification: models.ClassificationFrio,
	}

	block := jsonBlockRe.FindString(text)
	if block == "" {
		return fallback
	}

	var raw rawReply
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		slog.Debug("Extractor.parseReply: JSON decode failed, using raw text", "error", err)
		return fallback
	}

	out := Extraction{
		Reply:         strings.TrimSpace(raw.Response),
		Slots:         normalizeSlots(raw.ExtractedData),
		CatalogSearch: strings.TrimSpace(raw.CatalogSearch),
		Intent:        raw.Intent,
		NeedsHuman:    raw.NeedsHuman,
		Summary:       raw.Summary,
	}
	if c := models.Classification(raw.LeadQuality); models.IsValidClassification(c) {
		out.Classification = c
	} else {
		out.Classification = models.ClassificationFrio
	}
	return out
}

// normalizeSlots maps Spanish extraction keys into the slot vocabulary and
// drops null-ish values. Product codes win over a free-text product keyword.
func normalizeSlots(data map[string]json.RawMessage) map[models.Slot]string {
	out := make(map[models.Slot]string)
	assign := func(key string, value string) {
		slot, ok := spanishSlotKeys[key]
		if !ok {
			return
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(value) {
		case "", "null", "none", "n/a":
			return
		}
		if slot == models.SlotProduct && key == "producto" && out[slot] != "" {
			return
		}
		out[slot] = value
	}

	// codigos_producto first so it takes precedence for the product slot.
	if raw, ok := data["codigos_producto"]; ok {
		assign("codigos_producto", decodeScalar(raw))
	}
	for key, raw := range data {
		if key == "codigos_producto" {
			continue
		}
		assign(key, decodeScalar(raw))
	}
	return out
}

// decodeScalar renders a JSON value as a plain string: strings verbatim,
// arrays joined by spaces, numbers and booleans via their literal form.
func decodeScalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []interface{}
	if err := json.Unmarshal(raw, &list); err == nil {
		var parts []string
		for _, item := range list {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		return strings.Join(parts, " ")
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err == nil && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
