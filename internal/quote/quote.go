// Package quote assembles pending quotes from completed qualification cycles
// and owns the customer-facing catalog and price formatting.
package quote

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gimmicks/leadpipe/internal/models"
)

// CatalogPageSize caps products per catalog message.
const CatalogPageSize = 5

// descriptionLimit truncates product descriptions in catalog messages.
const descriptionLimit = 60

// keywordFallbackLimit caps catalog matches when resolving by keyword.
const keywordFallbackLimit = 3

var quantityRe = regexp.MustCompile(`\d+`)

// FormatPrice renders a price in the Ecuadorian convention ($1.234,56).
// Non-positive prices are shown as pending confirmation.
func FormatPrice(price float64) string {
	if price <= 0 {
		return "Precio por confirmar"
	}
	s := strconv.FormatFloat(price, 'f', 2, 64)
	intPart, frac, _ := strings.Cut(s, ".")

	var grouped strings.Builder
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			grouped.WriteByte('.')
		}
		grouped.WriteRune(digit)
	}
	return "$" + grouped.String() + "," + frac
}

// FormatCatalogMessage renders products as a WhatsApp-friendly catalog:
// numbered entries with code, name, and a truncated description.
func FormatCatalogMessage(products []models.Product, category string) string {
	if len(products) == 0 {
		return "No encontre productos en esa categoria. Dime que buscas y te ayudo."
	}
	if len(products) > CatalogPageSize {
		products = products[:CatalogPageSize]
	}

	title := "PRODUCTOS DISPONIBLES"
	if category != "" {
		title = "CATALOGO " + strings.ToUpper(category)
	}

	var b strings.Builder
	b.WriteString(title + "\n\n")
	for i, p := range products {
		code := p.Code
		if code == "" {
			code = "S/C"
		}
		desc := ""
		if p.Description != "" {
			desc = " - " + truncate(p.Description, descriptionLimit)
		}
		fmt.Fprintf(&b, "%d. Codigo: %s\n", i+1, code)
		fmt.Fprintf(&b, "   %s%s\n\n", p.Name, desc)
	}
	b.WriteString("Revisalo y dime los codigos que te gusten para cotizarlos.")
	return b.String()
}

// Catalog is the slice of the store the assembler reads.
type Catalog interface {
	GetProductByCode(code string) (*models.Product, error)
	SearchProducts(query string) ([]models.Product, error)
}

// Assembler builds pending quotes from funnel state.
type Assembler struct {
	catalog Catalog
}

// NewAssembler creates a quote assembler over a product catalog.
func NewAssembler(catalog Catalog) *Assembler {
	return &Assembler{catalog: catalog}
}

// Assemble validates the collected slots and builds a pending quote. It fails
// with models.ErrMissingSlots when a required slot is absent; a product that
// cannot be matched in the catalog becomes an unresolved line item, never a
// failure.
func (a *Assembler) Assemble(conversationID string, state *models.FunnelState) (*models.Quote, error) {
	if missing := state.MissingQuoteSlots(); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, slot := range missing {
			names[i] = string(slot)
		}
		return nil, fmt.Errorf("%w: %s", models.ErrMissingSlots, strings.Join(names, ", "))
	}

	quantity := parseQuantity(state.Slots[models.SlotQuantity])
	items := a.resolveItems(state.Slots[models.SlotProduct], quantity)

	var total float64
	for _, item := range items {
		if !item.Unresolved && item.UnitPrice > 0 {
			total += item.UnitPrice * float64(item.Quantity)
		}
	}

	q := &models.Quote{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		PhoneNumber:    state.PhoneNumber,
		Status:         models.QuoteStatusPending,
		ClientName:     state.Slots[models.SlotName],
		ClientCompany:  state.Slots[models.SlotCompany],
		ClientEmail:    state.Slots[models.SlotEmail],
		ClientCity:     state.Slots[models.SlotCity],
		Items:          items,
		Quantity:       state.Slots[models.SlotQuantity],
		DeliveryDate:   state.Slots[models.SlotDeliveryDate],
		Customization:  state.Slots[models.SlotCustomization],
		Total:          total,
		CreatedAt:      time.Now(),
	}
	slog.Debug("Assembler.Assemble: quote built", "phone", state.PhoneNumber,
		"items", len(items), "total", q.Total)
	return q, nil
}

// resolveItems matches the product slot against the catalog: code tokens
// first, then a keyword search, and finally an unresolved placeholder so the
// customer's request is never silently dropped.
func (a *Assembler) resolveItems(productSlot string, quantity int) []models.QuoteItem {
	var items []models.QuoteItem

	tokens := strings.FieldsFunc(productSlot, func(r rune) bool {
		return r == ',' || r == ' '
	})
	for _, token := range tokens {
		code := strings.ToUpper(strings.TrimSpace(token))
		if code == "" {
			continue
		}
		p, err := a.catalog.GetProductByCode(code)
		if err != nil {
			slog.Warn("Assembler.resolveItems: catalog lookup failed", "error", err, "code", code)
			continue
		}
		if p == nil {
			continue
		}
		items = append(items, models.QuoteItem{
			ProductID:   p.ID,
			Code:        p.Code,
			ProductName: p.Name,
			Description: truncate(p.Description, 100),
			UnitPrice:   p.Price,
			Quantity:    quantity,
		})
	}
	if len(items) > 0 {
		return items
	}

	matches, err := a.catalog.SearchProducts(productSlot)
	if err != nil {
		slog.Warn("Assembler.resolveItems: catalog search failed", "error", err, "query", productSlot)
	}
	if len(matches) > keywordFallbackLimit {
		matches = matches[:keywordFallbackLimit]
	}
	for _, p := range matches {
		items = append(items, models.QuoteItem{
			ProductID:   p.ID,
			Code:        p.Code,
			ProductName: p.Name,
			Description: truncate(p.Description, 100),
			UnitPrice:   p.Price,
			Quantity:    quantity,
		})
	}
	if len(items) > 0 {
		return items
	}

	return []models.QuoteItem{{
		ProductName: productSlot,
		Quantity:    quantity,
		Unresolved:  true,
	}}
}

// ConfirmationMessage is the single outbound reply sent after quote creation.
func ConfirmationMessage(q *models.Quote) string {
	var names []string
	for i, item := range q.Items {
		if i == 3 {
			break
		}
		names = append(names, item.ProductName)
	}
	productNames := strings.Join(names, ", ")
	if productNames == "" {
		productNames = "productos solicitados"
	}
	email := q.ClientEmail
	if email == "" {
		email = "tu correo"
	}
	return fmt.Sprintf(
		"Listo! Tu solicitud de cotizacion para %s ha sido registrada.\n\n"+
			"Nuestro equipo la revisara y te la enviaremos a %s muy pronto.\n\n"+
			"Cualquier duda adicional me escribes por aqui.",
		productNames, email)
}

func parseQuantity(s string) int {
	match := quantityRe.FindString(s)
	if match == "" {
		return 1
	}
	n, err := strconv.Atoi(match)
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// truncate cuts s to at most n runes, never splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
