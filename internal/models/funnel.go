package models

import "time"

// Slot is a key in the fixed qualification vocabulary. Extraction output is
// filtered against this set; unknown keys are dropped.
type Slot string

const (
	SlotName          Slot = "name"
	SlotCompany       Slot = "company"
	SlotCity          Slot = "city"
	SlotEmail         Slot = "email"
	SlotProduct       Slot = "product"
	SlotQuantity      Slot = "quantity"
	SlotDeliveryDate  Slot = "delivery_date"
	SlotBudget        Slot = "budget"
	SlotCustomization Slot = "customization"
)

// SlotVocabulary is the closed set of qualification slots.
var SlotVocabulary = map[Slot]bool{
	SlotName:          true,
	SlotCompany:       true,
	SlotCity:          true,
	SlotEmail:         true,
	SlotProduct:       true,
	SlotQuantity:      true,
	SlotDeliveryDate:  true,
	SlotBudget:        true,
	SlotCustomization: true,
}

// RequiredQuoteSlots must all be present before a quote can be assembled.
var RequiredQuoteSlots = []Slot{SlotName, SlotCompany, SlotEmail, SlotProduct, SlotQuantity}

// IsValidSlot checks membership in the qualification vocabulary.
func IsValidSlot(s Slot) bool {
	return SlotVocabulary[s]
}

// FunnelStep identifies a position in the qualification state machine.
type FunnelStep string

const (
	StepGreeting      FunnelStep = "greeting"
	StepIdentifyNeed  FunnelStep = "identify_need"
	StepCollectName   FunnelStep = "collect_name"
	StepCollectCompany FunnelStep = "collect_company"
	StepCollectCity   FunnelStep = "collect_city"
	StepCollectEmail  FunnelStep = "collect_email"
	StepCollectProduct FunnelStep = "collect_product"
	StepCollectQuantity FunnelStep = "collect_quantity"
	StepCollectDate   FunnelStep = "collect_date"
	StepCollectBudget FunnelStep = "collect_budget"
	StepCollectCustom FunnelStep = "collect_customization"
	StepConfirmData   FunnelStep = "confirm_data"
	StepCorrectData   FunnelStep = "correct_data"
	StepQuote         FunnelStep = "quote"
	StepTransfer      FunnelStep = "transfer"
)

// FunnelOrder is the main-line step sequence. correct_data is a side branch
// reachable only from confirm_data and returning to confirm_data.
var FunnelOrder = []FunnelStep{
	StepGreeting,
	StepIdentifyNeed,
	StepCollectName,
	StepCollectCompany,
	StepCollectCity,
	StepCollectEmail,
	StepCollectProduct,
	StepCollectQuantity,
	StepCollectDate,
	StepCollectBudget,
	StepCollectCustom,
	StepConfirmData,
	StepQuote,
	StepTransfer,
}

// StepSlots maps each collection step to the slot it gathers. Steps absent
// from the map (greeting, confirm_data, correct_data, quote, transfer) do not
// own a slot.
var StepSlots = map[FunnelStep]Slot{
	StepIdentifyNeed:    SlotProduct,
	StepCollectName:     SlotName,
	StepCollectCompany:  SlotCompany,
	StepCollectCity:     SlotCity,
	StepCollectEmail:    SlotEmail,
	StepCollectProduct:  SlotProduct,
	StepCollectQuantity: SlotQuantity,
	StepCollectDate:     SlotDeliveryDate,
	StepCollectBudget:   SlotBudget,
	StepCollectCustom:   SlotCustomization,
}

// IsValidFunnelStep checks if the given step belongs to the state machine.
func IsValidFunnelStep(s FunnelStep) bool {
	if s == StepCorrectData {
		return true
	}
	for _, step := range FunnelOrder {
		if step == s {
			return true
		}
	}
	return false
}

// NextStep returns the step that follows s on the main line, skipping
// collection steps whose slot is already present in slots. Once every
// required quote slot is filled the remaining optional questions are skipped
// and the step jumps straight to confirm_data. It returns transfer for
// transfer itself and for unknown steps.
func NextStep(s FunnelStep, slots map[Slot]string) FunnelStep {
	idx := -1
	confirmIdx := -1
	for i, step := range FunnelOrder {
		if step == s {
			idx = i
		}
		if step == StepConfirmData {
			confirmIdx = i
		}
	}
	if idx < 0 || idx == len(FunnelOrder)-1 {
		return StepTransfer
	}
	if idx < confirmIdx && hasRequiredQuoteSlots(slots) {
		return StepConfirmData
	}
	for _, candidate := range FunnelOrder[idx+1:] {
		slot, owns := StepSlots[candidate]
		if !owns {
			return candidate
		}
		if slots[slot] == "" {
			return candidate
		}
	}
	return StepTransfer
}

func hasRequiredQuoteSlots(slots map[Slot]string) bool {
	for _, slot := range RequiredQuoteSlots {
		if slots[slot] == "" {
			return false
		}
	}
	return true
}

// Request types the extractor recognizes for the customer's intent. The
// value is free-form model output; these constants cover the prompted enum.
const (
	RequestTypeDirectQuote   = "cotizacion_directa"
	RequestTypeCatalog       = "solicitud_catalogo"
	RequestTypeIdeas         = "consulta_ideas"
	RequestTypeSeasonalOrder = "pedido_estacional"
	RequestTypeGeneral       = "pregunta_general"
	RequestTypeOther         = "otra"
)

// Keys used in FunnelState.Data beyond the slot vocabulary.
const (
	// DataKeyCatalogSent tracks catalog categories already pushed this cycle
	// (comma-separated).
	DataKeyCatalogSent = "catalog_sent"
	// DataKeyLastRuleStage records the lead stage seen at the previous rule
	// evaluation, for funnel_change triggers.
	DataKeyLastRuleStage = "last_rule_stage"
	// DataKeyQuoteID records the quote created in this cycle.
	DataKeyQuoteID = "quote_id"
)

// FunnelState is the durable per-phone qualification state. Slots holds
// collected qualification answers; Data holds engine bookkeeping. Version
// implements optimistic concurrency: saves carry the version that was read
// and fail with ErrVersionConflict if the stored version moved on.
type FunnelState struct {
	PhoneNumber string          `json:"phone_number"`
	Step        FunnelStep      `json:"step"`
	Slots       map[Slot]string `json:"slots"`
	Data        map[string]string `json:"data"`
	RequestType string          `json:"request_type,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewFunnelState returns a fresh state positioned at greeting.
func NewFunnelState(phoneNumber string) *FunnelState {
	return &FunnelState{
		PhoneNumber: phoneNumber,
		Step:        StepGreeting,
		Slots:       make(map[Slot]string),
		Data:        make(map[string]string),
	}
}

// MergeSlots fills empty slots from extracted, dropping keys outside the
// vocabulary. Existing values are never overwritten. It returns the slots
// that were actually filled.
func (fs *FunnelState) MergeSlots(extracted map[Slot]string) []Slot {
	if fs.Slots == nil {
		fs.Slots = make(map[Slot]string)
	}
	var filled []Slot
	for slot, value := range extracted {
		if !IsValidSlot(slot) || value == "" {
			continue
		}
		if fs.Slots[slot] != "" {
			continue
		}
		fs.Slots[slot] = value
		filled = append(filled, slot)
	}
	return filled
}

// OverwriteSlots replaces slot values from extracted regardless of prior
// content. Used only on the correct_data branch.
func (fs *FunnelState) OverwriteSlots(extracted map[Slot]string) []Slot {
	if fs.Slots == nil {
		fs.Slots = make(map[Slot]string)
	}
	var changed []Slot
	for slot, value := range extracted {
		if !IsValidSlot(slot) || value == "" {
			continue
		}
		fs.Slots[slot] = value
		changed = append(changed, slot)
	}
	return changed
}

// MissingQuoteSlots lists the required quote slots not yet collected.
func (fs *FunnelState) MissingQuoteSlots() []Slot {
	var missing []Slot
	for _, slot := range RequiredQuoteSlots {
		if fs.Slots[slot] == "" {
			missing = append(missing, slot)
		}
	}
	return missing
}
