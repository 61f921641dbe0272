package phasesync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/renovation_backend/utils"
	"github.com/shopspring/decimal"
)

// Field aliases seen across the source tables, in lookup order.
var (
	correlationKeyAliases = []string{"Property ID", "property_id", "ID Propiedad", "Unique ID", "UID"}

	statusAliases          = []string{"Status", "Estado"}
	addressAliases         = []string{"Address", "Dirección"}
	cityAliases            = []string{"City", "Ciudad"}
	postalCodeAliases      = []string{"Postal Code", "Código Postal", "CP"}
	renovationTypeAliases  = []string{"Renovation Type", "Tipo de reforma"}
	areaAliases            = []string{"Area (m2)", "Area", "Superficie"}
	contractorAliases      = []string{"Contractor", "Reformista"}
	contractorPhoneAliases = []string{"Contractor Phone", "Teléfono reformista"}
	budgetDocumentAliases  = []string{"Budget Document", "Presupuesto"}
	budgetAmountAliases    = []string{"Budget Amount", "Importe presupuesto"}
	visitDateAliases       = []string{"Visit Date", "Fecha visita"}
	renovationStartAliases = []string{"Renovation Start", "Inicio reforma"}
	renovationEndAliases   = []string{"Renovation End", "Fin reforma"}
	keyDeliveryAliases     = []string{"Key Delivery Date", "Entrega de llaves"}
	projectAliases         = []string{"Project ID", "Proyecto"}
	readyInspectionAliases = []string{"Ready for Inspection", "Listo para inspección"}
	readyToRentAliases     = []string{"Ready to Rent", "Listo para alquilar"}
)

var dateLayouts = []string{"2006-01-02", time.RFC3339, "02/01/2006"}

// PropertyFields is the translated, phase-independent part of a property.
// A nil field was absent at the source and must not overwrite stored data.
type PropertyFields struct {
	ExternalId           string
	SourceRecordId       string
	Status               *string
	Address              *string
	City                 *string
	PostalCode           *string
	RenovationType       *string
	Area                 *decimal.Decimal
	Contractor           *string
	ContractorPhone      *string
	BudgetDocumentRef    *string
	BudgetAmount         *decimal.Decimal
	VisitDate            *time.Time
	RenovationStartDate  *time.Time
	RenovationEndDate    *time.Time
	KeyDeliveryDate      *time.Time
	ProjectExternalId    *string
	IsReadyForInspection *bool
	IsReadyToRent        *bool
}

// Translator converts source records into PropertyFields.
type Translator struct {
	phoneRegion string
}

func NewTranslator(phoneRegion string) *Translator {
	region := strings.ToUpper(strings.TrimSpace(phoneRegion))
	if region == "" {
		region = "ES"
	}
	return &Translator{phoneRegion: region}
}

// Translate returns ErrRecordSkipped when the record has no correlation key
// and a coercion error when a date or number cannot be parsed.
func (t *Translator) Translate(rec ExternalRecord) (PropertyFields, error) {
	fields := newFieldBag(rec.Fields)

	externalId, ok := fields.str(correlationKeyAliases)
	if !ok {
		return PropertyFields{}, ErrRecordSkipped
	}

	out := PropertyFields{
		ExternalId:        externalId,
		SourceRecordId:    rec.Id,
		Status:            fields.strPtr(statusAliases),
		Address:           fields.strPtr(addressAliases),
		City:              fields.strPtr(cityAliases),
		PostalCode:        fields.strPtr(postalCodeAliases),
		RenovationType:    fields.strPtr(renovationTypeAliases),
		Contractor:        fields.strPtr(contractorAliases),
		BudgetDocumentRef: fields.strPtr(budgetDocumentAliases),
		ProjectExternalId: fields.strPtr(projectAliases),
	}

	if phone, ok := fields.str(contractorPhoneAliases); ok {
		normalized, _ := utils.NormalizePhoneNumber(phone, t.phoneRegion)
		out.ContractorPhone = &normalized
	}

	var err error
	if out.Area, err = fields.decimalPtr(areaAliases); err != nil {
		return out, err
	}
	if out.BudgetAmount, err = fields.decimalPtr(budgetAmountAliases); err != nil {
		return out, err
	}
	if out.VisitDate, err = fields.datePtr(visitDateAliases); err != nil {
		return out, err
	}
	if out.RenovationStartDate, err = fields.datePtr(renovationStartAliases); err != nil {
		return out, err
	}
	if out.RenovationEndDate, err = fields.datePtr(renovationEndAliases); err != nil {
		return out, err
	}
	if out.KeyDeliveryDate, err = fields.datePtr(keyDeliveryAliases); err != nil {
		return out, err
	}
	out.IsReadyForInspection = fields.boolPtr(readyInspectionAliases)
	out.IsReadyToRent = fields.boolPtr(readyToRentAliases)
	return out, nil
}

// fieldBag resolves aliases exactly first, then by normalized field name.
type fieldBag struct {
	raw        map[string]any
	normalized map[string]any
}

func newFieldBag(raw map[string]any) fieldBag {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	normalized := make(map[string]any, len(raw))
	for _, k := range keys {
		nk := NormalizeStatus(k)
		if _, seen := normalized[nk]; !seen {
			normalized[nk] = raw[k]
		}
	}
	return fieldBag{raw: raw, normalized: normalized}
}

func (b fieldBag) lookup(aliases []string) (any, bool) {
	for _, a := range aliases {
		if v, ok := b.raw[a]; ok && v != nil {
			return v, true
		}
	}
	for _, a := range aliases {
		if v, ok := b.normalized[NormalizeStatus(a)]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (b fieldBag) str(aliases []string) (string, bool) {
	v, ok := b.lookup(aliases)
	if !ok {
		return "", false
	}
	return stringValue(v)
}

func (b fieldBag) strPtr(aliases []string) *string {
	s, ok := b.str(aliases)
	if !ok {
		return nil
	}
	return &s
}

func (b fieldBag) decimalPtr(aliases []string) (*decimal.Decimal, error) {
	v, ok := b.lookup(aliases)
	if !ok {
		return nil, nil
	}
	d, ok, err := decimalValue(v)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", aliases[0], err)
	}
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (b fieldBag) datePtr(aliases []string) (*time.Time, error) {
	s, ok := b.str(aliases)
	if !ok {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("field %s: malformed date %q", aliases[0], s)
}

func (b fieldBag) boolPtr(aliases []string) *bool {
	v, ok := b.lookup(aliases)
	if !ok {
		return nil
	}
	switch x := v.(type) {
	case bool:
		return &x
	case float64:
		return boolPtr(x != 0)
	}
	s, ok := stringValue(v)
	if !ok {
		return nil
	}
	switch NormalizeStatus(s) {
	case "true", "yes", "si", "1", "x":
		return utils.NewTrue()
	case "false", "no", "0":
		return utils.NewFalse()
	}
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}

// stringValue flattens the value shapes the source returns. Lookup and
// attachment arrays yield their first element; attachments yield their url.
// Blank values count as absent.
func stringValue(v any) (string, bool) {
	var s string
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s = x
	case json.Number:
		s = x.String()
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case bool:
		s = strconv.FormatBool(x)
	case []any:
		if len(x) == 0 {
			return "", false
		}
		return stringValue(x[0])
	case []string:
		if len(x) == 0 {
			return "", false
		}
		return stringValue(x[0])
	case map[string]any:
		for _, key := range []string{"url", "name", "id"} {
			if inner, ok := x[key]; ok {
				return stringValue(inner)
			}
		}
		return "", false
	default:
		s = fmt.Sprint(x)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

// decimalValue accepts numbers and text such as "85,5", "1.250,75 €" or "1250.75".
func decimalValue(v any) (decimal.Decimal, bool, error) {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x), true, nil
	case int:
		return decimal.NewFromInt(int64(x)), true, nil
	case int64:
		return decimal.NewFromInt(x), true, nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil, err
	}
	s, ok := stringValue(v)
	if !ok {
		return decimal.Decimal{}, false, nil
	}
	s = strings.NewReplacer(" ", "", "€", "", "m2", "", "m²", "").Replace(s)
	if strings.Contains(s, ",") {
		if strings.Contains(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
		}
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("malformed number %q", s)
	}
	return d, true, nil
}
