package phasesync

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTranslateResolvesAliases(t *testing.T) {
	tr := NewTranslator("ES")
	rec := ExternalRecord{Id: "rec1", Fields: map[string]any{
		"ID Propiedad":         "MAD-001",
		"Estado":               "Limpieza",
		"Dirección":            "Calle Mayor 1",
		"ciudad":               "Madrid",
		"Superficie":           "85,5 m2",
		"Importe presupuesto":  "1.250,75 €",
		"Teléfono reformista":  "612 345 678",
		"Fecha visita":         "2024-03-05",
		"Fin reforma":          "06/04/2024",
		"Presupuesto":          []any{map[string]any{"url": "gs://budgets/mad-001.pdf", "filename": "b.pdf"}},
		"Proyecto":             []any{"PRJ-9"},
		"Listo para alquilar":  true,
		"Ready for Inspection": "yes",
	}}

	f, err := tr.Translate(rec)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if f.ExternalId != "MAD-001" || f.SourceRecordId != "rec1" {
		t.Fatalf("unexpected keys %q/%q", f.ExternalId, f.SourceRecordId)
	}
	if f.Status == nil || *f.Status != "Limpieza" {
		t.Fatalf("unexpected status %v", f.Status)
	}
	if f.City == nil || *f.City != "Madrid" {
		t.Fatalf("normalized field name lookup failed: %v", f.City)
	}
	if f.Area == nil || !f.Area.Equal(decimal.RequireFromString("85.5")) {
		t.Fatalf("unexpected area %v", f.Area)
	}
	if f.BudgetAmount == nil || !f.BudgetAmount.Equal(decimal.RequireFromString("1250.75")) {
		t.Fatalf("unexpected budget amount %v", f.BudgetAmount)
	}
	if f.ContractorPhone == nil || *f.ContractorPhone != "+34612345678" {
		t.Fatalf("unexpected phone %v", f.ContractorPhone)
	}
	if f.VisitDate == nil || !f.VisitDate.Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected visit date %v", f.VisitDate)
	}
	if f.RenovationEndDate == nil || !f.RenovationEndDate.Equal(time.Date(2024, 4, 6, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected renovation end %v", f.RenovationEndDate)
	}
	if f.BudgetDocumentRef == nil || *f.BudgetDocumentRef != "gs://budgets/mad-001.pdf" {
		t.Fatalf("unexpected document ref %v", f.BudgetDocumentRef)
	}
	if f.ProjectExternalId == nil || *f.ProjectExternalId != "PRJ-9" {
		t.Fatalf("unexpected project %v", f.ProjectExternalId)
	}
	if f.IsReadyToRent == nil || !*f.IsReadyToRent || f.IsReadyForInspection == nil || !*f.IsReadyForInspection {
		t.Fatalf("unexpected flags %v/%v", f.IsReadyToRent, f.IsReadyForInspection)
	}
	if f.Address == nil || *f.Address != "Calle Mayor 1" {
		t.Fatalf("unexpected address %v", f.Address)
	}
	if f.Contractor != nil || f.KeyDeliveryDate != nil {
		t.Fatalf("absent fields must stay nil")
	}
}

func TestTranslateWithoutKeyIsSkipped(t *testing.T) {
	tr := NewTranslator("")
	for _, fields := range []map[string]any{
		{"Status": "Cleaning"},
		{"Property ID": "   "},
		{"Property ID": []any{}},
	} {
		_, err := tr.Translate(ExternalRecord{Id: "rec", Fields: fields})
		if !errors.Is(err, ErrRecordSkipped) {
			t.Fatalf("expected ErrRecordSkipped for %v, got %v", fields, err)
		}
	}
}

func TestTranslateMalformedValuesKeepKey(t *testing.T) {
	tr := NewTranslator("ES")
	f, err := tr.Translate(ExternalRecord{Id: "rec", Fields: map[string]any{
		"Property ID": "BCN-7",
		"Visit Date":  "next tuesday",
	}})
	if err == nil {
		t.Fatalf("expected a coercion error")
	}
	if f.ExternalId != "BCN-7" {
		t.Fatalf("external id must survive a coercion error, got %q", f.ExternalId)
	}

	_, err = tr.Translate(ExternalRecord{Id: "rec", Fields: map[string]any{
		"Property ID": "BCN-8",
		"Area":        "big",
	}})
	if err == nil {
		t.Fatalf("expected a number error")
	}
}

func TestTranslateNumericKeyAndInvalidPhone(t *testing.T) {
	tr := NewTranslator("ES")
	f, err := tr.Translate(ExternalRecord{Id: "rec", Fields: map[string]any{
		"UID":              float64(4412),
		"Contractor Phone": "n/a",
		"Area (m2)":        float64(70),
	}})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if f.ExternalId != "4412" {
		t.Fatalf("unexpected key %q", f.ExternalId)
	}
	if f.ContractorPhone == nil || *f.ContractorPhone != "n/a" {
		t.Fatalf("unparseable phone must be kept as given, got %v", f.ContractorPhone)
	}
	if f.Area == nil || !f.Area.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("unexpected area %v", f.Area)
	}
}
