// Package domain defines the core meter-reading types, the error taxonomy,
// and validation for the meterscan engine. It acts as the validation gate at
// the extraction and query entry points.
package domain

import (
	"fmt"
	"time"
)

// Address locates the premise a meter belongs to.
type Address struct {
	City         string `json:"city"`
	StreetName   string `json:"street_name"`
	StreetNumber string `json:"street_number"`
}

// Full renders the address the way it appears in prompts and payloads.
func (a Address) Full() string {
	return fmt.Sprintf("%s %s, %s", a.StreetNumber, a.StreetName, a.City)
}

// Reading is one extracted and persisted meter reading. Readings are
// append-only: a correction is a new Reading.
type Reading struct {
	ID            string    `json:"id"`
	Address       Address   `json:"address"`
	MeterValue    string    `json:"meter_value"`
	Confidence    float64   `json:"confidence"`
	Notes         string    `json:"notes,omitempty"`
	MeterType     string    `json:"meter_type,omitempty"`
	Units         string    `json:"units,omitempty"`
	EmbeddingText string    `json:"embedding_text"`
	Embedding     []float32 `json:"-"`
	EmbedModel    string    `json:"embed_model,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Match is a reading returned by similarity search.
type Match struct {
	Reading
	Score float32 `json:"score"`
}

// QueryResult is the answer to a free-text question together with the
// evidence it was grounded on, most relevant first.
type QueryResult struct {
	Answer         string  `json:"answer"`
	Evidence       []Match `json:"evidence"`
	RetrievedCount int     `json:"retrieved_count"`
}

// Filter restricts a search to readings whose payload keyword fields match.
// Keys are payload field names (city, street_name, street_number).
type Filter map[string]string

// Payload field names shared by every store implementation.
const (
	FieldReadingID     = "reading_id"
	FieldCity          = "city"
	FieldStreetName    = "street_name"
	FieldStreetNumber  = "street_number"
	FieldFullAddress   = "full_address"
	FieldMeterValue    = "meter_value"
	FieldConfidence    = "confidence"
	FieldNotes         = "notes"
	FieldMeterType     = "meter_type"
	FieldUnits         = "units"
	FieldEmbeddingText = "embedding_text"
	FieldEmbedModel    = "embed_model"
	FieldCreatedAt     = "created_at"
)

// Meter types and units reported by the vision extractor.
const (
	MeterAnalog  = "analog"
	MeterDigital = "digital"

	UnitsCubicMeters = "cubic_meters"
	UnitsGallons     = "gallons"
)

// Warning is a non-fatal condition attached to a successful operation.
type Warning struct {
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail"`
}
