// Package graph keeps a Neo4j ledger of premises and the readings taken at
// them. It is fed after each committed reading and queried for premise
// history when answering questions.
package graph

import (
	"strings"
	"time"

	"github.com/WessleyAI/meterscan/engine/domain"
)

// Node labels used by the ledger.
const (
	LabelCity    = "City"
	LabelStreet  = "Street"
	LabelPremise = "Premise"
	LabelReading = "Reading"
)

// Premise is one metered address.
type Premise struct {
	ID           string `json:"id"`
	City         string `json:"city"`
	StreetName   string `json:"street_name"`
	StreetNumber string `json:"street_number"`
	FullAddress  string `json:"full_address"`
}

// Entry is one reading in a premise's history.
type Entry struct {
	ReadingID  string    `json:"reading_id"`
	MeterValue string    `json:"meter_value"`
	Confidence float64   `json:"confidence"`
	Units      string    `json:"units,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// History is a premise with its readings, newest first.
type History struct {
	Premise  Premise `json:"premise"`
	Readings []Entry `json:"readings"`
}

// PremiseID derives the stable node id of an address. Case and whitespace
// differences map to the same premise.
func PremiseID(a domain.Address) string {
	norm := func(s string) string { return strings.ToLower(strings.Join(strings.Fields(s), " ")) }
	return norm(a.StreetNumber) + "|" + norm(a.StreetName) + "|" + norm(a.City)
}

func premiseFor(a domain.Address) Premise {
	return Premise{
		ID:           PremiseID(a),
		City:         a.City,
		StreetName:   a.StreetName,
		StreetNumber: a.StreetNumber,
		FullAddress:  a.Full(),
	}
}
