package model

import "encoding/json"

// ExtractedLabel holds the fields read off a label photo. Pointer fields are
// nil when the label does not show them; nil Year means "not visible", which is
// distinct from a deliberate non-vintage marking (IsNV).
type ExtractedLabel struct {
	Producer           string   `json:"producer"`
	WineName           string   `json:"wine_name"`
	Year               *int     `json:"year"`
	IsNV               bool     `json:"is_nv"`
	Country            *string  `json:"country"`
	Region             *string  `json:"region"`
	Varietals          []string `json:"varietals"`
	ABVPercent         *float64 `json:"abv_percent"`
	Confidence         float64  `json:"confidence"`
	ProducerWebsite    *string  `json:"producer_website"`
	ProducerAddress    *string  `json:"producer_address"`
	ProducerCity       *string  `json:"producer_city"`
	ProducerPostalCode *string  `json:"producer_postal_code"`
}

// MarshalJSON always emits varietals as an array.
func (l ExtractedLabel) MarshalJSON() ([]byte, error) {
	type alias ExtractedLabel
	a := alias(l)
	if a.Varietals == nil {
		a.Varietals = []string{}
	}
	return json.Marshal(a)
}

// EnrichedWine is an ExtractedLabel plus descriptive metadata filled in by the
// enrichment stage.
type EnrichedWine struct {
	ExtractedLabel
	WineType           *string  `json:"wine_type"`
	Color              *string  `json:"color"`
	Style              *string  `json:"style"`
	FoodPairings       []string `json:"food_pairings"`
	ServingTemperature *string  `json:"serving_temperature"`
	TastingNotes       *string  `json:"tasting_notes"`
}

// MarshalJSON always emits varietals and food_pairings as arrays.
func (w EnrichedWine) MarshalJSON() ([]byte, error) {
	label, err := json.Marshal(w.ExtractedLabel)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(label, &out); err != nil {
		return nil, err
	}
	pairings := w.FoodPairings
	if pairings == nil {
		pairings = []string{}
	}
	out["wine_type"] = w.WineType
	out["color"] = w.Color
	out["style"] = w.Style
	out["food_pairings"] = pairings
	out["serving_temperature"] = w.ServingTemperature
	out["tasting_notes"] = w.TastingNotes
	return json.Marshal(out)
}

// FromLabel wraps a label with no enrichment applied.
func FromLabel(l ExtractedLabel) EnrichedWine {
	if l.Varietals == nil {
		l.Varietals = []string{}
	}
	return EnrichedWine{ExtractedLabel: l, FoodPairings: []string{}}
}

// LocationConfidence is the coarse precision tier of a geocoded producer.
type LocationConfidence string

const (
	LocationExact       LocationConfidence = "exact"
	LocationApproximate LocationConfidence = "approximate"
	LocationRegion      LocationConfidence = "region"
)

// Valid reports whether c is one of the known tiers.
func (c LocationConfidence) Valid() bool {
	switch c {
	case LocationExact, LocationApproximate, LocationRegion:
		return true
	}
	return false
}

// GeoResult is a producer coordinate with its confidence tier.
type GeoResult struct {
	Latitude     float64            `json:"latitude"`
	Longitude    float64            `json:"longitude"`
	Confidence   LocationConfidence `json:"confidence"`
	LocationNote string             `json:"location_note,omitempty"`
}

// Wine is a producer's cuvée.
type Wine struct {
	ID                 string
	Name               string
	ProducerID         string
	IsNV               bool
	WineType           *string
	Color              *string
	Style              *string
	FoodPairings       []string
	ServingTemperature *string
	TastingNotes       *string
}
