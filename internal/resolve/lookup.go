package resolve

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/winejournal/labelscan/internal/db"
	"github.com/winejournal/labelscan/internal/geo"
	"github.com/winejournal/labelscan/internal/model"
)

// LookupWine returns the catalog wine matching producer and wine name
// case-insensitively, or nil when none exists. The enrichment stage uses it to
// keep fields the catalog already knows.
func (wr *Writer) LookupWine(ctx context.Context, producer, wineName string) (*model.Wine, error) {
	producer = model.CleanName(producer)
	wineName = model.CleanName(wineName)
	if producer == "" {
		return nil, nil
	}
	if wineName == "" {
		wineName = producer
	}

	var w model.Wine
	err := wr.pool.QueryRow(ctx, `
		SELECT w.id, w.name, w.producer_id, w.is_nv, w.wine_type, w.color, w.style,
			w.food_pairings, w.serving_temperature, w.tasting_notes
		FROM wines w
		JOIN producers p ON p.id = w.producer_id
		WHERE lower(p.name) = lower($1) AND lower(w.name) = lower($2)`,
		producer, wineName,
	).Scan(&w.ID, &w.Name, &w.ProducerID, &w.IsNV, &w.WineType, &w.Color, &w.Style,
		&w.FoodPairings, &w.ServingTemperature, &w.TastingNotes)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: lookup wine %s / %s", producer, wineName)
	}
	return &w, nil
}

// ProducerLocation returns the stored location of a producer, or nil when the
// producer is unknown or has not been placed yet.
func (wr *Writer) ProducerLocation(ctx context.Context, producer string) (*model.GeoResult, error) {
	producer = model.CleanName(producer)
	if producer == "" {
		return nil, nil
	}

	var (
		point []byte
		tier  *string
		note  *string
	)
	err := wr.pool.QueryRow(ctx, `
		SELECT ST_AsEWKB(location::geometry), location_confidence, location_note
		FROM producers
		WHERE lower(name) = lower($1) AND location IS NOT NULL`,
		producer,
	).Scan(&point, &tier, &note)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: producer location %s", producer)
	}

	var loc model.GeoResult
	if loc.Longitude, loc.Latitude, err = geo.DecodePoint(point); err != nil {
		return nil, eris.Wrapf(err, "resolve: producer location %s", producer)
	}
	loc.Confidence = model.LocationApproximate
	if tier != nil && model.LocationConfidence(*tier).Valid() {
		loc.Confidence = model.LocationConfidence(*tier)
	}
	if note != nil {
		loc.LocationNote = *note
	}
	return &loc, nil
}
