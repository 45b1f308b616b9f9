// Package resolve maps an enriched label onto the shared wine catalog,
// creating producers, wines, vintages and varietals that do not exist yet.
//
// Dictionary rows are inserted with ON CONFLICT DO NOTHING and re-read on a
// miss, so a job racing another job for the same producer or varietal reuses
// the winner's row instead of failing. Every write is idempotent, which lets
// a requeued job converge on the rows its first attempt created.
package resolve

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/winejournal/labelscan/internal/db"
	"github.com/winejournal/labelscan/internal/geo"
	"github.com/winejournal/labelscan/internal/model"
)

// Result identifies the catalog rows a job resolved to.
type Result struct {
	RegionID        *string
	ProducerID      string
	WineID          string
	VintageID       string
	VarietalIDs     []string
	ProducerCreated bool
	WineCreated     bool
	VintageCreated  bool
}

// Writer resolves and writes catalog rows.
type Writer struct {
	pool db.Pool
}

// NewWriter creates a writer over pool.
func NewWriter(pool db.Pool) *Writer {
	return &Writer{pool: pool}
}

// Resolve finds or creates the catalog rows for w, attaches loc to the
// producer when it has no location yet, and links the job's scan and journal
// entry to the resolved vintage.
func (wr *Writer) Resolve(ctx context.Context, job model.ScanJob, w model.EnrichedWine, loc *model.GeoResult) (*Result, error) {
	log := zap.L().With(zap.String("component", "resolve"), zap.String("job_id", job.ID))

	producer := model.CleanName(w.Producer)
	if producer == "" {
		return nil, eris.New("resolve: producer name is required")
	}
	wineName := model.CleanName(w.WineName)
	if wineName == "" {
		wineName = producer
	}

	res := &Result{}
	var err error

	if !model.Blank(w.Region) {
		id, err := wr.region(ctx, *w.Region, w.Country)
		if err != nil {
			return nil, err
		}
		res.RegionID = &id
	}

	res.ProducerID, res.ProducerCreated, err = wr.producer(ctx, producer, res.RegionID, w)
	if err != nil {
		return nil, err
	}
	if loc != nil {
		if err := wr.setLocation(ctx, res.ProducerID, loc); err != nil {
			return nil, err
		}
	}

	res.WineID, res.WineCreated, err = wr.wine(ctx, res.ProducerID, wineName, w)
	if err != nil {
		return nil, err
	}

	res.VintageID, res.VintageCreated, err = wr.vintage(ctx, res.WineID, w.Year, w.ABVPercent)
	if err != nil {
		return nil, err
	}

	res.VarietalIDs = []string{}
	for _, name := range model.DedupeNames(w.Varietals) {
		id, err := wr.varietal(ctx, name)
		if err != nil {
			return nil, err
		}
		if _, err := wr.pool.Exec(ctx, `
			INSERT INTO wine_varietals (vintage_id, varietal_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			res.VintageID, id,
		); err != nil {
			return nil, eris.Wrapf(err, "resolve: link varietal %s", name)
		}
		res.VarietalIDs = append(res.VarietalIDs, id)
	}

	if err := wr.link(ctx, job, res.VintageID, w.Confidence); err != nil {
		return nil, err
	}

	log.Debug("resolved label",
		zap.String("producer_id", res.ProducerID),
		zap.String("wine_id", res.WineID),
		zap.String("vintage_id", res.VintageID),
		zap.Bool("producer_created", res.ProducerCreated),
		zap.Bool("wine_created", res.WineCreated),
		zap.Bool("vintage_created", res.VintageCreated),
		zap.Int("varietals", len(res.VarietalIDs)),
	)
	return res, nil
}

// insertOrFetch runs an INSERT ... ON CONFLICT DO NOTHING RETURNING id and,
// when the row already existed, the matching SELECT. A unique violation from
// the insert is treated the same as a conflict.
func (wr *Writer) insertOrFetch(ctx context.Context, what, insertSQL string, insertArgs []any, selectSQL string, selectArgs []any) (string, bool, error) {
	var id string
	err := wr.pool.QueryRow(ctx, insertSQL, insertArgs...).Scan(&id)
	switch {
	case err == nil:
		return id, true, nil
	case db.IsNoRows(err), db.IsUniqueViolation(err):
	default:
		return "", false, eris.Wrapf(err, "resolve: insert %s", what)
	}

	if err := wr.pool.QueryRow(ctx, selectSQL, selectArgs...).Scan(&id); err != nil {
		return "", false, eris.Wrapf(err, "resolve: fetch existing %s", what)
	}
	return id, false, nil
}

func (wr *Writer) region(ctx context.Context, name string, country *string) (string, error) {
	name = model.CleanName(name)
	c := ""
	if country != nil {
		c = model.CleanName(*country)
	}
	id, _, err := wr.insertOrFetch(ctx, "region "+name,
		`INSERT INTO regions (name, country) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		[]any{name, c},
		`SELECT id FROM regions WHERE lower(name) = lower($1) AND lower(country) = lower($2)`,
		[]any{name, c},
	)
	return id, err
}

func (wr *Writer) producer(ctx context.Context, name string, regionID *string, w model.EnrichedWine) (string, bool, error) {
	id, created, err := wr.insertOrFetch(ctx, "producer "+name,
		`INSERT INTO producers (name, region_id, website, address, city, postal_code)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		[]any{name, regionID, w.ProducerWebsite, w.ProducerAddress, w.ProducerCity, w.ProducerPostalCode},
		`SELECT id FROM producers WHERE lower(name) = lower($1)`,
		[]any{name},
	)
	if err != nil || created {
		return id, created, err
	}

	if _, err := wr.pool.Exec(ctx, `
		UPDATE producers SET
			region_id = COALESCE(region_id, $2),
			website = COALESCE(website, $3),
			address = COALESCE(address, $4),
			city = COALESCE(city, $5),
			postal_code = COALESCE(postal_code, $6),
			updated_at = now()
		WHERE id = $1`,
		id, regionID, w.ProducerWebsite, w.ProducerAddress, w.ProducerCity, w.ProducerPostalCode,
	); err != nil {
		return "", false, eris.Wrapf(err, "resolve: fill producer %s", name)
	}
	return id, false, nil
}

// setLocation stores loc on the producer unless it already has a location.
func (wr *Writer) setLocation(ctx context.Context, producerID string, loc *model.GeoResult) error {
	point, err := geo.EncodePoint(loc)
	if err != nil {
		return err
	}
	if _, err := wr.pool.Exec(ctx, `
		UPDATE producers SET
			location = ST_GeomFromEWKB($2)::geography,
			location_confidence = $3,
			location_note = $4,
			updated_at = now()
		WHERE id = $1 AND location IS NULL`,
		producerID, point, string(loc.Confidence), model.StringPtr(loc.LocationNote),
	); err != nil {
		return eris.Wrapf(err, "resolve: set location for producer %s", producerID)
	}
	return nil
}

func (wr *Writer) wine(ctx context.Context, producerID, name string, w model.EnrichedWine) (string, bool, error) {
	wineType, color := lower(w.WineType), lower(w.Color)
	pairings := nilIfEmpty(w.FoodPairings)

	id, created, err := wr.insertOrFetch(ctx, "wine "+name,
		`INSERT INTO wines (producer_id, name, is_nv, wine_type, color, style,
			food_pairings, serving_temperature, tasting_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		[]any{producerID, name, w.IsNV, wineType, color, w.Style, pairings, w.ServingTemperature, w.TastingNotes},
		`SELECT id FROM wines WHERE producer_id = $1 AND lower(name) = lower($2)`,
		[]any{producerID, name},
	)
	if err != nil || created {
		return id, created, err
	}

	if _, err := wr.pool.Exec(ctx, `
		UPDATE wines SET
			wine_type = COALESCE(wine_type, $2),
			color = COALESCE(color, $3),
			style = COALESCE(style, $4),
			food_pairings = CASE WHEN cardinality(food_pairings) > 0 THEN food_pairings ELSE $5 END,
			serving_temperature = COALESCE(serving_temperature, $6),
			tasting_notes = COALESCE(tasting_notes, $7),
			updated_at = now()
		WHERE id = $1`,
		id, wineType, color, w.Style, pairings, w.ServingTemperature, w.TastingNotes,
	); err != nil {
		return "", false, eris.Wrapf(err, "resolve: fill wine %s", name)
	}
	return id, false, nil
}

// vintage resolves the (wine, year) row. A nil year is the wine's single
// non-vintage row.
func (wr *Writer) vintage(ctx context.Context, wineID string, year *int, abv *float64) (string, bool, error) {
	id, created, err := wr.insertOrFetch(ctx, "vintage",
		`INSERT INTO vintages (wine_id, year, abv) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		[]any{wineID, year, abv},
		`SELECT id FROM vintages WHERE wine_id = $1 AND year IS NOT DISTINCT FROM $2`,
		[]any{wineID, year},
	)
	if err != nil || created || abv == nil {
		return id, created, err
	}

	if _, err := wr.pool.Exec(ctx,
		`UPDATE vintages SET abv = $2 WHERE id = $1 AND abv IS NULL`,
		id, abv,
	); err != nil {
		return "", false, eris.Wrapf(err, "resolve: fill vintage %s", id)
	}
	return id, false, nil
}

func (wr *Writer) varietal(ctx context.Context, name string) (string, error) {
	id, _, err := wr.insertOrFetch(ctx, "varietal "+name,
		`INSERT INTO grape_varietals (name) VALUES ($1)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		[]any{name},
		`SELECT id FROM grape_varietals WHERE lower(name) = lower($1)`,
		[]any{name},
	)
	return id, err
}

// link points the job's scan at the vintage and resolves its journal entry.
func (wr *Writer) link(ctx context.Context, job model.ScanJob, vintageID string, confidence float64) error {
	if job.ScanID == nil {
		return nil
	}

	tx, err := wr.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "resolve: begin link tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`UPDATE scans SET matched_vintage_id = $2, confidence = $3 WHERE id = $1`,
		*job.ScanID, vintageID, confidence,
	); err != nil {
		return eris.Wrapf(err, "resolve: update scan %s", *job.ScanID)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE wines_added
		SET status = 'resolved', vintage_id = $2, error_message = NULL, updated_at = now()
		WHERE scan_id = $1`,
		*job.ScanID, vintageID,
	); err != nil {
		return eris.Wrapf(err, "resolve: resolve journal entry for scan %s", *job.ScanID)
	}
	return eris.Wrap(tx.Commit(ctx), "resolve: commit link tx")
}

func lower(p *string) *string {
	if model.Blank(p) {
		return nil
	}
	s := strings.ToLower(strings.TrimSpace(*p))
	return &s
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
