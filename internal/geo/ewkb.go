package geo

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/winejournal/labelscan/internal/model"
)

// SRID is WGS 84, the reference system of producers.location.
const SRID = 4326

// EncodePoint returns the EWKB encoding of r as a point with SRID 4326.
// A nil result encodes to nil.
func EncodePoint(r *model.GeoResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	p := geom.NewPointFlat(geom.XY, []float64{r.Longitude, r.Latitude}).SetSRID(SRID)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode point")
	}
	return data, nil
}

// DecodePoint reads an EWKB point back into longitude and latitude.
func DecodePoint(data []byte) (lon, lat float64, err error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return 0, 0, eris.Wrap(err, "geo: decode point")
	}
	p, ok := g.(*geom.Point)
	if !ok {
		return 0, 0, eris.Errorf("geo: expected point, got %T", g)
	}
	if p.SRID() != SRID {
		return 0, 0, eris.Errorf("geo: expected SRID %d, got %d", SRID, p.SRID())
	}
	return p.X(), p.Y(), nil
}
