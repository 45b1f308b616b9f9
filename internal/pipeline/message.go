package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/winejournal/labelscan/internal/db"
	"github.com/winejournal/labelscan/internal/geo"
	"github.com/winejournal/labelscan/internal/label"
	"github.com/winejournal/labelscan/internal/resilience"
	"github.com/winejournal/labelscan/internal/security"
)

// stageFallback is what the user sees when a stage fails for a reason with no
// specific wording. The underlying error is only logged.
var stageFallback = map[string]string{
	StageExtract: "could not read the label",
	StageEnrich:  "could not complete the wine details",
	StageGeocode: "could not place the producer on the map",
	StageResolve: "could not save the wine to the catalog",
}

// failureMessage turns a stage error into the text stored in error_message
// and shown in the user's journal. It never includes the error text itself.
func failureMessage(stage string, err error) string {
	var msg string
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = fmt.Sprintf("processing timed out during %s", stage)
	case errors.Is(err, resilience.ErrCircuitOpen):
		msg = fmt.Sprintf("%s service is temporarily unavailable", stage)
	case errors.Is(err, label.ErrMissingIdentity):
		msg = "could not identify the producer or wine on the label"
	case errors.Is(err, label.ErrUnparseable):
		msg = "could not read the label"
	case errors.Is(err, security.ErrUnsafeURL):
		msg = "the scan image URL was rejected"
	case errors.Is(err, geo.ErrInvalidLocation):
		msg = "could not place the producer on the map"
	case db.IsUniqueViolation(err):
		msg = fmt.Sprintf("%s failed: conflicting catalog entry", stage)
	default:
		var ok bool
		if msg, ok = stageFallback[stage]; !ok {
			msg = fmt.Sprintf("%s failed", stage)
		}
	}
	return msg
}
