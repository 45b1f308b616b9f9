package resolve

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/winejournal/labelscan/internal/db"
	"github.com/winejournal/labelscan/internal/model"
)

// SeedVarietals adds any grape varietal names not already in the dictionary.
// Names are cleaned and deduplicated case-insensitively first.
func (wr *Writer) SeedVarietals(ctx context.Context, names []string) (int64, error) {
	names = model.DedupeNames(names)
	rows := make([][]any, len(names))
	for i, n := range names {
		rows[i] = []any{n}
	}

	n, err := db.InsertMissing(ctx, wr.pool, "grape_varietals", []string{"name"}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "resolve: seed varietals")
	}
	zap.L().Info("seeded grape varietals",
		zap.String("component", "resolve"),
		zap.Int("candidates", len(names)),
		zap.Int64("inserted", n),
	)
	return n, nil
}
