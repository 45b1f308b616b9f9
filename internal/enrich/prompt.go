package enrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/winejournal/labelscan/internal/model"
)

const systemIntro = `You are a sommelier completing wine records for a wine journal.

You receive what was read off a label. Use the producer, wine name and region as cues to what you already know about the wine, and fill only the fields that are null or empty. Never change a field that already has a value.

Respond with a single JSON object and nothing else:
{
  "year": integer | null,              // only if the label omitted it and the wine is a single, well-known release
  "country": string | null,
  "region": string | null,
  "varietals": [string],               // typical grape composition, [] if unknown
  "producer_website": string | null,
  "producer_address": string | null,
  "producer_city": string | null,
  "producer_postal_code": string | null,
  "wine_type": "red" | "white" | "rosé" | "sparkling" | "dessert" | "fortified" | "orange" | null,
  "color": string | null,
  "style": string | null,              // e.g. "full-bodied, oaked"
  "food_pairings": [string],
  "serving_temperature": string | null, // e.g. "16-18°C"
  "tasting_notes": string | null        // two sentences at most
}
Use null when you do not know. Do not guess addresses or websites.`

// buildSystemPrompt appends the producer guidance as few-shot examples.
func buildSystemPrompt(k *Knowledge) string {
	var b strings.Builder
	b.WriteString(systemIntro)
	if k != nil && len(k.Producers) > 0 {
		b.WriteString("\n\nKnown producers and their typical grapes:\n")
		for _, p := range k.Producers {
			fmt.Fprintf(&b, "- %s → %s\n", p.Name, strings.Join(p.Varietals, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildUserPrompt describes the label, what the catalog already knows, and any
// matching producer guidance.
func buildUserPrompt(label model.ExtractedLabel, existing *model.Wine, hint *ProducerHint) (string, error) {
	var b strings.Builder

	labelJSON, err := json.MarshalIndent(label, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "enrich: encode label")
	}
	b.WriteString("Label data:\n")
	b.Write(labelJSON)

	if known := knownFields(existing); len(known) > 0 {
		b.WriteString("\n\nAlready recorded for this wine (leave these as null in your answer):\n")
		for _, line := range known {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	if hint != nil {
		writeHint(&b, label.Producer, hint)
	}

	b.WriteString("\n\nReturn only the JSON object.")
	return b.String(), nil
}

func writeHint(b *strings.Builder, producer string, hint *ProducerHint) {
	fmt.Fprintf(b, "\n\nPrior knowledge: %s is known for %s", hint.Name, strings.Join(hint.Varietals, ", "))
	if hint.Region != "" {
		fmt.Fprintf(b, " from %s", hint.Region)
		if hint.Country != "" {
			fmt.Fprintf(b, ", %s", hint.Country)
		}
	}
	b.WriteString(".")
	if hint.WineType != "" {
		fmt.Fprintf(b, " Its wines are usually %s.", hint.WineType)
	}
	if !model.SameName(producer, hint.Name) {
		fmt.Fprintf(b, " The label names it %q.", model.CleanName(producer))
	}
}

func knownFields(w *model.Wine) []string {
	if w == nil {
		return nil
	}
	var out []string
	add := func(name string, v *string) {
		if !model.Blank(v) {
			out = append(out, fmt.Sprintf("%s: %s", name, *v))
		}
	}
	add("wine_type", w.WineType)
	add("color", w.Color)
	add("style", w.Style)
	add("serving_temperature", w.ServingTemperature)
	add("tasting_notes", w.TastingNotes)
	if len(w.FoodPairings) > 0 {
		out = append(out, "food_pairings: "+strings.Join(w.FoodPairings, ", "))
	}
	return out
}
