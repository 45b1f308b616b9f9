package label

import "strings"

const systemPrompt = `You read wine labels from photographs for a wine journal.

Rules:
- Extract only what is visible on the label. Never invent or infer values from general wine knowledge.
- Use null for any field that is not visible. Do not guess.
- Respond with a single JSON object and nothing else.

Schema:
{
  "producer": string,             // winery or house name, required
  "wine_name": string,            // cuvée or wine name; use the producer name if no separate name is shown
  "year": integer | null,         // 4-digit vintage year, null if not visible
  "is_nv": boolean,               // true only when the label explicitly says NV / non-vintage / sans année
  "country": string | null,
  "region": string | null,        // appellation or region as printed
  "varietals": [string],          // grape varieties printed on the label, [] if none
  "abv_percent": number | null,   // alcohol by volume as a number, e.g. 13.5
  "confidence": number,           // 0 to 1, how legible and certain the reading is
  "producer_website": string | null,
  "producer_address": string | null,
  "producer_city": string | null,
  "producer_postal_code": string | null
}`

const extractInstructions = `Extract the label fields in this priority order:
1. Producer: usually the most prominent name, often at the top or on the capsule. Château, Domaine, Weingut, Bodega and Tenuta prefixes are part of the name.
2. Wine name: the cuvée, vineyard designation or proprietary name. If none is printed, repeat the producer.
3. Vintage: a 4-digit year between 1900 and 2100. Ignore years that are founding dates ("since 1886", "est. 1902").
4. Grapes: only varieties actually printed, e.g. "Cabernet Sauvignon", "Pinot Noir", or a blend statement listing them.
5. Alcohol: formats like "13.5% vol", "ALC. 14.5% BY VOL.", "13,5 %".
6. Back label: importer lines are not the producer. Take the producer address, city, postal code and website only if printed.`

// buildUserPrompt returns the instruction text sent alongside the image.
func buildUserPrompt(ocrText string) string {
	var b strings.Builder
	b.WriteString(extractInstructions)
	if hint := strings.TrimSpace(ocrText); hint != "" {
		b.WriteString("\n\nOCR text captured on the device (may contain errors; the image is authoritative):\n")
		b.WriteString(hint)
	}
	b.WriteString("\n\nReturn only the JSON object.")
	return b.String()
}
