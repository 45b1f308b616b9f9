// Package label reads structured fields off a wine label photo with a
// vision-capable model.
package label

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/winejournal/labelscan/internal/model"
	"github.com/winejournal/labelscan/internal/security"
	"github.com/winejournal/labelscan/pkg/anthropic"
)

var (
	// ErrUnparseable is returned when the model response is not a JSON object
	// matching the label schema.
	ErrUnparseable = eris.New("label: unparseable model response")
	// ErrMissingIdentity is returned when the response lacks a producer or wine name.
	ErrMissingIdentity = eris.New("label: missing producer or wine name")
)

// Vintage years outside this range are treated as not visible.
const (
	MinYear = 1900
	MaxYear = 2100
)

//go:embed label.schema.json
var schemaJSON []byte

var labelSchema = compileSchema()

func compileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("label.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("label.schema.json")
}

// Config selects the model used for extraction.
type Config struct {
	Model     string
	MaxTokens int64
}

// Extractor calls the model once per label.
type Extractor struct {
	client    anthropic.Client
	validator *security.ImageURLValidator
	cfg       Config
}

// NewExtractor creates an extractor. Image URLs are checked by validator
// before any request is made.
func NewExtractor(client anthropic.Client, validator *security.ImageURLValidator, cfg Config) *Extractor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Extractor{client: client, validator: validator, cfg: cfg}
}

// Extract reads the label at imageURL, using ocrText as an optional hint.
// A response that is not valid JSON or lacks identity fields fails the call;
// no defaults are substituted.
func (e *Extractor) Extract(ctx context.Context, imageURL, ocrText string) (model.ExtractedLabel, anthropic.TokenUsage, error) {
	if err := e.validator.Validate(ctx, imageURL); err != nil {
		return model.ExtractedLabel{}, anthropic.TokenUsage{}, eris.Wrap(err, "label: extract")
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		System:      anthropic.CachedSystem(systemPrompt),
		Temperature: anthropic.Float(0),
		Messages: []anthropic.Message{{
			Role:      "user",
			Content:   buildUserPrompt(ocrText),
			ImageURLs: []string{imageURL},
		}},
	})
	if err != nil {
		return model.ExtractedLabel{}, anthropic.TokenUsage{}, eris.Wrap(err, "label: extract")
	}
	resp.Usage.LogUsage(e.cfg.Model, "extract")

	label, err := Parse(anthropic.ResponseText(resp))
	if err != nil {
		zap.L().Warn("label: rejected model response",
			zap.String("component", "label"),
			zap.String("stop_reason", resp.StopReason),
			zap.Error(err),
		)
		return model.ExtractedLabel{}, resp.Usage, err
	}
	return label, resp.Usage, nil
}

// wireLabel mirrors the response schema; pointers distinguish absent from empty.
type wireLabel struct {
	Producer           string    `json:"producer"`
	WineName           string    `json:"wine_name"`
	Year               *float64  `json:"year"`
	IsNV               *bool     `json:"is_nv"`
	Country            *string   `json:"country"`
	Region             *string   `json:"region"`
	Varietals          []*string `json:"varietals"`
	ABVPercent         *float64  `json:"abv_percent"`
	Confidence         float64   `json:"confidence"`
	ProducerWebsite    *string   `json:"producer_website"`
	ProducerAddress    *string   `json:"producer_address"`
	ProducerCity       *string   `json:"producer_city"`
	ProducerPostalCode *string   `json:"producer_postal_code"`
}

// Parse validates a raw model response and normalises it into an ExtractedLabel.
func Parse(text string) (model.ExtractedLabel, error) {
	cleaned := []byte(anthropic.CleanJSON(text))

	var doc any
	if err := json.Unmarshal(cleaned, &doc); err != nil {
		return model.ExtractedLabel{}, eris.Wrapf(ErrUnparseable, "label: %v", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return model.ExtractedLabel{}, eris.Wrap(ErrUnparseable, "label: response is not an object")
	}
	if blankField(obj, "producer") || blankField(obj, "wine_name") {
		return model.ExtractedLabel{}, ErrMissingIdentity
	}
	if err := labelSchema.Validate(obj); err != nil {
		return model.ExtractedLabel{}, eris.Wrapf(ErrUnparseable, "label: %v", err)
	}

	var w wireLabel
	if err := json.Unmarshal(cleaned, &w); err != nil {
		return model.ExtractedLabel{}, eris.Wrapf(ErrUnparseable, "label: %v", err)
	}
	return normalize(w), nil
}

func normalize(w wireLabel) model.ExtractedLabel {
	l := model.ExtractedLabel{
		Producer:           model.CleanName(w.Producer),
		WineName:           model.CleanName(w.WineName),
		Country:            cleanPtr(w.Country),
		Region:             cleanPtr(w.Region),
		Confidence:         w.Confidence,
		ProducerWebsite:    cleanPtr(w.ProducerWebsite),
		ProducerAddress:    cleanPtr(w.ProducerAddress),
		ProducerCity:       cleanPtr(w.ProducerCity),
		ProducerPostalCode: cleanPtr(w.ProducerPostalCode),
	}
	if w.Year != nil {
		if y := int(*w.Year); y >= MinYear && y <= MaxYear {
			l.Year = &y
		}
	}
	if w.IsNV != nil && *w.IsNV && l.Year == nil {
		l.IsNV = true
	}
	if w.ABVPercent != nil && *w.ABVPercent > 0 && *w.ABVPercent <= 25 {
		abv := *w.ABVPercent
		l.ABVPercent = &abv
	}

	names := make([]string, 0, len(w.Varietals))
	for _, v := range w.Varietals {
		if v != nil {
			names = append(names, *v)
		}
	}
	l.Varietals = model.DedupeNames(names)
	return l
}

func blankField(obj map[string]any, key string) bool {
	s, ok := obj[key].(string)
	return !ok || strings.TrimSpace(s) == ""
}

func cleanPtr(p *string) *string {
	if p == nil {
		return nil
	}
	return model.StringPtr(model.CleanName(*p))
}
