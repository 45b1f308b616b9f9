package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_Terminal(t *testing.T) {
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusWorking.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
}

func TestExtractedLabel_MarshalNilVarietals(t *testing.T) {
	data, err := json.Marshal(ExtractedLabel{Producer: "Opus One", WineName: "Opus One"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, []any{}, out["varietals"])
	assert.Nil(t, out["year"])
}

func TestEnrichedWine_MarshalArrays(t *testing.T) {
	w := EnrichedWine{ExtractedLabel: ExtractedLabel{Producer: "Krug", WineName: "Grande Cuvée"}}
	data, err := json.Marshal(w)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, []any{}, out["varietals"])
	assert.Equal(t, []any{}, out["food_pairings"])
	assert.Equal(t, "Krug", out["producer"])
	assert.Contains(t, out, "wine_type")
}

func TestEnrichedWine_RoundTripFlattened(t *testing.T) {
	red := "red"
	year := 2019
	in := EnrichedWine{
		ExtractedLabel: ExtractedLabel{Producer: "Opus One", WineName: "Opus One", Year: &year, Varietals: []string{"Merlot"}},
		WineType:       &red,
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out EnrichedWine
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "Opus One", out.Producer)
	require.NotNil(t, out.Year)
	assert.Equal(t, 2019, *out.Year)
	require.NotNil(t, out.WineType)
	assert.Equal(t, "red", *out.WineType)
}

func TestFromLabel_NeverNil(t *testing.T) {
	w := FromLabel(ExtractedLabel{Producer: "a", WineName: "b"})
	assert.NotNil(t, w.Varietals)
	assert.NotNil(t, w.FoodPairings)
}

func TestLocationConfidence_Valid(t *testing.T) {
	assert.True(t, LocationExact.Valid())
	assert.True(t, LocationApproximate.Valid())
	assert.True(t, LocationRegion.Valid())
	assert.False(t, LocationConfidence("rooftop").Valid())
}

func TestNameKey_CaseInsensitive(t *testing.T) {
	assert.True(t, SameName("Château Margaux", "château margaux"))
	assert.True(t, SameName("  Pinot   Noir ", "pinot noir"))
	assert.True(t, SameName("Château", "Château"))
	assert.False(t, SameName("Merlot", "Malbec"))
}

func TestDedupeNames(t *testing.T) {
	got := DedupeNames([]string{"Pinot Noir", "pinot noir", " ", "Chardonnay", "PINOT NOIR"})
	assert.Equal(t, []string{"Pinot Noir", "Chardonnay"}, got)
	assert.NotNil(t, DedupeNames(nil))
}

func TestStringPtr(t *testing.T) {
	assert.Nil(t, StringPtr("   "))
	p := StringPtr(" Napa ")
	require.NotNil(t, p)
	assert.Equal(t, "Napa", *p)
	assert.True(t, Blank(nil))
	assert.True(t, Blank(StringPtr("")))
	assert.False(t, Blank(p))
}
