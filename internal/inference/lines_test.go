package inference

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredictionLabelIsArgmax(t *testing.T) {
	tests := []struct {
		name  string
		probs [4]float64
		want  int
	}{
		{"clear winner", [4]float64{0.1, 0.7, 0.1, 0.1}, 1},
		{"last class", [4]float64{0.1, 0.1, 0.2, 0.6}, 3},
		{"tie keeps first", [4]float64{0.4, 0.4, 0.1, 0.1}, 0},
		{"all zero", [4]float64{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Prediction{Probs: tt.probs}.Label())
		})
	}
}

func TestLinesRoundTrip(t *testing.T) {
	preds := []Prediction{
		{ID: "tile-1", Probs: [4]float64{0.7, 0.1, 0.1, 0.1}},
		{ID: "tile-2", Probs: [4]float64{0.05, 0.05, 0.2, 0.7}},
	}

	body, err := MarshalLines(preds)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(body, []byte("\n")))

	lines, err := DecodeLines(bytes.NewReader(body))
	require.NoError(t, err)
	require.Len(t, lines, 2)

	assert.Equal(t, "tile-1", lines[0].ID)
	assert.Equal(t, 0.7, lines[0].P0)
	assert.Equal(t, 0, lines[0].Label)
	assert.Equal(t, "tile-2", lines[1].ID)
	assert.Equal(t, 3, lines[1].Label)
}

func TestDecodeLinesIgnoresBlankLines(t *testing.T) {
	body := `{"id":"a","P_0":1,"P_1":0,"P_2":0,"P_3":0,"label":0}

{"id":"b","P_0":0,"P_1":1,"P_2":0,"P_3":0,"label":1}
`
	lines, err := DecodeLines(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "b", lines[1].ID)
}

func TestDecodeLinesRejectsGarbage(t *testing.T) {
	_, err := DecodeLines(strings.NewReader("{\"id\":\"a\"}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}
