package inference

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Line is one row of a predictions artifact, encoded as JSON lines.
type Line struct {
	ID    string  `json:"id"`
	P0    float64 `json:"P_0"`
	P1    float64 `json:"P_1"`
	P2    float64 `json:"P_2"`
	P3    float64 `json:"P_3"`
	Label int     `json:"label"`
}

// LineFor converts a prediction into its artifact row.
func LineFor(p Prediction) Line {
	return Line{
		ID:    p.ID,
		P0:    p.Probs[0],
		P1:    p.Probs[1],
		P2:    p.Probs[2],
		P3:    p.Probs[3],
		Label: p.Label(),
	}
}

// EncodeLines writes predictions as JSON lines.
func EncodeLines(w io.Writer, preds []Prediction) error {
	enc := json.NewEncoder(w)
	for _, p := range preds {
		if err := enc.Encode(LineFor(p)); err != nil {
			return fmt.Errorf("encode prediction %s: %w", p.ID, err)
		}
	}
	return nil
}

// MarshalLines renders predictions as a JSON-lines artifact body.
func MarshalLines(preds []Prediction) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeLines(&buf, preds); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeLines parses a predictions artifact. Blank lines are ignored.
func DecodeLines(r io.Reader) ([]Line, error) {
	var lines []Line
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("parse prediction line %d: %w", len(lines)+1, err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
