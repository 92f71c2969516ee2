package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// FormatVersion is the version written by Encode
const FormatVersion = 1

// File is a decoded dataset file
type File struct {
	Version int    // 0 for legacy files
	ModelID string // Feature extractor that produced the embeddings. Empty for legacy files.
	Dataset *Dataset
}

type fileJSON struct {
	Version int                  `json:"version"`
	Model   string               `json:"model,omitempty"`
	Labels  map[string]labelJSON `json:"labels"`
}

type labelJSON struct {
	Width  int       `json:"width"`
	Values []float32 `json:"values"`
}

// Encode serializes ds into the current file format
func Encode(ds *Dataset, modelID string) ([]byte, error) {
	f := fileJSON{
		Version: FormatVersion,
		Model:   modelID,
		Labels:  make(map[string]labelJSON, len(ds.Labels)),
	}
	for label, m := range ds.Labels {
		f.Labels[label] = labelJSON{
			Width:  m.Width,
			Values: m.Data,
		}
	}
	return json.Marshal(&f)
}

// Decode parses a dataset file. See DecodeFile.
func Decode(payload []byte, legacyWidth int) (*Dataset, error) {
	f, err := DecodeFile(payload, legacyWidth)
	if err != nil {
		return nil, err
	}
	return f.Dataset, nil
}

// DecodeFile parses a versioned dataset file, or a legacy file of the form {"label": [flat values]}.
// Legacy files do not record their width, so legacyWidth must be supplied for them.
// Returns ParseError or ShapeError.
func DecodeFile(payload []byte, legacyWidth int) (*File, error) {
	top := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &top); err != nil {
		return nil, &ParseError{Err: err}
	}
	if top == nil {
		return nil, &ParseError{Err: errors.New("File is null")}
	}

	// A legacy file may have a label called "version", but its value is an array
	if v, ok := top["version"]; ok && !isArray(v) {
		return decodeVersioned(payload)
	}
	return decodeLegacy(top, legacyWidth)
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) != 0 && raw[0] == '['
}

func decodeVersioned(payload []byte) (*File, error) {
	f := fileJSON{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, &ParseError{Err: err}
	}
	if f.Version < 1 || f.Version > FormatVersion {
		return nil, &ParseError{Err: fmt.Errorf("Unsupported version %v", f.Version)}
	}
	if f.Labels == nil {
		return nil, &ParseError{Err: errors.New("Missing 'labels'")}
	}

	width := 0
	flat := make(map[string][]float32, len(f.Labels))
	for label, l := range f.Labels {
		if l.Width <= 0 {
			return nil, &ShapeError{Label: label, Reason: fmt.Sprintf("Width must be positive, but is %v", l.Width)}
		}
		if width != 0 && l.Width != width {
			return nil, &ShapeError{Label: label, Reason: fmt.Sprintf("Width %v differs from width %v of other labels", l.Width, width)}
		}
		width = l.Width
		flat[label] = l.Values
	}
	if width == 0 {
		// No labels at all
		return &File{Version: f.Version, ModelID: f.Model, Dataset: NewDataset()}, nil
	}
	ds, err := FromFlat(flat, width)
	if err != nil {
		return nil, err
	}
	return &File{Version: f.Version, ModelID: f.Model, Dataset: ds}, nil
}

func decodeLegacy(top map[string]json.RawMessage, width int) (*File, error) {
	flat := make(map[string][]float32, len(top))
	for label, raw := range top {
		var values []float32
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, &ParseError{Err: fmt.Errorf("Label '%v': %w", label, err)}
		}
		flat[label] = values
	}
	if width <= 0 {
		return nil, &ParseError{Err: errors.New("File has no version, and no legacy width was given")}
	}
	ds, err := FromFlat(flat, width)
	if err != nil {
		return nil, err
	}
	return &File{Version: 0, Dataset: ds}, nil
}
