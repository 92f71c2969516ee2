package dataset

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// firstLabel returns the alphabetically first label, with confidence 1
type firstLabel struct{}

func (firstLabel) Search(ds *Dataset, query []float32) (Prediction, error) {
	labels := ds.SortedLabels()
	p := Prediction{Label: labels[0], Confidences: map[string]float32{}}
	for _, l := range labels {
		p.Confidences[l] = 0
	}
	p.Confidences[labels[0]] = 1
	return p, nil
}

func sampleDataset() *Dataset {
	return &Dataset{
		Width: 2,
		Labels: map[string]*Matrix{
			"cat": {Width: 2, Data: []float32{1, 0, 0.9, 0.1, 0.8, 0.2}},
			"dog": {Width: 2, Data: []float32{0, 1, 0.1, 0.9}},
		},
	}
}

func TestStoreAdd(t *testing.T) {
	s := NewStore(firstLabel{})
	require.Equal(t, 0, s.ClassCount())
	require.Equal(t, 0, s.Width())

	require.NoError(t, s.Add("cat", []float32{1, 2, 3}))
	require.Equal(t, 3, s.Width())
	require.NoError(t, s.Add("cat", []float32{4, 5, 6}))
	require.NoError(t, s.Add("dog", []float32{7, 8, 9}))
	require.Equal(t, 2, s.ClassCount())
	require.Equal(t, []string{"cat", "dog"}, s.Labels())
	require.Equal(t, map[string]int{"cat": 2, "dog": 1}, s.Counts())

	var shapeErr *ShapeError
	require.ErrorAs(t, s.Add("dog", []float32{1, 2}), &shapeErr)
	require.ErrorIs(t, s.Add("  ", []float32{1, 2, 3}), ErrEmptyLabel)
	require.ErrorAs(t, s.Add("dog", nil), &shapeErr)

	// Rows preserve insertion order
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, s.ExportAll()["cat"])
}

func TestStoreAddAllIsAtomic(t *testing.T) {
	s := NewStore(firstLabel{})
	require.NoError(t, s.Add("cat", []float32{1, 2}))
	err := s.AddAll("cat", [][]float32{{3, 4}, {5, 6, 7}})
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
	require.Equal(t, map[string]int{"cat": 1}, s.Counts())
}

func TestExportImportRoundTrip(t *testing.T) {
	s := NewStore(firstLabel{})
	s.Replace(sampleDataset())
	flat := s.ExportAll()

	s2 := NewStore(firstLabel{})
	require.NoError(t, s2.ImportAll(flat, s.Width()))
	require.True(t, s2.Snapshot().Equal(sampleDataset()))

	// Exported data is a copy
	flat["cat"][0] = 99
	require.True(t, s.Snapshot().Equal(sampleDataset()))
}

func TestImportRejectsBadShape(t *testing.T) {
	s := NewStore(firstLabel{})
	s.Replace(sampleDataset())

	var shapeErr *ShapeError
	require.ErrorAs(t, s.ImportAll(map[string][]float32{"a": {1, 2}, "b": {1, 2, 3}}, 2), &shapeErr)
	require.Equal(t, "b", shapeErr.Label)
	require.ErrorAs(t, s.ImportAll(map[string][]float32{"a": {1, 2}}, 0), &shapeErr)
	require.True(t, s.Snapshot().Equal(sampleDataset()))
}

func TestImportDropsEmptyLabels(t *testing.T) {
	s := NewStore(firstLabel{})
	require.NoError(t, s.ImportAll(map[string][]float32{"a": {1, 2}, "b": {}}, 2))
	require.Equal(t, []string{"a"}, s.Labels())
}

func TestNearestLabel(t *testing.T) {
	s := NewStore(firstLabel{})
	_, err := s.NearestLabel([]float32{1, 2})
	require.ErrorIs(t, err, ErrEmpty)

	s.Replace(sampleDataset())
	p, err := s.NearestLabel([]float32{1, 0})
	require.NoError(t, err)
	require.Equal(t, "cat", p.Label)

	var shapeErr *ShapeError
	_, err = s.NearestLabel([]float32{1, 0, 0})
	require.ErrorAs(t, err, &shapeErr)
}

func TestClear(t *testing.T) {
	s := NewStore(firstLabel{})
	s.Replace(sampleDataset())
	s.Clear()
	require.Equal(t, 0, s.ClassCount())
	require.Equal(t, 0, s.Width())
	require.NoError(t, s.Add("x", []float32{1, 2, 3}))
}

func TestEncodeDecode(t *testing.T) {
	ds := sampleDataset()
	b, err := Encode(ds, "mobilenet_v1_1.0_224")
	require.NoError(t, err)

	f, err := DecodeFile(b, 0)
	require.NoError(t, err)
	require.Equal(t, 1, f.Version)
	require.Equal(t, "mobilenet_v1_1.0_224", f.ModelID)
	require.True(t, f.Dataset.Equal(ds))

	// Empty dataset
	b, err = Encode(NewDataset(), "")
	require.NoError(t, err)
	back, err := Decode(b, 0)
	require.NoError(t, err)
	require.True(t, back.Equal(NewDataset()))
}

func TestDecodeLegacy(t *testing.T) {
	payload := []byte(`{"cat":[1,0,0.9,0.1,0.8,0.2],"dog":[0,1,0.1,0.9]}`)
	ds, err := Decode(payload, 2)
	require.NoError(t, err)
	require.True(t, ds.Equal(sampleDataset()))

	// A label called "version"
	ds, err = Decode([]byte(`{"version":[1,2]}`), 2)
	require.NoError(t, err)
	require.Equal(t, []string{"version"}, ds.SortedLabels())

	// Width is required
	var parseErr *ParseError
	_, err = Decode(payload, 0)
	require.ErrorAs(t, err, &parseErr)

	var shapeErr *ShapeError
	_, err = Decode(payload, 4)
	require.ErrorAs(t, err, &shapeErr)
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		payload string
		parse   bool
	}{
		{`not json`, true},
		{`null`, true},
		{`[1,2,3]`, true},
		{`{"cat":"meow"}`, true},
		{`{"version":2,"labels":{}}`, true},
		{`{"version":1}`, true},
		{`{"version":1,"labels":{"a":{"width":0,"values":[]}}}`, false},
		{`{"version":1,"labels":{"a":{"width":2,"values":[1,2,3]}}}`, false},
		{`{"version":1,"labels":{"a":{"width":2,"values":[1,2]},"b":{"width":1,"values":[1]}}}`, false},
	}
	for _, c := range cases {
		_, err := Decode([]byte(c.payload), 2)
		require.Error(t, err, c.payload)
		var parseErr *ParseError
		var shapeErr *ShapeError
		if c.parse {
			require.True(t, errors.As(err, &parseErr), c.payload)
		} else {
			require.True(t, errors.As(err, &shapeErr), c.payload)
		}
	}
}

func TestDecodeRejectsBlankLabels(t *testing.T) {
	for _, payload := range []string{
		`{"version":1,"labels":{"  ":{"width":2,"values":[1,2]}}}`,
		`{"version":1,"labels":{"":{"width":2,"values":[1,2]}}}`,
		`{"\t":[1,2]}`,
	} {
		_, err := Decode([]byte(payload), 2)
		require.ErrorIs(t, err, ErrEmptyLabel, payload)
	}
}
