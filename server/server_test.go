package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/dataset"
	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/nn/nntest"
	"github.com/cyclopcam/teachable/server/config"
	"github.com/cyclopcam/teachable/server/session"
	"github.com/cyclopcam/teachable/server/snapshotdb"
	"github.com/cyclopcam/teachable/server/storage"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var (
	red   = color.RGBA{250, 10, 10, 255}
	red2  = color.RGBA{230, 30, 20, 255}
	blue  = color.RGBA{10, 10, 250, 255}
	blue2 = color.RGBA{20, 40, 230, 255}
)

type testServer struct {
	t      *testing.T
	server *Server
	http   *httptest.Server
}

func newTestServer(t *testing.T, models Models, snapshots bool) *testServer {
	dir := t.TempDir()
	cfg := &config.Config{}
	if snapshots {
		dbc := dbh.MakeSqliteConfig(filepath.Join(dir, "snapshots.sqlite"))
		cfg.DB = &dbc
		cfg.Storage.Filesystem = &storage.ConfigFS{Root: filepath.Join(dir, "blobs")}
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	s, err := NewServer(logs.NewTestingLog(t), cfg, models)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Shutdown()
	})
	return &testServer{t: t, server: s, http: ts}
}

func defaultModels() Models {
	return Models{
		Extractor:       &nntest.ColorExtractor{},
		ImageClassifier: &nntest.ColorClassifier{},
		Detector: &nntest.StaticDetector{Detections: []nn.Detection{
			{Class: "person", Confidence: 0.9, Box: nn.Rect{X: 1, Y: 1, Width: 2, Height: 2}},
		}},
	}
}

type upload struct {
	field string
	name  string
	data  []byte
}

func pngUpload(field, name string, c color.RGBA) upload {
	return upload{field: field, name: name, data: nntest.SolidPNG(c)}
}

// do sends a request, and returns the status code and body
func (ts *testServer) do(req *http.Request) (int, []byte) {
	resp, err := ts.http.Client().Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp.StatusCode, body
}

func (ts *testServer) request(method, path string, body []byte) (int, []byte) {
	req, err := http.NewRequest(method, ts.http.URL+path, bytes.NewReader(body))
	require.NoError(ts.t, err)
	return ts.do(req)
}

func (ts *testServer) multipart(path string, values map[string]string, files ...upload) (int, []byte) {
	buf := bytes.Buffer{}
	mw := multipart.NewWriter(&buf)
	for k, v := range values {
		require.NoError(ts.t, mw.WriteField(k, v))
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.name)
		require.NoError(ts.t, err)
		_, err = fw.Write(f.data)
		require.NoError(ts.t, err)
	}
	require.NoError(ts.t, mw.Close())
	req, err := http.NewRequest("POST", ts.http.URL+path, &buf)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return ts.do(req)
}

func (ts *testServer) newSession() string {
	code, body := ts.request("POST", "/api/session", nil)
	require.Equal(ts.t, 200, code)
	created := sessionCreatedJSON{}
	require.NoError(ts.t, json.Unmarshal(body, &created))
	require.NotEqual(ts.t, "", created.ID)
	return created.ID
}

func (ts *testServer) train(id, label string, files ...upload) session.BatchResult {
	code, body := ts.multipart("/api/session/"+id+"/train", map[string]string{"label": label}, files...)
	require.Equal(ts.t, 200, code, string(body))
	result := session.BatchResult{}
	require.NoError(ts.t, json.Unmarshal(body, &result))
	return result
}

func (ts *testServer) classify(id string, c color.RGBA) *dataset.Prediction {
	code, body := ts.multipart("/api/session/"+id+"/classify", nil, pngUpload("image", "q.png", c))
	require.Equal(ts.t, 200, code, string(body))
	var pred *dataset.Prediction
	require.NoError(ts.t, json.Unmarshal(body, &pred))
	return pred
}

func TestTrainClassifyExportImport(t *testing.T) {
	ts := newTestServer(t, defaultModels(), false)
	id := ts.newSession()

	// Nothing learned yet
	require.Nil(t, ts.classify(id, red))

	result := ts.train(id, "red",
		pngUpload("images", "a.png", red),
		upload{field: "images", name: "broken.png", data: []byte("not an image")},
		pngUpload("images", "b.png", red2),
	)
	require.Equal(t, 2, result.Added)
	require.Equal(t, 1, len(result.Skipped))
	require.Equal(t, 1, result.Skipped[0].Index)
	require.Equal(t, "broken.png", result.Skipped[0].Name)
	require.Equal(t, 3, len(result.Predictions))
	require.Equal(t, "red", result.Predictions[0][0].ClassName)
	require.Nil(t, result.Predictions[1])
	require.Equal(t, "red", result.Predictions[2][0].ClassName)

	ts.train(id, "blue", pngUpload("images[]", "c.png", blue), pngUpload("images[]", "d.png", blue2))

	pred := ts.classify(id, red)
	require.NotNil(t, pred)
	require.Equal(t, "red", pred.Label)
	require.InDelta(t, 1.0, pred.Confidences["red"]+pred.Confidences["blue"], 1e-6)

	code, body := ts.request("GET", "/api/session/"+id+"/state", nil)
	require.Equal(t, 200, code)
	state := session.State{}
	require.NoError(t, json.Unmarshal(body, &state))
	require.False(t, state.Loading)
	require.Equal(t, "blue", state.Label)
	require.Equal(t, []string{"c.png", "d.png"}, state.Previews)
	require.Equal(t, 2, len(state.Predictions))
	require.Equal(t, "blue", state.Predictions[1][0].ClassName)
	require.Equal(t, map[string]int{"red": 2, "blue": 2}, state.Counts)

	code, exported := ts.request("GET", "/api/session/"+id+"/export", nil)
	require.Equal(t, 200, code)

	other := ts.newSession()
	code, body = ts.request("POST", "/api/session/"+other+"/import", exported)
	require.Equal(t, 200, code, string(body))
	require.Equal(t, "red", ts.classify(other, red).Label)
	require.Equal(t, "blue", ts.classify(other, blue).Label)

	// A malformed import leaves the dataset untouched
	code, _ = ts.request("POST", "/api/session/"+other+"/import", []byte(`{"version":1,"labels":`))
	require.Equal(t, 400, code)
	code, after := ts.request("GET", "/api/session/"+other+"/export", nil)
	require.Equal(t, 200, code)
	require.Equal(t, string(exported), string(after))

	code, _ = ts.request("POST", "/api/session/"+other+"/clear", nil)
	require.Equal(t, 200, code)
	require.Nil(t, ts.classify(other, red))
}

func TestLegacyImport(t *testing.T) {
	ts := newTestServer(t, defaultModels(), false)
	id := ts.newSession()

	legacy := []byte(`{"red":[1,0,0,0.9,0.1,0],"blue":[0,0,1]}`)
	code, _ := ts.request("POST", "/api/session/"+id+"/import?width=2", legacy)
	require.Equal(t, 400, code)
	code, body := ts.request("POST", "/api/session/"+id+"/import?width=nope", legacy)
	require.Equal(t, 400, code, string(body))

	// Width defaults to the extractor's width
	code, body = ts.request("POST", "/api/session/"+id+"/import", legacy)
	require.Equal(t, 200, code, string(body))
	require.Equal(t, "red", ts.classify(id, red).Label)
}

func TestValidationErrors(t *testing.T) {
	ts := newTestServer(t, defaultModels(), false)
	id := ts.newSession()

	code, _ := ts.multipart("/api/session/"+id+"/train", map[string]string{"label": "red"})
	require.Equal(t, 400, code)

	code, _ = ts.multipart("/api/session/"+id+"/train", map[string]string{"label": "  "}, pngUpload("images", "a.png", red))
	require.Equal(t, 400, code)

	code, _ = ts.multipart("/api/session/"+id+"/detect", nil, upload{field: "image", name: "x.png", data: []byte("junk")})
	require.Equal(t, 400, code)

	code, _ = ts.multipart("/api/session/nope/classify", nil, pngUpload("image", "q.png", red))
	require.Equal(t, 404, code)

	code, _ = ts.request("DELETE", "/api/session/"+id, nil)
	require.Equal(t, 200, code)
	code, _ = ts.request("GET", "/api/session/"+id+"/state", nil)
	require.Equal(t, 404, code)
}

func TestDetect(t *testing.T) {
	ts := newTestServer(t, defaultModels(), false)
	id := ts.newSession()

	code, body := ts.multipart("/api/session/"+id+"/detect", nil, pngUpload("image", "q.png", red))
	require.Equal(t, 200, code, string(body))
	dets := []nn.Detection{}
	require.NoError(t, json.Unmarshal(body, &dets))
	require.Equal(t, 1, len(dets))
	require.Equal(t, "person", dets[0].Class)

	code, body = ts.request("GET", "/api/status", nil)
	require.Equal(t, 200, code)
	st := statusJSON{}
	require.NoError(t, json.Unmarshal(body, &st))
	require.Equal(t, int64(1), st.DetectTime.Samples)
	require.Equal(t, int64(0), st.EmbedTime.Samples)
	require.Equal(t, 3, st.EmbeddingWidth)
	require.True(t, st.ImageClassifier.Loaded)
}

func TestImagePixelLimit(t *testing.T) {
	ts := newTestServer(t, defaultModels(), false)
	// Test images are 4 x 4
	ts.server.config.Session.MaxImagePixels = 15
	id := ts.newSession()

	code, body := ts.multipart("/api/session/"+id+"/classify", nil, pngUpload("image", "q.png", red))
	require.Equal(t, 400, code, string(body))
	code, body = ts.multipart("/api/session/"+id+"/detect", nil, pngUpload("image", "q.png", red))
	require.Equal(t, 400, code, string(body))

	result := ts.train(id, "red", pngUpload("images", "a.png", red))
	require.Equal(t, 0, result.Added)
	require.Equal(t, 1, len(result.Skipped))
	require.Contains(t, result.Skipped[0].Error, "exceeds the limit")
}

func TestMissingModels(t *testing.T) {
	ts := newTestServer(t, Models{
		ExtractorErr: fmt.Errorf("no extractor"),
		DetectorErr:  fmt.Errorf("no detector"),
	}, false)
	id := ts.newSession()

	code, _ := ts.multipart("/api/session/"+id+"/detect", nil, pngUpload("image", "q.png", red))
	require.Equal(t, 503, code)

	code, _ = ts.multipart("/api/session/"+id+"/train", map[string]string{"label": "red"}, pngUpload("images", "a.png", red))
	require.Equal(t, 503, code)

	code, _ = ts.request("GET", "/api/session/"+id+"/live", nil)
	require.Equal(t, 503, code)

	code, body := ts.request("GET", "/api/status", nil)
	require.Equal(t, 200, code)
	st := statusJSON{}
	require.NoError(t, json.Unmarshal(body, &st))
	require.False(t, st.FeatureExtractor.Loaded)
	require.Equal(t, "no extractor", st.FeatureExtractor.Error)
	require.False(t, st.Detector.Loaded)
	require.Equal(t, 1, st.Sessions)
}

func TestSnapshots(t *testing.T) {
	ts := newTestServer(t, defaultModels(), true)
	id := ts.newSession()
	ts.train(id, "red", pngUpload("images", "a.png", red))
	ts.train(id, "blue", pngUpload("images", "b.png", blue))

	code, _ := ts.request("POST", "/api/session/"+id+"/snapshot", nil)
	require.Equal(t, 400, code)
	code, _ = ts.request("POST", "/api/session/"+id+"/snapshot?name=%20%20", nil)
	require.Equal(t, 400, code)

	code, body := ts.request("POST", "/api/session/"+id+"/snapshot?name=colors", nil)
	require.Equal(t, 200, code, string(body))
	snap := snapshotdb.Snapshot{}
	require.NoError(t, json.Unmarshal(body, &snap))
	require.Equal(t, 2, snap.NumLabels)
	require.Equal(t, "color", snap.ModelID)

	code, body = ts.request("GET", "/api/snapshots", nil)
	require.Equal(t, 200, code)
	list := []snapshotdb.Snapshot{}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 1, len(list))
	require.Equal(t, "colors", list[0].Name)

	other := ts.newSession()
	code, body = ts.request("POST", fmt.Sprintf("/api/session/%v/restore/%v", other, snap.ID), nil)
	require.Equal(t, 200, code, string(body))
	require.Equal(t, "blue", ts.classify(other, blue).Label)

	code, _ = ts.request("DELETE", fmt.Sprintf("/api/snapshot/%v", snap.ID), nil)
	require.Equal(t, 200, code)
	code, _ = ts.request("POST", fmt.Sprintf("/api/session/%v/restore/%v", other, snap.ID), nil)
	require.Equal(t, 404, code)
}

func TestSnapshotsDisabled(t *testing.T) {
	ts := newTestServer(t, defaultModels(), false)
	code, _ := ts.request("GET", "/api/snapshots", nil)
	require.Equal(t, 404, code)
}

func TestLiveWebSocket(t *testing.T) {
	ts := newTestServer(t, defaultModels(), false)
	id := ts.newSession()

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/session/" + id + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, nntest.SolidPNG(red)))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame := session.LiveFrame{}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, 4, frame.Width)
	require.Equal(t, 1, len(frame.Objects))
	require.Equal(t, "person", frame.Objects[0].Class)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
}

func TestReapIdleSessions(t *testing.T) {
	ts := newTestServer(t, defaultModels(), false)
	id := ts.newSession()
	require.Equal(t, 1, ts.server.numSessions())

	require.Equal(t, 0, ts.server.reapIdleSessions(time.Now()))
	idle := ts.server.config.Session.IdleTimeout()
	require.Equal(t, 1, ts.server.reapIdleSessions(time.Now().Add(idle+time.Second)))
	require.Equal(t, 0, ts.server.numSessions())

	code, _ := ts.request("GET", "/api/session/"+id+"/state", nil)
	require.Equal(t, 404, code)
}

func TestShutdownIsIdempotent(t *testing.T) {
	ts := newTestServer(t, defaultModels(), false)
	detector := ts.server.models.Detector.(*nntest.StaticDetector)
	ts.newSession()
	ts.server.Shutdown()
	ts.server.Shutdown()
	require.NoError(t, <-ts.server.ShutdownComplete)
	require.True(t, detector.IsClosed())
	require.Equal(t, 0, ts.server.numSessions())
}
