package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cyclopcam/teachable/pkg/dataset"
	"github.com/cyclopcam/teachable/pkg/imagex"
	"github.com/cyclopcam/teachable/pkg/perfstats"
	"github.com/cyclopcam/teachable/server/session"
	"github.com/cyclopcam/teachable/server/snapshotdb"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() error {
	router := httprouter.New()

	handle := func(method, route string, h httprouter.Handle) {
		www.Handle(s.Log, router, method, route, h)
	}

	// Uploads run the models, so each endpoint gets its own per-IP limiter
	uploadsPerMinute := s.config.Session.UploadsPerMinute
	if uploadsPerMinute <= 0 {
		uploadsPerMinute = 120
	}
	ratelimited := func(method, route string, h httprouter.Handle) {
		limited := httprate.Limit(uploadsPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				h(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/status", s.httpStatus)

	handle("POST", "/api/session", s.httpSessionCreate)
	handle("DELETE", "/api/session/:id", s.httpSessionClose)
	handle("GET", "/api/session/:id/state", s.httpSessionState)
	ratelimited("POST", "/api/session/:id/train", s.httpSessionTrain)
	ratelimited("POST", "/api/session/:id/classify", s.httpSessionClassify)
	ratelimited("POST", "/api/session/:id/detect", s.httpSessionDetect)
	handle("GET", "/api/session/:id/export", s.httpSessionExport)
	ratelimited("POST", "/api/session/:id/import", s.httpSessionImport)
	handle("POST", "/api/session/:id/clear", s.httpSessionClear)
	handle("GET", "/api/session/:id/live", s.httpSessionLive)

	handle("GET", "/api/snapshots", s.httpSnapshotList)
	handle("POST", "/api/session/:id/snapshot", s.httpSnapshotSave)
	handle("POST", "/api/session/:id/restore/:snapshotID", s.httpSnapshotRestore)
	handle("DELETE", "/api/snapshot/:snapshotID", s.httpSnapshotDelete)

	s.httpRouter = router
	return nil
}

// checkErr converts domain errors into HTTP errors, and panics with them
func checkErr(err error) {
	if err == nil {
		return
	}
	var decodeErr *imagex.DecodeError
	var parseErr *dataset.ParseError
	var shapeErr *dataset.ShapeError
	switch {
	case errors.As(err, &decodeErr), errors.As(err, &parseErr), errors.As(err, &shapeErr),
		errors.Is(err, session.ErrEmptyBatch), errors.Is(err, session.ErrEmptyLabel), errors.Is(err, dataset.ErrEmpty),
		errors.Is(err, snapshotdb.ErrEmptyName):
		www.PanicBadRequestf("%v", err)
	case errors.Is(err, session.ErrModelUnavailable):
		www.Panic(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, snapshotdb.ErrNotFound):
		www.Panic(http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		www.Panic(http.StatusGatewayTimeout, "Model call timed out")
	}
	www.Check(err)
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendText(w, "pong")
}

type modelStatusJSON struct {
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
	Error  string `json:"error,omitempty"`
}

type statusJSON struct {
	FeatureExtractor modelStatusJSON   `json:"featureExtractor"`
	ImageClassifier  modelStatusJSON   `json:"imageClassifier"`
	Detector         modelStatusJSON   `json:"detector"`
	DetectorVariant  string            `json:"detectorVariant"`
	EmbeddingWidth   int               `json:"embeddingWidth"`
	Snapshots        bool              `json:"snapshots"`
	Sessions         int               `json:"sessions"`
	EmbedTime        perfstats.Summary `json:"embedTime"`
	ClassifyTime     perfstats.Summary `json:"classifyTime"`
	DetectTime       perfstats.Summary `json:"detectTime"`
}

func makeModelStatus(name string, loaded bool, err error) modelStatusJSON {
	m := modelStatusJSON{Name: name, Loaded: loaded}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	st := statusJSON{
		FeatureExtractor: makeModelStatus(s.config.Models.FeatureExtractor, s.models.Extractor != nil, s.models.ExtractorErr),
		ImageClassifier:  makeModelStatus(s.config.Models.ImageClassifier, s.models.ImageClassifier != nil, s.models.ImageClassifierErr),
		Detector:         makeModelStatus(s.config.Models.DetectorVariant, s.models.Detector != nil, s.models.DetectorErr),
		DetectorVariant:  s.config.Models.DetectorVariant,
		Snapshots:        s.snapshots != nil,
		Sessions:         s.numSessions(),
		EmbedTime:        s.modelStats.Embed.Summary(),
		ClassifyTime:     s.modelStats.Classify.Summary(),
		DetectTime:       s.modelStats.Detect.Summary(),
	}
	if s.models.Extractor != nil {
		st.FeatureExtractor.Name = s.models.Extractor.ModelID()
		st.EmbeddingWidth = s.models.Extractor.Width()
	}
	www.CacheNever(w)
	www.SendJSON(w, &st)
}
