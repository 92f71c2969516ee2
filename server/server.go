package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/nnload"
	"github.com/cyclopcam/teachable/pkg/perfstats"
	"github.com/cyclopcam/teachable/server/config"
	"github.com/cyclopcam/teachable/server/session"
	"github.com/cyclopcam/teachable/server/snapshotdb"
	"github.com/cyclopcam/teachable/server/storage"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Models are the shared, read-only model handles. A nil model failed to load, and Err says why.
type Models struct {
	Extractor          nn.FeatureExtractor
	ExtractorErr       error
	ImageClassifier    nn.ImageClassifier
	ImageClassifierErr error
	Detector           nn.ObjectDetector
	DetectorErr        error
}

func (m *Models) Close() {
	if m.Extractor != nil {
		m.Extractor.Close()
	}
	if m.ImageClassifier != nil {
		m.ImageClassifier.Close()
	}
	if m.Detector != nil {
		m.Detector.Close()
	}
}

// LoadModels loads each model independently, so that one failure doesn't take out
// the features that depend only on the other model.
func LoadModels(log logs.Log, cfg *config.Config) Models {
	opt := nnload.Options{
		ModelDir:      cfg.Models.Dir,
		BaseURL:       cfg.Models.BaseURL,
		SharedLibrary: cfg.Models.SharedLibrary,
	}
	m := Models{}
	m.Extractor, m.ExtractorErr = nnload.LoadFeatureExtractor(log, opt, cfg.Models.FeatureExtractor)
	if m.ExtractorErr != nil {
		log.Errorf("Failed to load feature extractor. Training and classification are disabled: %v", m.ExtractorErr)
		m.Extractor = nil
	}
	m.ImageClassifier, m.ImageClassifierErr = nnload.LoadImageClassifier(log, opt, cfg.Models.ImageClassifier)
	if m.ImageClassifierErr != nil {
		log.Errorf("Failed to load image classifier. Training images will not be labelled with generic classes: %v", m.ImageClassifierErr)
		m.ImageClassifier = nil
	}
	m.Detector, m.DetectorErr = nnload.LoadDetector(log, opt, nnload.DetectorConfig{BackboneVariant: cfg.Models.DetectorVariant})
	if m.DetectorErr != nil {
		log.Errorf("Failed to load object detector. Detection is disabled: %v", m.DetectorErr)
		m.Detector = nil
	}
	return m
}

type Server struct {
	Log              logs.Log
	ShutdownComplete chan error // Receives one value when Shutdown() has finished

	config     *config.Config
	models     Models
	modelStats perfstats.ModelStats
	snapshots  *snapshotdb.SnapshotDB // nil if not configured
	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader

	sessionsLock sync.Mutex
	sessions     map[string]*session.Session

	shutdownOnce sync.Once
	reaperStop   chan struct{}
	reaperDone   chan struct{}
}

// NewServer takes ownership of models, and closes them on Shutdown
func NewServer(log logs.Log, cfg *config.Config, models Models) (*Server, error) {
	s := &Server{
		Log:              log,
		ShutdownComplete: make(chan error, 1),
		config:           cfg,
		models:           models,
		sessions:         map[string]*session.Session{},
		reaperStop:       make(chan struct{}),
		reaperDone:       make(chan struct{}),
	}

	if cfg.HasSnapshots() {
		store, err := storage.Open(context.Background(), log, cfg.Storage)
		if err != nil {
			return nil, err
		}
		snapshots, err := snapshotdb.Open(log, *cfg.DB, store)
		if err != nil {
			return nil, err
		}
		s.snapshots = snapshots
	} else {
		log.Infof("Snapshot library is disabled, because no 'db' is configured")
	}

	if err := s.setupHttpRoutes(); err != nil {
		return nil, err
	}
	go s.reaper()
	return s, nil
}

// Handler returns the HTTP router, for tests that don't want to open a port
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

// port example: ":8090"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// Shutdown() was called by something other than ourselves
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// Shutdown closes all sessions and models, and stops the HTTP server.
// It is safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.Log.Infof("Shutdown")
		if s.signalIn != nil {
			signal.Stop(s.signalIn)
			close(s.signalIn)
		}

		close(s.reaperStop)
		<-s.reaperDone

		s.sessionsLock.Lock()
		all := s.sessions
		s.sessions = map[string]*session.Session{}
		s.sessionsLock.Unlock()
		for _, sess := range all {
			sess.Close()
		}

		var err error
		if s.httpServer != nil {
			s.Log.Infof("Closing HTTP server")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err = s.httpServer.Shutdown(ctx)
			cancel()
		}

		s.models.Close()

		if err != nil {
			s.Log.Warnf("Shutdown complete, with error: %v", err)
			err = fmt.Errorf("HTTP server shutdown: %w", err)
		} else {
			s.Log.Infof("Shutdown complete")
		}
		s.ShutdownComplete <- err
	})
}
