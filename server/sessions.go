package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/teachable/server/session"
	"github.com/cyclopcam/www"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) sessionOptions() session.Options {
	return session.Options{
		MaxConcurrentEmbeds: s.config.Session.MaxConcurrentEmbeds,
		ModelTimeout:        s.config.Session.ModelTimeout(),
		MaxImagePixels:      s.config.Session.MaxImagePixels,
		LiveFPS:             float64(s.config.Session.LiveFPS),
		Stats:               &s.modelStats,
	}
}

func (s *Server) newSession() *session.Session {
	id := uuid.NewString()
	sess := session.New(s.Log, id, session.Collaborators{
		Extractor:       s.models.Extractor,
		ImageClassifier: s.models.ImageClassifier,
		Detector:        s.models.Detector,
	}, s.sessionOptions())

	s.sessionsLock.Lock()
	s.sessions[id] = sess
	n := len(s.sessions)
	s.sessionsLock.Unlock()

	s.Log.Infof("Created session %v (%v active)", id, n)
	return sess
}

func (s *Server) getSession(id string) *session.Session {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	return s.sessions[id]
}

func (s *Server) getSessionOrPanic(params httprouter.Params) *session.Session {
	sess := s.getSession(params.ByName("id"))
	if sess == nil {
		www.Panic(http.StatusNotFound, "Session not found")
	}
	sess.Touch()
	return sess
}

// Returns false if the session did not exist
func (s *Server) closeSession(id string) bool {
	s.sessionsLock.Lock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.sessionsLock.Unlock()
	if sess == nil {
		return false
	}
	sess.Close()
	return true
}

func (s *Server) numSessions() int {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()
	return len(s.sessions)
}

// Close sessions that have not been touched since before now - IdleTimeout.
// Sessions that are busy training are left alone.
func (s *Server) reapIdleSessions(now time.Time) int {
	idle := s.config.Session.IdleTimeout()
	expired := []*session.Session{}

	s.sessionsLock.Lock()
	for id, sess := range s.sessions {
		if now.Sub(sess.LastUsed()) > idle && !sess.IsLoading() {
			expired = append(expired, sess)
			delete(s.sessions, id)
		}
	}
	s.sessionsLock.Unlock()

	for _, sess := range expired {
		s.Log.Infof("Closing idle session %v", sess.ID)
		sess.Close()
	}
	return len(expired)
}

func (s *Server) reaper() {
	defer close(s.reaperDone)
	interval := s.config.Session.IdleTimeout() / 4
	if interval > time.Minute {
		interval = time.Minute
	} else if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.reaperStop:
			return
		case now := <-ticker.C:
			s.reapIdleSessions(now)
		}
	}
}
