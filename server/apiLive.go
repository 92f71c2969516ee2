package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cyclopcam/teachable/server/framebox"
	"github.com/cyclopcam/teachable/server/session"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// The browser sends webcam frames as binary JPEG/PNG messages, and receives
// one JSON LiveFrame per detection. Frames that arrive while a detection is
// running replace each other, so the browser never waits on us.
func (s *Server) httpSessionLive(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSessionOrPanic(params)
	if s.models.Detector == nil {
		checkErr(session.ErrModelUnavailable)
	}

	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpSessionLive websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()

	box := framebox.New(s.config.Session.MaxImagePixels)
	defer box.Close()

	// Only the live loop and the final close message write to the socket
	var writeLock sync.Mutex
	render := func(frame *session.LiveFrame) error {
		sess.Touch()
		writeLock.Lock()
		defer writeLock.Unlock()
		c.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return c.WriteJSON(frame)
	}

	loop, err := sess.StartLiveDetection(context.Background(), box, render)
	if err != nil {
		s.Log.Errorf("Session %v: failed to start live detection: %v", sess.ID, err)
		c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	s.Log.Infof("Session %v: live detection started", sess.ID)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			msgType, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				box.Publish(data)
			}
		}
	}()

	select {
	case <-readerDone:
	case <-loop.Done():
	}
	loop.Stop()
	box.Close()

	stats := box.Stats()
	if err := loop.Err(); err != nil {
		s.Log.Infof("Session %v: live detection ended: %v", sess.ID, err)
	}
	s.Log.Infof("Session %v: live detection stopped. %v frames received, %v dropped, %v rendered", sess.ID, stats.Published, stats.Dropped, loop.Rendered())

	writeLock.Lock()
	c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	writeLock.Unlock()
	c.Close()
	<-readerDone
}
