package server

import (
	"net/http"

	"github.com/cyclopcam/teachable/server/snapshotdb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) snapshotsOrPanic() *snapshotdb.SnapshotDB {
	if s.snapshots == nil {
		www.Panic(http.StatusNotFound, "Snapshot library is not configured")
	}
	return s.snapshots
}

func parseSnapshotID(params httprouter.Params) int64 {
	id := www.ParseID(params.ByName("snapshotID"))
	if id <= 0 {
		www.PanicBadRequestf("Invalid snapshot ID '%v'", params.ByName("snapshotID"))
	}
	return id
}

func (s *Server) httpSnapshotList(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	list, err := s.snapshotsOrPanic().List()
	checkErr(err)
	www.CacheNever(w)
	www.SendJSON(w, list)
}

// ?name= is required
func (s *Server) httpSnapshotSave(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	db := s.snapshotsOrPanic()
	sess := s.getSessionOrPanic(params)
	name := www.RequiredQueryValue(r, "name")
	snap, err := db.Save(r.Context(), name, sess.Dataset(), sess.ModelID())
	checkErr(err)
	www.SendJSON(w, snap)
}

func (s *Server) httpSnapshotRestore(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	db := s.snapshotsOrPanic()
	sess := s.getSessionOrPanic(params)
	snap, payload, err := db.Load(r.Context(), parseSnapshotID(params))
	checkErr(err)
	checkErr(sess.ImportDataset(payload, 0))
	www.SendJSON(w, snap)
}

func (s *Server) httpSnapshotDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	db := s.snapshotsOrPanic()
	checkErr(db.Delete(r.Context(), parseSnapshotID(params)))
	www.SendOK(w)
}
