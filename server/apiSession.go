package server

import (
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/cyclopcam/teachable/pkg/imagex"
	"github.com/cyclopcam/teachable/server/session"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

type sessionCreatedJSON struct {
	ID string `json:"id"`
}

func (s *Server) maxUploadBytes() int64 {
	mb := s.config.Session.MaxUploadMB
	if mb <= 0 {
		mb = 64
	}
	return int64(mb) * 1024 * 1024
}

// parseUpload parses a multipart body, and panics with 400 on failure
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) *multipart.Form {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes())
	if err := r.ParseMultipartForm(8 * 1024 * 1024); err != nil {
		www.PanicBadRequestf("Failed to parse multipart form: %v", err)
	}
	return r.MultipartForm
}

func readFormFile(fh *multipart.FileHeader) session.Image {
	f, err := fh.Open()
	if err != nil {
		www.PanicBadRequestf("Failed to open uploaded file %v: %v", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		www.PanicBadRequestf("Failed to read uploaded file %v: %v", fh.Filename, err)
	}
	return session.Image{Name: fh.Filename, Data: data}
}

// Decode the single 'image' field of a multipart upload
func (s *Server) readSingleImage(w http.ResponseWriter, r *http.Request) session.Image {
	form := s.parseUpload(w, r)
	files := form.File["image"]
	if len(files) != 1 {
		www.PanicBadRequestf("Expected exactly one 'image' file, but got %v", len(files))
	}
	return readFormFile(files[0])
}

func (s *Server) httpSessionCreate(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.newSession()
	www.SendJSON(w, &sessionCreatedJSON{ID: sess.ID})
}

func (s *Server) httpSessionClose(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !s.closeSession(params.ByName("id")) {
		www.Panic(http.StatusNotFound, "Session not found")
	}
	www.SendOK(w)
}

func (s *Server) httpSessionState(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSessionOrPanic(params)
	www.CacheNever(w)
	state := sess.State()
	www.SendJSON(w, &state)
}

// multipart 'label' and 'images' (or 'images[]')
func (s *Server) httpSessionTrain(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSessionOrPanic(params)
	form := s.parseUpload(w, r)
	label := ""
	if v := form.Value["label"]; len(v) != 0 {
		label = v[0]
	}
	files := []session.Image{}
	for _, key := range []string{"images", "images[]"} {
		for _, fh := range form.File[key] {
			files = append(files, readFormFile(fh))
		}
	}
	result, err := sess.RegisterTrainingBatch(r.Context(), files, label)
	checkErr(err)
	www.SendJSON(w, result)
}

func (s *Server) httpSessionClassify(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSessionOrPanic(params)
	file := s.readSingleImage(w, r)
	img, err := imagex.Decode(file.Name, file.Data, s.config.Session.MaxImagePixels)
	checkErr(err)
	pred, err := sess.Classify(r.Context(), img)
	checkErr(err)
	// A nil prediction is sent as null
	www.SendJSON(w, pred)
}

func (s *Server) httpSessionDetect(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSessionOrPanic(params)
	file := s.readSingleImage(w, r)
	img, err := imagex.Decode(file.Name, file.Data, s.config.Session.MaxImagePixels)
	checkErr(err)
	dets, err := sess.DetectObjects(r.Context(), img)
	checkErr(err)
	www.SendJSON(w, dets)
}

func (s *Server) httpSessionExport(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSessionOrPanic(params)
	payload, err := sess.ExportDataset()
	checkErr(err)
	www.CacheNever(w)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="model.json"`)
	w.Write(payload)
}

// Body is the dataset file. ?width= is only needed for legacy files.
func (s *Server) httpSessionImport(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSessionOrPanic(params)
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes()))
	if err != nil {
		www.PanicBadRequestf("Failed to read body: %v", err)
	}
	width := 0
	if v := r.URL.Query().Get("width"); v != "" {
		width, err = strconv.Atoi(v)
		if err != nil || width <= 0 {
			www.PanicBadRequestf("Invalid width '%v'", v)
		}
	}
	checkErr(sess.ImportDataset(payload, width))
	state := sess.State()
	www.SendJSON(w, &state)
}

func (s *Server) httpSessionClear(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sess := s.getSessionOrPanic(params)
	sess.ClearDataset()
	www.SendOK(w)
}
