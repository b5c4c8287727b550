package rest

import (
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tendant/simple-migrate/pkg/simplemigrate"
	"github.com/tendant/simple-migrate/pkg/simplemigrate/sysmeta"
)

const maxUploadMemory = 32 << 20

// Handler serves a local node over the v1 REST API, so a staging node can
// be the source of a later migration.
type Handler struct {
	node   simplemigrate.Node
	logger *slog.Logger
}

// NewHandler creates a new node handler
func NewHandler(node simplemigrate.Node, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{node: node, logger: logger}
}

// Routes returns the routes for the node, versioned under /v1
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/"+APIVersion, func(r chi.Router) {
		r.Get("/object", h.ListObjects)
		r.Post("/object", h.CreateObject)
		r.Get("/object/{pid}", h.GetObject)
		r.Put("/object/{pid}", h.UpdateObject)
		r.Get("/meta/{pid}", h.GetSystemMetadata)
	})
	return r
}

// ListObjects returns one page of identifiers
func (h *Handler) ListObjects(w http.ResponseWriter, r *http.Request) {
	start, err := queryInt(r, "start", 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "InvalidRequest", "start: "+err.Error())
		return
	}
	count, err := queryInt(r, "count", DefaultPageSize)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "InvalidRequest", "count: "+err.Error())
		return
	}

	var infos []ObjectInfo
	total := 0
	for pid, err := range h.node.List(r.Context()) {
		if err != nil {
			h.logger.Error("Failed to list objects", "err", err)
			h.writeError(w, http.StatusInternalServerError, "ServiceFailure", err.Error())
			return
		}
		if total >= start && len(infos) < count {
			infos = append(infos, ObjectInfo{Identifier: pid})
		}
		total++
	}

	h.writeXML(w, http.StatusOK, newObjectList(start, total, infos))
}

// GetObject returns the object bytes
func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pidParam(w, r)
	if !ok {
		return
	}
	data, err := h.node.Get(r.Context(), pid)
	if err != nil {
		h.writeNodeError(w, pid, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetSystemMetadata returns the system metadata document
func (h *Handler) GetSystemMetadata(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pidParam(w, r)
	if !ok {
		return
	}
	meta, err := h.node.GetSystemMetadata(r.Context(), pid)
	if err != nil {
		h.writeNodeError(w, pid, err)
		return
	}
	doc, err := sysmeta.Marshal(meta)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "ServiceFailure", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// CreateObject stores a new object from a multipart request
func (h *Handler) CreateObject(w http.ResponseWriter, r *http.Request) {
	pid, data, meta, ok := h.readUpload(w, r, "pid")
	if !ok {
		return
	}
	if err := h.node.Create(r.Context(), pid, data, meta); err != nil {
		h.writeNodeError(w, pid, err)
		return
	}
	h.writeIdentifier(w, pid)
}

// UpdateObject stores a successor of the object named in the path
func (h *Handler) UpdateObject(w http.ResponseWriter, r *http.Request) {
	oldPID, ok := h.pidParam(w, r)
	if !ok {
		return
	}
	newPID, data, meta, ok := h.readUpload(w, r, "newPid")
	if !ok {
		return
	}
	if err := h.node.Update(r.Context(), oldPID, data, newPID, meta); err != nil {
		h.writeNodeError(w, oldPID, err)
		return
	}
	h.writeIdentifier(w, newPID)
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request, pidField string) (string, []byte, *simplemigrate.SystemMetadata, bool) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		h.writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return "", nil, nil, false
	}
	pid := r.FormValue(pidField)
	if pid == "" {
		h.writeError(w, http.StatusBadRequest, "InvalidRequest", pidField+" is required")
		return "", nil, nil, false
	}
	data, err := formFile(r.MultipartForm, "object")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return "", nil, nil, false
	}
	doc, err := formFile(r.MultipartForm, "sysmeta")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return "", nil, nil, false
	}
	meta, err := sysmeta.Parse(doc)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "InvalidSystemMetadata", err.Error())
		return "", nil, nil, false
	}
	return pid, data, meta, true
}

func formFile(form *multipart.Form, field string) ([]byte, error) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, errors.New(field + " is required")
	}
	f, err := files[0].Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *Handler) pidParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	pid, err := url.PathUnescape(chi.URLParam(r, "pid"))
	if err != nil || pid == "" {
		h.writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid identifier")
		return "", false
	}
	return pid, true
}

func (h *Handler) writeNodeError(w http.ResponseWriter, pid string, err error) {
	switch {
	case errors.Is(err, simplemigrate.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, simplemigrate.ErrAlreadyExists):
		h.writeError(w, http.StatusConflict, "IdentifierNotUnique", err.Error())
	default:
		h.logger.Error("Node operation failed", "pid", pid, "err", err)
		h.writeError(w, http.StatusInternalServerError, "ServiceFailure", err.Error())
	}
}

func (h *Handler) writeIdentifier(w http.ResponseWriter, pid string) {
	h.writeXML(w, http.StatusOK, struct {
		XMLName xml.Name `xml:"identifier"`
		Value   string   `xml:",chardata"`
	}{Value: pid})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, name, description string) {
	h.writeXML(w, status, &NodeError{Name: name, ErrorCode: status, Description: description})
}

func (h *Handler) writeXML(w http.ResponseWriter, status int, v any) {
	body, err := xml.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode response", "err", err)
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}
