package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"discserver/internal/border"
	"discserver/internal/config"
	"discserver/internal/encoder"
	"discserver/internal/imaging"
	"discserver/internal/logger"
	"discserver/internal/matcher"
	"discserver/internal/store"
)

const requestTimeout = 30 * time.Second

// DiscHandler exposes the matcher over HTTP. Handlers stay thin: parse,
// call the matcher, encode JSON.
type DiscHandler struct {
	matcher *matcher.Matcher
	config  *config.Config
	logger  *logger.Logger
}

func NewDiscHandler(m *matcher.Matcher, cfg *config.Config, log *logger.Logger) *DiscHandler {
	return &DiscHandler{matcher: m, config: cfg, logger: log}
}

// Upload registers a new disc in the pending state. The client follows
// up with confirm or cancel.
func (h *DiscHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	data, contentType, ok := h.readImage(w, r)
	if !ok {
		return
	}

	result, err := h.matcher.Register(ctx, data, contentType, discMetadataFromForm(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Register registers and immediately confirms a disc, for callers that
// have no two-phase upload flow (batch tooling, trusted imports).
func (h *DiscHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	data, contentType, ok := h.readImage(w, r)
	if !ok {
		return
	}

	result, err := h.matcher.Register(ctx, data, contentType, discMetadataFromForm(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.matcher.Confirm(ctx, result.DiscID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Confirm makes a pending disc visible to searches.
func (h *DiscHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	discID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.matcher.Confirm(ctx, discID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"disc_id": discID, "upload_status": store.UploadSuccess})
}

// Cancel aborts a pending registration and removes all traces of it.
func (h *DiscHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	discID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.matcher.Cancel(ctx, discID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"disc_id": discID, "cancelled": true})
}

// Search runs the identification pipeline on the uploaded photograph
// and returns ranked per-disc matches.
func (h *DiscHandler) Search(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	data, contentType, ok := h.readImage(w, r)
	if !ok {
		return
	}

	k := formInt(r, "top_k", 0)
	minSimilarity := formFloat(r, "min_similarity", -1)
	statusFilter := r.FormValue("status")

	matches, err := h.matcher.FindMatches(ctx, data, contentType, k, minSimilarity, statusFilter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"matches": matches,
		"count":   len(matches),
	})
}

// Get returns one disc with its image rows.
func (h *DiscHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	discID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	disc, err := h.matcher.GetDisc(ctx, discID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disc)
}

// List returns discs matching the query filters.
func (h *DiscHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	filter := store.DiscFilter{
		Status:       r.URL.Query().Get("status"),
		UploadStatus: r.URL.Query().Get("upload_status"),
		Limit:        queryInt(r, "limit", 0),
		Offset:       queryInt(r, "offset", 0),
	}
	discs, err := h.matcher.ListDiscs(ctx, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"discs": discs, "count": len(discs)})
}

// UpdateStatus changes a disc's status (registered/stolen/found).
func (h *DiscHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	discID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := h.matcher.UpdateStatus(ctx, discID, body.Status); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"disc_id": discID, "status": body.Status})
}

// AddImage attaches another photograph to an existing disc.
func (h *DiscHandler) AddImage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	discID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	data, contentType, ok := h.readImage(w, r)
	if !ok {
		return
	}

	result, err := h.matcher.AddImage(ctx, discID, data, contentType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// UpdateBorder applies a user-edited border to an image row, re-cropping
// and re-encoding it.
func (h *DiscHandler) UpdateBorder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	imageID, ok := h.pathID(w, r, "imageID")
	if !ok {
		return
	}

	var b border.Border
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	img, err := h.matcher.UpdateBorder(ctx, imageID, &b)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// Delete removes a disc, its image rows, and its files.
func (h *DiscHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	discID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.matcher.DeleteDisc(ctx, discID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"disc_id": discID, "deleted": true})
}

// Artifact serves a stored original or cropped image file.
func (h *DiscHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	discID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	path, err := h.matcher.ArtifactPath(discID, r.PathValue("filename"))
	if err != nil {
		http.Error(w, "Image not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

// Health reports readiness.
func (h *DiscHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"encoder": h.config.EncoderType,
	})
}

func (h *DiscHandler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

// readImage pulls the multipart "image" part, capped at the configured
// upload size plus form overhead.
func (h *DiscHandler) readImage(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxImageSizeBytes()+1024*1024)

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "Missing image file", http.StatusBadRequest)
		return nil, "", false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading image", http.StatusBadRequest)
		return nil, "", false
	}
	return data, header.Header.Get("Content-Type"), true
}

func (h *DiscHandler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id < 1 {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeError maps pipeline and store failures to HTTP statuses.
func (h *DiscHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, imaging.ErrImageTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, imaging.ErrUnsupportedFormat),
		errors.Is(err, imaging.ErrUndecodable),
		errors.Is(err, encoder.ErrDegenerateEmbedding),
		errors.Is(err, store.ErrInvalidStatus),
		errors.Is(err, store.ErrInvalidDimension):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, store.ErrDiscNotFound), errors.Is(err, store.ErrImageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func discMetadataFromForm(r *http.Request) matcher.DiscMetadata {
	return matcher.DiscMetadata{
		OwnerName:    r.FormValue("owner_name"),
		OwnerContact: r.FormValue("owner_contact"),
		DiscModel:    r.FormValue("disc_model"),
		DiscColor:    r.FormValue("disc_color"),
		Notes:        r.FormValue("notes"),
		Location:     r.FormValue("location"),
		Status:       r.FormValue("status"),
	}
}

func formInt(r *http.Request, key string, def int) int {
	if v := r.FormValue(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func formFloat(r *http.Request, key string, def float64) float64 {
	if v := r.FormValue(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
