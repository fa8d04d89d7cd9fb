package gateway

import (
	"net/http"
	"strconv"

	"github.com/revgate/claude-gateway/internal/claude"
)

const maxUploadBytes = 32 << 20

// UploadImage forwards a multipart image to the upstream file endpoint and
// returns its descriptor verbatim.
func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.authorize(w, r) {
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, "malformed multipart body", http.StatusBadRequest)
		return
	}
	idx, err := strconv.Atoi(r.FormValue("client_idx"))
	if err != nil {
		writeError(w, "client_idx is required", http.StatusBadRequest)
		return
	}
	tier := claude.Tier(r.FormValue("client_type")).Normalize()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	client, err := h.registry.Client(tier, idx)
	if err != nil {
		writeError(w, "no client available at the requested index", http.StatusBadRequest)
		return
	}

	descriptor, err := client.UploadImage(ctx, header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeError(w, "image upload failed", StatusImageUpload)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(descriptor)
}

// ConvertDocument extracts text from an uploaded document through the
// configured conversion engine.
func (h *Handler) ConvertDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.authorize(w, r) {
		return
	}
	if h.converter == nil {
		writeError(w, "document conversion is not configured", http.StatusNotImplemented)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, "malformed multipart body", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	doc, err := h.converter.Convert(ctx, header.Filename, file)
	if err != nil {
		writeError(w, "document conversion failed", StatusDocumentUpload)
		return
	}
	doc.FileSize = header.Size
	writeJSON(w, doc)
}

// ListModels reports the model ids each tier may request.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"models": claude.AllModels(),
		"tiers": map[string][]claude.Model{
			"basic": claude.TierModels("basic"),
			"plus":  claude.TierModels("plus"),
		},
	})
}

// authorize enforces tenant key validity for non-chat endpoints.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	key := bearerToken(r)
	if key == "" {
		writeError(w, "missing API key", StatusInvalidKey)
		return false
	}
	valid, err := h.keys.IsValid(r.Context(), key)
	if err != nil {
		writeError(w, "key validation failed", http.StatusInternalServerError)
		return false
	}
	if !valid {
		writeError(w, "invalid or expired API key", StatusInvalidKey)
		return false
	}
	return true
}
