package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/eteran/objgate/pkg/storage"
)

const (
	// PresignExpiry is how long a URL issued by the presign endpoint stays valid.
	PresignExpiry = 15 * time.Minute

	// ListLimit caps the number of summaries returned by the list endpoint.
	ListLimit = 1000

	// UploadFormField is the multipart field carrying the uploaded file.
	UploadFormField = "file"

	// multipart parts larger than this are spooled to disk while parsing
	maxUploadMemory = 8 << 20

	// headroom on top of the file size limit for boundaries, part headers
	// and any other form fields
	uploadEnvelopeBytes = 16 << 10
)

// Gateway serves the /images API on top of an ObjectStore.
type Gateway struct {
	store          storage.ObjectStore
	maxUploadBytes int64
	newKey         func() string
	metrics        *Metrics
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, errors.New("gateway: an object store is required")
	}

	newKey := cfg.NewKey
	if newKey == nil {
		newKey = NewConfig().NewKey
	}

	return &Gateway{
		store:          cfg.Store,
		maxUploadBytes: cfg.MaxUploadBytes,
		newKey:         newKey,
		metrics:        cfg.Metrics,
	}, nil
}

// Handler returns an http.Handler implementing the /images API.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", g.handleHealth)

	mux.HandleFunc("GET /images/all", func(w http.ResponseWriter, r *http.Request) {
		g.handleList(r.Context(), w, r)
	})
	mux.HandleFunc("POST /images", func(w http.ResponseWriter, r *http.Request) {
		g.handleUpload(r.Context(), w, r)
	})
	mux.HandleFunc("DELETE /images/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		g.handleDelete(r.Context(), w, r, key)
	})

	// "/images/download/{key}" and "/images/{key}/presigned" overlap, which
	// ServeMux refuses to register, so both are dispatched from here. Download
	// wins when both would match.
	mux.HandleFunc("GET /images/{first}/{second}", func(w http.ResponseWriter, r *http.Request) {
		first := r.PathValue("first")
		second := r.PathValue("second")

		switch {
		case first == "download":
			g.handleDownload(r.Context(), w, r, second)
		case second == "presigned":
			g.handlePresign(r.Context(), w, r, first)
		default:
			writeError(w, http.StatusNotFound, KindNotFound, fmt.Sprintf("no route for %s", r.URL.Path))
		}
	})

	return LogRequest(g.metrics.Instrument(Recoverer(SlashFix(mux))))
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "ok")
}

func (g *Gateway) handlePresign(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) {
	url, err := g.store.PresignGet(ctx, key, PresignExpiry)
	if err != nil {
		g.writeStoreError(w, err, "generating pre-signed URL")
		return
	}

	writeJSON(w, http.StatusOK, PresignedURL{Key: key, URL: url})
}

func (g *Gateway) handleUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if g.maxUploadBytes > 0 {
		bodyLimit := g.maxUploadBytes + uploadEnvelopeBytes
		if r.ContentLength > bodyLimit {
			g.writeTooLarge(w)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			g.writeTooLarge(w)
			return
		}
		writeError(w, http.StatusBadRequest, KindClientInputError, fmt.Sprintf("invalid multipart form: %v", err))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Warn("Failed to remove temporary upload files", "error", err)
		}
	}()

	file, header, err := r.FormFile(UploadFormField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, KindClientInputError, "No file uploaded.")
			return
		}
		writeError(w, http.StatusBadRequest, KindClientInputError, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	defer file.Close()

	if header.Size == 0 {
		writeError(w, http.StatusBadRequest, KindClientInputError, "No file uploaded.")
		return
	}
	if g.maxUploadBytes > 0 && header.Size > g.maxUploadBytes {
		g.writeTooLarge(w)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = storage.DefaultContentType
	}

	key := g.newKey()
	if err := g.store.Put(ctx, key, file, header.Size, contentType, header.Filename); err != nil {
		g.writeStoreError(w, err, "uploading object")
		return
	}

	slog.Debug("Stored upload", "key", key, "file_name", header.Filename, "size", header.Size, "content_type", contentType)
	writeJSON(w, http.StatusOK, key)
}

func (g *Gateway) handleDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) {
	if err := g.store.Delete(ctx, key); err != nil {
		g.writeStoreError(w, err, "deleting object")
		return
	}

	writeJSON(w, http.StatusOK, fmt.Sprintf("Image with key %s deleted successfully.", key))
}

func (g *Gateway) handleList(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	objects, err := g.store.List(ctx, ListLimit)
	if err != nil {
		g.writeStoreError(w, err, "listing objects")
		return
	}

	if len(objects) > ListLimit {
		objects = objects[:ListLimit]
	}

	summaries := make([]ObjectSummary, 0, len(objects))
	for _, o := range objects {
		summaries = append(summaries, ObjectSummary{
			Key:          o.Key,
			LastModified: o.LastModified.UTC(),
			Size:         o.Size,
		})
	}

	writeJSON(w, http.StatusOK, summaries)
}

func (g *Gateway) handleDownload(ctx context.Context, w http.ResponseWriter, r *http.Request, key string) {
	obj, err := g.store.Get(ctx, key)
	if err != nil {
		g.writeStoreError(w, err, "downloading object")
		return
	}
	defer obj.Body.Close()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = storage.DefaultContentType
	}

	fileName := obj.FileName
	if fileName == "" {
		fileName = key
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fileName}))
	if obj.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	if !obj.LastModified.IsZero() {
		w.Header().Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)

	// The status line is already sent, so a failure here can only be logged.
	if _, err := io.Copy(w, obj.Body); err != nil {
		slog.Error("Failed to stream object to client", "key", key, "error", err)
	}
}

func (g *Gateway) writeTooLarge(w http.ResponseWriter) {
	writeError(w, http.StatusRequestEntityTooLarge, KindClientInputError,
		fmt.Sprintf("upload exceeds the limit of %d bytes", g.maxUploadBytes))
}

// writeStoreError reports a failed store call. Provider failures become a
// 400 carrying the provider's message; anything else is an internal error.
func (g *Gateway) writeStoreError(w http.ResponseWriter, err error, doing string) {
	storeErr, ok := storage.AsStoreError(err)
	if !ok {
		slog.Error("Unexpected error from object store", "doing", doing, "error", err)
		writeError(w, http.StatusInternalServerError, KindInternalError, "internal server error")
		return
	}

	g.metrics.StoreError(storeErr.Op)
	slog.Warn("Object store call failed",
		"op", storeErr.Op,
		"key", storeErr.Key,
		"code", storeErr.Code,
		"error", err,
	)

	writeError(w, http.StatusBadRequest, KindStoreError, fmt.Sprintf("store error %s: %s", doing, storeErr.Description()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind string, message string) {
	writeJSON(w, status, ErrorResponse{Error: kind, Message: message})
}
