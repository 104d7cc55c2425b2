package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pixelflow/internal/assets"
	"pixelflow/internal/config"
	"pixelflow/internal/decode"
	"pixelflow/internal/fetch"
	"pixelflow/internal/pipeline"
	"pixelflow/internal/request"
	"pixelflow/internal/tile"
	"pixelflow/internal/transform"
)

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	catalog  *assets.Catalog
	renderer *tile.Renderer
	engine   *pipeline.Engine
}

func New(config *config.Config, logger *zap.Logger, catalog *assets.Catalog, renderer *tile.Renderer, engine *pipeline.Engine) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		catalog:  catalog,
		renderer: renderer,
		engine:   engine,
	}
}

// Routes registers every endpoint on a new mux wrapped in the middlewares.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/images", h.HandleImages)
	mux.HandleFunc("/api/images/", h.HandleImageRoutes)
	mux.HandleFunc("/api/render", h.HandleRender)
	mux.HandleFunc("/api/upload", h.HandleUpload)
	mux.HandleFunc("/api/stats", h.HandleStats)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", extractIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := h.config.AllowedOrigin
		if allowedOrigin == "" {
			switch {
			case origin == "":
				allowedOrigin = "*"
			case origin == "http://"+r.Host || origin == "https://"+r.Host:
				allowedOrigin = origin
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.catalog.List())
}

func (h *Handlers) HandleImageRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/images/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	imageID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.handleDelete(w, r, imageID)
	case len(parts) == 2 && parts[1] == "meta":
		h.handleMeta(w, r, imageID)
	case len(parts) == 5 && parts[1] == "tiles":
		h.handleTile(w, r, imageID, parts[2:])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleMeta(w http.ResponseWriter, r *http.Request, imageID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	meta, err := h.renderer.Meta(imageID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, meta)
}

func (h *Handlers) handleDelete(w http.ResponseWriter, r *http.Request, imageID string) {
	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.catalog.Delete(imageID); err != nil {
		if errors.Is(err, assets.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to delete image", zap.String("id", imageID), zap.Error(err))
		http.Error(w, "Failed to delete image", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, imageID string, tileParts []string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	z, errZ := strconv.Atoi(tileParts[0])
	x, errX := strconv.Atoi(tileParts[1])
	name, ext, _ := strings.Cut(tileParts[2], ".")
	y, errY := strconv.Atoi(name)
	if errZ != nil || errX != nil || errY != nil {
		http.Error(w, "Invalid tile coordinates", http.StatusBadRequest)
		return
	}
	if z < 0 || x < 0 || y < 0 {
		http.Error(w, "Coordinates must be non-negative", http.StatusBadRequest)
		return
	}
	if ext != "jpg" && ext != "jpeg" {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}

	t, err := h.renderer.RenderTile(r.Context(), imageID, z, x, y)
	if err != nil {
		switch {
		case errors.Is(err, tile.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, tile.ErrOutOfRange):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, context.Canceled):
		default:
			h.logger.Error("Failed to render tile", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	defer t.Release()

	etag := `"` + t.ETag + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(t.Data)))
	w.Header().Set("X-Tile-Bytes", strconv.Itoa(len(t.Data)))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(t.Data)
}

// HandleRender runs an arbitrary image request through the pipeline and
// returns the result as PNG or JPEG.
func (h *Handlers) HandleRender(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, format, err := h.parseRenderRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch res := h.engine.Execute(r.Context(), req).(type) {
	case *pipeline.Success:
		defer res.Release()
		h.writeImage(w, r, res, format)
	case *pipeline.Failure:
		status := statusFor(res.Err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Render failed", zap.String("uri", req.URI()), zap.Error(res.Err))
		}
		http.Error(w, res.Err.Error(), status)
	case *pipeline.Cancelled:
		// the client went away
	}
}

func (h *Handlers) parseRenderRequest(r *http.Request) (*request.ImageRequest, imaging.Format, error) {
	q := r.URL.Query()
	uri := q.Get("uri")
	if id := q.Get("id"); uri == "" && id != "" {
		uri = "asset://" + id
	}

	var opts []request.Option
	w, errW := atoiDefault(q.Get("w"))
	hgt, errH := atoiDefault(q.Get("h"))
	if errW != nil || errH != nil || w < 0 || hgt < 0 {
		return nil, 0, fmt.Errorf("invalid size")
	}
	if (w > 0) != (hgt > 0) {
		return nil, 0, fmt.Errorf("w and h must be given together")
	}
	if w > 0 {
		opts = append(opts, request.WithSize(w, hgt))
	}
	if v := q.Get("precision"); v != "" {
		p, err := request.ParsePrecision(v)
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, request.WithPrecision(p))
	}
	if v := q.Get("scale"); v != "" {
		s, err := request.ParseScale(v)
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, request.WithScale(s))
	}
	if v := q.Get("depth"); v != "" {
		d, err := request.ParseDepth(v)
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, request.WithDepth(d, "http"))
	}
	if v := q.Get("cache"); v != "" {
		p, err := request.ParseCachePolicy(strings.ToUpper(v))
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, request.WithCachePolicy(p))
	}
	if v := q.Get("t"); v != "" {
		ts, err := transform.Parse(v)
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts, request.WithTransformations(ts...))
	}
	if q.Get("saveTraffic") == "true" {
		opts = append(opts, request.WithParameter(pipeline.SaveTrafficParameter, "true", false))
	}
	if auth := r.Header.Get("X-Upstream-Authorization"); auth != "" {
		opts = append(opts, request.WithHTTPHeader("Authorization", auth))
	}

	format := imaging.PNG
	switch q.Get("format") {
	case "", "png":
	case "jpg", "jpeg":
		format = imaging.JPEG
	default:
		return nil, 0, fmt.Errorf("invalid format %q", q.Get("format"))
	}
	return h.engine.NewRequest(uri, opts...), format, nil
}

func (h *Handlers) writeImage(w http.ResponseWriter, r *http.Request, res *pipeline.Success, format imaging.Format) {
	b := res.Image.Bitmap()
	if b == nil {
		http.Error(w, "image was reclaimed", http.StatusInternalServerError)
		return
	}

	hash := sha256.Sum256([]byte(res.CacheKey + "|" + format.String()))
	etag := `"` + hex.EncodeToString(hash[:])[:16] + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Data-From", res.From.String())
	w.Header().Set("X-Image-Width", strconv.Itoa(res.Info.Width))
	w.Header().Set("X-Image-Height", strconv.Itoa(res.Info.Height))
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, b.Image(), format, imaging.JPEGQuality(82)); err != nil {
		h.logger.Error("Failed to encode image", zap.Error(err))
		http.Error(w, "Failed to encode image", http.StatusInternalServerError)
		return
	}
	contentType := "image/png"
	if format == imaging.JPEG {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Write(buf.Bytes())
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var depthErr *request.DepthError
	var decodeErr *decode.DecodeError
	var statusErr *fetch.StatusError
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.Is(err, fetch.ErrUnsupportedURI):
		return http.StatusBadRequest
	case errors.Is(err, fetch.ErrNotFound), errors.As(err, &depthErr):
		return http.StatusNotFound
	case errors.As(err, &decodeErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &statusErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	asset, err := h.catalog.Save(file, header.Filename)
	if err != nil {
		if errors.Is(err, assets.ErrUnsupported) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("Failed to process uploaded file", zap.Error(err))
		http.Error(w, "Failed to process file", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"id":     asset.ID,
		"name":   asset.OriginalFilename,
		"uri":    asset.URI(),
		"width":  asset.Width,
		"height": asset.Height,
		"saved":  true,
	})
}

// authorized checks the upload token from the Authorization header or the
// token query parameter. Without a configured token everything is allowed.
func (h *Handlers) authorized(r *http.Request) bool {
	if h.config.IsUploadPublic() {
		return true
	}
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token == h.config.UploadToken
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.engine.Stats())
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func atoiDefault(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// Not for real production use due to potential spoofing.
func extractIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return strings.Split(ip, ":")[0]
	}
	if r.RemoteAddr != "" {
		return strings.Split(r.RemoteAddr, ":")[0]
	}
	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
