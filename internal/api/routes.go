// Package api provides HTTP handlers for the tile-index server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/soma-tiles/tileindex/internal/cache"
	"github.com/soma-tiles/tileindex/internal/metrics"
	"github.com/soma-tiles/tileindex/internal/render"
	"github.com/soma-tiles/tileindex/internal/service"
	"github.com/soma-tiles/tileindex/internal/viewstore"
	"github.com/soma-tiles/tileindex/pkg/colormap"
	"github.com/soma-tiles/tileindex/pkg/viewport"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 * 1024

// errBadRequest marks malformed request parameters.
var errBadRequest = errors.New("bad request")

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	Cache       *cache.Manager
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware(cfg.Logger))
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/colormaps", colormapsHandler)

	if cfg.Cache != nil {
		r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))
		r.Post("/api/cache/purge", cachePurgeHandler(cfg.Cache))
	}

	// Dataset-scoped routes: /d/{dataset}/api/...
	r.Route("/d/{dataset}/api", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Get("/metadata", datasetMetadataHandler)
		r.Get("/tiles", datasetTilesHandler)
		r.Post("/tiles", datasetTilesHandler)
		r.Get("/tiles/coverage.png", datasetCoverageHandler)

		r.Route("/views", func(r chi.Router) {
			r.Get("/", datasetViewsHandler)
			r.Get("/{name}", datasetViewHandler)
			r.Put("/{name}", datasetSaveViewHandler)
			r.Delete("/{name}", datasetDeleteViewHandler)
			r.Get("/{name}/tiles", datasetViewTilesHandler)
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the index service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.IndexService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.IndexService); ok {
		return svc
	}
	return nil
}

// colormapPreviewStops is the number of hex stops listed per colormap.
const colormapPreviewStops = 5

type colormapInfo struct {
	Name    string   `json:"name"`
	Preview []string `json:"preview"`
}

// colormapsHandler lists the registered colormaps with a few sampled stops.
func colormapsHandler(w http.ResponseWriter, r *http.Request) {
	names := colormap.Names()
	out := make([]colormapInfo, 0, len(names))
	for _, name := range names {
		cmap, _ := colormap.Lookup(name)
		info := colormapInfo{Name: name, Preview: make([]string, colormapPreviewStops)}
		for i := range info.Preview {
			info.Preview[i] = colormap.Hex(cmap.At(float64(i) / (colormapPreviewStops - 1)))
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func cacheStatsHandler(m *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.Stats())
	}
}

func cachePurgeHandler(m *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.Purge(); err != nil {
			writeError(w, fmt.Errorf("failed to purge caches: %w", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func datasetMetadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, svc.Metadata())
}

// datasetTilesHandler answers GET with the camera in the query string and
// POST with the camera as a JSON body.
func datasetTilesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	var (
		cam viewport.Camera
		err error
	)
	if r.Method == http.MethodPost {
		cam, err = cameraFromBody(w, r)
	} else {
		cam, err = cameraFromQuery(r)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := svc.IndicesJSON(cam)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func datasetCoverageHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	cam, err := cameraFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := svc.Coverage(cam, r.URL.Query().Get("colormap"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func datasetViewsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	views, err := svc.ListViews()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dataset_id": svc.DatasetID(),
		"views":      views,
	})
}

func datasetViewHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	v, err := svc.GetView(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func datasetSaveViewHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	cam, err := cameraFromBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := svc.SaveView(chi.URLParam(r, "name"), cam)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func datasetDeleteViewHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	if err := svc.DeleteView(chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func datasetViewTilesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	res, err := svc.ViewIndices(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// cameraFromQuery reads zoom, width and height (required) plus bearing,
// lng/lat and x/y (optional) from the query string.
func cameraFromQuery(r *http.Request) (viewport.Camera, error) {
	q := r.URL.Query()
	var cam viewport.Camera
	fields := []struct {
		name     string
		dst      *float64
		required bool
	}{
		{"zoom", &cam.Zoom, true},
		{"width", &cam.Width, true},
		{"height", &cam.Height, true},
		{"bearing", &cam.Bearing, false},
		{"lng", &cam.Longitude, false},
		{"lat", &cam.Latitude, false},
		{"x", &cam.TargetX, false},
		{"y", &cam.TargetY, false},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(q.Get(f.name))
		if raw == "" {
			if f.required {
				return cam, fmt.Errorf("%w: missing required query param: %s", errBadRequest, f.name)
			}
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return cam, fmt.Errorf("%w: invalid %s", errBadRequest, f.name)
		}
		*f.dst = v
	}
	return cam, nil
}

func cameraFromBody(w http.ResponseWriter, r *http.Request) (viewport.Camera, error) {
	var cam viewport.Camera
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&cam); err != nil {
		return cam, fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return cam, nil
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, viewport.ErrInvalidCamera),
		errors.Is(err, service.ErrInvalidView),
		errors.Is(err, render.ErrUnknownColormap):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrTooManyTiles):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, viewstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNoViewStore):
		status = http.StatusNotImplemented
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
