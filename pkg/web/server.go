package web

import (
	"embed"
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/diskwatcher/diskwatcher/pkg/catalog"
	"github.com/diskwatcher/diskwatcher/pkg/labels"
	"github.com/diskwatcher/diskwatcher/pkg/log"
	"github.com/diskwatcher/diskwatcher/pkg/metrics"
	"github.com/diskwatcher/diskwatcher/pkg/types"
)

//go:embed templates/status.html
var templateFS embed.FS

const (
	// DefaultRefreshSeconds is the dashboard's auto-refresh period.
	DefaultRefreshSeconds = 5
	// DefaultEventLimit caps recent events shown per snapshot.
	DefaultEventLimit = 25
)

// Server is the read-only status dashboard over one catalog file.
type Server struct {
	catalogPath    string
	refreshSeconds int
	eventLimit     int
	router         *mux.Router
	page           *template.Template
}

// NewServer builds a dashboard for the catalog at path. The catalog is
// opened read-only per request; a catalog that does not exist yet renders
// as empty rather than an error, so the dashboard can start before the
// first watcher does.
func NewServer(catalogPath string, refreshSeconds, eventLimit int) (*Server, error) {
	if refreshSeconds <= 0 {
		refreshSeconds = DefaultRefreshSeconds
	}
	if eventLimit <= 0 {
		eventLimit = DefaultEventLimit
	}

	page, err := template.ParseFS(templateFS, "templates/status.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		catalogPath:    catalogPath,
		refreshSeconds: refreshSeconds,
		eventLimit:     eventLimit,
		page:           page,
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/volumes", s.handleVolumes).Methods(http.MethodGet)
	r.HandleFunc("/api/volumes/by-path", s.handleVolumeByPath).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router = r
	return s, nil
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves the dashboard on addr until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	log.Logger.Info().Str("addr", addr).Str("catalog", s.catalogPath).
		Msg("dashboard listening")
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return server.ListenAndServe()
}

// snapshot is one consistent read of everything the dashboard shows.
type snapshot struct {
	Events  []types.Event
	Volumes []map[string]any
	Jobs    []types.Job
}

// openCatalog opens the catalog read-only. A missing or unreadable
// catalog yields nil, which callers render as empty.
func (s *Server) openCatalog() *catalog.Store {
	store, err := catalog.OpenReadOnly(s.catalogPath)
	if err != nil {
		log.Logger.Debug().Err(err).Str("catalog", s.catalogPath).
			Msg("catalog unavailable, rendering empty dashboard")
		return nil
	}
	return store
}

func (s *Server) snapshot() snapshot {
	store := s.openCatalog()
	if store == nil {
		return snapshot{}
	}
	defer store.Close()

	var snap snapshot
	var err error
	if snap.Events, err = store.QueryEvents(s.eventLimit); err != nil {
		log.Logger.Warn().Err(err).Msg("dashboard event query failed")
	}

	aggregates, err := store.SummarizeByVolume()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("dashboard volume summary failed")
	}
	metadata, err := store.FetchVolumeMetadata()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("dashboard volume metadata failed")
	}
	snap.Volumes = combineVolumes(aggregates, metadata)

	if snap.Jobs, err = store.FetchJobs(true, 50); err != nil {
		log.Logger.Warn().Err(err).Msg("dashboard job query failed")
	}
	return snap
}

// combineVolumes merges counter aggregates into metadata rows by volume
// id, aggregate fields winning, and keeps metadata-only volumes too.
func combineVolumes(aggregates []catalog.VolumeSummary, metadata []types.Volume) []map[string]any {
	metaByID := make(map[string]map[string]any, len(metadata))
	for _, v := range metadata {
		metaByID[v.VolumeID] = toMap(v)
	}

	combined := make([]map[string]any, 0, len(aggregates)+len(metadata))
	seen := make(map[string]bool, len(aggregates))
	for _, agg := range aggregates {
		row := map[string]any{}
		for k, v := range metaByID[agg.VolumeID] {
			row[k] = v
		}
		for k, v := range toMap(agg) {
			row[k] = v
		}
		combined = append(combined, row)
		seen[agg.VolumeID] = true
	}
	for _, v := range metadata {
		if !seen[v.VolumeID] {
			combined = append(combined, toMap(v))
		}
	}
	return combined
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := s.page.Execute(w, map[string]any{
		"UpdatedAt":      time.Now().UTC().Format(time.RFC3339),
		"RefreshSeconds": s.refreshSeconds,
		"Events":         snap.Events,
		"Volumes":        snap.Volumes,
		"Jobs":           snap.Jobs,
	})
	if err != nil {
		log.Logger.Warn().Err(err).Msg("dashboard render failed")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"updated_at": time.Now().UTC().Format(time.RFC3339),
		"events":     orEmpty(snap.Events),
		"volumes":    snap.Volumes,
		"jobs":       orEmpty(snap.Jobs),
	})
}

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"updated_at": time.Now().UTC().Format(time.RFC3339),
		"volumes":    labels.BuildRows(s.volumeMetadata()),
	})
}

func (s *Server) handleVolumeByPath(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "missing 'path' query parameter",
		})
		return
	}

	var matched []types.Volume
	for _, v := range s.volumeMetadata() {
		if v.Directory == path {
			matched = append(matched, v)
		}
	}
	if len(matched) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "no volume found for path",
			"path":  path,
		})
		return
	}

	rows := labels.BuildRows(matched)
	writeJSON(w, http.StatusOK, map[string]any{
		"updated_at": time.Now().UTC().Format(time.RFC3339),
		"volume":     rows[0],
	})
}

func (s *Server) volumeMetadata() []types.Volume {
	store := s.openCatalog()
	if store == nil {
		return nil
	}
	defer store.Close()

	volumes, err := store.FetchVolumeMetadata()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("volume metadata query failed")
		return nil
	}
	return volumes
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Logger.Debug().Err(err).Msg("failed to encode response")
	}
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
