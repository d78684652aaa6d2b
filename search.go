package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/muesli/gominatim"
	"github.com/paulmach/orb"
	_ "modernc.org/sqlite"

	"poimap/pkg/logger"
)

// Place search: debounced free-text city geocoding plus an advisory lodging
// lookup near the selected city. City results power the recenter flow; the
// lodging layer never touches the authoritative POI collection.

const (
	searchDebounce    = 300 * time.Millisecond
	maxCityResults    = 8
	maxLodgingResults = 50

	// Lodging is a fixed-term place search near the selected city.
	lodgingQueryTerm = "hotel"

	// Padding (degrees) for the lodging viewbox around a city center.
	lodgingBoxPadding = 0.1

	// Nominatim's usage policy asks for at most one request per second;
	// stay well clear of it.
	geocodeMinInterval = 400 * time.Millisecond

	geocodeUserAgent = "poimap/1.0"
)

// CityResult is one city candidate from the geocoder.
type CityResult struct {
	Name   string `json:"name"`
	Center LngLat `json:"center"`
	Class  string `json:"class,omitempty"`
	Type   string `json:"type,omitempty"`
}

// LodgingPlace is one advisory lodging hit near the selected city.
type LodgingPlace struct {
	Name     string `json:"name"`
	Address  string `json:"address,omitempty"`
	Category string `json:"category,omitempty"`
	Center   LngLat `json:"center"`
}

// CityGeocoder resolves a free-text query to city candidates.
type CityGeocoder interface {
	SearchCity(query string, limit int) ([]CityResult, error)
}

// LodgingFinder searches lodging places inside a bounding box.
type LodgingFinder interface {
	SearchLodging(box orb.Bound, limit int) ([]LodgingPlace, error)
}

// ---------------- Nominatim-backed geocoder ----------------

// NominatimGeocoder implements both CityGeocoder and LodgingFinder against
// a Nominatim server. City queries go through the gominatim client and are
// cached indefinitely in sqlite; lodging queries need viewbox scoping the
// client does not expose, so they hit the search endpoint directly.
type NominatimGeocoder struct {
	server   string
	cacheDir string
	client   *http.Client

	serverOnce sync.Once
	cacheOnce  sync.Once
	cacheDB    *sql.DB

	throttleMu sync.Mutex
	lastQuery  time.Time
}

// NewNominatimGeocoder creates a geocoder against the given server, with a
// response cache under cacheDir.
func NewNominatimGeocoder(server, cacheDir string, timeout time.Duration) *NominatimGeocoder {
	return &NominatimGeocoder{
		server:   strings.TrimRight(server, "/"),
		cacheDir: cacheDir,
		client:   &http.Client{Timeout: timeout},
	}
}

// initCache opens the persistent city-search cache (indefinite retention).
func (g *NominatimGeocoder) initCache() {
	g.cacheOnce.Do(func() {
		if err := ensureDir(g.cacheDir); err != nil {
			logger.Error("geocode cache dir: %v", err)
			return
		}
		dbPath := filepath.Join(g.cacheDir, "geocode.sqlite")
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			logger.Error("geocode cache open failed: %v", err)
			return
		}
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS geocode_cache (
			query TEXT PRIMARY KEY,
			json  TEXT NOT NULL,
			fetched_at TIMESTAMP NOT NULL
		)`); err != nil {
			logger.Error("geocode cache schema error: %v", err)
			_ = db.Close()
			return
		}
		_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_geocode_cache_fetched_at ON geocode_cache(fetched_at)`)
		g.cacheDB = db
	})
}

// throttle enforces the minimum interval between live geocoder queries.
func (g *NominatimGeocoder) throttle() {
	g.throttleMu.Lock()
	delta := time.Since(g.lastQuery)
	if delta < geocodeMinInterval {
		time.Sleep(geocodeMinInterval - delta)
	}
	g.lastQuery = time.Now()
	g.throttleMu.Unlock()
}

// SearchCity returns up to limit city candidates, serving repeated queries
// from the sqlite cache. Only successful fetches (including empty result
// sets) are cached; transient failures are retried once, then surfaced.
func (g *NominatimGeocoder) SearchCity(query string, limit int) ([]CityResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	g.initCache()

	var rawJSON string
	if g.cacheDB != nil {
		_ = g.cacheDB.QueryRow(`SELECT json FROM geocode_cache WHERE query = ?`, query).Scan(&rawJSON)
	}
	if rawJSON != "" {
		var cached []CityResult
		if err := json.Unmarshal([]byte(rawJSON), &cached); err == nil {
			logger.Debug("geocode cache hit for %q (%d result(s))", query, len(cached))
			if len(cached) > limit {
				cached = cached[:limit]
			}
			return cached, nil
		}
		logger.Error("geocode cache unmarshal failed for %q (ignoring)", query)
	}

	g.throttle()
	g.serverOnce.Do(func() {
		gominatim.SetServer(g.server)
	})

	qObj := gominatim.SearchQuery{Q: query, Limit: limit}
	var res []gominatim.SearchResult
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		res, err = qObj.Get()
		if err == nil {
			break
		}
		transient := strings.Contains(err.Error(), "unexpected end of JSON") || strings.Contains(err.Error(), "EOF")
		if !transient || attempt == 2 {
			return nil, fmt.Errorf("city search %q: %w", query, err)
		}
		logger.Debug("transient geocode error for %q, retrying: %v", query, err)
		time.Sleep(150 * time.Millisecond)
	}

	out := make([]CityResult, 0, limit)
	for _, r := range res {
		lat, _ := strconv.ParseFloat(r.Lat, 64)
		lon, _ := strconv.ParseFloat(r.Lon, 64)
		if r.DisplayName == "" {
			continue
		}
		out = append(out, CityResult{
			Name:   r.DisplayName,
			Center: LngLat{Lng: lon, Lat: lat},
			Class:  r.Class,
			Type:   r.Type,
		})
		if len(out) >= limit {
			break
		}
	}

	if g.cacheDB != nil {
		b, _ := json.Marshal(out)
		_, _ = g.cacheDB.Exec(`INSERT OR REPLACE INTO geocode_cache(query, json, fetched_at) VALUES(?,?,CURRENT_TIMESTAMP)`, query, string(b))
	}
	return out, nil
}

// nominatimPlace is the raw search endpoint shape used by the lodging query.
type nominatimPlace struct {
	DisplayName string `json:"display_name"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	Class       string `json:"class"`
	Type        string `json:"type"`
}

// SearchLodging queries the search endpoint directly with a bounded
// viewbox. The gominatim client covers free-text queries only, so this
// request is built by hand.
func (g *NominatimGeocoder) SearchLodging(box orb.Bound, limit int) ([]LodgingPlace, error) {
	if limit <= 0 || limit > maxLodgingResults {
		limit = maxLodgingResults
	}
	g.throttle()

	// viewbox order is left,top,right,bottom.
	viewbox := fmt.Sprintf("%f,%f,%f,%f",
		box.Min.Lon(), box.Max.Lat(), box.Max.Lon(), box.Min.Lat())
	params := url.Values{}
	params.Set("q", lodgingQueryTerm)
	params.Set("format", "json")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("viewbox", viewbox)
	params.Set("bounded", "1")

	req, err := http.NewRequest(http.MethodGet, g.server+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", geocodeUserAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lodging search failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lodging search returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var places []nominatimPlace
	if err := json.Unmarshal(body, &places); err != nil {
		return nil, fmt.Errorf("decoding lodging results: %w", err)
	}

	out := make([]LodgingPlace, 0, len(places))
	for _, p := range places {
		lat, err1 := strconv.ParseFloat(p.Lat, 64)
		lon, err2 := strconv.ParseFloat(p.Lon, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		name := p.DisplayName
		if i := strings.Index(name, ","); i > 0 {
			name = name[:i]
		}
		out = append(out, LodgingPlace{
			Name:     name,
			Address:  p.DisplayName,
			Category: p.Type,
			Center:   LngLat{Lng: lon, Lat: lat},
		})
	}
	return out, nil
}

// ---------------- Search history ----------------

// SearchHistory persists every executed city query for the recency list.
type SearchHistory struct {
	path string

	once sync.Once
	db   *sql.DB
}

// NewSearchHistory creates a history store backed by history.sqlite in dir.
func NewSearchHistory(dir string) *SearchHistory {
	return &SearchHistory{path: filepath.Join(dir, "history.sqlite")}
}

func (h *SearchHistory) open() *sql.DB {
	h.once.Do(func() {
		if err := ensureDir(filepath.Dir(h.path)); err != nil {
			logger.Error("history dir: %v", err)
			return
		}
		db, err := sql.Open("sqlite", h.path)
		if err != nil {
			logger.Error("history open failed: %v", err)
			return
		}
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS search_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			query TEXT NOT NULL,
			lat REAL,
			lon REAL,
			at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
			logger.Error("history schema error: %v", err)
			_ = db.Close()
			return
		}
		_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_search_history_query_id ON search_history(query, id)`)
		h.db = db
	})
	return h.db
}

// Record appends one executed query, with coordinates when known.
func (h *SearchHistory) Record(query string, pos *LngLat) {
	query = strings.TrimSpace(query)
	if query == "" {
		return
	}
	db := h.open()
	if db == nil {
		return
	}
	if pos != nil {
		_, _ = db.Exec(`INSERT INTO search_history(query, lat, lon) VALUES(?,?,?)`, query, pos.Lat, pos.Lng)
	} else {
		_, _ = db.Exec(`INSERT INTO search_history(query) VALUES(?)`, query)
	}
}

// HistoryEntry is one distinct past query, with its most recent coordinates
// when recorded.
type HistoryEntry struct {
	Query string  `json:"query"`
	Pos   *LngLat `json:"pos,omitempty"`
}

// Recent returns distinct queries, most recent first.
func (h *SearchHistory) Recent(limit int) []HistoryEntry {
	if limit <= 0 {
		limit = 10
	}
	db := h.open()
	if db == nil {
		return nil
	}
	rows, err := db.Query(`
		SELECT sh.query, sh.lat, sh.lon
		FROM search_history sh
		JOIN (
			SELECT query, MAX(id) AS max_id
			FROM search_history
			WHERE query <> ''
			GROUP BY query
		) latest ON latest.max_id = sh.id
		ORDER BY sh.id DESC
		LIMIT ?`, limit)
	if err != nil {
		logger.Error("history query error: %v", err)
		return nil
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var q string
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&q, &lat, &lon); err != nil {
			continue
		}
		entry := HistoryEntry{Query: q}
		if lat.Valid && lon.Valid {
			entry.Pos = &LngLat{Lng: lon.Float64, Lat: lat.Float64}
		}
		out = append(out, entry)
	}
	return out
}

// Close releases the database handle.
func (h *SearchHistory) Close() {
	if h.db != nil {
		_ = h.db.Close()
	}
}

// ---------------- Search state ----------------

// SearchState is a snapshot for the shell's search box.
type SearchState struct {
	Query          string       `json:"query"`
	Results        []CityResult `json:"results"`
	Searching      bool         `json:"searching"`
	SelectedCity   *CityResult  `json:"selectedCity,omitempty"`
	LodgingEnabled bool         `json:"lodgingEnabled"`
	LodgingLoading bool         `json:"lodgingLoading"`
}

// PlaceSearch owns the search box state: debounced queries, city results,
// the selected city and the lodging toggle.
type PlaceSearch struct {
	geocoder CityGeocoder
	lodging  LodgingFinder
	mapView  *MapView
	history  *SearchHistory
	debounce time.Duration

	mu             sync.Mutex
	timer          *time.Timer
	gen            uint64
	lodgingGen     uint64
	query          string
	results        []CityResult
	searching      bool
	selectedCity   *CityResult
	lodgingEnabled bool
	lodgingLoading bool

	listenerMu sync.Mutex
	listeners  []func()
}

// NewPlaceSearch wires the search box against the geocoder and the map.
func NewPlaceSearch(geocoder CityGeocoder, lodging LodgingFinder, mapView *MapView, history *SearchHistory) *PlaceSearch {
	return &PlaceSearch{
		geocoder: geocoder,
		lodging:  lodging,
		mapView:  mapView,
		history:  history,
		debounce: searchDebounce,
	}
}

// OnChange registers a callback invoked after every state change.
func (s *PlaceSearch) OnChange(fn func()) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

func (s *PlaceSearch) notify() {
	s.listenerMu.Lock()
	fns := append([]func(){}, s.listeners...)
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// State returns a snapshot for rendering.
func (s *PlaceSearch) State() SearchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SearchState{
		Query:          s.query,
		Searching:      s.searching,
		SelectedCity:   s.selectedCity,
		LodgingEnabled: s.lodgingEnabled,
		LodgingLoading: s.lodgingLoading,
	}
	st.Results = append(st.Results, s.results...)
	return st
}

// Input handles one keystroke. The pending debounce timer is replaced, not
// stacked, so only the most recent query fires. Empty input clears results
// without querying.
func (s *PlaceSearch) Input(query string) {
	s.mu.Lock()
	s.query = query
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	if strings.TrimSpace(query) == "" {
		s.results = nil
		s.searching = false
		s.mu.Unlock()
		s.notify()
		return
	}
	gen := s.gen
	s.searching = true
	s.timer = time.AfterFunc(s.debounce, func() {
		s.run(query, gen)
	})
	s.mu.Unlock()
	s.notify()
}

// Search bypasses the debounce (submit via Enter key).
func (s *PlaceSearch) Search(query string) {
	if strings.TrimSpace(query) == "" {
		return
	}
	s.mu.Lock()
	s.query = query
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	gen := s.gen
	s.searching = true
	s.mu.Unlock()
	s.notify()
	s.run(query, gen)
}

// run executes one city query. Results from a superseded generation are
// discarded so a slow response can never clobber a newer one.
func (s *PlaceSearch) run(query string, gen uint64) {
	results, err := s.geocoder.SearchCity(strings.TrimSpace(query), maxCityResults)
	if err != nil {
		logger.Error("search: %v", err)
		results = nil
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		logger.Debug("search: dropping stale results for %q", query)
		return
	}
	s.results = results
	s.searching = false
	s.mu.Unlock()
	s.notify()

	if err == nil {
		s.history.Record(query, nil)
	}
}

// SelectCity picks a result by index: the map recenters on the city and,
// when the lodging toggle is on, the lodging query follows.
func (s *PlaceSearch) SelectCity(index int) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.results) {
		s.mu.Unlock()
		return errors.New("no such search result")
	}
	city := s.results[index]
	s.selectedCity = &city
	s.query = city.Name
	s.results = nil
	wantLodging := s.lodgingEnabled
	s.mu.Unlock()
	s.notify()

	s.mapView.CenterOn(city.Center, 12)
	s.history.Record(city.Name, &city.Center)

	if wantLodging {
		s.loadLodging(city)
	} else {
		s.mapView.ClearLodging()
	}
	return nil
}

// SetLodgingEnabled flips the lodging toggle. Enabling with a selected city
// issues the lodging query; disabling clears only the advisory layer.
func (s *PlaceSearch) SetLodgingEnabled(enabled bool) {
	s.mu.Lock()
	s.lodgingEnabled = enabled
	city := s.selectedCity
	s.mu.Unlock()
	s.notify()

	if enabled && city != nil {
		s.loadLodging(*city)
	} else {
		s.mapView.ClearLodging()
	}
}

// ClearCity drops the city selection and the lodging layer.
func (s *PlaceSearch) ClearCity() {
	s.mu.Lock()
	s.selectedCity = nil
	s.query = ""
	s.results = nil
	s.lodgingEnabled = false
	s.mu.Unlock()
	s.notify()
	s.mapView.ClearLodging()
}

// loadLodging searches lodging inside a padded box around the city center
// and installs the results as the advisory layer. Superseded requests are
// discarded.
func (s *PlaceSearch) loadLodging(city CityResult) {
	s.mu.Lock()
	s.lodgingGen++
	gen := s.lodgingGen
	s.lodgingLoading = true
	s.mu.Unlock()
	s.notify()

	center := orb.Point{city.Center.Lng, city.Center.Lat}
	box := orb.Bound{Min: center, Max: center}.Pad(lodgingBoxPadding)

	places, err := s.lodging.SearchLodging(box, maxLodgingResults)
	if err != nil {
		logger.Error("search: lodging: %v", err)
		places = nil
	}

	s.mu.Lock()
	stale := gen != s.lodgingGen
	if !stale {
		s.lodgingLoading = false
	}
	enabled := s.lodgingEnabled
	s.mu.Unlock()
	if stale {
		return
	}
	s.notify()

	if enabled {
		s.mapView.SetLodging(places)
	}
}
