package main

import (
	"fmt"
	"strconv"
	"sync"

	"poimap/pkg/logger"
)

// Map view: exclusive owner of the map instance state and the marker
// registry. Whenever the POI collection changes, the whole marker set is
// torn down and rebuilt; no incremental diffing. At tens to low hundreds of
// POIs the rebuild is cheap and removes a whole class of sync bugs.

// Marker kinds. POI markers come from the authoritative collection;
// lodging markers are the advisory layer from place search.
const (
	markerKindPoi     = "poi"
	markerKindLodging = "lodging"
)

// Marker is one pin on the map.
type Marker struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	PoiID       int64  `json:"poiId,omitempty"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Pos         LngLat `json:"pos"`
}

// Viewport is the camera state the shell renders. FlySeq increments on
// every recenter request so the shell can tell a new flyTo from a repaint.
type Viewport struct {
	Center LngLat  `json:"center"`
	Zoom   float64 `json:"zoom"`
	FlySeq uint64  `json:"flySeq"`
}

// MapView renders one marker per POI plus the advisory lodging layer and
// routes click events into the editor.
type MapView struct {
	store *PoiStore

	mu       sync.Mutex
	attached bool
	markers  []Marker
	lodging  []Marker
	viewport Viewport

	listenerMu sync.Mutex
	listeners  []func()
}

// NewMapView creates the view with the configured initial camera.
func NewMapView(store *PoiStore, center LngLat, zoom float64) *MapView {
	return &MapView{
		store:    store,
		viewport: Viewport{Center: center, Zoom: zoom},
	}
}

// Attach binds the view to the collection store and builds the initial
// marker set. Idempotent: a second attach observes the existing binding and
// does nothing.
func (m *MapView) Attach() {
	m.mu.Lock()
	if m.attached {
		m.mu.Unlock()
		return
	}
	m.attached = true
	m.mu.Unlock()

	m.store.OnChange(m.rebuild)
	m.rebuild()
}

// OnChange registers a callback invoked after every marker or viewport
// change.
func (m *MapView) OnChange(fn func()) {
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenerMu.Unlock()
}

func (m *MapView) notify() {
	m.listenerMu.Lock()
	fns := append([]func(){}, m.listeners...)
	m.listenerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// rebuild tears down every POI marker and recreates one per current POI.
// The lodging layer is untouched.
func (m *MapView) rebuild() {
	pois := m.store.Pois()
	markers := make([]Marker, 0, len(pois))
	for _, p := range pois {
		markers = append(markers, Marker{
			ID:          "poi-" + strconv.FormatInt(p.ID, 10),
			Kind:        markerKindPoi,
			PoiID:       p.ID,
			Label:       p.Name,
			Description: p.Description,
			Pos:         LngLat{Lng: float64(p.Longitude), Lat: float64(p.Latitude)},
		})
	}
	m.mu.Lock()
	m.markers = markers
	m.mu.Unlock()
	logger.Debug("mapview: rebuilt %d poi marker(s)", len(markers))
	m.notify()
}

// Markers returns the POI markers followed by the lodging layer.
func (m *MapView) Markers() []Marker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Marker, 0, len(m.markers)+len(m.lodging))
	out = append(out, m.markers...)
	out = append(out, m.lodging...)
	return out
}

// Viewport returns the current camera state.
func (m *MapView) Viewport() Viewport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewport
}

// HandleBackgroundClick clears any selection, records the clicked
// coordinates and opens the editor in create mode. Marker clicks never
// reach this path.
func (m *MapView) HandleBackgroundClick(lng, lat float64) {
	m.store.OpenCreate(LngLat{Lng: lng, Lat: lat})
}

// HandleMarkerClick opens the editor in edit mode for a POI marker. The
// click is consumed either way so it cannot double as a background click.
// Lodging markers are advisory and do not open the editor here.
func (m *MapView) HandleMarkerClick(id string) error {
	m.mu.Lock()
	var hit *Marker
	for i := range m.markers {
		if m.markers[i].ID == id {
			hit = &m.markers[i]
			break
		}
	}
	m.mu.Unlock()
	if hit == nil {
		return fmt.Errorf("unknown marker %q", id)
	}
	for _, p := range m.store.Pois() {
		if p.ID == hit.PoiID {
			m.store.OpenEdit(p)
			return nil
		}
	}
	return fmt.Errorf("marker %q has no backing POI", id)
}

// HandleLodgingCreate is the lodging result's "create POI here" affordance:
// it pre-fills the editor's coordinates in create mode. It does not create
// a POI by itself.
func (m *MapView) HandleLodgingCreate(id string) error {
	m.mu.Lock()
	var hit *Marker
	for i := range m.lodging {
		if m.lodging[i].ID == id {
			hit = &m.lodging[i]
			break
		}
	}
	m.mu.Unlock()
	if hit == nil {
		return fmt.Errorf("unknown lodging marker %q", id)
	}
	m.store.OpenCreate(hit.Pos)
	return nil
}

// SetLodging replaces the advisory lodging layer.
func (m *MapView) SetLodging(places []LodgingPlace) {
	lodging := make([]Marker, 0, len(places))
	for i, pl := range places {
		lodging = append(lodging, Marker{
			ID:          "lodging-" + strconv.Itoa(i),
			Kind:        markerKindLodging,
			Label:       pl.Name,
			Description: pl.Address,
			Pos:         pl.Center,
		})
	}
	m.mu.Lock()
	m.lodging = lodging
	m.mu.Unlock()
	logger.Debug("mapview: lodging layer now %d marker(s)", len(lodging))
	m.notify()
}

// ClearLodging drops the lodging layer without touching the POI markers.
func (m *MapView) ClearLodging() {
	m.SetLodging(nil)
}

// CenterOnLocation recenters on a device fix, zooming in close enough to
// make the surroundings recognizable.
func (m *MapView) CenterOnLocation(fix LocationFix) {
	m.CenterOn(LngLat{Lng: fix.Longitude, Lat: fix.Latitude}, 14)
}

// CenterOn recenters the camera, typically after a city selection.
func (m *MapView) CenterOn(center LngLat, zoom float64) {
	m.mu.Lock()
	m.viewport.Center = center
	if zoom > 0 {
		m.viewport.Zoom = zoom
	}
	m.viewport.FlySeq++
	m.mu.Unlock()
	m.notify()
}
