package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"poimap/pkg/logger"
)

/*
GeoClue (geoclue2) location integration for the "center on me" action.

GeoClue requires a valid DesktopId property matching a .desktop file
(basename) in XDG data dirs that contains X-Geoclue-2-Client=true, so a
minimal one is written on first run. If GeoClue is unavailable or access
is denied the locator logs and keeps retrying with backoff; the API
returns 204 until the first fix arrives.
*/

const (
	geoService    = "org.freedesktop.GeoClue2"
	managerPath   = dbus.ObjectPath("/org/freedesktop/GeoClue2/Manager")
	managerIface  = "org.freedesktop.GeoClue2.Manager"
	clientIface   = "org.freedesktop.GeoClue2.Client"
	locationIface = "org.freedesktop.GeoClue2.Location"
	propsIface    = "org.freedesktop.DBus.Properties"
)

// LocationFix holds the last known position.
type LocationFix struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy_m,omitempty"`
	Altitude  float64   `json:"altitude_m,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Locator tracks the device position via GeoClue on the system bus.
type Locator struct {
	desktopID string

	mu    sync.RWMutex
	fix   LocationFix
	valid bool

	cancel context.CancelFunc
}

// NewLocator creates a locator using the given desktop ID.
func NewLocator(desktopID string) *Locator {
	return &Locator{desktopID: desktopID}
}

// Start ensures a .desktop file is present and begins GeoClue tracking in
// the background.
func (l *Locator) Start() {
	if err := l.ensureDesktopFile(); err != nil {
		logger.Error("location: failed to ensure desktop file: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.runGeoClueLoop(ctx)
}

// Stop halts the background loop.
func (l *Locator) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

// Current returns the last fix, and whether one has been received yet.
func (l *Locator) Current() (LocationFix, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.valid {
		return LocationFix{}, false
	}
	return l.fix, true
}

// ensureDesktopFile writes a minimal desktop file if it does not already
// exist. Never overwrites, so users can customize it.
func (l *Locator) ensureDesktopFile() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	appsDir := filepath.Join(home, ".local", "share", "applications")
	if err := os.MkdirAll(appsDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(appsDir, l.desktopID)
	if fileExists(dest) {
		return nil
	}
	content := `[Desktop Entry]
Type=Application
Name=PoiMap
Comment=Point of interest map (GeoClue client)
Exec=poimap
Icon=poimap
Terminal=false
Categories=Utility;
X-Geoclue-2-Client=true
X-Geoclue-2-Access-Fine=true
`
	return os.WriteFile(dest, []byte(content), 0o644)
}

type geoClient struct {
	path dbus.ObjectPath
	bus  *dbus.Conn
}

// runGeoClueLoop keeps trying to establish location updates until the
// context is canceled.
func (l *Locator) runGeoClueLoop(ctx context.Context) {
	const (
		maxInitialRetries = 5
		retryBaseDelay    = 2 * time.Second
		requestedAccuracy = uint32(5)  // "exact"
		distanceThreshold = uint32(25) // meters between updates
		timeThreshold     = uint32(5)  // seconds between updates
	)

	var attempt int
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		err := func() error {
			cl, err := newGeoClueClient(l.desktopID, requestedAccuracy, distanceThreshold, timeThreshold)
			if err != nil {
				return err
			}
			defer cl.close()
			if err := cl.start(); err != nil {
				return err
			}
			cl.fetchInitialLocation(l)
			// Blocks until context canceled or bus error.
			return cl.runSignalLoop(ctx, l)
		}()
		if err == nil {
			return
		}
		attempt++
		var delay time.Duration
		if attempt <= maxInitialRetries {
			delay = retryBaseDelay * time.Duration(attempt)
		} else {
			delay = 30 * time.Second
		}
		logger.Debug("location: retrying after error (%v), attempt=%d delay=%s", err, attempt, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func newGeoClueClient(desktopID string, acc, dist, sec uint32) (*geoClient, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	manager := bus.Object(geoService, managerPath)

	var clientPath dbus.ObjectPath
	if call := manager.Call(managerIface+".CreateClient", 0); call.Err != nil {
		return nil, call.Err
	} else if err := call.Store(&clientPath); err != nil {
		return nil, err
	}
	clientObj := bus.Object(geoService, clientPath)

	setProp := func(name string, val interface{}) error {
		call := clientObj.Call(propsIface+".Set", 0, clientIface, name, dbus.MakeVariant(val))
		return call.Err
	}

	if err := setProp("DesktopId", desktopID); err != nil {
		return nil, fmt.Errorf("set DesktopId: %w", err)
	}
	if err := setProp("RequestedAccuracyLevel", acc); err != nil {
		return nil, fmt.Errorf("set accuracy: %w", err)
	}
	_ = setProp("DistanceThreshold", dist)
	_ = setProp("TimeThreshold", sec)

	return &geoClient{path: clientPath, bus: bus}, nil
}

func (c *geoClient) start() error {
	call := c.bus.Object(geoService, c.path).Call(clientIface+".Start", 0)
	return call.Err
}

func (c *geoClient) close() {
	_ = c.bus.Object(geoService, c.path).Call(clientIface+".Stop", 0)
	c.bus.Close()
}

func (c *geoClient) fetchInitialLocation(l *Locator) {
	locPath, err := c.getLocationPath()
	if err != nil || locPath == "" {
		return
	}
	c.readAndStoreLocation(locPath, l)
}

func (c *geoClient) getLocationPath() (dbus.ObjectPath, error) {
	var variant dbus.Variant
	call := c.bus.Object(geoService, c.path).Call(propsIface+".Get", 0, clientIface, "Location")
	if call.Err != nil {
		return "", call.Err
	}
	if err := call.Store(&variant); err != nil {
		return "", err
	}
	locPath, _ := variant.Value().(dbus.ObjectPath)
	return locPath, nil
}

func (c *geoClient) runSignalLoop(ctx context.Context, l *Locator) error {
	// Match rule for PropertiesChanged on the client path.
	matchRule := fmt.Sprintf("type='signal',interface='%s',path='%s'", propsIface, c.path)
	if call := c.bus.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule); call.Err != nil {
		return call.Err
	}
	sigCh := make(chan *dbus.Signal, 10)
	c.bus.Signal(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			if sig == nil {
				return errors.New("dbus signal channel closed")
			}
			if sig.Name == propsIface+".PropertiesChanged" && sig.Path == c.path {
				// Body[1] should be the changed map[string]Variant.
				if len(sig.Body) >= 2 {
					if changed, ok := sig.Body[1].(map[string]dbus.Variant); ok {
						if v, ok := changed["Location"]; ok {
							if lp, ok := v.Value().(dbus.ObjectPath); ok && lp != "" {
								c.readAndStoreLocation(lp, l)
							}
						}
					}
				}
			}
		}
	}
}

func (c *geoClient) readAndStoreLocation(locPath dbus.ObjectPath, l *Locator) {
	locObj := c.bus.Object(geoService, locPath)
	var props map[string]dbus.Variant
	call := locObj.Call(propsIface+".GetAll", 0, locationIface)
	if call.Err != nil {
		return
	}
	if err := call.Store(&props); err != nil {
		return
	}

	getF64 := func(key string) (float64, bool) {
		if v, ok := props[key]; ok {
			if f, ok2 := v.Value().(float64); ok2 {
				return f, true
			}
		}
		return 0, false
	}

	lat, _ := getF64("Latitude")
	lon, _ := getF64("Longitude")
	acc, _ := getF64("Accuracy")
	alt, _ := getF64("Altitude")

	if lat == 0 && lon == 0 {
		return // ignore obviously invalid fix
	}

	l.mu.Lock()
	l.fix = LocationFix{
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  acc,
		Altitude:  alt,
		Timestamp: time.Now().UTC(),
	}
	l.valid = true
	l.mu.Unlock()
}
