package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	qt "github.com/mappu/miqt/qt6"
	"github.com/mappu/miqt/qt6/qml"

	"poimap/pkg/logger"
)

func main() {
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	dataDirFlag := flag.String("data-dir", "", "custom data directory (overrides XDG_DATA_HOME)")
	configDirFlag := flag.String("config-dir", "", "custom config directory (overrides XDG_CONFIG_HOME)")
	cacheDirFlag := flag.String("cache-dir", "", "custom cache directory (overrides XDG_CACHE_HOME)")
	flag.Parse()

	logger.SetDebug(*debugFlag)

	// Hardcoded API port so the QML shell knows where to find us.
	const apiPort = 43117

	cfg := LoadConfig()
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}
	if *configDirFlag != "" {
		cfg.ConfigDir = *configDirFlag
	}
	if *cacheDirFlag != "" {
		cfg.CacheDir = *cacheDirFlag
	}
	for _, dir := range []string{cfg.DataDir, cfg.ConfigDir, cfg.CacheDir} {
		if err := ensureDir(dir); err != nil {
			logger.Error("Failed to create dir %s: %v", dir, err)
		}
	}

	backend := NewBackendClient(cfg.BackendURL, cfg.HTTPTimeout)
	tokens := NewTokenStore(cfg.ConfigDir)
	session := NewSessionStore(backend, tokens)
	pois := NewPoiStore(backend, session)
	editor := NewEditor(pois)
	mapView := NewMapView(pois, cfg.MapCenter, cfg.MapZoom)
	mapView.Attach()

	geocoder := NewNominatimGeocoder(cfg.NominatimServer, cfg.CacheDir, cfg.HTTPTimeout)
	history := NewSearchHistory(cfg.DataDir)
	search := NewPlaceSearch(geocoder, geocoder, mapView, history)

	locator := NewLocator("io.github.poimap.poimap.desktop")
	locator.Start()
	defer locator.Stop()

	// Session transitions drive the POI list: load on login, clear on logout.
	session.OnChange(func() {
		go pois.HandleSessionChange(context.Background())
	})

	mux := http.NewServeMux()
	RegisterAPI(mux, &apiServer{
		session: session,
		pois:    pois,
		editor:  editor,
		mapView: mapView,
		search:  search,
		history: history,
		locator: locator,
	})

	go func() {
		addr := fmt.Sprintf("127.0.0.1:%d", apiPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("API server error on %s: %v", addr, err)
		}
	}()

	// Restore the persisted session in the background; the shell shows a
	// loading state until this settles.
	go session.Verify(context.Background())

	qt.QCoreApplication_SetApplicationName("io.github.poimap.poimap")
	qt.NewQApplication(os.Args)
	engine := qml.NewQQmlApplicationEngine()

	engine.Load(qt.NewQUrl3("qrc:/components/MapView.qml"))
	if len(engine.RootObjects()) == 0 {
		logger.Fatal("QML load failed: no root objects (check QML errors / Qt Location).")
	}
	logger.Debug("API fixed port: http://127.0.0.1:%d/api/session", apiPort)
	qt.QApplication_Exec()
}
