package main

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// coordPrecision is the number of decimal digits coordinates are rounded to
// before they are sent to the backend. Matches the backend's decimal columns.
const coordPrecision = 6

// LngLat is a coordinate pair in longitude, latitude order (the order used by
// map click events and geocoding results).
type LngLat struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// roundTo rounds v to 'places' decimal digits using standard rounding.
func roundTo(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

// roundCoord normalizes a coordinate to coordPrecision decimal digits.
func roundCoord(v float64) float64 {
	return roundTo(v, coordPrecision)
}

// Rounded returns the pair normalized to coordPrecision digits.
func (c LngLat) Rounded() LngLat {
	return LngLat{Lng: roundCoord(c.Lng), Lat: roundCoord(c.Lat)}
}

// Coord is a float64 that also accepts JSON string encoding. The backend
// stores coordinates in decimal columns and serializes them as strings;
// locally produced JSON uses plain numbers.
type Coord float64

func (c *Coord) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*c = Coord(f)
	return nil
}

func (c Coord) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(c))
}

// dedupePoisByID returns a new slice with duplicate POI ids removed,
// preserving the first occurrence order. The backend owns id uniqueness; this
// keeps the client collection consistent even against a misbehaving response.
func dedupePoisByID(in []Poi) []Poi {
	if len(in) <= 1 {
		return append([]Poi(nil), in...)
	}
	seen := make(map[int64]struct{}, len(in))
	out := make([]Poi, 0, len(in))
	for _, p := range in {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}
