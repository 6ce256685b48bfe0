package routes

import (
	"slices"
	"time"
)

// Coordinates is a waypoint position in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Waypoint is one stop along a route. Coordinates is nil when the source did
// not carry a usable position.
type Waypoint struct {
	Name        string       `json:"name" bson:"name"`
	Coordinates *Coordinates `json:"coordinates" bson:"coordinates"`
}

// RouteRecord is a travel route entry. Name is the natural key: a store holds
// at most one record per name.
type RouteRecord struct {
	ID          string     `json:"id"`
	Name        string     `json:"name" validate:"required"`
	Description string     `json:"description"`
	Duration    string     `json:"duration"`
	Frequency   string     `json:"frequency"`
	Price       string     `json:"price"`
	Waypoints   []Waypoint `json:"waypoints"`
	Facilities  []string   `json:"facilities"`
	Tips        []string   `json:"tips"`
	LastUpdated time.Time  `json:"lastUpdated"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (r RouteRecord) Clone() RouteRecord {
	cp := r
	if r.Waypoints != nil {
		cp.Waypoints = make([]Waypoint, len(r.Waypoints))
		for i, wp := range r.Waypoints {
			cp.Waypoints[i] = wp
			if wp.Coordinates != nil {
				c := *wp.Coordinates
				cp.Waypoints[i].Coordinates = &c
			}
		}
	}
	cp.Facilities = slices.Clone(r.Facilities)
	cp.Tips = slices.Clone(r.Tips)
	return cp
}

// Normalize replaces nil list fields with empty slices so every record
// serializes the same way regardless of where it came from.
func (r RouteRecord) Normalize() RouteRecord {
	if r.Waypoints == nil {
		r.Waypoints = []Waypoint{}
	}
	if r.Facilities == nil {
		r.Facilities = []string{}
	}
	if r.Tips == nil {
		r.Tips = []string{}
	}
	return r
}

// Filter narrows a Find call. Empty fields mean "no constraint". Price and
// duration bounds are inclusive and compared as strings.
type Filter struct {
	Search      string `json:"search,omitempty" validate:"max=256"`
	MinPrice    string `json:"minPrice,omitempty" validate:"max=64"`
	MaxPrice    string `json:"maxPrice,omitempty" validate:"max=64"`
	MaxDuration string `json:"maxDuration,omitempty" validate:"max=64"`
	Limit       int    `json:"limit,omitempty" validate:"gte=0"`
	Offset      int    `json:"offset,omitempty" validate:"gte=0"`
}

// Document is a fetched source page ready for extraction.
type Document struct {
	URL        string
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
	Duration   time.Duration
}
