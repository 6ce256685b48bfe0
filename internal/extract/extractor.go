// Package extract parses fetched route pages into route records using goquery
// selectors.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/travel-routes/internal/routes"
)

// Selectors identifies route cards and the fields inside each card.
type Selectors struct {
	Card           string `mapstructure:"card"`
	Name           string `mapstructure:"name"`
	Description    string `mapstructure:"description"`
	Duration       string `mapstructure:"duration"`
	Frequency      string `mapstructure:"frequency"`
	Price          string `mapstructure:"price"`
	Waypoint       string `mapstructure:"waypoint"`
	CoordinateAttr string `mapstructure:"coordinate_attr"`
	Facility       string `mapstructure:"facility"`
	Tip            string `mapstructure:"tip"`
}

// DefaultSelectors matches the seat61 train-routes markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Card:           ".route-card, .route-item",
		Name:           "h2, h3",
		Description:    ".description, p",
		Duration:       ".duration",
		Frequency:      ".frequency",
		Price:          ".price",
		Waypoint:       ".route-point",
		CoordinateAttr: "data-coordinates",
		Facility:       ".facility",
		Tip:            ".tip",
	}
}

// Extractor implements routes.Extractor.
type Extractor struct {
	sel    Selectors
	clock  routes.Clock
	logger *zap.Logger
}

// New builds an Extractor. Empty selectors fall back to the defaults.
func New(sel Selectors, clock routes.Clock, logger *zap.Logger) (*Extractor, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{sel: withDefaults(sel), clock: clock, logger: logger}, nil
}

// Extract parses the document body and returns one record per named card, in
// document order.
func (e *Extractor) Extract(doc routes.Document) (routes.Extraction, error) {
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return routes.Extraction{}, fmt.Errorf("parse document: %w", err)
	}
	now := e.clock.Now()

	var out routes.Extraction
	page.Find(e.sel.Card).Each(func(i int, card *goquery.Selection) {
		out.Cards++
		rec := e.extractCard(card)
		if rec.Name == "" {
			out.Skipped++
			e.logger.Debug("skipping route card without name", zap.Int("index", i), zap.String("url", doc.URL))
			return
		}
		rec.LastUpdated = now
		out.Records = append(out.Records, rec)
	})
	return out, nil
}

func (e *Extractor) extractCard(card *goquery.Selection) routes.RouteRecord {
	return routes.RouteRecord{
		Name:        firstText(card, e.sel.Name),
		Description: firstText(card, e.sel.Description),
		Duration:    firstText(card, e.sel.Duration),
		Frequency:   firstText(card, e.sel.Frequency),
		Price:       firstText(card, e.sel.Price),
		Waypoints:   e.waypoints(card),
		Facilities:  allText(card, e.sel.Facility),
		Tips:        allText(card, e.sel.Tip),
	}
}

func (e *Extractor) waypoints(card *goquery.Selection) []routes.Waypoint {
	points := card.Find(e.sel.Waypoint)
	out := make([]routes.Waypoint, 0, points.Length())
	points.Each(func(_ int, point *goquery.Selection) {
		wp := routes.Waypoint{Name: strings.TrimSpace(point.Text())}
		if raw, ok := point.Attr(e.sel.CoordinateAttr); ok {
			wp.Coordinates = parseCoordinates(raw)
		}
		out = append(out, wp)
	})
	return out
}

// parseCoordinates returns nil unless raw is a JSON object carrying both lat
// and lng as numbers.
func parseCoordinates(raw string) *routes.Coordinates {
	var parsed struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	if parsed.Lat == nil || parsed.Lng == nil {
		return nil
	}
	return &routes.Coordinates{Lat: *parsed.Lat, Lng: *parsed.Lng}
}

func firstText(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(s.Find(selector).First().Text())
}

func allText(s *goquery.Selection, selector string) []string {
	if selector == "" {
		return []string{}
	}
	matches := s.Find(selector)
	out := make([]string, 0, matches.Length())
	matches.Each(func(_ int, m *goquery.Selection) {
		out = append(out, strings.TrimSpace(m.Text()))
	})
	return out
}

func withDefaults(sel Selectors) Selectors {
	def := DefaultSelectors()
	if sel.Card == "" {
		sel.Card = def.Card
	}
	if sel.Name == "" {
		sel.Name = def.Name
	}
	if sel.Description == "" {
		sel.Description = def.Description
	}
	if sel.Duration == "" {
		sel.Duration = def.Duration
	}
	if sel.Frequency == "" {
		sel.Frequency = def.Frequency
	}
	if sel.Price == "" {
		sel.Price = def.Price
	}
	if sel.Waypoint == "" {
		sel.Waypoint = def.Waypoint
	}
	if sel.CoordinateAttr == "" {
		sel.CoordinateAttr = def.CoordinateAttr
	}
	if sel.Facility == "" {
		sel.Facility = def.Facility
	}
	if sel.Tip == "" {
		sel.Tip = def.Tip
	}
	return sel
}
