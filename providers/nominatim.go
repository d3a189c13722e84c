package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	ProviderNameNominatim = "nominatim"
	nominatimCityTimeout  = 5 * time.Second
	nominatimZIPTimeout   = 15 * time.Second
)

// DefaultNominatimLimit is the request rate allowed by the public Nominatim instance
var DefaultNominatimLimit = rate.Every(time.Second)

// NominatimGeocoder resolves places with the OpenStreetMap Nominatim search API
type NominatimGeocoder struct {
	client    *http.Client
	url       string
	userAgent string
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewNominatimGeocoder creates a Nominatim geocoder.
// A nil limiter applies DefaultNominatimLimit.
func NewNominatimGeocoder(client *http.Client, endpointURL, userAgent string, limiter *rate.Limiter, logger *slog.Logger) *NominatimGeocoder {
	if client == nil {
		client = http.DefaultClient
	}
	if limiter == nil {
		limiter = rate.NewLimiter(DefaultNominatimLimit, 1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NominatimGeocoder{
		client:    client,
		url:       endpointURL,
		userAgent: userAgent,
		limiter:   limiter,
		logger:    logger,
	}
}

func (g *NominatimGeocoder) Name() string {
	return ProviderNameNominatim
}

// URL returns the configured search endpoint
func (g *NominatimGeocoder) URL() string {
	return g.url
}

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// zipQueries returns the query variants tried for a ZIP code, most precise first
func zipQueries(zipCode string) []url.Values {
	queries := []url.Values{
		{"postalcode": {zipCode}, "countrycodes": {"us"}},
	}
	for _, q := range []string{
		zipCode + ", United States",
		zipCode + ", USA",
		zipCode + ", US",
	} {
		queries = append(queries, url.Values{"q": {q}, "countrycodes": {"us"}})
	}
	return queries
}

// ResolveZIP tries each ZIP query variant until one matches
func (g *NominatimGeocoder) ResolveZIP(ctx context.Context, zipCode string) (Location, error) {
	var lastErr error
	for _, params := range zipQueries(zipCode) {
		loc, err := g.search(ctx, params, nominatimZIPTimeout)
		if err == nil {
			g.logger.Info("Nominatim resolved ZIP code", "zip_code", zipCode, "address", loc.DisplayName)
			return loc, nil
		}
		if ctx.Err() != nil {
			return Location{}, ctx.Err()
		}
		lastErr = err
	}
	return Location{}, lastErr
}

// ResolveCity looks up a free-form city name
func (g *NominatimGeocoder) ResolveCity(ctx context.Context, city string) (Location, error) {
	g.logger.Debug("Resolving city", "city", city)
	return g.search(ctx, url.Values{"q": {city}}, nominatimCityTimeout)
}

func (g *NominatimGeocoder) search(ctx context.Context, params url.Values, timeout time.Duration) (Location, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Location{}, fmt.Errorf("nominatim rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params.Set("format", "json")
	params.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url+"?"+params.Encode(), nil)
	if err != nil {
		return Location{}, fmt.Errorf("failed to create nominatim request: %w", err)
	}
	setUserAgent(req, g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("nominatim request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Location{}, &StatusError{URL: g.url, StatusCode: resp.StatusCode}
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return Location{}, fmt.Errorf("failed to decode nominatim response: %w", err)
	}
	if len(places) == 0 {
		return Location{}, fmt.Errorf("%w: nominatim has no match", ErrNotFound)
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return Location{}, fmt.Errorf("invalid nominatim latitude %q: %w", places[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return Location{}, fmt.Errorf("invalid nominatim longitude %q: %w", places[0].Lon, err)
	}

	return Location{
		Latitude:    lat,
		Longitude:   lon,
		Source:      ProviderNameNominatim,
		DisplayName: places[0].DisplayName,
	}, nil
}
