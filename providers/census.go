package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	ProviderNameCensus = "census"
	censusBenchmark    = "2020"
	censusTimeout      = 15 * time.Second
)

// CensusGeocoder resolves ZIP codes with the US Census one-line-address geocoder
type CensusGeocoder struct {
	client    *http.Client
	url       string
	userAgent string
	logger    *slog.Logger
}

// NewCensusGeocoder creates a Census geocoder for the given endpoint URL
func NewCensusGeocoder(client *http.Client, endpointURL, userAgent string, logger *slog.Logger) *CensusGeocoder {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CensusGeocoder{client: client, url: endpointURL, userAgent: userAgent, logger: logger}
}

func (g *CensusGeocoder) Name() string {
	return ProviderNameCensus
}

// URL returns the configured endpoint
func (g *CensusGeocoder) URL() string {
	return g.url
}

type censusResponse struct {
	Result struct {
		AddressMatches []struct {
			MatchedAddress string `json:"matchedAddress"`
			Coordinates    struct {
				X *float64 `json:"x"`
				Y *float64 `json:"y"`
			} `json:"coordinates"`
		} `json:"addressMatches"`
	} `json:"result"`
}

// ResolveZIP looks up a ZIP code
func (g *CensusGeocoder) ResolveZIP(ctx context.Context, zipCode string) (Location, error) {
	ctx, cancel := context.WithTimeout(ctx, censusTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("address", zipCode)
	params.Set("benchmark", censusBenchmark)
	params.Set("format", "json")

	reqURL := g.url + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Location{}, fmt.Errorf("failed to create census request: %w", err)
	}
	setUserAgent(req, g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("census request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Location{}, &StatusError{URL: g.url, StatusCode: resp.StatusCode}
	}

	var data censusResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Location{}, fmt.Errorf("failed to decode census response: %w", err)
	}

	if len(data.Result.AddressMatches) == 0 {
		return Location{}, fmt.Errorf("%w: census has no match for %s", ErrNotFound, zipCode)
	}
	match := data.Result.AddressMatches[0]
	if match.Coordinates.X == nil || match.Coordinates.Y == nil {
		return Location{}, fmt.Errorf("census match for %s has no coordinates", zipCode)
	}

	loc := Location{
		Latitude:    *match.Coordinates.Y,
		Longitude:   *match.Coordinates.X,
		Source:      ProviderNameCensus,
		DisplayName: match.MatchedAddress,
	}
	g.logger.Info("Census API resolved ZIP code", "zip_code", zipCode, "lat", loc.Latitude, "lon", loc.Longitude)
	return loc, nil
}

// ResolveCity is not supported by the Census one-line geocoder
func (g *CensusGeocoder) ResolveCity(ctx context.Context, city string) (Location, error) {
	return Location{}, ErrUnsupported
}
