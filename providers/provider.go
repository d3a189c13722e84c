package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

var (
	// ErrNotFound is returned when a geocoder has no match for the query
	ErrNotFound = errors.New("location not found")
	// ErrUnsupported is returned when a geocoder cannot answer this kind of query
	ErrUnsupported = errors.New("query not supported by geocoder")
)

// StatusError is returned when an upstream API answers with a non-200 status
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// Location is a resolved geographic point
type Location struct {
	Latitude    float64
	Longitude   float64
	Source      string
	DisplayName string
}

// Geocoder resolves US ZIP codes and city names to coordinates
type Geocoder interface {
	Name() string
	ResolveZIP(ctx context.Context, zipCode string) (Location, error)
	ResolveCity(ctx context.Context, city string) (Location, error)
}

// Chain asks each geocoder in order and returns the first match
type Chain struct {
	geocoders []Geocoder
	logger    *slog.Logger
}

// NewChain builds a fallback chain; order is priority
func NewChain(logger *slog.Logger, geocoders ...Geocoder) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{geocoders: geocoders, logger: logger}
}

// Name returns the names of the chained geocoders
func (c *Chain) Name() string {
	names := make([]string, 0, len(c.geocoders))
	for _, g := range c.geocoders {
		names = append(names, g.Name())
	}
	return strings.Join(names, "+")
}

// ResolveZIP resolves a ZIP code, falling back through the chain
func (c *Chain) ResolveZIP(ctx context.Context, zipCode string) (Location, error) {
	zipCode = strings.TrimSpace(zipCode)
	if zipCode == "" {
		return Location{}, fmt.Errorf("%w: empty ZIP code", ErrNotFound)
	}
	loc, err := c.resolve(ctx, zipCode, func(g Geocoder) (Location, error) {
		return g.ResolveZIP(ctx, zipCode)
	})
	if err != nil {
		c.logger.Error("All geocoders failed for ZIP code", "zip_code", zipCode, "geocoders", c.Name())
	}
	return loc, err
}

// ResolveCity resolves a city name, falling back through the chain
func (c *Chain) ResolveCity(ctx context.Context, city string) (Location, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return Location{}, fmt.Errorf("%w: empty city", ErrNotFound)
	}
	loc, err := c.resolve(ctx, city, func(g Geocoder) (Location, error) {
		return g.ResolveCity(ctx, city)
	})
	if err != nil {
		c.logger.Error("Location not found for city", "city", city)
	}
	return loc, err
}

func (c *Chain) resolve(ctx context.Context, query string, lookup func(Geocoder) (Location, error)) (Location, error) {
	var lastErr error
	for _, g := range c.geocoders {
		if err := ctx.Err(); err != nil {
			return Location{}, err
		}

		loc, err := lookup(g)
		if err == nil {
			c.logger.Debug("Location resolved", "query", query, "geocoder", g.Name(),
				"lat", loc.Latitude, "lon", loc.Longitude)
			return loc, nil
		}
		if errors.Is(err, ErrUnsupported) {
			continue
		}
		c.logger.Warn("Geocoder failed", "geocoder", g.Name(), "query", query, "error", err)
		lastErr = err
	}

	if lastErr == nil {
		return Location{}, fmt.Errorf("%w: %s", ErrNotFound, query)
	}
	if errors.Is(lastErr, ErrNotFound) {
		return Location{}, lastErr
	}
	return Location{}, fmt.Errorf("%w: %s: %w", ErrNotFound, query, lastErr)
}

// setUserAgent sets the User-Agent upstream APIs require for identification
func setUserAgent(req *http.Request, userAgent string) {
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	req.Header.Set("Accept", "application/json")
}
