package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hannes/weather-mcp/providers"
)

const requestTimeout = 10 * time.Second

var (
	// ErrNoLocation is returned when neither a city nor a ZIP code is given
	ErrNoLocation = errors.New("Provide city or zip_code")
	// ErrLocationUnresolved is returned when geocoding fails
	ErrLocationUnresolved = errors.New("could not resolve location")
	// ErrForecastUnavailable is returned when the forecast cannot be fetched
	ErrForecastUnavailable = errors.New("failed to fetch weather forecast")
)

// Forecast is the first period of a National Weather Service forecast
type Forecast struct {
	Name            string `json:"name"`
	ShortForecast   string `json:"shortForecast"`
	Temperature     int    `json:"temperature"`
	TemperatureUnit string `json:"temperatureUnit"`
}

func (f Forecast) String() string {
	return fmt.Sprintf("%s: %s at %d°%s", f.Name, f.ShortForecast, f.Temperature, f.TemperatureUnit)
}

// Options configures a Service
type Options struct {
	Client     *http.Client
	BaseURL    string // e.g. https://api.weather.gov
	PointsPath string // e.g. /points
	UserAgent  string
	MaxRetries uint64
	Logger     *slog.Logger
}

// Service looks up forecasts for US locations
type Service struct {
	geocoder   providers.Geocoder
	client     *http.Client
	baseURL    string
	pointsPath string
	userAgent  string
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// NewService creates a weather service backed by the given geocoder
func NewService(geocoder providers.Geocoder, opts Options) *Service {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PointsPath == "" {
		opts.PointsPath = "/points"
	}
	return &Service{
		geocoder:   geocoder,
		client:     opts.Client,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		pointsPath: opts.PointsPath,
		userAgent:  opts.UserAgent,
		maxRetries: opts.MaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		},
		logger: opts.Logger,
	}
}

// ResolveLocation turns a city or ZIP code into coordinates. The ZIP code
// wins when both are given.
func (s *Service) ResolveLocation(ctx context.Context, city, zipCode string) (providers.Location, error) {
	city = strings.TrimSpace(city)
	zipCode = strings.TrimSpace(zipCode)

	switch {
	case zipCode != "":
		s.logger.Debug("Resolving ZIP code", "zip_code", zipCode)
		return s.geocoder.ResolveZIP(ctx, zipCode)
	case city != "":
		s.logger.Debug("Resolving city", "city", city)
		return s.geocoder.ResolveCity(ctx, city)
	default:
		s.logger.Error("No city or zip_code provided")
		return providers.Location{}, ErrNoLocation
	}
}

type pointsResponse struct {
	Properties struct {
		Forecast string `json:"forecast"`
	} `json:"properties"`
}

type forecastResponse struct {
	Properties struct {
		Periods []Forecast `json:"periods"`
	} `json:"properties"`
}

// FetchForecast asks the points API for the forecast office of the
// coordinates, then returns the first forecast period
func (s *Service) FetchForecast(ctx context.Context, lat, lon float64) (Forecast, error) {
	pointsURL := fmt.Sprintf("%s%s/%s,%s", s.baseURL, s.pointsPath, formatCoordinate(lat), formatCoordinate(lon))
	s.logger.Debug("Requesting weather grid points", "url", pointsURL)

	var points pointsResponse
	if err := s.getJSON(ctx, pointsURL, &points); err != nil {
		return Forecast{}, fmt.Errorf("points lookup: %w", err)
	}
	if points.Properties.Forecast == "" {
		return Forecast{}, fmt.Errorf("points response for %s has no forecast URL", pointsURL)
	}
	s.logger.Debug("Forecast URL obtained", "url", points.Properties.Forecast)

	var forecast forecastResponse
	if err := s.getJSON(ctx, points.Properties.Forecast, &forecast); err != nil {
		return Forecast{}, fmt.Errorf("forecast lookup: %w", err)
	}
	if len(forecast.Properties.Periods) == 0 {
		return Forecast{}, fmt.Errorf("forecast response has no periods")
	}
	return forecast.Properties.Periods[0], nil
}

// GetWeather resolves the location and returns its formatted forecast
func (s *Service) GetWeather(ctx context.Context, city, zipCode string) (string, error) {
	s.logger.Info("Weather request received", "city", city, "zip_code", zipCode)

	loc, err := s.ResolveLocation(ctx, city, zipCode)
	if err != nil {
		if errors.Is(err, ErrNoLocation) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrLocationUnresolved, err)
	}

	forecast, err := s.FetchForecast(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		s.logger.Error("Error fetching weather forecast", "error", err)
		return "", fmt.Errorf("%w: %w", ErrForecastUnavailable, err)
	}

	text := forecast.String()
	s.logger.Info("Weather forecast retrieved successfully", "forecast", text)
	return text, nil
}

// getJSON performs a GET with retries on network errors and 5xx responses
func (s *Service) getJSON(ctx context.Context, url string, out interface{}) error {
	var policy backoff.BackOff = backoff.WithMaxRetries(s.newBackOff(), s.maxRetries)
	policy = backoff.WithContext(policy, ctx)

	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", s.userAgent)
		req.Header.Set("Accept", "application/geo+json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return &providers.StatusError{URL: url, StatusCode: resp.StatusCode}
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(&providers.StatusError{URL: url, StatusCode: resp.StatusCode})
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode %s: %w", url, err))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Weather API request failed, retrying", "url", url, "error", err, "wait", wait)
	}
	return backoff.RetryNotify(op, policy, notify)
}

// formatCoordinate rounds to the four decimals the points API accepts
func formatCoordinate(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e4)/1e4, 'f', -1, 64)
}
