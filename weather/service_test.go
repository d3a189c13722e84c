package weather

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"github.com/hannes/weather-mcp/providers"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubGeocoder returns a fixed location and records which lookup ran
type stubGeocoder struct {
	loc      providers.Location
	err      error
	lastZIP  string
	lastCity string
}

func (s *stubGeocoder) Name() string { return "stub" }
func (s *stubGeocoder) ResolveZIP(_ context.Context, zip string) (providers.Location, error) {
	s.lastZIP = zip
	return s.loc, s.err
}
func (s *stubGeocoder) ResolveCity(_ context.Context, city string) (providers.Location, error) {
	s.lastCity = city
	return s.loc, s.err
}

// newNWS fakes the points and gridpoints endpoints of the weather API
func newNWS(t *testing.T, pointsStatus, forecastStatus int, periods string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test@example.com" {
			t.Errorf("missing user agent on %s", r.URL.Path)
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/gridpoints/"):
			w.WriteHeader(forecastStatus)
			fmt.Fprintf(w, `{"properties":{"periods":%s}}`, periods)
		case strings.HasPrefix(r.URL.Path, "/points/"):
			w.WriteHeader(pointsStatus)
			fmt.Fprintf(w, `{"properties":{"forecast":"%s/gridpoints/OKX/32,34/forecast"}}`, srv.URL)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(geocoder providers.Geocoder, baseURL string) *Service {
	svc := NewService(geocoder, Options{
		BaseURL:    baseURL,
		PointsPath: "/points",
		UserAgent:  "test@example.com",
		MaxRetries: 2,
		Logger:     discardLogger,
	})
	svc.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return svc
}

const sunnyPeriods = `[{"name":"Today","shortForecast":"Sunny","temperature":75,"temperatureUnit":"F"}]`

func TestForecast_String(t *testing.T) {
	f := Forecast{Name: "Tonight", ShortForecast: "Clear", Temperature: 65, TemperatureUnit: "F"}
	if got := f.String(); got != "Tonight: Clear at 65°F" {
		t.Errorf("unexpected forecast text %q", got)
	}
}

func TestFormatCoordinate(t *testing.T) {
	testCases := map[float64]string{
		40.7128:      "40.7128",
		-74.0060:     "-74.006",
		38.897663123: "38.8977",
		-77.0:        "-77",
	}
	for in, expected := range testCases {
		if got := formatCoordinate(in); got != expected {
			t.Errorf("formatCoordinate(%v): expected %s, got %s", in, expected, got)
		}
	}
}

func TestService_GetWeatherByCity(t *testing.T) {
	nws := newNWS(t, http.StatusOK, http.StatusOK, sunnyPeriods)
	geo := &stubGeocoder{loc: providers.Location{Latitude: 42.3601, Longitude: -71.0589}}
	svc := newTestService(geo, nws.URL)

	text, err := svc.GetWeather(context.Background(), "Boston", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Today: Sunny at 75°F" {
		t.Errorf("unexpected forecast %q", text)
	}
	if geo.lastCity != "Boston" {
		t.Errorf("expected city lookup, got %q", geo.lastCity)
	}
}

func TestService_ZIPTakesPrecedence(t *testing.T) {
	nws := newNWS(t, http.StatusOK, http.StatusOK, sunnyPeriods)
	geo := &stubGeocoder{loc: providers.Location{Latitude: 40.7506, Longitude: -73.9972}}
	svc := newTestService(geo, nws.URL)

	if _, err := svc.GetWeather(context.Background(), "New York", "10001"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if geo.lastZIP != "10001" || geo.lastCity != "" {
		t.Errorf("expected only a ZIP lookup, got zip=%q city=%q", geo.lastZIP, geo.lastCity)
	}
}

func TestService_NoLocation(t *testing.T) {
	svc := newTestService(&stubGeocoder{}, "http://unused")

	_, err := svc.GetWeather(context.Background(), "", "  ")
	if !errors.Is(err, ErrNoLocation) {
		t.Errorf("expected ErrNoLocation, got %v", err)
	}
}

func TestService_LocationUnresolved(t *testing.T) {
	geo := &stubGeocoder{err: providers.ErrNotFound}
	svc := newTestService(geo, "http://unused")

	_, err := svc.GetWeather(context.Background(), "InvalidCity12345", "")
	if !errors.Is(err, ErrLocationUnresolved) || !errors.Is(err, providers.ErrNotFound) {
		t.Errorf("expected wrapped ErrLocationUnresolved, got %v", err)
	}
}

func TestService_ForecastFailures(t *testing.T) {
	testCases := []struct {
		name           string
		pointsStatus   int
		forecastStatus int
		periods        string
	}{
		{"points not found", http.StatusNotFound, http.StatusOK, sunnyPeriods},
		{"forecast server error", http.StatusOK, http.StatusInternalServerError, sunnyPeriods},
		{"no periods", http.StatusOK, http.StatusOK, `[]`},
		{"malformed periods", http.StatusOK, http.StatusOK, `"nope"`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			nws := newNWS(t, tc.pointsStatus, tc.forecastStatus, tc.periods)
			svc := newTestService(&stubGeocoder{loc: providers.Location{Latitude: 1, Longitude: 2}}, nws.URL)

			_, err := svc.GetWeather(context.Background(), "Boston", "")
			if !errors.Is(err, ErrForecastUnavailable) {
				t.Errorf("expected ErrForecastUnavailable, got %v", err)
			}
		})
	}
}

func TestService_RetriesServerErrors(t *testing.T) {
	var pointsCalls int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/points/") {
			if atomic.AddInt32(&pointsCalls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			fmt.Fprintf(w, `{"properties":{"forecast":"%s/gridpoints/LWX/97,71/forecast"}}`, srv.URL)
			return
		}
		fmt.Fprintf(w, `{"properties":{"periods":%s}}`, sunnyPeriods)
	}))
	defer srv.Close()

	svc := newTestService(&stubGeocoder{loc: providers.Location{Latitude: 38.0, Longitude: -77.0}}, srv.URL)
	text, err := svc.GetWeather(context.Background(), "", "20500")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if !strings.Contains(text, "Sunny") {
		t.Errorf("unexpected forecast %q", text)
	}
	if got := atomic.LoadInt32(&pointsCalls); got != 3 {
		t.Errorf("expected 3 points calls, got %d", got)
	}
}

func TestService_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc := newTestService(&stubGeocoder{loc: providers.Location{Latitude: 1, Longitude: 2}}, srv.URL)
	_, err := svc.FetchForecast(context.Background(), 1, 2)

	var statusErr *providers.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected StatusError 404, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("4xx should not be retried, got %d calls", got)
	}
}

func TestService_PointsURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc := newTestService(&stubGeocoder{}, srv.URL+"/")
	_, _ = svc.FetchForecast(context.Background(), 40.712776, -74.005974)

	if gotPath != "/points/40.7128,-74.006" {
		t.Errorf("unexpected points path %q", gotPath)
	}
}
