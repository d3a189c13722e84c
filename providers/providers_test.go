package providers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/time/rate"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func unlimited() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

func TestCensusGeocoder_ResolveZIP(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		expectErr error
		lat, lon  float64
	}{
		{
			name:   "match",
			status: http.StatusOK,
			body:   `{"result":{"addressMatches":[{"matchedAddress":"10001","coordinates":{"x":-74.0060,"y":40.7128}}]}}`,
			lat:    40.7128,
			lon:    -74.0060,
		},
		{
			name:      "no matches",
			status:    http.StatusOK,
			body:      `{"result":{"addressMatches":[]}}`,
			expectErr: ErrNotFound,
		},
		{
			name:   "malformed response",
			status: http.StatusOK,
			body:   `{"result":`,
		},
		{
			name:   "match without coordinates",
			status: http.StatusOK,
			body:   `{"result":{"addressMatches":[{"coordinates":{}}]}}`,
		},
		{
			name:   "http error",
			status: http.StatusInternalServerError,
			body:   `oops`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				if q.Get("address") != "10001" || q.Get("benchmark") != "2020" || q.Get("format") != "json" {
					t.Errorf("unexpected census query: %s", r.URL.RawQuery)
				}
				if r.Header.Get("User-Agent") != "test@example.com" {
					t.Errorf("missing user agent, got %q", r.Header.Get("User-Agent"))
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			g := NewCensusGeocoder(srv.Client(), srv.URL+"/geocoder/locations/onelineaddress", "test@example.com", discardLogger)
			loc, err := g.ResolveZIP(context.Background(), "10001")

			if tc.lat != 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if loc.Latitude != tc.lat || loc.Longitude != tc.lon {
					t.Errorf("expected (%v, %v), got (%v, %v)", tc.lat, tc.lon, loc.Latitude, loc.Longitude)
				}
				if loc.Source != ProviderNameCensus {
					t.Errorf("unexpected source %q", loc.Source)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if tc.expectErr != nil && !errors.Is(err, tc.expectErr) {
				t.Errorf("expected %v, got %v", tc.expectErr, err)
			}
			if tc.status != http.StatusOK {
				var statusErr *StatusError
				if !errors.As(err, &statusErr) || statusErr.StatusCode != tc.status {
					t.Errorf("expected StatusError %d, got %v", tc.status, err)
				}
			}
		})
	}
}

func TestCensusGeocoder_ResolveCityUnsupported(t *testing.T) {
	g := NewCensusGeocoder(nil, "http://unused", "", discardLogger)
	if _, err := g.ResolveCity(context.Background(), "Boston"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestNominatimGeocoder_ResolveCity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("q") != "New York City" {
			t.Errorf("unexpected query %q", q.Get("q"))
		}
		if q.Get("format") != "json" || q.Get("limit") != "1" {
			t.Errorf("missing format/limit: %s", r.URL.RawQuery)
		}
		if r.Header.Get("User-Agent") != "weather-mcp" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte(`[{"lat":"40.7128","lon":"-74.0060","display_name":"New York, United States"}]`))
	}))
	defer srv.Close()

	g := NewNominatimGeocoder(srv.Client(), srv.URL+"/search", "weather-mcp", unlimited(), discardLogger)
	loc, err := g.ResolveCity(context.Background(), "New York City")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.Latitude != 40.7128 || loc.Longitude != -74.0060 {
		t.Errorf("unexpected coordinates: %+v", loc)
	}
	if loc.DisplayName != "New York, United States" {
		t.Errorf("unexpected display name %q", loc.DisplayName)
	}
}

func TestNominatimGeocoder_ResolveCityNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	g := NewNominatimGeocoder(srv.Client(), srv.URL+"/search", "weather-mcp", unlimited(), discardLogger)
	if _, err := g.ResolveCity(context.Background(), "InvalidCity12345"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNominatimGeocoder_ResolveZIPTriesFormats(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		q := r.URL.Query()
		if q.Get("countrycodes") != "us" {
			t.Errorf("expected countrycodes=us, got %s", r.URL.RawQuery)
		}
		switch n {
		case 1:
			if q.Get("postalcode") != "10001" {
				t.Errorf("first attempt should be structured, got %s", r.URL.RawQuery)
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			if q.Get("q") != "10001, United States" {
				t.Errorf("unexpected second query %q", q.Get("q"))
			}
			_, _ = w.Write([]byte(`[]`))
		default:
			if q.Get("q") != "10001, USA" {
				t.Errorf("unexpected third query %q", q.Get("q"))
			}
			_, _ = w.Write([]byte(`[{"lat":"40.7128","lon":"-74.0060","display_name":"10001, USA"}]`))
		}
	}))
	defer srv.Close()

	g := NewNominatimGeocoder(srv.Client(), srv.URL+"/search", "weather-mcp", unlimited(), discardLogger)
	loc, err := g.ResolveZIP(context.Background(), "10001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.Latitude != 40.7128 {
		t.Errorf("unexpected latitude %v", loc.Latitude)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestNominatimGeocoder_InvalidCoordinates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"lat":"north","lon":"-74.0"}]`))
	}))
	defer srv.Close()

	g := NewNominatimGeocoder(srv.Client(), srv.URL+"/search", "weather-mcp", unlimited(), discardLogger)
	_, err := g.ResolveCity(context.Background(), "Boston")
	if err == nil || !strings.Contains(err.Error(), "invalid nominatim latitude") {
		t.Errorf("expected latitude parse error, got %v", err)
	}
}

func TestNominatimGeocoder_RateLimitHonorsContext(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(1e12), 1)
	limiter.Allow()

	g := NewNominatimGeocoder(nil, "http://unused/search", "weather-mcp", limiter, discardLogger)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := g.ResolveCity(ctx, "Boston"); err == nil {
		t.Error("expected error when the rate limiter cannot be satisfied")
	}
}

// stubGeocoder is a scripted Geocoder
type stubGeocoder struct {
	name     string
	loc      Location
	err      error
	zipCalls int
	cityErr  error
}

func (s *stubGeocoder) Name() string { return s.name }
func (s *stubGeocoder) ResolveZIP(_ context.Context, _ string) (Location, error) {
	s.zipCalls++
	return s.loc, s.err
}
func (s *stubGeocoder) ResolveCity(_ context.Context, _ string) (Location, error) {
	if s.cityErr != nil {
		return Location{}, s.cityErr
	}
	return s.loc, s.err
}

func TestChain_ResolveZIP(t *testing.T) {
	t.Run("first geocoder wins", func(t *testing.T) {
		census := &stubGeocoder{name: "census", loc: Location{Latitude: 40.7128, Longitude: -74.0060}}
		nominatim := &stubGeocoder{name: "nominatim", loc: Location{Latitude: 1, Longitude: 1}}
		chain := NewChain(discardLogger, census, nominatim)

		loc, err := chain.ResolveZIP(context.Background(), "10001")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if loc.Latitude != 40.7128 {
			t.Errorf("unexpected location %+v", loc)
		}
		if nominatim.zipCalls != 0 {
			t.Error("fallback should not be called when the first geocoder succeeds")
		}
	})

	t.Run("fallback", func(t *testing.T) {
		census := &stubGeocoder{name: "census", err: errors.New("census down")}
		nominatim := &stubGeocoder{name: "nominatim", loc: Location{Latitude: 40.7589, Longitude: -73.9851}}
		chain := NewChain(discardLogger, census, nominatim)

		loc, err := chain.ResolveZIP(context.Background(), "10001")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if loc.Latitude != 40.7589 || loc.Longitude != -73.9851 {
			t.Errorf("unexpected location %+v", loc)
		}
	})

	t.Run("both fail", func(t *testing.T) {
		census := &stubGeocoder{name: "census", err: errors.New("census down")}
		nominatim := &stubGeocoder{name: "nominatim", err: errors.New("nominatim down")}
		chain := NewChain(discardLogger, census, nominatim)

		_, err := chain.ResolveZIP(context.Background(), "00000")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if !strings.Contains(err.Error(), "nominatim down") {
			t.Errorf("expected last error to be wrapped, got %v", err)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		census := &stubGeocoder{name: "census"}
		chain := NewChain(discardLogger, census)

		if _, err := chain.ResolveZIP(context.Background(), "  "); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if census.zipCalls != 0 {
			t.Error("empty input should not reach any geocoder")
		}
	})
}

func TestChain_ResolveCity(t *testing.T) {
	census := &stubGeocoder{name: "census", cityErr: ErrUnsupported}
	nominatim := &stubGeocoder{name: "nominatim", loc: Location{Latitude: 42.3601, Longitude: -71.0589}}
	chain := NewChain(discardLogger, census, nominatim)

	loc, err := chain.ResolveCity(context.Background(), "Boston")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.Latitude != 42.3601 {
		t.Errorf("unexpected location %+v", loc)
	}

	if _, err := chain.ResolveCity(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty city, got %v", err)
	}

	onlyCensus := NewChain(discardLogger, census)
	if _, err := onlyCensus.ResolveCity(context.Background(), "Boston"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound when no geocoder supports cities, got %v", err)
	}

	if chain.Name() != "census+nominatim" {
		t.Errorf("unexpected chain name %q", chain.Name())
	}
}
