package macro

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crystal-ball/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

func testTracer() trace.Tracer {
	return trace.NewNoopTracerProvider().Tracer("test")
}

type stubFetcher struct {
	fv    domain.FeatureVector
	err   error
	calls int
}

func (s *stubFetcher) Fetch(ctx context.Context) (domain.FeatureVector, error) {
	s.calls++
	return s.fv, s.err
}

func TestHTTPFetcherParsesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/macro/latest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"usd_index":104.2,"yield_10y":4.3,"cpi_yoy":3.1,"oil_wti":78.5,"vix":16.2,"ignored":1}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(testTracer(), srv.URL)
	fv, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fv.Len() != 5 {
		t.Fatalf("expected 5 features, got %d", fv.Len())
	}
	if v, ok := fv.Get(domain.MacroUSDIndex); !ok || v != 104.2 {
		t.Fatalf("usd_index = %.2f, present=%v", v, ok)
	}
	if v, ok := fv.Get(domain.MacroVIX); !ok || v != 16.2 {
		t.Fatalf("vix = %.2f, present=%v", v, ok)
	}
	if _, ok := fv.Get("ignored"); ok {
		t.Fatal("unknown upstream keys must be dropped")
	}
}

func TestHTTPFetcherPartialPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"usd_index":104.2}`))
	}))
	defer srv.Close()

	fv, err := NewHTTPFetcher(testTracer(), srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fv.Len() != 1 {
		t.Fatalf("expected 1 feature, got %d", fv.Len())
	}
}

func TestHTTPFetcherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewHTTPFetcher(testTracer(), srv.URL).Fetch(context.Background()); err == nil {
		t.Fatal("expected error on upstream 502")
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"unknown":1}`))
	}))
	defer empty.Close()

	if _, err := NewHTTPFetcher(testTracer(), empty.URL).Fetch(context.Background()); err == nil {
		t.Fatal("expected error when no known features present")
	}
}

func TestCachedFetcherPassesThroughFreshVector(t *testing.T) {
	upstream := &stubFetcher{fv: domain.FeatureVector{
		Names:  []string{domain.MacroUSDIndex},
		Values: []float64{104.2},
	}}
	f := NewCachedFetcher(testTracer(), upstream, nil, time.Hour)

	fv, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fv.Stale {
		t.Fatal("fresh vector must not be marked stale")
	}
	if fv.FetchedAt.IsZero() {
		t.Fatal("expected FetchedAt to be stamped")
	}
	if upstream.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", upstream.calls)
	}
}

func TestCachedFetcherWithoutCacheSurfacesFailure(t *testing.T) {
	upstream := &stubFetcher{err: errors.New("collector down")}
	f := NewCachedFetcher(testTracer(), upstream, nil, time.Hour)

	_, err := f.Fetch(context.Background())
	if !errors.Is(err, domain.ErrDataFetch) {
		t.Fatalf("expected ErrDataFetch, got %v", err)
	}
}
