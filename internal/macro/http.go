package macro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"crystal-ball/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

// HTTPFetcher pulls the macro vector from the economic data collector's HTTP
// endpoint. The response is a flat JSON object keyed by macro feature name.
type HTTPFetcher struct {
	client  *http.Client
	baseURL string
	tracer  trace.Tracer
}

func NewHTTPFetcher(tracer trace.Tracer, baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		client:  &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
		tracer:  tracer,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (domain.FeatureVector, error) {
	_, span := f.tracer.Start(ctx, "macro.http-fetch")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/api/macro/latest", nil)
	if err != nil {
		return domain.FeatureVector{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return domain.FeatureVector{}, fmt.Errorf("macro fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.FeatureVector{}, fmt.Errorf("macro fetch: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.FeatureVector{}, err
	}

	var raw map[string]float64
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.FeatureVector{}, fmt.Errorf("parse macro payload: %w", err)
	}

	fv := domain.FeatureVector{
		Names:  make([]string, 0, len(domain.MacroFeatureNames)),
		Values: make([]float64, 0, len(domain.MacroFeatureNames)),
	}
	for _, name := range domain.MacroFeatureNames {
		v, ok := raw[name]
		if !ok {
			continue
		}
		fv.Names = append(fv.Names, name)
		fv.Values = append(fv.Values, v)
	}
	if fv.Len() == 0 {
		return domain.FeatureVector{}, fmt.Errorf("macro payload carried no known features")
	}
	return fv, nil
}
