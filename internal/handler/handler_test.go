package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crystal-ball/internal/domain"
	"crystal-ball/internal/forecast"
	"crystal-ball/internal/training"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

type fakeForecaster struct {
	forecast *forecast.Forecast
	err      error
}

func (f *fakeForecaster) Predict(ctx context.Context, symbol string) (*forecast.Forecast, error) {
	return f.forecast, f.err
}

func (f *fakeForecaster) PredictionPayloads(fc *forecast.Forecast) []forecast.PredictionPayload {
	return []forecast.PredictionPayload{{Timeframe: "24h", PredictedPrice: 101000, Confidence: "HIGH"}}
}

func (f *fakeForecaster) ScenarioPayloads(fc *forecast.Forecast) []forecast.ScenarioPayload {
	return []forecast.ScenarioPayload{{Timeframe: "24h", ConfidenceScore: 0.9}}
}

func (f *fakeForecaster) ImportancePayload() forecast.ImportancePayload {
	return forecast.ImportancePayload{Available: false}
}

func (f *fakeForecaster) ModelInfoPayload() forecast.ModelInfoPayload {
	return forecast.ModelInfoPayload{ModelsEnabled: map[string]bool{"baseline": true}}
}

type fakeValidator struct {
	result *domain.ValidationResult
	err    error
	signal float64
}

func (f *fakeValidator) Validate(ctx context.Context, symbol string, signal float64) (*domain.ValidationResult, error) {
	f.signal = signal
	return f.result, f.err
}

type fakeTrainer struct {
	results []training.TrainResult
	err     error
	calls   int
}

func (f *fakeTrainer) TrainAll(ctx context.Context, now time.Time) ([]training.TrainResult, error) {
	f.calls++
	return f.results, f.err
}

func testForecast() *forecast.Forecast {
	return &forecast.Forecast{
		Symbol: "BTC",
		AsOf:   time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Results: map[string]*domain.PredictionResult{
			"24h": {Symbol: "BTC", Timeframe: "24h", EnsembleSignal: 0.42},
		},
	}
}

func newTestRouter(fc *fakeForecaster, v *fakeValidator, tr *fakeTrainer, apiKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(trace.NewNoopTracerProvider().Tracer("test"), fc, v, tr)
	r := gin.New()
	h.RegisterRoutes(r, APIKeyAuth(apiKey))
	return r
}

func doRequest(r *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&fakeForecaster{}, &fakeValidator{}, &fakeTrainer{}, "")
	w := doRequest(r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["models_ready"] != float64(1) || body["models_total"] != float64(1) {
		t.Fatalf("expected 1/1 models ready, got %v", body)
	}
}

func TestGetPredictionsUnsupportedSymbol(t *testing.T) {
	r := newTestRouter(&fakeForecaster{forecast: testForecast()}, &fakeValidator{}, &fakeTrainer{}, "")
	w := doRequest(r, http.MethodGet, "/api/predictions/SHIB", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body struct {
		Supported []string `json:"supported_symbols"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Supported) != len(domain.SupportedSymbols) {
		t.Fatalf("expected supported symbol list, got %v", body.Supported)
	}
}

func TestGetPredictionsLowercaseSymbol(t *testing.T) {
	r := newTestRouter(&fakeForecaster{forecast: testForecast()}, &fakeValidator{}, &fakeTrainer{}, "")
	w := doRequest(r, http.MethodGet, "/api/predictions/btc", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for lowercase symbol, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetPredictionsAllModelsUnavailable(t *testing.T) {
	r := newTestRouter(&fakeForecaster{err: domain.ErrAllModelsUnavailable}, &fakeValidator{}, &fakeTrainer{}, "")
	w := doRequest(r, http.MethodGet, "/api/predictions/BTC", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestGetScenarios(t *testing.T) {
	r := newTestRouter(&fakeForecaster{forecast: testForecast()}, &fakeValidator{}, &fakeTrainer{}, "")
	w := doRequest(r, http.MethodGet, "/api/scenarios/ETH", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Symbol    string                     `json:"symbol"`
		Scenarios []forecast.ScenarioPayload `json:"scenarios"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Symbol != "ETH" || len(body.Scenarios) != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestGetModelInfo(t *testing.T) {
	r := newTestRouter(&fakeForecaster{}, &fakeValidator{}, &fakeTrainer{}, "")
	w := doRequest(r, http.MethodGet, "/api/models", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body forecast.ModelInfoPayload
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !body.ModelsEnabled["baseline"] {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestTriggerTrainingRequiresAPIKey(t *testing.T) {
	tr := &fakeTrainer{}
	r := newTestRouter(&fakeForecaster{}, &fakeValidator{}, tr, "secret")

	w := doRequest(r, http.MethodPost, "/api/models/train", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}
	w = doRequest(r, http.MethodPost, "/api/models/train", map[string]string{"X-API-Key": "wrong"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong key, got %d", w.Code)
	}
	if tr.calls != 0 {
		t.Fatalf("trainer must not run without auth, got %d calls", tr.calls)
	}

	w = doRequest(r, http.MethodPost, "/api/models/train", map[string]string{"X-API-Key": "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid key, got %d", w.Code)
	}
	if tr.calls != 1 {
		t.Fatalf("expected one training run, got %d", tr.calls)
	}
}

func TestTriggerTrainingReportsOutcomes(t *testing.T) {
	tr := &fakeTrainer{results: []training.TrainResult{
		{Predictor: domain.PredictorBaseline, Version: 2, Samples: 150, Promoted: true},
		{Predictor: domain.PredictorSequence, Err: errors.New("insufficient history")},
	}}
	r := newTestRouter(&fakeForecaster{}, &fakeValidator{}, tr, "")

	w := doRequest(r, http.MethodPost, "/api/models/train", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Trained int    `json:"trained"`
		Results []struct {
			Predictor string `json:"predictor"`
			Promoted  bool   `json:"promoted"`
			Error     string `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Trained != 2 || len(body.Results) != 2 {
		t.Fatalf("unexpected body %+v", body)
	}
	if !body.Results[0].Promoted || body.Results[1].Error == "" {
		t.Fatalf("outcomes not reported: %+v", body.Results)
	}
}

func TestValidateSignalExplicitQuery(t *testing.T) {
	v := &fakeValidator{result: &domain.ValidationResult{
		ValidationID:   "v-1",
		Symbol:         "BTC",
		SampleSize:     47,
		WinRate:        0.681,
		Tier:           domain.TierHigh,
		Recommendation: domain.RecommendAct,
	}}
	r := newTestRouter(&fakeForecaster{forecast: testForecast()}, v, &fakeTrainer{}, "")

	w := doRequest(r, http.MethodGet, "/api/validate/BTC?signal=0.4", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if v.signal != 0.4 {
		t.Fatalf("validator received signal %.4f, want 0.4", v.signal)
	}
	var body struct {
		ValidationID string `json:"validation_id"`
		Statistics   struct {
			SampleSize int     `json:"sample_size"`
			WinRate    float64 `json:"win_rate"`
		} `json:"statistics"`
		Tier           string `json:"confidence_tier"`
		Recommendation string `json:"recommendation"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.ValidationID != "v-1" || body.Statistics.SampleSize != 47 {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.Tier != "high" || body.Recommendation != "ACT" {
		t.Fatalf("unexpected tier/recommendation %+v", body)
	}
}

func TestValidateSignalOutOfRange(t *testing.T) {
	r := newTestRouter(&fakeForecaster{forecast: testForecast()}, &fakeValidator{}, &fakeTrainer{}, "")
	w := doRequest(r, http.MethodGet, "/api/validate/BTC?signal=1.5", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w = doRequest(r, http.MethodGet, "/api/validate/BTC?signal=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric signal, got %d", w.Code)
	}
}

func TestValidateSignalDefaultsToEnsemble(t *testing.T) {
	v := &fakeValidator{result: &domain.ValidationResult{ValidationID: "v-2", Symbol: "BTC"}}
	r := newTestRouter(&fakeForecaster{forecast: testForecast()}, v, &fakeTrainer{}, "")

	w := doRequest(r, http.MethodGet, "/api/validate/BTC", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if v.signal != 0.42 {
		t.Fatalf("expected default signal 0.42 from the 24h forecast, got %.4f", v.signal)
	}
}
