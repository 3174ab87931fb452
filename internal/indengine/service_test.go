package indengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ta-engine/config"
	"ta-engine/internal/indicator"
	"ta-engine/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var sbin = model.SeriesKey{Exchange: "NSE", Symbol: "SBIN", TF: 60}

func testService(t *testing.T, indicators string) *Service {
	t.Helper()
	specs, err := indicator.ParseSpecs(indicators)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := newService(Config{Specs: specs, TFs: []int{60}, StrictOrder: true}, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	return svc
}

func bar(min int, close float64) model.SeriesBar {
	ts := time.Date(2025, 1, 2, 9, 15+min, 0, 0, time.UTC)
	return model.SeriesBar{SeriesKey: sbin, Bar: model.Bar{TS: ts, Open: close, High: close, Low: close, Close: close, Volume: 1}}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		wantErr bool
		specs   int
		keys    int
	}{
		{"ok", config.Config{Indicators: "SMA:20,EMA:9", EnabledTFs: "60,300", Symbols: "NSE:SBIN,NSE:INFY"}, false, 2, 4},
		{"no symbols", config.Config{Indicators: "SMA:20", EnabledTFs: "60"}, false, 1, 0},
		{"bad indicator", config.Config{Indicators: "SMA:0", EnabledTFs: "60"}, true, 0, 0},
		{"unknown indicator", config.Config{Indicators: "MACD", EnabledTFs: "60"}, true, 0, 0},
		{"no tf", config.Config{Indicators: "SMA:20", EnabledTFs: "x"}, true, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadConfig(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if len(got.Specs) != tt.specs || len(got.SeriesKeys()) != tt.keys {
				t.Errorf("specs=%d keys=%d", len(got.Specs), len(got.SeriesKeys()))
			}
		})
	}
}

func TestLoadConfig_IndicatorsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ind.yaml")
	if err := os.WriteFile(path, []byte("indicators:\n  - SMA:5\n  - FRACTAL:2\n  - PRICE@typical\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(&config.Config{Indicators: "SMA:0", IndicatorsFile: path, EnabledTFs: "60"})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(got.Specs) != 3 || got.Specs[2].Source != "typical" {
		t.Errorf("specs=%+v", got.Specs)
	}

	_, err = LoadConfig(&config.Config{IndicatorsFile: filepath.Join(t.TempDir(), "none.yaml"), EnabledTFs: "60"})
	if err == nil || !strings.Contains(err.Error(), "INDICATORS_FILE") {
		t.Errorf("missing file: err=%v", err)
	}
}

func TestParseSpecsPayload(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		want  []string
		isErr bool
	}{
		{"text", "SMA:20, RSI:14", []string{"SMA", "RSI"}, false},
		{"json array", `[{"type":"EMA","args":[9]},{"type":"PRICE","source":"median"}]`, []string{"EMA", "PRICE"}, false},
		{"json object", `{"indicators":"ATR:14"}`, []string{"ATR"}, false},
		{"empty", "  ", nil, true},
		{"broken json", `[{"type":`, nil, true},
		{"bad arg", "SMA:x", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, err := parseSpecsPayload([]byte(tt.body))
			if tt.isErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", specs)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(specs) != len(tt.want) {
				t.Fatalf("got %d specs, want %d", len(specs), len(tt.want))
			}
			for i, s := range specs {
				if s.Type != tt.want[i] {
					t.Errorf("spec %d: %s, want %s", i, s.Type, tt.want[i])
				}
			}
		})
	}
}

func TestProcessBar_PublishesAndCounts(t *testing.T) {
	svc := testService(t, "SMA:2,EMA:2")
	ctx := context.Background()

	svc.processBar(ctx, bar(0, 10))
	svc.processBar(ctx, bar(1, 20))

	if got := testutil.ToFloat64(svc.prom.BarsTotal.WithLabelValues("60")); got != 2 {
		t.Errorf("bars_total=%v, want 2", got)
	}
	if got := testutil.ToFloat64(svc.prom.RecordsTotal); got != 4 {
		t.Errorf("records_total=%v, want 4", got)
	}
	if got := testutil.ToFloat64(svc.prom.SeriesActive); got != 1 {
		t.Errorf("series_active=%v, want 1", got)
	}

	<-svc.records
	recs := <-svc.records
	if len(recs) != 2 || recs[0].Name != "SMA_2" || !recs[0].Ready || recs[0].Value != 15 {
		t.Errorf("second batch = %+v", recs)
	}
}

func TestProcessBar_RejectsOutOfOrder(t *testing.T) {
	svc := testService(t, "SMA:2")
	ctx := context.Background()
	svc.processBar(ctx, bar(1, 10))
	svc.processBar(ctx, bar(0, 10))

	if got := testutil.ToFloat64(svc.prom.BarsRejected.WithLabelValues("out_of_order")); got != 1 {
		t.Errorf("rejected=%v, want 1", got)
	}
	if len(svc.records) != 1 {
		t.Errorf("queued batches=%d, want 1", len(svc.records))
	}
}

func TestProcessBar_StoresBars(t *testing.T) {
	svc := testService(t, "SMA:2")
	svc.barStore = make(chan []model.SeriesBar, 1)
	svc.processBar(context.Background(), bar(0, 10))
	svc.processBar(context.Background(), bar(1, 11))

	got := <-svc.barStore
	if len(got) != 1 || got[0].Close != 10 {
		t.Errorf("stored = %+v", got)
	}
	if drops := testutil.ToFloat64(svc.prom.FanoutDropsTotal.WithLabelValues("bars")); drops != 1 {
		t.Errorf("bar drops=%v, want 1", drops)
	}
}

func runLoop(t *testing.T, svc *Service) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.processLoop(ctx)
	return ctx
}

func TestRequestReload(t *testing.T) {
	svc := testService(t, "SMA:2,EMA:3")
	svc.processBar(context.Background(), bar(0, 1))
	svc.processBar(context.Background(), bar(1, 2))
	ctx := runLoop(t, svc)

	specs, _ := indicator.ParseSpecs("SMA:2,RSI:3")
	res, err := svc.requestReload(ctx, specs)
	if err != nil {
		t.Fatalf("requestReload: %v", err)
	}
	if res.Preserved != 1 || res.Created != 1 {
		t.Errorf("result = %+v", res)
	}
	if strings.Join(res.Indicators, ",") != "SMA_2,RSI_3" {
		t.Errorf("indicators = %v", res.Indicators)
	}
	if got := testutil.ToFloat64(svc.prom.ReloadsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("reloads ok=%v", got)
	}
	if got := testutil.ToFloat64(svc.prom.IndicatorsCount); got != 2 {
		t.Errorf("indicators gauge=%v", got)
	}
}

func TestRequestReload_Invalid(t *testing.T) {
	svc := testService(t, "SMA:2")
	ctx := runLoop(t, svc)

	for _, specs := range [][]indicator.Spec{
		nil,
		{{Type: "SMA", Args: []float64{0}}},
		{{Type: "NOPE"}},
	} {
		if _, err := svc.requestReload(ctx, specs); err == nil {
			t.Errorf("reload %+v accepted", specs)
		}
	}
	if got := testutil.ToFloat64(svc.prom.ReloadsTotal.WithLabelValues("error")); got != 3 {
		t.Errorf("reload errors=%v, want 3", got)
	}
	if labels := svc.engine.Labels(); len(labels) != 1 || labels[0] != "SMA_2" {
		t.Errorf("labels changed: %v", labels)
	}
}

func TestRequestReload_Cancelled(t *testing.T) {
	svc := testService(t, "SMA:2")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	specs, _ := indicator.ParseSpecs("EMA:2")
	if _, err := svc.requestReload(ctx, specs); !errors.Is(err, context.Canceled) {
		t.Errorf("err=%v, want context.Canceled", err)
	}
}

func TestHandleReload(t *testing.T) {
	svc := testService(t, "SMA:2")
	svc.processBar(context.Background(), bar(0, 1))
	runLoop(t, svc)
	mux := http.NewServeMux()
	svc.mountAPI(mux)

	tests := []struct {
		name   string
		method string
		body   string
		code   int
	}{
		{"get", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad payload", http.MethodPost, "SMA:x", http.StatusBadRequest},
		{"invalid period", http.MethodPost, "SMA:0", http.StatusBadRequest},
		{"oversized period", http.MethodPost, "SMA:1e300", http.StatusBadRequest},
		{"ok", http.MethodPost, `{"indicators":"SMA:2,AO"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, "/reload", strings.NewReader(tt.body)))
			if rec.Code != tt.code {
				t.Fatalf("code=%d, want %d: %s", rec.Code, tt.code, rec.Body.String())
			}
			if tt.code != http.StatusOK {
				return
			}
			var body struct {
				Status     string   `json:"status"`
				Preserved  int      `json:"preserved"`
				Created    int      `json:"created"`
				Indicators []string `json:"indicators"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Status != "ok" || body.Preserved != 1 || body.Created != 1 || len(body.Indicators) != 2 {
				t.Errorf("body = %+v", body)
			}
		})
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/indicators", nil))
	if !strings.Contains(rec.Body.String(), "AO_5_34") {
		t.Errorf("/indicators = %s", rec.Body.String())
	}
}

func TestHandleCatalog(t *testing.T) {
	rec := httptest.NewRecorder()
	handleCatalog(rec, httptest.NewRequest(http.MethodGet, "/catalog", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	var cat []indicator.CatalogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &cat); err != nil {
		t.Fatal(err)
	}
	if len(cat) != len(indicator.Catalog()) {
		t.Errorf("catalog entries=%d", len(cat))
	}
}
