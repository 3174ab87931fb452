package indicator

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseSpecYAML(t *testing.T) {
	doc := `
indicators:
  - SMA:20
  - "PRICE@typical"
  - {type: bbands, args: [20, 2.5], source: close}
  - type: FRACTAL
    args: [2]
`
	specs, err := ParseSpecYAML([]byte(doc))
	if err != nil {
		t.Fatalf("ParseSpecYAML: %v", err)
	}
	want := []Spec{
		{Type: "SMA", Args: []float64{20}},
		{Type: "PRICE", Source: "typical"},
		{Type: "bbands", Args: []float64{20, 2.5}, Source: "close"},
		{Type: "FRACTAL", Args: []float64{2}},
	}
	if !reflect.DeepEqual(specs, want) {
		t.Errorf("got %+v\nwant %+v", specs, want)
	}
}

func TestParseSpecYAML_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"empty", "indicators: []\n", ErrInvalidParam},
		{"bad yaml", "indicators: [\n", ErrInvalidParam},
		{"bad text", "indicators: [\"SMA:x\"]\n", ErrInvalidParam},
		{"unknown", "indicators: [\"FOO:3\"]\n", ErrUnknownIndicator},
		{"duplicate", "indicators: [\"SMA:20\", SMA]\n", ErrInvalidParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSpecYAML([]byte(tt.doc)); !errors.Is(err, tt.want) {
				t.Errorf("err=%v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadSpecFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indicators.yaml")
	if err := os.WriteFile(path, []byte("indicators:\n  - RSI:14\n  - ATR\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	specs, err := LoadSpecFile(path)
	if err != nil {
		t.Fatalf("LoadSpecFile: %v", err)
	}
	if len(specs) != 2 || specs[0].Type != "RSI" || specs[1].Type != "ATR" {
		t.Errorf("specs=%+v", specs)
	}
	if _, err := LoadSpecFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: err=%v", err)
	}
}
