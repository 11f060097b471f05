package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestConfigurationUnmarshalLensSelection(t *testing.T) {
	var cfg Configuration
	payload := `{"type":"lens","lensTypeId":"progressive","coatingId":"anti-glare","prescription":{"right":{"sphere":-1.25,"cylinder":0,"axis":0},"left":{"sphere":-1.5,"cylinder":-0.5,"axis":90}}}`
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Kind != ConfigurationLens || cfg.Lens == nil {
		t.Fatalf("expected lens variant, got %#v", cfg)
	}
	if cfg.Lens.TypeID != "progressive" || cfg.Lens.CoatingID != "anti-glare" {
		t.Fatalf("unexpected selection %#v", cfg.Lens)
	}
	if cfg.Lens.Prescription == nil || cfg.Lens.Prescription.Left.Axis != 90 {
		t.Fatalf("expected prescription to be decoded")
	}
}

func TestConfigurationUnmarshalNullIsNone(t *testing.T) {
	var cfg Configuration
	if err := json.Unmarshal([]byte(`null`), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !cfg.IsNone() {
		t.Fatalf("expected none variant, got %#v", cfg)
	}
}

func TestConfigurationRejectsUnknownOrMalformedVariants(t *testing.T) {
	cases := map[string]string{
		"unknown type":       `{"type":"frame"}`,
		"lens without type":  `{"type":"lens","coatingId":"blue"}`,
		"none with fields":   `{"lensTypeId":"single"}`,
		"axis out of range":  `{"type":"lens","lensTypeId":"single","prescription":{"right":{"axis":200},"left":{"axis":0}}}`,
		"client surcharge":   `{"type":"lens","lensTypeId":"single","surcharge":`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			var cfg Configuration
			err := json.Unmarshal([]byte(payload), &cfg)
			if err == nil {
				t.Fatalf("expected error for %s", payload)
			}
		})
	}
}

func TestConfigurationValidateUnknownKind(t *testing.T) {
	err := Configuration{Kind: "frame"}.Validate()
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestConfigurationMarshalRoundTripsTag(t *testing.T) {
	data, err := json.Marshal(LensConfiguration(LensSelection{TypeID: "single", CoatingID: "uv"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["type"] != "lens" || decoded["lensTypeId"] != "single" {
		t.Fatalf("unexpected payload %s", data)
	}
}

func TestOrderComputeFinalAmount(t *testing.T) {
	order := Order{Subtotal: 1000, Discount: 100, Shipping: 50, Tax: 162}
	if got := order.ComputeFinalAmount(); got != 1112 {
		t.Fatalf("expected 1112, got %d", got)
	}
}
