package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ConfigurationKind tags the variant held by a Configuration.
type ConfigurationKind string

const (
	ConfigurationNone ConfigurationKind = "none"
	ConfigurationLens ConfigurationKind = "lens"
)

// ErrInvalidConfiguration is returned when a line configuration fails validation.
var ErrInvalidConfiguration = errors.New("domain: invalid configuration")

// Configuration is the optional per-line customisation. Exactly one variant is set:
// None carries nothing, Lens carries a LensSelection.
type Configuration struct {
	Kind ConfigurationKind
	Lens *LensSelection
}

// LensSelection references server-priced lens type and coating options.
type LensSelection struct {
	TypeID       string
	CoatingID    string
	Prescription *Prescription
}

// Prescription is carried through to fulfilment and never priced.
type Prescription struct {
	Right             EyePrescription `json:"right"`
	Left              EyePrescription `json:"left"`
	PupillaryDistance *float64        `json:"pupillaryDistance,omitempty"`
}

// EyePrescription holds the refraction values for one eye.
type EyePrescription struct {
	Sphere   float64  `json:"sphere"`
	Cylinder float64  `json:"cylinder"`
	Axis     int      `json:"axis"`
	Add      *float64 `json:"add,omitempty"`
}

// NoConfiguration returns the None variant.
func NoConfiguration() Configuration {
	return Configuration{Kind: ConfigurationNone}
}

// LensConfiguration returns the LensSelection variant.
func LensConfiguration(sel LensSelection) Configuration {
	return Configuration{Kind: ConfigurationLens, Lens: &sel}
}

// IsNone reports whether no customisation was selected.
func (c Configuration) IsNone() bool {
	return c.Kind == "" || c.Kind == ConfigurationNone
}

// Validate checks the variant invariants.
func (c Configuration) Validate() error {
	switch c.Kind {
	case "", ConfigurationNone:
		if c.Lens != nil {
			return fmt.Errorf("%w: lens selection present on none configuration", ErrInvalidConfiguration)
		}
		return nil
	case ConfigurationLens:
		if c.Lens == nil {
			return fmt.Errorf("%w: lens selection is required", ErrInvalidConfiguration)
		}
		if strings.TrimSpace(c.Lens.TypeID) == "" {
			return fmt.Errorf("%w: lens type id is required", ErrInvalidConfiguration)
		}
		if p := c.Lens.Prescription; p != nil {
			for _, eye := range []EyePrescription{p.Right, p.Left} {
				if eye.Axis < 0 || eye.Axis > 180 {
					return fmt.Errorf("%w: axis must be within 0..180", ErrInvalidConfiguration)
				}
			}
			if p.PupillaryDistance != nil && *p.PupillaryDistance <= 0 {
				return fmt.Errorf("%w: pupillary distance must be positive", ErrInvalidConfiguration)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidConfiguration, c.Kind)
	}
}

type configurationJSON struct {
	Type         string        `json:"type"`
	LensTypeID   string        `json:"lensTypeId,omitempty"`
	CoatingID    string        `json:"coatingId,omitempty"`
	Prescription *Prescription `json:"prescription,omitempty"`
}

// MarshalJSON encodes the variant with an explicit type tag.
func (c Configuration) MarshalJSON() ([]byte, error) {
	if c.IsNone() || c.Lens == nil {
		return json.Marshal(configurationJSON{Type: string(ConfigurationNone)})
	}
	return json.Marshal(configurationJSON{
		Type:         string(ConfigurationLens),
		LensTypeID:   c.Lens.TypeID,
		CoatingID:    c.Lens.CoatingID,
		Prescription: c.Lens.Prescription,
	})
}

// UnmarshalJSON decodes and validates a tagged configuration payload.
func (c *Configuration) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*c = NoConfiguration()
		return nil
	}
	var raw configurationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	var decoded Configuration
	switch ConfigurationKind(strings.ToLower(strings.TrimSpace(raw.Type))) {
	case "", ConfigurationNone:
		if raw.LensTypeID != "" || raw.CoatingID != "" || raw.Prescription != nil {
			return fmt.Errorf("%w: lens fields require type %q", ErrInvalidConfiguration, ConfigurationLens)
		}
		decoded = NoConfiguration()
	case ConfigurationLens:
		decoded = LensConfiguration(LensSelection{
			TypeID:       strings.TrimSpace(raw.LensTypeID),
			CoatingID:    strings.TrimSpace(raw.CoatingID),
			Prescription: raw.Prescription,
		})
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidConfiguration, raw.Type)
	}
	if err := decoded.Validate(); err != nil {
		return err
	}
	*c = decoded
	return nil
}
