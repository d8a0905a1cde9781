package prefabs

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func LoadSpec[T any](filename string) (T, error) {
	var zero T
	data, err := Load(filename)
	if err != nil {
		return zero, fmt.Errorf("prefabs: load %s: %w", filename, err)
	}

	var spec T
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return zero, fmt.Errorf("prefabs: unmarshal %s: %w", filename, err)
	}

	return spec, nil
}

// StreamingSpec tunes bundle fetching and the resident-room warning.
type StreamingSpec struct {
	Name           string `yaml:"name"`
	BundleBase     string `yaml:"bundle_base"`
	LoadTimeoutMS  int    `yaml:"load_timeout_ms"`
	ResidentBudget int    `yaml:"resident_budget"`
	SessionDB      string `yaml:"session_db"`
}

func (s StreamingSpec) LoadTimeout() time.Duration {
	if s.LoadTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(s.LoadTimeoutMS) * time.Millisecond
}

func LoadStreamingSpec() (*StreamingSpec, error) {
	spec, err := LoadSpec[StreamingSpec]("streaming.yaml")
	if err != nil {
		return nil, err
	}
	if spec.ResidentBudget < 0 {
		return nil, fmt.Errorf("prefabs: streaming.yaml: resident_budget must be >= 0")
	}
	return &spec, nil
}

// TransitionSpec holds fade timings in milliseconds.
type TransitionSpec struct {
	Name                string `yaml:"name"`
	DurationMS          int    `yaml:"duration_ms"`
	HoldMS              int    `yaml:"hold_ms"`
	ReducedMotionHoldMS int    `yaml:"reduced_motion_hold_ms"`
	Color               string `yaml:"color"`
}

func (s TransitionSpec) Duration() time.Duration {
	return time.Duration(s.DurationMS) * time.Millisecond
}

func (s TransitionSpec) Hold() time.Duration {
	return time.Duration(s.HoldMS) * time.Millisecond
}

func (s TransitionSpec) ReducedMotionHold() time.Duration {
	return time.Duration(s.ReducedMotionHoldMS) * time.Millisecond
}

func LoadTransitionSpec() (*TransitionSpec, error) {
	spec, err := LoadSpec[TransitionSpec]("transition.yaml")
	if err != nil {
		return nil, err
	}
	if spec.DurationMS < 0 || spec.HoldMS < 0 || spec.ReducedMotionHoldMS < 0 {
		return nil, fmt.Errorf("prefabs: transition.yaml: timings must be >= 0")
	}
	return &spec, nil
}

// PortalSpec holds the default trigger distances applied to every portal that
// does not override them in the room manifest.
type PortalSpec struct {
	Name               string  `yaml:"name"`
	PreloadDistance    float64 `yaml:"preload_distance"`
	ActivationDistance float64 `yaml:"activation_distance"`
	Hysteresis         float64 `yaml:"hysteresis"`
}

func LoadPortalSpec() (*PortalSpec, error) {
	spec, err := LoadSpec[PortalSpec]("portal.yaml")
	if err != nil {
		return nil, err
	}
	if spec.PreloadDistance <= 0 || spec.ActivationDistance <= 0 {
		return nil, fmt.Errorf("prefabs: portal.yaml: distances must be > 0")
	}
	if spec.Hysteresis < 1 {
		return nil, fmt.Errorf("prefabs: portal.yaml: hysteresis must be >= 1")
	}
	return &spec, nil
}

// Kind classifies a changed file reported by the Watcher.
func Kind(path string) string {
	base := strings.ToLower(filepath.Base(path))
	switch {
	case isScriptFile(base):
		return "script"
	case base == "transition.yaml":
		return "transition"
	case base == "portal.yaml":
		return "portal"
	case base == "streaming.yaml":
		return "streaming"
	default:
		return ""
	}
}
