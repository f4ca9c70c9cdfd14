package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigInvalid is returned when a required field is missing or out of
// range. The wrapping error names the offending field.
var ErrConfigInvalid = errors.New("config invalid")

func invalidField(field, reason string) error {
	return fmt.Errorf("%w: %s (%s)", ErrConfigInvalid, field, reason)
}

// SourceKind identifies how a camera is reached.
type SourceKind string

const (
	SourceBuiltin SourceKind = "builtin"
	SourceUSB     SourceKind = "usb"
	SourceRTSP    SourceKind = "rtsp"
	SourceONVIF   SourceKind = "onvif"
)

// TripwireOrientation is the axis a tripwire lies on.
type TripwireOrientation string

const (
	OrientationHorizontal TripwireOrientation = "horizontal"
	OrientationVertical   TripwireOrientation = "vertical"
)

// TripwireDirection is the crossing policy for a tripwire.
type TripwireDirection string

const (
	DirectionEnter TripwireDirection = "enter"
	DirectionExit  TripwireDirection = "exit"
	DirectionBoth  TripwireDirection = "both"
)

// Tripwire is a virtual line on the image plane. Position and Spacing are
// normalized to [0,1]; Spacing is the full hysteresis band width.
type Tripwire struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	Orientation TripwireOrientation `yaml:"orientation"`
	Position    float64             `yaml:"position"`
	Spacing     float64             `yaml:"spacing"`
	Direction   TripwireDirection   `yaml:"direction"`
}

// CameraDescriptor is the persistent definition of one camera source.
type CameraDescriptor struct {
	ID       string     `yaml:"id"`
	Kind     SourceKind `yaml:"kind"`
	Device   int        `yaml:"device"`
	URL      string     `yaml:"url"`
	Username string     `yaml:"username"`
	Password string     `yaml:"password"`
	Width    int        `yaml:"width"`
	Height   int        `yaml:"height"`
	FPS      int        `yaml:"fps"`
	Enabled  bool       `yaml:"enabled"`
	Location string     `yaml:"location"`
	Tripwires []Tripwire `yaml:"tripwires"`
}

// Equal reports whether two descriptors would produce identical pipelines.
// The controller leaves a running pipeline untouched when its descriptor is
// Equal to the newly applied one.
func (c CameraDescriptor) Equal(o CameraDescriptor) bool {
	if c.ID != o.ID || c.Kind != o.Kind || c.Device != o.Device ||
		c.URL != o.URL || c.Username != o.Username || c.Password != o.Password ||
		c.Width != o.Width || c.Height != o.Height || c.FPS != o.FPS ||
		c.Enabled != o.Enabled || c.Location != o.Location {
		return false
	}
	if len(c.Tripwires) != len(o.Tripwires) {
		return false
	}
	for i := range c.Tripwires {
		if c.Tripwires[i] != o.Tripwires[i] {
			return false
		}
	}
	return true
}

// StoreConfig configures the PostgreSQL attendance store.
type StoreConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN builds the lib/pq connection string.
func (s StoreConfig) DSN() string {
	sslmode := s.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		s.User, s.Password, s.Host, s.Port, s.Name, sslmode)
}

// ModelsConfig configures the detector and embedder engines.
type ModelsConfig struct {
	// Backend selects the inference engine: "onnx", "http" or "mock".
	Backend       string `yaml:"backend"`
	DetectorPath  string `yaml:"detector_path"`
	EmbedderPath  string `yaml:"embedder_path"`
	RuntimeLib    string `yaml:"runtime_lib"`
	HTTPEndpoint  string `yaml:"http_endpoint"`
	EmbeddingDim  int    `yaml:"embedding_dim"`
	InferenceSlots int   `yaml:"inference_slots"`
}

// DiscoveryConfig bounds camera discovery sweeps.
type DiscoveryConfig struct {
	Subnet         string `yaml:"subnet"`
	Ports          []int  `yaml:"ports"`
	ProbeTimeoutMS int    `yaml:"probe_timeout_ms"`
	MaxWorkers     int    `yaml:"max_workers"`
	LocalIndices   int    `yaml:"local_indices"`
}

// Config is the full FTS configuration snapshot.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	AutoStart           bool `yaml:"auto_start"`
	StartupDelaySeconds int  `yaml:"startup_delay_seconds"`

	Store StoreConfig  `yaml:"store"`
	RedisAddr string   `yaml:"redis_addr"`
	NATSURL   string   `yaml:"nats_url"`

	Models    ModelsConfig    `yaml:"models"`
	Discovery DiscoveryConfig `yaml:"discovery"`

	Cameras []CameraDescriptor `yaml:"cameras"`

	DetectThreshold   float64 `yaml:"detect_threshold"`
	IdentifyThreshold float64 `yaml:"identify_threshold"`
	ReidMargin        float64 `yaml:"reid_margin"`
	IOUThreshold      float64 `yaml:"iou_threshold"`
	ExpireFrames      int     `yaml:"expire_frames"`

	FailThresholdPerMinute int `yaml:"fail_threshold_per_minute"`

	DebounceWindowSeconds   int `yaml:"debounce_window_seconds"`
	ShutdownDeadlineSeconds int `yaml:"shutdown_deadline_seconds"`

	PlaceholderHz    int `yaml:"placeholder_hz"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	IndexPath string `yaml:"index_path"`
	SpillPath string `yaml:"spill_path"`
}

// Defaults returns a Config with every tunable at its documented default.
func Defaults() Config {
	return Config{
		ListenAddr:          ":8085",
		AutoStart:           true,
		StartupDelaySeconds: 2,
		Store: StoreConfig{
			Port:    5432,
			SSLMode: "disable",
		},
		Models: ModelsConfig{
			Backend:        "onnx",
			EmbeddingDim:   128,
			InferenceSlots: 2,
		},
		Discovery: DiscoveryConfig{
			Ports:          []int{80, 554, 8080, 8554},
			ProbeTimeoutMS: 500,
			MaxWorkers:     50,
			LocalIndices:   10,
		},
		DetectThreshold:         0.5,
		IdentifyThreshold:       0.6,
		ReidMargin:              0.15,
		IOUThreshold:            0.3,
		ExpireFrames:            30,
		FailThresholdPerMinute:  60,
		DebounceWindowSeconds:   300,
		ShutdownDeadlineSeconds: 10,
		PlaceholderHz:           1,
		SubscriberBuffer:        1,
	}
}

// DebounceWindow returns the recorder debounce window as a duration.
func (c Config) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceWindowSeconds) * time.Second
}

// ShutdownDeadline returns the controller stop deadline as a duration.
func (c Config) ShutdownDeadline() time.Duration {
	return time.Duration(c.ShutdownDeadlineSeconds) * time.Second
}

// Load reads the YAML file at path, overlays FTS_* environment variables and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays deployment secrets the installer ships as environment
// variables, matching the server's historical env contract.
func (c *Config) applyEnv() {
	if v := os.Getenv("FTS_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Store.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Store.Port = p
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Store.Name = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Store.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Store.Password = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATSURL = v
	}
}

// Validate checks required fields and numeric ranges. The returned error
// wraps ErrConfigInvalid and names the first offending field.
func (c *Config) Validate() error {
	if c.Store.Enabled {
		if c.Store.Host == "" {
			return invalidField("store.host", "required when store is enabled")
		}
		if c.Store.Name == "" {
			return invalidField("store.name", "required when store is enabled")
		}
		if c.Store.User == "" {
			return invalidField("store.user", "required when store is enabled")
		}
		if c.Store.Password == "" {
			return invalidField("store.password", "required when store is enabled")
		}
	}

	switch c.Models.Backend {
	case "onnx":
		if c.Models.DetectorPath == "" {
			return invalidField("models.detector_path", "required for onnx backend")
		}
		if c.Models.EmbedderPath == "" {
			return invalidField("models.embedder_path", "required for onnx backend")
		}
	case "http":
		if c.Models.HTTPEndpoint == "" {
			return invalidField("models.http_endpoint", "required for http backend")
		}
	case "mock":
		// No external artifacts.
	default:
		return invalidField("models.backend", "must be onnx, http or mock")
	}
	if c.Models.EmbeddingDim <= 0 {
		return invalidField("models.embedding_dim", "must be positive")
	}
	if c.Models.InferenceSlots <= 0 {
		return invalidField("models.inference_slots", "must be positive")
	}

	if c.DetectThreshold < 0 || c.DetectThreshold > 1 {
		return invalidField("detect_threshold", "must be in [0,1]")
	}
	if c.IdentifyThreshold < 0 || c.IdentifyThreshold > 1 {
		return invalidField("identify_threshold", "must be in [0,1]")
	}
	if c.IOUThreshold <= 0 || c.IOUThreshold >= 1 {
		return invalidField("iou_threshold", "must be in (0,1)")
	}
	if c.ExpireFrames <= 0 {
		return invalidField("expire_frames", "must be positive")
	}
	if c.DebounceWindowSeconds <= 0 {
		return invalidField("debounce_window_seconds", "must be positive")
	}
	if c.ShutdownDeadlineSeconds <= 0 {
		return invalidField("shutdown_deadline_seconds", "must be positive")
	}
	if c.PlaceholderHz <= 0 {
		return invalidField("placeholder_hz", "must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return invalidField("subscriber_buffer", "must be positive")
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.ID == "" {
			return invalidField(fmt.Sprintf("cameras[%d].id", i), "required")
		}
		if seen[cam.ID] {
			return invalidField(fmt.Sprintf("cameras[%d].id", i), "duplicate camera id")
		}
		seen[cam.ID] = true

		switch cam.Kind {
		case SourceBuiltin, SourceUSB:
			if cam.Device < 0 {
				return invalidField(fmt.Sprintf("cameras[%d].device", i), "must be >= 0")
			}
		case SourceRTSP, SourceONVIF:
			if cam.URL == "" {
				return invalidField(fmt.Sprintf("cameras[%d].url", i), "required for network sources")
			}
		default:
			return invalidField(fmt.Sprintf("cameras[%d].kind", i), "must be builtin, usb, rtsp or onvif")
		}

		for j := range cam.Tripwires {
			tw := &cam.Tripwires[j]
			if tw.ID == "" {
				return invalidField(fmt.Sprintf("cameras[%d].tripwires[%d].id", i, j), "required")
			}
			if tw.Orientation != OrientationHorizontal && tw.Orientation != OrientationVertical {
				return invalidField(fmt.Sprintf("cameras[%d].tripwires[%d].orientation", i, j), "must be horizontal or vertical")
			}
			if tw.Position < 0 || tw.Position > 1 {
				return invalidField(fmt.Sprintf("cameras[%d].tripwires[%d].position", i, j), "must be in [0,1]")
			}
			if tw.Spacing < 0 || tw.Spacing > 1 {
				return invalidField(fmt.Sprintf("cameras[%d].tripwires[%d].spacing", i, j), "must be in [0,1]")
			}
			// Zero value means unrestricted; "monitoring" is a legacy
			// alias kept for old camera configs.
			if tw.Direction == "" || tw.Direction == "monitoring" {
				tw.Direction = DirectionBoth
			}
			switch tw.Direction {
			case DirectionEnter, DirectionExit, DirectionBoth:
			default:
				return invalidField(fmt.Sprintf("cameras[%d].tripwires[%d].direction", i, j), "must be enter, exit or both")
			}
		}
	}

	return nil
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (c Config) Snapshot() Config {
	out := c
	out.Cameras = make([]CameraDescriptor, len(c.Cameras))
	copy(out.Cameras, c.Cameras)
	for i := range out.Cameras {
		tws := make([]Tripwire, len(c.Cameras[i].Tripwires))
		copy(tws, c.Cameras[i].Tripwires)
		out.Cameras[i].Tripwires = tws
	}
	if c.Discovery.Ports != nil {
		out.Discovery.Ports = append([]int(nil), c.Discovery.Ports...)
	}
	return out
}
