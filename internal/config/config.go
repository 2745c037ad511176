package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cycle-ng/internal/ble"
	"cycle-ng/internal/workout"
)

type Config struct {
	Ride    RideConfig     `yaml:"ride"`
	Radio   RadioConfig    `yaml:"radio"`
	Sensors []SensorConfig `yaml:"sensors"`
	GPS     GPSConfig      `yaml:"gps"`
	Buttons ButtonsConfig  `yaml:"buttons"`
	Web     WebConfig      `yaml:"web"`
	Display DisplayConfig  `yaml:"display"`
	Log     LogConfig      `yaml:"log"`
	Sim     SimConfig      `yaml:"sim"`
	Workout WorkoutConfig  `yaml:"workout"`
}

type RideConfig struct {
	StalenessWindow             time.Duration `yaml:"staleness_window"`
	MinMotionSpeedMPS           float64       `yaml:"min_motion_speed_mps"`
	CoastTimeout                time.Duration `yaml:"coast_timeout"`
	PublishInterval             time.Duration `yaml:"publish_interval"`
	EventBuffer                 int           `yaml:"event_buffer"`
	DefaultWheelCircumferenceMM int           `yaml:"default_wheel_circumference_mm"`
}

type RadioConfig struct {
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	FrameBuffer    int           `yaml:"frame_buffer"`
}

type SensorConfig struct {
	Name                 string `yaml:"name"`
	Kind                 string `yaml:"kind"`
	Address              string `yaml:"address"`
	WheelCircumferenceMM int    `yaml:"wheel_circumference_mm"`
}

type GPSConfig struct {
	Enable         bool          `yaml:"enable"`
	Device         string        `yaml:"device"`
	Baud           int           `yaml:"baud"`
	ReopenAttempts int           `yaml:"reopen_attempts"`
	ReopenBackoff  time.Duration `yaml:"reopen_backoff"`
}

type ButtonsConfig struct {
	Enable bool `yaml:"enable"`
	// Backend is "shim" (I2C port expander) or "gpio".
	Backend      string        `yaml:"backend"`
	I2CBus       int           `yaml:"i2c_bus"`
	I2CAddr      uint16        `yaml:"i2c_addr"`
	Count        int           `yaml:"count"`
	GPIOChip     string        `yaml:"gpio_chip"`
	Pins         []int         `yaml:"pins"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StopHold     time.Duration `yaml:"stop_hold"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type DisplayConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	NoColor bool   `yaml:"no_color"`
	// Buffer is the number of recent lines kept for /api/logs.
	Buffer int `yaml:"buffer"`
}

// WorkoutConfig is an interval plan shown as a target power while riding.
type WorkoutConfig struct {
	Enable bool            `yaml:"enable"`
	Blocks []workout.Block `yaml:"blocks"`
	// TailWatts holds after the last block; unset ends the plan.
	TailWatts *int `yaml:"tail_watts"`
}

type SimConfig struct {
	Enable       bool          `yaml:"enable"`
	SpeedKPH     float64       `yaml:"speed_kph"`
	CadenceRPM   float64       `yaml:"cadence_rpm"`
	PowerW       int           `yaml:"power_w"`
	HeartRateBPM int           `yaml:"heart_rate_bpm"`
	CenterLatDeg float64       `yaml:"center_lat_deg"`
	CenterLonDeg float64       `yaml:"center_lon_deg"`
	RadiusM      float64       `yaml:"radius_m"`
	Period       time.Duration `yaml:"period"`
}

// Load reads a YAML config, rejecting unknown fields, and applies defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", unknownFieldDetail(err))
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// unknownFieldDetail strips yaml's "line N:" prefix from the first error.
func unknownFieldDetail(err error) string {
	var te *yaml.TypeError
	if errors.As(err, &te) && len(te.Errors) > 0 {
		msg := te.Errors[0]
		if i := strings.Index(msg, ": "); i >= 0 && strings.HasPrefix(msg, "line ") {
			msg = msg[i+2:]
		}
		return msg
	}
	return err.Error()
}

func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	r := &cfg.Ride
	if r.StalenessWindow <= 0 {
		r.StalenessWindow = 5 * time.Second
	}
	if r.MinMotionSpeedMPS < 0 {
		return fmt.Errorf("ride.min_motion_speed_mps must be >= 0")
	}
	if r.MinMotionSpeedMPS == 0 {
		r.MinMotionSpeedMPS = 0.5
	}
	if r.CoastTimeout <= 0 {
		r.CoastTimeout = 3 * time.Second
	}
	if r.PublishInterval <= 0 {
		r.PublishInterval = time.Second
	}
	if r.EventBuffer <= 0 {
		r.EventBuffer = 256
	}
	if r.DefaultWheelCircumferenceMM == 0 {
		r.DefaultWheelCircumferenceMM = 2105
	}
	if r.DefaultWheelCircumferenceMM < 500 || r.DefaultWheelCircumferenceMM > 3500 {
		return fmt.Errorf("ride.default_wheel_circumference_mm out of range (500..3500)")
	}

	if cfg.Radio.BackoffInitial <= 0 {
		cfg.Radio.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.Radio.BackoffMax <= 0 {
		cfg.Radio.BackoffMax = 10 * time.Second
	}
	if cfg.Radio.BackoffMax < cfg.Radio.BackoffInitial {
		return fmt.Errorf("radio.backoff_max must be >= radio.backoff_initial")
	}
	if cfg.Radio.FrameBuffer <= 0 {
		cfg.Radio.FrameBuffer = 32
	}

	if cfg.Sim.Enable && len(cfg.Sensors) == 0 {
		cfg.Sensors = []SensorConfig{
			{Name: "wheel", Kind: "speed"},
			{Name: "crank", Kind: "cadence"},
			{Name: "power", Kind: "power"},
			{Name: "hrm", Kind: "heart_rate"},
		}
	}
	seen := make(map[string]bool, len(cfg.Sensors))
	// One BLE link per peripheral: a combo CSC sensor is a single speed or
	// cadence channel that reports both halves.
	addrs := make(map[string]string, len(cfg.Sensors))
	for i := range cfg.Sensors {
		s := &cfg.Sensors[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			return fmt.Errorf("sensors[%d].name is required", i)
		}
		if s.Name == "gps" {
			return fmt.Errorf("sensors[%d].name %q is reserved", i, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("sensors[%d].name %q is duplicated", i, s.Name)
		}
		seen[s.Name] = true
		tag, err := ble.ParseTag(s.Kind)
		if err != nil {
			return fmt.Errorf("sensors[%d].kind: %w", i, err)
		}
		s.Address = strings.TrimSpace(s.Address)
		if s.Address == "" && !cfg.Sim.Enable {
			return fmt.Errorf("sensors[%d].address is required", i)
		}
		if key := strings.ToUpper(s.Address); key != "" {
			if other, dup := addrs[key]; dup {
				return fmt.Errorf("sensors[%d].address %s is already used by %s", i, s.Address, other)
			}
			addrs[key] = s.Name
		}
		if tag == ble.TagSpeed && s.WheelCircumferenceMM == 0 {
			s.WheelCircumferenceMM = r.DefaultWheelCircumferenceMM
		}
		if s.WheelCircumferenceMM < 0 {
			return fmt.Errorf("sensors[%d].wheel_circumference_mm must be > 0", i)
		}
	}

	if cfg.GPS.Device == "" {
		cfg.GPS.Device = "/dev/serial0"
	}
	if cfg.GPS.Baud == 0 {
		cfg.GPS.Baud = 9600
	}
	if cfg.GPS.Baud < 0 {
		return fmt.Errorf("gps.baud must be > 0")
	}
	if cfg.GPS.ReopenAttempts <= 0 {
		cfg.GPS.ReopenAttempts = 5
	}
	if cfg.GPS.ReopenBackoff <= 0 {
		cfg.GPS.ReopenBackoff = 500 * time.Millisecond
	}

	b := &cfg.Buttons
	b.Backend = strings.ToLower(strings.TrimSpace(b.Backend))
	if b.Backend == "" {
		b.Backend = "shim"
	}
	switch b.Backend {
	case "shim":
		if b.I2CBus == 0 {
			b.I2CBus = 1
		}
		if b.I2CAddr == 0 {
			b.I2CAddr = 0x3f
		}
		if b.I2CAddr > 0x7F {
			return fmt.Errorf("buttons.i2c_addr must be a 7-bit address")
		}
		if b.Count == 0 {
			b.Count = 2
		}
		if b.Count < 1 || b.Count > 8 {
			return fmt.Errorf("buttons.count must be 1..8")
		}
	case "gpio":
		if b.Enable && (len(b.Pins) == 0 || len(b.Pins) > 8) {
			return fmt.Errorf("buttons.pins must list 1..8 gpio pins")
		}
	default:
		return fmt.Errorf("buttons.backend must be shim or gpio")
	}
	if b.PollInterval <= 0 {
		b.PollInterval = 20 * time.Millisecond
	}
	if b.StopHold <= 0 {
		b.StopHold = 2 * time.Second
	}

	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Display.Interval <= 0 {
		cfg.Display.Interval = time.Second
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	if cfg.Log.Buffer <= 0 {
		cfg.Log.Buffer = 2000
	}

	if cfg.Workout.Enable {
		if _, err := workout.New(cfg.Workout.Blocks, cfg.Workout.TailWatts); err != nil {
			return fmt.Errorf("workout: %w", err)
		}
	}

	// Simulator defaults (safe even if disabled).
	s := &cfg.Sim
	if s.SpeedKPH <= 0 {
		s.SpeedKPH = 28
	}
	if s.CadenceRPM <= 0 {
		s.CadenceRPM = 88
	}
	if s.PowerW <= 0 {
		s.PowerW = 190
	}
	if s.HeartRateBPM <= 0 {
		s.HeartRateBPM = 135
	}
	if s.RadiusM <= 0 {
		s.RadiusM = 400
	}
	if s.Period <= 0 {
		s.Period = 3 * time.Minute
	}
	return nil
}
