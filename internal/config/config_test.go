package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cycle-ng/internal/ble"
	"cycle-ng/internal/workout"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, "sensors:\n  - name: wheel\n    kind: speed\n    address: 'c0:ff:ee:00:00:01'\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Ride.StalenessWindow)
	assert.Equal(t, 0.5, cfg.Ride.MinMotionSpeedMPS)
	assert.Equal(t, 256, cfg.Ride.EventBuffer)
	assert.Equal(t, 250*time.Millisecond, cfg.Radio.BackoffInitial)
	assert.Equal(t, 10*time.Second, cfg.Radio.BackoffMax)
	assert.Equal(t, 2105, cfg.Sensors[0].WheelCircumferenceMM)
	assert.Equal(t, "/dev/serial0", cfg.GPS.Device)
	assert.Equal(t, 9600, cfg.GPS.Baud)
	assert.Equal(t, "shim", cfg.Buttons.Backend)
	assert.Equal(t, uint16(0x3f), cfg.Buttons.I2CAddr)
	assert.Equal(t, ":8080", cfg.Web.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Positive(t, cfg.Sim.Period)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, ""))
	require.NoError(t, err)
	assert.Empty(t, cfg.Sensors)
}

func TestLoad_FullFile(t *testing.T) {
	path := writeTempConfig(t, `
ride:
  staleness_window: 8s
  min_motion_speed_mps: 1.2
  default_wheel_circumference_mm: 2096
radio:
  backoff_initial: 500ms
sensors:
  - name: csc
    kind: cadence
    address: 'C0:FF:EE:00:00:02'
  - name: wheel
    kind: speed
    address: 'C0:FF:EE:00:00:03'
gps:
  enable: true
  device: /dev/ttyAMA0
  baud: 115200
buttons:
  enable: true
  backend: gpio
  pins: [5, 6]
log:
  level: DEBUG
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8*time.Second, cfg.Ride.StalenessWindow)
	assert.Equal(t, 500*time.Millisecond, cfg.Radio.BackoffInitial)
	require.Len(t, cfg.Sensors, 2)
	assert.Zero(t, cfg.Sensors[0].WheelCircumferenceMM)
	assert.Equal(t, 2096, cfg.Sensors[1].WheelCircumferenceMM)
	assert.Equal(t, 115200, cfg.GPS.Baud)
	assert.Equal(t, []int{5, 6}, cfg.Buttons.Pins)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeTempConfig(t, "gps:\n  enable: true\n  port: /dev/ttyS0\n")
	_, err := Load(path)
	require.EqualError(t, err, "config contains unknown fields: field port not found in type config.GPSConfig")
}

func TestLoad_RejectsAdapterOption(t *testing.T) {
	path := writeTempConfig(t, "radio:\n  adapter: hci1\n")
	_, err := Load(path)
	require.EqualError(t, err, "config contains unknown fields: field adapter not found in type config.RadioConfig")
}

func TestLoad_SimFillsSensors(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "sim:\n  enable: true\n"))
	require.NoError(t, err)
	require.Len(t, cfg.Sensors, 4)
	assert.Equal(t, "heart_rate", cfg.Sensors[3].Kind)
	assert.Equal(t, 2105, cfg.Sensors[0].WheelCircumferenceMM)
}

func TestDefaultAndValidate_Errors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing name", Config{Sensors: []SensorConfig{{Kind: "power", Address: "x"}}}, "sensors[0].name is required"},
		{"reserved name", Config{Sensors: []SensorConfig{{Name: "gps", Kind: "power", Address: "x"}}}, `sensors[0].name "gps" is reserved`},
		{"duplicate", Config{Sensors: []SensorConfig{
			{Name: "a", Kind: "power", Address: "x"},
			{Name: "a", Kind: "speed", Address: "y"},
		}}, `sensors[1].name "a" is duplicated`},
		{"shared address", Config{Sensors: []SensorConfig{
			{Name: "wheel", Kind: "speed", Address: "c0:ff:ee:00:00:01"},
			{Name: "crank", Kind: "cadence", Address: "C0:FF:EE:00:00:01"},
		}}, "sensors[1].address C0:FF:EE:00:00:01 is already used by wheel"},
		{"missing address", Config{Sensors: []SensorConfig{{Name: "a", Kind: "power"}}}, "sensors[0].address is required"},
		{"backoff order", Config{Radio: RadioConfig{BackoffInitial: time.Minute, BackoffMax: time.Second}}, "radio.backoff_max must be >= radio.backoff_initial"},
		{"wheel range", Config{Ride: RideConfig{DefaultWheelCircumferenceMM: 100}}, "ride.default_wheel_circumference_mm out of range (500..3500)"},
		{"backend", Config{Buttons: ButtonsConfig{Backend: "usb"}}, "buttons.backend must be shim or gpio"},
		{"gpio pins", Config{Buttons: ButtonsConfig{Enable: true, Backend: "gpio"}}, "buttons.pins must list 1..8 gpio pins"},
		{"log level", Config{Log: LogConfig{Level: "trace"}}, "log.level must be debug, info, warn or error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			require.EqualError(t, DefaultAndValidate(&cfg), tc.want)
		})
	}
}

func TestLoad_Workout(t *testing.T) {
	path := writeTempConfig(t, `
workout:
  enable: true
  tail_watts: 100
  blocks:
    - duration: 5m
      watts: 80
    - repeat: 5
      blocks:
        - {duration: 3m, watts: 160}
        - {duration: 1m, watts: 80}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Workout.Blocks, 2)
	assert.Equal(t, 5, cfg.Workout.Blocks[1].Repeat)
	assert.Equal(t, 3*time.Minute, cfg.Workout.Blocks[1].Blocks[0].Duration)
	require.NotNil(t, cfg.Workout.TailWatts)
	assert.Equal(t, 100, *cfg.Workout.TailWatts)

	bad := Config{Workout: WorkoutConfig{Enable: true, Blocks: []workout.Block{{Watts: 100}}}}
	assert.ErrorIs(t, DefaultAndValidate(&bad), workout.ErrInvalidPlan)

	// A disabled plan is not checked.
	off := Config{Workout: WorkoutConfig{Blocks: []workout.Block{{Watts: 100}}}}
	assert.NoError(t, DefaultAndValidate(&off))
}

func TestDefaultAndValidate_UnknownKind(t *testing.T) {
	cfg := Config{Sensors: []SensorConfig{{Name: "a", Kind: "torque", Address: "x"}}}
	err := DefaultAndValidate(&cfg)
	require.ErrorIs(t, err, ble.ErrUnknownChannel)
}
