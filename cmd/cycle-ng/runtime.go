package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cycle-ng/internal/ble"
	"cycle-ng/internal/buttons"
	"cycle-ng/internal/config"
	"cycle-ng/internal/display"
	"cycle-ng/internal/event"
	"cycle-ng/internal/gps"
	"cycle-ng/internal/ride"
	"cycle-ng/internal/sensors"
	"cycle-ng/internal/sim"
	"cycle-ng/internal/web"
	"cycle-ng/internal/workout"
)

// run wires every component around one merged event channel and blocks
// until ctx is cancelled or a component fails for good.
//
// Shutdown order: producers stop first, then the event channel is closed,
// and the aggregator applies what was queued before returning.
func run(ctx context.Context, cfg config.Config, log *slog.Logger, logs *web.LogBuffer) error {
	channels, err := sensorChannels(cfg)
	if err != nil {
		return err
	}

	speedSrc, cadenceSrc := revolutionSources(channels)
	var plan *workout.Schedule
	if cfg.Workout.Enable {
		if plan, err = workout.New(cfg.Workout.Blocks, cfg.Workout.TailWatts); err != nil {
			return err
		}
		log.Info("workout loaded", "steps", plan.Steps(), "length", plan.Length())
	}
	events := make(chan event.Event, cfg.Ride.EventBuffer)
	agg := ride.New(ride.Config{
		StalenessWindow:             cfg.Ride.StalenessWindow,
		MinMotionSpeed:              cfg.Ride.MinMotionSpeedMPS,
		CoastTimeout:                cfg.Ride.CoastTimeout,
		PublishInterval:             cfg.Ride.PublishInterval,
		DefaultWheelCircumferenceMM: cfg.Ride.DefaultWheelCircumferenceMM,
		SpeedSources:                speedSrc,
		CadenceSources:              cadenceSrc,
		Workout:                     plan,
		Logger:                      log,
	})
	aggDone := make(chan error, 1)
	go func() {
		// Not bound to ctx: the aggregator stops when events is closed.
		aggDone <- agg.Run(context.WithoutCancel(ctx), events)
	}()

	prodCtx, stop := context.WithCancel(ctx)
	defer stop()

	fatal := make(chan error, 1)
	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(prodCtx)
			if err == nil || prodCtx.Err() != nil {
				return
			}
			select {
			case fatal <- fmt.Errorf("%s: %w", name, err):
			default:
			}
		}()
	}

	mgr, err := sensors.NewManager(sensors.Config{
		Channels:       channels,
		BackoffInitial: cfg.Radio.BackoffInitial,
		BackoffMax:     cfg.Radio.BackoffMax,
		FrameBuffer:    cfg.Radio.FrameBuffer,
		Logger:         log,
	}, newRadio(cfg))
	if err != nil {
		stop()
		close(events)
		<-aggDone
		return err
	}
	if err := mgr.Start(prodCtx, events); err != nil {
		stop()
		close(events)
		<-aggDone
		return err
	}

	deps := web.Deps{Ride: agg, Sensors: mgr, Logs: logs, Logger: log, StreamInterval: cfg.Display.Interval}
	if reader := newGPSReader(cfg, log); reader != nil {
		deps.GPS = reader
		spawn("gps", func(ctx context.Context) error { return reader.Run(ctx, events) })
	}

	var btn *buttons.Service
	if cfg.Buttons.Enable {
		r, err := openButtons(cfg.Buttons)
		if err != nil {
			// Ride control is still available over HTTP.
			log.Warn("buttons unavailable", "backend", cfg.Buttons.Backend, "err", err)
		} else {
			btn, err = buttons.New(buttons.Config{
				PollInterval: cfg.Buttons.PollInterval,
				StopHold:     cfg.Buttons.StopHold,
				Logger:       log,
			}, r, agg)
			if err != nil {
				_ = r.Close()
				log.Warn("buttons unavailable", "err", err)
			} else {
				spawn("buttons", btn.Run)
			}
		}
	}

	spawn("display", display.Loop{
		Interval: cfg.Display.Interval,
		Source:   agg,
		Renderer: display.TextRenderer{Logger: log.With("component", "display")},
		Logger:   log,
	}.Run)

	h := web.Handler(deps)
	spawn("web", func(ctx context.Context) error { return web.Serve(ctx, cfg.Web.Listen, h) })
	log.Info("web listening", "addr", cfg.Web.Listen)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-fatal:
		log.Error("component failed", "err", runErr)
	}

	stop()
	mgr.Close()
	wg.Wait()
	close(events)
	if err := <-aggDone; err != nil {
		runErr = errors.Join(runErr, err)
	}

	m := agg.Snapshot()
	log.Info("ride summary",
		"ride_id", m.RideID,
		"status", m.Status,
		"elapsed", m.Elapsed.Round(time.Second),
		"moving", m.MovingTime.Round(time.Second),
		"distance_m", fmt.Sprintf("%.0f", m.DistanceM),
		"energy_kj", fmt.Sprintf("%.1f", m.EnergyKJ),
	)
	if btn != nil {
		bs := btn.Snapshot()
		log.Debug("buttons", "presses", bs.Presses, "read_errors", bs.ReadErrs)
	}
	return runErr
}

func sensorChannels(cfg config.Config) ([]sensors.ChannelConfig, error) {
	out := make([]sensors.ChannelConfig, 0, len(cfg.Sensors))
	for _, s := range cfg.Sensors {
		tag, err := ble.ParseTag(s.Kind)
		if err != nil {
			return nil, fmt.Errorf("sensor %s: %w", s.Name, err)
		}
		out = append(out, sensors.ChannelConfig{
			Name:                 s.Name,
			Tag:                  tag,
			Address:              s.Address,
			WheelCircumferenceMM: s.WheelCircumferenceMM,
		})
	}
	return out, nil
}

// revolutionSources ranks channels for wheel and crank data: dedicated
// sensors first in config order, then power meters, then the other half of
// a CSC sensor.
func revolutionSources(channels []sensors.ChannelConfig) (speed, cadence []string) {
	pick := func(tags ...ble.Tag) []string {
		var out []string
		for _, tag := range tags {
			for _, ch := range channels {
				if ch.Tag == tag {
					out = append(out, ch.Name)
				}
			}
		}
		return out
	}
	return pick(ble.TagSpeed, ble.TagPower, ble.TagCadence), pick(ble.TagCadence, ble.TagPower, ble.TagSpeed)
}

func newRadio(cfg config.Config) sensors.Radio {
	if cfg.Sim.Enable {
		return &sim.Radio{
			SpeedKPH:     cfg.Sim.SpeedKPH,
			CadenceRPM:   cfg.Sim.CadenceRPM,
			PowerW:       cfg.Sim.PowerW,
			HeartRateBPM: cfg.Sim.HeartRateBPM,
			Interval:     time.Second,
		}
	}
	return sensors.NewBLERadio()
}

// newGPSReader returns nil when no position source is configured. In sim
// mode the reader parses synthesised sentences instead of a serial port.
func newGPSReader(cfg config.Config, log *slog.Logger) *gps.Reader {
	gc := gps.Config{
		Device:         cfg.GPS.Device,
		Baud:           cfg.GPS.Baud,
		ReopenAttempts: cfg.GPS.ReopenAttempts,
		ReopenBackoff:  cfg.GPS.ReopenBackoff,
		Logger:         log,
	}
	switch {
	case cfg.Sim.Enable:
		gc.Device = "sim"
		gc.Open = sim.GPS{Route: sim.Route{
			CenterLatDeg: cfg.Sim.CenterLatDeg,
			CenterLonDeg: cfg.Sim.CenterLonDeg,
			RadiusM:      cfg.Sim.RadiusM,
			Period:       cfg.Sim.Period,
		}}.Open
	case !cfg.GPS.Enable:
		return nil
	}
	return gps.NewReader(gc)
}

func openButtons(bc config.ButtonsConfig) (buttons.Reader, error) {
	switch bc.Backend {
	case "gpio":
		return buttons.OpenGPIO(bc.GPIOChip, bc.Pins)
	default:
		return buttons.OpenShim(bc.I2CBus, bc.I2CAddr, bc.Count)
	}
}
