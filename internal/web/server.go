// Package web serves the status API: ride snapshot, link statistics and
// lifecycle controls.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"cycle-ng/internal/display"
	"cycle-ng/internal/gps"
	"cycle-ng/internal/ride"
	"cycle-ng/internal/sensors"
)

// RideService is the aggregator surface the API needs.
type RideService interface {
	Snapshot() ride.Metrics
	StartRide(ctx context.Context) error
	PauseRide(ctx context.Context) error
	StopRide(ctx context.Context) error
}

type SensorStats interface {
	Snapshot() []sensors.ChannelStats
}

type GPSStats interface {
	Snapshot() gps.ReaderStats
}

// Deps wires the handler. Sensors, GPS and Logs are optional.
type Deps struct {
	Ride    RideService
	Sensors SensorStats
	GPS     GPSStats
	Logs    *LogBuffer
	Logger  *slog.Logger

	// StreamInterval paces /api/ride/stream pushes; default 1s.
	StreamInterval time.Duration
}

type server struct {
	d   Deps
	log *slog.Logger
}

func Handler(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &server{d: d, log: log.With("component", "web")}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/ride", s.handleRide).Methods(http.MethodGet)
	api.HandleFunc("/ride/stream", s.handleRideStream).Methods(http.MethodGet)
	api.HandleFunc("/ride/{action:start|pause|stop}", s.handleRideAction).Methods(http.MethodPost)
	api.HandleFunc("/display", s.handleDisplay).Methods(http.MethodGet)
	api.HandleFunc("/sensors", s.handleSensors).Methods(http.MethodGet)
	api.HandleFunc("/gps", s.handleGPS).Methods(http.MethodGet)
	if d.Logs != nil {
		api.Handle("/logs", d.Logs.Handler()).Methods(http.MethodGet)
	}
	r.Use(s.logRequests)
	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start))
	})
}

func (s *server) handleRide(w http.ResponseWriter, r *http.Request) {
	if s.d.Ride == nil {
		http.Error(w, "ride unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.d.Ride.Snapshot())
}

func (s *server) handleRideAction(w http.ResponseWriter, r *http.Request) {
	if s.d.Ride == nil {
		http.Error(w, "ride unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var err error
	switch mux.Vars(r)["action"] {
	case "start":
		err = s.d.Ride.StartRide(ctx)
	case "pause":
		err = s.d.Ride.PauseRide(ctx)
	case "stop":
		err = s.d.Ride.StopRide(ctx)
	}
	switch {
	case err == nil:
	case errors.Is(err, ride.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ride.ErrNotRunning), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.d.Ride.Snapshot())
}

func (s *server) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if s.d.Ride == nil {
		http.Error(w, "ride unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": display.Format(s.d.Ride.Snapshot())})
}

func (s *server) handleSensors(w http.ResponseWriter, r *http.Request) {
	stats := []sensors.ChannelStats{}
	if s.d.Sensors != nil {
		stats = s.d.Sensors.Snapshot()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleGPS(w http.ResponseWriter, r *http.Request) {
	if s.d.GPS == nil {
		http.Error(w, "gps disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.d.GPS.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

// Serve runs the API until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
		// Long-lived streams end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
