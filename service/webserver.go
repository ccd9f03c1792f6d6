package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"driver-hub/capture"
	"driver-hub/common/log"
	"driver-hub/common/task"
	"driver-hub/frame"

	"github.com/gorilla/mux"
)

// AccidentNotifier handles one accident signal and reports whether the
// message went out.
type AccidentNotifier interface {
	NotifyAccident(ctx context.Context, ev AccidentEvent) (string, error)
}

// WebServer serves the accident receiver and the status API.
type WebServer struct {
	Port      int
	Notifier  AccidentNotifier
	Latitude  float64
	Longitude float64
	Timeout   time.Duration

	Hub     *EventHub
	Metrics *Metrics
	Pool    *task.Pool
	MQTT    *MQTTSink
	Slots   map[string]*frame.Slot
	Sources []*capture.Source

	server *http.Server
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func NewWebServer(port int, notifier AccidentNotifier, lat, lon float64, timeout time.Duration) *WebServer {
	return &WebServer{
		Port:      port,
		Notifier:  notifier,
		Latitude:  lat,
		Longitude: lon,
		Timeout:   timeout,
	}
}

// Router builds the route table.
func (ws *WebServer) Router() *mux.Router {
	router := mux.NewRouter()

	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	router.HandleFunc("/alert", ws.handleAlert).Methods("GET", "OPTIONS")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", ws.handleAPIStatus).Methods("GET", "OPTIONS")
	api.HandleFunc("/events", ws.handleAPIEvents).Methods("GET", "OPTIONS")
	api.HandleFunc("/ping", ws.handleAPIPing).Methods("GET", "OPTIONS")

	if ws.Hub != nil {
		router.HandleFunc("/ws/events", ws.Hub.ServeWS)
	}
	return router
}

// Start listens until Shutdown is called.
func (ws *WebServer) Start() error {
	ws.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", ws.Port),
		Handler:           ws.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info(fmt.Sprintf("starting web server on port %d", ws.Port))
	if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (ws *WebServer) Shutdown(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}
	return ws.server.Shutdown(ctx)
}

// handleAlert is the accident receiver. Every request sends its own
// notification; lat and lon query parameters override the configured
// coordinates.
func (ws *WebServer) handleAlert(w http.ResponseWriter, r *http.Request) {
	log.Info("🚨 Received /alert (accident)", log.Fields{"remote": r.RemoteAddr})

	ev := AccidentEvent{Latitude: ws.Latitude, Longitude: ws.Longitude, ReceivedAt: time.Now()}
	q := r.URL.Query()
	if v, err := strconv.ParseFloat(q.Get("lat"), 64); err == nil && v >= -90 && v <= 90 {
		ev.Latitude = v
	}
	if v, err := strconv.ParseFloat(q.Get("lon"), 64); err == nil && v >= -180 && v <= 180 {
		ev.Longitude = v
	}

	ctx := r.Context()
	if ws.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ws.Timeout)
		defer cancel()
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if ws.Notifier == nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Error"))
		return
	}
	if _, err := ws.Notifier.NotifyAccident(ctx, ev); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Error"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("SMS sent"))
}

func (ws *WebServer) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	data := map[string]interface{}{}
	if ws.Metrics != nil {
		data["metrics"] = ws.Metrics.Snapshot()
	}
	if ws.Pool != nil {
		data["tasks"] = ws.Pool.Stats()
	}
	if ws.MQTT != nil {
		data["mqtt"] = ws.MQTT.Stats()
	}
	if ws.Hub != nil {
		if counts, err := ws.Hub.Counts(r.Context()); err == nil && counts != nil {
			data["journal"] = counts
		}
	}

	slots := map[string]interface{}{}
	for name, s := range ws.Slots {
		_, has := s.Latest()
		slots[name] = map[string]interface{}{
			"has_frame": has,
			"published": s.Published(),
			"dropped":   s.Drops(),
		}
	}
	data["slots"] = slots

	sources := map[string]interface{}{}
	for _, s := range ws.Sources {
		st := map[string]interface{}{"running": s.IsRunning()}
		if err := s.Err(); err != nil {
			st["error"] = err.Error()
		}
		sources[s.Name] = st
	}
	data["sources"] = sources

	json.NewEncoder(w).Encode(APIResponse{
		Success: true,
		Message: "System status retrieved successfully",
		Data:    data,
	})
}

func (ws *WebServer) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(APIResponse{Success: false, Message: "Invalid limit", Error: fmt.Sprintf("limit must be a positive integer, got %q", v)})
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	if ws.Hub == nil {
		json.NewEncoder(w).Encode(APIResponse{Success: true, Message: "Event journal disabled"})
		return
	}

	events, err := ws.Hub.Recent(r.Context(), limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(APIResponse{Success: false, Message: "Failed to read events", Error: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(APIResponse{Success: true, Message: "Events retrieved successfully", Data: events})
}

func (ws *WebServer) handleAPIPing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(APIResponse{
		Success: true,
		Message: "pong",
		Data:    map[string]interface{}{"timestamp": time.Now().Unix()},
	})
}
