// esp-sim stands in for the vehicle actuator board. It answers every known
// command with 200 and can fire an accident signal at the hub.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"driver-hub/common/log"
	"driver-hub/detect"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

var (
	port    = flag.Int("port", 8081, "Port to listen on")
	delay   = flag.Duration("delay", 0, "Artificial latency per command")
	trigger = flag.String("trigger", "", "Hub base URL; send one GET /alert and exit")
)

// actuator records which commands it has been sent.
type actuator struct {
	delay time.Duration

	mu       sync.Mutex
	counts   map[string]int
	last     string
	lastTime time.Time
}

func newActuator(delay time.Duration) *actuator {
	return &actuator{delay: delay, counts: make(map[string]int)}
}

func (a *actuator) router() *mux.Router {
	router := mux.NewRouter()

	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	router.HandleFunc("/status", a.handleStatus).Methods("GET")
	router.HandleFunc("/{command}", a.handleCommand).Methods("GET")
	return router
}

func (a *actuator) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmd := detect.Command(mux.Vars(r)["command"])
	if !cmd.Valid() {
		log.Warn(fmt.Sprintf("unknown command %q from %s", cmd, r.RemoteAddr))
		http.Error(w, "unknown command", http.StatusNotFound)
		return
	}

	if a.delay > 0 {
		time.Sleep(a.delay)
	}

	a.mu.Lock()
	a.counts[string(cmd)]++
	a.last = string(cmd)
	a.lastTime = time.Now()
	a.mu.Unlock()

	log.Info(fmt.Sprintf("command received: %s", cmd), log.Fields{"remote": r.RemoteAddr, "request_id": r.Header.Get("X-Request-ID")})
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("OK"))
}

func (a *actuator) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	a.mu.Lock()
	counts := make(map[string]int, len(a.counts))
	for k, v := range a.counts {
		counts[k] = v
	}
	status := map[string]interface{}{
		"server_name": "Actuator Mock Server",
		"status":      "running",
		"counts":      counts,
		"last":        a.last,
		"timestamp":   time.Now().Format(time.RFC3339),
	}
	if !a.lastTime.IsZero() {
		status["last_at"] = a.lastTime.Format(time.RFC3339)
	}
	a.mu.Unlock()

	known := make([]string, 0, len(detect.Commands))
	for _, c := range detect.Commands {
		known = append(known, string(c))
	}
	sort.Strings(known)
	status["commands"] = known

	json.NewEncoder(w).Encode(status)
}

// sendAlert fires the accident signal at the hub and returns its answer.
func sendAlert(client *http.Client, hubURL string) (int, string, error) {
	resp, err := client.Get(hubURL + "/alert")
	if err != nil {
		return 0, "", errors.Wrap(err, "failed to send alert request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", errors.Wrap(err, "failed to read response")
	}
	return resp.StatusCode, string(body), nil
}

func main() {
	flag.Parse()
	defer log.Close()

	if *trigger != "" {
		code, body, err := sendAlert(&http.Client{Timeout: 15 * time.Second}, *trigger)
		if err != nil {
			fmt.Printf("%v\n", err)
			fmt.Println("Make sure the hub is running")
			return
		}
		fmt.Printf("Response Status: %d\n", code)
		fmt.Printf("Response Body: %s\n", body)
		if code == http.StatusOK {
			fmt.Println("\n✅ Accident alert delivered")
		} else {
			fmt.Println("\n❌ Accident alert failed")
		}
		return
	}

	a := newActuator(*delay)
	log.Info(fmt.Sprintf("starting actuator mock server on port %d", *port))
	if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), a.router()); err != nil {
		log.Error(err.Error())
	}
}
