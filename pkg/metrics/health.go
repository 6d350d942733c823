package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// criticalComponents must all be registered and healthy before the
// supervisor counts as ready: without the status area, the control
// socket and the publisher there is nothing for viewers to read.
var criticalComponents = []string{"ssa", "control", "publisher"}

type componentState struct {
	healthy bool
	message string
	updated time.Time
}

type healthRegistry struct {
	mu      sync.RWMutex
	state   map[string]componentState
	started time.Time
	version string
}

var health = &healthRegistry{
	state:   make(map[string]componentState),
	started: time.Now(),
}

// HealthStatus is the JSON body served on /health and /ready.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// SetVersion sets the version string reported by the health endpoints.
func SetVersion(v string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = v
}

// RegisterComponent records the current health of a named component,
// replacing any previous state.
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.state[name] = componentState{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
}

// UpdateComponent is RegisterComponent under a name that reads better
// at call sites that flip an existing component.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

func (r *healthRegistry) report() HealthStatus {
	return HealthStatus{
		Timestamp: time.Now(),
		Version:   r.version,
		Uptime:    time.Since(r.started).String(),
	}
}

// GetHealth reports "unhealthy" as soon as any registered component is.
func GetHealth() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	st := health.report()
	st.Status = "healthy"
	st.Components = make(map[string]string, len(health.state))
	for name, c := range health.state {
		if c.healthy {
			st.Components[name] = "healthy"
			continue
		}
		st.Status = "unhealthy"
		st.Components[name] = "unhealthy: " + c.message
	}
	return st
}

// GetReadiness reports "ready" once every critical component has been
// registered and is healthy. Non-critical components never block
// readiness.
func GetReadiness() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	st := health.report()
	st.Status = "ready"
	st.Components = make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		c, ok := health.state[name]
		switch {
		case !ok:
			st.Status = "not_ready"
			st.Message = "waiting for " + name + " initialization"
			st.Components[name] = "not registered"
		case !c.healthy:
			st.Status = "not_ready"
			st.Message = "waiting for " + name
			st.Components[name] = "not ready: " + c.message
		default:
			st.Components[name] = "ready"
		}
	}
	return st
}

func serveStatus(get func() HealthStatus, okStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := get()
		code := http.StatusOK
		if st.Status != okStatus {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}

// HealthHandler serves /health.
func HealthHandler() http.HandlerFunc {
	return serveStatus(GetHealth, "healthy")
}

// ReadyHandler serves /ready.
func ReadyHandler() http.HandlerFunc {
	return serveStatus(GetReadiness, "ready")
}

// LivenessHandler serves /livez; a reply at all means the process is
// alive.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(health.started).String(),
		})
	}
}
