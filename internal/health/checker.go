// Copyright (C) 2024 right-sizer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package health tracks the liveness of the autoscaler's components
// (orchestrator gateway, resource-manager gateway, supervisor loop) and
// serves /healthz and /readyz for the side HTTP port (PORT0).
package health

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"marathon-autoscaler/internal/logger"
)

// ComponentStatus represents the health status of a tracked component.
type ComponentStatus struct {
	Healthy     bool
	LastChecked time.Time
	Message     string
}

// Checker tracks liveness of the autoscaler's moving parts: the
// supervisor tick loop and the two HTTP gateways. Readiness goes false
// when a gateway has been unreachable past staleness; liveness only
// reflects whether the tick loop itself is still running.
type Checker struct {
	mu               sync.RWMutex
	components       map[string]*ComponentStatus
	staleAfter       time.Duration
	lastOverallCheck time.Time
}

// NewChecker creates a Checker with its three tracked components in
// their initial (not-yet-observed) state.
func NewChecker() *Checker {
	now := time.Now()
	return &Checker{
		components: map[string]*ComponentStatus{
			"supervisor":              {Healthy: true, LastChecked: now, Message: "starting"},
			"orchestrator_gateway":    {Healthy: false, LastChecked: now, Message: "not yet polled"},
			"resourcemanager_gateway": {Healthy: false, LastChecked: now, Message: "not yet polled"},
		},
		staleAfter: 5 * time.Minute,
	}
}

// UpdateComponentStatus records an observation for component.
func (c *Checker) UpdateComponentStatus(component string, healthy bool, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, exists := c.components[component]
	if !exists {
		status = &ComponentStatus{}
		c.components[component] = status
	}
	status.Healthy = healthy
	status.LastChecked = time.Now()
	status.Message = message

	logger.Debug("health: %s healthy=%v message=%s", component, healthy, message)
}

// GetComponentStatus returns a copy of component's last-known status.
func (c *Checker) GetComponentStatus(component string) (ComponentStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status, exists := c.components[component]
	if !exists {
		return ComponentStatus{}, false
	}
	return *status, true
}

// IsLive reports whether the supervisor tick loop is still running.
// Gateway outages do not affect liveness: the process should keep
// retrying rather than be restarted by its supervisor (systemd, Marathon
// itself) while waiting out a transient Marathon/Mesos outage.
func (c *Checker) IsLive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status, exists := c.components["supervisor"]
	if !exists {
		return false
	}
	if !status.Healthy {
		return false
	}
	return time.Since(status.LastChecked) <= c.staleAfter
}

// IsReady reports whether both gateways have been reachable recently
// enough to trust a scaling decision.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, name := range []string{"orchestrator_gateway", "resourcemanager_gateway"} {
		status, exists := c.components[name]
		if !exists || !status.Healthy {
			return false
		}
		if time.Since(status.LastChecked) > c.staleAfter {
			return false
		}
	}
	return true
}

// Report returns a detailed snapshot for diagnostics.
func (c *Checker) Report() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	components := make(map[string]interface{}, len(c.components))
	for name, status := range c.components {
		components[name] = map[string]interface{}{
			"healthy":      status.Healthy,
			"last_checked": status.LastChecked,
			"message":      status.Message,
			"age":          time.Since(status.LastChecked).String(),
		}
	}

	return map[string]interface{}{
		"live":       c.IsLive(),
		"ready":      c.IsReady(),
		"components": components,
	}
}

// LivenessError returns an error describing why the process is not
// live, or nil if it is.
func (c *Checker) LivenessError() error {
	if c.IsLive() {
		return nil
	}
	return errors.New("supervisor tick loop is not healthy")
}

// ReadinessError returns an error naming the gateways that are not
// currently reachable, or nil if both are.
func (c *Checker) ReadinessError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var unhealthy []string
	for _, name := range []string{"orchestrator_gateway", "resourcemanager_gateway"} {
		status, exists := c.components[name]
		if !exists || !status.Healthy || time.Since(status.LastChecked) > c.staleAfter {
			unhealthy = append(unhealthy, name)
		}
	}
	if len(unhealthy) > 0 {
		return fmt.Errorf("unhealthy components: %v", unhealthy)
	}
	return nil
}

// SetStaleAfter overrides the staleness window used by IsLive/IsReady.
func (c *Checker) SetStaleAfter(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staleAfter = d
}

func (c *Checker) livenessHandler(w http.ResponseWriter, r *http.Request) {
	if err := c.LivenessError(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (c *Checker) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if err := c.ReadinessError(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// RegisterHandlers mounts /healthz and /readyz on mux.
func (c *Checker) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", c.livenessHandler)
	mux.HandleFunc("/readyz", c.readinessHandler)
}
