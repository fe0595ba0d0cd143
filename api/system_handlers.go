package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

// healthCheckTimeout bounds each component check
const healthCheckTimeout = 3 * time.Second

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Time       time.Time                  `json:"time"`
	Components map[string]componentHealth `json:"components"`
}

// healthCheck runs every registered component check concurrently. Any
// failure makes the reply 503.
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(a.health))
	for name := range a.health {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]componentHealth, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, check func(context.Context) error) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				results[i] = componentHealth{Status: "unhealthy", Error: sanitizeErrorMessage(err.Error())}
				return
			}
			results[i] = componentHealth{Status: "healthy"}
		}(i, a.health[name])
	}
	wg.Wait()

	resp := healthResponse{Status: "healthy", Time: a.clock.Now(), Components: make(map[string]componentHealth, len(names))}
	status := http.StatusOK
	for i, name := range names {
		resp.Components[name] = results[i]
		if results[i].Status != "healthy" {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	if status != http.StatusOK {
		a.requestLogger(r).Warnw("Health check failed", "components", resp.Components)
	}
	writeJSON(w, status, resp)
}
