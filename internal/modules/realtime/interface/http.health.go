package transport

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"relayWs/internal/modules/realtime/infrastructure"
	"relayWs/internal/platform/broker"
)

type statsSource interface {
	Stats() infrastructure.RegistryStats
}

type workerStatus interface {
	State() broker.WorkerState
}

type healthResponse struct {
	Status      string                        `json:"status"`
	Connections *infrastructure.RegistryStats `json:"connections,omitempty"`
	Worker      string                        `json:"worker,omitempty"`
}

// NewHealthHandler reports registry occupancy and the worker state. A failed worker
// turns the answer into 503. Either source may be nil.
func NewHealthHandler(registry statsSource, worker workerStatus) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := healthResponse{Status: "ok"}
		if registry != nil {
			stats := registry.Stats()
			resp.Connections = &stats
		}
		status := http.StatusOK
		if worker != nil {
			state := worker.State()
			resp.Worker = state.String()
			if state == broker.StateFailed {
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
		return c.JSON(status, resp)
	}
}
