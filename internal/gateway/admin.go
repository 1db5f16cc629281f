package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/svcgate/internal/circuitbreaker"
	"github.com/vyrodovalexey/svcgate/internal/health"
	"github.com/vyrodovalexey/svcgate/internal/registry"
	"github.com/vyrodovalexey/svcgate/internal/util"
)

// Operator endpoints.
const (
	HealthPath   = "/gateway/health"
	ServicesPath = "/gateway/services"
	MetricsPath  = "/gateway/metrics"
)

// ServicesResponse is the body of GET /gateway/services.
type ServicesResponse struct {
	Services []ServiceView `json:"services"`
}

// ServiceView is one service in the operator listing.
type ServiceView struct {
	Name             string              `json:"name"`
	HealthPath       string              `json:"healthPath"`
	PathRewrite      string              `json:"pathRewrite,omitempty"`
	Timeout          string              `json:"timeout"`
	CircuitState     string              `json:"circuitState"`
	HealthyInstances int                 `json:"healthyInstances"`
	Instances        []registry.Instance `json:"instances"`
}

// MetricsResponse is the body of GET /gateway/metrics.
type MetricsResponse struct {
	Timestamp  time.Time                 `json:"timestamp"`
	Uptime     string                    `json:"uptime"`
	Rejections RejectionCounts           `json:"rejections"`
	Services   map[string]ServiceMetrics `json:"services"`
}

// ServiceMetrics combines the request counters and breaker state of one
// service.
type ServiceMetrics struct {
	ServiceCounts
	Breaker circuitbreaker.Stats `json:"breaker"`
}

func (g *Gateway) setupRoutes(engine *gin.Engine) {
	engine.GET(HealthPath, g.handleHealth)
	engine.GET(ServicesPath, g.handleServices)
	engine.GET(MetricsPath, g.handleMetrics)

	// Proxied traffic is matched by prefix outside the router tree so that
	// service names never collide with route parameters.
	engine.NoRoute(func(c *gin.Context) {
		if _, ok := serviceFromPath(c.Request.URL.Path); !ok {
			util.WriteError(c.Writer, &util.GatewayError{
				Kind:    util.KindConfiguration,
				Status:  http.StatusNotFound,
				Code:    "not_found",
				Message: "no route for " + c.Request.URL.Path,
			}, c.GetString(requestIDKey), "")
			c.Abort()
			return
		}
		g.handleProxy(c)
	})
}

// handleHealth reports the aggregate gateway health. It answers 200 even
// when degraded; the body carries the verdict.
func (g *Gateway) handleHealth(c *gin.Context) {
	g.mu.RLock()
	startedAt := g.startTime
	g.mu.RUnlock()

	report := health.Summarize(g.registry.List(), g.circuitState, startedAt, time.Now())
	c.JSON(http.StatusOK, report)
}

func (g *Gateway) handleServices(c *gin.Context) {
	descs := g.registry.List()
	resp := ServicesResponse{Services: make([]ServiceView, 0, len(descs))}

	for i := range descs {
		desc := &descs[i]
		resp.Services = append(resp.Services, ServiceView{
			Name:             desc.Name,
			HealthPath:       desc.HealthPath,
			PathRewrite:      desc.PathRewrite,
			Timeout:          g.forwarder.Timeout(desc).String(),
			CircuitState:     g.circuitState(desc.Name),
			HealthyInstances: desc.HealthyCount(),
			Instances:        desc.Instances,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func (g *Gateway) handleMetrics(c *gin.Context) {
	counts := g.counters.Services()
	breakers := g.breakers.Stats()

	resp := MetricsResponse{
		Timestamp:  time.Now(),
		Uptime:     g.Uptime().Round(time.Second).String(),
		Rejections: g.counters.Rejections(),
		Services:   make(map[string]ServiceMetrics, len(counts)),
	}
	for _, name := range g.registry.Names() {
		resp.Services[name] = ServiceMetrics{
			ServiceCounts: counts[name],
			Breaker:       breakers[name],
		}
	}

	c.JSON(http.StatusOK, resp)
}
