package observability

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RunStatus is the live view of the current pipeline run, updated by the
// engine and read by the status server.
type RunStatus struct {
	mu sync.RWMutex

	pipeline    string
	runID       string
	buildNumber int
	currentStep string
	state       string
	startedAt   time.Time
}

// RunView is a point-in-time snapshot of a RunStatus.
type RunView struct {
	Pipeline    string    `json:"pipeline"`
	RunID       string    `json:"runId"`
	BuildNumber int       `json:"buildNumber"`
	CurrentStep string    `json:"currentStep,omitempty"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"startedAt"`
}

func (s *RunStatus) Begin(pipeline, runID string, buildNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline = pipeline
	s.runID = runID
	s.buildNumber = buildNumber
	s.state = "running"
	s.startedAt = time.Now().UTC()
}

func (s *RunStatus) SetStep(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentStep = name
}

func (s *RunStatus) Finish(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentStep = ""
	s.state = state
}

func (s *RunStatus) view() RunView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RunView{
		Pipeline:    s.pipeline,
		RunID:       s.runID,
		BuildNumber: s.buildNumber,
		CurrentStep: s.currentStep,
		State:       s.state,
		StartedAt:   s.startedAt,
	}
}

// StatusServer exposes the run status and metrics on loopback. It is purely
// observational; the run does not wait for it.
type StatusServer struct {
	registry *Registry
	status   *RunStatus
}

func NewStatusServer(registry *Registry, status *RunStatus) *StatusServer {
	return &StatusServer{registry: registry, status: status}
}

func (s *StatusServer) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.registry.Snapshot())
	})
	router.GET("/run", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.status.view())
	})

	return router
}

// Start serves on 127.0.0.1:port in a background goroutine.
func (s *StatusServer) Start(port int) {
	router := s.routes()
	go func() {
		// The process exits with the run; errors here must not affect it.
		_ = router.Run(fmt.Sprintf("127.0.0.1:%d", port))
	}()
}
