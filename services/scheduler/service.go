package scheduler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm-automations/pkg/httpx"
	"crm-automations/pkg/lock"
	"crm-automations/services/entity"
)

// Service exposes the scheduled-workflow tick over HTTP.
type Service struct {
	engine *Engine
	now    func() time.Time
}

// NewService creates a Service backed by PostgreSQL. lease may be nil.
func NewService(pool *pgxpool.Pool, lease lock.Locker) *Service {
	engine := NewEngine(NewRepository(pool), entity.NewPostgresStore(pool), lease)
	return &Service{engine: engine, now: time.Now}
}

// Engine returns the underlying tick engine.
func (s *Service) Engine() *Engine { return s.engine }

// LoadRoutes registers the tick endpoint on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/functions").Subrouter()
	router.StrictSlash(false)
	router.Use(httpx.JSONMiddleware)

	router.HandleFunc("/process-scheduled-workflows", s.HandleProcessScheduledWorkflows).Methods(http.MethodPost)
	router.HandleFunc("/process-scheduled-workflows", httpx.HandleOptions).Methods(http.MethodOptions)
}
