package activity

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm-automations/pkg/httpx"
	"crm-automations/services/entity"
)

// Service exposes the activity auto-complete tick over HTTP.
type Service struct {
	completer *Completer
	now       func() time.Time
}

// NewService creates a Service backed by PostgreSQL.
func NewService(pool *pgxpool.Pool) *Service {
	completer := NewCompleter(NewRepository(pool), entity.NewPostgresStore(pool))
	return &Service{completer: completer, now: time.Now}
}

// Completer returns the underlying completer.
func (s *Service) Completer() *Completer { return s.completer }

// LoadRoutes registers the tick endpoint on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/functions").Subrouter()
	router.StrictSlash(false)
	router.Use(httpx.JSONMiddleware)

	router.HandleFunc("/process-activity-auto-complete", s.HandleProcessActivityAutoComplete).Methods(http.MethodPost)
	router.HandleFunc("/process-activity-auto-complete", httpx.HandleOptions).Methods(http.MethodOptions)
}
