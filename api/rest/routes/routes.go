package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"finetune-core/api/rest/handlers"
	"finetune-core/core/jobs"
	"finetune-core/core/ledger"
	"finetune-core/core/monitoring"
)

// Deps are the services behind the API
type Deps struct {
	Jobs          *jobs.Manager
	Ledger        *ledger.Ledger
	Costs         *monitoring.CostTracker
	InternalToken string
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, deps Deps) {
	jobHandler := handlers.NewJobHandler(deps.Jobs, deps.Costs)
	billingHandler := handlers.NewBillingHandler(deps.Ledger)
	dashboardHandler := handlers.NewDashboardHandler(deps.Costs)
	callbackHandler := handlers.NewCallbackHandler(deps.Jobs)

	r.Use(handlers.LogRequests)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Owner endpoints
	user := api.NewRoute().Subrouter()
	user.Use(handlers.RequireUser)
	user.HandleFunc("/fine-tuning", jobHandler.CreateJob).Methods("POST")
	user.HandleFunc("/fine-tuning", jobHandler.ListJobs).Methods("GET")
	user.HandleFunc("/fine-tuning/{name}", jobHandler.GetJob).Methods("GET")
	user.HandleFunc("/fine-tuning/{name}/events", jobHandler.GetJobEvents).Methods("GET")
	user.HandleFunc("/fine-tuning/{name}/cancel", jobHandler.CancelJob).Methods("POST")
	user.HandleFunc("/billing/credit-history", billingHandler.CreditHistory).Methods("GET")
	user.HandleFunc("/billing/balance", billingHandler.Balance).Methods("GET")
	user.HandleFunc("/usage", dashboardHandler.GetUsage).Methods("GET")

	// Internal endpoints
	internal := api.NewRoute().Subrouter()
	internal.Use(handlers.RequireInternalToken(deps.InternalToken))
	internal.HandleFunc("/billing/credits-deduct", billingHandler.DeductCredits).Methods("POST")
	internal.HandleFunc("/billing/credits-add", billingHandler.AddCredits).Methods("POST")
	internal.HandleFunc("/billing/audit", billingHandler.Audit).Methods("GET")
	internal.HandleFunc("/internal/scheduler/callbacks", callbackHandler.StatusCallback).Methods("POST")
}
