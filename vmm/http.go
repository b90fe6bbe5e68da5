package vmm

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPHandler serves /metrics and a read-only /migration status.
func (v *VMM) HTTPHandler() (http.Handler, error) {
	if v.Manager == nil {
		return nil, errNotInitialized
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(v.Metrics); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/migration", v.serveMigration).Methods(http.MethodGet)

	return r, nil
}

func (v *VMM) serveMigration(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(newMigrationInfo(v.Manager.Query())); err != nil {
		v.logger.Debugf("http: write migration status: %v", err)
	}
}
