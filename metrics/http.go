package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vidfleet/vidfleet/log"
)

// ListenAndServe serves /metrics on addr (e.g. "0.0.0.0:9091"), following
// teacher's single-mux convention: one process, one metrics endpoint.
func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	log.LogNoRequestID("starting Prometheus metrics", "host", addr)
	return http.ListenAndServe(addr, mux)
}
