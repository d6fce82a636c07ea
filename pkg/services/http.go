// Package services holds the process-level service contracts shared by the
// runtime, archive, and storage modules.
package services

import (
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
)

// HTTPExtension is a dskit service that also contributes routes to the
// shared router. The server wires every extension's routes before the
// listener starts accepting.
type HTTPExtension interface {
	services.Service
	ConfigureHTTP(*mux.Router)
}
