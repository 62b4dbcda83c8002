/*Package api is the read-only HTTP surface of the shadow core.

It exists for out-of-scope collaborators: the device-metadata CRUD layer
reads shadow snapshots here and never mutates them, and admin scripts call
the ensure route to guarantee a shadow exists for every known device. All
mutation happens through the duplex gateway or the device transport.
*/
package api

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/hydronix-io/shadowd/core/logger"
	"github.com/hydronix-io/shadowd/shadow"
)

// Service is the RESTful read interface for shadow snapshots.
type Service struct {
	store shadow.Store
}

// Builder is a builder helper for the API service.
type Builder struct {
	// Store is the shadow store. This is mandatory.
	Store shadow.Store
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// MustNewService realizes the API and adds its routes to the router.
func MustNewService(b *Builder) *Service {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	s := &Service{store: b.Store}
	s.handleRoutes(b.Router)
	return s
}

func (s *Service) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Infoln("api: handle route /devices GET")
	rlog.Infoln("api: handle route /devices/{device_id}/shadow GET")
	rlog.Infoln("api: handle route /devices/{device_id}/shadow/history GET")
	rlog.Infoln("api: handle route /devices/{device_id}/shadow/ensure POST")
	rlog.Infoln("api: handle route /healthz GET")

	router.Handle("/devices", handlers.CompressHandler(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			ids, err := s.store.Devices(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if ids == nil {
				ids = []string{}
			}
			writeJSON(w, ids)
		}))).Methods(http.MethodGet)

	router.Handle("/devices/{device_id}/shadow", handlers.CompressHandler(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			deviceID := mux.Vars(r)["device_id"]
			sh, err := s.store.Get(r.Context(), deviceID)
			if err == shadow.ErrShadowNotFound {
				http.Error(w, "no shadow for device "+deviceID, http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			// the CRUD layer reads the live documents, not the history
			sh.History = nil
			writeJSON(w, sh)
		}))).Methods(http.MethodGet)

	router.Handle("/devices/{device_id}/shadow/history", handlers.CompressHandler(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			deviceID := mux.Vars(r)["device_id"]
			sh, err := s.store.Get(r.Context(), deviceID)
			if err == shadow.ErrShadowNotFound {
				http.Error(w, "no shadow for device "+deviceID, http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			history := sh.History
			if history == nil {
				history = []shadow.HistoryEntry{}
			}
			writeJSON(w, history)
		}))).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/shadow/ensure",
		func(w http.ResponseWriter, r *http.Request) {
			deviceID := mux.Vars(r)["device_id"]
			sh, err := shadow.EnsureShadow(r.Context(), s.store, deviceID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			sh.History = nil
			writeJSON(w, sh)
		}).Methods(http.MethodPost)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(value)
}
