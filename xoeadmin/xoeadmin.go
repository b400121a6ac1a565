/*Package xoeadmin exposes a read-only HTTP introspection surface for a
running relay: liveness, counters, and the list of bound endpoints.
It never touches the wire protocol; it exists so an operator can ask a
deployed relay how it is doing without attaching a debugger.
*/
package xoeadmin

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/xoe/clientpool"
	"github.com/nasa-jpl/xoe/usbrouter"
)

// Stats is the JSON document served at /stats.
type Stats struct {
	ActiveClients    int    `json:"activeClients"`
	USBRoutingErrors uint64 `json:"usbRoutingErrors"`
	USBAuthFailures  uint64 `json:"usbAuthFailures"`
}

// Admin binds the introspection routes over a relay's pool and USB
// router.  Both are read through their own snapshot accessors; Admin
// holds no locks of its own.
type Admin struct {
	Pool   *clientpool.Pool
	Router *usbrouter.Router
}

// routes is the fixed endpoint list, also served at /routes so a
// client can discover the surface.
var routes = []string{"/healthz", "/stats", "/routes"}

// Handler builds the chi router serving the introspection endpoints.
func (a *Admin) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", a.healthz)
	r.Get("/stats", a.stats)
	r.Get("/routes", a.listRoutes)
	return r
}

func (a *Admin) healthz(w http.ResponseWriter, r *http.Request) {
	if a.Pool == nil || a.Router == nil {
		http.Error(w, "relay not initialized", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (a *Admin) stats(w http.ResponseWriter, r *http.Request) {
	s := Stats{
		ActiveClients:    a.Pool.ActiveCount(),
		USBRoutingErrors: a.Router.RoutingErrors(),
		USBAuthFailures:  a.Router.AuthFailures(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		fstr := fmt.Sprintf("error encoding stats to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

func (a *Admin) listRoutes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(routes); err != nil {
		fstr := fmt.Sprintf("error encoding list of routes data to json %q", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// ListenAndServe serves the introspection surface at addr, blocking.
func (a *Admin) ListenAndServe(addr string) error {
	log.Println("xoeadmin: now listening for requests at", addr)
	return http.ListenAndServe(addr, a.Handler())
}
