package db

import (
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/commutator/internal/monitoring"
)

// AttachAdminRoutes mounts a live SQL console for the telemetry database
// under /debug/tailsql/. Reachable only over localhost/Tailscale.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Commutator telemetry",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
}
