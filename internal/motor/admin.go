package motor

import (
	"fmt"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts debugging endpoints under /debug/. These are
// reachable only over localhost/Tailscale and bypass the position model:
// raw-command writes are for bench debugging a driver, not for normal
// operation.
func (c *Controller) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("motor-state", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		fmt.Fprintf(w, "sense=%d steps_per_rev=%d step_period_us=%d last_commanded_rad=%.6f err=%v\n",
			c.sense, c.stepsPerRev, c.stepPeriodUS, c.lastCmdRad, c.err)
	})

	debug.HandleSilentFunc("motor-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		err := c.writeLocked(command)
		c.mu.Unlock()
		if err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", command)
	})
}
