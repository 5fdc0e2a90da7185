// Command session-report renders an HTML chart of target vs actual commutator
// angle for one recorded tracking session.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/commutator/internal/db"
)

func main() {
	dbPath := flag.String("db", "commutator.db", "telemetry database path")
	sessionID := flag.String("session", "", "session id (defaults to the most recent)")
	output := flag.String("o", "session-report.html", "output HTML path")
	flag.Parse()

	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("open telemetry db: %v", err)
	}
	defer store.Close()

	id := *sessionID
	if id == "" {
		sessions, err := store.Sessions()
		if err != nil {
			log.Fatalf("list sessions: %v", err)
		}
		if len(sessions) == 0 {
			log.Fatal("no sessions recorded")
		}
		id = sessions[0].ID
		log.Printf("using most recent session %s", id)
	}

	rows, err := store.SessionSnapshots(id)
	if err != nil {
		log.Fatalf("load snapshots: %v", err)
	}
	if len(rows) == 0 {
		log.Fatalf("session %s has no snapshots", id)
	}

	x := make([]string, 0, len(rows))
	target := make([]opts.LineData, 0, len(rows))
	actual := make([]opts.LineData, 0, len(rows))
	failures := 0
	for _, row := range rows {
		x = append(x, row.Timestamp.Format("15:04:05.000"))
		target = append(target, opts.LineData{Value: row.Target})
		actual = append(actual, opts.LineData{Value: row.Actual})
		if row.Failure != "" {
			failures++
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Commutator Session", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Target vs Actual Angle", Subtitle: formatSubtitle(id, len(rows), failures)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "angle (rad)"}),
	)
	line.SetXAxis(x).
		AddSeries("target", target).
		AddSeries("actual", actual)

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("create output: %v", err)
	}
	defer f.Close()
	if err := line.Render(f); err != nil {
		log.Fatalf("render chart: %v", err)
	}
	log.Printf("✓ Created: %s (%d snapshots)", *output, len(rows))
}

func formatSubtitle(id string, rows, failures int) string {
	if failures == 0 {
		return fmt.Sprintf("session=%s rows=%d", id, rows)
	}
	return fmt.Sprintf("session=%s rows=%d (%d failed ticks)", id, rows, failures)
}
