// Command gen-orientation appends synthetic orientation rows to a CSV file so
// the commutator can be exercised without a live capture rig. Rows use the
// producer's scalar-last layout (timestamp,x,y,z,w) and describe a constant
// rotation about the vertical axis.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"time"
)

func main() {
	output := flag.String("o", "orientation.csv", "output path (appended to)")
	rate := flag.Float64("rate", 100, "rows per second")
	rps := flag.Float64("rps", 0.25, "subject revolutions per second")
	duration := flag.Duration("t", 30*time.Second, "how long to generate")
	flag.Parse()

	if *rate <= 0 {
		log.Fatal("rate must be positive")
	}

	f, err := os.OpenFile(*output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatalf("open output: %v", err)
	}
	defer f.Close()

	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	rows := 0
	for now := range ticker.C {
		elapsed := now.Sub(start)
		if elapsed > *duration {
			break
		}
		// Unit quaternion for a yaw of 2π·rps·t about the first axis of the
		// producer's extrinsic frame.
		half := math.Pi * *rps * elapsed.Seconds()
		row := fmt.Sprintf("%.6f,%.9f,%.9f,%.9f,%.9f\n",
			now.Sub(start).Seconds(), math.Sin(half), 0.0, 0.0, math.Cos(half))
		if _, err := f.WriteString(row); err != nil {
			log.Fatalf("write row: %v", err)
		}
		rows++
		if rows%1000 == 0 {
			log.Printf("%d rows", rows)
		}
	}
	log.Printf("✓ Appended %d rows to %s", rows, *output)
}
