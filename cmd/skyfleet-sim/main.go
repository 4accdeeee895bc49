// Command skyfleet-sim runs a simulated vehicle against a daemon slot
// endpoint. It heartbeats, reports position, and answers the
// mission-transfer exchange like a real drone would.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"skyfleet/internal/simvehicle"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "127.0.0.1:5760", "slot endpoint to dial")
	systemID := flag.Int("system-id", 1, "reported system id")
	componentID := flag.Int("component-id", 1, "reported component id")
	mode := flag.String("mode", "GUIDED", "reported flight mode")
	lat := flag.Float64("lat", 28.5355, "initial latitude")
	lon := flag.Float64("lon", 77.3910, "initial longitude")
	alt := flag.Float64("alt", 0, "initial altitude in meters")
	battery := flag.Int("battery", 100, "reported battery percent")
	interval := flag.Duration("interval", 1*time.Second, "position report interval")
	rejectMissions := flag.Bool("reject-missions", false, "refuse uploaded missions")
	silent := flag.Bool("silent", false, "never answer mission frames")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := simvehicle.Options{
		SystemID:      uint8(*systemID),
		ComponentID:   uint8(*componentID),
		Mode:          *mode,
		IgnoreMission: *silent,
	}
	if *rejectMissions {
		opts.AckResult = 1
	}

	v, err := simvehicle.Dial(*addr, opts)
	if err != nil {
		fatal(err)
	}
	defer v.Close()
	fmt.Fprintf(os.Stderr, "skyfleet-sim: connected to %s as system %d\n", *addr, *systemID)

	if err := v.SendBattery(int8(*battery)); err != nil {
		fatal(err)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.Closed():
			fatal(errors.New("connection closed by daemon"))
		case <-ticker.C:
			if err := v.SendPosition(*lat, *lon, *alt); err != nil {
				fatal(err)
			}
			if got := v.Received(); len(got) > 0 {
				fmt.Fprintf(os.Stderr, "skyfleet-sim: holding mission with %d items\n", len(got))
			}
		}
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "skyfleet-sim: %v\n", err)
	os.Exit(1)
}
