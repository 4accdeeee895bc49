// Package cli implements the skyfleet operator commands against the
// daemon HTTP API.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"skyfleet/internal/api"
	"skyfleet/internal/appclient"
	"skyfleet/internal/integration"
	"skyfleet/internal/model"
)

type Runner struct {
	addr   string
	client *appclient.Client
	out    io.Writer
	errOut io.Writer
}

func NewRunner(addr string, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	addr = strings.TrimRight(addr, "/")
	return &Runner{
		addr:   addr,
		client: appclient.New(addr),
		out:    out,
		errOut: errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	addr, rest, err := parseGlobalArgs(args)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if addr != "" {
		*r = *NewRunner(addr, r.out, r.errOut)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "health":
		return r.runHealth(ctx)
	case "vehicles":
		return r.runVehicles(ctx, rest[1:])
	case "telemetry":
		return r.runTelemetry(ctx, rest[1:])
	case "detections":
		return r.runDetections(ctx, rest[1:])
	case "approve":
		return r.runApprove(ctx, rest[1:])
	case "missions":
		return r.runMissions(ctx, rest[1:])
	case "mission":
		return r.runMission(ctx, rest[1:])
	case "resubmit":
		return r.runResubmit(ctx, rest[1:])
	case "fetch":
		return r.runFetch(ctx, rest[1:])
	case "watch":
		return r.runWatch(ctx, rest[1:])
	case "doctor":
		return r.runDoctor(ctx, rest[1:])
	default:
		fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

// parseGlobalArgs strips a leading --addr flag so it can precede the
// subcommand.
func parseGlobalArgs(args []string) (addr string, rest []string, err error) {
	for len(args) > 0 {
		switch {
		case args[0] == "--addr" || args[0] == "-addr":
			if len(args) < 2 {
				return "", nil, fmt.Errorf("--addr requires a value")
			}
			addr = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--addr="):
			addr = strings.TrimPrefix(args[0], "--addr=")
			args = args[1:]
		default:
			return addr, args, nil
		}
	}
	return addr, args, nil
}

func (r *Runner) printUsage() {
	fmt.Fprint(r.errOut, `usage: skyfleet [--addr URL] <command>

commands:
  health                         daemon and slot link states
  vehicles [-json]               live vehicle snapshots
  telemetry <slot> [-limit N]    recent telemetry points
  detections list [-json]        reported detections
  detections report              report a detection (-slot -lat -lon -confidence)
  approve <detection-id>         approve a detection and upload its mission
  missions [-slot S] [-json]     mission records
  mission <id> [-logs]           one mission, optionally its transfer log
  resubmit <mission-id>          clone a failed mission and upload again
  fetch <slot>                   read back the mission stored on a vehicle
  watch [-slot S] [-topics T]    stream live events as JSON lines
  doctor [-config PATH]          preflight checks for config, database and daemon
`)
}

func (r *Runner) fail(err error) int {
	fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.fail(err)
	}
	return 0
}

func (r *Runner) runHealth(ctx context.Context) int {
	h, err := r.client.Health(ctx)
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "status: %s\n", h.Status)
	for slot, state := range h.Slots {
		fmt.Fprintf(r.out, "%-10s %s\n", slot, state)
	}
	return 0
}

func (r *Runner) runVehicles(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("vehicles", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.fail(err)
	}
	env, err := r.client.Vehicles(ctx)
	if err != nil {
		return r.fail(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	fmt.Fprintf(r.out, "%-10s %-14s %-8s %-22s %s\n", "SLOT", "LINK", "BATTERY", "POSITION", "LAST SEEN")
	for _, v := range env.Vehicles {
		pos := "-"
		if v.Position != nil {
			pos = fmt.Sprintf("%.5f,%.5f @%.0fm", v.Position.Lat, v.Position.Lon, v.Position.Alt)
		}
		seen := "-"
		if v.LastSeenAt != nil {
			seen = v.LastSeenAt.Format("15:04:05")
		}
		battery := "-"
		if v.Battery >= 0 {
			battery = strconv.Itoa(v.Battery) + "%"
		}
		fmt.Fprintf(r.out, "%-10s %-14s %-8s %-22s %s\n", v.Slot, v.Link, battery, pos, seen)
	}
	return 0
}

func (r *Runner) runTelemetry(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("telemetry", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 20, "number of recent points")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.fail(err)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(r.errOut, "usage: skyfleet telemetry <slot> [-limit N]")
		return 2
	}
	env, err := r.client.Telemetry(ctx, fs.Arg(0), *limit)
	if err != nil {
		return r.fail(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	for _, p := range env.Points {
		fmt.Fprintf(r.out, "%s  %.6f %.6f  %.1fm\n", p.Ts.Format("15:04:05.000"), p.Lat, p.Lon, p.Alt)
	}
	return 0
}

func (r *Runner) runDetections(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(r.errOut, "usage: skyfleet detections <list|report>")
		return 2
	}
	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("detections list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		jsonOut := fs.Bool("json", false, "output JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return r.fail(err)
		}
		env, err := r.client.Detections(ctx)
		if err != nil {
			return r.fail(err)
		}
		if *jsonOut {
			return r.printJSON(env)
		}
		fmt.Fprintf(r.out, "%-5s %-8s %-22s %-6s %-9s %s\n", "ID", "SLOT", "POSITION", "CONF", "APPROVED", "MISSION")
		for _, d := range env.Detections {
			pos := "-"
			if d.Lat != nil && d.Lon != nil {
				pos = fmt.Sprintf("%.5f,%.5f", *d.Lat, *d.Lon)
			}
			mid := "-"
			if d.MissionID != nil {
				mid = strconv.FormatInt(*d.MissionID, 10)
			}
			fmt.Fprintf(r.out, "%-5d %-8s %-22s %-6.2f %-9t %s\n", d.ID, d.Slot, pos, d.Confidence, d.Approved, mid)
		}
		return 0
	case "report":
		return r.reportDetection(ctx, args[1:])
	default:
		fmt.Fprintf(r.errOut, "unknown detections command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) reportDetection(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("detections report", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	slot := fs.String("slot", "scout", "reporting slot")
	lat := fs.Float64("lat", 0, "latitude in degrees")
	lon := fs.Float64("lon", 0, "longitude in degrees")
	confidence := fs.Float64("confidence", 0, "detection confidence [0,1]")
	noFix := fs.Bool("no-fix", false, "report without coordinates")
	if err := fs.Parse(args); err != nil {
		return r.fail(err)
	}

	req := api.CreateDetectionRequest{Slot: *slot, Confidence: *confidence}
	if !*noFix {
		req.Lat, req.Lon = lat, lon
	}

	env, err := r.client.CreateDetection(ctx, req)
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "detection %d recorded\n", env.Detection.ID)
	return 0
}

func (r *Runner) runApprove(ctx context.Context, args []string) int {
	id, ok := r.parseID(args, "skyfleet approve <detection-id>")
	if !ok {
		return 2
	}
	env, err := r.client.ApproveDetection(ctx, id)
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "mission %d %s on %s\n", env.Mission.ID, env.Mission.Status, env.Mission.Slot)
	return 0
}

func (r *Runner) runMissions(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("missions", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	slot := fs.String("slot", "", "filter by slot")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.fail(err)
	}
	env, err := r.client.Missions(ctx, *slot)
	if err != nil {
		return r.fail(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	fmt.Fprintf(r.out, "%-5s %-10s %-14s %-6s %s\n", "ID", "SLOT", "STATUS", "ITEMS", "CREATED")
	for _, m := range env.Missions {
		fmt.Fprintf(r.out, "%-5d %-10s %-14s %-6d %s\n", m.ID, m.Slot, m.Status, len(m.Items), m.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return 0
}

func (r *Runner) runMission(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("mission", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	showLogs := fs.Bool("logs", false, "print the transfer log")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.fail(err)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(r.errOut, "usage: skyfleet mission <id> [-logs]")
		return 2
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintln(r.errOut, "mission id must be an integer")
		return 2
	}

	env, err := r.client.Mission(ctx, id)
	if err != nil {
		return r.fail(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	m := env.Mission
	fmt.Fprintf(r.out, "mission %d  slot=%s  status=%s\n", m.ID, m.Slot, m.Status)
	for _, it := range m.Items {
		fmt.Fprintf(r.out, "  %d %-18s %.6f %.6f %.1fm\n", it.Seq, it.Command, it.X, it.Y, it.Z)
	}
	if *showLogs {
		logs, err := r.client.MissionLogs(ctx, id)
		if err != nil {
			return r.fail(err)
		}
		for _, l := range logs.Logs {
			fmt.Fprintf(r.out, "%s  %s\n", l.LoggedAt.Format("15:04:05"), l.Message)
		}
	}
	return 0
}

func (r *Runner) runResubmit(ctx context.Context, args []string) int {
	id, ok := r.parseID(args, "skyfleet resubmit <mission-id>")
	if !ok {
		return 2
	}
	env, err := r.client.ResubmitMission(ctx, id)
	if err != nil {
		return r.fail(err)
	}
	fmt.Fprintf(r.out, "mission %d %s on %s\n", env.Mission.ID, env.Mission.Status, env.Mission.Slot)
	return 0
}

func (r *Runner) runFetch(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(r.errOut, "usage: skyfleet fetch <slot>")
		return 2
	}
	env, err := r.client.MissionFetch(ctx, args[0])
	if err != nil {
		return r.fail(err)
	}
	for _, it := range env.Items {
		fmt.Fprintf(r.out, "%d %-18s %.6f %.6f %.1fm\n", it.Seq, it.Command, it.X, it.Y, it.Z)
	}
	return 0
}

// runWatch streams events as JSON lines until interrupted.
func (r *Runner) runWatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	slot := fs.String("slot", "", "filter by slot")
	topics := fs.String("topics", "", "comma-separated topic filter")
	if err := fs.Parse(args); err != nil {
		return r.fail(err)
	}

	wsURL := strings.Replace(r.addr, "http", "ws", 1) + "/v1/stream"
	sep := "?"
	if *slot != "" {
		wsURL += sep + "slot=" + *slot
		sep = "&"
	}
	if *topics != "" {
		wsURL += sep + "topics=" + *topics
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return r.fail(err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev model.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return 0
			}
			return r.fail(err)
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return r.fail(err)
		}
		fmt.Fprintln(r.out, string(raw))
	}
}

func (r *Runner) runDoctor(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", os.Getenv("SKYFLEET_CONFIG"), "YAML config path")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		return r.fail(err)
	}

	res := integration.Doctor(ctx, integration.DoctorOptions{ConfigPath: *configPath, Addr: r.addr})
	if *jsonOut {
		if code := r.printJSON(res); code != 0 {
			return code
		}
	} else {
		for _, c := range res.Checks {
			fmt.Fprintf(r.out, "%-4s  %-14s %s\n", c.Status, c.Name, c.Message)
		}
	}
	if !res.OK {
		return 1
	}
	return 0
}

func (r *Runner) parseID(args []string, usage string) (int64, bool) {
	if len(args) != 1 {
		fmt.Fprintf(r.errOut, "usage: %s\n", usage)
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintln(r.errOut, "id must be an integer")
		return 0, false
	}
	return id, true
}
