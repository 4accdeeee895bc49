// Package integration holds the operator preflight checks behind the
// skyfleet doctor command.
package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"skyfleet/internal/appclient"
	"skyfleet/internal/config"
	"skyfleet/internal/model"
)

type DoctorOptions struct {
	// ConfigPath is the YAML config to validate. Empty checks the
	// built-in defaults.
	ConfigPath string
	// Addr is the daemon base URL. Empty skips the daemon checks.
	Addr string
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
}

type DoctorResult struct {
	OK       bool          `json:"ok"`
	Checks   []DoctorCheck `json:"checks"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Doctor runs the preflight checks: config validity, database
// directory access, daemon reachability, and per-slot link state.
func Doctor(ctx context.Context, opts DoctorOptions) DoctorResult {
	out := DoctorResult{OK: true}
	add := func(c DoctorCheck) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		add(DoctorCheck{Name: "config", Status: "fail", Message: err.Error()})
		return out
	}
	add(DoctorCheck{Name: "config", Status: "pass", Message: fmt.Sprintf("%d slots, mission slot %q", len(cfg.Slots), cfg.MissionSlot)})
	add(checkDBDir(cfg.DBPath))

	if opts.Addr == "" {
		return out
	}
	client := appclient.New(opts.Addr)
	health, err := client.Health(ctx)
	if err != nil {
		add(DoctorCheck{Name: "daemon", Status: "fail", Message: fmt.Sprintf("unreachable at %s: %v", opts.Addr, err)})
		return out
	}
	add(DoctorCheck{Name: "daemon", Status: "pass", Message: "reachable, status " + health.Status})

	for _, sc := range cfg.Slots {
		state, ok := health.Slots[sc.Name]
		switch {
		case !ok:
			add(DoctorCheck{Name: "slot_" + sc.Name, Status: "warn", Message: "not reported by the daemon; config mismatch"})
		case state == string(model.LinkLive):
			add(DoctorCheck{Name: "slot_" + sc.Name, Status: "pass", Message: "vehicle live"})
		default:
			add(DoctorCheck{Name: "slot_" + sc.Name, Status: "warn", Message: "no live vehicle (" + state + ")"})
		}
	}
	return out
}

// checkDBDir verifies the database directory exists or can be created
// and is writable.
func checkDBDir(dbPath string) DoctorCheck {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return DoctorCheck{Name: "db_dir", Status: "fail", Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return DoctorCheck{Name: "db_dir", Status: "fail", Message: fmt.Sprintf("%s not writable: %v", dir, err)}
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return DoctorCheck{Name: "db_dir", Status: "pass", Message: dir + " writable"}
}
