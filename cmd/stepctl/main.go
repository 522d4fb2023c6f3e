// stepctl - Query and control a running stepsyncd daemon
//
//	stepctl today       Show today's reconciled count
//	stepctl overall     Show the running total
//	stepctl history     Show recent days
//	stepctl day <date>  Show one day
//	stepctl conflicts   Show recently resolved conflicts
//	stepctl sync        Trigger an immediate sync
//	stepctl health      Show daemon health
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"stepsyncd/internal/api"
	"stepsyncd/internal/model"
)

const defaultAddr = "127.0.0.1:8377"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "today":
		err = cmdToday(args)
	case "overall":
		err = cmdOverall(args)
	case "history":
		err = cmdHistory(args)
	case "day":
		err = cmdDay(args)
	case "conflicts":
		err = cmdConflicts(args)
	case "sync":
		err = cmdSync(args)
	case "health":
		err = cmdHealth(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "stepctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`stepctl - Query and control a running stepsyncd daemon

USAGE:
    stepctl <command> [options]

COMMANDS:
    today           Show today's reconciled step count
    overall         Show the running total across all days
    history         Show recent days (default 7)
    day <date>      Show the snapshot for one YYYY-MM-DD date
    conflicts       Show recently resolved cloud/health conflicts
    sync            Trigger an immediate sync cycle
    health          Show daemon component health
    help            Show this help message

OPTIONS:
    -addr <host:port>   Daemon API address (default ` + defaultAddr + `)
    -json               Print the raw JSON response`)
}

type clientFlags struct {
	addr string
	raw  bool
}

func parseFlags(name string, args []string) (clientFlags, []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "daemon API address")
	raw := fs.Bool("json", false, "print raw JSON")
	fs.Parse(args)
	return clientFlags{addr: *addr, raw: *raw}, fs.Args()
}

func get(cf clientFlags, path string, out any) error {
	return do(cf, http.MethodGet, path, out)
}

func do(cf clientFlags, method, path string, out any) error {
	client := &http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequest(method, "http://"+cf.addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is stepsyncd running? %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	// 503 is the health endpoint reporting unhealthy; the report body
	// is still worth showing.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if cf.raw {
		os.Stdout.Write(body)
		fmt.Println()
		return errRawPrinted
	}
	return json.Unmarshal(body, out)
}

// errRawPrinted short-circuits formatting after -json output.
var errRawPrinted = fmt.Errorf("raw printed")

func finish(err error) error {
	if err == errRawPrinted {
		return nil
	}
	return err
}

func cmdToday(args []string) error {
	cf, _ := parseFlags("today", args)

	var resp api.TodayResponse
	if err := finish(get(cf, "/v1/today", &resp)); err != nil || cf.raw {
		return err
	}

	printSnapshot(resp.Today)
	if resp.Degraded {
		fmt.Println("warning: tracking degraded (sensor unavailable)")
	}
	return nil
}

func cmdOverall(args []string) error {
	cf, _ := parseFlags("overall", args)

	var resp api.OverallResponse
	if err := finish(get(cf, "/v1/overall", &resp)); err != nil || cf.raw {
		return err
	}

	fmt.Printf("overall: %d steps (today: %d)\n", resp.OverallSteps, resp.Today.Steps)
	return nil
}

func cmdHistory(args []string) error {
	cf, rest := parseFlags("history", args)

	path := "/v1/history"
	if len(rest) > 0 {
		path += "?days=" + rest[0]
	}

	var resp api.HistoryResponse
	if err := finish(get(cf, path, &resp)); err != nil || cf.raw {
		return err
	}

	if len(resp.Days) == 0 {
		fmt.Println("no recorded days")
		return nil
	}
	for _, snap := range resp.Days {
		fmt.Printf("%s  %6d steps  %.2f km  %4d kcal  %3d min  [%s/%s]\n",
			snap.Date, snap.Steps, snap.DistanceKm, snap.Calories,
			snap.ActiveMinutes, snap.Source, snap.Quality)
	}
	return nil
}

func cmdDay(args []string) error {
	cf, rest := parseFlags("day", args)
	if len(rest) != 1 {
		return fmt.Errorf("usage: stepctl day <YYYY-MM-DD>")
	}
	if _, err := model.ParseDay(rest[0]); err != nil {
		return err
	}

	var snap model.StepSnapshot
	if err := finish(get(cf, "/v1/days/"+rest[0], &snap)); err != nil || cf.raw {
		return err
	}

	printSnapshot(snap)
	return nil
}

func cmdConflicts(args []string) error {
	cf, _ := parseFlags("conflicts", args)

	var resp api.ConflictsResponse
	if err := finish(get(cf, "/v1/conflicts", &resp)); err != nil || cf.raw {
		return err
	}

	if len(resp.Conflicts) == 0 {
		fmt.Println("no conflicts resolved recently")
		return nil
	}
	for _, c := range resp.Conflicts {
		fmt.Printf("%s  cloud=%d health=%d  -> %s  (%s)\n",
			c.Date, c.CloudValue, c.HealthValue, c.Resolution,
			c.ResolvedAt.Format(time.RFC3339))
	}
	return nil
}

func cmdSync(args []string) error {
	cf, _ := parseFlags("sync", args)

	var resp api.TodayResponse
	if err := finish(do(cf, http.MethodPost, "/v1/sync", &resp)); err != nil || cf.raw {
		return err
	}

	fmt.Println("sync complete")
	printSnapshot(resp.Today)
	return nil
}

func cmdHealth(args []string) error {
	cf, _ := parseFlags("health", args)

	var report struct {
		Status     string `json:"status"`
		UptimeSec  int64  `json:"uptime_sec"`
		Components map[string]struct {
			Status  string `json:"status"`
			Message string `json:"message"`
			Error   string `json:"error"`
		} `json:"components"`
	}
	if err := finish(get(cf, "/healthz", &report)); err != nil || cf.raw {
		return err
	}

	fmt.Printf("status: %s (up %ds)\n", report.Status, report.UptimeSec)
	for name, comp := range report.Components {
		line := fmt.Sprintf("  %-14s %s", name, comp.Status)
		if comp.Message != "" {
			line += "  " + comp.Message
		}
		if comp.Error != "" {
			line += "  error: " + comp.Error
		}
		fmt.Println(line)
	}
	return nil
}

func printSnapshot(snap model.StepSnapshot) {
	fmt.Printf("%s: %d steps, %.2f km, %d kcal, %d active min [%s/%s]\n",
		snap.Date, snap.Steps, snap.DistanceKm, snap.Calories,
		snap.ActiveMinutes, snap.Source, snap.Quality)
}
