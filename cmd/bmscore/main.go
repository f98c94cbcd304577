package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/veridian-controls/bmscore/internal/config"
	"github.com/veridian-controls/bmscore/internal/events"
	"github.com/veridian-controls/bmscore/internal/obs"
	"github.com/veridian-controls/bmscore/internal/orchestrator"
	"github.com/veridian-controls/bmscore/internal/types"
	"github.com/veridian-controls/bmscore/internal/workerpool"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitRuntime   = 2
	exitInterrupt = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	switch args[0] {
	case "serve":
		return serve(args[1:])
	case "enqueue":
		return enqueue(args[1:])
	case "command":
		return userCommand(args[1:])
	case "shutdown":
		return shutdown(args[1:])
	case "inspect":
		return inspect(args[1:])
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bmscore <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  serve                            start the control daemon")
	fmt.Fprintln(os.Stderr, "  enqueue <site-id> <equipment-id> enqueue a one-shot control evaluation")
	fmt.Fprintln(os.Stderr, "  command <site-id> <equipment-id> <type> <value>")
	fmt.Fprintln(os.Stderr, "                                   apply an operator setting change")
	fmt.Fprintln(os.Stderr, "  shutdown <site-id> <equipment-id> trigger an emergency shutdown")
	fmt.Fprintln(os.Stderr, "  inspect <job-id>                 print job state")
}

func serve(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	traceExporter := fs.String("trace-exporter", "none", "Trace exporter: none, stdout, otlp-grpc, otlp-http")
	metricExporter := fs.String("metric-exporter", "none", "Metric exporter: none, stdout, otlp-grpc, otlp-http")
	otlpEndpoint := fs.String("otlp-endpoint", "", "OTLP endpoint for trace/metric export")
	otlpInsecure := fs.Bool("otlp-insecure", false, "Disable TLS for OTLP connections")
	sampleRate := fs.Float64("trace-sample-rate", 1.0, "Trace sampling rate (0.0 to 1.0)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	logger := events.NewEventLogger("bmscore")
	events.SetGlobalEventLogger(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	ctx := context.Background()

	tracer, err := obs.NewTracer(ctx, &obs.Config{
		Enabled:      *traceExporter != "none",
		ServiceName:  "bmscore",
		ExporterType: obs.ExporterType(*traceExporter),
		OTLPEndpoint: *otlpEndpoint,
		OTLPInsecure: *otlpInsecure,
		SampleRate:   *sampleRate,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracer setup failed: %v\n", err)
		return exitConfig
	}
	obs.SetGlobalTracer(tracer)
	defer tracer.Shutdown(context.Background())

	metrics, err := obs.NewMetrics(ctx, &obs.MetricsConfig{
		Enabled:      *metricExporter != "none",
		ServiceName:  "bmscore",
		ExporterType: obs.ExporterType(*metricExporter),
		OTLPEndpoint: *otlpEndpoint,
		OTLPInsecure: *otlpInsecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "metrics setup failed: %v\n", err)
		return exitConfig
	}
	obs.SetGlobalMetrics(metrics)
	defer metrics.Shutdown(context.Background())

	o := orchestrator.New(cfg, logger)
	if err := o.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return exitRuntime
	}

	fmt.Printf("bmscore listening on %s\n", cfg.ListenAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+10*time.Second)
	defer cancel()

	if err := o.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
	fmt.Println("Stopped")

	if sig == syscall.SIGINT {
		return exitInterrupt
	}
	return exitOK
}

func enqueue(args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	daemon := fs.String("daemon", daemonURL(), "Base URL of the running bmscore daemon")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: bmscore enqueue [-daemon URL] <site-id> <equipment-id>")
		return exitConfig
	}
	siteID, equipmentID := fs.Arg(0), fs.Arg(1)

	url := fmt.Sprintf("%s/sites/%s/equipment/%s/enqueue", *daemon, siteID, equipmentID)
	return postJob(url, nil)
}

func userCommand(args []string) int {
	fs := flag.NewFlagSet("command", flag.ContinueOnError)
	daemon := fs.String("daemon", daemonURL(), "Base URL of the running bmscore daemon")
	userID := fs.String("user", "cli", "Operator user ID recorded on the command")
	userName := fs.String("name", "", "Operator display name")
	priority := fs.String("priority", "", "Set to 'high' to jump the control evaluations")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 4 {
		fmt.Fprintln(os.Stderr, "usage: bmscore command [-daemon URL] [-user ID] [-name NAME] [-priority high] <site-id> <equipment-id> <command-type> <value>")
		return exitConfig
	}
	siteID, equipmentID, cmdType := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	payload, err := json.Marshal(workerpool.UserCommandPayload{
		UserID:   *userID,
		UserName: *userName,
		Priority: *priority,
		Commands: []workerpool.UserCommandItem{
			{CommandType: cmdType, Value: parseFieldValue(fs.Arg(3))},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "encoding payload: %v\n", err)
		return exitRuntime
	}

	url := fmt.Sprintf("%s/sites/%s/equipment/%s/commands", *daemon, siteID, equipmentID)
	return postJob(url, payload)
}

func shutdown(args []string) int {
	fs := flag.NewFlagSet("shutdown", flag.ContinueOnError)
	daemon := fs.String("daemon", daemonURL(), "Base URL of the running bmscore daemon")
	reason := fs.String("reason", "", "Reason recorded on the shutdown command")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: bmscore shutdown [-daemon URL] [-reason R] <site-id> <equipment-id>")
		return exitConfig
	}

	payload, err := json.Marshal(workerpool.ShutdownPayload{Reason: *reason})
	if err != nil {
		fmt.Fprintf(os.Stderr, "encoding payload: %v\n", err)
		return exitRuntime
	}

	url := fmt.Sprintf("%s/sites/%s/equipment/%s/shutdown", *daemon, fs.Arg(0), fs.Arg(1))
	return postJob(url, payload)
}

// postJob submits an enqueue request and prints the resulting job ID.
func postJob(url string, payload []byte) int {
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue failed: %v\n", err)
		return exitRuntime
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "enqueue failed: %s - %s\n", resp.Status, strings.TrimSpace(string(body)))
		return exitRuntime
	}

	var result struct {
		JobID   string `json:"job_id"`
		Created bool   `json:"created"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fmt.Fprintf(os.Stderr, "decoding response: %v\n", err)
		return exitRuntime
	}
	if result.Created {
		fmt.Printf("enqueued job %s\n", result.JobID)
	} else {
		fmt.Printf("coalesced into pending job %s\n", result.JobID)
	}
	return exitOK
}

// parseFieldValue interprets a CLI value argument: booleans and numbers by
// syntax, anything else as a string.
func parseFieldValue(s string) types.FieldValue {
	if b, err := strconv.ParseBool(s); err == nil {
		return types.Boolean(b)
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return types.Number(n)
	}
	return types.String(s)
}

func inspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	daemon := fs.String("daemon", daemonURL(), "Base URL of the running bmscore daemon")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: bmscore inspect [-daemon URL] <job-id>")
		return exitConfig
	}

	resp, err := http.Get(*daemon + "/jobs/" + fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspect failed: %v\n", err)
		return exitRuntime
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "inspect failed: %s - %s\n", resp.Status, strings.TrimSpace(string(body)))
		return exitRuntime
	}

	var job types.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		fmt.Fprintf(os.Stderr, "decoding job: %v\n", err)
		return exitRuntime
	}

	out, _ := json.MarshalIndent(job, "", "  ")
	fmt.Println(string(out))
	return exitOK
}

// daemonURL derives the default daemon base URL from the serve listener
// address.
func daemonURL() string {
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
