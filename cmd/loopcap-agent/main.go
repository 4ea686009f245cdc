package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loopcap/agent/internal/audiotap"
	"github.com/loopcap/agent/internal/broadcast"
	"github.com/loopcap/agent/internal/capability"
	"github.com/loopcap/agent/internal/config"
	"github.com/loopcap/agent/internal/forward"
	"github.com/loopcap/agent/internal/logging"
	"github.com/loopcap/agent/internal/meter"
	"github.com/loopcap/agent/internal/selftest"
	"github.com/loopcap/agent/pkg/api"
)

var (
	version   = "0.1.0"
	cfgFile   string
	serverURL string
	logLevel  string

	probeReport bool
	probeOutput string

	meterDuration time.Duration

	selftestFrequency float64
	selftestDuration  time.Duration
	selftestVolume    float64
)

var rootCmd = &cobra.Command{
	Use:   "loopcap-agent",
	Short: "Loopcap Agent",
	Long:  `Loopcap Agent - taps what the machine is playing and streams it out`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture system audio and stream it",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report whether this machine can capture system audio",
	Run: func(cmd *cobra.Command, args []string) {
		runProbe()
	},
}

var meterCmd = &cobra.Command{
	Use:   "meter",
	Short: "Print live levels of what the machine is playing",
	Run: func(cmd *cobra.Command, args []string) {
		runMeter()
	},
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Play a tone and verify the tap hears it",
	Run: func(cmd *cobra.Command, args []string) {
		runSelftest()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Loopcap Agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/loopcap/agent.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Loopcap server URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	probeCmd.Flags().BoolVar(&probeReport, "report", false, "submit the capability report to the server")
	probeCmd.Flags().StringVar(&probeOutput, "output", "yaml", "output format (yaml or json)")

	meterCmd.Flags().DurationVar(&meterDuration, "duration", 0, "how long to meter (0 = until interrupted)")

	selftestCmd.Flags().Float64Var(&selftestFrequency, "frequency", 440, "tone frequency in Hz")
	selftestCmd.Flags().DurationVar(&selftestDuration, "duration", 3*time.Second, "how long to play the tone")
	selftestCmd.Flags().Float64Var(&selftestVolume, "volume", 0.2, "tone volume (0..1)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(meterCmd)
	rootCmd.AddCommand(selftestCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// fanout delivers each tap buffer to every registered handler. Handlers
// are registered before the tap starts and never change afterwards.
type fanout struct {
	handlers []audiotap.Handler
}

func (f *fanout) add(h audiotap.Handler) {
	f.handlers = append(f.handlers, h)
}

func (f *fanout) OnAudioBuffer(data []byte, channels int, sampleRate float64) {
	for _, h := range f.handlers {
		h.OnAudioBuffer(data, channels, sampleRate)
	}
}

func runAgent() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	validation := cfg.ValidateTiered()
	if validation.HasFatals() {
		for _, e := range validation.Fatals {
			fmt.Fprintf(os.Stderr, "config: %v\n", e)
		}
		os.Exit(1)
	}

	logOutput, reopenLog := setupLogOutput(cfg)
	logging.Init(cfg.LogFormat, cfg.LogLevel, logOutput)
	log := logging.L("agent")

	for _, e := range validation.Warnings {
		log.Warn("config warning", "error", e)
	}

	log.Info("starting agent", "version", version)

	fan := &fanout{}
	tap, err := audiotap.New(fan)
	if err != nil {
		log.Error("system audio capture unavailable", "error", err)
		os.Exit(1)
	}

	format := tap.Format()
	log.Info("tap created",
		"channels", format.Channels,
		"sampleRate", format.SampleRate,
		"encoding", format.Encoding.String())

	mtr := meter.New(format.Encoding)
	fan.add(mtr)

	var bc *broadcast.Broadcaster
	if cfg.BroadcastEnabled {
		if !cfg.ForwardEnabled {
			log.Warn("broadcast_enabled needs the forward link for signaling, ignoring")
		} else {
			bc, err = broadcast.New(broadcast.Config{
				StunServer: cfg.StunServer,
				Encoding:   format.Encoding,
			})
			if err != nil {
				log.Error("failed to create broadcaster", "error", err)
				tap.Close()
				os.Exit(1)
			}
			fan.add(bc)
		}
	}

	var fwd *forward.Forwarder
	if cfg.ForwardEnabled {
		hostname, _ := os.Hostname()
		fwdCfg := forward.Config{
			URL:       cfg.ForwardURL,
			AuthToken: cfg.AuthToken,
			QueueSize: cfg.ForwardQueueSize,
			Hello: api.StreamHello{
				Hostname:     hostname,
				AgentVersion: version,
				Channels:     format.Channels,
				SampleRate:   format.SampleRate,
			},
			Format: forward.SampleFormatFor(format.Encoding),
		}
		if bc != nil {
			fwdCfg.OfferHandler = func(offer string) (string, error) {
				answer, err := bc.Connect(offer)
				if err != nil {
					return "", err
				}
				bc.SetEnabled(true)
				return answer, nil
			}
		}
		fwd = forward.New(fwdCfg)
		fan.add(fwd)
		go fwd.Start()
	}

	if err := tap.Start(); err != nil {
		log.Error("failed to start capture", "error", err)
		tap.Close()
		os.Exit(1)
	}
	log.Info("capture running")

	statsTicker := time.NewTicker(time.Duration(cfg.StatsIntervalSeconds) * time.Second)
	defer statsTicker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	hupChan := make(chan os.Signal, 1)
	if reopenLog != nil {
		signal.Notify(hupChan, syscall.SIGHUP)
	}

	for {
		select {
		case <-statsTicker.C:
			logStats(log, mtr, fwd, bc)

		case <-hupChan:
			if err := reopenLog(); err != nil {
				log.Warn("log reopen failed", "error", err)
			} else {
				log.Info("log file reopened")
			}

		case sig := <-sigChan:
			log.Info("shutting down", "signal", sig.String())
			tap.Stop()
			if fwd != nil {
				fwd.Stop()
			}
			if bc != nil {
				bc.Close()
			}
			tap.Close()
			return
		}
	}
}

func logStats(log *slog.Logger, mtr *meter.Meter, fwd *forward.Forwarder, bc *broadcast.Broadcaster) {
	stats := mtr.Snapshot()
	attrs := []any{
		"rmsDBFS", fmt.Sprintf("%.1f", stats.RMSDBFS),
		"peakDBFS", fmt.Sprintf("%.1f", stats.PeakDBFS),
		"buffers", stats.Buffers,
		"clipped", stats.Clipped,
	}
	if fwd != nil {
		fs := fwd.Stats()
		attrs = append(attrs,
			"framesSent", fs.FramesSent,
			"framesDropped", fs.FramesDropped,
			"reconnects", fs.Reconnects)
	}
	if bc != nil {
		bs := bc.Stats()
		attrs = append(attrs,
			"broadcastState", bs.State,
			"broadcastFrames", bs.FramesSent)
	}
	log.Info("capture stats", attrs...)
}

// cliLogLevel is the subcommand's default unless --log-level overrides it.
func cliLogLevel(fallback string) string {
	if logLevel != "" {
		return logLevel
	}
	return fallback
}

// setupLogOutput returns the log writer and, when logging to a file, a
// reopen hook for SIGHUP.
func setupLogOutput(cfg *config.Config) (io.Writer, func() error) {
	if cfg.LogFile == "" {
		return os.Stdout, nil
	}
	rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		return os.Stdout, nil
	}
	return logging.TeeWriter(os.Stdout, rw), rw.Reopen
}

func runProbe() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = config.Default()
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}

	// Keep stdout clean for the report itself.
	logging.Init(cfg.LogFormat, cliLogLevel("warn"), os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := capability.Probe(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Probe failed: %v\n", err)
		os.Exit(1)
	}
	report.AgentVersion = version

	var out []byte
	switch probeOutput {
	case "json":
		out, err = json.MarshalIndent(report, "", "  ")
		out = append(out, '\n')
	default:
		out, err = yaml.Marshal(report)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)

	if probeReport {
		if cfg.ServerURL == "" {
			fmt.Fprintln(os.Stderr, "Server URL required. Use --server flag or set in config.")
			os.Exit(1)
		}
		client := api.NewClient(cfg.ServerURL, cfg.AuthToken)
		if err := client.PostReport(ctx, report); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to submit report: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Report submitted.")
	}
}

func runMeter() {
	logging.Init("text", cliLogLevel("warn"), os.Stderr)

	if !audiotap.Available() {
		fmt.Fprintf(os.Stderr, "System audio capture not available: %s\n", audiotap.LastError())
		os.Exit(1)
	}

	fan := &fanout{}
	tap, err := audiotap.New(fan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create tap: %v\n", err)
		os.Exit(1)
	}

	format := tap.Format()
	mtr := meter.New(format.Encoding)
	fan.add(mtr)

	if err := tap.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start capture: %v\n", err)
		tap.Close()
		os.Exit(1)
	}

	fmt.Printf("Metering %d ch @ %.0f Hz (%s). Ctrl-C to stop.\n",
		format.Channels, format.SampleRate, format.Encoding)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var timeout <-chan time.Time
	if meterDuration > 0 {
		timeout = time.After(meterDuration)
	}

	for {
		select {
		case <-ticker.C:
			stats := mtr.Snapshot()
			fmt.Printf("rms %6.1f dBFS  peak %6.1f dBFS  buffers %4d  clipped %d\n",
				stats.RMSDBFS, stats.PeakDBFS, stats.Buffers, stats.Clipped)

		case <-timeout:
			tap.Stop()
			tap.Close()
			return

		case <-sigChan:
			fmt.Println()
			tap.Stop()
			tap.Close()
			return
		}
	}
}

func runSelftest() {
	logging.Init("text", cliLogLevel("info"), os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), selftestDuration+30*time.Second)
	defer cancel()

	result, err := selftest.Run(ctx, selftest.Config{
		Frequency: selftestFrequency,
		Duration:  selftestDuration,
		Volume:    selftestVolume,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Self-test failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Played %.1fs tone at %.0f Hz\n", result.Played.Seconds(), selftestFrequency)
	fmt.Printf("Captured %d buffers: RMS %.1f dBFS, peak %.1f dBFS\n",
		result.Stats.Buffers, result.Stats.RMSDBFS, result.Stats.PeakDBFS)

	if !result.ToneDetected {
		fmt.Println("FAIL: tone not detected in capture")
		os.Exit(1)
	}
	fmt.Println("PASS: capture path verified")
}
