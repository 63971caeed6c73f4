package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"
	"gopkg.in/yaml.v3"

	"github.com/openpectus/enginemgr/internal/aggregator"
	"github.com/openpectus/enginemgr/internal/client"
	"github.com/openpectus/enginemgr/internal/config"
	"github.com/openpectus/enginemgr/internal/daemon"
	"github.com/openpectus/enginemgr/internal/procutil"
	"github.com/openpectus/enginemgr/internal/version"
)

var rootCmd *cobra.Command

// OutputFormatter handles output in JSON or human-readable format
type OutputFormatter struct {
	jsonMode bool
}

func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode}
}

// Print outputs data in the appropriate format
func (f *OutputFormatter) Print(data interface{}) error {
	if f.jsonMode {
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(jsonBytes))
		return nil
	}
	switch v := data.(type) {
	case string:
		fmt.Println(v)
	default:
		jsonBytes, _ := json.MarshalIndent(data, "", "  ")
		fmt.Println(string(jsonBytes))
	}
	return nil
}

// Success outputs a success message
func (f *OutputFormatter) Success(message string, data map[string]interface{}) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Println(message)
	return nil
}

// Error outputs an error message
func (f *OutputFormatter) Error(message string, err error) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": false,
			"error":   message,
		}
		if err != nil {
			output["details"] = err.Error()
		}
		jsonBytes, _ := json.MarshalIndent(output, "", "  ")
		fmt.Fprintln(os.Stderr, string(jsonBytes))
	} else {
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", message, err)
		} else {
			fmt.Fprintln(os.Stderr, message)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", message, err)
	}
	return errors.New(message)
}

func init() {
	rootCmd = &cobra.Command{
		Use:   "enginemgr",
		Short: "Open Pectus engine manager - load, run and monitor process unit engines",
		Long: `enginemgr manages Open Pectus engine processes from the command line.

Engines are loaded from Unit Operation Definition (UOD) files, launched as
Python subprocesses against a configured aggregator, and monitored through
the enginemgrd daemon.`,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func main() {
	loadCmd := &cobra.Command{
		Use:           "load [uod-file]",
		Short:         "Load a UOD file as a new engine",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          loadEngine,
	}

	removeCmd := &cobra.Command{
		Use:           "remove [engine-name]",
		Short:         "Remove a loaded engine",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          removeEngine,
	}

	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "List all loaded engines",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          listEngines,
	}

	startCmd := &cobra.Command{
		Use:           "start [engine-name]",
		Short:         "Start an engine",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          startEngine,
	}
	startCmd.Flags().Bool("attach", false, "Stream engine output after starting")

	stopCmd := &cobra.Command{
		Use:           "stop [engine-name]",
		Short:         "Stop a running engine",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          stopEngine,
	}

	restartCmd := &cobra.Command{
		Use:           "restart [engine-name]",
		Short:         "Restart a running engine",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          restartEngine,
	}

	validateCmd := &cobra.Command{
		Use:           "validate [engine-name]",
		Short:         "Run an engine in validation mode",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          validateEngine,
	}
	validateCmd.Flags().Bool("attach", false, "Stream validation output")

	attachCmd := &cobra.Command{
		Use:           "attach [engine-name]",
		Short:         "Stream console output of a running engine",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          attachEngine,
	}

	logsCmd := &cobra.Command{
		Use:           "logs [engine-name]",
		Short:         "Show the captured console output of an engine",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          engineLogs,
	}
	logsCmd.Flags().String("save", "", "Write the log to a file instead of stdout")

	settingsCmd := &cobra.Command{
		Use:           "settings",
		Short:         "Inspect and change daemon settings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	settingsShowCmd := &cobra.Command{
		Use:           "show",
		Short:         "Show current settings",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          settingsShow,
	}

	settingsSetCmd := &cobra.Command{
		Use:           "set",
		Short:         "Update settings",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          settingsSet,
	}
	settingsSetCmd.Flags().String("aggregator-hostname", "", "Aggregator hostname")
	settingsSetCmd.Flags().Int("aggregator-port", 0, "Aggregator port (1-65535)")
	settingsSetCmd.Flags().String("aggregator-secure", "", "Use HTTPS/WSS towards the aggregator (true|false)")
	settingsSetCmd.Flags().String("aggregator-secret", "", "Shared secret passed to engines")
	settingsSetCmd.Flags().String("interpreter", "", "Python interpreter used to launch engines")
	settingsSetCmd.Flags().String("module", "", "Python module used to launch engines")

	settingsExportCmd := &cobra.Command{
		Use:           "export",
		Short:         "Export settings as YAML (secret excluded)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          settingsExport,
	}
	settingsExportCmd.Flags().String("output", "", "Write YAML to a file instead of stdout")

	settingsImportCmd := &cobra.Command{
		Use:           "import [file]",
		Short:         "Import settings from a YAML file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          settingsImport,
	}

	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd, settingsExportCmd, settingsImportCmd)

	aggregatorCmd := &cobra.Command{
		Use:           "aggregator",
		Short:         "Aggregator endpoint commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	aggregatorURLCmd := &cobra.Command{
		Use:           "url",
		Short:         "Print the aggregator web URL",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          aggregatorURL,
	}

	aggregatorOpenCmd := &cobra.Command{
		Use:           "open",
		Short:         "Open the aggregator web UI in the default browser",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          aggregatorOpen,
	}

	aggregatorCheckCmd := &cobra.Command{
		Use:           "check",
		Short:         "Check aggregator reachability",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          aggregatorCheck,
	}

	aggregatorCmd.AddCommand(aggregatorURLCmd, aggregatorOpenCmd, aggregatorCheckCmd)

	daemonCmd := &cobra.Command{
		Use:           "daemon",
		Short:         "Daemon management commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	daemonStatusCmd := &cobra.Command{
		Use:           "status",
		Short:         "Get daemon status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStatus,
	}

	daemonStopCmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStop,
	}
	daemonStopCmd.Flags().Bool("force", false, "Stop even when engines are still running")

	daemonCmd.AddCommand(daemonStatusCmd, daemonStopCmd)

	rootCmd.AddCommand(loadCmd, removeCmd, listCmd, startCmd, stopCmd, restartCmd,
		validateCmd, attachCmd, logsCmd, settingsCmd, aggregatorCmd, daemonCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func connect() (*client.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.New(ctx)
}

func loadEngine(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	path := config.ExpandPath(args[0])
	absPath, err := filepath.Abs(path)
	if err != nil {
		return out.Error("Invalid UOD path", err)
	}

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	info, err := c.LoadEngine(absPath)
	if err != nil {
		return out.Error("Failed to load engine", err)
	}

	return out.Success(fmt.Sprintf("Engine %s loaded", info.Name), map[string]interface{}{
		"name":     info.Name,
		"uod_path": info.UODPath,
		"status":   info.Status,
	})
}

func removeEngine(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	name := args[0]

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	if err := c.RemoveEngine(name); err != nil {
		return out.Error(fmt.Sprintf("Failed to remove engine %s", name), err)
	}

	return out.Success(fmt.Sprintf("Engine %s removed", name), map[string]interface{}{
		"name": name,
	})
}

func listEngines(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	engines, err := c.ListEngines()
	if err != nil {
		return out.Error("Failed to list engines", err)
	}

	if out.jsonMode {
		return out.Print(map[string]interface{}{"engines": engines})
	}

	if len(engines) == 0 {
		fmt.Println("No engines loaded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tPID\tUOD")
	for _, eng := range engines {
		pid := "-"
		if eng.PID > 0 {
			pid = fmt.Sprintf("%d", eng.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", eng.Name, eng.Status, pid, eng.UODPath)
	}
	return w.Flush()
}

func startEngine(cmd *cobra.Command, args []string) error {
	return runEngineAction(cmd, args[0], "start", "started")
}

func stopEngine(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	name := args[0]

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	info, err := c.StopEngine(name)
	if err != nil {
		return out.Error(fmt.Sprintf("Failed to stop engine %s", name), err)
	}

	return out.Success(fmt.Sprintf("Engine %s stopping", name), map[string]interface{}{
		"name":   info.Name,
		"status": info.Status,
	})
}

func restartEngine(cmd *cobra.Command, args []string) error {
	return runEngineAction(cmd, args[0], "restart", "restarted")
}

func validateEngine(cmd *cobra.Command, args []string) error {
	return runEngineAction(cmd, args[0], "validate", "validating")
}

func runEngineAction(cmd *cobra.Command, name, action, pastTense string) error {
	out := newOutputFormatter(cmd)

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	var info *client.EngineInfo
	switch action {
	case "start":
		info, err = c.StartEngine(name)
	case "restart":
		info, err = c.RestartEngine(name)
	case "validate":
		info, err = c.ValidateEngine(name)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return out.Error(fmt.Sprintf("Failed to %s engine %s", action, name), err)
	}

	follow, _ := cmd.Flags().GetBool("attach")
	if follow && !out.jsonMode {
		fmt.Printf("Engine %s %s (pid %d)\n", info.Name, pastTense, info.PID)
		return streamEngine(c, name)
	}

	return out.Success(fmt.Sprintf("Engine %s %s", name, pastTense), map[string]interface{}{
		"name":   info.Name,
		"status": info.Status,
		"pid":    info.PID,
		"run_id": info.RunID,
	})
}

func attachEngine(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	name := args[0]

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	if terminal.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("Attaching to engine %s... press Ctrl+C to detach\n", name)
	}

	return streamEngine(c, name)
}

// streamEngine attaches to the engine's console stream and copies it to
// stdout until the engine stops or the user interrupts.
func streamEngine(c *client.Client, name string) error {
	if err := c.AttachEngine(name); err != nil {
		return fmt.Errorf("failed to attach: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- c.StreamOutput(ctx, os.Stdout)
	}()

	select {
	case <-sigChan:
		fmt.Println("\nDetaching from engine...")
		c.DetachEngine()
		return nil
	case err := <-errChan:
		if err != nil && !strings.Contains(err.Error(), "EOF") {
			return err
		}
		return nil
	}
}

func engineLogs(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	name := args[0]
	savePath, _ := cmd.Flags().GetString("save")

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	data, err := c.EngineLog(name)
	if err != nil {
		return out.Error(fmt.Sprintf("Failed to fetch log for engine %s", name), err)
	}

	if savePath != "" {
		if err := os.WriteFile(config.ExpandPath(savePath), data, 0o644); err != nil {
			return out.Error("Failed to save log", err)
		}
		return out.Success(fmt.Sprintf("Log saved to %s", savePath), map[string]interface{}{
			"engine": name,
			"file":   savePath,
			"bytes":  len(data),
		})
	}

	_, err = os.Stdout.Write(data)
	return err
}

func settingsShow(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	settings, err := c.GetSettings()
	if err != nil {
		return out.Error("Failed to fetch settings", err)
	}

	if out.jsonMode {
		return out.Print(settings)
	}

	fmt.Println("Settings:")
	fmt.Printf("  Aggregator hostname: %s\n", settings.AggregatorHostname)
	fmt.Printf("  Aggregator port:     %d\n", settings.AggregatorPort)
	fmt.Printf("  Aggregator secure:   %v\n", settings.AggregatorSecure)
	fmt.Printf("  Secret configured:   %v\n", settings.HasSecret)
	fmt.Printf("  Engine interpreter:  %s\n", settings.EngineInterpreter)
	fmt.Printf("  Engine module:       %s\n", settings.EngineModule)
	return nil
}

func settingsSet(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	update := client.SettingsUpdate{}
	changed := false

	if v, _ := cmd.Flags().GetString("aggregator-hostname"); v != "" {
		update.AggregatorHostname = &v
		changed = true
	}
	if v, _ := cmd.Flags().GetInt("aggregator-port"); v != 0 {
		update.AggregatorPort = &v
		changed = true
	}
	if v, _ := cmd.Flags().GetString("aggregator-secure"); v != "" {
		switch strings.ToLower(v) {
		case "true", "yes", "1":
			secure := true
			update.AggregatorSecure = &secure
		case "false", "no", "0":
			secure := false
			update.AggregatorSecure = &secure
		default:
			return out.Error(fmt.Sprintf("Invalid --aggregator-secure value %q", v), nil)
		}
		changed = true
	}
	if cmd.Flags().Changed("aggregator-secret") {
		v, _ := cmd.Flags().GetString("aggregator-secret")
		update.AggregatorSecret = &v
		changed = true
	}
	if v, _ := cmd.Flags().GetString("interpreter"); v != "" {
		update.EngineInterpreter = &v
		changed = true
	}
	if v, _ := cmd.Flags().GetString("module"); v != "" {
		update.EngineModule = &v
		changed = true
	}

	if !changed {
		return out.Error("No settings provided, see --help for available flags", nil)
	}

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	settings, err := c.UpdateSettings(update)
	if err != nil {
		return out.Error("Failed to update settings", err)
	}

	return out.Success("Settings updated", map[string]interface{}{
		"aggregator_hostname": settings.AggregatorHostname,
		"aggregator_port":     settings.AggregatorPort,
		"aggregator_secure":   settings.AggregatorSecure,
		"has_secret":          settings.HasSecret,
	})
}

// settingsFile is the YAML schema for settings export/import. The
// aggregator secret deliberately never leaves the daemon.
type settingsFile struct {
	AggregatorHostname string `yaml:"aggregator_hostname"`
	AggregatorPort     int    `yaml:"aggregator_port"`
	AggregatorSecure   bool   `yaml:"aggregator_secure"`
	EngineInterpreter  string `yaml:"engine_interpreter,omitempty"`
	EngineModule       string `yaml:"engine_module,omitempty"`
}

func settingsExport(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	outputPath, _ := cmd.Flags().GetString("output")

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	settings, err := c.GetSettings()
	if err != nil {
		return out.Error("Failed to fetch settings", err)
	}

	payload := settingsFile{
		AggregatorHostname: settings.AggregatorHostname,
		AggregatorPort:     settings.AggregatorPort,
		AggregatorSecure:   settings.AggregatorSecure,
		EngineInterpreter:  settings.EngineInterpreter,
		EngineModule:       settings.EngineModule,
	}

	data, err := yaml.Marshal(payload)
	if err != nil {
		return out.Error("Failed to encode settings", err)
	}

	if outputPath != "" {
		if err := os.WriteFile(config.ExpandPath(outputPath), data, 0o644); err != nil {
			return out.Error("Failed to write settings file", err)
		}
		return out.Success(fmt.Sprintf("Settings exported to %s", outputPath), map[string]interface{}{
			"file": outputPath,
		})
	}

	_, err = os.Stdout.Write(data)
	return err
}

func settingsImport(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	data, err := os.ReadFile(config.ExpandPath(args[0]))
	if err != nil {
		return out.Error("Failed to read settings file", err)
	}

	var payload settingsFile
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return out.Error("Failed to parse settings file", err)
	}

	update := client.SettingsUpdate{}
	if payload.AggregatorHostname != "" {
		update.AggregatorHostname = &payload.AggregatorHostname
	}
	if payload.AggregatorPort != 0 {
		update.AggregatorPort = &payload.AggregatorPort
	}
	update.AggregatorSecure = &payload.AggregatorSecure
	if payload.EngineInterpreter != "" {
		update.EngineInterpreter = &payload.EngineInterpreter
	}
	if payload.EngineModule != "" {
		update.EngineModule = &payload.EngineModule
	}

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	settings, err := c.UpdateSettings(update)
	if err != nil {
		return out.Error("Failed to apply settings", err)
	}

	return out.Success("Settings imported", map[string]interface{}{
		"aggregator_hostname": settings.AggregatorHostname,
		"aggregator_port":     settings.AggregatorPort,
		"aggregator_secure":   settings.AggregatorSecure,
	})
}

func aggregatorURL(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	url, err := c.AggregatorURL()
	if err != nil {
		return out.Error("Failed to fetch aggregator URL", err)
	}

	if out.jsonMode {
		return out.Print(map[string]interface{}{"url": url})
	}
	fmt.Println(url)
	return nil
}

func aggregatorOpen(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	url, err := c.AggregatorURL()
	if err != nil {
		return out.Error("Failed to fetch aggregator URL", err)
	}

	if err := aggregator.OpenInBrowser(url); err != nil {
		return out.Error("Failed to open browser", err)
	}

	return out.Success(fmt.Sprintf("Opened %s", url), map[string]interface{}{
		"url": url,
	})
}

func aggregatorCheck(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	health, err := c.CheckAggregatorHealth()
	if err != nil {
		return out.Error("Failed to check aggregator health", err)
	}

	if out.jsonMode {
		return out.Print(health)
	}

	if health.Healthy {
		fmt.Printf("Aggregator at %s is reachable\n", health.URL)
		return nil
	}
	fmt.Printf("Aggregator at %s is NOT reachable: %s\n", health.URL, health.Error)
	return errors.New("aggregator unreachable")
}

func daemonStatus(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	c, err := connect()
	if err != nil {
		return out.Error("Failed to connect to daemon", err)
	}
	defer c.Close()

	status, err := c.GetDaemonStatus()
	if err != nil {
		return out.Error("Failed to fetch daemon status", err)
	}

	if out.jsonMode {
		return out.Print(status)
	}

	if remote, ok := status["version"].(string); ok {
		if warning := version.CheckVersionMismatch(remote); warning != "" {
			fmt.Fprintln(os.Stderr, warning)
		}
	}

	fmt.Println("Daemon Status:")
	fmt.Printf("  Version: %v\n", status["version"])
	fmt.Printf("  Engines: %v\n", status["engines_count"])
	fmt.Printf("  Running: %v\n", status["running_count"])
	fmt.Printf("  Clients: %v\n", status["clients_count"])
	if port, ok := status["port"]; ok {
		fmt.Printf("  Port: %v\n", port)
	}
	if authRequired, ok := status["auth_required"]; ok {
		fmt.Printf("  Auth Required: %v\n", authRequired)
	}
	if uptime, ok := status["uptime"]; ok {
		fmt.Printf("  Uptime: %v seconds\n", uptime)
	}
	return nil
}

func daemonStop(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	force, _ := cmd.Flags().GetBool("force")

	var apiErr error
	if c, err := connect(); err == nil {
		defer c.Close()
		if err := c.ShutdownDaemon(force); err == nil {
			return out.Success("Shutdown request sent to daemon", map[string]interface{}{
				"method": "api",
			})
		} else {
			if errors.Is(err, client.ErrEnginesRunning) {
				return out.Error("Engines are still running, stop them first or use --force", err)
			}
			if !errors.Is(err, client.ErrShutdownUnavailable) {
				return out.Error("Failed to stop daemon", err)
			}
			apiErr = err
		}
	} else {
		apiErr = err
	}

	// API not reachable or shutdown endpoint unavailable, fall back to a
	// local signal via the pidfile.
	running, pid := daemon.IsRunning(config.InstanceName())
	if !running {
		if apiErr != nil {
			return out.Error("Daemon is not running", apiErr)
		}
		return out.Error("Daemon is not running", nil)
	}

	if err := procutil.TerminateByPID(pid); err != nil {
		return out.Error("Failed to signal daemon", err)
	}

	return out.Success("Sent termination signal to daemon", map[string]interface{}{
		"pid":    pid,
		"method": "signal",
	})
}
