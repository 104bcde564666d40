package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/movebroker/movebroker/pkg/cli/internal/flags"
	"github.com/movebroker/movebroker/pkg/config"
	"github.com/movebroker/movebroker/pkg/logging"
)

// configFlags holds the flags that override configuration values. Only
// flags the user set are applied.
type configFlags struct {
	file string

	port      int
	staticDir string
	rateLimit float64

	enginePath  string
	engineArgs  flags.StringSlice
	mode        string
	tagged      bool
	timeout     time.Duration
	lazy        bool
	autoRestart bool

	logLevel     string
	logFormat    string
	lokiEndpoint string
}

func (f *configFlags) addFileFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "config", "c", "", "Path to a YAML or JSON config file (env: "+config.EnvConfig+")")
}

func (f *configFlags) addServerFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVarP(&f.port, "port", "p", 8080, "HTTP listen port (0 picks a free port)")
	fs.StringVar(&f.staticDir, "static-dir", "./web", "Directory of static files served on unmatched GET paths")
	fs.Float64Var(&f.rateLimit, "rate-limit", 0, "Requests per second per client on /move and /ws (0 disables)")
}

func (f *configFlags) addEngineFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.enginePath, "engine-path", "./engine", "Path to the engine executable")
	fs.Var(&f.engineArgs, "engine-arg", "Argument passed to the engine (repeatable)")
	fs.StringVar(&f.mode, "mode", string(config.ModePersistent), "Engine mode: persistent or one-shot")
	fs.BoolVar(&f.tagged, "tagged", false, "Use the id-tagged protocol with concurrent dispatch")
	fs.DurationVar(&f.timeout, "timeout", 30*time.Second, "Maximum wait for one engine reply")
	fs.BoolVar(&f.lazy, "lazy", false, "Start the engine on the first evaluation")
	fs.BoolVar(&f.autoRestart, "auto-restart", false, "Restart the engine after it dies")
}

func (f *configFlags) addLogFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "text", "Log format: text or json")
	fs.StringVar(&f.lokiEndpoint, "loki-endpoint", "", "Also ship logs to this Loki push URL")
}

// apply copies every flag the user set on cmd into cfg.
func (f *configFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(flag, key string, fn func()) {
		if cmd.Flags().Changed(flag) {
			fn()
			cfg.SetSource(key, config.SourceFlag)
		}
	}

	set("port", "server.port", func() { cfg.Server.Port = f.port })
	set("static-dir", "server.static_dir", func() { cfg.Server.StaticDir = f.staticDir })
	set("rate-limit", "server.rate_limit", func() { cfg.Server.RateLimit = f.rateLimit })

	set("engine-path", "engine.path", func() { cfg.Engine.Path = f.enginePath })
	set("engine-arg", "engine.args", func() { cfg.Engine.Args = append([]string(nil), f.engineArgs...) })
	set("mode", "engine.mode", func() { cfg.Engine.Mode = config.Mode(f.mode) })
	set("tagged", "engine.tagged", func() { cfg.Engine.Tagged = f.tagged })
	set("timeout", "engine.timeout", func() { cfg.Engine.Timeout = f.timeout })
	set("lazy", "engine.lazy", func() { cfg.Engine.Lazy = f.lazy })
	set("auto-restart", "engine.auto_restart", func() { cfg.Engine.AutoRestart = f.autoRestart })

	set("log-level", "log.level", func() { cfg.Log.Level = f.logLevel })
	set("log-format", "log.format", func() { cfg.Log.Format = f.logFormat })
	set("loki-endpoint", "log.loki_endpoint", func() { cfg.Log.LokiEndpoint = f.lokiEndpoint })
}

// configPath returns the config file named by --config, falling back to
// MOVEBROKER_CONFIG.
func (f *configFlags) configPath() string {
	if f.file != "" {
		return f.file
	}
	return os.Getenv(config.EnvConfig)
}

// loadConfig builds the effective configuration: defaults, then the file,
// then the environment, then flags. The result is validated.
func loadConfig(cmd *cobra.Command, f *configFlags) (*config.Config, error) {
	cfg := config.Default()
	if path := f.configPath(); path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	f.apply(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger and a function that flushes it.
func newLogger(lc config.LogConfig, port int) (*slog.Logger, func()) {
	cfg := logging.Config{
		Level:  logging.ParseLevel(lc.Level),
		Format: logging.ParseFormat(lc.Format),
		Output: os.Stderr,
	}
	if lc.LokiEndpoint == "" {
		return logging.New(cfg), func() {}
	}

	console := logging.NewHandler(cfg)
	loki := logging.NewLokiHandler(lc.LokiEndpoint,
		logging.WithLokiLabels(map[string]string{
			"service": "movebroker",
			"port":    strconv.Itoa(port),
		}),
		logging.WithLokiLevel(cfg.Level),
	)
	log := slog.New(logging.NewMultiHandler(console, loki))
	log.Info("log aggregation enabled", "endpoint", lc.LokiEndpoint)

	flush := logging.Closer(log.Handler())
	return log, func() {
		if err := flush(); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: failed to flush logs to Loki:", err)
		}
	}
}
