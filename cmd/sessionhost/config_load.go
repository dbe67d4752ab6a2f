package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"sessionhost/internal/cli"
	"sessionhost/internal/config"
	"sessionhost/internal/filelock"
	"sessionhost/internal/httpparse"
	"sessionhost/internal/logging"
	"sessionhost/internal/session"
	"sessionhost/internal/terminal"
	"sessionhost/internal/version"
)

const (
	defaultListen          = "127.0.0.1:7717"
	defaultControlListen   = "127.0.0.1:7718"
	defaultStateDir        = ".sessionhost"
	defaultConfigFile      = "sessionhost.yaml"
	defaultEnvFile         = ".env"
	defaultShutdownTimeout = 30 * time.Second
)

type Config struct {
	Listen          string
	ControlListen   string
	StateDir        string
	Interpreter     []string
	PTY             bool
	LockStrategy    filelock.Strategy
	StaleTimeout    time.Duration
	LockRefresh     time.Duration
	MaxBodySize     int64
	MaxHeaderBytes  int
	MaxUploadSize   int64
	UploadQueue     int
	IdleTimeout     time.Duration
	StopTimeout     time.Duration
	ShutdownTimeout time.Duration
	OutputLines     int
	HistorySize     int
	AllowedOrigins  []string
	LogLevel        logging.Level
	ConfigFile      string
	EnvFile         string
	ShowVersion     bool
	Sources         map[string]configSource
}

type configSource string

const (
	sourceDefault configSource = "default"
	sourceFile    configSource = "file"
	sourceEnv     configSource = "env"
	sourceFlag    configSource = "flag"
)

type flagValues struct {
	Raw     map[string]string
	Set     map[string]bool
	Verbose bool
	Quiet   bool
	Help    bool
	Version bool
}

type option struct {
	name  string
	arg   string
	group string
	usage string
}

var options = []option{
	{name: "listen", arg: "ADDR", group: "Server", usage: "Session listener address"},
	{name: "control-listen", arg: "ADDR", group: "Server", usage: "Control listener for metrics, logs and websockets (\"off\" disables)"},
	{name: "state-dir", arg: "DIR", group: "Server", usage: "Directory for lock files and uploads"},
	{name: "idle-timeout", arg: "DURATION", group: "Server", usage: "Close idle keep-alive connections after this long"},
	{name: "shutdown-timeout", arg: "DURATION", group: "Server", usage: "Time allowed for a graceful shutdown"},
	{name: "interpreter", arg: "COMMAND", group: "Sessions", usage: "Interpreter command line launched per session"},
	{name: "pty", group: "Sessions", usage: "Run interpreters on a pseudo-terminal"},
	{name: "stop-timeout", arg: "DURATION", group: "Sessions", usage: "Grace period before a stopping interpreter is killed"},
	{name: "output-lines", arg: "N", group: "Sessions", usage: "Output lines kept per session"},
	{name: "history-size", arg: "N", group: "Sessions", usage: "Input history entries kept per session"},
	{name: "allowed-origins", arg: "LIST", group: "Sessions", usage: "Comma separated websocket origins"},
	{name: "lock-strategy", arg: "NAME", group: "Locks", usage: "auto, link or advisory"},
	{name: "stale-timeout", arg: "DURATION", group: "Locks", usage: "Age after which an unrefreshed lock is stale"},
	{name: "lock-refresh", arg: "DURATION", group: "Locks", usage: "Lock refresh interval (0 means stale-timeout/3)"},
	{name: "max-body-size", arg: "SIZE", group: "Requests", usage: "Largest buffered request body"},
	{name: "max-header-bytes", arg: "SIZE", group: "Requests", usage: "Largest request head"},
	{name: "max-upload-size", arg: "SIZE", group: "Requests", usage: "Largest streamed upload"},
	{name: "upload-queue", arg: "N", group: "Requests", usage: "Upload chunks queued before the parser pauses"},
	{name: "log-level", arg: "LEVEL", group: "Logging", usage: "debug, info, warning or error"},
	{name: "config", arg: "PATH", group: "Files", usage: "YAML config file"},
	{name: "env-file", arg: "PATH", group: "Files", usage: ".env file read before the environment"},
}

func defaultConfig() Config {
	return Config{
		Listen:          defaultListen,
		ControlListen:   defaultControlListen,
		StateDir:        defaultStateDir,
		Interpreter:     defaultInterpreter(),
		PTY:             runtime.GOOS != "windows",
		LockStrategy:    filelock.StrategyAuto,
		StaleTimeout:    filelock.DefaultStaleTimeout,
		MaxBodySize:     httpparse.DefaultMaxBodySize,
		MaxHeaderBytes:  httpparse.DefaultMaxHeaderBytes,
		MaxUploadSize:   session.DefaultMaxUploadSize,
		UploadQueue:     session.DefaultUploadQueue,
		IdleTimeout:     session.DefaultIdleTimeout,
		StopTimeout:     session.DefaultStopTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
		OutputLines:     session.DefaultOutputLines,
		HistorySize:     terminal.DefaultHistorySize,
		LogLevel:        logging.LevelInfo,
		ConfigFile:      defaultConfigFile,
		EnvFile:         defaultEnvFile,
		Sources:         make(map[string]configSource),
	}
}

func defaultInterpreter() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd.exe"}
	}
	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		return []string{shell}
	}
	return []string{"/bin/sh"}
}

func parseFlags(args []string) (flagValues, error) {
	if args == nil {
		args = []string{}
	}
	fs := flag.NewFlagSet("sessionhost", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	values := flagValues{Raw: make(map[string]string)}
	for _, opt := range options {
		name := opt.name
		record := func(value string) error {
			values.Raw[name] = value
			return nil
		}
		if opt.arg == "" {
			fs.BoolFunc(name, opt.usage, record)
		} else {
			fs.Func(name, opt.usage, record)
		}
	}
	fs.BoolVar(&values.Verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&values.Quiet, "quiet", false, "Reduce logging to warnings")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show help", "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	if fs.NArg() > 0 {
		return flagValues{}, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	values.Set = cli.SetFlags(fs)
	values.Help = helpVersion.Help
	values.Version = helpVersion.Version
	if values.Help {
		printHelp(os.Stdout, defaultConfig())
		return values, flag.ErrHelp
	}
	return values, nil
}

// loader applies sources in increasing precedence: defaults, config file,
// environment (including the .env file), flags.
type loader struct {
	cfg    *Config
	flags  flagValues
	lookup config.LookupFunc
	errs   []error
}

func (l *loader) raw(name string) (string, configSource, bool) {
	if l.flags.Set[name] {
		return l.flags.Raw[name], sourceFlag, true
	}
	if value, ok := l.lookup(config.EnvKey(name)); ok && strings.TrimSpace(value) != "" {
		return value, sourceEnv, true
	}
	return "", "", false
}

func apply[T any](l *loader, name string, target *T, fileValue *T, parse func(string) (T, error)) {
	l.cfg.Sources[name] = sourceDefault
	if fileValue != nil {
		*target = *fileValue
		l.cfg.Sources[name] = sourceFile
	}
	raw, source, ok := l.raw(name)
	if !ok {
		return
	}
	value, err := parse(raw)
	if err != nil {
		if source == sourceFlag {
			l.errs = append(l.errs, fmt.Errorf("invalid --%s: %w", name, err))
		} else {
			l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", config.EnvKey(name), err))
		}
		return
	}
	*target = value
	l.cfg.Sources[name] = source
}

// loadConfig resolves the configuration. getenv defaults to the process
// environment.
func loadConfig(args []string, getenv config.LookupFunc) (Config, error) {
	flags, err := parseFlags(args)
	if err != nil {
		return Config{}, err
	}
	if getenv == nil {
		getenv = os.LookupEnv
	}
	cfg := defaultConfig()
	cfg.ShowVersion = flags.Version

	bootstrap := &loader{cfg: &cfg, flags: flags, lookup: getenv}
	apply(bootstrap, "env-file", &cfg.EnvFile, nil, parsePath)
	dotenv, err := config.ReadDotEnv(cfg.EnvFile)
	if err != nil {
		return Config{}, err
	}
	l := &loader{cfg: &cfg, flags: flags, lookup: config.EnvLookup(getenv, dotenv), errs: bootstrap.errs}

	apply(l, "config", &cfg.ConfigFile, nil, parsePath)
	file, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return Config{}, err
	}

	apply(l, "listen", &cfg.Listen, file.Server.Listen, parseAddress)
	apply(l, "control-listen", &cfg.ControlListen, file.Server.ControlListen, parseOptionalAddress)
	apply(l, "state-dir", &cfg.StateDir, file.Server.StateDir, parsePath)
	apply(l, "idle-timeout", &cfg.IdleTimeout, durationValue(file.Server.IdleTimeout), parseDuration)
	apply(l, "shutdown-timeout", &cfg.ShutdownTimeout, durationValue(file.Server.ShutdownTimeout), parsePositiveDuration)
	apply(l, "interpreter", &cfg.Interpreter, listValue(file.Session.Interpreter), parseCommand)
	apply(l, "pty", &cfg.PTY, file.Session.PTY, strconv.ParseBool)
	apply(l, "stop-timeout", &cfg.StopTimeout, durationValue(file.Session.StopTimeout), parsePositiveDuration)
	apply(l, "output-lines", &cfg.OutputLines, file.Session.OutputLines, parsePositiveInt)
	apply(l, "history-size", &cfg.HistorySize, file.Session.HistorySize, parsePositiveInt)
	apply(l, "allowed-origins", &cfg.AllowedOrigins, listValue(file.Websocket.AllowedOrigins), parseList)
	apply(l, "lock-strategy", &cfg.LockStrategy, strategyValue(l, file.Lock.Strategy), filelock.ParseStrategy)
	apply(l, "stale-timeout", &cfg.StaleTimeout, durationValue(file.Lock.StaleTimeout), parsePositiveDuration)
	apply(l, "lock-refresh", &cfg.LockRefresh, durationValue(file.Lock.Refresh), parseDuration)
	apply(l, "max-body-size", &cfg.MaxBodySize, sizeValue(file.Request.MaxBodySize), parseSize)
	apply(l, "max-header-bytes", &cfg.MaxHeaderBytes, intSizeValue(file.Request.MaxHeaderBytes), parseIntSize)
	apply(l, "max-upload-size", &cfg.MaxUploadSize, sizeValue(file.Upload.MaxSize), parseSize)
	apply(l, "upload-queue", &cfg.UploadQueue, file.Upload.Queue, parsePositiveInt)
	apply(l, "log-level", &cfg.LogLevel, levelValue(l, file.Log.Level), parseLevel)

	if flags.Verbose {
		cfg.LogLevel = logging.LevelDebug
		cfg.Sources["log-level"] = sourceFlag
	} else if flags.Quiet {
		cfg.LogLevel = logging.LevelWarning
		cfg.Sources["log-level"] = sourceFlag
	}

	if cfg.LockRefresh > 0 && cfg.LockRefresh >= cfg.StaleTimeout {
		l.errs = append(l.errs, fmt.Errorf("lock refresh %s must be shorter than stale timeout %s", cfg.LockRefresh, cfg.StaleTimeout))
	}
	if err := errors.Join(l.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func durationValue(value *config.Duration) *time.Duration {
	if value == nil {
		return nil
	}
	out := value.Std()
	return &out
}

func sizeValue(value *config.ByteSize) *int64 {
	if value == nil {
		return nil
	}
	out := value.Int64()
	return &out
}

func intSizeValue(value *config.ByteSize) *int {
	if value == nil {
		return nil
	}
	out := int(value.Int64())
	return &out
}

func listValue(values []string) *[]string {
	if len(values) == 0 {
		return nil
	}
	return &values
}

func strategyValue(l *loader, value *string) *filelock.Strategy {
	if value == nil {
		return nil
	}
	strategy, err := filelock.ParseStrategy(*value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid lock.strategy in %s: %w", l.cfg.ConfigFile, err))
		return nil
	}
	return &strategy
}

func levelValue(l *loader, value *string) *logging.Level {
	if value == nil {
		return nil
	}
	level, err := parseLevel(*value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid log.level in %s: %w", l.cfg.ConfigFile, err))
		return nil
	}
	return &level
}

func parsePath(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errors.New("value cannot be empty")
	}
	return trimmed, nil
}

func parseAddress(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || !strings.Contains(trimmed, ":") {
		return "", fmt.Errorf("%q is not host:port", value)
	}
	return trimmed, nil
}

func parseOptionalAddress(value string) (string, error) {
	if strings.EqualFold(strings.TrimSpace(value), "off") {
		return "", nil
	}
	return parseAddress(value)
}

func parseDuration(value string) (time.Duration, error) {
	parsed, err := config.ParseDuration(value)
	return parsed.Std(), err
}

func parsePositiveDuration(value string) (time.Duration, error) {
	parsed, err := parseDuration(value)
	if err == nil && parsed == 0 {
		err = errors.New("must be > 0")
	}
	return parsed, err
}

func parsePositiveInt(value string) (int, error) {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if parsed <= 0 {
		return 0, errors.New("must be > 0")
	}
	return parsed, nil
}

func parseSize(value string) (int64, error) {
	parsed, err := config.ParseByteSize(value)
	if err == nil && parsed == 0 {
		err = errors.New("must be > 0")
	}
	return parsed.Int64(), err
}

func parseIntSize(value string) (int, error) {
	parsed, err := parseSize(value)
	return int(parsed), err
}

func parseList(value string) ([]string, error) {
	return config.SplitList(value), nil
}

func parseCommand(value string) ([]string, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return nil, errors.New("command cannot be empty")
	}
	return fields, nil
}

func parseLevel(value string) (logging.Level, error) {
	level, ok := logging.ParseLevel(value)
	if !ok {
		return "", fmt.Errorf("unknown level %q", value)
	}
	return level, nil
}

func printHelp(out io.Writer, defaults Config) {
	fmt.Fprintln(out, "Usage: sessionhost [options]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Session host: per-user interpreters behind a lock-guarded HTTP surface")

	defaultsByName := map[string]string{
		"listen":           defaults.Listen,
		"control-listen":   defaults.ControlListen,
		"state-dir":        defaults.StateDir,
		"idle-timeout":     defaults.IdleTimeout.String(),
		"shutdown-timeout": defaults.ShutdownTimeout.String(),
		"interpreter":      strings.Join(defaults.Interpreter, " "),
		"pty":              strconv.FormatBool(defaults.PTY),
		"stop-timeout":     defaults.StopTimeout.String(),
		"output-lines":     strconv.Itoa(defaults.OutputLines),
		"history-size":     strconv.Itoa(defaults.HistorySize),
		"lock-strategy":    defaults.LockStrategy.String(),
		"stale-timeout":    defaults.StaleTimeout.String(),
		"lock-refresh":     "0",
		"max-body-size":    config.ByteSize(defaults.MaxBodySize).String(),
		"max-header-bytes": config.ByteSize(defaults.MaxHeaderBytes).String(),
		"max-upload-size":  config.ByteSize(defaults.MaxUploadSize).String(),
		"upload-queue":     strconv.Itoa(defaults.UploadQueue),
		"log-level":        string(defaults.LogLevel),
		"config":           defaults.ConfigFile,
		"env-file":         defaults.EnvFile,
	}

	var groups []string
	grouped := make(map[string][]cli.Option)
	for _, opt := range options {
		if _, ok := grouped[opt.group]; !ok {
			groups = append(groups, opt.group)
		}
		name := "--" + opt.name
		if opt.arg != "" {
			name += " " + opt.arg
		}
		desc := fmt.Sprintf("%s (env: %s", opt.usage, config.EnvKey(opt.name))
		if value := defaultsByName[opt.name]; value != "" {
			desc += ", default: " + value
		}
		grouped[opt.group] = append(grouped[opt.group], cli.Option{Name: name, Desc: desc + ")"})
	}
	for _, group := range groups {
		cli.WriteOptionGroup(out, group, grouped[group])
	}
	cli.WriteOptionGroup(out, "General", []cli.Option{
		{Name: "--verbose", Desc: "Enable debug logging"},
		{Name: "--quiet", Desc: "Reduce logging to warnings"},
		{Name: "-h, --help", Desc: "Show help"},
		{Name: "-v, --version", Desc: "Print version and exit"},
	})
}

func logStartupConfig(logger *logging.Logger, cfg Config) {
	if logger == nil {
		return
	}
	names := make([]string, 0, len(cfg.Sources))
	for name := range cfg.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := logging.Fields{
		"listen":         cfg.Listen,
		"control_listen": cfg.ControlListen,
		"state_dir":      cfg.StateDir,
		"interpreter":    strings.Join(cfg.Interpreter, " "),
		"pty":            strconv.FormatBool(cfg.PTY),
		"lock_strategy":  cfg.LockStrategy.String(),
		"stale_timeout":  cfg.StaleTimeout.String(),
		"max_upload":     config.ByteSize(cfg.MaxUploadSize).String(),
	}
	for _, name := range names {
		if source := cfg.Sources[name]; source != sourceDefault {
			fields["source."+name] = string(source)
		}
	}
	logger.Info("startup config", fields)
}

func logVersionInfo(logger *logging.Logger) {
	if logger == nil {
		return
	}
	info := version.GetVersionInfo()
	fields := logging.Fields{"version": info.Version}
	if info.GitCommit != "" {
		fields["commit"] = info.GitCommit
	}
	if info.Built != "" {
		fields["built"] = info.Built
	}
	if info.GoVersion != "" {
		fields["go"] = info.GoVersion
	}
	logger.Info("sessionhost starting", fields)
}
