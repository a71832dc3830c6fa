package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/gsusb-obd/internal/gsusb"
	"github.com/kstaniek/gsusb-obd/internal/obd"
)

const (
	modeOBD     = "obd"
	modeMonitor = "monitor"
)

type appConfig struct {
	configPath      string
	vid             uint16
	pid             uint16
	bitrate         uint32
	loopback        bool
	listenOnly      bool
	timeout         time.Duration
	purgeTimeout    time.Duration
	mode            string
	pollInterval    time.Duration
	pids            []byte
	identify        time.Duration
	listenAddr      string
	metricsAddr     string
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration
	hubBuffer       int
	hubPolicy       string
	maxClients      int
	mdnsEnable      bool
	mdnsName        string
	canMirror       string
	mirrorBuffer    int
}

var defaultPIDs = []byte{obd.PIDEngineRPM, obd.PIDVehicleSpeed, obd.PIDCoolantTemp, obd.PIDThrottlePosition}

// parseFlags builds the configuration from args, GSUSB_* environment and an
// optional YAML file. An explicitly set flag wins over env, env over file.
func parseFlags(args []string, stderr io.Writer) (*appConfig, bool, error) {
	fs := flag.NewFlagSet("gsusb-obd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := &appConfig{}
	configPath := fs.String("config", "", "YAML config file (optional)")
	vid := fs.String("vid", fmt.Sprintf("%04x", gsusb.VendorID), "USB vendor id (hex)")
	pid := fs.String("pid", fmt.Sprintf("%04x", gsusb.ProductID), "USB product id (hex)")
	bitrate := fs.Uint("bitrate", uint(obd.DefaultBitrate), "CAN bitrate in bit/s")
	loopback := fs.Bool("loopback", false, "Start the channel in loopback mode")
	listenOnly := fs.Bool("listen-only", false, "Start the channel in listen-only mode (monitor mode only)")
	timeout := fs.Duration("timeout", gsusb.DefaultTimeout, "USB transfer timeout")
	purgeTimeout := fs.Duration("purge-timeout", gsusb.DefaultPurgeTimeout, "Receive wait after which the queue counts as empty")
	mode := fs.String("mode", modeOBD, "Run mode: obd|monitor")
	pollInterval := fs.Duration("poll-interval", time.Second, "OBD poll interval")
	pids := fs.String("pids", formatPIDs(defaultPIDs), "Comma separated hex PIDs to poll")
	identify := fs.Duration("identify", 0, "Blink the adapter LED for this long at startup (0 disables)")
	listen := fs.String("listen", ":8080", "Telemetry HTTP/WebSocket listen address")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	logMetricsEvery := fs.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	hubBuf := fs.Int("hub-buffer", 256, "Per-client feed buffer (messages)")
	hubPolicy := fs.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	maxClients := fs.Int("max-clients", 0, "Maximum simultaneous feed clients (0 = unlimited)")
	mdnsEnable := fs.Bool("mdns-enable", false, "Enable mDNS advertisement of the telemetry service")
	mdnsName := fs.String("mdns-name", "", "mDNS instance name (default gsusb-obd-<hostname>)")
	canMirror := fs.String("can-mirror", "", "SocketCAN interface to mirror received frames to (monitor mode); empty disables")
	mirrorBuf := fs.Int("mirror-buffer", 512, "SocketCAN mirror queue length")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return nil, true, nil
	}

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	var perr error
	cfg.configPath = *configPath
	cfg.vid, perr = parseHex16(*vid)
	if perr != nil {
		return nil, false, fmt.Errorf("vid: %w", perr)
	}
	cfg.pid, perr = parseHex16(*pid)
	if perr != nil {
		return nil, false, fmt.Errorf("pid: %w", perr)
	}
	cfg.bitrate = uint32(*bitrate)
	cfg.loopback = *loopback
	cfg.listenOnly = *listenOnly
	cfg.timeout = *timeout
	cfg.purgeTimeout = *purgeTimeout
	cfg.mode = *mode
	cfg.pollInterval = *pollInterval
	cfg.pids, perr = parsePIDs(*pids)
	if perr != nil {
		return nil, false, fmt.Errorf("pids: %w", perr)
	}
	cfg.identify = *identify
	cfg.listenAddr = *listen
	cfg.metricsAddr = *metricsAddr
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.maxClients = *maxClients
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.canMirror = *canMirror
	cfg.mirrorBuffer = *mirrorBuf

	if _, ok := setFlags["config"]; !ok {
		if v, ok := os.LookupEnv("GSUSB_CONFIG"); ok && strings.TrimSpace(v) != "" {
			cfg.configPath = strings.TrimSpace(v)
		}
	}
	if cfg.configPath != "" {
		fc, err := loadConfigFile(cfg.configPath)
		if err != nil {
			return nil, false, err
		}
		if err := applyFileConfig(cfg, fc, setFlags); err != nil {
			return nil, false, fmt.Errorf("config file %s: %w", cfg.configPath, err)
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.mode {
	case modeOBD, modeMonitor:
	default:
		return fmt.Errorf("invalid mode: %s", c.mode)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.bitrate == 0 || c.bitrate > 1_000_000 {
		return fmt.Errorf("bitrate must be in 1..1000000 (got %d)", c.bitrate)
	}
	if c.timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.purgeTimeout <= 0 {
		return fmt.Errorf("purge-timeout must be > 0")
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.identify < 0 {
		return fmt.Errorf("identify must be >= 0")
	}
	if c.mode == modeOBD {
		if c.pollInterval <= 0 {
			return fmt.Errorf("poll-interval must be > 0")
		}
		if len(c.pids) == 0 {
			return fmt.Errorf("pids must not be empty in obd mode")
		}
		for _, p := range c.pids {
			if _, ok := obd.Lookup(p); !ok {
				return fmt.Errorf("pid 0x%02X has no decoder", p)
			}
		}
		if c.listenOnly {
			return fmt.Errorf("listen-only cannot send obd requests")
		}
	}
	if c.canMirror != "" && c.mirrorBuffer <= 0 {
		return fmt.Errorf("mirror-buffer must be > 0 (got %d)", c.mirrorBuffer)
	}
	return nil
}

// applyEnvOverrides maps GSUSB_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations use time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	get := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := get(flagName, key); ok {
			*dst = v
		}
	}
	integer := func(flagName, key string, min int, dst *int) {
		if v, ok := get(flagName, key); ok {
			n, err := strconv.Atoi(v)
			if err == nil && n < min {
				err = fmt.Errorf("%d below %d", n, min)
			}
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	duration := func(flagName, key string, dst *time.Duration) {
		if v, ok := get(flagName, key); ok {
			d, err := time.ParseDuration(v)
			if err == nil && d < 0 {
				err = fmt.Errorf("negative duration %s", v)
			}
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName, key string, dst *bool) {
		if v, ok := get(flagName, key); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(key, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}
	hex16 := func(flagName, key string, dst *uint16) {
		if v, ok := get(flagName, key); ok {
			n, err := parseHex16(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}

	hex16("vid", "GSUSB_VID", &c.vid)
	hex16("pid", "GSUSB_PID", &c.pid)
	if v, ok := get("bitrate", "GSUSB_BITRATE"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.bitrate = uint32(n)
		} else {
			fail("GSUSB_BITRATE", err)
		}
	}
	boolean("loopback", "GSUSB_LOOPBACK", &c.loopback)
	boolean("listen-only", "GSUSB_LISTEN_ONLY", &c.listenOnly)
	duration("timeout", "GSUSB_TIMEOUT", &c.timeout)
	duration("purge-timeout", "GSUSB_PURGE_TIMEOUT", &c.purgeTimeout)
	str("mode", "GSUSB_MODE", &c.mode)
	duration("poll-interval", "GSUSB_POLL_INTERVAL", &c.pollInterval)
	if v, ok := get("pids", "GSUSB_PIDS"); ok {
		if ps, err := parsePIDs(v); err == nil {
			c.pids = ps
		} else {
			fail("GSUSB_PIDS", err)
		}
	}
	duration("identify", "GSUSB_IDENTIFY", &c.identify)
	str("listen", "GSUSB_LISTEN", &c.listenAddr)
	if _, ok := set["metrics-addr"]; !ok {
		// empty is meaningful here: it disables the metrics server
		if v, ok := os.LookupEnv("GSUSB_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	str("log-format", "GSUSB_LOG_FORMAT", &c.logFormat)
	str("log-level", "GSUSB_LOG_LEVEL", &c.logLevel)
	duration("log-metrics-interval", "GSUSB_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	integer("hub-buffer", "GSUSB_HUB_BUFFER", 1, &c.hubBuffer)
	str("hub-policy", "GSUSB_HUB_POLICY", &c.hubPolicy)
	integer("max-clients", "GSUSB_MAX_CLIENTS", 0, &c.maxClients)
	boolean("mdns-enable", "GSUSB_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "GSUSB_MDNS_NAME", &c.mdnsName)
	str("can-mirror", "GSUSB_CAN_MIRROR", &c.canMirror)
	integer("mirror-buffer", "GSUSB_MIRROR_BUFFER", 1, &c.mirrorBuffer)
	return firstErr
}

// parseHex16 accepts "1d50", "0x1d50" or "0X1D50".
func parseHex16(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// parsePIDs parses a comma separated list of hex PIDs such as "0c,0x0d,5".
func parsePIDs(s string) ([]byte, error) {
	var out []byte
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		part = strings.TrimPrefix(strings.TrimPrefix(part, "0x"), "0X")
		n, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("pid %q: %w", part, err)
		}
		out = append(out, byte(n))
	}
	return out, nil
}

func formatPIDs(ps []byte) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = fmt.Sprintf("%02x", p)
	}
	return strings.Join(parts, ",")
}
