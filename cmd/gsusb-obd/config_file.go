package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the flags. Pointer fields distinguish "absent" from a
// zero value so the file only overrides what it names.
type fileConfig struct {
	Device struct {
		VID          *string        `yaml:"vid"`
		PID          *string        `yaml:"pid"`
		Bitrate      *uint32        `yaml:"bitrate"`
		Loopback     *bool          `yaml:"loopback"`
		ListenOnly   *bool          `yaml:"listen_only"`
		Timeout      *time.Duration `yaml:"timeout"`
		PurgeTimeout *time.Duration `yaml:"purge_timeout"`
		Identify     *time.Duration `yaml:"identify"`
	} `yaml:"device"`
	Mode string `yaml:"mode"`
	OBD  struct {
		PollInterval *time.Duration `yaml:"poll_interval"`
		PIDs         []string       `yaml:"pids"`
	} `yaml:"obd"`
	Server struct {
		Listen      *string `yaml:"listen"`
		MetricsAddr *string `yaml:"metrics_addr"`
		HubBuffer   *int    `yaml:"hub_buffer"`
		HubPolicy   *string `yaml:"hub_policy"`
		MaxClients  *int    `yaml:"max_clients"`
	} `yaml:"server"`
	Log struct {
		Format          *string        `yaml:"format"`
		Level           *string        `yaml:"level"`
		MetricsInterval *time.Duration `yaml:"metrics_interval"`
	} `yaml:"log"`
	MDNS struct {
		Enable *bool   `yaml:"enable"`
		Name   *string `yaml:"name"`
	} `yaml:"mdns"`
	Mirror struct {
		Interface *string `yaml:"interface"`
		Buffer    *int    `yaml:"buffer"`
	} `yaml:"mirror"`
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfigFile(data)
}

func parseConfigFile(data []byte) (*fileConfig, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &fc, nil
}

// applyFileConfig copies every value present in fc into c unless the
// matching flag was set explicitly.
func applyFileConfig(c *appConfig, fc *fileConfig, set map[string]struct{}) error {
	unset := func(name string) bool { _, ok := set[name]; return !ok }
	if fc.Device.VID != nil && unset("vid") {
		v, err := parseHex16(*fc.Device.VID)
		if err != nil {
			return fmt.Errorf("device.vid: %w", err)
		}
		c.vid = v
	}
	if fc.Device.PID != nil && unset("pid") {
		v, err := parseHex16(*fc.Device.PID)
		if err != nil {
			return fmt.Errorf("device.pid: %w", err)
		}
		c.pid = v
	}
	if len(fc.OBD.PIDs) > 0 && unset("pids") {
		var ps []byte
		for _, s := range fc.OBD.PIDs {
			p, err := parsePIDs(s)
			if err != nil {
				return fmt.Errorf("obd.pids: %w", err)
			}
			ps = append(ps, p...)
		}
		c.pids = ps
	}
	if fc.Mode != "" && unset("mode") {
		c.mode = fc.Mode
	}
	setIf(fc.Device.Bitrate, unset("bitrate"), &c.bitrate)
	setIf(fc.Device.Loopback, unset("loopback"), &c.loopback)
	setIf(fc.Device.ListenOnly, unset("listen-only"), &c.listenOnly)
	setIf(fc.Device.Timeout, unset("timeout"), &c.timeout)
	setIf(fc.Device.PurgeTimeout, unset("purge-timeout"), &c.purgeTimeout)
	setIf(fc.Device.Identify, unset("identify"), &c.identify)
	setIf(fc.OBD.PollInterval, unset("poll-interval"), &c.pollInterval)
	setIf(fc.Server.Listen, unset("listen"), &c.listenAddr)
	setIf(fc.Server.MetricsAddr, unset("metrics-addr"), &c.metricsAddr)
	setIf(fc.Server.HubBuffer, unset("hub-buffer"), &c.hubBuffer)
	setIf(fc.Server.HubPolicy, unset("hub-policy"), &c.hubPolicy)
	setIf(fc.Server.MaxClients, unset("max-clients"), &c.maxClients)
	setIf(fc.Log.Format, unset("log-format"), &c.logFormat)
	setIf(fc.Log.Level, unset("log-level"), &c.logLevel)
	setIf(fc.Log.MetricsInterval, unset("log-metrics-interval"), &c.logMetricsEvery)
	setIf(fc.MDNS.Enable, unset("mdns-enable"), &c.mdnsEnable)
	setIf(fc.MDNS.Name, unset("mdns-name"), &c.mdnsName)
	setIf(fc.Mirror.Interface, unset("can-mirror"), &c.canMirror)
	setIf(fc.Mirror.Buffer, unset("mirror-buffer"), &c.mirrorBuffer)
	return nil
}

func setIf[T any](v *T, ok bool, dst *T) {
	if v != nil && ok {
		*dst = *v
	}
}
