package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_gsusb-obd._tcp"

// registerMDNS is swapped in tests.
var registerMDNS = func(instance, service, domain string, port int, txt []string) (func(), error) {
	svc, err := zeroconf.Register(instance, service, domain, port, txt, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

// startMDNS advertises the telemetry service and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("gsusb-obd-%s", host)
	}
	meta := []string{
		"mode=" + cfg.mode,
		"bitrate=" + strconv.FormatUint(uint64(cfg.bitrate), 10),
		"path=/ws",
		"version=" + version,
		"commit=" + commit,
	}
	shutdown, err := registerMDNS(instance, mdnsServiceType, "local.", port, meta)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}

// portOf extracts the port from a bound listener address.
func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}
