package main

import (
	"context"
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_flexcan._tcp"

// registerMDNS is a hook for tests.
var registerMDNS = func(instance, service string, port int, txt []string) (func(), error) {
	svc, err := zeroconf.Register(instance, service, "local.", port, txt, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

// mdnsTXT describes the gateway to browsers.
func mdnsTXT(cfg *appConfig) []string {
	return []string{
		"device=" + cfg.name,
		"devtype=" + cfg.devType,
		"hal=" + cfg.hal,
		"version=" + version,
		"commit=" + commit,
	}
}

// runMDNS advertises the gateway until ctx ends. Disabled is a no-op.
func runMDNS(ctx context.Context, cfg *appConfig, port int) error {
	if !cfg.mdnsEnable {
		return nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = "flexcan-" + host
	}
	shutdown, err := registerMDNS(instance, mdnsServiceType, port, mdnsTXT(cfg))
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	<-ctx.Done()
	shutdown()
	return nil
}
