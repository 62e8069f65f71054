// Command someipd is the routing-host daemon: it loads the configuration,
// brings up the routing.Host and its Service Discovery engine, and blocks
// until signaled.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/pkg/config"
	"github.com/go-someip/someip/pkg/routing"
	"github.com/go-someip/someip/pkg/transport"
)

// Exit codes: 0 normal stop; non-zero for the named bring-up failures.
const (
	exitOK = iota
	exitConfigurationMissing
	exitPortConfigurationMissing
	exitClientEndpointCreationFailed
	exitServerEndpointCreationFailed
	exitServicePropertyMismatch
)

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("config", "", "path to the someip.ini configuration file")
	socketPath := flag.String("socket", "", "override the local rendezvous socket path")
	inspectAddr := flag.String("inspect-addr", "", "if set, serve the read-only diagnostics API on this address (e.g. :8080)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Error("failed to load configuration")
			os.Exit(exitConfigurationMissing)
		}
		cfg = loaded
	}
	if *socketPath != "" {
		cfg.LocalEndpointPath = *socketPath
	}
	if key, ok := conflictingService(cfg.Services); ok {
		log.WithFields(log.Fields{"service": key.Service, "instance": key.Instance}).
			Error("conflicting [service] sections for the same instance")
		os.Exit(exitServicePropertyMismatch)
	}

	logger := slog.Default()

	host := routing.NewHost(routing.HostConfig{LocalSocketPath: cfg.LocalEndpointPath}, logger)
	if err := host.Start(); err != nil {
		log.WithError(err).Error("failed to start local rendezvous listener")
		os.Exit(exitServerEndpointCreationFailed)
	}
	log.WithField("socket", cfg.LocalEndpointPath).Info("routing host listening")

	// Each configured service port gets its own listener feeding the host's
	// dispatcher, whether or not SD is advertising it.
	for _, svc := range cfg.Services {
		if svc.ReliablePort != 0 {
			srv := transport.NewTCPServer(fmt.Sprintf(":%d", svc.ReliablePort))
			srv.SetReceiveCallback(func(data []byte, from net.Addr) {
				host.HandleRemoteFrame(data, from, func(resp []byte) error {
					return srv.SendTo(from, resp, true)
				})
			})
			if err := srv.Start(); err != nil {
				log.WithError(err).WithField("port", svc.ReliablePort).Error("failed to start reliable service listener")
				os.Exit(exitServerEndpointCreationFailed)
			}
			defer srv.Stop()
		}
		if svc.UnreliablePort != 0 {
			srv := transport.NewUDPServer(fmt.Sprintf(":%d", svc.UnreliablePort))
			srv.SetReceiveCallback(func(data []byte, from net.Addr) {
				host.HandleRemoteFrame(data, from, func(resp []byte) error {
					return srv.SendTo(from, resp, true)
				})
			})
			if err := srv.Start(); err != nil {
				log.WithError(err).WithField("port", svc.UnreliablePort).Error("failed to start unreliable service listener")
				os.Exit(exitServerEndpointCreationFailed)
			}
			defer srv.Stop()
		}
	}

	if cfg.SDEnabled {
		if cfg.SDPort == 0 {
			log.Error("sd enabled but no sd port configured")
			os.Exit(exitPortConfigurationMissing)
		}
		multicastAddr := fmt.Sprintf("%s:%d", cfg.SDMulticastGroup, cfg.SDPort)
		sdEndpoint := transport.NewUDPServer(fmt.Sprintf(":%d", cfg.SDPort))
		if err := sdEndpoint.JoinMulticast(multicastAddr); err != nil {
			log.WithError(err).Error("failed to configure sd multicast group")
			os.Exit(exitClientEndpointCreationFailed)
		}
		if err := sdEndpoint.Start(); err != nil {
			log.WithError(err).Error("failed to start sd endpoint")
			os.Exit(exitClientEndpointCreationFailed)
		}
		defer sdEndpoint.Stop()

		discovery := routing.NewDiscovery(host.Manager(), sdEndpoint, cfg.SDTiming, someip.SDClientID, logger)
		host.SetDiscovery(discovery)

		for _, svc := range cfg.Services {
			reliableAddr, unreliableAddr := serviceAddrs(svc)
			owner := host.Manager().RegisterApplication(fmt.Sprintf("config:%d:%d", svc.Service, svc.Instance), nil)
			host.Manager().OfferService(owner, routing.ServiceKey{Service: svc.Service, Instance: svc.Instance}, svc.Major, svc.Minor, svc.TTL, nil, nil)
			discovery.OfferLocalService(routing.ServiceKey{Service: svc.Service, Instance: svc.Instance}, svc.Major, svc.Minor, reliableAddr, unreliableAddr)
		}
		log.WithField("count", len(cfg.Services)).Info("service discovery started")
	}

	if *inspectAddr != "" {
		inspect := routing.NewInspectServer(host)
		go func() {
			if err := inspect.ListenAndServe(*inspectAddr); err != nil {
				log.WithError(err).Warn("diagnostics server stopped")
			}
		}()
		log.WithField("addr", *inspectAddr).Info("diagnostics server listening")
	}

	waitForSignal()
	log.Info("shutting down")
	if err := host.Stop(); err != nil {
		log.WithError(err).Warn("error stopping routing host")
	}
	os.Exit(exitOK)
}

// conflictingService reports the first (service, instance) two config
// sections disagree about — same key, any other field different (versions,
// ports, TTL).
func conflictingService(services []config.ServiceConfig) (routing.ServiceKey, bool) {
	seen := make(map[routing.ServiceKey]config.ServiceConfig, len(services))
	for _, svc := range services {
		key := routing.ServiceKey{Service: svc.Service, Instance: svc.Instance}
		if prev, ok := seen[key]; ok && prev != svc {
			return key, true
		}
		seen[key] = svc
	}
	return routing.ServiceKey{}, false
}

// serviceAddrs turns a ServiceConfig's configured ports into the local
// addresses discovery.OfferLocalService advertises. A zero port means that
// transport is not offered for this service.
func serviceAddrs(svc config.ServiceConfig) (reliable, unreliable *net.UDPAddr) {
	if svc.ReliablePort != 0 {
		reliable = &net.UDPAddr{Port: int(svc.ReliablePort)}
	}
	if svc.UnreliablePort != 0 {
		unreliable = &net.UDPAddr{Port: int(svc.UnreliablePort)}
	}
	return reliable, unreliable
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
