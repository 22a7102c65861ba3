// wgconfd creates VPN devices from a YAML file, applies their peer
// configuration through the in-process admin client and keeps them up
// until signaled.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"github.com/muhtutorials/wgconf/conn"
	"github.com/muhtutorials/wgconf/ctl"
	"github.com/muhtutorials/wgconf/wgnl"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "wgconf.yaml", "path to the device configuration file")
		logLevel   = pflag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	)
	pflag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "wgconfd",
		Level: hclog.LevelFromString(*logLevel),
	})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	svc := wgnl.NewService(logger)
	client := ctl.New(svc, logger)

	for _, dc := range cfg.Devices {
		if err := setupDevice(svc, client, dc); err != nil {
			logger.Error("device setup failed", "device", dc.Name, "error", err)
			os.Exit(1)
		}
		logger.Info("device configured", "device", dc.Name, "peers", len(dc.Peers))
	}

	printDevices(client)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Info("shutting down", "signal", sig.String())

	for _, dc := range cfg.Devices {
		if err := svc.DeleteDevice(dc.Name); err != nil {
			logger.Error("device teardown failed", "device", dc.Name, "error", err)
		}
	}
}

func setupDevice(svc *wgnl.Service, client *ctl.Client, dc deviceConfig) error {
	wgCfg, err := dc.wgConfig()
	if err != nil {
		return err
	}
	dev, err := svc.CreateDevice(dc.Name, conn.New())
	if err != nil {
		return err
	}
	if err := client.ConfigureDevice(dc.Name, wgCfg); err != nil {
		return err
	}
	return dev.Up()
}

func printDevices(client *ctl.Client) {
	devs, err := client.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dump failed: %v\n", err)
		return
	}
	for _, d := range devs {
		fmt.Printf("interface: %s\n", d.Name)
		fmt.Printf("  public key: %s\n", d.PublicKey)
		fmt.Printf("  listening port: %d\n", d.ListenPort)
		for _, p := range d.Peers {
			fmt.Printf("  peer: %s\n", p.PublicKey)
			if p.Endpoint != nil {
				fmt.Printf("    endpoint: %s\n", p.Endpoint)
			}
			for _, ipn := range p.AllowedIPs {
				fmt.Printf("    allowed ips: %s\n", ipn.String())
			}
			if p.PersistentKeepaliveInterval > 0 {
				fmt.Printf("    persistent keepalive: every %s\n", p.PersistentKeepaliveInterval)
			}
		}
	}
}
