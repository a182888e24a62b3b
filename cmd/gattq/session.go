package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattq/internal/adapter/goble"
	"github.com/srg/gattq/internal/device"
	"github.com/srg/gattq/internal/peripheral"
	"github.com/srg/gattq/internal/registry"
	"github.com/srg/gattq/pkg/config"
)

// session bundles what every command needs: config, logger, the BLE host and a registry on top of it
type session struct {
	cfg      *config.Config
	logger   *logrus.Logger
	host     *goble.Host
	registry *registry.Registry
	progress io.Writer
}

// loadSettings resolves the config file and the logger for cmd
func loadSettings(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return nil, nil, err
	}

	configured := cfgPath != ""
	if !configured {
		if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
			configured = true
		}
	}

	logger, err := configureLogger(cmd, cfg, configured)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}

	host := goble.NewHost(logger)
	return &session{
		cfg:      cfg,
		logger:   logger,
		host:     host,
		registry: registry.New(host, cfg.PeripheralOptions(logger)),
		progress: cmd.ErrOrStderr(),
	}, nil
}

// connect connects to address and waits until services are discovered
func (s *session) connect(ctx context.Context, address string) (*peripheral.Peripheral, error) {
	p, fut, err := s.registry.Connect(address)
	if err != nil {
		return nil, err
	}

	s.logger.WithField("address", p.Address()).Info("Connecting...")
	progress := newProgressPrinter(s.progress, "Connecting to "+p.Address(), "Waiting for link", 0)
	progress.Start()
	_, err = fut.Wait(ctx)
	progress.Stop()
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", p.Address(), err)
	}
	return p, nil
}

// Close disconnects every live peripheral, waiting at most the disconnect timeout, and releases the host
func (s *session) Close() {
	timeout := s.cfg.DisconnectTimeout + time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.registry.Range(func(p *peripheral.Peripheral) bool {
		if p.State().IsLive() {
			if _, err := p.Disconnect().Wait(ctx); err != nil {
				s.logger.WithFields(logrus.Fields{
					"address": p.Address(),
					"error":   err,
				}).Warn("Disconnect did not complete")
			}
		}
		return true
	})

	s.registry.Close()
	if err := s.host.Close(); err != nil {
		s.logger.WithField("error", err).Debug("Failed to stop BLE host")
	}
}

// requestOptions converts a --timeout flag into request options; zero keeps the configured timeout
func requestOptions(timeout time.Duration) []peripheral.RequestOption {
	if timeout <= 0 {
		return nil
	}
	return []peripheral.RequestOption{peripheral.WithTimeout(timeout)}
}

// commandContext is cancelled by Ctrl+C or SIGTERM
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// validateAddress checks address before any BLE resource is touched
func validateAddress(address string) (string, error) {
	return device.ValidateAddress(address)
}
