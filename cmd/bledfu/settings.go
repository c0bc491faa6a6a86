package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bledfu/internal/connection"
	"github.com/srg/bledfu/internal/device"
	"github.com/srg/bledfu/internal/devicefactory"
	"github.com/srg/bledfu/pkg/config"
)

// newCentral is the backend constructor; tests swap it for a fake.
var newCentral = devicefactory.NewCentral

// settings is what every command needs after flag parsing.
type settings struct {
	cfg    *config.Config
	logger *logrus.Logger
}

// loadSettings reads the config file and applies global flag overrides.
func loadSettings(cmd *cobra.Command) (*settings, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Backend = backend
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	return &settings{cfg: cfg, logger: logger}, nil
}

func (s *settings) central() (device.Central, error) {
	return newCentral(s.cfg.Backend, devicefactory.Options{ConnectTimeout: s.cfg.ConnectTimeout}, s.logger)
}

// manager builds a connection manager over a fresh central.
func (s *settings) manager(autoConnect, chooseFirst bool) (*connection.Manager, error) {
	central, err := s.central()
	if err != nil {
		return nil, err
	}
	return connection.New(central, connection.Options{
		AutoConnect: autoConnect,
		ChooseFirst: chooseFirst,
		Profile:     s.cfg.Profile,
		ChunkSize:   s.cfg.ChunkSize,
		Logger:      s.logger,
	}), nil
}
