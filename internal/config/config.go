// Package config handles environment variable loading for the stand manager.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the application.
type Config struct {
	// Address where published container ports are reachable from outside.
	// This is the docker host address, never localhost (see Load).
	DomainName string

	// Ancestor image identifying stand containers on the docker host.
	Image string

	// Cap on concurrently running stands.
	MaxActiveStands int

	// Idle timeout before a started stand's tomcat is shut down. Zero disables.
	StopTimeout time.Duration

	// HTTP listen port
	HTTPPort int

	// Log level for slog
	LogLevel slog.Level

	// OTLP gRPC collector address. Empty disables tracing.
	OTELEndpoint string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	domainName := os.Getenv("DOMAIN_NAME")
	if domainName == "" {
		domainName = "172.17.0.1"
	}
	// Inside a container localhost is the container itself, not the docker
	// host, so published stand ports would never be reachable there.
	// Usually the ip of eth0 (the docker0 bridge) is correct.
	if domainName == "localhost" || domainName == "127.0.0.1" {
		return nil, fmt.Errorf("DOMAIN_NAME must not be localhost: docker host is not localhost for a container")
	}

	image := os.Getenv("IMAGE")
	if image == "" {
		image = "tandemservice/test-tools"
	}

	maxActive := 6
	if s := os.Getenv("MAX_ACTIVE_STANDS"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ACTIVE_STANDS: %w", err)
		}
		maxActive = n
	}

	stopTimeout := 480 * time.Second
	if s := os.Getenv("STOP_TIMEOUT"); s != "" {
		d, err := parseSeconds(s)
		if err != nil {
			return nil, fmt.Errorf("invalid STOP_TIMEOUT: %w", err)
		}
		stopTimeout = d
	}

	port := 8888
	if s := os.Getenv("PORT"); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		port = p
	}

	level := slog.LevelInfo
	if s := os.Getenv("LOG_LEVEL"); s != "" {
		l, err := parseLevel(s)
		if err != nil {
			return nil, err
		}
		level = l
	}

	return &Config{
		DomainName:      domainName,
		Image:           image,
		MaxActiveStands: maxActive,
		StopTimeout:     stopTimeout,
		HTTPPort:        port,
		LogLevel:        level,
		OTELEndpoint:    os.Getenv("OTEL_ENDPOINT"),
	}, nil
}

// parseSeconds accepts either a bare number of seconds ("480") or a Go
// duration string ("8m").
func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("must not be negative")
		}
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid LOG_LEVEL: %q", s)
}
