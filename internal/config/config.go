// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Service configuration package.

// This package includes both compile-time and run-time configuration of the
// deception service. Variables are made configurable at run-time when
// necessary for operators.

package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lurelab/decoy/internal/dclib/dcerrors"
	"github.com/lurelab/decoy/internal/plog"

	"github.com/spf13/viper"
)

type Config struct {
	*viper.Viper
}

// Service emulation banners, sent right after a connection is accepted on the
// corresponding port. Response template text the response engine consults;
// not logic.
var ServiceBanners = map[int]string{
	21:  "220 FTP server ready\r\n",
	22:  "SSH-2.0-OpenSSH_8.2p1 Ubuntu-4ubuntu0.1\r\n",
	80:  "HTTP/1.1 200 OK\r\nServer: Apache/2.4.41 (Ubuntu)\r\n\r\n",
	443: "HTTP/1.1 200 OK\r\nServer: Apache/2.4.41 (Ubuntu)\r\n\r\n",
}

// HTTP paths that attract automated scanners. A GET on any of them is
// answered with a redirect to the fake login page.
var DefaultLurePaths = []string{
	"/wp-admin",
	"/wp-login.php",
	"/admin",
	"/administrator",
	"/phpmyadmin",
}

const (
	// Maximum number of bytes read from a connection per message.
	ConnReadBufferLength = 1024

	// Error metrics store period.
	ErrorMetricsPeriod = time.Minute

	// Heartbeat period of the agent main loop: metrics flushing and idle
	// profile sweeping.
	AgentHeartbeat = time.Minute

	// Profiles idle for longer than this are swept at heartbeat. Longer than
	// every detector window so detection semantics are unaffected.
	ProfileIdleTimeout = 10 * time.Minute

	// Bounded grace period left to in-flight connections at shutdown.
	ShutdownGracePeriod = 10 * time.Second

	// Timeout value of a classifier-service HTTP request.
	ClassifierRequestTimeout = 5 * time.Second

	// Label returned when the classifier service fails or returns nothing:
	// unknown outcomes are treated as non-benign.
	ClassifierFallbackLabel = "SUSPICIOUS"
)

// Event queue and batch configuration.
const (
	EventQueueDefaultLength = 10000
	// EventBatchMaxStaleness is the time after which the data in the event
	// manager's batch is considered too old and is therefore immediately
	// written out, without waiting for the batch to become full.
	EventBatchMaxStaleness = 20 * time.Second
	EventBatchLength       = 100
)

const (
	configEnvPrefix    = `decoy`
	configFileBasename = `decoy`
)

const (
	configEnvKeyConfigFile = `config_file`

	configKeyBindAddress        = `bind_address`
	configKeyPorts              = `ports`
	configKeyClassifierPort     = `classifier_port`
	configKeyClassifierURL      = `classifier_url`
	configKeyLogLevel           = `log_level`
	configKeyFriendlyPrefixes   = `friendly_prefixes`
	configKeyInternalPrefixes   = `internal_prefixes`
	configKeyFloodWindow        = `flood_window`
	configKeyFloodThreshold     = `flood_threshold`
	configKeySlowWindow         = `slow_window`
	configKeySlowMinCount       = `slow_min_count`
	configKeySlowMinDuration    = `slow_min_duration`
	configKeyAggressiveAttempts = `aggressive_attempts`
	configKeyStrictAttempts     = `strict_attempts`
	configKeyBanDuration        = `ban_duration`
	configKeyIdleTimeout        = `idle_timeout`
	configKeyResponseDelay      = `response_delay`
	configKeyActivityLog        = `activity_log`
	configKeyActivityLogMaxSize = `activity_log_max_size_mb`
	configKeyActivityLogMaxAge  = `activity_log_max_age_days`
	configKeyAcceptRate         = `accept_rate`
	configKeyAcceptBurst        = `accept_burst`
)

// User configuration's default values.
const (
	configDefaultBindAddress        = `0.0.0.0`
	configDefaultLogLevel           = `info`
	configDefaultFloodWindow        = 5 * time.Second
	configDefaultFloodThreshold     = 20
	configDefaultSlowWindow         = 30 * time.Second
	configDefaultSlowMinCount       = 10
	configDefaultSlowMinDuration    = 20 * time.Second
	configDefaultAggressiveAttempts = 10
	configDefaultStrictAttempts     = 5
	configDefaultBanDuration        = 60 * time.Second
	configDefaultIdleTimeout        = 5 * time.Second
	configDefaultResponseDelay      = 3 * time.Second
	configDefaultActivityLog        = `honeypot_logs/activity.json`
	configDefaultActivityLogMaxSize = 100
	configDefaultActivityLogMaxAge  = 7
	configDefaultAcceptRate         = 100
	configDefaultAcceptBurst        = 200
)

var configDefaultPorts = []int{21, 22, 80, 443}

func New(logger *plog.Logger) (*Config, error) {
	manager := viper.New()
	manager.SetEnvPrefix(configEnvPrefix)
	manager.AutomaticEnv()
	manager.SetConfigName(configFileBasename)

	// Default values of configurable parameters
	parameters := []struct {
		key          string
		defaultValue interface{}
	}{
		{key: configKeyBindAddress, defaultValue: configDefaultBindAddress},
		{key: configKeyPorts, defaultValue: configDefaultPorts},
		{key: configKeyClassifierPort, defaultValue: 0},
		{key: configKeyClassifierURL, defaultValue: ""},
		{key: configKeyLogLevel, defaultValue: configDefaultLogLevel},
		{key: configKeyFriendlyPrefixes, defaultValue: []string{"192.168."}},
		{key: configKeyInternalPrefixes, defaultValue: []string{"10."}},
		{key: configKeyFloodWindow, defaultValue: configDefaultFloodWindow},
		{key: configKeyFloodThreshold, defaultValue: configDefaultFloodThreshold},
		{key: configKeySlowWindow, defaultValue: configDefaultSlowWindow},
		{key: configKeySlowMinCount, defaultValue: configDefaultSlowMinCount},
		{key: configKeySlowMinDuration, defaultValue: configDefaultSlowMinDuration},
		{key: configKeyAggressiveAttempts, defaultValue: configDefaultAggressiveAttempts},
		{key: configKeyStrictAttempts, defaultValue: configDefaultStrictAttempts},
		{key: configKeyBanDuration, defaultValue: configDefaultBanDuration},
		{key: configKeyIdleTimeout, defaultValue: configDefaultIdleTimeout},
		{key: configKeyResponseDelay, defaultValue: configDefaultResponseDelay},
		{key: configKeyActivityLog, defaultValue: configDefaultActivityLog},
		{key: configKeyActivityLogMaxSize, defaultValue: configDefaultActivityLogMaxSize},
		{key: configKeyActivityLogMaxAge, defaultValue: configDefaultActivityLogMaxAge},
		{key: configKeyAcceptRate, defaultValue: configDefaultAcceptRate},
		{key: configKeyAcceptBurst, defaultValue: configDefaultAcceptBurst},
	}
	for _, p := range parameters {
		manager.SetDefault(p.key, p.defaultValue)
	}

	// Configuration file settings
	configFileEnvVar := strings.ToUpper(configEnvPrefix + "_" + configEnvKeyConfigFile)
	configFile := os.Getenv(configFileEnvVar)
	if configFile != "" {
		// File location enforced by the user
		manager.SetConfigFile(configFile)
		logger.Infof("config: configuration file enforced by the environment variable `%s` to `%s`", configFileEnvVar, configFile)
	} else {
		// Not enforced: add possible paths in precedence order
		// 1. Current working directory path:
		manager.AddConfigPath(`.`)
		// 2. Executable path
		exec, err := os.Executable()
		if err != nil {
			logger.Error(dcerrors.Wrap(err, "config: could not read the executable file path"))
		} else {
			manager.AddConfigPath(filepath.Dir(exec))
		}
	}
	// Try to read a configuration file according to the previous settings
	if readErr, fileUsed := manager.ReadInConfig(), manager.ConfigFileUsed(); readErr != nil && fileUsed != "" {
		// Could not read despite the fact of having found a file
		logger.Error(dcerrors.Wrapf(readErr, "config: could not read the configuration file `%s`: falling back to environment variables", fileUsed))
	} else if fileUsed != "" {
		// A file was found and no error reading it
		logger.Infof("config: reading configuration settings from file `%s`", fileUsed)
	} else {
		logger.Infof("config: reading configuration settings from environment variables")
	}

	cfg := &Config{Viper: manager}
	if cfg.LogLevel() == plog.Debug {
		for _, p := range parameters {
			logger.Infof("config: setting: %s = %q", p.key, cfg.GetString(p.key))
		}
	}

	if err := cfg.health(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// BindAddress returns the local address the listeners bind to.
func (c *Config) BindAddress() string {
	return sanitizeString(c.GetString(configKeyBindAddress))
}

// Ports returns the set of emulated service ports to listen on.
func (c *Config) Ports() []int {
	return c.GetIntSlice(configKeyPorts)
}

// ClassifierPort returns the auxiliary classifier-only port. Zero disables it.
func (c *Config) ClassifierPort() int {
	return c.GetInt(configKeyClassifierPort)
}

// ClassifierURL returns the base URL of the external classifier service.
// Empty when the ML-assisted deployment is disabled.
func (c *Config) ClassifierURL() string {
	return sanitizeString(c.GetString(configKeyClassifierURL))
}

// LogLevel returns the log level.
func (c *Config) LogLevel() plog.LogLevel {
	return plog.ParseLogLevel(sanitizeString(c.GetString(configKeyLogLevel)))
}

// FriendlyPrefixes returns the address prefixes exempted from hostile
// classification. Entries are CIDRs or dotted prefixes such as `192.168.`.
func (c *Config) FriendlyPrefixes() []string {
	return c.GetStringSlice(configKeyFriendlyPrefixes)
}

// InternalPrefixes returns the internal-but-unauthenticated address prefixes
// classified strict.
func (c *Config) InternalPrefixes() []string {
	return c.GetStringSlice(configKeyInternalPrefixes)
}

// FloodWindow returns the flood detector's sliding window.
func (c *Config) FloodWindow() time.Duration {
	return positiveDuration(c.GetDuration(configKeyFloodWindow), configDefaultFloodWindow)
}

// FloodThreshold returns the number of observations within the flood window
// above which a source is flagged as flooding.
func (c *Config) FloodThreshold() int {
	return positiveInt(c.GetInt(configKeyFloodThreshold), configDefaultFloodThreshold)
}

// SlowWindow returns the slow-connection detector's observation window.
func (c *Config) SlowWindow() time.Duration {
	return positiveDuration(c.GetDuration(configKeySlowWindow), configDefaultSlowWindow)
}

// SlowMinCount returns the low-activity threshold below which a long-lived
// connection is considered a slow attack.
func (c *Config) SlowMinCount() int {
	return positiveInt(c.GetInt(configKeySlowMinCount), configDefaultSlowMinCount)
}

// SlowMinDuration returns the minimum elapsed time since the earliest
// observation for the slow-connection detector to fire.
func (c *Config) SlowMinDuration() time.Duration {
	return positiveDuration(c.GetDuration(configKeySlowMinDuration), configDefaultSlowMinDuration)
}

// AggressiveAttempts returns the attempt count above which a source is
// classified aggressive.
func (c *Config) AggressiveAttempts() int {
	return positiveInt(c.GetInt(configKeyAggressiveAttempts), configDefaultAggressiveAttempts)
}

// StrictAttempts returns the attempt count above which a source is classified
// strict.
func (c *Config) StrictAttempts() int {
	return positiveInt(c.GetInt(configKeyStrictAttempts), configDefaultStrictAttempts)
}

// BanDuration returns the lifetime of an installed ban entry.
func (c *Config) BanDuration() time.Duration {
	return positiveDuration(c.GetDuration(configKeyBanDuration), configDefaultBanDuration)
}

// IdleTimeout returns the per-connection idle-read timeout.
func (c *Config) IdleTimeout() time.Duration {
	return positiveDuration(c.GetDuration(configKeyIdleTimeout), configDefaultIdleTimeout)
}

// ResponseDelay returns the deliberate delay applied to responses served to
// slow-connection attackers.
func (c *Config) ResponseDelay() time.Duration {
	return positiveDuration(c.GetDuration(configKeyResponseDelay), configDefaultResponseDelay)
}

// ActivityLog returns the JSON-lines activity log file path.
func (c *Config) ActivityLog() string {
	return sanitizeString(c.GetString(configKeyActivityLog))
}

// ActivityLogMaxSize returns the size in megabytes after which the activity
// log is rotated.
func (c *Config) ActivityLogMaxSize() int {
	return positiveInt(c.GetInt(configKeyActivityLogMaxSize), configDefaultActivityLogMaxSize)
}

// ActivityLogMaxAge returns the number of days rotated activity logs are kept.
func (c *Config) ActivityLogMaxAge() int {
	return positiveInt(c.GetInt(configKeyActivityLogMaxAge), configDefaultActivityLogMaxAge)
}

// AcceptRate returns the per-listener accepted-connections rate limit, in
// connections per second.
func (c *Config) AcceptRate() int {
	return positiveInt(c.GetInt(configKeyAcceptRate), configDefaultAcceptRate)
}

// AcceptBurst returns the per-listener accept burst size.
func (c *Config) AcceptBurst() int {
	return positiveInt(c.GetInt(configKeyAcceptBurst), configDefaultAcceptBurst)
}

func sanitizeString(s string) string {
	return strings.TrimSpace(s)
}

func positiveInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func positiveDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func (c *Config) health() error {
	if len(c.Ports()) == 0 && c.ClassifierPort() == 0 {
		return dcerrors.New("config: no port to listen on")
	}

	for _, port := range append(c.Ports(), c.ClassifierPort()) {
		if port < 0 || port > 65535 {
			return dcerrors.Errorf("config: invalid port number `%d`", port)
		}
	}

	if u := c.ClassifierURL(); u != "" {
		if _, err := url.Parse(u); err != nil {
			return dcerrors.Wrapf(err, "config: invalid classifier service URL `%s`", u)
		}
	}

	return nil
}
