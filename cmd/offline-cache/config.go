package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to the env tags of Config.
const envPrefix = "OFFLINE_CACHE_"

// Config is the deployment configuration.
// Values are read from the config file, then from the environment,
// then from command line flags; later sources win.
type Config struct {
	// Origin URL to proxy to.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname of origin, if the origin URL is an IP address.
	Host string `yaml:"host" env:"HOST"`
	// Scope the core assets are relative to. The origin root if empty.
	Scope string `yaml:"scope" env:"SCOPE"`
	// Version of the deployed application.
	Version      string   `yaml:"version" env:"VERSION"`
	CachePrefix  string   `yaml:"cachePrefix" env:"CACHE_PREFIX"`
	RuntimeCache string   `yaml:"runtimeCache" env:"RUNTIME_CACHE"`
	CoreAssets   []string `yaml:"coreAssets" env:"CORE_ASSETS"`
	Fallbacks    []string `yaml:"fallbacks" env:"FALLBACKS"`
	Port         int      `yaml:"port" env:"PORT"`
	// Hosts other than the origin that absolute-form requests may go to.
	CrossOriginHosts []string `yaml:"crossOriginHosts" env:"CROSS_ORIGIN_HOSTS"`
	// Cache provider, sqlite or memory.
	Provider string `yaml:"provider" env:"PROVIDER"`
	// Cache DB file name, "memory" for an in-memory db.
	DB        string `yaml:"db" env:"DB"`
	StateFile string `yaml:"stateFile" env:"STATE_FILE"`
}

func defaultConfig() Config {
	return Config{
		Port:      8080,
		Provider:  "sqlite",
		DB:        "cache.db",
		StateFile: "offline-cache.json",
	}
}

// loadConfig reads the configuration from all sources.
// The flag set must have been parsed.
func loadConfig(flags *flag.FlagSet) (Config, error) {
	config := defaultConfig()

	if filename, _ := flags.GetString("config"); filename != "" {
		b, err := os.ReadFile(filename)
		if err != nil {
			return config, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &config); err != nil {
			return config, fmt.Errorf("parse config %s: %w", filename, err)
		}
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}

	if flags.Changed("origin") {
		config.Origin, _ = flags.GetString("origin")
	}
	if flags.Changed("host") {
		config.Host, _ = flags.GetString("host")
	}
	if flags.Changed("app-version") {
		config.Version, _ = flags.GetString("app-version")
	}
	if flags.Changed("port") {
		config.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("provider") {
		config.Provider, _ = flags.GetString("provider")
	}
	if flags.Changed("db") {
		config.DB, _ = flags.GetString("db")
	}
	if flags.Changed("state-file") {
		config.StateFile, _ = flags.GetString("state-file")
	}

	return config, config.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.Origin == "" {
		errs = append(errs, errors.New("please specify origin"))
	}
	if c.Version == "" {
		errs = append(errs, errors.New("please specify version"))
	}
	if c.Provider != "sqlite" && c.Provider != "memory" {
		errs = append(errs, fmt.Errorf("unsupported cache provider: %s", c.Provider))
	}
	if c.Port <= 0 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Port))
	}
	return errors.Join(errs...)
}

func newFlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet("offline-cache", flag.ContinueOnError)
	flags.String("config", "", "Path to config file")
	flags.String("origin", "", "Origin URL to proxy to (overrides config)")
	flags.String("host", "", "Hostname of origin")
	flags.String("app-version", "", "Version of the deployed application (overrides config)")
	flags.Int("port", 8080, "Port to listen on")
	flags.String("provider", "sqlite", "Caching provider to use (sqlite or memory)")
	flags.String("db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flags.String("state-file", "offline-cache.json", "File to keep the registration state in")
	flags.Bool("watch", false, "Watch the config file and register new versions")
	flags.Bool("vv", false, "Verbosity: trace logging")
	flags.String("log-file", "", "Log file to use (in addition to stdout)")
	return flags
}
