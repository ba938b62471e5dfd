package main

import (
	"net/url"
	"os"
	"time"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Origin server the controller fetches from.
	Origin string `yaml:"origin"`
	// Origin IP address, used with Host when Origin is empty.
	Addr string `yaml:"addr"`
	Host string `yaml:"host"`
	// Origin of the site as seen by browsers. Defaults to the origin server.
	Site        string        `yaml:"site"`
	App         string        `yaml:"app"`
	Version     string        `yaml:"version"`
	Manifest    []string      `yaml:"manifest"`
	OfflinePath string        `yaml:"offlinePath"`
	ScriptPath  string        `yaml:"scriptPath"`
	HoldWaiting bool          `yaml:"holdWaiting"`
	DB          string        `yaml:"db"`
	Port        int           `yaml:"port"`
	Timeout     time.Duration `yaml:"timeout"`
	// Route manifest of the site build.
	Routes string `yaml:"routes"`
	// Navigate all published routes after activation.
	Warm bool `yaml:"warm"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, errors.WithContext(
			errors.Wrap(err, errors.CodeNotFound, "could not read config"), "file", filename)
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, errors.WithContext(
			errors.Wrap(err, errors.CodeInvalidConfig, "could not parse config"), "file", filename)
	}
	return config, nil
}

// originURL returns the URL of the origin server.
func (c Config) originURL() (*url.URL, error) {
	raw := c.Origin
	if raw == "" && c.Addr != "" {
		raw = "https://" + c.Addr
	}
	if raw == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "please specify origin")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.WithContext(
			errors.New(errors.CodeInvalidConfig, "could not parse origin url"), "origin", raw)
	}
	return u, nil
}

// siteURL returns the origin browsers see, which is the host name when set
// and the origin server otherwise.
func (c Config) siteURL() (*url.URL, error) {
	if c.Site != "" {
		u, err := url.Parse(c.Site)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, errors.WithContext(
				errors.New(errors.CodeInvalidConfig, "could not parse site url"), "site", c.Site)
		}
		return u, nil
	}
	origin, err := c.originURL()
	if err != nil {
		return nil, err
	}
	if c.Host != "" {
		return &url.URL{Scheme: origin.Scheme, Host: c.Host}, nil
	}
	return origin, nil
}

// siteDefaulted reports whether the site origin falls back to the origin server.
// Browsers then have to reach the proxy under the origin server's name,
// otherwise every request is cross-origin and passes through.
func (c Config) siteDefaulted() bool {
	return c.Site == "" && c.Host == ""
}

// dbFilename maps the db setting to a storage file name.
func (c Config) dbFilename() string {
	switch c.DB {
	case "memory":
		return ""
	case "":
		return "offline-cache.db"
	}
	return c.DB
}
