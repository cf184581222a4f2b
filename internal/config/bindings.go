package config

import (
	"strconv"
	"time"
)

type binding struct {
	usage string
	set   func(c *Config, v string) error
	get   func(c *Config) string
}

func stringKey(usage string, field func(*Config) *string) binding {
	return binding{
		usage: usage,
		set:   func(c *Config, v string) error { *field(c) = v; return nil },
		get:   func(c *Config) string { return *field(c) },
	}
}

func intKey(usage string, field func(*Config) *int) binding {
	return binding{
		usage: usage,
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*field(c) = n
			return nil
		},
		get: func(c *Config) string { return strconv.Itoa(*field(c)) },
	}
}

func int64Key(usage string, field func(*Config) *int64) binding {
	return binding{
		usage: usage,
		set: func(c *Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			*field(c) = n
			return nil
		},
		get: func(c *Config) string { return strconv.FormatInt(*field(c), 10) },
	}
}

func floatKey(usage string, field func(*Config) *float64) binding {
	return binding{
		usage: usage,
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			*field(c) = f
			return nil
		},
		get: func(c *Config) string { return strconv.FormatFloat(*field(c), 'g', -1, 64) },
	}
}

func boolKey(usage string, field func(*Config) *bool) binding {
	return binding{
		usage: usage,
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*field(c) = b
			return nil
		},
		get: func(c *Config) string { return strconv.FormatBool(*field(c)) },
	}
}

func durationKey(usage string, field func(*Config) *time.Duration) binding {
	return binding{
		usage: usage,
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*field(c) = d
			return nil
		},
		get: func(c *Config) string { return field(c).String() },
	}
}

var bindings = map[string]binding{
	"host":            stringKey("interface to listen on", func(c *Config) *string { return &c.Host }),
	"port":            intKey("port to listen on", func(c *Config) *int { return &c.Port }),
	"tls-cert-file":   stringKey("TLS certificate file (PEM); enables HTTPS with --tls-key-file", func(c *Config) *string { return &c.TLS.CertFile }),
	"tls-key-file":    stringKey("TLS private key file (PEM)", func(c *Config) *string { return &c.TLS.KeyFile }),
	"pool-size":       intKey("number of connection workers", func(c *Config) *int { return &c.PoolSize }),
	"queue-size":      intKey("accepted connections waiting for a worker", func(c *Config) *int { return &c.QueueSize }),
	"read-timeout":    durationKey("time allowed to read a request", func(c *Config) *time.Duration { return &c.ReadTimeout }),
	"write-timeout":   durationKey("time allowed to write a response", func(c *Config) *time.Duration { return &c.WriteTimeout }),
	"request-timeout": durationKey("requests running longer are logged", func(c *Config) *time.Duration { return &c.RequestTimeout }),
	"session-timeout": durationKey("idle time before a session expires; 0 never expires", func(c *Config) *time.Duration { return &c.SessionTimeout }),
	"root":            stringKey("static content directory", func(c *Config) *string { return &c.Root }),
	"upload-dir":      stringKey("directory receiving uploaded files", func(c *Config) *string { return &c.UploadDir }),
	"max-upload-bytes": int64Key("largest multipart body accepted",
		func(c *Config) *int64 { return &c.MaxUploadBytes }),
	"require-auth":     boolKey("send unauthenticated requests to the login page", func(c *Config) *bool { return &c.RequireAuth }),
	"gzip":             boolKey("compress responses for clients accepting gzip", func(c *Config) *bool { return &c.Gzip }),
	"content-types":    stringKey("YAML file of extension to MIME type overrides", func(c *Config) *string { return &c.ContentTypes }),
	"cache-dir":        stringKey("content cache directory", func(c *Config) *string { return &c.Cache.Dir }),
	"cache-archive":    stringKey("zip file unpacked into the content cache at startup", func(c *Config) *string { return &c.Cache.Archive }),
	"cache-max-bytes":  int64Key("memory held by the content cache", func(c *Config) *int64 { return &c.Cache.MaxBytes }),
	"users-provider":   stringKey("users provider: file, ldap, sso or stub", func(c *Config) *string { return &c.Users.Provider }),
	"users-file":       stringKey("YAML users file", func(c *Config) *string { return &c.Users.File }),
	"ldap-url":         stringKey("LDAP server URL", func(c *Config) *string { return &c.Users.LDAP.URL }),
	"ldap-principal":   stringKey("LDAP bind DN template, {username} is replaced", func(c *Config) *string { return &c.Users.LDAP.Principal }),
	"ldap-admin":       stringKey("local account granted admin on LDAP login", func(c *Config) *string { return &c.Users.LDAP.Admin }),
	"ldap-start-tls":   boolKey("upgrade LDAP connections with StartTLS", func(c *Config) *bool { return &c.Users.LDAP.StartTLS }),
	"sso-url":          stringKey("SSO token validation endpoint", func(c *Config) *string { return &c.Users.SSO.URL }),
	"sso-cookie":       stringKey("name of the SSO token cookie", func(c *Config) *string { return &c.Users.SSO.CookieName }),
	"rate-limit":       floatKey("connections per second per client address; 0 disables", func(c *Config) *float64 { return &c.RateLimit }),
	"rate-burst":       intKey("burst allowed above the rate limit", func(c *Config) *int { return &c.RateBurst }),
	"metrics-enabled":  boolKey("serve prometheus metrics", func(c *Config) *bool { return &c.Metrics.Enabled }),
	"metrics-addr":     stringKey("metrics server address", func(c *Config) *string { return &c.Metrics.Addr }),
	"log-level":        stringKey("debug, info, warn or error", func(c *Config) *string { return &c.Log.Level }),
	"log-format":       stringKey("text or json", func(c *Config) *string { return &c.Log.Format }),
}
