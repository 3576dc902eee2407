// Package config holds the deployment configuration: environment-driven
// server/store/JWT settings plus a YAML file describing the provider backends
// and the behavioral settings map.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/ace-han/social-auth/pkg/backend"
)

type ServerConfig struct {
	Host string `env:"SERVER_HOST" env-default:"localhost"`
	Port string `env:"SERVER_PORT" env-default:"4000"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

type JwtConfig struct {
	Secret             string        `env:"JWT_SECRET" env-default:"very-secure-jwt-secret"`
	Issuer             string        `env:"JWT_ISSUER" env-default:"social-auth"`
	Audience           string        `env:"JWT_AUDIENCE" env-default:"public"`
	AccessTokenExpiry  time.Duration `env:"JWT_ACCESS_TOKEN_EXPIRY" env-default:"15m"`
	RefreshTokenExpiry time.Duration `env:"JWT_REFRESH_TOKEN_EXPIRY" env-default:"24h"`
}

type HandshakeConfig struct {
	// Store selects the correlation store: "memory" or "redis".
	Store string        `env:"HANDSHAKE_STORE" env-default:"memory"`
	TTL   time.Duration `env:"HANDSHAKE_TTL" env-default:"10m"`
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST" env-default:"localhost"`
	Port     uint16 `env:"REDIS_PORT" env-default:"6379"`
	Password string `env:"REDIS_PASSWORD" env-default:""`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type PostgresConfig struct {
	Host     string `env:"PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"PG_PORT" env-default:"5432"`
	Database string `env:"PG_DATABASE" env-default:"socialauth_db"`
	User     string `env:"PG_USER" env-default:"socialauth"`
	Password string `env:"PG_PASSWORD" env-default:"pwd"`
}

func (p PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		p.User, p.Password, p.Host, p.Port, p.Database)
}

type AuthConfig struct {
	// DefaultBackend is used when the caller names no backend.
	DefaultBackend string `env:"AUTH_DEFAULT_BACKEND" env-default:"oauth2"`

	// AllowedRedirectHosts is the redirect URI host allow-list.
	AllowedRedirectHosts []string `env:"AUTH_ALLOWED_REDIRECT_HOSTS" env-default:"localhost:3000"`

	// RedirectOnly rejects non-redirect backends at initiate time.
	RedirectOnly bool `env:"AUTH_REDIRECT_ONLY" env-default:"false"`

	// UserStore selects the identity store: "memory" or "postgres".
	UserStore string `env:"AUTH_USER_STORE" env-default:"memory"`

	// BackendsFile points at the YAML provider/settings file.
	BackendsFile string `env:"AUTH_BACKENDS_FILE" env-default:"backends.yaml"`
}

type Config struct {
	Server    ServerConfig
	Jwt       JwtConfig
	Handshake HandshakeConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Auth      AuthConfig
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read environment config: %w", err)
	}
	return cfg, nil
}

// BackendsFile is the YAML layout of the provider/settings file:
//
//	settings:
//	  CREATE_USERS: true
//	  FIELDS_STORED_IN_SESSION: [locale]
//	backends:
//	  - name: oauth2
//	    clientId: ...
type BackendsFile struct {
	Settings map[string]interface{} `yaml:"settings"`
	Backends []backend.Config       `yaml:"backends"`
}

// LoadBackendsFile parses the provider/settings YAML file.
func LoadBackendsFile(path string) (BackendsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return BackendsFile{}, fmt.Errorf("failed to read backends file %s: %w", path, err)
	}
	var file BackendsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return BackendsFile{}, fmt.Errorf("failed to parse backends file %s: %w", path, err)
	}
	for _, b := range file.Backends {
		if err := b.Validate(); err != nil {
			return BackendsFile{}, fmt.Errorf("invalid backend %q: %w", b.Name, err)
		}
	}
	if file.Settings == nil {
		file.Settings = make(map[string]interface{})
	}
	return file, nil
}
