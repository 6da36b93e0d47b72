// Package config loads service configuration from the environment.
package config

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config carries every tunable of the service. Field names map to the
// environment variables via the envconfig tags; defaults match the
// docker-compose development setup.
type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	Env      string `envconfig:"ENV" default:"dev"`

	DBDSN    string `envconfig:"DB_DSN" default:"postgres://ssi:ssi@db:5432/ssi?sslmode=disable"`
	RedisURL string `envconfig:"REDIS_URL" default:"redis://redis:6379/0"`

	KeysDir  string `envconfig:"KEYS_DIR" default:"keys"`
	JWKCurve string `envconfig:"JWK_CURVE" default:"P-256"`
	JWEAlg   string `envconfig:"JWE_ALG" default:"ECDH-ES"`
	JWEEnc   string `envconfig:"JWE_ENC" default:"A256GCM"`

	AdminToken        string `envconfig:"ISSUER_ADMIN_TOKEN" default:""`
	IssuerDefaultName string `envconfig:"ISSUER_DEFAULT_NAME" default:"Example University"`

	// MerkleMode selects the attribute commitment scheme: "stub" keeps the
	// placeholder openings on the wire, "smt" switches to a sparse merkle
	// tree with real inclusion proofs.
	MerkleMode string `envconfig:"MERKLE_MODE" default:"stub"`

	StatusListChunk int    `envconfig:"STATUSLIST_CHUNK" default:"16384"`
	ServicePrefix   string `envconfig:"SERVICE_PREFIX" default:"inbox://"`

	OTLPEndpoint  string   `envconfig:"OTLP_ENDPOINT" default:""`
	UICORSOrigins []string `envconfig:"UI_CORS_ORIGINS" default:""`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, errors.Wrap(err, "load config")
	}
	return cfg, nil
}

// AdminOpen reports whether admin routes may be used without a token.
// Development environments run open; everywhere else an unset token locks
// the admin surface instead of leaving it wide open.
func (c Config) AdminOpen() bool {
	return c.AdminToken == "" && c.Env == "dev"
}
