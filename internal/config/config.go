package config

import (
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env         string      `yaml:"env" env:"ENV" env-default:"local"`
	Storage     string      `yaml:"storage" env:"STORAGE" env-default:"sqlite"`
	StoragePath string      `yaml:"storage_path" env:"STORAGE_PATH"`
	Mongo       MongoConfig `yaml:"mongo"`
	HTTP        HTTPConfig  `yaml:"http"`
	JWT         JWTConfig   `yaml:"jwt"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" env:"MONGO_URI"`
	Database string `yaml:"database" env:"MONGO_DATABASE"`
}

type HTTPConfig struct {
	Port    int           `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	Timeout time.Duration `yaml:"timeout" env:"HTTP_TIMEOUT" env-default:"5s"`
}

// JWTConfig carries the key material locations and default TTLs for
// both token classes. A TTL of 0 seconds means the class never expires.
type JWTConfig struct {
	Alg                        string `yaml:"alg" env:"JWT_ALG" env-default:"RS256"`
	Issuer                     string `yaml:"issuer" env:"JWT_ISSUER" env-required:"true"`
	AccessTokenPrivateKeyFile  string `yaml:"access_token_private_key_file" env:"JWT_ACCESS_TOKEN_PRIVATE_KEY_FILE" env-required:"true"`
	AccessTokenPublicKeyFile   string `yaml:"access_token_public_key_file" env:"JWT_ACCESS_TOKEN_PUBLIC_KEY_FILE" env-required:"true"`
	RefreshTokenPrivateKeyFile string `yaml:"refresh_token_private_key_file" env:"JWT_REFRESH_TOKEN_PRIVATE_KEY_FILE" env-required:"true"`
	RefreshTokenPublicKeyFile  string `yaml:"refresh_token_public_key_file" env:"JWT_REFRESH_TOKEN_PUBLIC_KEY_FILE" env-required:"true"`
	AccessTokenTTL             int64  `yaml:"access_token_ttl" env:"JWT_ACCESS_TOKEN_TTL" env-default:"3600"`
	RefreshTokenTTL            int64  `yaml:"refresh_token_ttl" env:"JWT_REFRESH_TOKEN_TTL" env-default:"86400"`
}

// AccessTTL converts the configured access token TTL to a duration,
// nil when the class is configured to never expire.
func (c JWTConfig) AccessTTL() *time.Duration {
	return secondsToTTL(c.AccessTokenTTL)
}

// RefreshTTL converts the configured refresh token TTL to a duration,
// nil when the class is configured to never expire.
func (c JWTConfig) RefreshTTL() *time.Duration {
	return secondsToTTL(c.RefreshTokenTTL)
}

func secondsToTTL(seconds int64) *time.Duration {
	if seconds <= 0 {
		return nil
	}
	d := time.Duration(seconds) * time.Second
	return &d
}

func LoadConfig(path string) *Config {
	var cfg Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}
