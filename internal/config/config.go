package config

import (
	"fmt"
	"github.com/ilyakaznacheev/cleanenv"
	"log"
	"sync"
)

type Listen struct {
	BindIp string `yaml:"bind_ip" env-default:"0.0.0.0"`
	Port   string `yaml:"port" env-default:"8080"`
}

type MongoConfig struct {
	Enabled  bool   `yaml:"enabled" env-default:"true"`
	Host     string `yaml:"host" env-default:"localhost"`
	Port     string `yaml:"port" env-default:"27017"`
	User     string `yaml:"user" env-default:""`
	Password string `yaml:"password" env-default:""`
	Database string `yaml:"database" env-default:"refsync"`
}

// AppStoreConfig holds the App Store Server API credentials: a .p8 signing
// key issued in App Store Connect plus its identifiers, and the root
// certificates used to verify signed notifications.
type AppStoreConfig struct {
	KeyPath      string `yaml:"key_path" env-default:""`
	KeyID        string `yaml:"key_id" env-default:""`
	IssuerID     string `yaml:"issuer_id" env-default:""`
	BundleID     string `yaml:"bundle_id" env-default:""`
	RootCertPath string `yaml:"root_cert_path" env-default:""`
}

type IdentityConfig struct {
	BaseURL string `yaml:"base_url" env-default:""`
	APIKey  string `yaml:"api_key" env-default:""`
}

type StripeConfig struct {
	APIKey     string `yaml:"api_key" env-default:""`
	RefreshURL string `yaml:"refresh_url" env-default:""`
	ReturnURL  string `yaml:"return_url" env-default:""`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled" env-default:"false"`
	ApiKey  string `yaml:"api_key" env-default:""`
	ChatID  int64  `yaml:"chat_id" env-default:"0"`
}

type SweepConfig struct {
	Enabled  bool   `yaml:"enabled" env-default:"true"`
	Schedule string `yaml:"schedule" env-default:"0 2 * * *"`
}

type Config struct {
	Listen   Listen         `yaml:"listen"`
	Mongo    MongoConfig    `yaml:"mongo"`
	AppStore AppStoreConfig `yaml:"app_store"`
	Identity IdentityConfig `yaml:"identity"`
	Stripe   StripeConfig   `yaml:"stripe"`
	Telegram TelegramConfig `yaml:"telegram"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Env      string         `yaml:"env" env-default:"local"`
}

var instance *Config
var once sync.Once

func MustLoad(path string) *Config {
	var err error
	once.Do(func() {
		instance = &Config{}
		if err = cleanenv.ReadConfig(path, instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			err = fmt.Errorf("config: %s; %s", err, desc)
			instance = nil
			log.Fatal(err)
		}
	})
	return instance
}
