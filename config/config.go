package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"arbescrow/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`
	// Faucet exposes the development credit endpoint.
	Faucet bool `toml:"Faucet"`

	Escrow     Escrow     `toml:"escrow"`
	Arbitrator Arbitrator `toml:"arbitrator"`
	Storage    Storage    `toml:"storage"`
	HTTP       HTTP       `toml:"http"`
	Auth       Auth       `toml:"auth"`
	Log        Log        `toml:"log"`
	Telemetry  Telemetry  `toml:"telemetry"`
}

const (
	defaultListenAddress   = ":8080"
	defaultDataDir         = "./escrow-data"
	defaultPeriodSecs      = 180
	defaultArbitrationCost = "10"
	defaultEventBuffer     = 4096
	defaultStorageBackend  = "leveldb"
)

type loadOptions struct {
	passphrase string
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

// WithKeystorePassphrase supplies the passphrase used to encrypt a newly
// generated arbitrator keystore.
func WithKeystorePassphrase(passphrase string) LoadOption {
	return func(o *loadOptions) { o.passphrase = passphrase }
}

// Load loads the configuration from the given path, creating a default file
// and arbitrator keystore when none exists.
func Load(path string, opts ...LoadOption) (*Config, error) {
	var options loadOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options.passphrase)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
	}

	applyDefaults(cfg)
	if err := ensureKeystore(path, cfg, options.passphrase); err != nil {
		return nil, err
	}
	if err := ValidateConfig(*cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir
	}
	if strings.TrimSpace(cfg.Storage.Backend) == "" {
		cfg.Storage.Backend = defaultStorageBackend
	}
	if cfg.Escrow.ReclamationPeriodSecs == 0 {
		cfg.Escrow.ReclamationPeriodSecs = defaultPeriodSecs
	}
	if cfg.Escrow.ArbitrationFeeDepositPeriodSecs == 0 {
		cfg.Escrow.ArbitrationFeeDepositPeriodSecs = defaultPeriodSecs
	}
	if strings.TrimSpace(cfg.Arbitrator.ArbitrationCost) == "" {
		cfg.Arbitrator.ArbitrationCost = defaultArbitrationCost
	}
	if cfg.HTTP.ReadHeaderTimeoutSecs == 0 {
		cfg.HTTP.ReadHeaderTimeoutSecs = 5
	}
	if cfg.HTTP.EventBufferSize == 0 {
		cfg.HTTP.EventBufferSize = defaultEventBuffer
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
}

func ensureKeystore(configPath string, cfg *Config, passphrase string) error {
	keystorePath := cfg.Arbitrator.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		if err := writeNewKeystore(keystorePath, passphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.Arbitrator.KeystorePath != keystorePath {
		cfg.Arbitrator.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

func writeNewKeystore(path, passphrase string) error {
	if passphrase == "" {
		return errors.New("refusing to create an arbitrator keystore without a passphrase")
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	return crypto.SaveToKeystore(path, key, passphrase, crypto.KeystoreStandard)
}

// createDefault creates and saves a default configuration file.
func createDefault(path, passphrase string) (*Config, error) {
	keystorePath := defaultKeystorePath(path)
	if err := writeNewKeystore(keystorePath, passphrase); err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: "dev",
		Arbitrator:  Arbitrator{KeystorePath: keystorePath},
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "arbitrator.keystore")
}
