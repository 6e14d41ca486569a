package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config describes one bridge daemon instance. The bridge, messenger and
// counterpart addresses are fixed for the life of the deployment; changing
// them means deploying a new instance.
type Config struct {
	Role               string   `toml:"Role"`
	ListenAddress      string   `toml:"ListenAddress"`
	DataDir            string   `toml:"DataDir"`
	BridgeAddress      string   `toml:"BridgeAddress"`
	MessengerAddress   string   `toml:"MessengerAddress"`
	OtherBridgeAddress string   `toml:"OtherBridgeAddress"`
	RelayEndpoint      string   `toml:"RelayEndpoint"`
	RelaySecret        string   `toml:"RelaySecret"`
	Collections        []string `toml:"Collections"`
	ContractAccounts   []string `toml:"ContractAccounts"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Role) == "" {
		cfg.Role = "home"
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8547"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./bridged-data"
	}
	if cfg.Collections == nil {
		cfg.Collections = []string{}
	}
	if cfg.ContractAccounts == nil {
		cfg.ContractAccounts = []string{}
	}
}

// Validate checks the invariants the daemon cannot start without.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	role := strings.TrimSpace(cfg.Role)
	if role != "home" && role != "remote" {
		return fmt.Errorf("config: Role must be \"home\" or \"remote\", got %q", cfg.Role)
	}
	for name, value := range map[string]string{
		"BridgeAddress":      cfg.BridgeAddress,
		"MessengerAddress":   cfg.MessengerAddress,
		"OtherBridgeAddress": cfg.OtherBridgeAddress,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("config: %s is required", name)
		}
	}
	if cfg.BridgeAddress == cfg.OtherBridgeAddress {
		return fmt.Errorf("config: BridgeAddress and OtherBridgeAddress must differ")
	}
	if strings.TrimSpace(cfg.RelaySecret) == "" {
		return fmt.Errorf("config: RelaySecret is required")
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Role:               "home",
		ListenAddress:      ":8547",
		DataDir:            "./bridged-data",
		BridgeAddress:      "0x" + strings.Repeat("0a", 20),
		MessengerAddress:   "0x" + strings.Repeat("0b", 20),
		OtherBridgeAddress: "0x" + strings.Repeat("0c", 20),
		RelayEndpoint:      "http://127.0.0.1:8548/v1/relay/deliver",
		RelaySecret:        "change-me",
		Collections:        []string{},
		ContractAccounts:   []string{},
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
