package domain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultCompanies is the company enumeration used when no board file is configured.
var DefaultCompanies = []string{"Internal", "Marketing", "Engineering", "Operations", "Sales"}

// BoardConfig holds the board-wide enumerations.
type BoardConfig struct {
	Companies []string `yaml:"companies"`
}

// DefaultBoardConfig returns the compiled-in board settings.
func DefaultBoardConfig() BoardConfig {
	return BoardConfig{Companies: append([]string(nil), DefaultCompanies...)}
}

// LoadBoardConfig reads a YAML board file. An empty path yields the defaults.
func LoadBoardConfig(path string) (BoardConfig, error) {
	if path == "" {
		return DefaultBoardConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return BoardConfig{}, err
	}
	return ParseBoardConfig(data)
}

// ParseBoardConfig decodes board settings from YAML.
func ParseBoardConfig(data []byte) (BoardConfig, error) {
	var cfg BoardConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return BoardConfig{}, fmt.Errorf("board config: %w", err)
	}
	companies := cfg.Companies[:0]
	seen := make(map[string]struct{}, len(cfg.Companies))
	for _, c := range cfg.Companies {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		companies = append(companies, c)
	}
	if len(companies) == 0 {
		return BoardConfig{}, fmt.Errorf("board config: no companies listed")
	}
	cfg.Companies = companies
	return cfg, nil
}

// HasCompany reports whether name is part of the enumeration.
func (b BoardConfig) HasCompany(name string) bool {
	for _, c := range b.Companies {
		if c == name {
			return true
		}
	}
	return false
}
