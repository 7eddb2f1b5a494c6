package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedAccount is one bootstrap account entry.
type SeedAccount struct {
	ID           string `yaml:"id"`
	DebtorName   string `yaml:"debtor_name"`
	BalanceCents int64  `yaml:"balance_cents"`
	GroupID      string `yaml:"group_id"`
	BucketID     string `yaml:"bucket_id"`
}

// SeedAgent is one bootstrap agent entry.
type SeedAgent struct {
	AgentID     string   `yaml:"agent_id"`
	DisplayName string   `yaml:"display_name"`
	GroupID     string   `yaml:"group_id"`
	BucketIDs   []string `yaml:"bucket_ids"`
}

// Seed is the YAML bootstrap loaded into a fresh database. Account and
// agent provisioning normally arrives from the upstream system of record;
// the seed file covers development and first-run setups.
type Seed struct {
	Accounts []SeedAccount `yaml:"accounts"`
	Agents   []SeedAgent   `yaml:"agents"`
}

// LoadSeed parses a seed YAML file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for _, a := range seed.Accounts {
		if a.ID == "" {
			return nil, fmt.Errorf("seed account with empty id")
		}
	}
	for _, a := range seed.Agents {
		if a.AgentID == "" {
			return nil, fmt.Errorf("seed agent with empty agent_id")
		}
	}
	return &seed, nil
}
