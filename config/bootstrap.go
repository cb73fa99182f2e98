package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"bountyescrow/crypto"
)

// Bootstrap is the one-shot YAML document applied to an empty ledger.
type Bootstrap struct {
	Admin       string             `yaml:"admin"`
	Roles       []RoleGrant        `yaml:"roles"`
	Multisig    *BootstrapMultisig `yaml:"multisig"`
	Whitelist   []string           `yaml:"whitelist"`
	Balances    []Allocation       `yaml:"balances"`
	ClaimWindow uint64             `yaml:"claimWindowSeconds"`
}

// RoleGrant assigns role to address.
type RoleGrant struct {
	Address string `yaml:"address"`
	Role    string `yaml:"role"`
}

type BootstrapMultisig struct {
	Threshold         string   `yaml:"threshold"`
	Signers           []string `yaml:"signers"`
	RequiredApprovals uint32   `yaml:"requiredApprovals"`
}

// Allocation mints a development balance.
type Allocation struct {
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

// LoadBootstrap reads and validates a bootstrap document. An empty path
// returns nil without error.
func LoadBootstrap(path string) (*Bootstrap, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: read %s: %w", path, err)
	}
	var doc Bootstrap
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("bootstrap: decode %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks every address and amount in the document.
func (b *Bootstrap) Validate() error {
	if _, err := crypto.ParseAddress(b.Admin); err != nil {
		return fmt.Errorf("bootstrap: admin: %w", err)
	}
	for i, grant := range b.Roles {
		if _, err := crypto.ParseAddress(grant.Address); err != nil {
			return fmt.Errorf("bootstrap: roles[%d]: %w", i, err)
		}
		if strings.TrimSpace(grant.Role) == "" {
			return fmt.Errorf("bootstrap: roles[%d]: role required", i)
		}
	}
	if b.Multisig != nil {
		if _, err := ParseAmount(b.Multisig.Threshold); err != nil {
			return fmt.Errorf("bootstrap: multisig threshold: %w", err)
		}
		for i, signer := range b.Multisig.Signers {
			if _, err := crypto.ParseAddress(signer); err != nil {
				return fmt.Errorf("bootstrap: multisig signers[%d]: %w", i, err)
			}
		}
	}
	for i, addr := range b.Whitelist {
		if _, err := crypto.ParseAddress(addr); err != nil {
			return fmt.Errorf("bootstrap: whitelist[%d]: %w", i, err)
		}
	}
	for i, alloc := range b.Balances {
		if _, err := crypto.ParseAddress(alloc.Address); err != nil {
			return fmt.Errorf("bootstrap: balances[%d]: %w", i, err)
		}
		if _, err := ParseAmount(alloc.Amount); err != nil {
			return fmt.Errorf("bootstrap: balances[%d]: %w", i, err)
		}
	}
	return nil
}

// ParseAmount parses a non-negative base-10 integer.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}
