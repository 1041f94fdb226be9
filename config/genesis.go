package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tallychain/core/types"
	"tallychain/crypto"
)

// GenesisMember describes one pre-registered member seeded into the ledger at
// first boot, bypassing the sign-up flow.
type GenesisMember struct {
	Address string `yaml:"address"`
	Balance string `yaml:"balance"`
}

type genesisFile struct {
	Members []GenesisMember `yaml:"members"`
}

// LoadGenesis parses a YAML genesis file into seedable account records. A
// missing path yields an empty member list.
func LoadGenesis(path string) ([]*types.AccountRecord, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read genesis %s: %w", path, err)
	}
	var parsed genesisFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("config: parse genesis %s: %w", path, err)
	}
	records := make([]*types.AccountRecord, 0, len(parsed.Members))
	for i, member := range parsed.Members {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(member.Address))
		if err != nil {
			return nil, fmt.Errorf("config: genesis member %d: %w", i, err)
		}
		balance := big.NewInt(0)
		if raw := strings.TrimSpace(member.Balance); raw != "" {
			parsedBalance, ok := new(big.Int).SetString(raw, 10)
			if !ok || parsedBalance.Sign() < 0 {
				return nil, fmt.Errorf("config: genesis member %d: invalid balance %q", i, member.Balance)
			}
			balance = parsedBalance
		}
		records = append(records, &types.AccountRecord{
			Identity: addr.Identity(),
			Balance:  balance,
			Origin:   types.KindSignUp,
		})
	}
	return records, nil
}
