package config

import (
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"escrowd/crypto"
	"escrowd/escrow"
)

// Validate checks the loaded configuration for mistakes that would otherwise
// surface as runtime failures: malformed addresses, unparseable balances,
// inverted duration bounds.
func (c *Config) Validate() error {
	if c.Escrow.FeeBps > escrow.MaxFeeBps {
		return fmt.Errorf("config: FeeBps %d exceeds cap %d", c.Escrow.FeeBps, escrow.MaxFeeBps)
	}
	if c.Escrow.MinDurationSecs <= 0 || c.Escrow.MaxDurationSecs < c.Escrow.MinDurationSecs {
		return fmt.Errorf("config: duration bounds [%d, %d] are invalid",
			c.Escrow.MinDurationSecs, c.Escrow.MaxDurationSecs)
	}
	if c.Escrow.DisputeWindowSecs <= 0 {
		return fmt.Errorf("config: DisputeWindowSecs must be positive")
	}
	if c.Escrow.MaxAssets <= 0 {
		return fmt.Errorf("config: MaxAssets must be positive")
	}
	for field, value := range map[string]string{
		"Escrow.FeeRecipient": c.Escrow.FeeRecipient,
		"Escrow.Admin":        c.Escrow.Admin,
		"Escrow.Custody":      c.Escrow.Custody,
	} {
		if _, err := crypto.DecodeAddress(value); err != nil {
			return fmt.Errorf("config: %s: %w", field, err)
		}
	}

	seen := make(map[string]struct{}, len(c.Gateway.APIKeys))
	for i, key := range c.Gateway.APIKeys {
		if strings.TrimSpace(key.Key) == "" || strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("config: Gateway.APIKeys[%d]: key and secret are required", i)
		}
		if _, dup := seen[key.Key]; dup {
			return fmt.Errorf("config: Gateway.APIKeys[%d]: duplicate key %q", i, key.Key)
		}
		seen[key.Key] = struct{}{}
		if _, err := crypto.DecodeAddress(key.Address); err != nil {
			return fmt.Errorf("config: Gateway.APIKeys[%d].Address: %w", i, err)
		}
	}

	for i, acct := range c.Ledger.Accounts {
		if _, err := crypto.DecodeAddress(acct.Address); err != nil {
			return fmt.Errorf("config: Ledger.Accounts[%d].Address: %w", i, err)
		}
		if _, err := escrow.NormalizeToken(acct.Token); err != nil {
			return fmt.Errorf("config: Ledger.Accounts[%d].Token: %w", i, err)
		}
		if _, err := acct.ParseBalance(); err != nil {
			return fmt.Errorf("config: Ledger.Accounts[%d].Balance: %w", i, err)
		}
	}

	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: Webhooks[%d].URL %q is not an absolute URL", i, hook.URL)
		}
		if strings.TrimSpace(hook.Secret) == "" {
			return fmt.Errorf("config: Webhooks[%d]: signing secret is required", i)
		}
	}
	return nil
}

// ParseBalance decodes the decimal balance string into a positive big.Int.
func (a AccountConfig) ParseBalance() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(a.Balance), 10)
	if !ok {
		return nil, fmt.Errorf("%q is not a base-10 integer", a.Balance)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("balance must be positive, got %s", amount)
	}
	return amount, nil
}
