// Package accounts holds the registry of device-platform accounts the
// service talks to. Each account is a platform base URL plus admin
// credentials, configured through the environment or a YAML file.
package accounts

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBaseURL is used when no account configuration is present.
const DefaultBaseURL = "https://thingsboard.cloud"

// Account is one device-platform tenant the service can talk to.
type Account struct {
	ID        string `yaml:"id"`
	BaseURL   string `yaml:"base_url"`
	AdminUser string `yaml:"admin_user"`
	AdminPass string `yaml:"admin_pass"`
}

// Registry is an ordered set of accounts. The first account is the
// fallback when a request names no account.
type Registry struct {
	accounts []Account
	index    map[string]int
}

// EnvFunc looks up an environment variable. nil means os.Getenv.
type EnvFunc func(string) string

type accountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// Load builds the registry. Sources, in priority order:
//   - ACCOUNTS_FILE: YAML file with an ordered accounts list
//   - TB_ACCOUNTS: JSON object of account id to base URL
//   - TB_BASE_URL (or the public cloud default): single "default" account
//
// Admin credentials missing from the file are taken from
// {ID}_ADMIN_USER / {ID}_ADMIN_PASS with the id upper-cased.
func Load(env EnvFunc) (*Registry, error) {
	if env == nil {
		env = os.Getenv
	}

	if path := env("ACCOUNTS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("accounts: read %s: %w", path, err)
		}
		var file accountsFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("accounts: parse %s: %w", path, err)
		}
		return build(file.Accounts, env)
	}

	if raw := env("TB_ACCOUNTS"); raw != "" {
		var urls map[string]string
		if err := json.Unmarshal([]byte(raw), &urls); err != nil {
			return nil, fmt.Errorf("accounts: parse TB_ACCOUNTS: %w", err)
		}
		ids := make([]string, 0, len(urls))
		for id := range urls {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		list := make([]Account, 0, len(ids))
		for _, id := range ids {
			list = append(list, Account{ID: id, BaseURL: urls[id]})
		}
		return build(list, env)
	}

	baseURL := env("TB_BASE_URL")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return build([]Account{{ID: "default", BaseURL: baseURL}}, env)
}

func build(list []Account, env EnvFunc) (*Registry, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("accounts: no accounts configured")
	}
	reg := &Registry{index: make(map[string]int, len(list))}
	for _, acc := range list {
		acc.ID = strings.ToLower(strings.TrimSpace(acc.ID))
		if acc.ID == "" {
			return nil, fmt.Errorf("accounts: account with empty id")
		}
		acc.BaseURL = strings.TrimRight(strings.TrimSpace(acc.BaseURL), "/")
		if acc.BaseURL == "" {
			return nil, fmt.Errorf("accounts: account %q has no base URL", acc.ID)
		}
		if acc.AdminUser == "" {
			acc.AdminUser, acc.AdminPass = envCreds(acc.ID, env)
		}
		if _, dup := reg.index[acc.ID]; dup {
			return nil, fmt.Errorf("accounts: duplicate account id %q", acc.ID)
		}
		reg.index[acc.ID] = len(reg.accounts)
		reg.accounts = append(reg.accounts, acc)
	}
	return reg, nil
}

func envCreds(id string, env EnvFunc) (user, pass string) {
	prefix := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
	user = env(prefix + "_ADMIN_USER")
	pass = env(prefix + "_ADMIN_PASS")
	if user == "" && id == "default" {
		// Single-account deployments commonly keep the first numbered slot.
		user = env("ACCOUNT1_ADMIN_USER")
		pass = env("ACCOUNT1_ADMIN_PASS")
	}
	return user, pass
}

// Get returns the account with the given id.
func (r *Registry) Get(id string) (Account, bool) {
	i, ok := r.index[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Account{}, false
	}
	return r.accounts[i], true
}

// Default returns the first configured account.
func (r *Registry) Default() Account {
	return r.accounts[0]
}

// List returns the accounts in configuration order.
func (r *Registry) List() []Account {
	out := make([]Account, len(r.accounts))
	copy(out, r.accounts)
	return out
}

// Resolve picks the account for a request. The first non-empty candidate
// that matches a configured id wins; with no match the first configured
// account is the fallback.
func (r *Registry) Resolve(candidates ...string) Account {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if acc, ok := r.Get(candidate); ok {
			return acc
		}
	}
	return r.Default()
}
