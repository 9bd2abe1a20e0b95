package ccrelay_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oakline-labs/ccrelay"
)

func TestLoadConfig_ExpandsEnvAndValidates(t *testing.T) {
	t.Setenv("CCRELAY_TEST_EMAIL", "a@example.com")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
accounts:
  - email: ${CCRELAY_TEST_EMAIL}
    enabled: true
endpoints:
  - https://cloudcode-pa.googleapis.com
fallback_models:
  gemini-2.5-pro: gemini-2.5-flash
tunables:
  max_retries: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := ccrelay.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "a@example.com", cfg.Accounts[0].Email)
	require.Equal(t, 5, cfg.Tunables.MaxRetries)
	require.Equal(t, "gemini-2.5-flash", cfg.FallbackModels["gemini-2.5-pro"])
}

func TestConfig_ValidateRejectsMissingFields(t *testing.T) {
	require.Error(t, ccrelay.Config{}.Validate())
	require.Error(t, ccrelay.Config{Accounts: []ccrelay.AccountConfig{{Email: "a@example.com"}}}.Validate())
	require.Error(t, ccrelay.Config{Endpoints: []string{"e"}}.Validate())
	require.Error(t, ccrelay.Config{Accounts: []ccrelay.AccountConfig{{}}, Endpoints: []string{"e"}}.Validate())
}

func TestConfig_ValidateRejectsDuplicateEmails(t *testing.T) {
	cfg := ccrelay.Config{
		Accounts: []ccrelay.AccountConfig{
			{Email: "a@example.com"},
			{Email: "a@example.com"},
		},
		Endpoints: []string{"https://cloudcode-pa.googleapis.com"},
	}
	require.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsSelfMappingFallback(t *testing.T) {
	cfg := ccrelay.Config{
		Accounts:       []ccrelay.AccountConfig{{Email: "a@example.com"}},
		Endpoints:      []string{"https://cloudcode-pa.googleapis.com"},
		FallbackModels: map[string]string{"gemini-2.5-pro": "gemini-2.5-pro"},
	}
	require.Error(t, cfg.Validate())
}

func TestConfig_ToAccountsSeedsEmptyMaps(t *testing.T) {
	cfg := ccrelay.Config{Accounts: []ccrelay.AccountConfig{{Email: "a@example.com", Enabled: true}}}
	accounts := cfg.ToAccounts()
	require.Len(t, accounts, 1)
	require.NotNil(t, accounts[0].ModelRateLimits)
	require.NotNil(t, accounts[0].Quota.Models)
}
