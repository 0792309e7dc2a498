// config_test.go tests config files
package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileToTest is a relative path to the configuration file to test (ie. depositgw/cmd/conf.json)
var fileToTest string = "../../cmd/conf.json"

// TestConfig extracts config from a file and checks values loaded
func TestConfig(t *testing.T) {
	conf, err := ExtractConfiguration(fileToTest)
	require.NoError(t, err)

	assert.Equal(t, "memory", conf.DbType)
	assert.Equal(t, "none", conf.MbType)
	assert.Equal(t, 60, conf.Watch.MaxAttempts)
	assert.Equal(t, 5*time.Second, conf.Watch.PollInterval.D())
	require.Len(t, conf.Chains, 4)
	assert.Equal(t, "btc", conf.Chains[0].Name)
	assert.Equal(t, int64(1000), conf.Chains[0].Fee)
	assert.Equal(t, "erc20", conf.Chains[2].Name)
	assert.Equal(t, "2000", conf.Chains[0].Rates["EUR"])
	assert.Equal(t, "400000000000000", conf.Rates["EUR:eth"])

	// per chain overrides
	assert.Equal(t, 5*time.Second, conf.Interval(conf.Chains[0]))
	assert.Equal(t, 2*time.Second, conf.Interval(conf.Chains[3]))
	assert.Equal(t, 60, conf.Attempts(conf.Chains[3]))
}

func TestConfigEnv(t *testing.T) {
	t.Setenv("DGW_CHAINS", `[{"name":"xrp","node":"https://s.altnet.rippletest.net:51234","maxAttempts":3}]`)
	t.Setenv("DGW_CHECKOUT", "https://shop.example.org/pay/")

	conf, err := ExtractConfiguration(fileToTest)
	require.NoError(t, err)
	require.Len(t, conf.Chains, 1)
	assert.Equal(t, "xrp", conf.Chains[0].Name)
	assert.Equal(t, 3, conf.Attempts(conf.Chains[0]))
	assert.Equal(t, "https://shop.example.org/pay/", conf.Checkout)
}

func TestConfigSeed(t *testing.T) {
	t.Setenv("DGW_SEED", "642ce4e20f09c9f4")
	conf, err := ExtractConfiguration(fileToTest)
	require.NoError(t, err)
	assert.Equal(t, "642ce4e20f09c9f4", conf.Seed)

	t.Setenv("DGW_SEED", "not hex")
	_, err = ExtractConfiguration(fileToTest)
	assert.Error(t, err)
}

func TestConfigInvalid(t *testing.T) {
	t.Setenv("DGW_CHAINS", `[{"name":"dogecoin-classic","node":"https://localhost"}]`)
	_, err := ExtractConfiguration(fileToTest)
	assert.Error(t, err)

	os.Unsetenv("DGW_CHAINS")
	t.Setenv("DGW_DBTYPE", "postgresql")
	_, err = ExtractConfiguration(fileToTest)
	assert.Error(t, err, "postgresql needs a connection string")
}

func TestConfigMissingFile(t *testing.T) {
	_, err := ExtractConfiguration("does-not-exist.json")
	assert.Error(t, err)
}
