package lncfg_test

import (
	"testing"
	"time"

	"github.com/lightningnetwork/chainwatch/lncfg"
	"github.com/stretchr/testify/require"
)

func validFetch() *lncfg.Fetch {
	return &lncfg.Fetch{
		Timeout:              time.Second,
		MaxRetries:           1,
		DownloadFailureLimit: 0,
		PeerFailureLimit:     0,
		MempoolTimeout:       time.Second,
	}
}

// TestValidateFetch asserts that validating the Fetch options only succeeds
// with positive timeouts and retries and non-negative limits.
func TestValidateFetch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(f *lncfg.Fetch)
		valid  bool
	}{
		{
			name:   "min valid",
			modify: func(*lncfg.Fetch) {},
			valid:  true,
		},
		{
			name: "zero timeout",
			modify: func(f *lncfg.Fetch) {
				f.Timeout = 0
			},
		},
		{
			name: "zero retries",
			modify: func(f *lncfg.Fetch) {
				f.MaxRetries = 0
			},
		},
		{
			name: "negative download limit",
			modify: func(f *lncfg.Fetch) {
				f.DownloadFailureLimit = -1
			},
		},
		{
			name: "negative peer limit",
			modify: func(f *lncfg.Fetch) {
				f.PeerFailureLimit = -1
			},
		},
		{
			name: "zero mempool timeout",
			modify: func(f *lncfg.Fetch) {
				f.MempoolTimeout = 0
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := validFetch()
			test.modify(cfg)

			err := cfg.Validate()
			if test.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

// TestValidateGroups asserts the remaining option groups reject their zero
// values and accept the defaults.
func TestValidateGroups(t *testing.T) {
	t.Parallel()

	require.Error(t, (&lncfg.Cache{}).Validate())
	require.Error(t, (&lncfg.Broadcast{}).Validate())
	require.Error(t, (&lncfg.Refresh{}).Validate())
	require.Error(t, (&lncfg.Neutrino{}).Validate())
	require.Error(t, lncfg.DefaultBtcd().Validate())

	btcd := lncfg.DefaultBtcd()
	btcd.RPCUser = "user"
	btcd.RPCPass = "pass"
	btcd.RawRPCCert = "00"

	require.NoError(t, lncfg.Validate(
		&lncfg.Cache{BlockSize: 1, TxEntries: 1},
		&lncfg.Broadcast{RejectWait: time.Second, MaxAttempts: 1},
		&lncfg.Refresh{
			Interval: time.Minute, Timeout: time.Second,
			MaxConcurrent: 1,
		},
		lncfg.DefaultNeutrino(),
		btcd,
	))
}

func TestNormalizeNetwork(t *testing.T) {
	t.Parallel()

	require.Equal(t, "testnet", lncfg.NormalizeNetwork("testnet3"))
	require.Equal(t, "mainnet", lncfg.NormalizeNetwork("mainnet"))
	require.Equal(t, "", lncfg.CleanAndExpandPath(""))
}
