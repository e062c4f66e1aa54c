package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xdao.co/sealgate/gateway"
	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/keys"
)

var pkgHex = "0x50" + strings.Repeat("0", 62)

var yamlConfig = `
package: "` + pkgHex + `"
threshold: {t: 2, n: 3}
timeout: 3s
request_ttl: 1m
key_servers:
  - id: ks-1
    target: 127.0.0.1:7001
    public_key: abcd
  - id: ks-2
    target: 127.0.0.1:7002
  - id: ks-3
    target: 127.0.0.1:7003
retry:
  max_attempts: 5
  initial_delay: 50ms
storage:
  write_policy: all
  backends:
    - name: localfs
      config: {localfs-dir: /tmp/blobs}
    - name: badger
      config: {badger-dir: /tmp/badger}
log: {level: debug, format: json}
`

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ids.ObjectID{0x50}, cfg.PackageID())
	require.Equal(t, gateway.Threshold{T: 2, N: 3}, cfg.GatewayThreshold())
	require.Equal(t, 3*time.Second, cfg.Timeout.Std())
	require.Equal(t, time.Minute, cfg.RequestTTL.Std())
	require.Len(t, cfg.KeyServers, 3)
	require.Equal(t, "abcd", cfg.KeyServers[0].PublicKey)
	require.Equal(t, "all", cfg.Storage.WritePolicy)
	require.Equal(t, "/tmp/badger", cfg.Storage.Backends[1].Config["badger-dir"])
	require.Equal(t, "json", cfg.Log.Format)

	p := cfg.RetryPolicy()
	require.Equal(t, 5, p.MaxAttempts)
	require.Equal(t, 50*time.Millisecond, p.InitialDelay)
	require.Equal(t, 2*time.Second, p.MaxDelay)
	require.Equal(t, 2.0, p.BackoffFactor)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealgate.json")
	body := `{"package":"` + pkgHex + `","threshold":{"t":1,"n":1},"timeout":"250ms",
		"key_servers":[{"id":"a","target":"localhost:1"}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cfg.Timeout.Std())
	require.Equal(t, 3, cfg.RetryPolicy().MaxAttempts)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":    `{"bogus": 1}`,
		"bad duration":     `{"timeout": "soon"}`,
		"numeric duration": `{"timeout": 5}`,
		"bad package":      `{"package": "0x12"}`,
		"t greater than n": `{"threshold": {"t": 3, "n": 2}}`,
		"n beyond servers": `{"threshold": {"t": 1, "n": 2}, "key_servers": [{"id": "a", "target": "x"}]}`,
		"duplicate server": `{"key_servers": [{"id": "a", "target": "x"}, {"id": "a", "target": "y"}]}`,
		"missing target":   `{"key_servers": [{"id": "a"}]}`,
		"bad pin":          `{"key_servers": [{"id": "a", "target": "x", "public_key": "zz"}]}`,
		"bad retry":        `{"retry": {"max_attempts": 3, "backoff_factor": 0.5}}`,
		"bad write policy": `{"storage": {"write_policy": "some", "backends": [{"name": "localfs"}]}}`,
		"negative timeout": `{"timeout": "-1s"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body), "json")
			require.Error(t, err)
		})
	}

	_, err := Parse([]byte("package: x\nextra: 1\n"), "yaml")
	require.Error(t, err)
	_, err = Parse(nil, "toml")
	require.Error(t, err)
}

func TestEmptyConfigIsValid(t *testing.T) {
	cfg, err := Parse([]byte(`{}`), "json")
	require.NoError(t, err)
	require.True(t, cfg.PackageID().IsZero())
}

func TestLoadSignerFromKeyStore(t *testing.T) {
	dir := t.TempDir()
	ks := keys.KeyStore{Directory: dir}
	_, _, err := ks.InitializeRootKey("alice", keys.AlgEd25519, make([]byte, keys.SeedSize), false)
	require.NoError(t, err)

	cfg := Config{Signer: Signer{Name: "alice", KeysDir: dir}}
	s, err := cfg.LoadSigner()
	require.NoError(t, err)
	require.Equal(t, keys.AlgEd25519, s.Alg())

	_, err = Config{}.LoadSigner()
	require.Error(t, err)
}

func TestDialKeyServersIsLazy(t *testing.T) {
	cfg := Config{KeyServers: []KeyServer{{ID: "a", Target: "127.0.0.1:1", PublicKey: "ab"}}}
	members, closeAll, err := cfg.DialKeyServers(nil)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "a", members[0].Client.ID())
	require.Equal(t, []byte{0xab}, members[0].PublicKey)
	require.NoError(t, closeAll())
}

func TestDialKeyServersRejectsBadPin(t *testing.T) {
	cfg := Config{KeyServers: []KeyServer{
		{ID: "a", Target: "127.0.0.1:1", PublicKey: "ab"},
		{ID: "b", Target: "127.0.0.1:2", PublicKey: "zz"},
	}}
	members, closeAll, err := cfg.DialKeyServers(nil)
	require.ErrorContains(t, err, "key_servers[1]: public_key")
	require.Nil(t, members)
	require.Nil(t, closeAll)
}
