// Package config loads the sealgate client and key-server configuration
// from a JSON or YAML file.
//
// Example (YAML):
//
//	package: 0x50...
//	threshold: {t: 2, n: 3}
//	timeout: 10s
//	key_servers:
//	  - id: ks-1
//	    target: ks1.example.net:7443
//	    public_key: 8f1e...
//	retry: {max_attempts: 4, initial_delay: 200ms, max_delay: 2s, backoff_factor: 2}
//	storage:
//	  write_policy: first
//	  backends:
//	    - name: localfs
//	      config: {localfs-dir: /var/lib/sealgate/blobs}
//	log: {level: info, format: json}
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"xdao.co/sealgate/gateway"
	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/keys"
	"xdao.co/sealgate/keyserver/grpcks"
	"xdao.co/sealgate/retry"
	"xdao.co/sealgate/storage/casconfig"
)

// Duration reads "250ms"-style strings in both JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(time.Duration(d).String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("config: duration must be a string: %w", err)
	}
	return d.set(s)
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) set(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	*d = Duration(v)
	return nil
}

type KeyServer struct {
	ID     string `json:"id" yaml:"id"`
	Target string `json:"target" yaml:"target"`
	// PublicKey pins the server's IBE public key (hex). Optional.
	PublicKey string `json:"public_key,omitempty" yaml:"public_key,omitempty"`
}

type Threshold struct {
	T int `json:"t" yaml:"t"`
	N int `json:"n" yaml:"n"`
}

type Retry struct {
	MaxAttempts   int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelay  Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay      Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	BackoffFactor float64  `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
}

// Signer names the local key used to sign key requests. See keys.LoadSigner.
type Signer struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Role    string `json:"role,omitempty" yaml:"role,omitempty"`
	KeyFile string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	KeysDir string `json:"keys_dir,omitempty" yaml:"keys_dir,omitempty"`
}

type Log struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Server configures sealgate-keyserverd.
type Server struct {
	ID             string   `json:"id,omitempty" yaml:"id,omitempty"`
	Listen         string   `json:"listen,omitempty" yaml:"listen,omitempty"`
	MasterKey      string   `json:"master_key,omitempty" yaml:"master_key,omitempty"`
	LedgerSnapshot string   `json:"ledger_snapshot,omitempty" yaml:"ledger_snapshot,omitempty"`
	ClockSkew      Duration `json:"clock_skew,omitempty" yaml:"clock_skew,omitempty"`
}

type Config struct {
	Package    string      `json:"package" yaml:"package"`
	KeyServers []KeyServer `json:"key_servers,omitempty" yaml:"key_servers,omitempty"`
	Threshold  Threshold   `json:"threshold" yaml:"threshold"`
	Timeout    Duration    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RequestTTL Duration    `json:"request_ttl,omitempty" yaml:"request_ttl,omitempty"`
	Retry      Retry       `json:"retry,omitempty" yaml:"retry,omitempty"`
	// Retention is the storage epoch count requested when publishing.
	Retention uint32           `json:"retention,omitempty" yaml:"retention,omitempty"`
	Storage   casconfig.Config `json:"storage,omitempty" yaml:"storage,omitempty"`
	Signer    Signer           `json:"signer,omitempty" yaml:"signer,omitempty"`
	Log       Log              `json:"log,omitempty" yaml:"log,omitempty"`
	Server    Server           `json:"server,omitempty" yaml:"server,omitempty"`
}

// Load reads path, choosing YAML for .yaml/.yml and JSON otherwise, and
// validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config: empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return Parse(b, "yaml")
	default:
		return Parse(b, "json")
	}
}

func Parse(b []byte, format string) (Config, error) {
	var cfg Config
	var err error
	switch format {
	case "yaml":
		err = yaml.UnmarshalStrict(b, &cfg)
	case "json":
		dec := json.NewDecoder(strings.NewReader(string(b)))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	default:
		return cfg, fmt.Errorf("config: unknown format %q", format)
	}
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the fields every binary relies on. Sections a binary
// does not use may be left empty.
func (c Config) Validate() error {
	if c.Package != "" {
		if _, err := ids.ParseObjectID(c.Package); err != nil {
			return fmt.Errorf("config: package: %w", err)
		}
	}
	seen := make(map[string]bool, len(c.KeyServers))
	for i, ks := range c.KeyServers {
		switch {
		case ks.ID == "":
			return fmt.Errorf("config: key_servers[%d]: id is required", i)
		case ks.Target == "":
			return fmt.Errorf("config: key_servers[%d]: target is required", i)
		case seen[ks.ID]:
			return fmt.Errorf("config: key_servers[%d]: duplicate id %q", i, ks.ID)
		}
		seen[ks.ID] = true
		if ks.PublicKey != "" {
			if _, err := hex.DecodeString(ks.PublicKey); err != nil {
				return fmt.Errorf("config: key_servers[%d]: public_key: %w", i, err)
			}
		}
	}
	if t := c.Threshold; t != (Threshold{}) {
		if t.T < 1 || t.T > t.N {
			return fmt.Errorf("config: threshold %d-of-%d is invalid", t.T, t.N)
		}
		if len(c.KeyServers) > 0 && t.N > len(c.KeyServers) {
			return fmt.Errorf("config: threshold n=%d exceeds %d key servers", t.N, len(c.KeyServers))
		}
	}
	if c.Timeout < 0 || c.RequestTTL < 0 {
		return errors.New("config: durations must not be negative")
	}
	if c.Retry != (Retry{}) {
		if err := c.RetryPolicy().Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if len(c.Storage.Backends) > 0 {
		if err := c.Storage.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// PackageID returns the policy package id. It is zero when unset.
func (c Config) PackageID() ids.ObjectID {
	id, _ := ids.ParseObjectID(c.Package)
	return id
}

func (c Config) GatewayThreshold() gateway.Threshold {
	return gateway.Threshold{T: c.Threshold.T, N: c.Threshold.N}
}

// RetryPolicy returns the configured policy, filling unset fields from
// retry.Default.
func (c Config) RetryPolicy() retry.Policy {
	p := retry.Default()
	if c.Retry.MaxAttempts != 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.InitialDelay != 0 {
		p.InitialDelay = c.Retry.InitialDelay.Std()
	}
	if c.Retry.MaxDelay != 0 {
		p.MaxDelay = c.Retry.MaxDelay.Std()
	}
	if c.Retry.BackoffFactor != 0 {
		p.BackoffFactor = c.Retry.BackoffFactor
	}
	return p
}

// DialKeyServers connects to every configured key server. The returned
// closer shuts all connections down.
func (c Config) DialKeyServers(log *logrus.Logger) ([]gateway.KeyServer, func() error, error) {
	var members []gateway.KeyServer
	var clients []*grpcks.Client
	closeAll := func() error {
		var errs []error
		for _, cl := range clients {
			errs = append(errs, cl.Close())
		}
		return errors.Join(errs...)
	}
	for i, ks := range c.KeyServers {
		var pin []byte
		if ks.PublicKey != "" {
			var err error
			if pin, err = hex.DecodeString(ks.PublicKey); err != nil {
				_ = closeAll()
				return nil, nil, fmt.Errorf("config: key_servers[%d]: public_key: %w", i, err)
			}
		}
		cl, err := grpcks.Dial(ks.ID, ks.Target, grpcks.DialOptions{
			Timeout: c.Timeout.Std(),
			Retry:   c.RetryPolicy(),
			Logger:  log,
		})
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		clients = append(clients, cl)
		members = append(members, gateway.KeyServer{Client: cl, PublicKey: pin})
	}
	return members, closeAll, nil
}

// LoadSigner resolves the configured signing key from the local key store.
func (c Config) LoadSigner() (keys.Signer, error) {
	s := c.Signer
	if s.KeyFile == "" && s.Name == "" {
		return nil, errors.New("config: no signer configured")
	}
	ks, err := keys.CreateKeyStore(s.KeysDir)
	if err != nil {
		return nil, err
	}
	return ks.LoadSigner("", "", s.Name, s.Role, s.KeyFile)
}
