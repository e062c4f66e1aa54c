package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"xdao.co/sealgate"
	"xdao.co/sealgate/blobstore"
	"xdao.co/sealgate/config"
	"xdao.co/sealgate/gateway"
	"xdao.co/sealgate/internal/logx"
	"xdao.co/sealgate/keys"
	"xdao.co/sealgate/model"
	"xdao.co/sealgate/storage/casconfig"
	"xdao.co/sealgate/storage/casregistry"

	_ "xdao.co/sealgate/storage/badgercas"
	_ "xdao.co/sealgate/storage/grpccas"
	_ "xdao.co/sealgate/storage/ipfs"
	_ "xdao.co/sealgate/storage/localfs"
)

// Exit codes: 0 success, 1 failure, 2 usage, 3 access denied.
const exitDenied = 3

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "identity":
		return cmdIdentity(args[1:], out, errOut)
	case "keygen":
		return cmdKeygen(args[1:], out, errOut)
	case "encrypt":
		return cmdEncrypt(args[1:], out, errOut)
	case "decrypt":
		return cmdDecrypt(args[1:], out, errOut)
	case "put":
		return cmdPut(args[1:], out, errOut)
	case "get":
		return cmdGet(args[1:], out, errOut)
	case "bundle":
		return cmdBundle(args[1:], out, errOut)
	case "publish":
		return cmdPublish(args[1:], out, errOut)
	case "fetch":
		return cmdFetch(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "sealgate: credential-gated threshold encryption CLI")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  sealgate identity --publication <id> --label <label>")
	fmt.Fprintln(w, "  sealgate identity --decode <hex>")
	fmt.Fprintln(w, "  sealgate keygen init --name <name> [--alg ed25519|dilithium3] [--seed-hex <64hex>] [--force]")
	fmt.Fprintln(w, "  sealgate keygen derive --from <name> --role <role> [--force]")
	fmt.Fprintln(w, "  sealgate keygen list")
	fmt.Fprintln(w, "  sealgate keygen export --name <name> [--role <role>]")
	fmt.Fprintln(w, "  sealgate encrypt --config <file> --publication <id> --label <label> [--in <file>] [--out <file>] [--t N --n N]")
	fmt.Fprintln(w, "  sealgate decrypt --config <file> --identity <hex> --creds <file> [--in <file>] [--out <file>] [signer flags]")
	fmt.Fprintln(w, "  sealgate put (--config <file> | --store-dir <dir>) [<file>]")
	fmt.Fprintln(w, "  sealgate get (--config <file> | --store-dir <dir>) --handle <cid:size> [--out <file>]")
	fmt.Fprintln(w, "  sealgate bundle export|import (--config <file> | --store-dir <dir>) ...")
	fmt.Fprintln(w, "  sealgate publish --config <file> --publication <id> --label <label> [--in <file>]")
	fmt.Fprintln(w, "  sealgate fetch --config <file> --handle <cid:size> --identity <hex> --creds <file> [--out <file>] [signer flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Signer flags (override the config's signer section):")
	fmt.Fprintln(w, "  --signer <name> [--signer-role <role>] | --key-file <path> | --seed-hex <64hex> [--alg <alg>]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - keys are stored under ~/.sealgate/keys/<name> unless --keys-dir is set")
	fmt.Fprintln(w, "  - --creds is a JSON array of credentials, e.g. [{\"kind\":\"allowlist\",\"policy\":\"0x..\"}]")
	fmt.Fprintln(w, "  - decrypt and fetch print a JSON decision and exit 3 when access is denied")
	fmt.Fprintln(w, "  - ciphertext is read and written as raw bytes; --in/--out default to stdin/stdout")
}

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// fail prints err in its boundary form and returns the matching exit code.
func fail(errOut io.Writer, what string, err error) int {
	ce := model.FromError(err)
	fmt.Fprintf(errOut, "%s: %s\n", what, ce.Error())
	if ce.Code == model.ErrNoAccess {
		return exitDenied
	}
	return 1
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, out io.Writer, b []byte) error {
	if path == "" || path == "-" {
		_, err := out.Write(b)
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// stdin is swapped in tests.
var stdin io.Reader = os.Stdin

// sessionFlags are shared by every command that talks to key servers or the
// blob store.
type sessionFlags struct {
	configPath string
	storeDir   string
	signer     string
	signerRole string
	keyFile    string
	keysDir    string
	seedHex    string
	alg        string
	logLevel   string
	t, n       int
}

func (f *sessionFlags) register(fs *flag.FlagSet, withSigner bool) {
	fs.StringVar(&f.configPath, "config", "", "Config file (JSON, or YAML by .yaml/.yml extension)")
	fs.StringVar(&f.storeDir, "store-dir", "", "Use a localfs blob store at this directory instead of the config's storage section")
	fs.StringVar(&f.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	fs.IntVar(&f.t, "t", 0, "Override threshold t")
	fs.IntVar(&f.n, "n", 0, "Override threshold n")
	if withSigner {
		fs.StringVar(&f.signer, "signer", "", "Signer key name")
		fs.StringVar(&f.signerRole, "signer-role", "", "Signer role")
		fs.StringVar(&f.keyFile, "key-file", "", "Signer key file")
		fs.StringVar(&f.keysDir, "keys-dir", "", "Key store directory (default ~/.sealgate/keys)")
		fs.StringVar(&f.seedHex, "seed-hex", "", "Signer seed as 64 hex chars")
		fs.StringVar(&f.alg, "alg", "", "Algorithm for --seed-hex (ed25519 or dilithium3)")
	}
}

type session struct {
	cfg     config.Config
	log     *logrus.Logger
	client  *sealgate.Client
	blobs   *blobstore.Adapter
	closers []func() error
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func (f *sessionFlags) loadConfig() (config.Config, error) {
	if f.configPath == "" {
		return config.Config{}, nil
	}
	return config.Load(f.configPath)
}

func (f *sessionFlags) logger(cfg config.Config, errOut io.Writer) (*logrus.Logger, error) {
	level := cfg.Log.Level
	if f.logLevel != "" {
		level = f.logLevel
	}
	if level == "" {
		level = "warn"
	}
	return logx.New(errOut, level, cfg.Log.Format)
}

func (f *sessionFlags) signerFor(cfg config.Config) (keys.Signer, error) {
	if f.seedHex == "" && f.keyFile == "" && f.signer == "" {
		return cfg.LoadSigner()
	}
	dir := f.keysDir
	if dir == "" {
		dir = cfg.Signer.KeysDir
	}
	ks, err := keys.CreateKeyStore(dir)
	if err != nil {
		return nil, err
	}
	var alg keys.Alg
	if f.alg != "" {
		if alg, err = keys.ParseAlg(f.alg); err != nil {
			return nil, err
		}
	}
	return ks.LoadSigner(f.seedHex, alg, f.signer, f.signerRole, f.keyFile)
}

// openBlobs opens the blob store from --store-dir or the config.
func (f *sessionFlags) openBlobs(s *session) error {
	storage := s.cfg.Storage
	if f.storeDir != "" {
		storage = casconfig.Config{Backends: []casconfig.BackendConfig{{
			Name:   "localfs",
			Config: map[string]string{"localfs-dir": f.storeDir},
		}}}
	}
	if len(storage.Backends) == 0 {
		return errors.New("no blob store configured (set storage in --config or pass --store-dir)")
	}
	cas, closeFn, err := storage.Open(casregistry.UsageCLI, "")
	if err != nil {
		return err
	}
	if closeFn != nil {
		s.closers = append(s.closers, closeFn)
	}
	s.blobs = blobstore.New(cas, blobstore.Options{
		Timeout: s.cfg.Timeout.Std(),
		Retry:   s.cfg.RetryPolicy(),
		Logger:  s.log,
	})
	return nil
}

// open builds a session. needClient dials the key servers; needSigner
// resolves the request signer; needBlobs opens the blob store.
func (f *sessionFlags) open(errOut io.Writer, needClient, needSigner, needBlobs bool) (*session, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := f.logger(cfg, errOut)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, log: log}

	if needBlobs {
		if err := f.openBlobs(s); err != nil {
			s.Close()
			return nil, err
		}
	}
	if !needClient {
		return s, nil
	}

	if len(cfg.KeyServers) == 0 {
		s.Close()
		return nil, errors.New("config has no key_servers")
	}
	if cfg.PackageID().IsZero() {
		s.Close()
		return nil, errors.New("config has no policy package")
	}
	var signer keys.Signer
	if needSigner {
		if signer, err = f.signerFor(cfg); err != nil {
			s.Close()
			return nil, fmt.Errorf("signer: %w", err)
		}
	}
	members, closeAll, err := cfg.DialKeyServers(log)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, closeAll)

	gw, err := gateway.New(gateway.Options{
		Servers: members,
		Signer:  signer,
		Timeout: cfg.Timeout.Std(),
		Logger:  log,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	thr := cfg.GatewayThreshold()
	if f.t != 0 || f.n != 0 {
		thr = gateway.Threshold{T: f.t, N: f.n}
	}
	s.client, err = sealgate.New(sealgate.Options{
		Gateway:   gw,
		Blobs:     s.blobs,
		Package:   cfg.PackageID(),
		Threshold: thr,
		Retention: cfg.Retention,
		Logger:    log,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
