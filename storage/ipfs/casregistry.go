package ipfs

import (
	"flag"
	"os"

	"xdao.co/sealgate/storage"
	"xdao.co/sealgate/storage/casregistry"
)

var (
	flagBin  string
	flagPath string
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "ipfs",
		Description: "Local Kubo repo via the ipfs CLI",
		Usage:       casregistry.UsageCLI | casregistry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagBin, "ipfs-bin", "ipfs", "Path to the ipfs binary (for --backend=ipfs)")
			fs.StringVar(&flagPath, "ipfs-path", "", "IPFS_PATH for the repo; empty uses the environment")
		},
		Open: func() (storage.CAS, func() error, error) {
			return open(flagBin, flagPath), nil, nil
		},
		OpenWithConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			return open(cfg["ipfs-bin"], cfg["ipfs-path"]), nil, nil
		},
	})
}

func open(bin, repo string) storage.CAS {
	opts := Options{Bin: bin}
	if repo != "" {
		opts.Env = append(os.Environ(), "IPFS_PATH="+repo)
	}
	return New(opts)
}
