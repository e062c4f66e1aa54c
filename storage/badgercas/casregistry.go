package badgercas

import (
	"flag"
	"fmt"
	"time"

	"xdao.co/sealgate/storage"
	"xdao.co/sealgate/storage/casregistry"
)

var (
	flagDir         string
	flagEpochLength time.Duration
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "badger",
		Description: "Embedded Badger CAS (directory, TTL-based retention)",
		Usage:       casregistry.UsageCLI | casregistry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagDir, "badger-dir", "", "Badger database directory (for --backend=badger)")
			fs.DurationVar(&flagEpochLength, "badger-epoch", 0, "Length of one retention epoch; 0 keeps objects forever")
		},
		Open: func() (storage.CAS, func() error, error) {
			return open(flagDir, flagEpochLength)
		},
		OpenWithConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			var epoch time.Duration
			if s := cfg["badger-epoch"]; s != "" {
				d, err := time.ParseDuration(s)
				if err != nil {
					return nil, nil, fmt.Errorf("badger-epoch: %w", err)
				}
				epoch = d
			}
			return open(cfg["badger-dir"], epoch)
		},
	})
}

func open(dir string, epoch time.Duration) (storage.CAS, func() error, error) {
	if dir == "" {
		return nil, nil, fmt.Errorf("missing --badger-dir")
	}
	cas, err := Open(Options{Dir: dir, EpochLength: epoch})
	if err != nil {
		return nil, nil, err
	}
	return cas, cas.Close, nil
}
