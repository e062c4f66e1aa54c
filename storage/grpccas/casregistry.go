package grpccas

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"xdao.co/sealgate/storage"
	"xdao.co/sealgate/storage/casregistry"
)

var (
	flagTarget      string
	flagTimeout     time.Duration
	flagMaxMsgBytes int
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "grpc",
		Description: "gRPC CAS client (talks to sealgate-casgrpcd)",
		Usage:       casregistry.UsageCLI,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagTarget, "grpc-target", "", "gRPC target host:port (for --backend=grpc)")
			fs.DurationVar(&flagTimeout, "grpc-timeout", 10*time.Second, "Per-RPC timeout (for --backend=grpc)")
			fs.IntVar(&flagMaxMsgBytes, "grpc-max-msg-bytes", 0, "Max gRPC message size in bytes (send+recv); 0 uses grpc defaults")
		},
		Open: func() (storage.CAS, func() error, error) {
			return open(flagTarget, DialOptions{Timeout: flagTimeout, MaxMsgBytes: flagMaxMsgBytes})
		},
		OpenWithConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			opts := DialOptions{Timeout: 10 * time.Second}
			if s := cfg["grpc-timeout"]; s != "" {
				d, err := time.ParseDuration(s)
				if err != nil {
					return nil, nil, fmt.Errorf("grpc-timeout: %w", err)
				}
				opts.Timeout = d
			}
			if s := cfg["grpc-max-msg-bytes"]; s != "" {
				n, err := strconv.Atoi(s)
				if err != nil {
					return nil, nil, fmt.Errorf("grpc-max-msg-bytes: %w", err)
				}
				opts.MaxMsgBytes = n
			}
			return open(cfg["grpc-target"], opts)
		},
	})
}

func open(target string, opts DialOptions) (storage.CAS, func() error, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, nil, fmt.Errorf("missing --grpc-target")
	}
	client, err := Dial(target, opts)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}
