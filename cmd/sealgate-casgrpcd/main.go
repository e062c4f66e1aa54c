package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"xdao.co/sealgate/internal/logx"
	"xdao.co/sealgate/storage"
	"xdao.co/sealgate/storage/casconfig"
	"xdao.co/sealgate/storage/casregistry"
	"xdao.co/sealgate/storage/grpccas"

	_ "xdao.co/sealgate/storage/badgercas"
	_ "xdao.co/sealgate/storage/ipfs"
	_ "xdao.co/sealgate/storage/localfs"
)

func main() {
	fs := flag.NewFlagSet("sealgate-casgrpcd", flag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:7777", "listen address")
	backend := fs.String("backend", "localfs", "CAS backend name")
	casConfig := fs.String("cas-config", "", "casconfig JSON file (overrides --backend)")
	listBackends := fs.Bool("list-backends", false, "List supported backends and exit")
	maxMsg := fs.Int("max-msg-bytes", 64<<20, "Maximum gRPC message size")
	logLevel := fs.String("log-level", "info", "Log level")
	logFormat := fs.String("log-format", "text", "Log format: text or json")

	casregistry.RegisterFlags(fs, casregistry.UsageDaemon)

	_ = fs.Parse(os.Args[1:])
	if *listBackends {
		for _, b := range casregistry.List(casregistry.UsageDaemon) {
			if b.Description == "" {
				_, _ = fmt.Fprintf(os.Stdout, "%s\n", b.Name)
				continue
			}
			_, _ = fmt.Fprintf(os.Stdout, "%s\t%s\n", b.Name, b.Description)
		}
		return
	}

	log, err := logx.New(os.Stderr, *logLevel, *logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cas, closeFn, err := open(*casConfig, *backend)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if closeFn != nil {
		defer closeFn()
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer lis.Close()

	s := grpc.NewServer(grpc.MaxRecvMsgSize(*maxMsg), grpc.MaxSendMsgSize(*maxMsg))
	grpccas.RegisterCASServer(s, &grpccas.Server{CAS: cas, Logger: log})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	log.WithFields(logrus.Fields{"addr": lis.Addr().String(), "backend": *backend}).Info("sealgate-casgrpcd listening")
	if err := s.Serve(lis); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func open(configPath, backend string) (storage.CAS, func() error, error) {
	if configPath == "" {
		return casregistry.Open(backend, casregistry.UsageDaemon)
	}
	cfg, err := casconfig.LoadFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg.Open(casregistry.UsageDaemon, "")
}
