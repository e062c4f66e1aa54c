package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"xdao.co/sealgate/config"
	"xdao.co/sealgate/ibe"
	"xdao.co/sealgate/internal/logx"
	"xdao.co/sealgate/keyserver"
	"xdao.co/sealgate/keyserver/grpcks"
	"xdao.co/sealgate/ledger"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	configPath string
	id         string
	listen     string
	masterKey  string
	ledgerPath string
	requestTTL time.Duration
	clockSkew  time.Duration
	logLevel   string
	logFormat  string
	initMaster bool
	printPub   bool
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("sealgate-keyserverd", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var o options
	fs.StringVar(&o.configPath, "config", "", "Config file; its server, request_ttl and log sections are used")
	fs.StringVar(&o.id, "id", "", "Server id announced to clients")
	fs.StringVar(&o.listen, "listen", "", "Listen address (default 127.0.0.1:7443)")
	fs.StringVar(&o.masterKey, "master-key", "", "Master key file (hex)")
	fs.StringVar(&o.ledgerPath, "ledger", "", "Ledger snapshot file (JSON); reloaded on SIGHUP")
	fs.DurationVar(&o.requestTTL, "request-ttl", 0, "Maximum age of a key request")
	fs.DurationVar(&o.clockSkew, "clock-skew", 0, "Tolerated future skew of a key request")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level")
	fs.StringVar(&o.logFormat, "log-format", "", "Log format: text or json")
	fs.BoolVar(&o.initMaster, "init-master", false, "Create --master-key if missing, print its public key and exit")
	fs.BoolVar(&o.printPub, "print-public-key", false, "Print the public key of --master-key and exit")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := o.merge(); err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if o.masterKey == "" {
		fmt.Fprintln(errOut, "missing --master-key")
		return 2
	}

	if o.initMaster {
		return initMaster(o.masterKey, out, errOut)
	}
	master, err := keyserver.LoadMasterKey(o.masterKey)
	if err != nil {
		fmt.Fprintf(errOut, "master key: %v\n", err)
		return 1
	}
	if o.printPub {
		return printPublicKey(master, out, errOut)
	}

	if o.id == "" {
		fmt.Fprintln(errOut, "missing --id")
		return 2
	}
	if o.ledgerPath == "" {
		fmt.Fprintln(errOut, "missing --ledger")
		return 2
	}
	log, err := logx.New(errOut, o.logLevel, o.logFormat)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	led, err := ledger.LoadFile(o.ledgerPath, nil)
	if err != nil {
		fmt.Fprintf(errOut, "ledger: %v\n", err)
		return 1
	}
	srv, err := keyserver.New(master, keyserver.Options{
		ID:         o.id,
		Policy:     led.Policy(),
		RequestTTL: o.requestTTL,
		ClockSkew:  o.clockSkew,
		Logger:     log,
	})
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go reloadOnHangup(ctx, led, o.ledgerPath, log)

	if err := serve(ctx, o.listen, srv, log); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

// merge fills unset flags from the config file.
func (o *options) merge() error {
	if o.configPath != "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return err
		}
		pick := func(flagVal *string, cfgVal string) {
			if *flagVal == "" {
				*flagVal = cfgVal
			}
		}
		pick(&o.id, cfg.Server.ID)
		pick(&o.listen, cfg.Server.Listen)
		pick(&o.masterKey, cfg.Server.MasterKey)
		pick(&o.ledgerPath, cfg.Server.LedgerSnapshot)
		pick(&o.logLevel, cfg.Log.Level)
		pick(&o.logFormat, cfg.Log.Format)
		if o.requestTTL == 0 {
			o.requestTTL = cfg.RequestTTL.Std()
		}
		if o.clockSkew == 0 {
			o.clockSkew = cfg.Server.ClockSkew.Std()
		}
	}
	if o.listen == "" {
		o.listen = "127.0.0.1:7443"
	}
	if o.requestTTL < 0 || o.clockSkew < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

func initMaster(path string, out, errOut io.Writer) int {
	master, err := keyserver.LoadMasterKey(path)
	if errors.Is(err, os.ErrNotExist) {
		if master, err = ibe.GenerateMasterKey(rand.Reader); err == nil {
			err = keyserver.WriteMasterKey(path, master)
		}
	}
	if err != nil {
		fmt.Fprintf(errOut, "master key: %v\n", err)
		return 1
	}
	return printPublicKey(master, out, errOut)
}

func printPublicKey(master *ibe.MasterKey, out, errOut io.Writer) int {
	b, err := master.PublicKey().MarshalBinary()
	if err != nil {
		fmt.Fprintf(errOut, "public key: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(out, hex.EncodeToString(b))
	return 0
}

func reloadOnHangup(ctx context.Context, led *ledger.Memory, path string, log *logrus.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := led.ReloadFile(path); err != nil {
				log.WithError(err).Error("ledger reload failed")
				continue
			}
			log.WithField("path", path).Info("ledger reloaded")
		}
	}
}

func serve(ctx context.Context, listen string, srv *keyserver.Server, log *logrus.Logger) error {
	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	defer lis.Close()

	s := grpc.NewServer()
	grpcks.RegisterKeyServerServer(s, &grpcks.Server{Backend: srv, Logger: log})

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	log.WithFields(logrus.Fields{"addr": lis.Addr().String(), "id": srv.ID()}).Info("sealgate-keyserverd listening")
	return s.Serve(lis)
}
