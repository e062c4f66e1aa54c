package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"xdao.co/sealgate/blobstore"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/model"
	"xdao.co/sealgate/sealerr"
)

// commandContext is cancelled on interrupt so an in-flight resolution ends
// as Cancelled rather than being killed mid-store.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func cmdIdentity(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("identity", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var publication string
	var label string
	var decode string
	fs.StringVar(&publication, "publication", "", "Publication object id (0x-prefixed hex)")
	fs.StringVar(&label, "label", "", "Content label")
	fs.StringVar(&decode, "decode", "", "Decode an identity given as hex")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	var id identity.ContentIdentity
	var err error
	switch {
	case decode != "":
		id, err = identity.ParseHex(decode)
	case publication == "":
		fmt.Fprintln(errOut, "missing --publication")
		return 2
	default:
		pub, perr := ids.ParseObjectID(publication)
		if perr != nil {
			fmt.Fprintf(errOut, "invalid --publication: %v\n", perr)
			return 2
		}
		id, err = identity.Encode(pub, label)
	}
	if err != nil {
		return fail(errOut, "identity", err)
	}
	_ = writeJSON(out, model.FromIdentity(id))
	return 0
}

type encryptFlags struct {
	session     sessionFlags
	publication string
	label       string
	in          string
	out         string
}

func (f *encryptFlags) parse(name string, args []string, errOut io.Writer) (ids.PublicationID, bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(errOut)
	f.session.register(fs, false)
	fs.StringVar(&f.publication, "publication", "", "Publication object id (0x-prefixed hex)")
	fs.StringVar(&f.label, "label", "", "Content label")
	fs.StringVar(&f.in, "in", "", "Plaintext file (default stdin)")
	if name == "encrypt" {
		fs.StringVar(&f.out, "out", "", "Write the encrypted blob here instead of embedding it in the JSON result")
	}
	if err := fs.Parse(args); err != nil {
		return ids.PublicationID{}, false
	}
	if f.session.configPath == "" {
		fmt.Fprintln(errOut, "missing --config")
		return ids.PublicationID{}, false
	}
	if f.publication == "" {
		fmt.Fprintln(errOut, "missing --publication")
		return ids.PublicationID{}, false
	}
	pub, err := ids.ParseObjectID(f.publication)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --publication: %v\n", err)
		return ids.PublicationID{}, false
	}
	return pub, true
}

func cmdEncrypt(args []string, out io.Writer, errOut io.Writer) int {
	var f encryptFlags
	pub, ok := f.parse("encrypt", args, errOut)
	if !ok {
		return 2
	}
	plaintext, err := readInput(f.in, stdin)
	if err != nil {
		fmt.Fprintf(errOut, "read --in: %v\n", err)
		return 1
	}
	s, err := f.session.open(errOut, true, false, false)
	if err != nil {
		fmt.Fprintf(errOut, "setup: %v\n", err)
		return 1
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()
	id, blob, err := s.client.Encrypt(ctx, plaintext, pub, f.label)
	if err != nil {
		return fail(errOut, "encrypt", err)
	}

	res := model.EncryptResult{Identity: model.FromIdentity(id), Threshold: s.client.Threshold().String()}
	if f.out != "" {
		if err := writeOutput(f.out, out, blob); err != nil {
			fmt.Fprintf(errOut, "write --out: %v\n", err)
			return 1
		}
	} else {
		res.Blob = blob
	}
	_ = writeJSON(out, res)
	return 0
}

func cmdPublish(args []string, out io.Writer, errOut io.Writer) int {
	var f encryptFlags
	pub, ok := f.parse("publish", args, errOut)
	if !ok {
		return 2
	}
	plaintext, err := readInput(f.in, stdin)
	if err != nil {
		fmt.Fprintf(errOut, "read --in: %v\n", err)
		return 1
	}
	s, err := f.session.open(errOut, true, false, true)
	if err != nil {
		fmt.Fprintf(errOut, "setup: %v\n", err)
		return 1
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()
	id, h, err := s.client.Publish(ctx, plaintext, pub, f.label)
	if err != nil {
		return fail(errOut, "publish", err)
	}
	_ = writeJSON(out, model.EncryptResult{
		Identity:  model.FromIdentity(id),
		Threshold: s.client.Threshold().String(),
		Handle:    h.String(),
		Size:      h.Size,
	})
	return 0
}

type decryptFlags struct {
	session  sessionFlags
	identity string
	handle   string
	creds    stringList
	in       string
	out      string
}

func (f *decryptFlags) parse(name string, args []string, errOut io.Writer) (model.DecryptRequest, bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(errOut)
	f.session.register(fs, true)
	fs.StringVar(&f.identity, "identity", "", "Content identity (hex)")
	fs.Var(&f.creds, "creds", "Credentials JSON file (repeatable)")
	fs.StringVar(&f.out, "out", "", "Write plaintext here instead of embedding it in the JSON decision")
	if name == "fetch" {
		fs.StringVar(&f.handle, "handle", "", "Blob handle <cid>:<size>")
	} else {
		fs.StringVar(&f.in, "in", "", "Encrypted blob file (default stdin)")
	}

	if err := fs.Parse(args); err != nil {
		return model.DecryptRequest{}, false
	}
	switch {
	case f.session.configPath == "":
		fmt.Fprintln(errOut, "missing --config")
		return model.DecryptRequest{}, false
	case f.identity == "":
		fmt.Fprintln(errOut, "missing --identity")
		return model.DecryptRequest{}, false
	case len(f.creds) == 0:
		fmt.Fprintln(errOut, "missing --creds")
		return model.DecryptRequest{}, false
	case name == "fetch" && f.handle == "":
		fmt.Fprintln(errOut, "missing --handle")
		return model.DecryptRequest{}, false
	}

	req := model.DecryptRequest{Identity: f.identity, Handle: f.handle}
	for _, path := range f.creds {
		b, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(errOut, "read --creds %s: %v\n", path, err)
			return model.DecryptRequest{}, false
		}
		var list []json.RawMessage
		if err := json.Unmarshal(b, &list); err != nil {
			fmt.Fprintf(errOut, "invalid --creds %s: %v\n", path, err)
			return model.DecryptRequest{}, false
		}
		req.Credentials = append(req.Credentials, list...)
	}
	return req, true
}

// decide runs one decryption and prints its decision.
func decide(f *decryptFlags, req model.DecryptRequest, needBlobs bool, out, errOut io.Writer) int {
	id, err := req.ParseIdentity()
	if err != nil {
		return fail(errOut, "invalid --identity", err)
	}
	h, err := req.ParseHandle()
	if err != nil {
		return fail(errOut, "invalid --handle", err)
	}
	s, err := f.session.open(errOut, true, true, needBlobs)
	if err != nil {
		fmt.Fprintf(errOut, "setup: %v\n", err)
		return 1
	}
	defer s.Close()

	candidates, dropped := req.Candidates()
	if dropped > 0 {
		s.log.WithField("dropped", dropped).Debug("unparseable credentials skipped")
	}

	ctx, cancel := commandContext()
	defer cancel()
	var plaintext []byte
	if needBlobs {
		plaintext, err = s.client.Fetch(ctx, h, id, candidates...)
	} else {
		plaintext, err = s.client.Decrypt(ctx, req.Blob, id, candidates...)
	}

	switch {
	case err == nil:
	case sealerr.Is(err, sealerr.CodeNoAccess), sealerr.Is(err, sealerr.CodeCancelled):
		_ = writeJSON(out, model.Denied(err))
		return exitDenied
	default:
		return fail(errOut, "decrypt", err)
	}

	d := model.Granted(plaintext)
	if f.out != "" {
		if err := writeOutput(f.out, out, plaintext); err != nil {
			fmt.Fprintf(errOut, "write --out: %v\n", err)
			return 1
		}
		d.Plaintext = nil
	}
	_ = writeJSON(out, d)
	return 0
}

func cmdDecrypt(args []string, out io.Writer, errOut io.Writer) int {
	var f decryptFlags
	req, ok := f.parse("decrypt", args, errOut)
	if !ok {
		return 2
	}
	blob, err := readInput(f.in, stdin)
	if err != nil {
		fmt.Fprintf(errOut, "read --in: %v\n", err)
		return 1
	}
	req.Blob = blob
	return decide(&f, req, false, out, errOut)
}

func cmdFetch(args []string, out io.Writer, errOut io.Writer) int {
	var f decryptFlags
	req, ok := f.parse("fetch", args, errOut)
	if !ok {
		return 2
	}
	return decide(&f, req, true, out, errOut)
}

func cmdPut(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var f sessionFlags
	var retention uint
	f.register(fs, false)
	fs.UintVar(&retention, "retention", 0, "Storage epochs to retain the blob for (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(errOut, "usage: sealgate put [flags] [<file>]")
		return 2
	}
	b, err := readInput(fs.Arg(0), stdin)
	if err != nil {
		fmt.Fprintf(errOut, "read: %v\n", err)
		return 1
	}
	s, err := f.open(errOut, false, false, true)
	if err != nil {
		fmt.Fprintf(errOut, "setup: %v\n", err)
		return 1
	}
	defer s.Close()
	epochs := s.cfg.Retention
	if retention > 0 {
		epochs = uint32(retention)
	}

	ctx, cancel := commandContext()
	defer cancel()
	h, err := s.blobs.Store(ctx, b, epochs)
	if err != nil {
		return fail(errOut, "put", err)
	}
	_, _ = fmt.Fprintln(out, h.String())
	return 0
}

func cmdGet(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var f sessionFlags
	var handle string
	var outPath string
	f.register(fs, false)
	fs.StringVar(&handle, "handle", "", "Blob handle <cid>:<size>")
	fs.StringVar(&outPath, "out", "", "Output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if handle == "" {
		fmt.Fprintln(errOut, "missing --handle")
		return 2
	}
	h, err := blobstore.ParseHandle(handle)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --handle: %v\n", err)
		return 2
	}
	s, err := f.open(errOut, false, false, true)
	if err != nil {
		fmt.Fprintf(errOut, "setup: %v\n", err)
		return 1
	}
	defer s.Close()

	ctx, cancel := commandContext()
	defer cancel()
	b, err := s.blobs.Load(ctx, h)
	if err != nil {
		return fail(errOut, "get", err)
	}
	if err := writeOutput(outPath, out, b); err != nil {
		fmt.Fprintf(errOut, "write: %v\n", err)
		return 1
	}
	return 0
}
