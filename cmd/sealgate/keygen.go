package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"io"

	"xdao.co/sealgate/keys"
	"xdao.co/sealgate/model"
)

func cmdKeygen(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printKeygenUsage(errOut)
		return 2
	}
	switch args[0] {
	case "init":
		return cmdKeygenInit(args[1:], out, errOut)
	case "derive":
		return cmdKeygenDerive(args[1:], out, errOut)
	case "list":
		return cmdKeygenList(args[1:], out, errOut)
	case "export":
		return cmdKeygenExport(args[1:], out, errOut)
	case "help", "-h", "--help":
		printKeygenUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown keygen subcommand: %s\n\n", args[0])
		printKeygenUsage(errOut)
		return 2
	}
}

func printKeygenUsage(w io.Writer) {
	fmt.Fprintln(w, "sealgate keygen: local signing keys for key-server requests")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  sealgate keygen init --name <name> [--alg ed25519|dilithium3] [--seed-hex <64hex>] [--force]")
	fmt.Fprintln(w, "  sealgate keygen derive --from <name> --role <role> [--force]")
	fmt.Fprintln(w, "  sealgate keygen list")
	fmt.Fprintln(w, "  sealgate keygen export --name <name> [--role <role>]")
}

func keyStore(dir string, errOut io.Writer) (*keys.KeyStore, bool) {
	ks, err := keys.CreateKeyStore(dir)
	if err != nil {
		fmt.Fprintf(errOut, "keys: %v\n", err)
		return nil, false
	}
	return ks, true
}

// keyResult renders a formatted public key as a model.Key.
func keyResult(name, role, pub, path string) (model.Key, error) {
	alg, raw, err := keys.ParsePublicKey(pub)
	if err != nil {
		return model.Key{}, err
	}
	return model.Key{
		Identifier: name,
		Role:       role,
		PublicKey:  pub,
		Address:    keys.AddressOf(alg, raw).String(),
		Path:       path,
	}, nil
}

func cmdKeygenInit(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("keygen init", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var name string
	var algName string
	var seedHex string
	var dir string
	var force bool

	fs.StringVar(&name, "name", "", "Key name (directory under the key store)")
	fs.StringVar(&algName, "alg", string(keys.AlgEd25519), "Signature algorithm: ed25519 or dilithium3")
	fs.StringVar(&seedHex, "seed-hex", "", "Optional 32-byte seed as 64 hex chars (for reproducible demos)")
	fs.StringVar(&dir, "keys-dir", "", "Key store directory (default ~/.sealgate/keys)")
	fs.BoolVar(&force, "force", false, "Overwrite existing key files")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(errOut, "missing --name")
		return 2
	}
	if err := keys.CheckKeyName(name); err != nil {
		fmt.Fprintf(errOut, "invalid --name: %v\n", err)
		return 2
	}
	alg, err := keys.ParseAlg(algName)
	if err != nil {
		fmt.Fprintf(errOut, "invalid --alg: %v\n", err)
		return 2
	}
	ks, ok := keyStore(dir, errOut)
	if !ok {
		return 1
	}

	var seed []byte
	if seedHex != "" {
		var derr error
		seed, derr = keys.ParseSeedHex(seedHex)
		if derr != nil {
			fmt.Fprintf(errOut, "invalid --seed-hex: %v\n", derr)
			return 2
		}
	} else {
		if seed, err = keys.GenerateSeed(rand.Reader); err != nil {
			fmt.Fprintf(errOut, "rand: %v\n", err)
			return 1
		}
	}

	pub, rootPath, err := ks.InitializeRootKey(name, alg, seed, force)
	if err != nil {
		fmt.Fprintf(errOut, "write key: %v\n", err)
		return 1
	}
	res, err := keyResult(name, "", pub, rootPath)
	if err != nil {
		fmt.Fprintf(errOut, "key: %v\n", err)
		return 1
	}
	_ = writeJSON(out, res)
	return 0
}

func cmdKeygenDerive(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("keygen derive", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var from string
	var role string
	var dir string
	var force bool

	fs.StringVar(&from, "from", "", "Root key name")
	fs.StringVar(&role, "role", "", "Role identifier (e.g. reader, publisher)")
	fs.StringVar(&dir, "keys-dir", "", "Key store directory (default ~/.sealgate/keys)")
	fs.BoolVar(&force, "force", false, "Overwrite existing key files")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if from == "" {
		fmt.Fprintln(errOut, "missing --from")
		return 2
	}
	if role == "" {
		fmt.Fprintln(errOut, "missing --role")
		return 2
	}
	if err := keys.CheckKeyName(from); err != nil {
		fmt.Fprintf(errOut, "invalid --from: %v\n", err)
		return 2
	}
	if err := keys.CheckRole(role); err != nil {
		fmt.Fprintf(errOut, "invalid --role: %v\n", err)
		return 2
	}
	ks, ok := keyStore(dir, errOut)
	if !ok {
		return 1
	}
	pub, rolePath, err := ks.DeriveKeyFromRole(from, role, force)
	if err != nil {
		fmt.Fprintf(errOut, "derive role key: %v\n", err)
		return 1
	}
	res, err := keyResult(from, role, pub, rolePath)
	if err != nil {
		fmt.Fprintf(errOut, "key: %v\n", err)
		return 1
	}
	_ = writeJSON(out, res)
	return 0
}

func cmdKeygenExport(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("keygen export", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var name string
	var role string
	var dir string

	fs.StringVar(&name, "name", "", "Key name")
	fs.StringVar(&role, "role", "", "Optional role (if set, exports derived role key)")
	fs.StringVar(&dir, "keys-dir", "", "Key store directory (default ~/.sealgate/keys)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(errOut, "missing --name")
		return 2
	}
	if err := keys.CheckKeyName(name); err != nil {
		fmt.Fprintf(errOut, "invalid --name: %v\n", err)
		return 2
	}
	if role != "" {
		if err := keys.CheckRole(role); err != nil {
			fmt.Fprintf(errOut, "invalid --role: %v\n", err)
			return 2
		}
	}
	ks, ok := keyStore(dir, errOut)
	if !ok {
		return 1
	}
	pub, err := ks.ExportKey(name, role)
	if err != nil {
		fmt.Fprintf(errOut, "export key: %v\n", err)
		return 1
	}
	res, err := keyResult(name, role, pub, "")
	if err != nil {
		fmt.Fprintf(errOut, "key: %v\n", err)
		return 1
	}
	_ = writeJSON(out, res)
	return 0
}

func cmdKeygenList(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("keygen list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var dir string
	fs.StringVar(&dir, "keys-dir", "", "Key store directory (default ~/.sealgate/keys)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ks, ok := keyStore(dir, errOut)
	if !ok {
		return 1
	}
	entries, err := ks.ListKeys()
	if err != nil {
		fmt.Fprintf(errOut, "list keys: %v\n", err)
		return 1
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\t%s\n", e.Identifier, e.Alg)
		for _, r := range e.Roles {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
	return 0
}
