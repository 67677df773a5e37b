package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"reservebank/crypto"
)

type keygenOptions struct {
	prefix string
	out    string
	show   bool
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	opts := keygenOptions{}
	fs.StringVar(&opts.prefix, "prefix", string(crypto.AdminPrefix), "Address prefix: lendop for operators, lend for users")
	fs.StringVar(&opts.out, "out", "lendctl.key", "Key file path")
	fs.BoolVar(&opts.show, "show", false, "Print the address of an existing key file instead of generating one")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		addr crypto.Address
		err  error
	)
	if opts.show {
		addr, err = keyAddress(opts.out, opts.prefix)
	} else {
		addr, err = generateKey(opts.out, opts.prefix)
	}
	if err != nil {
		return err
	}
	if !opts.show {
		fmt.Fprintf(out, "Generated new key and saved to %s\n", opts.out)
	}
	_, err = fmt.Fprintf(out, "Address: %s\n", addr)
	return err
}

func keyPrefix(raw string) (crypto.AddressPrefix, error) {
	switch prefix := crypto.AddressPrefix(raw); prefix {
	case crypto.AdminPrefix, crypto.UserPrefix:
		return prefix, nil
	default:
		return "", fmt.Errorf("unsupported -prefix %q", raw)
	}
}

// generateKey writes a fresh secp256k1 key to path and returns its address.
// An existing file is never overwritten.
func generateKey(path, rawPrefix string) (crypto.Address, error) {
	prefix, err := keyPrefix(rawPrefix)
	if err != nil {
		return crypto.Address{}, err
	}
	if _, err := os.Stat(path); err == nil {
		return crypto.Address{}, fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return crypto.Address{}, err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return crypto.Address{}, err
	}
	if err := os.WriteFile(path, key.Bytes(), 0o600); err != nil {
		return crypto.Address{}, fmt.Errorf("save key to %s: %w", path, err)
	}
	return key.PubKey().Address(prefix), nil
}

func keyAddress(path, rawPrefix string) (crypto.Address, error) {
	prefix, err := keyPrefix(rawPrefix)
	if err != nil {
		return crypto.Address{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.PrivateKeyFromBytes(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("load key %s: %w", path, err)
	}
	return key.PubKey().Address(prefix), nil
}
