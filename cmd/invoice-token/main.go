// invoice-token encodes and checks customer view tokens for support staff
// and hashes advisor API keys for ADVISOR_KEY_HASHES.
//
//	invoice-token encode --env inv --account ACC-77 --invoice 100234
//	invoice-token decode <token>
//	invoice-token url --origin https://shop.example --env inv --account ACC-77 --invoice 100234
//	invoice-token hash-key --algorithm argon2 <advisor key>
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/webtech-soft/CustomerView/internal/customerview"
	"github.com/webtech-soft/CustomerView/internal/invoicetoken"
)

// errInvalidToken maps to exit status 2 so scripts can tell a bad token from
// a usage error.
var errInvalidToken = errors.New("token is not valid")

func main() {
	err := run(os.Args[1:], os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, errInvalidToken):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: invoice-token encode|decode|url|hash-key [flags]")
	}
	cmd, args := args[0], args[1:]

	var p invoicetoken.Params
	var signerKind, secret, origin, algorithm string
	flagSet := pflag.NewFlagSet("invoice-token "+cmd, pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&signerKind, "signer", envOr("TOKEN_SIGNER", invoicetoken.SignerChecksum), "checksum or keyed")
	flagSet.StringVar(&secret, "secret", os.Getenv("TOKEN_SECRET"), "secret for the keyed signer")
	if cmd == "encode" || cmd == "url" {
		flagSet.StringVar(&p.E, "env", "inv", "environment tag")
		flagSet.StringVar(&p.A, "account", "", "account number")
		flagSet.StringVar(&p.I, "invoice", "", "invoice (ticket) number")
	}
	if cmd == "url" {
		flagSet.StringVar(&origin, "origin", envOr("PUBLIC_ORIGIN", "http://localhost:8080"), "customer view origin")
	}
	if cmd == "hash-key" {
		flagSet.StringVar(&algorithm, "algorithm", customerview.AlgorithmBcrypt, "bcrypt or argon2")
	}
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if cmd == "hash-key" {
		if flagSet.NArg() != 1 {
			return errors.New("usage: invoice-token hash-key [--algorithm bcrypt|argon2] <key>")
		}
		hash, err := customerview.HashAdvisorKey(flagSet.Arg(0), algorithm)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, hash)
		return err
	}

	signer, err := invoicetoken.NewSigner(signerKind, secret)
	if err != nil {
		return err
	}
	codec := invoicetoken.NewCodec(signer, nil)

	switch cmd {
	case "encode", "url":
		if p.E == "" || p.A == "" || p.I == "" {
			return errors.New("--env, --account and --invoice are required")
		}
		if cmd == "encode" {
			_, err = fmt.Fprintln(stdout, codec.Encode(p))
		} else {
			_, err = fmt.Fprintln(stdout, codec.CustomerViewURL(p, origin))
		}
		return err
	case "decode":
		if flagSet.NArg() != 1 {
			return errors.New("usage: invoice-token decode <token>")
		}
		decoded, ok := codec.Decode(flagSet.Arg(0))
		if !ok {
			return errInvalidToken
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decoded)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
