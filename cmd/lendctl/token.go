package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"reservebank/cmd/internal/passphrase"
	"reservebank/crypto"
	"reservebank/services/lendingd/server"
)

type secretSource interface {
	Get() (string, error)
}

type tokenOptions struct {
	subject  string
	scopes   string
	ttl      time.Duration
	issuer   string
	audience string
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	opts := tokenOptions{}
	fs.StringVar(&opts.subject, "sub", "", "Bech32 address the token is issued to")
	fs.StringVar(&opts.scopes, "scope", server.ScopeWrite, "Comma separated scopes")
	fs.DurationVar(&opts.ttl, "ttl", time.Hour, "Token lifetime")
	fs.StringVar(&opts.issuer, "issuer", "", "Issuer claim expected by lendingd")
	fs.StringVar(&opts.audience, "audience", "", "Audience claim expected by lendingd")
	secretEnv := fs.String("secret-env", defaultSecret, "Environment variable holding the HMAC secret")
	if err := fs.Parse(args); err != nil {
		return err
	}

	token, err := issueToken(passphrase.NewSource(*secretEnv, "HMAC secret"), opts, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func issueToken(secret secretSource, opts tokenOptions, now time.Time) (string, error) {
	subject, err := crypto.DecodeAddress(strings.TrimSpace(opts.subject))
	if err != nil {
		return "", fmt.Errorf("invalid -sub: %w", err)
	}
	scopes := splitScopes(opts.scopes)
	if len(scopes) == 0 {
		return "", fmt.Errorf("at least one scope is required")
	}
	value, err := secret.Get()
	if err != nil {
		return "", err
	}
	cfg := server.AuthConfig{Issuer: opts.issuer, Audience: opts.audience}
	return server.IssueToken([]byte(value), cfg, subject, scopes, opts.ttl, now)
}

func splitScopes(raw string) []string {
	var scopes []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			scopes = append(scopes, part)
		}
	}
	return scopes
}
