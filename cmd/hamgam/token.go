package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/4xmen/hamgam/internal/auth"
	"github.com/4xmen/hamgam/pkg/config"
)

type tokenOptions struct {
	UserID string
	TTL    time.Duration
}

func parseTokenArgs(cfg *config.Config, args []string) (tokenOptions, error) {
	opts := tokenOptions{TTL: cfg.TokenTTL}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--ttl":
			i++
			if i >= len(args) {
				return opts, fmt.Errorf("--ttl requires a duration")
			}
			ttl, err := time.ParseDuration(args[i])
			if err != nil || ttl <= 0 {
				return opts, fmt.Errorf("invalid --ttl %q", args[i])
			}
			opts.TTL = ttl
		default:
			if strings.HasPrefix(args[i], "-") {
				return opts, fmt.Errorf("unknown token flag: %s", args[i])
			}
			if opts.UserID != "" {
				return opts, fmt.Errorf("unexpected argument: %s", args[i])
			}
			opts.UserID = args[i]
		}
	}

	if strings.TrimSpace(opts.UserID) == "" {
		return opts, fmt.Errorf("missing user id")
	}
	return opts, nil
}

func runToken(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseTokenArgs(cfg, args)
	if err != nil {
		return err
	}

	token, err := auth.New(cfg.JWTSecret).GenerateTokenWithTTL(opts.UserID, opts.TTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
