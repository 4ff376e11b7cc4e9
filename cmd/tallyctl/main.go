package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"turingvote/config"
	"turingvote/crypto"
)

const (
	defaultServer  = "http://127.0.0.1:8088"
	defaultPassEnv = "TALLYD_KEYSTORE_PASSPHRASE"
	defaultToken   = "TALLYCTL_TOKEN"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "keygen":
		return runKeygen(rest, stdout)
	case "init-config":
		return runInitConfig(rest, stdout)
	case "token":
		return runToken(rest, stdout)
	case "leaderboard", "state", "vote", "grant", "toggle", "voting-on", "voting-off", "reload", "connect", "disconnect":
		return runRemote(cmd, rest, stdout)
	default:
		usage(stderr)
		return errUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: tallyctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Local commands:")
	fmt.Fprintln(w, "  keygen        create an encrypted keystore")
	fmt.Fprintln(w, "  init-config   write a dev mode tallyd configuration")
	fmt.Fprintln(w, "  token         mint an operator bearer token")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Remote commands (against tallyd):")
	fmt.Fprintln(w, "  leaderboard, state, vote, grant, toggle, voting-on, voting-off, reload, connect, disconnect")
}

func runKeygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	out := fs.String("out", "tallyd.keystore", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	light := fs.Bool("light", false, "Use light scrypt parameters (development only)")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pass := os.Getenv(*passEnv)
	if pass == "" {
		return fmt.Errorf("environment variable %s is empty", *passEnv)
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", *out)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	params := crypto.StandardScrypt
	if *light {
		params = crypto.LightScrypt
	}
	if err := crypto.SaveToKeystoreWithParams(*out, key, pass, params); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Keystore written to %s\nAddress: %s\n", *out, key.Address().Hex())
	return nil
}

func runInitConfig(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init-config", flag.ContinueOnError)
	out := fs.String("out", "tallyd.yaml", "Output path (.yaml or .toml)")
	candidates := fs.String("candidates", "", "Comma separated roster for the dev ledger")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := config.Default()
	if list := splitList(*candidates); len(list) > 0 {
		cfg.Dev.Candidates = list
	}
	if err := config.Save(*out, cfg); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Configuration written to %s\n", *out)
	return nil
}

func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secretEnv := fs.String("secret-env", "TALLYD_HMAC_SECRET", "Environment variable containing the HMAC secret")
	subject := fs.String("sub", "operator", "Token subject")
	issuer := fs.String("iss", "", "Token issuer")
	audience := fs.String("aud", "", "Token audience")
	scopes := fs.String("scopes", "votes:cast", "Comma separated scopes")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret := strings.TrimSpace(os.Getenv(*secretEnv))
	if secret == "" {
		return fmt.Errorf("environment variable %s is empty", *secretEnv)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   *subject,
		"iat":   now.Unix(),
		"exp":   now.Add(*ttl).Unix(),
		"scope": strings.Join(splitList(*scopes), " "),
	}
	if *issuer != "" {
		claims["iss"] = *issuer
	}
	if *audience != "" {
		claims["aud"] = *audience
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, signed)
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
