// Command callbackctl issues and inspects callback URLs offline, using the service
// configuration and keys, and mints admin service tokens.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/auth"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/callback"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/config"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/keyprovider"
)

const usage = `usage: callbackctl <command> [flags]

commands:
  create   issue callback URLs for a task token
  inspect  decode a credential or callback URL (the task token is never printed)
  token    mint a service token for the admin API
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	var err error
	switch args[0] {
	case "create":
		err = runCreate(ctx, args[1:], stdin, stdout, stderr)
	case "inspect":
		err = runInspect(ctx, args[1:], stdout, stderr)
	case "token":
		err = runToken(args[1:], stdout, stderr)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "callbackctl %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func runCreate(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to callbacks.yaml (default $CALLBACKS_CONFIG)")
	requestPath := fs.String("request", "", "Create request JSON file, or - for stdin")
	token := fs.String("token", "", "Task token to bind")
	actions := fs.String("actions", "success,failure", "Comma-separated action types")
	payload := fs.String("payload", "", "JSON object baked in as success output and failure details")
	expiration := fs.String("expiration", "", "RFC 3339 expiration time")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := buildCreateRequest(*requestPath, *token, *actions, *payload, *expiration, stdin)
	if err != nil {
		return err
	}
	cfg, codec, err := loadCodec(ctx, *configPath)
	if err != nil {
		return err
	}
	enc, err := callback.NewEncoder(codec, callback.EncoderConfig{
		BaseURL: cfg.BaseURL,
		Issuer:  cfg.Issuer,
		Policy:  callback.Policy{DisableOutputParameters: cfg.DisableOutputParameters},
	}, zap.NewNop())
	if err != nil {
		return err
	}
	res, err := enc.CreateURLs(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(stdout, res)
}

func buildCreateRequest(requestPath, token, actions, payload, expiration string, stdin io.Reader) (*callback.CreateRequest, error) {
	if requestPath != "" {
		var body []byte
		var err error
		if requestPath == "-" {
			body, err = io.ReadAll(stdin)
		} else {
			body, err = os.ReadFile(requestPath)
		}
		if err != nil {
			return nil, fmt.Errorf("read request: %w", err)
		}
		return callback.ParseCreateRequest(body)
	}

	if token == "" {
		return nil, errors.New("-token or -request is required")
	}
	var out map[string]any
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &out); err != nil {
			return nil, fmt.Errorf("-payload must be a JSON object: %w", err)
		}
	}
	named, err := callback.ActionsFromPayload(splitList(actions), out)
	if err != nil {
		return nil, err
	}
	req := &callback.CreateRequest{TaskToken: token, Actions: named}
	if expiration != "" {
		req.Expiration, err = time.Parse(time.RFC3339, expiration)
		if err != nil {
			return nil, fmt.Errorf("-expiration: %w", err)
		}
	}
	return req, nil
}

func runInspect(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to callbacks.yaml (default $CALLBACKS_CONFIG)")
	credential := fs.String("credential", "", "Credential or full callback URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *credential == "" && fs.NArg() > 0 {
		*credential = fs.Arg(0)
	}
	if *credential == "" {
		return errors.New("-credential is required")
	}

	_, codec, err := loadCodec(ctx, *configPath)
	if err != nil {
		return err
	}
	in, err := codec.Inspect(ctx, credentialFromArg(*credential), time.Now())
	if err != nil {
		return err
	}
	return printJSON(stdout, in)
}

func runToken(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	secret := fs.String("secret", os.Getenv("CALLBACKS_ADMIN_JWT_SECRET"), "HMAC signing secret")
	issuer := fs.String("issuer", "", "Token issuer (default shannon-callbacks)")
	subject := fs.String("subject", "", "Calling service name")
	scopes := fs.String("scopes", auth.ScopeCallbacksCreate, "Comma-separated scopes")
	ttl := fs.Duration("ttl", 15*time.Minute, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" {
		return errors.New("-secret or CALLBACKS_ADMIN_JWT_SECRET is required")
	}
	if *subject == "" {
		return errors.New("-subject is required")
	}
	tok, err := auth.NewJWTManager(*secret, *issuer, *ttl).GenerateServiceToken(*subject, splitList(*scopes)...)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, tok)
	return err
}

// loadCodec builds a codec with the configured key provider, if any.
func loadCodec(ctx context.Context, path string) (*config.Config, *callback.Codec, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	var provider keyprovider.Provider
	if kp := cfg.KeyProvider(); kp != nil {
		provider, err = keyprovider.New(ctx, *kp)
		if err != nil {
			return nil, nil, err
		}
	}
	return cfg, callback.NewCodec(provider, zap.NewNop()), nil
}

// credentialFromArg accepts a bare credential or a URL carrying one in its token parameter.
func credentialFromArg(s string) string {
	if u, err := url.Parse(s); err == nil && u.IsAbs() {
		if tok := u.Query().Get("token"); tok != "" {
			return tok
		}
	}
	return s
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
