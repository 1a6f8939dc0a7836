package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/relves/anonsignal/pkg/client"
	"github.com/relves/anonsignal/pkg/identity"
	"github.com/relves/anonsignal/pkg/policy"
	"github.com/relves/anonsignal/pkg/prover"
	"github.com/relves/anonsignal/pkg/types"
	"github.com/relves/anonsignal/pkg/zkengine"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: anonsignal-client <register|signal|members> [options]

Subcommands:
  register   Register the seed's identity commitment in a group
             Flags: -user <name> -ref <admission ref>
  signal     Publish a message anonymously
             Flags: -m <message> -depth <int> (0 accepts the server's)
  members    Print a group's member list

Common flags:
  -server <url>    server base URL (default: $ANONSIGNAL_URL or http://localhost:8080)
  -group  <id>     group id (required)
  -seed   <string> identity seed (default: $ANONSIGNAL_SEED)
  -dev-key <key>   development engine key (default: $DEV_ZK_KEY)
  -threshold <int> local anonymity threshold (default: 5)
  -timeout <dur>   overall timeout (default: 1m)
  -verifier-key <vkey> check the member list against the signed checkpoint
                   (default: $ANONSIGNAL_VERIFIER_KEY)`)
	os.Exit(2)
}

type common struct {
	server      string
	group       uint64
	seed        string
	devKey      string
	threshold   int
	timeout     time.Duration
	verifierKey string
}

func (c *common) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.server, "server", getEnv("ANONSIGNAL_URL", "http://localhost:8080"), "server base URL")
	fs.Uint64Var(&c.group, "group", 0, "group id")
	fs.StringVar(&c.seed, "seed", os.Getenv("ANONSIGNAL_SEED"), "identity seed")
	fs.StringVar(&c.devKey, "dev-key", os.Getenv("DEV_ZK_KEY"), "development engine key")
	fs.IntVar(&c.threshold, "threshold", policy.DefaultThreshold, "local anonymity threshold")
	fs.DurationVar(&c.timeout, "timeout", time.Minute, "overall timeout")
	fs.StringVar(&c.verifierKey, "verifier-key", os.Getenv("ANONSIGNAL_VERIFIER_KEY"), "checkpoint verifier key")
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "register":
		err = runRegister(ctx, logger, os.Args[2:])
	case "signal":
		err = runSignal(ctx, logger, os.Args[2:])
	case "members":
		err = runMembers(ctx, os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		logger.Error(os.Args[1]+" failed", "error", err, "kind", types.KindOf(err))
		os.Exit(1)
	}
}

func newSignaler(c common, logger *slog.Logger) (*client.Signaler, error) {
	if c.seed == "" {
		return nil, fmt.Errorf("-seed or ANONSIGNAL_SEED is required")
	}
	dev, err := zkengine.NewDevEngine([]byte(c.devKey))
	if err != nil {
		return nil, err
	}
	coord, err := prover.New(prover.Config{Prover: dev, Policy: policy.New(c.threshold), Logger: logger})
	if err != nil {
		return nil, err
	}
	return client.NewSignaler(client.SignalerConfig{
		Client:      client.New(c.server),
		Deriver:     identity.SeedDeriver{Seed: []byte(c.seed), Commit: dev.Commitment},
		Prover:      coord,
		VerifierKey: c.verifierKey,
		Logger:      logger,
	})
}

func runRegister(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	var c common
	c.bind(fs)
	user := fs.String("user", "", "username")
	ref := fs.String("ref", "", "admission reference")
	fs.Parse(args)

	s, err := newSignaler(c, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := s.Register(ctx, *user, types.GroupID(c.group), *ref)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runSignal(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("signal", flag.ExitOnError)
	var c common
	c.bind(fs)
	msg := fs.String("m", "", "message to signal")
	depth := fs.Int("depth", 0, "expected tree depth")
	fs.Parse(args)

	if *msg == "" {
		return fmt.Errorf("-m is required")
	}
	s, err := newSignaler(c, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := s.Signal(ctx, types.GroupID(c.group), *depth, *msg)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runMembers(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("members", flag.ExitOnError)
	var c common
	c.bind(fs)
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	list, err := client.New(c.server).Members(ctx, types.GroupID(c.group))
	if err != nil {
		return err
	}
	return printJSON(list)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
