// Package main implements walletctl, a developer CLI around the wallet
// security core. Secure storage is a sealed SQLite file under the data
// directory and the biometric challenge is a console confirmation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/walletcore/config"
	"github.com/mesmerverse/vettid-dev/walletcore/hdwallet"
	"github.com/mesmerverse/vettid-dev/walletcore/keymanager"
	"github.com/mesmerverse/vettid-dev/walletcore/onboarding"
	"github.com/mesmerverse/vettid-dev/walletcore/platform"
	"github.com/mesmerverse/vettid-dev/walletcore/securekv"
	"github.com/mesmerverse/vettid-dev/walletcore/session"
	"github.com/mesmerverse/vettid-dev/walletcore/upgrade"
)

// Version is set at build time
var Version = "dev"

const usage = `usage: walletctl [-config path] <command> [flags]

commands:
  create    [-words 12|24]        generate and onboard a new mnemonic
  import                          onboard a mnemonic read from stdin
  devices                         list onboarded devices
  status                          show key protection without unlocking
  validate                        check a PIN against the stored key
  upgrade   -to secret|biometric  change the key protection mode
  recover                         resolve a backup left by an interrupted upgrade
  reset     -yes                  erase keys, state and cache
`

func main() {
	configPath := flag.String("config", "walletctl.yaml", "Path to the YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Debug().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("walletctl starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	a, err := newApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}

	err = a.run(ctx, flag.Arg(0), flag.Args()[1:])
	a.close()
	if err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// app holds the wired services for one invocation.
type app struct {
	cfg        *config.Config
	console    *console
	storage    *platform.SealedFileStorage
	kvEngine   *securekv.SQLiteEngine
	stateDB    *securekv.SQLiteEngine
	keys       *keymanager.Manager
	coord      *upgrade.Coordinator
	onboarding *onboarding.Service
	pins       *session.PINCache
	enrollment platform.EnrollmentQuery
}

func newApp(cfg *config.Config) (*app, error) {
	con := newConsole()

	storage, err := platform.OpenSealedFileStorage(filepath.Join(cfg.DataDir, "secure"), con)
	if err != nil {
		return nil, err
	}

	kvEngine, err := securekv.OpenSQLiteEngine(cfg.SQLitePath(), cfg.Namespace, cfg.Storage.CacheSize)
	if err != nil {
		storage.Close()
		return nil, err
	}
	stateDB, err := securekv.OpenSQLiteEngine(filepath.Join(cfg.DataDir, "state.db"), "main", 0)
	if err != nil {
		storage.Close()
		kvEngine.Close()
		return nil, err
	}

	deriver, err := hdwallet.NewDeriver(cfg.Derivation.Path)
	if err != nil {
		storage.Close()
		kvEngine.Close()
		stateDB.Close()
		return nil, err
	}

	enrolled, _ := platform.ParseEnrollmentLevel(cfg.Security.Enrollment)
	enrollment := platform.StaticEnrollment(enrolled)

	level, _ := cfg.SecurityLevel()
	keys := keymanager.New(storage, cfg.KeyManagerOptions())
	cache := securekv.New(cfg.Namespace, kvEngine)

	return &app{
		cfg:        cfg,
		console:    con,
		storage:    storage,
		kvEngine:   kvEngine,
		stateDB:    stateDB,
		keys:       keys,
		coord:      upgrade.NewCoordinator(keys, enrollment),
		onboarding: onboarding.NewService(deriver, keys, onboarding.NewStateStore(stateDB), cache, platform.StaticLabeler(cfg.Derivation.Label)),
		pins:       session.NewPINCache(sessionConfig(level, cfg.Security.PinRequired)),
		enrollment: enrollment,
	}, nil
}

func sessionConfig(level keymanager.SecurityLevelType, pinRequired bool) session.Config {
	return session.Config{SecurityLevel: level, PinRequired: pinRequired}
}

func (a *app) close() {
	a.stateDB.Close()
	a.kvEngine.Close()
	a.storage.Close()
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	// Resolve any interrupted upgrade before touching keys
	if command != "recover" {
		mode, err := a.coord.Recover(ctx)
		if err != nil {
			return fmt.Errorf("startup recovery failed: %w", err)
		}
		if mode != keymanager.SecurityNone {
			a.pins.ApplyConfig(sessionConfig(mode, a.cfg.Security.PinRequired))
		}
	}

	switch command {
	case "create":
		return a.cmdCreate(ctx, args)
	case "import":
		return a.cmdImport(ctx, args)
	case "devices":
		return a.cmdDevices(ctx, args)
	case "status":
		return a.cmdStatus(ctx, args)
	case "validate":
		return a.cmdValidate(ctx, args)
	case "upgrade":
		return a.cmdUpgrade(ctx, args)
	case "recover":
		return a.cmdRecover(ctx, args)
	case "reset":
		return a.cmdReset(ctx, args)
	}
	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", command)
}
