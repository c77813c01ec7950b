// Command weavenoded runs a weavenet node daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/weavemesh/weavenet/pkg/control"
	"github.com/weavemesh/weavenet/pkg/identity"
	"github.com/weavemesh/weavenet/pkg/node"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = cmdStart(os.Args[2:])
	case "keygen":
		err = cmdKeygen(os.Args[2:])
	case "id":
		err = cmdID(os.Args[2:])
	case "version":
		fmt.Println("weavenoded", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`weavenoded - content-addressed exchange node

Usage:
  weavenoded start [flags]    start the node
  weavenoded keygen [flags]   generate an identity
  weavenoded id [flags]       print the node's peer id
  weavenoded version          print the version

Start flags:
  --data-dir DIR       data directory (default ~/.weavenet)
  --listen ADDR        listen address, repeatable
  --bootstrap PEER     bootstrap peer <peer-id>@<addr>, repeatable
  --control ADDR       control API address
  --name NAME          human-readable node name
  --log-level LEVEL    debug, info, warn, or error`)
}

type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weavenet"
	}
	return filepath.Join(home, ".weavenet")
}

func cmdStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	dataDir := fs.String("data-dir", defaultDataDir(), "data directory")
	controlAddr := fs.String("control", "", "control API address")
	name := fs.String("name", "", "node name")
	logLevel := fs.String("log-level", "info", "log level")
	var listen, bootstrap stringList
	fs.Var(&listen, "listen", "listen address (repeatable)")
	fs.Var(&bootstrap, "bootstrap", "bootstrap peer (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(*logLevel)

	id, err := loadOrCreateIdentity(*dataDir)
	if err != nil {
		return err
	}

	config := node.DefaultConfig()
	config.DataDir = *dataDir
	if len(listen) > 0 {
		config.ListenAddrs = listen
	}
	config.BootstrapPeers = bootstrap
	if *controlAddr != "" {
		config.ControlAddr = *controlAddr
	}
	if *name != "" {
		normalized, err := identity.NormalizeName(*name)
		if err != nil {
			return err
		}
		config.Name = normalized
	}

	n, err := node.New(config, id, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return err
	}
	logger.Info("peer id", "id", id.PeerID())

	if config.ControlAddr != "" {
		ln, err := net.Listen("tcp", config.ControlAddr)
		if err != nil {
			shutdown(n)
			return fmt.Errorf("failed to listen for control API: %w", err)
		}
		logger.Info("control API listening", "addr", ln.Addr())
		go control.NewServer(n).Serve(ctx, ln)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	cancel()
	return shutdown(n)
}

func shutdown(n *node.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return n.Shutdown(ctx)
}

func cmdKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	dataDir := fs.String("data-dir", defaultDataDir(), "data directory")
	force := fs.Bool("force", false, "overwrite an existing identity")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := identityPath(*dataDir)
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("identity already exists at %s (use --force to overwrite)", path)
	}

	id, err := identity.Generate()
	if err != nil {
		return err
	}
	if err := id.SaveToFile(path); err != nil {
		return err
	}
	fmt.Println(id.PeerID())
	return nil
}

func cmdID(args []string) error {
	fs := flag.NewFlagSet("id", flag.ExitOnError)
	dataDir := fs.String("data-dir", defaultDataDir(), "data directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id, err := identity.LoadFromFile(identityPath(*dataDir))
	if err != nil {
		return err
	}
	fmt.Println(id.PeerID())
	return nil
}

func identityPath(dataDir string) string {
	return filepath.Join(dataDir, "identity.json")
}

// loadOrCreateIdentity loads the node identity, generating and persisting
// one on first start.
func loadOrCreateIdentity(dataDir string) (*identity.Identity, error) {
	path := identityPath(dataDir)
	if _, err := os.Stat(path); err == nil {
		return identity.LoadFromFile(path)
	}

	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	if err := id.SaveToFile(path); err != nil {
		return nil, err
	}
	return id, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
