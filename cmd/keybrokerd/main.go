// Command keybrokerd runs the credential agent and keybox frontend
// described by SPEC_FULL.md over a single transport: either a Unix-domain
// socket or, if none is configured, a pipe inherited from the parent
// process. Grounded on the teacher's cmd/tqdbproxy/main.go shape (flag
// parsing, metrics server goroutine, signal-driven graceful shutdown)
// with the MariaDB/Postgres proxy startup replaced by the keybox backend
// chain and the two command tables this daemon actually serves.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/keybrokerd/keybrokerd/agent"
	"github.com/keybrokerd/keybrokerd/cache"
	"github.com/keybrokerd/keybrokerd/config"
	"github.com/keybrokerd/keybrokerd/dispatch"
	"github.com/keybrokerd/keybrokerd/keybox"
	"github.com/keybrokerd/keybrokerd/keyboxd"
	"github.com/keybrokerd/keybrokerd/metrics"
	"github.com/keybrokerd/keybrokerd/oracle"
	"github.com/keybrokerd/keybrokerd/passphrase"
	"github.com/keybrokerd/keybrokerd/session"
	"github.com/keybrokerd/keybrokerd/trust"
	"github.com/keybrokerd/keybrokerd/wire"
)

const (
	cacheHitTTL           = 5 * time.Minute
	cacheMissTTL          = 30 * time.Second
	replicaHealthInterval = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "keybrokerd.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", "", "Metrics endpoint address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *metricsAddr != "" {
		cfg.MetricsListen = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	metrics.Init()
	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Printf("Metrics endpoint at http://localhost%s/metrics", cfg.MetricsListen)
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down...")
		cancel()
	}()

	table, err := buildTable(ctx, cfg)
	if err != nil {
		log.Printf("Failed to initialize command table: %v", err)
		os.Exit(2)
	}

	if cfg.Socket == "" {
		log.Println("keybrokerd running in pipe-server mode")
		serveOne(stdioConn{}, table)
		return
	}

	if err := serveSocket(ctx, cfg.Socket, table); err != nil {
		log.Printf("Socket server error: %v", err)
		os.Exit(2)
	}
}

// buildTable wires every collaborator together and registers both the
// agent and keybox-frontend verb sets into one shared table, since a
// single transport serves both command families.
func buildTable(ctx context.Context, cfg *config.Config) (*dispatch.Table, error) {
	trustList, err := trust.Open(cfg.TrustFile)
	if err != nil {
		return nil, err
	}

	sharedCache, err := cache.New(cache.DefaultCacheConfig())
	if err != nil {
		return nil, err
	}

	passphraseCache := passphrase.New(sharedCache, cfg.DefaultPassphraseTTL)

	chain := keybox.NewChain(keybox.NewCacheBackend(sharedCache, cacheHitTTL, cacheMissTTL))
	for _, res := range cfg.KeyboxResources {
		backend, kind, err := openResource(res)
		if err != nil {
			log.Printf("keybox resource %s (%s): %v, skipping", res.Name, res.Target, err)
			continue
		}
		chain.AddResource(kind, backend)
		if sqlBackend, ok := backend.(*keybox.SQLBackend); ok && len(res.Replicas) > 0 {
			go sqlBackend.StartHealthChecks(ctx, replicaHealthInterval)
		}
	}

	table := dispatch.NewTable()
	agent.Register(table, agent.Deps{
		Trust:      trustList,
		Passphrase: passphraseCache,
		Oracle:     oracle.NewStub(),
		Ask:        noopAsk{},
	})
	keyboxd.Register(table, keyboxd.Deps{Chain: chain})
	return table, nil
}

func openResource(res config.KeyboxResource) (keybox.Backend, keybox.Kind, error) {
	target := res.Target
	switch {
	case strings.HasPrefix(target, "mysql://"),
		strings.HasPrefix(target, "postgres://"),
		strings.HasPrefix(target, "sqlite://"):
		if len(res.Replicas) > 0 {
			b, err := keybox.OpenSQLBackendWithReplicas(target, res.Replicas)
			return b, keybox.KindSQL, err
		}
		b, err := keybox.OpenSQLBackend(target)
		return b, keybox.KindSQL, err
	default:
		b, err := keybox.OpenFileBackend(target)
		return b, keybox.KindOnDisk, err
	}
}

// noopAsk is the default AskService until a real pinentry-equivalent is
// wired in; it always fails rather than silently returning an empty
// passphrase.
type noopAsk struct{}

func (noopAsk) AskPassphrase(desc, prompt, errtext string) (string, error) {
	return "", errNoAskService
}

func (noopAsk) Confirm(fpr, displayName string) (bool, error) {
	return false, errNoAskService
}

var errNoAskService = &askError{"keybrokerd: no passphrase-prompting service configured"}

type askError struct{ msg string }

func (e *askError) Error() string { return e.msg }

// stdioConn adapts stdin/stdout into the io.ReadWriteCloser the wire
// package expects, for pipe-server mode.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioConn) Close() error                { return nil }

func serveOne(rw io.ReadWriteCloser, table *dispatch.Table) {
	conn := wire.NewConn(rw)
	sess := session.New()
	dispatch.Serve("pipe", conn, sess, table, func(s *session.Context) { s.ResetNotify() })
}

// serveSocket accepts connections on a Unix-domain socket until ctx is
// cancelled, serving each on its own goroutine.
func serveSocket(ctx context.Context, path string, table *dispatch.Table) error {
	os.Remove(path)
	listener, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Printf("keybrokerd listening on %s", path)
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("accept error: %v", err)
				continue
			}
		}
		connID := "conn"
		if id, err := uuid.NewRandom(); err == nil {
			connID = id.String()
		}
		go func(c net.Conn, id string) {
			dispatch.Serve(id, wire.NewConn(c), session.New(), table, func(s *session.Context) { s.ResetNotify() })
		}(conn, connID)
	}
}
