// Command ratmand runs a single router instance: it opens the on-disk
// metadata store, wires every dataplane stage (journal, block collector,
// frame switch, ERIS sender pipelines, stream assembler, subscription
// manager, protocol announcer) over whichever link drivers are enabled,
// and serves until interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-envparse"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/ratmesh/ratman/internal/config"
	"github.com/ratmesh/ratman/pkg/broadcast"
	"github.com/ratmesh/ratman/pkg/collector"
	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/fswitch"
	"github.com/ratmesh/ratman/pkg/ingress"
	"github.com/ratmesh/ratman/pkg/journal"
	"github.com/ratmesh/ratman/pkg/keystore"
	"github.com/ratmesh/ratman/pkg/link"
	"github.com/ratmesh/ratman/pkg/link/ethdatalink"
	"github.com/ratmesh/ratman/pkg/link/lanmcast"
	"github.com/ratmesh/ratman/pkg/link/udpoverlay"
	"github.com/ratmesh/ratman/pkg/proto"
	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/routes"
	"github.com/ratmesh/ratman/pkg/sender"
	"github.com/ratmesh/ratman/pkg/store"
	"github.com/ratmesh/ratman/pkg/subs"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	var c config.Config
	if err := c.UnmarshalEnv(e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log := configureLogging(&c)

	unlock, err := acquireLock(c.LockFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	defer unlock()

	if err := run(&c, log); err != nil {
		log.Error().Err(err).Msg("fatal error")
		os.Exit(1)
	}
}

func run(c *config.Config, log zerolog.Logger) error {
	db, err := store.Open(c.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tables, err := store.OpenTables(db)
	if err != nil {
		return fmt.Errorf("open tables: %w", err)
	}

	j, err := journal.Open(db, tables, log)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	rt := routes.Open(tables)
	ks := keystore.Open(tables)
	blockNotifier := broadcast.New[collector.BlockNotifier]()
	col := collector.Open(j, tables, blockNotifier, log)
	if err := col.Restore(); err != nil {
		return fmt.Errorf("restore in-flight blocks: %w", err)
	}

	links := link.NewMap()
	selfAddr, authSecret, err := ensureInstanceIdentity(ks, rt, log)
	if err != nil {
		return fmt.Errorf("establish router identity: %w", err)
	}

	if err := registerLinks(c, links, selfAddr, log); err != nil {
		return fmt.Errorf("register links: %w", err)
	}
	if links.Len() == 0 {
		log.Warn().Msg("no link drivers enabled; this router cannot reach the mesh")
	}

	sw := fswitch.New(links, rt, j, col, log)

	pipelines := []*sender.Pipeline{
		sender.New(frame.BlockSize1K, j.Blocks, rt, links, log),
		sender.New(frame.BlockSize32K, j.Blocks, rt, links, log),
	}

	subsMgr, err := subs.Open(tables, log)
	if err != nil {
		return fmt.Errorf("open subscription manager: %w", err)
	}
	ing := ingress.New(j, tables, blockNotifier, subsMgr, log)

	internalClient := keystore.NewClientID()
	if err := ks.OpenAddrKey(internalClient, selfAddr, authSecret); err != nil {
		return fmt.Errorf("open router identity key: %w", err)
	}
	announcer := proto.New(links, rt, ks, internalClient, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sw.Run(ctx)
	for _, p := range pipelines {
		go p.Run(ctx)
	}
	go ing.Run(ctx)

	if err := announcer.Online(selfAddr); err != nil {
		return fmt.Errorf("announce router identity: %w", err)
	}

	log.Info().Str("addr", selfAddr.PrettyString()).Int("links", links.Len()).Msg("ratmand started")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	announcer.Offline(selfAddr)
	return nil
}

// ensureInstanceIdentity mints a fresh router address and registers it as
// a local route. It runs on every start; an address persisted by an
// earlier run is not looked up or reused.
func ensureInstanceIdentity(ks *keystore.Keystore, rt *routes.Table, log zerolog.Logger) (rid.Address, rid.AddrAuth, error) {
	addr, auth, err := ks.InsertAddrKey()
	if err != nil {
		return rid.Address{}, rid.AddrAuth{}, fmt.Errorf("mint router address: %w", err)
	}
	if err := rt.RegisterLocalRoute(addr); err != nil {
		return rid.Address{}, rid.AddrAuth{}, fmt.Errorf("register router address as local: %w", err)
	}
	log.Info().Str("addr", addr.PrettyString()).Msg("minted router identity")
	return addr, auth, nil
}

func registerLinks(c *config.Config, links *link.Map, selfAddr rid.Address, log zerolog.Logger) error {
	if c.OverlayListen.IsValid() {
		d, err := udpoverlay.New(c.OverlayListen, selfAddr, log)
		if err != nil {
			return fmt.Errorf("udp overlay: %w", err)
		}
		links.Register("udp-overlay", d)
		for _, peer := range c.OverlayPeers {
			if peer == "" {
				continue
			}
			addr, err := netip.ParseAddrPort(peer)
			if err != nil {
				return fmt.Errorf("udp overlay peer %q: %w", peer, err)
			}
			if err := d.AddPeer(context.Background(), addr); err != nil {
				return fmt.Errorf("udp overlay add peer %q: %w", peer, err)
			}
		}
	}

	if c.EthInterface != "" {
		d, err := ethdatalink.New(c.EthInterface, selfAddr, log)
		if err != nil {
			return fmt.Errorf("ethernet datalink: %w", err)
		}
		links.Register("eth-datalink", d)
	}

	if c.LanMcastEnable {
		d, err := lanmcast.New(c.LanMcastGroup, c.LanMcastInterface, c.LanMcastTTL, selfAddr, log)
		if err != nil {
			return fmt.Errorf("lan multicast: %w", err)
		}
		links.Register("lan-mcast", d)
	}

	return nil
}

func configureLogging(c *config.Config) zerolog.Logger {
	var outputs []io.Writer
	if c.LogStdout {
		if c.LogStdoutPretty {
			outputs = append(outputs, zerolog.ConsoleWriter{Out: os.Stdout})
		} else {
			outputs = append(outputs, os.Stdout)
		}
	}
	if c.LogFile != "" {
		if f, err := os.OpenFile(c.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666); err == nil {
			outputs = append(outputs, f)
		} else {
			fmt.Fprintf(os.Stderr, "error: failed to open log file: %v\n", err)
		}
	}
	return zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
}

// acquireLock takes an exclusive flock on path, returning a function that
// releases it. Used to keep two ratmand processes from opening the same
// store concurrently.
func acquireLock(path string) (func(), error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("another instance already holds %s", path)
	}
	return func() {
		unix.Flock(fd, unix.LOCK_UN)
		unix.Close(fd)
	}, nil
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	r := make([]string, 0, len(m))
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
