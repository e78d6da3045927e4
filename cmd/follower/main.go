package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nightbell.ai/internal/follower"
	"nightbell.ai/internal/sim/tuning"
	"nightbell.ai/internal/transport/ws"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name       = flag.String("name", "follower", "participant name")
		worldPref  = flag.String("world", "", "preferred world id (empty: server default)")
		fatigue    = flag.Int("fatigue", 0, "fatigue ticks to resume with on the first connect")
		configPath = flag.String("config", "./configs/follower.yaml", "path to follower.yaml")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[follower] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := follower.LoadConfig(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		cfg = follower.DefaultConfig()
	}
	watch := tuning.NewWatcher(*configPath, cfg, follower.LoadConfig, time.Second, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go watch.Run(ctx)

	f := follower.New(*name, watch.Current, newConsolePresenter(os.Stdout), nil, logger)
	f.SetVerbose(*verbose)

	cmds := make(chan string, 8)
	go readCommands(os.Stdin, cmds)

	resume := *fatigue
	backoff := time.Second
	for ctx.Err() == nil {
		start := time.Now()
		err := runSession(ctx, f, *url, *worldPref, resume, cmds, logger)
		if ctx.Err() != nil {
			break
		}
		if c := f.Clock(); c.Synced() {
			resume = c.Fatigue()
		}
		f.SetSender(nil)
		f.Reconnect()
		if time.Since(start) > 30*time.Second {
			backoff = time.Second
		}
		logger.Printf("session ended: %v; reconnecting in %s", err, backoff)
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
	st := f.Stats()
	logger.Printf("bye: predicted=%d deferred=%d held=%d presented=%d discarded=%d sounds=%d", st.Predicted, st.Deferred, st.Held, st.Presented, st.Discarded, st.Sounds)
}

// runSession drives f from one connection until it drops. All follower calls
// happen on this goroutine.
func runSession(ctx context.Context, f *follower.Follower, url, worldPref string, fatigue int, cmds <-chan string, logger *log.Logger) error {
	c, err := ws.Dial(ctx, url, f.Hello(worldPref, fatigue))
	if err != nil {
		return err
	}
	defer c.Close()
	f.SetSender(c)

	msgs := make(chan any, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := c.Read()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-c.Done():
				return
			}
		}
	}()

	rate := f.TickRateHz()
	ticker := time.NewTicker(tickInterval(rate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			return fmt.Errorf("connection closed")
		case err := <-readErr:
			return err
		case msg := <-msgs:
			f.Handle(msg)
			if r := f.TickRateHz(); r != rate {
				rate = r
				ticker.Reset(tickInterval(rate))
			}
		case <-ticker.C:
			f.Tick()
		case line := <-cmds:
			runCommand(f, line, logger)
		}
	}
}

func tickInterval(hz int) time.Duration {
	if hz <= 0 {
		hz = 20
	}
	return time.Second / time.Duration(hz)
}

func readCommands(r io.Reader, out chan<- string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out <- line
		}
	}
}

// runCommand handles "rest", "switch <world>" and "status" typed on stdin.
func runCommand(f *follower.Follower, line string, logger *log.Logger) {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "rest":
		if err := f.Rest(); err != nil {
			logger.Printf("rest: %v", err)
		}
	case "switch":
		if len(fields) < 2 {
			logger.Printf("usage: switch <world_id>")
			return
		}
		if err := f.SwitchWorld(fields[1]); err != nil {
			logger.Printf("switch: %v", err)
		}
	case "status":
		c := f.Clock()
		rec := f.Record()
		logger.Printf("world=%s time=%d fatigue=%d authoritative=%v lead=%d", f.WorldID(), c.TimeOfDay(), c.Fatigue(), rec.Authoritative, rec.WarningLeadTicks)
	default:
		logger.Printf("unknown command %q (rest, switch <world>, status)", fields[0])
	}
}
