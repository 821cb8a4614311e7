package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/dkeye/cowrite/internal/adapters/rtc"
	"github.com/dkeye/cowrite/internal/client"
	"github.com/dkeye/cowrite/internal/domain"
)

type options struct {
	server   string
	room     string
	name     string
	color    string
	mesh     bool
	stale    time.Duration
	watch    time.Duration
	logLevel string
}

func main() {
	var o options

	cmd := &cobra.Command{
		Use:           "cowrite-client",
		Short:         "Line-oriented cowrite editor",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.server, "server", "http://localhost:8080", "relay base URL")
	f.StringVar(&o.room, "room", "default", "room to join")
	f.StringVar(&o.name, "name", "", "display name")
	f.StringVar(&o.color, "color", "#3b82f6", "cursor color")
	f.BoolVar(&o.mesh, "mesh", true, "fall back to a WebRTC mesh while the relay is down")
	f.DurationVar(&o.stale, "stale-after", 30*time.Second, "read deadline on the relay link")
	f.DurationVar(&o.watch, "watch-window", 15*time.Second, "inbound silence before pinging the relay")
	f.StringVar(&o.logLevel, "log-level", "warn", "log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func endpoints(server, room string) (ws, sig, health string, err error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", "", "", fmt.Errorf("bad server url: %w", err)
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	room = url.PathEscape(room)
	ws = fmt.Sprintf("%s://%s/ws/%s", scheme, u.Host, room)
	sig = fmt.Sprintf("%s://%s/signal/%s", scheme, u.Host, room)
	health = fmt.Sprintf("%s://%s/health", u.Scheme, u.Host)
	return ws, sig, health, nil
}

func run(o options) error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if lvl, err := zerolog.ParseLevel(o.logLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	wsURL, sigURL, healthURL, err := endpoints(o.server, o.room)
	if err != nil {
		return err
	}

	opts := []client.Option{
		client.WithProbe(client.NewProbe(healthURL), 15*time.Second),
		client.WithKeepalive(o.watch),
	}
	if o.mesh {
		opts = append(opts, client.WithMesh(rtc.NewMesh(sigURL, rtc.DefaultWebRTCConfig())))
	}
	p := client.NewProvider(client.NewWSTransport(wsURL, o.stale), opts...)
	if o.name != "" {
		if err := p.SetPresence(o.name, o.color, domain.Cursor{}); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := p.Connect(ctx); err != nil {
		return err
	}
	defer p.Disconnect()

	var wg conc.WaitGroup
	defer wg.Wait()
	wg.Go(func() { printEvents(ctx, p) })

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Println("type text to append; :i POS TEXT, :d POS N, :p, :s, :r, :q")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				cancel()
				return nil
			}
			if quit := handleLine(p, line); quit {
				cancel()
				return nil
			}
		}
	}
}

func handleLine(p *client.Provider, line string) bool {
	if !strings.HasPrefix(line, ":") {
		p.Insert(len([]rune(p.Text())), line)
		return false
	}
	fields := strings.SplitN(line, " ", 3)
	switch fields[0] {
	case ":q":
		return true
	case ":i":
		if len(fields) < 3 {
			fmt.Println("usage: :i POS TEXT")
			return false
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Println("bad position")
			return false
		}
		p.Insert(pos, fields[2])
	case ":d":
		if len(fields) < 3 {
			fmt.Println("usage: :d POS N")
			return false
		}
		pos, err1 := strconv.Atoi(fields[1])
		n, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			fmt.Println("bad arguments")
			return false
		}
		p.Delete(pos, n)
	case ":p":
		for _, pr := range p.Peers() {
			fmt.Printf("  %s %s (%s) cursor %d:%d\n", pr.ConnID, pr.Name, pr.Color, pr.Cursor.Anchor, pr.Cursor.Head)
		}
	case ":s":
		fmt.Printf("  status=%s mesh=%v latency=%s\n", p.Status(), p.MeshActive(), p.Latency())
	case ":r":
		if err := p.Resync(); err != nil {
			fmt.Println("resync:", err)
		}
	default:
		fmt.Println("unknown command")
	}
	fmt.Printf("> %s\n", p.Text())
	return false
}

func printEvents(ctx context.Context, p *client.Provider) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.Events():
			switch ev.Kind {
			case client.EventStatus:
				fmt.Printf("[%s]\n", ev.Status)
			case client.EventDocument:
				fmt.Printf("> %s\n", ev.Text)
			case client.EventPresence:
				fmt.Printf("[%d peers]\n", len(ev.Peers))
			case client.EventMesh:
				fmt.Printf("[mesh %v]\n", ev.Mesh)
			case client.EventLatency:
			}
		}
	}
}
