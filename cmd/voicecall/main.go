package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lisuiheng/voicecall-go/core"
	"github.com/lisuiheng/voicecall-go/logger"
)

func main() {
	configPath := flag.String("c", "", "Path to config file (default searches ./config.yaml, ./config/config.yaml, /etc/voicecall/config.yaml)")
	identity := flag.String("id", "", "Identity to register as (overrides system.identity)")
	flag.Parse()

	if *identity != "" {
		os.Setenv("VOICECALL_SYSTEM_IDENTITY", *identity)
	}
	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		logger.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer logger.Info("Shutting down voicecall")

	client, err := core.NewClient(cfg, logger.Logger(), core.WithNotifier(core.NotifierFunc(printNotice)))
	if err != nil {
		logger.Error("Failed to create client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("Failed to close client", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		logger.Info("Starting voicecall", "identity", cfg.System.Identity)
		runErr <- client.Run(ctx)
		cancel()
	}()

	go func() {
		repl(client, os.Stdin, os.Stdout)
		cancel()
	}()

	<-ctx.Done()
	if err := <-runErr; err != nil {
		logger.Error("Client runtime error", "error", err)
	}
}

func printNotice(n core.Notice) {
	switch n.Kind {
	case core.NoticeIncomingCall:
		fmt.Printf("\n* incoming call from %s (accept/reject)\n", n.Peer)
	case core.NoticeGroupInvitation:
		fmt.Printf("\n* %s invites you to group %s (join/reject)\n", n.Peer, n.Group)
	case core.NoticeCallConnected:
		fmt.Printf("\n* connected %s\n", describe(n))
	case core.NoticeCallEnded:
		fmt.Printf("\n* call ended %s\n", describe(n))
	case core.NoticeCallRejected:
		fmt.Printf("\n* %s declined the call\n", n.Peer)
	case core.NoticeCallCancelled:
		fmt.Printf("\n* %s cancelled the call\n", n.Peer)
	case core.NoticeRingTimeout:
		fmt.Printf("\n* no answer %s\n", describe(n))
	case core.NoticeBusy:
		fmt.Printf("\n* missed a call from %s while busy\n", n.Peer)
	case core.NoticePermissionDenied:
		fmt.Printf("\n* microphone unavailable: %v\n", n.Err)
	case core.NoticeConnectionLost:
		fmt.Printf("\n* connection lost: %v\n", n.Err)
	default:
		fmt.Printf("\n* %s\n", n.Kind)
	}
}

func describe(n core.Notice) string {
	if n.Group != "" {
		return "in group " + n.Group
	}
	return "with " + n.Peer
}

const help = `commands:
  call <peer>                  start a call
  accept | reject              answer the ringing call
  hangup                       end, cancel or leave the current call
  group <name> [member ...]    start a group call
  join | leave                 join or leave a group call
  status                       show the current call
  quit                         exit`

// repl reads commands from in until EOF or quit.
func repl(client *core.Client, in io.Reader, out io.Writer) {
	fmt.Fprintln(out, help)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch cmd, args := fields[0], fields[1:]; cmd {
		case "call":
			if len(args) != 1 {
				fmt.Fprintln(out, "usage: call <peer>")
				continue
			}
			err = client.Call(args[0])
		case "accept":
			err = client.Accept()
		case "reject":
			err = client.Reject()
		case "hangup":
			err = client.Hangup()
		case "group":
			if len(args) < 1 {
				fmt.Fprintln(out, "usage: group <name> [member ...]")
				continue
			}
			err = client.StartGroupCall(args[0], args[1:])
		case "join":
			err = client.Join()
		case "leave":
			err = client.Leave()
		case "status":
			printStatus(out, client.Status())
		case "help":
			fmt.Fprintln(out, help)
		case "quit", "exit":
			return
		default:
			fmt.Fprintf(out, "unknown command %q, try help\n", cmd)
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func printStatus(out io.Writer, s core.Status) {
	fmt.Fprintf(out, "identity=%s connected=%t state=%s\n", s.Identity, s.Connected, s.State)
	if c := s.Call; c != nil {
		fmt.Fprintf(out, "call=%s direction=%s peer=%s group=%s members=%v\n",
			c.ID, c.Direction, c.Peer, c.Group, c.Members)
	}
}
