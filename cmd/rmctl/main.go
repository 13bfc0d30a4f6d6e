package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/danmuck/fencectl/internal/leader"
	"github.com/danmuck/fencectl/internal/logging"
	"github.com/danmuck/fencectl/internal/protocol/session"
	"github.com/danmuck/fencectl/internal/resource"
	"github.com/danmuck/fencectl/internal/resourcemanager"
)

var errUsage = errors.New("usage")

func main() {
	logging.ConfigureRuntime()
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "rmctl: %v\n", err)
		os.Exit(1)
	}
}

// command is one parsed rmctl invocation.
type command struct {
	verb     string
	id       resource.ID
	message  string
	settings clientSettings
	timeout  time.Duration
}

func parseArgs(args []string, stderr io.Writer) (command, error) {
	var (
		configPath    string
		addr          string
		senderID      string
		leaderSession string
		timeout       time.Duration
	)
	flagSet := pflag.NewFlagSet("rmctl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to rmctl TOML config")
	flagSet.StringVar(&addr, "addr", "", "coordinator address (overrides coordinator_addr)")
	flagSet.StringVar(&senderID, "sender-id", "", "sender identity (overrides sender_id)")
	flagSet.StringVar(&leaderSession, "leader-session", "", `token to stamp, or "name:<label>"`)
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for connect and delivery")
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "Usage: rmctl [flags] removed <resource-id> [message]\n       rmctl [flags] registered <resource-id>\n\nFlags:\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return command{}, errUsage
		}
		return command{}, err
	}

	settings := defaultClientSettings()
	if configPath != "" {
		loaded, err := loadClientSettings(configPath)
		if err != nil {
			return command{}, err
		}
		settings = loaded
	}
	if addr != "" {
		settings.CoordinatorAddr = addr
	}
	if senderID != "" {
		settings.SenderID = senderID
	}
	if leaderSession != "" {
		settings.LeaderSession = leaderSession
	}
	if settings.LeaderSession == "" {
		return command{}, fmt.Errorf("--leader-session or leader_session is required")
	}

	rest := flagSet.Args()
	if len(rest) < 2 {
		flagSet.Usage()
		return command{}, errUsage
	}
	cmd := command{verb: rest[0], settings: settings, timeout: timeout}
	id, ok := resource.ParseID(rest[1])
	if !ok {
		return command{}, fmt.Errorf("resource id must not be empty")
	}
	cmd.id = id
	switch cmd.verb {
	case "removed":
		if len(rest) > 2 {
			cmd.message = strings.Join(rest[2:], " ")
		}
	case "registered":
		if len(rest) > 2 {
			return command{}, fmt.Errorf("registered takes no message")
		}
	default:
		flagSet.Usage()
		return command{}, errUsage
	}
	return cmd, nil
}

func run(args []string, stdout io.Writer) error {
	cmd, err := parseArgs(args, os.Stderr)
	if err != nil {
		return err
	}
	token, err := leader.ParseSession(cmd.settings.LeaderSession)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmd.timeout)
	defer cancel()
	client, err := resourcemanager.NewClient(resourcemanager.ClientConfig{
		Address:  cmd.settings.CoordinatorAddr,
		SenderID: cmd.settings.SenderID,
		Secret:   cmd.settings.Secret,
		Source:   leader.Static{Token: token},
		Session:  cmd.settings.Session,
	})
	if err != nil {
		return err
	}
	s, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var ack session.DeliveryAck
	switch cmd.verb {
	case "removed":
		ack, err = s.NotifyResourceRemoved(ctx, cmd.id, cmd.message)
	case "registered":
		ack, err = s.NotifyResourceRegistered(ctx, cmd.id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s %s message_id=%d status=%s coordinator=%s\n",
		cmd.verb, cmd.id, ack.MessageID, ack.Status, s.CoordinatorID())
	return nil
}
