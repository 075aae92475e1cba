package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pgpipe/config"
	"pgpipe/dispatch"
	"pgpipe/session"
	"pgpipe/version"
)

// pgpipe is a minimal query runner over the pipelined dispatcher: it
// connects to a server, executes each statement given on the command
// line, and prints the rows. Statements run one after another; each
// waits for its reply before the next is submitted.
func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatal(err)
	}

	args := flagArgs()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "%s\nusage: pgpipe [flags] statement...\n", version.String())
		os.Exit(2)
	}

	conn, err := net.Dial("tcp", cfg.Addr)
	if err != nil {
		log.Fatalf("dial %s: %v", cfg.Addr, err)
	}

	sink := func(ev dispatch.Event) {
		switch {
		case ev.Notification != nil:
			log.Printf("notification on %q: %s", ev.Notification.Channel, ev.Notification.Payload)
		case ev.Notice != nil:
			log.Printf("%s: %s", ev.Notice.Severity, ev.Notice.Message)
		case ev.Err != nil:
			log.Printf("unaffiliated: %v", ev.Err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sess, err := session.Connect(ctx, conn, session.Options{
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
		Sink:     sink,
		Dispatch: dispatch.Config{
			ReadBufferSize: cfg.ReadBufferSize,
			QueueDepth:     cfg.QueueDepth,
			Lenient:        cfg.Lenient,
		},
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer sess.Close()

	if cfg.LogLevel > 0 {
		log.Printf("connected, server version %s", sess.Parameter("server_version"))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		sess.Close()
	}()

	exit := 0
	for _, sql := range args {
		if err := runStatement(ctx, sess, sql); err != nil {
			log.Printf("%s: %v", sql, err)
			exit = 1
		}
	}
	os.Exit(exit)
}

// flagArgs returns the non-flag command line arguments. config.Parse
// already consumed the flags; everything after them is SQL.
func flagArgs() []string {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			return args[i:]
		}
		if !strings.Contains(a, "=") && a != "-lenient" && a != "--lenient" {
			i++ // flag with a separate value
		}
	}
	return nil
}

func runStatement(ctx context.Context, sess *session.Session, sql string) error {
	rows, err := sess.Query(ctx, sql, session.TextRow)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Println(strings.Join(row.([]string), "\t"))
	}
	return nil
}
