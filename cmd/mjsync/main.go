// ABOUTME: Entry point for mjsync, the offline-first wellness sync client
// ABOUTME: Captures moods, tasks, journal entries, and chat locally and reconciles with the service

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
            _
 _ __ ___  (_)___ _   _ _ __   ___
| '_ ` + "`" + ` _ \ | / __| | | | '_ \ / __|
| | | | | || \__ \ |_| | | | | (__
|_| |_| |_|/ |___/\__, |_| |_|\___|
         |__/     |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runDaemon(ctx)
	case "init":
		err = runInit()
	case "login":
		err = runLogin(ctx, args)
	case "register":
		err = runRegister(ctx, args)
	case "logout":
		err = runLogout(ctx)
	case "migrate":
		err = runMigrate(ctx, args)
	case "sync":
		err = runSync(ctx)
	case "status":
		err = runStatus(ctx)
	case "requeue":
		err = runRequeue(ctx, args)
	case "mood":
		err = runMood(ctx, args)
	case "task":
		err = runTask(ctx, args)
	case "journal":
		err = runJournal(ctx, args)
	case "chat":
		err = runChat(ctx, args)
	case "version", "-v", "--version":
		fmt.Printf("mjsync %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: mjsync <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  run                      Run the sync daemon (realtime channel + periodic sync)")
	fmt.Println("  init                     Write a config file and seed local state")
	fmt.Println("  login <email>            Sign in to an existing account")
	fmt.Println("  register <email>         Create an account")
	fmt.Println("  logout                   Sign out and clear local credentials")
	fmt.Println("  migrate <email>          Create an account from your guest data")
	fmt.Println("  sync                     Run one full sync pass now")
	fmt.Println("  status                   Show session, queue, and data state")
	fmt.Println("  requeue <id>             Put a dead-lettered change back on the queue")
	fmt.Println("  mood <score> [note]      Log a mood (1-5)")
	fmt.Println("  task add <title>         Add a task")
	fmt.Println("  task done <id>           Complete a task")
	fmt.Println("  task list                List tasks")
	fmt.Println("  journal <title> [body]   Write a journal entry")
	fmt.Println("  chat [id|new|list]       Chat with MJ")
	fmt.Println("  version                  Print the version")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  MJSYNC_CONFIG            Config file path (default: ~/.config/mjsync/config.yaml)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  mjsync init")
	fmt.Println("  mjsync mood 4 \"slept well\"")
	fmt.Println("  mjsync task add water the plants --due 2026-09-01")
	fmt.Println("  mjsync migrate amy@example.com --name Amy")
	fmt.Println()
}
