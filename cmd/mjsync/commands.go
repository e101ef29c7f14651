// ABOUTME: Command implementations for the mjsync CLI
// ABOUTME: Captures land locally first; run hosts the engine, channel, and periodic sync

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/mjwellness/mjsync/internal/entity"
	"github.com/mjwellness/mjsync/internal/events"
	"github.com/mjwellness/mjsync/internal/gateway"
	"github.com/mjwellness/mjsync/internal/migrate"
	"github.com/mjwellness/mjsync/internal/realtime"
	"github.com/mjwellness/mjsync/internal/session"
	"github.com/mjwellness/mjsync/internal/store"
)

// runDaemon keeps the engine, the realtime channel, and the periodic sync
// loop alive until interrupted. Notices from the service graph surface on
// the terminal as they happen.
func runDaemon(ctx context.Context) error {
	a, err := openApp(ctx, openOptions{withChannel: true})
	if err != nil {
		return err
	}
	defer a.Close()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	rtURL, _ := a.cfg.RealtimeURL()
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", getConfigPath())
	green.Print("    ▶ ")
	fmt.Printf("API:      %s\n", a.cfg.API.BaseURL)
	green.Print("    ▶ ")
	fmt.Printf("Realtime: %s\n", rtURL)
	green.Print("    ▶ ")
	fmt.Printf("State:    %s\n", expandPath(a.cfg.Storage.Path))
	fmt.Println()

	sessionCh, _ := a.notices.Subscribe(ctx, events.TopicSession)
	connCh, _ := a.notices.Subscribe(ctx, events.TopicConnection)
	queueCh, _ := a.notices.Subscribe(ctx, events.TopicQueue)

	a.engine.Start(ctx)
	if a.session.IsAuthenticated() {
		a.channel.Start(ctx)
	} else {
		a.logger.Info("guest mode, realtime channel stays down until sign-in")
	}

	a.logger.Info("mjsync running",
		"sync_interval", a.cfg.Sync.Interval,
		"pending", a.queue.Len(),
	)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return nil
		case n := <-sessionCh:
			color.Yellow("! %s\n", n.Message)
			// A dead session means the channel's token is dead too.
			a.channel.Stop()
		case n := <-connCh:
			color.Yellow("! %s\n", n.Message)
		case n := <-queueCh:
			color.Yellow("! %s (mjsync status)\n", n.Message)
		}
	}
}

func runInit() error {
	fmt.Println("mjsync configuration setup")
	fmt.Println("==========================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "state.db")

	outputFile := prompt("Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt("File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Service Configuration ---")
	apiURL := prompt("API base URL", "https://api.mjwellness.example")

	fmt.Println("\n--- Storage Configuration ---")
	storagePath := prompt("Local state path", defaultDbPath)

	fmt.Println("\n--- Profile ---")
	displayName := prompt("What should MJ call you?", "Guest")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt("Log level (debug/info/warn/error)", "info")
	logFormat := prompt("Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# mjsync configuration\n")
	cfg.WriteString("# Generated by mjsync init\n\n")

	cfg.WriteString("api:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", apiURL))
	cfg.WriteString("  timeout: \"30s\"\n")
	cfg.WriteString("  refresh_margin: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("realtime:\n")
	cfg.WriteString("  url: \"\" # derived from api.base_url when empty\n")
	cfg.WriteString("  max_reconnect_attempts: 8\n")
	cfg.WriteString("  backoff_base: \"1s\"\n")
	cfg.WriteString("  backoff_cap: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("storage:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", storagePath))
	cfg.WriteString("\n")

	cfg.WriteString("sync:\n")
	cfg.WriteString("  interval: \"5m\"\n")
	cfg.WriteString("  max_record_attempts: 5\n")
	cfg.WriteString("  reenqueue_grace: \"2m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("  file: \"\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(expandPath(storagePath))
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Seed the guest profile so captures made before any account exists
	// carry a name into the eventual migration bundle.
	slog.SetDefault(slog.New(&colorHandler{level: slog.LevelWarn}))
	st, err := store.New(expandPath(storagePath))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	sess := session.New(st, nil)
	existing, err := sess.GuestProfile(ctx)
	if err != nil {
		return err
	}
	if existing == nil {
		err = sess.SetGuestProfile(ctx, &session.GuestProfile{
			DisplayName: displayName,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}

	green := color.New(color.FgGreen)
	fmt.Println()
	green.Printf("  ✓ Config: %s\n", outputFile)
	green.Printf("  ✓ State:  %s\n", storagePath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  mjsync mood 4                   # capture right away, no account needed")
	fmt.Println("  mjsync register you@example.com")
	fmt.Println("  mjsync run                      # keep everything in sync")

	return nil
}

func runLogin(ctx context.Context, args []string) error {
	email, _, err := parseAccountArgs("login", args)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, openOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	password, err := promptPassword("Password")
	if err != nil {
		return err
	}

	resp, err := a.client.Login(ctx, email, password)
	if err != nil {
		return friendlyAuthError(err)
	}

	color.Green("✓ Signed in as %s\n", userLabel(resp.User))

	// First sync pulls the account's data down next to anything captured here.
	if err := a.engine.FullSync(ctx); err != nil {
		color.Yellow("! Initial sync failed: %v (will retry on the next pass)\n", err)
	}
	return nil
}

func runRegister(ctx context.Context, args []string) error {
	email, name, err := parseAccountArgs("register", args)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, openOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	password, err := promptPassword("Password")
	if err != nil {
		return err
	}
	confirm, err := promptPassword("Confirm password")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	resp, err := a.client.Register(ctx, email, password, name)
	if err != nil {
		return friendlyAuthError(err)
	}

	color.Green("✓ Account created for %s\n", resp.User.Email)

	if err := a.engine.FullSync(ctx); err != nil {
		color.Yellow("! Initial sync failed: %v (will retry on the next pass)\n", err)
	}
	return nil
}

func runLogout(ctx context.Context) error {
	a, err := openApp(ctx, openOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.session.IsAuthenticated() {
		fmt.Println("Not signed in.")
		return nil
	}

	if pending := a.queue.Len(); pending > 0 {
		color.Yellow("! %d unsent changes will stay local and replay after your next sign-in\n", pending)
	}

	if err := a.client.Logout(ctx); err != nil {
		return err
	}

	color.Green("✓ Signed out\n")
	return nil
}

func runMigrate(ctx context.Context, args []string) error {
	email, name, err := parseAccountArgs("migrate", args)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, openOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if name == "" {
		if profile, perr := a.session.GuestProfile(ctx); perr == nil && profile != nil {
			name = profile.DisplayName
		}
	}

	password, err := promptPassword("Password")
	if err != nil {
		return err
	}
	confirm, err := promptPassword("Confirm password")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}

	fmt.Printf("Moving %d moods, %d tasks, %d journal entries, and %d conversations into the new account...\n",
		a.moods.Len(), a.tasks.Len(), a.journal.Len(), a.convs.Len())

	user, err := a.migrator.Migrate(ctx, email, password, name)
	if err != nil {
		if errors.Is(err, migrate.ErrNotGuest) {
			return fmt.Errorf("already signed in; migrate only moves guest data")
		}
		return friendlyAuthError(err)
	}

	color.Green("✓ Welcome, %s — your data now lives in your account\n", userLabel(*user))

	// Pull the canonical server identities down straight away.
	if err := a.engine.FullSync(ctx); err != nil {
		color.Yellow("! Sync after migration failed: %v (will retry on the next pass)\n", err)
	}
	return nil
}

func runSync(ctx context.Context) error {
	a, err := openApp(ctx, openOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.session.IsAuthenticated() {
		return fmt.Errorf("not signed in; guest data stays local until you register or migrate")
	}

	if err := a.engine.FullSync(ctx); err != nil {
		if gateway.IsOffline(err) {
			return fmt.Errorf("offline; %d pending changes will sync when the network returns", a.queue.Len())
		}
		return err
	}

	snap := a.engine.Snapshot()
	color.Green("✓ Synced\n")
	if snap.PendingRecords > 0 {
		color.Yellow("! %d changes still pending\n", snap.PendingRecords)
	}
	if snap.DeadLetters > 0 {
		color.Yellow("! %d changes set aside after repeated rejection (mjsync status)\n", snap.DeadLetters)
	}
	return nil
}

func runStatus(ctx context.Context) error {
	a, err := openApp(ctx, openOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	snap := a.engine.Snapshot()

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("  Session")
	cyan.Println("  -------")
	if snap.Authenticated {
		green.Println("  Signed in")
		if expiry := a.session.TokenExpiry(); !expiry.IsZero() {
			fmt.Printf("  Token expires: %s\n", expiry.Local().Format(time.RFC822))
		}
	} else {
		fmt.Println("  Guest mode (local only)")
		if profile, perr := a.session.GuestProfile(ctx); perr == nil && profile != nil {
			fmt.Printf("  Guest name:    %s\n", profile.DisplayName)
		}
	}
	fmt.Println()

	cyan.Println("  Sync")
	cyan.Println("  ----")
	if snap.LastSyncAt.IsZero() {
		fmt.Println("  Last sync:     never")
	} else {
		fmt.Printf("  Last sync:     %s\n", snap.LastSyncAt.Local().Format(time.RFC822))
	}
	fmt.Printf("  Pending:       %d\n", snap.PendingRecords)
	if snap.DeadLetters > 0 {
		yellow.Printf("  Dead letters:  %d\n", snap.DeadLetters)
		for _, rec := range a.queue.DeadLetters() {
			fmt.Printf("    %s  %s (%d attempts)\n", shortID(rec.ID), rec.Name(), rec.Attempts)
		}
		fmt.Println("  Requeue one with: mjsync requeue <id>")
	}
	fmt.Println()

	cyan.Println("  Data")
	cyan.Println("  ----")
	fmt.Printf("  Moods:         %d\n", a.moods.Len())
	fmt.Printf("  Tasks:         %d\n", a.tasks.Len())
	fmt.Printf("  Journal:       %d\n", a.journal.Len())
	fmt.Printf("  Conversations: %d\n", a.convs.Len())
	fmt.Println()

	return nil
}

func runRequeue(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: mjsync requeue <record-id>")
	}

	a, err := openApp(ctx, openOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	// Accept the short prefix that status prints.
	ref := args[0]
	var full string
	for _, rec := range a.queue.DeadLetters() {
		if rec.ID == ref || strings.HasPrefix(rec.ID, ref) {
			if full != "" && full != rec.ID {
				return fmt.Errorf("%q matches more than one dead letter", ref)
			}
			full = rec.ID
		}
	}
	if full == "" {
		return fmt.Errorf("no dead letter matches %q", ref)
	}

	if err := a.queue.Requeue(ctx, full); err != nil {
		return err
	}

	color.Green("✓ Requeued %s\n", shortID(full))
	fmt.Println("  It will replay on the next sync.")
	return nil
}

func runMood(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mjsync mood <score 1-5> [note]")
	}
	score, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("score must be a number from 1 to 5")
	}
	note := strings.Join(args[1:], " ")

	a, err := openApp(ctx, openOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.engine.LogMood(ctx, score, note)
	if err != nil {
		return err
	}

	color.Green("✓ Mood logged: %s\n", moodLabel(m.Score))
	printQueueHint(a)
	return nil
}

func runTask(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mjsync task <add|done|list> ...")
	}
	sub, rest := args[0], args[1:]

	a, err := openApp(ctx, openOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	switch sub {
	case "add":
		title, dueAt, err := parseTaskAdd(rest)
		if err != nil {
			return err
		}
		task, err := a.engine.AddTask(ctx, title, dueAt)
		if err != nil {
			return err
		}
		color.Green("✓ Task added: %s\n", task.Title)
		fmt.Printf("  id: %s\n", shortID(task.EntityID()))
		printQueueHint(a)
		return nil

	case "done":
		if len(rest) != 1 {
			return fmt.Errorf("usage: mjsync task done <id>")
		}
		task, err := findTask(a, rest[0])
		if err != nil {
			return err
		}
		if task.Completed {
			fmt.Printf("Already done: %s\n", task.Title)
			return nil
		}
		done, err := a.engine.CompleteTask(ctx, task.EntityID())
		if err != nil {
			return err
		}
		color.Green("✓ Done: %s\n", done.Title)
		printQueueHint(a)
		return nil

	case "list":
		tasks := a.tasks.List()
		if len(tasks) == 0 {
			fmt.Println("No tasks yet. Add one with: mjsync task add <title>")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tSTATE\tTITLE\tDUE")
		for _, task := range tasks {
			state := "open"
			if task.Completed {
				state = "done"
			}
			due := "-"
			if task.DueAt != nil {
				due = task.DueAt.Local().Format("Jan 02 15:04")
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", shortID(task.EntityID()), state, task.Title, due)
		}
		return w.Flush()

	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
}

func runJournal(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mjsync journal <title> [body]")
	}
	title := args[0]
	body := strings.Join(args[1:], " ")

	a, err := openApp(ctx, openOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if body == "" {
		fmt.Println("Write your entry, end with Ctrl+D:")
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading entry: %w", err)
		}
		body = strings.TrimSpace(string(data))
	}

	entry, err := a.engine.AddJournalEntry(ctx, title, body)
	if err != nil {
		return err
	}

	color.Green("✓ Journal entry saved: %s\n", entry.Title)
	printQueueHint(a)
	return nil
}

// runChat is a small REPL against one conversation. Sends go through the
// engine (live when connected, queued when not); MJ's replies arrive on the
// realtime channel.
func runChat(ctx context.Context, args []string) error {
	a, err := openApp(ctx, openOptions{withChannel: true, quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	// Frames only reach the collections while the engine watches them.
	a.engine.Start(ctx)
	if a.session.IsAuthenticated() {
		a.channel.Start(ctx)
	}

	var conv *entity.Conversation
	switch {
	case len(args) == 0:
		if existing := a.convs.List(); len(existing) > 0 {
			conv = existing[len(existing)-1]
		} else {
			conv, err = a.engine.StartConversation(ctx, defaultConversationTitle())
			if err != nil {
				return err
			}
		}
	case args[0] == "list":
		return listConversations(a)
	case args[0] == "new":
		title := strings.Join(args[1:], " ")
		if title == "" {
			title = defaultConversationTitle()
		}
		conv, err = a.engine.StartConversation(ctx, title)
		if err != nil {
			return err
		}
	default:
		conv, err = findConversation(a, args[0])
		if err != nil {
			return err
		}
	}

	convRef := conv.EntityID()
	if err := a.engine.JoinConversation(ctx, convRef); err != nil {
		a.logger.Debug("join deferred", "conversation", convRef, "error", err)
	}

	gray := color.New(color.FgHiBlack)
	promptC := color.New(color.FgGreen)

	if len(conv.Messages) > 0 {
		for _, msg := range tailMessages(conv.Messages, 6) {
			printMessage(msg)
		}
		fmt.Println()
	}
	fmt.Printf("Chatting with MJ in %q. Ctrl+C or /quit to leave.\n", conv.Title)
	if !a.channel.Connected() {
		gray.Println("(offline — messages are saved and sent when you're back)")
	}

	responses, _ := a.channel.Events(ctx, realtime.EventMJResponse)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	promptC.Print("you> ")
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nGoodbye.")
			return nil

		case err := <-scanErr:
			fmt.Println()
			return err // nil on plain EOF

		case frame := <-responses:
			var ev struct {
				ConversationID string         `json:"conversation_id"`
				Message        entity.Message `json:"message"`
			}
			if json.Unmarshal(frame.Payload, &ev) != nil {
				continue
			}
			if !refersTo(a, convRef, ev.ConversationID) {
				continue
			}
			fmt.Println()
			printMessage(ev.Message)
			promptC.Print("you> ")

		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				promptC.Print("you> ")
				continue
			}
			if line == "/quit" || line == "/q" || line == "/exit" {
				return nil
			}
			if _, err := a.engine.SendMessage(ctx, convRef, line); err != nil {
				color.Yellow("! %v\n", err)
			} else if !a.channel.Connected() {
				gray.Println("  (saved — MJ will reply once you're connected)")
			}
			promptC.Print("you> ")
		}
	}
}

func listConversations(a *app) error {
	convs := a.convs.List()
	if len(convs) == 0 {
		fmt.Println("No conversations yet. Start one with: mjsync chat")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTARTED\tMESSAGES\tTITLE")
	for _, conv := range convs {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\n",
			shortID(conv.EntityID()),
			conv.StartedAt.Local().Format("Jan 02 15:04"),
			len(conv.Messages),
			conv.Title,
		)
	}
	return w.Flush()
}

// refersTo reports whether serverRef names the conversation the REPL holds,
// matching either identity since adoption can happen mid-session.
func refersTo(a *app, convRef, serverRef string) bool {
	if serverRef == "" || serverRef == convRef {
		return true
	}
	current, ok := a.convs.Get(convRef)
	if !ok {
		return false
	}
	return serverRef == current.EntityID() || serverRef == current.ClientRef()
}

func printMessage(msg entity.Message) {
	when := msg.CreatedAt.Local().Format("15:04")
	if msg.Role == entity.RoleAssistant {
		color.New(color.FgCyan).Printf("MJ  %s  ", when)
	} else {
		color.New(color.FgHiBlack).Printf("you %s  ", when)
	}
	fmt.Println(msg.Body)
}

func defaultConversationTitle() string {
	return fmt.Sprintf("Check-in %s", time.Now().Format("Jan 2"))
}

func tailMessages(msgs []entity.Message, n int) []entity.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// parseAccountArgs handles "<email> [--name NAME]" in both "--name value"
// and "--name=value" forms.
func parseAccountArgs(cmd string, args []string) (email, name string, err error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return "", "", fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case strings.HasPrefix(arg, "-"):
			return "", "", fmt.Errorf("unknown flag: %s", arg)
		case email == "":
			email = arg
		default:
			return "", "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if email == "" {
		return "", "", fmt.Errorf("usage: mjsync %s <email> [--name NAME]", cmd)
	}
	return email, strings.TrimSpace(name), nil
}

func parseTaskAdd(args []string) (string, *time.Time, error) {
	var words []string
	var due *time.Time
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--due":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--due requires a value")
			}
			t, err := parseDue(args[i+1])
			if err != nil {
				return "", nil, err
			}
			due = &t
			i++
		case strings.HasPrefix(arg, "--due="):
			t, err := parseDue(strings.TrimPrefix(arg, "--due="))
			if err != nil {
				return "", nil, err
			}
			due = &t
		default:
			words = append(words, arg)
		}
	}
	if len(words) == 0 {
		return "", nil, fmt.Errorf("usage: mjsync task add <title> [--due YYYY-MM-DD]")
	}
	return strings.Join(words, " "), due, nil
}

func parseDue(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse due date %q (use YYYY-MM-DD)", s)
}

// findTask resolves a task by full ID, retained client ID, or unique short
// prefix of either.
func findTask(a *app, ref string) (*entity.Task, error) {
	if task, ok := a.tasks.Get(ref); ok {
		return task, nil
	}
	var match *entity.Task
	for _, task := range a.tasks.List() {
		if strings.HasPrefix(task.EntityID(), ref) || strings.HasPrefix(task.ClientRef(), ref) {
			if match != nil {
				return nil, fmt.Errorf("%q matches more than one task", ref)
			}
			match = task
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no task matches %q", ref)
	}
	return match, nil
}

func findConversation(a *app, ref string) (*entity.Conversation, error) {
	if conv, ok := a.convs.Get(ref); ok {
		return conv, nil
	}
	var match *entity.Conversation
	for _, conv := range a.convs.List() {
		if strings.HasPrefix(conv.EntityID(), ref) || strings.HasPrefix(conv.ClientRef(), ref) {
			if match != nil {
				return nil, fmt.Errorf("%q matches more than one conversation", ref)
			}
			match = conv
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no conversation matches %q", ref)
	}
	return match, nil
}

// friendlyAuthError rewrites the common auth failures into something a
// person can act on; everything else passes through.
func friendlyAuthError(err error) error {
	var apiErr *gateway.APIError
	switch {
	case gateway.IsOffline(err):
		return fmt.Errorf("cannot reach the service; try again when you're back online")
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized:
		return fmt.Errorf("email or password is incorrect")
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict:
		return fmt.Errorf("an account with that email already exists")
	default:
		return err
	}
}

func userLabel(u gateway.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

func moodLabel(score int) string {
	labels := map[int]string{1: "rough", 2: "low", 3: "okay", 4: "good", 5: "great"}
	return fmt.Sprintf("%d/5 (%s)", score, labels[score])
}

func printQueueHint(a *app) {
	if pending := a.queue.Len(); pending > 0 {
		color.New(color.FgHiBlack).Printf("  %d changes waiting to sync\n", pending)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
