package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"filemon/internal/app"
	"filemon/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a FilemonApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Subscribe", "Serve").
func newApp(ctx context.Context, operation string) (*app.FilemonApp, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewFilemonApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// readPassphrase prompts on stderr and reads a line without echo. When stdin
// is not a terminal the line is read as-is, so scripts can pipe it in.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const timeFormat = "2006-01-02 15:04:05"

var rootCmd = &cobra.Command{
	Use:          "filemon",
	Short:        "Mail subscribers the lines appended to watched files",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		instanceID := uuid.New().String()
		cfg := config.NewConfig(instanceID, paths.BaseDir)

		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Instance ID: %s\n", instanceID)
		fmt.Printf("Base Dir:    %s\n", paths.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		archive := cfg.Archive.Type
		if archive == "" {
			archive = "disabled"
		}

		fmt.Printf("Configuration from %s:\n\n", paths.ConfigPath)
		fmt.Printf("Instance ID:     %s\n", cfg.InstanceID)
		fmt.Printf("Base Dir:        %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:         %s\n", cfg.LogDir)
		fmt.Printf("Database:        %s\n", cfg.Database.Type)
		fmt.Printf("Dispatch:        %s\n", cfg.Dispatch.Type)
		fmt.Printf("Notify Interval: %s\n", cfg.Notify.Interval.Duration)
		fmt.Printf("Retention:       %s\n", cfg.Retention.MaxAge.Duration)
		fmt.Printf("Archive:         %s\n", archive)
		fmt.Printf("Encryption:      %s\n", cfg.Encryption.Type)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage archive encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the archive encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "SetupKeys")
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		confirm, err := readPassphrase("Repeat passphrase: ")
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		if pass != confirm {
			return errors.New("passphrases do not match")
		}

		if err := a.SetupKeys(pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Println("Key pair generated.")
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch subscribed files and send notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "Serve")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}

// subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe PATH EMAIL",
	Short: "Subscribe an email address to a file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Subscribe")
		if err != nil {
			return err
		}
		defer a.Close()

		sub, err := a.Subscribe(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("subscribing: %w", err)
		}

		fmt.Printf("Subscribed %s to %s\n", sub.Email, sub.FilePath)
		fmt.Printf("Job ID: %s\n", sub.JobID)
		return nil
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe JOBID",
	Short: "Cancel a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Unsubscribe")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Unsubscribe(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancelled %s\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status JOBID",
	Short: "Show a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Status")
		if err != nil {
			return err
		}
		defer a.Close()

		sub, err := a.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Job ID:  %s\n", sub.JobID)
		fmt.Printf("Path:    %s\n", sub.FilePath)
		fmt.Printf("Email:   %s\n", sub.Email)
		fmt.Printf("Active:  %t\n", sub.Active)
		fmt.Printf("Created: %s\n", sub.CreatedAt.Local().Format(timeFormat))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		pageNum, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("size")

		a, err := newApp(cmd.Context(), "List")
		if err != nil {
			return err
		}
		defer a.Close()

		page, err := a.List(cmd.Context(), pageNum, size)
		if err != nil {
			return err
		}

		if page.Total == 0 {
			fmt.Println("No subscriptions.")
			return nil
		}

		for _, sub := range page.Subscriptions {
			fmt.Printf("%s  %-30s  %s\n", sub.JobID, sub.Email, sub.FilePath)
		}
		pages := (page.Total + page.Size - 1) / page.Size
		fmt.Printf("\npage %d of %d, %d subscription(s)\n", page.Page, pages, page.Total)
		return nil
	},
}

var changesCmd = &cobra.Command{
	Use:   "changes PATH",
	Short: "Show recorded changes of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "Changes")
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.Changes(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No changes recorded.")
			return nil
		}

		for _, rec := range records {
			state := "pending"
			if !rec.Pending() {
				state = "notified " + rec.NotifiedAt.Local().Format(timeFormat)
			}
			fmt.Printf("#%d  %s  [%s]\n", rec.ID, rec.ChangeTime.Local().Format(timeFormat), state)
			for _, line := range strings.Split(rec.Content, "\n") {
				fmt.Printf("    %s\n", line)
			}
		}
		return nil
	},
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send pending notifications now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Notify")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Notify(cmd.Context())
		if err != nil {
			return fmt.Errorf("notification run failed: %w", err)
		}

		fmt.Printf("Sent %d message(s) for %d file(s), %d failed, %d record(s) marked\n",
			result.Messages, result.Groups-result.Skipped, result.Failures, result.Records)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View notification run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "History")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No notification runs recorded.")
			return nil
		}

		for _, run := range runs {
			duration := ""
			if run.FinishedAt != nil {
				duration = run.FinishedAt.Sub(run.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %s  %-8s  records=%d  messages=%d  failures=%d  %s\n",
				run.ID,
				run.StartedAt.Local().Format(timeFormat),
				run.Status,
				run.Records,
				run.Messages,
				run.Failures,
				duration,
			)
		}
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old change records",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		a, err := newApp(cmd.Context(), "Prune")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Prune(cmd.Context(), olderThan)
		if err != nil {
			return err
		}

		fmt.Printf("Deleted %d record(s)\n", result.Deleted)
		if result.ArchiveKey != "" {
			fmt.Printf("Archived as %s\n", result.ArchiveKey)
		}
		return nil
	},
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Read archived change records",
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ArchiveList")
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := a.ArchiveKeys(cmd.Context())
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No archived batches.")
			return nil
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	},
}

var archiveGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print an archived batch as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ArchiveGet")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.ArchiveGet(cmd.Context(), args[0], func() (string, error) {
			return readPassphrase("Passphrase: ")
		}, os.Stdout)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveGetCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(unsubscribeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().Int("page", 0, "Zero-based page number")
	listCmd.Flags().Int("size", 10, "Subscriptions per page")
	rootCmd.AddCommand(changesCmd)
	changesCmd.Flags().IntP("limit", "n", 20, "Maximum number of records to show")
	rootCmd.AddCommand(notifyCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().Duration("older-than", 0, "Age cutoff (default: retention.max_age)")
	rootCmd.AddCommand(archiveCmd)
}
