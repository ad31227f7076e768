package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rowjay/bchain/internal/app"
	"github.com/rowjay/bchain/internal/apperr"
	"github.com/rowjay/bchain/internal/backup"
	"github.com/rowjay/bchain/internal/config"
	"github.com/rowjay/bchain/internal/logging"
	"github.com/rowjay/bchain/internal/manifest"
	"github.com/rowjay/bchain/internal/notify"
	"github.com/rowjay/bchain/internal/restore"
	"github.com/rowjay/bchain/internal/secrets"
	"github.com/rowjay/bchain/internal/storage"
	"github.com/rowjay/bchain/internal/util"
	"github.com/rowjay/bchain/internal/verify"
	"github.com/rowjay/bchain/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		printError(err)
		os.Exit(apperr.ExitCode(err))
	}
}

// run executes the command line in args. Errors raised before a command
// starts (unknown command, bad flag, wrong argument count) are usage errors.
func run(args []string) error {
	root := &rootFlags{}
	started := false

	rootCmd := &cobra.Command{
		Use:           "bchain",
		Short:         "Chained full and incremental backups of service data stores",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			started = true
		},
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console, auto)")

	rootCmd.AddCommand(newBackupCmd(root))
	rootCmd.AddCommand(newVerifyCmd(root))
	rootCmd.AddCommand(newRestoreCmd(root))
	rootCmd.AddCommand(newListCmd(root))
	rootCmd.AddCommand(newDeleteCmd(root))
	rootCmd.AddCommand(newPruneCmd(root))
	rootCmd.AddCommand(newValidateCmd(root))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err != nil && !started && apperr.KindOf(err) == "" {
		return apperr.Wrap(apperr.KindValidation, err, "invalid command line").WithHint("run 'bchain --help' for usage")
	}
	return err
}

func newBackupCmd(root *rootFlags) *cobra.Command {
	var backupType string
	var services []string
	var compression string
	var encrypt bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a full or incremental backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if backupType != "" {
				cfg.Backup.Type = strings.ToLower(backupType)
			}
			if compression != "" {
				cfg.Backup.Compression = strings.ToLower(compression)
			}
			if encrypt {
				cfg.Backup.Encrypt = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			typ, err := manifest.ParseType(cfg.Backup.Type)
			if err != nil {
				return err
			}
			if len(services) == 0 {
				services = cfg.Backup.Services
			}

			env, err := setup(cfg)
			if err != nil {
				return err
			}
			defer env.cancel()

			var res *app.BackupResult
			err = util.Retry(env.ctx, cfg.Backup.RetryCount, cfg.Backup.RetryBackoff, retryableBackup, func() error {
				var runErr error
				res, runErr = env.app.Backup(env.ctx, backup.Request{Type: typ, Services: services})
				if runErr != nil && retryableBackup(runErr) {
					env.log.Warn().Err(runErr).Msg("backup attempt failed")
				}
				return runErr
			})
			if err != nil {
				return err
			}
			printBackup(res)
			return nil
		},
	}
	cmd.Flags().StringVar(&backupType, "type", "", "Backup type (full, incremental)")
	cmd.Flags().StringSliceVar(&services, "services", nil, "Services to back up (default: all configured)")
	cmd.Flags().StringVar(&compression, "compression", "", "Compression (none, gzip, zstd, lz4)")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "Encrypt artifacts with backup.passphrase_file")
	return cmd
}

// A dump that failed part way left nothing behind, so it is safe to try again.
func retryableBackup(err error) bool {
	return apperr.KindOf(err) == apperr.KindDumpFailed
}

func newVerifyCmd(root *rootFlags) *cobra.Command {
	var passphraseFile string
	var asJSON bool
	var all bool

	cmd := &cobra.Command{
		Use:   "verify [backup-id]",
		Short: "Check every artifact of a backup against its manifest checksums",
		Long: "Check every artifact of a backup against its manifest checksums.\n" +
			"With --all every backup is verified; without an id the backups are listed.",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.MaximumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if passphraseFile == "" {
				passphraseFile = cfg.Backup.PassphraseFile
			}
			env, err := setup(cfg)
			if err != nil {
				return err
			}
			defer env.cancel()
			opts := verify.Options{PassphraseFile: passphraseFile}

			switch {
			case all:
				reports, err := env.app.VerifyAll(env.ctx, opts)
				if asJSON {
					if jerr := printJSON(reports); jerr != nil {
						return jerr
					}
				} else {
					for _, r := range reports {
						printVerify(r)
					}
				}
				return err
			case len(args) == 0:
				return printList(env.app.List(env.ctx))
			}

			report, err := env.app.Verify(env.ctx, args[0], opts)
			if report != nil {
				if asJSON {
					if jerr := printJSON(report); jerr != nil {
						return jerr
					}
				} else {
					printVerify(report)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&passphraseFile, "passphrase-file", "", "Passphrase file for encrypted backups")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVar(&all, "all", false, "Verify every backup; exit 1 if any fails")
	return cmd
}

func newRestoreCmd(root *rootFlags) *cobra.Command {
	var services []string
	var passphraseFile string
	var dropExisting bool

	cmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore services from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if dropExisting {
				cfg.Restore.DropExisting = true
			}
			if len(services) == 0 {
				services = cfg.Restore.Services
			}
			env, err := setup(cfg)
			if err != nil {
				return err
			}
			defer env.cancel()

			report, err := env.app.Restore(env.ctx, restore.Request{
				BackupID:       args[0],
				Services:       services,
				PassphraseFile: passphraseFile,
			})
			if report != nil {
				printRestore(report)
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&services, "services", nil, "Services to restore (default: all in the backup)")
	cmd.Flags().StringVar(&passphraseFile, "passphrase-file", "", "Passphrase file for encrypted backups")
	cmd.Flags().BoolVar(&dropExisting, "drop-existing", false, "Drop existing objects before restore")
	return cmd
}

func newListCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			env, err := setup(cfg)
			if err != nil {
				return err
			}
			defer env.cancel()
			return printList(env.app.List(env.ctx))
		},
	}
}

func newDeleteCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup no other backup depends on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			env, err := setup(cfg)
			if err != nil {
				return err
			}
			defer env.cancel()
			if err := env.app.Delete(env.ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func newPruneCmd(root *rootFlags) *cobra.Command {
	var dryRun bool
	var keepLast, keepDays int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy and remove leftovers of aborted runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("keep-last") {
				cfg.Backup.Retention.KeepLast = keepLast
			}
			if cmd.Flags().Changed("keep-days") {
				cfg.Backup.Retention.KeepDays = keepDays
			}
			env, err := setup(cfg)
			if err != nil {
				return err
			}
			defer env.cancel()
			res, err := env.app.Prune(env.ctx, dryRun)
			if res != nil {
				printPrune(res, dryRun)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be deleted")
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep the newest N backups")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "Keep backups younger than N days")
	return cmd
}

func newValidateCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, tools, secrets and repository access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			env, err := setup(cfg)
			if err != nil {
				return err
			}
			defer env.cancel()
			checks, err := env.app.Validate(env.ctx)
			printChecks(checks)
			return err
		},
	}
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var passphraseFile string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || passphraseFile == "" {
				return apperr.New(apperr.KindValidation, "--input, --output and --passphrase-file are required")
			}
			return config.EncryptConfigFile(input, output, passphraseFile)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&passphraseFile, "passphrase-file", "", "File holding the passphrase (mode 0600)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bchain %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

type environment struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
	app    *app.App
}

// setup wires the repository, the secret resolver and the notifiers for one
// command run.
func setup(cfg *config.Config) (*environment, error) {
	logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
	store, err := storage.New(cfg.Repository)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "repository")
	}
	resolver, err := secrets.New(cfg)
	if err != nil {
		return nil, err
	}
	appSvc, err := app.New(cfg, store, resolver, logger, notify.FromConfig(cfg.Notifications))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if cfg.Global.OperationTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.Global.OperationTimeout)
	}
	return &environment{ctx: ctx, cancel: cancel, log: logger, app: appSvc}, nil
}

func loadConfig(root *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}
	return cfg, nil
}
