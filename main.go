package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-backup/archive"
	"github.com/dhcgn/imap-backup/cmd"
	"github.com/dhcgn/imap-backup/config"
	"github.com/dhcgn/imap-backup/filter"
	"github.com/dhcgn/imap-backup/model"
	"github.com/dhcgn/imap-backup/progress"
	"github.com/dhcgn/imap-backup/runner"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "imap-backup",
		Short:        "Back up all messages of an IMAP mailbox into a verifiable local archive",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)

			if cfg.ZipOnly != "" {
				return zipOnly(cfg, logger)
			}

			logger.Info("starting imap-backup", "email", cfg.Email, "workers", cfg.Workers, "output", cfg.OutputDir)
			return run(cfg, logger)
		},
	}

	config.RegisterFlags(rootCmd)
	rootCmd.AddCommand(cmd.NewVerifyCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	dates, err := filter.New(filter.Options{
		Days:      cfg.Days,
		StartDate: cfg.StartDate,
		EndDate:   cfg.EndDate,
	})
	if err != nil {
		return err
	}

	account := model.Account{
		Address:  cfg.Email,
		Password: cfg.Password,
		Host:     cfg.Server,
		Port:     cfg.Port,
		UseTLS:   cfg.UseTLS,
	}

	opts := runner.Options{
		Account:          account,
		Dates:            dates,
		OutputDir:        cfg.OutputDir,
		RunName:          runner.RunName(account, dates, time.Now()),
		Workers:          cfg.Workers,
		MaxRetries:       cfg.MaxRetries,
		ConnectRetries:   cfg.ConnectRetries,
		CallTimeout:      cfg.CallTimeout,
		FetchesPerSecond: cfg.RateLimit,
		CreateArchive:    !cfg.NoZip,
		CompressionLevel: cfg.CompressionLevel,
		ExportMbox:       cfg.ExportMbox,
	}

	r, err := runner.New(opts, logger)
	if err != nil {
		return err
	}

	bar := progress.New(cfg.LogLevel)
	r.OnEvent(bar.Update)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGUSR1 forces a progress status line, like pressing enter in an
	// interactive session.
	refresh := make(chan os.Signal, 1)
	signal.Notify(refresh, syscall.SIGUSR1)
	defer signal.Stop(refresh)
	go func() {
		for range refresh {
			bar.PrintStatus(r.Snapshot())
		}
	}()

	result, err := r.Run(ctx)
	bar.Stop()
	if err != nil {
		return err
	}

	progress.PrintSummary(result.Summary, result.Status)
	if result.ArchivePath != "" {
		logger.Info("archive written", "zip", result.ArchivePath, "manifest", result.ManifestPath)
	}

	if result.Failed() {
		return fmt.Errorf("%w: status %s, %d failed, %d remaining",
			runner.ErrTasksFailed, result.Status, result.Summary.Failed, result.Summary.Remaining())
	}
	return nil
}

func zipOnly(cfg config.Config, logger *slog.Logger) error {
	target := cfg.ZipOnly
	if _, err := os.Stat(target); err != nil {
		joined := filepath.Join(cfg.OutputDir, cfg.ZipOnly)
		if _, jerr := os.Stat(joined); jerr != nil {
			return fmt.Errorf("directory not found: %s", cfg.ZipOnly)
		}
		target = joined
	}

	baseName := filepath.Base(filepath.Clean(target))
	destDir := filepath.Dir(filepath.Clean(target))

	archivePath := filepath.Join(destDir, baseName+".zip")
	manifestPath := filepath.Join(destDir, baseName+".txt")

	res, err := archive.Create(archive.Options{
		SourceDir:        target,
		ArchivePath:      archivePath,
		CompressionLevel: cfg.CompressionLevel,
	}, logger)
	if err != nil {
		return err
	}

	manifest := archive.Manifest{
		FileName: filepath.Base(archivePath),
		Size:     res.SizeBytes,
		SHA1:     res.SHA1,
		Date:     time.Now(),
		Status:   "Zip Only",
	}
	if err := archive.WriteManifest(manifestPath, manifest); err != nil {
		return err
	}

	logger.Info("integrity info saved", "manifest", manifestPath, "sha1", res.SHA1)
	return nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("imap-backup-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
