package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"canvasledger/internal/ledger"
	"canvasledger/internal/store"

	"github.com/spf13/cobra"
)

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != "postgres" {
		return fmt.Errorf("migrate needs the postgres store backend, have %q", cfg.StoreBackend)
	}
	db, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir, logger)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))
	for _, version := range applied {
		fmt.Fprintln(cmd.OutOrStdout(), "  "+version)
	}
	return nil
}

func runRebuild(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.service.Rebuild(cmd.Context(), roomFlag); err != nil {
		return err
	}
	if roomFlag == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "rebuilt all rooms")
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "rebuilt room %s\n", roomFlag)
	}
	return nil
}

func runRetryStatus(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.queue.Len(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d queued ledger commit(s)\n", n)
	return nil
}

func runRetryDrain(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	total, remaining, err := drainQueue(cmd.Context(), rt.worker(), rt.queue)
	fmt.Fprintf(cmd.OutOrStdout(), "committed=%d failed=%d dropped=%d remaining=%d\n",
		total.Committed, total.Failed, total.Dropped, remaining)
	return err
}

// drainQueue runs retry passes until the queue is empty or a pass makes no
// progress.
func drainQueue(ctx context.Context, worker *ledger.RetryWorker, queue *ledger.RetryQueue) (ledger.DrainStats, int64, error) {
	var total ledger.DrainStats
	for {
		stats, err := worker.ProcessOnce(ctx)
		total.Committed += stats.Committed
		total.Failed += stats.Failed
		total.Dropped += stats.Dropped
		if err != nil {
			return total, -1, err
		}
		remaining, err := queue.Len(ctx)
		if err != nil {
			return total, -1, err
		}
		if remaining == 0 || stats.Committed+stats.Dropped == 0 {
			return total, remaining, nil
		}
	}
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.LedgerBackend != "git" {
		return fmt.Errorf("verify needs the git ledger backend, have %q", cfg.LedgerBackend)
	}
	g := ledger.NewGitLedger(cfg.LedgerDir, cfg.LedgerAuthor)

	rooms := []string{roomFlag}
	if roomFlag == "" {
		if rooms, err = g.Rooms(); err != nil {
			return err
		}
	}
	bad, err := verifyRooms(cmd.OutOrStdout(), g, rooms)
	if err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("%d room(s) failed verification", bad)
	}
	return nil
}

func verifyRooms(out io.Writer, g *ledger.GitLedger, rooms []string) (int, error) {
	bad := 0
	for _, room := range rooms {
		report, err := g.Verify(room)
		if err != nil {
			return bad, fmt.Errorf("verify %s: %w", room, err)
		}
		if report.OK() {
			fmt.Fprintf(out, "%s: ok (%d commits)\n", room, report.Commits)
			continue
		}
		bad++
		fmt.Fprintf(out, "%s: %d of %d commits failed\n", room, len(report.Mismatches), report.Commits)
		for _, m := range report.Mismatches {
			fmt.Fprintln(out, "  "+m)
		}
	}
	return bad, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	rt, err := openRuntime(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	stats, err := importRecords(cmd.Context(), f, rt.store, logger)
	fmt.Fprintf(cmd.OutOrStdout(), "imported=%d malformed=%d\n", stats.Imported, stats.Malformed)
	if err != nil {
		return err
	}
	if _, err := rt.service.ReseedSequencer(cmd.Context()); err != nil {
		return err
	}
	// Imported rooms are served from the store on their next read.
	return rt.service.Rebuild(cmd.Context(), "")
}

type importStats struct {
	Imported  int
	Malformed int
}

const maxImportLine = 16 << 20

// importRecords appends every decodable line of r in canonical form.
// Malformed lines are logged and skipped.
func importRecords(ctx context.Context, r io.Reader, s store.Store, logger *slog.Logger) (importStats, error) {
	var stats importStats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxImportLine)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		rec, err := store.Decode(raw)
		if err == nil {
			_, err = s.Append(ctx, rec)
		}
		if errors.Is(err, store.ErrMalformedRecord) {
			stats.Malformed++
			logger.Warn("skipping malformed import line", "line", line, "error", err)
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("import line %d: %w", line, err)
		}
		stats.Imported++
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read import file: %w", err)
	}
	return stats, nil
}
