package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"canvasledger/internal/store"
	"canvasledger/internal/util"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"golang.org/x/crypto/blake2b"
)

const (
	digestPrefix = "blake2b-256:"
	pathPrefix   = "path:"
)

// GitLedger commits every record to a git repository per room. Each commit
// message carries the BLAKE2b-256 digest of the committed file so history
// can be checked for tampering.
type GitLedger struct {
	baseDir string
	author  string
	locks   util.KeyedMutex
}

func NewGitLedger(baseDir, author string) *GitLedger {
	if author == "" {
		author = "canvasledger"
	}
	return &GitLedger{
		baseDir: baseDir,
		author:  author,
	}
}

func (g *GitLedger) Commit(ctx context.Context, payload []byte) (string, error) {
	rec, err := store.Decode(payload)
	if err != nil {
		return "", fmt.Errorf("decode ledger payload: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	defer g.locks.Lock(rec.RoomID)()

	repo, err := g.openOrInit(rec.RoomID)
	if err != nil {
		return "", err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}

	relPath := filepath.ToSlash(filepath.Join("records", sanitizeFileName(rec.LedgerKey())+".json"))
	fullPath := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("create records dir: %w", err)
	}
	body := append(append([]byte(nil), payload...), '\n')
	if err := os.WriteFile(fullPath, body, 0o644); err != nil {
		return "", fmt.Errorf("write record: %w", err)
	}
	if _, err := worktree.Add(relPath); err != nil {
		return "", fmt.Errorf("git add record: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return "", fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		// Same record committed before; the retry is a no-op.
		head, err := repo.Head()
		if err != nil {
			return "", fmt.Errorf("resolve head: %w", err)
		}
		return head.Hash().String(), nil
	}

	message := fmt.Sprintf("%s %s\n\n%s %s\n%s%s\n", rec.Kind, rec.LedgerKey(), pathPrefix, relPath, digestPrefix, digest(body))
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.author,
			Email: fmt.Sprintf("%s@ledger.canvas.local", sanitizeEmail(g.author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit record: %w", err)
	}
	return hash.String(), nil
}

// VerifyReport summarizes a tamper check over one room's history.
type VerifyReport struct {
	Room       string
	Commits    int
	Mismatches []string
}

func (r VerifyReport) OK() bool {
	return len(r.Mismatches) == 0
}

// Verify recomputes the digest of every committed record in room.
func (g *GitLedger) Verify(room string) (VerifyReport, error) {
	defer g.locks.Lock(room)()

	report := VerifyReport{Room: room}
	repo, err := git.PlainOpen(g.repoPath(room))
	if err != nil {
		return report, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return report, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return report, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		report.Commits++
		path, want := parseCommitMessage(commitObj.Message)
		if path == "" || want == "" {
			report.Mismatches = append(report.Mismatches, commitObj.Hash.String()+": missing digest")
			return nil
		}
		file, err := commitObj.File(path)
		if err != nil {
			report.Mismatches = append(report.Mismatches, commitObj.Hash.String()+": "+path+" missing")
			return nil
		}
		reader, err := file.Reader()
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer reader.Close()
		body, err := io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if digest(body) != want {
			report.Mismatches = append(report.Mismatches, commitObj.Hash.String()+": "+path+" digest mismatch")
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("iterate log: %w", err)
	}
	return report, nil
}

// Rooms lists the rooms that have a ledger repository.
func (g *GitLedger) Rooms() ([]string, error) {
	entries, err := os.ReadDir(g.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger dir: %w", err)
	}
	rooms := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			rooms = append(rooms, entry.Name())
		}
	}
	return rooms, nil
}

func (g *GitLedger) openOrInit(room string) (*git.Repository, error) {
	path := g.repoPath(room)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (g *GitLedger) repoPath(room string) string {
	return filepath.Join(g.baseDir, sanitizeFileName(room))
}

func digest(body []byte) string {
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func parseCommitMessage(message string) (string, string) {
	var path, sum string
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, pathPrefix):
			path = strings.TrimSpace(strings.TrimPrefix(line, pathPrefix))
		case strings.HasPrefix(line, digestPrefix):
			sum = strings.TrimSpace(strings.TrimPrefix(line, digestPrefix))
		}
	}
	return path, sum
}

func sanitizeFileName(input string) string {
	var b strings.Builder
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '@':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

func sanitizeEmail(input string) string {
	out := strings.ToLower(sanitizeFileName(input))
	out = strings.ReplaceAll(out, "@", "_")
	return out
}
