// Package commit seals passing checkpoints into a durable, verifiable history.
package commit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"punchd/internal/db"
	"punchd/internal/domain"
	"punchd/internal/repo"
)

// GenesisHash is the prev_hash of the first ledger entry.
var GenesisHash = strings.Repeat("0", 64)

type Request struct {
	CheckpointID string
	TaskID       string
	CardID       string
	At           string
}

// Message is the commit message recorded for a checkpoint. It embeds the
// checkpoint id so a repeated commit can be found again.
func (r Request) Message() string {
	return fmt.Sprintf("punchd checkpoint %s: task %s passed card %s", r.CheckpointID, r.TaskID, r.CardID)
}

// Committer performs the external commit of a staged checkpoint. Commit must
// be idempotent per checkpoint id so an interrupted finalize can be resumed.
type Committer interface {
	Commit(ctx context.Context, req Request) (string, error)
}

// Ledger is a hash chain kept in the store's own commits table.
type Ledger struct {
	Repo repo.Repo
}

func (l Ledger) Commit(ctx context.Context, req Request) (string, error) {
	if req.CheckpointID == "" {
		return "", errors.New("checkpoint id required")
	}
	var hash string
	err := l.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := l.Repo.CommitForCheckpointTx(ctx, tx, req.CheckpointID)
		if err == nil {
			hash = existing.Hash
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		prev := GenesisHash
		head, err := l.Repo.LastCommitTx(ctx, tx)
		switch {
		case err == nil:
			prev = head.Hash
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		c := domain.Commit{
			CheckpointID: req.CheckpointID,
			TaskID:       req.TaskID,
			CardID:       req.CardID,
			Message:      req.Message(),
			PrevHash:     prev,
			CommittedAt:  req.At,
		}
		if c.Hash, err = ChainHash(c); err != nil {
			return err
		}
		if err := l.Repo.InsertCommitTx(ctx, tx, c); err != nil {
			return fmt.Errorf("insert commit: %w", err)
		}
		hash = c.Hash
		return nil
	})
	return hash, err
}

// ChainHash is sha256(prev_hash || canonical JSON of the entry).
func ChainHash(c domain.Commit) (string, error) {
	body, err := json.Marshal(map[string]string{
		"checkpoint_id": c.CheckpointID,
		"task_id":       c.TaskID,
		"card_id":       c.CardID,
		"message":       c.Message,
		"committed_at":  c.CommittedAt,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(c.PrevHash), canonical...))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain checks that commits (oldest first) link and hash correctly.
func VerifyChain(commits []domain.Commit) error {
	prev := GenesisHash
	for _, c := range commits {
		if c.PrevHash != prev {
			return fmt.Errorf("commit %d: prev_hash %s does not match %s", c.Seq, c.PrevHash, prev)
		}
		want, err := ChainHash(c)
		if err != nil {
			return err
		}
		if c.Hash != want {
			return fmt.Errorf("commit %d: hash mismatch", c.Seq)
		}
		prev = c.Hash
	}
	return nil
}

// Dolt commits the working set of a Dolt or Doltgres database.
type Dolt struct {
	DB      *sql.DB
	Dialect db.Dialect
	Author  string
}

func (d Dolt) Commit(ctx context.Context, req Request) (string, error) {
	msg := req.Message()
	var hash string
	err := d.DB.QueryRowContext(ctx, d.Dialect.Rebind(`SELECT commit_hash FROM dolt_log WHERE message = ? LIMIT 1`), msg).Scan(&hash)
	if err == nil {
		return hash, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("dolt log: %w", err)
	}
	args := []any{msg}
	query := `SELECT DOLT_COMMIT('-A', '-m', ?)`
	if d.Author != "" {
		query = `SELECT DOLT_COMMIT('-A', '-m', ?, '--author', ?)`
		args = append(args, d.Author)
	}
	var out string
	if err := d.DB.QueryRowContext(ctx, d.Dialect.Rebind(query), args...).Scan(&out); err != nil {
		return "", fmt.Errorf("dolt commit: %w", err)
	}
	// doltgres returns the hash as a one element text array
	hash = strings.Trim(out, "{}\"")
	if hash == "" {
		return "", errors.New("dolt commit returned no hash")
	}
	return hash, nil
}
