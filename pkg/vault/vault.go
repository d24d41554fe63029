// Package vault implements the append-only event store.
//
// One JSONL log per entity scope under a filesystem root: `{run_id}/` for
// Runs, `hive-{hive_id}/` for Hive and Colony lifecycle events, and
// `meta-decisions/` for events bound to no Run. Appends are fsynced whole
// lines; replay verifies every event's hash and the prev-hash chain.
//
// Concurrency contract: one writer per scope (enforced with a per-scope
// mutex), unlimited concurrent readers. Readers capture the file length at
// entry so a concurrent append never hands them a torn line.
package vault

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apiaryhq/apiary/pkg/events"
)

// logFileName is the event log file inside every scope directory.
const logFileName = "events.jsonl"

// Scope names one event log.
type Scope string

// MetaScope is the distinguished scope for events that belong to no Run and
// no Hive (global policy and meta decisions).
const MetaScope Scope = "meta-decisions"

// RunScope returns the scope holding one Run's events.
func RunScope(runID string) Scope { return Scope(runID) }

// HiveScope returns the scope holding a Hive's lifecycle events, including
// those of its Colonies.
func HiveScope(hiveID string) Scope { return Scope("hive-" + hiveID) }

// ScopeFor routes an event to its log: events with a Run id go to the Run
// log even when they also carry a Hive id; Hive/Colony lifecycle events go
// to the Hive log; everything else lands in meta-decisions.
func ScopeFor(e *events.Event) Scope {
	switch {
	case e.RunID != "":
		return RunScope(e.RunID)
	case e.HiveID != "":
		return HiveScope(e.HiveID)
	default:
		return MetaScope
	}
}

// IsRunScope reports whether s is a Run scope (not hive-*, not meta).
func (s Scope) IsRunScope() bool {
	return s != MetaScope && !strings.HasPrefix(string(s), "hive-")
}

// scopeState is the per-scope writer state: the hash of the last appended
// event and the read-only flag set on detected corruption.
type scopeState struct {
	mu         sync.Mutex
	tailHash   string
	tailLoaded bool
	frozen     error // non-nil marks the scope read-only, holding the cause
}

// Vault is the append-only store over one filesystem root.
type Vault struct {
	root string

	mu     sync.Mutex
	scopes map[Scope]*scopeState

	index *runIndex
}

// Open prepares a vault rooted at dir, creating it if needed, and loads the
// run-to-colony side index.
func Open(dir string) (*Vault, error) {
	if dir == "" {
		return nil, errors.New("vault: empty root path")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating vault root: %w", err)
	}
	idx, err := loadRunIndex(dir)
	if err != nil {
		return nil, err
	}
	slog.Info("Vault opened", "path", dir, "indexed_runs", idx.len())
	return &Vault{
		root:   dir,
		scopes: make(map[Scope]*scopeState),
		index:  idx,
	}, nil
}

// Root returns the vault's filesystem root.
func (v *Vault) Root() string { return v.root }

func (v *Vault) state(scope Scope) *scopeState {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.scopes[scope]
	if !ok {
		st = &scopeState{}
		v.scopes[scope] = st
	}
	return st
}

func (v *Vault) logPath(scope Scope) string {
	return filepath.Join(v.root, string(scope), logFileName)
}

// Append writes one sealed event to its scope's log: a single line plus LF,
// flushed and fsynced before returning.
//
// The event's PrevHash must equal the hash of the scope's last event (empty
// for a new log); otherwise Append fails with *ChainMismatchError and
// writes nothing. Scopes frozen by earlier corruption reject writes with
// ErrScopeReadOnly.
func (v *Vault) Append(ctx context.Context, e *events.Event) error {
	if e.Hash == "" {
		return ErrUnsealedEvent
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	scope := ScopeFor(e)
	st := v.state(scope)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.frozen != nil {
		return fmt.Errorf("%w: %s: %v", ErrScopeReadOnly, scope, st.frozen)
	}
	if !st.tailLoaded {
		if err := v.loadTail(ctx, scope, st); err != nil {
			return err
		}
	}
	if e.PrevHash != st.tailHash {
		return &ChainMismatchError{Scope: scope, EventID: e.ID, Expected: st.tailHash, Got: e.PrevHash}
	}

	line, err := e.MarshalLine()
	if err != nil {
		return err
	}
	if err := v.writeLine(scope, line); err != nil {
		return err
	}
	st.tailHash = e.Hash

	if scope.IsRunScope() && e.Type == events.TypeRunStarted {
		if err := v.index.set(v.root, e.RunID, e.HiveID, e.ColonyID); err != nil {
			slog.Warn("Run index update failed", "run_id", e.RunID, "error", err)
		}
	}
	return nil
}

func (v *Vault) writeLine(scope Scope, line []byte) error {
	dir := filepath.Join(v.root, string(scope))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating scope dir %s: %w", scope, err)
	}
	f, err := os.OpenFile(v.logPath(scope), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log for %s: %w", scope, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("appending to %s: %w", scope, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsyncing %s: %w", scope, err)
	}
	return nil
}

// Replay streams the scope's events in file order, stopping at the first
// error from fn. Every event is hash-verified and chain-verified; the first
// corrupt record freezes the scope read-only and surfaces the error. A
// trailing partial line (torn write from a crash) is discarded with a
// warning, never surfaced as data.
//
// A missing log replays as empty: scopes exist from their first append.
func (v *Vault) Replay(ctx context.Context, scope Scope, fn func(*events.Event) error) error {
	_, err := v.scan(ctx, scope, fn)
	if err == nil {
		return nil
	}
	if IsCorruption(err) {
		v.freeze(scope, err)
	}
	return err
}

// IsCorruption classifies errors that must freeze a scope: hash divergence,
// broken chain links, and structurally unparseable records before the tail.
func IsCorruption(err error) bool {
	var corrupt *events.CorruptionError
	var mismatch *ChainMismatchError
	var parseErr *events.ParseError
	return errors.As(err, &corrupt) || errors.As(err, &mismatch) || errors.As(err, &parseErr)
}

// ReadAll replays the scope into a slice.
func (v *Vault) ReadAll(ctx context.Context, scope Scope) ([]*events.Event, error) {
	var out []*events.Event
	err := v.Replay(ctx, scope, func(e *events.Event) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// scan does the raw verified read. It returns the byte offset just past the
// last fully-verified line so the writer can repair a torn tail. It does not
// freeze scopes; Replay does.
func (v *Vault) scan(ctx context.Context, scope Scope, fn func(*events.Event) error) (int64, error) {
	f, err := os.Open(v.logPath(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("opening log for %s: %w", scope, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stating log for %s: %w", scope, err)
	}
	// Capture the length at entry so concurrent appends are invisible to
	// this reader.
	r := bufio.NewReader(io.LimitReader(f, info.Size()))

	var validEnd int64
	prevHash := ""
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return validEnd, err
		}
		line, readErr := r.ReadBytes('\n')
		if readErr == io.EOF && len(line) > 0 {
			// No trailing LF: at most one torn line from a crash mid-append.
			slog.Warn("Discarding truncated tail line", "scope", scope, "line", lineNo+1)
			return validEnd, nil
		}
		if readErr == io.EOF {
			return validEnd, nil
		}
		if readErr != nil {
			return validEnd, fmt.Errorf("reading log for %s: %w", scope, readErr)
		}
		lineNo++
		lineLen := int64(len(line))
		line = line[:len(line)-1] // strip LF
		if len(line) == 0 {
			validEnd += lineLen
			continue
		}

		e, err := events.Parse(line)
		if err != nil {
			var parseErr *events.ParseError
			if errors.As(err, &parseErr) && atEOF(r) {
				// A complete but undecodable final line is still a torn
				// write (the LF landed, the payload did not).
				slog.Warn("Discarding undecodable tail line", "scope", scope, "line", lineNo)
				return validEnd, nil
			}
			return validEnd, fmt.Errorf("scope %s line %d: %w", scope, lineNo, err)
		}
		if e.PrevHash != prevHash {
			return validEnd, &ChainMismatchError{Scope: scope, EventID: e.ID, Expected: prevHash, Got: e.PrevHash}
		}
		prevHash = e.Hash
		validEnd += lineLen

		if err := fn(e); err != nil {
			return validEnd, err
		}
	}
}

func atEOF(r *bufio.Reader) bool {
	_, err := r.Peek(1)
	return err == io.EOF
}

// freeze marks a scope read-only after detected corruption.
func (v *Vault) freeze(scope Scope, cause error) {
	st := v.state(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.frozen == nil {
		st.frozen = cause
		slog.Error("Scope frozen read-only after corruption", "scope", scope, "error", cause)
	}
}

// Frozen reports whether the scope has been marked read-only, and why.
func (v *Vault) Frozen(scope Scope) (bool, error) {
	st := v.state(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.frozen != nil, st.frozen
}

// loadTail finds the hash of the last valid event and repairs a torn tail by
// truncating the file back to the last whole line, so the next append never
// glues onto leftover bytes. Called under the scope writer lock.
func (v *Vault) loadTail(ctx context.Context, scope Scope, st *scopeState) error {
	tail := ""
	validEnd, err := v.scan(ctx, scope, func(e *events.Event) error {
		tail = e.Hash
		return nil
	})
	if err != nil {
		if IsCorruption(err) {
			st.frozen = err
			slog.Error("Scope frozen read-only after corruption", "scope", scope, "error", err)
		}
		return err
	}

	if info, statErr := os.Stat(v.logPath(scope)); statErr == nil && info.Size() > validEnd {
		slog.Warn("Truncating torn tail before append",
			"scope", scope, "file_size", info.Size(), "valid_end", validEnd)
		if err := os.Truncate(v.logPath(scope), validEnd); err != nil {
			return fmt.Errorf("repairing torn tail for %s: %w", scope, err)
		}
	}

	st.tailHash = tail
	st.tailLoaded = true
	return nil
}

// LastHash returns the hash of the scope's most recent event, or "" for an
// empty or absent log. The result is the required PrevHash for the next
// append to that scope.
func (v *Vault) LastHash(ctx context.Context, scope Scope) (string, error) {
	st := v.state(scope)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.frozen != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrScopeReadOnly, scope, st.frozen)
	}
	if !st.tailLoaded {
		if err := v.loadTail(ctx, scope, st); err != nil {
			return "", err
		}
	}
	return st.tailHash, nil
}

// ListRuns enumerates the run scopes present under the root, in directory
// order.
func (v *Vault) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(v.root)
	if err != nil {
		return nil, fmt.Errorf("listing vault root: %w", err)
	}
	var runs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if Scope(name).IsRunScope() && name != episodesDir {
			runs = append(runs, name)
		}
	}
	return runs, nil
}

// Scopes enumerates every scope directory under the root.
func (v *Vault) Scopes() ([]Scope, error) {
	entries, err := os.ReadDir(v.root)
	if err != nil {
		return nil, fmt.Errorf("listing vault root: %w", err)
	}
	var scopes []Scope
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != episodesDir {
			scopes = append(scopes, Scope(entry.Name()))
		}
	}
	return scopes, nil
}

// RunColony resolves a run id to its (hiveID, colonyID) through the side
// index. Both are empty for standalone runs.
func (v *Vault) RunColony(runID string) (hiveID, colonyID string, ok bool) {
	return v.index.get(runID)
}
