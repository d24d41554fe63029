package vault

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/apiaryhq/apiary/pkg/models"
)

// episodesDir holds the post-run learning records, outside any event scope.
const episodesDir = "episodes"

const episodesFileName = "episodes.jsonl"

// EpisodeStore is the append-only JSONL log of Episodes. Episodes are plain
// learning records, not events: no hash chain, but the same one-line
// fsynced append discipline.
type EpisodeStore struct {
	mu   sync.Mutex
	path string
}

// OpenEpisodes returns the vault's episode store, creating its directory.
func (v *Vault) OpenEpisodes() (*EpisodeStore, error) {
	dir := filepath.Join(v.root, episodesDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating episodes dir: %w", err)
	}
	return &EpisodeStore{path: filepath.Join(dir, episodesFileName)}, nil
}

// Append writes one episode record.
func (s *EpisodeStore) Append(ctx context.Context, ep *models.Episode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("encoding episode %s: %w", ep.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening episode log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending episode: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsyncing episode log: %w", err)
	}
	return nil
}

// Recent returns up to n most recent episodes, newest last. Undecodable
// lines are skipped with a warning; this is advisory data.
func (s *EpisodeStore) Recent(ctx context.Context, n int) ([]*models.Episode, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening episode log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var all []*models.Episode
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var ep models.Episode
		if err := json.Unmarshal(scanner.Bytes(), &ep); err != nil {
			slog.Warn("Skipping undecodable episode line", "error", err)
			continue
		}
		all = append(all, &ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading episode log: %w", err)
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
