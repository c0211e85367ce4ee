package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// Episode is one durable memory record. Episodes are append-only and hash
// chained per file, so the store can be verified like the audit log.
type Episode struct {
	EpisodeID string         `json:"episode_id"`
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"ts_utc"`
	Kind      string         `json:"kind"`
	Summary   string         `json:"summary,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Revises   string         `json:"revises,omitempty"`
	PrevHash  string         `json:"prev_hash,omitempty"`
	Hash      string         `json:"hash"`
}

// Mirror receives appended episodes off the hot path, e.g. a vector store.
type Mirror interface {
	MirrorEpisode(ctx context.Context, episode Episode) error
}

// Episodic stores episodes as JSONL on disk. Appends are synchronous;
// mirroring happens on a background goroutine and never blocks a run.
type Episodic struct {
	mu       sync.Mutex
	path     string
	lastHash string
	clock    func() time.Time

	mirror   Mirror
	mirrorCh chan Episode
	done     chan struct{}
}

// EpisodicOption configures an Episodic store.
type EpisodicOption func(*Episodic)

// WithMirror attaches a background mirror.
func WithMirror(mirror Mirror) EpisodicOption {
	return func(e *Episodic) { e.mirror = mirror }
}

// WithEpisodicClock sets the time source.
func WithEpisodicClock(clock func() time.Time) EpisodicOption {
	return func(e *Episodic) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEpisodic opens or creates the JSONL store at path and recovers the
// chain tail from existing records.
func NewEpisodic(path string, opts ...EpisodicOption) (*Episodic, error) {
	e := &Episodic{path: path, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	episodes, err := e.readAll()
	if err != nil {
		return nil, err
	}
	if len(episodes) > 0 {
		e.lastHash = episodes[len(episodes)-1].Hash
	}
	if e.mirror != nil {
		e.mirrorCh = make(chan Episode, 256)
		e.done = make(chan struct{})
		go e.mirrorLoop()
	}
	return e, nil
}

// Append seals and persists one episode, then hands it to the mirror.
func (e *Episodic) Append(_ context.Context, runID, kind, summary string, payload map[string]any) (Episode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.appendLocked(Episode{
		RunID:   runID,
		Kind:    kind,
		Summary: summary,
		Payload: payload,
	})
}

// Revise supersedes an earlier episode with updated content. The chain stays
// append-only: the revision is a new sealed record pointing at the original,
// and Get resolves to the latest revision.
func (e *Episodic) Revise(_ context.Context, episodeID, summary string, payload map[string]any) (Episode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	episodes, err := e.readAll()
	if err != nil {
		return Episode{}, err
	}
	var target *Episode
	for i := range episodes {
		if episodes[i].EpisodeID == episodeID {
			target = &episodes[i]
			break
		}
	}
	if target == nil {
		return Episode{}, errors.New(errors.CodeNotFound, "unknown episode "+episodeID, nil)
	}
	return e.appendLocked(Episode{
		RunID:   target.RunID,
		Kind:    target.Kind,
		Summary: summary,
		Payload: payload,
		Revises: episodeID,
	})
}

// Get returns an episode by id, resolved to its latest revision.
func (e *Episodic) Get(_ context.Context, episodeID string) (Episode, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	episodes, err := e.readAll()
	if err != nil {
		return Episode{}, false, err
	}
	found := false
	var current Episode
	for _, episode := range episodes {
		switch {
		case episode.EpisodeID == episodeID:
			current, found = episode, true
		case found && (episode.Revises == episodeID || episode.Revises == current.EpisodeID):
			current = episode
		}
	}
	return current, found, nil
}

// appendLocked seals and persists one episode under the store lock.
func (e *Episodic) appendLocked(episode Episode) (Episode, error) {
	episode.EpisodeID = uuid.NewString()
	episode.Timestamp = e.clock().UTC()
	episode.PrevHash = e.lastHash

	unsigned := episode
	unsigned.Hash = ""
	hash, err := core.StableHash(unsigned)
	if err != nil {
		return Episode{}, err
	}
	episode.Hash = hash

	line, err := json.Marshal(episode)
	if err != nil {
		return Episode{}, err
	}
	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Episode{}, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return Episode{}, err
	}
	if err := f.Close(); err != nil {
		return Episode{}, err
	}
	e.lastHash = episode.Hash

	if e.mirrorCh != nil {
		select {
		case e.mirrorCh <- episode:
		default:
			// Mirror backlog full; the JSONL file remains the source of truth.
		}
	}
	return episode, nil
}

// Recent returns the most recent episodes for a run, newest last.
func (e *Episodic) Recent(_ context.Context, runID string, limit int) ([]Episode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	episodes, err := e.readAll()
	if err != nil {
		return nil, err
	}
	var matched []Episode
	for _, episode := range episodes {
		if runID == "" || episode.RunID == runID {
			matched = append(matched, episode)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// Verify walks the chain and recomputes every hash.
func (e *Episodic) Verify(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	episodes, err := e.readAll()
	if err != nil {
		return err
	}
	prev := ""
	for _, episode := range episodes {
		if episode.PrevHash != prev {
			return errors.New(errors.CodeReplayMismatch,
				"episode chain break at "+episode.EpisodeID, nil)
		}
		unsigned := episode
		unsigned.Hash = ""
		hash, err := core.StableHash(unsigned)
		if err != nil {
			return err
		}
		if hash != episode.Hash {
			return errors.New(errors.CodeReplayMismatch,
				"episode hash mismatch at "+episode.EpisodeID, nil)
		}
		prev = episode.Hash
	}
	return nil
}

// Close stops the mirror goroutine after draining its backlog.
func (e *Episodic) Close() {
	if e.mirrorCh != nil {
		close(e.mirrorCh)
		<-e.done
	}
}

func (e *Episodic) mirrorLoop() {
	defer close(e.done)
	for episode := range e.mirrorCh {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		// Mirror failures are dropped; episodic JSONL is authoritative.
		_ = e.mirror.MirrorEpisode(ctx, episode)
		cancel()
	}
}

func (e *Episodic) readAll() ([]Episode, error) {
	f, err := os.Open(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Episode
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var episode Episode
		if err := json.Unmarshal(line, &episode); err != nil {
			return nil, err
		}
		out = append(out, episode)
	}
	return out, scanner.Err()
}
