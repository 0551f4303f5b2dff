package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/filelock"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/util"
)

const (
	filePrefix   = "checkpoint-"
	fileSuffix   = ".json"
	lockFileName = "checkpoint.lock"

	// DefaultRetain is the number of checkpoints kept when no option is given.
	DefaultRetain = 20
)

// Info describes one checkpoint file on disk.
type Info struct {
	Path     string
	Sequence uint64
	Size     int64
	ModTime  time.Time
}

// Manager owns the checkpoint directory. It is safe for concurrent use and
// serializes writers across processes with a file lock.
type Manager struct {
	dir    string
	retain int
	logger *logging.Logger
	now    func() time.Time
	lock   *filelock.FileLock

	mu      sync.Mutex
	lastSeq uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetain sets how many of the newest checkpoints are kept. Values below 1 are ignored.
func WithRetain(n int) Option {
	return func(m *Manager) {
		if n >= 1 {
			m.retain = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates the directory if needed and scans it for the highest
// existing sequence number.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	m := &Manager{
		dir:    dir,
		retain: DefaultRetain,
		logger: logging.NopLogger(),
		now:    time.Now,
		lock:   filelock.New(dir, lockFileName),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	infos, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(infos) > 0 {
		m.lastSeq = infos[len(infos)-1].Sequence
	}
	return m, nil
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string { return m.dir }

// Write persists cp under the next sequence number, stamps it with the
// current time, then prunes old files. The written checkpoint is returned;
// cp itself is not modified. An error means nothing was committed.
func (m *Manager) Write(cp *Checkpoint) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := cp.Clone()
	var written *Checkpoint
	err := m.lock.With(func() error {
		seq, err := m.highestOnDisk()
		if err != nil {
			return err
		}
		if m.lastSeq > seq {
			seq = m.lastSeq
		}
		out.Sequence = seq + 1
		out.Timestamp = m.now().UTC()

		if err := out.Validate(); err != nil {
			return fmt.Errorf("invalid checkpoint: %w", err)
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
		data = append(data, '\n')
		if err := util.WriteFileAtomic(m.path(out.Sequence), data, 0o644); err != nil {
			return fmt.Errorf("write checkpoint: %w", err)
		}
		m.lastSeq = out.Sequence
		written = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.prune(); err != nil {
		m.logger.Warn("failed to prune checkpoints", "error", err.Error())
	}
	m.logger.Debug("checkpoint written",
		"sequence", written.Sequence,
		"items", len(written.Order),
		"last_completed_id", written.LastCompletedID)
	return written, nil
}

// Latest loads the checkpoint with the highest sequence number. It returns
// errors.ErrNoCheckpoint when the directory is empty and a
// *errors.CheckpointError when the newest file cannot be decoded.
func (m *Manager) Latest() (*Checkpoint, error) {
	infos, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.ErrNoCheckpoint
	}
	return m.Load(infos[len(infos)-1].Path)
}

// Load reads and strictly decodes one checkpoint file.
func (m *Manager) Load(path string) (*Checkpoint, error) {
	return Load(path)
}

// Load reads and strictly decodes one checkpoint file. Any read, decode or
// validation failure is returned as a *errors.CheckpointError.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewCheckpointError(path, "read checkpoint", err)
	}
	var cp Checkpoint
	if err := decodeStrict(data, &cp); err != nil {
		return nil, errors.NewCheckpointError(path, "decode checkpoint", err)
	}
	if err := cp.Validate(); err != nil {
		return nil, errors.NewCheckpointError(path, "invalid checkpoint", err)
	}
	if seq, ok := sequenceFromName(filepath.Base(path)); ok && seq != cp.Sequence {
		return nil, errors.NewCheckpointError(path, "invalid checkpoint",
			fmt.Errorf("file sequence %d does not match content sequence %d", seq, cp.Sequence))
	}
	return &cp, nil
}

// List returns the checkpoint files sorted by ascending sequence.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := sequenceFromName(e.Name())
		if !ok {
			continue
		}
		info := Info{Path: filepath.Join(m.dir, e.Name()), Sequence: seq}
		if fi, err := e.Info(); err == nil {
			info.Size = fi.Size()
			info.ModTime = fi.ModTime()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Prune removes all but the newest retained checkpoints.
func (m *Manager) Prune() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prune()
}

func (m *Manager) prune() error {
	return m.lock.With(func() error {
		infos, err := m.List()
		if err != nil {
			return err
		}
		if len(infos) <= m.retain {
			return nil
		}
		for _, info := range infos[:len(infos)-m.retain] {
			if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", info.Path, err)
			}
		}
		return nil
	})
}

func (m *Manager) highestOnDisk() (uint64, error) {
	infos, err := m.List()
	if err != nil {
		return 0, err
	}
	if len(infos) == 0 {
		return 0, nil
	}
	return infos[len(infos)-1].Sequence, nil
}

func (m *Manager) path(seq uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s%020d%s", filePrefix, seq, fileSuffix))
}

func sequenceFromName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || seq == 0 {
		return 0, false
	}
	return seq, true
}

func decodeStrict(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("trailing content after checkpoint")
	}
	return nil
}
