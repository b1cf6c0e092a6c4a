package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/rekrut/pkg/interview"
	"github.com/harunnryd/rekrut/pkg/logging"
)

const logPrefix = "interview_"

// FileSink writes one <id>.jsonl turn log per session, synced after every
// append, and an interview_<id>.json document on finalize.
type FileSink struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

func NewFileSink(dir string, logger *slog.Logger) (*FileSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("transcript: logs dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create logs dir: %w", err)
	}
	return &FileSink{
		dir:    dir,
		logger: logging.NewComponentLogger(logger, "transcript_file"),
		files:  make(map[string]*os.File),
	}, nil
}

func (s *FileSink) Dir() string { return s.dir }

type turnLine struct {
	SessionID string         `json:"session_id"`
	Kind      interview.Kind `json:"kind"`
	interview.Turn
}

func (s *FileSink) Append(_ context.Context, sess interview.Session, turn interview.Turn) error {
	line, err := json.Marshal(turnLine{SessionID: sess.ID, Kind: sess.Kind, Turn: turn})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.fileFor(sess.ID)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *FileSink) fileFor(id string) (*os.File, error) {
	safe := sanitizeID(id)
	if safe == "" {
		return nil, errors.New("transcript: empty session id")
	}
	if f := s.files[safe]; f != nil {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(s.dir, safe+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s.files[safe] = f
	return f, nil
}

func (s *FileSink) Finalize(_ context.Context, rec interview.Record) error {
	safe := sanitizeID(rec.ID)
	if safe == "" {
		return errors.New("transcript: empty session id")
	}
	s.mu.Lock()
	var closeErr error
	if f := s.files[safe]; f != nil {
		closeErr = f.Close()
		delete(s.files, safe)
	}
	s.mu.Unlock()

	if err := s.writeLog(NewLog(rec)); err != nil {
		return errors.Join(closeErr, err)
	}
	s.logger.Info("transcript_saved", "session_id", rec.ID, "status", string(rec.Status), "turns", len(rec.Turns))
	return closeErr
}

// writeLog replaces the log document atomically.
func (s *FileSink) writeLog(l Log) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	path := s.logPath(l.SessionID)
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+logPrefix+"*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileSink) logPath(id string) string {
	return filepath.Join(s.dir, logPrefix+sanitizeID(id)+".json")
}

func (s *FileSink) Get(_ context.Context, id string) (Log, error) {
	if sanitizeID(id) == "" {
		return Log{}, ErrLogNotFound
	}
	data, err := os.ReadFile(s.logPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return Log{}, ErrLogNotFound
	}
	if err != nil {
		return Log{}, err
	}
	var l Log
	if err := json.Unmarshal(data, &l); err != nil {
		return Log{}, fmt.Errorf("transcript: decode %s: %w", id, err)
	}
	return l, nil
}

func (s *FileSink) List(ctx context.Context) ([]Summary, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, logPrefix+"*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("transcript_read_failed", "path", path, "error", err.Error())
			continue
		}
		var l Log
		if err := json.Unmarshal(data, &l); err != nil {
			s.logger.Warn("transcript_decode_failed", "path", path, "error", err.Error())
			continue
		}
		out = append(out, l.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *FileSink) Annotate(ctx context.Context, id string, evaluation []byte) error {
	l, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	l.Evaluation = append(json.RawMessage(nil), evaluation...)
	return s.writeLog(l)
}

// Close closes any open turn logs.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for _, f := range s.files {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	s.files = make(map[string]*os.File)
	return err
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

var (
	_ Sink      = (*FileSink)(nil)
	_ Reader    = (*FileSink)(nil)
	_ Annotator = (*FileSink)(nil)
)
