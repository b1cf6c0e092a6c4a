package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/harunnryd/rekrut/pkg/interview"
)

// TurnRow is one appended turn.
type TurnRow struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"index:idx_turn_session_seq,priority:1;not null"`
	Seq         int    `gorm:"index:idx_turn_session_seq,priority:2"`
	Role        string
	Text        string
	StartedAt   time.Time
	EndedAt     time.Time
	Interrupted bool
	Confidence  float64
}

// RecordRow is one finalized session.
type RecordRow struct {
	SessionID     string `gorm:"primaryKey"`
	ExternalID    string `gorm:"index"`
	Kind          string
	CandidateID   string
	JobID         string
	Status        string
	Reason        string
	StartedAt     time.Time
	EndedAt       time.Time `gorm:"index"`
	ExchangeCount int
	Document      string
	Evaluation    string
}

// SQLiteSink persists turns and records through gorm. It also serves as a
// Reader.
type SQLiteSink struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) the transcript database at dsn.
func OpenSQLite(dsn string) (*SQLiteSink, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("transcript: open sqlite: %w", err)
	}
	return NewSQLiteSink(db)
}

// NewSQLiteSink wraps an existing connection, migrating its tables.
func NewSQLiteSink(db *gorm.DB) (*SQLiteSink, error) {
	if err := db.AutoMigrate(&TurnRow{}, &RecordRow{}); err != nil {
		return nil, fmt.Errorf("transcript: migrate: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) DB() *gorm.DB { return s.db }

func (s *SQLiteSink) Append(ctx context.Context, sess interview.Session, turn interview.Turn) error {
	row := TurnRow{
		SessionID:   sess.ID,
		Seq:         turn.Seq,
		Role:        string(turn.Role),
		Text:        turn.Text,
		StartedAt:   turn.StartedAt,
		EndedAt:     turn.EndedAt,
		Interrupted: turn.Interrupted,
		Confidence:  turn.Confidence,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLiteSink) Finalize(ctx context.Context, rec interview.Record) error {
	doc, err := json.Marshal(NewLog(rec))
	if err != nil {
		return err
	}
	row := RecordRow{
		SessionID:     rec.ID,
		ExternalID:    rec.ExternalID,
		Kind:          string(rec.Kind),
		CandidateID:   rec.CandidateID,
		JobID:         rec.JobID,
		Status:        string(rec.Status),
		Reason:        rec.Reason,
		StartedAt:     rec.StartedAt,
		EndedAt:       rec.EndedAt,
		ExchangeCount: rec.Exchanges(),
		Document:      string(doc),
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteSink) Annotate(ctx context.Context, id string, evaluation []byte) error {
	res := s.db.WithContext(ctx).Model(&RecordRow{}).Where("session_id = ?", id).Update("evaluation", string(evaluation))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLogNotFound
	}
	return nil
}

func (s *SQLiteSink) List(ctx context.Context) ([]Summary, error) {
	var rows []RecordRow
	err := s.db.WithContext(ctx).
		Select("session_id", "status", "ended_at", "exchange_count").
		Order("ended_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(rows))
	for _, r := range rows {
		out = append(out, Summary{
			SessionID:     r.SessionID,
			Timestamp:     r.EndedAt,
			Status:        interview.Status(r.Status),
			ExchangeCount: r.ExchangeCount,
		})
	}
	return out, nil
}

func (s *SQLiteSink) Get(ctx context.Context, id string) (Log, error) {
	var row RecordRow
	err := s.db.WithContext(ctx).First(&row, "session_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Log{}, ErrLogNotFound
	}
	if err != nil {
		return Log{}, err
	}
	var l Log
	if err := json.Unmarshal([]byte(row.Document), &l); err != nil {
		return Log{}, fmt.Errorf("transcript: decode %s: %w", id, err)
	}
	if row.Evaluation != "" {
		l.Evaluation = json.RawMessage(row.Evaluation)
	}
	return l, nil
}

// Turns returns the appended turns of a session in sequence order.
func (s *SQLiteSink) Turns(ctx context.Context, id string) ([]interview.Turn, error) {
	var rows []TurnRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]interview.Turn, 0, len(rows))
	for _, r := range rows {
		out = append(out, interview.Turn{
			Seq:         r.Seq,
			Role:        interview.Role(r.Role),
			Text:        r.Text,
			StartedAt:   r.StartedAt,
			EndedAt:     r.EndedAt,
			Interrupted: r.Interrupted,
			Confidence:  r.Confidence,
		})
	}
	return out, nil
}

// Purge deletes records and turns of sessions that ended before cutoff.
func (s *SQLiteSink) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	var ids []string
	db := s.db.WithContext(ctx)
	if err := db.Model(&RecordRow{}).Where("ended_at < ?", cutoff).Pluck("session_id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id IN ?", ids).Delete(&TurnRow{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id IN ?", ids).Delete(&RecordRow{}).Error
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *SQLiteSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var (
	_ Sink      = (*SQLiteSink)(nil)
	_ Reader    = (*SQLiteSink)(nil)
	_ Annotator = (*SQLiteSink)(nil)
)
