package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/interview"
)

type Job struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	ScriptID    string    `json:"script_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Application struct {
	ID            string     `gorm:"primaryKey" json:"id"`
	JobID         string     `gorm:"index:idx_app_candidate_job,priority:2" json:"job_id"`
	CandidateID   string     `gorm:"index:idx_app_candidate_job,priority:1" json:"candidate_id"`
	CandidateName string     `json:"candidate_name"`
	Phone         string     `json:"phone,omitempty"`
	ResumeSummary string     `json:"resume_summary"`
	Status        string     `gorm:"index" json:"status"`
	SessionID     string     `gorm:"index" json:"session_id,omitempty"`
	Evaluation    string     `json:"evaluation,omitempty"`
	InterviewedAt *time.Time `json:"interviewed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Job           Job        `gorm:"foreignKey:JobID" json:"-"`
}

// DB is the gorm-backed store.
type DB struct {
	db *gorm.DB
}

// Open opens and migrates the SQLite database at dsn.
func Open(dsn string) (*DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return New(db)
}

// New migrates the tables on an existing connection.
func New(db *gorm.DB) (*DB, error) {
	if err := db.AutoMigrate(&Job{}, &Application{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &DB{db: db}, nil
}

func (s *DB) SaveJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return errorsx.Wrap(s.db.WithContext(ctx).Save(job).Error, errorsx.ReasonStoreWrite)
}

func (s *DB) SaveApplication(ctx context.Context, app *Application) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.Status == "" {
		app.Status = StatusPending
	}
	return errorsx.Wrap(s.db.WithContext(ctx).Omit("Job").Save(app).Error, errorsx.ReasonStoreWrite)
}

func (s *DB) Application(ctx context.Context, id string) (*Application, error) {
	var app Application
	err := s.db.WithContext(ctx).Preload("Job").First(&app, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonStoreRead)
	}
	return &app, nil
}

// Resolve finds the newest application of candidateID for jobID.
func (s *DB) Resolve(ctx context.Context, candidateID, jobID string) (interview.Context, error) {
	var app Application
	err := s.db.WithContext(ctx).
		Preload("Job").
		Where("candidate_id = ? AND job_id = ?", candidateID, jobID).
		Order("created_at DESC").
		First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return interview.Context{}, ErrNotFound
	}
	if err != nil {
		return interview.Context{}, errorsx.Wrap(err, errorsx.ReasonStoreRead)
	}
	return interview.Context{
		ApplicationID:  app.ID,
		CandidateName:  app.CandidateName,
		JobTitle:       app.Job.Title,
		JobDescription: app.Job.Description,
		ResumeSummary:  app.ResumeSummary,
		ScriptID:       app.Job.ScriptID,
	}, nil
}

// MarkInterviewing links a live session to its application.
func (s *DB) MarkInterviewing(ctx context.Context, applicationID, sessionID string) error {
	res := s.db.WithContext(ctx).Model(&Application{}).
		Where("id = ?", applicationID).
		Updates(map[string]any{"status": StatusInterviewing, "session_id": sessionID})
	if res.Error != nil {
		return errorsx.Wrap(res.Error, errorsx.ReasonStoreWrite)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DB) Complete(ctx context.Context, out Outcome) error {
	at := out.InterviewedAt
	res := s.db.WithContext(ctx).Model(&Application{}).
		Where("id = ?", out.ApplicationID).
		Updates(map[string]any{
			"status":         out.Status,
			"session_id":     out.SessionID,
			"evaluation":     out.evaluationJSON(),
			"interviewed_at": &at,
		})
	if res.Error != nil {
		return errorsx.Wrap(res.Error, errorsx.ReasonStoreWrite)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var (
	_ Resolver = (*DB)(nil)
	_ Recorder = (*DB)(nil)
)
