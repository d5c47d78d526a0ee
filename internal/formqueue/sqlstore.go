package formqueue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type pendingSubmission struct {
	Seq          uint64    `gorm:"primaryKey;autoIncrement"`
	SubmissionID string    `gorm:"uniqueIndex;size:36;not null"`
	Name         string    `gorm:"not null"`
	Email        string    `gorm:"not null"`
	Subject      string    `gorm:"not null"`
	Message      string    `gorm:"not null"`
	QueuedAt     time.Time `gorm:"not null"`
}

func (pendingSubmission) TableName() string {
	return "pending_submissions"
}

func (p pendingSubmission) submission() Submission {
	return Submission{
		ID:       p.SubmissionID,
		Name:     p.Name,
		Email:    p.Email,
		Subject:  p.Subject,
		Message:  p.Message,
		QueuedAt: p.QueuedAt,
	}
}

// SQLStore keeps the queue in SQLite so submissions survive a restart.
type SQLStore struct {
	db      *gorm.DB
	drainMu sync.Mutex
}

func OpenSQLStore(path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("formqueue: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("formqueue: create database directory: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("formqueue: open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&pendingSubmission{}); err != nil {
		return nil, fmt.Errorf("formqueue: migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Enqueue(ctx context.Context, sub Submission) error {
	row := pendingSubmission{
		SubmissionID: sub.ID,
		Name:         sub.Name,
		Email:        sub.Email,
		Subject:      sub.Subject,
		Message:      sub.Message,
		QueuedAt:     sub.QueuedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("formqueue: enqueue: %w", err)
	}
	return nil
}

func (s *SQLStore) PeekAll(ctx context.Context) ([]Submission, error) {
	var rows []pendingSubmission
	if err := s.db.WithContext(ctx).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("formqueue: list: %w", err)
	}
	out := make([]Submission, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.submission())
	}
	return out, nil
}

func (s *SQLStore) Len(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&pendingSubmission{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("formqueue: count: %w", err)
	}
	return int(count), nil
}

func (s *SQLStore) DrainOrFail(ctx context.Context, sender Sender) (int, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	sent := 0
	for {
		var row pendingSubmission
		err := s.db.WithContext(ctx).Order("seq").Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sent, nil
		}
		if err != nil {
			return sent, &DrainError{Sent: sent, Err: fmt.Errorf("formqueue: next: %w", err)}
		}

		if err := sender.Send(ctx, row.submission()); err != nil {
			return sent, &DrainError{Sent: sent, ID: row.SubmissionID, Err: err}
		}
		// An accepted submission is removed even if ctx ends now.
		if err := s.db.WithContext(context.WithoutCancel(ctx)).Delete(&pendingSubmission{}, row.Seq).Error; err != nil {
			return sent, &DrainError{Sent: sent, ID: row.SubmissionID, Err: fmt.Errorf("formqueue: remove sent: %w", err)}
		}
		sent++
	}
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
