// Package archive writes the final leaderboard of a session to a
// write-once sink when the session ends.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MarkusJohansen/faxing/internal/clock"
	"github.com/MarkusJohansen/faxing/internal/domain"
	"github.com/MarkusJohansen/faxing/internal/ranking"
	"github.com/google/uuid"
)

// Sink stores archive records. A name is written at most once.
type Sink interface {
	WriteArchive(ctx context.Context, name string, rec *domain.ArchiveRecord) error
}

// FileNameLayout is the timestamp part of an archive name, without colons
// or sub-second digits so names are filesystem safe and sort by time
const FileNameLayout = "2006-01-02T15-04-05Z"

// FileName returns the archive name for a session ended at t
func FileName(prefix string, t time.Time, code string) string {
	return fmt.Sprintf("%s_%s_%s.json", prefix, t.UTC().Format(FileNameLayout), code)
}

// Archiver snapshots sessions into archive records
type Archiver struct {
	sink   Sink
	clock  clock.Clock
	prefix string
	logger *slog.Logger
}

// New creates an archiver writing to sink
func New(sink Sink, clk clock.Clock, prefix string, logger *slog.Logger) *Archiver {
	return &Archiver{
		sink:   sink,
		clock:  clk,
		prefix: prefix,
		logger: logger,
	}
}

// Archive writes the ranked leaderboard of sess and returns the archive
// name. A session without players is not archived and yields "".
func (a *Archiver) Archive(ctx context.Context, sess *domain.Session, reason domain.TerminationReason) (string, error) {
	if len(sess.Players) == 0 {
		return "", nil
	}

	now := a.clock.Now().UTC()
	entries := ranking.Rank(sess.Players)

	rec := &domain.ArchiveRecord{
		ID:                uuid.NewString(),
		Name:              FileName(a.prefix, now, sess.Code),
		SessionCode:       sess.Code,
		Reason:            reason,
		ArchivedAt:        now,
		StartedAt:         sess.StartedAt,
		Participants:      entries,
		TotalParticipants: len(entries),
	}
	if leader, ok := ranking.Leader(entries); ok {
		rec.Winner = &leader
	}

	if err := a.sink.WriteArchive(ctx, rec.Name, rec); err != nil {
		return "", domain.Wrap(domain.ErrArchiveWrite, err)
	}

	a.logger.Info("session archived",
		"session", sess.Code,
		"archive", rec.Name,
		"reason", reason,
		"participants", rec.TotalParticipants,
	)
	return rec.Name, nil
}
