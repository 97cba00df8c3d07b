// internal/snapshot/scheduler.go
package snapshot

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidSchedule reports whether expr parses as a cron schedule.
func ValidSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid snapshot schedule %q: %w", expr, err)
	}
	return nil
}

// Scheduler exports the source's snapshot each time the cron schedule fires.
type Scheduler struct {
	schedule string
	source   Source
	exporter *Exporter
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewScheduler validates schedule and returns a stopped Scheduler.
func NewScheduler(schedule string, source Source, exporter *Exporter, logger *slog.Logger) (*Scheduler, error) {
	if err := ValidSchedule(schedule); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedule: schedule,
		source:   source,
		exporter: exporter,
		logger:   logger,
		cron:     cron.New(cron.WithParser(cronParser)),
	}, nil
}

// Start registers the export job and starts the cron ticker.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.export); err != nil {
		return fmt.Errorf("schedule snapshot export: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduled snapshot export", "schedule", s.schedule)
	return nil
}

// Stop stops the cron ticker and waits for a running export to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ExportNow writes the current snapshot immediately.
func (s *Scheduler) ExportNow() (string, error) {
	return Export(s.source, s.exporter)
}

func (s *Scheduler) export() {
	path, err := s.ExportNow()
	if err != nil {
		s.logger.Error("snapshot export failed", "error", err)
		return
	}
	if path != "" {
		s.logger.Debug("snapshot exported", "path", path)
	}
}
