package pu

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// InterferenceEvent is one CR transmission that reached a PU receiver above
// the sensitivity threshold.
type InterferenceEvent struct {
	Time  time.Duration
	Node  int
	Index int
	Power float64
}

// Summary holds the end-of-run statistics for one run label.
type Summary struct {
	RunLabel               string
	NormalizedInterference float64
	DetectionRatio         float64

	InterferenceEvents int
	ActivityIntervals  int
	DetectedIntervals  int
}

// StatsSink receives the interference log and the run summaries.
type StatsSink interface {
	RecordInterference(ev InterferenceEvent) error
	WriteSummary(s Summary) error
}

// FileSink writes statistics as plain-text files:
//
//   - InterferenceSummary: "<label> <normalized interference>"
//   - SensingSummary:      "<label> <detection ratio>"
//   - InterferenceLog:     one "<time> <node> <event#> <power>" line per event, appended
//
// Empty paths disable the corresponding output.
type FileSink struct {
	InterferenceSummary string
	SensingSummary      string
	InterferenceLog     string

	mu  sync.Mutex
	log *os.File
}

// RecordInterference appends ev to the interference log.
func (s *FileSink) RecordInterference(ev InterferenceEvent) error {
	if s.InterferenceLog == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.log == nil {
		f, err := os.OpenFile(s.InterferenceLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open interference log: %w", err)
		}
		s.log = f
	}
	_, err := fmt.Fprintf(s.log, "%6.2f \t %d \t %d \t %e\n", ev.Time.Seconds(), ev.Node, ev.Index, ev.Power)
	return err
}

// WriteSummary writes both summary files, replacing previous content.
func (s *FileSink) WriteSummary(sum Summary) error {
	var errs []error
	if s.InterferenceSummary != "" {
		line := fmt.Sprintf("%s %e\n", sum.RunLabel, sum.NormalizedInterference)
		if err := os.WriteFile(s.InterferenceSummary, []byte(line), 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write interference summary: %w", err))
		}
	}
	if s.SensingSummary != "" {
		line := fmt.Sprintf("%s %f\n", sum.RunLabel, sum.DetectionRatio)
		if err := os.WriteFile(s.SensingSummary, []byte(line), 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write sensing summary: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes and closes the interference log.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return nil
	}
	err := s.log.Close()
	s.log = nil
	return err
}

// MemorySink keeps statistics in memory.
type MemorySink struct {
	mu        sync.Mutex
	Events    []InterferenceEvent
	Summaries []Summary
}

// RecordInterference appends ev to Events.
func (s *MemorySink) RecordInterference(ev InterferenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
	return nil
}

// WriteSummary appends sum to Summaries.
func (s *MemorySink) WriteSummary(sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Summaries = append(s.Summaries, sum)
	return nil
}
