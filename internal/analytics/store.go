package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"formpulse/internal/cache"
)

// Store persists form metrics through the shared cache's atomic
// primitives. The cache key namespace per form type:
//
//	{formType}:views                counter
//	{formType}:starts               counter
//	{formType}:completed            counter
//	{formType}:avg_completion_time  running average
//	{formType}:field_interactions   hash field -> count
//	{formType}:field_errors         hash field -> count
//	{formType}:completions          list, completion-time audit trail
type Store struct {
	cache  cache.Client
	logger *slog.Logger
}

// NewStore creates a metrics store over the shared cache
func NewStore(client cache.Client, logger *slog.Logger) *Store {
	return &Store{
		cache:  client,
		logger: logger.With("component", "analytics-store"),
	}
}

// RecordView increments the view counter for a form type
func (s *Store) RecordView(ctx context.Context, formType string) error {
	_, err := s.cache.IncrementCounter(ctx, key(formType, "views"))
	return err
}

// RecordStart increments the start counter for a form type
func (s *Store) RecordStart(ctx context.Context, formType string) error {
	_, err := s.cache.IncrementCounter(ctx, key(formType, "starts"))
	return err
}

// RecordCompletion increments the completed counter, appends the
// completion time to the audit trail and folds it into the running
// average. The average uses the pre-increment completed count; reading
// the count from the increment's return value keeps the two
// consistent for this event, though a concurrent completion can still
// interleave between the increment and the average write. That
// approximation is accepted for a human-readable metric.
func (s *Store) RecordCompletion(ctx context.Context, formType string, completionTimeMs int64) error {
	newCount, err := s.cache.IncrementCounter(ctx, key(formType, "completed"))
	if err != nil {
		return err
	}
	oldCount := newCount - 1

	if err := s.cache.AppendToList(ctx, key(formType, "completions"), strconv.FormatInt(completionTimeMs, 10)); err != nil {
		s.logger.Warn("Failed to append completion audit entry", "formType", formType, "error", err)
	}

	oldAvg, err := s.readFloat(ctx, key(formType, "avg_completion_time"))
	if err != nil {
		return err
	}

	newAvg := (oldAvg*float64(oldCount) + float64(completionTimeMs)) / float64(oldCount+1)
	return s.cache.Set(ctx, key(formType, "avg_completion_time"),
		strconv.FormatFloat(newAvg, 'f', -1, 64), 0)
}

// RecordFieldInteraction increments the interaction count for a field;
// invalid interactions are additionally tallied as field errors in a
// separate hash.
func (s *Store) RecordFieldInteraction(ctx context.Context, formType, fieldName string, isValid bool) error {
	if _, err := s.cache.IncrementHashField(ctx, key(formType, "field_interactions"), fieldName, 1); err != nil {
		return err
	}
	if !isValid {
		if _, err := s.cache.IncrementHashField(ctx, key(formType, "field_errors"), fieldName, 1); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot reads back the full metric set for a form type. Forms with
// no recorded events yield zero counters and empty maps, never an
// absent result.
func (s *Store) Snapshot(ctx context.Context, formType string) (FormMetrics, error) {
	var m FormMetrics
	var err error

	if m.Views, err = s.readInt(ctx, key(formType, "views")); err != nil {
		return FormMetrics{}, err
	}
	if m.Starts, err = s.readInt(ctx, key(formType, "starts")); err != nil {
		return FormMetrics{}, err
	}
	if m.Completed, err = s.readInt(ctx, key(formType, "completed")); err != nil {
		return FormMetrics{}, err
	}
	if m.AverageCompletionTimeMs, err = s.readFloat(ctx, key(formType, "avg_completion_time")); err != nil {
		return FormMetrics{}, err
	}
	if m.FieldInteractions, err = s.readCountHash(ctx, key(formType, "field_interactions")); err != nil {
		return FormMetrics{}, err
	}
	if m.FieldErrors, err = s.readCountHash(ctx, key(formType, "field_errors")); err != nil {
		return FormMetrics{}, err
	}

	return m, nil
}

// CompletionTimes returns the completion-time audit trail for a form type
func (s *Store) CompletionTimes(ctx context.Context, formType string) ([]int64, error) {
	values, err := s.cache.ReadList(ctx, key(formType, "completions"), 0, -1)
	if err != nil {
		return nil, err
	}

	times := make([]int64, 0, len(values))
	for _, v := range values {
		t, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.logger.Warn("Skipping malformed completion audit entry", "formType", formType, "value", v)
			continue
		}
		times = append(times, t)
	}
	return times, nil
}

func (s *Store) readInt(ctx context.Context, key string) (int64, error) {
	val, err := s.cache.Get(ctx, key)
	if err != nil {
		if cache.IsUnavailable(err) {
			return 0, err
		}
		return 0, nil // absent counter reads as zero
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		s.logger.Warn("Malformed counter value", "key", key, "value", val)
		return 0, nil
	}
	return n, nil
}

func (s *Store) readFloat(ctx context.Context, key string) (float64, error) {
	val, err := s.cache.Get(ctx, key)
	if err != nil {
		if cache.IsUnavailable(err) {
			return 0, err
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		s.logger.Warn("Malformed average value", "key", key, "value", val)
		return 0, nil
	}
	return f, nil
}

func (s *Store) readCountHash(ctx context.Context, key string) (map[string]int64, error) {
	fields, err := s.cache.ReadHashAll(ctx, key)
	if err != nil {
		if cache.IsUnavailable(err) {
			return nil, err
		}
		return map[string]int64{}, nil
	}

	counts := make(map[string]int64, len(fields))
	for field, val := range fields {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			s.logger.Warn("Malformed hash count", "key", key, "field", field, "value", val)
			continue
		}
		counts[field] = n
	}
	return counts, nil
}

func key(formType, suffix string) string {
	return fmt.Sprintf("%s:%s", formType, suffix)
}
