package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/agent-guard/models"
	"github.com/upb/agent-guard/services"
	"go.uber.org/zap"
)

const (
	filePrefix = "audit-"
	fileSuffix = ".jsonl"
	dayLayout  = "2006-01-02"

	maxLineBytes = 4 << 20
)

// Sink persists audit records and answers read-only queries over them
type Sink interface {
	Record(ctx context.Context, record *models.AuditRecord) error
	Query(ctx context.Context, filter Filter) ([]*models.AuditRecord, error)
}

// Filter selects audit records. Zero fields match everything.
type Filter struct {
	AgentID string
	From    time.Time
	To      time.Time
	Allowed *bool
	Type    models.AuditRecordType
	// Limit caps the result to the newest records; 0 means no cap
	Limit int
}

// Match reports whether the record passes the filter
func (f Filter) Match(r *models.AuditRecord) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	if f.Allowed != nil && r.Allowed != *f.Allowed {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	return true
}

// SinkStats counts committed and failed writes
type SinkStats struct {
	Written       int64  `json:"written"`
	Failed        int64  `json:"failed"`
	OpenPartition string `json:"open_partition,omitempty"`
}

// partitionFile is the subset of *os.File the sink writes through
type partitionFile interface {
	io.Writer
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

func openPartitionFile(name string) (partitionFile, error) {
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// partition is the open writer for one calendar day
type partition struct {
	day  string
	file partitionFile
}

// FileSink appends one JSON object per line to a file per UTC calendar day
type FileSink struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger

	openFile func(name string) (partitionFile, error)

	mu   sync.Mutex
	open *partition
	// torn names a day whose failed append could not be rolled back
	torn string

	written atomic.Int64
	failed  atomic.Int64
}

// NewFileSink creates a FileSink rooted at dir. A nil clock means time.Now.
func NewFileSink(dir string, now func() time.Time, logger *zap.Logger) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &FileSink{dir: dir, now: now, logger: logger, openFile: openPartitionFile}, nil
}

// PartitionDay returns the partition name for an instant
func PartitionDay(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// PartitionPath returns the file holding the records of day
func (s *FileSink) PartitionPath(day string) string {
	return filepath.Join(s.dir, filePrefix+day+fileSuffix)
}

// Record stamps the record with the commit time and appends it durably.
// Any failure is returned as an AuditFault and the partition is cut back to
// its size before the append.
func (s *FileSink) Record(ctx context.Context, record *models.AuditRecord) error {
	if record == nil {
		return services.WrapAuditFault("nil audit record", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	record.Timestamp = now

	line, err := json.Marshal(record)
	if err != nil {
		s.failed.Add(1)
		return services.WrapAuditFault("failed to encode audit record", err)
	}
	line = append(line, '\n')

	p, err := s.partitionFor(now)
	if err != nil {
		s.failed.Add(1)
		return services.WrapAuditFault("failed to open audit partition", err)
	}

	if s.torn == p.day {
		line = append([]byte{'\n'}, line...)
	}

	info, err := p.file.Stat()
	if err != nil {
		s.failed.Add(1)
		s.release()
		return services.WrapAuditFault("failed to stat audit partition", err)
	}
	offset := info.Size()

	if _, err := p.file.Write(line); err != nil {
		s.failed.Add(1)
		s.rollback(p, offset)
		return services.WrapAuditFault("failed to append audit record", err)
	}
	if err := p.file.Sync(); err != nil {
		s.failed.Add(1)
		s.rollback(p, offset)
		return services.WrapAuditFault("failed to sync audit partition", err)
	}

	if s.torn == p.day {
		s.torn = ""
	}
	s.written.Add(1)
	return nil
}

// rollback truncates the partition to offset so no fragment or unsynced line
// of a failed append survives, then releases it. When the truncate fails the
// next append starts on a fresh line. Callers hold s.mu.
func (s *FileSink) rollback(p *partition, offset int64) {
	if err := p.file.Truncate(offset); err != nil {
		s.torn = p.day
		s.logger.Error("failed to roll back audit partition",
			zap.String("day", p.day),
			zap.Int64("offset", offset),
			zap.Error(err))
	}
	s.release()
}

// partitionFor returns the writer for now's day, rotating when the day changed.
// Callers hold s.mu.
func (s *FileSink) partitionFor(now time.Time) (*partition, error) {
	day := PartitionDay(now)
	if s.open != nil && s.open.day == day {
		return s.open, nil
	}

	s.release()

	f, err := s.openFile(s.PartitionPath(day))
	if err != nil {
		return nil, err
	}
	s.open = &partition{day: day, file: f}

	s.logger.Info("audit partition opened", zap.String("day", day))
	return s.open, nil
}

// release closes the open partition. Callers hold s.mu.
func (s *FileSink) release() {
	if s.open == nil {
		return
	}
	if err := s.open.file.Close(); err != nil {
		s.logger.Warn("failed to close audit partition",
			zap.String("day", s.open.day),
			zap.Error(err))
	}
	s.open = nil
}

// Close flushes and releases the open partition
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return nil
	}
	err := s.open.file.Sync()
	s.release()
	return err
}

// Stats returns write counters
func (s *FileSink) Stats() SinkStats {
	st := SinkStats{Written: s.written.Load(), Failed: s.failed.Load()}
	s.mu.Lock()
	if s.open != nil {
		st.OpenPartition = s.open.day
	}
	s.mu.Unlock()
	return st
}

// Query scans the partitions overlapping the filter range, newest first
func (s *FileSink) Query(ctx context.Context, filter Filter) ([]*models.AuditRecord, error) {
	days, err := s.partitions()
	if err != nil {
		return nil, err
	}

	var out []*models.AuditRecord
	for i := len(days) - 1; i >= 0; i-- {
		day := days[i]
		if !filter.From.IsZero() && day < PartitionDay(filter.From) {
			break
		}
		if !filter.To.IsZero() && day > PartitionDay(filter.To) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		records, err := s.readPartition(day)
		if err != nil {
			return nil, err
		}
		for j := len(records) - 1; j >= 0; j-- {
			if !filter.Match(records[j]) {
				continue
			}
			out = append(out, records[j])
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// partitions lists the day names present on disk in ascending order
func (s *FileSink) partitions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit partitions: %w", err)
	}

	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// readPartition decodes one day. A line that does not decode, such as a
// write still in flight, is skipped.
func (s *FileSink) readPartition(day string) ([]*models.AuditRecord, error) {
	f, err := os.Open(s.PartitionPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit partition %s: %w", day, err)
	}
	defer f.Close()

	var records []*models.AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r models.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			s.logger.Warn("skipping undecodable audit line",
				zap.String("day", day),
				zap.Int("line", line),
				zap.Error(err))
			continue
		}
		records = append(records, &r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit partition %s: %w", day, err)
	}
	return records, nil
}
