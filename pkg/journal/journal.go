// Package journal implements the write-ahead log service (C4): an
// append-only, partitioned log with a background flusher, recovery via
// per-component subscriber callbacks, and (component_id, log_id)
// dedup on replay.
package journal

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/pbs/pkg/log"
	"github.com/cuemby/pbs/pkg/metrics"
	"github.com/cuemby/pbs/pkg/pbserr"
	"github.com/cuemby/pbs/pkg/storage"
	"github.com/cuemby/pbs/pkg/types"
)

// Subscriber is invoked once per recovered record body for the
// component id it registered under. It must be idempotent: the
// recovery loop only dedups identical (component_id, log_id) pairs
// within a single Recover call, and a restart starts the dedup set over.
type Subscriber func(body []byte) error

// RecoverRequest bounds how much of the log Recover replays.
type RecoverRequest struct {
	MaxJournalID uint64 // 0 means unbounded
	MaxJournals  int    // 0 means unbounded
}

type pendingRecord struct {
	record types.JournalRecord
	done   chan error
}

// Service is the journal for one partition within one storage bucket.
type Service struct {
	partition string
	bucket    string
	blobs     storage.BlobStore

	flushInterval time.Duration
	logger        zerolog.Logger

	mu              sync.Mutex
	pending         []pendingRecord
	lastJournalID   uint64
	lastPersistedID uint64
	subscribers     map[types.UUID]Subscriber
	recovered       bool
	running         bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Service. Call SubscribeForRecovery for every
// component before calling Recover; Recover must complete before Log
// is used.
func New(partition, bucket string, blobs storage.BlobStore, flushInterval time.Duration) *Service {
	if flushInterval <= 0 {
		flushInterval = 20 * time.Millisecond
	}
	return &Service{
		partition:     partition,
		bucket:        bucket,
		blobs:         blobs,
		flushInterval: flushInterval,
		logger:        log.WithComponent("journal").With().Str("partition", partition).Logger(),
		subscribers:   make(map[types.UUID]Subscriber),
		stopCh:        make(chan struct{}),
	}
}

// SubscribeForRecovery registers callback for componentID. Must be
// called before Recover.
func (s *Service) SubscribeForRecovery(componentID types.UUID, callback Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recovered {
		return pbserr.NewFailure(pbserr.CodeInternal, fmt.Errorf("subscribe after recovery for %s", componentID))
	}
	s.subscribers[componentID] = callback
	return nil
}

// Recover replays every journal blob for this partition in order,
// dispatching each record to its subscriber and deduplicating repeated
// (component_id, log_id) pairs. It then starts the background flusher,
// after which Log becomes usable.
func (s *Service) Recover(ctx context.Context, req RecoverRequest) (uint64, error) {
	names, err := s.blobs.ListBlobs(ctx, s.bucket, s.partition+"_journal_")
	if err != nil {
		return 0, pbserr.NewFailure(pbserr.CodeInternal, fmt.Errorf("list journals: %w", err))
	}
	sort.Strings(names)
	if req.MaxJournals > 0 && len(names) > req.MaxJournals {
		names = names[:req.MaxJournals]
	}

	type dedupKey struct{ high, low, lhigh, llow uint64 }
	seen := make(map[dedupKey]bool)

	var lastProcessed uint64
	for _, name := range names {
		journalID, ok := parseJournalID(s.partition, name)
		if !ok {
			continue
		}
		if req.MaxJournalID > 0 && journalID > req.MaxJournalID {
			break
		}
		data, err := s.blobs.GetBlob(ctx, s.bucket, name)
		if err != nil {
			return lastProcessed, pbserr.NewFailure(pbserr.CodeInternal, fmt.Errorf("read journal %s: %w", name, err))
		}
		records, err := decodeRecords(data)
		if err != nil {
			return lastProcessed, pbserr.NewFailure(pbserr.CodeInternal, fmt.Errorf("decode journal %s: %w", name, err))
		}
		for _, r := range records {
			key := dedupKey{r.ComponentID.High(), r.ComponentID.Low(), r.LogID.High(), r.LogID.Low()}
			if seen[key] {
				continue
			}
			seen[key] = true

			sub, ok := s.subscribers[r.ComponentID]
			if !ok {
				return lastProcessed, pbserr.NewFailure(pbserr.CodeSubscriberNotFound,
					fmt.Errorf("no subscriber registered for component %s", r.ComponentID))
			}
			if err := sub(r.Body); err != nil {
				return lastProcessed, pbserr.NewFailure(pbserr.CodeInternal, fmt.Errorf("subscriber for %s: %w", r.ComponentID, err))
			}
			metrics.JournalRecoveredRecordsTotal.Inc()
		}
		lastProcessed = journalID
	}

	s.mu.Lock()
	s.recovered = true
	s.running = true
	s.lastJournalID = lastProcessed
	s.lastPersistedID = lastProcessed
	s.mu.Unlock()

	metrics.JournalLastPersistedID.WithLabelValues(s.partition).Set(float64(lastProcessed))

	s.wg.Add(1)
	go s.flushLoop()

	return lastProcessed, nil
}

func parseJournalID(partition, blobName string) (uint64, bool) {
	prefix := partition + "_journal_"
	if !strings.HasPrefix(blobName, prefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(blobName, prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Log appends record to the in-memory batch, to be durably written on
// the next flush. The returned channel receives nil once the record's
// batch is written (Stop writes out a pending batch before returning),
// or an error at once if the journal is not running: before Recover or
// after Stop.
func (s *Service) Log(ctx context.Context, record types.JournalRecord) <-chan error {
	done := make(chan error, 1)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		done <- pbserr.NewFailure(pbserr.CodeInternal, fmt.Errorf("journal not running"))
		return done
	}
	s.pending = append(s.pending, pendingRecord{record: record, done: done})
	s.mu.Unlock()

	metrics.JournalRecordsWrittenTotal.WithLabelValues(record.ComponentID.String()).Inc()
	return done
}

// GetLastPersistedJournalId returns the id of the last journal file
// durably written to blob storage.
func (s *Service) GetLastPersistedJournalId() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPersistedID
}

func (s *Service) nextJournalID() uint64 {
	id := uint64(time.Now().UnixNano())
	if id <= s.lastJournalID {
		id = s.lastJournalID + 1
	}
	s.lastJournalID = id
	return id
}

func (s *Service) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.flushOnce(context.Background())
			return
		case <-ticker.C:
			s.flushOnce(context.Background())
		}
	}
}

func (s *Service) flushOnce(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	journalID := s.nextJournalID()
	s.mu.Unlock()

	records := make([]types.JournalRecord, len(batch))
	for i, p := range batch {
		records[i] = p.record
	}
	data := encodeFile(records)

	timer := metrics.NewTimer()
	for {
		err := s.blobs.PutBlob(ctx, s.bucket, blobName(s.partition, journalID), data)
		if err == nil {
			break
		}
		s.logger.Error().Err(err).Uint64("journal_id", journalID).Msg("journal flush failed, retrying")
		select {
		case <-s.stopCh:
			// Stop drains: keep retrying the final flush synchronously
			// anyway, since a lost flush would silently drop committed state.
		case <-time.After(100 * time.Millisecond):
		}
	}
	timer.ObserveDuration(metrics.JournalFlushDuration)

	s.mu.Lock()
	s.lastPersistedID = journalID
	s.mu.Unlock()
	metrics.JournalLastPersistedID.WithLabelValues(s.partition).Set(float64(journalID))

	for _, p := range batch {
		p.done <- nil
	}
}

// Checkpoint writes a compacted base file containing one Checkpoint
// record per component, built from the given in-memory snapshots.
func (s *Service) Checkpoint(ctx context.Context, snapshots map[types.UUID][]byte) error {
	records := make([]types.JournalRecord, 0, len(snapshots))
	logID, err := types.NewUUID()
	if err != nil {
		return fmt.Errorf("checkpoint: generate log id: %w", err)
	}
	for componentID, body := range snapshots {
		records = append(records, types.JournalRecord{
			VersionMajor: versionMajor,
			VersionMinor: versionMinor,
			ComponentID:  componentID,
			LogID:        logID,
			LogStatus:    types.JournalLogStatusCheckpoint,
			Body:         body,
		})
	}

	s.mu.Lock()
	journalID := s.nextJournalID()
	s.mu.Unlock()

	data := encodeFile(records)
	if err := s.blobs.PutBlob(ctx, s.bucket, blobName(s.partition, journalID), data); err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	return nil
}

// Stop flushes any in-flight batch and rejects subsequent Log calls.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}
