package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

const (
	// EventArchivePrefix is where JSONL event batches live.
	EventArchivePrefix = "archive/ledger-events/"

	checkpointPath = EventArchivePrefix + "_checkpoint.json"

	defaultBatchSize = 5000
)

// EventSource is the slice of the ledger store the archiver reads from.
type EventSource interface {
	ListEvents(ctx context.Context, afterSeq int64, limit int) ([]domain.LedgerEvent, error)
}

// ArchiverConfig tunes batch sizes.
type ArchiverConfig struct {
	// BatchSize is the maximum number of events per archive object.
	BatchSize int
	// MultipartThreshold switches to multipart upload for batches larger
	// than this many bytes. Zero disables multipart.
	MultipartThreshold int64
	// PartSize is the multipart part size in bytes.
	PartSize int64
}

type checkpoint struct {
	LastSeq   int64     `json:"last_seq"`
	Path      string    `json:"path"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventArchiver implements domain.EventArchiver by copying committed ledger
// events to object storage as JSONL batches named by their sequence range:
//
//	archive/ledger-events/00000000000000000001-00000000000000005000.jsonl
//
// A checkpoint object records the last archived sequence number so that
// any instance can resume. Events are never deleted from the primary store.
type EventArchiver struct {
	events EventSource
	writer domain.BlobWriter
	reader domain.BlobReader
	cfg    ArchiverConfig
	now    func() time.Time
}

var _ domain.EventArchiver = (*EventArchiver)(nil)

// NewEventArchiver creates an EventArchiver.
func NewEventArchiver(events EventSource, writer domain.BlobWriter, reader domain.BlobReader, cfg ArchiverConfig) *EventArchiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &EventArchiver{
		events: events,
		writer: writer,
		reader: reader,
		cfg:    cfg,
		now:    time.Now,
	}
}

// ArchiveEvents uploads every event after the checkpoint, one object per
// batch, advancing the checkpoint after each upload.
func (a *EventArchiver) ArchiveEvents(ctx context.Context) (int64, error) {
	cp, err := a.loadCheckpoint(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for {
		batch, err := a.events.ListEvents(ctx, cp.LastSeq, a.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive events query: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive events marshal: %w", err)
		}

		from, to := batch[0].Seq, batch[len(batch)-1].Seq
		path := eventArchivePath(from, to)
		if a.cfg.MultipartThreshold > 0 && int64(len(buf)) > a.cfg.MultipartThreshold {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.cfg.PartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
		}
		if err != nil {
			return total, fmt.Errorf("s3blob: archive events upload: %w", err)
		}

		cp = checkpoint{LastSeq: to, Path: path, UpdatedAt: a.now().UTC()}
		if err := a.saveCheckpoint(ctx, cp); err != nil {
			return total, err
		}
		total += int64(len(batch))

		if len(batch) < a.cfg.BatchSize {
			return total, nil
		}
	}
}

// LastArchivedSeq returns the checkpointed sequence number, zero if nothing
// was archived yet.
func (a *EventArchiver) LastArchivedSeq(ctx context.Context) (int64, error) {
	cp, err := a.loadCheckpoint(ctx)
	if err != nil {
		return 0, err
	}
	return cp.LastSeq, nil
}

func (a *EventArchiver) loadCheckpoint(ctx context.Context) (checkpoint, error) {
	rc, err := a.reader.Get(ctx, checkpointPath)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return checkpoint{}, nil
		}
		return checkpoint{}, fmt.Errorf("s3blob: load checkpoint: %w", err)
	}
	defer rc.Close()

	var cp checkpoint
	if err := json.NewDecoder(rc).Decode(&cp); err != nil {
		return checkpoint{}, fmt.Errorf("s3blob: decode checkpoint: %w", err)
	}
	return cp, nil
}

func (a *EventArchiver) saveCheckpoint(ctx context.Context, cp checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("s3blob: encode checkpoint: %w", err)
	}
	if err := a.writer.Put(ctx, checkpointPath, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: save checkpoint: %w", err)
	}
	return nil
}

// ReadArchivedEvents returns every archived event in sequence order. Batches
// are read in key order; the zero-padded names sort by sequence.
func ReadArchivedEvents(ctx context.Context, reader domain.BlobReader) ([]domain.LedgerEvent, error) {
	infos, err := reader.List(ctx, EventArchivePrefix)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".jsonl") {
			paths = append(paths, info.Path)
		}
	}
	sort.Strings(paths)

	var out []domain.LedgerEvent
	var last int64
	for _, p := range paths {
		evs, err := readJSONL(ctx, reader, p)
		if err != nil {
			return nil, err
		}
		for _, ev := range evs {
			if ev.Seq <= last {
				// Overlapping batch from a retried upload.
				continue
			}
			out = append(out, ev)
			last = ev.Seq
		}
	}
	return out, nil
}

func readJSONL(ctx context.Context, reader domain.BlobReader, path string) ([]domain.LedgerEvent, error) {
	rc, err := reader.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var out []domain.LedgerEvent
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var ev domain.LedgerEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("s3blob: %s line %d: %w", path, line, err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	return out, nil
}

func eventArchivePath(from, to int64) string {
	return fmt.Sprintf("%s%020d-%020d.jsonl", EventArchivePrefix, from, to)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
