// Package recorder archives measured crops as images and appends every
// measurement result to a msgpack journal.
//
// Journal framing: each record is a 4-byte big-endian length followed by
// that many bytes of msgpack-encoded types.MeasurementResult.
package recorder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/image/tiff"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// JournalName is the journal file name inside the recorder directory
const JournalName = "results.journal"

// maxRecordSize guards ReadJournal against corrupt length prefixes
const maxRecordSize = 16 << 20

// Config contains recorder settings
type Config struct {
	Dir        string
	CropFormat string // tiff, png
}

// Recorder writes crops and the result journal. Safe for concurrent use.
type Recorder struct {
	cfg      Config
	cropsDir string

	mu      sync.Mutex
	journal *os.File
	closed  bool

	crops   atomic.Uint64
	records atomic.Uint64
	errors  atomic.Uint64
}

// Stats contains recorder counters
type Stats struct {
	Crops   uint64 `json:"crops"`
	Records uint64 `json:"records"`
	Errors  uint64 `json:"errors"`
}

// New creates the directory layout and opens the journal for appending
func New(cfg Config) (*Recorder, error) {
	if cfg.Dir == "" {
		return nil, errors.New("recorder: dir is required")
	}
	switch cfg.CropFormat {
	case "":
		cfg.CropFormat = "tiff"
	case "tiff", "png":
	default:
		return nil, fmt.Errorf("recorder: unsupported crop format %q", cfg.CropFormat)
	}

	cropsDir := filepath.Join(cfg.Dir, "crops")
	if err := os.MkdirAll(cropsDir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", cropsDir, err)
	}

	journal, err := os.OpenFile(filepath.Join(cfg.Dir, JournalName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recorder: open journal: %w", err)
	}

	slog.Info("recorder: opened", "dir", cfg.Dir, "crop_format", cfg.CropFormat)
	return &Recorder{cfg: cfg, cropsDir: cropsDir, journal: journal}, nil
}

// SaveCrop writes the region crop to crops/<seq>-<trace>.<format> and
// returns the file path
func (r *Recorder) SaveCrop(region *types.CandidateRegion) (string, error) {
	crop := region.Crop
	if err := crop.Validate(); err != nil {
		return "", fmt.Errorf("recorder: %w", err)
	}

	name := fmt.Sprintf("%08d-%s.%s", crop.Seq, crop.TraceID, r.cfg.CropFormat)
	path := filepath.Join(r.cropsDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("recorder: create crop: %w", err)
	}

	img := crop.Image()
	if r.cfg.CropFormat == "png" {
		err = imaging.Encode(f, img, imaging.PNG)
	} else {
		err = tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate})
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("recorder: encode crop %s: %w", name, err)
	}

	r.crops.Add(1)
	return path, nil
}

// Append writes one framed msgpack record to the journal
func (r *Recorder) Append(result types.MeasurementResult) error {
	data, err := msgpack.Marshal(&result)
	if err != nil {
		return fmt.Errorf("recorder: marshal result: %w", err)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recorder: closed")
	}
	// single write keeps records whole on append-only files
	if _, err := r.journal.Write(frame); err != nil {
		return fmt.Errorf("recorder: write journal: %w", err)
	}

	r.records.Add(1)
	return nil
}

// OnMeasurement archives the crop and journals the result. Failures are
// logged and counted, never propagated to the measurement stage.
func (r *Recorder) OnMeasurement(result types.MeasurementResult, region *types.CandidateRegion) {
	if _, err := r.SaveCrop(region); err != nil {
		r.errors.Add(1)
		slog.Warn("recorder: failed to save crop", "trace_id", result.TraceID, "error", err)
	}
	if err := r.Append(result); err != nil {
		r.errors.Add(1)
		slog.Warn("recorder: failed to append result", "object_id", result.ObjectID, "error", err)
	}
}

// Stats returns recorder counters
func (r *Recorder) Stats() Stats {
	return Stats{
		Crops:   r.crops.Load(),
		Records: r.records.Load(),
		Errors:  r.errors.Load(),
	}
}

// Close syncs and closes the journal. Idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if err := r.journal.Sync(); err != nil {
		r.journal.Close()
		return fmt.Errorf("recorder: sync journal: %w", err)
	}
	if err := r.journal.Close(); err != nil {
		return fmt.Errorf("recorder: close journal: %w", err)
	}

	slog.Info("recorder: closed", "crops", r.crops.Load(), "records", r.records.Load())
	return nil
}

// ReadJournal decodes every record from rd. A clean EOF between records
// ends the journal; a partial record is an error, returned together with
// the records read before it.
func ReadJournal(rd io.Reader) ([]types.MeasurementResult, error) {
	var results []types.MeasurementResult
	lengthBuf := make([]byte, 4)

	for {
		if _, err := io.ReadFull(rd, lengthBuf); err != nil {
			if err == io.EOF {
				return results, nil
			}
			return results, fmt.Errorf("recorder: read length prefix: %w", err)
		}

		msgLength := binary.BigEndian.Uint32(lengthBuf)
		if msgLength > maxRecordSize {
			return results, fmt.Errorf("recorder: record length %d exceeds limit", msgLength)
		}

		data := make([]byte, msgLength)
		if _, err := io.ReadFull(rd, data); err != nil {
			return results, fmt.Errorf("recorder: read record %d: %w", len(results), err)
		}

		var result types.MeasurementResult
		if err := msgpack.Unmarshal(data, &result); err != nil {
			return results, fmt.Errorf("recorder: decode record %d: %w", len(results), err)
		}
		results = append(results, result)
	}
}

// ReadJournalFile opens and decodes a journal file
func ReadJournalFile(path string) ([]types.MeasurementResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open journal: %w", err)
	}
	defer f.Close()
	return ReadJournal(f)
}
