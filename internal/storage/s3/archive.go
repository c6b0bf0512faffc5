package s3

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
)

// SegmentArchiver compresses rotated ledger segments with zstd and uploads
// them. It satisfies ledger.Archiver.
type SegmentArchiver struct {
	uploader  Uploader
	keepLocal bool
	logger    *slog.Logger
	now       func() time.Time

	segments        atomic.Int64
	bytesIn         atomic.Int64
	bytesCompressed atomic.Int64
}

// ArchiverMetrics contains archive statistics.
type ArchiverMetrics struct {
	Segments        int64 `json:"segments"`
	BytesIn         int64 `json:"bytes_in"`
	BytesCompressed int64 `json:"bytes_compressed"`
}

// NewSegmentArchiver creates an archiver. Unless keepLocal is set, a
// segment file is removed once its upload succeeds.
func NewSegmentArchiver(uploader Uploader, keepLocal bool, logger *slog.Logger) *SegmentArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SegmentArchiver{
		uploader:  uploader,
		keepLocal: keepLocal,
		logger:    logger,
		now:       time.Now,
	}
}

// Archive uploads the segment at path as <yyyy>/<mm>/<dd>/<name>.zst.
func (a *SegmentArchiver) Archive(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read segment: %w", err)
	}

	compressed, err := compress(data)
	if err != nil {
		return fmt.Errorf("compress segment: %w", err)
	}

	key := segmentKey(filepath.Base(path), a.now())
	err = a.uploader.Upload(ctx, Object{
		Key:         key,
		Body:        compressed,
		ContentType: "application/zstd",
		Metadata: map[string]string{
			"original-size": strconv.Itoa(len(data)),
			"compression":   "zstd",
			"content":       "ghostwall-actions-jsonl",
		},
	})
	if err != nil {
		return err
	}

	a.segments.Add(1)
	a.bytesIn.Add(int64(len(data)))
	a.bytesCompressed.Add(int64(len(compressed)))
	a.logger.Info("archived ledger segment",
		"segment", path,
		"key", key,
		"bytes", len(data),
		"compressed", len(compressed),
	)

	if !a.keepLocal {
		if err := os.Remove(path); err != nil {
			a.logger.Warn("failed to remove archived segment", "segment", path, "error", err)
		}
	}
	return nil
}

// Metrics returns archive statistics.
func (a *SegmentArchiver) Metrics() ArchiverMetrics {
	return ArchiverMetrics{
		Segments:        a.segments.Load(),
		BytesIn:         a.bytesIn.Load(),
		BytesCompressed: a.bytesCompressed.Load(),
	}
}

func segmentKey(name string, at time.Time) string {
	return fmt.Sprintf("%s/%s.zst", at.UTC().Format("2006/01/02"), name)
}

func compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
}

// Decompress reverses the segment compression.
func Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
