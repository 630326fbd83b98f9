// Package cache is the Frame Cache: job metadata and ordered frame records
// kept in Redis under a sliding TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-detection-pipeline/pkg/pipeline"
)

// ErrNotFound is returned when a job has no metadata (never existed or expired)
var ErrNotFound = errors.New("job not found or expired")

// DefaultTTL is the sliding expiry applied on every write
const DefaultTTL = 30 * time.Minute

// Metadata hash fields
const (
	FieldModel           = "model"
	FieldStatus          = "status"
	FieldProcessedFrames = "processed_frames"
	FieldTotalFrames     = "total_frames"
	FieldFPS             = "fps"
	FieldWidth           = "width"
	FieldHeight          = "height"
	FieldStartTS         = "start_ts"
	FieldEndTS           = "end_ts"
	FieldError           = "error"
	FieldMetrics         = "metrics"
)

// MetaKey is the hash holding a job's metadata
func MetaKey(jobID string) string {
	return fmt.Sprintf("job:%s:meta", jobID)
}

// FramesKey is the list holding a job's encoded frames in capture order
func FramesKey(jobID string) string {
	return fmt.Sprintf("job:%s:frames", jobID)
}

// VideoInfo is what probing the source told us
type VideoInfo struct {
	TotalFrames int
	FPS         float64
	Width       int
	Height      int
}

// Cache is a facade over a Redis client. A single producer per job id is
// assumed; nothing here guards against concurrent appends to the same job.
type Cache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// New creates a cache facade. A non-positive ttl selects DefaultTTL.
func New(rdb redis.Cmdable, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

// TTL returns the sliding expiry window
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// InitJob writes status=running and sets the expiry on both keys. The frames
// key usually does not exist yet; the EXPIRE on it is then a no-op and the
// first append sets it.
func (c *Cache) InitJob(ctx context.Context, jobID, model string, startedAt time.Time) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, MetaKey(jobID), map[string]any{
			FieldModel:           model,
			FieldStatus:          string(pipeline.StatusRunning),
			FieldStartTS:         formatTS(startedAt),
			FieldProcessedFrames: 0,
		})
		p.Expire(ctx, MetaKey(jobID), c.ttl)
		p.Expire(ctx, FramesKey(jobID), c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("init job %s: %w", jobID, err)
	}
	return nil
}

// SetVideoInfo records probe results so reconstruction can use the source rate
func (c *Cache) SetVideoInfo(ctx context.Context, jobID string, info VideoInfo) error {
	return c.writeMeta(ctx, jobID, map[string]any{
		FieldTotalFrames: info.TotalFrames,
		FieldFPS:         strconv.FormatFloat(info.FPS, 'f', -1, 64),
		FieldWidth:       info.Width,
		FieldHeight:      info.Height,
	})
}

// AppendFrame pushes one encoded frame and refreshes the frames key expiry.
// Returns the new length of the frame sequence.
func (c *Cache) AppendFrame(ctx context.Context, jobID string, data []byte) (int64, error) {
	var push *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		push = p.RPush(ctx, FramesKey(jobID), data)
		p.Expire(ctx, FramesKey(jobID), c.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append frame for job %s: %w", jobID, err)
	}
	return push.Val(), nil
}

// UpdateProgress records counters and refreshes the metadata expiry
func (c *Cache) UpdateProgress(ctx context.Context, jobID string, processed, total int) error {
	return c.writeMeta(ctx, jobID, map[string]any{
		FieldProcessedFrames: processed,
		FieldTotalFrames:     total,
	})
}

// Complete moves the job to done and stores its final metrics
func (c *Cache) Complete(ctx context.Context, jobID string, processed, total int, startedAt, endedAt time.Time, m pipeline.Metrics) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, MetaKey(jobID), map[string]any{
			FieldStatus:          string(pipeline.StatusDone),
			FieldProcessedFrames: processed,
			FieldTotalFrames:     total,
			FieldStartTS:         formatTS(startedAt),
			FieldEndTS:           formatTS(endedAt),
			FieldMetrics:         string(raw),
		})
		p.Expire(ctx, MetaKey(jobID), c.ttl)
		p.Expire(ctx, FramesKey(jobID), c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

// Fail moves the job to failed with a human-readable message
func (c *Cache) Fail(ctx context.Context, jobID, message string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, MetaKey(jobID), map[string]any{
			FieldStatus: string(pipeline.StatusFailed),
			FieldError:  message,
			FieldEndTS:  formatTS(time.Now()),
		})
		p.Expire(ctx, MetaKey(jobID), c.ttl)
		p.Expire(ctx, FramesKey(jobID), c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	return nil
}

// Meta reads a job's metadata. Returns ErrNotFound when the hash is absent.
func (c *Cache) Meta(ctx context.Context, jobID string) (pipeline.JobInfo, error) {
	fields, err := c.rdb.HGetAll(ctx, MetaKey(jobID)).Result()
	if err != nil {
		return pipeline.JobInfo{}, fmt.Errorf("read meta for job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return pipeline.JobInfo{}, ErrNotFound
	}
	return parseMeta(jobID, fields)
}

// Frames returns every stored frame in append order. Not safe against a
// concurrent producer; callers read after the pipeline has stopped writing.
func (c *Cache) Frames(ctx context.Context, jobID string) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, FramesKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read frames for job %s: %w", jobID, err)
	}
	frames := make([][]byte, len(vals))
	for i, v := range vals {
		frames[i] = []byte(v)
	}
	return frames, nil
}

// FrameCount returns the number of stored frames
func (c *Cache) FrameCount(ctx context.Context, jobID string) (int64, error) {
	n, err := c.rdb.LLen(ctx, FramesKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count frames for job %s: %w", jobID, err)
	}
	return n, nil
}

// Exists reports whether the job's metadata is still cached
func (c *Cache) Exists(ctx context.Context, jobID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, MetaKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check job %s: %w", jobID, err)
	}
	return n > 0, nil
}

// Expire refreshes the expiry on both keys
func (c *Cache) Expire(ctx context.Context, jobID string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Expire(ctx, MetaKey(jobID), c.ttl)
		p.Expire(ctx, FramesKey(jobID), c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("expire job %s: %w", jobID, err)
	}
	return nil
}

// Delete removes the job's metadata and frames
func (c *Cache) Delete(ctx context.Context, jobID string) error {
	if err := c.rdb.Del(ctx, FramesKey(jobID), MetaKey(jobID)).Err(); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

func (c *Cache) writeMeta(ctx context.Context, jobID string, values map[string]any) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, MetaKey(jobID), values)
		p.Expire(ctx, MetaKey(jobID), c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write meta for job %s: %w", jobID, err)
	}
	return nil
}

func parseMeta(jobID string, fields map[string]string) (pipeline.JobInfo, error) {
	info := pipeline.JobInfo{
		JobID:  jobID,
		Model:  fields[FieldModel],
		Status: pipeline.JobStatus(fields[FieldStatus]),
		Error:  fields[FieldError],
	}
	info.ProcessedFrames, _ = strconv.Atoi(fields[FieldProcessedFrames])
	info.TotalFrames, _ = strconv.Atoi(fields[FieldTotalFrames])
	info.Width, _ = strconv.Atoi(fields[FieldWidth])
	info.Height, _ = strconv.Atoi(fields[FieldHeight])
	info.FPS, _ = strconv.ParseFloat(fields[FieldFPS], 64)
	info.StartTS, _ = strconv.ParseFloat(fields[FieldStartTS], 64)
	info.EndTS, _ = strconv.ParseFloat(fields[FieldEndTS], 64)

	if raw, ok := fields[FieldMetrics]; ok && raw != "" {
		var m pipeline.Metrics
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return info, fmt.Errorf("decode metrics for job %s: %w", jobID, err)
		}
		info.Metrics = &m
	}
	return info, nil
}

func formatTS(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}
