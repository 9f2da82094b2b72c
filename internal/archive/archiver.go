package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// ObjectPutter is the part of the S3 client the archiver needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// MovementSource lists committed movements
type MovementSource interface {
	List(ctx context.Context, filter models.MovementFilter) ([]models.Movement, error)
}

// Options configure the export window
type Options struct {
	Bucket string
	Prefix string
	// Lag keeps the window end behind the clock so in-flight transactions land first
	Lag time.Duration
	// Since is the start of the first window; zero exports the whole ledger
	Since time.Time
	Clock func() time.Time
}

// Export describes one uploaded batch
type Export struct {
	Key   string    `json:"key"`
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
	Count int       `json:"count"`
}

// MovementArchiver exports the movement ledger to S3 as JSON lines, one object per window
type MovementArchiver struct {
	source MovementSource
	client ObjectPutter
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	cursor time.Time
}

// NewMovementArchiver creates an archiver starting at opts.Since
func NewMovementArchiver(source MovementSource, client ObjectPutter, opts Options) *MovementArchiver {
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &MovementArchiver{
		source: source,
		client: client,
		opts:   opts,
		logger: util.GetLogger(),
		cursor: opts.Since,
	}
}

// Cursor returns the end of the last exported window
func (a *MovementArchiver) Cursor() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// Export uploads the movements created since the cursor. An empty window advances
// the cursor without writing an object. A failed upload keeps the cursor.
func (a *MovementArchiver) Export(ctx context.Context) (*Export, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, span := util.StartSpan(ctx, "MovementArchiver.Export")
	defer span.End()

	until := a.opts.Clock().Add(-a.opts.Lag)
	if !until.After(a.cursor) {
		return &Export{Since: a.cursor, Until: a.cursor}, nil
	}

	movements, err := a.source.List(ctx, models.MovementFilter{Since: a.cursor, Until: until})
	if err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}

	export := &Export{Since: a.cursor, Until: until, Count: len(movements)}
	if len(movements) == 0 {
		a.cursor = until
		return export, nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for i := range movements {
		if err := enc.Encode(&movements[i]); err != nil {
			return nil, fmt.Errorf("failed to encode movement %d: %w", movements[i].ID, err)
		}
	}

	export.Key = objectKey(a.opts.Prefix, export.Since, until)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.opts.Bucket),
		Key:         aws.String(export.Key),
		Body:        bytes.NewReader(body.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", export.Key, err)
	}

	a.cursor = until
	util.ArchivedMovementsTotal.Add(float64(len(movements)))
	a.logger.Info("Movements archived",
		zap.String("key", export.Key),
		zap.Int("count", export.Count),
		zap.Time("until", until))
	return export, nil
}

// objectKey partitions objects by the day the window ends
func objectKey(prefix string, since, until time.Time) string {
	name := fmt.Sprintf("movements-%d-%d.jsonl", since.Unix(), until.Unix())
	return path.Join(prefix, until.UTC().Format("2006/01/02"), name)
}
