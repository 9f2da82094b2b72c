package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"stock-service/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	movements []models.Movement
}

func (s *fakeSource) List(_ context.Context, f models.MovementFilter) ([]models.Movement, error) {
	var out []models.Movement
	for _, m := range s.movements {
		if m.CreatedAt.Before(f.Since) || !m.CreatedAt.Before(f.Until) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

type fakeBucket struct {
	objects map[string][]byte
	fail    error
}

func (b *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if b.fail != nil {
		return nil, b.fail
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

var start = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func movementAt(id int64, offset time.Duration) models.Movement {
	return models.Movement{
		ID:        id,
		Type:      models.MovementIn,
		Quantity:  decimal.NewFromInt(id * 10),
		LotID:     1,
		ProductID: 1,
		CreatedAt: start.Add(offset),
	}
}

func TestExportWritesJSONLinesAndAdvances(t *testing.T) {
	now := start.Add(time.Hour)
	source := &fakeSource{movements: []models.Movement{
		movementAt(1, time.Minute),
		movementAt(2, 30*time.Minute),
		movementAt(3, 59*time.Minute),
	}}
	bucket := &fakeBucket{}
	a := NewMovementArchiver(source, bucket, Options{
		Bucket: "ledger",
		Prefix: "movements",
		Lag:    5 * time.Minute,
		Since:  start,
		Clock:  func() time.Time { return now },
	})

	export, err := a.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, export.Count)
	assert.Equal(t, "movements/2024/03/01/movements-1709280000-1709283300.jsonl", export.Key)
	assert.Equal(t, start.Add(55*time.Minute), a.Cursor())

	body, ok := bucket.objects["ledger/"+export.Key]
	require.True(t, ok)
	var ids []int64
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		var m models.Movement
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{1, 2}, ids)

	// the third movement goes out with the next window
	now = now.Add(10 * time.Minute)
	export, err = a.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, export.Count)
	assert.Len(t, bucket.objects, 2)
}

func TestExportEmptyWindowWritesNothing(t *testing.T) {
	bucket := &fakeBucket{}
	now := start.Add(time.Hour)
	a := NewMovementArchiver(&fakeSource{}, bucket, Options{
		Bucket: "ledger",
		Since:  start,
		Clock:  func() time.Time { return now },
	})

	export, err := a.Export(context.Background())
	require.NoError(t, err)
	assert.Zero(t, export.Count)
	assert.Empty(t, export.Key)
	assert.Empty(t, bucket.objects)
	assert.Equal(t, now, a.Cursor())
}

func TestExportKeepsCursorWhenUploadFails(t *testing.T) {
	bucket := &fakeBucket{fail: errors.New("bucket unavailable")}
	a := NewMovementArchiver(&fakeSource{movements: []models.Movement{movementAt(1, time.Minute)}}, bucket, Options{
		Bucket: "ledger",
		Since:  start,
		Clock:  func() time.Time { return start.Add(time.Hour) },
	})

	_, err := a.Export(context.Background())
	assert.Error(t, err)
	assert.Equal(t, start, a.Cursor())
}
