package archive

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/frame-engine/internal/model"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (b *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (b *fakeBucket) get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

func settled(id int64) model.Frame {
	start := time.Unix(id, 0).UTC()
	return model.Frame{
		ID:          id,
		StartTime:   start,
		EndTime:     start.Add(time.Minute),
		OpenPrice:   decimal.NewFromInt(100),
		ClosePrice:  decimal.NewFromInt(101),
		Result:      model.ResultUp,
		TotalVolume: decimal.NewFromInt(20_000_000_000),
	}
}

func TestArchive_WritesEnvelope(t *testing.T) {
	bucket := &fakeBucket{}
	a := New(bucket, "frames-bucket", "frames")

	require.NoError(t, a.Archive(context.Background(), settled(1700000040)))

	assert.Equal(t, "frames/1700000040.json", a.Key(1700000040))
	data, ok := bucket.get("frames-bucket/frames/1700000040.json")
	require.True(t, ok)

	var got model.Frame
	require.NoError(t, model.Decode(model.KindFrame, data, &got))
	assert.Equal(t, model.ResultUp, got.Result)
	assert.True(t, got.TotalVolume.Equal(decimal.NewFromInt(20_000_000_000)))
}

func TestArchive_PropagatesErrors(t *testing.T) {
	a := New(&fakeBucket{fail: errors.New("access denied")}, "b", "")
	err := a.Archive(context.Background(), settled(60))
	assert.ErrorContains(t, err, "access denied")
}

func TestRun_ContinuesAfterFailureAndStopsOnClose(t *testing.T) {
	bucket := &fakeBucket{}
	a := New(bucket, "b", "frames/")

	ch := make(chan model.Frame, 2)
	ch <- settled(60)
	ch <- settled(120)
	close(ch)

	require.NoError(t, a.Run(context.Background(), ch))
	_, ok := bucket.get("b/frames/60.json")
	assert.True(t, ok)
	_, ok = bucket.get("b/frames/120.json")
	assert.True(t, ok)
}

func TestWithScheme(t *testing.T) {
	assert.Equal(t, "https://minio.local:9000", withScheme("minio.local:9000"))
	assert.Equal(t, "http://localhost:9000", withScheme("http://localhost:9000"))
}
