package executor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "comfy-executors/internal/common/errors"
)

func TestSubmitWorkflowAsync_GatherMatchesSequential(t *testing.T) {
	tpl := createTemplate(t)
	samples := []int{1, 4, 7}

	sequential := make([][]string, len(samples))
	seqEndpoint := newFakeEndpoint(t)
	seq := New(seqEndpoint, DefaultBatchSize(2), DefaultSeedRandomization(false))
	for i, n := range samples {
		images, err := seq.SubmitWorkflow(context.Background(), tpl, nil, n)
		require.NoError(t, err)
		sequential[i] = names(images)
	}

	asyncEndpoint := newFakeEndpoint(t)
	async := New(asyncEndpoint, DefaultBatchSize(2), DefaultSeedRandomization(false))
	futures := make([]*Future, len(samples))
	for i, n := range samples {
		futures[i] = async.SubmitWorkflowAsync(context.Background(), tpl, nil, n)
	}

	results, err := Gather(context.Background(), futures...)
	require.NoError(t, err)
	require.Len(t, results, len(samples))
	for i := range samples {
		assert.Equal(t, sequential[i], names(results[i]))
	}
	assert.Len(t, asyncEndpoint.submitted(), len(seqEndpoint.submitted()))
}

func TestSubmitWorkflowAsync_EncodesBeforeReturning(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	ep := newFakeEndpoint(t)

	f := New(ep).SubmitWorkflowAsync(context.Background(), createTemplate(t), []image.Image{img}, 1)
	img.Rect = image.Rect(0, 0, 1, 1)

	_, err := f.Wait(context.Background())
	require.NoError(t, err)

	decoded, _, err := image.Decode(bytes.NewReader(ep.submitted()[0].InputImages[0].Data))
	require.NoError(t, err)
	assert.Equal(t, 4, decoded.Bounds().Dx())
}

func TestSubmitWorkflowAsync_InvalidInputResolvesImmediately(t *testing.T) {
	f := New(newFakeEndpoint(t)).SubmitWorkflowAsync(context.Background(), createTemplate(t), []image.Image{nil}, 1)

	select {
	case <-f.Done():
	default:
		t.Fatal("future should already be resolved")
	}
	_, err := f.Wait(context.Background())
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, apperrors.CodeOf(err))
}

func TestFuture_WaitRespectsContext(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGather_ReturnsFirstError(t *testing.T) {
	ok := newFuture()
	ok.resolve([]OutputImage{{Name: "a.png"}}, nil)
	failed := newFuture()
	failed.resolve(nil, errors.New("batch failed"))
	pending := newFuture()

	results, err := Gather(context.Background(), ok, failed, pending)
	assert.EqualError(t, err, "batch failed")
	assert.Nil(t, results)
}

func TestGather_Empty(t *testing.T) {
	results, err := Gather(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
}
