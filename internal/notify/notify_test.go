package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, input *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, input)
	if out := args.Get(0); out != nil {
		return out.(*sns.PublishOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func createSummary() Summary {
	return Summary{
		GroupID:    "4f1c",
		Template:   "txt2img.json",
		Endpoint:   "runpod",
		NumSamples: 16,
		Batches:    2,
		Images:     16,
		Status:     "completed",
		Duration:   1500 * time.Millisecond,
	}
}

func TestSNSNotifier_Notify(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		if *in.TopicArn != "arn:aws:sns:eu-west-1:123:comfy" {
			return false
		}
		var body map[string]interface{}
		if err := json.Unmarshal([]byte(*in.Message), &body); err != nil {
			return false
		}
		return body["groupId"] == "4f1c" &&
			body["durationMs"] == float64(1500) &&
			*in.MessageAttributes["status"].StringValue == "completed"
	})).Return(&sns.PublishOutput{}, nil)

	n := NewSNSNotifier(pub, "arn:aws:sns:eu-west-1:123:comfy")
	require.NoError(t, n.Notify(context.Background(), createSummary()))
	pub.AssertExpectations(t)
}

func TestSNSNotifier_PublishError(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	n := NewSNSNotifier(pub, "arn:aws:sns:eu-west-1:123:comfy")
	err := n.Notify(context.Background(), createSummary())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestSummary_MarshalJSON(t *testing.T) {
	s := createSummary()
	s.Status = "failed"
	s.ErrorCode = "REMOTE_TIMEOUT"

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, float64(1500), out["durationMs"])
	assert.Equal(t, "REMOTE_TIMEOUT", out["errorCode"])
	assert.NotContains(t, out, "error")
}
