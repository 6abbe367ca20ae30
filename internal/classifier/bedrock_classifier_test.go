package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookline-ai/intake-platform/internal/pipeline"
)

type fakeConverse struct {
	output string
	err    error
	input  *bedrockruntime.ConverseInput
}

func (f *fakeConverse) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: f.output},
				},
			},
		},
	}, nil
}

func TestBedrockClassifierParsesModelOutput(t *testing.T) {
	fake := &fakeConverse{output: `{"intent": "check_availability", "confidence": 0.81}`}
	c := newBedrockClassifier(fake, "anthropic.claude-3-haiku")

	result, err := c.Classify(context.Background(), Request{Text: "got anything friday?"})
	require.NoError(t, err)
	assert.Equal(t, IntentCheckAvailability, result.Intent)
	assert.InDelta(t, 0.81, result.Confidence, 0.001)
	require.NotNil(t, fake.input)
	assert.NotEmpty(t, fake.input.System)
}

func TestBedrockClassifierAPIErrorIsTransient(t *testing.T) {
	fake := &fakeConverse{err: errors.New("throttled")}
	c := newBedrockClassifier(fake, "anthropic.claude-3-haiku")

	_, err := c.Classify(context.Background(), Request{Text: "hello"})
	require.Error(t, err)
	assert.Equal(t, pipeline.CategoryTransient, pipeline.CategoryOf(err))
}

func TestBedrockClassifierMalformedOutput(t *testing.T) {
	fake := &fakeConverse{output: "sure, that sounds like a booking"}
	c := newBedrockClassifier(fake, "anthropic.claude-3-haiku")

	_, err := c.Classify(context.Background(), Request{Text: "hello"})
	require.Error(t, err)
	assert.Equal(t, pipeline.CategoryInternal, pipeline.CategoryOf(err))
}

func TestBedrockClassifierUnknownLabelNormalized(t *testing.T) {
	fake := &fakeConverse{output: `{"intent": "order_pizza", "confidence": 0.7}`}
	c := newBedrockClassifier(fake, "anthropic.claude-3-haiku")

	result, err := c.Classify(context.Background(), Request{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, IntentUnknown, result.Intent)
}

func TestBedrockClassifierClampsConfidence(t *testing.T) {
	fake := &fakeConverse{output: `{"intent": "book_appointment", "confidence": 3.5}`}
	c := newBedrockClassifier(fake, "anthropic.claude-3-haiku")

	result, err := c.Classify(context.Background(), Request{Text: "book me in"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Confidence)

	fake.output = `{"intent": "book_appointment", "confidence": -0.2}`
	result, err = c.Classify(context.Background(), Request{Text: "book me in"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Confidence)
}
