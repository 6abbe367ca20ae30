package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/bookline-ai/intake-platform/internal/pipeline"
)

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClassifier labels intents with a Bedrock model via the Converse
// API. The model is instructed to answer with a single JSON object.
type BedrockClassifier struct {
	api     bedrockConverseAPI
	modelID string
}

var _ Adapter = (*BedrockClassifier)(nil)

// NewBedrockClassifier creates a Bedrock-backed classifier.
func NewBedrockClassifier(client *bedrockruntime.Client, modelID string) *BedrockClassifier {
	if client == nil {
		panic("classifier: bedrock client cannot be nil")
	}
	return newBedrockClassifier(client, modelID)
}

func newBedrockClassifier(api bedrockConverseAPI, modelID string) *BedrockClassifier {
	if strings.TrimSpace(modelID) == "" {
		panic("classifier: bedrock model id cannot be empty")
	}
	return &BedrockClassifier{api: api, modelID: modelID}
}

const systemPrompt = `You label messages sent to a business's social inbox.
Answer with one JSON object: {"intent": "<label>", "confidence": <0..1>}.
Choose the label from the provided list only. Do not add any other text.`

// Classify implements Adapter.
func (c *BedrockClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	labels := req.Labels
	if len(labels) == 0 {
		labels = Labels
	}

	var prompt strings.Builder
	prompt.WriteString("Labels: " + strings.Join(labels, ", ") + "\n")
	if len(req.History) > 0 {
		prompt.WriteString("Recent messages:\n")
		for _, h := range req.History {
			prompt.WriteString("- " + h + "\n")
		}
	}
	prompt.WriteString("Message: " + req.Text)

	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.modelID),
		System: []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: systemPrompt},
		},
		Messages: []brtypes.Message{{
			Role: brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: prompt.String()},
			},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens:   aws.Int32(128),
			Temperature: aws.Float32(0),
		},
	})
	if err != nil {
		// Bedrock throttling and availability issues resolve on retry.
		return Result{}, pipeline.E(pipeline.CategoryTransient, "classifier.bedrock", err)
	}

	text, err := extractOutputText(out)
	if err != nil {
		return Result{}, pipeline.E(pipeline.CategoryInternal, "classifier.bedrock", err)
	}

	var result Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return Result{}, pipeline.E(pipeline.CategoryInternal, "classifier.bedrock",
			fmt.Errorf("malformed model output: %w", err))
	}
	if !KnownIntent(result.Intent) {
		result.Intent = IntentUnknown
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	return result, nil
}

func extractOutputText(out *bedrockruntime.ConverseOutput) (string, error) {
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", fmt.Errorf("unexpected output type %T", out.Output)
	}
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			return strings.TrimSpace(text.Value), nil
		}
	}
	return "", fmt.Errorf("no text block in model output")
}
