package ai

import (
	"FlowDAQ/internal/config"
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

const runPrompt = "You are an experienced fluid dynamics engineer. " +
	"Please analyze the following summary of a multi-sensor flow acquisition run from the FlowDAQ system. " +
	"Comment on the stability of each sensor, whether the regime classification is plausible given the statistics, " +
	"and anything worth checking before the next run. Answer in Markdown and keep it concise.\n\n" +
	"--- Run Summary ---\n%s\n--- End of Run Summary ---"

// RunAnalyzer implements the model.Analyzer interface using an OpenAI-compatible API.
type RunAnalyzer struct {
	cfg    config.AIConfig
	client *openai.Client
}

// NewRunAnalyzer creates a new instance of RunAnalyzer.
func NewRunAnalyzer(cfg config.AIConfig) (*RunAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("AI API key is not configured")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &RunAnalyzer{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientConfig),
	}, nil
}

// AnalyzeRun asks the model to comment on a run summary.
func (a *RunAnalyzer) AnalyzeRun(ctx context.Context, input string) (string, error) {
	resp, err := a.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: a.cfg.Model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleUser,
					Content: fmt.Sprintf(runPrompt, input),
				},
			},
		},
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("AI request timeout: %w", err)
		}
		if errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("AI request canceled: %w", err)
		}
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI API returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
