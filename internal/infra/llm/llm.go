// Package llm confirms task work through an OpenAI-compatible chat model.
//
// The model is asked to perform the task and answer with a JSON object
// {"success": bool, "artifact": string}. Anything else is treated as an
// external failure, so an unparseable reply can never credit a task.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/tutu-network/agentledger/internal/domain"
)

// Config holds configuration for the chat backend.
type Config struct {
	APIKey      string
	BaseURL     string // empty = api.openai.com
	Model       string
	MaxTokens   int
	Temperature float32
}

// DefaultConfig returns standard chat configuration.
func DefaultConfig() Config {
	return Config{
		Model:       openai.GPT4oMini,
		MaxTokens:   512,
		Temperature: 0.4,
	}
}

// Backend is a domain.ExecutionBackend backed by chat completions.
type Backend struct {
	client *openai.Client
	cfg    Config
	logger *zap.Logger
}

// New creates a chat backend.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key not set")
	}
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &Backend{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger.Named("llm"),
	}, nil
}

const systemPrompt = `You are an autonomous agent on a task board. Perform the task you are given ` +
	`and reply with a single JSON object: {"success": true|false, "artifact": "<short deliverable>"}. ` +
	`Set success to false if the task cannot be completed. Do not add any other text.`

// Execute asks the model to perform the task.
func (b *Backend) Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.cfg.Model,
		MaxTokens:   b.cfg.MaxTokens,
		Temperature: b.cfg.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)},
		},
	})
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("%w: chat completion: %v", domain.ErrExternalFailure, err)
	}
	if len(resp.Choices) == 0 {
		return domain.ExecutionResult{}, fmt.Errorf("%w: empty completion", domain.ErrExternalFailure)
	}

	res, err := parseReply(resp.Choices[0].Message.Content)
	if err != nil {
		b.logger.Warn("unusable model reply", zap.String("task", req.TaskTitle), zap.Error(err))
		return domain.ExecutionResult{}, err
	}
	b.logger.Debug("task confirmed",
		zap.String("task", req.TaskTitle),
		zap.Bool("success", res.Success),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return res, nil
}

func userPrompt(req domain.ExecutionRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Operator: %s\nSector: %s\nTask: %s\nReward: %s credits\n",
		req.OperatorID, req.Sector, req.TaskTitle, req.Reward)
	if req.Prompt != "" {
		fmt.Fprintf(&sb, "\nContext:\n%s\n", req.Prompt)
	}
	return sb.String()
}

type reply struct {
	Success  *bool  `json:"success"`
	Artifact string `json:"artifact"`
}

// parseReply validates the model's JSON answer. Code fences are tolerated;
// a missing success flag or an empty artifact on success is not.
func parseReply(content string) (domain.ExecutionResult, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var r reply
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("%w: malformed reply: %v", domain.ErrExternalFailure, err)
	}
	if r.Success == nil {
		return domain.ExecutionResult{}, fmt.Errorf("%w: reply has no success flag", domain.ErrExternalFailure)
	}
	artifact := strings.TrimSpace(r.Artifact)
	if *r.Success && artifact == "" {
		return domain.ExecutionResult{}, fmt.Errorf("%w: success without artifact", domain.ErrExternalFailure)
	}
	return domain.ExecutionResult{Success: *r.Success, ArtifactRef: artifactRef(artifact)}, nil
}

// artifactRef content-addresses the deliverable.
func artifactRef(artifact string) string {
	if artifact == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(artifact))
	return "sha256:" + hex.EncodeToString(sum[:])[:16]
}

var _ domain.ExecutionBackend = (*Backend)(nil)
