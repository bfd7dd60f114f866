package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/convo-bridge/internal/config"
	"github.com/zhouzirui/convo-bridge/internal/model/goal"
)

var ErrNoSemantics = errors.New("model returned no semantics")

// SentenceParser extracts semantics from an answer sentence.
type SentenceParser interface {
	Parse(ctx context.Context, sentence, grammar, target string) (goal.Semantics, error)
}

type invoker interface {
	Invoke(ctx context.Context, input map[string]any, opts ...compose.Option) (*schema.Message, error)
}

// SemanticParser asks an Ark chat model to interpret a sentence against a grammar.
type SemanticParser struct {
	chain  invoker
	logger *zap.Logger
}

// NewSemanticParser builds the prompt → chat model chain.
func NewSemanticParser(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*SemanticParser, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile semantic chain: %w", err)
	}

	return newSemanticParser(runnable, logger), nil
}

func newSemanticParser(chain invoker, logger *zap.Logger) *SemanticParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SemanticParser{chain: chain, logger: logger.Named("ai")}
}

// Parse returns the JSON object the model produced for sentence.
func (p *SemanticParser) Parse(ctx context.Context, sentence, grammar, target string) (goal.Semantics, error) {
	response, err := p.chain.Invoke(ctx, map[string]any{
		"system": buildSystemPrompt(grammar, target),
		"query":  sentence,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run semantic chain: %w", err)
	}

	semantics, err := extractJSON(response.Content)
	if err != nil {
		p.logger.Warn("unusable model output", zap.String("sentence", sentence), zap.String("output", response.Content))
		return nil, err
	}
	p.logger.Info("model parsed sentence", zap.String("sentence", sentence), zap.Any("semantics", semantics))
	return semantics, nil
}

func buildSystemPrompt(grammar, target string) string {
	var builder strings.Builder
	builder.WriteString("You translate a user's answer into the semantics of a feature grammar.\n")
	builder.WriteString("Each grammar line is `NAME[semantics] -> alternatives`; upper-case words reference other rules ")
	builder.WriteString("and `NAME[X]` binds that rule's semantics to the variable X used in the template.\n\n")
	builder.WriteString("Grammar:\n")
	builder.WriteString(grammar)
	builder.WriteString("\n\nTarget rule: ")
	builder.WriteString(target)
	builder.WriteString("\n\nReply with exactly one JSON object holding the semantics the target rule would produce ")
	builder.WriteString("for the closest reading of the sentence. Reply {} when no reading fits. No prose.")
	return builder.String()
}

// extractJSON pulls the first JSON object out of a model reply.
func extractJSON(content string) (goal.Semantics, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, ErrNoSemantics
	}

	var semantics goal.Semantics
	if err := json.Unmarshal([]byte(content[start:end+1]), &semantics); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSemantics, err)
	}
	if len(semantics) == 0 {
		return nil, ErrNoSemantics
	}
	return semantics, nil
}
