package ai

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/convo-bridge/internal/model/goal"
)

// FallbackParser tries the grammar parser first and consults the model only
// when it fails.
type FallbackParser struct {
	primary  SentenceParser
	fallback SentenceParser
	logger   *zap.Logger
}

// NewFallbackParser chains two parsers.
func NewFallbackParser(primary, fallback SentenceParser, logger *zap.Logger) *FallbackParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackParser{primary: primary, fallback: fallback, logger: logger.Named("parser")}
}

func (f *FallbackParser) Parse(ctx context.Context, sentence, grammar, target string) (goal.Semantics, error) {
	semantics, err := f.primary.Parse(ctx, sentence, grammar, target)
	if err == nil {
		return semantics, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	f.logger.Info("grammar parse failed, asking model", zap.String("sentence", sentence), zap.Error(err))
	semantics, fallbackErr := f.fallback.Parse(ctx, sentence, grammar, target)
	if fallbackErr != nil {
		return nil, fmt.Errorf("%w (fallback: %v)", err, fallbackErr)
	}
	return semantics, nil
}
