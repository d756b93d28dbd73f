package llm

import (
	"context"
	"errors"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
)

// ErrDisabled is returned by the noop implementations. Callers check
// Available() first, so seeing this error means a wiring bug.
var ErrDisabled = errors.New("llm: provider disabled")

// NoopClassifier satisfies the classifier port when AI classification is off.
type NoopClassifier struct{}

func (NoopClassifier) Available() bool { return false }

func (NoopClassifier) ClassifyDocument(ctx context.Context, email *out.EmailForAnalysis) (*out.AIDocumentClassification, error) {
	return nil, ErrDisabled
}

// NoopInsightAnalyzer satisfies the analyzer port when AI insights are off.
type NoopInsightAnalyzer struct{}

func (NoopInsightAnalyzer) Available() bool { return false }

func (NoopInsightAnalyzer) AnalyzeShipment(ctx context.Context, ic *domain.InsightContext) (*out.AIInsightBundle, error) {
	return nil, ErrDisabled
}

// NoopEmbedder satisfies the embedding port when no provider is configured.
type NoopEmbedder struct{}

func (NoopEmbedder) Available() bool { return false }

func (NoopEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrDisabled
}

func (NoopEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, ErrDisabled
}
