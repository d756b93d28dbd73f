package insight

import (
	"context"
	"math"
	"testing"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/core/service/common"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeActionConfig struct {
	lookups   []*domain.ActionLookupRule
	typeRules []*domain.ActionTypeRule
	phrases   []*domain.ActionPhrase
	anchors   []*domain.IntentAnchor

	anchorUpdates map[int64][]float32
}

func (f *fakeActionConfig) ListCarriers(ctx context.Context) ([]*domain.Carrier, error) {
	return nil, nil
}

func (f *fakeActionConfig) ListClassificationPatterns(ctx context.Context) ([]*domain.ClassificationPattern, error) {
	return nil, nil
}

func (f *fakeActionConfig) ListEmailTypePatterns(ctx context.Context) ([]*domain.EmailTypePattern, error) {
	return nil, nil
}

func (f *fakeActionConfig) ListCarrierIDPatterns(ctx context.Context) ([]*domain.CarrierIDPattern, error) {
	return nil, nil
}

func (f *fakeActionConfig) ListWorkflowStates(ctx context.Context) ([]*domain.WorkflowStateConfig, error) {
	return nil, nil
}

func (f *fakeActionConfig) ListWorkflowTriggerRules(ctx context.Context) ([]*domain.WorkflowTriggerRule, error) {
	return nil, nil
}

func (f *fakeActionConfig) ListInsightRules(ctx context.Context) ([]*domain.InsightRule, error) {
	return nil, nil
}

func (f *fakeActionConfig) ListActionLookupRules(ctx context.Context) ([]*domain.ActionLookupRule, error) {
	return f.lookups, nil
}

func (f *fakeActionConfig) ListActionTypeRules(ctx context.Context) ([]*domain.ActionTypeRule, error) {
	return f.typeRules, nil
}

func (f *fakeActionConfig) ListActionPhrases(ctx context.Context) ([]*domain.ActionPhrase, error) {
	return f.phrases, nil
}

func (f *fakeActionConfig) ListIntentAnchors(ctx context.Context) ([]*domain.IntentAnchor, error) {
	return f.anchors, nil
}

func (f *fakeActionConfig) UpdateIntentAnchorEmbedding(ctx context.Context, anchorID int64, embedding []float32) error {
	if f.anchorUpdates == nil {
		f.anchorUpdates = make(map[int64][]float32)
	}
	f.anchorUpdates[anchorID] = embedding
	return nil
}

type fakeEmbedder struct {
	available  bool
	single     []float32
	batch      [][]float32
	embedCalls int
	batchCalls int
}

func (f *fakeEmbedder) Available() bool { return f.available }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.embedCalls++
	return f.single, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batchCalls++
	return f.batch, nil
}

type intentUpsert struct {
	emailID   int64
	hasAction bool
}

type fakeVectorStore struct {
	upserts []intentUpsert
	matches []*out.EmailIntentMatch
}

func (f *fakeVectorStore) UpsertEmailEmbedding(ctx context.Context, emailID int64, embedding []float32, hasAction bool) error {
	f.upserts = append(f.upserts, intentUpsert{emailID: emailID, hasAction: hasAction})
	return nil
}

func (f *fakeVectorStore) SearchSimilarEmails(ctx context.Context, embedding []float32, limit int) ([]*out.EmailIntentMatch, error) {
	return f.matches, nil
}

// =============================================================================
// Helpers
// =============================================================================

func docEmail(subject, body string) *domain.RawEmail {
	return &domain.RawEmail{
		ID:          501,
		Subject:     subject,
		BodyText:    body,
		SenderEmail: "export.team@expressline.example",
		Direction:   domain.DirectionInbound,
		ReceivedAt:  time.Now(),
	}
}

func inboundDoc(docType domain.DocumentType, sender domain.SenderCategory) *domain.DocumentClassification {
	return &domain.DocumentClassification{
		EmailID:        501,
		DocumentType:   docType,
		Direction:      domain.DirectionInbound,
		SenderCategory: sender,
	}
}

func cacheOver(repo out.ConfigRepository) *common.ConfigCache {
	return common.NewConfigCache(repo, time.Minute)
}

// =============================================================================
// Chain precedence
// =============================================================================

func TestDetermineOutboundIsNeverActionable(t *testing.T) {
	r := NewActionResolver(ActionDeps{})
	c := inboundDoc(domain.DocTypeBookingConfirmation, domain.SenderCarrier)
	c.Direction = domain.DirectionOutbound

	det := r.Determine(context.Background(), docEmail("Booking 22970937 confirmed", "please confirm"), c)
	if det.HasAction {
		t.Error("outbound mail can never demand action from us")
	}
	if det.Source != domain.ActionSourceFallback || det.Confidence != domain.ActionConfidenceFloor {
		t.Errorf("source/confidence = %s/%.0f", det.Source, det.Confidence)
	}
}

func TestDetermineFallbackFloor(t *testing.T) {
	r := NewActionResolver(ActionDeps{})

	det := r.Determine(context.Background(),
		docEmail("FW: misc", "see attached file"),
		inboundDoc(domain.DocTypeUnknown, domain.SenderUnknown))
	if det.HasAction {
		t.Error("no signal should mean no action")
	}
	if det.Source != domain.ActionSourceFallback || det.Confidence != domain.ActionConfidenceFloor {
		t.Errorf("source/confidence = %s/%.0f", det.Source, det.Confidence)
	}
	if det.Reason == "" {
		t.Error("a verdict always carries its reason")
	}
}

func TestDetermineLookupRuleWins(t *testing.T) {
	t.Run("exact match short-circuits the chain", func(t *testing.T) {
		cfg := &fakeActionConfig{lookups: []*domain.ActionLookupRule{{
			ID: 1, DocumentType: domain.DocTypeBookingConfirmation, SenderCategory: domain.SenderCarrier,
			HasAction: false, Confidence: 97, Enabled: true,
		}}}
		r := NewActionResolver(ActionDeps{Config: cacheOver(cfg), ConfigRepo: cfg})

		// The body carries an action phrase; the lookup verdict must stand anyway.
		det := r.Determine(context.Background(),
			docEmail("Booking confirmation 22970937", "please confirm the details at your side"),
			inboundDoc(domain.DocTypeBookingConfirmation, domain.SenderCarrier))
		if det.HasAction || det.Source != domain.ActionSourceLookup || det.Confidence != 97 {
			t.Errorf("det = %+v, want the lookup verdict", det)
		}
	})

	t.Run("different sender falls through to the type default", func(t *testing.T) {
		cfg := &fakeActionConfig{lookups: []*domain.ActionLookupRule{{
			ID: 1, DocumentType: domain.DocTypeBookingConfirmation, SenderCategory: domain.SenderCarrier,
			HasAction: false, Confidence: 97, Enabled: true,
		}}}
		r := NewActionResolver(ActionDeps{Config: cacheOver(cfg), ConfigRepo: cfg})

		det := r.Determine(context.Background(),
			docEmail("Booking confirmation 22970937", "loading details attached"),
			inboundDoc(domain.DocTypeBookingConfirmation, domain.SenderCustomer))
		if !det.HasAction || det.Source != domain.ActionSourceDefaultRule {
			t.Errorf("det = %+v, want the type default", det)
		}
	})

	t.Run("disabled row is inert", func(t *testing.T) {
		cfg := &fakeActionConfig{lookups: []*domain.ActionLookupRule{{
			ID: 1, DocumentType: domain.DocTypeBookingConfirmation, SenderCategory: domain.SenderCarrier,
			HasAction: false, Confidence: 97, Enabled: false,
		}}}
		r := NewActionResolver(ActionDeps{Config: cacheOver(cfg), ConfigRepo: cfg})

		det := r.Determine(context.Background(),
			docEmail("Booking confirmation 22970937", "loading details attached"),
			inboundDoc(domain.DocTypeBookingConfirmation, domain.SenderCarrier))
		if det.Source != domain.ActionSourceDefaultRule {
			t.Errorf("source = %s, want the type default", det.Source)
		}
	})
}

func TestDetermineTypeDefaultsAndFlips(t *testing.T) {
	tests := []struct {
		name       string
		docType    domain.DocumentType
		subject    string
		body       string
		wantAction bool
		wantSource domain.ActionSource
		wantFlip   string
	}{
		{
			"confirmation defaults to action",
			domain.DocTypeBookingConfirmation, "Booking confirmed", "loading details attached",
			true, domain.ActionSourceDefaultRule, "",
		},
		{
			"courtesy copy flips to no action",
			domain.DocTypeBookingConfirmation, "Booking confirmed", "This message is auto-generated. Do not reply.",
			false, domain.ActionSourceKeywordFlip, "auto-generated",
		},
		{
			"acknowledgement defaults quiet",
			domain.DocTypeSIConfirmation, "SI accepted", "your si has been accepted by the carrier",
			false, domain.ActionSourceDefaultRule, "",
		},
		{
			"problem keyword flips the acknowledgement",
			domain.DocTypeSIConfirmation, "SI remark", "please advise on the container count",
			true, domain.ActionSourceKeywordFlip, "please advise",
		},
		{
			"only the contradicting list can flip",
			domain.DocTypeBookingConfirmation, "Action required: review booking", "action required for your booking",
			true, domain.ActionSourceDefaultRule, "",
		},
		{
			"subject text counts toward the scan",
			domain.DocTypeSIConfirmation, "ACTION REQUIRED: weight mismatch", "",
			true, domain.ActionSourceKeywordFlip, "action required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewActionResolver(ActionDeps{})
			det := r.Determine(context.Background(), docEmail(tt.subject, tt.body), inboundDoc(tt.docType, domain.SenderCarrier))

			if det.HasAction != tt.wantAction || det.Source != tt.wantSource {
				t.Errorf("det = %v/%s, want %v/%s", det.HasAction, det.Source, tt.wantAction, tt.wantSource)
			}
			switch {
			case tt.wantFlip == "" && det.FlipKeyword != nil:
				t.Errorf("flip keyword = %q, want none", *det.FlipKeyword)
			case tt.wantFlip != "" && (det.FlipKeyword == nil || *det.FlipKeyword != tt.wantFlip):
				t.Errorf("flip keyword = %v, want %q", det.FlipKeyword, tt.wantFlip)
			}
		})
	}
}

func TestDeterminePhrases(t *testing.T) {
	r := NewActionResolver(ActionDeps{})
	correspondence := inboundDoc(domain.DocTypeGeneralCorrespondence, domain.SenderCustomer)

	t.Run("request phrase demands action", func(t *testing.T) {
		det := r.Determine(context.Background(),
			docEmail("Rate inquiry", "please provide your best rate to Busan"), correspondence)
		if !det.HasAction || det.Source != domain.ActionSourcePhrase || det.Confidence != 85 {
			t.Errorf("det = %+v", det)
		}
	})

	t.Run("longest phrase wins over its substring", func(t *testing.T) {
		det := r.Determine(context.Background(),
			docEmail("Status update", "No action required, shipment is on schedule."), correspondence)
		if det.HasAction {
			t.Error("the full phrase says no action; its substring must not win")
		}
		if det.Source != domain.ActionSourcePhrase || det.Confidence != 90 {
			t.Errorf("det = %+v", det)
		}
	})

	t.Run("automated notice is quiet", func(t *testing.T) {
		det := r.Determine(context.Background(),
			docEmail("Terminal gate-in", "This is an automated notification from the terminal."), correspondence)
		if det.HasAction || det.Source != domain.ActionSourcePhrase {
			t.Errorf("det = %+v", det)
		}
	})
}

// =============================================================================
// Vector paths
// =============================================================================

func TestDetermineVectorIntent(t *testing.T) {
	t.Run("clear anchor match decides", func(t *testing.T) {
		embedder := &fakeEmbedder{available: true, batch: [][]float32{{1, 0}, {0, 1}}, single: []float32{0.9, 0.1}}
		vectors := &fakeVectorStore{}
		r := NewActionResolver(ActionDeps{Embedder: embedder, Vectors: vectors})

		det := r.Determine(context.Background(),
			docEmail("Question about our cargo", "could you check the schedule for week 34"),
			inboundDoc(domain.DocTypeGeneralCorrespondence, domain.SenderCustomer))
		if !det.HasAction || det.Source != domain.ActionSourceVectorIntent {
			t.Fatalf("det = %+v, want an action_required anchor match", det)
		}
		if det.Confidence <= 99 || det.Confidence > 100 {
			t.Errorf("confidence = %.2f, want the similarity scaled to ~99.4", det.Confidence)
		}
		if len(vectors.upserts) != 1 || vectors.upserts[0] != (intentUpsert{emailID: 501, hasAction: true}) {
			t.Errorf("upserts = %v, want the verdict recorded for email 501", vectors.upserts)
		}

		// Anchors embed once; later determinations reuse the cached set.
		r.Determine(context.Background(),
			docEmail("Another question", "any update on the new schedule"),
			inboundDoc(domain.DocTypeGeneralCorrespondence, domain.SenderCustomer))
		if embedder.batchCalls != 1 {
			t.Errorf("batch calls = %d, anchors should embed once", embedder.batchCalls)
		}
	})

	t.Run("ambiguous margin falls through", func(t *testing.T) {
		embedder := &fakeEmbedder{available: true, batch: [][]float32{{1, 0}, {0.999, 0.0447}}, single: []float32{1, 0}}
		vectors := &fakeVectorStore{}
		r := NewActionResolver(ActionDeps{Embedder: embedder, Vectors: vectors})

		det := r.Determine(context.Background(),
			docEmail("Vessel update", "schedule attached for the upcoming voyage"),
			inboundDoc(domain.DocTypeGeneralCorrespondence, domain.SenderCustomer))
		if det.Source != domain.ActionSourceFallback {
			t.Errorf("source = %s, near-tied anchors must not decide", det.Source)
		}
		if len(vectors.upserts) != 1 || vectors.upserts[0].hasAction {
			t.Errorf("upserts = %v, the fallback verdict should still be recorded", vectors.upserts)
		}
	})

	t.Run("similarity floor holds", func(t *testing.T) {
		embedder := &fakeEmbedder{available: true, batch: [][]float32{{1, 0}, {0, 1}}, single: []float32{0.5, 0.5}}
		r := NewActionResolver(ActionDeps{Embedder: embedder, Vectors: &fakeVectorStore{}})

		det := r.Determine(context.Background(),
			docEmail("Misc note", "circulating the weekly summary"),
			inboundDoc(domain.DocTypeGeneralCorrespondence, domain.SenderCustomer))
		if det.Source != domain.ActionSourceFallback {
			t.Errorf("source = %s, sub-floor similarity must not decide", det.Source)
		}
	})

	t.Run("rule verdicts never touch the embedder", func(t *testing.T) {
		embedder := &fakeEmbedder{available: true, batch: [][]float32{{1, 0}, {0, 1}}, single: []float32{0.9, 0.1}}
		vectors := &fakeVectorStore{}
		r := NewActionResolver(ActionDeps{Embedder: embedder, Vectors: vectors})

		det := r.Determine(context.Background(),
			docEmail("Booking confirmed", "loading details attached"),
			inboundDoc(domain.DocTypeBookingConfirmation, domain.SenderCarrier))
		if det.Source != domain.ActionSourceDefaultRule {
			t.Fatalf("source = %s", det.Source)
		}
		if embedder.embedCalls != 0 || len(vectors.upserts) != 0 {
			t.Errorf("embed calls/upserts = %d/%d, cheap paths should not spend embeddings", embedder.embedCalls, len(vectors.upserts))
		}
	})
}

func TestDetermineNearestNeighbor(t *testing.T) {
	t.Run("strong neighbor decides", func(t *testing.T) {
		embedder := &fakeEmbedder{available: true, batch: [][]float32{{1, 0}, {0, 1}}, single: []float32{0.5, 0.5}}
		vectors := &fakeVectorStore{matches: []*out.EmailIntentMatch{
			{EmailID: 9, Similarity: 0.92, HasAction: false},
			{EmailID: 4, Similarity: 0.81, HasAction: true},
		}}
		r := NewActionResolver(ActionDeps{Embedder: embedder, Vectors: vectors})

		det := r.Determine(context.Background(),
			docEmail("Weekly schedule", "vessel schedule for the coming weeks"),
			inboundDoc(domain.DocTypeGeneralCorrespondence, domain.SenderCustomer))
		if det.HasAction || det.Source != domain.ActionSourceNearestNeighbor {
			t.Fatalf("det = %+v, want the best neighbor's verdict", det)
		}
		if det.Confidence < 91.9 || det.Confidence > 92.1 {
			t.Errorf("confidence = %.2f, want ~92", det.Confidence)
		}
	})

	t.Run("weak neighbors fall through", func(t *testing.T) {
		embedder := &fakeEmbedder{available: true, batch: [][]float32{{1, 0}, {0, 1}}, single: []float32{0.5, 0.5}}
		vectors := &fakeVectorStore{matches: []*out.EmailIntentMatch{
			{EmailID: 9, Similarity: 0.6, HasAction: true},
		}}
		r := NewActionResolver(ActionDeps{Embedder: embedder, Vectors: vectors})

		det := r.Determine(context.Background(),
			docEmail("Weekly schedule", "vessel schedule for the coming weeks"),
			inboundDoc(domain.DocTypeGeneralCorrespondence, domain.SenderCustomer))
		if det.Source != domain.ActionSourceFallback {
			t.Errorf("source = %s, a 0.6 neighbor is noise", det.Source)
		}
	})
}

func TestDetermineConfidenceClamp(t *testing.T) {
	mk := func(confidence float64) *domain.ActionDetermination {
		cfg := &fakeActionConfig{lookups: []*domain.ActionLookupRule{{
			ID: 1, DocumentType: domain.DocTypePOD, SenderCategory: domain.SenderCarrier,
			HasAction: false, Confidence: confidence, Enabled: true,
		}}}
		r := NewActionResolver(ActionDeps{Config: cacheOver(cfg), ConfigRepo: cfg})
		return r.Determine(context.Background(),
			docEmail("POD attached", "delivery completed"),
			inboundDoc(domain.DocTypePOD, domain.SenderCarrier))
	}

	if det := mk(30); det.Confidence != domain.ActionConfidenceFloor {
		t.Errorf("confidence = %.0f, want raised to the floor", det.Confidence)
	}
	if det := mk(120); det.Confidence != domain.ActionConfidenceCeil {
		t.Errorf("confidence = %.0f, want capped at the ceiling", det.Confidence)
	}
}

// =============================================================================
// Anchor lifecycle
// =============================================================================

func TestAnchorEmbeddingLifecycle(t *testing.T) {
	cfg := &fakeActionConfig{anchors: []*domain.IntentAnchor{
		{ID: 7, Label: "action_required", Text: "the sender needs something from us"},
		{ID: 8, Label: "no_action", Text: "informational notice only"},
	}}
	embedder := &fakeEmbedder{available: true, batch: [][]float32{{1, 0}, {0, 1}}, single: []float32{0.95, 0.05}}
	r := NewActionResolver(ActionDeps{Config: cacheOver(cfg), ConfigRepo: cfg, Embedder: embedder})

	det := r.Determine(context.Background(),
		docEmail("Cargo question", "could you check the schedule for week 34"),
		inboundDoc(domain.DocTypeGeneralCorrespondence, domain.SenderCustomer))
	if det.Source != domain.ActionSourceVectorIntent || !det.HasAction {
		t.Fatalf("det = %+v, want an anchor verdict", det)
	}

	// Fresh embeddings are written back so the next boot starts warm.
	if len(cfg.anchorUpdates) != 2 {
		t.Fatalf("anchor updates = %d, want both anchors persisted", len(cfg.anchorUpdates))
	}
	if v := cfg.anchorUpdates[7]; len(v) != 2 || v[0] != 1 {
		t.Errorf("anchor 7 embedding = %v", v)
	}
	if v := cfg.anchorUpdates[8]; len(v) != 2 || v[1] != 1 {
		t.Errorf("anchor 8 embedding = %v", v)
	}

	// The cached config snapshot is shared; embedding happens on copies.
	if cfg.anchors[0].Embedding != nil || cfg.anchors[1].Embedding != nil {
		t.Error("the repository snapshot must stay untouched")
	}

	r.Determine(context.Background(),
		docEmail("Another question", "any update on the new schedule"),
		inboundDoc(domain.DocTypeGeneralCorrespondence, domain.SenderCustomer))
	if embedder.batchCalls != 1 {
		t.Errorf("batch calls = %d, the anchor set should embed once", embedder.batchCalls)
	}
}

// =============================================================================
// Vector math
// =============================================================================

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical direction", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cosineSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
