package insight

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/core/service/common"
	"shipment_worker/pkg/logger"
)

const (
	keywordScanLimit = 16 * 1024
	intentTextLimit  = 2048
	neighborLimit    = 5
)

// ActionDeps wires the action resolver. Embedder and Vectors may be nil;
// the vector paths then stand down and the chain ends at the fallback.
type ActionDeps struct {
	Config     *common.ConfigCache
	ConfigRepo out.ConfigRepository // anchor embedding write-back
	Embedder   out.EmbeddingProvider
	Vectors    out.IntentVectorStore
}

// ActionResolver decides whether an inbound document email demands a
// response from the forwarder. The chain runs cheapest-first: exact lookup,
// per-type defaults with flip keywords, phrase matching, anchor intent
// vectors, nearest historical neighbor; the floor is no-action at 50.
// Determine never returns an error; every failure falls through the chain.
type ActionResolver struct {
	cfg        *common.ConfigCache
	configRepo out.ConfigRepository
	embedder   out.EmbeddingProvider
	vectors    out.IntentVectorStore
	log        *logger.Logger

	defaultTypeRules []*domain.ActionTypeRule
	defaultPhrases   []*domain.ActionPhrase
	defaultAnchors   []*domain.IntentAnchor

	anchorMu      sync.Mutex
	anchorCache   []*domain.IntentAnchor
	anchorVersion uint64
	anchorHash    uint64
}

func NewActionResolver(deps ActionDeps) *ActionResolver {
	return &ActionResolver{
		cfg:              deps.Config,
		configRepo:       deps.ConfigRepo,
		embedder:         deps.Embedder,
		vectors:          deps.Vectors,
		log:              logger.WithStage(string(domain.StageInsights)),
		defaultTypeRules: defaultActionTypeRules(),
		defaultPhrases:   defaultActionPhrases(),
		defaultAnchors:   defaultIntentAnchors(),
	}
}

// Determine runs the chain for one classified email. Outbound messages are
// never actionable for us; the pipeline normally filters them already.
func (r *ActionResolver) Determine(ctx context.Context, email *domain.RawEmail, classification *domain.DocumentClassification) *domain.ActionDetermination {
	if classification.Direction == domain.DirectionOutbound {
		return &domain.ActionDetermination{
			HasAction:  false,
			Confidence: domain.ActionConfidenceFloor,
			Source:     domain.ActionSourceFallback,
			Reason:     "outbound message",
		}
	}

	text := keywordText(email)
	var embedding []float32

	det := r.fromLookup(ctx, classification)
	if det == nil {
		det = r.fromTypeRules(ctx, classification.DocumentType, text)
	}
	if det == nil {
		det = r.fromPhrases(ctx, text)
	}
	if det == nil {
		embedding = r.embed(ctx, email)
		if embedding != nil {
			det = r.fromAnchors(ctx, embedding)
			if det == nil {
				det = r.fromNeighbors(ctx, embedding)
			}
		}
	}
	if det == nil {
		det = &domain.ActionDetermination{
			HasAction:  false,
			Confidence: domain.ActionConfidenceFloor,
			Source:     domain.ActionSourceFallback,
			Reason:     "no determination signal matched",
		}
	}
	det.Confidence = domain.ClampConfidence(det.Confidence)

	// Learning loop: a computed embedding plus its verdict becomes history
	// for future nearest-neighbor checks.
	if embedding != nil && r.vectors != nil {
		if err := r.vectors.UpsertEmailEmbedding(ctx, email.ID, embedding, det.HasAction); err != nil {
			r.log.WithEmail(email.ID).WithError(err).Debug("intent embedding write-back failed")
		}
	}
	return det
}

// =============================================================================
// Chain stages
// =============================================================================

func (r *ActionResolver) fromLookup(ctx context.Context, classification *domain.DocumentClassification) *domain.ActionDetermination {
	for _, rule := range r.lookupRules(ctx) {
		if !rule.Enabled || rule.DocumentType != classification.DocumentType || rule.SenderCategory != classification.SenderCategory {
			continue
		}
		return &domain.ActionDetermination{
			HasAction:  rule.HasAction,
			Confidence: rule.Confidence,
			Source:     domain.ActionSourceLookup,
			Reason:     fmt.Sprintf("lookup rule for %s from %s", rule.DocumentType, rule.SenderCategory),
		}
	}
	return nil
}

func (r *ActionResolver) fromTypeRules(ctx context.Context, docType domain.DocumentType, text string) *domain.ActionDetermination {
	for _, rule := range r.typeRules(ctx) {
		if !rule.Enabled || rule.DocumentType != docType {
			continue
		}
		// Only the list that contradicts the default can flip it.
		flipList := rule.FlipToNoActionKeywords
		flipTo := false
		if !rule.DefaultHasAction {
			flipList = rule.FlipToActionKeywords
			flipTo = true
		}
		for _, kw := range flipList {
			k := strings.ToLower(strings.TrimSpace(kw))
			if k == "" || !strings.Contains(text, k) {
				continue
			}
			matched := kw
			return &domain.ActionDetermination{
				HasAction:   flipTo,
				Confidence:  rule.Confidence,
				Source:      domain.ActionSourceKeywordFlip,
				FlipKeyword: &matched,
				Reason:      fmt.Sprintf("%s default flipped by %q", docType, kw),
			}
		}
		return &domain.ActionDetermination{
			HasAction:  rule.DefaultHasAction,
			Confidence: rule.Confidence,
			Source:     domain.ActionSourceDefaultRule,
			Reason:     fmt.Sprintf("type default for %s", docType),
		}
	}
	return nil
}

// fromPhrases picks the longest matching phrase, so "no action required"
// beats its own "action required" substring.
func (r *ActionResolver) fromPhrases(ctx context.Context, text string) *domain.ActionDetermination {
	var best *domain.ActionPhrase
	for _, phrase := range r.phrases(ctx) {
		if !phrase.Enabled || phrase.Phrase == "" {
			continue
		}
		if !strings.Contains(text, strings.ToLower(phrase.Phrase)) {
			continue
		}
		if best == nil || len(phrase.Phrase) > len(best.Phrase) {
			best = phrase
		}
	}
	if best == nil {
		return nil
	}
	return &domain.ActionDetermination{
		HasAction:  best.HasAction,
		Confidence: best.Confidence,
		Source:     domain.ActionSourcePhrase,
		Reason:     fmt.Sprintf("matched phrase %q", best.Phrase),
	}
}

// fromAnchors compares the email vector against the pre-embedded anchors.
// The winner must clear the similarity floor and beat the best anchor of
// the opposite label by the margin.
func (r *ActionResolver) fromAnchors(ctx context.Context, embedding []float32) *domain.ActionDetermination {
	anchors := r.anchorSet(ctx)
	if len(anchors) == 0 {
		return nil
	}

	bestByLabel := map[bool]float64{true: -1, false: -1}
	var best *domain.IntentAnchor
	bestSim := -1.0
	for _, anchor := range anchors {
		if len(anchor.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(embedding, anchor.Embedding)
		if sim > bestByLabel[anchor.RequiresAction()] {
			bestByLabel[anchor.RequiresAction()] = sim
		}
		if sim > bestSim {
			bestSim, best = sim, anchor
		}
	}
	if best == nil || bestSim < domain.IntentSimilarityMin {
		return nil
	}
	if opposing := bestByLabel[!best.RequiresAction()]; opposing >= 0 && bestSim-opposing < domain.IntentSimilarityMargin {
		return nil
	}
	return &domain.ActionDetermination{
		HasAction:  best.RequiresAction(),
		Confidence: bestSim * 100,
		Source:     domain.ActionSourceVectorIntent,
		Reason:     fmt.Sprintf("intent matched %q anchor at %.2f similarity", best.Label, bestSim),
	}
}

func (r *ActionResolver) fromNeighbors(ctx context.Context, embedding []float32) *domain.ActionDetermination {
	if r.vectors == nil {
		return nil
	}
	matches, err := r.vectors.SearchSimilarEmails(ctx, embedding, neighborLimit)
	if err != nil {
		r.log.WithError(err).Warn("intent neighbor search failed")
		return nil
	}
	var best *out.EmailIntentMatch
	for _, m := range matches {
		if best == nil || m.Similarity > best.Similarity {
			best = m
		}
	}
	if best == nil || best.Similarity < domain.IntentSimilarityMin {
		return nil
	}
	return &domain.ActionDetermination{
		HasAction:  best.HasAction,
		Confidence: best.Similarity * 100,
		Source:     domain.ActionSourceNearestNeighbor,
		Reason:     fmt.Sprintf("mirrors email %d at %.2f similarity", best.EmailID, best.Similarity),
	}
}

// =============================================================================
// Anchors
// =============================================================================

// anchorSet returns the anchors with embeddings ensured, rebuilt when the
// config generation or the anchor text set changes. Anchors embedded here
// are persisted so the next process boots warm.
func (r *ActionResolver) anchorSet(ctx context.Context) []*domain.IntentAnchor {
	version := uint64(0)
	if r.cfg != nil {
		version = r.cfg.Version()
	}
	loaded := r.loadAnchors(ctx)
	hash := anchorTextHash(loaded)

	r.anchorMu.Lock()
	defer r.anchorMu.Unlock()
	if r.anchorCache != nil && r.anchorVersion == version && r.anchorHash == hash {
		return r.anchorCache
	}

	// Work on copies: config cache slices are shared and read-only.
	anchors := make([]*domain.IntentAnchor, len(loaded))
	var missing []*domain.IntentAnchor
	for i, a := range loaded {
		c := *a
		anchors[i] = &c
		if len(c.Embedding) == 0 {
			missing = append(missing, anchors[i])
		}
	}

	if len(missing) > 0 {
		if r.embedder == nil || !r.embedder.Available() {
			return nil
		}
		texts := make([]string, len(missing))
		for i, a := range missing {
			texts[i] = a.Text
		}
		vectors, err := r.embedder.EmbedBatch(ctx, texts)
		if err != nil || len(vectors) != len(missing) {
			r.log.WithError(err).Warn("anchor embedding failed, vector intent unavailable")
			return nil
		}
		for i, a := range missing {
			a.Embedding = vectors[i]
			if a.ID != 0 && r.configRepo != nil {
				if err := r.configRepo.UpdateIntentAnchorEmbedding(ctx, a.ID, vectors[i]); err != nil {
					r.log.WithField("anchor_id", a.ID).WithError(err).Warn("anchor embedding write-back failed")
				}
			}
		}
	}

	r.anchorCache, r.anchorVersion, r.anchorHash = anchors, version, hash
	return anchors
}

func (r *ActionResolver) loadAnchors(ctx context.Context) []*domain.IntentAnchor {
	if r.cfg == nil {
		return r.defaultAnchors
	}
	anchors, err := r.cfg.IntentAnchors(ctx)
	if err != nil {
		r.log.WithError(err).Warn("intent anchors unavailable, using built-ins")
		return r.defaultAnchors
	}
	if len(anchors) == 0 {
		return r.defaultAnchors
	}
	return anchors
}

func anchorTextHash(anchors []*domain.IntentAnchor) uint64 {
	h := fnv.New64a()
	for _, a := range anchors {
		h.Write([]byte(a.Label))
		h.Write([]byte{0})
		h.Write([]byte(a.Text))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// =============================================================================
// Config access
// =============================================================================

func (r *ActionResolver) lookupRules(ctx context.Context) []*domain.ActionLookupRule {
	// No built-in fallback: the lookup table is ops-curated or absent.
	if r.cfg == nil {
		return nil
	}
	rules, err := r.cfg.ActionLookupRules(ctx)
	if err != nil {
		r.log.WithError(err).Warn("action lookup rules unavailable")
		return nil
	}
	return rules
}

func (r *ActionResolver) typeRules(ctx context.Context) []*domain.ActionTypeRule {
	if r.cfg == nil {
		return r.defaultTypeRules
	}
	rules, err := r.cfg.ActionTypeRules(ctx)
	if err != nil {
		r.log.WithError(err).Warn("action type rules unavailable, using built-ins")
		return r.defaultTypeRules
	}
	if len(rules) == 0 {
		return r.defaultTypeRules
	}
	return rules
}

func (r *ActionResolver) phrases(ctx context.Context) []*domain.ActionPhrase {
	if r.cfg == nil {
		return r.defaultPhrases
	}
	phrases, err := r.cfg.ActionPhrases(ctx)
	if err != nil {
		r.log.WithError(err).Warn("action phrases unavailable, using built-ins")
		return r.defaultPhrases
	}
	if len(phrases) == 0 {
		return r.defaultPhrases
	}
	return phrases
}

// =============================================================================
// Text and vectors
// =============================================================================

func keywordText(email *domain.RawEmail) string {
	subject := email.CleanSubject
	if subject == "" {
		subject = email.Subject
	}
	body := email.BodyText
	if len(body) > keywordScanLimit {
		body = body[:keywordScanLimit]
	}
	return strings.ToLower(subject + "\n" + body)
}

func (r *ActionResolver) embed(ctx context.Context, email *domain.RawEmail) []float32 {
	if r.embedder == nil || !r.embedder.Available() {
		return nil
	}
	subject := email.CleanSubject
	if subject == "" {
		subject = email.Subject
	}
	body := email.BodyText
	if len(body) > intentTextLimit {
		body = body[:intentTextLimit]
	}
	embedding, err := r.embedder.Embed(ctx, subject+"\n"+body)
	if err != nil {
		r.log.WithEmail(email.ID).WithError(err).Warn("intent embedding failed")
		return nil
	}
	return embedding
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// =============================================================================
// Built-in action tables
// =============================================================================

// defaultActionTypeRules carries the per-type verdicts used until operations
// curates its own table. Requests and drafts demand work; confirmations and
// records mostly do not, unless a flip keyword says otherwise.
func defaultActionTypeRules() []*domain.ActionTypeRule {
	noActionFlips := []string{"no action required", "no further action", "for your records", "auto-generated", "do not reply"}
	problemFlips := []string{"please advise", "action required", "discrepancy", "mismatch", "incorrect", "revise", "amend"}

	return []*domain.ActionTypeRule{
		{DocumentType: domain.DocTypeBookingConfirmation, DefaultHasAction: true, Confidence: 80, FlipToNoActionKeywords: noActionFlips, Enabled: true},
		{DocumentType: domain.DocTypeBookingAmendment, DefaultHasAction: true, Confidence: 85, FlipToNoActionKeywords: noActionFlips, Enabled: true},
		{DocumentType: domain.DocTypeBookingCancellation, DefaultHasAction: true, Confidence: 90, Enabled: true},
		{DocumentType: domain.DocTypeShippingInstruction, DefaultHasAction: true, Confidence: 85, FlipToNoActionKeywords: noActionFlips, Enabled: true},
		{DocumentType: domain.DocTypeSIDraft, DefaultHasAction: true, Confidence: 90, Enabled: true},
		{DocumentType: domain.DocTypeSISubmission, DefaultHasAction: false, Confidence: 70, FlipToActionKeywords: problemFlips, Enabled: true},
		{DocumentType: domain.DocTypeSIConfirmation, DefaultHasAction: false, Confidence: 80, FlipToActionKeywords: problemFlips, Enabled: true},
		{DocumentType: domain.DocTypeVGMSubmission, DefaultHasAction: false, Confidence: 70, FlipToActionKeywords: problemFlips, Enabled: true},
		{DocumentType: domain.DocTypeVGMConfirmation, DefaultHasAction: false, Confidence: 80, FlipToActionKeywords: problemFlips, Enabled: true},
		{DocumentType: domain.DocTypeBLDraft, DefaultHasAction: true, Confidence: 90, Enabled: true},
		{DocumentType: domain.DocTypeHBLDraft, DefaultHasAction: true, Confidence: 90, Enabled: true},
		{DocumentType: domain.DocTypeBillOfLading, DefaultHasAction: false, Confidence: 75, FlipToActionKeywords: problemFlips, Enabled: true},
		{DocumentType: domain.DocTypeHBL, DefaultHasAction: false, Confidence: 75, FlipToActionKeywords: problemFlips, Enabled: true},
		{DocumentType: domain.DocTypeArrivalNotice, DefaultHasAction: true, Confidence: 90, FlipToNoActionKeywords: noActionFlips, Enabled: true},
		{DocumentType: domain.DocTypeDeliveryOrder, DefaultHasAction: true, Confidence: 85, Enabled: true},
		{DocumentType: domain.DocTypeCustomsEntry, DefaultHasAction: false, Confidence: 75, FlipToActionKeywords: []string{"hold", "exam", "intensive", "documents required"}, Enabled: true},
		{DocumentType: domain.DocTypeEntrySummary, DefaultHasAction: false, Confidence: 75, FlipToActionKeywords: problemFlips, Enabled: true},
		{DocumentType: domain.DocTypeDutyInvoice, DefaultHasAction: true, Confidence: 85, Enabled: true},
		{DocumentType: domain.DocTypeInvoice, DefaultHasAction: true, Confidence: 80, FlipToNoActionKeywords: noActionFlips, Enabled: true},
		{DocumentType: domain.DocTypeExceptionNotice, DefaultHasAction: true, Confidence: 95, Enabled: true},
		{DocumentType: domain.DocTypePOD, DefaultHasAction: false, Confidence: 70, Enabled: true},
	}
}

func defaultActionPhrases() []*domain.ActionPhrase {
	return []*domain.ActionPhrase{
		{Phrase: "please advise", HasAction: true, Confidence: 85, Enabled: true},
		{Phrase: "please confirm", HasAction: true, Confidence: 85, Enabled: true},
		{Phrase: "please provide", HasAction: true, Confidence: 85, Enabled: true},
		{Phrase: "please arrange", HasAction: true, Confidence: 85, Enabled: true},
		{Phrase: "kindly revert", HasAction: true, Confidence: 80, Enabled: true},
		{Phrase: "awaiting your", HasAction: true, Confidence: 80, Enabled: true},
		{Phrase: "action required", HasAction: true, Confidence: 90, Enabled: true},
		{Phrase: "at the earliest", HasAction: true, Confidence: 75, Enabled: true},
		{Phrase: "no action required", HasAction: false, Confidence: 90, Enabled: true},
		{Phrase: "for your reference", HasAction: false, Confidence: 75, Enabled: true},
		{Phrase: "for your records", HasAction: false, Confidence: 75, Enabled: true},
		{Phrase: "this is an automated", HasAction: false, Confidence: 80, Enabled: true},
		{Phrase: "do not reply", HasAction: false, Confidence: 80, Enabled: true},
	}
}

func defaultIntentAnchors() []*domain.IntentAnchor {
	return []*domain.IntentAnchor{
		{
			Label: "action_required",
			Text: "The sender is asking us to do something: provide documents or information, " +
				"confirm or correct details, submit instructions, approve a draft, arrange a " +
				"service, or resolve a problem before a deadline.",
		},
		{
			Label: "no_action",
			Text: "The message is informational only: an automated notification, a courtesy " +
				"copy, a confirmation that closes the loop, or a status update that requires " +
				"no reply from us.",
		},
	}
}
