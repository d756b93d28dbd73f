package classification

import (
	"context"
	"strings"

	"shipment_worker/core/domain"
	"shipment_worker/core/service/common"
	"shipment_worker/pkg/logger"
)

// senderResolver buckets the effective sender (true sender when the email
// was forwarded) into a category and resolves the carrier code used to
// narrow carrier-keyed patterns.
type senderResolver struct {
	cfg        *common.ConfigCache
	ownDomains []string
}

func newSenderResolver(cfg *common.ConfigCache, ownDomains []string) *senderResolver {
	lowered := make([]string, 0, len(ownDomains))
	for _, d := range ownDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			lowered = append(lowered, d)
		}
	}
	return &senderResolver{cfg: cfg, ownDomains: lowered}
}

// resolve fills in.CarrierCode and in.SenderCategory. Carrier resolution
// falls back to the built-in carrier list when the configuration table is
// empty, so a fresh deployment still recognizes major carriers.
func (r *senderResolver) resolve(ctx context.Context, in *Input) {
	dom := in.Email.SenderDomain()
	if dom == "" {
		in.SenderCategory = domain.SenderUnknown
		return
	}

	var configured []*domain.Carrier
	if r.cfg != nil {
		var err error
		configured, err = r.cfg.Carriers(ctx)
		if err != nil {
			logger.WithError(err).Warn("carrier list unavailable, using built-in fallback")
			configured = nil
		}
	}
	if carrier := domain.MatchCarrierDomain(dom, configured); carrier != nil {
		in.CarrierCode = carrier.Code
		in.SenderCategory = domain.SenderCarrier
		return
	}

	if r.isOwnDomain(dom) {
		in.SenderCategory = domain.SenderInternal
		return
	}
	switch {
	case strings.HasSuffix(dom, "cbp.dhs.gov") || strings.HasSuffix(dom, "cbp.gov") || strings.Contains(dom, "customs"):
		in.SenderCategory = domain.SenderCustoms
	case strings.Contains(dom, "broker") || strings.Contains(dom, "chb") || strings.Contains(dom, "clearance"):
		in.SenderCategory = domain.SenderBroker
	default:
		in.SenderCategory = domain.SenderCustomer
	}
}

func (r *senderResolver) isOwnDomain(dom string) bool {
	for _, own := range r.ownDomains {
		if dom == own || strings.HasSuffix(dom, "."+own) {
			return true
		}
	}
	return false
}

// =============================================================================
// Down-ranking
// =============================================================================

// carrierOnlyTypes are documents only a carrier (or a forward of one)
// issues. Claims of these from customer senders are suspect.
var carrierOnlyTypes = map[domain.DocumentType]struct{}{
	domain.DocTypeBookingConfirmation: {},
	domain.DocTypeBookingAmendment:    {},
	domain.DocTypeBookingCancellation: {},
	domain.DocTypeSIConfirmation:      {},
	domain.DocTypeVGMConfirmation:     {},
}

// downRankConfidence sits below the shipment-create threshold so a
// down-ranked result cannot materialize a shipment without review.
const downRankConfidence = 65

// applySenderDownRank caps carrier-only document types when the effective
// sender is a plain customer. Forwarded carrier mail keeps its category
// because categorization ran on the true sender.
func applySenderDownRank(res *Result, in *Input) *Result {
	if res == nil || in.SenderCategory != domain.SenderCustomer {
		return res
	}
	if _, ok := carrierOnlyTypes[res.DocumentType]; !ok {
		return res
	}
	if res.Confidence <= downRankConfidence {
		return res
	}
	res.Confidence = downRankConfidence
	res.Signals = append(res.Signals, "sender:down-rank")
	return res
}

// =============================================================================
// Stage 5: sender heuristics (tie-breaker)
// =============================================================================

// senderHeuristicClassifier runs after the pattern stages found nothing and
// assigns a weak general_correspondence verdict keyed on who is talking.
// Unknown senders stay unclassified so the LLM fallback can take over.
type senderHeuristicClassifier struct{}

func (c *senderHeuristicClassifier) Name() string { return "sender" }

func (c *senderHeuristicClassifier) Classify(_ context.Context, in *Input) (*Result, error) {
	var confidence float64
	switch in.SenderCategory {
	case domain.SenderInternal:
		confidence = 60
	case domain.SenderCarrier, domain.SenderBroker, domain.SenderCustoms:
		confidence = 58
	case domain.SenderCustomer:
		confidence = 55
	default:
		return nil, nil
	}
	return &Result{
		DocumentType: domain.DocTypeGeneralCorrespondence,
		Confidence:   confidence,
		Method:       domain.ClassificationMethodKeyword,
		Source:       "sender:" + string(in.SenderCategory),
		Signals:      []string{"sender_category=" + string(in.SenderCategory)},
	}, nil
}
