package insight

import (
	"context"
	"sort"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/logger"
)

const (
	recentEmailCap  = 10
	arrivalWindow   = 3 * 24 * time.Hour
	amendmentWindow = 14 * 24 * time.Hour
)

// contextGatherer assembles everything the detectors and the AI analyzer
// see about one shipment. Every sub-query is best-effort: a failed join
// leaves its slot empty and the detectors work with what arrived.
type contextGatherer struct {
	shipments out.ShipmentRepository
	links     out.LinkRepository
	workflow  out.WorkflowRepository
	emails    out.EmailRepository
	graph     out.PartyGraph
	log       *logger.Logger
}

func (g *contextGatherer) Gather(ctx context.Context, shipment *domain.Shipment) *domain.InsightContext {
	ic := &domain.InsightContext{Shipment: shipment, Now: time.Now()}

	links, err := g.links.ListByShipment(ctx, shipment.ID)
	if err != nil {
		g.log.WithField("shipment_id", shipment.ID).WithError(err).Warn("insight context: links unavailable")
	} else {
		ic.Links = links
	}

	transitions, err := g.workflow.ListTransitions(ctx, shipment.ID)
	if err != nil {
		g.log.WithField("shipment_id", shipment.ID).WithError(err).Warn("insight context: transitions unavailable")
	} else {
		ic.Transitions = transitions
	}

	g.loadRecentEmails(ctx, ic)

	if shipment.ShipperName != nil || shipment.ConsigneeName != nil {
		related, err := g.shipments.CountActiveByParty(ctx, shipment.ShipperName, shipment.ConsigneeName)
		if err != nil {
			g.log.WithField("shipment_id", shipment.ID).WithError(err).Warn("insight context: related count unavailable")
		} else {
			ic.RelatedActiveShipments = related
		}
	}

	if shipment.ETA != nil {
		arrivals, err := g.shipments.CountArrivalsBetween(ctx,
			shipment.ETA.Add(-arrivalWindow), shipment.ETA.Add(arrivalWindow), shipment.ID)
		if err != nil {
			g.log.WithField("shipment_id", shipment.ID).WithError(err).Warn("insight context: arrival count unavailable")
		} else {
			ic.SameWeekArrivals = arrivals
		}
	}

	amendments, err := g.shipments.CountRevisionsSince(ctx, shipment.ID, ic.Now.Add(-amendmentWindow))
	if err != nil {
		g.log.WithField("shipment_id", shipment.ID).WithError(err).Warn("insight context: revision count unavailable")
	} else {
		ic.AmendmentCount = amendments
	}

	g.loadStakeholders(ctx, ic)
	return ic
}

// loadRecentEmails resolves the most recent linked emails (capped) and
// derives the last inbound/outbound timestamps across them.
func (g *contextGatherer) loadRecentEmails(ctx context.Context, ic *domain.InsightContext) {
	links := make([]*domain.ShipmentDocumentLink, len(ic.Links))
	copy(links, ic.Links)
	sort.Slice(links, func(i, j int) bool {
		return links[i].CreatedAt.After(links[j].CreatedAt)
	})
	if len(links) > recentEmailCap {
		links = links[:recentEmailCap]
	}

	for _, link := range links {
		email, err := g.emails.GetByID(ctx, link.EmailID)
		if err != nil {
			g.log.WithEmail(link.EmailID).WithError(err).Debug("insight context: linked email unavailable")
			continue
		}
		ic.RecentEmails = append(ic.RecentEmails, email.ToListItem())

		received := email.ReceivedAt
		switch email.Direction {
		case domain.DirectionInbound:
			if ic.LastInboundAt == nil || received.After(*ic.LastInboundAt) {
				t := received
				ic.LastInboundAt = &t
			}
		case domain.DirectionOutbound:
			if ic.LastOutboundAt == nil || received.After(*ic.LastOutboundAt) {
				t := received
				ic.LastOutboundAt = &t
			}
		}
	}
}

// loadStakeholders joins historical pair statistics from the party graph
// when one is wired; otherwise the standard-tier defaults apply.
func (g *contextGatherer) loadStakeholders(ctx context.Context, ic *domain.InsightContext) {
	shipment := ic.Shipment
	if g.graph == nil || shipment.ShipperName == nil || shipment.ConsigneeName == nil {
		ic.Stakeholders = &domain.StakeholderStats{ShipperTier: "standard"}
		return
	}
	stats, err := g.graph.PartyPairStats(ctx, *shipment.ShipperName, *shipment.ConsigneeName)
	if err != nil || stats == nil {
		if err != nil {
			g.log.WithField("shipment_id", shipment.ID).WithError(err).Warn("insight context: party graph unavailable")
		}
		ic.Stakeholders = &domain.StakeholderStats{ShipperTier: "standard"}
		return
	}
	if stats.ShipperTier == "" {
		stats.ShipperTier = "standard"
	}
	ic.Stakeholders = stats
}
