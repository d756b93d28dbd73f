package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/resilience"
)

// =============================================================================
// Neo4j Party Graph Adapter
// =============================================================================

// highTierShipmentCount is the pair volume at which a shipper counts as a
// high-tier relationship.
const highTierShipmentCount = 10

// PartyGraphAdapter implements out.PartyGraph using Neo4j. Each recorded
// shipment bumps the SHIPS_TO edge between its shipper and consignee; the
// insight gatherer reads the pair's accumulated history back.
type PartyGraphAdapter struct {
	driver  neo4j.DriverWithContext
	dbName  string
	breaker *resilience.CircuitBreaker
}

// NewPartyGraphAdapter creates a new Neo4j party graph adapter.
func NewPartyGraphAdapter(driver neo4j.DriverWithContext, dbName string) *PartyGraphAdapter {
	return &PartyGraphAdapter{
		driver:  driver,
		dbName:  dbName,
		breaker: resilience.New(resilience.DefaultConfig("party_graph")),
	}
}

// EnsureIndexes creates necessary indexes and constraints.
func (a *PartyGraphAdapter) EnsureIndexes(ctx context.Context) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	queries := []string{
		`CREATE CONSTRAINT party_name_unique IF NOT EXISTS FOR (p:Party) REQUIRE p.name IS UNIQUE`,
		`CREATE INDEX party_role_idx IF NOT EXISTS FOR (p:Party) ON (p.last_role)`,
		`CREATE CONSTRAINT carrier_code_unique IF NOT EXISTS FOR (c:Carrier) REQUIRE c.code IS UNIQUE`,
	}

	for _, query := range queries {
		_, err := session.Run(ctx, query, nil)
		if err != nil {
			// Ignore if already exists
			continue
		}
	}

	return nil
}

// RecordShipmentParties mirrors one shipment's party pair into the graph.
// Shipments missing either party name are skipped; the mirror is additive
// and never blocks the pipeline.
func (a *PartyGraphAdapter) RecordShipmentParties(ctx context.Context, shipment *domain.Shipment) error {
	shipper := derefName(shipment.ShipperName)
	consignee := derefName(shipment.ConsigneeName)
	if shipper == "" || consignee == "" {
		return nil
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	query := `
		MERGE (s:Party {name: $shipper})
		ON CREATE SET s.created_at = timestamp()
		SET s.last_role = 'shipper', s.updated_at = timestamp()
		MERGE (c:Party {name: $consignee})
		ON CREATE SET c.created_at = timestamp()
		SET c.last_role = 'consignee', c.updated_at = timestamp()
		MERGE (s)-[r:SHIPS_TO]->(c)
		ON CREATE SET r.shipment_count = 1, r.created_at = timestamp()
		ON MATCH SET r.shipment_count = r.shipment_count + 1
		SET r.last_booking_number = $bookingNumber,
			r.last_carrier_code = $carrierCode,
			r.last_route = $route,
			r.updated_at = timestamp()
	`

	params := map[string]interface{}{
		"shipper":       shipper,
		"consignee":     consignee,
		"bookingNumber": shipment.BookingNumber,
		"carrierCode":   derefName(shipment.CarrierCode),
		"route":         routeKey(shipment),
	}

	err := a.breaker.Execute(func() error {
		_, err := session.Run(ctx, query, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record shipment parties: %w", err)
	}

	if carrierCode := derefName(shipment.CarrierCode); carrierCode != "" {
		carrierQuery := `
			MATCH (s:Party {name: $shipper})
			MERGE (cr:Carrier {code: $carrierCode})
			MERGE (s)-[b:BOOKS_WITH]->(cr)
			ON CREATE SET b.booking_count = 1
			ON MATCH SET b.booking_count = b.booking_count + 1
			SET b.updated_at = timestamp()
		`
		err := a.breaker.Execute(func() error {
			_, err := session.Run(ctx, carrierQuery, map[string]interface{}{
				"shipper":     shipper,
				"carrierCode": carrierCode,
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to record carrier booking: %w", err)
		}
	}

	return nil
}

// PartyPairStats reads the pair's accumulated history. An unseen pair
// returns standard-tier zeros rather than an error. The delay and rollover
// aggregates are written onto the edge by the analytics refresher and read
// back as-is here.
func (a *PartyGraphAdapter) PartyPairStats(ctx context.Context, shipperName, consigneeName string) (*domain.StakeholderStats, error) {
	stats := &domain.StakeholderStats{ShipperTier: "standard"}
	if shipperName == "" || consigneeName == "" {
		return stats, nil
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.dbName})
	defer session.Close(ctx)

	query := `
		MATCH (s:Party {name: $shipper})-[r:SHIPS_TO]->(c:Party {name: $consignee})
		RETURN r.shipment_count AS shipment_count,
			   r.avg_si_delay_hours AS avg_si_delay_hours,
			   r.rollover_rate AS rollover_rate,
			   r.route_avg_delay_days AS route_avg_delay_days
	`

	err := a.breaker.Execute(func() error {
		result, err := session.Run(ctx, query, map[string]interface{}{
			"shipper":   shipperName,
			"consignee": consigneeName,
		})
		if err != nil {
			return err
		}

		if result.Next(ctx) {
			record := result.Record()
			if getIntValue(record, "shipment_count") >= highTierShipmentCount {
				stats.ShipperTier = "high"
			}
			stats.ShipperAvgSIDelayHrs = getFloatValue(record, "avg_si_delay_hours")
			stats.CarrierRolloverRate = getFloatValue(record, "rollover_rate")
			stats.RouteAvgDelayDays = getFloatValue(record, "route_avg_delay_days")
		}
		return result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get party pair stats: %w", err)
	}

	return stats, nil
}

// =============================================================================
// Record Helpers
// =============================================================================

func getIntValue(record *neo4j.Record, key string) int {
	if val, ok := record.Get(key); ok && val != nil {
		switch v := val.(type) {
		case int64:
			return int(v)
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return 0
}

func getFloatValue(record *neo4j.Record, key string) float64 {
	if val, ok := record.Get(key); ok && val != nil {
		switch v := val.(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		}
	}
	return 0
}

func derefName(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func routeKey(shipment *domain.Shipment) string {
	pol := derefName(shipment.PortOfLoadingCode)
	pod := derefName(shipment.PortOfDischargeCode)
	if pol == "" && pod == "" {
		return ""
	}
	return pol + "-" + pod
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.PartyGraph = (*PartyGraphAdapter)(nil)
