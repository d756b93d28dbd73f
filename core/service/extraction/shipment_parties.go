package extraction

import (
	"regexp"
	"strings"

	"shipment_worker/core/domain"
)

// =============================================================================
// Party block extraction
// =============================================================================

// SI drafts and house bills lay parties out as heading blocks:
//
//	SHIPPER
//	ACME EXPORTS PVT LTD
//	PLOT 12, MIDC INDUSTRIAL AREA
//	MUMBAI 400093, INDIA
//
// or inline as "Shipper: ACME EXPORTS PVT LTD". The heading must be followed
// by a separator or end the line, so "SHIPPER'S LOAD AND COUNT" boilerplate
// is not a heading.
var partyHeadingRe = regexp.MustCompile(`(?im)^[ \t]*(shipper|consignee|notify(?:[ \t]+party)?)[ \t]*(?:[:\-][ \t]*(\S.*))?[ \t]*$`)

const (
	partyNameMax    = 120
	partyAddressMax = 240
	partyBlockLines = 5
)

// extractParties parses shipper/consignee/notify blocks out of document
// text. Blocks naming the forwarder itself are skipped: the forwarder
// appears on every house bill and is never the customer-of-record.
func extractParties(text, forwarderCompany string, data *domain.ExtractedDocumentData) {
	if text == "" {
		return
	}
	if len(text) > labelScanLimit {
		text = text[:labelScanLimit]
	}

	matches := partyHeadingRe.FindAllStringSubmatchIndex(text, -1)
	for i, m := range matches {
		heading := strings.ToLower(normalizeHeading(text[m[2]:m[3]]))

		var inline string
		if m[4] >= 0 {
			inline = strings.TrimSpace(text[m[4]:m[5]])
		}

		blockEnd := len(text)
		if i+1 < len(matches) {
			blockEnd = matches[i+1][0]
		}

		party := parsePartyBlock(inline, text[m[1]:blockEnd])
		if party == nil || party.MatchesCompany(forwarderCompany) {
			continue
		}

		switch heading {
		case "shipper":
			if data.Shipper == nil {
				data.Shipper = party
				recordParty(data, domain.EntityShipperName, domain.EntityShipperAddress, party)
			}
		case "consignee":
			if data.Consignee == nil {
				data.Consignee = party
				recordParty(data, domain.EntityConsigneeName, domain.EntityConsigneeAddress, party)
			}
		case "notify":
			if data.NotifyParty == nil {
				data.NotifyParty = party
				recordParty(data, domain.EntityNotifyPartyName, domain.EntityNotifyPartyAddress, party)
			}
		}
	}
}

func normalizeHeading(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if strings.HasPrefix(h, "notify") {
		return "notify"
	}
	return h
}

// parsePartyBlock builds a Party from the inline remainder or the lines
// following the heading. The first content line is the name; up to four
// further lines form the address.
func parsePartyBlock(inline, following string) *domain.Party {
	var lines []string
	if inline != "" {
		lines = append(lines, inline)
	}

	for _, raw := range strings.Split(following, "\n") {
		if len(lines) >= partyBlockLines {
			break
		}
		line := strings.TrimSpace(raw)
		if line == "" {
			if len(lines) > 0 {
				break // blank line closes an open block
			}
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil
	}

	name := domain.TruncateRunes(domain.NormalizeWhitespace(lines[0]), partyNameMax)
	if name == "" || !strings.ContainsAny(name, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		return nil
	}

	party := &domain.Party{Name: name}
	if len(lines) > 1 {
		addr := domain.TruncateRunes(strings.Join(lines[1:], ", "), partyAddressMax)
		if addr != "" {
			party.Address = &addr
		}
	}
	return party
}

func recordParty(data *domain.ExtractedDocumentData, nameType, addrType domain.EntityType, p *domain.Party) {
	if p == nil {
		return
	}
	data.Record(nameType, domain.ConfidenceFloorRegexBody, domain.ExtractionMethodRegexBody)
	data.RecordSource(nameType, "party-block")
	if addrType != "" && p.Address != nil {
		data.Record(addrType, domain.ConfidenceFloorRegexBody, domain.ExtractionMethodRegexBody)
		data.RecordSource(addrType, "party-block")
	}
}
