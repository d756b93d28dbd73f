// Package extraction pulls structured shipment fields out of a classified
// email: identifiers via carrier-aware regexes, voyage data and cutoffs via
// key-value label tables, and party blocks for SI drafts and house bills.
// Extraction is schema-first and deterministic: the same input always yields
// the same entity set.
package extraction

import (
	"strings"

	"shipment_worker/core/domain"
)

// =============================================================================
// Extractor input
// =============================================================================

// Input carries everything one extraction run may look at. AttachmentText is
// the concatenated text layer of business attachments; empty when the PDF
// extractor has not caught up yet.
type Input struct {
	Email          *domain.RawEmail
	Flags          *domain.FlaggedEmail
	AttachmentText string

	// Resolved before extraction runs
	CarrierCode  string
	DocumentType domain.DocumentType
}

// CleanSubject returns the prefix-stripped subject, falling back to the raw
// subject when flagging has not run.
func (in *Input) CleanSubject() string {
	if in.Flags != nil && in.Flags.CleanSubject != "" {
		return in.Flags.CleanSubject
	}
	return in.Email.Subject
}

// FullText joins subject, body, and attachment text for the schema pass.
// Identifier formats are position-independent; labels are not, so the
// key-value pass scans body and attachment text separately.
func (in *Input) FullText() string {
	var b strings.Builder
	b.Grow(len(in.Email.Subject) + len(in.Email.BodyText) + len(in.AttachmentText) + 2)
	b.WriteString(in.CleanSubject())
	b.WriteByte('\n')
	b.WriteString(in.Email.BodyText)
	if in.AttachmentText != "" {
		b.WriteByte('\n')
		b.WriteString(in.AttachmentText)
	}
	return b.String()
}

// WantsParties reports whether this document type carries authoritative
// shipper/consignee/notify blocks.
func (in *Input) WantsParties() bool {
	return in.DocumentType.UpdatesParties()
}
