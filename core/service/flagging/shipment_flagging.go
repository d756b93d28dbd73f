// Package flagging implements the deterministic triage stage that runs before
// any classification or LLM spend: response detection, subject cleaning,
// direction, true-sender recovery, thread position, content hashing, and
// attachment business/signature flags.
package flagging

import (
	"context"
	"regexp"
	"strings"
	"time"

	"shipment_worker/core/domain"
	"shipment_worker/core/port/out"
	"shipment_worker/pkg/apperr"
	"shipment_worker/pkg/logger"
)

// =============================================================================
// Subject / body patterns
// =============================================================================

// replyPrefixRe strips one leading reply/forward prefix. Covers the common
// locale variants seen in carrier traffic: AW/WG (German), SV/VS (Nordic),
// RV (Spanish), TR (French forward), RES/ENC (Portuguese), Antw (Dutch),
// plus CJK reply/forward markers. Applied repeatedly until stable.
var replyPrefixRe = regexp.MustCompile(`^\s*(?i:re|fw|fwd|aw|wg|sv|vs|rv|tr|res|enc|antw|vb|回复|回覆|转发|轉發|답장|전달)\s*(?:\[\d+\]|\(\d+\))?\s*[::]\s*`)

// quotedHeaderRes detect a leading quoted header block: the body opens with
// forwarded-message separators, a quoted From: header, or an "On ... wrote:"
// attribution line.
var quotedHeaderRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^-{2,}\s*original message\s*-{2,}`),
	regexp.MustCompile(`(?i)^-{2,}\s*forwarded message\s*-{2,}`),
	regexp.MustCompile(`(?i)^>?\s*from:\s*.+@`),
	regexp.MustCompile(`(?i)^on .{8,80} wrote:\s*$`),
}

// fromLineRe finds forwarded-message From: headers inside the body; the first
// one carries the pre-forward sender.
var fromLineRe = regexp.MustCompile(`(?im)^\s*>?\s*\*?from:?\*?\s*(.+)$`)

// addressRe extracts a bare address out of a From: line in either
// "Name <addr>" or bare form.
var addressRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// =============================================================================
// Attachment patterns
// =============================================================================

// isBusinessMime is checked first; businessExtensions is the fallback for
// sources that send generic octet-stream types.
func isBusinessMime(mime string) bool {
	switch mime {
	case "application/pdf",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel",
		"application/vnd.ms-excel.sheet.macroenabled.12",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/msword",
		"text/csv",
		"application/csv":
		return true
	}
	return false
}

var businessExtensions = map[string]bool{
	".pdf": true, ".xlsx": true, ".xls": true, ".docx": true,
	".doc": true, ".csv": true, ".xlsm": true,
}

// signatureNameRes match filenames that are almost always signature art:
// inline-image artefacts, social icons, logos, banner/footer strips.
var signatureNameRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(image|img|inline|unnamed|att|cid|ole|outlook)[\w\-]*\.(png|jpe?g|gif|bmp)$`),
	regexp.MustCompile(`(?i)(signature|sig[_\-]?img|logo|icon)`),
	regexp.MustCompile(`(?i)(facebook|twitter|linkedin|instagram|youtube|whatsapp)`),
	regexp.MustCompile(`(?i)^(banner|footer|header|divider|spacer)`),
}

// genericImageNameRe is the size-gated rule: small images with throwaway
// names are signature noise even when no explicit pattern matches.
var genericImageNameRe = regexp.MustCompile(`(?i)^(image|img|inline|unnamed|attachment|photo|picture)[\-_ ]?\d*\.(png|jpe?g|gif|bmp)$`)

const signatureMaxBytes = 500 * 1024

// Attachment flag write-back batching.
const (
	flagBatchSize  = 100
	flagBatchPause = 50 * time.Millisecond
)

// =============================================================================
// Service
// =============================================================================

// Deps wires the flagging service.
type Deps struct {
	Emails      out.EmailRepository
	Attachments out.AttachmentRepository
	OwnDomains  []string // forwarder domains, lowercase
}

// Service computes and persists flags. All computation is pure; only the
// write-back can fail.
type Service struct {
	emails      out.EmailRepository
	attachments out.AttachmentRepository
	ownDomains  []string
	log         *logger.Logger
}

func NewService(deps Deps) *Service {
	domains := make([]string, 0, len(deps.OwnDomains))
	for _, d := range deps.OwnDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains = append(domains, d)
		}
	}
	return &Service{
		emails:      deps.Emails,
		attachments: deps.Attachments,
		ownDomains:  domains,
		log:         logger.WithStage(string(domain.StageFlagging)),
	}
}

// FlagEmail derives the FlaggedEmail overlay without touching storage.
// Thread position needs one repository read; everything else is computed
// from the row itself.
func (s *Service) FlagEmail(ctx context.Context, email *domain.RawEmail) (*domain.FlaggedEmail, error) {
	stripped := stripReplyPrefixes(email.Subject)
	cleanSubject := domain.NormalizeWhitespace(stripped)

	isResponse := stripped != strings.TrimSpace(email.Subject) ||
		hasInReplyTo(email) ||
		leadsWithQuotedHeader(email.BodyText)

	flagged := &domain.FlaggedEmail{
		Email:        email,
		IsResponse:   isResponse,
		CleanSubject: cleanSubject,
		Direction:    s.direction(email.SenderEmail),
		ContentHash:  domain.ContentHash(cleanSubject, email.BodyText),
	}

	if isResponse {
		if addr := parseTrueSender(email.BodyText); addr != "" && !strings.EqualFold(addr, email.SenderEmail) {
			flagged.TrueSenderEmail = &addr
			// A forward relayed through our own mailbox keeps the original
			// sender's direction; the document still travels inbound.
			flagged.Direction = s.direction(addr)
		}
	}

	position, respondsTo, err := s.threadPosition(ctx, email, isResponse)
	if err != nil {
		return nil, err
	}
	flagged.ThreadPosition = position
	flagged.RespondsToEmailID = respondsTo

	return flagged, nil
}

// FlagAttachment derives the per-attachment flags. Pure.
func (s *Service) FlagAttachment(att *domain.RawAttachment) *domain.FlaggedAttachment {
	return &domain.FlaggedAttachment{
		Attachment:         att,
		IsBusinessDocument: isBusinessDocument(att),
		IsSignatureImage:   isSignatureImage(att),
		FlaggedAt:          time.Now(),
	}
}

// Run flags the email and its attachments and persists everything: flags on
// both row kinds plus the recomputed business attachment count.
func (s *Service) Run(ctx context.Context, email *domain.RawEmail, atts []*domain.RawAttachment) (*domain.FlaggedEmail, []*domain.FlaggedAttachment, error) {
	flagged, err := s.FlagEmail(ctx, email)
	if err != nil {
		return nil, nil, err
	}

	flaggedAtts := make([]*domain.FlaggedAttachment, 0, len(atts))
	businessCount := 0
	for _, att := range atts {
		fa := s.FlagAttachment(att)
		if fa.IsBusinessDocument {
			businessCount++
		}
		flaggedAtts = append(flaggedAtts, fa)
	}

	if err := s.persist(ctx, flagged, flaggedAtts, businessCount); err != nil {
		return nil, nil, err
	}
	return flagged, flaggedAtts, nil
}

func (s *Service) persist(ctx context.Context, flagged *domain.FlaggedEmail, atts []*domain.FlaggedAttachment, businessCount int) error {
	email := flagged.Email
	now := time.Now()

	email.IsResponse = flagged.IsResponse
	email.CleanSubject = flagged.CleanSubject
	email.Direction = flagged.Direction
	email.TrueSenderEmail = flagged.TrueSenderEmail
	email.ThreadPosition = flagged.ThreadPosition
	email.RespondsToEmailID = flagged.RespondsToEmailID
	email.ContentHash = flagged.ContentHash
	email.FlaggedAt = &now
	email.BusinessAttachmentCount = businessCount

	if err := s.emails.UpdateFlags(ctx, email); err != nil {
		return apperr.DatabaseError("update email flags", err).WithStage(string(domain.StageFlagging))
	}
	if err := s.emails.SetBusinessAttachmentCount(ctx, email.ID, businessCount); err != nil {
		return apperr.DatabaseError("update business attachment count", err).WithStage(string(domain.StageFlagging))
	}

	// Attachment write-back is chunked so a mailbox full of scans does not
	// hold one long transaction.
	rows := make([]*domain.RawAttachment, 0, len(atts))
	for _, fa := range atts {
		att := fa.Attachment
		att.IsBusinessDocument = fa.IsBusinessDocument
		att.IsSignatureImage = fa.IsSignatureImage
		att.FlaggedAt = &fa.FlaggedAt
		rows = append(rows, att)
	}
	for start := 0; start < len(rows); start += flagBatchSize {
		end := start + flagBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.attachments.UpdateFlagsBatch(ctx, rows[start:end]); err != nil {
			return apperr.DatabaseError("update attachment flags", err).WithStage(string(domain.StageFlagging))
		}
		if end < len(rows) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(flagBatchPause):
			}
		}
	}

	s.log.WithEmail(email.ID).Debug("flagged email: response=%v direction=%s attachments=%d business=%d",
		flagged.IsResponse, flagged.Direction, len(atts), businessCount)
	return nil
}

// threadPosition counts prior messages in the thread. For responses the
// thread is loaded so the replied-to row can be identified; otherwise a
// count query suffices.
func (s *Service) threadPosition(ctx context.Context, email *domain.RawEmail, isResponse bool) (int, *int64, error) {
	if email.ThreadID == "" {
		return 1, nil, nil
	}

	if !isResponse {
		prior, err := s.emails.CountPriorInThread(ctx, email.ThreadID, email.ReceivedAt)
		if err != nil {
			return 0, nil, apperr.DatabaseError("count thread position", err).WithStage(string(domain.StageFlagging))
		}
		return prior + 1, nil, nil
	}

	siblings, err := s.emails.ListByThread(ctx, email.ThreadID)
	if err != nil {
		return 0, nil, apperr.DatabaseError("load thread", err).WithStage(string(domain.StageFlagging))
	}
	prior := 0
	var latest *domain.RawEmail
	for _, sib := range siblings {
		if sib.ID == email.ID || !sib.ReceivedAt.Before(email.ReceivedAt) {
			continue
		}
		prior++
		if latest == nil || sib.ReceivedAt.After(latest.ReceivedAt) {
			latest = sib
		}
	}
	var respondsTo *int64
	if latest != nil {
		id := latest.ID
		respondsTo = &id
	}
	return prior + 1, respondsTo, nil
}

func (s *Service) direction(senderEmail string) domain.Direction {
	senderDomain := domain.EmailDomain(senderEmail)
	if senderDomain == "" {
		return domain.DirectionInbound
	}
	for _, own := range s.ownDomains {
		if senderDomain == own || strings.HasSuffix(senderDomain, "."+own) {
			return domain.DirectionOutbound
		}
	}
	return domain.DirectionInbound
}

// =============================================================================
// Pure helpers
// =============================================================================

func stripReplyPrefixes(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		loc := replyPrefixRe.FindStringIndex(s)
		if loc == nil {
			return s
		}
		s = s[loc[1]:]
	}
}

func hasInReplyTo(email *domain.RawEmail) bool {
	if email.InReplyTo != nil && strings.TrimSpace(*email.InReplyTo) != "" {
		return true
	}
	return strings.TrimSpace(email.HeaderValue("In-Reply-To")) != ""
}

// leadsWithQuotedHeader checks the first few non-empty lines for a quoted
// header block. Greetings above the quote are tolerated.
func leadsWithQuotedHeader(body string) bool {
	checked := 0
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, re := range quotedHeaderRes {
			if re.MatchString(line) {
				return true
			}
		}
		checked++
		if checked >= 8 {
			return false
		}
	}
	return false
}

// parseTrueSender pulls the pre-forward sender out of the first quoted
// From: header. Empty when the body carries no parsable address.
func parseTrueSender(body string) string {
	m := fromLineRe.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	addr := addressRe.FindString(m[1])
	return strings.ToLower(addr)
}

func isBusinessDocument(att *domain.RawAttachment) bool {
	mime := strings.ToLower(strings.TrimSpace(att.MimeType))
	if isBusinessMime(mime) {
		return true
	}
	name := strings.ToLower(att.Filename)
	if i := strings.LastIndex(name, "."); i >= 0 {
		return businessExtensions[name[i:]]
	}
	return false
}

func isSignatureImage(att *domain.RawAttachment) bool {
	mime := strings.ToLower(strings.TrimSpace(att.MimeType))
	if !strings.HasPrefix(mime, "image/") {
		return false
	}
	name := strings.ToLower(strings.TrimSpace(att.Filename))
	for _, re := range signatureNameRes {
		if re.MatchString(name) {
			return true
		}
	}
	return att.SizeBytes < signatureMaxBytes && genericImageNameRe.MatchString(name)
}
