package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"shipment_worker/core/port/out"
)

const classifySystemPrompt = `You classify freight forwarding emails. Analyze the email and respond with JSON only.

Document types (pick ONE):
- booking_confirmation: carrier confirms vessel space and equipment for a booking
- booking_amendment: change to an existing booking (dates, vessel, equipment)
- booking_cancellation: booking cancelled
- shipping_instruction: shipping instruction document
- si_draft: draft SI circulated for review
- si_submission: SI submitted to the carrier
- si_confirmation: carrier acknowledges SI receipt
- vgm_submission: verified gross mass filed
- vgm_confirmation: carrier acknowledges VGM
- bill_of_lading: master bill of lading issued
- bl_draft: draft MBL for checking
- hbl: house bill of lading issued
- hbl_draft: draft HBL for checking
- arrival_notice: carrier/agent notice of vessel arrival
- delivery_order: release order for cargo pickup
- customs_entry: customs entry filing
- entry_summary: CBP form 7501 entry summary
- duty_invoice: duty/tax invoice
- invoice: commercial or freight invoice
- exception_notice: rollover, delay, hold or other disruption
- pod: proof of delivery
- general_correspondence: conversation with no workflow document
- unknown: cannot determine

Email types (pick ONE): confirmation, amendment, cancellation, request,
submission, correspondence, notification, exception, instruction, draft_review

Confidence: 0-80. Be conservative; use 80 only when the email is unambiguous.
Sentiment: -1.0 (angry/escalating) to 1.0 (positive). 0 is neutral.
is_urgent: true only for explicit urgency (deadline today, cargo held, vessel cutoff at risk).

Respond with this exact JSON format:
{
  "document_type": "type_name",
  "email_type": "type_name",
  "confidence": 0-80,
  "sentiment": -1.0 to 1.0,
  "is_urgent": true/false,
  "reasoning": "one short sentence"
}`

// ClassifyDocument asks the model for a document verdict. The caller caps
// and re-validates confidence; this layer only guarantees a well-formed
// result or an error.
func (c *Client) ClassifyDocument(ctx context.Context, email *out.EmailForAnalysis) (*out.AIDocumentClassification, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s (domain: %s, direction: %s)\n", email.SenderEmail, email.SenderDomain, email.Direction)
	fmt.Fprintf(&sb, "Subject: %s\n", email.Subject)
	if len(email.Filenames) > 0 {
		fmt.Fprintf(&sb, "Attachments: %s\n", strings.Join(email.Filenames, ", "))
	}
	fmt.Fprintf(&sb, "\nBody:\n%s", truncateBody(email.BodyText, 2000))
	if email.AttachmentText != "" {
		fmt.Fprintf(&sb, "\n\nAttachment text:\n%s", truncateBody(email.AttachmentText, 1500))
	}

	key := fmt.Sprintf("classify:%d", email.EmailID)
	resp, err := c.completeJSON(ctx, key, classifySystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var result out.AIDocumentClassification
	if err := json.Unmarshal([]byte(resp.Content), &result); err != nil {
		return nil, fmt.Errorf("parse classification response: %w", err)
	}

	result.ModelUsed = resp.Model
	result.TokensUsed = resp.PromptTokens + resp.CompletionTokens
	return &result, nil
}
