package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"shipment_worker/core/port/out"
	"shipment_worker/pkg/resilience"
)

// =============================================================================
// MongoDB Document Text Adapter
// =============================================================================

const (
	collectionAttachmentTexts = "attachment_texts"

	// Compression threshold - only compress if content is larger than this
	compressionThreshold = 1024 // 1KB
)

// DocumentTextAdapter implements out.DocumentTextStore using MongoDB. Full
// extracted attachment text lives here, keyed by attachment ID; the
// Postgres row keeps only a storage reference.
type DocumentTextAdapter struct {
	db         *mongo.Database
	collection *mongo.Collection
	breaker    *resilience.CircuitBreaker
}

// NewDocumentTextAdapter creates a new MongoDB document text adapter.
func NewDocumentTextAdapter(db *mongo.Database) *DocumentTextAdapter {
	collection := db.Collection(collectionAttachmentTexts)
	return &DocumentTextAdapter{
		db:         db,
		collection: collection,
		breaker:    resilience.New(resilience.DefaultConfig("document_text")),
	}
}

// EnsureIndexes creates necessary indexes for the collection.
func (a *DocumentTextAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "attachment_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "stored_at", Value: 1}},
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// =============================================================================
// Document Model
// =============================================================================

// textDocument represents the MongoDB document structure.
type textDocument struct {
	AttachmentID int64  `bson:"attachment_id"`
	Text         []byte `bson:"text"`
	IsCompressed bool   `bson:"is_compressed"`

	OriginalSize   int64 `bson:"original_size"`
	CompressedSize int64 `bson:"compressed_size"`

	StoredAt time.Time `bson:"stored_at"`
}

// =============================================================================
// Operations
// =============================================================================

// SaveText stores one attachment's extracted text, replacing any previous
// version.
func (a *DocumentTextAdapter) SaveText(ctx context.Context, attachmentID int64, text string) error {
	doc, err := a.toDocument(attachmentID, text)
	if err != nil {
		return fmt.Errorf("failed to build text document: %w", err)
	}

	opts := options.Replace().SetUpsert(true)
	filter := bson.M{"attachment_id": attachmentID}

	err = a.breaker.Execute(func() error {
		_, err := a.collection.ReplaceOne(ctx, filter, doc, opts)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save attachment text: %w", err)
	}

	return nil
}

// GetText returns the stored text, or "" when the attachment has none.
func (a *DocumentTextAdapter) GetText(ctx context.Context, attachmentID int64) (string, error) {
	var doc textDocument
	filter := bson.M{"attachment_id": attachmentID}

	miss := false
	err := a.breaker.Execute(func() error {
		err := a.collection.FindOne(ctx, filter).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			// A miss is a normal outcome, not a store failure.
			miss = true
			return nil
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to get attachment text: %w", err)
	}
	if miss {
		return "", nil
	}

	return a.toText(&doc)
}

// GetTexts fetches a batch; attachments with no stored text are simply
// absent from the map.
func (a *DocumentTextAdapter) GetTexts(ctx context.Context, attachmentIDs []int64) (map[int64]string, error) {
	if len(attachmentIDs) == 0 {
		return make(map[int64]string), nil
	}

	filter := bson.M{"attachment_id": bson.M{"$in": attachmentIDs}}

	result := make(map[int64]string, len(attachmentIDs))
	err := a.breaker.Execute(func() error {
		cursor, err := a.collection.Find(ctx, filter)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc textDocument
			if err := cursor.Decode(&doc); err != nil {
				return fmt.Errorf("failed to decode attachment text: %w", err)
			}

			text, err := a.toText(&doc)
			if err != nil {
				return fmt.Errorf("failed to read text %d: %w", doc.AttachmentID, err)
			}
			result[doc.AttachmentID] = text
		}

		return cursor.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment texts: %w", err)
	}

	return result, nil
}

// DeleteText removes one attachment's text.
func (a *DocumentTextAdapter) DeleteText(ctx context.Context, attachmentID int64) error {
	filter := bson.M{"attachment_id": attachmentID}

	err := a.breaker.Execute(func() error {
		_, err := a.collection.DeleteOne(ctx, filter)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete attachment text: %w", err)
	}

	return nil
}

// =============================================================================
// Conversion Helpers
// =============================================================================

func (a *DocumentTextAdapter) toDocument(attachmentID int64, text string) (*textDocument, error) {
	textBytes := []byte(text)
	originalSize := int64(len(textBytes))

	isCompressed := false
	compressedSize := originalSize

	// Compress if content is large enough
	if originalSize > compressionThreshold {
		compressed, err := compress(textBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to compress text: %w", err)
		}

		textBytes = compressed
		isCompressed = true
		compressedSize = int64(len(textBytes))
	}

	return &textDocument{
		AttachmentID:   attachmentID,
		Text:           textBytes,
		IsCompressed:   isCompressed,
		OriginalSize:   originalSize,
		CompressedSize: compressedSize,
		StoredAt:       time.Now().UTC(),
	}, nil
}

func (a *DocumentTextAdapter) toText(doc *textDocument) (string, error) {
	textBytes := doc.Text

	// Decompress if needed
	if doc.IsCompressed {
		var err error
		textBytes, err = decompress(doc.Text)
		if err != nil {
			return "", fmt.Errorf("failed to decompress text: %w", err)
		}
	}

	return string(textBytes), nil
}

// =============================================================================
// Compression Helpers
// =============================================================================

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.DocumentTextStore = (*DocumentTextAdapter)(nil)
