package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sweetspot/orders-api/internal/domain"
	pfirestore "github.com/sweetspot/orders-api/internal/platform/firestore"
)

const gatewayEventsCollection = "gateway_events"

type gatewayEventDocument struct {
	GatewayOrderID string    `firestore:"gatewayOrderId"`
	EventType      string    `firestore:"eventType"`
	Amount         int64     `firestore:"amount"`
	Currency       string    `firestore:"currency"`
	Status         string    `firestore:"status"`
	ReceivedAt     time.Time `firestore:"receivedAt"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

// GatewayEventRepository stores webhook notifications keyed by gateway payment
// id. Re-delivered events overwrite the same document, so intake is idempotent.
type GatewayEventRepository struct {
	events *pfirestore.BaseRepository[gatewayEventDocument]
}

// NewGatewayEventRepository constructs a Firestore-backed gateway event store.
func NewGatewayEventRepository(provider *pfirestore.Provider) (*GatewayEventRepository, error) {
	if provider == nil {
		return nil, errors.New("gateway event repository requires firestore provider")
	}
	return &GatewayEventRepository{
		events: pfirestore.NewBaseRepository[gatewayEventDocument](provider, gatewayEventsCollection, nil, nil),
	}, nil
}

// Record upserts the event under its payment id.
func (r *GatewayEventRepository) Record(ctx context.Context, event domain.GatewayEvent) error {
	if r == nil || r.events == nil {
		return errors.New("gateway event repository not initialised")
	}
	paymentID := strings.TrimSpace(event.PaymentID)
	if paymentID == "" {
		return pfirestore.WrapError("gateway_events.record", status.Error(codes.InvalidArgument, "payment id is required"))
	}
	doc := gatewayEventDocument{
		GatewayOrderID: event.GatewayOrderID,
		EventType:      event.EventType,
		Amount:         event.AmountMinor,
		Currency:       strings.ToUpper(strings.TrimSpace(event.Currency)),
		Status:         string(event.Status),
		ReceivedAt:     event.ReceivedAt.UTC(),
		UpdatedAt:      event.UpdatedAt.UTC(),
	}
	if doc.Status == "" {
		doc.Status = string(domain.GatewayEventRecorded)
	}
	_, err := r.events.Set(ctx, paymentID, doc)
	return err
}

// FindByPaymentID fetches a single recorded event.
func (r *GatewayEventRepository) FindByPaymentID(ctx context.Context, paymentID string) (domain.GatewayEvent, error) {
	if r == nil || r.events == nil {
		return domain.GatewayEvent{}, errors.New("gateway event repository not initialised")
	}
	doc, err := r.events.Get(ctx, strings.TrimSpace(paymentID))
	if err != nil {
		return domain.GatewayEvent{}, err
	}
	return decodeGatewayEvent(doc.ID, doc.Data), nil
}

// ListUnmatched returns recorded events older than the cutoff that have not
// been tied to an order.
func (r *GatewayEventRepository) ListUnmatched(ctx context.Context, cutoff time.Time, limit int) ([]domain.GatewayEvent, error) {
	if r == nil || r.events == nil {
		return nil, errors.New("gateway event repository not initialised")
	}
	if limit < 1 {
		limit = 50
	}
	docs, err := r.events.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("status", "==", string(domain.GatewayEventRecorded)).
			Where("receivedAt", "<", cutoff.UTC()).
			OrderBy("receivedAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	events := make([]domain.GatewayEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, decodeGatewayEvent(doc.ID, doc.Data))
	}
	return events, nil
}

// UpdateStatus marks an event matched or orphaned.
func (r *GatewayEventRepository) UpdateStatus(ctx context.Context, paymentID string, eventStatus domain.GatewayEventStatus, at time.Time) error {
	if r == nil || r.events == nil {
		return errors.New("gateway event repository not initialised")
	}
	_, err := r.events.Update(ctx, strings.TrimSpace(paymentID), []firestore.Update{
		{Path: "status", Value: string(eventStatus)},
		{Path: "updatedAt", Value: at.UTC()},
	})
	return err
}

func decodeGatewayEvent(paymentID string, doc gatewayEventDocument) domain.GatewayEvent {
	return domain.GatewayEvent{
		PaymentID:      paymentID,
		GatewayOrderID: doc.GatewayOrderID,
		EventType:      doc.EventType,
		AmountMinor:    doc.Amount,
		Currency:       doc.Currency,
		Status:         domain.GatewayEventStatus(doc.Status),
		ReceivedAt:     doc.ReceivedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}
