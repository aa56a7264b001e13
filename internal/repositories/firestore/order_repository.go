package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sweetspot/orders-api/internal/domain"
	pfirestore "github.com/sweetspot/orders-api/internal/platform/firestore"
	"github.com/sweetspot/orders-api/internal/repositories"
)

const ordersCollection = "orders"

type orderLineDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
	Total     int64  `firestore:"total"`
}

type orderAddressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      string  `firestore:"state"`
	PostalCode string  `firestore:"postalCode"`
	Phone      string  `firestore:"phone"`
}

type orderPaymentDocument struct {
	Provider         string    `firestore:"provider"`
	GatewayOrderID   string    `firestore:"gatewayOrderId"`
	GatewayPaymentID string    `firestore:"gatewayPaymentId"`
	VerifiedAt       time.Time `firestore:"verifiedAt"`
}

type orderDocument struct {
	OrderNumber   string                `firestore:"orderNumber"`
	CustomerID    string                `firestore:"customerId"`
	CustomerEmail string                `firestore:"customerEmail"`
	Status        string                `firestore:"status"`
	PaymentMethod string                `firestore:"paymentMethod"`
	Currency      string                `firestore:"currency"`
	Items         []orderLineDocument   `firestore:"items"`
	Subtotal      int64                 `firestore:"subtotal"`
	DeliveryFee   int64                 `firestore:"deliveryFee"`
	Tax           int64                 `firestore:"tax"`
	Total         int64                 `firestore:"total"`
	Address       orderAddressDocument  `firestore:"address"`
	Payment       *orderPaymentDocument `firestore:"payment,omitempty"`
	CreatedBy     *string               `firestore:"createdBy,omitempty"`
	UpdatedBy     *string               `firestore:"updatedBy,omitempty"`
	CreatedAt     time.Time             `firestore:"createdAt"`
	UpdatedAt     time.Time             `firestore:"updatedAt"`
	CompletedAt   *time.Time            `firestore:"completedAt,omitempty"`
	CancelledAt   *time.Time            `firestore:"cancelledAt,omitempty"`
}

// OrderRepository implements repositories.OrderRepository backed by Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: base}, nil
}

// Insert stores a new order document. An existing id surfaces as a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return pfirestore.WrapError("orders.insert", status.Error(codes.InvalidArgument, "order id is required"))
	}

	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeOrder(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID fetches a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// ListByCustomer returns the customer's orders, newest first. The key matches
// either the account id or the email snapshot stored on the order.
func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	key := strings.TrimSpace(customerID)
	if key == "" {
		return nil, pfirestore.WrapError("orders.list_by_customer", status.Error(codes.InvalidArgument, "customer id is required"))
	}

	field := "customerId"
	if strings.Contains(key, "@") {
		field = "customerEmail"
		key = strings.ToLower(key)
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", key).OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeOrder(doc.ID, doc.Data))
	}
	return orders, nil
}

// ListPaged returns one page of orders, newest first, optionally filtered to a
// single status. Page numbers before the first or past the final page yield an
// empty slice, never an error.
func (r *OrderRepository) ListPaged(ctx context.Context, query repositories.OrderPageQuery) (domain.Page[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.Page[domain.Order]{}, errors.New("order repository not initialised")
	}

	page := query.Pagination.Page
	pageSize := query.Pagination.PageSize
	if pageSize < 1 {
		pageSize = 10
	}

	filter := func(q firestore.Query) firestore.Query {
		if query.Status != "" {
			q = q.Where("status", "==", string(query.Status))
		}
		return q
	}

	total, err := r.count(ctx, filter)
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	result := domain.Page[domain.Order]{
		Items:      []domain.Order{},
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
		TotalItems: total,
	}
	if total == 0 || page < 1 || page > totalPages {
		return result, nil
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = filter(q)
		return q.OrderBy("createdAt", firestore.Desc).
			Offset((page - 1) * pageSize).
			Limit(pageSize)
	})
	if err != nil {
		return domain.Page[domain.Order]{}, err
	}

	for _, doc := range docs {
		result.Items = append(result.Items, decodeOrder(doc.ID, doc.Data))
	}
	return result, nil
}

// UpdateStatus transitions the order inside a transaction. The read/compare/
// write sequence is atomic, so concurrent transitions serialise and the loser
// observes a conflict or a stale-status failure.
func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(update.OrderID)
	if orderID == "" {
		return domain.Order{}, pfirestore.WrapError("orders.update_status", status.Error(codes.InvalidArgument, "order id is required"))
	}

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", orderID, err)
		}
		if doc.Status != string(update.From) {
			return status.Errorf(codes.FailedPrecondition, "order %s is %s, expected %s", orderID, doc.Status, update.From)
		}

		at := update.At.UTC()
		doc.Status = string(update.To)
		doc.UpdatedAt = at
		if by := strings.TrimSpace(update.UpdatedBy); by != "" {
			doc.UpdatedBy = &by
		}
		switch update.To {
		case domain.OrderStatusCompleted:
			doc.CompletedAt = &at
		case domain.OrderStatusCancelled:
			doc.CancelledAt = &at
		}

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = decodeOrder(orderID, doc)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update_status", err)
	}
	return updated, nil
}

func (r *OrderRepository) count(ctx context.Context, filter func(firestore.Query) firestore.Query) (int64, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	query := filter(client.Collection(ordersCollection).Query)
	results, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("orders.count", err)
	}
	value, ok := results["total"]
	if !ok {
		return 0, pfirestore.WrapError("orders.count", errors.New("aggregation result missing count"))
	}
	count, ok := value.(*firestorepb.Value)
	if !ok {
		return 0, pfirestore.WrapError("orders.count", fmt.Errorf("unexpected aggregation value %T", value))
	}
	return count.GetIntegerValue(), nil
}

func encodeOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:   order.OrderNumber,
		CustomerID:    order.CustomerID,
		CustomerEmail: strings.ToLower(strings.TrimSpace(order.CustomerEmail)),
		Status:        string(order.Status),
		PaymentMethod: string(order.PaymentMethod),
		Currency:      order.Currency,
		Subtotal:      order.Totals.Subtotal,
		DeliveryFee:   order.Totals.DeliveryFee,
		Tax:           order.Totals.Tax,
		Total:         order.Totals.Total,
		Address: orderAddressDocument{
			Recipient:  order.Address.Recipient,
			Line1:      order.Address.Line1,
			Line2:      order.Address.Line2,
			City:       order.Address.City,
			State:      order.Address.State,
			PostalCode: order.Address.PostalCode,
			Phone:      order.Address.Phone,
		},
		CreatedBy:   order.Audit.CreatedBy,
		UpdatedBy:   order.Audit.UpdatedBy,
		CreatedAt:   order.CreatedAt.UTC(),
		UpdatedAt:   order.UpdatedAt.UTC(),
		CompletedAt: order.CompletedAt,
		CancelledAt: order.CancelledAt,
	}
	doc.Items = make([]orderLineDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderLineDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Total:     item.Total,
		})
	}
	if order.Payment != nil {
		doc.Payment = &orderPaymentDocument{
			Provider:         order.Payment.Provider,
			GatewayOrderID:   order.Payment.GatewayOrderID,
			GatewayPaymentID: order.Payment.GatewayPaymentID,
			VerifiedAt:       order.Payment.VerifiedAt.UTC(),
		}
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:            id,
		OrderNumber:   doc.OrderNumber,
		CustomerID:    doc.CustomerID,
		CustomerEmail: doc.CustomerEmail,
		Status:        domain.OrderStatus(doc.Status),
		PaymentMethod: domain.PaymentMethod(doc.PaymentMethod),
		Currency:      doc.Currency,
		Totals: domain.PriceBreakdown{
			Subtotal:    doc.Subtotal,
			DeliveryFee: doc.DeliveryFee,
			Tax:         doc.Tax,
			Total:       doc.Total,
		},
		Address: domain.Address{
			Recipient:  doc.Address.Recipient,
			Line1:      doc.Address.Line1,
			Line2:      doc.Address.Line2,
			City:       doc.Address.City,
			State:      doc.Address.State,
			PostalCode: doc.Address.PostalCode,
			Phone:      doc.Address.Phone,
		},
		Audit:       domain.OrderAudit{CreatedBy: doc.CreatedBy, UpdatedBy: doc.UpdatedBy},
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		CompletedAt: doc.CompletedAt,
		CancelledAt: doc.CancelledAt,
	}
	order.Items = make([]domain.OrderLineItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.OrderLineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Total:     item.Total,
		})
	}
	if doc.Payment != nil {
		order.Payment = &domain.OrderPayment{
			Provider:         doc.Payment.Provider,
			GatewayOrderID:   doc.Payment.GatewayOrderID,
			GatewayPaymentID: doc.Payment.GatewayPaymentID,
			VerifiedAt:       doc.Payment.VerifiedAt,
		}
	}
	return order
}
