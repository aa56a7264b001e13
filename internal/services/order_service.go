package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/width"

	domain "github.com/sweetspot/orders-api/internal/domain"
	"github.com/sweetspot/orders-api/internal/payments"
	"github.com/sweetspot/orders-api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderIDPrefix        = "ord_"
	defaultOrderCurrency = "INR"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderInvalidAddress indicates the delivery address failed validation.
	ErrOrderInvalidAddress = errors.New("order: invalid address")
	// ErrOrderPriceMismatch indicates a submitted unit price differs from the catalog.
	ErrOrderPriceMismatch = errors.New("order: price mismatch")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a concurrent transition won the race or a duplicate insert.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderPaymentRequired indicates a gateway order arrived without a verifiable confirmation.
	ErrOrderPaymentRequired = errors.New("order: payment confirmation required")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {domain.OrderStatusCompleted, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:    {domain.OrderStatusCompleted, domain.OrderStatusCancelled},
}

var postalCodePattern = regexp.MustCompile(`^[0-9]{6}$`)

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// PaymentVerifier is the slice of the gateway adapter the order service needs.
type PaymentVerifier interface {
	VerifyConfirmation(conf payments.Confirmation) error
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Catalog       repositories.CatalogRepository
	Counters      repositories.CounterRepository
	GatewayEvents repositories.GatewayEventRepository
	Pricing       *CartPricingEngine
	Gateway       PaymentVerifier
	Events        OrderEventPublisher
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
	// AllowGuestCOD permits unauthenticated cash-on-delivery checkout.
	AllowGuestCOD bool
	Currency      string
}

type orderService struct {
	orders        repositories.OrderRepository
	catalog       repositories.CatalogRepository
	counters      repositories.CounterRepository
	gatewayEvents repositories.GatewayEventRepository
	pricing       *CartPricingEngine
	gateway       PaymentVerifier
	events        OrderEventPublisher
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
	sanitize      *bluemonday.Policy
	allowGuestCOD bool
	currency      string
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order service: catalog repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("order service: pricing engine is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("order service: payment verifier is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultOrderCurrency
	}

	return &orderService{
		orders:        deps.Orders,
		catalog:       deps.Catalog,
		counters:      deps.Counters,
		gatewayEvents: deps.GatewayEvents,
		pricing:       deps.Pricing,
		gateway:       deps.Gateway,
		events:        deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:         idGen,
		logger:        logger,
		sanitize:      bluemonday.StrictPolicy(),
		allowGuestCOD: deps.AllowGuestCOD,
		currency:      currency,
	}, nil
}

// Create validates, prices, settles, and persists a new order. Nothing is
// written until every check has passed.
func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if !cmd.PaymentMethod.Valid() {
		return Order{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
	if customerID == "" {
		if !(s.allowGuestCOD && cmd.PaymentMethod == domain.PaymentMethodCOD) {
			return Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
		}
	}

	lines, err := s.validateLines(ctx, cmd.Lines)
	if err != nil {
		return Order{}, err
	}
	address, err := s.validateAddress(cmd.Address)
	if err != nil {
		return Order{}, err
	}

	breakdown, err := s.pricing.Price(lines)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	order := Order{
		ID:            orderIDPrefix + s.newID(),
		CustomerID:    customerID,
		CustomerEmail: strings.ToLower(strings.TrimSpace(cmd.CustomerEmail)),
		PaymentMethod: cmd.PaymentMethod,
		Currency:      s.currency,
		Items:         buildOrderLineItems(lines),
		Totals:        breakdown,
		Address:       address,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	switch cmd.PaymentMethod {
	case domain.PaymentMethodGateway:
		payment, err := s.verifyGatewayPayment(ctx, cmd.Confirmation, now)
		if err != nil {
			return Order{}, err
		}
		order.Status = domain.OrderStatusPaid
		order.Payment = payment
	case domain.PaymentMethodCOD:
		order.Status = domain.OrderStatusPending
	}

	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.CreatedBy = valuePtr(actor)
		order.Audit.UpdatedBy = valuePtr(actor)
	}

	number, err := s.generateOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}
	order.OrderNumber = number

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if order.Payment != nil {
		s.markGatewayEventMatched(ctx, order.Payment.GatewayPaymentID, now)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		ActorID:       cmd.ActorID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"paymentMethod": string(order.PaymentMethod),
			"total":         order.Totals.Total,
		},
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListCustomerOrders(ctx context.Context, customerID string) ([]Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	orders, err := s.orders.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderPageFilter) (domain.Page[Order], error) {
	query := repositories.OrderPageQuery{Pagination: filter.Pagination}
	if raw := strings.TrimSpace(filter.Status); raw != "" {
		normalized := domain.NormalizeOrderStatus(raw)
		if !normalized.Valid() {
			return domain.Page[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, raw)
		}
		query.Status = normalized
	}

	page, err := s.orders.ListPaged(ctx, query)
	if err != nil {
		return domain.Page[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// TransitionStatus moves an order to a new lifecycle state. The repository
// enforces the current-status precondition atomically, so of two racing
// transitions exactly one commits and the loser surfaces a conflict here.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := domain.NormalizeOrderStatus(cmd.TargetStatus)
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	if !canTransition(order.Status, target) {
		return Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, order.Status, target)
	}

	now := s.now()
	updated, err := s.orders.UpdateStatus(ctx, repositories.OrderStatusUpdate{
		OrderID:   orderID,
		From:      order.Status,
		To:        target,
		UpdatedBy: strings.TrimSpace(cmd.ActorID),
		At:        now,
	})
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	metadata := map[string]any{}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata["reason"] = reason
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(updated.Status),
		ActorID:        cmd.ActorID,
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return updated, nil
}

// validateLines checks shape and guards against client-side price tampering by
// comparing every submitted unit price with the catalog.
func (s *orderService) validateLines(ctx context.Context, lines []CartLine) ([]CartLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one line", ErrInvalidLineItem)
	}

	validated := make([]CartLine, 0, len(lines))
	for i, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: line %d missing product id", ErrInvalidLineItem, i)
		}
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: line %d has non-positive quantity", ErrInvalidLineItem, i)
		}
		if line.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: line %d has negative unit price", ErrInvalidLineItem, i)
		}

		product, err := s.catalog.GetProduct(ctx, productID)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return nil, fmt.Errorf("%w: line %d references unknown product %s", ErrInvalidLineItem, i, productID)
			}
			return nil, fmt.Errorf("order: catalog lookup: %w", err)
		}
		if !product.Available {
			return nil, fmt.Errorf("%w: line %d product %s is unavailable", ErrInvalidLineItem, i, productID)
		}
		if product.Price != line.UnitPrice {
			return nil, fmt.Errorf("%w: line %d product %s", ErrOrderPriceMismatch, i, productID)
		}

		validated = append(validated, CartLine{
			ProductID: productID,
			Name:      s.cleanText(firstNonEmpty(line.Name, product.Name)),
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
		})
	}
	return validated, nil
}

func (s *orderService) validateAddress(addr Address) (Address, error) {
	cleaned := Address{
		Recipient:  s.cleanText(addr.Recipient),
		Line1:      s.cleanText(addr.Line1),
		City:       s.cleanText(addr.City),
		State:      s.cleanText(addr.State),
		PostalCode: strings.TrimSpace(width.Narrow.String(addr.PostalCode)),
		Phone:      strings.TrimSpace(width.Narrow.String(addr.Phone)),
	}
	if addr.Line2 != nil {
		if line2 := s.cleanText(*addr.Line2); line2 != "" {
			cleaned.Line2 = valuePtr(line2)
		}
	}

	for field, value := range map[string]string{
		"recipient":  cleaned.Recipient,
		"line1":      cleaned.Line1,
		"city":       cleaned.City,
		"state":      cleaned.State,
		"phone":      cleaned.Phone,
		"postalCode": cleaned.PostalCode,
	} {
		if value == "" {
			return Address{}, fmt.Errorf("%w: %s is required", ErrOrderInvalidAddress, field)
		}
	}
	if !postalCodePattern.MatchString(cleaned.PostalCode) {
		return Address{}, fmt.Errorf("%w: postal code must be 6 digits", ErrOrderInvalidAddress)
	}
	return cleaned, nil
}

// verifyGatewayPayment demands a confirmation and checks its signature. A
// mismatch is logged as a security event before the order is rejected.
func (s *orderService) verifyGatewayPayment(ctx context.Context, conf *PaymentConfirmation, now time.Time) (*OrderPayment, error) {
	if conf == nil {
		return nil, fmt.Errorf("%w: gateway orders need a payment confirmation", ErrOrderPaymentRequired)
	}
	err := s.gateway.VerifyConfirmation(payments.Confirmation{
		GatewayOrderID:   conf.GatewayOrderID,
		GatewayPaymentID: conf.GatewayPaymentID,
		Signature:        conf.Signature,
	})
	if err != nil {
		if errors.Is(err, payments.ErrSignatureMismatch) {
			s.logger(ctx, "order.payment.signature_mismatch", map[string]any{
				"gatewayOrderId":   conf.GatewayOrderID,
				"gatewayPaymentId": conf.GatewayPaymentID,
			})
		}
		return nil, err
	}
	return &OrderPayment{
		Provider:         "razorpay",
		GatewayOrderID:   strings.TrimSpace(conf.GatewayOrderID),
		GatewayPaymentID: strings.TrimSpace(conf.GatewayPaymentID),
		VerifiedAt:       now,
	}, nil
}

// markGatewayEventMatched ties a webhook record to its order. Best effort: the
// order is already stored and reconciliation re-derives matches anyway.
func (s *orderService) markGatewayEventMatched(ctx context.Context, paymentID string, now time.Time) {
	if s.gatewayEvents == nil || strings.TrimSpace(paymentID) == "" {
		return
	}
	if err := s.gatewayEvents.UpdateStatus(ctx, paymentID, domain.GatewayEventMatched, now); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return
		}
		s.logger(ctx, "order.gateway_event.match_failed", map[string]any{
			"gatewayPaymentId": paymentID,
			"error":            err.Error(),
		})
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, "orders", 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SS-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) cleanText(value string) string {
	return strings.TrimSpace(s.sanitize.Sanitize(value))
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func buildOrderLineItems(lines []CartLine) []OrderLineItem {
	items := make([]OrderLineItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, OrderLineItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			Total:     line.LineTotal(),
		})
	}
	return items
}

func canTransition(current, target domain.OrderStatus) bool {
	if current.Terminal() {
		return false
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func valuePtr[T any](v T) *T {
	return &v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
