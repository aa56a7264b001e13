package firestore

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sweetspot/orders-api/internal/domain"
	pfirestore "github.com/sweetspot/orders-api/internal/platform/firestore"
)

const productsCollection = "products"

type productDocument struct {
	Name      string `firestore:"name"`
	Price     int64  `firestore:"price"`
	Currency  string `firestore:"currency"`
	Available bool   `firestore:"available"`
}

// CatalogRepository reads the product projection maintained by the catalog
// system. This service never writes to it.
type CatalogRepository struct {
	products *pfirestore.BaseRepository[productDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog reader.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil),
	}, nil
}

// GetProduct fetches a single product by id.
func (r *CatalogRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("catalog repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, pfirestore.WrapError("products.get", status.Error(codes.InvalidArgument, "product id is required"))
	}
	doc, err := r.products.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(doc.Data.Currency))
	if currency == "" {
		currency = "INR"
	}
	return domain.Product{
		ID:        doc.ID,
		Name:      doc.Data.Name,
		Price:     doc.Data.Price,
		Currency:  currency,
		Available: doc.Data.Available,
	}, nil
}
