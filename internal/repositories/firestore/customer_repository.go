package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/cobalt-commerce/api/internal/domain"
	pfirestore "github.com/cobalt-commerce/api/internal/platform/firestore"
)

const customersCollection = "customers"

type customerDocument struct {
	Email     string    `firestore:"email"`
	FirstName string    `firestore:"firstName,omitempty"`
	LastName  string    `firestore:"lastName,omitempty"`
	GroupIDs  []string  `firestore:"groupIds,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CustomerRepository reads customer profiles. The order core never writes
// customer records.
type CustomerRepository struct {
	base     *pfirestore.BaseRepository[customerDocument]
	provider *pfirestore.Provider
}

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[customerDocument](provider, customersCollection, nil, nil)
	return &CustomerRepository{
		base:     base,
		provider: provider,
	}, nil
}

// FindByID loads a customer by document id.
func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	if r == nil || r.base == nil {
		return domain.Customer{}, errors.New("customer repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(customerID))
	if err != nil {
		return domain.Customer{}, err
	}
	return decodeCustomerDocument(doc.ID, doc.Data), nil
}

// FindByEmail resolves a customer by normalised email address.
func (r *CustomerRepository) FindByEmail(ctx context.Context, email string) (domain.Customer, error) {
	if r == nil || r.base == nil {
		return domain.Customer{}, errors.New("customer repository not initialised")
	}
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return domain.Customer{}, errors.New("customer repository: email is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("email", "==", normalized).Limit(1)
	})
	if err != nil {
		return domain.Customer{}, err
	}
	if len(docs) == 0 {
		return domain.Customer{}, pfirestore.NotFoundError("customers.findByEmail", fmt.Errorf("customer with email %s not found", normalized))
	}
	return decodeCustomerDocument(docs[0].ID, docs[0].Data), nil
}

func decodeCustomerDocument(id string, doc customerDocument) domain.Customer {
	return domain.Customer{
		ID:        id,
		Email:     doc.Email,
		FirstName: doc.FirstName,
		LastName:  doc.LastName,
		GroupIDs:  append([]string(nil), doc.GroupIDs...),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}
