package help

import (
	"context"
	"sort"
)

// Repository определяет операции с доской взаимопомощи.
type Repository interface {
	// CreateRequest сохраняет новый запрос.
	CreateRequest(ctx context.Context, r *Request) error

	// GetRequest возвращает запрос или ErrRequestNotFound.
	GetRequest(ctx context.Context, id string) (*Request, error)

	// UpdateRequest сохраняет статус, наставника и пару запроса, только если
	// в хранилище у него всё ещё статус from. Иначе возвращает ErrRequestChanged.
	UpdateRequest(ctx context.Context, r *Request, from RequestStatus) error

	// ListRequests возвращает запросы по фильтру, новые первыми.
	ListRequests(ctx context.Context, f RequestFilter) ([]*Request, error)

	// CreateOffer сохраняет новое предложение.
	CreateOffer(ctx context.Context, o *Offer) error

	// ListOffers возвращает предложения по фильтру, сильные наставники первыми.
	ListOffers(ctx context.Context, f OfferFilter) ([]*Offer, error)
}

// SortRequests упорядочивает запросы по убыванию времени создания.
func SortRequests(rs []*Request) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// SortOffers упорядочивает предложения по убыванию балла наставника.
// Предложения без балла идут последними.
func SortOffers(offers []*Offer) {
	sort.SliceStable(offers, func(i, j int) bool {
		a, b := offers[i].Score, offers[j].Score
		switch {
		case a == nil && b == nil:
			return offers[i].CreatedAt.Before(offers[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		case *a != *b:
			return *a > *b
		}
		return offers[i].CreatedAt.Before(offers[j].CreatedAt)
	})
}
