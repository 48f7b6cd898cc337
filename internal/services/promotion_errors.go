package services

import "errors"

var (
	// ErrPromotionRepositoryMissing indicates the promotion repository dependency is absent.
	ErrPromotionRepositoryMissing = errors.New("promotion service: repository is not configured")
	// ErrPromotionInvalidInput signals the supplied promotion definition is invalid.
	ErrPromotionInvalidInput = errors.New("promotion service: invalid input")
	// ErrPromotionNotFound indicates no promotion exists for the provided id or code.
	ErrPromotionNotFound = errors.New("promotion service: promotion not found")
	// ErrPromotionConflict indicates a duplicate coupon code or concurrent write.
	ErrPromotionConflict = errors.New("promotion service: conflict")
)
