package common

import "errors"

var (
	// repository specific errors
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")

	// upload errors
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrFileTooLarge        = errors.New("file too large")
	ErrStorageWriteFailed  = errors.New("storage write failed")
	ErrMetadataWriteFailed = errors.New("metadata write failed")

	// ErrOrphanedBlob marks a blob left without a metadata record. It is queued
	// for out-of-band cleanup and never shown to the user.
	ErrOrphanedBlob = errors.New("orphaned blob detected")

	// ErrUploadUnresolved means a failed metadata write could not be undone,
	// so the row may exist. The blob and the credit are kept.
	ErrUploadUnresolved = errors.New("upload outcome unknown")

	// sharing errors
	ErrNotFoundOrForbidden = errors.New("file not found")
	ErrShareTokenCollision = errors.New("share token collision")

	// payment errors
	ErrPaymentGrantPartialFailure = errors.New("credits granted but transaction not recorded")
	ErrUnknownPlan                = errors.New("unknown plan")
	ErrPlanNotPurchasable         = errors.New("plan is not purchasable")

	// request errors
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
)
