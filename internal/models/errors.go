package models

import "errors"

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrEmbeddingBatchFailed = errors.New("embedding batch failed")
	ErrGenerationFailed     = errors.New("generation failed")
	ErrTimeout              = errors.New("timeout")
)
