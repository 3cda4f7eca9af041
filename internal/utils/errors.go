package utils

import "errors"

var (
	ErrStorageProviderNotFound = errors.New("storage provider not available")
	ErrInvalidStorageProvider  = errors.New("invalid storage provider")
)
