package tokenbucket

import "errors"

var (
	// ErrInvalidConfiguration is returned when a bandwidth set cannot describe a bucket.
	ErrInvalidConfiguration = errors.New("invalid bucket configuration")

	// ErrUnsatisfiable is returned by waiting consumers when the request can never be
	// granted, because it exceeds a band's capacity or a band never refills.
	ErrUnsatisfiable = errors.New("request exceeds what the bucket can ever provide")

	// ErrUnsupportedOperation is returned by asynchronous backend calls when the
	// backend does not support async mode.
	ErrUnsupportedOperation = errors.New("operation not supported by backend")

	// ErrTooManyRetries is returned when optimistic writes kept conflicting past the
	// configured retry cap. It is transient; the caller may try again.
	ErrTooManyRetries = errors.New("too many optimistic concurrency conflicts")

	// ErrBucketNotFound is returned by a proxy configured with ThrowBucketNotFound
	// when its state is missing from the backend.
	ErrBucketNotFound = errors.New("bucket state not found")

	// ErrUnexpectedResult is returned by the typed helpers when a backend hands back
	// a value of a different type than the command produces.
	ErrUnexpectedResult = errors.New("backend returned a result of the wrong type")
)
