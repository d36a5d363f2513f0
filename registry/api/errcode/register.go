package errcode

import (
	"fmt"
	"net/http"
)

var (
	errorCodeToDescriptors = map[ErrorCode]ErrorDescriptor{}
	idToDescriptors        = map[string]ErrorDescriptor{}
	nextCode               = ErrorCode(1000)
)

// Codes shared by every registry endpoint.
var (
	// ErrorCodeUnknown stands in for codes this client does not know and for
	// errors that carry no code.
	ErrorCodeUnknown = register(ErrorDescriptor{
		Value:          "UNKNOWN",
		Message:        "unknown error",
		HTTPStatusCode: http.StatusInternalServerError,
	})

	// ErrorCodeUnauthorized asks the client to authenticate, usually along
	// with a WWW-Authenticate challenge.
	ErrorCodeUnauthorized = register(ErrorDescriptor{
		Value:          "UNAUTHORIZED",
		Message:        "authentication required",
		HTTPStatusCode: http.StatusUnauthorized,
	})

	// ErrorCodeDenied is returned when the credentials lack the scope
	// needed for the operation.
	ErrorCodeDenied = register(ErrorDescriptor{
		Value:          "DENIED",
		Message:        "requested access to the resource is denied",
		HTTPStatusCode: http.StatusForbidden,
	})

	ErrorCodeUnavailable = register(ErrorDescriptor{
		Value:          "UNAVAILABLE",
		Message:        "service unavailable",
		HTTPStatusCode: http.StatusServiceUnavailable,
		Retryable:      true,
	})

	ErrorCodeTooManyRequests = register(ErrorDescriptor{
		Value:          "TOOMANYREQUESTS",
		Message:        "too many requests",
		HTTPStatusCode: http.StatusTooManyRequests,
		Retryable:      true,
	})
)

// Codes of the repository, blob and manifest endpoints.
var (
	ErrorCodeNameUnknown = register(ErrorDescriptor{
		Value:          "NAME_UNKNOWN",
		Message:        "repository name not known to registry",
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeBlobUnknown is returned for a missing blob, and when a
	// manifest references a layer the repository does not have.
	ErrorCodeBlobUnknown = register(ErrorDescriptor{
		Value:          "BLOB_UNKNOWN",
		Message:        "blob unknown to registry",
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeBlobUploadUnknown means the upload session expired or was
	// never started. The push has to start over with a new session.
	ErrorCodeBlobUploadUnknown = register(ErrorDescriptor{
		Value:          "BLOB_UPLOAD_UNKNOWN",
		Message:        "blob upload unknown to registry",
		HTTPStatusCode: http.StatusNotFound,
	})

	ErrorCodeBlobUploadInvalid = register(ErrorDescriptor{
		Value:          "BLOB_UPLOAD_INVALID",
		Message:        "blob upload invalid",
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeRangeInvalid rejects a chunk whose Content-Range does not
	// start where the upload currently ends.
	ErrorCodeRangeInvalid = register(ErrorDescriptor{
		Value:          "RANGE_INVALID",
		Message:        "invalid content range",
		HTTPStatusCode: http.StatusRequestedRangeNotSatisfiable,
	})

	ErrorCodeDigestInvalid = register(ErrorDescriptor{
		Value:          "DIGEST_INVALID",
		Message:        "provided digest did not match uploaded content",
		HTTPStatusCode: http.StatusBadRequest,
	})

	ErrorCodeManifestUnknown = register(ErrorDescriptor{
		Value:          "MANIFEST_UNKNOWN",
		Message:        "manifest unknown",
		HTTPStatusCode: http.StatusNotFound,
	})

	ErrorCodeManifestInvalid = register(ErrorDescriptor{
		Value:          "MANIFEST_INVALID",
		Message:        "manifest invalid",
		HTTPStatusCode: http.StatusBadRequest,
	})
)

// register is only called from package variable initialization, which runs
// in a single goroutine.
func register(descriptor ErrorDescriptor) ErrorCode {
	if _, ok := idToDescriptors[descriptor.Value]; ok {
		panic(fmt.Sprintf("error code %q is already registered", descriptor.Value))
	}

	descriptor.Code = nextCode
	nextCode++

	errorCodeToDescriptors[descriptor.Code] = descriptor
	idToDescriptors[descriptor.Value] = descriptor
	return descriptor.Code
}
