// Package errcode defines the registry API error codes the image builder
// understands and the JSON envelope they travel in.
//
// Each code has a wire value such as "BLOB_UNKNOWN", a default message, the
// HTTP status it is served with and whether the condition is retryable.
// Registry responses are decoded into Errors, whose elements are either a
// bare ErrorCode or an Error carrying a message and detail. Unknown codes
// decode to ErrorCodeUnknown, so newer registries never break parsing.
//
// ServeJSON writes the envelope for an error and is used by test registries.
package errcode
