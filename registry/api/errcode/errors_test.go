package errcode

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorsEnvelope(t *testing.T) {
	errs := Errors{
		ErrorCodeBlobUnknown,
		ErrorCodeDenied.WithMessage("push access denied"),
		ErrorCodeDigestInvalid.WithDetail(map[string]interface{}{"digest": "sha256:abc"}),
	}

	b, err := json.Marshal(errs)
	require.NoError(t, err)
	require.JSONEq(t, `{"errors":[
		{"code":"BLOB_UNKNOWN","message":"blob unknown to registry"},
		{"code":"DENIED","message":"push access denied"},
		{"code":"DIGEST_INVALID","message":"provided digest did not match uploaded content","detail":{"digest":"sha256:abc"}}
	]}`, string(b))

	var decoded Errors
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Len(t, decoded, 3)
	require.Equal(t, ErrorCodeBlobUnknown, decoded[0])
	require.Equal(t, ErrorCodeDenied.WithMessage("push access denied"), decoded[1])

	var coded ErrorCoder
	require.True(t, errors.As(decoded[2], &coded))
	require.Equal(t, ErrorCodeDigestInvalid, coded.ErrorCode())
}

func TestUnknownCodeDecodesToUnknown(t *testing.T) {
	var decoded Errors
	require.NoError(t, json.Unmarshal([]byte(`{"errors":[{"code":"SOMETHING_NEW","message":"from the future"}]}`), &decoded))
	require.Len(t, decoded, 1)

	e, ok := decoded[0].(Error)
	require.True(t, ok)
	require.Equal(t, ErrorCodeUnknown, e.Code)
	require.Equal(t, "from the future", e.Message)

	require.Equal(t, ErrorCodeUnknown, ParseErrorCode("SOMETHING_NEW"))
	require.Equal(t, ErrorCodeManifestUnknown, ParseErrorCode("MANIFEST_UNKNOWN"))
}

func TestServeJSON(t *testing.T) {
	for _, testcase := range []struct {
		err    error
		status int
		code   string
	}{
		{err: ErrorCodeBlobUploadUnknown, status: http.StatusNotFound, code: "BLOB_UPLOAD_UNKNOWN"},
		{err: ErrorCodeRangeInvalid.WithMessage("bad range"), status: http.StatusRequestedRangeNotSatisfiable, code: "RANGE_INVALID"},
		{err: Errors{ErrorCodeUnauthorized}, status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{err: errors.New("boom"), status: http.StatusInternalServerError, code: "UNKNOWN"},
	} {
		w := httptest.NewRecorder()
		require.NoError(t, ServeJSON(w, testcase.err))
		require.Equal(t, testcase.status, w.Code)
		require.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var envelope struct {
			Errors []struct {
				Code string `json:"code"`
			} `json:"errors"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
		require.Len(t, envelope.Errors, 1)
		require.Equal(t, testcase.code, envelope.Errors[0].Code)
	}
}

func TestRetryableCodes(t *testing.T) {
	require.True(t, ErrorCodeUnavailable.Retryable())
	require.True(t, ErrorCodeTooManyRequests.Retryable())
	for _, code := range []ErrorCode{
		ErrorCodeUnknown,
		ErrorCodeUnauthorized,
		ErrorCodeDenied,
		ErrorCodeBlobUnknown,
		ErrorCodeDigestInvalid,
		ErrorCodeManifestInvalid,
	} {
		require.False(t, code.Retryable(), code.String())
	}
}

func TestErrorMessages(t *testing.T) {
	require.Equal(t, "blob unknown", ErrorCodeBlobUnknown.Error())
	require.Equal(t, "denied: nope", ErrorCodeDenied.WithMessage("nope").Error())
	require.Equal(t, "errors:\nunauthorized\ndenied\n", Errors{ErrorCodeUnauthorized, ErrorCodeDenied}.Error())
}
