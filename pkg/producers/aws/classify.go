package aws

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/driftwatch/driftwatch/pkg/engine"
)

// throttlingCodes are the API error codes AWS services use for rate limiting.
var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestLimitExceeded":                   true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"SlowDown":                               true,
	"ProvisionedThroughputExceededException": true,
}

// accessCodes signal a permanent permission problem.
var accessCodes = map[string]bool{
	"AccessDenied":          true,
	"AccessDeniedException": true,
	"UnauthorizedOperation": true,
	"AuthFailure":           true,
	"InvalidClientTokenId":  true,
	"ExpiredToken":          true,
}

// Classify reports AWS throttling errors as rate limited. It is chained with
// engine.DefaultClassifier by the producer registry.
func Classify(err error) engine.ErrorKind {
	if IsThrottling(err) {
		return engine.KindRateLimited
	}
	return engine.KindOther
}

// IsThrottling reports whether err carries an AWS throttling code.
func IsThrottling(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return throttlingCodes[apiErr.ErrorCode()]
	}
	return false
}

// errorCode returns the AWS error code of err, or "".
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// wrapError converts an SDK error into an engine error scoped to loc.
func wrapError(operation string, loc engine.PartialLocation, err error) error {
	if err == nil {
		return nil
	}

	msg := fmt.Sprintf("%s failed", operation)
	var ee *engine.EngineError
	code := errorCode(err)
	switch {
	case throttlingCodes[code]:
		ee = engine.NewThrottledError(msg, err).WithCode(engine.ErrCodeRateLimited)
	case accessCodes[code]:
		ee = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodePermissionDenied)
	default:
		ee = engine.NewTransientError(msg, err).WithCode(engine.ErrCodeFetchFailed)
	}
	ee = ee.WithOperation(operation).WithLocation(loc)
	if code != "" {
		ee = ee.WithDetail("aws_code", code)
	}
	return &engine.FetchError{Location: loc, Err: ee}
}
