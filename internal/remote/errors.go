package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/driveq/driveq/internal/common"
)

// statusError converts an HTTP status into the matching sentinel. The
// optional reason header lets the server distinguish scan rejections from
// plain forbidden responses.
func statusError(code int, reason string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return common.ErrUnauthorized
	case code == http.StatusForbidden:
		if strings.EqualFold(reason, "virus") {
			return common.ErrVirusDetected
		}
		if strings.EqualFold(reason, "terms") {
			return common.ErrTermsRequired
		}
		return common.ErrForbidden
	case code == http.StatusNotFound:
		return common.ErrNotFound
	case code == http.StatusConflict, code == http.StatusMethodNotAllowed, code == http.StatusPreconditionFailed:
		return common.ErrAlreadyExists
	case code == http.StatusRequestEntityTooLarge:
		return common.ErrOversize
	case code == http.StatusUnsupportedMediaType:
		return common.ErrUnsupportedType
	case code == http.StatusLocked:
		return common.ErrLockHeld
	case code == http.StatusInsufficientStorage:
		return common.ErrQuotaExceeded
	case code >= 500:
		return fmt.Errorf("%w: status %d", common.ErrServerFault, code)
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}

// s3Error maps AWS SDK failures onto the same sentinel set the HTTP
// adapter uses, so pipeline classification does not care which backend
// produced the failure.
func s3Error(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%s: %w", op, common.ErrNotFound)
		case "AccessDenied":
			return fmt.Errorf("%s: %w", op, common.ErrForbidden)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return fmt.Errorf("%s: %w", op, common.ErrUnauthorized)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%s: %w", op, common.ErrLockHeld)
		case "EntityTooLarge":
			return fmt.Errorf("%s: %w", op, common.ErrOversize)
		case "QuotaExceeded", "ServiceQuotaExceededException":
			return fmt.Errorf("%s: %w", op, common.ErrQuotaExceeded)
		case "InternalError", "SlowDown", "ServiceUnavailable":
			return fmt.Errorf("%s: %w", op, common.ErrServerFault)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
