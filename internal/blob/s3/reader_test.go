package s3blob

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

type statusErr int

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(fmt.Errorf("get: %w", &smithy.GenericAPIError{Code: "NoSuchKey"})))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NotFound"}))
	assert.True(t, isNotFound(fmt.Errorf("head: %w", statusErr(http.StatusNotFound))))

	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isNotFound(statusErr(http.StatusForbidden)))
	assert.False(t, isNotFound(errors.New("connection reset")))
}
