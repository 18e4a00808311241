// internal/errors/errors_test.go
package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructorsSetTypeAndCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err     *AppError
		errType ErrorType
		code    string
	}{
		{NewStorageError("写入失败", nil), ErrorTypeStorage, "STORAGE_ERROR"},
		{NewTransportError("端点不可达", nil), ErrorTypeTransport, "TRANSPORT_ERROR"},
		{NewProtocolError("响应结构异常", nil), ErrorTypeProtocol, "PROTOCOL_ERROR"},
		{NewProcessingError("序列化失败", nil), ErrorTypeError, "PROCESSING_ERROR"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.errType, tc.err.Type)
		assert.Equal(t, tc.code, tc.err.Code)
	}
}

func TestAppErrorMessageWithAndWithoutCause(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("disk full")
	withCause := NewStorageError("保存文件失败", cause)
	assert.Equal(t, "保存文件失败: disk full", withCause.Error())
	assert.True(t, errors.Is(withCause, cause))

	bare := NewProcessingError("序列化失败", nil)
	assert.Equal(t, "序列化失败", bare.Error())
	assert.Nil(t, errors.Unwrap(bare))
}

type statusErr struct {
	status int
}

func (e *statusErr) Error() string {
	return fmt.Sprintf("status %d", e.status)
}

// 调用方依赖 errors.As 穿透包装取回底层的具体错误类型
func TestAppErrorExposesWrappedConcreteType(t *testing.T) {
	t.Parallel()

	inner := &statusErr{status: 429}
	wrapped := NewTransportError("补全端点返回错误状态", inner)

	var got *statusErr
	require.True(t, errors.As(wrapped, &got))
	assert.Equal(t, 429, got.status)
}
