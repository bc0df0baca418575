package smtpclient

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyResponse_PermanentHardBounce(t *testing.T) {
	for _, code := range []int{550, 551, 552, 553, 554} {
		err := classifyResponse(code, "mailbox unavailable")
		assert.Equal(t, KindPermanent, err.Kind)
		assert.True(t, err.HardBounce, "code %d should be a hard bounce", code)
		assert.False(t, err.Retryable())
	}
}

func TestClassifyResponse_PermanentNotHardBounce(t *testing.T) {
	err := classifyResponse(521, "server does not accept mail")
	assert.Equal(t, KindPermanent, err.Kind)
	assert.False(t, err.HardBounce)
	assert.False(t, err.Retryable())
}

func TestClassifyResponse_Temporary(t *testing.T) {
	for _, code := range []int{450, 451, 452} {
		err := classifyResponse(code, "try again later")
		assert.Equal(t, KindTemporary, err.Kind)
		assert.True(t, err.Retryable())
	}
}

func TestClassifyResponse_OtherFourXXIsTemporary(t *testing.T) {
	err := classifyResponse(421, "service unavailable")
	assert.Equal(t, KindTemporary, err.Kind)
	assert.True(t, err.Retryable())
}

func TestClassifyTransportError_Connection(t *testing.T) {
	err := classifyTransportError(&net.OpError{Op: "dial", Err: errors.New("connection refused")})
	assert.Equal(t, KindConnection, err.Kind)
	assert.True(t, err.Retryable())
}

func TestClassifyTransportError_TimeoutString(t *testing.T) {
	err := classifyTransportError(fmt.Errorf("i/o timeout"))
	assert.Equal(t, KindConnection, err.Kind)
}

func TestClassifyTransportError_Unknown(t *testing.T) {
	err := classifyTransportError(fmt.Errorf("something unexpected happened"))
	assert.Equal(t, KindUnknown, err.Kind)
	assert.False(t, err.Retryable())
}

func TestParseSMTPError(t *testing.T) {
	code, msg := parseSMTPError(fmt.Errorf("550 5.1.1 User unknown"))
	assert.Equal(t, 550, code)
	assert.Equal(t, "5.1.1 User unknown", msg)
}

func TestParseSMTPError_NoCode(t *testing.T) {
	code, msg := parseSMTPError(fmt.Errorf("connection reset by peer"))
	assert.Equal(t, 0, code)
	assert.Equal(t, "connection reset by peer", msg)
}
