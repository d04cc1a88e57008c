package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"pushfanout/internal/classify"
)

// CodeCircuitOpen marks a send refused locally because the push service
// host's breaker is open.
const CodeCircuitOpen = "ECIRCUITOPEN"

// ErrCircuitOpen is wrapped by sends refused by an open breaker.
var ErrCircuitOpen = errors.New("push service circuit open")

// SendError is the failure returned by a Sender.
// StatusCode is set when the push service answered; Code otherwise.
type SendError struct {
	StatusCode int
	Code       string
	Body       string
	Err        error
}

func (e *SendError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("push service returned HTTP %d: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("push service returned HTTP %d", e.StatusCode)
	case e.Err != nil && e.Code != "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Code
	}
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Inspect turns any send error into classifier input.
func Inspect(err error) classify.Input {
	if err == nil {
		return classify.Input{}
	}
	var se *SendError
	if errors.As(err, &se) {
		code := se.Code
		if code == "" && se.StatusCode == 0 {
			code = NetworkCode(se.Err)
		}
		return classify.Input{StatusCode: se.StatusCode, Code: code}
	}
	return classify.Input{Code: NetworkCode(err)}
}

// NetworkCode maps a network-level error to its errno-style code, or "".
func NetworkCode(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return "ETIMEDOUT"
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return "ECONNRESET"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ECONNABORTED):
		return "ECONNABORTED"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "ENOTFOUND"
		}
		return "EAI_AGAIN"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}

	// Connection closed by the peer mid-response.
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return "ECONNRESET"
	}
	return ""
}
