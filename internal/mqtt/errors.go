package mqtt

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"syscall"
)

// DescribeError 把连接错误转换成可读的说明，用于 last_error
func DescribeError(err error) string {
	if err == nil {
		return ""
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		hostnameErr      x509.HostnameError
		invalidCert      x509.CertificateInvalidError
		netErr           net.Error
	)
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "connection timed out: " + err.Error()
	case errors.As(err, &unknownAuthority), errors.As(err, &hostnameErr), errors.As(err, &invalidCert):
		return "certificate error: " + err.Error()
	case errors.As(err, &netErr) && netErr.Timeout():
		return "connection timed out: " + err.Error()
	}

	// paho 部分错误只保留了文本
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "connection refused"):
		return "connection refused: " + msg
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"), strings.Contains(lower, "i/o timeout"):
		return "connection timed out: " + msg
	case strings.Contains(lower, "certificate"), strings.Contains(lower, "x509"), strings.Contains(lower, "tls"):
		return "certificate error: " + msg
	case strings.Contains(lower, "not authorized"), strings.Contains(lower, "bad user name or password"):
		return "authentication failed: " + msg
	}
	return msg
}
