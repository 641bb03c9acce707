package connection

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
)

// HostPort strips an optional tcp:// or mqtt:// scheme from address.
func HostPort(address string) (string, error) {
	host := address
	if u, err := url.Parse(address); err == nil && u.Scheme != "" && u.Host != "" {
		switch u.Scheme {
		case "tcp", "mqtt":
		default:
			return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		host = u.Host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		return "", fmt.Errorf("invalid broker address %q: %w", address, err)
	}
	return host, nil
}

func send(conn net.Conn, data []byte, clientID string) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", clientID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to broker", clientID, total)
	return nil
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func handleReadError(clientID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Broker close connection", clientID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout, broker missed keep alive", clientID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", clientID, err)
	}
}
