package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// TCPPortProbe treats a port as active when a TCP connection to Host:port
// can be established.
type TCPPortProbe struct {
	Host        string        // defaults to localhost
	DialTimeout time.Duration // defaults to one second
}

func (p TCPPortProbe) CheckPort(ctx context.Context, port int) (PortState, error) {
	if port <= 0 || port > 65535 {
		return PortState{}, &Error{Op: "check port", Target: strconv.Itoa(port), Err: fmt.Errorf("port out of range")}
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	timeout := p.DialTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if ctx.Err() != nil {
			return PortState{}, &Error{Op: "check port", Target: strconv.Itoa(port), Err: ctx.Err()}
		}
		// refused or unreachable: nothing is listening
		return PortState{Active: false}, nil
	}
	_ = conn.Close()
	return PortState{Active: true}, nil
}
