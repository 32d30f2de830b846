package spamc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/migadu/soracal/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	command string
	headers map[string]string
	body    string
}

// fakeSpamd answers every connection with reply and records the requests.
func fakeSpamd(t *testing.T, reply string) (addr string, requests chan request) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	requests = make(chan request, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				line, _ := br.ReadString('\n')
				req := request{command: strings.TrimSpace(line), headers: map[string]string{}}
				for {
					h, err := br.ReadString('\n')
					if err != nil || strings.TrimSpace(h) == "" {
						break
					}
					k, v, _ := strings.Cut(strings.TrimSpace(h), ":")
					req.headers[strings.ToLower(k)] = strings.TrimSpace(v)
				}
				if n, err := strconv.Atoi(req.headers["content-length"]); err == nil {
					buf := make([]byte, n)
					io.ReadFull(br, buf)
					req.body = string(buf)
				}
				requests <- req
				io.WriteString(conn, reply)
			}(conn)
		}
	}()
	return ln.Addr().String(), requests
}

const reportReply = "SPAMD/1.1 0 EX_OK\r\n" +
	"Content-length: 300\r\n" +
	"Spam: True ; 7.3 / 5.0\r\n" +
	"\r\n" +
	"Spam detection software has identified this message as spam.\r\n" +
	"\r\n" +
	" pts rule name              description\r\n" +
	"---- ---------------------- --------------------------------------------------\r\n" +
	" 3.5 URIBL_BLACK            Contains an URL listed in the URIBL blacklist\r\n" +
	" 2.8 HTML_MESSAGE           BODY: HTML included in message\r\n" +
	"-0.0 NO_RELAYS              Informational: message was not relayed via SMTP\r\n"

func TestReport(t *testing.T) {
	addr, requests := fakeSpamd(t, reportReply)
	c := New("tcp", addr, "alice", time.Second)

	res, err := c.Report(context.Background(), []byte("Subject: hi\r\n\r\nbody\r\n"))
	require.NoError(t, err)

	req := <-requests
	assert.Equal(t, "REPORT SPAMC/1.5", req.command)
	assert.Equal(t, "alice", req.headers["user"])
	assert.Equal(t, "Subject: hi\r\n\r\nbody\r\n", req.body)

	assert.True(t, res.Spam)
	assert.InDelta(t, 7.3, res.Score, 0.001)
	assert.InDelta(t, 5.0, res.Threshold, 0.001)
	require.Len(t, res.Rules, 3)
	assert.Equal(t, "URIBL_BLACK", res.Rules[0].Name)
	assert.InDelta(t, 3.5, res.Rules[0].Points, 0.001)
	assert.Equal(t, "BODY: HTML included in message", res.Rules[1].Description)
}

func TestCheckHam(t *testing.T) {
	addr, _ := fakeSpamd(t, "SPAMD/1.1 0 EX_OK\r\nSpam: False ; 1.2 / 5.0\r\n\r\n")
	res, err := New("tcp", addr, "", time.Second).Check(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.False(t, res.Spam)
	assert.False(t, res.IsSpam(0))
	assert.True(t, res.IsSpam(1.0), "local threshold overrides spamd")
}

func TestPing(t *testing.T) {
	addr, requests := fakeSpamd(t, "SPAMD/1.5 0 PONG\r\n")
	require.NoError(t, New("tcp", addr, "", time.Second).Ping(context.Background()))
	assert.Equal(t, "PING SPAMC/1.5", (<-requests).command)
}

func TestSpamdError(t *testing.T) {
	addr, _ := fakeSpamd(t, "SPAMD/1.0 76 Bad header line: foo\r\n")
	res, err := New("tcp", addr, "", time.Second).Check(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, 76, res.Code)
}

func TestUnavailableOpensBreaker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := New("tcp", addr, "", 200*time.Millisecond)
	for i := 0; i < 5; i++ {
		_, err := c.Check(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	_, err = c.Check(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, circuitbreaker.StateOpen, c.breaker.State())
}

type deadlineFailConn struct {
	net.Conn
}

func (deadlineFailConn) SetDeadline(time.Time) error { return errors.New("deadline not supported") }

// noDeadlineConn lets a closed pipe reach the write path.
type noDeadlineConn struct {
	net.Conn
}

func (noDeadlineConn) SetDeadline(time.Time) error { return nil }

func TestExchangeReportsConnErrors(t *testing.T) {
	c := New("tcp", "127.0.0.1:0", "", time.Second)
	deadline := time.Now().Add(time.Second)

	client, server := net.Pipe()
	defer client.Close()
	server.Close()
	_, err := c.exchange(deadlineFailConn{client}, deadline, "CHECK", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set deadline")

	// the peer is gone, so the request cannot be written
	client, server = net.Pipe()
	defer client.Close()
	server.Close()
	_, err = c.exchange(noDeadlineConn{client}, deadline, "CHECK", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write request")
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestParseMalformed(t *testing.T) {
	_, err := parse([]string{"HTTP/1.1 200 OK"})
	assert.Error(t, err)
}
