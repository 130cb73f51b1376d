// Package nntp implements the wire-protocol Dialer and ProviderClient the
// rest of the streaming core depends on only through connpool.Dialer and
// providers.ProviderClient. Grounded on the teacher's original Client
// (AUTHINFO/BODY handling over net/textproto), trimmed to the two
// capabilities the core needs: GetSegmentHeader and GetSegmentStream. The
// proxy-oriented helpers (GetArticle, GetHead, CheckArticle) existed to
// serve a WebDAV/indexer front end and have no caller in this module.
package nntp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"streamcore/pkg/connpool"
	"streamcore/pkg/decode"
	"streamcore/pkg/fetch"
)

// Conn is one authenticated NNTP session. It satisfies connpool.Conn.
type Conn struct {
	tp      *textproto.Conn
	netConn net.Conn
}

func (c *Conn) Close() error {
	return c.tp.Close()
}

func (c *Conn) setDeadline(d time.Duration) {
	if c.netConn != nil {
		c.netConn.SetDeadline(time.Now().Add(d))
	}
}

// body sends BODY <messageID> and returns the dot-terminated response
// reader on success, classifying the response code on failure.
func (c *Conn) body(id fetch.SegmentId) (io.Reader, error) {
	c.setDeadline(60 * time.Second)
	reqID, err := c.tp.Cmd("BODY <%s>", string(id))
	if err != nil {
		return nil, fetch.NewError(fetch.KindIO, err)
	}
	c.tp.StartResponse(reqID)
	defer c.tp.EndResponse(reqID)

	code, _, err := c.tp.ReadCodeLine(222)
	if err != nil {
		return nil, classifyResponseErr(code, err)
	}
	return c.tp.DotReader(), nil
}

func classifyResponseErr(code int, err error) error {
	switch code {
	case 430, 423: // no such article / no such article number
		return fetch.NewError(fetch.KindArticleNotFound, err)
	case 480, 481, 482: // authentication required/rejected
		return fetch.NewError(fetch.KindAuthFailed, err)
	case 0:
		return fetch.NewError(fetch.KindIO, err)
	default:
		return fetch.NewError(fetch.KindProtocolInvalid, err)
	}
}

// Dialer dials and authenticates fresh connections for one provider.
type Dialer struct {
	Host string
	Port int
	SSL  bool
	User string
	Pass string
}

func (d *Dialer) Dial(ctx context.Context) (connpool.Conn, error) {
	addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))

	var rawConn net.Conn
	var err error
	dialer := &net.Dialer{}
	if d.SSL {
		rawConn, err = tls.DialWithDialer(dialer, "tcp", addr, nil)
	} else {
		rawConn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fetch.NewError(fetch.KindIO, err)
	}

	rawConn.SetDeadline(time.Now().Add(30 * time.Second))
	tp := textproto.NewConn(rawConn)
	if _, _, err := tp.ReadResponse(200); err != nil {
		tp.Close()
		return nil, fetch.NewError(fetch.KindIO, err)
	}
	rawConn.SetDeadline(time.Time{})

	c := &Conn{tp: tp, netConn: rawConn}
	if d.User != "" {
		if err := c.authenticate(d.User, d.Pass); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Conn) authenticate(user, pass string) error {
	c.setDeadline(30 * time.Second)
	id, err := c.tp.Cmd("AUTHINFO USER %s", user)
	if err != nil {
		return fetch.NewError(fetch.KindIO, err)
	}
	c.tp.StartResponse(id)
	code, _, err := c.tp.ReadCodeLine(381)
	c.tp.EndResponse(id)
	if err != nil {
		if code == 281 {
			return nil
		}
		return fetch.NewError(fetch.KindAuthFailed, err)
	}

	id, err = c.tp.Cmd("AUTHINFO PASS %s", pass)
	if err != nil {
		return fetch.NewError(fetch.KindIO, err)
	}
	c.tp.StartResponse(id)
	_, _, err = c.tp.ReadCodeLine(281)
	c.tp.EndResponse(id)
	if err != nil {
		return fetch.NewError(fetch.KindAuthFailed, err)
	}
	return nil
}

// Client implements providers.ProviderClient against a connpool.Conn
// produced by Dialer. It holds no state of its own; every call receives
// the acquired Conn explicitly.
type Client struct{}

// NewClient returns the stateless ProviderClient implementation.
func NewClient() *Client { return &Client{} }

// GetSegmentHeader fetches the article body and parses only its yEnc
// =ybegin/=ypart header lines for placement metadata, draining the rest
// of the dot-terminated response before returning so the connection stays
// protocol-synced for its next command. This costs a full article
// transfer on the wire but no yEnc decode, the cheapest header probe an
// NNTP BODY-only protocol allows (part placement is carried in the
// encoded body, not in article headers, on most providers).
func (c *Client) GetSegmentHeader(ctx context.Context, conn connpool.Conn, id fetch.SegmentId) (fetch.SegmentHeader, error) {
	nc, ok := conn.(*Conn)
	if !ok {
		return fetch.SegmentHeader{}, fetch.NewError(fetch.KindInvalidState, errors.New("nntp: conn is not *nntp.Conn"))
	}
	body, err := nc.body(id)
	if err != nil {
		return fetch.SegmentHeader{}, err
	}
	offset, size, ferr := parseYencHeader(body)
	io.Copy(io.Discard, body)
	if ferr != nil {
		return fetch.SegmentHeader{}, fetch.NewError(fetch.KindProtocolInvalid, ferr)
	}
	return fetch.SegmentHeader{Id: id, PartOffset: offset, PartSize: size}, nil
}

// GetSegmentStream fetches the article body and decodes it incrementally
// through an io.Pipe, so the caller reads decoded bytes without this
// package buffering the whole segment itself.
func (c *Client) GetSegmentStream(ctx context.Context, conn connpool.Conn, id fetch.SegmentId, fetchHeader bool) (io.ReadCloser, *fetch.SegmentHeader, error) {
	nc, ok := conn.(*Conn)
	if !ok {
		return nil, nil, fetch.NewError(fetch.KindInvalidState, errors.New("nntp: conn is not *nntp.Conn"))
	}
	body, err := nc.body(id)
	if err != nil {
		return nil, nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		_, _, derr := decode.Decode(body, pw)
		pw.CloseWithError(derr)
	}()
	// fetchHeader is best-effort here: deriving PartOffset/PartSize would
	// require parsing the yEnc header before handing the body to the
	// decoder, doubling the read. Callers needing a header call
	// GetSegmentHeader separately; NzbFileStream.Seek is the only one that does.
	return pr, nil, nil
}

// parseYencHeader scans the lines of a raw article body for the =ybegin
// and =ypart control lines and returns (partOffset, partSize). partOffset
// is zero-based; yEnc's begin=/end= fields are one-based inclusive.
func parseYencHeader(r io.Reader) (int64, int64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	var totalSize int64
	sawBegin := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "=ybegin"):
			sawBegin = true
			if v, ok := yencField(line, "size"); ok {
				totalSize, _ = strconv.ParseInt(v, 10, 64)
			}
		case strings.HasPrefix(line, "=ypart"):
			beginStr, hasBegin := yencField(line, "begin")
			endStr, hasEnd := yencField(line, "end")
			if hasBegin && hasEnd {
				begin, _ := strconv.ParseInt(beginStr, 10, 64)
				end, _ := strconv.ParseInt(endStr, 10, 64)
				return begin - 1, end - begin + 1, nil
			}
		case strings.HasPrefix(line, "=ydata") || strings.HasPrefix(line, "=yend"):
			if sawBegin {
				return 0, totalSize, nil
			}
			return 0, 0, fmt.Errorf("nntp: yenc body with no header before %q", line)
		}
	}
	if sawBegin {
		return 0, totalSize, nil
	}
	return 0, 0, errors.New("nntp: no yenc header found in body")
}

// yencField extracts key=value from a yEnc control line such as
// "=ybegin part=1 line=128 size=384500 name=foo.bin".
func yencField(line, key string) (string, bool) {
	prefix := key + "="
	for _, f := range strings.Fields(line) {
		if strings.HasPrefix(f, prefix) {
			return strings.TrimPrefix(f, prefix), true
		}
	}
	return "", false
}
