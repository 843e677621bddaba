package remote

import (
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

// Role distinguishes which end of a connection a Messenger plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// ErrSchemeUnsupported is returned by Connect for a recognized but
// unimplemented §3.7 peer-address scheme (mpi://, kiro://): the wire
// protocol only ships a tcp:// transport, but the address grammar leaves
// room for others.
var ErrSchemeUnsupported = errors.New("remote: unsupported scheme")

// Messenger is "a send/recv interface to a single peer," per §3.7: a
// RemoteTask dials out to exactly one peer daemon and exchanges a strict
// request/reply sequence with it for the lifetime of the task.
type Messenger interface {
	Connect(addr string, role Role) error
	Disconnect() error
	// Send writes one frame with no expectation of an immediate reply.
	Send(tag Tag, payload []byte) error
	// Recv blocks for the next frame.
	Recv() (Frame, error)
	// SendBlocking writes one frame and blocks for the reply, the shape
	// every step of RemoteTask's process contract uses.
	SendBlocking(tag Tag, payload []byte) (Frame, error)
}

// TCPMessenger implements Messenger over net.Conn for the tcp:// scheme.
// Connect as RoleClient dials out; Connect as RoleServer listens and
// accepts exactly one connection, since each Messenger instance is bound
// to a single peer for its whole lifetime.
type TCPMessenger struct {
	mu       sync.Mutex
	conn     net.Conn
	ln       net.Listener
	compress bool
}

// NewTCPMessenger returns a Messenger that lz4-compresses every frame it
// sends and decompresses every frame it receives (per frame.go's
// WriteFrame/ReadFrame) when compress is true. Nothing is negotiated with
// the peer; Daemon reads and writes uncompressed frames only.
func NewTCPMessenger(compress bool) *TCPMessenger {
	return &TCPMessenger{compress: compress}
}

func (m *TCPMessenger) Connect(addr string, role Role) error {
	u, err := url.Parse(addr)
	if err != nil {
		return errors.Wrap(err, "remote: parse peer address")
	}
	switch u.Scheme {
	case "tcp":
	case "mpi", "kiro":
		return errors.Wrapf(ErrSchemeUnsupported, "scheme %q", u.Scheme)
	default:
		return errors.Errorf("remote: unknown peer address scheme %q", u.Scheme)
	}

	switch role {
	case RoleClient:
		conn, err := net.DialTimeout("tcp", u.Host, 10*time.Second)
		if err != nil {
			return errors.Wrap(err, "remote: dial peer")
		}
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		return nil
	case RoleServer:
		ln, err := net.Listen("tcp", u.Host)
		if err != nil {
			return errors.Wrap(err, "remote: listen")
		}
		conn, err := ln.Accept()
		if err != nil {
			ln.Close()
			return errors.Wrap(err, "remote: accept peer")
		}
		m.mu.Lock()
		m.ln, m.conn = ln, conn
		m.mu.Unlock()
		return nil
	default:
		return errors.Errorf("remote: unknown role %d", role)
	}
}

func (m *TCPMessenger) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.conn != nil {
		err = m.conn.Close()
		m.conn = nil
	}
	if m.ln != nil {
		if lerr := m.ln.Close(); lerr != nil && err == nil {
			err = lerr
		}
		m.ln = nil
	}
	return err
}

func (m *TCPMessenger) Send(tag Tag, payload []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.New("remote: send on unconnected messenger")
	}
	return WriteFrame(conn, tag, payload, m.compress)
}

func (m *TCPMessenger) Recv() (Frame, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return Frame{}, errors.New("remote: recv on unconnected messenger")
	}
	return ReadFrame(conn, m.compress)
}

func (m *TCPMessenger) SendBlocking(tag Tag, payload []byte) (Frame, error) {
	if err := m.Send(tag, payload); err != nil {
		return Frame{}, err
	}
	return m.Recv()
}

// signAuthToken mints an HS256 JWT carrying no claims beyond issued-at and
// expiry, for the optional peer-authentication handshake described in
// SPEC_FULL.md §4.6.
func signAuthToken(secret []byte, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(secret)
}

// verifyAuthToken checks an HS256 JWT minted by signAuthToken against
// secret.
func verifyAuthToken(token string, secret []byte) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("remote: unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return errors.Wrap(err, "remote: verify auth token")
	}
	if !parsed.Valid {
		return errors.New("remote: auth token invalid")
	}
	return nil
}

// authenticateClient performs the client side of the optional auth
// handshake: sign a token for secret and exchange it for an ACK.
func authenticateClient(m Messenger, secret []byte) error {
	tok, err := signAuthToken(secret, time.Minute)
	if err != nil {
		return errors.Wrap(err, "remote: sign auth token")
	}
	reply, err := m.SendBlocking(TagAuth, []byte(tok))
	if err != nil {
		return err
	}
	if reply.Tag != TagAck {
		return errors.Errorf("remote: auth rejected (tag %d)", reply.Tag)
	}
	return nil
}
