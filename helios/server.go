package helios

import (
	"bytes"
	"container/list"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/sys/unix"

	"github.com/helioskv/helios/helios/reactor"
)

// The command-serving surface of the server: accept loop, per-client state,
// the inline command reader, and the replication/cluster records the TLS
// layer's call sites operate on. Command dispatch itself stays minimal;
// the interesting machinery lives in the TLS layer.

// Replication states a slave moves through on the master side.
type SlaveState int

const (
	SlaveStateOnline SlaveState = iota
	SlaveStateWaitBgsaveStart
	SlaveStateWaitBgsaveEnd
	SlaveStateSendBulk
)

// Client is one connected command client, or a slave once it issues SYNC.
type Client struct {
	ID        string
	Fd        int
	CreatedAt time.Time

	ReplState   SlaveState
	ReplAckTime time.Time
	IsSlave     bool

	pendingOut []byte
	node       *list.Element
}

// ClusterLink is one cluster bus connection to a peer node.
type ClusterLink struct {
	ID   string
	Fd   int
	node *list.Element
}

// ServerOptions carries what the command layer needs beyond TLS settings.
type ServerOptions struct {
	ListenAddr string
	MaxClients int
	Masterhost string
}

// Server owns the reactor, the TLS layer and the connection lists.
type Server struct {
	loop   reactor.Reactor
	ssl    *SslContext
	logger log.Logger

	opts     ServerOptions
	listenFd int

	clients *list.List
	links   *list.List
}

// NewServer wires the TLS layer's upstream hooks to this server and
// returns both halves ready for Start.
func NewServer(opts ServerOptions, settings Settings, loop reactor.Reactor, logger log.Logger) (*Server, error) {
	srv := &Server{
		loop:     loop,
		logger:   logger.Named("server"),
		opts:     opts,
		listenFd: -1,
		clients:  list.New(),
		links:    list.New(),
	}

	ssl, err := NewSslContext(settings, srv.upstreamHooks(), loop, logger)
	if err != nil {
		return nil, err
	}
	srv.ssl = ssl
	return srv, nil
}

// Ssl exposes the TLS layer for the command surface (renewal, stats).
func (srv *Server) Ssl() *SslContext { return srv.ssl }

func (srv *Server) upstreamHooks() UpstreamHooks {
	return UpstreamHooks{
		ReadQueryFromClient: srv.readQueryFromClient,
		ClusterReadHandler:  srv.clusterReadHandler,
		SyncWithMaster:      srv.syncWithMaster,

		FreeClient:      func(data interface{}) { srv.freeClient(data.(*Client)) },
		FreeClusterLink: func(data interface{}) { srv.freeClusterLink(data.(*ClusterLink)) },
		ClusterClientSetup: func(data interface{}) {
			link := data.(*ClusterLink)
			srv.logger.Debug("cluster link ready", "link", link.ID, "fd", link.Fd)
		},
		OnMasterNegotiated: func() {
			srv.logger.Debug("master link negotiated, continuing replication handshake")
		},
		MasterNegotiationFailed: func() {
			srv.logger.Warn("master link negotiation failed, will reconnect")
		},
		ReplicationProgress:        func() {},
		CancelReplicationHandshake: func() { srv.logger.Warn("replication handshake canceled") },
		FinishSyncWithMaster: func() {
			srv.logger.Info("finished synchronization with master")
		},

		SlaveAckUpdate: func(data interface{}) { data.(*Client).ReplAckTime = time.Now() },
		SlaveName: func(data interface{}) string {
			c := data.(*Client)
			return fmt.Sprintf("%s (fd %d)", c.ID, c.Fd)
		},

		EachClient: func(fn func(data interface{}, fd int, createdAt time.Time)) {
			// Handlers may free clients mid-walk; snapshot first.
			snapshot := make([]*Client, 0, srv.clients.Len())
			for e := srv.clients.Front(); e != nil; e = e.Next() {
				snapshot = append(snapshot, e.Value.(*Client))
			}
			for _, c := range snapshot {
				fn(c, c.Fd, c.CreatedAt)
			}
		},
		EachSlaveWaitingBgsave: func(fn func(data interface{}, fd int)) {
			for e := srv.clients.Front(); e != nil; e = e.Next() {
				c := e.Value.(*Client)
				if c.IsSlave && c.ReplState == SlaveStateWaitBgsaveEnd {
					fn(c, c.Fd)
				}
			}
		},

		Masterhost: func() string { return srv.opts.Masterhost },
	}
}

// Start opens the listening socket and registers the accept handler.
func (srv *Server) Start() error {
	fd, err := listenTCP(srv.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", srv.opts.ListenAddr, err)
	}
	srv.listenFd = fd
	if err := srv.loop.Register(fd, reactor.Readable, srv.acceptHandler, nil); err != nil {
		_ = unix.Close(fd)
		return err
	}
	srv.logger.Info("listening", "addr", srv.opts.ListenAddr, "ssl", srv.ssl.Enabled())
	return nil
}

// Stop closes the listener and every connection.
func (srv *Server) Stop() {
	if srv.listenFd >= 0 {
		srv.loop.Unregister(srv.listenFd, reactor.Readable|reactor.Writable)
		_ = unix.Close(srv.listenFd)
		srv.listenFd = -1
	}
	for srv.clients.Len() > 0 {
		srv.freeClient(srv.clients.Front().Value.(*Client))
	}
	srv.ssl.Close()
}

func (srv *Server) acceptHandler(fd int, data interface{}, mask reactor.Mask) {
	for {
		connFd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				srv.logger.Warn("accept failed", "error", err)
			}
			return
		}
		if srv.clients.Len() >= srv.opts.MaxClients {
			srv.logger.Warn("max clients reached, rejecting connection", "fd", connFd)
			_ = unix.Close(connFd)
			continue
		}
		srv.acceptClient(connFd)
	}
}

func (srv *Server) acceptClient(fd int) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = fmt.Sprintf("fd-%d", fd)
	}
	c := &Client{ID: id, Fd: fd, CreatedAt: time.Now()}
	c.node = srv.clients.PushBack(c)

	if srv.ssl.Enabled() {
		if err := srv.ssl.SetupSslOnClient(c, fd); err != nil {
			srv.freeClient(c)
		}
		return
	}
	if err := srv.loop.Register(fd, reactor.Readable, srv.readQueryFromClient, c); err != nil {
		srv.freeClient(c)
	}
}

func (srv *Server) freeClient(c *Client) {
	if c.node == nil {
		return
	}
	srv.logger.Debug("freeing client", "client", c.ID, "fd", c.Fd)
	srv.loop.Unregister(c.Fd, reactor.Readable|reactor.Writable)
	if srv.ssl.Enabled() {
		_ = srv.ssl.CleanupConnectionForFd(c.Fd)
	}
	_ = unix.Close(c.Fd)
	srv.clients.Remove(c.node)
	c.node = nil
}

func (srv *Server) freeClusterLink(link *ClusterLink) {
	if link.node == nil {
		return
	}
	srv.loop.Unregister(link.Fd, reactor.Readable|reactor.Writable)
	if srv.ssl.Enabled() {
		_ = srv.ssl.CleanupConnectionForFd(link.Fd)
	}
	_ = unix.Close(link.Fd)
	srv.links.Remove(link.node)
	link.node = nil
}

// readQueryFromClient is the post-handshake handler for command traffic.
// Commands use the inline protocol, one per line.
func (srv *Server) readQueryFromClient(fd int, data interface{}, mask reactor.Mask) {
	c := data.(*Client)
	buf := make([]byte, 16*1024)
	n, err := srv.ssl.Read(fd, buf)
	if n <= 0 {
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		if err != nil {
			srv.logger.Debug("read error from client", "client", c.ID,
				"error", srv.ssl.Strerror(err))
		}
		srv.freeClient(c)
		return
	}

	for _, line := range bytes.Split(buf[:n], []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		srv.dispatchCommand(c, string(line))
		if c.node == nil {
			return
		}
	}
}

func (srv *Server) dispatchCommand(c *Client, line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}
	switch strings.ToUpper(args[0]) {
	case "PING":
		srv.reply(c, "+PONG\r\n")
	case "ECHO":
		if len(args) != 2 {
			srv.reply(c, "-ERR wrong number of arguments for 'echo' command\r\n")
			return
		}
		srv.reply(c, fmt.Sprintf("$%d\r\n%s\r\n", len(args[1]), args[1]))
	case "QUIT":
		srv.reply(c, "+OK\r\n")
		srv.freeClient(c)
	default:
		srv.reply(c, fmt.Sprintf("-ERR unknown command '%s'\r\n", args[0]))
	}
}

// reply queues a response; whatever the transport refuses is flushed from a
// writable handler.
func (srv *Server) reply(c *Client, out string) {
	c.pendingOut = append(c.pendingOut, out...)
	srv.flushPending(c)
}

func (srv *Server) flushPending(c *Client) {
	for len(c.pendingOut) > 0 {
		n, err := srv.ssl.Write(c.Fd, c.pendingOut)
		if n > 0 {
			c.pendingOut = c.pendingOut[n:]
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			if rerr := srv.loop.Register(c.Fd, reactor.Writable, srv.writePendingToClient, c); rerr != nil {
				srv.freeClient(c)
			}
			return
		}
		srv.freeClient(c)
		return
	}
	srv.loop.Unregister(c.Fd, reactor.Writable)
}

func (srv *Server) writePendingToClient(fd int, data interface{}, mask reactor.Mask) {
	srv.flushPending(data.(*Client))
}

// clusterReadHandler is the post-handshake handler for cluster bus links.
func (srv *Server) clusterReadHandler(fd int, data interface{}, mask reactor.Mask) {
	link := data.(*ClusterLink)
	buf := make([]byte, 16*1024)
	n, err := srv.ssl.Read(fd, buf)
	if n <= 0 {
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		srv.freeClusterLink(link)
		return
	}
	srv.logger.Trace("cluster bus payload", "link", link.ID, "bytes", n)
}

// syncWithMaster is the post-handshake handler on the replica's link to its
// master during the replication handshake.
func (srv *Server) syncWithMaster(fd int, data interface{}, mask reactor.Mask) {
	srv.logger.Trace("replication handshake progressing", "fd", fd, "mask", mask)
}

func listenTCP(addr string) (int, error) {
	sa, err := resolveSockaddr(addr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 511); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func resolveSockaddr(addr string) (unix.Sockaddr, error) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return nil, fmt.Errorf("invalid listen address %q", addr)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, fmt.Errorf("invalid listen port %q", portStr)
	}
	sa := &unix.SockaddrInet4{Port: port}
	if host != "" && host != "0.0.0.0" {
		var ip [4]byte
		if _, err := fmt.Sscanf(host, "%d.%d.%d.%d", &ip[0], &ip[1], &ip[2], &ip[3]); err != nil {
			return nil, fmt.Errorf("invalid listen host %q", host)
		}
		sa.Addr = ip
	}
	return sa, nil
}
