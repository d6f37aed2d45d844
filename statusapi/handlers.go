package statusapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lcx/peerlink/net"
)

// ErrorResponse is the body of every non-200 reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ConnectorInfo describes one connector in GET /status.
type ConnectorInfo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	// Kind is the variant, e.g. "data_udp" or "login_server_tcp".
	Kind string `json:"kind"`
	// Connections lists the pool as "protocol://host:port".
	Connections []string `json:"connections"`
	// Max is the pool capacity, 0 when unbounded.
	Max int `json:"max"`
}

// StatusResponse is the body of GET /status: the node's identity, the size
// of its user table and its connectors.
type StatusResponse struct {
	GlobalID    string          `json:"globalId"`
	App         string          `json:"app"`
	Version     string          `json:"version"`
	Users       int             `json:"users"`
	MaxUsers    int             `json:"maxUsers"`
	Connectors  []ConnectorInfo `json:"connectors"`
	ProxyServer int             `json:"proxyServers"`
}

// UserInfo describes one entry of the user table.
type UserInfo struct {
	ID       int    `json:"id"`
	GlobalID string `json:"globalId"`
	// Proxy is set for users only reachable through a proxy server.
	Proxy bool `json:"proxy"`
	// Connector and Connection are the user's default route; Connector is
	// -1 for proxy users.
	Connector  int    `json:"connector"`
	Connection string `json:"connection"`
	// PingMillis is omitted until a round trip was measured.
	PingMillis *int64 `json:"pingMillis,omitempty"`
	// LastSeen is RFC 3339 in UTC, omitted before any traffic.
	LastSeen string `json:"lastSeen,omitempty"`
}

// ProxyServerInfo lists the users relayed by one proxy server.
type ProxyServerInfo struct {
	Server string   `json:"server"`
	Users  []string `json:"users"`
}

// FileTaskInfo describes one running file transfer in GET /files.
type FileTaskInfo struct {
	ID       uint64 `json:"id"`
	Peer     string `json:"peer"`
	Incoming bool   `json:"incoming"`
	State    string `json:"state"`
	// Size is the payload size on the wire, 0 for dataset transfers.
	Size        int64 `json:"size"`
	Transported int64 `json:"transported"`
	Datasets    int   `json:"datasets,omitempty"`
	// Current is the last dataset moved, -1 before the first.
	Current int `json:"currentDataset"`
	// Queued is the place in the receiver's slot queue, omitted once served.
	Queued int `json:"queued,omitempty"`
}

func connectorKind(c net.Connector) string {
	switch c.(type) {
	case *net.DataTransport:
		return "data_udp"
	case *net.DataTransport2:
		return "data_tcp"
	case *net.FileTransport:
		return "file"
	case *net.LoginServer:
		return "login_server_udp"
	case *net.LoginClient:
		return "login_client_udp"
	case *net.LoginServer2:
		return "login_server_tcp"
	case *net.LoginClient2:
		return "login_client_tcp"
	default:
		return "custom"
	}
}

func userInfo(u *net.User) UserInfo {
	route := u.Route()
	info := UserInfo{
		ID:         u.ID,
		GlobalID:   u.GlobalID.String(),
		Proxy:      u.IsProxy(),
		Connector:  route.ConnectorID,
		Connection: route.Connection.String(),
	}
	if d, ok := u.Ping(); ok {
		ms := d.Milliseconds()
		info.PingMillis = &ms
	}
	if seen := u.LastSeen(); !seen.IsZero() {
		info.LastSeen = seen.UTC().Format(time.RFC3339Nano)
	}
	return info
}

// handleStatus handles GET /status
func (s *Server) handleStatus(c *gin.Context) {
	id := s.m.Identity()
	resp := StatusResponse{
		GlobalID:    id.ID.String(),
		App:         id.StaticIdentification,
		Version:     id.Version,
		Users:       s.m.Users().Count(),
		MaxUsers:    s.m.Users().Max(),
		ProxyServer: len(s.m.Proxy().Servers()),
	}
	for _, conn := range s.m.Connectors() {
		info := ConnectorInfo{
			ID:   conn.ID(),
			Name: conn.Name(),
			Kind: connectorKind(conn),
			Max:  conn.Connections().MaxConnectionsCount(),
		}
		for _, cc := range conn.Connections().All() {
			info.Connections = append(info.Connections, cc.String())
		}
		resp.Connectors = append(resp.Connectors, info)
	}
	c.JSON(http.StatusOK, resp)
}

// handleUsers handles GET /users
func (s *Server) handleUsers(c *gin.Context) {
	users := s.m.Users().All()
	out := make([]UserInfo, 0, len(users))
	for _, u := range users {
		out = append(out, userInfo(u))
	}
	c.JSON(http.StatusOK, out)
}

// handleUser handles GET /users/:id
func (s *Server) handleUser(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "user id must be a number"})
		return
	}
	u := s.m.Users().Get(id)
	if u == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})
		return
	}
	c.JSON(http.StatusOK, userInfo(u))
}

// handleProxy handles GET /proxy
func (s *Server) handleProxy(c *gin.Context) {
	servers := s.m.Proxy().Servers()
	out := make([]ProxyServerInfo, 0, len(servers))
	for _, ps := range servers {
		info := ProxyServerInfo{Server: ps.ServerUser.GlobalID.String(), Users: []string{}}
		for _, u := range ps.Users() {
			info.Users = append(info.Users, u.GlobalID.String())
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, out)
}

// handleFiles handles GET /files
func (s *Server) handleFiles(c *gin.Context) {
	out := []FileTaskInfo{}
	ft := s.m.FileTransport()
	if ft != nil {
		for _, t := range ft.Tasks() {
			out = append(out, FileTaskInfo{
				ID:          t.ID(),
				Peer:        t.Peer().GlobalID.String(),
				Incoming:    t.Incoming(),
				State:       t.State().String(),
				Size:        t.Size(),
				Transported: t.TransportedBytes(),
				Datasets:    t.DatasetCount(),
				Current:     t.CurrentDataset(),
				Queued:      t.Queued(),
			})
		}
	}
	c.JSON(http.StatusOK, out)
}
