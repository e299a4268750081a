// Package ftpgateway implements the ftp_control/ftp_transfer capability: a
// thin wrapper over an FTP control connection (login, directory listing,
// RETR/STOR transfer) against an upstream FTP server. Its one caller is the
// admin CLI's ftp-fetch command; it does not implement the escaper.Escaper
// interface and no escaper relays client FTP sessions through it.
//
// The control/login/transfer shape follows a typical FTP client library:
// connect, wait for the greeting, login, then issue one RETR/STOR/LIST per
// file operation over a fresh data connection opened in passive mode.
package ftpgateway

import (
	"fmt"
	"io"
	"time"

	"github.com/jlaffaye/ftp"
)

// Config is the static policy of one upstream FTP connection.
type Config struct {
	Addr           string // "host:port"
	User           string
	Password       string
	ConnectTimeout time.Duration
	PassiveMode    bool
}

// Gateway owns one logged-in control connection to an upstream FTP server.
// It is not safe for concurrent use by multiple goroutines: FTP's control
// channel is inherently single-threaded (one in-flight command at a time),
// so a Gateway is created per relayed session, not shared.
type Gateway struct {
	cfg  Config
	conn *ftp.ServerConn
}

// Dial opens the control connection, waits for the greeting and logs in.
func Dial(cfg Config) (*Gateway, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	conn, err := ftp.Dial(cfg.Addr, ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("ftpgateway: dial %s: %w", cfg.Addr, err)
	}

	if err := conn.Login(cfg.User, cfg.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftpgateway: login: %w", err)
	}

	return &Gateway{cfg: cfg, conn: conn}, nil
}

// Retrieve opens path for reading via RETR over a freshly opened passive
// data connection. The caller must Close the returned reader to release the
// data connection before issuing another command on this Gateway.
func (g *Gateway) Retrieve(path string) (io.ReadCloser, error) {
	resp, err := g.conn.Retr(path)
	if err != nil {
		return nil, fmt.Errorf("ftpgateway: retr %s: %w", path, err)
	}
	return resp, nil
}

// RetrieveFrom resumes a RETR at offset, for partial/resumed downloads.
func (g *Gateway) RetrieveFrom(path string, offset uint64) (io.ReadCloser, error) {
	resp, err := g.conn.RetrFrom(path, offset)
	if err != nil {
		return nil, fmt.Errorf("ftpgateway: retr %s from %d: %w", path, offset, err)
	}
	return resp, nil
}

// Store uploads the contents of r to path via STOR.
func (g *Gateway) Store(path string, r io.Reader) error {
	if err := g.conn.Stor(path, r); err != nil {
		return fmt.Errorf("ftpgateway: stor %s: %w", path, err)
	}
	return nil
}

// Entry describes one file or directory returned by List.
type Entry struct {
	Name string
	Size uint64
	Type EntryType
	Time time.Time
}

type EntryType int

const (
	EntryFile EntryType = iota
	EntryDir
	EntryLink
)

// List enumerates path via LIST/MLSD, translating the underlying client's
// entry type into EntryType.
func (g *Gateway) List(path string) ([]Entry, error) {
	raw, err := g.conn.List(path)
	if err != nil {
		return nil, fmt.Errorf("ftpgateway: list %s: %w", path, err)
	}
	out := make([]Entry, 0, len(raw))
	for _, e := range raw {
		et := EntryFile
		switch e.Type {
		case ftp.EntryTypeFolder:
			et = EntryDir
		case ftp.EntryTypeLink:
			et = EntryLink
		}
		out = append(out, Entry{Name: e.Name, Size: e.Size, Type: et, Time: e.Time})
	}
	return out, nil
}

// ChangeDir issues CWD, used when the relayed client's working directory
// changes before a relative-path RETR/STOR/LIST.
func (g *Gateway) ChangeDir(path string) error {
	if err := g.conn.ChangeDir(path); err != nil {
		return fmt.Errorf("ftpgateway: cwd %s: %w", path, err)
	}
	return nil
}

// Quit closes the control connection, sending QUIT first.
func (g *Gateway) Quit() error {
	return g.conn.Quit()
}
