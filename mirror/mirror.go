// Package mirror locates and downloads Contents indices from Debian archive
// mirrors.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// ErrNetwork is matched by every *NetworkError.
var ErrNetwork = errors.New("network failure")

// NetworkError reports a connection, login, transfer or status failure while
// talking to a mirror.
type NetworkError struct {
	Op   string
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrNetwork) hold.
func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// Protocol selects how the index is transferred.
type Protocol string

const (
	FTP  Protocol = "ftp"
	HTTP Protocol = "http"
)

// ParseProtocol validates a protocol name.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(s)); p {
	case FTP, HTTP:
		return p, nil
	default:
		return "", fmt.Errorf("unknown protocol %q, expected ftp or http", s)
	}
}

// Host returns the mirror host serving the given country.
func Host(country string) string {
	return fmt.Sprintf("ftp.%s.debian.org", country)
}

// BaseDir returns the remote directory holding the Contents indices of a
// distribution component.
func BaseDir(dist, comp string) string {
	return fmt.Sprintf("debian/dists/%s/%s/", dist, comp)
}

// Filename returns the name of the Contents index for an architecture.
func Filename(arch string) string {
	return fmt.Sprintf("Contents-%s.gz", arch)
}

// Source selects one Contents index on the Debian archive.
// Standard layout: <host>/debian/dists/<dist>/<comp>/Contents-<arch>.gz
type Source struct {
	Country string
	Dist    string
	Comp    string
	Arch    string
}

// Host returns the mirror host for s.
func (s Source) Host() string { return Host(s.Country) }

// BaseDir returns the remote directory for s.
func (s Source) BaseDir() string { return BaseDir(s.Dist, s.Comp) }

// Filename returns the index filename for s.
func (s Source) Filename() string { return Filename(s.Arch) }

// Path returns the remote path of the index, relative to the server root.
func (s Source) Path() string {
	return s.BaseDir() + s.Filename()
}

// URL returns the location of the index for the given protocol.
func (s Source) URL(p Protocol) string {
	return fmt.Sprintf("%s://%s/%s", p, s.Host(), s.Path())
}

// Options tunes a Fetch.
type Options struct {
	Protocol Protocol
	// Dir is where the index is written. Defaults to the working directory.
	Dir string
	// Timeout bounds dialing and each transfer step. Zero means no timeout.
	Timeout time.Duration
	// Mirror overrides the host derived from the country. It may carry a
	// port, e.g. "deb.debian.org" or "127.0.0.1:2121".
	Mirror string
}

func (o Options) host(src Source) string {
	if o.Mirror != "" {
		return o.Mirror
	}
	return src.Host()
}

// Result describes a downloaded index.
type Result struct {
	Path string
	Size int64
}

// Fetch downloads the index selected by src into opts.Dir, replacing any
// previous download of the same architecture.
func Fetch(ctx context.Context, src Source, opts Options) (Result, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	dest := filepath.Join(dir, src.Filename())

	// Download next to the destination and rename, so that a failed transfer
	// never leaves a truncated index under the final name.
	tmp, err := os.CreateTemp(dir, src.Filename()+".*.part")
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(tmp.Name())

	var size int64
	switch opts.Protocol {
	case HTTP:
		size, err = fetchHTTP(ctx, src, opts, tmp)
	case FTP, "":
		size, err = fetchFTP(ctx, src, opts, tmp)
	default:
		err = fmt.Errorf("unknown protocol %q", opts.Protocol)
	}
	if err == nil {
		// CreateTemp makes the file private; the index is not.
		err = tmp.Chmod(0644)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Result{}, err
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return Result{}, err
	}
	return Result{Path: dest, Size: size}, nil
}

// ftpConn is the subset of an FTP control connection used by fetchFTP.
type ftpConn interface {
	Login(user, password string) error
	ChangeDir(path string) error
	Retr(path string) (io.ReadCloser, error)
	Quit() error
}

type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Retr(path string) (io.ReadCloser, error) {
	resp, err := c.ServerConn.Retr(path)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// dialFTP opens a control connection. Replaced in tests.
var dialFTP = func(ctx context.Context, addr string, timeout time.Duration) (ftpConn, error) {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(timeout))
	}
	c, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	return serverConn{c}, nil
}

// fetchFTP retrieves the index over anonymous FTP. The client switches to
// binary transfer mode on login.
func fetchFTP(ctx context.Context, src Source, opts Options, w io.Writer) (int64, error) {
	addr := opts.host(src)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "21")
	}
	slog.Debug("dialing mirror", "addr", addr)

	c, err := dialFTP(ctx, addr, opts.Timeout)
	if err != nil {
		return 0, &NetworkError{Op: "dial", Addr: addr, Err: err}
	}
	defer func() {
		// Quit closes the connection even when the server answers badly.
		if err := c.Quit(); err != nil {
			slog.Warn("closing ftp connection", "addr", addr, "err", err)
		}
	}()

	if err := c.Login("anonymous", "anonymous"); err != nil {
		return 0, &NetworkError{Op: "login", Addr: addr, Err: err}
	}
	if err := c.ChangeDir(src.BaseDir()); err != nil {
		return 0, &NetworkError{Op: "cwd " + src.BaseDir(), Addr: addr, Err: err}
	}

	r, err := c.Retr(src.Filename())
	if err != nil {
		return 0, &NetworkError{Op: "retr " + src.Filename(), Addr: addr, Err: err}
	}
	n, err := io.Copy(w, r)
	if cerr := r.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, &NetworkError{Op: "retr " + src.Filename(), Addr: addr, Err: err}
	}
	return n, nil
}

func fetchHTTP(ctx context.Context, src Source, opts Options, w io.Writer) (int64, error) {
	url := fmt.Sprintf("http://%s/%s", opts.host(src), src.Path())
	slog.Debug("requesting index", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	client := &http.Client{Timeout: opts.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return 0, &NetworkError{Op: "get", Addr: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &NetworkError{Op: "get", Addr: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &NetworkError{Op: "get", Addr: url, Err: err}
	}
	return n, nil
}
