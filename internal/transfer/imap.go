package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/johndauphine/sms-backup-sync/internal/convert"
	"github.com/johndauphine/sms-backup-sync/internal/credential"
	"github.com/johndauphine/sms-backup-sync/internal/datatype"
	"github.com/johndauphine/sms-backup-sync/internal/logging"
	"github.com/johndauphine/sms-backup-sync/internal/syncerr"
)

// IMAPOptions configure IMAP clients.
type IMAPOptions struct {
	// Folders overrides the default folder name per kind.
	Folders     map[datatype.Kind]string
	SkipVerify  bool
	DialTimeout time.Duration
}

// IMAPClient is a Client over one IMAP connection. The connection is opened on the
// first call that needs it.
type IMAPClient struct {
	ep   Endpoint
	opts IMAPOptions

	mu      sync.Mutex
	conn    *imapclient.Client
	folders map[string]*imapFolder
}

// NewIMAPClient creates a client for ep.
func NewIMAPClient(ep Endpoint, opts IMAPOptions) *IMAPClient {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 30 * time.Second
	}
	return &IMAPClient{ep: ep, opts: opts, folders: map[string]*imapFolder{}}
}

// FolderName returns the remote folder used for kind.
func (c *IMAPClient) FolderName(kind datatype.Kind) string {
	if name, ok := c.opts.Folders[kind]; ok && name != "" {
		return name
	}
	return kind.Describe().DefaultFolder
}

// CheckReachable logs in and out again.
func (c *IMAPClient) CheckReachable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return err
	}
	c.logout()
	return nil
}

// Folder selects the folder of kind, creating it when it does not exist.
func (c *IMAPClient) Folder(ctx context.Context, kind datatype.Kind) (Folder, error) {
	name := c.FolderName(kind)
	if err := datatype.ValidateFolderName(name); err != nil {
		return nil, syncerr.Configuration("folder "+kind.String(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.folders[name]; ok {
		return f, nil
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	op := "folder " + name
	if _, err := c.conn.Status(name, &imap.StatusOptions{NumMessages: true}).Wait(); err != nil {
		logging.Debug("Folder %s not found (%v), creating it", name, err)
		if err := c.conn.Create(name, nil).Wait(); err != nil {
			return nil, classify(op, err)
		}
	}
	f := &imapFolder{client: c, name: name}
	c.folders[name] = f
	return f, nil
}

// CloseAll logs out. Errors are logged only.
func (c *IMAPClient) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.folders = map[string]*imapFolder{}
	c.logout()
	return nil
}

// connect dials and authenticates unless already connected. c.mu must be held.
func (c *IMAPClient) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return classify(opConnect, err)
	}

	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	options := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         c.ep.Host(),
			InsecureSkipVerify: c.opts.SkipVerify,
		},
	}

	var conn *imapclient.Client
	switch c.ep.Security {
	case credential.SecurityStartTLS:
		raw, err := dialer.DialContext(ctx, "tcp", c.ep.Address)
		if err != nil {
			return classify(opConnect, err)
		}
		conn, err = imapclient.NewStartTLS(raw, options)
		if err != nil {
			_ = raw.Close()
			return classify(opConnect, fmt.Errorf("starttls: %w", err))
		}
	case credential.SecurityTLS:
		options.TLSConfig.NextProtos = []string{"imap"}
		raw, err := tls.DialWithDialer(dialer, "tcp", c.ep.Address, options.TLSConfig)
		if err != nil {
			return classify(opConnect, err)
		}
		conn = imapclient.New(raw, options)
	default:
		raw, err := dialer.DialContext(ctx, "tcp", c.ep.Address)
		if err != nil {
			return classify(opConnect, err)
		}
		conn = imapclient.New(raw, options)
	}

	var err error
	switch c.ep.Auth {
	case AuthOAuthBearer:
		port, _ := strconv.Atoi(portOf(c.ep.Address))
		err = conn.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: c.ep.Username,
			Token:    c.ep.Secret,
			Host:     c.ep.Host(),
			Port:     port,
		}))
	default:
		err = conn.Login(c.ep.Username, c.ep.Secret).Wait()
	}
	if err != nil {
		_ = conn.Close()
		return classify(opLogin, err)
	}
	logging.Debug("Logged in to %s as %s", c.ep.Address, c.ep.Username)
	c.conn = conn
	return nil
}

func (c *IMAPClient) logout() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Logout().Wait(); err != nil {
		logging.Debug("IMAP logout: %v", err)
	}
	if err := c.conn.Close(); err != nil {
		logging.Debug("IMAP close: %v", err)
	}
	c.conn = nil
}

func portOf(address string) string {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return ""
	}
	return port
}

type imapFolder struct {
	client *IMAPClient
	name   string
}

func (f *imapFolder) Name() string { return f.name }

// Append stores msgs in order. It stops at the first failure.
func (f *imapFolder) Append(ctx context.Context, msgs []convert.Message) error {
	c := f.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return err
	}
	op := "append " + f.name
	for _, msg := range msgs {
		flags := make([]imap.Flag, 0, len(msg.Flags))
		for _, fl := range msg.Flags {
			flags = append(flags, imap.Flag(fl))
		}
		cmd := c.conn.Append(f.name, int64(len(msg.Body)), &imap.AppendOptions{
			Flags: flags,
			Time:  msg.Date,
		})
		_, writeErr := cmd.Write(msg.Body)
		closeErr := cmd.Close()
		_, waitErr := cmd.Wait()
		if writeErr != nil || closeErr != nil || waitErr != nil {
			return classify(op, errors.Join(waitErr, writeErr, closeErr))
		}
	}
	return nil
}

// Messages fetches up to max messages, the newest ones when the folder holds more.
func (f *imapFolder) Messages(ctx context.Context, max int, flaggedOnly bool) ([]RemoteMessage, error) {
	c := f.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	op := "fetch " + f.name

	selected, err := c.conn.Select(f.name, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, classify(op, err)
	}
	if selected.NumMessages == 0 {
		return nil, nil
	}

	criteria := &imap.SearchCriteria{}
	if flaggedOnly {
		criteria.Flag = []imap.Flag{imap.FlagFlagged}
	}
	data, err := c.conn.Search(criteria, nil).Wait()
	if err != nil {
		return nil, classify(op, err)
	}
	nums := data.AllSeqNums()
	if max > 0 && len(nums) > max {
		nums = nums[len(nums)-max:]
	}
	if len(nums) == 0 {
		return nil, nil
	}

	fetchCmd := c.conn.Fetch(imap.SeqSetNum(nums...), &imap.FetchOptions{
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	})
	var out []RemoteMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		rm := RemoteMessage{SeqNum: msg.SeqNum}
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch item := item.(type) {
			case imapclient.FetchItemDataFlags:
				for _, fl := range item.Flags {
					rm.Flags = append(rm.Flags, string(fl))
				}
			case imapclient.FetchItemDataInternalDate:
				rm.Date = item.Time
			case imapclient.FetchItemDataBodySection:
				body, err := io.ReadAll(item.Literal)
				if err != nil {
					logging.Warn("Reading message %d of %s: %v", msg.SeqNum, f.name, err)
					continue
				}
				rm.Body = body
			}
		}
		if rm.Body != nil {
			out = append(out, rm)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return out, classify(op, err)
	}
	return out, nil
}

// IMAPFactory creates IMAP clients from the credential manager's connection URI.
type IMAPFactory struct {
	Credentials interface {
		ConnectionURI() (string, bool)
	}
	Options IMAPOptions
}

// NewClient returns syncerr.ErrLoginRequired when no credential is set.
func (f *IMAPFactory) NewClient(_ context.Context) (Client, error) {
	uri, ok := f.Credentials.ConnectionURI()
	if !ok {
		return nil, syncerr.ErrLoginRequired
	}
	ep, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return NewIMAPClient(ep, f.Options), nil
}
