// Package chatsync keeps a messaging client in sync with its backend: live
// channels, a per-conversation message cache, optimistic sends reconciled by
// temp id, and edit/delete/react mutations applied from server events.
//
// Example:
//
//	cfg, _ := chatsync.LoadConfig(path)
//	backend := chatsync.NewClient(cfg)
//	s := chatsync.NewSession(cfg, backend)
//	defer s.Close()
//
//	s.Start(ctx)
//	convs, _ := s.Directory().Refresh(ctx)
//	msgs, _ := s.OpenConversation(ctx, convs[0])
//	s.Send(ctx, &chatsync.SendRequest{Content: "hi"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Backend is the request/response side of the messaging server.
type Backend interface {
	MessageFetcher
	ListPrivateConversations(ctx context.Context) ([]Conversation, error)
	ListGroupConversations(ctx context.Context) ([]Conversation, error)
	Search(ctx context.Context, query string) ([]SearchResult, error)
	CreateMessageRequest(ctx context.Context, receiverID, content string) (*MessageRequest, error)
	PendingRequests(ctx context.Context) ([]MessageRequest, error)
	RespondRequest(ctx context.Context, requestID string, accept bool) error
	UploadAttachment(ctx context.Context, file AttachmentFile, progress UploadProgress) (*Attachment, error)
}

// ============================================================================
// Client
// ============================================================================

// Client is the REST implementation of Backend.
type Client struct {
	baseURL        string
	token          string
	requestTimeout time.Duration
	uploadTimeout  time.Duration
	httpClient     *http.Client
	log            logrus.FieldLogger
}

var _ Backend = (*Client)(nil)

// NewClient creates a REST client for the server and credential in cfg. The
// credential is fixed for the life of the client.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.defaults()
	o := newOptions(opts)
	hc := o.httpClient
	if hc == nil {
		// Deadlines come from the per-call timeouts.
		hc = &http.Client{}
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.Server.BaseURL, "/"),
		token:          cfg.Auth.Token,
		requestTimeout: cfg.Timeouts.Request.Std(),
		uploadTimeout:  cfg.Timeouts.Upload.Std(),
		httpClient:     hc,
		log:            o.log.WithField("component", "client"),
	}
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeader(req)

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	c.log.WithFields(logrus.Fields{
		"method": req.Method,
		"path":   req.URL.Path,
		"status": resp.StatusCode,
	}).Debug("Request done")
	return data, nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	var detail struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, e) == nil && e.Message != "" {
		return e
	}
	if json.Unmarshal(body, &detail) == nil {
		e.Message = detail.Detail
		if e.Message == "" {
			e.Message = detail.Error
		}
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// decodeList accepts a bare JSON array or a paginated {"results": [...]}.
func decodeList[T any](data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		list, err := decodeJSON[[]T](trimmed)
		if err != nil {
			return nil, err
		}
		return *list, nil
	}
	page, err := decodeJSON[struct {
		Results []T `json:"results"`
	}](trimmed)
	if err != nil {
		return nil, err
	}
	return page.Results, nil
}

// ============================================================================
// Conversations and messages
// ============================================================================

// ListPrivateConversations lists the one-to-one conversations of the user.
func (c *Client) ListPrivateConversations(ctx context.Context) ([]Conversation, error) {
	return c.listConversations(ctx, "/api/chat/conversations/", KindPrivate)
}

// ListGroupConversations lists the groups the user belongs to.
func (c *Client) ListGroupConversations(ctx context.Context) ([]Conversation, error) {
	return c.listConversations(ctx, "/api/chat/groups/", KindGroup)
}

func (c *Client) listConversations(ctx context.Context, path string, kind ConversationKind) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList[wireConversation](data)
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(items))
	for i := range items {
		out = append(out, items[i].toConversation(kind))
	}
	return out, nil
}

// FetchMessages loads the history of a private peer or group.
func (c *Client) FetchMessages(ctx context.Context, key ConversationKey) ([]Message, error) {
	var path string
	switch key.Kind() {
	case KindPrivate:
		path = "/api/chat/messages/private/" + url.PathEscape(key.CounterpartID()) + "/"
	case KindGroup:
		path = "/api/chat/messages/group/" + url.PathEscape(key.CounterpartID()) + "/"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, key.Kind())
	}

	data, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList[wireMessage](data)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(items))
	for i := range items {
		out = append(out, items[i].toMessage(key))
	}
	return out, nil
}

// Search looks up users and groups matching query.
func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/search/", nil, url.Values{"q": {query}})
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[searchResponse](data)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(res.Users)+len(res.Groups))
	for i := range res.Users {
		out = append(out, SearchResult{Kind: KindPrivate, User: &res.Users[i]})
	}
	for i := range res.Groups {
		out = append(out, SearchResult{Kind: KindGroup, Group: &res.Groups[i]})
	}
	return out, nil
}

// ============================================================================
// Message requests
// ============================================================================

// CreateMessageRequest sends the first message to a user the caller has no
// conversation with.
func (c *Client) CreateMessageRequest(ctx context.Context, receiverID, content string) (*MessageRequest, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/chat/message-requests/",
		createRequestBody{ReceiverID: receiverID, Content: content}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessageRequest](data)
}

// PendingRequests lists message requests awaiting an answer.
func (c *Client) PendingRequests(ctx context.Context) ([]MessageRequest, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/chat/message-requests/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[MessageRequest](data)
}

// RespondRequest accepts or rejects a message request.
func (c *Client) RespondRequest(ctx context.Context, requestID string, accept bool) error {
	verb := "reject"
	if accept {
		verb = "accept"
	}
	_, err := c.doRequest(ctx, http.MethodPost,
		"/api/chat/message-requests/"+url.PathEscape(requestID)+"/"+verb+"/", nil, nil)
	return err
}

// ============================================================================
// Attachments
// ============================================================================

// UploadAttachment uploads one file as a multipart form and returns the
// stored attachment. progress, if set, receives bytes written so far.
func (c *Client) UploadAttachment(ctx context.Context, file AttachmentFile, progress UploadProgress) (*Attachment, error) {
	if file.Name == "" {
		return nil, fmt.Errorf("file name is required")
	}
	mimeType := file.MIME
	if mimeType == "" {
		mimeType = guessMimeType(file.Name)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.Name))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	total := int64(buf.Len())
	body := &progressReader{r: &buf, total: total, fn: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/attachments/", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeader(req)

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	att, err := decodeJSON[Attachment](data)
	if err != nil {
		return nil, err
	}
	if att.Name == "" {
		att.Name = file.Name
	}
	if att.MIME == "" {
		att.MIME = mimeType
	}
	return att, nil
}

// progressReader reports how much of the request body has been read.
type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    UploadProgress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".webp": "image/webp", ".webm": "video/webm",
		".heic": "image/heic", ".m4a": "audio/mp4",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
