// Package courseflow provides a Go client SDK for the course-flow classroom
// service.
//
// Covers authentication, the classroom REST API, and the real-time chat
// session with sub-module access pattern.
//
// Example:
//
//	client := courseflow.NewClient(courseflow.WithBaseURL("https://class.example.com"))
//
//	// Authenticate (tokens are stored on the client's TokenStore)
//	me, _ := client.Auth.Login(ctx, "alex", "secret")
//
//	// REST API
//	courses, _ := client.Courses.List(ctx)
//	client.Posts.Create(ctx, courses[0].ID, "Welcome!")
//
//	// Real-time chat (sub-module pattern)
//	session := client.Chat.Session(courses[0].ID, nil)
//	session.OnMessage(func(msg courseflow.ChatMessage) { fmt.Println(msg.Text) })
//	session.Start(ctx)
//	defer session.Close()
package courseflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second

	apiPrefix = "/api/v1"
)

// ============================================================================
// Client
// ============================================================================

// Client is the course-flow API client. Zero-value construction is not
// supported; use NewClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenStore
	refresher  *TokenRefresher
	logger     *log.Logger

	Auth          *AuthClient
	Courses       *CoursesClient
	Members       *MembersClient
	Posts         *PostsClient
	Notifications *NotificationsClient
	Documents     *DocumentsClient
	Chat          *ChatClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenStore replaces the default in-memory token store, e.g. with one
// that persists rotated tokens to disk.
func WithTokenStore(store TokenStore) ClientOption {
	return func(c *Client) { c.tokens = store }
}

// WithLogger sets the logger used for dropped-frame and lifecycle diagnostics.
// The default logger discards everything.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new course-flow client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		tokens: NewMemoryTokenStore(),
		logger: log.New(io.Discard, "", 0),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.refresher = newTokenRefresher(c)
	c.Auth = &AuthClient{client: c}
	c.Courses = &CoursesClient{client: c}
	c.Members = &MembersClient{client: c}
	c.Posts = &PostsClient{client: c}
	c.Notifications = &NotificationsClient{client: c}
	c.Documents = &DocumentsClient{client: c}
	c.Chat = &ChatClient{client: c}
	return c
}

// TokenStore returns the client's token store.
func (c *Client) TokenStore() TokenStore {
	return c.tokens
}

// Refresher returns the client's single-flight token refresher.
func (c *Client) Refresher() *TokenRefresher {
	return c.refresher
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) roundTrip(ctx context.Context, method, path string, body interface{}, query map[string]string, authed bool) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if pair, ok := c.tokens.Tokens(); ok && pair.Access != "" {
			req.Header.Set("Authorization", "Bearer "+pair.Access)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// do performs an authenticated request. A 401 response is retried exactly
// once after a successful refresh cycle; a second 401, or a failed refresh,
// is surfaced to the caller without further retries.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	status, data, err := c.roundTrip(ctx, method, path, body, query, true)
	if err != nil {
		return err
	}

	if status == http.StatusUnauthorized {
		if rerr := c.refresher.Refresh(ctx); rerr != nil {
			return apiError(status, data)
		}
		status, data, err = c.roundTrip(ctx, method, path, body, query, true)
		if err != nil {
			return err
		}
	}

	if status >= 300 {
		return apiError(status, data)
	}
	return decodeInto(data, out)
}

// doBare performs an unauthenticated request with no retry. Used by login,
// register, and the refresh cycle itself.
func (c *Client) doBare(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	status, data, err := c.roundTrip(ctx, method, path, body, nil, false)
	if err != nil {
		return err
	}
	if status >= 300 {
		return apiError(status, data)
	}
	return decodeInto(data, out)
}

func decodeInto(data []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func apiError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("request rejected with status %d", status)
	}
	return apiErr
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient handles registration, login, logout, and token refresh.
type AuthClient struct{ client *Client }

func (a *AuthClient) Register(ctx context.Context, opts *RegisterOptions) (*RegisterResult, error) {
	var result RegisterResult
	if err := a.client.doBare(ctx, "POST", apiPrefix+"/auth/register", opts, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Login authenticates and stores the returned token pair on the client's
// TokenStore.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var result LoginResult
	err := a.client.doBare(ctx, "POST", apiPrefix+"/auth/login",
		map[string]string{"username": username, "password": password}, &result)
	if err != nil {
		return nil, err
	}
	a.client.tokens.SetTokens(result.TokenPair)
	return &result, nil
}

// Logout revokes the refresh token server-side and clears the stored pair.
func (a *AuthClient) Logout(ctx context.Context) error {
	pair, ok := a.client.tokens.Tokens()
	if !ok {
		return nil
	}
	err := a.client.do(ctx, "POST", apiPrefix+"/auth/logout",
		map[string]string{"refresh_token": pair.Refresh}, nil, nil)
	if err != nil {
		return err
	}
	a.client.tokens.Clear()
	return nil
}

// Refresh forces one refresh cycle.
func (a *AuthClient) Refresh(ctx context.Context) error {
	return a.client.refresher.Refresh(ctx)
}

// ============================================================================
// Courses
// ============================================================================

// CoursesClient handles class creation and membership-level course access.
type CoursesClient struct{ client *Client }

func (cs *CoursesClient) Create(ctx context.Context, opts *CreateCourseOptions) (*Course, error) {
	var course Course
	if err := cs.client.do(ctx, "POST", apiPrefix+"/course", opts, nil, &course); err != nil {
		return nil, err
	}
	return &course, nil
}

// List returns the courses the authenticated user belongs to.
func (cs *CoursesClient) List(ctx context.Context) ([]CourseListing, error) {
	var courses []CourseListing
	if err := cs.client.do(ctx, "GET", apiPrefix+"/course", nil, nil, &courses); err != nil {
		return nil, err
	}
	return courses, nil
}

func (cs *CoursesClient) Get(ctx context.Context, courseID string) (*CourseListing, error) {
	var course CourseListing
	if err := cs.client.do(ctx, "GET", apiPrefix+"/course/"+courseID, nil, nil, &course); err != nil {
		return nil, err
	}
	return &course, nil
}

// Join enrolls the authenticated user in the course matching the join code.
func (cs *CoursesClient) Join(ctx context.Context, joinCode string) (*Course, error) {
	var course Course
	err := cs.client.do(ctx, "POST", apiPrefix+"/course/join",
		map[string]string{"join_code": joinCode}, nil, &course)
	if err != nil {
		return nil, err
	}
	return &course, nil
}

func (cs *CoursesClient) Update(ctx context.Context, courseID string, opts *CreateCourseOptions) (*Course, error) {
	var course Course
	if err := cs.client.do(ctx, "PUT", apiPrefix+"/course/"+courseID, opts, nil, &course); err != nil {
		return nil, err
	}
	return &course, nil
}

func (cs *CoursesClient) Archive(ctx context.Context, courseID string) error {
	return cs.client.do(ctx, "POST", apiPrefix+"/course/archive/"+courseID, nil, nil, nil)
}

func (cs *CoursesClient) Leave(ctx context.Context, courseID string) error {
	return cs.client.do(ctx, "DELETE", apiPrefix+"/course/leave/"+courseID, nil, nil, nil)
}

// ============================================================================
// Members
// ============================================================================

// MembersClient handles course membership management.
type MembersClient struct{ client *Client }

func (m *MembersClient) List(ctx context.Context, courseID string) ([]CourseMember, error) {
	var members []CourseMember
	if err := m.client.do(ctx, "GET", apiPrefix+"/course-member/"+courseID, nil, nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (m *MembersClient) ChangeRole(ctx context.Context, courseID, userID, role string) error {
	return m.client.do(ctx, "PUT", apiPrefix+"/course-member/change-role/"+courseID,
		map[string]string{"user_id": userID, "role": role}, nil, nil)
}

func (m *MembersClient) Kick(ctx context.Context, courseID, userID string) error {
	return m.client.do(ctx, "DELETE", apiPrefix+"/course-member/"+courseID+"/"+userID, nil, nil, nil)
}

// ============================================================================
// Posts & Comments
// ============================================================================

// PostsClient handles the course feed.
type PostsClient struct{ client *Client }

func (p *PostsClient) List(ctx context.Context, courseID string) ([]Post, error) {
	var posts []Post
	if err := p.client.do(ctx, "GET", apiPrefix+"/post/"+courseID, nil, nil, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func (p *PostsClient) Create(ctx context.Context, courseID, content string) (*Post, error) {
	var post Post
	err := p.client.do(ctx, "POST", apiPrefix+"/post/"+courseID,
		map[string]string{"content": content}, nil, &post)
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (p *PostsClient) Edit(ctx context.Context, postID, content string) (*Post, error) {
	var post Post
	err := p.client.do(ctx, "PUT", apiPrefix+"/post/"+postID,
		map[string]string{"content": content}, nil, &post)
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (p *PostsClient) Delete(ctx context.Context, postID string) error {
	return p.client.do(ctx, "DELETE", apiPrefix+"/post/"+postID, nil, nil, nil)
}

func (p *PostsClient) Comments(ctx context.Context, postID string) ([]Comment, error) {
	var comments []Comment
	if err := p.client.do(ctx, "GET", apiPrefix+"/post/comment/"+postID, nil, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

func (p *PostsClient) AddComment(ctx context.Context, postID, content string) (*Comment, error) {
	var comment Comment
	err := p.client.do(ctx, "POST", apiPrefix+"/post/comment/"+postID,
		map[string]string{"content": content}, nil, &comment)
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

func (p *PostsClient) EditComment(ctx context.Context, commentID, content string) (*Comment, error) {
	var comment Comment
	err := p.client.do(ctx, "PUT", apiPrefix+"/post/comment/"+commentID,
		map[string]string{"content": content}, nil, &comment)
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

func (p *PostsClient) DeleteComment(ctx context.Context, commentID string) error {
	return p.client.do(ctx, "DELETE", apiPrefix+"/post/comment/"+commentID, nil, nil, nil)
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationsClient handles the notification feed.
type NotificationsClient struct{ client *Client }

func (n *NotificationsClient) List(ctx context.Context) ([]Notification, error) {
	var notifs []Notification
	if err := n.client.do(ctx, "GET", apiPrefix+"/notification", nil, nil, &notifs); err != nil {
		return nil, err
	}
	return notifs, nil
}

func (n *NotificationsClient) MarkRead(ctx context.Context, notificationID string) error {
	return n.client.do(ctx, "POST", apiPrefix+"/notification/read",
		map[string]string{"id": notificationID}, nil, nil)
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	return n.client.do(ctx, "POST", apiPrefix+"/notification/read-all", nil, nil, nil)
}

func (n *NotificationsClient) Clear(ctx context.Context) error {
	return n.client.do(ctx, "POST", apiPrefix+"/notification/clear", nil, nil, nil)
}

// ============================================================================
// Documents & Attachments
// ============================================================================

// DocumentsClient handles file uploads and post attachments.
type DocumentsClient struct{ client *Client }

// Upload sends a file as multipart form data and returns the stored document.
// A 401 is retried once after a refresh cycle, same as ordinary requests.
func (d *DocumentsClient) Upload(ctx context.Context, fileName string, data []byte) (*Document, error) {
	doc, status, err := d.upload(ctx, fileName, data)
	if status == http.StatusUnauthorized {
		if rerr := d.client.refresher.Refresh(ctx); rerr != nil {
			return nil, err
		}
		doc, _, err = d.upload(ctx, fileName, data)
	}
	return doc, err
}

func (d *DocumentsClient) upload(ctx context.Context, fileName string, data []byte) (*Document, int, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, 0, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", d.client.baseURL+apiPrefix+"/document", &buf)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if pair, ok := d.client.tokens.Tokens(); ok && pair.Access != "" {
		req.Header.Set("Authorization", "Bearer "+pair.Access)
	}

	resp, err := d.client.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, resp.StatusCode, apiError(resp.StatusCode, body)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &doc, resp.StatusCode, nil
}

// ListForPost returns the attachments of a post.
func (d *DocumentsClient) ListForPost(ctx context.Context, postID string) ([]Attachment, error) {
	var attachments []Attachment
	if err := d.client.do(ctx, "GET", apiPrefix+"/attachment/"+postID, nil, nil, &attachments); err != nil {
		return nil, err
	}
	return attachments, nil
}

// ============================================================================
// Chat
// ============================================================================

// ChatClient handles message history and real-time session creation.
type ChatClient struct{ client *Client }

// History returns the prior messages of a course conversation, ordered by
// timestamp ascending.
func (ch *ChatClient) History(ctx context.Context, courseID string) ([]ChatMessage, error) {
	var messages []ChatMessage
	if err := ch.client.do(ctx, "GET", apiPrefix+"/chat/"+courseID, nil, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// WSUrl returns the streaming endpoint URL for the given access token.
func (ch *ChatClient) WSUrl(token string) string {
	base := strings.Replace(ch.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + apiPrefix + "/ws?token=" + url.QueryEscape(token)
}

// Session creates a real-time chat session scoped to one course. Call Start
// to establish the connection.
func (ch *ChatClient) Session(courseID string, cfg *SessionConfig) *ChatSession {
	return newChatSession(ch.client, courseID, cfg)
}
