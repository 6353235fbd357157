package courseflow

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error payload returned by the course-flow API.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return e.Message
}

// TokenPair is an access/refresh credential pair. The access token is
// short-lived and embeds its expiry; the refresh token is exchanged for a new
// pair at /auth/refresh.
type TokenPair struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// ============================================================================
// Users & Auth
// ============================================================================

// User represents a registered user.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Avatar    string `json:"avatar"`
	Initial   string `json:"initial,omitempty"`
}

// RegisterOptions is the payload for Auth.Register.
type RegisterOptions struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

// RegisterResult is the response from Auth.Register.
type RegisterResult struct {
	Message string `json:"message"`
	User    User   `json:"user"`
}

// LoginResult is the response from Auth.Login: the user profile plus a fresh
// token pair.
type LoginResult struct {
	User
	TokenPair
}

// ============================================================================
// Courses & Membership
// ============================================================================

// Course represents a class.
type Course struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	AdminID         string    `json:"admin_id"`
	BackgroundColor string    `json:"background_color"`
	CoverPic        string    `json:"cover_pic,omitempty"`
	JoinCode        string    `json:"join_code"`
	IsPrivate       bool      `json:"is_private"`
	IsArchived      bool      `json:"archived"`
	PostPermission  string    `json:"post_permission"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CourseListing is a course as returned by list endpoints, enriched with the
// admin profile and the caller's role.
type CourseListing struct {
	Course
	Admin User   `json:"admin"`
	Role  string `json:"role"`
}

// CreateCourseOptions is the payload for Courses.Create.
type CreateCourseOptions struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
	JoinCode        string `json:"join_code"`
	IsPrivate       bool   `json:"is_private,omitempty"`
	PostPermission  string `json:"post_permission,omitempty"`
}

// CourseMember is a user's membership record in a course.
type CourseMember struct {
	User
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// ============================================================================
// Posts & Comments
// ============================================================================

// Post represents a content post in a course feed.
type Post struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"course_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Comment represents a comment on a post.
type Comment struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	User      User      `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================================
// Documents & Attachments
// ============================================================================

// Document is an uploaded file.
type Document struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	FileName  string    `json:"file_name"`
	FilePath  string    `json:"file_path"`
	FileType  string    `json:"file_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attachment links a document to a post.
type Attachment struct {
	ID         string    `json:"id"`
	PostID     string    `json:"post_id"`
	DocumentID string    `json:"document_id"`
	UploadedBy string    `json:"uploaded_by"`
	UploadDate time.Time `json:"upload_date"`
	Document   Document  `json:"document"`
	User       *User     `json:"user,omitempty"`
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationType enumerates server-issued notification kinds.
type NotificationType string

const (
	NotifPostCreated  NotificationType = "post_created"
	NotifCommentAdded NotificationType = "comment_added"
	NotifMessageSent  NotificationType = "message_sent"
	NotifRoleChanged  NotificationType = "role_changed"
	NotifUserKicked   NotificationType = "user_kicked"
)

// Notification is a server-issued notification, delivered over REST or pushed
// on the chat socket.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	ClassID   string           `json:"classId"`
	Message   string           `json:"message"`
	Data      json.RawMessage  `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Read      bool             `json:"read"`
}

// ============================================================================
// Chat Wire Format
// ============================================================================

// Frame types carried on the chat socket.
const (
	FrameChatMessage = "chat_message"
	FramePing        = "ping"
	FramePong        = "pong"
)

// ChatMessage is both the chat frame on the wire and the unit of the message
// sequence. ClientID is a client-generated correlation id carried through the
// server echo so optimistic copies reconcile deterministically; servers that
// strip it fall back to heuristic matching.
type ChatMessage struct {
	Type     string `json:"type,omitempty"`
	ID       string `json:"id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	CourseID string `json:"course_id"`
	FromID   string `json:"from_id"`
	// Sender is the display name shown next to the message.
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// pendingPrefix marks optimistic local ids until the authoritative echo
// arrives.
const pendingPrefix = "local-"

// Pending reports whether the message is an optimistic local copy that has
// not been confirmed by the server yet.
func (m *ChatMessage) Pending() bool {
	return len(m.ID) > len(pendingPrefix) && m.ID[:len(pendingPrefix)] == pendingPrefix
}
