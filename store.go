package chatsync

import "context"

// Store is the request/response data-access interface the engines persist
// through. Rows it returns are treated as already validated, and its errors
// are handed back to callers untranslated.
type Store interface {
	// FetchRecent returns the newest limit messages of a channel, newest first.
	FetchRecent(ctx context.Context, channelID string, limit int) ([]Message, error)
	Insert(ctx context.Context, msg *Message) (*Message, error)
	Update(ctx context.Context, id string, patch MessagePatch) (*Message, error)
	SoftDelete(ctx context.Context, id string) error
	FetchProfiles(ctx context.Context, ids []string) ([]Profile, error)
}

// StatusStore is implemented by stores that persist the profile status
// column. The presence engine writes through it when available.
type StatusStore interface {
	SetStatus(ctx context.Context, userID string, status Status) error
}
