package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"linkstash/api/internal/auth"
	"linkstash/api/internal/config"
	"linkstash/api/internal/feed"
	"linkstash/api/internal/oauth"
	"linkstash/api/internal/preview"
	"linkstash/api/internal/search"
	"linkstash/api/internal/session"
	"linkstash/api/internal/storage"
	"linkstash/api/internal/store"
	"linkstash/api/internal/util"
)

// Store is the persistence surface the service needs. PostgresStore
// satisfies it; tests plug in function-field fakes.
type Store interface {
	Ping(ctx context.Context) error
	UpsertUser(ctx context.Context, user store.User) (store.User, error)
	GetUser(ctx context.Context, userID string) (store.User, error)
	UpdateUserProfile(ctx context.Context, userID string, update store.ProfileUpdate) (store.User, error)
	ListBookmarks(ctx context.Context, userID string) ([]store.Bookmark, error)
	GetBookmark(ctx context.Context, userID, bookmarkID string) (store.Bookmark, error)
	InsertBookmark(ctx context.Context, item store.Bookmark) (store.Bookmark, error)
	UpdateBookmark(ctx context.Context, item store.Bookmark) (store.Bookmark, bool, error)
	DeleteBookmark(ctx context.Context, userID, bookmarkID string) (store.Bookmark, bool, error)
	ListCategories(ctx context.Context, userID string) ([]store.Category, error)
	InsertCategory(ctx context.Context, item store.Category) (store.Category, error)
	UpdateCategory(ctx context.Context, item store.Category) (store.Category, bool, error)
	DeleteCategory(ctx context.Context, userID, categoryID string) (bool, error)
}

// SessionStore holds active sessions keyed by token hash.
type SessionStore interface {
	Save(ctx context.Context, tokenHash string, data session.Data, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (session.Data, error)
	Revoke(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

// FeedSubscription is a live event stream for one owner.
type FeedSubscription interface {
	Events() <-chan feed.Event
	Close() error
}

// Feed publishes and subscribes to bookmark change events.
type Feed interface {
	Publish(ctx context.Context, userID string, event feed.Event) error
	Subscribe(ctx context.Context, userID string) (FeedSubscription, error)
}

// brokerFeed adapts feed.Broker's concrete subscription to the Feed
// interface.
type brokerFeed struct {
	broker *feed.Broker
}

func NewBrokerFeed(broker *feed.Broker) Feed {
	return &brokerFeed{broker: broker}
}

func (f *brokerFeed) Publish(ctx context.Context, userID string, event feed.Event) error {
	return f.broker.Publish(ctx, userID, event)
}

func (f *brokerFeed) Subscribe(ctx context.Context, userID string) (FeedSubscription, error) {
	return f.broker.Subscribe(ctx, userID)
}

// Search is the full-text surface. search.Service satisfies it.
type Search interface {
	Search(q search.Query) search.Response
	IndexBookmark(b search.BookmarkRecord)
	DeleteBookmark(id string)
}

// Session is the resolved caller identity attached to a request.
type Session struct {
	Token  string
	UserID string
	Email  string
}

// Service holds the application logic between the HTTP layer and the
// backing stores.
type Service struct {
	cfg      config.Config
	store    Store
	sessions SessionStore
	feed     Feed
	provider oauth.Provider
	search   Search

	// optional; nil disables the endpoints that need them
	objects  storage.ObjectStore
	previews preview.Fetcher
}

func NewService(cfg config.Config, st Store, sessions SessionStore, feedBroker Feed, provider oauth.Provider, searcher Search) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		feed:     feedBroker,
		provider: provider,
		search:   searcher,
	}
}

// UseObjects enables avatar and snapshot storage.
func (s *Service) UseObjects(objects storage.ObjectStore) {
	s.objects = objects
}

// UsePreviews enables page metadata scraping and snapshot capture.
func (s *Service) UsePreviews(fetcher preview.Fetcher) {
	s.previews = fetcher
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// ----- auth -----

const stateTTL = 10 * time.Minute

// BeginLogin builds the provider consent URL and the signed state
// token that carries the PKCE verifier across the redirect.
func (s *Service) BeginLogin(next string) (authURL, stateToken string, err error) {
	state := auth.NewStateValue()
	verifier := oauth.NewVerifier()
	stateToken, err = auth.IssueStateToken([]byte(s.cfg.StateSecret), auth.StateClaims{
		State:    state,
		Verifier: verifier,
		Next:     sanitizeNext(next),
		Exp:      time.Now().Add(stateTTL).Unix(),
	})
	if err != nil {
		return "", "", fmt.Errorf("issue state token: %w", err)
	}
	return s.provider.AuthCodeURL(state, verifier), stateToken, nil
}

// sanitizeNext keeps redirects on-site. Anything absolute or empty
// falls back to the app home.
func sanitizeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/home"
	}
	return next
}

// CompleteLogin finishes the OAuth round-trip: verify state, exchange
// the code, upsert the profile and mint a session. The profile upsert
// is best-effort — a failure is logged and the session is still
// created; the row can be written on a later login.
func (s *Service) CompleteLogin(ctx context.Context, code, stateToken, state string) (sessionToken, next string, err error) {
	claims, err := auth.ParseStateToken([]byte(s.cfg.StateSecret), stateToken)
	if err != nil {
		return "", "", domainError(401, "INVALID_STATE", "invalid_oauth_state", nil)
	}
	if state == "" || state != claims.State {
		return "", "", domainError(401, "INVALID_STATE", "invalid_oauth_state", nil)
	}

	identity, err := s.provider.Exchange(ctx, code, claims.Verifier)
	if err != nil {
		return "", "", domainError(401, "OAUTH_EXCHANGE_FAILED", err.Error(), nil)
	}
	if identity.ID == "" {
		return "", "", domainError(401, "NO_USER", "no_user_after_exchange", nil)
	}

	if _, err := s.store.UpsertUser(ctx, store.User{
		ID:        identity.ID,
		Email:     identity.Email,
		FullName:  identity.FullName,
		AvatarURL: identity.AvatarURL,
	}); err != nil {
		log.Printf("auth: profile upsert for %s failed (non-fatal): %v", identity.ID, err)
	}

	token := auth.NewSessionToken()
	now := time.Now()
	if err := s.sessions.Save(ctx, auth.HashToken(token), session.Data{
		UserID:    identity.ID,
		Email:     identity.Email,
		CreatedAt: now,
	}, now.Add(s.cfg.SessionTTL)); err != nil {
		return "", "", fmt.Errorf("save session: %w", err)
	}

	next = claims.Next
	if next == "" {
		next = "/home"
	}
	return token, next, nil
}

// SessionFromToken revalidates a cookie token against the session
// store. The cookie alone is never trusted: revocation must be
// visible on the very next request.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	data, err := s.sessions.Lookup(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Session{}, errUnauthorized()
		}
		return Session{}, fmt.Errorf("session lookup: %w", err)
	}
	return Session{Token: token, UserID: data.UserID, Email: data.Email}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Revoke(ctx, auth.HashToken(token))
}

// ----- bookmarks -----

// BookmarkInput is the editable field set. Tags arrive as the raw
// comma-separated text the edit dialog collects.
type BookmarkInput struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Description *string `json:"description"`
	Notes       *string `json:"notes"`
	Category    *string `json:"category"`
	Tags        string  `json:"tags"`
}

// ParseTags splits comma-separated tag text, trims each entry and
// drops empties. Nothing left means no tags: nil, never an empty list.
func ParseTags(raw string) []string {
	var tags []string
	for _, part := range strings.Split(raw, ",") {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func (s *Service) validateBookmark(input BookmarkInput) error {
	if strings.TrimSpace(input.Title) == "" {
		return errValidation("title is required")
	}
	rawURL := strings.TrimSpace(input.URL)
	if rawURL == "" {
		return errValidation("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return errValidation("url must be http or https")
	}
	return nil
}

func (s *Service) ListBookmarks(ctx context.Context, sess Session) ([]feed.Bookmark, error) {
	items, err := s.store.ListBookmarks(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	return toWire(items), nil
}

func (s *Service) CreateBookmark(ctx context.Context, sess Session, input BookmarkInput) (feed.Bookmark, error) {
	if err := s.validateBookmark(input); err != nil {
		return feed.Bookmark{}, err
	}

	created, err := s.store.InsertBookmark(ctx, store.Bookmark{
		ID:          util.NewID("bm"),
		UserID:      sess.UserID,
		Title:       strings.TrimSpace(input.Title),
		URL:         strings.TrimSpace(input.URL),
		Description: normalizeText(input.Description),
		Notes:       normalizeText(input.Notes),
		Category:    normalizeText(input.Category),
		Tags:        ParseTags(input.Tags),
	})
	if err != nil {
		return feed.Bookmark{}, err
	}

	wire := feed.FromStore(created)
	s.publish(ctx, sess.UserID, feed.Event{Type: feed.EventInsert, New: &wire})
	s.search.IndexBookmark(toRecord(created))
	return wire, nil
}

func (s *Service) UpdateBookmark(ctx context.Context, sess Session, bookmarkID string, input BookmarkInput) (feed.Bookmark, error) {
	if err := s.validateBookmark(input); err != nil {
		return feed.Bookmark{}, err
	}

	updated, matched, err := s.store.UpdateBookmark(ctx, store.Bookmark{
		ID:          bookmarkID,
		UserID:      sess.UserID,
		Title:       strings.TrimSpace(input.Title),
		URL:         strings.TrimSpace(input.URL),
		Description: normalizeText(input.Description),
		Notes:       normalizeText(input.Notes),
		Category:    normalizeText(input.Category),
		Tags:        ParseTags(input.Tags),
	})
	if err != nil {
		return feed.Bookmark{}, err
	}
	if !matched {
		// Either the row does not exist or it belongs to someone else;
		// the caller cannot tell the difference.
		return feed.Bookmark{}, errNotFound("bookmark")
	}

	wire := feed.FromStore(updated)
	s.publish(ctx, sess.UserID, feed.Event{Type: feed.EventUpdate, New: &wire})
	s.search.IndexBookmark(toRecord(updated))
	return wire, nil
}

func (s *Service) DeleteBookmark(ctx context.Context, sess Session, bookmarkID string) error {
	deleted, matched, err := s.store.DeleteBookmark(ctx, sess.UserID, bookmarkID)
	if err != nil {
		return err
	}
	if !matched {
		return errNotFound("bookmark")
	}

	wire := feed.FromStore(deleted)
	s.publish(ctx, sess.UserID, feed.Event{Type: feed.EventDelete, Old: &wire})
	s.search.DeleteBookmark(bookmarkID)
	return nil
}

func (s *Service) SearchBookmarks(sess Session, query, category string, limit, offset int) search.Response {
	return s.search.Search(search.Query{
		Text:     query,
		UserID:   sess.UserID,
		Category: category,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Service) SubscribeFeed(ctx context.Context, sess Session) (FeedSubscription, error) {
	return s.feed.Subscribe(ctx, sess.UserID)
}

// publish is fire-and-forget: a consumer that misses the event will
// recover on its next resync, so a broker hiccup must not fail the
// mutation that already committed.
func (s *Service) publish(ctx context.Context, userID string, event feed.Event) {
	if err := s.feed.Publish(ctx, userID, event); err != nil {
		log.Printf("feed: publish %s for %s failed: %v", event.Type, userID, err)
	}
}

// ----- grouping -----

// CategoryGroup is one display section of the grouped view.
type CategoryGroup struct {
	Label     string          `json:"label"`
	Bookmarks []feed.Bookmark `json:"bookmarks"`
}

// Grouped is the payload of the grouped-bookmarks view.
type Grouped struct {
	Groups        []CategoryGroup `json:"groups"`
	Uncategorized []feed.Bookmark `json:"uncategorized"`
}

func (s *Service) GroupedBookmarks(ctx context.Context, sess Session) (Grouped, error) {
	items, err := s.ListBookmarks(ctx, sess)
	if err != nil {
		return Grouped{}, err
	}
	return GroupBookmarks(items), nil
}

// GroupBookmarks partitions the list into categorized and
// uncategorized. Grouping is case-insensitive on the category text;
// the display label keeps the casing of the first occurrence in list
// order. Groups come back sorted alphabetically by label.
func GroupBookmarks(items []feed.Bookmark) Grouped {
	grouped := Grouped{Groups: []CategoryGroup{}, Uncategorized: []feed.Bookmark{}}
	byKey := make(map[string]int)

	for _, item := range items {
		category := ""
		if item.Category != nil {
			category = strings.TrimSpace(*item.Category)
		}
		if category == "" {
			grouped.Uncategorized = append(grouped.Uncategorized, item)
			continue
		}
		key := strings.ToLower(category)
		idx, ok := byKey[key]
		if !ok {
			idx = len(grouped.Groups)
			byKey[key] = idx
			grouped.Groups = append(grouped.Groups, CategoryGroup{Label: category})
		}
		grouped.Groups[idx].Bookmarks = append(grouped.Groups[idx].Bookmarks, item)
	}

	sort.Slice(grouped.Groups, func(i, j int) bool {
		return strings.ToLower(grouped.Groups[i].Label) < strings.ToLower(grouped.Groups[j].Label)
	})
	return grouped
}

// ----- categories -----

// CategoryInput is the editable field set for a stored category.
type CategoryInput struct {
	Name  string  `json:"name"`
	Color *string `json:"color"`
}

func (s *Service) ListCategories(ctx context.Context, sess Session) ([]store.Category, error) {
	return s.store.ListCategories(ctx, sess.UserID)
}

func (s *Service) CreateCategory(ctx context.Context, sess Session, input CategoryInput) (store.Category, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Category{}, errValidation("name is required")
	}
	created, err := s.store.InsertCategory(ctx, store.Category{
		ID:     util.NewID("cat"),
		UserID: sess.UserID,
		Name:   name,
		Color:  normalizeText(input.Color),
	})
	if err != nil {
		if isUniqueViolation(err) {
			return store.Category{}, domainError(409, "CATEGORY_EXISTS", "A category with that name already exists", nil)
		}
		return store.Category{}, err
	}
	return created, nil
}

func (s *Service) UpdateCategory(ctx context.Context, sess Session, categoryID string, input CategoryInput) (store.Category, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Category{}, errValidation("name is required")
	}
	updated, matched, err := s.store.UpdateCategory(ctx, store.Category{
		ID:     categoryID,
		UserID: sess.UserID,
		Name:   name,
		Color:  normalizeText(input.Color),
	})
	if err != nil {
		if isUniqueViolation(err) {
			return store.Category{}, domainError(409, "CATEGORY_EXISTS", "A category with that name already exists", nil)
		}
		return store.Category{}, err
	}
	if !matched {
		return store.Category{}, errNotFound("category")
	}
	return updated, nil
}

func (s *Service) DeleteCategory(ctx context.Context, sess Session, categoryID string) error {
	matched, err := s.store.DeleteCategory(ctx, sess.UserID, categoryID)
	if err != nil {
		return err
	}
	if !matched {
		return errNotFound("category")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ----- profile -----

// ProfileInput carries the fields a user may edit about themselves.
// Nil means "leave unchanged".
type ProfileInput struct {
	FullName *string `json:"fullName"`
	Bio      *string `json:"bio"`
	Theme    *string `json:"theme"`
}

const avatarURLExpiry = 24 * time.Hour

func (s *Service) GetProfile(ctx context.Context, sess Session) (store.User, error) {
	user, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, errNotFound("profile")
		}
		return store.User{}, err
	}
	s.resolveAvatar(ctx, &user)
	return user, nil
}

func (s *Service) UpdateProfile(ctx context.Context, sess Session, input ProfileInput) (store.User, error) {
	user, err := s.store.UpdateUserProfile(ctx, sess.UserID, store.ProfileUpdate{
		FullName: normalizeText(input.FullName),
		Bio:      normalizeText(input.Bio),
		Theme:    normalizeText(input.Theme),
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, errNotFound("profile")
		}
		return store.User{}, err
	}
	s.resolveAvatar(ctx, &user)
	return user, nil
}

// UploadAvatar stores the image and records its object key on the
// profile. Reads presign a fresh URL, so the stored value never goes
// stale.
func (s *Service) UploadAvatar(ctx context.Context, sess Session, body io.Reader, size int64, contentType string) (store.User, error) {
	if s.objects == nil {
		return store.User{}, domainError(503, "STORAGE_UNAVAILABLE", "Object storage not configured", nil)
	}
	ext, ok := avatarExt(contentType)
	if !ok {
		return store.User{}, errValidation("avatar must be png, jpeg or webp")
	}

	key := storage.AvatarKey(sess.UserID, ext)
	if err := s.objects.Put(ctx, key, body, size, contentType); err != nil {
		return store.User{}, fmt.Errorf("store avatar: %w", err)
	}

	user, err := s.store.UpdateUserProfile(ctx, sess.UserID, store.ProfileUpdate{AvatarURL: &key})
	if err != nil {
		return store.User{}, err
	}
	s.resolveAvatar(ctx, &user)
	return user, nil
}

// resolveAvatar swaps a stored object key for a presigned URL. OAuth
// picture URLs pass through untouched.
func (s *Service) resolveAvatar(ctx context.Context, user *store.User) {
	if s.objects == nil || user.AvatarURL == nil || !strings.HasPrefix(*user.AvatarURL, "avatars/") {
		return
	}
	presigned, err := s.objects.PresignGet(ctx, *user.AvatarURL, avatarURLExpiry)
	if err != nil {
		log.Printf("storage: presign avatar for %s: %v", user.ID, err)
		user.AvatarURL = nil
		return
	}
	user.AvatarURL = &presigned
}

func avatarExt(contentType string) (string, bool) {
	switch contentType {
	case "image/png":
		return ".png", true
	case "image/jpeg":
		return ".jpg", true
	case "image/webp":
		return ".webp", true
	default:
		return "", false
	}
}

// ----- preview & snapshots -----

const snapshotURLExpiry = 24 * time.Hour

func (s *Service) PreviewURL(ctx context.Context, rawURL string) (preview.Metadata, error) {
	if s.previews == nil {
		return preview.Metadata{}, domainError(503, "PREVIEW_UNAVAILABLE", "Page preview not configured", nil)
	}
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return preview.Metadata{}, errValidation("url must be http or https")
	}
	meta, err := s.previews.FetchMetadata(ctx, parsed.String())
	if err != nil {
		return preview.Metadata{}, domainError(502, "PREVIEW_FAILED", "Could not load the page", nil)
	}
	return meta, nil
}

// CaptureSnapshot renders the bookmarked page and stores a screenshot
// next to the bookmark. Returns a presigned URL for the image.
func (s *Service) CaptureSnapshot(ctx context.Context, sess Session, bookmarkID string) (string, error) {
	if s.previews == nil || s.objects == nil {
		return "", domainError(503, "SNAPSHOT_UNAVAILABLE", "Snapshot capture not configured", nil)
	}

	item, err := s.store.GetBookmark(ctx, sess.UserID, bookmarkID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errNotFound("bookmark")
		}
		return "", err
	}

	shot, err := s.previews.Screenshot(ctx, item.URL)
	if err != nil {
		return "", domainError(502, "SNAPSHOT_FAILED", "Could not capture the page", nil)
	}

	key := storage.SnapshotKey(item.ID)
	if err := s.objects.Put(ctx, key, bytes.NewReader(shot), int64(len(shot)), "image/png"); err != nil {
		return "", fmt.Errorf("store snapshot: %w", err)
	}
	return s.objects.PresignGet(ctx, key, snapshotURLExpiry)
}

// ----- helpers -----

func toWire(items []store.Bookmark) []feed.Bookmark {
	out := make([]feed.Bookmark, len(items))
	for i, item := range items {
		out[i] = feed.FromStore(item)
	}
	return out
}

func toRecord(item store.Bookmark) search.BookmarkRecord {
	record := search.BookmarkRecord{
		ID:        item.ID,
		UserID:    item.UserID,
		Title:     item.Title,
		URL:       item.URL,
		Tags:      item.Tags,
		CreatedAt: item.CreatedAt.Unix(),
	}
	if item.Description != nil {
		record.Description = *item.Description
	}
	if item.Notes != nil {
		record.Notes = *item.Notes
	}
	if item.Category != nil {
		record.Category = *item.Category
	}
	return record
}

// normalizeText trims a nullable text field; blank collapses to nil.
func normalizeText(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
