package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Snippet  string  `json:"snippet"`
	Category *string `json:"category,omitempty"`
}

// Query describes a search request. UserID is mandatory: results never
// cross owner boundaries.
type Query struct {
	Text     string
	UserID   string
	Category string // empty = all categories
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push bookmarks into a search index.
type Indexer interface {
	IndexBookmark(b BookmarkRecord) error
	IndexBookmarks(items []BookmarkRecord) error
	DeleteBookmark(id string) error
}

// BookmarkRecord is the data we index for a bookmark.
type BookmarkRecord struct {
	ID          string   `json:"id"`
	UserID      string   `json:"userId"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Description string   `json:"description"`
	Notes       string   `json:"notes"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	CreatedAt   int64    `json:"createdAt"`
}
