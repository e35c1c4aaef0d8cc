package models

// MediaProgress is the server-side progress record for one library item
type MediaProgress struct {
	ID                        string  `json:"id,omitempty"`
	UserID                    string  `json:"userId,omitempty"`
	LibraryItemID             string  `json:"libraryItemId"`
	EpisodeID                 string  `json:"episodeId,omitempty"`
	Duration                  float64 `json:"duration"`
	Progress                  float64 `json:"progress"`
	CurrentTime               float64 `json:"currentTime"`
	IsFinished                bool    `json:"isFinished"`
	HideFromContinueListening bool    `json:"hideFromContinueListening,omitempty"`
	LastUpdate                int64   `json:"lastUpdate"`
	StartedAt                 int64   `json:"startedAt,omitempty"`
	FinishedAt                int64   `json:"finishedAt,omitempty"`
}

// ProgressUpdate is the PATCH body sent to /api/me/progress/{id}
type ProgressUpdate struct {
	Progress    float64 `json:"progress"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
	IsFinished  bool    `json:"isFinished"`
	LastUpdate  int64   `json:"lastUpdate"`
}

// MediaProgressUpdate is a live progress event pushed over the socket.
// Every field except the item id may be missing.
type MediaProgressUpdate struct {
	ID            string   `json:"id,omitempty"`
	UserID        string   `json:"userId,omitempty"`
	LibraryItemID string   `json:"libraryItemId"`
	MediaItemID   string   `json:"mediaItemId,omitempty"`
	Duration      *float64 `json:"duration,omitempty"`
	Progress      *float64 `json:"progress,omitempty"`
	CurrentTime   *float64 `json:"currentTime,omitempty"`
	IsFinished    *bool    `json:"isFinished,omitempty"`
	LastUpdate    *int64   `json:"lastUpdate,omitempty"`
}

// User is the subset of /api/me the sync engine reads
type User struct {
	ID            string          `json:"id"`
	Username      string          `json:"username"`
	MediaProgress []MediaProgress `json:"mediaProgress"`
}

// TokenRefreshResponse is returned by /api/token/refresh. Older servers put
// the tokens at the top level, newer ones under user.
type TokenRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	User         *struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken,omitempty"`
	} `json:"user,omitempty"`
}

// Tokens returns the access and refresh token wherever the server put them
func (r TokenRefreshResponse) Tokens() (access, refresh string) {
	access, refresh = r.AccessToken, r.RefreshToken
	if r.User != nil {
		if access == "" {
			access = r.User.AccessToken
		}
		if refresh == "" {
			refresh = r.User.RefreshToken
		}
	}
	return access, refresh
}
