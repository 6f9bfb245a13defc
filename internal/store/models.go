package store

import "time"

type Profile struct {
	ID        string
	Role      string
	Username  string
	Email     string
	UpdatedAt time.Time
}

// ProfilePatch is a partial profile upsert. Nil fields are left untouched.
type ProfilePatch struct {
	ID       string
	Username *string
	Role     *string
	Email    *string
}

type Item struct {
	ID        string
	Category  string
	Content   string
	CreatedBy string
	CreatedAt time.Time
}

type Vote struct {
	ItemID    string
	VoterKey  string
	State     string
	UpdatedAt time.Time
}

type Post struct {
	ID        string
	AuthorID  string
	Topic     string
	Kind      string
	Content   string
	CreatedAt time.Time
}

type Reaction struct {
	PostID    string
	VoterKey  string
	Type      string
	UpdatedAt time.Time
}

// StateCount is one bucket of a tally: how many live rows a subject (item or
// post) holds in one state, and when the newest of them was written.
type StateCount struct {
	SubjectID    string
	State        string
	Count        int
	LastActivity time.Time
}

// Actor carries the claims a standard (row-authorized) write runs under.
type Actor struct {
	ID       string
	Role     string
	VoterKey string
}
