package domain

import (
	"path"
	"slices"
	"strings"
	"time"
)

// User is an account known to the service.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Project groups researchers, their chat and their realtime room.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id"`
	Members     []string  `json:"members"`
	IsPublic    bool      `json:"is_public"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsMember reports whether userID is the owner or a listed member.
func (p *Project) IsMember(userID string) bool {
	return p.OwnerID == userID || slices.Contains(p.Members, userID)
}

// CanView reports whether userID may view project metadata.
func (p *Project) CanView(userID string) bool {
	return p.IsPublic || p.IsMember(userID)
}

// ChatMembers returns the initial member list of the project's chat: the
// creating user followed by the project members, without duplicates.
func (p *Project) ChatMembers(creator string) []string {
	out := []string{creator}
	for _, m := range append([]string{p.OwnerID}, p.Members...) {
		if m != "" && !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

// File is an uploaded attachment. Data holds the raw bytes.
type File struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	Members   []string  `json:"members"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// CanRead reports whether userID may read the file.
func (f *File) CanRead(userID string) bool {
	return f.OwnerID == userID || slices.Contains(f.Members, userID)
}

// Ext returns the lower-cased extension of the file name without the dot.
func (f *File) Ext() string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(f.Name)), ".")
}

// ShareWith adds members that are not already present and reports whether
// anything changed.
func (f *File) ShareWith(members []string) bool {
	changed := false
	for _, m := range members {
		if m == "" || m == f.OwnerID || slices.Contains(f.Members, m) {
			continue
		}
		f.Members = append(f.Members, m)
		changed = true
	}
	return changed
}
