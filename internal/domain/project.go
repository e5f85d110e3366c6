package domain

import "time"

// ProjectFile is one source file submitted for compilation.
type ProjectFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Project owns a set of firmware source files targeting one board type.
type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	BoardType string        `json:"board_type"`
	OwnerID   string        `json:"owner_id"`
	Template  string        `json:"template"`
	Files     []ProjectFile `json:"files"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
