package collab

import (
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"
)

const defaultDisplayName = "Anonymous"

// participantPalette is shared with the canvas client; order matters.
var participantPalette = [...]string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#FFA07A",
	"#98D8C8",
	"#F7DC6F",
	"#BB8FCE",
	"#85C1E2",
}

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Participant is the live presence record of one collaborator in a room.
type Participant struct {
	Identity        string   `json:"identity"`
	Name            string   `json:"name"`
	Color           string   `json:"color"`
	Cursor          *Point   `json:"cursor,omitempty"`
	SelectedNodeIDs []string `json:"selectedNodeIds"`
	LastActivityMs  int64    `json:"lastActivity"`
}

func newParticipant(identity, name string, now time.Time) *Participant {
	return &Participant{
		Identity:        identity,
		Name:            name,
		Color:           ColorFor(identity),
		SelectedNodeIDs: []string{},
		LastActivityMs:  now.UnixMilli(),
	}
}

func (p *Participant) touch(now time.Time) {
	p.LastActivityMs = now.UnixMilli()
}

func (p *Participant) idleSince(cutoff time.Time) bool {
	return p.LastActivityMs < cutoff.UnixMilli()
}

func (p *Participant) clone() Participant {
	copied := *p
	if p.Cursor != nil {
		cursor := *p.Cursor
		copied.Cursor = &cursor
	}
	copied.SelectedNodeIDs = append([]string{}, p.SelectedNodeIDs...)
	return copied
}

// ColorFor maps an identity onto the participant palette. The hash sums UTF-16
// code units so browsers computing the same color locally agree with the server.
func ColorFor(identity string) string {
	sum := 0
	for _, unit := range utf16.Encode([]rune(identity)) {
		sum += int(unit)
	}
	return participantPalette[sum%len(participantPalette)]
}

// NewIdentity issues a time-ordered identity for collaborators that did not supply one.
func NewIdentity() string {
	value, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("user-%d", time.Now().UnixNano())
	}
	return "user-" + value.String()
}
