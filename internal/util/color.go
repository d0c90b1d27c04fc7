package util

import "hash/fnv"

// Presence colors shown next to collaborator cursors. Assignment is a pure
// function of the user id so every client derives the same color without
// coordination.
var palette = []string{
	"#e06c75",
	"#d19a66",
	"#e5c07b",
	"#98c379",
	"#56b6c2",
	"#61afef",
	"#c678dd",
	"#be5046",
	"#2aa198",
	"#d33682",
	"#6c71c4",
	"#859900",
}

// ColorFor picks the presence color for a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[int(h.Sum32())%len(palette)]
}
