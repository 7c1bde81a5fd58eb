package task

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// DisplayState renders a State for a human-facing surface, Title-cased the
// way ratchetplugin/skills.go title-cases skill names before showing them
// to a user. Nothing in this repository calls it outside its test; the
// HTTP API and logs emit the raw lowercase State.
func DisplayState(s State) string {
	return titleCaser.String(string(s))
}
