package notes

import (
	"fmt"
	"strings"
)

const (
	// MaxTitleBytes bounds a note title.
	MaxTitleBytes = 500

	// MaxContentBytes bounds note content. The schema enforces the same limit.
	MaxContentBytes = 1 << 20
)

// checkTitle validates a title. Creation needs visible text; edits may
// blank the title while the user is still typing.
func checkTitle(title string, requireText bool) error {
	if requireText && strings.TrimSpace(title) == "" {
		return rejected("title is required")
	}
	if len(title) > MaxTitleBytes {
		return rejected(fmt.Sprintf("title exceeds %d bytes", MaxTitleBytes))
	}
	return nil
}

func checkContent(content string) error {
	if len(content) > MaxContentBytes {
		return rejected(fmt.Sprintf("content exceeds %d bytes", MaxContentBytes))
	}
	return nil
}
