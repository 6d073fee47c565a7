package workspace

import (
	"os"
	"sort"
	"strings"

	"github.com/pairlink/pairlink/internal/protocol"
)

// hiddenAllowList names dotfiles still shown when browsing.
var hiddenAllowList = map[string]bool{
	".gitignore":   true,
	".env.example": true,
	".github":      true,
}

// Browse lists one directory level. Hidden entries are excluded except
// for the allow-list; directories sort before files, each group
// lexicographically.
func Browse(path string) (protocol.Entries, error) {
	result := protocol.Entries{Path: path, Entries: []protocol.FileEntry{}}

	entries, err := os.ReadDir(path)
	if err != nil {
		return result, err
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") && !hiddenAllowList[name] {
			continue
		}

		entryType := "file"
		if entry.Type()&os.ModeSymlink != 0 {
			entryType = "symlink"
		} else if entry.IsDir() {
			entryType = "directory"
		}
		result.Entries = append(result.Entries, protocol.FileEntry{
			Name: name,
			Type: entryType,
		})
	}

	sort.Slice(result.Entries, func(i, j int) bool {
		a, b := result.Entries[i], result.Entries[j]
		if (a.Type == "directory") != (b.Type == "directory") {
			return a.Type == "directory"
		}
		return a.Name < b.Name
	})

	return result, nil
}
