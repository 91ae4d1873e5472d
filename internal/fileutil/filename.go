package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	illegalChars = regexp.MustCompile(`[\/\\:*?"<>|]`)
	whitespace   = regexp.MustCompile(`[\s_]+`)
)

// SanitizeForFilename makes input safe as a file name stem: illegal
// characters and whitespace runs become single hyphens and the result is
// capped at 80 bytes. An empty result becomes "recording".
func SanitizeForFilename(input string) string {
	sanitized := illegalChars.ReplaceAllString(input, "_")
	sanitized = whitespace.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-.")

	if len(sanitized) > 80 {
		sanitized = strings.TrimRight(sanitized[:80], "-")
	}
	if sanitized == "" {
		return "recording"
	}
	return sanitized
}

// OutputBase returns the extension-less path transcripts of audioPath are
// written under. An empty outDir keeps them next to the recording.
func OutputBase(outDir, audioPath string) string {
	stem := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	if outDir == "" {
		outDir = filepath.Dir(audioPath)
	}
	return filepath.Join(outDir, SanitizeForFilename(stem))
}

// MoveToDir moves path into dir, creating dir if needed. When a file of the
// same name exists there, a numeric suffix is added ("name_2.wav", ...).
// It returns the new path.
func MoveToDir(path, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return path, fmt.Errorf("create %s: %w", dir, err)
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	newPath := filepath.Join(dir, base+ext)

	if newPath == path {
		return path, nil
	}
	if _, err := os.Stat(newPath); err == nil {
		found := false
		for i := 2; i < 1000; i++ {
			tryPath := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
			if _, err := os.Stat(tryPath); os.IsNotExist(err) {
				newPath = tryPath
				found = true
				break
			}
		}
		if !found {
			return path, fmt.Errorf("no free name for %s in %s", filepath.Base(path), dir)
		}
	}

	if err := os.Rename(path, newPath); err != nil {
		return path, err
	}
	return newPath, nil
}
