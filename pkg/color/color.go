// Package color assigns each task a stable ANSI color so interleaved
// streamed output from concurrent executions stays readable.
package color

import (
	"fmt"
	"hash/fnv"
	"os"
	"strings"
)

const Reset = "\033[0m"

// Bright foreground colors cycle first; they read better on dark terminals.
var palette = []string{
	"\033[91m", // bright red
	"\033[92m", // bright green
	"\033[93m", // bright yellow
	"\033[94m", // bright blue
	"\033[95m", // bright magenta
	"\033[96m", // bright cyan
	"\033[31m", // red
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[34m", // blue
	"\033[35m", // magenta
	"\033[36m", // cyan
}

func supported() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	if term == "" || term == "dumb" {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	return strings.Contains(term, "color") ||
		strings.Contains(term, "ansi") ||
		strings.Contains(term, "xterm") ||
		strings.Contains(term, "screen")
}

// ForTask returns a consistent color code for the given task ID, or an
// empty string when the terminal does not support color.
func ForTask(taskID string) string {
	if !supported() {
		return ""
	}
	h := fnv.New32a()
	h.Write([]byte(taskID))
	return palette[int(h.Sum32())%len(palette)]
}

// TaskPrefix formats a "[taskID]" prefix, colored when possible.
func TaskPrefix(taskID string) string {
	prefix := fmt.Sprintf("[%s]", taskID)
	c := ForTask(taskID)
	if c == "" {
		return prefix
	}
	return c + prefix + Reset
}
