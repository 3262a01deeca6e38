package host

import (
	"fmt"
	"strconv"
	"strings"
)

// applyUnifiedDiff applies a single-file unified diff to content. Hunk
// headers drive positioning, but context lines are verified so a stale
// patch fails instead of corrupting the file.
func applyUnifiedDiff(content, patch string) (string, error) {
	src := strings.Split(content, "\n")
	var out []string
	srcIdx := 0 // next unconsumed source line

	lines := strings.Split(patch, "\n")
	i := 0
	hunks := 0
	for i < len(lines) {
		line := lines[i]
		if !strings.HasPrefix(line, "@@") {
			// Header lines (---, +++, diff, index) and trailing blanks.
			i++
			continue
		}

		start, err := parseHunkStart(line)
		if err != nil {
			return "", err
		}
		hunks++

		// Copy untouched lines up to the hunk start (1-based).
		if start-1 < srcIdx {
			return "", fmt.Errorf("hunk at line %d overlaps a previous hunk", start)
		}
		if start-1 > len(src) {
			return "", fmt.Errorf("hunk start %d beyond end of file (%d lines)", start, len(src))
		}
		out = append(out, src[srcIdx:start-1]...)
		srcIdx = start - 1

		i++
		for i < len(lines) {
			body := lines[i]
			if strings.HasPrefix(body, "@@") {
				break
			}
			switch {
			case strings.HasPrefix(body, " "):
				if err := expect(src, srcIdx, body[1:]); err != nil {
					return "", err
				}
				out = append(out, src[srcIdx])
				srcIdx++
			case strings.HasPrefix(body, "-"):
				if err := expect(src, srcIdx, body[1:]); err != nil {
					return "", err
				}
				srcIdx++
			case strings.HasPrefix(body, "+"):
				out = append(out, body[1:])
			case body == "":
				// Blank context line or trailing newline in the patch text.
				if srcIdx < len(src) && src[srcIdx] == "" {
					out = append(out, "")
					srcIdx++
				}
			case strings.HasPrefix(body, `\`):
				// "\ No newline at end of file"
			default:
				return "", fmt.Errorf("malformed patch line: %q", body)
			}
			i++
		}
	}

	if hunks == 0 {
		return "", fmt.Errorf("patch contains no hunks")
	}

	out = append(out, src[srcIdx:]...)
	return strings.Join(out, "\n"), nil
}

// parseHunkStart extracts the old-file start line from "@@ -l,c +l,c @@".
func parseHunkStart(header string) (int, error) {
	fields := strings.Fields(header)
	if len(fields) < 3 || !strings.HasPrefix(fields[1], "-") {
		return 0, fmt.Errorf("malformed hunk header: %q", header)
	}
	spec := strings.TrimPrefix(fields[1], "-")
	if idx := strings.Index(spec, ","); idx >= 0 {
		spec = spec[:idx]
	}
	start, err := strconv.Atoi(spec)
	if err != nil || start < 1 {
		return 0, fmt.Errorf("malformed hunk header: %q", header)
	}
	return start, nil
}

func expect(src []string, idx int, want string) error {
	if idx >= len(src) {
		return fmt.Errorf("patch context extends past end of file")
	}
	if src[idx] != want {
		return fmt.Errorf("patch context mismatch at line %d: have %q, patch expects %q", idx+1, src[idx], want)
	}
	return nil
}
