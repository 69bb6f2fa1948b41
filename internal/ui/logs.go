package ui

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var urlPattern = regexp.MustCompile(`(https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0):(\d+))`)

// TailLog returns the last n lines of the log file at path. A missing file
// has no lines.
func TailLog(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if n <= 0 {
			continue
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	return ring, scanner.Err()
}

// FollowLog copies lines appended to path to w, each prefixed with prefix,
// until ctx is done. It starts at the current end of the file.
func FollowLog(ctx context.Context, path, prefix string, w io.Writer) error {
	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var partial string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Size() < offset {
			// Truncated or replaced.
			offset, partial = 0, ""
		}
		if info.Size() == offset {
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		buf := make([]byte, info.Size()-offset)
		read, err := f.ReadAt(buf, offset)
		f.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		offset += int64(read)

		lines := strings.Split(partial+string(buf[:read]), "\n")
		partial = lines[len(lines)-1]
		for _, line := range lines[:len(lines)-1] {
			if _, err := io.WriteString(w, prefix+line+"\n"); err != nil {
				return err
			}
		}
	}
}

// DetectURL picks the local URL a developer most likely wants from log
// lines. Dev-server banners and frontend ports win over API servers; later
// lines win ties.
func DetectURL(lines []string) string {
	best, bestScore := "", 0
	for _, line := range lines {
		m := urlPattern.FindStringSubmatch(line)
		if len(m) < 3 {
			continue
		}
		url := strings.TrimSuffix(m[1], "/")
		url = strings.Replace(url, "://0.0.0.0:", "://localhost:", 1)
		url = strings.Replace(url, "://127.0.0.1:", "://localhost:", 1)
		port, _ := strconv.Atoi(m[2])

		if score := urlScore(strings.ToLower(line), port); score >= bestScore {
			best, bestScore = url, score
		}
	}
	return best
}

func urlScore(line string, port int) int {
	score := 50
	if strings.Contains(line, "local:") || strings.Contains(line, "ready") || strings.Contains(line, "compiled successfully") {
		score += 100
	}
	if strings.Contains(line, "frontend") || strings.Contains(line, "client") {
		score += 60
	}
	switch port {
	case 3000, 3001, 4200, 5173, 5174:
		score += 30
	}
	if strings.Contains(line, "api") || strings.Contains(line, "server:") || strings.Contains(line, "graphql") {
		score -= 40
	}
	if score < 1 {
		score = 1
	}
	return score
}
