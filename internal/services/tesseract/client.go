package tesseract

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onStdout func(string)) error
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// Client wraps the tesseract CLI for orientation probes and TSV recognition.
type Client struct {
	binary string
	lang   string
	exec   Executor
}

// New constructs a tesseract client.
func New(binary, lang string, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("tesseract binary required")
	}
	if strings.TrimSpace(lang) == "" {
		lang = "eng"
	}
	client := &Client{binary: binary, lang: lang, exec: mergedExecutor{}}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Orientation holds the OSD probe result for a rendered page image.
type Orientation struct {
	Degrees    int
	Confidence float64
}

// DetectOrientation runs the OSD-only probe (psm 0). Missing OSD data is not
// an error; it reports zero confidence so callers skip rotation.
func (c *Client) DetectOrientation(ctx context.Context, imagePath string) (Orientation, error) {
	args := []string{imagePath, "stdout", "--psm", "0"}
	var report []string
	if err := c.exec.Run(ctx, c.binary, args, func(line string) {
		report = append(report, line)
	}); err != nil {
		return Orientation{}, fmt.Errorf("tesseract osd: %w", err)
	}
	return parseOrientation(report), nil
}

func parseOrientation(lines []string) Orientation {
	var out Orientation
	for _, line := range lines {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Orientation in degrees":
			if deg, err := strconv.Atoi(value); err == nil {
				out.Degrees = ((deg % 360) + 360) % 360
			}
		case "Orientation confidence":
			if conf, err := strconv.ParseFloat(value, 64); err == nil {
				out.Confidence = conf
			}
		}
	}
	return out
}

// Token is one recognized word with its confidence score.
type Token struct {
	Text       string
	Confidence float64
}

// Recognize OCRs the image and returns word tokens plus the reconstructed
// plain text (words joined by spaces, lines by newlines, in reading order).
func (c *Client) Recognize(ctx context.Context, imagePath string) ([]Token, string, error) {
	args := []string{imagePath, "stdout", "-l", c.lang, "tsv"}
	var rows []string
	if err := c.exec.Run(ctx, c.binary, args, func(line string) {
		rows = append(rows, line)
	}); err != nil {
		return nil, "", fmt.Errorf("tesseract tsv: %w", err)
	}
	tokens, text := parseTSV(rows)
	return tokens, text, nil
}

// tsvWordLevel marks word rows in tesseract TSV output.
const tsvWordLevel = "5"

type lineKey struct {
	block, par, line int
}

func parseTSV(rows []string) ([]Token, string) {
	var tokens []Token
	lines := map[lineKey][]string{}
	var order []lineKey

	for _, row := range rows {
		cols := strings.Split(row, "\t")
		if len(cols) != 12 || cols[0] != tsvWordLevel {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		tokens = append(tokens, Token{Text: word, Confidence: conf})

		block, _ := strconv.Atoi(cols[2])
		par, _ := strconv.Atoi(cols[3])
		lineNum, _ := strconv.Atoi(cols[4])
		key := lineKey{block: block, par: par, line: lineNum}
		if _, seen := lines[key]; !seen {
			order = append(order, key)
		}
		lines[key] = append(lines[key], word)
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.block != b.block {
			return a.block < b.block
		}
		if a.par != b.par {
			return a.par < b.par
		}
		return a.line < b.line
	})

	parts := make([]string, 0, len(order))
	for _, key := range order {
		parts = append(parts, strings.Join(lines[key], " "))
	}
	return tokens, strings.Join(parts, "\n")
}

// mergedExecutor forwards stdout and stderr to the same callback because
// tesseract splits its reports across both streams depending on version.
type mergedExecutor struct{}

func (mergedExecutor) Run(ctx context.Context, binary string, args []string, onStdout func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var wg sync.WaitGroup
	var scanErr error
	var once sync.Once
	var mu sync.Mutex

	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			if onStdout != nil {
				onStdout(line)
			} else {
				fmt.Fprintln(os.Stderr, line)
			}
			mu.Unlock()
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() {
				scanErr = err
			})
		}
	}

	wg.Add(2)
	go scan(stdout)
	go scan(stderr)

	wg.Wait()
	if scanErr != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("scan output: %w", scanErr)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait command: %w", err)
	}
	return nil
}
