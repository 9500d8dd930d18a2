package poppler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/pdfcpu/pdfcpu/pkg/api"
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

// WithRenderAttempts overrides the retry budget for page rasterization.
func WithRenderAttempts(attempts int) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.renderAttempts = attempts
		}
	}
}

// Client wraps the poppler-utils CLI tools used for primary extraction and
// OCR-fallback rasterization.
type Client struct {
	pdftotext      string
	pdftoppm       string
	renderDPI      int
	renderAttempts int
	exec           Executor
}

// New constructs a poppler client. renderDPI applies to pdftoppm output.
func New(pdftotext, pdftoppm string, renderDPI int, opts ...Option) (*Client, error) {
	pdftotext = strings.TrimSpace(pdftotext)
	pdftoppm = strings.TrimSpace(pdftoppm)
	if pdftotext == "" {
		return nil, errors.New("pdftotext binary required")
	}
	if pdftoppm == "" {
		return nil, errors.New("pdftoppm binary required")
	}
	if renderDPI <= 0 {
		renderDPI = 300
	}
	client := &Client{
		pdftotext:      pdftotext,
		pdftoppm:       pdftoppm,
		renderDPI:      renderDPI,
		renderAttempts: 2,
		exec:           commandExecutor{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// PageText runs layout-aware primary extraction for a single 1-based page and
// returns the page text exactly as pdftotext emitted it, lines joined by \n.
func (c *Client) PageText(ctx context.Context, pdfPath string, page int) (string, error) {
	if page < 1 {
		return "", fmt.Errorf("page %d out of range", page)
	}
	args := []string{
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-layout",
		pdfPath,
		"-",
	}
	var lines []string
	err := c.exec.Run(ctx, c.pdftotext, args, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		return "", fmt.Errorf("pdftotext page %d: %w", page, err)
	}
	return strings.Join(lines, "\n"), nil
}

// RenderPage rasterizes one 1-based page to a PNG at outPrefix (pdftoppm
// appends the extension) and returns the rendered file path. Rasterization is
// retried because poppler occasionally aborts on resource-starved hosts even
// for well-formed inputs.
func (c *Client) RenderPage(ctx context.Context, pdfPath string, page int, outPrefix string) (string, error) {
	if page < 1 {
		return "", fmt.Errorf("page %d out of range", page)
	}
	if strings.TrimSpace(outPrefix) == "" {
		return "", errors.New("output prefix required")
	}
	if err := os.MkdirAll(filepath.Dir(outPrefix), 0o755); err != nil {
		return "", fmt.Errorf("create render directory: %w", err)
	}
	args := []string{
		"-png",
		"-r", strconv.Itoa(c.renderDPI),
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-singlefile",
		pdfPath,
		outPrefix,
	}
	rendered := outPrefix + ".png"
	err := retry.Do(
		func() error {
			if err := c.exec.Run(ctx, c.pdftoppm, args, func(string) {}); err != nil {
				return err
			}
			if _, err := os.Stat(rendered); err != nil {
				return fmt.Errorf("rendered file missing: %w", err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.renderAttempts)),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("pdftoppm page %d: %w", page, err)
	}
	return rendered, nil
}

// PageCount reports the number of physical pages in the PDF.
func PageCount(pdfPath string) (int, error) {
	f, err := os.Open(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	count, err := api.PageCount(f, nil)
	if err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	return count, nil
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onStdout func(string)) error {
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

	scan := func(r io.Reader, forward func(string)) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			forward(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() {
				scanErr = err
			})
		}
	}

	forward := func(line string) {
		if onStdout != nil {
			onStdout(line)
			return
		}
		fmt.Fprintln(os.Stderr, line)
	}

	wg.Add(2)
	go scan(stdout, forward)
	go scan(stderr, func(string) {})

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
