package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/deblur/internal/config"
	"github.com/example/deblur/internal/content"
	"github.com/example/deblur/internal/logging"
)

// CLI flags
var (
	serverFlag    string
	tokenFlag     string
	outFlag       string
	timeoutFlag   time.Duration
	skipCheckFlag bool
	logLevelFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "deblur-client",
	Short: "Check and submit images to the deblur service",
	Long: `deblur-client runs the content check locally and submits images to a
running deblur service.

Examples:
  deblur-client check photo.png
  deblur-client submit photo.png --server http://localhost:8080 --out sharp.jpg
  deblur-client submit photo.jpg --token "$DEBLUR_TOKEN" --skip-check`,
	SilenceUsage: true,
}

var checkCmd = &cobra.Command{
	Use:   "check <image>",
	Short: "Report whether an image has enough content to be worth deblurring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verdict, err := checkFile(args[0])
		if err != nil {
			return err
		}
		printVerdict(cmd.OutOrStdout(), args[0], verdict)
		if !verdict.Accepted {
			return fmt.Errorf("image rejected: %s", verdict.Reason)
		}
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <image>",
	Short: "Send an image to the deblur service and save the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := logging.NewLogger(logLevelFlag)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		path := args[0]
		if !skipCheckFlag {
			verdict, err := checkFile(path)
			if err != nil {
				return err
			}
			if !verdict.Accepted {
				printVerdict(cmd.OutOrStdout(), path, verdict)
				return fmt.Errorf("image rejected locally: %s (use --skip-check to send anyway)", verdict.Reason)
			}
		}

		out := outFlag
		if out == "" {
			out = defaultOutputPath(path)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
		defer cancel()

		c := &client{
			baseURL: strings.TrimRight(serverFlag, "/"),
			token:   tokenFlag,
			http:    &http.Client{},
			logger:  logger,
		}
		result, err := c.submit(ctx, path)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, result.output, 0o644); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Request: %s\nSaved:   %s (%d bytes)\n", result.requestID, out, len(result.output))
		if result.cacheHit {
			fmt.Fprintln(cmd.OutOrStdout(), "Served from cache")
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVarP(&serverFlag, "server", "s", "http://localhost:8080", "Base URL of the deblur service")
	submitCmd.Flags().StringVarP(&tokenFlag, "token", "t", os.Getenv("DEBLUR_TOKEN"), "Bearer token, if the service requires one")
	submitCmd.Flags().StringVarP(&outFlag, "out", "o", "", "Where to write the result (default <name>-deblurred.jpg)")
	submitCmd.Flags().DurationVar(&timeoutFlag, "timeout", 3*time.Minute, "Overall request timeout")
	submitCmd.Flags().BoolVar(&skipCheckFlag, "skip-check", false, "Skip the local content check")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "Log level")

	rootCmd.AddCommand(checkCmd, submitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	errUnsupportedFormat = errors.New("only PNG and JPEG images are allowed")
	errFileTooLarge      = fmt.Errorf("image exceeds %d bytes", config.DefaultMaxUploadBytes)
)

// checkFile refuses what the server would refuse at ingress, then runs the
// content check.
func checkFile(path string) (content.Verdict, error) {
	info, err := os.Stat(path)
	if err != nil {
		return content.Verdict{}, err
	}
	if info.Size() > config.DefaultMaxUploadBytes {
		return content.Verdict{}, errFileTooLarge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return content.Verdict{}, err
	}
	switch content.NormalizeMediaType(content.DetectMediaType(data)) {
	case content.MediaTypePNG, content.MediaTypeJPEG:
	default:
		return content.Verdict{}, errUnsupportedFormat
	}
	return content.ValidateBytes(data)
}

func printVerdict(w io.Writer, path string, v content.Verdict) {
	status := "ACCEPTED"
	if !v.Accepted {
		status = "REJECTED"
	}
	fmt.Fprintf(w, "%s: %s (%s)\n", path, status, v.Reason)
	fmt.Fprintf(w, "  entropy %.2f  std dev %.2f  uniform %.1f%%  pixels %d\n",
		v.Stats.AvgEntropy, v.Stats.StdDev, v.Stats.UniformRatio*100, v.Stats.Pixels)
}

func defaultOutputPath(input string) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	return base + "-deblurred.jpg"
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

type submitResult struct {
	requestID string
	output    []byte
	cacheHit  bool
}

type envelope struct {
	Success        bool   `json:"success"`
	RequestID      string `json:"request_id"`
	ProcessedImage string `json:"processed_image"`
	CacheHit       bool   `json:"cache_hit"`
	Error          *struct {
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

func (c *client) submit(ctx context.Context, path string) (*submitResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filepath.Base(path)))
	header.Set("Content-Type", content.NormalizeMediaType(content.DetectMediaType(data)))
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/deblur", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit image: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	c.logger.Debug("deblur response",
		zap.Int("status", resp.StatusCode),
		zap.String("request_id", env.RequestID),
		zap.Duration("elapsed", time.Since(start)))

	if !env.Success {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if env.Error != nil {
			msg = env.Error.Message
			if env.Error.Details != "" {
				msg += ": " + env.Error.Details
			}
		}
		return nil, errors.New("deblur failed: " + msg)
	}

	output, err := base64.StdEncoding.DecodeString(env.ProcessedImage)
	if err != nil {
		return nil, fmt.Errorf("decode processed image: %w", err)
	}
	return &submitResult{requestID: env.RequestID, output: output, cacheHit: env.CacheHit}, nil
}
