package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-extractor/internal/events"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/extraction"
	collyfetcher "github.com/JakeFAU/realtime-cpi-extractor/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-cpi-extractor/internal/server"
)

type extractOptions struct {
	url       string
	mode      string
	selectors []string
}

// newExtractCmd runs one extraction locally. The argument is a file path, "-"
// for stdin, or an http(s) URL that is fetched first.
func newExtractCmd() *cobra.Command {
	opts := extractOptions{}
	cmd := &cobra.Command{
		Use:   "extract <file|url|->",
		Short: "Extracts one document and prints it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return runExtract(cmd.Context(), e, args[0], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "source URL recorded on the document (defaults to the argument when it is a URL)")
	cmd.Flags().StringVar(&opts.mode, "mode", "article", "extraction mode: article, full, metadata or custom")
	cmd.Flags().StringSliceVar(&opts.selectors, "selector", nil, "CSS selector for custom mode (repeatable)")
	return cmd
}

func runExtract(ctx context.Context, e *env, source string, opts extractOptions, out io.Writer) error {
	mode, err := extraction.ParseMode(opts.mode, opts.selectors)
	if err != nil {
		return err
	}
	req, err := loadSource(ctx, e, source, opts.url)
	if err != nil {
		return err
	}

	rt, err := server.NewRuntime(ctx, &e.cfg, e.logger, events.Nop{})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil {
			e.logger.Warn("sandbox close failed", zap.Error(cerr))
		}
	}()

	outcome := rt.Extract(ctx, req, mode)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	if outcome.Failure != nil {
		return fmt.Errorf("extraction failed: %w", outcome.Failure)
	}
	return nil
}

func loadSource(ctx context.Context, e *env, source, sourceURL string) (extraction.Request, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		fetcher := collyfetcher.New(e.cfg.FetcherConfig())
		resp, err := fetcher.Fetch(ctx, extraction.FetchRequest{URL: source})
		if err != nil {
			return extraction.Request{}, fmt.Errorf("fetch %s: %w", source, err)
		}
		if sourceURL == "" {
			sourceURL = resp.URL
		}
		return extraction.Request{URL: sourceURL, HTML: string(resp.Body)}, nil
	}

	var (
		body []byte
		err  error
	)
	if source == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(source)
	}
	if err != nil {
		return extraction.Request{}, fmt.Errorf("read %s: %w", source, err)
	}
	if sourceURL == "" {
		return extraction.Request{}, errors.New("--url is required when extracting from a file")
	}
	return extraction.Request{URL: sourceURL, HTML: string(body)}, nil
}
