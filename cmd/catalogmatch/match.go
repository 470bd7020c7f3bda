package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/nugget/catalogmatch/internal/matcher"
)

// runMatch handles "catalogmatch match". Goals come from the arguments
// or from a batch request file given with -f. Progress is logged to
// stderr at debug level; the outcome goes to stdout.
func runMatch(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	req, err := parseMatchArgs(args, os.Stdin)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	observer := func(e matcher.Event) {
		logger.Debug("batch progress",
			"batch_id", e.BatchID,
			"kind", e.Kind,
			"iteration", e.Iteration,
			"goal", e.Goal,
			"tool", e.Tool,
			"message", e.Message,
		)
	}
	out, err := a.matcher.MatchBatch(ctx, req, observer)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	return writeOutcome(stdout, out)
}

// parseMatchArgs builds a batch request from match arguments:
//
//	-f <file>     read a JSON batch request ("-" for stdin)
//	-m <model>    override the default model
//	-hint <text>  add a hint; may repeat
//
// Any other argument is a goal term.
func parseMatchArgs(args []string, stdin io.Reader) (matcher.BatchRequest, error) {
	var req matcher.BatchRequest
	var file, model string
	var hints []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			req.Goals = append(req.Goals, matcher.Goal{Term: arg})
			continue
		}
		if i+1 >= len(args) {
			return req, fmt.Errorf("%s needs a value", arg)
		}
		i++
		switch arg {
		case "-f":
			file = args[i]
		case "-m":
			model = args[i]
		case "-hint":
			hints = append(hints, args[i])
		default:
			return req, fmt.Errorf("unknown match flag: %s", arg)
		}
	}

	if file != "" {
		if len(req.Goals) > 0 {
			return req, errors.New("give either goal terms or -f, not both")
		}
		r := stdin
		if file != "-" {
			f, err := os.Open(file)
			if err != nil {
				return req, fmt.Errorf("open request file: %w", err)
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(&req); err != nil {
			return req, fmt.Errorf("decode request file: %w", err)
		}
	}

	if model != "" {
		req.Model = model
	}
	req.Hints = append(req.Hints, hints...)
	if len(req.Goals) == 0 {
		return req, matcher.ErrNoGoals
	}
	return req, nil
}

// writeOutcome prints one line per goal followed by a summary.
func writeOutcome(w io.Writer, out *matcher.Outcome) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTERM\tCODE\tNAME\tCONF\tSTATUS")
	for i, r := range out.Results {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", i+1, r.Term, r.Code, r.Name, r.Confidence, r.Status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d of %d matched in %d iterations, %d tool calls, %d input / %d output tokens (model %s)\n",
		out.Matched(), len(out.Results), out.Iterations, out.ToolCalls,
		out.Usage.InputTokens, out.Usage.OutputTokens, out.Model)
	if out.ForcedStop {
		fmt.Fprintf(w, "stopped early: %s\n", out.StopReason)
	}
	return nil
}
