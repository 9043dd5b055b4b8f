package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/resonate-labs/cohered/internal/api"
	"github.com/resonate-labs/cohered/internal/appclient"
)

// Runner implements the cohere command line client over the daemon socket.
type Runner struct {
	client *appclient.Client
	out    io.Writer
	errOut io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(appclient.New(socketPath), out, errOut)
}

func NewRunnerWithClient(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" {
		r.client = appclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "status":
		return r.runStatus(ctx)
	case "current":
		return r.runCurrent(ctx)
	case "sessions":
		return r.runSessions(ctx)
	case "session":
		return r.runSession(ctx, rest[1:])
	case "metrics":
		return r.runMetrics(ctx, rest[1:])
	case "summaries":
		return r.runSummaries(ctx, rest[1:])
	case "join":
		return r.runJoin(ctx, rest[1:])
	case "leave":
		return r.runLeave(ctx, rest[1:])
	case "coherence":
		return r.runCoherence(ctx, rest[1:])
	case "watch":
		return r.runWatch(ctx)
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) runStatus(ctx context.Context) int {
	resp, err := r.client.Health(ctx)
	if err != nil {
		return r.fail(err)
	}
	_, _ = fmt.Fprintf(r.out, "daemon %s (schema %s)\n", resp.Status, resp.SchemaVersion)
	return 0
}

func (r *Runner) runCurrent(ctx context.Context) int {
	resp, err := r.client.CurrentSession(ctx)
	if err != nil {
		return r.fail(err)
	}
	r.printSession(resp.Session)
	return 0
}

func (r *Runner) runSessions(ctx context.Context) int {
	resp, err := r.client.Sessions(ctx)
	if err != nil {
		return r.fail(err)
	}
	if len(resp.Sessions) == 0 {
		_, _ = fmt.Fprintln(r.out, "no active sessions")
		return 0
	}
	for _, s := range resp.Sessions {
		_, _ = fmt.Fprintf(r.out, "%s  %-12s  %3d participants  avg %.1f\n",
			s.SessionID, s.CurrentPhase, s.ParticipantCount, s.GroupMetrics.AverageCoherence)
	}
	return 0
}

func (r *Runner) runSession(ctx context.Context, args []string) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: cohere session <session-id>")
		return 2
	}
	resp, err := r.client.Session(ctx, args[0])
	if err != nil {
		return r.fail(err)
	}
	r.printSession(resp.Session)
	return 0
}

func (r *Runner) runMetrics(ctx context.Context, args []string) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: cohere metrics <session-id>")
		return 2
	}
	resp, err := r.client.Metrics(ctx, args[0])
	if err != nil {
		return r.fail(err)
	}
	r.printMetrics(resp.Metrics)
	return 0
}

func (r *Runner) runSummaries(ctx context.Context, args []string) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: cohere summaries <session-id>")
		return 2
	}
	resp, err := r.client.Summaries(ctx, args[0])
	if err != nil {
		return r.fail(err)
	}
	if len(resp.Summaries) == 0 {
		_, _ = fmt.Fprintln(r.out, "no summaries recorded")
		return 0
	}
	for _, s := range resp.Summaries {
		_, _ = fmt.Fprintf(r.out, "%s  peak %.1f  in-coherence %dms\n",
			s.UserID, s.PeakCoherence, s.TimeInCoherenceMS)
	}
	return 0
}

func (r *Runner) runJoin(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	fs.SetOutput(r.errOut)
	user := fs.String("user", "", "user id")
	intention := fs.String("intention", "", "intention category")
	note := fs.String("note", "", "private intention note")
	sessionID, err := parseSessionArgs(fs, args)
	if err != nil {
		return 2
	}
	if strings.TrimSpace(*user) == "" {
		_, _ = fmt.Fprintln(r.errOut, "-user is required")
		return 2
	}
	req := api.JoinRequest{UserID: *user}
	if *intention != "" {
		req.Intention = &api.IntentionPayload{Category: *intention, Note: *note}
	}
	resp, err := r.client.Join(ctx, sessionID, req)
	if err != nil {
		return r.fail(err)
	}
	_, _ = fmt.Fprintf(r.out, "joined %s (%s, %d participants)\n",
		resp.Session.SessionID, resp.Session.CurrentPhase, resp.Session.ParticipantCount)
	return 0
}

func (r *Runner) runLeave(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("leave", flag.ContinueOnError)
	fs.SetOutput(r.errOut)
	user := fs.String("user", "", "user id")
	sessionID, err := parseSessionArgs(fs, args)
	if err != nil {
		return 2
	}
	if strings.TrimSpace(*user) == "" {
		_, _ = fmt.Fprintln(r.errOut, "-user is required")
		return 2
	}
	if _, err := r.client.Leave(ctx, sessionID, api.LeaveRequest{UserID: *user}); err != nil {
		return r.fail(err)
	}
	_, _ = fmt.Fprintln(r.out, "left")
	return 0
}

func (r *Runner) runCoherence(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("coherence", flag.ContinueOnError)
	fs.SetOutput(r.errOut)
	user := fs.String("user", "", "user id")
	score := fs.Float64("score", 0, "coherence score 0-100")
	sessionID, err := parseSessionArgs(fs, args)
	if err != nil {
		return 2
	}
	if strings.TrimSpace(*user) == "" {
		_, _ = fmt.Fprintln(r.errOut, "-user is required")
		return 2
	}
	resp, err := r.client.UpdateCoherence(ctx, sessionID, api.CoherenceUpdateRequest{UserID: *user, Score: *score})
	if err != nil {
		return r.fail(err)
	}
	_, _ = fmt.Fprintf(r.out, "you %.1f, group %.1f (%s)\n",
		resp.YourCoherence, resp.GroupAverage, resp.Contribution)
	return 0
}

func (r *Runner) runWatch(ctx context.Context) int {
	err := r.client.Watch(ctx, func(line api.WatchLine) error {
		switch line.Type {
		case "snapshot":
			_, _ = fmt.Fprintf(r.out, "snapshot: %d active sessions\n", len(line.Sessions))
		case "phase_changed":
			_, _ = fmt.Fprintf(r.out, "%s -> %s\n", line.SessionID, line.Phase)
		case "metrics_updated":
			if line.Metrics != nil {
				_, _ = fmt.Fprintf(r.out, "%s: %d participants, avg %.1f (%s)\n",
					line.SessionID, line.Metrics.ParticipantCount,
					line.Metrics.AverageCoherence, line.Metrics.CoherencePhase)
			}
		default:
			_, _ = fmt.Fprintf(r.out, "%s: %s\n", line.SessionID, line.Type)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return r.fail(err)
	}
	return 0
}

func (r *Runner) printSession(s api.SessionItem) {
	_, _ = fmt.Fprintf(r.out, "session %s\n", s.SessionID)
	_, _ = fmt.Fprintf(r.out, "  phase        %s\n", s.CurrentPhase)
	_, _ = fmt.Fprintf(r.out, "  started      %s\n", s.StartedAt)
	_, _ = fmt.Fprintf(r.out, "  duration     %dms\n", s.DurationMS)
	_, _ = fmt.Fprintf(r.out, "  participants %d\n", s.ParticipantCount)
	_, _ = fmt.Fprintf(r.out, "  track        %s\n", s.AudioTrack.Name)
	r.printMetrics(s.GroupMetrics)
}

func (r *Runner) printMetrics(m api.GroupMetricsItem) {
	_, _ = fmt.Fprintf(r.out, "  average      %.2f (%s)\n", m.AverageCoherence, m.CoherencePhase)
	_, _ = fmt.Fprintf(r.out, "  peak         %.2f\n", m.PeakCoherence)
	_, _ = fmt.Fprintf(r.out, "  distribution low=%d medium=%d high=%d\n",
		m.Distribution.Low, m.Distribution.Medium, m.Distribution.High)
}

func (r *Runner) fail(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprint(r.errOut, `usage: cohere [--socket path] <command>

commands:
  status                         daemon health
  current                        show the current session
  sessions                       list active sessions
  session <id>                   show one session
  metrics <id>                   show a session's group metrics
  summaries <id>                 show stored participant summaries
  join <id> -user u [-intention c] [-note n]
  leave <id> -user u
  coherence <id> -user u -score s
  watch                          stream session events
`)
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socketPath := ""
	rest := args
	for len(rest) > 0 {
		arg := rest[0]
		switch {
		case arg == "--socket" || arg == "-socket":
			if len(rest) < 2 {
				return "", nil, fmt.Errorf("--socket requires a value")
			}
			socketPath = rest[1]
			rest = rest[2:]
		case strings.HasPrefix(arg, "--socket="):
			socketPath = strings.TrimPrefix(arg, "--socket=")
			rest = rest[1:]
		default:
			return socketPath, rest, nil
		}
	}
	return socketPath, rest, nil
}

// parseSessionArgs expects a positional session id followed by flags.
func parseSessionArgs(fs *flag.FlagSet, args []string) (string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		_, _ = fmt.Fprintf(fs.Output(), "usage: cohere %s <session-id> [flags]\n", fs.Name())
		return "", fmt.Errorf("session id is required")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return "", err
	}
	return args[0], nil
}
